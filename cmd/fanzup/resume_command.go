package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/uploader"
)

func newResumeCommand(ctx *commandContext) *cobra.Command {
	var chunkSize int64
	var parallel int

	cmd := &cobra.Command{
		Use:   "resume <uploadId> <path>",
		Short: "Resume an interrupted upload",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			uploadID := args[0]
			absPath, err := filepath.Abs(args[1])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}

			up := uploader.NewUploader(ctx.client(), uploader.Options{
				ChunkSize:   chunkSize,
				MaxParallel: parallel,
			})

			stopProgress := startProgressTicker(cmd, up)
			complete, err := up.ResumeUpload(cmd.Context(), uploadID, absPath)
			stopProgress()
			if err != nil {
				return err
			}

			printCompletion(cmd, complete)
			return nil
		},
	}

	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes (must match the original session)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "Concurrent chunk senders (default: server-advertised)")

	return cmd
}
