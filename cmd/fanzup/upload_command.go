package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/model"
	"github.com/FanzDash/fanzdash-mediahub-go/internal/uploader"
)

func newUploadCommand(ctx *commandContext) *cobra.Command {
	var chunkSize int64
	var parallel int

	cmd := &cobra.Command{
		Use:   "upload <path>",
		Short: "Upload a media file in resumable chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			absPath, err := filepath.Abs(args[0])
			if err != nil {
				return fmt.Errorf("resolve path: %w", err)
			}
			if info, err := os.Stat(absPath); err != nil {
				if errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("file does not exist: %s", absPath)
				}
				return fmt.Errorf("inspect file: %w", err)
			} else if info.IsDir() {
				return fmt.Errorf("%s is a directory", absPath)
			}

			up := uploader.NewUploader(ctx.client(), uploader.Options{
				ChunkSize:   chunkSize,
				MaxParallel: parallel,
			})

			stopProgress := startProgressTicker(cmd, up)
			complete, err := up.Upload(cmd.Context(), absPath)
			stopProgress()
			if err != nil {
				return err
			}

			printCompletion(cmd, complete)
			return nil
		},
	}

	cmd.Flags().Int64Var(&chunkSize, "chunk-size", 0, "Chunk size in bytes (default: server-advertised)")
	cmd.Flags().IntVar(&parallel, "parallel", 0, "Concurrent chunk senders (default: server-advertised)")

	return cmd
}

// startProgressTicker prints transfer progress once a second until stopped.
func startProgressTicker(cmd *cobra.Command, up *uploader.Uploader) func() {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				p := up.Progress()
				fmt.Fprintf(cmd.OutOrStdout(), "\r%6.2f%%  %s / %s  %s/s   ",
					p.Percentage,
					formatBytes(p.UploadedBytes),
					formatBytes(p.TotalBytes),
					formatBytes(int64(p.Speed)))
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		fmt.Fprintln(cmd.OutOrStdout())
	}
}

func printCompletion(cmd *cobra.Command, complete *model.CompleteData) {
	out := renderTable(
		[]string{"Asset ID", "Signature", "Processing", "Created"},
		[][]string{{
			complete.AssetID,
			complete.ForensicSignature,
			string(complete.ProcessingStatus),
			complete.CreatedAt.Format(time.RFC3339),
		}},
		[]columnAlignment{alignLeft, alignLeft, alignLeft, alignLeft},
	)
	fmt.Fprintln(cmd.OutOrStdout(), out)
	if complete.DownloadURL != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "Download: %s\n", complete.DownloadURL)
	}
}

func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
