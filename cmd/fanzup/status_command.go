package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status <uploadId>",
		Short: "Show server-side progress of an upload session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			progress, err := ctx.client().Progress(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			out := renderTable(
				[]string{"Status", "Chunks", "Progress"},
				[][]string{{
					string(progress.Status),
					fmt.Sprintf("%d / %d", progress.CompletedChunks, progress.TotalChunks),
					fmt.Sprintf("%.2f%%", progress.Progress),
				}},
				[]columnAlignment{alignLeft, alignRight, alignRight},
			)
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
}
