package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/FanzDash/fanzdash-mediahub-go/internal/uploader"
)

// commandContext carries the connection flags shared by all subcommands.
type commandContext struct {
	serverFlag *string
	tokenFlag  *string
}

// client builds an API client from the flags, falling back to MH_TOKEN for
// the bearer token.
func (c *commandContext) client() *uploader.Client {
	token := *c.tokenFlag
	if token == "" {
		token = os.Getenv("MH_TOKEN")
	}
	return uploader.NewClient(*c.serverFlag, token)
}

func newRootCommand() *cobra.Command {
	var serverFlag string
	var tokenFlag string

	ctx := &commandContext{serverFlag: &serverFlag, tokenFlag: &tokenFlag}

	rootCmd := &cobra.Command{
		Use:           "fanzup",
		Short:         "FanzDash MediaHub upload CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVar(&serverFlag, "server", "http://localhost:8080", "Upload service base URL")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Bearer token (defaults to MH_TOKEN)")

	rootCmd.AddCommand(newUploadCommand(ctx))
	rootCmd.AddCommand(newResumeCommand(ctx))
	rootCmd.AddCommand(newStatusCommand(ctx))

	return rootCmd
}
