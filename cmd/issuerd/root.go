package main

import (
	"github.com/spf13/cobra"
)

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "issuerd",
		Short: "Run the OAuth2/OIDC authorization server",
	}
	cmd.AddCommand(serveCmd())
	cmd.AddCommand(versionCmd())
	return cmd
}
