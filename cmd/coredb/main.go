package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "coredb [command] (flags)",
		Short:        "coredb replicated transaction log: member and client",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		serveCmd(),
		statusCmd(),
		sessionCmd(),
		proposeCmd(),
		benchCmd(),
	)
	return cmd
}
