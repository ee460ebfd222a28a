package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

func newRootCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:     "parley",
		Short:   "Streaming chat client with non-blocking tool calls",
		Version: version,
		Long: `Parley is a terminal chat client for the Anthropic Messages API.
It streams replies token by token, repairs persisted conversation history,
and runs tool calls asynchronously so slow tools never block the prompt.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "parley.yaml", "path to the config file")

	cmd.AddCommand(newChatCmd(&configPath))
	cmd.AddCommand(newHistoryCmd(&configPath))
	return cmd
}
