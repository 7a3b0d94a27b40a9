// Package cli implements concierge-cli: one-shot chats, tool calls and
// guarded dataset queries from a terminal.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

func Run(args []string) ExitCode {
	rootCmd := NewRootCmd()
	rootCmd.SetArgs(args)
	if err := rootCmd.Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:          "concierge-cli",
		Short:        "Talk to the concierge and inspect its tools and datasets.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "set debug logging level")
	rootCmd.PersistentFlags().String("data-dir", "", "directory holding the dataset CSV files (defaults to CONCIERGE_DATA_DIR or ./data)")
	rootCmd.PersistentFlags().String("mcp-url", "", "use the tools of a remote MCP server instead of the local ones")
	rootCmd.PersistentFlags().String("mcp-token", "", "bearer token for --mcp-url (defaults to MCP_TOKEN)")

	rootCmd.AddCommand(
		NewChatCmd().Command(),
		NewToolsCmd().Command(),
		NewQueryCmd().Command(),
	)
	return rootCmd
}
