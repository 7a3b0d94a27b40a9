package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/concierge/internal/agent/react"
)

type ToolsCmd struct{}

func NewToolsCmd() *ToolsCmd {
	return &ToolsCmd{}
}

func (c *ToolsCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List and call the concierge tools",
	}
	cmd.AddCommand(c.listCommand(), c.callCommand())
	return cmd
}

func (c *ToolsCmd) listCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available tools",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			list, err := e.tools.ListTools(ctx)
			if err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}
			renderTools(cmd.OutOrStdout(), list)
			return nil
		},
	}
}

func (c *ToolsCmd) callCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "call <name> [json-input]",
		Short: "Call a tool with a JSON object as input",
		Example: `  concierge-cli tools call multiply '{"a": 6, "b": 7}'
  concierge-cli tools call search_stores '{"sql_query": "SELECT store_name FROM ''stores.csv''"}'`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := map[string]any{}
			if len(args) == 2 && strings.TrimSpace(args[1]) != "" {
				if err := json.Unmarshal([]byte(args[1]), &input); err != nil {
					return fmt.Errorf("failed to parse tool input: %w", err)
				}
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			text, isError, err := e.tools.CallToolText(ctx, args[0], input)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			if isError {
				return fmt.Errorf("%s reported an error", args[0])
			}
			return nil
		},
	}
}

func renderTools(w io.Writer, list []react.Tool) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader([]string{"Tool", "Description"})
	for _, t := range list {
		summary, _, _ := strings.Cut(strings.TrimSpace(t.Description), "\n")
		table.Append([]string{t.Name, summary})
	}
	table.Render()
}
