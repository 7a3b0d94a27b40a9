package cli

import (
	"fmt"
	"io"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/malbeclabs/concierge/internal/agent/llm"
	"github.com/malbeclabs/concierge/internal/agent/prompts"
	"github.com/malbeclabs/concierge/internal/concierge"
)

type ChatCmd struct{}

func NewChatCmd() *ChatCmd {
	return &ChatCmd{}
}

func (c *ChatCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "chat <question>",
		Short: "Ask the concierge one question",
		Example: `  concierge-cli chat "今日のおすすめのカフェは？"
  concierge-cli chat --model gpt-5-mini --mcp-url http://localhost:8010 "What events are on this weekend?"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			model, err := cmd.Flags().GetString("model")
			if err != nil {
				return fmt.Errorf("failed to get model flag: %w", err)
			}
			profileID, err := cmd.Flags().GetString("profile-id")
			if err != nil {
				return fmt.Errorf("failed to get profile-id flag: %w", err)
			}
			quiet, err := cmd.Flags().GetBool("quiet")
			if err != nil {
				return fmt.Errorf("failed to get quiet flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := newEnv(ctx, cmd, false)
			if err != nil {
				return err
			}
			defer e.Close()

			if model == "" {
				model = e.cfg.Model
			}
			if _, ok := llm.Lookup(model); !ok {
				return fmt.Errorf("%w: %s", llm.ErrUnsupportedModel, model)
			}

			p, err := prompts.Load()
			if err != nil {
				return fmt.Errorf("failed to load prompts: %w", err)
			}
			svc, err := concierge.New(concierge.Config{
				Logger:     e.log,
				Models:     llm.NewFactory(e.cfg.LLM()),
				Prompts:    p,
				Registry:   e.registry,
				ToolClient: e.tools,
				Location:   e.cfg.Location,
			})
			if err != nil {
				return fmt.Errorf("failed to create concierge: %w", err)
			}

			var progress io.Writer = cmd.ErrOrStderr()
			if quiet {
				progress = io.Discard
			}
			out := cmd.OutOrStdout()

			resp, err := svc.Respond(ctx, concierge.Request{
				Model:     model,
				Message:   strings.Join(args, " "),
				ProfileID: profileID,
			}, printEvents(out, progress))
			if err != nil {
				return err
			}
			if !strings.HasSuffix(resp.Answer, "\n") {
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().String("model", "", "model to answer with (defaults to CONCIERGE_MODEL)")
	cmd.Flags().String("profile-id", "", "user profile the concierge may look up")
	cmd.Flags().BoolP("quiet", "q", false, "do not print tool executions")
	return cmd
}

// printEvents writes answer chunks to out and tool executions to progress.
func printEvents(out, progress io.Writer) concierge.EmitFunc {
	return func(ev concierge.Event) {
		switch ev.Type {
		case concierge.EventChunk:
			if s, ok := ev.Data.(string); ok {
				fmt.Fprint(out, s)
			}
		case concierge.EventToolExecution:
			exec, ok := ev.Data.(concierge.ToolExecution)
			if !ok {
				return
			}
			status := "ok"
			if exec.IsError {
				status = "error"
			}
			fmt.Fprintf(progress, "[tool] %s (%s)\n%s\n", exec.Name, status, indent(exec.Input))
		}
	}
}

func indent(s string) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	for i, l := range lines {
		lines[i] = "  " + l
	}
	return strings.Join(lines, "\n")
}
