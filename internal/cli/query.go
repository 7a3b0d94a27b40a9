package cli

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"syscall"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/malbeclabs/concierge/internal/dataset"
	"github.com/malbeclabs/concierge/internal/duck"
	"github.com/malbeclabs/concierge/internal/guard"
	"github.com/malbeclabs/concierge/internal/metrics"
	"github.com/malbeclabs/concierge/internal/tools"
)

const metricsSource = "cli"

type QueryCmd struct{}

func NewQueryCmd() *QueryCmd {
	return &QueryCmd{}
}

func (c *QueryCmd) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "query <dataset> <sql>",
		Short: "Run a guarded SELECT against a dataset",
		Long: `Run a read-only query against one dataset. The statement goes through the
same guard and row cap as the search tools; the dataset is referenced by its
table placeholder, for example 'stores.csv'.`,
		Example: `  concierge-cli query search_stores "SELECT store_name, category FROM 'stores.csv'"`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			format, err := cmd.Flags().GetString("format")
			if err != nil {
				return fmt.Errorf("failed to get format flag: %w", err)
			}
			if format != "table" && format != "json" {
				return fmt.Errorf("invalid format: %s", format)
			}
			maxRows, err := cmd.Flags().GetInt("max-rows")
			if err != nil {
				return fmt.Errorf("failed to get max-rows flag: %w", err)
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			e, err := newEnv(ctx, cmd, true)
			if err != nil {
				return err
			}
			defer e.Close()

			ds, err := findDataset(e.datasets, args[0])
			if err != nil {
				return err
			}
			if maxRows <= 0 || maxRows > e.cfg.MaxRows {
				maxRows = e.cfg.MaxRows
			}

			res, err := runQuery(ctx, e.db, ds, maxRows, args[1])
			if err != nil {
				return err
			}
			if format == "json" {
				fmt.Fprintln(cmd.OutOrStdout(), tools.FormatJSON(res.Rows))
				return nil
			}
			renderRows(cmd.OutOrStdout(), res)
			return nil
		},
	}
	cmd.Flags().String("format", "table", "output format (table, json)")
	cmd.Flags().Int("max-rows", 0, "row cap, never above CONCIERGE_MAX_ROWS")
	return cmd
}

// runQuery validates sql, caps it and runs it against ds.
func runQuery(ctx context.Context, db duck.DB, ds dataset.Dataset, maxRows int, sql string) (duck.QueryResponse, error) {
	if err := guard.Validate(sql); err != nil {
		for _, rule := range guard.Rules(err) {
			metrics.GuardRejectionsTotal.WithLabelValues(metricsSource, rule).Inc()
		}
		return duck.QueryResponse{}, err
	}
	resolved := ds.Resolve(guard.EnforceRowCap(sql, maxRows))

	start := time.Now()
	res, err := duck.Query(ctx, db, maxRows, resolved)
	metrics.DatabaseQueryDuration.WithLabelValues(metricsSource).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.DatabaseQueriesTotal.WithLabelValues(metricsSource, "error").Inc()
		return duck.QueryResponse{}, fmt.Errorf("query execution failed: %w", err)
	}
	metrics.DatabaseQueriesTotal.WithLabelValues(metricsSource, "success").Inc()
	return res, nil
}

func renderRows(w io.Writer, res duck.QueryResponse) {
	table := tablewriter.NewWriter(w)
	table.SetAutoWrapText(false)
	table.SetHeaderAlignment(tablewriter.ALIGN_CENTER)
	table.SetAutoFormatHeaders(false)
	table.SetBorder(true)
	table.SetHeader(res.Columns)
	for _, row := range res.Rows {
		cells := make([]string, len(res.Columns))
		for i, col := range res.Columns {
			if v := row[col]; v != nil {
				cells[i] = fmt.Sprint(v)
			} else {
				cells[i] = "NULL"
			}
		}
		table.Append(cells)
	}
	table.SetFooter(footer(res))
	table.Render()
}

func footer(res duck.QueryResponse) []string {
	out := make([]string, len(res.Columns))
	if len(out) == 0 {
		return out
	}
	out[0] = fmt.Sprintf("%d rows", res.Count)
	if res.Truncated {
		out[0] += " (capped)"
	}
	return out
}
