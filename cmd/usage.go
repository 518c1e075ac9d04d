package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/quote-extract/internal/store"
)

var usageCmd = &cobra.Command{
	Use:   "usage",
	Short: "Summarize the inference usage ledger",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		user, _ := cmd.Flags().GetString("user")
		since, _ := cmd.Flags().GetDuration("since")

		filter := store.UsageFilter{UserID: user}
		if since > 0 {
			filter.Since = time.Now().Add(-since)
		}

		summary, err := st.SummarizeUsage(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "usage summary")
		}
		if len(summary) == 0 {
			fmt.Fprintln(os.Stderr, "No usage recorded.")
			return nil
		}

		formatUsageSummary(os.Stdout, summary)
		return nil
	},
}

func init() {
	usageCmd.Flags().String("user", "", "filter by user")
	usageCmd.Flags().Duration("since", 0, "only count events in this window (e.g. 24h)")
	rootCmd.AddCommand(usageCmd)
}

// formatUsageSummary writes per-model usage and a total line to w.
func formatUsageSummary(out io.Writer, rows []store.UsageSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "MODEL\tCALLS\tINPUT\tOUTPUT\tCOST")
	_, _ = fmt.Fprintln(w, "-----\t-----\t-----\t------\t----")

	var total store.UsageSummary
	for _, r := range rows {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t$%.4f\n", r.Model, r.Calls, r.InputTokens, r.OutputTokens, r.CostUSD)
		total.Calls += r.Calls
		total.InputTokens += r.InputTokens
		total.OutputTokens += r.OutputTokens
		total.CostUSD += r.CostUSD
	}
	_, _ = fmt.Fprintf(w, "TOTAL\t%d\t%d\t%d\t$%.4f\n", total.Calls, total.InputTokens, total.OutputTokens, total.CostUSD)
	_ = w.Flush()
}
