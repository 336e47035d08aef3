package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

func newReportCmd(opts *rootOptions) *cobra.Command {
	params := &ReportParams{}
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Show funnel and journey reports",
	}
	cmd.PersistentFlags().StringVar(&params.From, "from", "", "range start (RFC3339 or YYYY-MM-DD)")
	cmd.PersistentFlags().StringVar(&params.To, "to", "", "range end (RFC3339 or YYYY-MM-DD)")
	cmd.PersistentFlags().StringVar(&params.Category, "category", "", "filter by service category")
	cmd.PersistentFlags().StringVar(&params.DeviceType, "device", "", "filter by device type")
	cmd.PersistentFlags().StringVar(&params.Language, "language", "", "filter by language")
	cmd.PersistentFlags().StringVar(&params.TZ, "tz", "", "IANA zone for the time-of-day breakdown")

	cmd.AddCommand(&cobra.Command{
		Use:   "funnel",
		Short: "Step completion, drop-off and revenue for a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			rep, err := opts.client().FunnelReport(ctx, *params)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "Funnel %s to %s\n", rep.From.Format("2006-01-02"), rep.To.Format("2006-01-02"))
			fmt.Fprintf(w, "Sessions: %d  Completed: %d  Conversion: %.2f%%\n\n", rep.TotalSessions, rep.CompletedSessions, rep.ConversionRate)
			fmt.Fprintf(w, "%-4s %-20s %10s %10s %10s %10s\n", "STEP", "NAME", "REACHED", "COMPLETED", "RATE", "AVG TIME")
			fmt.Fprintln(w, strings.Repeat("-", 69))
			for _, s := range rep.Steps {
				fmt.Fprintf(w, "%-4d %-20s %10d %10d %9.2f%% %9.1fs\n",
					s.Step, s.Name, s.SessionsReached, s.SessionsCompleted, s.CompletionRate, s.AverageTimeSeconds)
			}
			fmt.Fprintln(w)
			if rep.DropOff.Count > 0 {
				fmt.Fprintf(w, "Largest drop-off: step %d (%d sessions)\n", rep.DropOff.Step, rep.DropOff.Count)
				for _, r := range rep.DropOff.Reasons {
					fmt.Fprintf(w, "  %-24s %5d %6.2f%%\n", r.Code, r.Count, r.Percentage)
				}
			}
			fmt.Fprintf(w, "Revenue: total %.2f  average %.2f  abandoned %.2f\n",
				rep.Revenue.Total, rep.Revenue.Average, rep.Revenue.AbandonedValue)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "journeys",
		Short: "Bounce, conversion and entry pages for a date range",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
			defer cancel()
			rep, err := opts.client().JourneyReport(ctx, *params)
			if err != nil {
				return err
			}
			if opts.jsonOut {
				return printJSON(cmd.OutOrStdout(), rep)
			}
			w := cmd.OutOrStdout()
			s := rep.Summary
			fmt.Fprintf(w, "Sessions: %d\n", s.Sessions)
			fmt.Fprintf(w, "Bounce rate: %.2f%%  Conversion: %.2f%%\n", s.BounceRate, s.ConversionRate)
			fmt.Fprintf(w, "Pages/session: %.2f  Avg duration: %.1fs\n", s.PagesPerSession, s.AvgDurationSeconds)
			if len(s.TopEntryPages) > 0 {
				fmt.Fprintln(w, "\nTop entry pages:")
				for _, p := range s.TopEntryPages {
					fmt.Fprintf(w, "  %-40s %6d\n", p.Page, p.Sessions)
				}
			}
			return nil
		},
	})
	return cmd
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
