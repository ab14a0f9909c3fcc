package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/model"
)

// -- collect --

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Collect every active metric for one date",
	Long:  "Counts each active catalog metric for --date (default today) and upserts the snapshots. Re-running a date overwrites its values.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dateFlag, _ := cmd.Flags().GetString("date")
		correct, _ := cmd.Flags().GetBool("correct")

		var date model.Date
		if dateFlag != "" {
			d, err := model.ParseDate(dateFlag)
			if err != nil {
				return err
			}
			date = d
		}

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		trigger := model.TriggerRoutine
		if correct {
			trigger = model.TriggerCorrection
		}

		res, err := env.Engine.Run(ctx, date, trigger)
		if err != nil {
			return eris.Wrap(err, "collect")
		}

		formatResult(os.Stdout, res)
		if !res.Succeeded() {
			return eris.Errorf("collect: %d of %d metrics failed for %s",
				res.MetricsFailed, res.MetricsCollected+res.MetricsFailed, res.Date)
		}
		return nil
	},
}

// -- backfill --

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Collect every date in an inclusive range",
	Long:  "Runs a collection for each date from --start to --end in order. A failed date does not stop the range; Ctrl-C stops after the current date.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		startFlag, _ := cmd.Flags().GetString("start")
		endFlag, _ := cmd.Flags().GetString("end")

		start, err := model.ParseDate(startFlag)
		if err != nil {
			return eris.Wrap(err, "--start")
		}
		end, err := model.ParseDate(endFlag)
		if err != nil {
			return eris.Wrap(err, "--end")
		}

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		results, runErr := env.Backfill.Backfill(ctx, start, end)
		sum := model.Summarize(start, end, results)
		if len(results) > 0 {
			formatBackfillSummary(os.Stdout, sum)
		}
		if runErr != nil {
			return eris.Wrap(runErr, "backfill")
		}

		zap.L().Info("backfill finished",
			zap.Stringer("start", start),
			zap.Stringer("end", end),
			zap.Int("succeeded", sum.Succeeded),
			zap.Int("failed", sum.Failed),
		)
		if sum.Failed > 0 {
			return eris.Errorf("backfill: %d of %d dates failed", sum.Failed, sum.Total)
		}
		return nil
	},
}

func init() {
	collectCmd.Flags().String("date", "", "date to collect, YYYY-MM-DD (default today)")
	collectCmd.Flags().Bool("correct", false, "re-collect a past date beyond the staleness window")

	backfillCmd.Flags().String("start", "", "first date, YYYY-MM-DD")
	backfillCmd.Flags().String("end", "", "last date, YYYY-MM-DD")
	_ = backfillCmd.MarkFlagRequired("start")
	_ = backfillCmd.MarkFlagRequired("end")

	rootCmd.AddCommand(collectCmd)
	rootCmd.AddCommand(backfillCmd)
}

// formatResult writes a one-run summary to w.
func formatResult(out io.Writer, r model.CollectionResult) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Date:\t%s\n", r.Date)
	_, _ = fmt.Fprintf(w, "Trigger:\t%s\n", r.Trigger)
	_, _ = fmt.Fprintf(w, "Status:\t%s\n", r.Status)
	_, _ = fmt.Fprintf(w, "Collected:\t%d\n", r.MetricsCollected)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", r.MetricsFailed)
	_, _ = fmt.Fprintf(w, "Elapsed:\t%dms\n", r.ExecutionTimeMS)
	if r.RunID != "" {
		_, _ = fmt.Fprintf(w, "Run:\t%s\n", r.RunID)
	}
	for _, e := range r.Errors {
		_, _ = fmt.Fprintf(w, "  %s/%s:\t%s\n", e.MetricType, e.MetricCategory, e.Error)
	}
	_ = w.Flush()
}

// formatBackfillSummary writes per-date results followed by totals.
func formatBackfillSummary(out io.Writer, s model.BackfillSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "DATE\tSTATUS\tCOLLECTED\tFAILED\tERROR")
	_, _ = fmt.Fprintln(w, "----\t------\t---------\t------\t-----")
	for _, r := range s.Results {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%s\n",
			r.Date, r.Status, r.MetricsCollected, r.MetricsFailed, truncate(r.ErrorDetail, 60))
	}
	_ = w.Flush()

	_, _ = fmt.Fprintf(out, "\nBackfill %s..%s: %d dates, %d succeeded, %d failed\n",
		s.Start, s.End, s.Total, s.Succeeded, s.Failed)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
