package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/monitoring"
	"github.com/sells-group/metrics-engine/internal/registry"
	"github.com/sells-group/metrics-engine/internal/store"
)

// -- status --

var statusCmd = &cobra.Command{
	Use:   "status [run-id]",
	Short: "Show the collection run log",
	Long:  "Without arguments lists recent runs, newest first. With a run id prints that run as JSON.",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		if len(args) == 1 {
			run, err := env.Store.GetRun(ctx, args[0])
			if err != nil {
				return eris.Wrap(err, "status")
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(run)
		}

		if summary, _ := cmd.Flags().GetBool("summary"); summary {
			report, err := env.Monitor.Check(ctx)
			if err != nil {
				return eris.Wrap(err, "status")
			}
			formatHealthReport(os.Stdout, report)
			return nil
		}

		status, _ := cmd.Flags().GetString("status")
		dateFlag, _ := cmd.Flags().GetString("date")
		limit, _ := cmd.Flags().GetInt("limit")

		filter := store.RunFilter{Status: model.RunStatus(status), Limit: limit}
		if dateFlag != "" {
			d, err := model.ParseDate(dateFlag)
			if err != nil {
				return err
			}
			filter.Date = d
		}

		runs, err := env.Store.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "status")
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No collection runs found.")
			return nil
		}

		formatRunsList(os.Stdout, runs)
		return nil
	},
}

// -- current --

var currentCmd = &cobra.Command{
	Use:   "current",
	Short: "Show the latest value of every metric",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		view, err := env.Reader.FetchCurrentMetrics(ctx)
		if err != nil {
			return eris.Wrap(err, "current")
		}
		formatCurrent(os.Stdout, view, env.Catalog)
		return nil
	},
}

// -- activity --

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Show daily incremental metrics for recent days",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		days, _ := cmd.Flags().GetInt("days")

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		points, err := env.Reader.FetchActivityData(ctx, days)
		if err != nil {
			return eris.Wrap(err, "activity")
		}
		formatActivity(os.Stdout, points, env.Catalog)
		return nil
	},
}

func init() {
	statusCmd.Flags().String("status", "", "filter by run status (running, completed, failed)")
	statusCmd.Flags().String("date", "", "filter by collection date, YYYY-MM-DD")
	statusCmd.Flags().Int("limit", 20, "max number of runs to display")
	statusCmd.Flags().Bool("summary", false, "show collection health and alerts instead of the run list")

	activityCmd.Flags().Int("days", 30, "number of days ending today")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(currentCmd)
	rootCmd.AddCommand(activityCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.CollectionRun) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tDATE\tTRIGGER\tSTATUS\tMETRICS\tSTARTED\tDURATION\tERROR")
	_, _ = fmt.Fprintln(w, "--\t----\t-------\t------\t-------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := "-"
		if r.CompletedAt != nil {
			dur = r.Duration().Round(time.Millisecond).String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.CollectionDate,
			r.Trigger,
			r.Status,
			r.MetricsCollected,
			r.StartedAt.UTC().Format("2006-01-02 15:04"),
			dur,
			truncate(r.ErrorDetail, 50),
		)
	}
	_ = w.Flush()
}

// formatHealthReport writes the health snapshot followed by any alerts.
func formatHealthReport(out io.Writer, r *monitoring.Report) {
	h := r.Health
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Window:\t%dd\n", h.LookbackDays)
	_, _ = fmt.Fprintf(w, "Runs:\t%d\n", h.RunsTotal)
	_, _ = fmt.Fprintf(w, "  Completed:\t%d\n", h.RunsCompleted)
	_, _ = fmt.Fprintf(w, "  Failed:\t%d\n", h.RunsFailed)
	_, _ = fmt.Fprintf(w, "  Running:\t%d\n", h.RunsRunning)
	_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", h.FailRate*100)
	last := "never"
	if h.LastCompletedDate != nil {
		last = h.LastCompletedDate.String()
	}
	_, _ = fmt.Fprintf(w, "Last completed:\t%s\n", last)
	if len(h.MissingDates) > 0 {
		_, _ = fmt.Fprintf(w, "Missing dates:\t%s\n", strings.Join(h.MissingDates, ", "))
	}
	_ = w.Flush()

	if len(r.Alerts) == 0 {
		_, _ = fmt.Fprintln(out, "\nNo alerts.")
		return
	}
	_, _ = fmt.Fprintln(out, "\nAlerts:")
	for _, a := range r.Alerts {
		_, _ = fmt.Fprintf(out, "  [%s] %s\n", a.Severity, a.Message)
	}
}

// formatCurrent writes the latest value of each catalog metric, formatted
// with its definition.
func formatCurrent(out io.Writer, view model.CurrentMetricsView, catalog *registry.Catalog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "METRIC\tVALUE\tAS OF")
	for _, def := range catalog.All() {
		v, ok := view.Metrics[def.Category]
		if !ok {
			continue
		}
		asOf := "-"
		if d, ok := view.AsOf[def.Category]; ok {
			asOf = d.String()
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, def.FormatValue(v), asOf)
	}
	_ = w.Flush()
}

// formatActivity writes one row per date with a column per incremental metric.
func formatActivity(out io.Writer, points []model.ActivityPoint, catalog *registry.Catalog) {
	cats := catalog.IncrementalCategories()

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', tabwriter.AlignRight)
	headers := make([]string, 0, len(cats)+1)
	headers = append(headers, "DATE")
	for _, c := range cats {
		headers = append(headers, strings.ToUpper(string(c)))
	}
	_, _ = fmt.Fprintln(w, strings.Join(headers, "\t")+"\t")

	for _, p := range points {
		cells := make([]string, 0, len(cats)+1)
		cells = append(cells, p.Date.String())
		for _, c := range cats {
			cells = append(cells, fmt.Sprintf("%.0f", p.Values[c]))
		}
		_, _ = fmt.Fprintln(w, strings.Join(cells, "\t")+"\t")
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
