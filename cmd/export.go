package main

import (
	"io"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/export"
	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/query"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export snapshots for a date range as JSON or XLSX",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		startFlag, _ := cmd.Flags().GetString("start")
		endFlag, _ := cmd.Flags().GetString("end")
		formatFlag, _ := cmd.Flags().GetString("format")
		outPath, _ := cmd.Flags().GetString("out")
		category, _ := cmd.Flags().GetString("category")

		format, err := export.ParseFormat(formatFlag)
		if err != nil {
			return err
		}
		start, err := model.ParseDate(startFlag)
		if err != nil {
			return eris.Wrap(err, "--start")
		}
		end, err := model.ParseDate(endFlag)
		if err != nil {
			return eris.Wrap(err, "--end")
		}
		if format == export.FormatXLSX && outPath == "" {
			return model.Invalidf("--out is required for xlsx exports")
		}

		env, err := initApp(ctx, cfg)
		if err != nil {
			return err
		}
		defer env.Close()

		snaps, err := env.Reader.FetchMetrics(ctx, query.MetricsQuery{
			Start:    start,
			End:      end,
			Category: model.MetricCategory(category),
		})
		if err != nil {
			return eris.Wrap(err, "export")
		}

		var w io.Writer = os.Stdout
		if outPath != "" {
			f, err := os.Create(outPath)
			if err != nil {
				return eris.Wrapf(err, "export: create %s", outPath)
			}
			defer f.Close() //nolint:errcheck
			w = f
		}

		if err := export.Write(w, format, snaps, env.Catalog); err != nil {
			return err
		}

		zap.L().Info("export complete",
			zap.String("format", string(format)),
			zap.Int("rows", len(snaps)),
			zap.String("out", outPath),
		)
		return nil
	},
}

func init() {
	exportCmd.Flags().String("start", "", "first date, YYYY-MM-DD")
	exportCmd.Flags().String("end", "", "last date, YYYY-MM-DD")
	exportCmd.Flags().String("format", "json", "output format (json, xlsx)")
	exportCmd.Flags().String("out", "", "output file (default stdout; required for xlsx)")
	exportCmd.Flags().String("category", "", "only export one metric category")
	_ = exportCmd.MarkFlagRequired("start")
	_ = exportCmd.MarkFlagRequired("end")
	rootCmd.AddCommand(exportCmd)
}
