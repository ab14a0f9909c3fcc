package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/metrics-engine/internal/registry"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the metrics schema and seed the catalog",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}

		st, err := initStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate")
		}
		if err := st.SeedDefinitions(ctx, cat.Version(), cat.All()); err != nil {
			return eris.Wrap(err, "migrate")
		}

		zap.L().Info("migrations complete",
			zap.String("driver", cfg.Store.Driver),
			zap.Int("catalog_version", cat.Version()),
			zap.Int("definitions", len(cat.All())),
		)
		return nil
	},
}

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "List the metric definitions",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cat, err := loadCatalog(cfg)
		if err != nil {
			return err
		}
		formatCatalog(os.Stdout, cat)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(catalogCmd)
}

// formatCatalog writes every definition, active or not, to w.
func formatCatalog(out io.Writer, cat *registry.Catalog) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Catalog version %d\n\n", cat.Version())
	_, _ = fmt.Fprintln(w, "TYPE\tCATEGORY\tNAME\tSHAPE\tENTITY\tUNIT\tACTIVE")
	_, _ = fmt.Fprintln(w, "----\t--------\t----\t-----\t------\t----\t------")
	for _, d := range cat.All() {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%t\n",
			d.Type, d.Category, d.Name, d.Shape, d.Entity, d.Unit, d.Active)
	}
	_ = w.Flush()
}
