// Package export writes snapshot ranges as JSON or XLSX.
package export

import (
	"encoding/json"
	"io"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/metrics-engine/internal/model"
	"github.com/sells-group/metrics-engine/internal/registry"
)

// Format is an export file format.
type Format string

const (
	FormatJSON Format = "json"
	FormatXLSX Format = "xlsx"
)

// ParseFormat accepts "json" or "xlsx", case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatJSON, FormatXLSX:
		return f, nil
	default:
		return "", model.Invalidf("unknown export format %q (want json or xlsx)", s)
	}
}

// Row is one exported snapshot with its catalog metadata.
type Row struct {
	MetricDate          string  `json:"metric_date"`
	MetricType          string  `json:"metric_type"`
	MetricCategory      string  `json:"metric_category"`
	DisplayName         string  `json:"display_name,omitempty"`
	Unit                string  `json:"unit,omitempty"`
	Value               float64 `json:"value"`
	CollectionTimestamp string  `json:"collection_timestamp"`
}

var header = []string{"metric_date", "metric_type", "metric_category", "display_name", "unit", "value", "collection_timestamp"}

// Rows joins snapshots with the catalog. Snapshots for metrics the catalog
// no longer defines are kept without metadata.
func Rows(snaps []model.DailyMetricSnapshot, catalog *registry.Catalog) []Row {
	rows := make([]Row, len(snaps))
	for i, s := range snaps {
		r := Row{
			MetricDate:          s.MetricDate.String(),
			MetricType:          string(s.MetricType),
			MetricCategory:      string(s.MetricCategory),
			Value:               s.Value,
			CollectionTimestamp: s.CollectionTimestamp.UTC().Format(time.RFC3339),
		}
		if catalog != nil {
			if def, ok := catalog.Lookup(s.MetricType, s.MetricCategory); ok {
				r.DisplayName = def.Name
				r.Unit = def.Unit
			}
		}
		rows[i] = r
	}
	return rows
}

// Write encodes snaps to w in the given format.
func Write(w io.Writer, format Format, snaps []model.DailyMetricSnapshot, catalog *registry.Catalog) error {
	rows := Rows(snaps, catalog)
	switch format {
	case FormatJSON:
		return WriteJSON(w, rows)
	case FormatXLSX:
		return WriteXLSX(w, rows, catalog)
	default:
		return model.Invalidf("unknown export format %q", format)
	}
}

// WriteJSON writes rows as an indented JSON array.
func WriteJSON(w io.Writer, rows []Row) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return eris.Wrap(err, "export: encode json")
	}
	return nil
}

// WriteXLSX writes a workbook with a "snapshots" sheet and, when catalog is
// set, a "catalog" sheet.
func WriteXLSX(w io.Writer, rows []Row, catalog *registry.Catalog) error {
	f := xlsx.NewFile()

	sheet, err := f.AddSheet("snapshots")
	if err != nil {
		return eris.Wrap(err, "export: add snapshots sheet")
	}
	addStrings(sheet.AddRow(), header...)
	for _, r := range rows {
		row := sheet.AddRow()
		addStrings(row, r.MetricDate, r.MetricType, r.MetricCategory, r.DisplayName, r.Unit)
		row.AddCell().SetFloat(r.Value)
		addStrings(row, r.CollectionTimestamp)
	}

	if catalog != nil {
		defs, err := f.AddSheet("catalog")
		if err != nil {
			return eris.Wrap(err, "export: add catalog sheet")
		}
		addStrings(defs.AddRow(), "metric_type", "metric_category", "display_name", "description", "unit", "shape", "entity", "active")
		for _, d := range catalog.All() {
			row := defs.AddRow()
			addStrings(row, string(d.Type), string(d.Category), d.Name, d.Description, d.Unit, string(d.Shape), string(d.Entity))
			row.AddCell().SetBool(d.Active)
		}
	}

	if err := f.Write(w); err != nil {
		return eris.Wrap(err, "export: write xlsx")
	}
	return nil
}

func addStrings(row *xlsx.Row, values ...string) {
	for _, v := range values {
		row.AddCell().SetString(v)
	}
}
