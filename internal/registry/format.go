package registry

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var printer = message.NewPrinter(language.English)

// FormatValue renders v with the definition's numeric format and unit,
// using English digit grouping (e.g. "12,345 accounts").
func (d Definition) FormatValue(v float64) string {
	format := d.Format
	if format == "" {
		format = "%.0f"
	}
	s := printer.Sprintf(format, v)
	if d.Unit != "" {
		s += " " + d.Unit
	}
	return s
}
