package source

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/model"
)

// SQLiteCounter counts source entities in a SQLite database. Timestamps are
// compared as UTC RFC 3339 text, which is how SQLite stores them.
type SQLiteCounter struct {
	db     *sql.DB
	tables Tables
}

// NewSQLiteCounter creates a counter over an open database handle.
func NewSQLiteCounter(db *sql.DB, tables Tables) *SQLiteCounter {
	if tables == nil {
		tables = DefaultTables()
	}
	return &SQLiteCounter{db: db, tables: tables}
}

// Count implements Counter.
func (c *SQLiteCounter) Count(ctx context.Context, entity model.Entity, start, end time.Time) (int64, error) {
	tbl, err := c.tables.lookup(entity)
	if err != nil {
		return 0, err
	}

	col := quoteIdent(tbl.CreatedAtColumn)
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE julianday(%s) < julianday(?)`, quoteIdent(tbl.Name), col)
	args := []any{end.UTC().Format(time.RFC3339Nano)}
	if !start.IsZero() {
		query += fmt.Sprintf(` AND julianday(%s) >= julianday(?)`, col)
		args = append(args, start.UTC().Format(time.RFC3339Nano))
	}

	var n int64
	if err := c.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "source: count %s", entity)
	}
	return n, nil
}

func quoteIdent(name string) string {
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = `"` + strings.ReplaceAll(p, `"`, `""`) + `"`
	}
	return strings.Join(parts, ".")
}
