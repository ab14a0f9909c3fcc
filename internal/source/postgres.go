package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/db"
	"github.com/sells-group/metrics-engine/internal/model"
)

// PostgresCounter counts source entities in a Postgres database.
type PostgresCounter struct {
	pool   db.Pool
	tables Tables
}

// NewPostgresCounter creates a counter over pool using the given table layout.
func NewPostgresCounter(pool db.Pool, tables Tables) *PostgresCounter {
	if tables == nil {
		tables = DefaultTables()
	}
	return &PostgresCounter{pool: pool, tables: tables}
}

// Count implements Counter.
func (c *PostgresCounter) Count(ctx context.Context, entity model.Entity, start, end time.Time) (int64, error) {
	tbl, err := c.tables.lookup(entity)
	if err != nil {
		return 0, err
	}

	col := pgx.Identifier{tbl.CreatedAtColumn}.Sanitize()
	query := fmt.Sprintf(`SELECT count(*) FROM %s WHERE %s < $1`, sanitizeQualified(tbl.Name), col)
	args := []any{end}
	if !start.IsZero() {
		query += fmt.Sprintf(` AND %s >= $2`, col)
		args = append(args, start)
	}

	var n int64
	if err := c.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, eris.Wrapf(err, "source: count %s", entity)
	}
	return n, nil
}

func sanitizeQualified(name string) string {
	return pgx.Identifier(strings.Split(name, ".")).Sanitize()
}
