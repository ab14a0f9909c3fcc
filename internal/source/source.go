// Package source counts the live operational records that metrics are computed from.
// It only ever reads.
package source

import (
	"context"
	"regexp"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/model"
)

// Counter counts entities created in [start, end). A zero start means unbounded.
type Counter interface {
	Count(ctx context.Context, entity model.Entity, start, end time.Time) (int64, error)
}

// Table locates the records of one entity.
type Table struct {
	Name            string `yaml:"name" mapstructure:"name"`
	CreatedAtColumn string `yaml:"created_at_column" mapstructure:"created_at_column"`
}

// Tables maps each entity to its backing table.
type Tables map[model.Entity]Table

// DefaultTables returns the conventional layout of the operational schema.
func DefaultTables() Tables {
	return Tables{
		model.EntityUsers:        {Name: "users", CreatedAtColumn: "created_at"},
		model.EntityContentItems: {Name: "content_items", CreatedAtColumn: "created_at"},
		model.EntityInteractions: {Name: "interactions", CreatedAtColumn: "created_at"},
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// Merge overlays non-empty overrides onto t and validates every identifier.
func (t Tables) Merge(overrides map[string]Table) (Tables, error) {
	out := make(Tables, len(t))
	for k, v := range t {
		out[k] = v
	}
	for name, o := range overrides {
		entity := model.Entity(name)
		cur, ok := out[entity]
		if !ok {
			return nil, eris.Errorf("source: unknown entity %q", name)
		}
		if o.Name != "" {
			cur.Name = o.Name
		}
		if o.CreatedAtColumn != "" {
			cur.CreatedAtColumn = o.CreatedAtColumn
		}
		out[entity] = cur
	}
	for entity, tbl := range out {
		if !identPattern.MatchString(tbl.Name) || !identPattern.MatchString(tbl.CreatedAtColumn) {
			return nil, eris.Errorf("source: invalid table mapping for %s: %q.%q", entity, tbl.Name, tbl.CreatedAtColumn)
		}
	}
	return out, nil
}

func (t Tables) lookup(entity model.Entity) (Table, error) {
	tbl, ok := t[entity]
	if !ok {
		return Table{}, eris.Errorf("source: no table mapped for entity %q", entity)
	}
	return tbl, nil
}
