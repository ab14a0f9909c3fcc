// Package registry holds the closed catalog of metric definitions the engine
// knows how to collect.
package registry

import (
	"sort"

	"github.com/rotisserie/eris"

	"github.com/sells-group/metrics-engine/internal/model"
)

// Definition describes one recognized metric.
type Definition struct {
	Type        model.MetricType     `yaml:"type" json:"metric_type"`
	Category    model.MetricCategory `yaml:"category" json:"metric_category"`
	Name        string               `yaml:"name" json:"display_name"`
	Description string               `yaml:"description" json:"description"`
	Unit        string               `yaml:"unit" json:"unit"`
	Format      string               `yaml:"format" json:"format"`
	Active      bool                 `yaml:"active" json:"active"`
	Shape       model.Shape          `yaml:"shape" json:"shape"`
	Entity      model.Entity         `yaml:"entity" json:"entity"`
}

// Key returns the identity of the definition.
func (d Definition) Key() model.MetricKey {
	return model.MetricKey{Type: d.Type, Category: d.Category}
}

// Catalog is an indexed, read-only set of metric definitions. It is built once
// at startup and safe for concurrent use.
type Catalog struct {
	version     int
	defs        []Definition
	byKey       map[model.MetricKey]*Definition
	active      []Definition
	categories  []model.MetricCategory
	incremental []model.MetricCategory
}

// NewCatalog validates defs and builds the lookup indexes.
func NewCatalog(version int, defs []Definition) (*Catalog, error) {
	c := &Catalog{
		version: version,
		defs:    make([]Definition, len(defs)),
		byKey:   make(map[model.MetricKey]*Definition, len(defs)),
	}
	copy(c.defs, defs)

	seenCategory := make(map[model.MetricCategory]bool, len(defs))
	for i := range c.defs {
		d := &c.defs[i]
		if err := validateDefinition(*d); err != nil {
			return nil, err
		}
		if _, dup := c.byKey[d.Key()]; dup {
			return nil, eris.Errorf("registry: duplicate metric %s", d.Key())
		}
		c.byKey[d.Key()] = d
		if !d.Active {
			continue
		}
		c.active = append(c.active, *d)
		if !seenCategory[d.Category] {
			seenCategory[d.Category] = true
			c.categories = append(c.categories, d.Category)
			if d.Shape == model.ShapeIncremental {
				c.incremental = append(c.incremental, d.Category)
			}
		}
	}

	sort.Slice(c.categories, func(i, j int) bool { return c.categories[i] < c.categories[j] })
	sort.Slice(c.incremental, func(i, j int) bool { return c.incremental[i] < c.incremental[j] })
	return c, nil
}

func validateDefinition(d Definition) error {
	if d.Type == "" || d.Category == "" {
		return eris.Errorf("registry: metric type and category are required (got %q/%q)", d.Type, d.Category)
	}
	switch d.Shape {
	case model.ShapeCumulative, model.ShapeIncremental:
	default:
		return eris.Errorf("registry: metric %s has unknown shape %q", d.Key(), d.Shape)
	}
	for _, e := range model.Entities {
		if d.Entity == e {
			return nil
		}
	}
	return eris.Errorf("registry: metric %s has unknown entity %q", d.Key(), d.Entity)
}

// Version returns the catalog version the definitions were loaded from.
func (c *Catalog) Version() int { return c.version }

// All returns every definition, active or not, in catalog order.
func (c *Catalog) All() []Definition {
	out := make([]Definition, len(c.defs))
	copy(out, c.defs)
	return out
}

// Active returns the definitions the collection engine should compute.
func (c *Catalog) Active() []Definition {
	out := make([]Definition, len(c.active))
	copy(out, c.active)
	return out
}

// Lookup returns the definition for the given identity.
func (c *Catalog) Lookup(t model.MetricType, cat model.MetricCategory) (Definition, bool) {
	d, ok := c.byKey[model.MetricKey{Type: t, Category: cat}]
	if !ok {
		return Definition{}, false
	}
	return *d, true
}

// Categories returns the sorted categories of all active metrics.
func (c *Catalog) Categories() []model.MetricCategory {
	out := make([]model.MetricCategory, len(c.categories))
	copy(out, c.categories)
	return out
}

// IncrementalCategories returns the sorted categories of active incremental metrics.
func (c *Catalog) IncrementalCategories() []model.MetricCategory {
	out := make([]model.MetricCategory, len(c.incremental))
	copy(out, c.incremental)
	return out
}
