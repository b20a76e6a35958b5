package appointment

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/singleflight"
)

// canonicalFields is every column a booking may write, in insert order.
var canonicalFields = []string{
	"appointment_id",
	"doctor_id",
	"patient_id",
	"appointment_date",
	"schedule",
	"remarks",
	"status",
	"created_at",
	"updated_at",
}

// Capabilities describes the columns one tenant's appointment table has.
type Capabilities struct {
	columns map[string]struct{}
}

func NewCapabilities(columns []string) Capabilities {
	set := make(map[string]struct{}, len(columns))
	for _, c := range columns {
		set[c] = struct{}{}
	}
	return Capabilities{columns: set}
}

func (c Capabilities) Has(column string) bool {
	_, ok := c.columns[column]
	return ok
}

func (c Capabilities) Len() int { return len(c.columns) }

// Insertable keeps the values whose column exists, in canonical order.
// Columns missing from the table are dropped without error.
func (c Capabilities) Insertable(values map[string]interface{}) ([]string, []interface{}) {
	cols := make([]string, 0, len(values))
	vals := make([]interface{}, 0, len(values))
	for _, f := range canonicalFields {
		v, ok := values[f]
		if !ok || !c.Has(f) {
			continue
		}
		cols = append(cols, f)
		vals = append(vals, v)
	}
	return cols, vals
}

// recencyColumn is the secondary sort key for listings.
func (c Capabilities) recencyColumn() string {
	if c.Has("created_at") {
		return "created_at"
	}
	return "id"
}

// ColumnLoader reads the appointment columns of the schema the context's
// connection points at.
type ColumnLoader func(ctx context.Context) ([]string, error)

// SchemaCache holds one Capabilities per tenant schema. Concurrent misses for
// the same schema share a single load.
type SchemaCache struct {
	mu      sync.RWMutex
	entries map[string]Capabilities
	group   singleflight.Group
}

func NewSchemaCache() *SchemaCache {
	return &SchemaCache{entries: make(map[string]Capabilities)}
}

// Get returns the cached descriptor for schema, loading it on a miss. A table
// with no visible columns is an error and is not cached.
func (c *SchemaCache) Get(ctx context.Context, schema string, load ColumnLoader) (Capabilities, error) {
	c.mu.RLock()
	caps, ok := c.entries[schema]
	c.mu.RUnlock()
	if ok {
		return caps, nil
	}

	v, err, _ := c.group.Do(schema, func() (interface{}, error) {
		cols, err := load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load appointment columns for %s: %w", schema, err)
		}
		if len(cols) == 0 {
			return nil, fmt.Errorf("schema %s has no appointment table", schema)
		}
		caps := NewCapabilities(cols)
		c.mu.Lock()
		c.entries[schema] = caps
		c.mu.Unlock()
		return caps, nil
	})
	if err != nil {
		return Capabilities{}, err
	}
	return v.(Capabilities), nil
}

// Invalidate drops the descriptor for schema so the next Get reloads it.
func (c *SchemaCache) Invalidate(schema string) {
	c.mu.Lock()
	delete(c.entries, schema)
	c.mu.Unlock()
}
