package tablespec

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/edgeflare/repcore/pkg/replica"
)

// Spec is the cached shape of one replica table.
type Spec struct {
	Table      string
	Columns    []replica.CatalogColumn
	PrimaryKey []string // declared or imputed
	Imputed    bool     // true if PrimaryKey came from index imputation, not a declared PK
}

// Cache is the in-memory snapshot of replica column specs, owned exclusively
// by one Change Processor and its (single, at a time) Transaction Processor
// (spec §3 Lifecycles, §9 Cyclic references).
type Cache struct {
	mu    sync.RWMutex
	specs map[string]Spec
}

// New returns an empty, unpopulated cache.
func New() *Cache {
	return &Cache{}
}

// Loaded reports whether the cache has been populated since the last
// Invalidate.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.specs != nil
}

// Invalidate clears the cache; the next EnsureLoaded or Reload triggers a
// full rescan, and until then Get reports no spec (spec §4.5, §9: rebuilt
// after any DDL).
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.specs = nil
}

// EnsureLoaded populates the cache from the replica catalog if it is empty
// (spec §3 Lifecycles: "(re)populated on transaction start if empty").
func (c *Cache) EnsureLoaded(ctx context.Context, q replica.Queryer) error {
	c.mu.RLock()
	loaded := c.specs != nil
	c.mu.RUnlock()
	if loaded {
		return nil
	}
	return c.Reload(ctx, q)
}

// Reload unconditionally rescans the replica catalog and replaces the
// cached specs.
func (c *Cache) Reload(ctx context.Context, q replica.Queryer) error {
	tables, err := replica.ListTables(ctx, q)
	if err != nil {
		return fmt.Errorf("tablespec: reload: %w", err)
	}

	specs := make(map[string]Spec, len(tables))
	for _, table := range tables {
		spec, err := loadSpec(ctx, q, table)
		if err != nil {
			return fmt.Errorf("tablespec: reload %s: %w", table, err)
		}
		specs[table] = spec
	}

	c.mu.Lock()
	c.specs = specs
	c.mu.Unlock()
	return nil
}

// Get returns the cached spec for table, or ok=false if unknown.
func (c *Cache) Get(table string) (Spec, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.specs[table]
	return s, ok
}

func loadSpec(ctx context.Context, q replica.Queryer, table string) (Spec, error) {
	cols, err := replica.TableInfo(ctx, q, table)
	if err != nil {
		return Spec{}, err
	}

	pk, err := replica.PrimaryKey(ctx, q, table)
	if err != nil {
		return Spec{}, err
	}

	if len(pk) > 0 {
		return Spec{Table: table, Columns: cols, PrimaryKey: pk}, nil
	}

	imputed, err := imputePrimaryKey(ctx, q, table, cols)
	if err != nil {
		return Spec{}, err
	}
	return Spec{Table: table, Columns: cols, PrimaryKey: imputed, Imputed: true}, nil
}

// imputePrimaryKey selects the shortest unique index whose columns are all
// visible -- mapped to a supported scalar type and either NOT NULL or a
// declared primary-key member -- breaking ties by lexicographic column
// order (spec §4.5).
func imputePrimaryKey(ctx context.Context, q replica.Queryer, table string, cols []replica.CatalogColumn) ([]string, error) {
	byName := make(map[string]replica.CatalogColumn, len(cols))
	for _, c := range cols {
		byName[c.Name] = c
	}

	indexes, err := replica.IndexList(ctx, q, table)
	if err != nil {
		return nil, err
	}

	var candidates [][]string
	for _, idx := range indexes {
		if !idx.Unique || len(idx.Columns) == 0 {
			continue
		}

		names := make([]string, 0, len(idx.Columns))
		allVisible := true
		for _, ic := range idx.Columns {
			col, ok := byName[ic.Name]
			if !ok || !isSupportedScalarType(col.Type) || !(col.NotNull || col.PKSeq > 0) {
				allVisible = false
				break
			}
			names = append(names, ic.Name)
		}
		if allVisible {
			candidates = append(candidates, names)
		}
	}

	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if len(candidates[i]) != len(candidates[j]) {
			return len(candidates[i]) < len(candidates[j])
		}
		return strings.Join(candidates[i], ",") < strings.Join(candidates[j], ",")
	})
	return candidates[0], nil
}

// isSupportedScalarType reports whether a SQLite column type affinity maps
// to one of the scalar variants the core understands (spec §4.5, §9).
func isSupportedScalarType(sqliteType string) bool {
	t := strings.ToUpper(strings.TrimSpace(sqliteType))
	switch {
	case strings.Contains(t, "INT"):
		return true
	case strings.Contains(t, "CHAR"), strings.Contains(t, "TEXT"), strings.Contains(t, "CLOB"):
		return true
	case strings.Contains(t, "REAL"), strings.Contains(t, "FLOA"), strings.Contains(t, "DOUB"), strings.Contains(t, "NUMERIC"), strings.Contains(t, "DECIMAL"):
		return true
	case strings.Contains(t, "BLOB"), t == "":
		return true
	default:
		return false
	}
}
