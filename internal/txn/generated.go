package txn

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dimitri/pgstreamfollow/internal/walmsg"
)

// GeneratedColumnCache maps a normalized (schema, table) pair to the set of
// its normalized generated-column names, loaded once from the TARGET
// catalog. Consulted during transaction finalization so generated columns
// are omitted from INSERT column lists and set to DEFAULT in UPDATE SET
// clauses rather than being assigned the source's computed value.
type GeneratedColumnCache struct {
	mu sync.RWMutex
	m  map[string]map[string]struct{}
}

func NewGeneratedColumnCache() *GeneratedColumnCache {
	return &GeneratedColumnCache{m: make(map[string]map[string]struct{})}
}

func tableKey(namespace, relation string) string {
	return walmsg.Normalize(namespace) + "." + walmsg.Normalize(relation)
}

// Load populates the cache from information_schema.columns on the target
// connection pool, one query for the whole catalog.
func (c *GeneratedColumnCache) Load(ctx context.Context, pool *pgxpool.Pool) error {
	rows, err := pool.Query(ctx, `
		SELECT table_schema, table_name, column_name
		FROM information_schema.columns
		WHERE is_generated <> 'NEVER'
	`)
	if err != nil {
		return fmt.Errorf("txn: load generated column cache: %w", err)
	}
	defer rows.Close()

	m := make(map[string]map[string]struct{})
	for rows.Next() {
		var schema, table, column string
		if err := rows.Scan(&schema, &table, &column); err != nil {
			return fmt.Errorf("txn: scan generated column row: %w", err)
		}
		key := tableKey(schema, table)
		set, ok := m[key]
		if !ok {
			set = make(map[string]struct{})
			m[key] = set
		}
		set[walmsg.Normalize(column)] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("txn: generated column cache rows: %w", err)
	}

	c.mu.Lock()
	c.m = m
	c.mu.Unlock()
	return nil
}

// IsGenerated reports whether the normalized column belongs to a generated
// column of the normalized (namespace, relation) pair.
func (c *GeneratedColumnCache) IsGenerated(namespace, relation, column string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	set, ok := c.m[tableKey(namespace, relation)]
	if !ok {
		return false
	}
	_, ok = set[walmsg.Normalize(column)]
	return ok
}

// markGenerated sets IsGenerated on every attribute of stmt's Columns found
// in the cache for its table. Called once per statement just before a
// transaction is emitted.
func markGenerated(cache *GeneratedColumnCache, stmt *Statement) {
	if cache == nil || len(stmt.Columns) == 0 {
		return
	}
	for i := range stmt.Columns {
		if cache.IsGenerated(stmt.Namespace, stmt.Relation, stmt.Columns[i].Name) {
			stmt.Columns[i].IsGenerated = true
		}
	}
}
