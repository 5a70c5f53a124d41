// Package codes caches the registry's code descriptions
// (category → code → language → description) for enriching display values.
// The cache loads lazily from the codes table; concurrent first lookups
// collapse into a single in-flight load. Clear drops the cached data so
// the next lookup reloads, which prepare calls after replacing the codes
// table from a new extract.
package codes

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/singleflight"
)

// Cache is the in-memory code description lookup.
type Cache struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	byKey  map[string]string
	loaded bool

	group singleflight.Group
}

// New creates an empty cache backed by the given pool.
func New(pool *pgxpool.Pool) *Cache {
	return &Cache{pool: pool}
}

func key(category, code, language string) string {
	return category + "\x00" + code + "\x00" + language
}

// Initialize loads all code descriptions. Safe to call concurrently;
// simultaneous callers share one load.
func (c *Cache) Initialize(ctx context.Context) error {
	_, err, _ := c.group.Do("load", func() (any, error) {
		c.mu.RLock()
		loaded := c.loaded
		c.mu.RUnlock()
		if loaded {
			return nil, nil
		}

		rows, err := c.pool.Query(ctx,
			`SELECT category, code, language, description FROM codes`)
		if err != nil {
			return nil, fmt.Errorf("load codes: %w", err)
		}
		defer rows.Close()

		byKey := make(map[string]string)
		for rows.Next() {
			var category, code, language, description string
			if err := rows.Scan(&category, &code, &language, &description); err != nil {
				return nil, fmt.Errorf("scan code: %w", err)
			}
			byKey[key(category, code, language)] = description
		}
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("load codes: %w", err)
		}

		c.mu.Lock()
		c.byKey = byKey
		c.loaded = true
		c.mu.Unlock()
		return nil, nil
	})
	return err
}

// Lookup returns the description for (category, code) in the requested
// language, falling back to any language when the requested one is
// missing. The bool reports whether a description was found.
func (c *Cache) Lookup(ctx context.Context, category, code, language string) (string, bool, error) {
	c.mu.RLock()
	loaded := c.loaded
	c.mu.RUnlock()

	if !loaded {
		if err := c.Initialize(ctx); err != nil {
			return "", false, err
		}
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if desc, ok := c.byKey[key(category, code, language)]; ok {
		return desc, true, nil
	}
	for _, lang := range []string{"NL", "FR", "DE", "EN", ""} {
		if lang == language {
			continue
		}
		if desc, ok := c.byKey[key(category, code, lang)]; ok {
			return desc, true, nil
		}
	}
	return "", false, nil
}

// Clear drops the cached descriptions. The next Lookup reloads from the
// codes table.
func (c *Cache) Clear() {
	c.mu.Lock()
	c.byKey = nil
	c.loaded = false
	c.mu.Unlock()
}
