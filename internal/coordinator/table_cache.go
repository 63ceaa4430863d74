package coordinator

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dreamware/blurd/internal/command"
)

// DefaultTableCacheSize bounds the number of tables TableCache remembers.
const DefaultTableCacheSize = 1024

// TableCache is a command.TableLookup that memoizes table metadata in front
// of a slower source. Table metadata is immutable once defined, so entries
// never go stale; failed lookups are not cached.
type TableCache struct {
	source command.TableLookup
	cache  *lru.Cache[string, command.TableContext]
}

// NewTableCache wraps source with an LRU cache of size entries.
func NewTableCache(source command.TableLookup, size int) (*TableCache, error) {
	if size <= 0 {
		size = DefaultTableCacheSize
	}
	cache, err := lru.New[string, command.TableContext](size)
	if err != nil {
		return nil, err
	}
	return &TableCache{source: source, cache: cache}, nil
}

// TableContext implements command.TableLookup.
func (c *TableCache) TableContext(table string) (command.TableContext, error) {
	if tc, ok := c.cache.Get(table); ok {
		return tc, nil
	}
	tc, err := c.source.TableContext(table)
	if err != nil {
		return command.TableContext{}, err
	}
	c.cache.Add(table, tc)
	return tc, nil
}

// Forget drops table from the cache.
func (c *TableCache) Forget(table string) {
	c.cache.Remove(table)
}

// Len reports how many tables are cached.
func (c *TableCache) Len() int {
	return c.cache.Len()
}
