package lookup

import (
	"fmt"
	"time"

	"kvbridge/internal/codec"

	"github.com/dgraph-io/ristretto"
)

// Cache maps store keys to the last row read for them. Entries expire a fixed
// time after they were written; an expired entry is never returned.
type Cache struct {
	cache *ristretto.Cache
	ttl   time.Duration
}

// NewCache builds a cache holding at most maxEntries rows for ttl each.
func NewCache(maxEntries int64, ttl time.Duration) (*Cache, error) {
	if maxEntries <= 0 || ttl <= 0 {
		return nil, fmt.Errorf("cache needs max entries and expiry, got %d and %s", maxEntries, ttl)
	}
	c, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        maxEntries * 10, // ten counters per entry as recommended for TinyLFU
		MaxCost:            maxEntries,      // every entry costs 1
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, err
	}
	return &Cache{cache: c, ttl: ttl}, nil
}

// Get returns a private copy of the cached row.
func (c *Cache) Get(key string) (*codec.Row, bool) {
	v, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	row, ok := v.(*codec.Row)
	if !ok {
		return nil, false
	}
	return cloneRow(row), true
}

// Set stores a copy of row and waits until it is visible to Get. The
// admission policy may still reject it when the cache is full.
func (c *Cache) Set(key string, row *codec.Row) {
	c.cache.SetWithTTL(key, cloneRow(row), 1, c.ttl)
	c.cache.Wait()
}

func (c *Cache) Close() {
	c.cache.Close()
}

func cloneRow(r *codec.Row) *codec.Row {
	values := make([]any, len(r.Values))
	for i, v := range r.Values {
		if b, ok := v.([]byte); ok {
			v = append([]byte(nil), b...)
		}
		values[i] = v
	}
	return &codec.Row{Kind: r.Kind, Values: values}
}
