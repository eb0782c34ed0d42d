package luigi

import (
	"context"
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/locutus/lfsync/pkg/lfs"
)

// Entry is a cached container.
type Entry struct {
	Key       lfs.ForkKey
	Flags     FeatureFlags
	Container []byte
}

// Backing is persistent storage behind the in-memory cache. LoadContainer
// returns a nil container when the key is absent.
type Backing interface {
	LoadContainer(ctx context.Context, key lfs.ForkKey) (flags uint64, container []byte, err error)
	SaveContainer(ctx context.Context, key lfs.ForkKey, flags uint64, container []byte) error
}

// Cache is a read-mostly container cache keyed by content. Reads are
// concurrent; writes are serialised.
type Cache struct {
	mem     *lru.Cache[lfs.ForkKey, *Entry]
	backing Backing
	writeMu sync.Mutex
}

// NewCache creates a cache holding up to size entries in memory. backing
// may be nil.
func NewCache(size int, backing Backing) (*Cache, error) {
	if size <= 0 {
		size = 256
	}
	mem, err := lru.New[lfs.ForkKey, *Entry](size)
	if err != nil {
		return nil, fmt.Errorf("failed to create container cache: %w", err)
	}
	return &Cache{mem: mem, backing: backing}, nil
}

// Get returns the entry for key, consulting the backing store on a memory
// miss. Backing errors are treated as misses.
func (c *Cache) Get(ctx context.Context, key lfs.ForkKey) (*Entry, bool) {
	if e, ok := c.mem.Get(key); ok {
		return e, true
	}
	if c.backing == nil {
		return nil, false
	}
	flags, data, err := c.backing.LoadContainer(ctx, key)
	if err != nil || data == nil {
		return nil, false
	}
	e := &Entry{Key: key, Flags: FeatureFlags(flags), Container: data}
	c.mem.Add(key, e)
	return e, true
}

// Put stores an entry, replacing any previous one for the same key.
func (c *Cache) Put(ctx context.Context, e *Entry) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.backing != nil {
		if err := c.backing.SaveContainer(ctx, e.Key, uint64(e.Flags), e.Container); err != nil {
			return fmt.Errorf("failed to persist container %s: %w", e.Key, err)
		}
	}
	c.mem.Add(e.Key, e)
	return nil
}

// Len returns the number of entries held in memory.
func (c *Cache) Len() int {
	return c.mem.Len()
}
