package luigi

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/locutus/lfsync/pkg/lfs"
)

type memBacking struct {
	mu      sync.Mutex
	entries map[lfs.ForkKey]Entry
	loadErr error
	loads   int
}

func (b *memBacking) LoadContainer(_ context.Context, key lfs.ForkKey) (uint64, []byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.loads++
	if b.loadErr != nil {
		return 0, nil, b.loadErr
	}
	e, ok := b.entries[key]
	if !ok {
		return 0, nil, nil
	}
	return uint64(e.Flags), e.Container, nil
}

func (b *memBacking) SaveContainer(_ context.Context, key lfs.ForkKey, flags uint64, data []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[key] = Entry{Key: key, Flags: FeatureFlags(flags), Container: data}
	return nil
}

func TestCache_Backing(t *testing.T) {
	ctx := context.Background()
	backing := &memBacking{entries: make(map[lfs.ForkKey]Entry)}
	key := lfs.ForkKey{Rom: 1, Config: 2}
	backing.entries[key] = Entry{Key: key, Flags: 3, Container: []byte("LTO...")}

	c, err := NewCache(2, backing)
	if err != nil {
		t.Fatal(err)
	}

	e, ok := c.Get(ctx, key)
	if !ok || e.Flags != 3 {
		t.Fatalf("Get() = %+v, %v; want entry from backing", e, ok)
	}
	if _, ok := c.Get(ctx, key); !ok || backing.loads != 1 {
		t.Errorf("second Get loaded from backing again (loads=%d)", backing.loads)
	}

	other := lfs.ForkKey{Rom: 9}
	if err := c.Put(ctx, &Entry{Key: other, Flags: 1, Container: []byte("x")}); err != nil {
		t.Fatal(err)
	}
	if _, ok := backing.entries[other]; !ok {
		t.Error("Put did not reach backing")
	}

	if _, ok := c.Get(ctx, lfs.ForkKey{Rom: 42}); ok {
		t.Error("Get of unknown key reported a hit")
	}

	backing.loadErr = errors.New("disk on fire")
	if _, ok := c.Get(ctx, lfs.ForkKey{Rom: 43}); ok {
		t.Error("backing error reported as a hit")
	}
}

func TestCache_Eviction(t *testing.T) {
	ctx := context.Background()
	c, _ := NewCache(2, nil)
	for i := uint32(1); i <= 3; i++ {
		_ = c.Put(ctx, &Entry{Key: lfs.ForkKey{Rom: i}, Container: []byte{byte(i)}})
	}
	if c.Len() != 2 {
		t.Errorf("Len() = %d, want 2", c.Len())
	}
	if _, ok := c.Get(ctx, lfs.ForkKey{Rom: 1}); ok {
		t.Error("oldest entry not evicted")
	}
}
