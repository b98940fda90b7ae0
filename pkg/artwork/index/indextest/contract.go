// Package indextest exercises the CoverIndex contract against any
// implementation and supplies an in-memory index for sibling tests.
package indextest

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
)

type CoverIndexFactory func(tb testing.TB) index.CoverIndex

// RunCoverIndexContract exercises the CoverIndex interface against a
// supplied factory.
func RunCoverIndexContract(t *testing.T, factory CoverIndexFactory) {
	t.Helper()

	t.Run("put and get round trip", func(t *testing.T) {
		idx := factory(t)
		ctx := context.Background()

		meta := sampleMeta("220/english", "220_english.jpg", 4096)
		if err := idx.Put(ctx, meta); err != nil {
			t.Fatalf("Put returned error: %v", err)
		}

		fetched, err := idx.Get(ctx, meta.Key)
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if fetched.Path != meta.Path || fetched.Size != meta.Size {
			t.Fatalf("expected %+v, got %+v", meta, fetched)
		}
	})

	t.Run("get missing returns ErrNotFound", func(t *testing.T) {
		idx := factory(t)

		_, err := idx.Get(context.Background(), "999/english")
		if !errors.Is(err, index.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("put overwrites existing metadata", func(t *testing.T) {
		idx := factory(t)
		ctx := context.Background()

		if err := idx.Put(ctx, sampleMeta("220/english", "old.jpg", 100)); err != nil {
			t.Fatalf("Put original failed: %v", err)
		}
		if err := idx.Put(ctx, sampleMeta("220/english", "new.jpg", 200)); err != nil {
			t.Fatalf("Put updated failed: %v", err)
		}

		fetched, err := idx.Get(ctx, "220/english")
		if err != nil {
			t.Fatalf("Get returned error: %v", err)
		}
		if fetched.Path != "new.jpg" || fetched.Size != 200 {
			t.Fatalf("expected overwrite, got %+v", fetched)
		}
	})

	t.Run("delete is idempotent", func(t *testing.T) {
		idx := factory(t)
		ctx := context.Background()

		if err := idx.Put(ctx, sampleMeta("220/english", "a.jpg", 10)); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := idx.Delete(ctx, "220/english"); err != nil {
			t.Fatalf("Delete returned error: %v", err)
		}
		if err := idx.Delete(ctx, "220/english"); err != nil {
			t.Fatalf("second Delete returned error: %v", err)
		}
		if _, err := idx.Get(ctx, "220/english"); !errors.Is(err, index.ErrNotFound) {
			t.Fatalf("expected ErrNotFound after delete, got %v", err)
		}
	})

	t.Run("list orders by access time", func(t *testing.T) {
		idx := factory(t)
		ctx := context.Background()

		base := time.Now().Add(-time.Hour)
		for i, key := range []string{"1/english", "2/english", "3/english"} {
			meta := sampleMeta(key, key+".jpg", 10)
			meta.AtimeLocal = base.Add(time.Duration(i) * time.Minute)
			if err := idx.Put(ctx, meta); err != nil {
				t.Fatalf("Put %s failed: %v", key, err)
			}
		}

		metas, err := idx.ListLRU(ctx, 0)
		if err != nil {
			t.Fatalf("ListLRU returned error: %v", err)
		}
		if len(metas) != 3 {
			t.Fatalf("expected 3 entries, got %d", len(metas))
		}
		for i := 1; i < len(metas); i++ {
			if metas[i].AtimeLocal.Before(metas[i-1].AtimeLocal) {
				t.Fatalf("entries out of LRU order: %v", metas)
			}
		}

		limited, err := idx.ListLRU(ctx, 2)
		if err != nil {
			t.Fatalf("ListLRU with limit returned error: %v", err)
		}
		if len(limited) != 2 {
			t.Fatalf("expected 2 entries with limit, got %d", len(limited))
		}
		if limited[0].Key != "1/english" {
			t.Fatalf("expected oldest entry first, got %s", limited[0].Key)
		}
	})

	t.Run("get refreshes access time", func(t *testing.T) {
		idx := factory(t)
		ctx := context.Background()

		old := sampleMeta("1/english", "1.jpg", 10)
		old.AtimeLocal = time.Now().Add(-time.Hour)
		fresh := sampleMeta("2/english", "2.jpg", 10)
		fresh.AtimeLocal = time.Now().Add(-time.Minute)
		if err := idx.Put(ctx, old); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
		if err := idx.Put(ctx, fresh); err != nil {
			t.Fatalf("Put failed: %v", err)
		}

		if _, err := idx.Get(ctx, "1/english"); err != nil {
			t.Fatalf("Get returned error: %v", err)
		}

		metas, err := idx.ListLRU(ctx, 1)
		if err != nil {
			t.Fatalf("ListLRU returned error: %v", err)
		}
		if metas[0].Key != "2/english" {
			t.Fatalf("expected 2/english to be least recently used after refresh, got %s", metas[0].Key)
		}
	})
}

func sampleMeta(key, path string, size int64) index.EntryMeta {
	return index.EntryMeta{
		Key:        key,
		Path:       path,
		Size:       size,
		FetchedAt:  time.Now().UTC(),
		AtimeLocal: time.Now().UTC(),
	}
}

// MemoryIndexFactory returns a factory producing in-memory CoverIndex
// instances for tests.
func MemoryIndexFactory() CoverIndexFactory {
	return func(tb testing.TB) index.CoverIndex {
		tb.Helper()
		idx := NewMemoryIndex()
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	}
}

// MemoryIndex is a map-backed CoverIndex.
type MemoryIndex struct {
	mu      sync.Mutex
	entries map[string]index.EntryMeta
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]index.EntryMeta)}
}

func (m *MemoryIndex) Put(_ context.Context, meta index.EntryMeta) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta.AtimeLocal.IsZero() {
		meta.AtimeLocal = time.Now().UTC()
	}
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	m.entries[meta.Key] = meta
	return nil
}

func (m *MemoryIndex) Get(_ context.Context, key string) (index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	meta, ok := m.entries[key]
	if !ok {
		return index.EntryMeta{}, index.ErrNotFound
	}
	meta.AtimeLocal = time.Now().UTC()
	m.entries[key] = meta
	return meta, nil
}

func (m *MemoryIndex) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}

func (m *MemoryIndex) ListLRU(_ context.Context, limit int) ([]index.EntryMeta, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metas := make([]index.EntryMeta, 0, len(m.entries))
	for _, meta := range m.entries {
		metas = append(metas, meta)
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].AtimeLocal.Before(metas[j].AtimeLocal)
	})
	if limit > 0 && len(metas) > limit {
		metas = metas[:limit]
	}
	return metas, nil
}

func (m *MemoryIndex) Close() error { return nil }

// SetAtime overrides an entry's access time, for LRU-order tests.
func (m *MemoryIndex) SetAtime(key string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if meta, ok := m.entries[key]; ok {
		meta.AtimeLocal = at
		m.entries[key] = meta
	}
}
