// Package index defines the durable metadata store behind the artwork
// cache: one entry per (item, locale) cover, ordered by local access
// time for eviction.
package index

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// ErrNotFound is returned when a requested entry is not present in the index.
var ErrNotFound = errors.New("artwork index: entry not found")

// EntryMeta stores metadata for one cached cover file.
type EntryMeta struct {
	// Key is "<id>/<locale>".
	Key string
	// Path is the cover's file name relative to the cache directory.
	Path       string
	Size       int64
	FetchedAt  time.Time
	AtimeLocal time.Time
}

// Key builds the index key for a cache entry.
func Key(id item.ID, locale item.Locale) string {
	return fmt.Sprintf("%d/%s", id, locale)
}

// CoverIndex expresses the persistence requirements of the artwork cache.
type CoverIndex interface {
	// Put inserts or replaces metadata for the entry's key.
	Put(ctx context.Context, meta EntryMeta) error
	// Get retrieves metadata and refreshes the entry's local access time.
	Get(ctx context.Context, key string) (EntryMeta, error)
	// Delete removes metadata for key. Missing entries are ignored.
	Delete(ctx context.Context, key string) error
	// ListLRU returns entries ordered least-recently-used first.
	ListLRU(ctx context.Context, limit int) ([]EntryMeta, error)
	// Close releases the underlying store.
	Close() error
}
