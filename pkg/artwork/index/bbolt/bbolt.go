// Package bbolt implements index.CoverIndex on a bbolt database file.
package bbolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
)

const (
	currentSchemaVersion = 1
	bucketStats          = "stats"
	bucketCovers         = "covers"

	keySchemaVersion = "schema_version"
)

var errUnknownSchema = errors.New("artwork index: unknown schema version")

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Index implements index.CoverIndex backed by bbolt.
type Index struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed cover index at path.
func Open(path string, opts Options) (*Index, error) {
	if path == "" {
		return nil, errors.New("artwork index: path must not be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create index dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	idx := &Index{db: db}
	if err := idx.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return idx, nil
}

// Close releases the underlying database handle.
func (i *Index) Close() error {
	if i.db == nil {
		return nil
	}
	return i.db.Close()
}

func (i *Index) Put(ctx context.Context, meta index.EntryMeta) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if meta.Key == "" {
		return errors.New("artwork index: key must not be empty")
	}

	normalized := normalize(meta)
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCovers))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketCovers)
		}
		data, err := json.Marshal(normalized)
		if err != nil {
			return err
		}
		return bucket.Put([]byte(normalized.Key), data)
	})
}

func (i *Index) Get(ctx context.Context, key string) (index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return index.EntryMeta{}, err
	}
	if key == "" {
		return index.EntryMeta{}, errors.New("artwork index: key must not be empty")
	}

	var result index.EntryMeta
	err := i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCovers))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketCovers)
		}
		raw := bucket.Get([]byte(key))
		if raw == nil {
			return index.ErrNotFound
		}
		var meta index.EntryMeta
		if err := json.Unmarshal(raw, &meta); err != nil {
			return err
		}
		meta.AtimeLocal = time.Now().UTC()
		encoded, err := json.Marshal(meta)
		if err != nil {
			return err
		}
		if err := bucket.Put([]byte(key), encoded); err != nil {
			return err
		}
		result = meta
		return nil
	})
	return result, err
}

func (i *Index) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if key == "" {
		return errors.New("artwork index: key must not be empty")
	}
	return i.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCovers))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketCovers)
		}
		return bucket.Delete([]byte(key))
	})
}

func (i *Index) ListLRU(ctx context.Context, limit int) ([]index.EntryMeta, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	metas := make([]index.EntryMeta, 0)
	err := i.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(bucketCovers))
		if bucket == nil {
			return fmt.Errorf("missing bucket %s", bucketCovers)
		}
		return bucket.ForEach(func(k, v []byte) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			var meta index.EntryMeta
			if err := json.Unmarshal(v, &meta); err != nil {
				return err
			}
			metas = append(metas, meta)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(metas, func(i, j int) bool {
		return metas[i].AtimeLocal.Before(metas[j].AtimeLocal)
	})
	if limit > 0 && limit < len(metas) {
		metas = metas[:limit]
	}
	return metas, nil
}

func (i *Index) ensureSchema() error {
	return i.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketCovers)); err != nil {
			return fmt.Errorf("ensure covers bucket: %w", err)
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

func normalize(meta index.EntryMeta) index.EntryMeta {
	if meta.AtimeLocal.IsZero() {
		meta.AtimeLocal = time.Now().UTC()
	}
	if meta.FetchedAt.IsZero() {
		meta.FetchedAt = time.Now().UTC()
	}
	return meta
}
