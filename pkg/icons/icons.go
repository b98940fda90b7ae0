// Package icons is a cache-or-fetch store for small fixed-format game
// icons. Unlike the cover cache it has no locale axis and no failure
// ledger: a miss that cannot be fetched is simply "no icon".
package icons

import (
	"context"
	"errors"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/log"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/files"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/imagesig"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// acceptedExts are probed in order when looking for a cached icon.
var acceptedExts = []string{".ico", ".png", ".bmp", ".jpg"}

// Logger captures structured output for icon cache operations.
type Logger interface {
	Debugf(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config controls the icon cache.
type Config struct {
	// Dir is the icon cache directory.
	Dir string
	// FetchTimeout bounds each download.
	FetchTimeout time.Duration
}

// Option customises Cache construction.
type Option func(*Cache)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithFetcher overrides the HTTP fetcher.
func WithFetcher(fetcher artwork.Fetcher) Option {
	return func(c *Cache) {
		if fetcher != nil {
			c.fetcher = fetcher
		}
	}
}

// Cache implements the icon store.
type Cache struct {
	cfg     Config
	fetcher artwork.Fetcher
	logger  Logger
}

// New constructs an icon cache.
func New(cfg Config, opts ...Option) (*Cache, error) {
	if cfg.Dir == "" {
		return nil, errors.New("icons: cache directory is required")
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}

	c := &Cache{
		cfg:     cfg,
		fetcher: artwork.NewHTTPFetcher(artwork.WithFetchTimeout(cfg.FetchTimeout)),
		logger:  logHandleAdapter{handle: log.GetLogger("icons")},
	}
	for _, opt := range opts {
		opt(c)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, err
	}
	return c, nil
}

// Get returns a validated local icon path for the item, downloading
// from sourceURL on a miss. The second return is false when neither the
// cache nor the network can supply a valid icon; callers show a
// placeholder then.
func (c *Cache) Get(ctx context.Context, id item.ID, sourceURL string) (string, bool) {
	if id == 0 {
		return "", false
	}

	if p, ok := c.cached(id); ok {
		return p, true
	}
	if sourceURL == "" {
		return "", false
	}
	return c.download(ctx, id, sourceURL)
}

// cached probes the accepted extensions and validates the first file
// found by its magic prefix. Files with a wrong signature are ignored,
// not deleted, so a later fetch can overwrite them.
func (c *Cache) cached(id item.ID) (string, bool) {
	for _, ext := range acceptedExts {
		p := filepath.Join(c.cfg.Dir, id.String()+ext)
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if imagesig.ValidFile(p) {
			return p, true
		}
		c.logger.Debugf("icons: %s has a bad signature, ignoring", p)
	}
	return "", false
}

func (c *Cache) download(ctx context.Context, id item.ID, sourceURL string) (string, bool) {
	ext := strings.ToLower(path.Ext(sourceURL))
	if imagesig.FormatForExt(ext) == imagesig.Unknown {
		ext = ".ico"
	}
	dest := filepath.Join(c.cfg.Dir, id.String()+ext)

	body, err := c.fetcher.Fetch(ctx, sourceURL)
	if err != nil {
		c.logger.Warnf("icons: fetch %s: %v", sourceURL, err)
		return "", false
	}
	defer body.Close()

	staging, err := files.OpenStaging(dest)
	if err != nil {
		c.logger.Warnf("icons: stage %s: %v", dest, err)
		return "", false
	}
	if _, err := staging.ReadFrom(body); err != nil {
		staging.Abort()
		c.logger.Warnf("icons: download %s: %v", sourceURL, err)
		return "", false
	}
	if err := staging.Commit(); err != nil {
		c.logger.Warnf("icons: commit %s: %v", dest, err)
		return "", false
	}

	if !imagesig.ValidFile(dest) {
		c.logger.Warnf("icons: downloaded %s failed validation", dest)
		os.Remove(dest)
		return "", false
	}
	return dest, true
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}
