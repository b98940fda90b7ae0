// Package artwork caches cover artwork on local disk: validated files,
// ordered source fallback, locale degradation, per-origin budgets, and a
// durable LRU index.
package artwork

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/files"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/imagesig"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/ratelimit"
)

// MetadataSource is the ownership and metadata oracle. An uninitialized
// oracle denies everything; absence is never "unknown but allow".
type MetadataSource interface {
	Initialized() bool
	IsOwned(id item.ID) bool
	Metadata(id item.ID, key string) (string, bool)
}

// FailureLedger is the back-off store consulted before and updated after
// every fetch attempt.
type FailureLedger interface {
	ShouldSkip(ctx context.Context, id item.ID, locale item.Locale) bool
	RecordFailure(ctx context.Context, id item.ID, locale item.Locale, displayName string) error
	RecordSuccess(ctx context.Context, id item.ID, locale item.Locale) error
}

// OriginBudget bounds concurrent requests per remote origin.
type OriginBudget interface {
	Acquire(ctx context.Context, origin string) error
	Release(origin string, outcome ratelimit.Outcome)
	MarkBlocked(origin string)
	Stats() []ratelimit.OriginStats
}

// Waiter paces outbound calls. A nil Waiter means no pacing.
type Waiter interface {
	Wait(ctx context.Context) error
}

// Config controls the cache manager.
type Config struct {
	// Dir is the cover cache directory.
	Dir string
	// MediaBaseURL prefixes every resolved cover URL.
	MediaBaseURL string
	// RetryOnCancel makes a waiter whose shared fetch was canceled
	// re-issue the fetch once under its own context.
	RetryOnCancel bool
}

const defaultMediaBaseURL = "https://media.achievolab.net/items"

// Option customises Manager construction.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithFetcher overrides the HTTP fetcher.
func WithFetcher(fetcher Fetcher) Option {
	return func(m *Manager) {
		if fetcher != nil {
			m.fetcher = fetcher
		}
	}
}

// WithWaiter paces fetches through a call limiter.
func WithWaiter(w Waiter) Option {
	return func(m *Manager) { m.waiter = w }
}

// Manager implements the cover cache.
type Manager struct {
	cfg     Config
	oracle  MetadataSource
	ledger  FailureLedger
	budget  OriginBudget
	idx     index.CoverIndex
	fetcher Fetcher
	waiter  Waiter
	logger  Logger

	notifier *Notifier
	group    singleflight.Group

	mu       sync.RWMutex
	entries  map[string]index.EntryMeta
	inFlight map[string]struct{}
}

// NewManager constructs a Manager and primes its in-memory index from
// the durable one.
func NewManager(cfg Config, oracle MetadataSource, ledger FailureLedger, budget OriginBudget, idx index.CoverIndex, opts ...Option) (*Manager, error) {
	if cfg.Dir == "" {
		return nil, errors.New("artwork: cache directory is required")
	}
	if oracle == nil || ledger == nil || budget == nil || idx == nil {
		return nil, errors.New("artwork: oracle, ledger, budget and index are required")
	}
	if cfg.MediaBaseURL == "" {
		cfg.MediaBaseURL = defaultMediaBaseURL
	}

	m := &Manager{
		cfg:      cfg,
		oracle:   oracle,
		ledger:   ledger,
		budget:   budget,
		idx:      idx,
		fetcher:  NewHTTPFetcher(),
		logger:   defaultLogger(),
		entries:  make(map[string]index.EntryMeta),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.notifier = NewNotifier(m.logger)

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("artwork: create cache dir: %w", err)
	}
	if err := m.prime(context.Background()); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) prime(ctx context.Context) error {
	metas, err := m.idx.ListLRU(ctx, 0)
	if err != nil {
		return fmt.Errorf("artwork: prime index: %w", err)
	}
	m.mu.Lock()
	for _, meta := range metas {
		m.entries[meta.Key] = meta
	}
	m.mu.Unlock()
	return nil
}

// Subscribe registers a completion observer.
func (m *Manager) Subscribe() (string, <-chan Event) { return m.notifier.Subscribe() }

// Unsubscribe removes a completion observer.
func (m *Manager) Unsubscribe(token string) { m.notifier.Unsubscribe(token) }

// Stats reports per-origin budget state.
func (m *Manager) Stats() []ratelimit.OriginStats { return m.budget.Stats() }

// Fetching reports whether key has a fetch in flight. The cleaner skips
// such keys.
func (m *Manager) Fetching(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.inFlight[key]
	return ok
}

// Get returns a validated local path for the item's cover in the
// requested locale, downloading it if necessary. Requests for the same
// key share one fetch. Non-english requests first ensure the english
// variant so a fallback always exists.
func (m *Manager) Get(ctx context.Context, id item.ID, locale item.Locale) (string, error) {
	if id == 0 {
		return "", item.ErrInvalidID
	}
	locale = item.NormalizeLocale(string(locale))

	if locale != item.DefaultLocale {
		if _, err := m.ensure(ctx, id, item.DefaultLocale); err != nil {
			m.logger.Debugf("artwork: english variant for %d unavailable: %v", id, err)
		}
	}
	return m.ensure(ctx, id, locale)
}

func (m *Manager) ensure(ctx context.Context, id item.ID, locale item.Locale) (string, error) {
	key := index.Key(id, locale)

	path, err := m.shared(ctx, key, id, locale)
	if errors.Is(err, ErrFetchCanceled) && m.cfg.RetryOnCancel && ctx.Err() == nil {
		path, err = m.shared(ctx, key, id, locale)
	}
	return path, err
}

func (m *Manager) shared(ctx context.Context, key string, id item.ID, locale item.Locale) (string, error) {
	v, err, _ := m.group.Do(key, func() (any, error) {
		m.markInFlight(key, true)
		defer m.markInFlight(key, false)

		p, err := m.get(ctx, id, locale)
		if err != nil && ctx.Err() != nil {
			m.group.Forget(key)
			return "", fmt.Errorf("%w: %v", ErrFetchCanceled, ctx.Err())
		}
		return p, err
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) markInFlight(key string, on bool) {
	m.mu.Lock()
	if on {
		m.inFlight[key] = struct{}{}
	} else {
		delete(m.inFlight, key)
	}
	m.mu.Unlock()
}

func (m *Manager) get(ctx context.Context, id item.ID, locale item.Locale) (string, error) {
	key := index.Key(id, locale)

	// Step 1: cached entry, if valid, wins.
	if p, ok := m.cachedValid(ctx, id, locale); ok {
		return p, nil
	}

	// Step 2: inside the back-off window, degrade to the english copy
	// instead of hitting the network again.
	if m.ledger.ShouldSkip(ctx, id, locale) {
		if locale != item.DefaultLocale {
			if p, ok := m.cachedValid(ctx, id, item.DefaultLocale); ok {
				m.logger.Debugf("artwork: %s suppressed, serving english fallback", key)
				return p, nil
			}
		}
		return "", ErrSuppressed
	}

	if !m.oracle.Initialized() || !m.oracle.IsOwned(id) {
		return "", ErrNotOwned
	}

	// Step 3: resolve the source. A non-english request whose winning
	// candidate was not locale specific is a deliberate fallback: serve
	// the english copy without a fetch and without a failure record.
	name, localeSpecific := m.resolveSource(id, locale)
	if locale != item.DefaultLocale && !localeSpecific {
		if p, ok := m.cachedValid(ctx, id, item.DefaultLocale); ok {
			m.logger.Debugf("artwork: no %s candidate for %d, serving english", locale, id)
			return p, nil
		}
	}

	// Step 4: fetch and commit.
	return m.fetch(ctx, id, locale, name)
}

// cachedValid returns the cached file for (id, locale) when it exists
// and passes signature validation. An invalid file is deleted, dropped
// from both indexes, and recorded as a failure.
func (m *Manager) cachedValid(ctx context.Context, id item.ID, locale item.Locale) (string, bool) {
	key := index.Key(id, locale)

	m.mu.RLock()
	meta, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		var err error
		meta, err = m.idx.Get(ctx, key)
		if err != nil {
			return "", false
		}
		m.mu.Lock()
		m.entries[key] = meta
		m.mu.Unlock()
	}

	full := filepath.Join(m.cfg.Dir, meta.Path)
	if imagesig.ValidFile(full) {
		if _, err := m.idx.Get(ctx, key); err != nil {
			m.logger.Warnf("artwork: refresh atime for %s: %v", key, err)
		}
		return full, true
	}

	m.invalidate(ctx, id, locale, full)
	return "", false
}

func (m *Manager) invalidate(ctx context.Context, id item.ID, locale item.Locale, full string) {
	key := index.Key(id, locale)
	m.logger.Warnf("artwork: %s failed validation, purging %s", key, full)

	if err := os.Remove(full); err != nil && !os.IsNotExist(err) {
		m.logger.Errorf("artwork: remove corrupt file %s: %v", full, err)
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	if err := m.idx.Delete(ctx, key); err != nil {
		m.logger.Errorf("artwork: drop index entry %s: %v", key, err)
	}
	if err := m.ledger.RecordFailure(ctx, id, locale, ""); err != nil {
		m.logger.Errorf("artwork: record validation failure for %s: %v", key, err)
	}
}

func (m *Manager) fetch(ctx context.Context, id item.ID, locale item.Locale, name string) (string, error) {
	key := index.Key(id, locale)
	rawURL := m.sourceURL(id, name)
	origin := originOf(rawURL)

	if err := m.budget.Acquire(ctx, origin); err != nil {
		if errors.Is(err, ratelimit.ErrOriginBlocked) {
			// A blocked origin is throttling, not an item failure.
			if locale != item.DefaultLocale {
				if p, ok := m.cachedValid(ctx, id, item.DefaultLocale); ok {
					return p, nil
				}
			}
			return "", err
		}
		return "", err
	}

	if m.waiter != nil {
		if err := m.waiter.Wait(ctx); err != nil {
			m.budget.Release(origin, ratelimit.OutcomeCanceled)
			return "", err
		}
	}

	full, size, err := m.download(ctx, id, locale, rawURL, name)
	if err != nil {
		if ctx.Err() != nil {
			m.budget.Release(origin, ratelimit.OutcomeCanceled)
			return "", err
		}
		m.budget.Release(origin, ratelimit.OutcomeFailure)

		var fe *FetchError
		if errors.As(err, &fe) && fe.RateLimited {
			m.budget.MarkBlocked(origin)
		}
		if rerr := m.ledger.RecordFailure(ctx, id, locale, ""); rerr != nil {
			m.logger.Errorf("artwork: record failure for %s: %v", key, rerr)
		}
		return "", err
	}
	m.budget.Release(origin, ratelimit.OutcomeSuccess)

	meta := index.EntryMeta{Key: key, Path: filepath.Base(full), Size: size}
	if err := m.idx.Put(ctx, meta); err != nil {
		m.logger.Errorf("artwork: persist index entry %s: %v", key, err)
	}
	m.mu.Lock()
	m.entries[key] = meta
	m.mu.Unlock()

	if err := m.ledger.RecordSuccess(ctx, id, locale); err != nil {
		m.logger.Errorf("artwork: record success for %s: %v", key, err)
	}
	m.notifier.Publish(Event{ItemID: id, Locale: locale})
	m.logger.Infof("artwork: cached %s from %s (%d bytes)", key, origin, size)

	return full, nil
}

// download streams the remote file into a staging file and commits it
// under the final name. A crash never leaves a partial file visible.
func (m *Manager) download(ctx context.Context, id item.ID, locale item.Locale, rawURL, name string) (string, int64, error) {
	body, err := m.fetcher.Fetch(ctx, rawURL)
	if err != nil {
		return "", 0, err
	}
	defer body.Close()

	full := filepath.Join(m.cfg.Dir, cacheFileName(id, locale, name))
	staging, err := files.OpenStaging(full)
	if err != nil {
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}

	size, err := staging.ReadFrom(body)
	if err != nil {
		staging.Abort()
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}
	if err := staging.Commit(); err != nil {
		return "", 0, &FetchError{URL: rawURL, Err: err}
	}
	return full, size, nil
}

// cacheFileName keeps one file per (id, locale) regardless of which
// candidate supplied it, so revalidation and eviction stay simple.
func cacheFileName(id item.ID, locale item.Locale, source string) string {
	ext := path.Ext(source)
	if ext == "" {
		ext = ".jpg"
	}
	return fmt.Sprintf("%s_%s%s", id.String(), locale, ext)
}
