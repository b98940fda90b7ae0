// Package catalog reconciles the user's owned-item list from three
// partially-overlapping sources into one canonical, ownership-filtered
// set, persisted as an XML document.
package catalog

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/log"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/lockfile"
)

// ErrOracleUnavailable means the ownership oracle is uninitialized.
// Reconciling without it would wipe the canonical list, so the
// operation refuses instead.
var ErrOracleUnavailable = errors.New("catalog: ownership oracle unavailable")

// Oracle answers ownership questions. An uninitialized oracle denies
// everything and blocks reconciliation.
type Oracle interface {
	Initialized() bool
	IsOwned(id item.ID) bool
}

// Logger captures structured output for catalog operations.
type Logger interface {
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
}

// Config controls the catalog store.
type Config struct {
	// Path locates the canonical catalog document.
	Path string
	// SupplementaryPath locates the companion-tool list merged during
	// reconciliation. Empty disables the third source.
	SupplementaryPath string

	// ReadLockTimeout and WriteLockTimeout bound waits on the
	// documents' cross-process advisory locks.
	ReadLockTimeout  time.Duration
	WriteLockTimeout time.Duration
}

// Option customises store construction.
type Option func(*Store)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(s *Store) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Store persists the canonical owned-item list.
type Store struct {
	cfg    Config
	logger Logger

	mu sync.Mutex
}

// New constructs a catalog store.
func New(cfg Config, opts ...Option) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("catalog: document path is required")
	}
	if cfg.ReadLockTimeout <= 0 {
		cfg.ReadLockTimeout = 5 * time.Second
	}
	if cfg.WriteLockTimeout <= 0 {
		cfg.WriteLockTimeout = 30 * time.Second
	}

	s := &Store{
		cfg:    cfg,
		logger: logHandleAdapter{handle: log.GetLogger("catalog")},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Items returns the persisted canonical set.
func (s *Store) Items(ctx context.Context) (map[item.ID]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.AcquireShared(ctx, s.cfg.Path, s.cfg.ReadLockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Release()
	}()

	doc, err := s.readTolerant(s.cfg.Path)
	if err != nil {
		return nil, err
	}
	return doc.ids(), nil
}

// Reconcile merges the persisted list, the remote enumeration, and the
// supplementary list, keeps only ids the oracle currently reports as
// owned, and persists the result as the new canonical list. A remote
// failure degrades to the two local sources. Passing a nil query skips
// the remote source.
func (s *Store) Reconcile(ctx context.Context, oracle Oracle, query QueryClient) (map[item.ID]struct{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if oracle == nil || !oracle.Initialized() {
		return nil, ErrOracleUnavailable
	}

	union := make(map[item.ID]struct{})

	persisted, err := s.Items(ctx)
	if err != nil {
		return nil, err
	}
	for id := range persisted {
		union[id] = struct{}{}
	}

	if query != nil {
		remote, err := query.OwnedItems(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, err
			}
			s.logger.Warnf("catalog: remote query failed, reconciling from local sources: %v", err)
		}
		for _, id := range remote {
			union[id] = struct{}{}
		}
	}

	if s.cfg.SupplementaryPath != "" {
		supp, err := s.readSupplementary(ctx)
		if err != nil {
			return nil, err
		}
		for id := range supp {
			union[id] = struct{}{}
		}
	}

	// Inclusion by a source is necessary but not sufficient; the oracle
	// has the final word.
	result := make(map[item.ID]struct{}, len(union))
	for id := range union {
		if oracle.IsOwned(id) {
			result[id] = struct{}{}
		}
	}

	if err := s.replace(ctx, result); err != nil {
		return nil, err
	}
	s.logger.Infof("catalog: reconciled %d candidate ids down to %d owned", len(union), len(result))
	return result, nil
}

// TryAddItem appends one id to the canonical list iff the oracle is
// initialized, the item is owned, and it is not already present. It
// never creates the persisted store when the oracle is unavailable.
func (s *Store) TryAddItem(ctx context.Context, oracle Oracle, id item.ID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if id == 0 {
		return false, item.ErrInvalidID
	}
	if oracle == nil || !oracle.Initialized() {
		return false, nil
	}
	if !oracle.IsOwned(id) {
		return false, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.Acquire(ctx, s.cfg.Path, s.cfg.WriteLockTimeout)
	if err != nil {
		return false, err
	}
	defer func() {
		_ = lock.Release()
	}()

	doc, err := s.readTolerant(s.cfg.Path)
	if err != nil {
		return false, err
	}

	set := doc.ids()
	if _, ok := set[id]; ok {
		return false, nil
	}
	set[id] = struct{}{}

	if err := writeDocumentFile(s.cfg.Path, fromSet(set)); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) replace(ctx context.Context, set map[item.ID]struct{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lock, err := lockfile.Acquire(ctx, s.cfg.Path, s.cfg.WriteLockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	return writeDocumentFile(s.cfg.Path, fromSet(set))
}

func (s *Store) readSupplementary(ctx context.Context) (map[item.ID]struct{}, error) {
	lock, err := lockfile.AcquireShared(ctx, s.cfg.SupplementaryPath, s.cfg.ReadLockTimeout)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = lock.Release()
	}()

	doc, err := s.readTolerant(s.cfg.SupplementaryPath)
	if err != nil {
		return nil, err
	}
	return doc.ids(), nil
}

func (s *Store) readTolerant(path string) (*document, error) {
	doc, malformed, err := readDocumentFile(path)
	if err != nil {
		return nil, err
	}
	if malformed {
		s.logger.Warnf("catalog: malformed document %s, treating as empty", path)
	}
	return doc, nil
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Infof(format string, args ...any) {
	if l.handle != nil {
		l.handle.Info().Msgf(format, args...)
	}
}

func (l logHandleAdapter) Warnf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Warn().Msgf(format, args...)
	}
}
