// Package ledger tracks per-(item, locale) download failures in a shared
// XML document and computes the exponential back-off window that gates
// retries.
package ledger

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sync"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/log"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/lockfile"
)

// TimeLayout is the fixed, sortable timestamp format stored in the
// ledger document. All timestamps are UTC.
const TimeLayout = "2006-01-02 15:04:05"

// MigratedSuffix marks a legacy document as processed. The original is
// renamed, never deleted, so migration stays auditable.
const MigratedSuffix = ".migrated"

// Logger captures structured output for ledger operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// Config controls ledger behaviour.
type Config struct {
	// Path locates the per-locale failure document.
	Path string
	// LegacyPath locates the flat pre-per-locale document consumed once
	// by MigrateLegacy.
	LegacyPath string

	// BaseWindow is the shortest back-off window (count 0).
	BaseWindow time.Duration
	// MaxWindow clamps exponential growth.
	MaxWindow time.Duration

	// RetentionEnglish and RetentionOther bound how long failure records
	// survive before garbage collection. English records are kept longer
	// since english is the universal fallback.
	RetentionEnglish time.Duration
	RetentionOther   time.Duration

	// ReadLockTimeout and WriteLockTimeout bound waits on the document's
	// cross-process advisory lock.
	ReadLockTimeout  time.Duration
	WriteLockTimeout time.Duration
}

// Option customises ledger construction.
type Option func(*Ledger)

// WithLogger replaces the default logger.
func WithLogger(logger Logger) Option {
	return func(l *Ledger) {
		l.logger = logger
	}
}

// WithClock replaces the time source (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		l.now = now
	}
}

// Ledger is the persistent failure store. All mutations rewrite the
// whole document atomically; a single-writer mutex serialises in-process
// callers and an advisory file lock covers sibling processes.
type Ledger struct {
	cfg    Config
	logger Logger
	now    func() time.Time

	mu sync.Mutex
}

// New constructs a Ledger.
func New(cfg Config, opts ...Option) (*Ledger, error) {
	if cfg.Path == "" {
		return nil, errors.New("ledger: document path is required")
	}
	if cfg.BaseWindow <= 0 {
		cfg.BaseWindow = 5 * time.Minute
	}
	if cfg.MaxWindow < cfg.BaseWindow {
		cfg.MaxWindow = 7 * 24 * time.Hour
	}
	if cfg.RetentionEnglish <= 0 {
		cfg.RetentionEnglish = 30 * 24 * time.Hour
	}
	if cfg.RetentionOther <= 0 {
		cfg.RetentionOther = 7 * 24 * time.Hour
	}
	if cfg.ReadLockTimeout <= 0 {
		cfg.ReadLockTimeout = 5 * time.Second
	}
	if cfg.WriteLockTimeout <= 0 {
		cfg.WriteLockTimeout = 30 * time.Second
	}

	l := &Ledger{
		cfg:    cfg,
		logger: defaultLogger(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.logger == nil {
		l.logger = defaultLogger()
	}
	if l.now == nil {
		l.now = time.Now
	}

	return l, nil
}

// Backoff returns the retry window after count consecutive failures:
// BaseWindow * 2^count, clamped at MaxWindow. A missing record counts as
// zero, i.e. the shortest window.
func (l *Ledger) Backoff(count uint) time.Duration {
	window := l.cfg.BaseWindow
	for i := uint(0); i < count; i++ {
		window *= 2
		if window >= l.cfg.MaxWindow || window <= 0 {
			return l.cfg.MaxWindow
		}
	}
	if window > l.cfg.MaxWindow {
		return l.cfg.MaxWindow
	}
	return window
}

// ShouldSkip reports whether a fetch for (id, locale) is still inside its
// back-off window. Read problems are logged and treated as "do not skip"
// so that a broken document never suppresses fetches forever.
func (l *Ledger) ShouldSkip(ctx context.Context, id item.ID, locale item.Locale) bool {
	rec, ok, err := l.lookup(ctx, id, locale)
	if err != nil {
		l.logger.Warnf("ledger: read for %d/%s failed: %v", id, locale, err)
		return false
	}
	if !ok {
		return false
	}
	return l.now().Sub(rec.lastFailed) < l.Backoff(rec.count)
}

// FailureCount returns the stored count for (id, locale), zero when no
// record exists.
func (l *Ledger) FailureCount(ctx context.Context, id item.ID, locale item.Locale) uint {
	rec, ok, err := l.lookup(ctx, id, locale)
	if err != nil || !ok {
		return 0
	}
	return rec.count
}

// RecordFailure increments the failure count for (id, locale), creating
// the record at count 1, and stamps the failure at the ledger clock's
// current time.
func (l *Ledger) RecordFailure(ctx context.Context, id item.ID, locale item.Locale, displayName string) error {
	return l.RecordFailureAt(ctx, id, locale, displayName, l.now())
}

// RecordFailureAt is RecordFailure with an explicit timestamp.
func (l *Ledger) RecordFailureAt(ctx context.Context, id item.ID, locale item.Locale, displayName string, at time.Time) error {
	if id == 0 {
		return item.ErrInvalidID
	}
	return l.mutate(ctx, func(doc *document) {
		rec := doc.ensure(id, locale)
		rec.Count++
		rec.LastFailed = at.UTC().Format(TimeLayout)
		if displayName != "" {
			doc.setName(id, displayName)
		}
	})
}

// RecordSuccess deletes the record for (id, locale) entirely, so a later
// failure starts over at count 1 and the shortest window. Any success
// fully resets escalation.
func (l *Ledger) RecordSuccess(ctx context.Context, id item.ID, locale item.Locale) error {
	if id == 0 {
		return item.ErrInvalidID
	}
	return l.mutate(ctx, func(doc *document) {
		doc.remove(id, locale)
	})
}

// GC purges records whose last failure is older than the retention window
// for their locale. It returns the number of purged records.
func (l *Ledger) GC(ctx context.Context) (int, error) {
	removed := 0
	err := l.mutate(ctx, func(doc *document) {
		now := l.now()
		kept := doc.Items[:0]
		for _, it := range doc.Items {
			locales := it.Locales[:0]
			for _, loc := range it.Locales {
				at, err := time.Parse(TimeLayout, loc.LastFailed)
				if err != nil {
					// Unparsable stamp: drop the record rather than keep
					// it failing-state forever.
					removed++
					continue
				}
				retention := l.cfg.RetentionOther
				if item.Locale(loc.Name) == item.DefaultLocale {
					retention = l.cfg.RetentionEnglish
				}
				if now.Sub(at) > retention {
					removed++
					continue
				}
				locales = append(locales, loc)
			}
			it.Locales = locales
			if len(it.Locales) > 0 {
				kept = append(kept, it)
			}
		}
		doc.Items = kept
	})
	if err != nil {
		return 0, err
	}
	if removed > 0 {
		l.logger.Infof("ledger: garbage collected %d expired records", removed)
	}
	return removed, nil
}

type record struct {
	count      uint
	lastFailed time.Time
}

func (l *Ledger) lookup(ctx context.Context, id item.ID, locale item.Locale) (record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := lockfile.AcquireShared(ctx, l.cfg.Path, l.cfg.ReadLockTimeout)
	if err != nil {
		return record{}, false, err
	}
	defer func() {
		_ = lock.Release()
	}()

	doc, err := l.readDocument()
	if err != nil {
		return record{}, false, err
	}

	loc := doc.find(id, locale)
	if loc == nil {
		return record{}, false, nil
	}
	at, err := time.Parse(TimeLayout, loc.LastFailed)
	if err != nil {
		return record{}, false, fmt.Errorf("ledger: bad timestamp for %d/%s: %w", id, locale, err)
	}
	return record{count: loc.Count, lastFailed: at}, true, nil
}

func (l *Ledger) mutate(ctx context.Context, fn func(*document)) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	lock, err := lockfile.Acquire(ctx, l.cfg.Path, l.cfg.WriteLockTimeout)
	if err != nil {
		return err
	}
	defer func() {
		_ = lock.Release()
	}()

	doc, err := l.readDocument()
	if err != nil {
		return err
	}

	fn(doc)

	return writeDocument(l.cfg.Path, doc)
}

// readDocument tolerates a transiently missing file as "no records" and
// treats malformed content as empty rather than failing the caller.
func (l *Ledger) readDocument() (*document, error) {
	data, err := os.ReadFile(l.cfg.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &document{}, nil
		}
		return nil, fmt.Errorf("ledger: read document: %w", err)
	}

	var doc document
	if err := xml.Unmarshal(data, &doc); err != nil {
		l.logger.Warnf("ledger: malformed document %s, treating as empty: %v", l.cfg.Path, err)
		return &document{}, nil
	}
	return &doc, nil
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("ledger")}
}

type logHandleAdapter struct {
	handle *log.LogHandle
}

func (l logHandleAdapter) Debugf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Debug().Msgf(format, args...)
	}
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

func (l logHandleAdapter) Errorf(format string, args ...any) {
	if l.handle != nil {
		l.handle.Error().Msgf(format, args...)
	}
}
