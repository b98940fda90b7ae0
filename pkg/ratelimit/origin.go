// Package ratelimit bounds traffic toward remote origins: a per-origin
// concurrency budget with cooldown blocks, and a FIFO calls-per-minute
// limiter with randomized jitter for query APIs.
package ratelimit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/bbfox0703/AchievoLab-sub003/log"
)

// ErrOriginBlocked is returned when an origin is inside its cooldown
// after a throttling or forbidden response.
var ErrOriginBlocked = errors.New("ratelimit: origin blocked")

// Outcome classifies a finished request for the rolling success rate.
type Outcome int

const (
	// OutcomeSuccess is a completed 2xx fetch.
	OutcomeSuccess Outcome = iota
	// OutcomeFailure is any remote or local failure.
	OutcomeFailure
	// OutcomeCanceled releases the slot without touching the success
	// rate: a cancellation says nothing about the origin's health.
	OutcomeCanceled
)

// successWindowSize bounds the rolling success-rate sample.
const successWindowSize = 32

// OriginStats is a read-only snapshot for diagnostics display.
type OriginStats struct {
	Origin      string
	Active      int
	Blocked     bool
	SuccessRate float64
}

// BudgetConfig controls the per-origin budget.
type BudgetConfig struct {
	// MaxConcurrentPerOrigin is the number of concurrency slots per origin.
	MaxConcurrentPerOrigin int
	// BlockCooldown is how long a throttled origin stays off-limits.
	BlockCooldown time.Duration
}

// Logger captures structured output for budget operations.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// BudgetOption customises budget construction.
type BudgetOption func(*Budget)

// WithBudgetLogger replaces the default logger.
func WithBudgetLogger(logger Logger) BudgetOption {
	return func(b *Budget) {
		b.logger = logger
	}
}

// WithBudgetClock replaces the time source (primarily for tests).
func WithBudgetClock(now func() time.Time) BudgetOption {
	return func(b *Budget) {
		b.now = now
	}
}

// Budget tracks concurrency slots and cooldown blocks per remote origin.
type Budget struct {
	cfg    BudgetConfig
	logger Logger
	now    func() time.Time

	mu      sync.Mutex
	origins map[string]*originState
}

type originState struct {
	sem    *semaphore.Weighted
	active atomic.Int64

	// guarded by Budget.mu
	blockedUntil time.Time
	window       [successWindowSize]bool
	windowLen    int
	windowPos    int
}

// NewBudget constructs an origin budget.
func NewBudget(cfg BudgetConfig, opts ...BudgetOption) (*Budget, error) {
	if cfg.MaxConcurrentPerOrigin <= 0 {
		cfg.MaxConcurrentPerOrigin = 4
	}
	if cfg.BlockCooldown <= 0 {
		cfg.BlockCooldown = 10 * time.Minute
	}

	b := &Budget{
		cfg:     cfg,
		logger:  defaultLogger(),
		now:     time.Now,
		origins: make(map[string]*originState),
	}

	for _, opt := range opts {
		opt(b)
	}

	if b.logger == nil {
		b.logger = defaultLogger()
	}
	if b.now == nil {
		b.now = time.Now
	}

	return b, nil
}

// Acquire takes one concurrency slot for origin, blocking until one is
// free or ctx is done. A blocked origin fails fast with ErrOriginBlocked
// so callers can prefer an alternate origin.
func (b *Budget) Acquire(ctx context.Context, origin string) error {
	state := b.state(origin)

	b.mu.Lock()
	blocked := b.now().Before(state.blockedUntil)
	b.mu.Unlock()
	if blocked {
		return ErrOriginBlocked
	}

	if err := state.sem.Acquire(ctx, 1); err != nil {
		return err
	}

	// The origin may have been blocked while this caller waited on the
	// semaphore; a stale slot grant must not bypass the cooldown.
	b.mu.Lock()
	blocked = b.now().Before(state.blockedUntil)
	b.mu.Unlock()
	if blocked {
		state.sem.Release(1)
		return ErrOriginBlocked
	}

	state.active.Add(1)
	return nil
}

// Release returns a slot regardless of outcome and feeds the rolling
// success-rate window.
func (b *Budget) Release(origin string, outcome Outcome) {
	state := b.state(origin)
	state.active.Add(-1)
	state.sem.Release(1)

	if outcome == OutcomeCanceled {
		return
	}

	b.mu.Lock()
	state.window[state.windowPos] = outcome == OutcomeSuccess
	state.windowPos = (state.windowPos + 1) % successWindowSize
	if state.windowLen < successWindowSize {
		state.windowLen++
	}
	b.mu.Unlock()
}

// MarkBlocked records a throttling or forbidden response: origin is
// skipped until the cooldown elapses.
func (b *Budget) MarkBlocked(origin string) {
	state := b.state(origin)
	until := b.now().Add(b.cfg.BlockCooldown)

	b.mu.Lock()
	state.blockedUntil = until
	b.mu.Unlock()

	b.logger.Warnf("origin %s blocked until %s", origin, until.Format(time.RFC3339))
}

// Blocked reports whether origin is inside its cooldown.
func (b *Budget) Blocked(origin string) bool {
	state := b.state(origin)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(state.blockedUntil)
}

// Stats returns a snapshot per known origin, sorted by origin name.
func (b *Budget) Stats() []OriginStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := make([]OriginStats, 0, len(b.origins))
	now := b.now()
	for origin, state := range b.origins {
		rate := 1.0
		if state.windowLen > 0 {
			ok := 0
			for i := 0; i < state.windowLen; i++ {
				if state.window[i] {
					ok++
				}
			}
			rate = float64(ok) / float64(state.windowLen)
		}
		stats = append(stats, OriginStats{
			Origin:      origin,
			Active:      int(state.active.Load()),
			Blocked:     now.Before(state.blockedUntil),
			SuccessRate: rate,
		})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Origin < stats[j].Origin })
	return stats
}

func (b *Budget) state(origin string) *originState {
	b.mu.Lock()
	defer b.mu.Unlock()

	state, ok := b.origins[origin]
	if !ok {
		state = &originState{
			sem: semaphore.NewWeighted(int64(b.cfg.MaxConcurrentPerOrigin)),
		}
		b.origins[origin] = state
	}
	return state
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("ratelimit")}
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
