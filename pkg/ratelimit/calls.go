package ratelimit

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"
)

// ErrLimiterClosed is returned to waiters released by Close.
var ErrLimiterClosed = errors.New("ratelimit: call limiter closed")

// CallConfig tunes a CallLimiter.
type CallConfig struct {
	MaxCallsPerMinute int
	JitterMin         time.Duration
	JitterMax         time.Duration
}

// CallOption customises limiter construction.
type CallOption func(*CallLimiter)

// WithCallClock replaces the time source (primarily for tests).
func WithCallClock(now func() time.Time) CallOption {
	return func(l *CallLimiter) {
		l.now = now
	}
}

// WithCallSleep replaces the wait implementation (primarily for tests).
// The function must honour ctx and the closed channel.
func WithCallSleep(sleep func(ctx context.Context, d time.Duration, closed <-chan struct{}) error) CallOption {
	return func(l *CallLimiter) {
		l.sleep = sleep
	}
}

// CallLimiter enforces a calls-per-minute ceiling with randomized jitter
// between calls. Admission is in arrival order: each caller reserves the
// next release slot under the mutex, so later arrivals can never overtake
// an earlier one, and every waiter holds a bounded reservation. The
// limiter never fails a caller; it only delays, except when closed.
type CallLimiter struct {
	interval time.Duration
	cfg      CallConfig
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration, closed <-chan struct{}) error

	mu   sync.Mutex
	next time.Time
	rnd  *rand.Rand

	closeOnce sync.Once
	closed    chan struct{}
}

// NewCallLimiter constructs a CallLimiter.
func NewCallLimiter(cfg CallConfig, opts ...CallOption) (*CallLimiter, error) {
	if cfg.MaxCallsPerMinute <= 0 {
		return nil, errors.New("ratelimit: max calls per minute must be > 0")
	}
	if cfg.JitterMin < 0 || cfg.JitterMax < cfg.JitterMin {
		return nil, errors.New("ratelimit: jitter bounds must satisfy 0 <= min <= max")
	}

	l := &CallLimiter{
		interval: time.Minute / time.Duration(cfg.MaxCallsPerMinute),
		cfg:      cfg,
		now:      time.Now,
		sleep:    timerSleep,
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
		closed:   make(chan struct{}),
	}

	for _, opt := range opts {
		opt(l)
	}

	if l.now == nil {
		l.now = time.Now
	}
	if l.sleep == nil {
		l.sleep = timerSleep
	}

	return l, nil
}

// Wait blocks until the caller's reserved slot arrives. Each release is
// spaced from the previous by at least interval + jitter, jitter drawn
// fresh per call from the configured uniform range.
func (l *CallLimiter) Wait(ctx context.Context) error {
	select {
	case <-l.closed:
		return ErrLimiterClosed
	default:
	}

	l.mu.Lock()
	now := l.now()
	release := l.next
	if release.Before(now) {
		release = now
	}
	l.next = release.Add(l.interval + l.jitter())
	l.mu.Unlock()

	delay := release.Sub(now)
	if delay <= 0 {
		return nil
	}
	return l.sleep(ctx, delay, l.closed)
}

// Close releases all waiting callers with ErrLimiterClosed.
func (l *CallLimiter) Close() {
	l.closeOnce.Do(func() {
		close(l.closed)
	})
}

func (l *CallLimiter) jitter() time.Duration {
	span := l.cfg.JitterMax - l.cfg.JitterMin
	if span <= 0 {
		return l.cfg.JitterMin
	}
	return l.cfg.JitterMin + time.Duration(l.rnd.Int63n(int64(span)+1))
}

func timerSleep(ctx context.Context, d time.Duration, closed <-chan struct{}) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closed:
		return ErrLimiterClosed
	case <-timer.C:
		return nil
	}
}
