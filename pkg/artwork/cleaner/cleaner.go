// Package cleaner evicts cover files in LRU order until the cache fits
// its byte budget and the disk keeps a minimum free share.
package cleaner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shirou/gopsutil/disk"

	"github.com/bbfox0703/AchievoLab-sub003/log"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
)

// ErrCapacityNotReduced indicates that capacity constraints remain
// unmet after a maintenance run.
var ErrCapacityNotReduced = errors.New("artwork cleaner: capacity not reduced")

// TriggerReason represents the source motivating a cleaner run.
type TriggerReason string

const (
	// TriggerReasonMaintenance is the periodic maintenance pass.
	TriggerReasonMaintenance TriggerReason = "maintenance"
	// TriggerReasonLowSpace is an on-demand pass after a write hit a
	// low-disk condition.
	TriggerReasonLowSpace TriggerReason = "low-space"
)

// Trigger describes a request to execute the cleaner.
type Trigger struct {
	Reason TriggerReason
}

// Config controls cleaner behaviour.
type Config struct {
	CacheDir       string
	MaxCacheBytes  int64
	MinFreePercent int
	CleanInterval  time.Duration
}

// Report summarises a cleaner run.
type Report struct {
	Trigger     Trigger
	TotalBefore int64
	TotalAfter  int64
	BytesFreed  int64
	Evicted     []string
}

// Logger captures structured output for the cleaner.
type Logger interface {
	Debugf(format string, args ...any)
	Infof(format string, args ...any)
	Warnf(format string, args ...any)
	Errorf(format string, args ...any)
}

// diskUsage reports disk capacity and free space for the cache directory.
type diskUsage interface {
	Stat(path string) (total, free uint64, err error)
}

// SkipFunc reports keys that must not be evicted, typically because a
// fetch for them is in flight.
type SkipFunc func(key string) bool

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger Logger) Option {
	return func(c *Cleaner) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithDiskUsage swaps the disk usage inspector (primarily for tests).
func WithDiskUsage(usage diskUsage) Option {
	return func(c *Cleaner) {
		if usage != nil {
			c.disk = usage
		}
	}
}

// WithSkip installs the in-flight guard.
func WithSkip(skip SkipFunc) Option {
	return func(c *Cleaner) { c.skip = skip }
}

// WithOnEvict installs a callback invoked with each evicted key.
func WithOnEvict(fn func(key string)) Option {
	return func(c *Cleaner) { c.onEvict = fn }
}

// Cleaner keeps the cover cache inside its capacity envelope.
type Cleaner struct {
	cfg     Config
	idx     index.CoverIndex
	disk    diskUsage
	skip    SkipFunc
	onEvict func(key string)
	logger  Logger

	mu sync.Mutex
}

// New constructs a cleaner.
func New(cfg Config, idx index.CoverIndex, opts ...Option) (*Cleaner, error) {
	if idx == nil {
		return nil, errors.New("artwork cleaner: index is required")
	}
	if cfg.CacheDir == "" {
		return nil, errors.New("artwork cleaner: cache directory is required")
	}
	if cfg.MinFreePercent < 0 || cfg.MinFreePercent > 100 {
		return nil, fmt.Errorf("artwork cleaner: min free percent must be within [0,100], got %d", cfg.MinFreePercent)
	}
	if cfg.CleanInterval <= 0 {
		cfg.CleanInterval = 30 * time.Minute
	}

	c := &Cleaner{
		cfg:    cfg,
		idx:    idx,
		disk:   gopsutilDiskUsage{},
		logger: defaultLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// RunOnce executes a single eviction pass for the provided trigger.
func (c *Cleaner) RunOnce(ctx context.Context, trigger Trigger) (Report, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	report := Report{Trigger: trigger}

	metas, err := c.idx.ListLRU(ctx, 0)
	if err != nil {
		return report, err
	}

	usage := totalSize(metas)
	report.TotalBefore = usage

	limit := c.cfg.MaxCacheBytes
	if limit <= 0 {
		limit = math.MaxInt64
	}

	totalCap, freeCap, err := c.disk.Stat(c.cfg.CacheDir)
	if err != nil {
		return report, err
	}
	requiredFree := requiredFreeBytes(totalCap, c.cfg.MinFreePercent)

	for _, meta := range metas {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if usage <= limit && freeCap >= requiredFree {
			break
		}
		if c.skip != nil && c.skip(meta.Key) {
			continue
		}

		freed, evictErr := c.evict(ctx, meta)
		if evictErr != nil {
			c.logger.Errorf("cleaner: evict %s failed: %v", meta.Key, evictErr)
			continue
		}

		usage -= freed
		if usage < 0 {
			usage = 0
		}
		freeCap += uint64(freed)
		report.BytesFreed += freed
		report.Evicted = append(report.Evicted, meta.Key)

		if c.onEvict != nil {
			c.onEvict(meta.Key)
		}
	}

	report.TotalAfter = usage

	if usage > limit || freeCap < requiredFree {
		return report, ErrCapacityNotReduced
	}

	if report.BytesFreed > 0 {
		c.logger.Infof("cleaner: %s pass freed %d bytes across %d entries", trigger.Reason, report.BytesFreed, len(report.Evicted))
	}
	return report, nil
}

// RunBackground executes RunOnce on a schedule until ctx is cancelled.
// On-demand triggers interleave with the maintenance ticker.
func (c *Cleaner) RunBackground(ctx context.Context, triggers <-chan Trigger) error {
	ticker := time.NewTicker(c.cfg.CleanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.RunOnce(ctx, Trigger{Reason: TriggerReasonMaintenance}); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner maintenance run failed: %v", err)
			}
		case trigger, ok := <-triggers:
			if !ok {
				triggers = nil
				continue
			}
			if _, err := c.RunOnce(ctx, trigger); err != nil && !errors.Is(err, ErrCapacityNotReduced) {
				c.logger.Warnf("cleaner trigger %s failed: %v", trigger.Reason, err)
			}
		}
	}
}

func (c *Cleaner) evict(ctx context.Context, meta index.EntryMeta) (int64, error) {
	path := filepath.Join(c.cfg.CacheDir, filepath.FromSlash(meta.Path))

	size := meta.Size
	info, err := os.Stat(path)
	if err == nil {
		size = info.Size()
	} else if !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("stat file: %w", err)
	}

	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, fmt.Errorf("remove file: %w", err)
	}

	if err := c.idx.Delete(ctx, meta.Key); err != nil && !errors.Is(err, index.ErrNotFound) {
		return 0, fmt.Errorf("delete index entry: %w", err)
	}

	return size, nil
}

func totalSize(metas []index.EntryMeta) int64 {
	var total int64
	for _, meta := range metas {
		total += meta.Size
	}
	return total
}

func requiredFreeBytes(total uint64, percent int) uint64 {
	if percent <= 0 || total == 0 {
		return 0
	}
	return (total * uint64(percent)) / 100
}

type gopsutilDiskUsage struct{}

func (gopsutilDiskUsage) Stat(path string) (uint64, uint64, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return 0, 0, fmt.Errorf("disk usage for %s: %w", path, err)
	}
	return usage.Total, usage.Free, nil
}

func defaultLogger() Logger {
	return logHandleAdapter{handle: log.GetLogger("artwork-cleaner")}
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
