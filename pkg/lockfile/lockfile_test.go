package lockfile_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/lockfile"
)

func TestAcquireAndRelease(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.xml")

	lock, err := lockfile.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := lock.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// Releasing twice is a no-op.
	if err := lock.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
}

func TestExclusiveLockTimesOut(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.xml")
	ctx := context.Background()

	held, err := lockfile.Acquire(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() {
		_ = held.Release()
	}()

	start := time.Now()
	_, err = lockfile.Acquire(ctx, path, 150*time.Millisecond)
	if !errors.Is(err, lockfile.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("acquire hung for %v instead of failing within its budget", elapsed)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.xml")
	ctx := context.Background()

	first, err := lockfile.AcquireShared(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("first AcquireShared: %v", err)
	}
	defer func() {
		_ = first.Release()
	}()

	second, err := lockfile.AcquireShared(ctx, path, time.Second)
	if err != nil {
		t.Fatalf("second AcquireShared: %v", err)
	}
	if err := second.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "catalog.xml")

	held, err := lockfile.Acquire(context.Background(), path, time.Second)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer func() {
		_ = held.Release()
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := lockfile.Acquire(ctx, path, 10*time.Second); err == nil {
		t.Fatal("expected error with canceled context")
	}
}
