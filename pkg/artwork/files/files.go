// Package files stages artwork downloads on a temporary file and commits
// them atomically, so a crash never leaves a half-written cover visible
// under its final name.
package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
)

// ErrClosed is returned if an operation is attempted on a finished staging.
var ErrClosed = errors.New("artwork staging is closed")

// Staging accumulates a download; Commit renames it into place, Abort
// discards it.
type Staging struct {
	mu        sync.Mutex
	file      *os.File
	finalPath string
	tempPath  string
	closed    bool
}

// OpenStaging prepares a staging file next to the final path.
func OpenStaging(path string) (*Staging, error) {
	if path == "" {
		return nil, errors.New("artwork staging path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create cache directory: %w", err)
	}

	pattern := filepath.Base(path) + ".tmp-*"
	tempFile, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, fmt.Errorf("create staging file: %w", err)
	}

	return &Staging{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

// ReadFrom streams the download body into the staging file.
func (s *Staging) ReadFrom(r io.Reader) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, ErrClosed
	}
	return io.Copy(s.file, r)
}

// Commit flushes and atomically renames the staged file into place.
func (s *Staging) Commit() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}
	s.closed = true

	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		_ = os.Remove(s.tempPath)
		return err
	}
	if err := s.file.Close(); err != nil {
		_ = os.Remove(s.tempPath)
		return err
	}
	if err := os.Rename(s.tempPath, s.finalPath); err != nil {
		_ = os.Remove(s.tempPath)
		return fmt.Errorf("commit artwork file: %w", err)
	}
	return nil
}

// Abort discards the staged data. Aborting after Commit is a no-op.
func (s *Staging) Abort() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	_ = s.file.Close()
	_ = os.Remove(s.tempPath)
}
