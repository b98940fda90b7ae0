package files_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/files"
)

func TestCommitMakesFileVisibleAtomically(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	final := filepath.Join(dir, "covers", "220_english.jpg")

	staging, err := files.OpenStaging(final)
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}

	// Not visible under the final name while staged.
	if _, err := os.Stat(final); !os.IsNotExist(err) {
		t.Fatalf("final name visible before commit, stat err = %v", err)
	}

	n, err := staging.ReadFrom(strings.NewReader("jpeg-bytes"))
	if err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	if n != int64(len("jpeg-bytes")) {
		t.Fatalf("ReadFrom copied %d bytes", n)
	}

	if err := staging.Commit(); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	data, err := os.ReadFile(final)
	if err != nil {
		t.Fatalf("read committed file: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Fatalf("committed content = %q", data)
	}

	// No staging leftovers.
	entries, err := os.ReadDir(filepath.Dir(final))
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only the final file, found %d entries", len(entries))
	}
}

func TestAbortDiscardsStagedData(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	final := filepath.Join(dir, "220_english.jpg")

	staging, err := files.OpenStaging(final)
	if err != nil {
		t.Fatalf("OpenStaging: %v", err)
	}
	if _, err := staging.ReadFrom(strings.NewReader("partial")); err != nil {
		t.Fatalf("ReadFrom: %v", err)
	}
	staging.Abort()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected empty dir after abort, found %d entries", len(entries))
	}

	if err := staging.Commit(); err != files.ErrClosed {
		t.Fatalf("Commit after Abort = %v, want ErrClosed", err)
	}
	if _, err := staging.ReadFrom(strings.NewReader("x")); err != files.ErrClosed {
		t.Fatalf("ReadFrom after Abort = %v, want ErrClosed", err)
	}
}
