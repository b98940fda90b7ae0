package bbolt_test

import (
	"path/filepath"
	"testing"

	bboltindex "github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index/bbolt"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index/indextest"
	"github.com/bbfox0703/AchievoLab-sub003/pkg/artwork/index"
)

func TestBoltCoverIndexContract(t *testing.T) {
	t.Parallel()

	indextest.RunCoverIndexContract(t, func(tb testing.TB) index.CoverIndex {
		tb.Helper()

		idx, err := bboltindex.Open(filepath.Join(tb.TempDir(), "covers.db"), bboltindex.Options{})
		if err != nil {
			tb.Fatalf("open bbolt index: %v", err)
		}
		tb.Cleanup(func() {
			_ = idx.Close()
		})
		return idx
	})
}

func TestOpenRejectsEmptyPath(t *testing.T) {
	t.Parallel()

	if _, err := bboltindex.Open("", bboltindex.Options{}); err == nil {
		t.Fatal("expected error for empty path")
	}
}
