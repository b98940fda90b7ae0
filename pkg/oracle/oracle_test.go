package oracle

import (
	"os"
	"path/filepath"
	"testing"
)

const sampleSnapshot = `items:
  220:
    name: Half-Life 2
    metadata:
      small_capsule/english: abc.jpg
      small_capsule/german: abc_de.jpg
  400:
    name: Portal
  0:
    name: bogus
`

func writeSnapshot(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "oracle.yaml")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write snapshot: %v", err)
	}
	return path
}

func TestLoadFileSnapshot(t *testing.T) {
	t.Parallel()

	o, err := LoadFile(writeSnapshot(t, sampleSnapshot))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if !o.Initialized() {
		t.Fatal("expected initialized oracle")
	}
	if !o.IsOwned(220) || !o.IsOwned(400) {
		t.Fatal("expected listed items to be owned")
	}
	if o.IsOwned(999) {
		t.Fatal("unlisted item must not be owned")
	}
	if o.IsOwned(0) {
		t.Fatal("zero id entries are dropped")
	}

	if v, ok := o.Metadata(220, "small_capsule/german"); !ok || v != "abc_de.jpg" {
		t.Fatalf("Metadata = %q, %v", v, ok)
	}
	if _, ok := o.Metadata(400, "small_capsule/english"); ok {
		t.Fatal("expected missing metadata key")
	}
	if name := o.DisplayName(220); name != "Half-Life 2" {
		t.Fatalf("DisplayName = %q", name)
	}
	if name := o.DisplayName(999); name != "" {
		t.Fatalf("expected empty name for unknown item, got %q", name)
	}
}

func TestLoadFileMissingIsUninitialized(t *testing.T) {
	t.Parallel()

	o, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}

	if o.Initialized() {
		t.Fatal("missing snapshot must yield an uninitialized oracle")
	}
	if o.IsOwned(220) {
		t.Fatal("uninitialized oracle must deny ownership")
	}
	if _, ok := o.Metadata(220, "small_capsule/english"); ok {
		t.Fatal("uninitialized oracle must return no metadata")
	}
}

func TestLoadFileMalformed(t *testing.T) {
	t.Parallel()

	if _, err := LoadFile(writeSnapshot(t, "items: [not a map\n")); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestLoadFileEmptyDocumentInitialized(t *testing.T) {
	t.Parallel()

	o, err := LoadFile(writeSnapshot(t, "items: {}\n"))
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if !o.Initialized() {
		t.Fatal("an empty but present snapshot is initialized")
	}
	if o.IsOwned(220) {
		t.Fatal("empty snapshot owns nothing")
	}
}
