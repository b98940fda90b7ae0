package artwork

import (
	"testing"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

func TestCandidateKeysOrder(t *testing.T) {
	t.Parallel()

	got := candidateKeys("german")
	want := []string{"small_capsule/german", "small_capsule/english", "small_capsule", "header_image"}
	if len(got) != len(want) {
		t.Fatalf("candidateKeys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("candidateKeys[%d] = %s, want %s", i, got[i], want[i])
		}
	}

	english := candidateKeys(item.DefaultLocale)
	if len(english) != 3 || english[0] != "small_capsule/english" {
		t.Fatalf("english candidates = %v", english)
	}
}

func TestSanitizeCandidate(t *testing.T) {
	t.Parallel()

	accepted := []string{"abc.jpg", "capsule_231x87.jpg", "sub/dir.jpg"}
	for _, name := range accepted {
		if !sanitizeCandidate(name) {
			t.Fatalf("expected %q accepted", name)
		}
	}

	rejected := []string{
		"",
		"../escape.jpg",
		"a/../b.jpg",
		"https://evil.example.net/x.jpg",
		"/etc/passwd",
		"c:\\windows\\x.jpg",
		"dir\\file.jpg",
	}
	for _, name := range rejected {
		if sanitizeCandidate(name) {
			t.Fatalf("expected %q rejected", name)
		}
	}
}

func TestCacheFileName(t *testing.T) {
	t.Parallel()

	if got := cacheFileName(220, "english", "abc.jpg"); got != "220_english.jpg" {
		t.Fatalf("cacheFileName = %s", got)
	}
	if got := cacheFileName(220, "german", "header.png"); got != "220_german.png" {
		t.Fatalf("cacheFileName = %s", got)
	}
	// Extensionless sources default to .jpg.
	if got := cacheFileName(7, "english", "capsule"); got != "7_english.jpg" {
		t.Fatalf("cacheFileName = %s", got)
	}
}
