package artwork

import (
	"strings"

	"github.com/bbfox0703/AchievoLab-sub003/pkg/item"
)

// Metadata keys probed in order when resolving a cover source. The
// locale-specific small art key is preferred, then its english variant,
// then progressively lower-fidelity generic keys.
const (
	smallArtKeyPrefix = "small_capsule/"
	genericSmallKey   = "small_capsule"
	genericHeaderKey  = "header_image"
)

// lastResortName is the conventional small-capsule file name used when
// the metadata source offers no usable candidate.
const lastResortName = "capsule_231x87.jpg"

// candidateKeys returns the ordered metadata keys for (id, locale).
func candidateKeys(locale item.Locale) []string {
	keys := make([]string, 0, 4)
	if locale != item.DefaultLocale {
		keys = append(keys, smallArtKeyPrefix+string(locale))
	}
	keys = append(keys,
		smallArtKeyPrefix+string(item.DefaultLocale),
		genericSmallKey,
		genericHeaderKey,
	)
	return keys
}

// sanitizeCandidate accepts only a bare file name. Values carrying
// traversal sequences, an embedded scheme or host, backslashes, or a
// drive separator could redirect the fetch outside the intended origin
// and are rejected.
func sanitizeCandidate(name string) bool {
	if name == "" {
		return false
	}
	if strings.Contains(name, "..") {
		return false
	}
	if strings.Contains(name, ":") {
		return false
	}
	if strings.HasPrefix(name, "/") {
		return false
	}
	if strings.Contains(name, "\\") {
		return false
	}
	return true
}

// resolveSource picks the file name to fetch for (id, locale): the
// first metadata candidate that exists and sanitizes cleanly, or the
// last-resort name when every candidate is absent or rejected. The
// second return reports whether the winning candidate was specific to
// the requested locale; when it was not, a non-english request is a
// deliberate fallback and serves the english file instead of fetching
// its own copy.
func (m *Manager) resolveSource(id item.ID, locale item.Locale) (string, bool) {
	for i, key := range candidateKeys(locale) {
		value, ok := m.oracle.Metadata(id, key)
		if !ok || value == "" {
			continue
		}
		if !sanitizeCandidate(value) {
			m.logger.Warnf("artwork: rejecting unsafe candidate %q for item %d key %s", value, id, key)
			continue
		}
		// Only the first key targets the requested locale itself.
		return value, locale != item.DefaultLocale && i == 0
	}
	return lastResortName, false
}

// sourceURL builds the final fetch URL for an item's file name.
func (m *Manager) sourceURL(id item.ID, name string) string {
	return strings.TrimRight(m.cfg.MediaBaseURL, "/") + "/" + id.String() + "/" + name
}
