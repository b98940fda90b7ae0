// Package item holds the identifier and locale types shared by the
// catalog, ledger, and artwork caches.
package item

import (
	"errors"
	"strconv"
	"strings"
)

// ErrInvalidID is returned for identifiers that are zero or unparsable.
var ErrInvalidID = errors.New("item: invalid id")

// ID identifies one catalog item. Ids are owned by the platform's catalog
// provider; this tool only reads and writes cache state keyed by them.
type ID uint64

// ParseID parses a decimal item id. Zero is not a valid id.
func ParseID(s string) (ID, error) {
	v, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil || v == 0 {
		return 0, ErrInvalidID
	}
	return ID(v), nil
}

func (id ID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// Locale names a display-language variant, e.g. "english" or "tchinese".
type Locale string

// DefaultLocale is the universal fallback: always attempted when a
// requested locale is unavailable or suppressed by back-off.
const DefaultLocale Locale = "english"

// NormalizeLocale lowercases and trims a locale token. Empty input maps
// to DefaultLocale.
func NormalizeLocale(s string) Locale {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return DefaultLocale
	}
	return Locale(s)
}
