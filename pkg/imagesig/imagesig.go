// Package imagesig validates cached artwork files by their leading file
// signature, catching truncated downloads and HTML error pages saved
// under an image extension.
package imagesig

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Format identifies a recognized image container.
type Format int

const (
	Unknown Format = iota
	JPEG
	PNG
	ICO
	BMP
	WebP
)

// SniffLen is the prefix length needed to classify any supported format.
const SniffLen = 12

var (
	pngMagic  = []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	jpegMagic = []byte{0xFF, 0xD8, 0xFF}
	icoMagic  = []byte{0x00, 0x00, 0x01, 0x00}
	bmpMagic  = []byte{'B', 'M'}
	riffMagic = []byte{'R', 'I', 'F', 'F'}
	webpMagic = []byte{'W', 'E', 'B', 'P'}
)

// Sniff classifies the leading bytes of a file.
func Sniff(prefix []byte) Format {
	switch {
	case bytes.HasPrefix(prefix, pngMagic):
		return PNG
	case bytes.HasPrefix(prefix, jpegMagic):
		return JPEG
	case bytes.HasPrefix(prefix, icoMagic):
		return ICO
	case bytes.HasPrefix(prefix, bmpMagic):
		return BMP
	case len(prefix) >= SniffLen && bytes.HasPrefix(prefix, riffMagic) && bytes.Equal(prefix[8:12], webpMagic):
		return WebP
	default:
		return Unknown
	}
}

// FormatForExt maps a file extension to the format its signature must
// carry. Unknown extensions map to Unknown, which never matches.
func FormatForExt(ext string) Format {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return JPEG
	case ".png":
		return PNG
	case ".ico":
		return ICO
	case ".bmp":
		return BMP
	case ".webp":
		return WebP
	default:
		return Unknown
	}
}

// Matches reports whether the prefix carries the signature implied by ext.
func Matches(ext string, prefix []byte) bool {
	want := FormatForExt(ext)
	if want == Unknown {
		return false
	}
	return Sniff(prefix) == want
}

// ValidFile reads the file's leading bytes and checks them against the
// signature its extension declares. Unreadable or truncated files fail.
func ValidFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()

	prefix := make([]byte, SniffLen)
	n, err := io.ReadFull(f, prefix)
	if err != nil && err != io.ErrUnexpectedEOF {
		return false
	}
	return Matches(filepath.Ext(path), prefix[:n])
}
