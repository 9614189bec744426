package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"
)

// HashString returns the hex sha256 of a string, used for cache keys and
// deterministic identifiers derived from content.
func HashString(input string) string {
	return ContentHash([]byte(input))
}

func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// TruncateAtWord shortens s to at most max bytes, cutting at the last word
// boundary inside the window so prompts never end mid-word. Returns s
// unchanged when it already fits.
func TruncateAtWord(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}

	cut := s[:max]
	if idx := strings.LastIndexFunc(cut, unicode.IsSpace); idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimRightFunc(cut, unicode.IsSpace)
}
