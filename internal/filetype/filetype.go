// Package filetype normalizes short extension tokens such as ".iso" or "nsp".
package filetype

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxLength is the longest normalized extension accepted, leading dot included.
const MaxLength = 10

// Normalize trims and lowercases value and guarantees a single leading dot.
// Only [a-z0-9.-] is accepted.
func Normalize(value string) (string, bool) {
	if !utf8.ValidString(value) {
		return "", false
	}

	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		return "", false
	}

	for _, r := range v {
		if !allowed(r) {
			return "", false
		}
	}

	v = "." + strings.TrimLeft(v, ".")
	if v == "." || len(v) > MaxLength {
		return "", false
	}

	return v, true
}

// NormalizeAll normalizes every value, dropping duplicates. The error reports the
// position of the first invalid entry, never its content.
func NormalizeAll(values []string) ([]string, error) {
	out := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))

	for i, v := range values {
		n, ok := Normalize(v)
		if !ok {
			return nil, fmt.Errorf("invalid file type at position %d", i)
		}

		if _, dup := seen[n]; dup {
			continue
		}

		seen[n] = struct{}{}
		out = append(out, n)
	}

	return out, nil
}

// Set is an immutable set of normalized extensions.
type Set map[string]struct{}

// NewSet builds a Set from raw values.
func NewSet(values []string) (Set, error) {
	normalized, err := NormalizeAll(values)
	if err != nil {
		return nil, err
	}

	s := make(Set, len(normalized))
	for _, n := range normalized {
		s[n] = struct{}{}
	}

	return s, nil
}

// Has reports whether filename carries one of the extensions in the set.
func (s Set) Has(filename string) bool {
	if len(s) == 0 {
		return false
	}

	ext, ok := Normalize(filepath.Ext(filename))
	if !ok {
		return false
	}

	_, found := s[ext]

	return found
}

// Of returns the normalized extension of filename, or "" when it has none or
// it does not pass Normalize.
func Of(filename string) string {
	ext, ok := Normalize(filepath.Ext(filename))
	if !ok {
		return ""
	}

	return ext
}

func allowed(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '.' || r == '-'
}
