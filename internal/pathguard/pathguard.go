// Package pathguard resolves user supplied paths against a fixed set of
// allowed root directories. Every comparison is made between canonical
// (absolute, cleaned, symlink free) paths.
package pathguard

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxPathLength caps the raw input accepted by Resolve.
const MaxPathLength = 4096

// Reason is the fixed, path free explanation returned on rejection.
type Reason string

const (
	ReasonNone                      Reason = ""
	ReasonInvalidInput              Reason = "invalid_input"
	ReasonNotFound                  Reason = "not_found"
	ReasonOutsideAllowedDirectories Reason = "outside_allowed_directories"
)

// Guard holds the canonical allowed roots, computed once at process start.
type Guard struct {
	roots []string
}

// New canonicalizes roots. A root that cannot be resolved is a configuration error.
func New(roots []string) (*Guard, error) {
	if len(roots) == 0 {
		return nil, errors.New("pathguard: no allowed roots configured")
	}

	canonical := make([]string, 0, len(roots))

	for i, r := range roots {
		c, err := canonicalize(r)
		if err != nil {
			return nil, fmt.Errorf("pathguard: allowed root #%d: %w", i, err)
		}

		info, err := os.Stat(c)
		if err != nil {
			return nil, fmt.Errorf("pathguard: allowed root #%d: %w", i, err)
		}

		if !info.IsDir() {
			return nil, fmt.Errorf("pathguard: allowed root #%d is not a directory", i)
		}

		canonical = append(canonical, c)
	}

	return &Guard{roots: canonical}, nil
}

// Roots returns a copy of the canonical roots.
func (g *Guard) Roots() []string {
	out := make([]string, len(g.roots))
	copy(out, g.roots)

	return out
}

// Resolve canonicalizes rawPath and accepts it iff it is one of the roots or lies below one.
func (g *Guard) Resolve(rawPath string) (string, bool, Reason) {
	if !validInput(rawPath) {
		return "", false, ReasonInvalidInput
	}

	resolved, err := canonicalize(rawPath)
	if err != nil {
		// a missing path only reports not_found when it would have been inside a root,
		// so existence outside the roots is never disclosed
		if errors.Is(err, os.ErrNotExist) && g.lexicallyContains(rawPath) {
			return "", false, ReasonNotFound
		}

		// permission errors, symlink loops and the like never count as safe
		return "", false, ReasonOutsideAllowedDirectories
	}

	if !g.Contains(resolved) {
		return "", false, ReasonOutsideAllowedDirectories
	}

	return resolved, true, ReasonNone
}

// Contains reports whether the canonical path p is equal to or below a root.
// p must already be canonical; callers holding raw input use Resolve.
func (g *Guard) Contains(p string) bool {
	for _, root := range g.roots {
		if within(root, p) {
			return true
		}
	}

	return false
}

func (g *Guard) lexicallyContains(rawPath string) bool {
	abs, err := filepath.Abs(rawPath)
	if err != nil {
		return false
	}

	return g.Contains(abs)
}

// Overlaps reports whether dir (canonicalized here) is inside a root or contains one.
// dir does not need to exist yet: its deepest existing ancestor is canonicalized
// and the missing components are appended.
func (g *Guard) Overlaps(dir string) (bool, error) {
	c, err := canonicalizePrefix(dir)
	if err != nil {
		return false, err
	}

	for _, root := range g.roots {
		if within(root, c) || within(c, root) {
			return true, nil
		}
	}

	return false, nil
}

// Resolve is the stateless form: roots are canonicalized on every call exactly like the candidate.
func Resolve(rawPath string, allowedRoots []string) (string, bool, Reason) {
	if !validInput(rawPath) {
		return "", false, ReasonInvalidInput
	}

	roots := make([]string, 0, len(allowedRoots))

	for _, r := range allowedRoots {
		if !validInput(r) {
			continue
		}

		if c, err := canonicalize(r); err == nil {
			roots = append(roots, c)
		}
	}

	if len(roots) == 0 {
		return "", false, ReasonOutsideAllowedDirectories
	}

	return (&Guard{roots: roots}).Resolve(rawPath)
}

func validInput(p string) bool {
	if p == "" || len(p) > MaxPathLength {
		return false
	}

	if !utf8.ValidString(p) || strings.ContainsRune(p, 0) {
		return false
	}

	return strings.TrimSpace(p) != ""
}

func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	return filepath.EvalSymlinks(abs)
}

func canonicalizePrefix(p string) (string, error) {
	existing, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}

	var missing []string

	for {
		c, err := filepath.EvalSymlinks(existing)
		if err == nil {
			return filepath.Join(append([]string{c}, missing...)...), nil
		}

		parent := filepath.Dir(existing)
		if !errors.Is(err, os.ErrNotExist) || parent == existing {
			return "", err
		}

		missing = append([]string{filepath.Base(existing)}, missing...)
		existing = parent
	}
}

func within(root, p string) bool {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return false
	}

	if rel == "." {
		return true
	}

	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}
