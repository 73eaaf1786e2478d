package mounts

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// Path validation errors. Use errors.Is to check for them.
var (
	ErrPathEmpty       = errors.New("path must not be empty")
	ErrPathControlChar = errors.New("path contains control character")
	ErrPathNotAbsolute = errors.New("path must be absolute")
	ErrPathDotDot      = errors.New("path must not contain '..' components")
	ErrPathDenied      = errors.New("path overlaps with denied tree")
)

// Extra validates additional mount paths coming from configuration. Each path
// must be absolute and clean, and must not overlap any denylisted top-level
// tree. Symlinks are resolved. It returns the resolved paths and a combined
// error of every issue found.
func Extra(paths []string, denylist []string) ([]string, error) {
	denied := make([]string, 0, len(denylist))
	for _, name := range denylist {
		denied = append(denied, "/"+name)
	}

	var errs []error
	resolved := make([]string, 0, len(paths))
	for _, p := range paths {
		r, err := resolveAndValidatePath(p, denied)
		if err != nil {
			errs = append(errs, fmt.Errorf("extra mount %q: %w", p, err))
			continue
		}
		resolved = append(resolved, r)
	}
	return resolved, errors.Join(errs...)
}

func resolveAndValidatePath(raw string, denied []string) (string, error) {
	if raw == "" {
		return "", ErrPathEmpty
	}

	for _, c := range raw {
		if c < 0x20 || c == 0x7f {
			return "", fmt.Errorf("%w (0x%02x)", ErrPathControlChar, c)
		}
	}

	if !filepath.IsAbs(raw) {
		return "", ErrPathNotAbsolute
	}

	if slices.Contains(strings.Split(raw, string(filepath.Separator)), "..") {
		return "", ErrPathDotDot
	}
	cleaned := filepath.Clean(raw)
	if cleaned == string(filepath.Separator) {
		return "", fmt.Errorf("%w: the host root", ErrPathDenied)
	}

	// Unresolvable paths are kept as-is; wazero reports them at mount time.
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err != nil {
		resolved = cleaned
	}

	for _, d := range denied {
		if pathOverlaps(resolved, d) {
			return "", fmt.Errorf("%w %q", ErrPathDenied, d)
		}
	}
	return resolved, nil
}

// pathOverlaps reports whether a and b are equal, or one contains the other.
func pathOverlaps(a, b string) bool {
	a = filepath.Clean(a)
	b = filepath.Clean(b)

	if a == b {
		return true
	}

	aSlash := a + string(filepath.Separator)
	bSlash := b + string(filepath.Separator)
	return strings.HasPrefix(aSlash, bSlash) || strings.HasPrefix(bSlash, aSlash)
}
