// Package security contains path containment checks used by the HTTP API
// before any user-supplied path is read from or written to disk.
package security

import (
	"fmt"
	"path/filepath"
	"strings"
)

// canonicalize resolves p to its symlink-free absolute form. When p does not
// exist yet, the longest existing ancestor is resolved instead and the
// remaining components are appended, so a symlinked parent cannot carry the
// path outside its apparent directory.
func canonicalize(p string) (string, error) {
	abs, err := filepath.Abs(filepath.Clean(p))
	if err != nil {
		return "", fmt.Errorf("resolving absolute path: %w", err)
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	cur := abs
	for {
		parent := filepath.Dir(cur)
		if parent == cur {
			// Hit the filesystem root without finding an existing ancestor.
			return abs, nil
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			rel, err := filepath.Rel(parent, abs)
			if err != nil {
				return abs, nil
			}
			return filepath.Join(resolved, rel), nil
		}
		cur = parent
	}
}

// ValidatePathWithinDirectory rejects paths that resolve outside root. Both
// sides are canonicalized first, so neither ".." components nor symlinks can
// escape the root. The root itself must exist.
func ValidatePathWithinDirectory(path, root string) error {
	canonical, err := canonicalize(path)
	if err != nil {
		return err
	}

	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolving root path: %w", err)
	}
	canonicalRoot, err := filepath.EvalSymlinks(absRoot)
	if err != nil {
		return fmt.Errorf("resolving root symlinks: %w", err)
	}

	rel, err := filepath.Rel(canonicalRoot, canonical)
	if err != nil {
		return fmt.Errorf("path is outside %s: %w", root, err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return fmt.Errorf("path traversal detected: %s escapes %s", path, root)
	}
	return nil
}

// ValidatePathWithinAllowedDirs accepts a path if it lies within any of the
// given directories.
func ValidatePathWithinAllowedDirs(path string, allowed []string) error {
	if len(allowed) == 0 {
		return fmt.Errorf("no allowed directories specified")
	}
	for _, dir := range allowed {
		if err := ValidatePathWithinDirectory(path, dir); err == nil {
			return nil
		}
	}
	return fmt.Errorf("path must be within one of: %v", allowed)
}

// SanitizeFilename reduces an arbitrary identifier to a filename-safe form.
// Anything outside ASCII letters, digits, dot, underscore and dash becomes a
// single underscore, and the result is capped at 128 characters. Used when
// region names end up in filenames and download headers.
func SanitizeFilename(s string) string {
	const maxLen = 128
	var b strings.Builder
	underscore := false
	for _, r := range s {
		if b.Len() >= maxLen {
			break
		}
		switch {
		case (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9'),
			r == '.', r == '_', r == '-':
			b.WriteRune(r)
			underscore = false
		default:
			if !underscore {
				b.WriteRune('_')
				underscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "unknown"
	}
	return out
}
