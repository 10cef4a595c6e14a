// Package pathguard keeps caller-supplied local paths inside the
// workspace and turns free-form names into filesystem-safe identifiers.
package pathguard

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// MaxIdentifierLength bounds sanitized run identifiers.
const MaxIdentifierLength = 80

var (
	ErrPathEscape      = errors.New("path escapes workspace")
	ErrEmptyIdentifier = errors.New("identifier is empty after sanitization")
)

var (
	unsafeRun = regexp.MustCompile(`[^a-z0-9._-]+`)
	hyphenRun = regexp.MustCompile(`-+`)
	slashRun  = regexp.MustCompile(`/+`)
)

// IsInside reports whether candidate is root itself or nested under it.
// Both paths are made absolute before comparison.
func IsInside(root, candidate string) bool {
	base, err := filepath.Abs(root)
	if err != nil {
		return false
	}
	target, err := filepath.Abs(candidate)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(base, target)
	if err != nil {
		return false
	}
	if rel == "." {
		return true
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && !filepath.IsAbs(rel)
}

// ResolveInside resolves candidate against root (absolute candidates are
// taken as-is) and returns the cleaned absolute path.  It fails with
// ErrPathEscape when the result is not root or a descendant of root.
func ResolveInside(root, candidate string) (string, error) {
	base, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("resolving root %s: %w", root, err)
	}
	resolved := candidate
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(base, resolved)
	}
	resolved = filepath.Clean(resolved)

	if !IsInside(base, resolved) {
		return "", fmt.Errorf("%w: %s (root %s)", ErrPathEscape, candidate, base)
	}
	return resolved, nil
}

// SanitizeIdentifier lower-cases input, collapses every run of characters
// outside [a-z0-9._-] into one hyphen, trims hyphens from both ends and
// truncates to MaxIdentifierLength.  Results made only of dots are
// rejected because they name a parent or current directory.
func SanitizeIdentifier(input string) (string, error) {
	safe := unsafeRun.ReplaceAllString(strings.ToLower(input), "-")
	safe = hyphenRun.ReplaceAllString(safe, "-")
	safe = strings.Trim(safe, "-")
	if len(safe) > MaxIdentifierLength {
		safe = safe[:MaxIdentifierLength]
	}
	if strings.Trim(safe, ".") == "" {
		return "", fmt.Errorf("%w: %q", ErrEmptyIdentifier, input)
	}
	return safe, nil
}

// RemoteJoin joins remote POSIX path segments.  Blank segments are dropped,
// backslashes become slashes and repeated slashes collapse.  A leading "~"
// is preserved so the remote shell can expand it.
func RemoteJoin(parts ...string) string {
	cleaned := make([]string, 0, len(parts))
	for _, p := range parts {
		if strings.TrimSpace(p) == "" {
			continue
		}
		cleaned = append(cleaned, strings.ReplaceAll(p, `\`, "/"))
	}
	return slashRun.ReplaceAllString(strings.Join(cleaned, "/"), "/")
}
