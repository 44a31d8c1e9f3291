// Package ignore decides which filenames the sync engine must never touch:
// editor lock files, partial downloads, OS metadata and anything matching the
// user-configured glob patterns.
package ignore

import (
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Default prefixes and suffixes cover the usual temp-file zoo. The ".nxpart"
// suffix is ours: partial downloads in progress.
var (
	DefaultPrefixes = []string{".", "~$", "Thumbs.db", "Icon\r"}
	DefaultSuffixes = []string{".tmp", ".part", ".partial", ".lock", ".swp", ".crdownload", ".bak", ".LOCK", ".nxpart", "~"}
)

// Matcher holds the ignored-name configuration. The zero value matches
// nothing; use NewMatcher for the defaults.
type Matcher struct {
	prefixes []string
	suffixes []string
	patterns []string
}

// NewMatcher builds a matcher from the default sets plus extra doublestar
// patterns matched against the workspace-relative path.
func NewMatcher(patterns ...string) *Matcher {
	return &Matcher{
		prefixes: DefaultPrefixes,
		suffixes: DefaultSuffixes,
		patterns: patterns,
	}
}

// NewMatcherWith builds a matcher from explicit prefix/suffix sets.
func NewMatcherWith(prefixes, suffixes, patterns []string) *Matcher {
	return &Matcher{prefixes: prefixes, suffixes: suffixes, patterns: patterns}
}

// IgnoredName reports whether a bare filename must be skipped.
func (m *Matcher) IgnoredName(name string) bool {
	for _, p := range m.prefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, s := range m.suffixes {
		if strings.HasSuffix(name, s) {
			return true
		}
	}
	return false
}

// IgnoredPath reports whether a workspace-relative path must be skipped:
// either any of its components has an ignored name, or the full path matches
// one of the configured glob patterns.
func (m *Matcher) IgnoredPath(rel string) bool {
	rel = strings.TrimPrefix(rel, "/")
	for _, part := range strings.Split(rel, "/") {
		if part != "" && m.IgnoredName(part) {
			return true
		}
	}
	for _, pattern := range m.patterns {
		if ok, err := doublestar.Match(pattern, rel); err == nil && ok {
			return true
		}
		// Also match against the basename so "*.iso" works at any depth.
		if ok, err := doublestar.Match(pattern, path.Base(rel)); err == nil && ok {
			return true
		}
	}
	return false
}
