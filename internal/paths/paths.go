// Package paths holds the path conventions shared by the store and its
// backends: shell-style glob matching and prefix listing rules.
//
// Paths are '/'-separated strings such as "/Instruments/AAPL_C_150".
// Glob patterns use '*' (any run of characters), '?' (one character) and
// '[...]' classes ('[!...]' negates), plus '{a,b}' alternatives and '\'
// escapes. Matching is case-sensitive and '*' is not stopped by '/', so
// "/Instruments/*" also matches deeper paths. Every backend matches through
// this package.
package paths

import (
	"fmt"
	"strings"

	"github.com/gobwas/glob"
)

// Separator splits path segments.
const Separator = "/"

// Pattern is a compiled glob.
type Pattern struct {
	source string
	g      glob.Glob
}

// Compile parses a glob pattern.
func Compile(pattern string) (*Pattern, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern %q: %w", pattern, err)
	}
	return &Pattern{source: pattern, g: g}, nil
}

// MustCompile is like Compile but panics on a malformed pattern.
func MustCompile(pattern string) *Pattern {
	p, err := Compile(pattern)
	if err != nil {
		panic(err)
	}
	return p
}

// Match reports whether path matches the pattern.
func (p *Pattern) Match(path string) bool {
	return p.g.Match(path)
}

// Prefix returns the literal text before the first special character. Every
// matching path starts with it.
func (p *Pattern) Prefix() string {
	if i := strings.IndexAny(p.source, `*?[{\`); i >= 0 {
		return p.source[:i]
	}
	return p.source
}

// String returns the source pattern.
func (p *Pattern) String() string {
	return p.source
}

// Match compiles pattern and tests path against it.
func Match(pattern, path string) (bool, error) {
	p, err := Compile(pattern)
	if err != nil {
		return false, err
	}
	return p.Match(path), nil
}

// NormalizePrefix makes prefix end with the separator so "/a" lists the
// children of "/a" and not siblings such as "/ab".
func NormalizePrefix(prefix string) string {
	if !strings.HasSuffix(prefix, Separator) {
		return prefix + Separator
	}
	return prefix
}

// UnderPrefix reports whether path lies below the normalized prefix and,
// when recursive is false, is a direct child (no further separator in the
// remainder).
func UnderPrefix(path, normalizedPrefix string, recursive bool) bool {
	rest, ok := strings.CutPrefix(path, normalizedPrefix)
	if !ok {
		return false
	}
	if recursive {
		return true
	}
	return !strings.Contains(rest, Separator)
}
