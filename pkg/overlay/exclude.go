package overlay

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Matcher decides which entries are left out of the output tree.
type Matcher struct {
	patterns []string
}

// NewMatcher validates doublestar patterns such as ".*", "tests" or
// "**/__pycache__/**".
func NewMatcher(patterns []string) (*Matcher, error) {
	out := make([]string, 0, len(patterns))
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid exclusion pattern %q", p)
		}
		out = append(out, p)
	}
	return &Matcher{patterns: out}, nil
}

// Match reports whether rel, a slash-separated path relative to the output
// root, or its base name matches any pattern.
func (m *Matcher) Match(rel string) bool {
	if m == nil {
		return false
	}
	base := path.Base(rel)
	for _, p := range m.patterns {
		if ok, err := doublestar.Match(p, rel); err == nil && ok {
			return true
		}
		if ok, err := doublestar.Match(p, base); err == nil && ok {
			return true
		}
	}
	return false
}
