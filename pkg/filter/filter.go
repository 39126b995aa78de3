// Package filter narrows log file listings by file name.
//
// Matchers are small strategy objects: callers do not need to know whether a
// pattern was a glob or a regular expression, only that it can Match a name.
package filter

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"
	"github.com/jmgilman/go/errors"
)

// RegexpPrefix selects regular expression syntax in Parse.
const RegexpPrefix = "re:"

// Matcher decides whether a file name is selected.
type Matcher interface {
	Match(name string) bool
	String() string
}

// ErrInvalidPattern is the sentinel wrapped by every pattern syntax error.
var ErrInvalidPattern = errors.New(errors.CodeInvalidInput, "invalid file name pattern")

type globMatcher struct {
	pattern string
	g       glob.Glob
}

// Glob compiles a shell-style pattern (*, ?, [abc], {a,b}) matched against
// the whole file name.
func Glob(pattern string) (Matcher, error) {
	// No separators: '*' must be able to span any character, including '/'.
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, invalid(pattern, err)
	}
	return &globMatcher{pattern: pattern, g: g}, nil
}

func (m *globMatcher) Match(name string) bool { return m.g.Match(name) }
func (m *globMatcher) String() string         { return m.pattern }

type regexpMatcher struct {
	pattern string
	re      *regexp.Regexp
}

// Regexp compiles a regular expression that must match the whole file name.
func Regexp(pattern string) (Matcher, error) {
	re, err := regexp.Compile(`^(?:` + pattern + `)$`)
	if err != nil {
		return nil, invalid(pattern, err)
	}
	return &regexpMatcher{pattern: pattern, re: re}, nil
}

func (m *regexpMatcher) Match(name string) bool { return m.re.MatchString(name) }
func (m *regexpMatcher) String() string         { return RegexpPrefix + m.pattern }

// Parse turns a user supplied pattern into a Matcher. An empty pattern yields
// a nil Matcher, which Apply treats as "select everything". Patterns starting
// with "re:" are regular expressions, everything else is a glob.
func Parse(pattern string) (Matcher, error) {
	switch {
	case pattern == "":
		return nil, nil
	case strings.HasPrefix(pattern, RegexpPrefix):
		return Regexp(strings.TrimPrefix(pattern, RegexpPrefix))
	default:
		return Glob(pattern)
	}
}

// Apply returns the names selected by m in their original order. A nil
// Matcher returns the listing unchanged.
func Apply(names []string, m Matcher) []string {
	if m == nil {
		return names
	}
	out := make([]string, 0, len(names))
	for _, name := range names {
		if m.Match(name) {
			out = append(out, name)
		}
	}
	return out
}

func invalid(pattern string, cause error) error {
	return errors.WithContext(
		errors.Wrap(fmt.Errorf("%w: %v", ErrInvalidPattern, cause), errors.CodeInvalidInput,
			fmt.Sprintf("cannot compile pattern %q", pattern)),
		"pattern", pattern,
	)
}
