package event

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// Ref patterns use glob syntax: `*` matches any run of characters except `/`,
// `**` additionally crosses `/`, `?` matches a single character, and
// `[...]` matches a character class. Patterns anchor to the whole name.
//
// Compiled patterns are cached; trigger filters evaluate the same handful of
// patterns for every incoming event.

var (
	patternMu    sync.RWMutex
	patternCache = map[string]*regexp.Regexp{}
)

// MatchRef reports whether name matches the glob pattern. Invalid patterns
// never match; ValidatePattern surfaces them at workflow load time.
func MatchRef(pattern, name string) bool {
	re, err := compilePattern(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(name)
}

// MatchAny reports whether name matches at least one of the patterns.
// An empty pattern list matches everything, mirroring trigger filter
// semantics where an absent filter means "all refs".
func MatchAny(patterns []string, name string) bool {
	if len(patterns) == 0 {
		return true
	}
	for _, p := range patterns {
		if MatchRef(p, name) {
			return true
		}
	}
	return false
}

// ValidatePattern checks that a glob pattern is well-formed.
func ValidatePattern(pattern string) error {
	_, err := compilePattern(pattern)
	return err
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	patternMu.RLock()
	re, ok := patternCache[pattern]
	patternMu.RUnlock()
	if ok {
		return re, nil
	}

	src, err := globToRegexp(pattern)
	if err != nil {
		return nil, err
	}
	re, err = regexp.Compile(src)
	if err != nil {
		return nil, fmt.Errorf("invalid ref pattern %q: %w", pattern, err)
	}

	patternMu.Lock()
	patternCache[pattern] = re
	patternMu.Unlock()
	return re, nil
}

func globToRegexp(pattern string) (string, error) {
	var b strings.Builder
	b.WriteString("^")

	runes := []rune(pattern)
	for i := 0; i < len(runes); i++ {
		switch c := runes[i]; c {
		case '*':
			if i+1 < len(runes) && runes[i+1] == '*' {
				b.WriteString(".*")
				i++
			} else {
				b.WriteString("[^/]*")
			}
		case '?':
			b.WriteString("[^/]")
		case '[':
			end := -1
			for j := i + 1; j < len(runes); j++ {
				if runes[j] == ']' && j > i+1 {
					end = j
					break
				}
			}
			if end < 0 {
				return "", fmt.Errorf("invalid ref pattern %q: unclosed character class", pattern)
			}
			class := string(runes[i : end+1])
			if strings.HasPrefix(class, "[!") {
				class = "[^" + class[2:]
			}
			b.WriteString(class)
			i = end
		case '.', '+', '(', ')', '|', '^', '$', '{', '}', '\\':
			b.WriteString(`\`)
			b.WriteRune(c)
		default:
			b.WriteRune(c)
		}
	}

	b.WriteString("$")
	return b.String(), nil
}
