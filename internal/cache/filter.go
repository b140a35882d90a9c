package cache

import (
	"fmt"
	"regexp"
)

// ModelFilter lists models whose responses are never stored for replay,
// by exact name or regular expression. A nil *ModelFilter matches nothing.
type ModelFilter struct {
	exact    map[string]struct{}
	patterns []*regexp.Regexp
}

// NewModelFilter compiles patterns; an invalid one is an error so bad
// configuration fails at startup.
func NewModelFilter(exact, patterns []string) (*ModelFilter, error) {
	f := &ModelFilter{exact: make(map[string]struct{}, len(exact))}
	for _, e := range exact {
		if e != "" {
			f.exact[e] = struct{}{}
		}
	}
	for _, p := range patterns {
		if p == "" {
			continue
		}
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("cache: model filter: invalid pattern %q: %w", p, err)
		}
		f.patterns = append(f.patterns, re)
	}
	return f, nil
}

// Matches reports whether any of names is filtered. Callers pass the
// requested name together with the resolved slugs.
func (f *ModelFilter) Matches(names ...string) bool {
	if f == nil {
		return false
	}
	for _, n := range names {
		if _, ok := f.exact[n]; ok {
			return true
		}
		for _, re := range f.patterns {
			if re.MatchString(n) {
				return true
			}
		}
	}
	return false
}

func (f *ModelFilter) Len() int {
	if f == nil {
		return 0
	}
	return len(f.exact) + len(f.patterns)
}
