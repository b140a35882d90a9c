package routing

import (
	"regexp"
	"sync"
	"time"

	"github.com/nulpointcorp/llm-router/internal/catalog"
)

// Context is what routing conditions are evaluated against.
type Context struct {
	OrganizationID string
	TeamID         string
	EnvironmentID  string

	// Model is the name the caller asked for. ModelSlugs holds the slugs it
	// resolved to (provider model and shared model); conditions match any
	// of them.
	Model      string
	ModelSlugs []string

	Region   string
	UserTier string

	// InputSize is the request body length in bytes.
	InputSize int64
	Metadata  map[string]string

	// Now is the evaluation time; zero means time.Now.
	Now time.Time
}

func (rc *Context) now() time.Time {
	if rc.Now.IsZero() {
		return time.Now()
	}
	return rc.Now
}

func (rc *Context) names() []string {
	out := make([]string, 0, 1+len(rc.ModelSlugs))
	if rc.Model != "" {
		out = append(out, rc.Model)
	}
	return append(out, rc.ModelSlugs...)
}

var patterns sync.Map // string -> *regexp.Regexp, nil for invalid

func compile(pattern string) *regexp.Regexp {
	if v, ok := patterns.Load(pattern); ok {
		return v.(*regexp.Regexp)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		re = nil
	}
	patterns.Store(pattern, re)
	return re
}

// Matches reports whether every field set in c holds for rc. An empty
// condition matches everything; an invalid model pattern matches nothing.
func Matches(c catalog.Condition, rc *Context) bool {
	if c.Model != "" && !anyOf(rc.names(), func(n string) bool { return n == c.Model }) {
		return false
	}
	if c.ModelPattern != "" {
		re := compile(c.ModelPattern)
		if re == nil || !anyOf(rc.names(), re.MatchString) {
			return false
		}
	}
	if c.Region != "" && c.Region != rc.Region {
		return false
	}
	if c.UserTier != "" && c.UserTier != rc.UserTier {
		return false
	}
	if c.TimeOfDay != nil && !inWindow(*c.TimeOfDay, rc.now()) {
		return false
	}
	if r := c.RequestSize; r != nil {
		if r.Min != nil && rc.InputSize < *r.Min {
			return false
		}
		if r.Max != nil && rc.InputSize > *r.Max {
			return false
		}
	}
	for k, v := range c.Metadata {
		if got, ok := rc.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// inWindow checks the hour of now against an inclusive range. A start after
// the end wraps past midnight. An unknown timezone falls back to UTC.
func inWindow(w catalog.TimeWindow, now time.Time) bool {
	loc := time.UTC
	if w.Timezone != "" {
		if l, err := time.LoadLocation(w.Timezone); err == nil {
			loc = l
		}
	}
	h := now.In(loc).Hour()
	if w.Start <= w.End {
		return h >= w.Start && h <= w.End
	}
	return h >= w.Start || h <= w.End
}

func anyOf(list []string, fn func(string) bool) bool {
	for _, s := range list {
		if fn(s) {
			return true
		}
	}
	return false
}
