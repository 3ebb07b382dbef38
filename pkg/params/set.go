// Package params extracts request parameters from their sources and binds
// them into SQL templates.
package params

import (
	"encoding/json"
	"regexp"
	"slices"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/util"
)

// Absent is the synthetic key carried by every set so an empty source is
// distinguishable from one that was never consulted.
const Absent = "\x00sqlgate:absent\x00"

// Source names where a set's values came from.
type Source string

const (
	SourceHeaders Source = "headers"
	SourceJSON    Source = "json"
	SourceForm    Source = "form"
	SourceQuery   Source = "query"
	SourceRoute   Source = "route"
	SourceClaims  Source = "claims"
	SourceFiles   Source = "files"
)

// Priority ranks sources for sets that share a delimiter pattern. Higher wins.
func (s Source) Priority() int {
	switch s {
	case SourceFiles:
		return 70
	case SourceClaims:
		return 60
	case SourceHeaders:
		return 50
	case SourceJSON:
		return 40
	case SourceForm:
		return 30
	case SourceQuery:
		return 20
	case SourceRoute:
		return 10
	}
	return 0
}

// MultiValueSeparator joins repeated header, form and query values.
const MultiValueSeparator = "|"

// RawJSONName addresses the raw JSON body when the body has no property of that name.
const RawJSONName = "json"

// Set is one source's parameters plus the pattern that addresses them.
type Set struct {
	Values   map[string]string
	Document map[string]any // structured sources (JSON body, claims)
	Pattern  *regexp.Regexp
	Source   Source
	Raw      string
	// FoldCase makes lookups case-insensitive (headers).
	FoldCase bool
}

// NewSet returns an empty set carrying the absent marker.
func NewSet(src Source, pattern *regexp.Regexp) *Set {
	return &Set{
		Source:  src,
		Pattern: pattern,
		Values:  map[string]string{Absent: ""},
	}
}

// Add stores value under name, joining with previous values.
func (s *Set) Add(name, value string) {
	if s.FoldCase {
		name = strings.ToLower(name)
	}
	if prev, ok := s.Values[name]; ok {
		s.Values[name] = prev + MultiValueSeparator + value
		return
	}
	s.Values[name] = value
}

// Empty reports whether the set carries nothing but the absent marker.
func (s *Set) Empty() bool {
	return len(s.Values) <= 1 && s.Document == nil && s.Raw == ""
}

// Has reports whether name resolves in this set.
func (s *Set) Has(name string) bool {
	_, ok := s.Lookup(name)
	return ok
}

// Lookup resolves name. Flat values are consulted first, then dotted paths
// into Document. Structured values (objects, arrays) come back as JSON text
// and JSON null comes back as nil.
func (s *Set) Lookup(name string) (any, bool) {
	if name == "" || name == Absent {
		return nil, false
	}
	key := name
	if s.FoldCase {
		key = strings.ToLower(name)
	}
	if v, ok := s.Values[key]; ok {
		return v, true
	}
	if s.Document != nil {
		if v, ok := s.Document[name]; ok {
			return scalar(v), true
		}
		if strings.ContainsAny(name, ".[") {
			if v, err := util.Jq(s.Document, name); err == nil {
				return scalar(v), true
			}
		}
	}
	if s.Source == SourceJSON && name == RawJSONName && s.Raw != "" {
		return s.Raw, true
	}
	return nil, false
}

func scalar(v any) any {
	switch t := v.(type) {
	case nil, string, bool:
		return t
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case float64, int64, int:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(b)
	}
}

// Present reports whether name resolves in any of sets.
func Present(sets []*Set, name string) bool {
	for _, s := range sets {
		if s.Has(name) {
			return true
		}
	}
	return false
}

// Missing returns the names from required that templates cannot bind. A
// name the templates address must be present in a set sharing one of the
// delimiters it is addressed with; a name they never address may come from
// any set.
func Missing(sets []*Set, required []string, templates ...string) []string {
	used := map[string][]*regexp.Regexp{}
	patterns := patternsOf(sets)
	for _, tpl := range templates {
		for _, m := range placeholders(tpl, patterns) {
			if !slices.Contains(used[m.name], m.pattern) {
				used[m.name] = append(used[m.name], m.pattern)
			}
		}
	}

	var missing []string
	for _, name := range required {
		pats, addressed := used[name]
		if !addressed {
			if !Present(sets, name) {
				missing = append(missing, name)
			}
			continue
		}
		found := false
		for _, s := range sets {
			if slices.Contains(pats, s.Pattern) && s.Has(name) {
				found = true
				break
			}
		}
		if !found {
			missing = append(missing, name)
		}
	}
	return missing
}
