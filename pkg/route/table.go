package route

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/params"
)

const (
	literalScore = 10
	paramScore   = 5
)

type segment struct {
	literal string // lower-cased
	param   string
	isParam bool
}

type parameterized struct {
	endpoint *Endpoint
	segments []segment
}

// Table is an immutable snapshot of every configured endpoint.
type Table struct {
	exact         map[string][]*Endpoint
	parameterized []parameterized
	endpoints     []*Endpoint
	basePath      string
}

// Build indexes cfg.Routes. Invalid routes are skipped and reported; the
// returned table is always usable.
func Build(cfg *config.Config) (*Table, []error) {
	t := &Table{
		exact:    make(map[string][]*Endpoint),
		basePath: strings.ToLower(Normalize(cfg.Server.BasePath)),
	}

	var errs []error
	for i := range cfg.Routes {
		rc := &cfg.Routes[i]
		e, warnings, err := NewEndpoint(cfg, rc, i)
		for _, w := range warnings {
			errs = append(errs, fmt.Errorf("route %q: %w", rc.Name, w))
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("route %d (%q) skipped: %w", i, rc.Name, err))
			continue
		}

		segPattern, err := params.CompileOr(cfg.Patterns(rc).Segment, config.DefaultSegmentPattern)
		if err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", rc.Name, err))
		}

		t.add(e, segPattern)
	}
	return t, errs
}

func (t *Table) add(e *Endpoint, segPattern *regexp.Regexp) {
	t.endpoints = append(t.endpoints, e)

	raw := Segments(e.Path)
	segs := make([]segment, len(raw))
	hasParam := false
	idx := segPattern.SubexpIndex(params.GroupName)
	for i, s := range raw {
		if m := segPattern.FindStringSubmatch(s); m != nil && idx >= 0 && m[idx] != "" {
			segs[i] = segment{param: m[idx], isParam: true}
			hasParam = true
			continue
		}
		segs[i] = segment{literal: strings.ToLower(s)}
	}

	if !hasParam {
		key := strings.ToLower(e.Path)
		t.exact[key] = append(t.exact[key], e)
		return
	}
	t.parameterized = append(t.parameterized, parameterized{endpoint: e, segments: segs})
}

// Endpoints returns every endpoint in registration order.
func (t *Table) Endpoints() []*Endpoint {
	return t.endpoints
}

// Len returns the number of endpoints.
func (t *Table) Len() int {
	return len(t.endpoints)
}

// Resolve returns the best endpoint for path and verb, with the values of its
// parameter segments. ok is false when nothing matches.
//
// Exact routes are tried first: a verb-specific entry beats a verb-agnostic
// one. Otherwise parameterized routes with the same segment count are scored
// (10 per literal match, 5 per parameter); the highest score wins. Ties go to
// a verb-specific route over a verb-agnostic one, then to registration order.
func (t *Table) Resolve(path, verb string) (*Endpoint, map[string]string, bool) {
	segs, ok := t.trimBase(Segments(path))
	if !ok {
		return nil, nil, false
	}
	verb = strings.ToUpper(verb)

	key := strings.ToLower(strings.Join(segs, "/"))
	var wildcard *Endpoint
	for _, e := range t.exact[key] {
		if e.AnyVerb() {
			if wildcard == nil {
				wildcard = e
			}
			continue
		}
		if e.Allows(verb) {
			return e, map[string]string{}, true
		}
	}
	if wildcard != nil {
		return wildcard, map[string]string{}, true
	}

	lower := make([]string, len(segs))
	for i, s := range segs {
		lower[i] = strings.ToLower(s)
	}

	var (
		best      *parameterized
		bestScore = 0
	)
	for i := range t.parameterized {
		c := &t.parameterized[i]
		if !c.endpoint.Allows(verb) || len(c.segments) != len(segs) {
			continue
		}
		score := c.score(lower)
		switch {
		case score <= 0:
		case score > bestScore:
			best, bestScore = c, score
		case score == bestScore && best.endpoint.AnyVerb() && !c.endpoint.AnyVerb():
			best = c
		}
	}
	if best == nil {
		return nil, nil, false
	}

	values := make(map[string]string)
	for i, s := range best.segments {
		if s.isParam {
			values[s.param] = segs[i]
		}
	}
	return best.endpoint, values, true
}

// score returns -1 when a literal segment mismatches.
func (c *parameterized) score(lower []string) int {
	score := 0
	for i, s := range c.segments {
		switch {
		case s.isParam:
			score += paramScore
		case s.literal == lower[i]:
			score += literalScore
		default:
			return -1
		}
	}
	return score
}

// trimBase strips the base path from segs. ok is false when segs lie
// outside it.
func (t *Table) trimBase(segs []string) (rest []string, ok bool) {
	if t.basePath == "" {
		return segs, true
	}
	base := Segments(t.basePath)
	if len(segs) < len(base) {
		return nil, false
	}
	for i, b := range base {
		if strings.ToLower(segs[i]) != b {
			return nil, false
		}
	}
	return segs[len(base):], true
}
