package params

import (
	"fmt"
	"regexp"
	"sync"

	"github.com/edgeflare/sqlgate/pkg/config"
)

// GroupName is the capture group every delimiter pattern must define.
const GroupName = "param"

// Patterns holds one compiled delimiter pattern per parameter source.
type Patterns struct {
	Headers *regexp.Regexp
	JSON    *regexp.Regexp
	Form    *regexp.Regexp
	Query   *regexp.Regexp
	Route   *regexp.Regexp
	Claims  *regexp.Regexp
}

var compiled sync.Map // pattern text -> *regexp.Regexp

// Compile compiles expr and checks it exposes the param group. Identical
// expressions share one *regexp.Regexp so sets can be grouped by pointer.
func Compile(expr string) (*regexp.Regexp, error) {
	if re, ok := compiled.Load(expr); ok {
		return re.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile(expr)
	if err != nil {
		return nil, err
	}
	if re.SubexpIndex(GroupName) < 0 {
		return nil, fmt.Errorf("pattern %q has no (?P<%s>...) group", expr, GroupName)
	}
	actual, _ := compiled.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// CompileOr compiles expr, falling back to the compiled fallback when expr is
// empty or unusable. The returned error reports an unusable expr.
func CompileOr(expr, fallback string) (*regexp.Regexp, error) {
	if expr == "" {
		expr = fallback
	}
	re, err := Compile(expr)
	if err == nil {
		return re, nil
	}
	def, derr := Compile(fallback)
	if derr != nil {
		panic(derr)
	}
	return def, fmt.Errorf("invalid delimiter pattern, using default: %w", err)
}

// CompilePatterns compiles p, substituting the built-in default for each
// unusable entry.
func CompilePatterns(p config.PatternsConfig) (Patterns, []error) {
	def := config.DefaultPatterns()
	var errs []error
	must := func(expr, fallback string) *regexp.Regexp {
		re, err := CompileOr(expr, fallback)
		if err != nil {
			errs = append(errs, err)
		}
		return re
	}
	return Patterns{
		Headers: must(p.Headers, def.Headers),
		JSON:    must(p.JSON, def.JSON),
		Form:    must(p.Form, def.Form),
		Query:   must(p.Query, def.Query),
		Route:   must(p.Route, def.Route),
		Claims:  must(p.Claims, def.Claims),
	}, errs
}

// DefaultPatterns returns the built-in patterns compiled.
func DefaultPatterns() Patterns {
	p, _ := CompilePatterns(config.DefaultPatterns())
	return p
}
