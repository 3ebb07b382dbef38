// Package route indexes configured endpoints and resolves inbound requests
// against them.
package route

import (
	"cmp"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/params"
)

// Shape selects how query rows are rendered.
type Shape int

const (
	ShapeAuto Shape = iota
	ShapeArray
	ShapeSingle
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeSingle:
		return "single"
	default:
		return "auto"
	}
}

// ParseShape parses array, single or auto (case-insensitive).
func ParseShape(s string) (Shape, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "auto":
		return ShapeAuto, nil
	case "array":
		return ShapeArray, nil
	case "single":
		return ShapeSingle, nil
	}
	return ShapeAuto, fmt.Errorf("unknown response structure %q", s)
}

// Kind tells query endpoints from proxy endpoints.
type Kind int

const (
	KindQuery Kind = iota
	KindProxy
)

func (k Kind) String() string {
	if k == KindProxy {
		return "proxy"
	}
	return "query"
}

// Query is the variant of an endpoint backed by a SQL template.
type Query struct {
	Template      string
	CountTemplate string
	RootKey       string
	Connection    string
	Mandatory     []string
	Timeout       time.Duration
	CacheTTL      time.Duration
	SuccessStatus int
	Shape         Shape
	// Buffered disables deferred execution: rows are fully read before writing.
	Buffered        bool
	NotFoundOnEmpty bool
}

// Proxy is the variant of an endpoint forwarded to an upstream URL.
type Proxy struct {
	Applied  map[string]string
	URL      string
	Excluded []string
	Timeout  time.Duration
	Insecure bool
}

// Endpoint is one configured route. It is immutable once built. Exactly one
// of Query and Proxy is set.
type Endpoint struct {
	Query    *Query
	Proxy    *Proxy
	Config   *config.RouteConfig
	Patterns params.Patterns
	Name     string
	// Path is the normalized route path as configured.
	Path  string
	Verbs []string
	// Order is the registration position in configuration.
	Order int
}

// Kind returns which variant e is.
func (e *Endpoint) Kind() Kind {
	if e.Proxy != nil {
		return KindProxy
	}
	return KindQuery
}

// AnyVerb reports whether e accepts every verb.
func (e *Endpoint) AnyVerb() bool {
	return len(e.Verbs) == 0
}

// Allows reports whether verb is accepted.
func (e *Endpoint) Allows(verb string) bool {
	return e.AnyVerb() || slices.Contains(e.Verbs, strings.ToUpper(verb))
}

var (
	errNoName       = errors.New("route has neither name nor route")
	errNoVariant    = errors.New("route needs a query or a proxy")
	errBothVariants = errors.New("route cannot have both a query and a proxy")
)

// NewEndpoint validates rc against cfg and builds an Endpoint. Pattern
// problems are returned as warnings alongside a usable endpoint.
func NewEndpoint(cfg *config.Config, rc *config.RouteConfig, order int) (*Endpoint, []error, error) {
	path := Normalize(cmp.Or(rc.Route, rc.Name))
	if path == "" && rc.Name == "" && rc.Route == "" {
		return nil, nil, errNoName
	}

	hasQuery := strings.TrimSpace(rc.Query) != ""
	hasProxy := rc.Proxy != nil && strings.TrimSpace(rc.Proxy.URL) != ""
	switch {
	case hasQuery && hasProxy:
		return nil, nil, errBothVariants
	case !hasQuery && !hasProxy:
		return nil, nil, errNoVariant
	}

	patterns, warnings := params.CompilePatterns(cfg.Patterns(rc))

	e := &Endpoint{
		Name:     cmp.Or(rc.Name, path),
		Path:     path,
		Verbs:    normalizeVerbs(rc.Verbs),
		Config:   rc,
		Patterns: patterns,
		Order:    order,
	}

	if hasProxy {
		e.Proxy = &Proxy{
			URL:      rc.Proxy.URL,
			Excluded: rc.Proxy.ExcludedHeaders,
			Applied:  rc.Proxy.AppliedHeaders,
			Timeout:  rc.Proxy.Timeout,
			Insecure: rc.Proxy.IgnoreCertificateErrors,
		}
		return e, warnings, nil
	}

	shape, err := ParseShape(cfg.ResponseStructure(rc))
	if err != nil {
		return nil, warnings, err
	}
	q := &Query{
		Template:        rc.Query,
		CountTemplate:   rc.CountQuery,
		Shape:           shape,
		Mandatory:       rc.MandatoryParameters,
		RootKey:         rc.RootKey,
		Connection:      cfg.ConnectionName(rc),
		Timeout:         cfg.CommandTimeout(rc),
		SuccessStatus:   cfg.SuccessStatus(rc),
		NotFoundOnEmpty: rc.NotFoundOnEmpty,
		Buffered:        rc.DisableDeferredExecution,
	}
	if rc.Cache != nil && rc.Cache.Duration > 0 {
		q.CacheTTL = rc.Cache.Duration
		q.Buffered = true
	}
	e.Query = q
	return e, warnings, nil
}

func normalizeVerbs(verbs []string) []string {
	var out []string
	for _, v := range verbs {
		v = strings.ToUpper(strings.TrimSpace(v))
		if v == "" || v == "*" || v == "ANY" {
			return nil
		}
		if !slices.Contains(out, v) {
			out = append(out, v)
		}
	}
	return out
}

// Normalize strips leading and trailing separators and collapses repeated ones.
func Normalize(path string) string {
	return strings.Join(Segments(path), "/")
}

// Segments splits path on "/" dropping empty segments.
func Segments(path string) []string {
	return strings.FieldsFunc(path, func(r rune) bool { return r == '/' })
}

// Methods lists the verbs e answers, expanding the wildcard.
func (e *Endpoint) Methods() []string {
	if e.AnyVerb() {
		return []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete}
	}
	return e.Verbs
}
