package config

import (
	"cmp"
	"time"
)

// The helpers below resolve one concept each: route level first, then the
// global level, then the built-in default.

// ResponseStructure returns the response shape name for r.
func (c *Config) ResponseStructure(r *RouteConfig) string {
	return cmp.Or(r.ResponseStructure, c.Defaults.ResponseStructure, "auto")
}

// CommandTimeout returns the query timeout for r.
func (c *Config) CommandTimeout(r *RouteConfig) time.Duration {
	return cmp.Or(r.CommandTimeout, c.Defaults.CommandTimeout, 30*time.Second)
}

// ConnectionName returns the named connection r runs against.
func (c *Config) ConnectionName(r *RouteConfig) string {
	return cmp.Or(r.Connection, c.Defaults.Connection, "default")
}

// SuccessStatus returns the status written on success.
func (c *Config) SuccessStatus(r *RouteConfig) int {
	return cmp.Or(r.SuccessStatusCode, c.Defaults.SuccessStatusCode, 200)
}

// Patterns merges r's delimiter overrides field by field over the global ones.
// Validity is checked where the patterns are compiled.
func (c *Config) Patterns(r *RouteConfig) PatternsConfig {
	def := DefaultPatterns()
	g := c.Defaults.VariablesPattern
	p := PatternsConfig{
		Headers: cmp.Or(g.Headers, def.Headers),
		JSON:    cmp.Or(g.JSON, def.JSON),
		Form:    cmp.Or(g.Form, def.Form),
		Query:   cmp.Or(g.Query, def.Query),
		Route:   cmp.Or(g.Route, def.Route),
		Claims:  cmp.Or(g.Claims, def.Claims),
		Segment: cmp.Or(g.Segment, def.Segment),
	}
	if r == nil || r.VariablesPattern == nil {
		return p
	}
	o := r.VariablesPattern
	return PatternsConfig{
		Headers: cmp.Or(o.Headers, p.Headers),
		JSON:    cmp.Or(o.JSON, p.JSON),
		Form:    cmp.Or(o.Form, p.Form),
		Query:   cmp.Or(o.Query, p.Query),
		Route:   cmp.Or(o.Route, p.Route),
		Claims:  cmp.Or(o.Claims, p.Claims),
		Segment: cmp.Or(o.Segment, p.Segment),
	}
}

// CORSFor returns r's CORS settings, or the global ones. Nil disables CORS headers.
func (c *Config) CORSFor(r *RouteConfig) *CORSConfig {
	if r.CORS != nil {
		return r.CORS
	}
	return c.CORS
}

// APIKeyCollections returns the credential collections that guard r.
func (c *Config) APIKeyCollections(r *RouteConfig) []string {
	if len(r.APIKeys) > 0 {
		return r.APIKeys
	}
	return c.APIKeys.Required
}

// MaxBodyBytes returns the request body limit.
func (c *Config) MaxBodyBytes() int64 {
	return cmp.Or(c.Defaults.MaxBodyBytes, 10<<20)
}

// DomainBandBase returns the first code of the reserved error band.
func (c *Config) DomainBandBase() int {
	return cmp.Or(c.Errors.DomainBandBase, 50000)
}

// GenericMessage is shown to clients in place of unclassified failures.
func (c *Config) GenericMessage() string {
	return cmp.Or(c.Errors.GenericMessage, "an unexpected error occurred")
}

// AuthorizeProvider returns the provider name r authorizes against.
func (c *Config) AuthorizeProvider(r *RouteConfig) string {
	if r.Authorize == nil {
		return ""
	}
	return cmp.Or(r.Authorize.Provider, c.Authorize.DefaultProvider)
}
