package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/config"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	MaxAge           int
	AllowCredentials bool
}

// defaultCORSOptions returns the default CORS options.
func defaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Content-Length", "Accept-Encoding", "Authorization", "Accept", "Origin", "Cache-Control", "X-Requested-With", "X-Api-Key"},
		ExposedHeaders:   []string{RequestIDHeader},
		AllowCredentials: true,
	}
}

// CORSOptionsFrom converts configured CORS settings. Nil means no CORS headers.
func CORSOptionsFrom(c *config.CORSConfig) *CORSOptions {
	if c == nil {
		return nil
	}
	return &CORSOptions{
		AllowedOrigins:   c.AllowedOrigins,
		AllowedMethods:   c.AllowedMethods,
		AllowedHeaders:   c.AllowedHeaders,
		ExposedHeaders:   c.ExposedHeaders,
		MaxAge:           c.MaxAge,
		AllowCredentials: c.AllowCredentials,
	}
}

// IsPreflight reports whether r is a CORS pre-flight request.
func IsPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

// Apply sets the CORS response headers for r on h. The allowed origin is
// echoed back when it is listed, or when any origin is allowed together with
// credentials; a bare "*" is sent otherwise. Unlisted origins get no
// Access-Control-Allow-Origin at all.
func (o *CORSOptions) Apply(h http.Header, r *http.Request) {
	if o == nil {
		return
	}
	if origin := o.allowOrigin(r.Header.Get("Origin")); origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
		if origin != "*" {
			h.Add("Vary", "Origin")
		}
	}
	if len(o.AllowedMethods) > 0 {
		h.Set("Access-Control-Allow-Methods", strings.Join(o.AllowedMethods, ","))
	}
	if len(o.AllowedHeaders) > 0 {
		h.Set("Access-Control-Allow-Headers", strings.Join(o.AllowedHeaders, ","))
	}
	if len(o.ExposedHeaders) > 0 {
		h.Set("Access-Control-Expose-Headers", strings.Join(o.ExposedHeaders, ","))
	}
	if o.AllowCredentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	if o.MaxAge > 0 && IsPreflight(r) {
		h.Set("Access-Control-Max-Age", strconv.Itoa(o.MaxAge))
	}
}

func (o *CORSOptions) allowOrigin(origin string) string {
	wildcard := slices.Contains(o.AllowedOrigins, "*")
	switch {
	case origin == "":
		if wildcard && !o.AllowCredentials {
			return "*"
		}
		return ""
	case slices.ContainsFunc(o.AllowedOrigins, func(a string) bool { return strings.EqualFold(a, origin) }):
		return origin
	case wildcard && o.AllowCredentials:
		return origin
	case wildcard:
		return "*"
	}
	return ""
}

// CORSWithOptions creates a CORS middleware with the provided configuration.
// If options is nil, it will use the default CORS settings.
// If options is an empty struct (CORSOptions{}), it will create a middleware with no CORS headers.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = defaultCORSOptions()
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			options.Apply(w.Header(), r)

			if IsPreflight(r) {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
