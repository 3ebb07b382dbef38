// Package gateway forwards requests for proxy endpoints to their upstream URL.
package gateway

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"regexp"

	"github.com/edgeflare/sqlgate/pkg/respond"
	"github.com/edgeflare/sqlgate/pkg/route"
	"go.uber.org/zap"
)

// Gateway owns the upstream transports shared by every proxy endpoint.
type Gateway struct {
	logger   *zap.Logger
	secure   http.RoundTripper
	insecure http.RoundTripper
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithTransport replaces both transports, mostly for tests.
func WithTransport(rt http.RoundTripper) Option {
	return func(g *Gateway) {
		g.secure = rt
		g.insecure = rt
	}
}

// New returns a Gateway.
func New(opts ...Option) *Gateway {
	base := http.DefaultTransport.(*http.Transport)
	insecure := base.Clone()
	insecure.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in per route
	g := &Gateway{
		logger:   zap.NewNop(),
		secure:   base.Clone(),
		insecure: insecure,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Target fills the placeholders of p.URL with path-escaped route parameters.
// Placeholders without a value are left empty.
func Target(p *route.Proxy, pattern *regexp.Regexp, vars map[string]string) (*url.URL, error) {
	raw := p.URL
	if pattern != nil {
		idx := pattern.SubexpIndex("param")
		raw = pattern.ReplaceAllStringFunc(p.URL, func(m string) string {
			sub := pattern.FindStringSubmatch(m)
			if idx < 0 || idx >= len(sub) {
				return m
			}
			return url.PathEscape(vars[sub[idx]])
		})
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("upstream url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("upstream url %q is not absolute", raw)
	}
	return u, nil
}

// Forward proxies r to target and copies the upstream response back to w.
// Excluded headers are dropped and applied headers set before forwarding.
func (g *Gateway) Forward(w http.ResponseWriter, r *http.Request, p *route.Proxy, target *url.URL) {
	if p.Timeout > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), p.Timeout)
		defer cancel()
		r = r.WithContext(ctx)
	}

	transport := g.secure
	if p.Insecure {
		transport = g.insecure
	}

	proxy := &httputil.ReverseProxy{
		Transport: transport,
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.Out.URL = rewriteURL(target, pr.In.URL)
			pr.Out.Host = target.Host
			pr.SetXForwarded()
			for _, h := range p.Excluded {
				pr.Out.Header.Del(h)
			}
			for k, v := range p.Applied {
				pr.Out.Header.Set(k, v)
			}
		},
		ModifyResponse: func(resp *http.Response) error {
			resp.Header.Del("Transfer-Encoding")
			resp.Header.Del("Content-Length")
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			g.fail(w, r, target, err)
		},
	}
	proxy.ServeHTTP(w, r)
}

func (g *Gateway) fail(w http.ResponseWriter, r *http.Request, target *url.URL, err error) {
	switch {
	case errors.Is(r.Context().Err(), context.Canceled):
		g.logger.Debug("proxy canceled by client", zap.String("upstream", target.Redacted()))
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(r.Context().Err(), context.DeadlineExceeded):
		g.logger.Warn("proxy timed out", zap.String("upstream", target.Redacted()), zap.Error(err))
		respond.Error(w, http.StatusGatewayTimeout, "upstream timed out")
	default:
		g.logger.Error("proxy failed", zap.String("upstream", target.Redacted()), zap.Error(err))
		respond.Error(w, http.StatusBadGateway, "upstream unavailable")
	}
}

// rewriteURL keeps target's path and merges the inbound query string after
// target's own query.
func rewriteURL(target, in *url.URL) *url.URL {
	out := *target
	switch {
	case target.RawQuery == "":
		out.RawQuery = in.RawQuery
	case in.RawQuery != "":
		out.RawQuery = target.RawQuery + "&" + in.RawQuery
	}
	return &out
}
