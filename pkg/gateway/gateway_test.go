package gateway

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/params"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func routePattern(t *testing.T) *params.Patterns {
	t.Helper()
	p, errs := params.CompilePatterns(config.DefaultPatterns())
	require.Empty(t, errs)
	return &p
}

func TestTarget(t *testing.T) {
	pattern := routePattern(t).Route

	tests := []struct {
		vars    map[string]string
		name    string
		url     string
		want    string
		wantErr bool
	}{
		{name: "no placeholders", url: "https://api.example.com/v1/ping", want: "https://api.example.com/v1/ping"},
		{name: "route parameter", url: "https://api.example.com/w/{{city}}", vars: map[string]string{"city": "oslo"}, want: "https://api.example.com/w/oslo"},
		{name: "escaped", url: "https://api.example.com/w/{{city}}", vars: map[string]string{"city": "new york/ny"}, want: "https://api.example.com/w/new%20york%2Fny"},
		{name: "missing value", url: "https://api.example.com/w/{{city}}/now", want: "https://api.example.com/w//now"},
		{name: "keeps query", url: "https://api.example.com/w?units={{u}}", vars: map[string]string{"u": "metric"}, want: "https://api.example.com/w?units=metric"},
		{name: "relative", url: "/w/{{city}}", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, err := Target(&route.Proxy{URL: tt.url}, pattern, tt.vars)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestTargetPathRemainder(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{
		{Name: "blob", Route: "blobs/{key}", Proxy: &config.ProxyConfig{URL: "https://store.example.com/b/{{key}}"}},
		{Name: "nested", Route: "docs/{dir}/{file}", Proxy: &config.ProxyConfig{URL: "https://store.example.com/d/{{dir}}/{{file}}"}},
	}
	table, errs := route.Build(cfg)
	require.Empty(t, errs)
	pattern := routePattern(t).Route

	tests := []struct {
		path string
		want string // empty when the path must not resolve
	}{
		{path: "/blobs/a.txt", want: "https://store.example.com/b/a.txt"},
		{path: "/blobs/a/b.txt"},
		{path: "/docs/2026/q3.pdf", want: "https://store.example.com/d/2026/q3.pdf"},
		{path: "/docs/2026/10/q3.pdf"},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			e, vars, ok := table.Resolve(tt.path, http.MethodGet)
			if tt.want == "" {
				assert.False(t, ok, "a remainder spanning segments needs one placeholder per segment")
				return
			}
			require.True(t, ok)
			u, err := Target(e.Proxy, pattern, vars)
			require.NoError(t, err)
			assert.Equal(t, tt.want, u.String())
		})
	}
}

func TestForward(t *testing.T) {
	var got *http.Request
	var gotBody string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Clone(context.Background())
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.Header().Set("X-Upstream", "yes")
		w.WriteHeader(http.StatusTeapot)
		io.WriteString(w, `{"brewed":true}`)
	}))
	defer upstream.Close()

	g := New()
	p := &route.Proxy{
		URL:      upstream.URL + "/w/{{city}}?key=abc",
		Excluded: []string{"cookie"},
		Applied:  map[string]string{"X-Tenant": "acme"},
	}
	target, err := Target(p, routePattern(t).Route, map[string]string{"city": "oslo"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/weather/oslo?units=metric", strings.NewReader("payload"))
	req.Header.Set("Cookie", "session=1")
	req.Header.Set("X-Custom", "kept")
	req.Header.Set("Connection", "keep-alive")
	w := httptest.NewRecorder()

	g.Forward(w, req, p, target)

	assert.Equal(t, http.StatusTeapot, w.Code)
	assert.Equal(t, `{"brewed":true}`, w.Body.String())
	assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
	assert.Empty(t, w.Header().Get("Content-Length"))

	require.NotNil(t, got)
	assert.Equal(t, http.MethodPost, got.Method)
	assert.Equal(t, "/w/oslo", got.URL.Path)
	assert.Equal(t, "key=abc&units=metric", got.URL.RawQuery)
	assert.Equal(t, "payload", gotBody)
	assert.Empty(t, got.Header.Get("Cookie"))
	assert.Equal(t, "kept", got.Header.Get("X-Custom"))
	assert.Equal(t, "acme", got.Header.Get("X-Tenant"))
	assert.NotEmpty(t, got.Header.Get("X-Forwarded-For"))
}

func TestForwardUnreachable(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := New(WithLogger(zap.New(core)))

	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()

	p := &route.Proxy{URL: addr}
	target, err := Target(p, nil, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	g.Forward(w, httptest.NewRequest(http.MethodGet, "/x", nil), p, target)
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.JSONEq(t, `{"success":false,"message":"upstream unavailable"}`, w.Body.String())
	assert.Equal(t, 1, logs.FilterMessage("proxy failed").Len())
}

func TestForwardTimeout(t *testing.T) {
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer upstream.Close()
	defer close(release)

	g := New()
	p := &route.Proxy{URL: upstream.URL, Timeout: 50 * time.Millisecond}
	target, err := Target(p, nil, nil)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	g.Forward(w, httptest.NewRequest(http.MethodGet, "/slow", nil), p, target)
	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
}

func TestForwardClientCanceled(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	g := New(WithLogger(zap.New(core)))

	started := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer upstream.Close()

	p := &route.Proxy{URL: upstream.URL}
	target, err := Target(p, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	w := httptest.NewRecorder()
	g.Forward(w, httptest.NewRequest(http.MethodGet, "/x", nil).WithContext(ctx), p, target)
	assert.Zero(t, w.Body.Len(), "nothing written after client cancellation")
	assert.Equal(t, 1, logs.FilterMessage("proxy canceled by client").Len())
}

func TestForwardInsecure(t *testing.T) {
	upstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	}))
	defer upstream.Close()

	g := New()
	for _, insecure := range []bool{false, true} {
		p := &route.Proxy{URL: upstream.URL, Insecure: insecure}
		target, err := Target(p, nil, nil)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		g.Forward(w, httptest.NewRequest(http.MethodGet, "/", nil), p, target)
		if insecure {
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, "ok", w.Body.String())
		} else {
			assert.Equal(t, http.StatusBadGateway, w.Code, "self-signed certificate rejected")
		}
	}
}
