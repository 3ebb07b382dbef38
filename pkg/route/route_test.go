package route

import (
	"fmt"
	"net/http"
	"sync"
	"testing"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func q(name, path string, verbs ...string) config.RouteConfig {
	return config.RouteConfig{Name: name, Route: path, Verbs: verbs, Query: "SELECT 1"}
}

func build(t *testing.T, routes ...config.RouteConfig) *Table {
	t.Helper()
	cfg := config.Default()
	cfg.Routes = routes
	table, errs := Build(cfg)
	require.Empty(t, errs)
	return table
}

func TestResolve(t *testing.T) {
	table := build(t,
		q("user_by_id", "users/{id}", "GET"),
		q("active_users", "users/active", "GET"),
		q("user_orders", "users/{id}/orders", "GET"),
		q("order_item", "users/{id}/orders/{item}"),
		q("named_order", "users/{id}/orders/latest"),
		q("create_user", "users", "POST"),
		q("any_users", "users"),
		q("double_brace", "teams/{{team}}/members", "GET"),
	)

	tests := []struct {
		wantParams map[string]string
		name       string
		path       string
		verb       string
		want       string
		wantOK     bool
	}{
		{name: "exact beats parameterized", path: "/users/active", verb: "GET", want: "active_users", wantOK: true},
		{name: "parameterized", path: "/users/42", verb: "GET", want: "user_by_id", wantOK: true, wantParams: map[string]string{"id": "42"}},
		{name: "case-insensitive literal, value keeps case", path: "/USERS/Ab/Orders", verb: "get", want: "user_orders", wantOK: true, wantParams: map[string]string{"id": "Ab"}},
		{name: "more literals win", path: "/users/1/orders/latest", verb: "GET", want: "named_order", wantOK: true, wantParams: map[string]string{"id": "1"}},
		{name: "two params", path: "/users/1/orders/9", verb: "DELETE", want: "order_item", wantOK: true, wantParams: map[string]string{"id": "1", "item": "9"}},
		{name: "segment count mismatch", path: "/users/1/orders/9/x", verb: "GET", wantOK: false},
		{name: "verb mismatch", path: "/users/42", verb: "POST", wantOK: false},
		{name: "exact verb-specific over wildcard", path: "/users", verb: "POST", want: "create_user", wantOK: true},
		{name: "exact wildcard fallback", path: "/users/", verb: "GET", want: "any_users", wantOK: true},
		{name: "double brace parameter", path: "teams/red/members", verb: "GET", want: "double_brace", wantOK: true, wantParams: map[string]string{"team": "red"}},
		{name: "unknown", path: "/nope", verb: "GET", wantOK: false},
		{name: "root", path: "/", verb: "GET", wantOK: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, values, ok := table.Resolve(tt.path, tt.verb)
			require.Equal(t, tt.wantOK, ok)
			if !ok {
				assert.Nil(t, e)
				return
			}
			assert.Equal(t, tt.want, e.Name)
			if tt.wantParams != nil {
				assert.Equal(t, tt.wantParams, values)
			}
		})
	}
}

func TestResolveExactAlwaysWins(t *testing.T) {
	routes := []config.RouteConfig{q("exact", "a/b/c", "GET")}
	for i := range 20 {
		routes = append(routes, q(fmt.Sprintf("p%d", i), "{x}/{y}/{z}", "GET"))
		routes = append(routes, q(fmt.Sprintf("l%d", i), "a/{y}/c", "GET"))
	}
	table := build(t, routes...)

	e, _, ok := table.Resolve("a/b/c", "GET")
	require.True(t, ok)
	assert.Equal(t, "exact", e.Name)
}

func TestResolveTieBreak(t *testing.T) {
	table := build(t,
		q("first_any", "items/{id}"),
		q("second_get", "items/{key}", "GET"),
		q("third_get", "items/{other}", "GET"),
	)

	e, values, ok := table.Resolve("items/7", "GET")
	require.True(t, ok)
	assert.Equal(t, "second_get", e.Name, "verb-specific beats wildcard, then registration order")
	assert.Equal(t, map[string]string{"key": "7"}, values)

	e, _, ok = table.Resolve("items/7", "PUT")
	require.True(t, ok)
	assert.Equal(t, "first_any", e.Name)
}

func TestResolveBasePath(t *testing.T) {
	cfg := config.Default()
	cfg.Server.BasePath = "/api/v1/"
	cfg.Routes = []config.RouteConfig{q("users", "users")}
	table, _ := Build(cfg)

	e, _, ok := table.Resolve("/API/v1/users", "GET")
	require.True(t, ok)
	assert.Equal(t, "users", e.Name)

	for _, path := range []string{"/api/v2/users", "/users", "/api", "/"} {
		_, _, ok = table.Resolve(path, "GET")
		assert.False(t, ok, "%s is outside the base path", path)
	}
}

func TestResolveCustomSegmentPattern(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{
		{Name: "colon", Route: "things/:id", Query: "SELECT 1", VariablesPattern: &config.PatternsConfig{Segment: `^:(?P<param>\w+)$`}},
		{Name: "broken", Route: "stuff/{id}", Query: "SELECT 1", VariablesPattern: &config.PatternsConfig{Segment: `(`}},
	}
	table, errs := Build(cfg)
	assert.Len(t, errs, 1, "broken pattern reported and replaced with the default")

	e, values, ok := table.Resolve("things/5", "GET")
	require.True(t, ok)
	assert.Equal(t, "colon", e.Name)
	assert.Equal(t, "5", values["id"])

	e, values, ok = table.Resolve("stuff/6", "GET")
	require.True(t, ok)
	assert.Equal(t, "broken", e.Name)
	assert.Equal(t, "6", values["id"])
}

func TestBuildSkipsInvalidRoutes(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{
		{Name: "no_variant"},
		{Name: "both", Query: "SELECT 1", Proxy: &config.ProxyConfig{URL: "http://x"}},
		{Name: "bad_shape", Query: "SELECT 1", ResponseStructure: "tree"},
		{},
		{Name: "ok", Query: "SELECT 1"},
		{Name: "upstream", Route: "up/{rest}", Proxy: &config.ProxyConfig{URL: "http://x/{{rest}}"}},
	}
	table, errs := Build(cfg)
	assert.Len(t, errs, 4)
	assert.Equal(t, 2, table.Len())

	e, _, ok := table.Resolve("ok", "GET")
	require.True(t, ok)
	assert.Equal(t, KindQuery, e.Kind())
	require.NotNil(t, e.Query)
	assert.Nil(t, e.Proxy)

	e, _, ok = table.Resolve("up/x", "GET")
	require.True(t, ok)
	assert.Equal(t, KindProxy, e.Kind())
	assert.Nil(t, e.Query)
}

func TestEndpointDefaults(t *testing.T) {
	cfg := config.Default()
	cfg.Defaults.ResponseStructure = "array"
	cfg.Routes = []config.RouteConfig{
		{Name: "cached", Query: "SELECT 1", Cache: &config.CacheConfig{Duration: 1e9}},
		{Name: "verbs", Query: "SELECT 1", Verbs: []string{"get", "GET", "post"}},
		{Name: "any", Query: "SELECT 1", Verbs: []string{"*"}},
	}
	table, errs := Build(cfg)
	require.Empty(t, errs)

	cached := table.Endpoints()[0]
	assert.Equal(t, ShapeArray, cached.Query.Shape)
	assert.True(t, cached.Query.Buffered, "caching forces buffered execution")
	assert.Equal(t, "default", cached.Query.Connection)
	assert.Equal(t, http.StatusOK, cached.Query.SuccessStatus)

	assert.Equal(t, []string{"GET", "POST"}, table.Endpoints()[1].Verbs)
	assert.True(t, table.Endpoints()[2].AnyVerb())
}

func TestParseShape(t *testing.T) {
	for in, want := range map[string]Shape{"": ShapeAuto, "AUTO": ShapeAuto, "array": ShapeArray, " Single ": ShapeSingle} {
		got, err := ParseShape(in)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := ParseShape("list")
	assert.Error(t, err)
}

func TestRegistryRebuild(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{q("a", "a")}

	var builds int
	var mu sync.Mutex
	reg := NewRegistry(cfg, OnBuild(func(*Table, []error) {
		mu.Lock()
		builds++
		mu.Unlock()
	}))

	old := reg.Table()
	_, _, ok := reg.Resolve("a", "GET")
	require.True(t, ok)

	next := config.Default()
	next.Routes = []config.RouteConfig{q("b", "b")}
	reg.Rebuild(next)

	_, _, ok = reg.Resolve("a", "GET")
	assert.False(t, ok)
	_, _, ok = reg.Resolve("b", "GET")
	assert.True(t, ok)

	// the captured snapshot is untouched
	_, _, ok = old.Resolve("a", "GET")
	assert.True(t, ok)
	assert.Equal(t, 2, builds)
}

func TestRegistryConcurrentRebuilds(t *testing.T) {
	reg := NewRegistry(config.Default())

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(2)
		go func() {
			defer wg.Done()
			cfg := config.Default()
			cfg.Routes = []config.RouteConfig{q(fmt.Sprintf("r%d", i), "r")}
			reg.Rebuild(cfg)
		}()
		go func() {
			defer wg.Done()
			_ = reg.Table().Len()
		}()
	}
	wg.Wait()

	// final rebuild is deterministic once every writer has returned
	final := config.Default()
	final.Routes = []config.RouteConfig{q("final", "r")}
	reg.Rebuild(final)
	e, _, ok := reg.Resolve("r", "GET")
	require.True(t, ok)
	assert.Equal(t, "final", e.Name)
}

func TestOpenAPI(t *testing.T) {
	cfg := config.Default()
	cfg.Routes = []config.RouteConfig{
		{Name: "get_user", Route: "users/{id}", Verbs: []string{"GET"}, Query: "SELECT 1", MandatoryParameters: []string{"id", "fields"}},
		{Name: "weather", Route: "weather/{city}", Proxy: &config.ProxyConfig{URL: "http://x/{{city}}"}},
	}
	table, _ := Build(cfg)
	doc := table.OpenAPI("sqlgate", "test")

	item := doc.Paths.Value("/users/{id}")
	require.NotNil(t, item)
	require.NotNil(t, item.Get)
	assert.Nil(t, item.Post)
	assert.Equal(t, "get_user", item.Get.OperationID)
	require.Len(t, item.Get.Parameters, 2)
	assert.Equal(t, "path", item.Get.Parameters[0].Value.In)
	assert.Equal(t, "query", item.Get.Parameters[1].Value.In)

	w := doc.Paths.Value("/weather/{city}")
	require.NotNil(t, w)
	assert.NotNil(t, w.Get)
	assert.NotNil(t, w.Delete)
}
