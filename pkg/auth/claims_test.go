package auth

import (
	"net/http"
	"testing"

	"github.com/edgeflare/sqlgate/internal/testutil/fixture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBearerToken(t *testing.T) {
	tests := []struct {
		name   string
		header string
		want   string
		ok     bool
	}{
		{name: "missing", header: ""},
		{name: "basic", header: "Basic dXNlcjpwYXNz"},
		{name: "bearer", header: "Bearer abc.def", want: "abc.def", ok: true},
		{name: "lower case scheme", header: "bearer abc", want: "abc", ok: true},
		{name: "empty token", header: "Bearer   "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(http.MethodGet, "http://example.com", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, ok := BearerToken(req)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoles(t *testing.T) {
	claims, err := fixture.LoadJSON("claims.json")
	require.NoError(t, err)

	tests := []struct {
		name     string
		path     string
		expected []string
	}{
		{name: "array", path: "roles", expected: []string{"reader", "billing"}},
		{name: "initial dot in path", path: ".roles", expected: []string{"reader", "billing"}},
		{name: "string", path: "policies.pgrole", expected: []string{"authn"}},
		{name: "object keys", path: "urn:zitadel:iam:org:project:roles", expected: []string{"admin"}},
		{name: "wildcard", path: "policies.tenants[*].id", expected: []string{"t1", "t2"}},
		{name: "non-string final value", path: "active"},
		{name: "non-existent path", path: "user.nonexistent"},
		{name: "invalid array syntax", path: "policies.tenants[abc]"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, Roles(claims, tt.path))
		})
	}

	assert.True(t, HasAnyRole(claims, "roles", []string{"admin", "billing"}))
	assert.False(t, HasAnyRole(claims, "roles", []string{"admin"}))
	assert.True(t, HasAnyRole(claims, "roles", nil))

	role, err := DBRole(claims, ".policies.pgrole")
	require.NoError(t, err)
	assert.Equal(t, "authn", role)
	_, err = DBRole(claims, "roles")
	assert.Error(t, err)
	_, err = DBRole(claims, "missing")
	assert.Error(t, err)
}
