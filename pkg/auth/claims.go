package auth

import (
	"fmt"
	"net/http"
	"slices"
	"sort"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/util"
)

// BearerToken returns the token of an Authorization: Bearer header.
func BearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	token := strings.TrimSpace(h[len(prefix):])
	return token, token != ""
}

// Roles reads the roles found at path in claims. A string is one role, an
// array contributes its string items and an object contributes its keys.
func Roles(claims map[string]any, path string) []string {
	v, err := util.Jq(claims, path)
	if err != nil {
		return nil
	}
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		var roles []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				roles = append(roles, s)
			}
		}
		return roles
	case map[string]any:
		roles := make([]string, 0, len(t))
		for k := range t {
			roles = append(roles, k)
		}
		sort.Strings(roles)
		return roles
	}
	return nil
}

// HasAnyRole reports whether claims grant one of required. No required roles
// means any authenticated caller is accepted.
func HasAnyRole(claims map[string]any, path string, required []string) bool {
	if len(required) == 0 {
		return true
	}
	for _, role := range Roles(claims, path) {
		if slices.Contains(required, role) {
			return true
		}
	}
	return false
}

// DBRole reads the database role at path in claims.
func DBRole(claims map[string]any, path string) (string, error) {
	v, err := util.Jq(claims, path)
	if err != nil {
		return "", err
	}
	role, ok := v.(string)
	if !ok || role == "" {
		return "", fmt.Errorf("claim %s is not a role name", path)
	}
	return role, nil
}
