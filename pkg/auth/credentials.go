// Package auth checks API keys, basic credentials and OIDC bearer tokens.
package auth

import (
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"net/http"
	"strings"

	"github.com/edgeflare/sqlgate/pkg/config"
)

var (
	ErrMissingCredentials = errors.New("credentials missing")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// Credentials holds named collections of API keys and basic credentials.
type Credentials struct {
	keys   map[string][]string
	basic  map[string]map[string]string
	header string
}

// NewCredentials indexes cfg. Basic entries are "user:password" strings;
// malformed entries are ignored.
func NewCredentials(cfg config.APIKeysConfig) *Credentials {
	c := &Credentials{
		keys:   cfg.Collections,
		basic:  make(map[string]map[string]string, len(cfg.Basic)),
		header: cfg.Header,
	}
	if c.header == "" {
		c.header = "x-api-key"
	}
	for name, entries := range cfg.Basic {
		users := make(map[string]string, len(entries))
		for _, e := range entries {
			user, pass, ok := strings.Cut(e, ":")
			if ok && user != "" {
				users[user] = pass
			}
		}
		c.basic[name] = users
	}
	return c
}

// Known reports whether collection is configured.
func (c *Credentials) Known(collection string) bool {
	_, k := c.keys[collection]
	_, b := c.basic[collection]
	return k || b
}

// Check accepts r when it carries an API key or basic credential belonging
// to any of collections. The returned principal is the collection name for
// API keys and the user name for basic credentials.
func (c *Credentials) Check(r *http.Request, collections []string) (principal string, err error) {
	key := r.Header.Get(c.header)
	user, pass, basic := basicAuth(r)
	if key == "" && !basic {
		return "", ErrMissingCredentials
	}

	for _, name := range collections {
		if key != "" {
			for _, k := range c.keys[name] {
				if equal(key, k) {
					return name, nil
				}
			}
		}
		if basic {
			if want, ok := c.basic[name][user]; ok && equal(pass, want) {
				return user, nil
			}
		}
	}
	return "", ErrInvalidCredentials
}

func basicAuth(r *http.Request) (user, pass string, ok bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "basic "
	if len(auth) < len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return "", "", false
	}
	decoded, err := base64.StdEncoding.DecodeString(auth[len(prefix):])
	if err != nil {
		return "", "", false
	}
	return strings.Cut(string(decoded), ":")
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
