package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/edgeflare/sqlgate/pkg/auth"
	"github.com/edgeflare/sqlgate/pkg/cache"
	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/edgeflare/sqlgate/pkg/files"
	"github.com/edgeflare/sqlgate/pkg/respond"
	"github.com/edgeflare/sqlgate/pkg/route"
	"github.com/edgeflare/sqlgate/pkg/sqlexec"
)

// Resolver finds the endpoint for a path and verb.
type Resolver interface {
	Resolve(path, verb string) (*route.Endpoint, map[string]string, bool)
}

// Executors returns the executor of a named connection.
type Executors interface {
	Get(name string) (sqlexec.Executor, error)
}

// Authorizers returns the authorizer of a named provider.
type Authorizers interface {
	Get(ctx context.Context, name string) (auth.Authorizer, error)
}

// Forwarder sends a request to an upstream and copies the answer back.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, p *route.Proxy, target *url.URL)
}

// Env is what stages share. It is built from one configuration and replaced,
// never mutated, when the configuration changes.
type Env struct {
	Config      *config.Config
	Routes      Resolver
	Executors   Executors
	Authorizers Authorizers
	Credentials *auth.Credentials
	Gateway     Forwarder
	Stores      files.Stores
	// Cache holds rendered responses of endpoints with a cache duration.
	Cache *cache.Cache[*respond.Payload]
	Now   func() time.Time
}

func (e *Env) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}
