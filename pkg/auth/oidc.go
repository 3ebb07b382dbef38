package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/sqlgate/pkg/cache"
	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/zitadel/oidc/v3/pkg/client/rs"
	"github.com/zitadel/oidc/v3/pkg/oidc"
	"golang.org/x/sync/singleflight"
)

var (
	ErrInactiveToken   = errors.New("token is not active")
	ErrUnknownProvider = errors.New("unknown authorization provider")
)

// maxClaimsTTL bounds how long introspected claims are reused.
const maxClaimsTTL = time.Minute

// Authorizer validates a bearer token and returns its claims.
type Authorizer interface {
	Authorize(ctx context.Context, token string) (map[string]any, error)
}

// Introspector asks the identity provider about a token.
type Introspector func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error)

// ResourceServerIntrospector discovers cfg.Issuer and returns an introspector
// authenticating with client credentials.
func ResourceServerIntrospector(ctx context.Context, cfg config.OIDCProviderConfig) (Introspector, error) {
	if cfg.ClientID == "" || cfg.ClientSecret == "" || cfg.Issuer == "" {
		return nil, errors.New("missing required OIDC configuration")
	}
	provider, err := rs.NewResourceServerClientCredentials(ctx, cfg.Issuer, cfg.ClientID, cfg.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("oidc provider %s: %w", cfg.Issuer, err)
	}
	return func(ctx context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return rs.Introspect[*oidc.IntrospectionResponse](ctx, provider, token)
	}, nil
}

// OIDCAuthorizer validates tokens by introspection and caches active ones
// until they expire, for at most a minute.
type OIDCAuthorizer struct {
	introspect Introspector
	cache      *cache.Cache[map[string]any]
	now        func() time.Time
}

// NewOIDCAuthorizer returns an authorizer backed by introspect.
func NewOIDCAuthorizer(introspect Introspector) *OIDCAuthorizer {
	return newOIDCAuthorizer(introspect, time.Now)
}

// The claims cache drops expired entries on insert.
func newOIDCAuthorizer(introspect Introspector, now func() time.Time) *OIDCAuthorizer {
	return &OIDCAuthorizer{
		introspect: introspect,
		cache: cache.New(
			cache.WithClock[map[string]any](now),
			cache.WithSweep[map[string]any](maxClaimsTTL),
		),
		now: now,
	}
}

func (a *OIDCAuthorizer) Authorize(ctx context.Context, token string) (map[string]any, error) {
	sum := sha256.Sum256([]byte(token))
	key := hex.EncodeToString(sum[:])
	if claims, ok := a.cache.Get(key); ok {
		return claims, nil
	}

	resp, err := a.introspect(ctx, token)
	if err != nil {
		return nil, err
	}
	if resp == nil || !resp.Active {
		return nil, ErrInactiveToken
	}
	claims, err := claimsOf(resp)
	if err != nil {
		return nil, err
	}

	ttl := maxClaimsTTL
	if exp := resp.Expiration.AsTime(); !exp.IsZero() {
		ttl = min(ttl, exp.Sub(a.now()))
	}
	if ttl > 0 {
		a.cache.Set(key, claims, ttl)
	}
	return claims, nil
}

func claimsOf(resp *oidc.IntrospectionResponse) (map[string]any, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return nil, err
	}
	var claims map[string]any
	if err := json.Unmarshal(b, &claims); err != nil {
		return nil, err
	}
	return claims, nil
}

// Providers creates one authorizer per configured provider on first use.
// A provider that fails to connect is retried on the next request.
// Concurrent first uses of one provider share a single connect; other
// providers are not held up by it.
type Providers struct {
	configs    map[string]config.OIDCProviderConfig
	made       map[string]Authorizer
	connect    func(context.Context, config.OIDCProviderConfig) (Authorizer, error)
	connecting singleflight.Group
	mu         sync.RWMutex
}

// NewProviders returns the registry for cfg.
func NewProviders(cfg config.AuthorizeConfig) *Providers {
	return &Providers{
		configs: cfg.Providers,
		made:    make(map[string]Authorizer),
		connect: func(ctx context.Context, c config.OIDCProviderConfig) (Authorizer, error) {
			introspect, err := ResourceServerIntrospector(ctx, c)
			if err != nil {
				return nil, err
			}
			return NewOIDCAuthorizer(introspect), nil
		},
	}
}

// Set registers a ready authorizer under name.
func (p *Providers) Set(name string, a Authorizer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.made[name] = a
}

// Get returns the authorizer for name.
func (p *Providers) Get(ctx context.Context, name string) (Authorizer, error) {
	p.mu.RLock()
	a, ok := p.made[name]
	p.mu.RUnlock()
	if ok {
		return a, nil
	}
	cfg, ok := p.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, name)
	}

	v, err, _ := p.connecting.Do(name, func() (any, error) {
		p.mu.RLock()
		a, ok := p.made[name]
		p.mu.RUnlock()
		if ok {
			return a, nil
		}
		a, err := p.connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		p.mu.Lock()
		p.made[name] = a
		p.mu.Unlock()
		return a, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Authorizer), nil
}
