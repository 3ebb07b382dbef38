package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/sqlgate/pkg/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zitadel/oidc/v3/pkg/oidc"
)

type introspections struct {
	responses map[string]*oidc.IntrospectionResponse
	err       error
	calls     int
}

func (i *introspections) introspect(_ context.Context, token string) (*oidc.IntrospectionResponse, error) {
	i.calls++
	if i.err != nil {
		return nil, i.err
	}
	return i.responses[token], nil
}

func TestOIDCAuthorizer(t *testing.T) {
	now := time.Now()
	src := &introspections{responses: map[string]*oidc.IntrospectionResponse{
		"live": {
			Active:     true,
			Subject:    "271390742112",
			Expiration: oidc.FromTime(now.Add(time.Hour)),
			Claims:     map[string]any{"roles": []any{"reader"}},
		},
		"expired": {
			Active:     true,
			Subject:    "u2",
			Expiration: oidc.FromTime(now.Add(-time.Second)),
		},
		"revoked": {Active: false},
	}}
	a := NewOIDCAuthorizer(src.introspect)
	ctx := context.Background()

	t.Run("active token is cached", func(t *testing.T) {
		claims, err := a.Authorize(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, "271390742112", claims["sub"])
		assert.Equal(t, []any{"reader"}, claims["roles"])

		before := src.calls
		_, err = a.Authorize(ctx, "live")
		require.NoError(t, err)
		assert.Equal(t, before, src.calls)
	})

	t.Run("expired token is not cached", func(t *testing.T) {
		before := src.calls
		_, err := a.Authorize(ctx, "expired")
		require.NoError(t, err)
		_, err = a.Authorize(ctx, "expired")
		require.NoError(t, err)
		assert.Equal(t, before+2, src.calls)
	})

	t.Run("inactive token", func(t *testing.T) {
		_, err := a.Authorize(ctx, "revoked")
		assert.ErrorIs(t, err, ErrInactiveToken)
	})

	t.Run("unknown token", func(t *testing.T) {
		_, err := a.Authorize(ctx, "nope")
		assert.ErrorIs(t, err, ErrInactiveToken)
	})

	t.Run("introspection failure", func(t *testing.T) {
		boom := errors.New("idp unreachable")
		failing := NewOIDCAuthorizer((&introspections{err: boom}).introspect)
		_, err := failing.Authorize(ctx, "live")
		assert.ErrorIs(t, err, boom)
	})
}

func TestOIDCAuthorizerForgetsExpiredTokens(t *testing.T) {
	now := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	introspect := func(_ context.Context, token string) (*oidc.IntrospectionResponse, error) {
		return &oidc.IntrospectionResponse{
			Active:     true,
			Subject:    token,
			Expiration: oidc.FromTime(now.Add(2 * time.Second)),
		}, nil
	}
	a := newOIDCAuthorizer(introspect, clock)
	ctx := context.Background()

	for i := range 500 {
		_, err := a.Authorize(ctx, fmt.Sprintf("token-%d", i))
		require.NoError(t, err)
	}
	assert.Equal(t, 500, a.cache.Len())

	now = now.Add(maxClaimsTTL + time.Second)
	_, err := a.Authorize(ctx, "fresh")
	require.NoError(t, err)
	assert.Equal(t, 1, a.cache.Len())
}

type staticAuthorizer map[string]any

func (s staticAuthorizer) Authorize(context.Context, string) (map[string]any, error) {
	return s, nil
}

func TestProviders(t *testing.T) {
	p := NewProviders(config.AuthorizeConfig{Providers: map[string]config.OIDCProviderConfig{
		"zitadel": {Issuer: "https://idp.example.com", ClientID: "gw", ClientSecret: "s"},
	}})
	ctx := context.Background()

	_, err := p.Get(ctx, "keycloak")
	assert.ErrorIs(t, err, ErrUnknownProvider)

	attempts := 0
	p.connect = func(context.Context, config.OIDCProviderConfig) (Authorizer, error) {
		attempts++
		if attempts == 1 {
			return nil, errors.New("discovery failed")
		}
		return staticAuthorizer{"sub": "x"}, nil
	}

	_, err = p.Get(ctx, "zitadel")
	require.Error(t, err)

	a, err := p.Get(ctx, "zitadel")
	require.NoError(t, err)
	again, err := p.Get(ctx, "zitadel")
	require.NoError(t, err)
	assert.Equal(t, a, again)
	assert.Equal(t, 2, attempts)

	p.Set("static", staticAuthorizer{"sub": "y"})
	s, err := p.Get(ctx, "static")
	require.NoError(t, err)
	claims, _ := s.Authorize(ctx, "any")
	assert.Equal(t, "y", claims["sub"])
}

func TestProvidersConnectConcurrently(t *testing.T) {
	p := NewProviders(config.AuthorizeConfig{Providers: map[string]config.OIDCProviderConfig{
		"slow": {Issuer: "https://slow.example.com"},
		"fast": {Issuer: "https://fast.example.com"},
	}})
	release := make(chan struct{})
	var slowConnects atomic.Int32
	p.connect = func(_ context.Context, c config.OIDCProviderConfig) (Authorizer, error) {
		if c.Issuer == "https://slow.example.com" {
			slowConnects.Add(1)
			<-release
		}
		return staticAuthorizer{"iss": c.Issuer}, nil
	}
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := p.Get(ctx, "slow")
			assert.NoError(t, err)
		}()
	}
	require.Eventually(t, func() bool { return slowConnects.Load() == 1 }, time.Second, 5*time.Millisecond)

	done := make(chan error, 1)
	go func() {
		_, err := p.Get(ctx, "fast")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("fast provider waited for the slow one")
	}

	close(release)
	wg.Wait()
	assert.Equal(t, int32(1), slowConnects.Load())
}
