// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/store/memory"
	"github.com/stacklok/tokenbroker/pkg/transport"
)

// fakeTokenServer is an httptest-backed provider token endpoint. Tests queue
// a handler per expected request and read back how many requests arrived and
// what the last one carried.
type fakeTokenServer struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	requests int
	lastForm url.Values
	handler  http.HandlerFunc
}

func newFakeTokenServer(t *testing.T) *fakeTokenServer {
	t.Helper()
	f := &fakeTokenServer{t: t}
	f.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())

		f.mu.Lock()
		f.requests++
		f.lastForm = r.PostForm
		handler := f.handler
		f.mu.Unlock()

		if handler != nil {
			handler(w, r)
			return
		}
		f.writeToken(w, map[string]any{
			"access_token": "A1",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	}))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeTokenServer) writeToken(w http.ResponseWriter, payload map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(f.t, json.NewEncoder(w).Encode(payload))
}

func (f *fakeTokenServer) respond(handler http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = handler
}

func (f *fakeTokenServer) respondToken(payload map[string]any) {
	f.respond(func(w http.ResponseWriter, _ *http.Request) {
		f.writeToken(w, payload)
	})
}

func (f *fakeTokenServer) respondError(status int, payload map[string]any) {
	f.respond(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		require.NoError(f.t, json.NewEncoder(w).Encode(payload))
	})
}

func (f *fakeTokenServer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests
}

func (f *fakeTokenServer) form() url.Values {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastForm
}

// testEnv bundles a broker wired to a fake provider and an in-memory store,
// with a controllable clock and a jitter-free random source.
type testEnv struct {
	broker *Broker
	store  *memory.Store
	server *fakeTokenServer
	now    time.Time
}

func (e *testEnv) advance(d time.Duration) {
	e.now = e.now.Add(d)
}

func newTestEnv(t *testing.T, mutate func(*provider.DescriptorConfig), opts ...Option) *testEnv {
	t.Helper()

	server := newFakeTokenServer(t)

	pid, err := identity.NewProviderID("github")
	require.NoError(t, err)

	cfg := provider.DescriptorConfig{
		ProviderID:            pid,
		AuthorizationEndpoint: "https://example.com/authorize",
		TokenEndpoint:         server.server.URL,
		Grants: []provider.GrantType{
			provider.GrantAuthorizationCode,
			provider.GrantRefreshToken,
			provider.GrantClientCredentials,
		},
		PKCE:       provider.PKCEAllowed,
		ClientAuth: provider.ClientAuthPostBody,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	desc, err := provider.NewDescriptor(cfg)
	require.NoError(t, err)

	st := memory.New()

	baseOpts := []Option{
		WithClientID("test-client"),
		WithClientSecret(secrets.New("test-secret")),
		WithRedirectURI("https://app.example.com/callback"),
		WithHTTPClient(transport.NewHTTPClient(server.server.Client())),
	}
	b, err := New(desc, st, append(baseOpts, opts...)...)
	require.NoError(t, err)

	env := &testEnv{
		broker: b,
		store:  st,
		server: server,
		now:    time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}
	b.now = func() time.Time { return env.now }
	b.randFloat = func() float64 { return 0.5 } // centre of the jitter window
	return env
}

func testTenant(t *testing.T) identity.TenantID {
	t.Helper()
	id, err := identity.NewTenantID("acme")
	require.NoError(t, err)
	return id
}

func testPrincipal(t *testing.T) identity.PrincipalID {
	t.Helper()
	id, err := identity.NewPrincipalID("svc-1")
	require.NoError(t, err)
	return id
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	pid, err := identity.NewProviderID("github")
	require.NoError(t, err)
	desc, err := provider.NewDescriptor(provider.DescriptorConfig{
		ProviderID:    pid,
		TokenEndpoint: "https://example.com/token",
		Grants:        []provider.GrantType{provider.GrantClientCredentials},
		ClientAuth:    provider.ClientAuthBasic,
	})
	require.NoError(t, err)

	t.Run("nil descriptor", func(t *testing.T) {
		t.Parallel()
		_, err := New(nil, memory.New(), WithClientID("c"))
		require.Error(t, err)
		assert.True(t, brokererrors.IsConfiguration(err))
	})

	t.Run("nil store", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, nil, WithClientID("c"))
		require.Error(t, err)
		assert.True(t, brokererrors.IsConfiguration(err))
	})

	t.Run("missing client ID", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, memory.New())
		require.Error(t, err)
		assert.True(t, brokererrors.IsConfiguration(err))
		assert.Contains(t, err.Error(), "client ID")
	})

	t.Run("basic auth requires secret", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, memory.New(), WithClientID("c"))
		require.Error(t, err)
		assert.True(t, brokererrors.IsConfiguration(err))
		assert.Contains(t, err.Error(), "client secret")
	})

	t.Run("fraction out of range", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, memory.New(),
			WithClientID("c"),
			WithClientSecret(secrets.New("s")),
			WithEarlyRefreshFraction(0.9))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "early refresh fraction")
	})

	t.Run("jitter out of range", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, memory.New(),
			WithClientID("c"),
			WithClientSecret(secrets.New("s")),
			WithJitterFraction(1.5))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "jitter fraction")
	})

	t.Run("non-positive session TTL", func(t *testing.T) {
		t.Parallel()
		_, err := New(desc, memory.New(),
			WithClientID("c"),
			WithClientSecret(secrets.New("s")),
			WithSessionTTL(0))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "session TTL")
	})

	t.Run("defaults applied", func(t *testing.T) {
		t.Parallel()
		b, err := New(desc, memory.New(),
			WithClientID("c"),
			WithClientSecret(secrets.New("s")))
		require.NoError(t, err)
		assert.Equal(t, DefaultSessionTTL, b.sessionTTL)
		assert.Equal(t, DefaultEarlyRefreshFloor, b.earlyRefreshFloor)
		assert.Equal(t, DefaultEarlyRefreshFraction, b.earlyRefreshFraction)
		assert.Equal(t, DefaultJitterFraction, b.jitterFraction)
		assert.NotNil(t, b.strategy)
		assert.NotNil(t, b.client)
		assert.NotNil(t, b.mapper)
		assert.NotNil(t, b.builder)
		assert.NotNil(t, b.hooks)
		assert.Equal(t, desc, b.Descriptor())
	})
}

func TestBroker_UnsupportedGrants(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *provider.DescriptorConfig) {
		c.Grants = []provider.GrantType{provider.GrantClientCredentials}
		c.AuthorizationEndpoint = ""
	})

	_, _, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.Error(t, err)
	assert.True(t, brokererrors.IsConfiguration(err))

	_, err = env.broker.RefreshAccessToken(t.Context(), RefreshRequest{
		Tenant:    testTenant(t),
		Principal: testPrincipal(t),
		Scope:     identity.MustScopeSet("repo"),
	})
	require.Error(t, err)
	assert.True(t, brokererrors.IsConfiguration(err))

	env2 := newTestEnv(t, func(c *provider.DescriptorConfig) {
		c.Grants = []provider.GrantType{provider.GrantAuthorizationCode, provider.GrantRefreshToken}
	})
	_, err = env2.broker.ClientCredentials(t.Context(), CachedTokenRequest{
		Tenant:    testTenant(t),
		Principal: testPrincipal(t),
		Scope:     identity.MustScopeSet("repo"),
	})
	require.Error(t, err)
	assert.True(t, brokererrors.IsConfiguration(err))
}
