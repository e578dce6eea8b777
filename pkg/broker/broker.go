// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package broker implements the OAuth 2.0 grant flows over the store,
// transport and request-builder contracts: authorization code with PKCE,
// refresh-token rotation guarded by compare-and-swap, and cached client
// credentials with a jittered early-refresh window. Concurrent fetches for
// the same logical credential are collapsed through a per-key singleflight
// registry.
package broker

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/oauthreq"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/singleflight"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/transport"
)

// Defaults for the recognized configuration options.
const (
	DefaultSessionTTL           = 600 * time.Second
	DefaultEarlyRefreshFloor    = 30 * time.Second
	DefaultEarlyRefreshFraction = 0.1
	DefaultJitterFraction       = 0.2
)

// Broker orchestrates token acquisition for one provider on behalf of many
// tenants and principals. A broker is safe for concurrent use; it owns its
// strategy, transport and mapper handles and shares only the store.
type Broker struct {
	desc     *provider.Descriptor
	strategy provider.Strategy
	store    store.Store
	client   transport.Client
	mapper   transport.Mapper
	builder  oauthreq.Builder
	hooks    telemetry.Hooks
	signer   RequestSigner
	limiter  RateLimiter
	flights  *singleflight.Registry

	clientID     string
	clientSecret secrets.Secret
	redirectURI  string

	sessionTTL           time.Duration
	earlyRefreshFloor    time.Duration
	earlyRefreshFraction float64
	jitterFraction       float64

	// Injectable for deterministic tests.
	now       func() time.Time
	randFloat func() float64
}

// Option configures a Broker.
type Option func(*Broker)

// WithClientID sets the OAuth client identifier. Required.
func WithClientID(id string) Option {
	return func(b *Broker) { b.clientID = id }
}

// WithClientSecret sets the OAuth client secret. Required when the
// descriptor's client-auth method is basic.
func WithClientSecret(secret secrets.Secret) Option {
	return func(b *Broker) { b.clientSecret = secret }
}

// WithRedirectURI sets the redirect URI used by the authorization-code flow.
func WithRedirectURI(uri string) Option {
	return func(b *Broker) { b.redirectURI = uri }
}

// WithHTTPClient sets the transport used for token requests. Defaults to a
// net/http client with transport.DefaultTimeout.
func WithHTTPClient(client transport.Client) Option {
	return func(b *Broker) { b.client = client }
}

// WithMapper sets the transport error mapper. Defaults to the standard rules.
func WithMapper(mapper transport.Mapper) Option {
	return func(b *Broker) { b.mapper = mapper }
}

// WithBuilder sets the OAuth request builder. Defaults to the form builder.
func WithBuilder(builder oauthreq.Builder) Option {
	return func(b *Broker) { b.builder = builder }
}

// WithStrategy overrides the strategy interpreting the descriptor.
func WithStrategy(strategy provider.Strategy) Option {
	return func(b *Broker) { b.strategy = strategy }
}

// WithHooks sets the observability hooks. Defaults to no-ops.
func WithHooks(hooks telemetry.Hooks) Option {
	return func(b *Broker) { b.hooks = hooks }
}

// WithRequestSigner sets an optional signer applied to every token request
// before dispatch.
func WithRequestSigner(signer RequestSigner) Option {
	return func(b *Broker) { b.signer = signer }
}

// WithRateLimiter sets an optional rate limiter awaited before every token
// request.
func WithRateLimiter(limiter RateLimiter) Option {
	return func(b *Broker) { b.limiter = limiter }
}

// WithSessionTTL bounds the lifetime of authorization sessions.
func WithSessionTTL(ttl time.Duration) Option {
	return func(b *Broker) { b.sessionTTL = ttl }
}

// WithEarlyRefreshFloor sets the minimum early-refresh lead time for cached
// client-credentials tokens.
func WithEarlyRefreshFloor(d time.Duration) Option {
	return func(b *Broker) { b.earlyRefreshFloor = d }
}

// WithEarlyRefreshFraction sets the fraction of a token's lifetime used as
// early-refresh lead time. Valid range 0.0–0.5.
func WithEarlyRefreshFraction(f float64) Option {
	return func(b *Broker) { b.earlyRefreshFraction = f }
}

// WithJitterFraction sets the jitter applied to the early-refresh window as a
// fraction of the floor. Valid range 0.0–1.0.
func WithJitterFraction(f float64) Option {
	return func(b *Broker) { b.jitterFraction = f }
}

// New validates the configuration and builds a broker bound to the given
// descriptor and store.
func New(desc *provider.Descriptor, st store.Store, opts ...Option) (*Broker, error) {
	if desc == nil {
		return nil, brokererrors.NewConfigurationError("provider descriptor is required", nil)
	}
	if st == nil {
		return nil, brokererrors.NewConfigurationError("token store is required", nil)
	}

	b := &Broker{
		desc:                 desc,
		store:                st,
		flights:              singleflight.NewRegistry(),
		sessionTTL:           DefaultSessionTTL,
		earlyRefreshFloor:    DefaultEarlyRefreshFloor,
		earlyRefreshFraction: DefaultEarlyRefreshFraction,
		jitterFraction:       DefaultJitterFraction,
		now:                  time.Now,
		randFloat:            rand.Float64,
	}
	for _, opt := range opts {
		opt(b)
	}

	if b.clientID == "" {
		return nil, brokererrors.NewConfigurationError("client ID is required", nil)
	}
	if desc.ClientAuth() == provider.ClientAuthBasic && b.clientSecret.IsZero() {
		return nil, brokererrors.NewConfigurationError(
			"client secret is required for basic client authentication", nil)
	}
	if b.earlyRefreshFraction < 0 || b.earlyRefreshFraction > 0.5 {
		return nil, brokererrors.NewConfigurationError(
			"early refresh fraction must be between 0.0 and 0.5", nil)
	}
	if b.jitterFraction < 0 || b.jitterFraction > 1 {
		return nil, brokererrors.NewConfigurationError(
			"jitter fraction must be between 0.0 and 1.0", nil)
	}
	if b.sessionTTL <= 0 {
		return nil, brokererrors.NewConfigurationError(
			"authorization session TTL must be positive", nil)
	}

	if b.strategy == nil {
		b.strategy = provider.NewStrategy(desc)
	}
	if b.client == nil {
		b.client = transport.NewHTTPClient(nil)
	}
	if b.mapper == nil {
		b.mapper = transport.NewDefaultMapper()
	}
	if b.builder == nil {
		b.builder = oauthreq.NewFormBuilder()
	}
	if b.hooks == nil {
		b.hooks = telemetry.NoopHooks{}
	}

	return b, nil
}

// Descriptor returns the descriptor the broker is bound to.
func (b *Broker) Descriptor() *provider.Descriptor {
	return b.desc
}

// credentials returns the client credentials handed to the request builder.
func (b *Broker) credentials() oauthreq.Credentials {
	return oauthreq.Credentials{ClientID: b.clientID, ClientSecret: b.clientSecret}
}

// storeFailure classifies a store error, keeping cancellation distinct from
// backend failures.
func storeFailure(message string, err error) *brokererrors.Error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return brokererrors.NewCancelledError(message, err)
	}
	return brokererrors.NewStoreError(message, err)
}

// requireGrant rejects flows the descriptor does not support.
func (b *Broker) requireGrant(g provider.GrantType) *brokererrors.Error {
	if !b.desc.Supports(g) {
		return brokererrors.NewConfigurationError(
			"provider does not support the "+string(g)+" grant", nil)
	}
	return nil
}
