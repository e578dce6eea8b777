// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
)

func startSession(t *testing.T, env *testEnv) *AuthorizationSession {
	t.Helper()
	session, _, err := env.broker.StartAuthorization(
		t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.NoError(t, err)
	return session
}

func TestExchangeCode_HappyPath(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	env.server.respondToken(map[string]any{
		"access_token":  "A1",
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "R1",
		"scope":         "repo",
	})

	record, err := env.broker.ExchangeCode(t.Context(), session, session.State, "the-code", "")
	require.NoError(t, err)

	assert.True(t, record.Access.EqualString("A1"))
	assert.True(t, record.Refresh.EqualString("R1"))
	assert.True(t, record.Scope.Equal(identity.MustScopeSet("repo")))
	assert.Equal(t, env.now, record.IssuedAt)
	assert.Equal(t, env.now.Add(time.Hour), record.ExpiresAt)
	assert.NotEmpty(t, record.Family)

	form := env.server.form()
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "the-code", form.Get("code"))
	assert.Equal(t, "https://app.example.com/callback", form.Get("redirect_uri"))
	assert.Equal(t, session.CodeVerifier.Expose(), form.Get("code_verifier"))

	// The exchanged record is persisted under the session's key.
	key := identity.NewStoreKey(session.Tenant, session.Principal, session.Provider, session.Scope)
	stored, err := env.store.Fetch(t.Context(), key)
	require.NoError(t, err)
	assert.True(t, stored.Access.EqualString("A1"))
}

func TestExchangeCode_StateMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)
	session.State = "S-abc"

	_, err := env.broker.ExchangeCode(t.Context(), session, "S-xyz", "the-code", "")
	require.Error(t, err)
	assert.True(t, brokererrors.IsStateMismatch(err))
	assert.Zero(t, env.server.requestCount(), "no transport call may happen on a state mismatch")
}

func TestExchangeCode_SessionExpired(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	env.advance(DefaultSessionTTL + time.Second)

	_, err := env.broker.ExchangeCode(t.Context(), session, session.State, "the-code", "")
	require.Error(t, err)
	assert.True(t, brokererrors.IsSessionExpired(err))
	assert.Zero(t, env.server.requestCount())
}

func TestExchangeCode_SessionAtTTLBoundaryIsAccepted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	env.advance(DefaultSessionTTL)

	_, err := env.broker.ExchangeCode(t.Context(), session, session.State, "the-code", "")
	require.NoError(t, err, "a session exactly at the TTL is still valid")
}

func TestExchangeCode_ProviderError(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	env.server.respondError(400, map[string]any{
		"error":             "invalid_request",
		"error_description": "code expired",
	})

	_, err := env.broker.ExchangeCode(t.Context(), session, session.State, "stale-code", "")
	require.Error(t, err)
	assert.True(t, brokererrors.IsProtocol(err))
	assert.Equal(t, "invalid_request", brokererrors.OAuthCode(err))
}

func TestExchangeCode_ScopeInheritedWhenOmitted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	env.server.respondToken(map[string]any{
		"access_token": "A1",
		"token_type":   "Bearer",
	})

	record, err := env.broker.ExchangeCode(t.Context(), session, session.State, "the-code", "")
	require.NoError(t, err)
	assert.True(t, record.Scope.Equal(session.Scope), "requested scope is inherited when the provider is silent")
	assert.Equal(t, env.now.Add(time.Hour), record.ExpiresAt, "expires_in defaults to 3600s")
}

func TestExchangeCode_NilSession(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	_, err := env.broker.ExchangeCode(t.Context(), nil, "s", "c", "")
	require.Error(t, err)
	assert.True(t, brokererrors.IsConfiguration(err))
}

func TestExchangeCode_ExplicitRedirectURIOverride(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)
	session := startSession(t, env)

	_, err := env.broker.ExchangeCode(t.Context(), session, session.State, "the-code", "https://other.example.com/cb")
	require.NoError(t, err)

	assert.Equal(t, "https://other.example.com/cb", env.server.form().Get("redirect_uri"))
}
