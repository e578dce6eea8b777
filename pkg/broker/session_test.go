// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"crypto/sha256"
	"encoding/base64"
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/store/memory"
)

func TestStartAuthorization(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *provider.DescriptorConfig) {
		c.PKCE = provider.PKCERequired
	})

	session, authURL, err := env.broker.StartAuthorization(
		t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo", "user"))
	require.NoError(t, err)
	require.NotNil(t, session)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()

	assert.Equal(t, "https", u.Scheme)
	assert.Equal(t, "example.com", u.Host)
	assert.Equal(t, "/authorize", u.Path)
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "test-client", q.Get("client_id"))
	assert.Equal(t, "https://app.example.com/callback", q.Get("redirect_uri"))
	assert.Equal(t, "repo user", q.Get("scope"))
	assert.Equal(t, session.State, q.Get("state"))
	assert.Equal(t, session.CodeChallenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))

	assert.Equal(t, env.now, session.CreatedAt)
	assert.Equal(t, "github", session.Provider.String())
	assert.True(t, session.Scope.Equal(identity.MustScopeSet("repo", "user")))
}

func TestStartAuthorization_StateEntropy(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	s1, _, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.NoError(t, err)
	s2, _, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.NoError(t, err)

	// 16 random bytes encode to 22 unpadded base64url characters.
	raw, err := base64.RawURLEncoding.DecodeString(s1.State)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(raw)*8, 128, "state must carry at least 128 bits")

	assert.NotEqual(t, s1.State, s2.State, "states must be fresh per session")
	assert.NotEqual(t, s1.CodeVerifier.Expose(), s2.CodeVerifier.Expose())
}

func TestStartAuthorization_PKCEChallenge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	session, _, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.NoError(t, err)

	verifier := session.CodeVerifier.Expose()
	require.GreaterOrEqual(t, len(verifier), 43, "RFC 7636 verifier minimum length")
	require.LessOrEqual(t, len(verifier), 128, "RFC 7636 verifier maximum length")

	sum := sha256.Sum256([]byte(verifier))
	assert.Equal(t, base64.RawURLEncoding.EncodeToString(sum[:]), session.CodeChallenge)
	assert.Equal(t, ChallengeMethodS256, session.ChallengeMethod)
}

func TestStartAuthorization_PKCEForbidden(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, func(c *provider.DescriptorConfig) {
		c.PKCE = provider.PKCEForbidden
	})

	session, authURL, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.NoError(t, err)

	assert.True(t, session.CodeVerifier.IsZero())
	assert.Empty(t, session.CodeChallenge)
	assert.Empty(t, session.ChallengeMethod)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	q := u.Query()
	_, present := q["code_challenge"]
	assert.False(t, present)
	_, present = q["code_challenge_method"]
	assert.False(t, present)
}

func TestStartAuthorization_MissingRedirectURI(t *testing.T) {
	t.Parallel()

	server := newFakeTokenServer(t)
	pid, err := identity.NewProviderID("github")
	require.NoError(t, err)
	desc, err := provider.NewDescriptor(provider.DescriptorConfig{
		ProviderID:            pid,
		AuthorizationEndpoint: "https://example.com/authorize",
		TokenEndpoint:         server.server.URL,
		Grants:                []provider.GrantType{provider.GrantAuthorizationCode},
		ClientAuth:            provider.ClientAuthPostBody,
	})
	require.NoError(t, err)

	b, err := New(desc, memory.New(), WithClientID("c"))
	require.NoError(t, err)

	_, _, err = b.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet("repo"))
	require.Error(t, err)
	assert.True(t, brokererrors.IsConfiguration(err))
	assert.Contains(t, err.Error(), "redirect URI")
}

func TestStartAuthorization_EmptyScopeOmitted(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, nil)

	_, authURL, err := env.broker.StartAuthorization(t.Context(), testTenant(t), testPrincipal(t), identity.MustScopeSet())
	require.NoError(t, err)

	u, err := url.Parse(authURL)
	require.NoError(t, err)
	_, present := u.Query()["scope"]
	assert.False(t, present)
}
