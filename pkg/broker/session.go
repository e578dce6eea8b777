// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net/url"
	"time"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
)

// ChallengeMethodS256 is the only PKCE challenge method the broker emits.
const ChallengeMethodS256 = "S256"

// AuthorizationSession is the state created by StartAuthorization and
// consumed once by ExchangeCode. The broker never stores sessions; the
// integrator keeps them wherever fits (memory, cookie, encrypted blob).
type AuthorizationSession struct {
	// State is the CSRF token bound into the authorization URL.
	State string

	// CodeVerifier is the PKCE verifier; zero when the descriptor forbids PKCE.
	CodeVerifier secrets.Secret

	// CodeChallenge is base64url(sha256(verifier)), unpadded.
	CodeChallenge string

	// ChallengeMethod is "S256", or empty when PKCE is omitted.
	ChallengeMethod string

	Tenant    identity.TenantID
	Principal identity.PrincipalID
	Provider  identity.ProviderID
	Scope     identity.ScopeSet
	CreatedAt time.Time
}

// generateState returns a fresh CSRF state token with 128 bits of entropy.
// Implements RFC 6749 §10.12.
func generateState() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// generatePKCE returns a fresh verifier and its S256 challenge.
// Implements RFC 7636.
func generatePKCE() (secrets.Secret, string, error) {
	// 32 random bytes encode to 43 URL-safe characters, the RFC 7636 minimum.
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return secrets.Secret{}, "", fmt.Errorf("failed to generate code verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(buf)

	hash := sha256.Sum256([]byte(verifier))
	challenge := base64.RawURLEncoding.EncodeToString(hash[:])

	return secrets.New(verifier), challenge, nil
}

// StartAuthorization opens an authorization-code flow for the given identity
// and scope. It returns the session the integrator must hold on to and the
// authorization URL to send the user to.
func (b *Broker) StartAuthorization(
	ctx context.Context,
	tenant identity.TenantID,
	principal identity.PrincipalID,
	scope identity.ScopeSet,
) (*AuthorizationSession, string, error) {
	_, end := b.hooks.StartStage(ctx, telemetry.FlowAuthorizationCode, telemetry.StageStartAuthorization)

	session, authURL, err := b.startAuthorization(tenant, principal, scope)
	end(err)
	if err != nil {
		return nil, "", err
	}
	return session, authURL, nil
}

func (b *Broker) startAuthorization(
	tenant identity.TenantID,
	principal identity.PrincipalID,
	scope identity.ScopeSet,
) (*AuthorizationSession, string, error) {
	if err := b.requireGrant(provider.GrantAuthorizationCode); err != nil {
		return nil, "", err
	}
	if b.redirectURI == "" {
		return nil, "", brokererrors.NewConfigurationError(
			"redirect URI is required for the authorization-code flow", nil)
	}

	state, err := generateState()
	if err != nil {
		return nil, "", brokererrors.NewPermanentError("failed to generate session state", err)
	}

	session := &AuthorizationSession{
		State:     state,
		Tenant:    tenant,
		Principal: principal,
		Provider:  b.desc.ID(),
		Scope:     scope,
		CreatedAt: b.now(),
	}

	if b.strategy.UsePKCE() {
		verifier, challenge, err := generatePKCE()
		if err != nil {
			return nil, "", brokererrors.NewPermanentError("failed to generate PKCE material", err)
		}
		session.CodeVerifier = verifier
		session.CodeChallenge = challenge
		session.ChallengeMethod = ChallengeMethodS256
	}

	authURL, err := b.buildAuthorizationURL(session)
	if err != nil {
		return nil, "", brokererrors.NewConfigurationError("failed to build authorization URL", err)
	}
	return session, authURL, nil
}

// buildAuthorizationURL renders RFC 6749 §4.1.1 with the PKCE extension
// parameters of RFC 7636 §4.3.
func (b *Broker) buildAuthorizationURL(session *AuthorizationSession) (string, error) {
	u, err := url.Parse(b.desc.AuthorizationEndpoint())
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", b.clientID)
	q.Set("redirect_uri", b.redirectURI)
	q.Set("state", session.State)
	if b.strategy.IncludeScope(provider.GrantAuthorizationCode, session.Scope) {
		q.Set("scope", b.strategy.JoinScopes(session.Scope))
	}
	if session.ChallengeMethod != "" {
		q.Set("code_challenge", session.CodeChallenge)
		q.Set("code_challenge_method", session.ChallengeMethod)
	}
	u.RawQuery = q.Encode()

	return u.String(), nil
}
