// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauthreq assembles token-endpoint requests per RFC 6749 and parses
// token-endpoint responses. The broker consumes the Builder contract; the
// form builder here is the standard implementation.
package oauthreq

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
)

// Credentials identifies the OAuth client to the provider.
type Credentials struct {
	ClientID     string
	ClientSecret secrets.Secret
}

// AuthorizationCodeInput carries the grant-specific fields of an
// authorization-code exchange (RFC 6749 §4.1.3, RFC 7636 §4.5).
type AuthorizationCodeInput struct {
	Code         string
	RedirectURI  string
	CodeVerifier secrets.Secret
}

// RefreshInput carries the grant-specific fields of a refresh request
// (RFC 6749 §6).
type RefreshInput struct {
	RefreshToken secrets.Secret
	Scope        identity.ScopeSet
}

// ClientCredentialsInput carries the grant-specific fields of a
// client-credentials request (RFC 6749 §4.4.2).
type ClientCredentialsInput struct {
	Scope identity.ScopeSet
}

// Builder produces ready-to-dispatch token-endpoint requests. Implementations
// apply the strategy's scope joining, client authentication and quirks; the
// broker never hand-encodes wire bodies.
type Builder interface {
	AuthorizationCode(ctx context.Context, strategy provider.Strategy, creds Credentials, in AuthorizationCodeInput) (*http.Request, error)
	Refresh(ctx context.Context, strategy provider.Strategy, creds Credentials, in RefreshInput) (*http.Request, error)
	ClientCredentials(ctx context.Context, strategy provider.Strategy, creds Credentials, in ClientCredentialsInput) (*http.Request, error)
}

// FormBuilder is the standard x-www-form-urlencoded builder.
type FormBuilder struct{}

var _ Builder = (*FormBuilder)(nil)

// NewFormBuilder returns the standard builder.
func NewFormBuilder() *FormBuilder {
	return &FormBuilder{}
}

// AuthorizationCode implements Builder.
func (b *FormBuilder) AuthorizationCode(
	ctx context.Context,
	strategy provider.Strategy,
	creds Credentials,
	in AuthorizationCodeInput,
) (*http.Request, error) {
	if in.Code == "" {
		return nil, fmt.Errorf("authorization code is required")
	}
	if in.RedirectURI == "" {
		return nil, fmt.Errorf("redirect URI is required")
	}

	form := url.Values{}
	if strategy.IncludeGrantType(provider.GrantAuthorizationCode) {
		form.Set("grant_type", string(provider.GrantAuthorizationCode))
	}
	form.Set("code", in.Code)
	form.Set("redirect_uri", in.RedirectURI)
	if !in.CodeVerifier.IsZero() {
		form.Set("code_verifier", in.CodeVerifier.Expose())
	}

	return b.newTokenRequest(ctx, strategy, creds, form)
}

// Refresh implements Builder.
func (b *FormBuilder) Refresh(
	ctx context.Context,
	strategy provider.Strategy,
	creds Credentials,
	in RefreshInput,
) (*http.Request, error) {
	if in.RefreshToken.IsZero() {
		return nil, fmt.Errorf("refresh token is required")
	}

	form := url.Values{}
	if strategy.IncludeGrantType(provider.GrantRefreshToken) {
		form.Set("grant_type", string(provider.GrantRefreshToken))
	}
	form.Set("refresh_token", in.RefreshToken.Expose())
	if strategy.IncludeScope(provider.GrantRefreshToken, in.Scope) {
		form.Set("scope", strategy.JoinScopes(in.Scope))
	}

	return b.newTokenRequest(ctx, strategy, creds, form)
}

// ClientCredentials implements Builder.
func (b *FormBuilder) ClientCredentials(
	ctx context.Context,
	strategy provider.Strategy,
	creds Credentials,
	in ClientCredentialsInput,
) (*http.Request, error) {
	form := url.Values{}
	if strategy.IncludeGrantType(provider.GrantClientCredentials) {
		form.Set("grant_type", string(provider.GrantClientCredentials))
	}
	if strategy.IncludeScope(provider.GrantClientCredentials, in.Scope) {
		form.Set("scope", strategy.JoinScopes(in.Scope))
	}

	return b.newTokenRequest(ctx, strategy, creds, form)
}

func (*FormBuilder) newTokenRequest(
	ctx context.Context,
	strategy provider.Strategy,
	creds Credentials,
	form url.Values,
) (*http.Request, error) {
	if creds.ClientID == "" {
		return nil, fmt.Errorf("client ID is required")
	}

	endpoint := strategy.Descriptor().TokenEndpoint()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create token request: %w", err)
	}

	// Client auth may add form fields, so the body is encoded afterwards.
	strategy.ApplyClientAuth(req, form, creds.ClientID, creds.ClientSecret)

	encoded := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	return req, nil
}
