// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"

	"golang.org/x/oauth2"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// brokerTokenSource adapts the client-credentials flow to oauth2.TokenSource,
// so the broker plugs into anything that consumes the x/oauth2 contract.
// Caching and early refresh stay inside the broker; the source never wraps
// itself in oauth2.ReuseTokenSource.
type brokerTokenSource struct {
	ctx    context.Context
	broker *Broker
	req    CachedTokenRequest
}

// TokenSource returns an oauth2.TokenSource whose Token drives the
// client-credentials flow for the given identity and scope. The context
// bounds every future Token call, matching the oauth2.Config.TokenSource
// convention.
func (b *Broker) TokenSource(
	ctx context.Context,
	tenant identity.TenantID,
	principal identity.PrincipalID,
	scope identity.ScopeSet,
) oauth2.TokenSource {
	return &brokerTokenSource{
		ctx:    ctx,
		broker: b,
		req: CachedTokenRequest{
			Tenant:    tenant,
			Principal: principal,
			Scope:     scope,
		},
	}
}

// Token implements oauth2.TokenSource.
func (s *brokerTokenSource) Token() (*oauth2.Token, error) {
	record, err := s.broker.ClientCredentials(s.ctx, s.req)
	if err != nil {
		return nil, err
	}
	return toOAuth2Token(record), nil
}

// toOAuth2Token converts a record to the x/oauth2 token shape. The secrets
// are deliberately exposed: the returned token's whole purpose is to be sent.
func toOAuth2Token(record *tokens.Record) *oauth2.Token {
	tok := &oauth2.Token{
		AccessToken:  record.Access.Expose(),
		TokenType:    record.TokenType,
		RefreshToken: record.Refresh.Expose(),
		Expiry:       record.ExpiresAt,
	}
	if len(record.Extras) > 0 {
		tok = tok.WithExtra(record.Extras)
	}
	return tok
}
