// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package provider

import (
	"net/http"
	"net/url"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
)

// Strategy interprets a descriptor at request time. The request facade asks
// the strategy how to join scopes, whether to attach PKCE material, and how to
// present client credentials; it never reads descriptor quirks directly.
type Strategy interface {
	// Descriptor returns the descriptor this strategy interprets.
	Descriptor() *Descriptor

	// JoinScopes joins a scope set with the provider's delimiter.
	JoinScopes(scope identity.ScopeSet) string

	// IncludeScope reports whether the scope parameter belongs on a request
	// carrying the given scope set for the given grant.
	IncludeScope(grant GrantType, scope identity.ScopeSet) bool

	// UsePKCE reports whether authorization-code requests carry PKCE material.
	UsePKCE() bool

	// IncludeGrantType reports whether the grant_type field belongs on a
	// request for the given grant.
	IncludeGrantType(grant GrantType) bool

	// ApplyClientAuth attaches client credentials to an outgoing token request
	// according to the descriptor's client-auth method.
	ApplyClientAuth(req *http.Request, form url.Values, clientID string, clientSecret secrets.Secret)
}

type descriptorStrategy struct {
	desc *Descriptor
}

// NewStrategy returns the standard strategy for a descriptor.
func NewStrategy(desc *Descriptor) Strategy {
	return &descriptorStrategy{desc: desc}
}

func (s *descriptorStrategy) Descriptor() *Descriptor {
	return s.desc
}

func (s *descriptorStrategy) JoinScopes(scope identity.ScopeSet) string {
	return scope.Join(s.desc.ScopeDelimiter())
}

func (s *descriptorStrategy) IncludeScope(grant GrantType, scope identity.ScopeSet) bool {
	if grant == GrantRefreshToken && s.desc.Quirks().OmitScopeOnRefresh {
		return false
	}
	if scope.IsEmpty() {
		return s.desc.Quirks().IncludeEmptyScope
	}
	return true
}

func (s *descriptorStrategy) UsePKCE() bool {
	return s.desc.PKCE() != PKCEForbidden
}

func (s *descriptorStrategy) IncludeGrantType(grant GrantType) bool {
	if grant == GrantRefreshToken && s.desc.Quirks().OmitGrantTypeOnRefresh {
		return false
	}
	return true
}

func (s *descriptorStrategy) ApplyClientAuth(req *http.Request, form url.Values, clientID string, clientSecret secrets.Secret) {
	switch s.desc.ClientAuth() {
	case ClientAuthBasic:
		// RFC 6749 §2.3.1: credentials are form-urlencoded before Basic auth.
		req.SetBasicAuth(url.QueryEscape(clientID), url.QueryEscape(clientSecret.Expose()))
	case ClientAuthPostBody:
		form.Set("client_id", clientID)
		if !clientSecret.IsZero() {
			form.Set("client_secret", clientSecret.Expose())
		}
	case ClientAuthNone:
		form.Set("client_id", clientID)
	}
}
