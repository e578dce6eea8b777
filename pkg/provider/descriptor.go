// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package provider describes OAuth providers: the immutable descriptor holding
// endpoints, supported grants and quirks, and the strategy that interprets a
// descriptor at request time.
package provider

import (
	"fmt"
	"net/url"

	"github.com/stacklok/tokenbroker/pkg/identity"
)

// GrantType is an OAuth 2.0 grant the broker can drive.
type GrantType string

// Grants supported by the broker.
const (
	GrantAuthorizationCode GrantType = "authorization_code"
	GrantRefreshToken      GrantType = "refresh_token"
	GrantClientCredentials GrantType = "client_credentials"
)

// PKCEPolicy controls whether PKCE parameters are attached to the
// authorization-code flow.
type PKCEPolicy string

// PKCE policies.
const (
	PKCERequired  PKCEPolicy = "required"
	PKCEAllowed   PKCEPolicy = "allowed"
	PKCEForbidden PKCEPolicy = "forbidden"
)

// ClientAuthMethod controls how client credentials are presented to the token
// endpoint.
type ClientAuthMethod string

// Client authentication methods.
const (
	// ClientAuthBasic sends HTTP Basic auth with URL-encoded credentials.
	ClientAuthBasic ClientAuthMethod = "basic"
	// ClientAuthPostBody sends client_id/client_secret in the form body.
	ClientAuthPostBody ClientAuthMethod = "post_body"
	// ClientAuthNone sends only client_id where a grant needs it.
	ClientAuthNone ClientAuthMethod = "none"
)

// Quirks are provider deviations from RFC 6749 the broker knows how to apply.
type Quirks struct {
	// IncludeEmptyScope includes the scope parameter even when no scopes are
	// requested.
	IncludeEmptyScope bool

	// OmitGrantTypeOnRefresh drops the grant_type field on refresh requests,
	// for providers that reject it.
	OmitGrantTypeOnRefresh bool

	// OmitScopeOnRefresh drops the scope parameter on refresh requests, for
	// providers that reject scope narrowing on refresh.
	OmitScopeOnRefresh bool
}

// DescriptorConfig is the input to NewDescriptor.
type DescriptorConfig struct {
	ProviderID            identity.ProviderID
	AuthorizationEndpoint string
	TokenEndpoint         string
	RevocationEndpoint    string
	Grants                []GrantType
	ScopeDelimiter        string
	PKCE                  PKCEPolicy
	ClientAuth            ClientAuthMethod
	Quirks                Quirks
}

// Descriptor is an immutable provider description. Build with NewDescriptor;
// the validator rejects inconsistent combinations.
type Descriptor struct {
	id                    identity.ProviderID
	authorizationEndpoint string
	tokenEndpoint         string
	revocationEndpoint    string
	grants                map[GrantType]struct{}
	scopeDelimiter        string
	pkce                  PKCEPolicy
	clientAuth            ClientAuthMethod
	quirks                Quirks
}

func validateEndpointURL(endpoint string) error {
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got %q", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("URL must have a host")
	}
	return nil
}

// NewDescriptor validates the configuration and returns a descriptor.
func NewDescriptor(cfg DescriptorConfig) (*Descriptor, error) {
	if cfg.ProviderID.String() == "" {
		return nil, fmt.Errorf("provider ID is required")
	}
	if len(cfg.Grants) == 0 {
		return nil, fmt.Errorf("at least one grant type is required")
	}

	grants := make(map[GrantType]struct{}, len(cfg.Grants))
	for _, g := range cfg.Grants {
		switch g {
		case GrantAuthorizationCode, GrantRefreshToken, GrantClientCredentials:
			grants[g] = struct{}{}
		default:
			return nil, fmt.Errorf("unsupported grant type %q", g)
		}
	}

	if cfg.TokenEndpoint == "" {
		return nil, fmt.Errorf("token endpoint is required")
	}
	if err := validateEndpointURL(cfg.TokenEndpoint); err != nil {
		return nil, fmt.Errorf("invalid token endpoint: %w", err)
	}

	_, hasAuthCode := grants[GrantAuthorizationCode]
	if hasAuthCode {
		if cfg.AuthorizationEndpoint == "" {
			return nil, fmt.Errorf("authorization endpoint is required when authorization_code is supported")
		}
		if err := validateEndpointURL(cfg.AuthorizationEndpoint); err != nil {
			return nil, fmt.Errorf("invalid authorization endpoint: %w", err)
		}
	}

	if cfg.RevocationEndpoint != "" {
		if err := validateEndpointURL(cfg.RevocationEndpoint); err != nil {
			return nil, fmt.Errorf("invalid revocation endpoint: %w", err)
		}
	}

	pkce := cfg.PKCE
	if pkce == "" {
		pkce = PKCEAllowed
	}
	switch pkce {
	case PKCERequired, PKCEAllowed, PKCEForbidden:
	default:
		return nil, fmt.Errorf("unknown PKCE policy %q", pkce)
	}
	if pkce == PKCERequired && !hasAuthCode {
		return nil, fmt.Errorf("PKCE cannot be required when authorization_code is not supported")
	}

	clientAuth := cfg.ClientAuth
	if clientAuth == "" {
		clientAuth = ClientAuthBasic
	}
	switch clientAuth {
	case ClientAuthBasic, ClientAuthPostBody, ClientAuthNone:
	default:
		return nil, fmt.Errorf("unknown client auth method %q", clientAuth)
	}

	delim := cfg.ScopeDelimiter
	if delim == "" {
		delim = " "
	}

	return &Descriptor{
		id:                    cfg.ProviderID,
		authorizationEndpoint: cfg.AuthorizationEndpoint,
		tokenEndpoint:         cfg.TokenEndpoint,
		revocationEndpoint:    cfg.RevocationEndpoint,
		grants:                grants,
		scopeDelimiter:        delim,
		pkce:                  pkce,
		clientAuth:            clientAuth,
		quirks:                cfg.Quirks,
	}, nil
}

// ID returns the provider identifier.
func (d *Descriptor) ID() identity.ProviderID { return d.id }

// AuthorizationEndpoint returns the configured authorization endpoint URL, or
// empty when none was configured. NewDescriptor requires and validates it only
// when the authorization-code grant is supported.
func (d *Descriptor) AuthorizationEndpoint() string { return d.authorizationEndpoint }

// TokenEndpoint returns the token endpoint URL.
func (d *Descriptor) TokenEndpoint() string { return d.tokenEndpoint }

// RevocationEndpoint returns the optional RFC 7009 revocation endpoint URL.
func (d *Descriptor) RevocationEndpoint() string { return d.revocationEndpoint }

// Supports reports whether the provider supports the given grant.
func (d *Descriptor) Supports(g GrantType) bool {
	_, ok := d.grants[g]
	return ok
}

// ScopeDelimiter returns the delimiter used to join scopes, default space.
func (d *Descriptor) ScopeDelimiter() string { return d.scopeDelimiter }

// PKCE returns the provider's PKCE policy.
func (d *Descriptor) PKCE() PKCEPolicy { return d.pkce }

// ClientAuth returns the client authentication method.
func (d *Descriptor) ClientAuth() ClientAuthMethod { return d.clientAuth }

// Quirks returns the provider's quirk flags.
func (d *Descriptor) Quirks() Quirks { return d.quirks }
