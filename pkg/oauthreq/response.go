// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package oauthreq

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stacklok/tokenbroker/pkg/errors"
)

// DefaultExpiresIn applies when the provider omits expires_in.
const DefaultExpiresIn = 3600 * time.Second

// TokenResponse is a parsed token-endpoint success body.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresIn    time.Duration
	RefreshToken string

	// ScopeRaw is the provider's scope field verbatim; empty when absent, in
	// which case the requested scope is inherited.
	ScopeRaw string

	// Extras holds every field the broker does not interpret.
	Extras map[string]any
}

// interpreted are the response fields consumed into TokenResponse; everything
// else lands in Extras.
var interpreted = map[string]struct{}{
	"access_token":  {},
	"token_type":    {},
	"expires_in":    {},
	"refresh_token": {},
	"scope":         {},
}

// ParseTokenResponse decodes a token-endpoint success body.
func ParseTokenResponse(body []byte) (*TokenResponse, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("token response is not a JSON object: %w", err)
	}

	resp := &TokenResponse{ExpiresIn: DefaultExpiresIn}

	if err := unmarshalString(raw, "access_token", &resp.AccessToken); err != nil {
		return nil, err
	}
	if resp.AccessToken == "" {
		return nil, fmt.Errorf("token response is missing access_token")
	}
	if err := unmarshalString(raw, "token_type", &resp.TokenType); err != nil {
		return nil, err
	}
	if resp.TokenType == "" {
		return nil, fmt.Errorf("token response is missing token_type")
	}
	if err := unmarshalString(raw, "refresh_token", &resp.RefreshToken); err != nil {
		return nil, err
	}
	if err := unmarshalString(raw, "scope", &resp.ScopeRaw); err != nil {
		return nil, err
	}

	if v, ok := raw["expires_in"]; ok {
		var secs float64
		if err := json.Unmarshal(v, &secs); err != nil {
			// Some providers return expires_in as a JSON string.
			var s string
			if serr := json.Unmarshal(v, &s); serr != nil {
				return nil, fmt.Errorf("token response has invalid expires_in: %w", err)
			}
			if _, perr := fmt.Sscanf(s, "%f", &secs); perr != nil {
				return nil, fmt.Errorf("token response has invalid expires_in %q", s)
			}
		}
		if secs > 0 {
			resp.ExpiresIn = time.Duration(secs * float64(time.Second))
		}
	}

	for k, v := range raw {
		if _, ok := interpreted[k]; ok {
			continue
		}
		var val any
		if err := json.Unmarshal(v, &val); err != nil {
			continue
		}
		if resp.Extras == nil {
			resp.Extras = make(map[string]any)
		}
		resp.Extras[k] = val
	}

	return resp, nil
}

func unmarshalString(raw map[string]json.RawMessage, key string, dst *string) error {
	v, ok := raw[key]
	if !ok {
		return nil
	}
	if err := json.Unmarshal(v, dst); err != nil {
		return fmt.Errorf("token response field %s is not a string: %w", key, err)
	}
	return nil
}

// IsBearer reports whether the declared token type matches "Bearer",
// case-insensitively per RFC 6749 §5.1.
func (r *TokenResponse) IsBearer() bool {
	return strings.EqualFold(r.TokenType, "bearer")
}

// SplitScope splits ScopeRaw with the provider's delimiter, dropping empty
// elements.
func (r *TokenResponse) SplitScope(delim string) []string {
	if r.ScopeRaw == "" {
		return nil
	}
	parts := strings.Split(r.ScopeRaw, delim)
	out := parts[:0]
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// errorBody is the RFC 6749 §5.2 error response shape.
type errorBody struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
	ErrorURI         string `json:"error_uri"`
}

// ParseErrorResponse extracts a structured OAuth error from a 4xx body.
// It returns nil when the body carries no parseable error code, in which case
// the transport mapper decides the classification.
func ParseErrorResponse(body []byte) *errors.OAuthError {
	var eb errorBody
	if err := json.Unmarshal(body, &eb); err != nil {
		return nil
	}
	if eb.Error == "" {
		return nil
	}
	return &errors.OAuthError{
		Code:        eb.Error,
		Description: eb.ErrorDescription,
		URI:         eb.ErrorURI,
	}
}

// OAuth error codes the broker branches on.
const (
	// ErrorCodeInvalidGrant drives refresh-token revocation.
	ErrorCodeInvalidGrant = "invalid_grant"
)
