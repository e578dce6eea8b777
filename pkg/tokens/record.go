// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package tokens defines the token record persisted by the store and the
// family marker that links an access token to its refresh lineage.
package tokens

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
)

// DefaultTokenType is the token type expected from compliant providers.
const DefaultTokenType = "Bearer"

// Family groups an access token with its refresh-token lineage. Rotations
// preserve the family; a superseded lineage can be revoked as a unit.
type Family string

// NewFamily returns a fresh family marker.
func NewFamily() Family {
	return Family(uuid.NewString())
}

func (f Family) String() string { return string(f) }

// Record is a stored token: the access secret, optional refresh material,
// lifecycle timestamps and whatever extra fields the provider returned.
type Record struct {
	// Key is the logical credential this record belongs to.
	Key identity.StoreKey

	// Access is the access token. Never empty on a valid record.
	Access secrets.Secret

	// Refresh is the refresh token; zero when the provider issued none.
	Refresh secrets.Secret

	// TokenType is the provider-declared token type, typically "Bearer".
	TokenType string

	// Scope is the scope set actually granted.
	Scope identity.ScopeSet

	// IssuedAt is when the broker obtained the token.
	IssuedAt time.Time

	// ExpiresAt is when the access token expires.
	ExpiresAt time.Time

	// Family links this record to its refresh lineage.
	Family Family

	// Extras holds provider-supplied response fields the broker does not
	// interpret.
	Extras map[string]any
}

// Validate checks the record invariants.
func (r *Record) Validate() error {
	if r.Access.IsZero() {
		return fmt.Errorf("record access secret must not be empty")
	}
	if r.TokenType == "" {
		return fmt.Errorf("record token type must not be empty")
	}
	if r.Scope.IsEmpty() {
		return fmt.Errorf("record scope set must not be empty")
	}
	if r.IssuedAt.IsZero() || r.ExpiresAt.IsZero() {
		return fmt.Errorf("record timestamps must be set")
	}
	if r.ExpiresAt.Before(r.IssuedAt) {
		return fmt.Errorf("record expires-at %s precedes issued-at %s", r.ExpiresAt, r.IssuedAt)
	}
	if r.Family == "" {
		return fmt.Errorf("record family must not be empty")
	}
	return nil
}

// HasRefresh reports whether the record carries refresh material.
func (r *Record) HasRefresh() bool {
	return !r.Refresh.IsZero()
}

// Lifetime returns the access token's issued-to-expiry duration.
func (r *Record) Lifetime() time.Duration {
	return r.ExpiresAt.Sub(r.IssuedAt)
}

// ExpiredAt reports whether the access token is expired at the given instant.
func (r *Record) ExpiredAt(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}

// Clone returns a copy with its own Extras map; values inside Extras are
// copied shallowly, so nested slices or maps stay shared.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	if r.Extras != nil {
		out.Extras = make(map[string]any, len(r.Extras))
		for k, v := range r.Extras {
			out.Extras[k] = v
		}
	}
	return &out
}
