// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package store defines the token persistence contract consumed by the broker.
// Implementations must provide strict serializability per store key; no
// cross-key consistency is required.
package store

import (
	"context"
	"errors"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// ErrNotFound is returned by Fetch when no record exists for the key.
var ErrNotFound = errors.New("token record not found")

// CASOutcome is the result of a compare-and-swap-refresh attempt.
type CASOutcome int

// CAS outcomes.
const (
	// CASSwapped means the stored record was replaced.
	CASSwapped CASOutcome = iota
	// CASMismatch means the stored refresh secret differed from the expected
	// one; the observed record accompanies the outcome.
	CASMismatch
	// CASAbsent means no record existed for the key.
	CASAbsent
)

func (o CASOutcome) String() string {
	switch o {
	case CASSwapped:
		return "swapped"
	case CASMismatch:
		return "mismatch"
	case CASAbsent:
		return "absent"
	default:
		return "unknown"
	}
}

// CASResult carries the outcome of CompareAndSwapRefresh. Observed is set on
// CASMismatch so the caller can adopt the record another actor rotated in.
type CASResult struct {
	Outcome  CASOutcome
	Observed *tokens.Record
}

// Store persists token records keyed by identity.StoreKey. All operations may
// block and honor context cancellation. Apart from Fetch's ErrNotFound, a
// non-nil error means a backend failure or cancellation; CAS misses are
// reported through CASResult, not as errors.
type Store interface {
	// Fetch returns the current record for the key, or ErrNotFound.
	Fetch(ctx context.Context, key identity.StoreKey) (*tokens.Record, error)

	// Save upserts the record unconditionally.
	Save(ctx context.Context, key identity.StoreKey, record *tokens.Record) error

	// Revoke removes the record. Removing an absent key is success.
	Revoke(ctx context.Context, key identity.StoreKey) error

	// CompareAndSwapRefresh atomically replaces the stored record iff the
	// stored record's refresh secret equals expected (constant-time compare).
	CompareAndSwapRefresh(ctx context.Context, key identity.StoreKey, expected secrets.Secret, record *tokens.Record) (CASResult, error)
}
