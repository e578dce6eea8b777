// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package memory provides the in-process reference implementation of the
// store contract. Records are cloned on the way in and out, so callers can
// never mutate stored state through a returned pointer.
package memory

import (
	"context"
	"sync"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// Store is a mutex-guarded map store. The zero value is not usable; call New.
type Store struct {
	mu      sync.RWMutex
	records map[identity.StoreKey]*tokens.Record
}

// New creates an empty in-memory store.
func New() *Store {
	return &Store{
		records: make(map[identity.StoreKey]*tokens.Record),
	}
}

var _ store.Store = (*Store)(nil)

// Fetch implements store.Store.
func (s *Store) Fetch(ctx context.Context, key identity.StoreKey) (*tokens.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return rec.Clone(), nil
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, key identity.StoreKey, record *tokens.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[key] = record.Clone()
	return nil
}

// Revoke implements store.Store.
func (s *Store) Revoke(ctx context.Context, key identity.StoreKey) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, key)
	return nil
}

// CompareAndSwapRefresh implements store.Store. The whole operation runs under
// the write lock, which gives per-key strict serializability.
func (s *Store) CompareAndSwapRefresh(
	ctx context.Context,
	key identity.StoreKey,
	expected secrets.Secret,
	record *tokens.Record,
) (store.CASResult, error) {
	if err := ctx.Err(); err != nil {
		return store.CASResult{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.records[key]
	if !ok {
		return store.CASResult{Outcome: store.CASAbsent}, nil
	}
	if !current.Refresh.Equal(expected) {
		return store.CASResult{Outcome: store.CASMismatch, Observed: current.Clone()}, nil
	}

	s.records[key] = record.Clone()
	return store.CASResult{Outcome: store.CASSwapped}, nil
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
