// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package redis provides a Redis-backed implementation of the store contract.
// Records are stored as JSON under a configurable key prefix; the
// compare-and-swap runs inside a WATCH transaction so rotation stays atomic
// per key.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// DefaultKeyPrefix namespaces broker records in a shared Redis.
const DefaultKeyPrefix = "tokenbroker:"

// casRetries bounds WATCH retries when an unrelated write races the
// transaction between GET and EXEC.
const casRetries = 5

// Config configures a standalone Redis connection.
type Config struct {
	Addr      string
	Username  string
	Password  string
	DB        int
	KeyPrefix string
}

// Store is a Redis-backed token store.
type Store struct {
	client *redis.Client
	prefix string
}

var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. The caller keeps ownership of the
// client's lifecycle unless Close is used.
func NewWithClient(client *redis.Client, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, prefix: keyPrefix}
}

// Close releases the underlying client.
func (s *Store) Close() error {
	return s.client.Close()
}

// storedRecord is the JSON wire form of a token record. Secrets are exposed
// here deliberately; redaction applies to logs and debug output, not to the
// persistence backend the integrator chose.
type storedRecord struct {
	Access    string         `json:"access"`
	Refresh   string         `json:"refresh,omitempty"`
	TokenType string         `json:"token_type"`
	Scopes    []string       `json:"scopes"`
	IssuedAt  time.Time      `json:"issued_at"`
	ExpiresAt time.Time      `json:"expires_at"`
	Family    string         `json:"family"`
	Extras    map[string]any `json:"extras,omitempty"`
}

func encodeRecord(rec *tokens.Record) ([]byte, error) {
	return json.Marshal(storedRecord{
		Access:    rec.Access.Expose(),
		Refresh:   rec.Refresh.Expose(),
		TokenType: rec.TokenType,
		Scopes:    rec.Scope.Strings(),
		IssuedAt:  rec.IssuedAt,
		ExpiresAt: rec.ExpiresAt,
		Family:    rec.Family.String(),
		Extras:    rec.Extras,
	})
}

func decodeRecord(key identity.StoreKey, raw []byte) (*tokens.Record, error) {
	var sr storedRecord
	if err := json.Unmarshal(raw, &sr); err != nil {
		return nil, fmt.Errorf("failed to decode stored record: %w", err)
	}
	scope, err := identity.NewScopeSet(sr.Scopes...)
	if err != nil {
		return nil, fmt.Errorf("stored record has invalid scopes: %w", err)
	}
	return &tokens.Record{
		Key:       key,
		Access:    secrets.New(sr.Access),
		Refresh:   secrets.New(sr.Refresh),
		TokenType: sr.TokenType,
		Scope:     scope,
		IssuedAt:  sr.IssuedAt,
		ExpiresAt: sr.ExpiresAt,
		Family:    tokens.Family(sr.Family),
		Extras:    sr.Extras,
	}, nil
}

func (s *Store) redisKey(key identity.StoreKey) string {
	return s.prefix + key.String()
}

// Fetch implements store.Store.
func (s *Store) Fetch(ctx context.Context, key identity.StoreKey) (*tokens.Record, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get failed: %w", err)
	}
	return decodeRecord(key, raw)
}

// Save implements store.Store.
func (s *Store) Save(ctx context.Context, key identity.StoreKey, record *tokens.Record) error {
	payload, err := encodeRecord(record)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	if err := s.client.Set(ctx, s.redisKey(key), payload, 0).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Revoke implements store.Store.
func (s *Store) Revoke(ctx context.Context, key identity.StoreKey) error {
	if err := s.client.Del(ctx, s.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("redis del failed: %w", err)
	}
	return nil
}

// CompareAndSwapRefresh implements store.Store. The read-compare-write runs
// under WATCH; a concurrent write to the key aborts the transaction and the
// operation retries with the fresh value.
func (s *Store) CompareAndSwapRefresh(
	ctx context.Context,
	key identity.StoreKey,
	expected secrets.Secret,
	record *tokens.Record,
) (store.CASResult, error) {
	payload, err := encodeRecord(record)
	if err != nil {
		return store.CASResult{}, fmt.Errorf("failed to encode record: %w", err)
	}

	rk := s.redisKey(key)
	var result store.CASResult

	txn := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, rk).Bytes()
		if errors.Is(err, redis.Nil) {
			result = store.CASResult{Outcome: store.CASAbsent}
			return nil
		}
		if err != nil {
			return fmt.Errorf("redis get failed: %w", err)
		}

		current, err := decodeRecord(key, raw)
		if err != nil {
			return err
		}
		if !current.Refresh.Equal(expected) {
			result = store.CASResult{Outcome: store.CASMismatch, Observed: current}
			return nil
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rk, payload, 0)
			return nil
		})
		if err != nil {
			return err
		}
		result = store.CASResult{Outcome: store.CASSwapped}
		return nil
	}

	for i := 0; i < casRetries; i++ {
		err := s.client.Watch(ctx, txn, rk)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return store.CASResult{}, err
		}
		return result, nil
	}
	return store.CASResult{}, fmt.Errorf("compare-and-swap aborted %d times for key %s", casRetries, key)
}
