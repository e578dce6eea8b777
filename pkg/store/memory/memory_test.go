// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

func testKey(t *testing.T, tenant string) identity.StoreKey {
	t.Helper()
	tid, err := identity.NewTenantID(tenant)
	require.NoError(t, err)
	pid, err := identity.NewPrincipalID("svc-1")
	require.NoError(t, err)
	prov, err := identity.NewProviderID("github")
	require.NoError(t, err)
	return identity.NewStoreKey(tid, pid, prov, identity.MustScopeSet("repo"))
}

func testRecord(t *testing.T, key identity.StoreKey, access, refresh string) *tokens.Record {
	t.Helper()
	now := time.Now().UTC().Truncate(time.Second)
	return &tokens.Record{
		Key:       key,
		Access:    secrets.New(access),
		Refresh:   secrets.New(refresh),
		TokenType: tokens.DefaultTokenType,
		Scope:     identity.MustScopeSet("repo"),
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Family:    tokens.NewFamily(),
		Extras:    map[string]any{"ext": "v"},
	}
}

func TestStore_FetchAbsent(t *testing.T) {
	t.Parallel()

	s := New()
	_, err := s.Fetch(context.Background(), testKey(t, "acme"))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestStore_SaveFetch(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	key := testKey(t, "acme")
	rec := testRecord(t, key, "A1", "R1")

	require.NoError(t, s.Save(ctx, key, rec))

	got, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	// Mutating the fetched copy must not affect stored state.
	got.Extras["ext"] = "mutated"
	again, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "v", again.Extras["ext"])
}

func TestStore_SaveOverwrites(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	key := testKey(t, "acme")

	require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A1", "R1")))
	require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A2", "R2")))

	got, err := s.Fetch(ctx, key)
	require.NoError(t, err)
	assert.True(t, got.Access.EqualString("A2"))
	assert.Equal(t, 1, s.Len())
}

func TestStore_RevokeIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	key := testKey(t, "acme")

	require.NoError(t, s.Revoke(ctx, key), "revoking an absent key is success")

	require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A1", "R1")))
	require.NoError(t, s.Revoke(ctx, key))

	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.Revoke(ctx, key))
}

func TestStore_CompareAndSwapRefresh(t *testing.T) {
	t.Parallel()

	t.Run("swapped", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := New()
		key := testKey(t, "acme")
		require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A1", "R1")))

		res, err := s.CompareAndSwapRefresh(ctx, key, secrets.New("R1"), testRecord(t, key, "A2", "R2"))
		require.NoError(t, err)
		assert.Equal(t, store.CASSwapped, res.Outcome)

		got, err := s.Fetch(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.Refresh.EqualString("R2"))
	})

	t.Run("mismatch returns observed record", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := New()
		key := testKey(t, "acme")
		require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A9", "R9")))

		res, err := s.CompareAndSwapRefresh(ctx, key, secrets.New("R1"), testRecord(t, key, "A2", "R2"))
		require.NoError(t, err)
		assert.Equal(t, store.CASMismatch, res.Outcome)
		require.NotNil(t, res.Observed)
		assert.True(t, res.Observed.Refresh.EqualString("R9"))

		// The stored record is untouched.
		got, err := s.Fetch(ctx, key)
		require.NoError(t, err)
		assert.True(t, got.Access.EqualString("A9"))
	})

	t.Run("absent", func(t *testing.T) {
		t.Parallel()
		ctx := context.Background()
		s := New()
		key := testKey(t, "acme")

		res, err := s.CompareAndSwapRefresh(ctx, key, secrets.New("R1"), testRecord(t, key, "A2", "R2"))
		require.NoError(t, err)
		assert.Equal(t, store.CASAbsent, res.Outcome)
		assert.Nil(t, res.Observed)
	})
}

func TestStore_ConcurrentCAS_ExactlyOneSwap(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	s := New()
	key := testKey(t, "acme")
	require.NoError(t, s.Save(ctx, key, testRecord(t, key, "A1", "R1")))

	const workers = 16
	var swapped atomic.Int64
	var mismatched atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			res, err := s.CompareAndSwapRefresh(gctx, key, secrets.New("R1"), testRecord(t, key, "A2", "R2"))
			if err != nil {
				return err
			}
			switch res.Outcome {
			case store.CASSwapped:
				swapped.Add(1)
			case store.CASMismatch:
				mismatched.Add(1)
				if !res.Observed.Refresh.EqualString("R2") {
					t.Errorf("mismatch observed pre-rotation refresh secret")
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	assert.Equal(t, int64(1), swapped.Load(), "exactly one rotation must win")
	assert.Equal(t, int64(workers-1), mismatched.Load())
}

func TestStore_ContextCancelled(t *testing.T) {
	t.Parallel()

	s := New()
	key := testKey(t, "acme")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := s.Fetch(ctx, key)
	assert.ErrorIs(t, err, context.Canceled)
	assert.ErrorIs(t, s.Save(ctx, key, testRecord(t, key, "A1", "R1")), context.Canceled)
	assert.ErrorIs(t, s.Revoke(ctx, key), context.Canceled)
	_, err = s.CompareAndSwapRefresh(ctx, key, secrets.New("R1"), testRecord(t, key, "A2", "R2"))
	assert.ErrorIs(t, err, context.Canceled)
}
