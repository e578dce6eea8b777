// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/logger"
	"github.com/stacklok/tokenbroker/pkg/oauthreq"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/singleflight"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// RefreshRequest identifies the credential to refresh.
type RefreshRequest struct {
	Tenant    identity.TenantID
	Principal identity.PrincipalID
	Scope     identity.ScopeSet

	// ExpectedRefresh pins the rotation to a known current refresh secret.
	// When set and another actor rotated first, the flow returns a Conflict
	// instead of silently adopting the observed record.
	ExpectedRefresh *secrets.Secret
}

// RefreshAccessToken rotates the refresh token for a credential. Concurrent
// refreshes for the same key collapse to one provider request; the rotation
// itself is serialized by the store's compare-and-swap, so two racing brokers
// produce exactly one rotation and one conflict resolution.
func (b *Broker) RefreshAccessToken(ctx context.Context, req RefreshRequest) (*tokens.Record, error) {
	if err := b.requireGrant(provider.GrantRefreshToken); err != nil {
		return nil, err
	}

	key := identity.NewStoreKey(req.Tenant, req.Principal, b.desc.ID(), req.Scope)

	role, flight := b.flights.EnterOrJoin(key)
	if role == singleflight.Follower {
		ctx, end := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageSingleflightFollow)
		record, err := flight.Wait(ctx)
		end(err)
		return record, err
	}

	ctx, endLead := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageSingleflightLead)
	defer endLead(nil)
	// Followers must never wait on a leader that unwound; an abandonment after
	// a publish is a no-op.
	defer func() {
		if r := recover(); r != nil {
			flight.Abandon(fmt.Errorf("refresh leader panicked: %v", r))
			panic(r)
		}
		flight.Abandon(errors.New("refresh leader exited without publishing"))
	}()

	b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeAttempt)

	return b.leadRefresh(ctx, key, req, flight)
}

// leadRefresh runs the leader side of a refresh. Every exit publishes to the
// flight so followers observe exactly one outcome.
func (b *Broker) leadRefresh(
	ctx context.Context,
	key identity.StoreKey,
	req RefreshRequest,
	flight *singleflight.Flight,
) (*tokens.Record, error) {
	fetchCtx, endFetch := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageFetchStore)
	current, err := b.store.Fetch(fetchCtx, key)
	endFetch(err)
	if errors.Is(err, store.ErrNotFound) {
		nerr := brokererrors.NewNoRefreshTokenError("no stored token for this credential", nil)
		flight.Publish(nil, nerr)
		return nil, nerr
	}
	if err != nil {
		serr := storeFailure("failed to fetch stored token", err)
		flight.Publish(nil, serr)
		return nil, serr
	}
	if !current.HasRefresh() {
		nerr := brokererrors.NewNoRefreshTokenError("stored token carries no refresh secret", nil)
		flight.Publish(nil, nerr)
		return nil, nerr
	}

	currentRefresh := current.Refresh

	// A pinned expectation that is already stale means another actor rotated
	// before this flow started. Publish the stored record for followers and
	// surface the conflict to this caller only.
	if req.ExpectedRefresh != nil && !currentRefresh.Equal(*req.ExpectedRefresh) {
		b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeConflict)
		flight.Publish(current, nil)
		return nil, brokererrors.NewConflictError(
			"refresh secret rotated since it was observed", nil)
	}

	record, terr := b.executeTokenRequest(
		ctx,
		telemetry.FlowRefresh,
		provider.GrantRefreshToken,
		key,
		req.Scope,
		current.Family,
		func(ctx context.Context) (*http.Request, error) {
			return b.builder.Refresh(ctx, b.strategy, b.credentials(), oauthreq.RefreshInput{
				RefreshToken: currentRefresh,
				Scope:        req.Scope,
			})
		},
	)
	if terr != nil {
		return nil, b.publishRefreshFailure(ctx, key, flight, terr)
	}

	// Providers that do not rotate keep the prior refresh secret alive.
	if !record.HasRefresh() {
		record.Refresh = currentRefresh
	}

	casCtx, endCAS := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageCompareAndSwap)
	result, err := b.store.CompareAndSwapRefresh(casCtx, key, currentRefresh, record)
	endCAS(err)
	if err != nil {
		serr := storeFailure("failed to swap rotated token", err)
		flight.Publish(nil, serr)
		return nil, serr
	}

	switch result.Outcome {
	case store.CASSwapped:
		b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeSuccess)
		flight.Publish(record, nil)
		return record, nil

	case store.CASMismatch:
		// Another actor rotated first; their record is the live one. No second
		// refresh happens in this flow.
		b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeConflict)
		flight.Publish(result.Observed, nil)
		if req.ExpectedRefresh != nil {
			return nil, brokererrors.NewConflictError(
				"a concurrent rotation won the compare-and-swap", nil)
		}
		return result.Observed, nil

	case store.CASAbsent:
		rerr := brokererrors.NewRefreshRevokedError("credential was revoked during rotation", nil)
		b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeRevoked)
		flight.Publish(nil, rerr)
		return nil, rerr

	default:
		serr := brokererrors.NewStoreError(fmt.Sprintf("unknown CAS outcome %v", result.Outcome), nil)
		flight.Publish(nil, serr)
		return nil, serr
	}
}

// publishRefreshFailure handles the error leg of a refresh: invalid_grant
// revokes the stored record, everything else propagates as classified.
func (b *Broker) publishRefreshFailure(
	ctx context.Context,
	key identity.StoreKey,
	flight *singleflight.Flight,
	terr *brokererrors.Error,
) error {
	if brokererrors.OAuthCode(terr) == oauthreq.ErrorCodeInvalidGrant {
		revokeCtx, endRevoke := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageRevoke)
		err := b.store.Revoke(revokeCtx, key)
		endRevoke(err)
		if err != nil {
			logger.Warnw("failed to revoke stored token after invalid_grant",
				"key", key.String(), "error", err)
		}

		b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, telemetry.OutcomeRevoked)
		rerr := brokererrors.NewRefreshRevokedError("provider rejected the refresh token", terr)
		flight.Publish(nil, rerr)
		return rerr
	}

	b.hooks.CountOutcome(ctx, telemetry.FlowRefresh, outcomeFor(terr))
	flight.Publish(nil, terr)
	return terr
}
