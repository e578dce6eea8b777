// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/oauthreq"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/singleflight"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// FreshnessPolicy overrides the broker's early-refresh parameters for one
// request.
type FreshnessPolicy struct {
	EarlyRefreshFloor    time.Duration
	EarlyRefreshFraction float64
	JitterFraction       float64
}

// CachedTokenRequest identifies the credential a client-credentials or
// lease-style consumer needs.
type CachedTokenRequest struct {
	Tenant    identity.TenantID
	Principal identity.PrincipalID
	Scope     identity.ScopeSet

	// ForceRefresh bypasses the cached record.
	ForceRefresh bool

	// Freshness overrides the broker's jittered refresh window when set.
	Freshness *FreshnessPolicy
}

// ClientCredentials returns a service-to-service token, reusing the stored
// record while it sits outside the jittered early-refresh window. Concurrent
// calls for the same key collapse to at most one provider request.
func (b *Broker) ClientCredentials(ctx context.Context, req CachedTokenRequest) (*tokens.Record, error) {
	if err := b.requireGrant(provider.GrantClientCredentials); err != nil {
		return nil, err
	}

	key := identity.NewStoreKey(req.Tenant, req.Principal, b.desc.ID(), req.Scope)

	role, flight := b.flights.EnterOrJoin(key)
	if role == singleflight.Follower {
		ctx, end := b.hooks.StartStage(ctx, telemetry.FlowClientCredentials, telemetry.StageSingleflightFollow)
		record, err := flight.Wait(ctx)
		end(err)
		return record, err
	}

	ctx, endLead := b.hooks.StartStage(ctx, telemetry.FlowClientCredentials, telemetry.StageSingleflightLead)
	defer endLead(nil)
	defer func() {
		if r := recover(); r != nil {
			flight.Abandon(fmt.Errorf("client-credentials leader panicked: %v", r))
			panic(r)
		}
		flight.Abandon(errors.New("client-credentials leader exited without publishing"))
	}()

	b.hooks.CountOutcome(ctx, telemetry.FlowClientCredentials, telemetry.OutcomeAttempt)

	return b.leadClientCredentials(ctx, key, req, flight)
}

func (b *Broker) leadClientCredentials(
	ctx context.Context,
	key identity.StoreKey,
	req CachedTokenRequest,
	flight *singleflight.Flight,
) (*tokens.Record, error) {
	if !req.ForceRefresh {
		fetchCtx, endFetch := b.hooks.StartStage(ctx, telemetry.FlowClientCredentials, telemetry.StageFetchStore)
		record, err := b.store.Fetch(fetchCtx, key)
		endFetch(err)
		switch {
		case err == nil:
			if b.withinReuseWindow(record, req.Freshness) {
				b.hooks.CountOutcome(ctx, telemetry.FlowClientCredentials, telemetry.OutcomeSuccess)
				flight.Publish(record, nil)
				return record, nil
			}
		case errors.Is(err, store.ErrNotFound):
			// First issuance for this key.
		default:
			serr := storeFailure("failed to fetch stored token", err)
			flight.Publish(nil, serr)
			return nil, serr
		}
	}

	record, terr := b.executeTokenRequest(
		ctx,
		telemetry.FlowClientCredentials,
		provider.GrantClientCredentials,
		key,
		req.Scope,
		tokens.NewFamily(),
		func(ctx context.Context) (*http.Request, error) {
			return b.builder.ClientCredentials(ctx, b.strategy, b.credentials(), oauthreq.ClientCredentialsInput{
				Scope: req.Scope,
			})
		},
	)
	if terr != nil {
		b.hooks.CountOutcome(ctx, telemetry.FlowClientCredentials, outcomeFor(terr))
		flight.Publish(nil, terr)
		return nil, terr
	}

	persistCtx, endPersist := b.hooks.StartStage(ctx, telemetry.FlowClientCredentials, telemetry.StagePersistStore)
	if err := b.store.Save(persistCtx, key, record); err != nil {
		serr := storeFailure("failed to persist token", err)
		endPersist(serr)
		flight.Publish(nil, serr)
		return nil, serr
	}
	endPersist(nil)

	b.hooks.CountOutcome(ctx, telemetry.FlowClientCredentials, telemetry.OutcomeSuccess)
	flight.Publish(record, nil)
	return record, nil
}

// withinReuseWindow implements the jittered early-refresh decision:
//
//	effective_expiry = expires_at - max(floor, lifetime*fraction) + jitter
//
// where jitter is uniform in ±jitter_fraction of the floor. A record is
// reused iff now precedes the effective expiry; the jitter staggers
// re-fetches across a fleet.
func (b *Broker) withinReuseWindow(record *tokens.Record, override *FreshnessPolicy) bool {
	floor := b.earlyRefreshFloor
	fraction := b.earlyRefreshFraction
	jitterFraction := b.jitterFraction
	if override != nil {
		floor = override.EarlyRefreshFloor
		fraction = override.EarlyRefreshFraction
		jitterFraction = override.JitterFraction
	}

	early := floor
	if frac := time.Duration(float64(record.Lifetime()) * fraction); frac > early {
		early = frac
	}
	jitter := time.Duration((b.randFloat()*2 - 1) * jitterFraction * float64(floor))

	effective := record.ExpiresAt.Add(-early).Add(jitter)
	return b.now().Before(effective)
}
