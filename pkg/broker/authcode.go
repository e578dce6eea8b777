// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"crypto/subtle"
	"net/http"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/oauthreq"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// ExchangeCode completes an authorization-code flow: it verifies the returned
// state against the session, enforces the session TTL, exchanges the code at
// the token endpoint with the session's PKCE verifier, and persists the
// resulting record. The state comparison is constant-time and happens before
// any transport activity.
func (b *Broker) ExchangeCode(
	ctx context.Context,
	session *AuthorizationSession,
	returnedState string,
	code string,
	redirectURI string,
) (*tokens.Record, error) {
	ctx, end := b.hooks.StartStage(ctx, telemetry.FlowAuthorizationCode, telemetry.StageExchangeCode)
	b.hooks.CountOutcome(ctx, telemetry.FlowAuthorizationCode, telemetry.OutcomeAttempt)

	record, err := b.exchangeCode(ctx, session, returnedState, code, redirectURI)
	end(err)
	if err != nil {
		b.hooks.CountOutcome(ctx, telemetry.FlowAuthorizationCode, outcomeFor(err))
		return nil, err
	}
	b.hooks.CountOutcome(ctx, telemetry.FlowAuthorizationCode, telemetry.OutcomeSuccess)
	return record, nil
}

func (b *Broker) exchangeCode(
	ctx context.Context,
	session *AuthorizationSession,
	returnedState string,
	code string,
	redirectURI string,
) (*tokens.Record, error) {
	if session == nil {
		return nil, brokererrors.NewConfigurationError("authorization session is required", nil)
	}
	if err := b.requireGrant(provider.GrantAuthorizationCode); err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(returnedState), []byte(session.State)) != 1 {
		return nil, brokererrors.NewStateMismatchError(
			"returned state does not match the authorization session", nil)
	}
	if b.now().Sub(session.CreatedAt) > b.sessionTTL {
		return nil, brokererrors.NewSessionExpiredError(
			"authorization session exceeded its TTL", nil)
	}

	if redirectURI == "" {
		redirectURI = b.redirectURI
	}

	key := identity.NewStoreKey(session.Tenant, session.Principal, b.desc.ID(), session.Scope)

	record, terr := b.executeTokenRequest(
		ctx,
		telemetry.FlowAuthorizationCode,
		provider.GrantAuthorizationCode,
		key,
		session.Scope,
		tokens.NewFamily(),
		func(ctx context.Context) (*http.Request, error) {
			return b.builder.AuthorizationCode(ctx, b.strategy, b.credentials(), oauthreq.AuthorizationCodeInput{
				Code:         code,
				RedirectURI:  redirectURI,
				CodeVerifier: session.CodeVerifier,
			})
		},
	)
	if terr != nil {
		return nil, terr
	}

	persistCtx, endPersist := b.hooks.StartStage(ctx, telemetry.FlowAuthorizationCode, telemetry.StagePersistStore)
	if err := b.store.Save(persistCtx, key, record); err != nil {
		serr := storeFailure("failed to persist exchanged token", err)
		endPersist(serr)
		return nil, serr
	}
	endPersist(nil)

	return record, nil
}

// outcomeFor maps a broker error to its counter label.
func outcomeFor(err error) telemetry.Outcome {
	switch {
	case brokererrors.IsProtocol(err):
		return telemetry.OutcomeProtocolError
	case brokererrors.IsRefreshRevoked(err):
		return telemetry.OutcomeRevoked
	case brokererrors.IsConflict(err):
		return telemetry.OutcomeConflict
	case brokererrors.IsTransient(err), brokererrors.IsPermanent(err), brokererrors.IsCancelled(err):
		return telemetry.OutcomeTransportError
	default:
		return telemetry.OutcomeProtocolError
	}
}
