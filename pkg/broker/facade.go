// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net/http"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/logger"
	"github.com/stacklok/tokenbroker/pkg/oauthreq"
	"github.com/stacklok/tokenbroker/pkg/provider"
	"github.com/stacklok/tokenbroker/pkg/secrets"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/tokens"
	"github.com/stacklok/tokenbroker/pkg/transport"
)

// executeTokenRequest drives one token-endpoint round trip: build, gate,
// sign, dispatch, parse, and assemble the resulting record. It returns either
// a valid record or a classified broker error; 4xx OAuth error bodies surface
// structured, other dispatch and HTTP failures go through the mapper, and
// build, limiter, signer and response-parsing failures are classified here.
func (b *Broker) executeTokenRequest(
	ctx context.Context,
	kind telemetry.FlowKind,
	grant provider.GrantType,
	key identity.StoreKey,
	requested identity.ScopeSet,
	family tokens.Family,
	build func(context.Context) (*http.Request, error),
) (*tokens.Record, *brokererrors.Error) {
	req, err := build(ctx)
	if err != nil {
		return nil, brokererrors.NewConfigurationError("failed to build token request", err)
	}

	if b.limiter != nil {
		if err := b.limiter.Wait(ctx); err != nil {
			return nil, brokererrors.NewCancelledError("rate limiter rejected the token request", err)
		}
	}
	if b.signer != nil {
		if err := b.signer.Sign(ctx, req); err != nil {
			return nil, brokererrors.NewPermanentError("request signer failed", err)
		}
	}

	slot := &transport.MetadataSlot{}
	handle := b.client.NewHandle(slot)

	reqCtx, endReq := b.hooks.StartStage(ctx, kind, telemetry.StageTokenRequest)
	body, dispatchErr := handle.Dispatch(reqCtx, req)
	md := slot.Get()

	if dispatchErr != nil {
		mapped := b.mapper.Map(b.strategy, grant, md, dispatchErr)
		endReq(mapped)
		return nil, mapped
	}

	if md != nil && md.StatusCode >= http.StatusBadRequest {
		if oe := oauthreq.ParseErrorResponse(body); oe != nil && md.StatusCode < 500 {
			perr := brokererrors.NewProtocolError(oe, nil)
			endReq(perr)
			return nil, perr
		}
		mapped := b.mapper.Map(b.strategy, grant, md, nil)
		endReq(mapped)
		return nil, mapped
	}
	endReq(nil)

	resp, parseErr := oauthreq.ParseTokenResponse(body)
	if parseErr != nil {
		return nil, brokererrors.NewPermanentError("provider returned an unparseable token response", parseErr)
	}
	if !resp.IsBearer() {
		return nil, brokererrors.NewPermanentError(
			"provider returned unsupported token type "+resp.TokenType, nil)
	}

	granted := requested
	if parts := resp.SplitScope(b.desc.ScopeDelimiter()); len(parts) > 0 {
		scope, err := identity.NewScopeSet(parts...)
		if err != nil {
			return nil, brokererrors.NewPermanentError("provider returned invalid scope values", err)
		}
		granted = scope
	}

	now := b.now()
	record := &tokens.Record{
		Key:       key,
		Access:    secrets.New(resp.AccessToken),
		Refresh:   secrets.New(resp.RefreshToken),
		TokenType: resp.TokenType,
		Scope:     granted,
		IssuedAt:  now,
		ExpiresAt: now.Add(resp.ExpiresIn),
		Family:    family,
		Extras:    resp.Extras,
	}
	if err := record.Validate(); err != nil {
		return nil, brokererrors.NewPermanentError("provider response produced an invalid record", err)
	}

	logger.Debugw("token obtained",
		"flow", string(kind),
		"key", key.String(),
		"expires_at", record.ExpiresAt,
	)
	return record, nil
}
