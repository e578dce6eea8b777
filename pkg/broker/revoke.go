// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/logger"
	"github.com/stacklok/tokenbroker/pkg/store"
	"github.com/stacklok/tokenbroker/pkg/telemetry"
	"github.com/stacklok/tokenbroker/pkg/transport"
)

// RevokeToken removes the stored record for a credential and, when the
// descriptor carries a revocation endpoint, best-effort revokes the token at
// the provider per RFC 7009. Provider-side failures are logged, not
// surfaced; the local removal is what callers rely on.
func (b *Broker) RevokeToken(
	ctx context.Context,
	tenant identity.TenantID,
	principal identity.PrincipalID,
	scope identity.ScopeSet,
) error {
	key := identity.NewStoreKey(tenant, principal, b.desc.ID(), scope)

	ctx, end := b.hooks.StartStage(ctx, telemetry.FlowRefresh, telemetry.StageRevoke)
	err := b.revokeToken(ctx, key)
	end(err)
	return err
}

func (b *Broker) revokeToken(ctx context.Context, key identity.StoreKey) error {
	record, err := b.store.Fetch(ctx, key)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return storeFailure("failed to fetch stored token", err)
	}

	if record != nil && b.desc.RevocationEndpoint() != "" {
		// RFC 7009 §2.1: revoking the refresh token revokes the lineage; fall
		// back to the access token when no refresh secret exists.
		token := record.Access
		hint := "access_token"
		if record.HasRefresh() {
			token = record.Refresh
			hint = "refresh_token"
		}
		if rerr := b.revokeAtProvider(ctx, token.Expose(), hint); rerr != nil {
			logger.Warnw("provider-side revocation failed",
				"key", key.String(), "error", rerr)
		}
	}

	if err := b.store.Revoke(ctx, key); err != nil {
		return storeFailure("failed to remove stored token", err)
	}
	return nil
}

func (b *Broker) revokeAtProvider(ctx context.Context, token, hint string) error {
	form := url.Values{}
	form.Set("token", token)
	form.Set("token_type_hint", hint)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.desc.RevocationEndpoint(), nil)
	if err != nil {
		return err
	}
	b.strategy.ApplyClientAuth(req, form, b.clientID, b.clientSecret)

	encoded := form.Encode()
	req.Body = io.NopCloser(strings.NewReader(encoded))
	req.ContentLength = int64(len(encoded))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	slot := &transport.MetadataSlot{}
	handle := b.client.NewHandle(slot)
	if _, err := handle.Dispatch(ctx, req); err != nil {
		return err
	}
	if md := slot.Get(); md != nil && md.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("revocation endpoint returned status %d", md.StatusCode)
	}
	return nil
}
