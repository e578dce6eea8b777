// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/provider"
)

// Mapper turns transport failures and failure statuses into broker errors.
// It is the single place transport-specific error types become the Transient
// vs Permanent classification callers branch on, and it consults the
// response metadata's Retry-After hint before classifying.
type Mapper interface {
	// Map classifies a failed token request. err may be nil when the failure
	// is an HTTP status with no usable OAuth error body; md may be nil when
	// no response headers arrived.
	Map(strategy provider.Strategy, grant provider.GrantType, md *ResponseMetadata, err error) *brokererrors.Error
}

// DefaultMapper implements the standard classification rules.
type DefaultMapper struct {
	now func() time.Time
}

var _ Mapper = (*DefaultMapper)(nil)

// NewDefaultMapper returns the standard mapper.
func NewDefaultMapper() *DefaultMapper {
	return &DefaultMapper{now: time.Now}
}

// Map implements Mapper.
func (m *DefaultMapper) Map(_ provider.Strategy, grant provider.GrantType, md *ResponseMetadata, err error) *brokererrors.Error {
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return brokererrors.NewCancelledError(
				fmt.Sprintf("%s token request cancelled", grant), err)
		}

		var terr *Error
		if errors.As(err, &terr) {
			switch terr.Kind {
			case KindTimeout, KindConnect, KindIO:
				return m.transient(grant, md, err)
			case KindTLS, KindBody, KindOther:
				return brokererrors.NewPermanentError(
					fmt.Sprintf("%s token request failed: %s", grant, terr.Kind), err)
			}
		}
		return brokererrors.NewPermanentError(
			fmt.Sprintf("%s token request failed", grant), err)
	}

	if md != nil {
		if md.StatusCode == http.StatusTooManyRequests || md.StatusCode >= 500 {
			return m.transient(grant, md, nil)
		}
		if md.StatusCode >= 400 {
			return brokererrors.NewPermanentError(
				fmt.Sprintf("%s token request rejected with status %d", grant, md.StatusCode), nil)
		}
	}

	return brokererrors.NewPermanentError(
		fmt.Sprintf("%s token request failed without diagnostics", grant), nil)
}

func (m *DefaultMapper) transient(grant provider.GrantType, md *ResponseMetadata, cause error) *brokererrors.Error {
	msg := fmt.Sprintf("%s token request failed transiently", grant)
	if md != nil && md.StatusCode != 0 {
		msg = fmt.Sprintf("%s token request failed transiently with status %d", grant, md.StatusCode)
	}
	e := brokererrors.NewTransientError(msg, cause)
	if hint, ok := md.RetryHint(m.now()); ok {
		e = e.WithRetryAfter(hint)
	}
	return e
}
