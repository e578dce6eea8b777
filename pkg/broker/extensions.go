// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package broker

import (
	"context"
	"net/http"

	"golang.org/x/time/rate"
)

// RequestSigner mutates an outgoing token request before dispatch, e.g. to
// attach a proof-of-possession header. The broker applies it after client
// authentication and never retries a signed request.
type RequestSigner interface {
	Sign(ctx context.Context, req *http.Request) error
}

// RateLimiter gates token requests. Wait blocks until a request may proceed
// or the context is done.
type RateLimiter interface {
	Wait(ctx context.Context) error
}

type tokenBucketLimiter struct {
	limiter *rate.Limiter
}

// LimiterFromRate adapts a golang.org/x/time/rate.Limiter to the RateLimiter
// contract.
func LimiterFromRate(l *rate.Limiter) RateLimiter {
	return &tokenBucketLimiter{limiter: l}
}

func (t *tokenBucketLimiter) Wait(ctx context.Context) error {
	return t.limiter.Wait(ctx)
}
