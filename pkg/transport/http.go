// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"
)

// DefaultTimeout bounds a token request when the caller supplies no client.
const DefaultTimeout = 30 * time.Second

// maxResponseBody caps token-endpoint response reads.
const maxResponseBody = 1 << 20

// Client yields single-use dispatch handles bound to a metadata slot.
type Client interface {
	// NewHandle returns a handle that will record response metadata into slot.
	NewHandle(slot *MetadataSlot) Handle
}

// Handle performs exactly one token-endpoint request. A second Dispatch on
// the same handle fails.
type Handle interface {
	// Dispatch clears the slot, executes the request, fills the slot from the
	// response headers, and returns the raw body. Failures are *transport.Error.
	Dispatch(ctx context.Context, req *http.Request) ([]byte, error)
}

// HTTPClient adapts a *net/http.Client to the Client contract.
type HTTPClient struct {
	client *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient wraps an existing *http.Client; pass nil for a default client
// with DefaultTimeout.
func NewHTTPClient(client *http.Client) *HTTPClient {
	if client == nil {
		client = &http.Client{Timeout: DefaultTimeout}
	}
	return &HTTPClient{client: client}
}

// NewHandle implements Client.
func (c *HTTPClient) NewHandle(slot *MetadataSlot) Handle {
	return &httpHandle{client: c.client, slot: slot}
}

type httpHandle struct {
	client *http.Client
	slot   *MetadataSlot
	used   atomic.Bool
}

func (h *httpHandle) Dispatch(ctx context.Context, req *http.Request) ([]byte, error) {
	if !h.used.CompareAndSwap(false, true) {
		return nil, &Error{Kind: KindOther, Err: fmt.Errorf("transport handle already used")}
	}

	h.slot.Reset()

	resp, err := h.client.Do(req.WithContext(ctx))
	if err != nil {
		return nil, classifyDispatchError(err)
	}
	defer resp.Body.Close()

	retryAfter, retryAt := parseRetryAfter(resp.Header.Get("Retry-After"))
	h.slot.Put(ResponseMetadata{
		StatusCode: resp.StatusCode,
		RetryAfter: retryAfter,
		RetryAt:    retryAt,
	})

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &Error{Kind: KindBody, Err: err}
	}
	return body, nil
}
