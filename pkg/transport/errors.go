// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package transport

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind is the closed classification of transport failures. The inner
// error stays opaque to the broker; only the mapper interprets it.
type ErrorKind int

// Transport error kinds.
const (
	// KindTimeout covers deadline and read/write timeouts.
	KindTimeout ErrorKind = iota
	// KindConnect covers dial and connection-refused failures.
	KindConnect
	// KindTLS covers handshake and certificate failures.
	KindTLS
	// KindBody covers failures reading the response body.
	KindBody
	// KindIO covers other network I/O failures, including cancellation.
	KindIO
	// KindOther covers everything else.
	KindOther
)

func (k ErrorKind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindConnect:
		return "connect"
	case KindTLS:
		return "tls"
	case KindBody:
		return "body"
	case KindIO:
		return "io"
	case KindOther:
		return "other"
	default:
		return "unknown"
	}
}

// Error is a classified transport failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("transport %s error: %v", e.Kind, e.Err)
}

// Unwrap returns the inner error.
func (e *Error) Unwrap() error {
	return e.Err
}

// classifyDispatchError sorts an http.Client.Do failure into the closed sum.
func classifyDispatchError(err error) *Error {
	var uerr *url.Error
	inner := err
	if errors.As(err, &uerr) {
		inner = uerr.Err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindIO, Err: err}
	}

	var nerr net.Error
	if errors.As(inner, &nerr) && nerr.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}

	var (
		certErr     *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
		unknownAuth x509.UnknownAuthorityError
		hostErr     x509.HostnameError
	)
	if errors.As(inner, &certErr) || errors.As(inner, &recordErr) ||
		errors.As(inner, &unknownAuth) || errors.As(inner, &hostErr) {
		return &Error{Kind: KindTLS, Err: err}
	}

	var operr *net.OpError
	if errors.As(inner, &operr) {
		if operr.Op == "dial" {
			return &Error{Kind: KindConnect, Err: err}
		}
		return &Error{Kind: KindIO, Err: err}
	}

	return &Error{Kind: KindOther, Err: err}
}
