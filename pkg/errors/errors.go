// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the closed error taxonomy returned by broker flows.
// Callers branch on the Type of an *Error; everything a flow returns is either
// nil or one of the types below.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Error types returned by broker operations.
const (
	// ErrConfiguration indicates a rejected descriptor, an unsupported grant,
	// or missing client credentials for the configured auth method.
	ErrConfiguration = "configuration"
	// ErrProtocol indicates an OAuth error response from the provider.
	ErrProtocol = "protocol"
	// ErrStateMismatch indicates an exchange-code call whose state did not
	// match the authorization session.
	ErrStateMismatch = "state_mismatch"
	// ErrSessionExpired indicates an authorization session older than its TTL.
	ErrSessionExpired = "session_expired"
	// ErrNoRefreshToken indicates a refresh request for a key whose stored
	// record carries no refresh secret.
	ErrNoRefreshToken = "no_refresh_token"
	// ErrRefreshRevoked indicates the provider returned invalid_grant and the
	// stored record has been removed.
	ErrRefreshRevoked = "refresh_revoked"
	// ErrConflict indicates a compare-and-swap lost against a concurrent
	// rotation when the caller pinned an expected refresh secret.
	ErrConflict = "conflict"
	// ErrTransient indicates a retryable transport or HTTP failure.
	ErrTransient = "transient"
	// ErrPermanent indicates a non-retryable transport or HTTP failure.
	ErrPermanent = "permanent"
	// ErrStore indicates a store backend failure.
	ErrStore = "store"
	// ErrCancelled indicates the operation was cancelled at a suspension point.
	ErrCancelled = "cancelled"
)

// OAuthError is the structured error body of an RFC 6749 error response.
type OAuthError struct {
	Code        string
	Description string
	URI         string
}

func (o *OAuthError) String() string {
	if o.Description == "" {
		return o.Code
	}
	return fmt.Sprintf("%s: %s", o.Code, o.Description)
}

// Error is the error type returned by all broker operations.
type Error struct {
	Type    string
	Message string
	Cause   error

	// RetryAfter carries the provider's Retry-After hint on transient errors;
	// zero when the provider supplied none.
	RetryAfter time.Duration

	// OAuth carries the parsed OAuth error body on protocol errors.
	OAuth *OAuthError
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithRetryAfter attaches a Retry-After hint and returns the error.
func (e *Error) WithRetryAfter(d time.Duration) *Error {
	e.RetryAfter = d
	return e
}

// NewError creates a new Error with the given type, message and cause.
func NewError(errType, message string, cause error) *Error {
	return &Error{Type: errType, Message: message, Cause: cause}
}

// NewConfigurationError creates a configuration error.
func NewConfigurationError(message string, cause error) *Error {
	return NewError(ErrConfiguration, message, cause)
}

// NewProtocolError creates a protocol error carrying the parsed OAuth body.
func NewProtocolError(oauthErr *OAuthError, cause error) *Error {
	msg := "provider returned an OAuth error"
	if oauthErr != nil {
		msg = oauthErr.String()
	}
	e := NewError(ErrProtocol, msg, cause)
	e.OAuth = oauthErr
	return e
}

// NewStateMismatchError creates a state-mismatch error.
func NewStateMismatchError(message string, cause error) *Error {
	return NewError(ErrStateMismatch, message, cause)
}

// NewSessionExpiredError creates a session-expired error.
func NewSessionExpiredError(message string, cause error) *Error {
	return NewError(ErrSessionExpired, message, cause)
}

// NewNoRefreshTokenError creates a no-refresh-token error.
func NewNoRefreshTokenError(message string, cause error) *Error {
	return NewError(ErrNoRefreshToken, message, cause)
}

// NewRefreshRevokedError creates a refresh-revoked error.
func NewRefreshRevokedError(message string, cause error) *Error {
	return NewError(ErrRefreshRevoked, message, cause)
}

// NewConflictError creates a conflict error.
func NewConflictError(message string, cause error) *Error {
	return NewError(ErrConflict, message, cause)
}

// NewTransientError creates a transient (retryable) error.
func NewTransientError(message string, cause error) *Error {
	return NewError(ErrTransient, message, cause)
}

// NewPermanentError creates a permanent (non-retryable) error.
func NewPermanentError(message string, cause error) *Error {
	return NewError(ErrPermanent, message, cause)
}

// NewStoreError creates a store backend error.
func NewStoreError(message string, cause error) *Error {
	return NewError(ErrStore, message, cause)
}

// NewCancelledError creates a cancellation error.
func NewCancelledError(message string, cause error) *Error {
	return NewError(ErrCancelled, message, cause)
}

func isType(err error, errType string) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Type == errType
	}
	return false
}

// IsConfiguration checks if an error is a configuration error.
func IsConfiguration(err error) bool { return isType(err, ErrConfiguration) }

// IsProtocol checks if an error is a protocol error.
func IsProtocol(err error) bool { return isType(err, ErrProtocol) }

// IsStateMismatch checks if an error is a state-mismatch error.
func IsStateMismatch(err error) bool { return isType(err, ErrStateMismatch) }

// IsSessionExpired checks if an error is a session-expired error.
func IsSessionExpired(err error) bool { return isType(err, ErrSessionExpired) }

// IsNoRefreshToken checks if an error is a no-refresh-token error.
func IsNoRefreshToken(err error) bool { return isType(err, ErrNoRefreshToken) }

// IsRefreshRevoked checks if an error is a refresh-revoked error.
func IsRefreshRevoked(err error) bool { return isType(err, ErrRefreshRevoked) }

// IsConflict checks if an error is a conflict error.
func IsConflict(err error) bool { return isType(err, ErrConflict) }

// IsTransient checks if an error is a transient error.
func IsTransient(err error) bool { return isType(err, ErrTransient) }

// IsPermanent checks if an error is a permanent error.
func IsPermanent(err error) bool { return isType(err, ErrPermanent) }

// IsStore checks if an error is a store backend error.
func IsStore(err error) bool { return isType(err, ErrStore) }

// IsCancelled checks if an error is a cancellation error.
func IsCancelled(err error) bool { return isType(err, ErrCancelled) }

// OAuthCode returns the OAuth error code carried by a protocol error, or ""
// when err is not a protocol error with a parsed body.
func OAuthCode(err error) string {
	var e *Error
	if errors.As(err, &e) && e.OAuth != nil {
		return e.OAuth.Code
	}
	return ""
}
