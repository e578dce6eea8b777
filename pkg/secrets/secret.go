// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package secrets provides a string wrapper that cannot leak through display,
// debug or JSON formatting. The raw value is reachable only through Expose.
package secrets

import "crypto/subtle"

// Placeholder is what a Secret renders as everywhere except Expose.
const Placeholder = "[REDACTED]"

// Secret wraps a sensitive string value. The zero value is the absent secret.
type Secret struct {
	value string
}

// New wraps a raw value.
func New(value string) Secret {
	return Secret{value: value}
}

// Expose returns the raw value. This is the only read path.
func (s Secret) Expose() string {
	return s.value
}

// IsZero reports whether the secret is absent.
func (s Secret) IsZero() bool {
	return s.value == ""
}

// Equal compares two secrets in constant time.
func (s Secret) Equal(other Secret) bool {
	return subtle.ConstantTimeCompare([]byte(s.value), []byte(other.value)) == 1
}

// EqualString compares the secret against a raw string in constant time.
func (s Secret) EqualString(raw string) bool {
	return subtle.ConstantTimeCompare([]byte(s.value), []byte(raw)) == 1
}

// String implements fmt.Stringer with the redaction placeholder.
func (Secret) String() string {
	return Placeholder
}

// GoString redacts %#v formatting.
func (Secret) GoString() string {
	return "secrets.Secret(" + Placeholder + ")"
}

// MarshalJSON redacts JSON encoding. Persistence layers must serialize the
// exposed value explicitly.
func (Secret) MarshalJSON() ([]byte, error) {
	return []byte(`"` + Placeholder + `"`), nil
}
