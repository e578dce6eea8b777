// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package identity

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"strings"
)

// ScopeSet is an ordered, de-duplicated sequence of scope strings. The
// canonical order is insertion order with duplicates removed, so the set's
// fingerprint is stable across repeated elements but sensitive to reordering.
// The zero value is the empty set.
type ScopeSet struct {
	scopes []string
}

// NewScopeSet builds a scope set from the given scopes, removing duplicates
// while preserving first-occurrence order. Empty scope strings are rejected.
func NewScopeSet(scopes ...string) (ScopeSet, error) {
	seen := make(map[string]struct{}, len(scopes))
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		if s == "" {
			return ScopeSet{}, fmt.Errorf("scope must not be empty")
		}
		if strings.TrimSpace(s) != s {
			return ScopeSet{}, fmt.Errorf("scope %q must not have surrounding whitespace", s)
		}
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return ScopeSet{scopes: out}, nil
}

// MustScopeSet is NewScopeSet that panics on invalid input. For tests and
// static initialization only.
func MustScopeSet(scopes ...string) ScopeSet {
	set, err := NewScopeSet(scopes...)
	if err != nil {
		panic(err)
	}
	return set
}

// Strings returns a copy of the canonical scope sequence.
func (s ScopeSet) Strings() []string {
	out := make([]string, len(s.scopes))
	copy(out, s.scopes)
	return out
}

// Len returns the number of scopes in the set.
func (s ScopeSet) Len() int { return len(s.scopes) }

// IsEmpty reports whether the set contains no scopes.
func (s ScopeSet) IsEmpty() bool { return len(s.scopes) == 0 }

// Contains reports whether the set includes the given scope.
func (s ScopeSet) Contains(scope string) bool {
	for _, cur := range s.scopes {
		if cur == scope {
			return true
		}
	}
	return false
}

// Join joins the canonical sequence with the given delimiter.
func (s ScopeSet) Join(delim string) string {
	return strings.Join(s.scopes, delim)
}

// Equal reports whether two sets have the same canonical sequence.
func (s ScopeSet) Equal(other ScopeSet) bool {
	if len(s.scopes) != len(other.scopes) {
		return false
	}
	for i := range s.scopes {
		if s.scopes[i] != other.scopes[i] {
			return false
		}
	}
	return true
}

// Fingerprint returns a stable hash of the canonical sequence. Each element is
// length-prefixed before hashing so adjacent scopes cannot collide with their
// concatenation.
func (s ScopeSet) Fingerprint() string {
	h := sha256.New()
	var lenBuf [4]byte
	for _, scope := range s.scopes {
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(scope)))
		h.Write(lenBuf[:])
		h.Write([]byte(scope))
	}
	sum := h.Sum(nil)
	return hex.EncodeToString(sum[:16])
}

// String returns the space-joined form, for logs only.
func (s ScopeSet) String() string {
	return s.Join(" ")
}
