// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package singleflight de-duplicates concurrent token fetches per store key.
// The first caller for a key becomes the leader and performs the work; every
// later caller joins as a follower and observes exactly the value the leader
// publishes. Unlike golang.org/x/sync/singleflight, a leader that unwinds
// without publishing releases its followers with an explicit abandonment
// error instead of re-panicking in their goroutines, and callers know which
// role they hold.
package singleflight

import (
	"context"
	"sync"

	brokererrors "github.com/stacklok/tokenbroker/pkg/errors"
	"github.com/stacklok/tokenbroker/pkg/identity"
	"github.com/stacklok/tokenbroker/pkg/tokens"
)

// Role distinguishes the leader from followers for a key.
type Role int

// Roles.
const (
	// Leader performs the provider request and publishes the outcome.
	Leader Role = iota
	// Follower awaits the leader's published outcome.
	Follower
)

func (r Role) String() string {
	if r == Leader {
		return "leader"
	}
	return "follower"
}

// Result is the outcome a leader publishes. Exactly one of Record and Err is
// set.
type Result struct {
	Record *tokens.Record
	Err    error
}

type entry struct {
	done   chan struct{}
	result Result
}

// Registry maps in-flight store keys to their shared outcome. The lock guards
// only entry and exit; leader work runs outside it.
type Registry struct {
	mu      sync.Mutex
	entries map[identity.StoreKey]*entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[identity.StoreKey]*entry),
	}
}

// Flight is one caller's handle on an in-flight key.
type Flight struct {
	reg    *Registry
	key    identity.StoreKey
	entry  *entry
	leader bool

	publishOnce sync.Once
}

// EnterOrJoin registers the caller for a key. The first caller becomes the
// leader; everyone else joins as a follower of the same entry. At most one
// leader exists per key at any instant.
func (r *Registry) EnterOrJoin(key identity.StoreKey) (Role, *Flight) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[key]; ok {
		return Follower, &Flight{reg: r, key: key, entry: e}
	}

	e := &entry{done: make(chan struct{})}
	r.entries[key] = e
	return Leader, &Flight{reg: r, key: key, entry: e, leader: true}
}

// Publish deposits the leader's outcome and removes the entry, releasing all
// followers. Only the first publication wins; later calls are no-ops, which
// makes a deferred Abandon safe after a successful Publish.
func (f *Flight) Publish(record *tokens.Record, err error) {
	if !f.leader {
		return
	}
	f.publishOnce.Do(func() {
		f.entry.result = Result{Record: record, Err: err}

		f.reg.mu.Lock()
		delete(f.reg.entries, f.key)
		f.reg.mu.Unlock()

		close(f.entry.done)
	})
}

// Abandon releases followers with a transient error when the leader unwinds
// without an outcome, e.g. on panic or cancellation. A no-op after Publish.
func (f *Flight) Abandon(cause error) {
	f.Publish(nil, brokererrors.NewTransientError("token fetch leader abandoned the flight", cause))
}

// Wait blocks until the leader publishes or ctx is done. Followers receive a
// clone of the published record (see tokens.Record.Clone), so no two callers
// share the record or its Extras map.
func (f *Flight) Wait(ctx context.Context) (*tokens.Record, error) {
	select {
	case <-ctx.Done():
		return nil, brokererrors.NewCancelledError("abandoned wait for in-flight token fetch", ctx.Err())
	case <-f.entry.done:
	}

	res := f.entry.result
	if res.Err != nil {
		return nil, res.Err
	}
	return res.Record.Clone(), nil
}

// InFlight reports the number of keys currently held by a leader.
func (r *Registry) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
