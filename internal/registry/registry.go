// Copyright © 2024 Kaleido, Inc.
//
// SPDX-License-Identifier: Apache-2.0
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package registry implements the Endpoint Registry: a four-state
// lifecycle store for known peers, single-writer per endpoint under one
// lock, with connect/disconnect signals fired only after the lock is
// released - mirroring the way transportmgr.peer resolves a peer and
// releases peersLock before doing anything slow.
package registry

import (
	"context"
	"sync"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// State is one of the four points in an endpoint's lifecycle.
type State int

const (
	Contacted State = iota
	WaitingForApproval
	Approved
	Absent
)

func (s State) String() string {
	switch s {
	case Contacted:
		return "Contacted"
	case WaitingForApproval:
		return "WaitingForApproval"
	case Approved:
		return "Approved"
	default:
		return "Absent"
	}
}

// Entry is a registry snapshot for one endpoint, safe to read after
// it's been copied out of the registry's lock.
type Entry struct {
	Info        wire.EndpointInformation
	Description wire.ProtocolDescription
	State       State

	// removing is set by the first TryRemove caller to claim the
	// signal-firing sequence, so a second concurrent caller never fires
	// onDisconnecting or onDisconnected for the same endpoint.
	removing bool
}

type listeners struct {
	onConnected     []func(wire.EndpointId)
	onDisconnecting []func(wire.EndpointId)
	onDisconnected  []func(wire.EndpointId)
}

// Registry is the Endpoint Registry. The zero value is not usable -
// construct with New.
type Registry struct {
	mu        sync.Mutex
	entries   map[wire.EndpointId]*Entry
	listeners listeners
}

func New() *Registry {
	return &Registry{
		entries: make(map[wire.EndpointId]*Entry),
	}
}

// OnConnected registers a listener fired after try_complete_approval
// succeeds, outside the registry's lock.
func (r *Registry) OnConnected(fn func(wire.EndpointId)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.onConnected = append(r.listeners.onConnected, fn)
}

// OnDisconnecting registers a listener fired before a try_remove
// mutates state - for observers that need to send farewell traffic.
func (r *Registry) OnDisconnecting(fn func(wire.EndpointId)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.onDisconnecting = append(r.listeners.onDisconnecting, fn)
}

// OnDisconnected registers a listener fired after a try_remove has
// mutated state - for observers that drop resources.
func (r *Registry) OnDisconnected(fn func(wire.EndpointId)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners.onDisconnected = append(r.listeners.onDisconnected, fn)
}

// TryAdd fails if the id is already known in any state - no silent
// update. Succeeds by inserting a fresh entry in Contacted.
func (r *Registry) TryAdd(ctx context.Context, id wire.EndpointId, info wire.EndpointInformation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, known := r.entries[id]; known {
		log.L(ctx).Debugf("endpoint '%s' already known, try_add is a no-op", id)
		return false
	}
	r.entries[id] = &Entry{Info: info, State: Contacted}
	return true
}

// TryStartApproval only succeeds from Contacted; it atomically moves
// the entry to WaitingForApproval with the given description attached.
func (r *Registry) TryStartApproval(ctx context.Context, id wire.EndpointId, desc wire.ProtocolDescription) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok || e.State != Contacted {
		return false
	}
	e.State = WaitingForApproval
	e.Description = desc
	return true
}

// TryCompleteApproval only succeeds from WaitingForApproval, and fires
// OnConnected listeners after the lock is released.
func (r *Registry) TryCompleteApproval(ctx context.Context, id wire.EndpointId) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.State != WaitingForApproval {
		r.mu.Unlock()
		return false
	}
	e.State = Approved
	onConnected := append([]func(wire.EndpointId){}, r.listeners.onConnected...)
	r.mu.Unlock()

	for _, fn := range onConnected {
		fn(id)
	}
	return true
}

// TryUpdate accepts replacement addresses for Contacted and
// WaitingForApproval entries; rejects updates once Approved (the
// addresses of an approved peer are frozen).
func (r *Registry) TryUpdate(ctx context.Context, info wire.EndpointInformation) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[info.ID]
	if !ok {
		return false
	}
	if e.State == Approved || e.State == Absent {
		log.L(ctx).Debugf("rejecting update to endpoint '%s' in state %s", info.ID, e.State)
		return false
	}
	e.Info = info
	return true
}

// TryRemove always fires OnDisconnecting before mutation and
// OnDisconnected after, exactly once, for any known state. Two
// concurrent callers for the same id race only on which one claims
// removal here; the loser returns false and fires nothing.
func (r *Registry) TryRemove(ctx context.Context, id wire.EndpointId) bool {
	r.mu.Lock()
	e, ok := r.entries[id]
	if !ok || e.State == Absent || e.removing {
		r.mu.Unlock()
		return false
	}
	e.removing = true
	onDisconnecting := append([]func(wire.EndpointId){}, r.listeners.onDisconnecting...)
	r.mu.Unlock()

	for _, fn := range onDisconnecting {
		fn(id)
	}

	r.mu.Lock()
	e.State = Absent
	delete(r.entries, id)
	onDisconnected := append([]func(wire.EndpointId){}, r.listeners.onDisconnected...)
	r.mu.Unlock()

	for _, fn := range onDisconnected {
		fn(id)
	}
	return true
}

// ConnectionFor returns a consistent snapshot of the endpoint's
// information, or nil if it is not known.
func (r *Registry) ConnectionFor(id wire.EndpointId) *wire.EndpointInformation {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	info := e.Info
	return &info
}

// Snapshot returns a copy of the entry for id, or nil if unknown.
func (r *Registry) Snapshot(id wire.EndpointId) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return nil
	}
	cp := *e
	return &cp
}

// ApprovedPeers returns a snapshot of every currently-Approved entry -
// used by the Protocol Channel to address a best-effort farewell frame
// to each known peer on close.
func (r *Registry) ApprovedPeers() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.State == Approved {
			out = append(out, *e)
		}
	}
	return out
}

func (r *Registry) state(id wire.EndpointId) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[id]
	if !ok {
		return Absent, false
	}
	return e.State, true
}

// HasBeenContacted reports whether id is known in any non-Absent state.
func (r *Registry) HasBeenContacted(id wire.EndpointId) bool {
	_, ok := r.state(id)
	return ok
}

// IsWaitingForApproval reports whether id is in WaitingForApproval.
func (r *Registry) IsWaitingForApproval(id wire.EndpointId) bool {
	s, ok := r.state(id)
	return ok && s == WaitingForApproval
}

// CanCommunicateWith reports whether id is Approved - the gate for
// non-handshake traffic.
func (r *Registry) CanCommunicateWith(id wire.EndpointId) bool {
	s, ok := r.state(id)
	return ok && s == Approved
}

// RequireApproved is a convenience that returns an EndpointNotContactable
// error if id is not currently Approved.
func (r *Registry) RequireApproved(ctx context.Context, id wire.EndpointId) error {
	if !r.CanCommunicateWith(id) {
		return i18n.NewError(ctx, msgs.MsgEndpointNotContactable, id)
	}
	return nil
}
