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

// Package msghandler implements the Message Handler: the single entry
// point incoming frames are dispatched through, correlating responses
// to outstanding waiters and routing everything else to installed
// filters. Modeled on transportmgr's separation between "resolve under
// the lock, act outside it" - here applied to waiter fulfilment and
// filter invocation rather than peer connection.
package msghandler

import (
	"context"
	"sync"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/internal/waiter"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// Approver reports whether a sender may deliver non-handshake traffic -
// satisfied by *registry.Registry.
type Approver interface {
	CanCommunicateWith(id wire.EndpointId) bool
}

// Match is a predicate over an arriving frame.
type Match func(wire.Frame) bool

// Action handles a frame that matched a filter (or the last-chance slot).
type Action func(ctx context.Context, frame wire.Frame)

type filterEntry struct {
	match  Match
	action Action
}

type waiterKey struct {
	sender       wire.EndpointId
	inResponseTo wire.MessageId
}

// Handler is the Message Handler. The zero value is not usable -
// construct with New.
type Handler struct {
	approver Approver

	mu         sync.Mutex
	waiters    map[waiterKey]*waiter.Waiter[wire.Frame]
	filters    []filterEntry
	lastChance *filterEntry

	onConfirm []func(wire.EndpointId)
}

func New(approver Approver) *Handler {
	return &Handler{
		approver: approver,
		waiters:  make(map[waiterKey]*waiter.Waiter[wire.Frame]),
	}
}

// OnConfirmChannelIntegrity registers a listener fired on every
// processed frame's sender, regardless of how the frame is ultimately
// routed - the Connection Monitor uses this to reset its failure
// counter on any observed traffic.
func (h *Handler) OnConfirmChannelIntegrity(fn func(wire.EndpointId)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConfirm = append(h.onConfirm, fn)
}

// ForwardResponse registers a waiter for the first incoming frame whose
// header names expectedSender as Sender and inResponseTo as
// InResponseTo. The waiter times out on its own after timeout elapses.
func (h *Handler) ForwardResponse(ctx context.Context, expectedSender wire.EndpointId, inResponseTo wire.MessageId, timeout time.Duration) (*waiter.Waiter[wire.Frame], error) {
	key := waiterKey{sender: expectedSender, inResponseTo: inResponseTo}

	h.mu.Lock()
	if _, exists := h.waiters[key]; exists {
		h.mu.Unlock()
		return nil, i18n.NewError(ctx, msgs.MsgDuplicateRegistration, inResponseTo)
	}
	w := waiter.New[wire.Frame]()
	h.waiters[key] = w
	h.mu.Unlock()

	timer := time.AfterFunc(timeout, func() {
		h.mu.Lock()
		if h.waiters[key] == w {
			delete(h.waiters, key)
		}
		h.mu.Unlock()
		if w.Timeout(i18n.NewError(ctx, msgs.MsgTimeout, inResponseTo)) {
			log.L(ctx).Debugf("waiter for '%s' from '%s' timed out", inResponseTo, expectedSender)
		}
	})
	go func() {
		<-ctx.Done()
		timer.Stop()
	}()

	return w, nil
}

// ActOnArrival installs a filter. A last-chance filter replaces the
// single fallback slot rather than joining the ordered filter set.
func (h *Handler) ActOnArrival(match Match, action Action, lastChance bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	entry := filterEntry{match: match, action: action}
	if lastChance {
		h.lastChance = &entry
		return
	}
	h.filters = append(h.filters, entry)
}

// ProcessMessage is the dispatch entry point; safe to call concurrently
// from the transport's receive task(s).
func (h *Handler) ProcessMessage(ctx context.Context, frame wire.Frame) {
	header := frame.GetHeader()
	sender := header.Sender

	h.mu.Lock()
	onConfirm := append([]func(wire.EndpointId){}, h.onConfirm...)
	h.mu.Unlock()
	for _, fn := range onConfirm {
		fn(sender)
	}

	// A non-empty InResponseTo correlates to a SendAndWait waiter only if
	// one is actually registered for this (sender, inResponseTo) pair -
	// replies that are routed through a filter instead (the Handshake
	// Conductor's EndpointConnectResponse) also carry InResponseTo, and
	// must fall through to the filter chain below rather than being
	// dropped here.
	if !header.InResponseTo.IsNone() {
		key := waiterKey{sender: sender, inResponseTo: header.InResponseTo}
		h.mu.Lock()
		w, ok := h.waiters[key]
		if ok {
			delete(h.waiters, key)
		}
		h.mu.Unlock()
		if ok {
			w.Fulfill(frame)
			return
		}
	}

	if !h.admitted(sender, frame.Type()) {
		log.L(ctx).Debugf("frame '%s' from unapproved endpoint '%s' refused", frame.Type(), sender)
		return
	}

	h.mu.Lock()
	filters := append([]filterEntry{}, h.filters...)
	lastChance := h.lastChance
	h.mu.Unlock()

	for _, f := range filters {
		if f.match(frame) {
			f.action(ctx, frame)
			return
		}
	}
	if lastChance != nil {
		lastChance.action(ctx, frame)
	}
}

func (h *Handler) admitted(sender wire.EndpointId, t wire.FrameType) bool {
	return h.approver.CanCommunicateWith(sender) || wire.IsHandshakeFrame(t) || t == wire.FrameEndpointDisconnect
}

// OnEndpointSignedOff cancels every waiter expecting a response from id.
func (h *Handler) OnEndpointSignedOff(id wire.EndpointId) {
	h.cancelMatching(func(k waiterKey) bool { return k.sender == id })
}

// OnLocalChannelClosed cancels every outstanding waiter.
func (h *Handler) OnLocalChannelClosed() {
	h.cancelMatching(func(waiterKey) bool { return true })
}

func (h *Handler) cancelMatching(match func(waiterKey) bool) {
	h.mu.Lock()
	var toCancel []*waiter.Waiter[wire.Frame]
	for k, w := range h.waiters {
		if match(k) {
			toCancel = append(toCancel, w)
			delete(h.waiters, k)
		}
	}
	h.mu.Unlock()

	for _, w := range toCancel {
		w.Cancel(i18n.NewError(context.Background(), msgs.MsgCancelled, ""))
	}
}
