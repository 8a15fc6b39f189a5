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

// Package handshake implements the Handshake Conductor: a per-peer
// state machine that drives two-party negotiation to Approved or
// Rejected regardless of which side initiates first. Duplicate-attempt
// folding uses a bounded LRU (internal/cache) to bound how many
// concurrent attempts are tracked at once.
package handshake

import (
	"context"
	"sync"
	"time"

	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/cache"
	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

type localState int

const (
	none localState = iota
	started
	informationReceived
	done
)

// Policy decides whether a peer's advertised description is acceptable.
type Policy func(wire.ProtocolDescription) bool

// FrameSender delivers one handshake frame to one address, best-effort
// up to retries attempts - satisfied by *protochannel.Channel, whose
// Send encodes the frame before handing it to a sending.SendingEndpoint.
type FrameSender interface {
	Send(ctx context.Context, id wire.EndpointId, target wire.ProtocolInformation, frame wire.Frame, retries int) error
}

// LocalOffer supplies this process's own advertised addresses and
// capabilities, recomputed per call so a Conductor always offers
// current Protocol Channel state.
type LocalOffer func() (self wire.EndpointId, discovery wire.DiscoveryInformation, protocols []wire.ProtocolInformation, description wire.ProtocolDescription)

type session struct {
	mu                sync.Mutex
	state             localState
	localAccepted     bool
	remoteAccepted    bool
	remoteAcceptedSet bool
	sentResponse      bool
	negotiated        wire.ProtocolVersion
	peerDescription   wire.ProtocolDescription
	peerProtocols     []wire.ProtocolInformation
	timer             *time.Timer
}

// Conductor drives handshakes for one local endpoint.
type Conductor struct {
	reg     *registry.Registry
	sender  FrameSender
	policy  Policy
	offer   LocalOffer
	timeout time.Duration
	retries int

	// createMu serializes the check-then-create race on sessions; the
	// cache itself is independently thread-safe for single operations.
	createMu sync.Mutex
	sessions cache.Cache[wire.EndpointId, *session]
}

// New constructs a Conductor. conf.HandshakeSessionCapacity bounds how
// many concurrent handshake attempts are tracked at once - a flood of
// distinct peers initiating simultaneously evicts the oldest in-flight
// attempt rather than growing without bound. The timeout before a
// session is rejected unanswered reuses conf.MaxTimeBetweenConnectionConfirm.
func New(reg *registry.Registry, sender FrameSender, policy Policy, offer LocalOffer, conf *confopts.Resolved) *Conductor {
	capacity := conf.HandshakeSessionCapacity
	return &Conductor{
		reg:      reg,
		sender:   sender,
		policy:   policy,
		offer:    offer,
		timeout:  conf.MaxTimeBetweenConnectionConfirm,
		retries:  conf.HandshakeRetries,
		sessions: cache.NewCache[wire.EndpointId, *session](&cache.Config{}, &cache.Config{Capacity: &capacity}),
	}
}

func (c *Conductor) sessionFor(id wire.EndpointId) (*session, bool) {
	if s, ok := c.sessions.Get(id); ok {
		return s, true
	}
	c.createMu.Lock()
	defer c.createMu.Unlock()
	if s, ok := c.sessions.Get(id); ok {
		return s, true
	}
	s := &session{}
	c.sessions.Set(id, s)
	return s, false
}

func (c *Conductor) armTimeout(ctx context.Context, id wire.EndpointId, s *session) {
	s.timer = time.AfterFunc(c.timeout, func() {
		log.L(ctx).Debugf("handshake with '%s' timed out, rejecting", id)
		c.finalize(ctx, id, s, false)
	})
}

func (c *Conductor) dropSession(id wire.EndpointId) {
	c.sessions.Delete(id)
}

// OnDiscovered starts (or folds into an existing) handshake after
// learning of a peer via the discovery layer.
func (c *Conductor) OnDiscovered(ctx context.Context, info wire.EndpointInformation) {
	c.begin(ctx, info.ID, info.Discovery, []wire.ProtocolInformation{info.Protocol})
}

// OnFrame routes an incoming EndpointConnect/EndpointConnectResponse
// frame - intended to be installed as msghandler filters.
func (c *Conductor) OnFrame(ctx context.Context, frame wire.Frame) {
	switch f := frame.(type) {
	case wire.EndpointConnect:
		c.handleConnect(ctx, f)
	case wire.EndpointConnectResponse:
		c.handleResponse(ctx, f)
	}
}

func (c *Conductor) begin(ctx context.Context, id wire.EndpointId, discovery wire.DiscoveryInformation, protocols []wire.ProtocolInformation) {
	if len(protocols) == 0 {
		return
	}
	s, existed := c.sessionFor(id)
	if existed {
		log.L(ctx).Debugf("handshake with '%s' already in progress, folding duplicate attempt", id)
		return
	}

	info := wire.EndpointInformation{ID: id, Discovery: discovery, Protocol: protocols[0]}
	if !c.reg.TryAdd(ctx, id, info) {
		c.dropSession(id)
		return
	}

	s.mu.Lock()
	s.state = started
	c.armTimeout(ctx, id, s)
	s.mu.Unlock()

	self, myDiscovery, myProtocols, myDescription := c.offer()
	outbound := wire.EndpointConnect{
		Header:      wire.Header{Sender: self, ID: wire.NewMessageId()},
		Protocols:   myProtocols,
		Discovery:   myDiscovery,
		Description: myDescription,
	}
	if err := c.sender.Send(ctx, id, protocols[0], outbound, c.retries); err != nil {
		log.L(ctx).Warnf("failed to send handshake connect to '%s': %s", id, err)
	}
}

func (c *Conductor) handleConnect(ctx context.Context, f wire.EndpointConnect) {
	id := f.Header.Sender
	// begin() folds into any session already in flight for id, and is a
	// no-op if this connect carries no usable addresses.
	c.begin(ctx, id, f.Discovery, f.Protocols)

	s, _ := c.sessionFor(id)

	selfID, _, myProtocols, myDescription := c.offer()

	s.mu.Lock()
	if s.sentResponse || s.state == done {
		s.mu.Unlock()
		return
	}
	common, versionOK := wire.HighestCommon(versionsOf(myProtocols), versionsOf(f.Protocols))
	s.localAccepted = versionOK && c.policy(f.Description)
	s.negotiated = common
	s.peerDescription = f.Description
	s.peerProtocols = f.Protocols
	s.state = informationReceived
	s.sentResponse = true
	accepted := s.localAccepted
	s.mu.Unlock()

	reply := wire.EndpointConnectResponse{
		Header:            wire.Header{Sender: selfID, ID: wire.NewMessageId(), InResponseTo: f.Header.ID},
		Protocols:         myProtocols,
		Description:       myDescription,
		Accepted:          accepted,
		NegotiatedVersion: common,
	}
	target := wire.ProtocolInformation{}
	if len(f.Protocols) > 0 {
		target = f.Protocols[0]
	}
	if err := c.sender.Send(ctx, id, target, reply, c.retries); err != nil {
		log.L(ctx).Warnf("failed to send handshake response to '%s': %s", id, err)
	}
}

func (c *Conductor) handleResponse(ctx context.Context, f wire.EndpointConnectResponse) {
	id := f.Header.Sender
	s, existed := c.sessionFor(id)
	if !existed {
		log.L(ctx).Debugf("handshake response from unknown peer '%s', dropping", id)
		c.dropSession(id)
		return
	}

	s.mu.Lock()
	if s.state == done {
		s.mu.Unlock()
		return
	}
	s.remoteAccepted = f.Accepted
	s.remoteAcceptedSet = true
	if s.negotiated == nil {
		s.negotiated = f.NegotiatedVersion
	}
	if s.peerProtocols == nil {
		s.peerDescription = f.Description
		s.peerProtocols = f.Protocols
	}
	ready := s.sentResponse && s.remoteAcceptedSet
	accept := s.localAccepted && s.remoteAccepted
	s.mu.Unlock()

	if !ready {
		return
	}
	c.finalize(ctx, id, s, accept)
}

func (c *Conductor) finalize(ctx context.Context, id wire.EndpointId, s *session, accept bool) {
	s.mu.Lock()
	if s.state == done {
		s.mu.Unlock()
		return
	}
	s.state = done
	if s.timer != nil {
		s.timer.Stop()
	}
	description := s.peerDescription
	protocols := s.peerProtocols
	negotiated := s.negotiated
	s.mu.Unlock()

	if accept {
		info := wire.EndpointInformation{ID: id, Protocol: selectVersion(protocols, negotiated)}
		if existing := c.reg.ConnectionFor(id); existing != nil {
			info.Discovery = existing.Discovery
		}
		c.reg.TryUpdate(ctx, info)
		if c.reg.TryStartApproval(ctx, id, description) {
			c.reg.TryCompleteApproval(ctx, id)
		}
	} else {
		c.reg.TryRemove(ctx, id)
	}
	c.dropSession(id)
}

func selectVersion(protocols []wire.ProtocolInformation, version wire.ProtocolVersion) wire.ProtocolInformation {
	for _, p := range protocols {
		if p.Version.Equal(version) {
			return p
		}
	}
	if len(protocols) > 0 {
		return protocols[0]
	}
	return wire.ProtocolInformation{}
}

func versionsOf(infos []wire.ProtocolInformation) []wire.ProtocolVersion {
	out := make([]wire.ProtocolVersion, len(infos))
	for i, p := range infos {
		out[i] = p.Version
	}
	return out
}
