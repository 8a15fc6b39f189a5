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

package handshake

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

func ip(v int) *int { return &v }

func testConf(timeout time.Duration, retries int) *confopts.Resolved {
	return confopts.Resolve(&confopts.Config{
		MaxTimeBetweenConnectionConfirmMS: ip(int(timeout / time.Millisecond)),
		HandshakeRetries:                  ip(retries),
		HandshakeSessionCapacity:          ip(16),
	}, nil)
}

type recordedSend struct {
	id     wire.EndpointId
	target wire.ProtocolInformation
	frame  wire.Frame
}

type fakeSender struct {
	mu   sync.Mutex
	sent []recordedSend
}

func (f *fakeSender) Send(ctx context.Context, id wire.EndpointId, target wire.ProtocolInformation, frame wire.Frame, retries int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{id: id, target: target, frame: frame})
	return nil
}

func (f *fakeSender) last() recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent[len(f.sent)-1]
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

func acceptAll(wire.ProtocolDescription) bool { return true }
func rejectAll(wire.ProtocolDescription) bool { return false }

func localOffer(self wire.EndpointId, subjects ...string) LocalOffer {
	return func() (wire.EndpointId, wire.DiscoveryInformation, []wire.ProtocolInformation, wire.ProtocolDescription) {
		return self, wire.DiscoveryInformation{DiscoveryAddress: "disc://" + self.String()},
			[]wire.ProtocolInformation{{Version: wire.ProtocolVersion{1}, MessageAddress: "msg://" + self.String()}},
			wire.ProtocolDescription{Subjects: subjects}
	}
}

func peerProtocols(version int) []wire.ProtocolInformation {
	return []wire.ProtocolInformation{{Version: wire.ProtocolVersion{version}, MessageAddress: "msg://peer"}}
}

func TestHandshakeConvergesToApprovedWhenBothSidesAccept(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	c := New(reg, sender, acceptAll, localOffer("self", "orders"), testConf(time.Second, 1))
	ctx := context.Background()
	peer := wire.EndpointId("peer")

	inbound := wire.EndpointConnect{
		Header:      wire.Header{Sender: peer, ID: wire.NewMessageId()},
		Protocols:   peerProtocols(1),
		Discovery:   wire.DiscoveryInformation{DiscoveryAddress: "disc://peer"},
		Description: wire.ProtocolDescription{Subjects: []string{"orders"}},
	}
	c.OnFrame(ctx, inbound)

	require.Equal(t, 2, sender.count(), "expected both the outbound connect and the response to the inbound connect")

	outboundConnect := sender.sent[0].frame.(wire.EndpointConnect)
	response := wire.EndpointConnectResponse{
		Header:            wire.Header{Sender: peer, InResponseTo: outboundConnect.Header.ID},
		Protocols:         peerProtocols(1),
		Description:       wire.ProtocolDescription{Subjects: []string{"orders"}},
		Accepted:          true,
		NegotiatedVersion: wire.ProtocolVersion{1},
	}
	c.OnFrame(ctx, response)

	snap := reg.Snapshot(peer)
	require.NotNil(t, snap)
	assert.Equal(t, registry.Approved, snap.State)
}

func TestHandshakeRejectsOnVersionMismatch(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	c := New(reg, sender, acceptAll, localOffer("self"), testConf(time.Second, 1))
	ctx := context.Background()
	peer := wire.EndpointId("peer")

	c.OnFrame(ctx, wire.EndpointConnect{
		Header:    wire.Header{Sender: peer, ID: wire.NewMessageId()},
		Protocols: peerProtocols(99),
	})

	outboundConnect := sender.sent[0].frame.(wire.EndpointConnect)
	response := wire.EndpointConnectResponse{
		Header:   wire.Header{Sender: peer, InResponseTo: outboundConnect.Header.ID},
		Accepted: false,
	}
	c.OnFrame(ctx, response)

	assert.False(t, reg.HasBeenContacted(peer))
}

func TestHandshakeRejectsWhenLocalPolicyRejects(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	c := New(reg, sender, rejectAll, localOffer("self"), testConf(time.Second, 1))
	ctx := context.Background()
	peer := wire.EndpointId("peer")

	c.OnFrame(ctx, wire.EndpointConnect{
		Header:    wire.Header{Sender: peer, ID: wire.NewMessageId()},
		Protocols: peerProtocols(1),
	})

	replyToInbound := sender.last().frame.(wire.EndpointConnectResponse)
	assert.False(t, replyToInbound.Accepted)
}

func TestHandshakeTimesOutAndRemovesPeer(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	c := New(reg, sender, acceptAll, localOffer("self"), testConf(10*time.Millisecond, 1))
	ctx := context.Background()
	peer := wire.EndpointId("peer")

	c.begin(ctx, peer, wire.DiscoveryInformation{}, peerProtocols(1))
	require.True(t, reg.HasBeenContacted(peer))

	assert.Eventually(t, func() bool {
		return !reg.HasBeenContacted(peer)
	}, time.Second, 5*time.Millisecond, "handshake should be rejected and removed after timeout")
}

func TestDuplicateConcurrentAttemptsFoldIntoOneSession(t *testing.T) {
	reg := registry.New()
	sender := &fakeSender{}
	c := New(reg, sender, acceptAll, localOffer("self"), testConf(time.Second, 1))
	ctx := context.Background()
	peer := wire.EndpointId("peer")

	var wg sync.WaitGroup
	wg.Add(5)
	for i := 0; i < 5; i++ {
		go func() {
			defer wg.Done()
			c.begin(ctx, peer, wire.DiscoveryInformation{}, peerProtocols(1))
		}()
	}
	wg.Wait()

	// Only one EndpointConnect should have gone out for the folded attempts.
	connects := 0
	sender.mu.Lock()
	for _, s := range sender.sent {
		if _, ok := s.frame.(wire.EndpointConnect); ok {
			connects++
		}
	}
	sender.mu.Unlock()
	assert.Equal(t, 1, connects)
}
