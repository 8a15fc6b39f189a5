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

package sending

import (
	"context"
	"io"
	"sync"

	"github.com/hyperledger/firefly-common/pkg/retry"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// pair is the (message channel, data channel) a SendingEndpoint holds
// for one peer - each side lazily created on first use.
type pair struct {
	mu      sync.Mutex
	message *RestoringMessageChannel
	data    *RestoringDataChannel
}

// Dialer is the subset of transport.ChannelTemplate a SendingEndpoint
// needs to lazily open channels to a peer.
type Dialer interface {
	messageDialer
	dataDialer
}

// SendingEndpoint holds, for one local endpoint, a mapping from peer
// ProtocolInformation to its (message, data) channel pair. Open/close
// is serialized per peer; concurrent sends to the same peer serialize
// on channel creation but parallelize on transmit once the channel
// exists - directly descended from transportmgr's per-node
// getPeer/connectPeer race-to-connect pattern.
type SendingEndpoint struct {
	dialer Dialer
	retry  *retry.Retry

	mu    sync.Mutex
	peers map[string]*pair
}

// NewSendingEndpoint builds the retry policy driving every lazily-opened
// channel from conf's send-retry fields.
func NewSendingEndpoint(dialer Dialer, conf *confopts.Resolved) *SendingEndpoint {
	r := &retry.Retry{
		InitialDelay: conf.SendRetryInitialDelay,
		MaximumDelay: conf.SendRetryMaximumDelay,
		Factor:       conf.SendRetryFactor,
	}
	return &SendingEndpoint{dialer: dialer, retry: r, peers: make(map[string]*pair)}
}

func (se *SendingEndpoint) pairFor(peer wire.ProtocolInformation, id wire.EndpointId) *pair {
	key := wire.Key(id, peer.Version)
	se.mu.Lock()
	defer se.mu.Unlock()
	p, ok := se.peers[key]
	if !ok {
		p = &pair{}
		se.peers[key] = p
	}
	return p
}

// Send resolves or creates the message channel to peer and delegates.
func (se *SendingEndpoint) Send(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, payload []byte, retries int) error {
	p := se.pairFor(peer, id)
	p.mu.Lock()
	if p.message == nil {
		p.message = NewRestoringMessageChannel(id, peer, se.dialer, se.retry)
	}
	ch := p.message
	p.mu.Unlock()
	return ch.Send(ctx, payload, retries)
}

// SendStream resolves or creates the data channel to peer and delegates.
func (se *SendingEndpoint) SendStream(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, r io.Reader, retries int) error {
	p := se.pairFor(peer, id)
	p.mu.Lock()
	if p.data == nil {
		p.data = NewRestoringDataChannel(id, peer, se.dialer, se.retry)
	}
	ch := p.data
	p.mu.Unlock()
	return ch.SendStream(ctx, r, retries)
}

// CloseChannelTo drops both sides of the pool entry for id, releasing
// their resources after the peer's per-peer lock is acquired.
func (se *SendingEndpoint) CloseChannelTo(ctx context.Context, id wire.EndpointId, version wire.ProtocolVersion) {
	key := wire.Key(id, version)
	se.mu.Lock()
	p, ok := se.peers[key]
	if ok {
		delete(se.peers, key)
	}
	se.mu.Unlock()
	if !ok {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.message != nil {
		if err := p.message.Close(); err != nil {
			log.L(ctx).Debugf("error closing message channel to '%s': %s", id, err)
		}
	}
	if p.data != nil {
		if err := p.data.Close(); err != nil {
			log.L(ctx).Debugf("error closing data channel to '%s': %s", id, err)
		}
	}
}
