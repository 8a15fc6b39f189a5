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

// Package protochannel implements the Protocol Channel: for one
// transport.ChannelTemplate, it owns the per-version receiver hosts and
// fans their frames/streams out to the Message and Data Handlers, while
// exposing thin send/transfer wrappers over a sending.SendingEndpoint.
package protochannel

import (
	"context"
	"io"
	"sync"

	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/datahandler"
	"github.com/thenucleus/nuclei-net/internal/msghandler"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// Sender is the subset of sending.SendingEndpoint a Channel drives.
type Sender interface {
	Send(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, payload []byte, retries int) error
	SendStream(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, r io.Reader, retries int) error
}

type versionState struct {
	receiver     transport.ReceiverHost
	dataReceiver transport.DataReceiverHost
	local        wire.ProtocolInformation
	cancel       context.CancelFunc
}

// Channel is the Protocol Channel for one template.
type Channel struct {
	self     wire.EndpointId
	template transport.ChannelTemplate
	versions []wire.ProtocolVersion
	reg      *registry.Registry
	sender   Sender
	msgs     *msghandler.Handler
	data     *datahandler.Handler

	mu    sync.Mutex
	state map[string]*versionState
}

func New(self wire.EndpointId, template transport.ChannelTemplate, versions []wire.ProtocolVersion, reg *registry.Registry, sender Sender, msgs *msghandler.Handler, data *datahandler.Handler) *Channel {
	return &Channel{
		self:     self,
		template: template,
		versions: versions,
		reg:      reg,
		sender:   sender,
		msgs:     msgs,
		data:     data,
		state:    make(map[string]*versionState),
	}
}

// Open stands up a message and data receiver for every supported
// version, fanning incoming traffic out to the Message and Data
// Handlers for as long as each receiver stays open.
func (c *Channel) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, v := range c.versions {
		rh, err := c.template.OpenMessageReceiver(ctx, v)
		if err != nil {
			return err
		}
		drh, err := c.template.OpenDataReceiver(ctx, v)
		if err != nil {
			_ = rh.Close()
			return err
		}
		vctx, cancel := context.WithCancel(ctx)
		vs := &versionState{
			receiver:     rh,
			dataReceiver: drh,
			local:        c.template.LocalConnectionPoint(v),
			cancel:       cancel,
		}
		c.state[v.String()] = vs
		go c.pumpFrames(vctx, rh)
		go c.pumpStreams(vctx, drh)
	}
	return nil
}

func (c *Channel) pumpFrames(ctx context.Context, rh transport.ReceiverHost) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-rh.Frames():
			if !ok {
				return
			}
			c.msgs.ProcessMessage(ctx, frame)
		}
	}
}

func (c *Channel) pumpStreams(ctx context.Context, drh transport.DataReceiverHost) {
	for {
		select {
		case <-ctx.Done():
			return
		case stream, ok := <-drh.Streams():
			if !ok {
				return
			}
			c.data.ProcessData(ctx, stream)
		}
	}
}

// Close sends a best-effort EndpointDisconnect to every Approved peer
// (retries=1, failures ignored - the process is going away regardless),
// then tears down every receiver and clears local connection points.
func (c *Channel) Close(ctx context.Context) {
	for _, peer := range c.reg.ApprovedPeers() {
		frame := wire.EndpointDisconnect{Header: wire.Header{Sender: c.self, ID: wire.NewMessageId()}}
		if err := c.Send(ctx, peer.Info.ID, peer.Info.Protocol, frame, 1); err != nil {
			log.L(ctx).Debugf("best-effort disconnect to '%s' failed: %s", peer.Info.ID, err)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for k, vs := range c.state {
		vs.cancel()
		_ = vs.receiver.Close()
		_ = vs.dataReceiver.Close()
		delete(c.state, k)
	}
}

// LocalConnectionPoints returns the locally advertised address for
// every supported version.
func (c *Channel) LocalConnectionPoints() []wire.ProtocolInformation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.ProtocolInformation, 0, len(c.state))
	for _, vs := range c.state {
		out = append(out, vs.local)
	}
	return out
}

// LocalConnectionPointFor returns the locally advertised address for
// one version, or false if that version isn't open.
func (c *Channel) LocalConnectionPointFor(version wire.ProtocolVersion) (wire.ProtocolInformation, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	vs, ok := c.state[version.String()]
	if !ok {
		return wire.ProtocolInformation{}, false
	}
	return vs.local, true
}

// Send encodes frame and delivers it to id at peer, satisfying
// handshake.FrameSender.
func (c *Channel) Send(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, frame wire.Frame, retries int) error {
	payload, err := wire.Encode(frame)
	if err != nil {
		return err
	}
	return c.sender.Send(ctx, id, peer, payload, retries)
}

// TransferData streams r to id at peer over the data channel.
func (c *Channel) TransferData(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation, r io.Reader, retries int) error {
	return c.sender.SendStream(ctx, id, peer, r, retries)
}
