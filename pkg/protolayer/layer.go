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

// Package protolayer is the public façade: it composes the registry,
// handlers and protocol channel into the four operations an
// application actually calls.
package protolayer

import (
	"context"
	"time"

	"github.com/hyperledger/firefly-common/pkg/i18n"

	"github.com/thenucleus/nuclei-net/internal/datahandler"
	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/internal/msghandler"
	"github.com/thenucleus/nuclei-net/internal/protochannel"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/internal/waiter"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// Layer is the Protocol Layer for one local endpoint.
type Layer struct {
	self    wire.EndpointId
	reg     *registry.Registry
	msgs    *msghandler.Handler
	data    *datahandler.Handler
	channel *protochannel.Channel
}

func New(self wire.EndpointId, reg *registry.Registry, msgs *msghandler.Handler, data *datahandler.Handler, channel *protochannel.Channel) *Layer {
	return &Layer{self: self, reg: reg, msgs: msgs, data: data, channel: channel}
}

func (l *Layer) addressOf(ctx context.Context, peerID wire.EndpointId) (wire.ProtocolInformation, error) {
	info := l.reg.ConnectionFor(peerID)
	if info == nil {
		return wire.ProtocolInformation{}, i18n.NewError(ctx, msgs.MsgEndpointNotContactable, peerID)
	}
	return info.Protocol, nil
}

// SendTo resolves peerID's address via the registry and sends frame,
// without awaiting a reply.
func (l *Layer) SendTo(ctx context.Context, peerID wire.EndpointId, frame wire.Frame, retries int) error {
	peer, err := l.addressOf(ctx, peerID)
	if err != nil {
		return err
	}
	return l.channel.Send(ctx, peerID, peer, frame, retries)
}

// SendAndWait sends frame (which must already carry a unique
// Header.ID) and resolves with the first frame peerID sends back with
// a matching InResponseTo, or a Timeout/Cancelled error.
func (l *Layer) SendAndWait(ctx context.Context, peerID wire.EndpointId, frame wire.Frame, retries int, timeout time.Duration) (wire.Frame, error) {
	peer, err := l.addressOf(ctx, peerID)
	if err != nil {
		return nil, err
	}
	msgID := frame.GetHeader().ID
	w, err := l.msgs.ForwardResponse(ctx, peerID, msgID, timeout)
	if err != nil {
		return nil, err
	}
	if err := l.channel.Send(ctx, peerID, peer, frame, retries); err != nil {
		w.Cancel(err)
		return nil, err
	}
	return resolveFrame(ctx, w)
}

// TransferData pairs a one-shot inbound-stream waiter with a
// DataDownloadRequest sent to peerID, asking it to stream targetPath's
// contents back over the data channel.
func (l *Layer) TransferData(ctx context.Context, peerID wire.EndpointId, targetPath string, retries int, timeout time.Duration) (datahandler.FileInfo, error) {
	peer, err := l.addressOf(ctx, peerID)
	if err != nil {
		return datahandler.FileInfo{}, err
	}
	w, err := l.data.ForwardData(ctx, peerID, targetPath, timeout)
	if err != nil {
		return datahandler.FileInfo{}, err
	}
	reqID := wire.NewMessageId()
	req := wire.DataDownloadRequest{
		Header:     wire.Header{Sender: l.self, ID: reqID},
		Token:      reqID.String(),
		TargetHint: targetPath,
	}
	if err := l.channel.Send(ctx, peerID, peer, req, retries); err != nil {
		w.Cancel(err)
		return datahandler.FileInfo{}, err
	}

	res, err := w.Wait(ctx)
	if err != nil {
		return datahandler.FileInfo{}, err
	}
	switch res.Outcome {
	case waiter.OutcomeValue:
		if res.Value.Err != nil {
			return datahandler.FileInfo{}, res.Value.Err
		}
		return res.Value.Info, nil
	default:
		return datahandler.FileInfo{}, res.Err
	}
}

// VerifyConnection is send_and_wait with a keep-alive frame, for
// applications. The Connection Monitor probes through Probe instead.
func (l *Layer) VerifyConnection(ctx context.Context, peerID wire.EndpointId, timeout time.Duration, payload []byte) (wire.Frame, error) {
	frame := wire.ConnectionVerification{
		Header:  wire.Header{Sender: l.self, ID: wire.NewMessageId()},
		Payload: payload,
	}
	return l.SendAndWait(ctx, peerID, frame, 1, timeout)
}

// Probe satisfies monitor.Prober: the same keep-alive exchange as
// VerifyConnection, sent to the given address with defaultProbeTimeout
// and no payload, with the result collapsed to success/failure for the
// Connection Monitor.
func (l *Layer) Probe(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation) error {
	frame := wire.ConnectionVerification{Header: wire.Header{Sender: l.self, ID: wire.NewMessageId()}}
	msgID := frame.Header.ID
	w, err := l.msgs.ForwardResponse(ctx, id, msgID, defaultProbeTimeout)
	if err != nil {
		return err
	}
	if err := l.channel.Send(ctx, id, peer, frame, 1); err != nil {
		w.Cancel(err)
		return err
	}
	_, err = resolveFrame(ctx, w)
	return err
}

// defaultProbeTimeout bounds how long Probe waits for a reply before
// treating the probe itself as failed - distinct from the Monitor's
// own missed-probe-count threshold.
const defaultProbeTimeout = 10 * time.Second

func resolveFrame(ctx context.Context, w *waiter.Waiter[wire.Frame]) (wire.Frame, error) {
	res, err := w.Wait(ctx)
	if err != nil {
		return nil, err
	}
	if res.Outcome != waiter.OutcomeValue {
		return nil, res.Err
	}
	return res.Value, nil
}
