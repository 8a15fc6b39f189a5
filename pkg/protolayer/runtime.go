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

package protolayer

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperledger/firefly-common/pkg/i18n"
	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/internal/datahandler"
	"github.com/thenucleus/nuclei-net/internal/handshake"
	"github.com/thenucleus/nuclei-net/internal/monitor"
	"github.com/thenucleus/nuclei-net/internal/msghandler"
	"github.com/thenucleus/nuclei-net/internal/msgs"
	"github.com/thenucleus/nuclei-net/internal/protochannel"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/internal/sending"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// Options configures BuildRuntime. Template, Self and Versions are
// required; Policy defaults to accepting any peer whose Description
// intersects Description.
type Options struct {
	Self        wire.EndpointId
	Template    transport.ChannelTemplate
	Versions    []wire.ProtocolVersion
	Discovery   wire.DiscoveryInformation
	Description wire.ProtocolDescription
	// DataRoot bounds every TargetHint a DataDownloadRequest may resolve
	// to - requests for paths outside it are refused.
	DataRoot string
	Conf     *confopts.Config
	Policy   handshake.Policy
}

// Runtime is a fully wired Protocol Layer: the Layer itself plus the
// Handshake Conductor and Connection Monitor that drive a peer from
// Contacted through to Approved and keep it alive once there. Build one
// with BuildRuntime rather than assembling the pieces by hand.
type Runtime struct {
	*Layer
	Registry  *registry.Registry
	Conductor *handshake.Conductor
	Monitor   *monitor.Monitor

	dataRoot string
}

// BuildRuntime assembles the registry, handlers, Protocol Channel,
// Handshake Conductor and Connection Monitor for one local endpoint,
// installs the default frame filters a working peer needs, opens the
// channel and starts the monitor.
func BuildRuntime(ctx context.Context, opts Options) (*Runtime, error) {
	conf := confopts.Resolve(opts.Conf, nil)

	reg := registry.New()
	msgsHandler := msghandler.New(reg)
	dataHandler := datahandler.New()
	sendingEndpoint := sending.NewSendingEndpoint(opts.Template, conf)
	channel := protochannel.New(opts.Self, opts.Template, opts.Versions, reg, sendingEndpoint, msgsHandler, dataHandler)
	layer := New(opts.Self, reg, msgsHandler, dataHandler, channel)

	policy := opts.Policy
	if policy == nil {
		policy = func(theirs wire.ProtocolDescription) bool {
			return opts.Description.Intersects(theirs)
		}
	}
	offer := func() (wire.EndpointId, wire.DiscoveryInformation, []wire.ProtocolInformation, wire.ProtocolDescription) {
		return opts.Self, opts.Discovery, channel.LocalConnectionPoints(), opts.Description
	}
	conductor := handshake.New(reg, channel, policy, offer, conf)

	rt := &Runtime{
		Layer:     layer,
		Registry:  reg,
		Conductor: conductor,
		dataRoot:  opts.DataRoot,
	}

	msgsHandler.ActOnArrival(isHandshakeFrame, conductor.OnFrame, false)
	msgsHandler.ActOnArrival(isType(wire.FrameConnectionVerification), rt.replyToVerification, false)
	msgsHandler.ActOnArrival(isType(wire.FrameDataDownloadRequest), rt.serveDataDownload, false)
	msgsHandler.ActOnArrival(isType(wire.FrameEndpointDisconnect), rt.handleDisconnect, false)
	msgsHandler.ActOnArrival(func(wire.Frame) bool { return true }, rt.replyUnknown, true)

	rt.Monitor = monitor.New(reg, msgsHandler, layer, conf)

	if err := channel.Open(ctx); err != nil {
		return nil, err
	}
	rt.Monitor.Start(ctx)

	return rt, nil
}

func isHandshakeFrame(f wire.Frame) bool { return wire.IsHandshakeFrame(f.Type()) }

func isType(t wire.FrameType) func(wire.Frame) bool {
	return func(f wire.Frame) bool { return f.Type() == t }
}

// OnDiscovered feeds a discovery-layer sighting into the Handshake
// Conductor, starting (or folding into) a handshake attempt.
func (rt *Runtime) OnDiscovered(ctx context.Context, info wire.EndpointInformation) {
	rt.Conductor.OnDiscovered(ctx, info)
}

// LocalConnectionPointFor exposes the address this Runtime advertises
// for a version, for applications that hand it to their own discovery
// mechanism.
func (rt *Runtime) LocalConnectionPointFor(version wire.ProtocolVersion) (wire.ProtocolInformation, bool) {
	return rt.channel.LocalConnectionPointFor(version)
}

// Close stops the Connection Monitor and the Protocol Channel, sending
// a best-effort farewell to every Approved peer first.
func (rt *Runtime) Close(ctx context.Context) {
	rt.Monitor.Stop()
	rt.channel.Close(ctx)
}

func (rt *Runtime) replyToVerification(ctx context.Context, frame wire.Frame) {
	cv := frame.(wire.ConnectionVerification)
	reply := wire.ConnectionVerificationResponse{
		Header:  wire.Header{Sender: rt.self, ID: wire.NewMessageId(), InResponseTo: cv.Header.ID},
		Payload: cv.Payload,
	}
	rt.sendReply(ctx, cv.Header.Sender, reply)
}

func (rt *Runtime) replyUnknown(ctx context.Context, frame wire.Frame) {
	reply := wire.UnknownMessageType{
		Header: wire.Header{Sender: rt.self, ID: wire.NewMessageId(), InResponseTo: frame.GetHeader().ID},
	}
	rt.sendReply(ctx, frame.GetHeader().Sender, reply)
}

func (rt *Runtime) handleDisconnect(ctx context.Context, frame wire.Frame) {
	d := frame.(wire.EndpointDisconnect)
	id := d.Header.Sender
	rt.msgs.OnEndpointSignedOff(id)
	rt.reg.TryRemove(ctx, id)
}

// serveDataDownload is the responder side of bulk transfer: it opens
// the requested file under dataRoot and streams it back over the data
// channel, satisfying whatever ForwardData waiter the requester
// registered via Layer.TransferData.
func (rt *Runtime) serveDataDownload(ctx context.Context, frame wire.Frame) {
	req := frame.(wire.DataDownloadRequest)
	to := req.Header.Sender

	path, err := resolveDataPath(rt.dataRoot, req.TargetHint)
	if err != nil {
		log.L(ctx).Warnf("%s", i18n.WrapError(ctx, err, msgs.MsgDataReadFailed, req.TargetHint, to))
		return
	}
	f, err := os.Open(path)
	if err != nil {
		log.L(ctx).Warnf("%s", i18n.WrapError(ctx, err, msgs.MsgDataReadFailed, req.TargetHint, to))
		return
	}
	defer f.Close()

	info := rt.reg.ConnectionFor(to)
	if info == nil {
		log.L(ctx).Debugf("cannot serve data to '%s': not known to the registry", to)
		return
	}
	if err := rt.channel.TransferData(ctx, to, info.Protocol, f, 1); err != nil {
		log.L(ctx).Warnf("failed to transfer '%s' to '%s': %s", req.TargetHint, to, err)
	}
}

func (rt *Runtime) sendReply(ctx context.Context, to wire.EndpointId, frame wire.Frame) {
	info := rt.reg.ConnectionFor(to)
	if info == nil {
		log.L(ctx).Debugf("cannot reply to '%s': not known to the registry", to)
		return
	}
	if err := rt.channel.Send(ctx, to, info.Protocol, frame, 1); err != nil {
		log.L(ctx).Warnf("failed to reply to '%s': %s", to, err)
	}
}

// resolveDataPath joins hint onto root after collapsing any leading
// slash or ".." segments, then rejects the result if it still escapes
// root - a DataDownloadRequest is untrusted input from the peer.
func resolveDataPath(root, hint string) (string, error) {
	clean := filepath.Clean(string(filepath.Separator) + hint)
	full := filepath.Join(root, clean)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("target hint %q escapes the configured data root", hint)
	}
	return full, nil
}
