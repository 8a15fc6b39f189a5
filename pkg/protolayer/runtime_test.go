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
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/pkg/transport"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// network is a shared in-memory substrate two netTemplate instances dial
// each other over, standing in for a real transport (TCP, named pipes)
// just well enough to exercise a full handshake/verify/transfer/
// disconnect round trip between two independently-built Runtimes.
type network struct {
	mu        sync.Mutex
	msgHosts  map[string]chan wire.Frame
	dataHosts map[string]chan transport.IncomingStream
}

func newNetwork() *network {
	return &network{
		msgHosts:  map[string]chan wire.Frame{},
		dataHosts: map[string]chan transport.IncomingStream{},
	}
}

type netTemplate struct {
	net  *network
	self wire.EndpointId
}

func (t *netTemplate) addr(v wire.ProtocolVersion) string {
	return t.self.String() + "@" + v.String()
}

func (t *netTemplate) OpenMessageReceiver(ctx context.Context, v wire.ProtocolVersion) (transport.ReceiverHost, error) {
	ch := make(chan wire.Frame, 32)
	t.net.mu.Lock()
	t.net.msgHosts[t.addr(v)] = ch
	t.net.mu.Unlock()
	return &loopbackReceiver{ch: ch}, nil
}

func (t *netTemplate) OpenDataReceiver(ctx context.Context, v wire.ProtocolVersion) (transport.DataReceiverHost, error) {
	ch := make(chan transport.IncomingStream, 8)
	t.net.mu.Lock()
	t.net.dataHosts[t.addr(v)] = ch
	t.net.mu.Unlock()
	return &emptyDataReceiver{ch: ch}, nil
}

func (t *netTemplate) DialMessageChannel(ctx context.Context, peer wire.ProtocolInformation) (transport.MessageChannel, error) {
	return &netMessageChannel{net: t.net, addr: peer.MessageAddress}, nil
}

func (t *netTemplate) DialDataChannel(ctx context.Context, peer wire.ProtocolInformation) (transport.DataChannel, error) {
	return &netDataChannel{net: t.net, addr: peer.DataAddress, self: t.self}, nil
}

func (t *netTemplate) LocalConnectionPoint(v wire.ProtocolVersion) wire.ProtocolInformation {
	addr := t.addr(v)
	return wire.ProtocolInformation{Version: v, MessageAddress: addr, DataAddress: addr}
}

type netMessageChannel struct {
	net  *network
	addr string
}

func (c *netMessageChannel) Send(ctx context.Context, payload []byte) error {
	frame, err := wire.Decode(payload)
	if err != nil {
		return err
	}
	c.net.mu.Lock()
	ch, ok := c.net.msgHosts[c.addr]
	c.net.mu.Unlock()
	if !ok {
		return errors.New("no such peer on the network")
	}
	ch <- frame
	return nil
}
func (c *netMessageChannel) IsOpen() bool { return true }
func (c *netMessageChannel) Close() error { return nil }

type netDataChannel struct {
	net  *network
	addr string
	self wire.EndpointId
}

func (c *netDataChannel) SendStream(ctx context.Context, r io.Reader) error {
	c.net.mu.Lock()
	ch, ok := c.net.dataHosts[c.addr]
	c.net.mu.Unlock()
	if !ok {
		return errors.New("no such peer on the network")
	}
	ch <- transport.IncomingStream{Header: wire.DataTransfer{Sender: c.self}, Body: r}
	return nil
}
func (c *netDataChannel) IsOpen() bool { return true }
func (c *netDataChannel) Close() error { return nil }

func fastConf() *confopts.Config {
	return &confopts.Config{
		WaitForResponseTimeoutMS:          ptrInt(2000),
		MaxTimeBetweenConnectionConfirmMS: ptrInt(2000),
		KeepAliveIntervalMS:               ptrInt(50),
		MaxMissedKeepAliveSignals:         ptrInt(5),
		SendRetryInitialDelayMS:           ptrInt(1),
		SendRetryMaximumDelayMS:           ptrInt(1),
	}
}

func ptrInt(v int) *int { return &v }

func buildTestRuntime(t *testing.T, net *network, self wire.EndpointId, dataRoot string) *Runtime {
	t.Helper()
	rt, err := BuildRuntime(context.Background(), Options{
		Self:        self,
		Template:    &netTemplate{net: net, self: self},
		Versions:    []wire.ProtocolVersion{{1}},
		Discovery:   wire.DiscoveryInformation{DiscoveryAddress: "disc://" + self.String()},
		Description: wire.ProtocolDescription{Subjects: []string{"orders"}},
		DataRoot:    dataRoot,
		Conf:        fastConf(),
	})
	require.NoError(t, err)
	return rt
}

func localInfoFor(t *testing.T, rt *Runtime) wire.EndpointInformation {
	t.Helper()
	point, ok := rt.LocalConnectionPointFor(wire.ProtocolVersion{1})
	require.True(t, ok)
	return wire.EndpointInformation{
		ID:        rt.self,
		Discovery: wire.DiscoveryInformation{DiscoveryAddress: "disc://" + rt.self.String()},
		Protocol:  point,
	}
}

func TestBuildRuntimeHandshakeConvergesBetweenTwoRealPeers(t *testing.T) {
	net := newNetwork()
	a := buildTestRuntime(t, net, wire.EndpointId("node-a"), t.TempDir())
	b := buildTestRuntime(t, net, wire.EndpointId("node-b"), t.TempDir())
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	a.OnDiscovered(context.Background(), localInfoFor(t, b))

	assert.Eventually(t, func() bool {
		return a.Registry.CanCommunicateWith(wire.EndpointId("node-b")) &&
			b.Registry.CanCommunicateWith(wire.EndpointId("node-a"))
	}, 2*time.Second, 10*time.Millisecond, "both peers should reach Approved once the handshake converges")
}

func TestBuildRuntimeVerifyConnectionSucceedsAgainstRealResponder(t *testing.T) {
	net := newNetwork()
	a := buildTestRuntime(t, net, wire.EndpointId("node-a"), t.TempDir())
	b := buildTestRuntime(t, net, wire.EndpointId("node-b"), t.TempDir())
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	a.OnDiscovered(context.Background(), localInfoFor(t, b))
	require.Eventually(t, func() bool {
		return a.Registry.CanCommunicateWith(wire.EndpointId("node-b"))
	}, 2*time.Second, 10*time.Millisecond)

	reply, err := a.VerifyConnection(context.Background(), wire.EndpointId("node-b"), time.Second, []byte("ping"))
	require.NoError(t, err)
	assert.Equal(t, wire.FrameConnectionVerificationReply, reply.Type())
}

func TestBuildRuntimeTransferDataServesRequestedFile(t *testing.T) {
	net := newNetwork()
	bDataRoot := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(bDataRoot, "report.csv"), []byte("a,b,c\n1,2,3\n"), 0o644))

	a := buildTestRuntime(t, net, wire.EndpointId("node-a"), t.TempDir())
	b := buildTestRuntime(t, net, wire.EndpointId("node-b"), bDataRoot)
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	a.OnDiscovered(context.Background(), localInfoFor(t, b))
	require.Eventually(t, func() bool {
		return a.Registry.CanCommunicateWith(wire.EndpointId("node-b"))
	}, 2*time.Second, 10*time.Millisecond)

	// TransferData's targetPath serves double duty: it is both the
	// DataDownloadRequest's TargetHint (resolved against node-b's data
	// root) and the local path node-a writes the inbound stream to, so
	// it must be a single relative name valid on both sides.
	const target = "report.csv"
	defer os.Remove(target)

	info, err := a.TransferData(context.Background(), wire.EndpointId("node-b"), target, 1, 2*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(len("a,b,c\n1,2,3\n")), info.Size)

	contents, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "a,b,c\n1,2,3\n", string(contents))
}

func TestBuildRuntimeTransferDataRefusesPathEscapingDataRoot(t *testing.T) {
	net := newNetwork()
	a := buildTestRuntime(t, net, wire.EndpointId("node-a"), t.TempDir())
	b := buildTestRuntime(t, net, wire.EndpointId("node-b"), t.TempDir())
	defer a.Close(context.Background())
	defer b.Close(context.Background())

	a.OnDiscovered(context.Background(), localInfoFor(t, b))
	require.Eventually(t, func() bool {
		return a.Registry.CanCommunicateWith(wire.EndpointId("node-b"))
	}, 2*time.Second, 10*time.Millisecond)

	target := filepath.Join(t.TempDir(), "escaped.bin")
	_, err := a.TransferData(context.Background(), wire.EndpointId("node-b"), "../../etc/passwd", 1, 200*time.Millisecond)
	assert.Error(t, err, "target %s should never have been written", target)
}

func TestBuildRuntimeDisconnectRemovesPeerOnTheOtherSide(t *testing.T) {
	net := newNetwork()
	a := buildTestRuntime(t, net, wire.EndpointId("node-a"), t.TempDir())
	b := buildTestRuntime(t, net, wire.EndpointId("node-b"), t.TempDir())
	defer a.Close(context.Background())

	a.OnDiscovered(context.Background(), localInfoFor(t, b))
	require.Eventually(t, func() bool {
		return a.Registry.CanCommunicateWith(wire.EndpointId("node-b")) &&
			b.Registry.CanCommunicateWith(wire.EndpointId("node-a"))
	}, 2*time.Second, 10*time.Millisecond)

	b.Close(context.Background())

	assert.Eventually(t, func() bool {
		return !a.Registry.CanCommunicateWith(wire.EndpointId("node-b"))
	}, 2*time.Second, 10*time.Millisecond, "node-a should observe node-b's farewell EndpointDisconnect and remove it")
}
