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

// Package transport declares the contract expected from the transport
// substrate. The substrate itself - named pipes, TCP, QUIC, whatever
// carries the encoded frames between processes - is an external
// collaborator and out of scope for this module; everything here is
// the abstract surface our protocol plane is built against.
package transport

import (
	"context"
	"errors"
	"io"

	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// ErrChannelFaulted is returned (or observed via IsOpen() becoming
// false) when the underlying connection has failed and must be
// re-created before another send can succeed.
var ErrChannelFaulted = errors.New("transport: channel faulted")

// MessageChannel is one client-initiated channel to one remote
// endpoint, for one protocol version, carrying framed messages.
// Delivery is at-least-once for a single Send call; the caller is
// responsible for retry.
type MessageChannel interface {
	Send(ctx context.Context, payload []byte) error
	IsOpen() bool
	Close() error
}

// DataChannel is the equivalent of MessageChannel for bulk streams.
// SendStream must read r to completion (or until ctx is cancelled) and
// report whether the remote acknowledged receipt.
type DataChannel interface {
	SendStream(ctx context.Context, r io.Reader) error
	IsOpen() bool
	Close() error
}

// ReceiverHost is one receiver socket for one (channel template,
// protocol version) pair, delivering decoded frames as they arrive.
type ReceiverHost interface {
	Frames() <-chan wire.Frame
	Close() error
}

// DataReceiverHost is the bulk-stream equivalent of ReceiverHost.
type DataReceiverHost interface {
	Streams() <-chan IncomingStream
	Close() error
}

// IncomingStream pairs a DataTransfer header with the byte stream that
// follows it on the data channel.
type IncomingStream struct {
	Header wire.DataTransfer
	Body   io.Reader
}

// ChannelTemplate is an abstract description of a transport family
// (e.g. named-pipe, TCP) from which concrete message and data channels
// are instantiated per protocol version. A Protocol Channel owns
// exactly one ChannelTemplate.
type ChannelTemplate interface {
	// OpenMessageReceiver stands up the receiver socket for a version.
	OpenMessageReceiver(ctx context.Context, version wire.ProtocolVersion) (ReceiverHost, error)
	OpenDataReceiver(ctx context.Context, version wire.ProtocolVersion) (DataReceiverHost, error)

	// DialMessageChannel/DialDataChannel open a fresh outbound channel
	// to the given peer address. Restoring Channel calls these again
	// whenever the previous channel has faulted.
	DialMessageChannel(ctx context.Context, peer wire.ProtocolInformation) (MessageChannel, error)
	DialDataChannel(ctx context.Context, peer wire.ProtocolInformation) (DataChannel, error)

	// LocalConnectionPoint returns the address this template would
	// advertise for the given version once opened.
	LocalConnectionPoint(version wire.ProtocolVersion) wire.ProtocolInformation
}
