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

package wire

// FrameType tags the variant of a Frame - a sum type with a shared
// Header, routed on this tag rather than on a runtime type lookup.
type FrameType string

const (
	FrameEndpointConnect             FrameType = "EndpointConnect"
	FrameEndpointConnectResponse     FrameType = "EndpointConnectResponse"
	FrameEndpointDisconnect          FrameType = "EndpointDisconnect"
	FrameConnectionVerification      FrameType = "ConnectionVerification"
	FrameConnectionVerificationReply FrameType = "ConnectionVerificationResponse"
	FrameDataDownloadRequest         FrameType = "DataDownloadRequest"
	FrameSuccess                     FrameType = "Success"
	FrameFailure                     FrameType = "Failure"
	FrameUnknownMessageType          FrameType = "UnknownMessageType"
	FrameDataTransfer                FrameType = "DataTransfer"
)

// Header is carried by every frame.
type Header struct {
	Sender       EndpointId `json:"sender"`
	ID           MessageId  `json:"id"`
	InResponseTo MessageId  `json:"inResponseTo"`
}

// Frame is any message that can flow across the message channel. Every
// variant embeds Header and reports its own FrameType.
type Frame interface {
	Type() FrameType
	GetHeader() Header
}

// EndpointConnect initiates a handshake. Protocols carries one
// ProtocolInformation per protocol version the sender supports, so the
// counterpart can compute the highest common version.
type EndpointConnect struct {
	Header      Header                `json:"header"`
	Protocols   []ProtocolInformation `json:"protocols"`
	Discovery   DiscoveryInformation  `json:"discovery"`
	Description ProtocolDescription   `json:"description"`
}

func (f EndpointConnect) Type() FrameType   { return FrameEndpointConnect }
func (f EndpointConnect) GetHeader() Header { return f.Header }

// EndpointConnectResponse replies in-kind, plus the sender's acceptance
// bit and the version it computed as highest-common (meaningful only
// when Accepted is true).
type EndpointConnectResponse struct {
	Header            Header                `json:"header"`
	Protocols         []ProtocolInformation `json:"protocols"`
	Description       ProtocolDescription   `json:"description"`
	Accepted          bool                  `json:"accepted"`
	NegotiatedVersion ProtocolVersion       `json:"negotiatedVersion,omitempty"`
}

func (f EndpointConnectResponse) Type() FrameType   { return FrameEndpointConnectResponse }
func (f EndpointConnectResponse) GetHeader() Header { return f.Header }

type EndpointDisconnect struct {
	Header Header `json:"header"`
}

func (f EndpointDisconnect) Type() FrameType  { return FrameEndpointDisconnect }
func (f EndpointDisconnect) GetHeader() Header { return f.Header }

type ConnectionVerification struct {
	Header  Header `json:"header"`
	Payload []byte `json:"payload,omitempty"`
}

func (f ConnectionVerification) Type() FrameType  { return FrameConnectionVerification }
func (f ConnectionVerification) GetHeader() Header { return f.Header }

type ConnectionVerificationResponse struct {
	Header  Header `json:"header"`
	Payload []byte `json:"payload,omitempty"`
}

func (f ConnectionVerificationResponse) Type() FrameType  { return FrameConnectionVerificationReply }
func (f ConnectionVerificationResponse) GetHeader() Header { return f.Header }

type DataDownloadRequest struct {
	Header     Header `json:"header"`
	Token      string `json:"token"`
	TargetHint string `json:"targetHint"`
}

func (f DataDownloadRequest) Type() FrameType  { return FrameDataDownloadRequest }
func (f DataDownloadRequest) GetHeader() Header { return f.Header }

type Success struct {
	Header Header `json:"header"`
}

func (f Success) Type() FrameType  { return FrameSuccess }
func (f Success) GetHeader() Header { return f.Header }

type Failure struct {
	Header Header `json:"header"`
	Reason string `json:"reason"`
}

func (f Failure) Type() FrameType  { return FrameFailure }
func (f Failure) GetHeader() Header { return f.Header }

type UnknownMessageType struct {
	Header Header `json:"header"`
}

func (f UnknownMessageType) Type() FrameType  { return FrameUnknownMessageType }
func (f UnknownMessageType) GetHeader() Header { return f.Header }

// DataTransfer is the bulk payload header carried on the data channel.
// The Sender recorded here is authoritative over any sender asserted
// by the carrying frame envelope: the Data Handler keys inbound streams
// on this field and does not look at Header.Sender.
type DataTransfer struct {
	Header Header `json:"header"`
	Sender EndpointId `json:"sender"`
}

func (f DataTransfer) Type() FrameType  { return FrameDataTransfer }
func (f DataTransfer) GetHeader() Header { return f.Header }
