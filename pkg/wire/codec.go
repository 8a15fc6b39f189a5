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

import (
	"encoding/json"
	"fmt"
)

// envelope is the on-the-wire shape: a type tag plus the variant body.
// The spec leaves bit layout to the transport substrate and explicitly
// scopes serialization-format choice out of the core design, so this
// codec is intentionally the simplest thing that can round-trip every
// field: encoding/json over a tagged envelope.
type envelope struct {
	Type FrameType       `json:"type"`
	Body json.RawMessage `json:"body"`
}

// Encode renders a Frame to its wire bytes.
func Encode(f Frame) ([]byte, error) {
	body, err := json.Marshal(f)
	if err != nil {
		return nil, err
	}
	return json.Marshal(envelope{Type: f.Type(), Body: body})
}

// Decode parses wire bytes back into a concrete Frame. The returned
// value matches the FrameType tag; callers switch on Type() to recover
// the concrete struct via a type assertion.
func Decode(data []byte) (Frame, error) {
	var e envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, err
	}
	switch e.Type {
	case FrameEndpointConnect:
		var f EndpointConnect
		return f, json.Unmarshal(e.Body, &f)
	case FrameEndpointConnectResponse:
		var f EndpointConnectResponse
		return f, json.Unmarshal(e.Body, &f)
	case FrameEndpointDisconnect:
		var f EndpointDisconnect
		return f, json.Unmarshal(e.Body, &f)
	case FrameConnectionVerification:
		var f ConnectionVerification
		return f, json.Unmarshal(e.Body, &f)
	case FrameConnectionVerificationReply:
		var f ConnectionVerificationResponse
		return f, json.Unmarshal(e.Body, &f)
	case FrameDataDownloadRequest:
		var f DataDownloadRequest
		return f, json.Unmarshal(e.Body, &f)
	case FrameSuccess:
		var f Success
		return f, json.Unmarshal(e.Body, &f)
	case FrameFailure:
		var f Failure
		return f, json.Unmarshal(e.Body, &f)
	case FrameUnknownMessageType:
		var f UnknownMessageType
		return f, json.Unmarshal(e.Body, &f)
	case FrameDataTransfer:
		var f DataTransfer
		return f, json.Unmarshal(e.Body, &f)
	default:
		return nil, fmt.Errorf("unknown frame type %q", e.Type)
	}
}

// IsHandshakeFrame reports whether a frame type is part of the
// handshake exchange - used by the Message Handler's admission filter
// to let handshakes bypass the not-yet-approved barrier.
func IsHandshakeFrame(t FrameType) bool {
	return t == FrameEndpointConnect || t == FrameEndpointConnectResponse
}
