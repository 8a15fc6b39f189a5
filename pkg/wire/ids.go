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

// Package wire holds the data model shared across the protocol plane:
// identity, addressing and the frames exchanged on the wire. Bit layout
// is left to the transport substrate - this package only fixes the
// logical shape and equality semantics of each value.
package wire

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// EndpointId is opaque, process-global and stable for a process's lifetime.
// It is never reused across restarts. Equality is by value.
type EndpointId string

// NewEndpointId generates a fresh, process-global endpoint identity.
func NewEndpointId() EndpointId {
	return EndpointId(uuid.New().String())
}

func (e EndpointId) String() string {
	return string(e)
}

func (e EndpointId) IsZero() bool {
	return e == ""
}

// MessageId is an opaque unique token per outgoing message.
// NoMessageId is the sentinel "not a response" value.
type MessageId string

// NoMessageId marks "this is not a response to anything".
const NoMessageId MessageId = ""

// NewMessageId allocates a fresh message identifier.
func NewMessageId() MessageId {
	return MessageId(uuid.New().String())
}

func (m MessageId) String() string {
	return string(m)
}

func (m MessageId) IsNone() bool {
	return m == NoMessageId
}

// ProtocolVersion is an ordered tuple identifying a wire-compatible
// generation of frames. Versions compare lexicographically by
// component, so {2,0} > {1,9}.
type ProtocolVersion []int

func (v ProtocolVersion) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.Itoa(n)
	}
	return strings.Join(parts, ".")
}

// Compare returns -1, 0 or 1 as v is less than, equal to or greater
// than other. Shorter tuples are padded with zeros for comparison
// (so {1} == {1,0}).
func (v ProtocolVersion) Compare(other ProtocolVersion) int {
	n := len(v)
	if len(other) > n {
		n = len(other)
	}
	for i := 0; i < n; i++ {
		var a, b int
		if i < len(v) {
			a = v[i]
		}
		if i < len(other) {
			b = other[i]
		}
		if a != b {
			if a < b {
				return -1
			}
			return 1
		}
	}
	return 0
}

func (v ProtocolVersion) Equal(other ProtocolVersion) bool {
	return v.Compare(other) == 0
}

func (v ProtocolVersion) LessThan(other ProtocolVersion) bool {
	return v.Compare(other) < 0
}

// HighestCommon returns the highest version present in both ours and
// theirs, and false if there is no version shared by both sides.
func HighestCommon(ours, theirs []ProtocolVersion) (ProtocolVersion, bool) {
	var best ProtocolVersion
	found := false
	for _, o := range ours {
		for _, t := range theirs {
			if o.Equal(t) {
				if !found || o.Compare(best) > 0 {
					best = o
					found = true
				}
			}
		}
	}
	return best, found
}

// Key renders a (EndpointId, ProtocolVersion) pair as a stable map key,
// used anywhere a channel pool is indexed per peer-and-version.
func Key(id EndpointId, v ProtocolVersion) string {
	return fmt.Sprintf("%s@%s", id, v.String())
}
