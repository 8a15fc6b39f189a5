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

// ProtocolInformation is the pair of addresses a peer exposes for one
// protocol version: one for message framing, one for bulk streaming.
// The two are kept distinct because they carry different QoS.
type ProtocolInformation struct {
	Version        ProtocolVersion `json:"version"`
	MessageAddress string          `json:"messageAddress"`
	DataAddress    string          `json:"dataAddress"`
}

// DiscoveryInformation is used only during bootstrap, before a peer
// has been contacted.
type DiscoveryInformation struct {
	DiscoveryAddress string `json:"discoveryAddress"`
}

// EndpointInformation is immutable once the endpoint reaches Approved.
type EndpointInformation struct {
	ID        EndpointId           `json:"id"`
	Discovery DiscoveryInformation `json:"discovery"`
	Protocol  ProtocolInformation  `json:"protocol"`
}

// ProtocolDescription is the abstract set of capabilities a peer
// offers, compared against a local policy to decide whether a
// connection is mutually useful.
type ProtocolDescription struct {
	Subjects []string `json:"subjects"`
}

// Intersects reports whether this description shares at least one
// subject with other - the non-empty-intersection rule the Handshake
// Conductor uses to compute acceptability.
func (d ProtocolDescription) Intersects(other ProtocolDescription) bool {
	mine := make(map[string]struct{}, len(d.Subjects))
	for _, s := range d.Subjects {
		mine[s] = struct{}{}
	}
	for _, s := range other.Subjects {
		if _, ok := mine[s]; ok {
			return true
		}
	}
	return false
}
