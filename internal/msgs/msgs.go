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

// Package msgs registers the message catalog used by every error this
// module returns, following the same i18n.FFE registration pattern the
// teacher uses across its managers.
package msgs

import (
	"github.com/hyperledger/firefly-common/pkg/i18n"
	"golang.org/x/text/language"
)

var ffe = i18n.FFE

var (
	// Registry
	MsgRegistryAlreadyKnown   = ffe(language.AmericanEnglish, "PN010001", "Endpoint '%s' is already known")
	MsgRegistryWrongState     = ffe(language.AmericanEnglish, "PN010002", "Endpoint '%s' is not in the expected state for this transition")
	MsgRegistryApprovedFrozen = ffe(language.AmericanEnglish, "PN010003", "Endpoint '%s' is approved - its addresses cannot be updated")

	// Sending / channels
	MsgSendFailed            = ffe(language.AmericanEnglish, "PN010010", "Send to endpoint '%s' failed after %d attempt(s)")
	MsgEndpointNotContactable = ffe(language.AmericanEnglish, "PN010011", "No sender exists for endpoint '%s' - it must be re-discovered")
	MsgNonSeekableStreamFault = ffe(language.AmericanEnglish, "PN010012", "Stream for endpoint '%s' faulted mid-send and cannot be rewound")

	// Waiters
	MsgTimeout             = ffe(language.AmericanEnglish, "PN010020", "Waiter for message '%s' timed out")
	MsgCancelled           = ffe(language.AmericanEnglish, "PN010021", "Waiter for message '%s' was cancelled")
	MsgDuplicateRegistration = ffe(language.AmericanEnglish, "PN010022", "A waiter or filter is already registered for '%s'")

	// Handshake
	MsgVersionMismatch  = ffe(language.AmericanEnglish, "PN010030", "No protocol version in common with endpoint '%s'")
	MsgHandshakeRejected = ffe(language.AmericanEnglish, "PN010031", "Handshake with endpoint '%s' was rejected")

	// Channels / hosts
	MsgMaxRestarts = ffe(language.AmericanEnglish, "PN010040", "Receiver host for version '%s' exceeded its restart budget")

	// Data handler
	MsgDataWriteFailed = ffe(language.AmericanEnglish, "PN010050", "Failed to write incoming stream from endpoint '%s' to '%s'")
	MsgDataReadFailed  = ffe(language.AmericanEnglish, "PN010051", "Failed to open requested file '%s' for endpoint '%s'")
)
