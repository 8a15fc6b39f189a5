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

// Package confopts holds the protocol plane's configuration surface,
// defaulted the same way internal/cache defaults its capacity: a *T
// configured value, a *T default, resolved through confutil.
package confopts

import (
	"time"

	"github.com/kaleido-io/paladin/toolkit/pkg/confutil"
)

// Config is the user-facing, possibly-partial configuration. Any field
// left nil takes the value from Defaults().
type Config struct {
	TCPPort                           *int     `json:"tcpPort"`
	TCPBaseAddress                    *string  `json:"tcpBaseAddress"`
	WaitForResponseTimeoutMS          *int     `json:"waitForResponseTimeoutMs"`
	MaxTimeBetweenConnectionConfirmMS *int     `json:"maxTimeBetweenConnectionConfirmationsMs"`
	MaxMissedKeepAliveSignals         *int     `json:"maxMissedKeepAliveSignals"`
	KeepAliveIntervalMS               *int     `json:"keepAliveIntervalMs"`
	SendRetryInitialDelayMS           *int     `json:"sendRetryInitialDelayMs"`
	SendRetryMaximumDelayMS           *int     `json:"sendRetryMaximumDelayMs"`
	SendRetryFactor                   *float64 `json:"sendRetryFactor"`
	HandshakeRetries                  *int     `json:"handshakeRetries"`
	HandshakeSessionCapacity          *int     `json:"handshakeSessionCapacity"`
}

func ptr[T any](v T) *T { return &v }

// Defaults returns the baseline configuration applied wherever Config
// leaves a field unset.
func Defaults() *Config {
	return &Config{
		TCPPort:                           ptr(0), // 0 == auto-assigned
		TCPBaseAddress:                    ptr(""),
		WaitForResponseTimeoutMS:          ptr(5000),
		MaxTimeBetweenConnectionConfirmMS: ptr(15000),
		MaxMissedKeepAliveSignals:         ptr(5),
		KeepAliveIntervalMS:               ptr(5000),
		SendRetryInitialDelayMS:           ptr(50),
		SendRetryMaximumDelayMS:           ptr(2000),
		SendRetryFactor:                   ptr(2.0),
		HandshakeRetries:                  ptr(3),
		HandshakeSessionCapacity:          ptr(256),
	}
}

// Resolved is the fully-defaulted, typed configuration the rest of the
// module is built against.
type Resolved struct {
	TCPPort                           int
	TCPBaseAddress                    string
	WaitForResponseTimeout            time.Duration
	MaxTimeBetweenConnectionConfirm   time.Duration
	MaxMissedKeepAliveSignals         int
	KeepAliveInterval                 time.Duration
	SendRetryInitialDelay             time.Duration
	SendRetryMaximumDelay             time.Duration
	SendRetryFactor                   float64
	HandshakeRetries                  int
	HandshakeSessionCapacity          int
}

// Resolve merges conf over defs (falling back to Defaults() if defs is
// nil) and converts every millisecond field to a time.Duration.
func Resolve(conf *Config, defs *Config) *Resolved {
	if conf == nil {
		conf = &Config{}
	}
	if defs == nil {
		defs = Defaults()
	}
	tcpBaseAddress := defs.TCPBaseAddress
	if conf.TCPBaseAddress != nil {
		tcpBaseAddress = conf.TCPBaseAddress
	}
	sendRetryFactor := defs.SendRetryFactor
	if conf.SendRetryFactor != nil {
		sendRetryFactor = conf.SendRetryFactor
	}
	return &Resolved{
		TCPPort:                         confutil.Int(conf.TCPPort, *defs.TCPPort),
		TCPBaseAddress:                  *tcpBaseAddress,
		WaitForResponseTimeout:          time.Duration(confutil.Int(conf.WaitForResponseTimeoutMS, *defs.WaitForResponseTimeoutMS)) * time.Millisecond,
		MaxTimeBetweenConnectionConfirm: time.Duration(confutil.Int(conf.MaxTimeBetweenConnectionConfirmMS, *defs.MaxTimeBetweenConnectionConfirmMS)) * time.Millisecond,
		MaxMissedKeepAliveSignals:       confutil.Int(conf.MaxMissedKeepAliveSignals, *defs.MaxMissedKeepAliveSignals),
		KeepAliveInterval:               time.Duration(confutil.Int(conf.KeepAliveIntervalMS, *defs.KeepAliveIntervalMS)) * time.Millisecond,
		SendRetryInitialDelay:           time.Duration(confutil.Int(conf.SendRetryInitialDelayMS, *defs.SendRetryInitialDelayMS)) * time.Millisecond,
		SendRetryMaximumDelay:           time.Duration(confutil.Int(conf.SendRetryMaximumDelayMS, *defs.SendRetryMaximumDelayMS)) * time.Millisecond,
		SendRetryFactor:                 *sendRetryFactor,
		HandshakeRetries:                confutil.Int(conf.HandshakeRetries, *defs.HandshakeRetries),
		HandshakeSessionCapacity:        confutil.Int(conf.HandshakeSessionCapacity, *defs.HandshakeSessionCapacity),
	}
}
