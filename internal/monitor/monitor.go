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

// Package monitor implements the Connection Monitor: a periodic
// liveness loop over Approved endpoints, evicting any peer that misses
// too many consecutive probes.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/kaleido-io/paladin/toolkit/pkg/log"

	"github.com/thenucleus/nuclei-net/internal/confopts"
	"github.com/thenucleus/nuclei-net/internal/msghandler"
	"github.com/thenucleus/nuclei-net/internal/registry"
	"github.com/thenucleus/nuclei-net/pkg/wire"
)

// Prober sends a single keep-alive probe to id and blocks until the
// reply arrives or the probe's own timeout expires - satisfied by
// pkg/protolayer.Layer.Probe.
type Prober interface {
	Probe(ctx context.Context, id wire.EndpointId, peer wire.ProtocolInformation) error
}

type entry struct {
	nextProbeAt         time.Time
	consecutiveFailures int
}

// Monitor is the Connection Monitor. The zero value is not usable -
// construct with New, then Start it once.
type Monitor struct {
	reg          *registry.Registry
	msgs         *msghandler.Handler
	prober       Prober
	tick         time.Duration
	probeSpacing time.Duration
	maxMissed    int

	mu       sync.Mutex
	entries  map[wire.EndpointId]*entry
	started  bool
	cancelFn context.CancelFunc
}

// New builds a Monitor whose tick cadence, probe spacing and eviction
// threshold are all driven by conf: tick and probeSpacing both use
// conf.KeepAliveInterval, and maxMissed comes from
// conf.MaxMissedKeepAliveSignals.
func New(reg *registry.Registry, msgs *msghandler.Handler, prober Prober, conf *confopts.Resolved) *Monitor {
	return &Monitor{
		reg:          reg,
		msgs:         msgs,
		prober:       prober,
		tick:         conf.KeepAliveInterval,
		probeSpacing: conf.KeepAliveInterval,
		maxMissed:    conf.MaxMissedKeepAliveSignals,
		entries:      make(map[wire.EndpointId]*entry),
	}
}

// Start registers the registry/handler hooks (exactly once - a second
// call is a no-op), begins tracking every peer already Approved, and
// begins the periodic tick loop.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	tickCtx, cancel := context.WithCancel(ctx)
	m.cancelFn = cancel
	m.mu.Unlock()

	m.reg.OnConnected(m.track)
	m.reg.OnDisconnecting(m.forget)
	m.msgs.OnConfirmChannelIntegrity(m.reset)
	for _, peer := range m.reg.ApprovedPeers() {
		m.track(peer.Info.ID)
	}

	go m.loop(tickCtx)
}

func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancelFn != nil {
		m.cancelFn()
	}
}

func (m *Monitor) track(id wire.EndpointId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[id] = &entry{nextProbeAt: time.Now().Add(m.probeSpacing)}
}

func (m *Monitor) forget(id wire.EndpointId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
}

// reset resets the failure counter for id on any observed traffic,
// including but not limited to probe replies.
func (m *Monitor) reset(id wire.EndpointId) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.entries[id]; ok {
		e.consecutiveFailures = 0
		e.nextProbeAt = time.Now().Add(m.probeSpacing)
	}
}

func (m *Monitor) loop(ctx context.Context) {
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.sweep(ctx)
		}
	}
}

func (m *Monitor) sweep(ctx context.Context) {
	now := time.Now()
	var due []wire.EndpointId
	m.mu.Lock()
	for id, e := range m.entries {
		if !now.Before(e.nextProbeAt) {
			due = append(due, id)
		}
	}
	m.mu.Unlock()

	for _, id := range due {
		peer := m.reg.ConnectionFor(id)
		if peer == nil {
			m.forget(id)
			continue
		}
		err := m.prober.Probe(ctx, id, peer.Protocol)
		m.record(ctx, id, err)
	}
}

func (m *Monitor) record(ctx context.Context, id wire.EndpointId, probeErr error) {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	if probeErr == nil {
		e.consecutiveFailures = 0
		e.nextProbeAt = time.Now().Add(m.probeSpacing)
		m.mu.Unlock()
		return
	}
	e.consecutiveFailures++
	evict := e.consecutiveFailures > m.maxMissed
	if evict {
		delete(m.entries, id)
	} else {
		e.nextProbeAt = time.Now().Add(m.probeSpacing)
	}
	m.mu.Unlock()

	if evict {
		log.L(ctx).Warnf("endpoint '%s' exceeded missed keep-alive threshold, evicting", id)
		m.reg.TryRemove(ctx, id)
	}
}
