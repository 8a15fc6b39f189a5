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

package registry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thenucleus/nuclei-net/pkg/wire"
)

func TestTryAddRejectsSecondAttempt(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-a")

	assert.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id, Protocol: wire.ProtocolInformation{MessageAddress: "x"}}))
	assert.False(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id, Protocol: wire.ProtocolInformation{MessageAddress: "y"}}))

	snap := r.Snapshot(id)
	require.NotNil(t, snap)
	assert.Equal(t, "x", snap.Info.Protocol.MessageAddress)
}

func TestLifecycleHappyPath(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-b")

	var connected []wire.EndpointId
	r.OnConnected(func(e wire.EndpointId) { connected = append(connected, e) })

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id}))
	assert.Equal(t, Contacted, snapState(t, r, id))

	require.True(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{Subjects: []string{"x"}}))
	assert.Equal(t, WaitingForApproval, snapState(t, r, id))
	assert.True(t, r.IsWaitingForApproval(id))

	require.True(t, r.TryCompleteApproval(ctx, id))
	assert.Equal(t, Approved, snapState(t, r, id))
	assert.True(t, r.CanCommunicateWith(id))
	require.Len(t, connected, 1)
	assert.Equal(t, id, connected[0])
}

func TestTryStartApprovalOnlyFromContacted(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-c")

	assert.False(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{}))

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id}))
	require.True(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{}))
	assert.False(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{}))
}

func TestTryUpdateFrozenOnceApproved(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-d")

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id, Protocol: wire.ProtocolInformation{MessageAddress: "1"}}))
	assert.True(t, r.TryUpdate(ctx, wire.EndpointInformation{ID: id, Protocol: wire.ProtocolInformation{MessageAddress: "2"}}))

	require.True(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{}))
	require.True(t, r.TryCompleteApproval(ctx, id))

	assert.False(t, r.TryUpdate(ctx, wire.EndpointInformation{ID: id, Protocol: wire.ProtocolInformation{MessageAddress: "3"}}))
	assert.Equal(t, "2", r.ConnectionFor(id).Protocol.MessageAddress)
}

func TestTryRemoveFiresDisconnectingBeforeDisconnected(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-e")

	var order []string
	r.OnDisconnecting(func(wire.EndpointId) { order = append(order, "disconnecting") })
	r.OnDisconnected(func(wire.EndpointId) { order = append(order, "disconnected") })

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id}))
	assert.True(t, r.TryRemove(ctx, id))
	assert.Equal(t, []string{"disconnecting", "disconnected"}, order)

	assert.False(t, r.HasBeenContacted(id))
	assert.False(t, r.TryRemove(ctx, id))
}

func TestApprovedPeersSnapshot(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-f")

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id}))
	require.True(t, r.TryStartApproval(ctx, id, wire.ProtocolDescription{}))
	require.True(t, r.TryCompleteApproval(ctx, id))

	peers := r.ApprovedPeers()
	require.Len(t, peers, 1)
	assert.Equal(t, id, peers[0].Info.ID)
}

func TestConcurrentMutatorsSingleWriterWins(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-g")

	var wg sync.WaitGroup
	results := make([]bool, 10)
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = r.TryAdd(ctx, id, wire.EndpointInformation{ID: id})
		}()
	}
	wg.Wait()

	successes := 0
	for _, ok := range results {
		if ok {
			successes++
		}
	}
	assert.Equal(t, 1, successes)
}

func TestConcurrentTryRemoveFiresSignalsExactlyOnce(t *testing.T) {
	r := New()
	ctx := context.Background()
	id := wire.EndpointId("peer-h")

	require.True(t, r.TryAdd(ctx, id, wire.EndpointInformation{ID: id}))

	var disconnecting, disconnected int32
	r.OnDisconnecting(func(wire.EndpointId) { atomic.AddInt32(&disconnecting, 1) })
	r.OnDisconnected(func(wire.EndpointId) { atomic.AddInt32(&disconnected, 1) })

	var wg sync.WaitGroup
	results := make([]bool, 10)
	wg.Add(10)
	for i := 0; i < 10; i++ {
		i := i
		go func() {
			defer wg.Done()
			results[i] = r.TryRemove(ctx, id)
		}()
	}
	wg.Wait()

	winners := 0
	for _, ok := range results {
		if ok {
			winners++
		}
	}
	assert.Equal(t, 1, winners, "exactly one concurrent TryRemove should win")
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnecting))
	assert.Equal(t, int32(1), atomic.LoadInt32(&disconnected))
}

func snapState(t *testing.T, r *Registry, id wire.EndpointId) State {
	t.Helper()
	snap := r.Snapshot(id)
	require.NotNil(t, snap)
	return snap.State
}
