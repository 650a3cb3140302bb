// Copyright 2018 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package stw

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/safepoint"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *registry.Registry, *registry.Arena) {
	t.Helper()
	arena := registry.NewArena()
	reg := registry.New(arena)
	sp, err := safepoint.New(platform.NewFake())
	require.NoError(t, err)
	return New(reg, sp, SafepointVariant{}), reg, arena
}

func newRegisteredRecord(t *testing.T, reg *registry.Registry, arena *registry.Arena) *registry.ThreadRecord {
	t.Helper()
	h := arena.Alloc()
	rec := registry.NewThreadRecord(h, 1, make([]byte, 16))
	arena.Set(h, rec)
	reg.Register(rec)
	return rec
}

func TestMaybeBecomeInitiatorExclusivity(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	assert.True(t, d.MaybeBecomeInitiator(1, false))
	assert.Equal(t, registry.Handle(1), d.Initiator())

	// A second caller cannot become initiator while the first holds it.
	assert.False(t, d.MaybeBecomeInitiator(2, false))

	// The same caller calling again is idempotent.
	assert.True(t, d.MaybeBecomeInitiator(1, false))
}

func TestGCStopStartTheWorldSingleThreadedRound(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	self := newRegisteredRecord(t, reg, arena)

	require.NoError(t, d.GCStopTheWorld(self.Handle, false))
	assert.Equal(t, 1, d.StopCount())
	assert.Equal(t, self.Handle, d.Initiator())

	require.NoError(t, d.GCStartTheWorld(self.Handle))
	assert.Equal(t, 0, d.StopCount())
	assert.Zero(t, d.Initiator())
}

func TestNestedGCStopTheWorldOnlyOutermostRunsTwoPhaseStop(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	self := newRegisteredRecord(t, reg, arena)

	require.NoError(t, d.GCStopTheWorld(self.Handle, false))
	require.NoError(t, d.GCStopTheWorld(self.Handle, false))
	assert.Equal(t, 2, d.StopCount())

	require.NoError(t, d.GCStartTheWorld(self.Handle))
	assert.Equal(t, 1, d.StopCount(), "world is not released until the matching outer call")
	assert.NotZero(t, d.Initiator())

	require.NoError(t, d.GCStartTheWorld(self.Handle))
	assert.Zero(t, d.StopCount())
	assert.Zero(t, d.Initiator())
}

func TestAdjustThreadStatePromotesPhase1BlockerToSuspended(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	rec := newRegisteredRecord(t, reg, arena)
	rec.State.Set(tstate.Phase1Blocker)

	rec.State.Lock()
	wasLast := d.AdjustThreadState(rec)
	rec.State.Unlock()

	assert.Equal(t, tstate.Suspended, rec.State.Get())
	assert.True(t, rec.GCSafe.Load())
	assert.True(t, wasLast, "the only blocker this round must report itself as last")
}

func TestAdjustThreadStateNonBlockerIsNoop(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	rec := newRegisteredRecord(t, reg, arena)

	rec.State.Lock()
	wasLast := d.AdjustThreadState(rec)
	rec.State.Unlock()

	assert.False(t, wasLast)
	assert.Equal(t, tstate.Running, rec.State.Get())
}

func TestAdjustThreadStatePhase2BlockerGCInhibitedGoesSuspendedBriefly(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	rec := newRegisteredRecord(t, reg, arena)
	rec.GCInhibited.Store(true)
	rec.StopForGCPending.Store(true)
	rec.State.Set(tstate.Phase2Blocker)

	rec.State.Lock()
	d.AdjustThreadState(rec)
	rec.State.Unlock()

	assert.Equal(t, tstate.SuspendedBriefly, rec.State.Get())
}

func TestStopInProgressReflectsInitiator(t *testing.T) {
	d, _, _ := newTestDispatcher(t)
	assert.False(t, d.StopInProgress())

	require.True(t, d.MaybeBecomeInitiator(1, false))
	assert.True(t, d.StopInProgress())
}

func TestTwoThreadStopBlocksOnForeignCodeThenReleases(t *testing.T) {
	d, reg, arena := newTestDispatcher(t)
	self := newRegisteredRecord(t, reg, arena)
	other := newRegisteredRecord(t, reg, arena)

	// Thread B ("other") holds its own QRL as if running managed code,
	// meaning phase 1 must block waiting for it to release QRL (its
	// equivalent of entering a foreign call) before the round can finish.
	other.QRL.Lock()

	done := make(chan error, 1)
	go func() {
		done <- d.GCStopTheWorld(self.Handle, false)
	}()

	// Give the stop round time to reach phase1 and start waiting on B's QRL.
	time.Sleep(20 * time.Millisecond)

	select {
	case <-done:
		t.Fatal("GCStopTheWorld returned before the blocked thread released QRL")
	default:
	}

	// Thread B releases QRL the way entering a foreign call does on its
	// fast path, letting phase1's pending Lock() proceed.
	other.QRL.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("GCStopTheWorld did not complete after the blocker released QRL")
	}

	assert.True(t, other.GCSafe.Load())
	require.NoError(t, d.GCStartTheWorld(self.Handle))
}

func TestConcurrentMaybeBecomeInitiatorOnlyOneWins(t *testing.T) {
	d, _, _ := newTestDispatcher(t)

	const n = 16
	var wins int32
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= n; i++ {
		wg.Add(1)
		go func(h registry.Handle) {
			defer wg.Done()
			if d.MaybeBecomeInitiator(h, false) {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(registry.Handle(i))
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}
