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

package corert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/threadcore/pkg/threadcore/config"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

func TestThreadInLispRaisedSelfConvertsPhase1BlockerThenWaitsForRelease(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3001)

	require.True(t, self.State.CompareAndSet(tstate.Running, tstate.Phase1Blocker))

	done := make(chan struct{})
	go func() {
		rt.ThreadInLispRaised(self)
		close(done)
	}()

	// Give ThreadInLispRaised time to self-convert via AdjustThreadState
	// and settle into AcceptThreadState's wait.
	deadline := time.Now().Add(time.Second)
	for self.State.Get() == tstate.Phase1Blocker && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, tstate.Suspended, self.State.Get(), "the fault handler must self-convert its own blocker state")

	select {
	case <-done:
		t.Fatal("ThreadInLispRaised returned before the coordinator released the stop")
	case <-time.After(20 * time.Millisecond):
	}

	self.State.Set(tstate.Running)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ThreadInLispRaised never returned after the coordinator released the stop")
	}
}

func TestThreadInLispRaisedInterruptBlockerBecomesSuspendedBriefly(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3002)

	require.True(t, self.State.CompareAndSet(tstate.Running, tstate.InterruptBlocker))

	done := make(chan struct{})
	go func() {
		rt.ThreadInLispRaised(self)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for self.State.Get() == tstate.InterruptBlocker && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	assert.Equal(t, tstate.SuspendedBriefly, self.State.Get())

	self.State.Set(tstate.Running)
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ThreadInLispRaised never returned after release")
	}
}

func TestThreadInLispRaisedWithNoPendingStopReturnsImmediately(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3003)

	done := make(chan struct{})
	go func() {
		rt.ThreadInLispRaised(self)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ThreadInLispRaised blocked despite no blocker state pending")
	}
	assert.Equal(t, tstate.Running, self.State.Get())
}

func TestThreadInSafetyTransitionForwardsToForeignCallSlowPath(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3004)

	require.True(t, self.State.CompareAndSet(tstate.Running, tstate.Phase1Blocker))
	self.QRL.Lock()
	// platform.Fake cannot enforce real page protection (see its
	// ProtectPage doc comment), so the fast path's safepoint-page touch
	// never actually faults here; forcing InTransition takes the same
	// slow-path branch a real fault would.
	self.SetContext(tstate.Transitioning)

	rt.ThreadInSafetyTransition(self, 0xcafe, 0xbeef)

	assert.True(t, self.QRL.TryLock(), "entering a foreign call must release QRL")
	self.QRL.Unlock()
	assert.Equal(t, tstate.Suspended, self.State.Get(), "the slow path must self-convert the scheduled blocker")
	assert.Equal(t, uintptr(0xcafe), self.CSPAroundForeignCall.Load())
	assert.Equal(t, uintptr(0xbeef), self.PCAroundForeignCall.Load())
}

func TestThreadInterruptedReturnsPendingSignalAndClearsIt(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3005)

	self.SetPendingSignal(uint64(1) << 5)

	sig, ok := rt.ThreadInterrupted(self)
	require.True(t, ok)
	assert.Equal(t, platform.Signal(5), sig)
	assert.Zero(t, self.PendingSignalSet.Load(), "ThreadInterrupted must clear the bit it reports")
}

func TestThreadInterruptedReportsFalseWhenNothingPending(t *testing.T) {
	rt := newTestRuntime(t, config.Default(), NopAllocator{})
	self := newManagedRecord(rt, 3006)

	_, ok := rt.ThreadInterrupted(self)
	assert.False(t, ok)
}
