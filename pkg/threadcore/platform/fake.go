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

package platform

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Fake is a Platform usable in tests on any GOOS. It does not report
// SafepointPages, so code under test must fall back to the SignalVariant
// coordinator, or tests must drive the transition explicitly rather than
// relying on an actual page fault.
type Fake struct {
	mu sync.Mutex
	nextTID int32
	dead map[OSThreadID]bool
	mask map[int32]SignalSet
	deferred SignalSet
}

// NewFake constructs a Fake platform.
func NewFake() *Fake {
	return &Fake{dead: make(map[OSThreadID]bool), mask: make(map[int32]SignalSet)}
}

// MapPage implements Platform.MapPage with a plain byte slice; protection
// is neither tracked nor enforced (Fake has no SafepointPages capability).
func (f *Fake) MapPage(size int) ([]byte, error) {
	if size <= 0 {
		size = 4096
	}
	return make([]byte, size), nil
}

// UnmapPage implements Platform.UnmapPage.
func (f *Fake) UnmapPage(b []byte) error { return nil }

// ProtectPage implements Platform.ProtectPage. It is a no-op that records
// nothing: Fake cannot enforce real page protection, so tests that need fault
// semantics must simulate the fault explicitly.
func (f *Fake) ProtectPage(b []byte, mode Access) error { return nil }

// SpawnThread implements Platform.SpawnThread.
func (f *Fake) SpawnThread(fn func()) (OSThreadID, error) {
	tid := OSThreadID(atomic.AddInt32(&f.nextTID, 1))
	go func() {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		fn()
	}()
	return tid, nil
}

// BlockDeferrableSignals implements Platform.BlockDeferrableSignals.
func (f *Fake) BlockDeferrableSignals() (SignalSet, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	prev := f.deferred
	f.deferred = prev.Add(10).Add(12)
	return prev, nil
}

// UnblockGCSignals implements Platform.UnblockGCSignals.
func (f *Fake) UnblockGCSignals(prev SignalSet) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deferred = prev
	return nil
}

// DeferrablesBlockedP implements Platform.DeferrablesBlockedP.
func (f *Fake) DeferrablesBlockedP() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.deferred.Has(10) && f.deferred.Has(12)
}

// KillSafely implements Platform.KillSafely.
func (f *Fake) KillSafely(id OSThreadID, sig Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.dead[id] {
		return ErrNoSuchThread
	}
	return nil
}

// MarkDead lets tests simulate a thread having already exited, so a
// subsequent KillSafely returns ErrNoSuchThread.
func (f *Fake) MarkDead(id OSThreadID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dead[id] = true
}

// MonotonicNow implements Platform.MonotonicNow.
func (f *Fake) MonotonicNow() time.Duration { return time.Duration(time.Now().UnixNano()) }

// RealtimeNow implements Platform.RealtimeNow.
func (f *Fake) RealtimeNow() time.Time { return time.Now() }

// Capabilities implements Platform.Capabilities.
func (f *Fake) Capabilities() Capability { return 0 }
