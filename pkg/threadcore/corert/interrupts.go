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
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
)

// WakeThread marks sig pending on rec and requests a brief world wake so
// rec observes it at its next safepoint.
func (rt *Runtime) WakeThread(self registry.Handle, rec *registry.ThreadRecord, sig platform.Signal) {
	rt.wake.WakeThread(self, rec, sig)
}

// WakeTheWorld requests a Phase-1-only stop round to deliver whatever
// signals are already pending across every thread, without running a full
// collection.
func (rt *Runtime) WakeTheWorld(self registry.Handle) {
	rt.wake.WakeTheWorld(self)
}

// ThreadInLispRaised is the entry point a recovered safepoint-page fault
// (or, on the SignalVariant, an actual SIGSTOP-for-GC handler) calls once
// it has determined the thread was running managed code at the moment of
// the trap: it hands control to the slow-path transition logic the
// foreigncall package already implements for the EnterForeignCall/
// LeaveForeignCall boundary, re-entered here for a synchronous in-line
// safepoint rather than a call boundary.
func (rt *Runtime) ThreadInLispRaised(rec *registry.ThreadRecord) {
	rec.State.Lock()
	wasLast := rt.disp.AdjustThreadState(rec)
	rec.State.Unlock()
	if wasLast {
		rt.disp.WakeCoordinator(rec)
	}

	rec.State.Lock()
	rt.disp.AcceptThreadState(rec)
	rec.State.Unlock()
}

// ThreadInSafetyTransition is called from the fast path of a foreign-call
// boundary that observed a fault on the safepoint page; it is a thin
// forwarding wrapper kept on Runtime so embedders reach every entry point
// through one surface instead of importing foreigncall directly.
func (rt *Runtime) ThreadInSafetyTransition(rec *registry.ThreadRecord, csp, pc uintptr) {
	rt.trans.EnterForeignCall(rec, csp, pc)
}

// ThreadForeignCallRoundTrip runs a complete enter/leave foreign-call
// transition on rec's behalf: acquire QRL, publish csp/pc and enter, then
// leave and reacquire QRL before returning. It is the entry point an
// embedder calls around a blocking syscall or other foreign-code boundary
// that has no intervening safepoint of its own.
//
// Precondition: rec.QRL must not already be held by the caller.
func (rt *Runtime) ThreadForeignCallRoundTrip(rec *registry.ThreadRecord, csp, pc uintptr) {
	rt.trans.RoundTrip(rec, csp, pc)
}

// ThreadInterrupted is the entry point for a thread that has just noticed
// its own PendingSignalSet is non-zero at a safepoint; it clears the
// delivered bit and reports which signal to run the embedder's handler
// for, or ok=false if no signal bit was pending.
func (rt *Runtime) ThreadInterrupted(rec *registry.ThreadRecord) (sig platform.Signal, ok bool) {
	pending := rec.PendingSignalSet.Load()
	if pending == 0 {
		return 0, false
	}
	for bit := platform.Signal(0); bit < 64; bit++ {
		mask := uint64(1) << uint(bit)
		if pending&mask != 0 {
			rec.ClearPendingSignal(mask)
			return bit, true
		}
	}
	return 0, false
}
