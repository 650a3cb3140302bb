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

// Package foreigncall implements the foreign-call transition:
// enter_foreign_call / leave_foreign_call, with their fast paths relying
// only on ordered atomic stores plus a faulting write to the
// safepoint page, and their slow paths coordinating with the STW
// coordinator through the Coordinator interface (to avoid a package
// import cycle: stw depends on registry/tstate/safepoint, not the other
// way around).
package foreigncall

import (
	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/safepoint"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// Coordinator is the slice of the STW coordinator that enter/leave need.
// stw.Dispatcher implements this interface; corert wires the two together.
type Coordinator interface {
	// AdjustThreadState converts a coordinator-scheduled blocker state on
	// rec into the corresponding Suspended state, and reports whether rec
	// was the coordinator's last outstanding blocker (in which case the
	// caller must wake the coordinator).
	AdjustThreadState(rec *registry.ThreadRecord) (wasLastBlocker bool)

	// AcceptThreadState blocks, if necessary, until the coordinator
	// releases a pending state change on rec, then applies it.
	//
	// Precondition: rec.State is locked by the caller.
	AcceptThreadState(rec *registry.ThreadRecord)

	// WakeCoordinator signals the coordinator that rec, its last
	// outstanding blocker, has reached a safepoint.
	WakeCoordinator(rec *registry.ThreadRecord)

	// DrainPending runs any interrupts or nested GCs that were deferred
	// while rec was in a foreign call.
	DrainPending(rec *registry.ThreadRecord)

	// StopInProgress reports whether a stop has been initiated (used by
	// the slow-path fallback check).
	StopInProgress() bool
}

// Transitions bundles the safepoint manager and coordinator needed to run
// enter/leave on behalf of one thread record.
type Transitions struct {
	Safepoint *safepoint.Manager
	Coord Coordinator
}

// EnterForeignCall runs the enter_foreign_call protocol for
// rec, publishing csp/pc and, on the fast path, touching the safepoint
// page.
//
// Precondition: rec.QRL must be held by the caller on entry and is
// released as part of this call (a thread holds QRL only while in managed
// code).
func (t *Transitions) EnterForeignCall(rec *registry.ThreadRecord, csp, pc uintptr) {
	rec.PCAroundForeignCall.Store(pc)
	rec.CSPAroundForeignCall.Store(csp)

	faulted := safepoint.TouchSafepointPage(t.Safepoint.Page())
	rec.QRL.Unlock()

	if !faulted {
		if ctx := rec.Context(); ctx.Kind != tstate.InTransition {
			return
		}
	}

	// Slow path: a stop was initiated concurrently with this transition,
	// or rec's own state already demands conversion (e.g. a GC-inhibited
	// Phase2Blocker). Publish under the state lock and let the
	// coordinator adjust us.
	rec.State.Lock()
	wasLast := t.Coord.AdjustThreadState(rec)
	rec.State.Unlock()
	if wasLast {
		t.Coord.WakeCoordinator(rec)
	}
}

// LeaveForeignCall runs the leave_foreign_call protocol for
// rec: it first marks gc_safepoint_context InTransition so the coordinator
// knows not to adjust rec's state mid-sequence, then retests the
// safepoint page.
//
// Precondition: the caller is about to re-enter managed code and must
// reacquire rec.QRL as part of this call.
func (t *Transitions) LeaveForeignCall(rec *registry.ThreadRecord) {
	rec.SetContext(tstate.Transitioning)

	faulted := safepoint.TouchSafepointPage(t.Safepoint.Page())

	if !faulted && !t.Coord.StopInProgress() {
		rec.CSPAroundForeignCall.Store(0)
		rec.PCAroundForeignCall.Store(0)
		rec.SetContext(tstate.None)
		rec.QRL.Lock()
		return
	}

	rec.State.Lock()
	t.Coord.AcceptThreadState(rec)
	rec.CSPAroundForeignCall.Store(0)
	rec.PCAroundForeignCall.Store(0)
	rec.SetContext(tstate.None)
	rec.State.Unlock()

	rec.QRL.Lock()
	t.Coord.DrainPending(rec)
}

// RoundTrip locks rec.QRL, runs EnterForeignCall then LeaveForeignCall, and
// returns with QRL held again. With no intervening stop, csp/pc/context are
// back to zero afterwards. Used by the tests and by
// corert.ThreadForeignCallRoundTrip.
func (t *Transitions) RoundTrip(rec *registry.ThreadRecord, csp, pc uintptr) {
	rec.QRL.Lock()
	t.EnterForeignCall(rec, csp, pc)
	t.LeaveForeignCall(rec)
}

func init() {
	// Guard against a silent signature drift between registry.SlotSentinel
	// and the sentinel this package assumes; both must mean "unset".
	if registry.SlotSentinel == 0 {
		corelog.Fatal("foreigncall", "registry.SlotSentinel must not be zero", nil)
	}
}
