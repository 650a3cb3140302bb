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
	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// GCStopTheWorld implements gc_stop_the_world, including its
// entry rules for a caller whose GC is inhibited (already inside a
// sub-collection).
//
// self is the calling thread's handle; gcInhibited reports whether self is
// currently inside a GC-inhibited region (i.e. running its own nested
// collection).
func (d *Dispatcher) GCStopTheWorld(self registry.Handle, gcInhibited bool) error {
	if !gcInhibited {
		for !d.MaybeBecomeInitiator(self, false) {
			d.waitForInitiatorToFinish()
		}
	} else {
		d.mu.Lock()
		haveInitiator := d.initiator != 0
		interruptOnly := d.interruptOnly
		d.mu.Unlock()

		if haveInitiator && interruptOnly {
			d.waitForInitiatorToFinish()
			if !d.MaybeBecomeInitiator(self, false) {
				corelog.Fatal("stw", "failed to promote to initiator after interrupt-only stop released gcing", nil)
			}
		} else {
			d.subGC.Lock()
			d.mu.Lock()
			d.subGCThread = self
			d.stopCount++
			d.mu.Unlock()

			selfRec := d.reg.Arena().Get(self)
			selfRec.QRL.Unlock()

			initRec := d.reg.Arena().Get(d.Initiator())
			initRec.QRL.Lock() // waits until the initiator has stopped
			d.subGC.Unlock()
			return nil
		}
	}

	d.mu.Lock()
	d.stopCount++
	outer := d.stopCount == 1
	d.mu.Unlock()

	if outer {
		d.runTwoPhaseStop(self)
	}
	return nil
}

// GCStartTheWorld implements gc_start_the_world: only the
// outermost matching call performs the global step.
func (d *Dispatcher) GCStartTheWorld(self registry.Handle) error {
	d.mu.Lock()
	d.stopCount--
	count := d.stopCount
	d.mu.Unlock()

	if count < 0 {
		corelog.Fatal("stw", "gc_start_the_world with no matching gc_stop_the_world", nil)
	}
	if count > 0 {
		return nil
	}

	d.reg.ForEachLocked(func(rec *registry.ThreadRecord) {
		rec.StopForGCPending.Store(false)
		if rec.InForeignCode() {
			d.sp.SetCSPAccess(rec, true)
		}
		if rec.Handle != self {
			rec.State.With(func(cur tstate.State) (tstate.State, bool) {
				if cur == tstate.Running || cur == tstate.Dead {
					return cur, false
				}
				return tstate.Running, true
			})
		}
	})
	d.reg.Unlock()

	d.maybeLetTheWorldGo()
	return nil
}

// ReleaseInterruptOnlyRound ends a Phase-1-only interrupt round started via
// MaybeBecomeInitiator(self, true). Such a round never goes through
// GCStopTheWorld's counter, so this remaps the safepoint page itself (the
// step runTwoPhaseStop would otherwise have done) instead of routing
// through GCStartTheWorld, which would wrongly decrement stopCount.
func (d *Dispatcher) ReleaseInterruptOnlyRound(self registry.Handle) {
	if d.v.UsesSafepointPages() {
		if err := d.sp.MapSafepointPage(); err != nil {
			corelog.Fatal("stw", "failed to remap safepoint page after an interrupt-only round", nil)
		}
	}
	d.gpUnmapped.Unlock()
	d.maybeLetTheWorldGo()
}

// maybeLetTheWorldGo clears the initiator slot, releases gcing, and
// thereby frees every waiter blocked in waitForInitiatorToFinish.
func (d *Dispatcher) maybeLetTheWorldGo() {
	d.mu.Lock()
	d.initiator = 0
	d.subGCThread = 0
	d.interruptOnly = false
	d.mu.Unlock()

	d.gcing.Unlock()
}

// runTwoPhaseStop performs the two-phase stop: Phase 1 scans the registry
// converting every candidate thread to GCSafe or a self-converting blocker
// state, Phase 2 waits for the stragglers. It is called with self already
// installed as initiator and gcing/gpUnmapped
// held.
func (d *Dispatcher) runTwoPhaseStop(self registry.Handle) {
	d.reg.Lock() // released by the matching GCStartTheWorld call

	d.mu.Lock()
	d.blockersRemaining = 0
	d.mu.Unlock()

	d.phase1(self)

	if d.v.UsesSafepointPages() {
		if err := d.sp.MapSafepointPage(); err != nil {
			corelog.Fatal("stw", "failed to remap safepoint page after phase 1", nil)
		}
	}
	d.gpUnmapped.Unlock()

	d.phase2(self)
}

// phase1 scans the registry once, converting every candidate thread into
// either an immediately-GCSafe thread (foreign code) or a thread that will
// self-convert via AdjustThreadState on its next transition (managed
// code). Run under the registry lock.
func (d *Dispatcher) phase1(self registry.Handle) {
	fullGC := !d.interruptOnlyUnlocked()
	d.reg.ForEachLocked(func(rec *registry.ThreadRecord) {
		if rec.Handle == self {
			return
		}
		if !d.v.IsCandidate(rec.State.Get()) {
			return
		}

		wasForeign := d.sp.SetCSPAccess(rec, false)
		if !wasForeign {
			d.trackBlocker()
			rec.State.CompareAndSet(tstate.Running, tstate.Phase1Blocker)
			rec.QRL.Lock() // blocks until the thread reaches a transition
			rec.GCSafe.Store(true)
			rec.QRL.Unlock()
			d.untrackBlocker()
			return
		}

		rec.GCSafe.Store(true)
		if fullGC && rec.GCInhibited.Load() {
			rec.StopForGCPending.Store(true)
			d.sp.SetCSPAccess(rec, true)
		}
	})
}

// phase2 waits for every not-yet-safe thread to finish parking, then runs
// the priority sub-GC handoff if one registered during this round.
func (d *Dispatcher) phase2(self registry.Handle) {
	d.mu.Lock()
	for d.blockersRemaining > 0 {
		d.bookCond.Wait()
	}
	subGC := d.subGCThread
	d.mu.Unlock()

	if subGC != 0 && subGC != self {
		selfRec := d.reg.Arena().Get(self)
		selfRec.QRL.Unlock()
		d.subGC.Lock()
		selfRec.QRL.Lock()
		d.subGC.Unlock()
	}
}

func (d *Dispatcher) interruptOnlyUnlocked() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.interruptOnly
}

func (d *Dispatcher) trackBlocker() {
	d.mu.Lock()
	d.blockersRemaining++
	d.mu.Unlock()
}

func (d *Dispatcher) untrackBlocker() {
	d.mu.Lock()
	d.blockersRemaining--
	if d.blockersRemaining == 0 {
		d.bookCond.Broadcast()
	}
	d.mu.Unlock()
}
