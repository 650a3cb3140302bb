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

// Package stw implements the STW Coordinator: the
// two-phase stop protocol, blocker accounting, nested-GC handling, and
// priority sub-GC handoff.
package stw

import (
	"sync"

	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/safepoint"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// Dispatcher is the stop-the-world coordinator: four mutexes plus the
// current initiator, current sub-GC thread, stop counter, and the
// interrupt flag.
type Dispatcher struct {
	reg *registry.Registry
	sp *safepoint.Manager
	v Variant

	// gpTransition serialises MaybeBecomeInitiator's double-checked
	// install.
	gpTransition sync.Mutex
	// gpUnmapped is held by the initiator for as long as the safepoint
	// page is unmapped (only the current initiator may hold this).
	gpUnmapped sync.Mutex
	// gcing is held by the initiator for the duration of the whole stop
	// round; other callers wanting to become initiator wait on it.
	gcing sync.Mutex
	// subGC serialises priority sub-GC handoff; only one sub-GC thread
	// at a time.
	subGC sync.Mutex

	mu sync.Mutex
	bookCond *sync.Cond
	initiator registry.Handle
	subGCThread registry.Handle
	stopCount int
	interruptOnly bool

	// blockersRemaining counts threads this round that have not yet
	// reached GCSafe. Decremented by AdjustThreadState and by Phase 1's
	// own QRL hand-off; Phase 2 waits on bookCond until it reaches zero.
	blockersRemaining int
}

// New constructs a Dispatcher bound to one registry and safepoint manager,
// using the given Variant (selected once at corert.New time per platform
// capability, never by branching within one call).
func New(reg *registry.Registry, sp *safepoint.Manager, v Variant) *Dispatcher {
	d := &Dispatcher{reg: reg, sp: sp, v: v}
	d.bookCond = sync.NewCond(&d.mu)
	return d
}

// Initiator returns the handle of the current STW initiator, or 0 if none
// (at most one at a time).
func (d *Dispatcher) Initiator() registry.Handle {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initiator
}

// StopCount returns the current nesting depth.
func (d *Dispatcher) StopCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stopCount
}

// MaybeBecomeInitiator implements maybe_become_initiator.
//
// Double-checked: if the initiator slot is empty, take gpTransition; if
// still empty, install self, lock gcing and gpUnmapped, unmap the
// safepoint page, reset the stop counter to zero, release gpTransition.
// Returns true iff the caller is the initiator after the call.
func (d *Dispatcher) MaybeBecomeInitiator(self registry.Handle, interruptOnly bool) bool {
	d.mu.Lock()
	already := d.initiator == self
	empty := d.initiator == 0
	d.mu.Unlock()
	if already {
		return true
	}
	if !empty {
		return false
	}

	d.gpTransition.Lock()
	defer d.gpTransition.Unlock()

	d.mu.Lock()
	if d.initiator != 0 {
		// Someone else won the race.
		installed := d.initiator == self
		d.mu.Unlock()
		return installed
	}
	d.mu.Unlock()

	d.gcing.Lock()
	d.gpUnmapped.Lock()
	if d.v.UsesSafepointPages() {
		if err := d.sp.UnmapSafepointPage(); err != nil {
			corelog.Fatal("stw", "failed to unmap safepoint page", nil)
		}
	}

	d.mu.Lock()
	d.initiator = self
	d.stopCount = 0
	d.interruptOnly = interruptOnly
	d.mu.Unlock()
	return true
}

// waitForInitiatorToFinish blocks on gcing until the current round ends,
// without itself trying to become initiator.
func (d *Dispatcher) waitForInitiatorToFinish() {
	d.gcing.Lock()
	d.gcing.Unlock()
}
