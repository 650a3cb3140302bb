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
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// This file implements foreigncall.Coordinator on *Dispatcher, so the
// foreigncall package's enter/leave slow paths can call back into the
// coordinator without foreigncall importing stw (avoiding a cycle, since
// stw itself does not need anything from foreigncall).

// AdjustThreadState implements foreigncall.Coordinator.
//
// Precondition: rec.State is locked by the caller.
func (d *Dispatcher) AdjustThreadState(rec *registry.ThreadRecord) (wasLastBlocker bool) {
	cur := rec.State.Raw()
	if !cur.IsBlocker() {
		// Nothing scheduled for this thread; this slow-path entry was
		// triggered by some other check (e.g. the safepoint page faulted
		// for reasons unrelated to rec's own blocker state). Nothing to
		// acknowledge.
		return false
	}

	var next tstate.State
	switch cur {
	case tstate.Phase1Blocker:
		next = tstate.Suspended
	case tstate.Phase2Blocker:
		if rec.GCInhibited.Load() && rec.StopForGCPending.Load() {
			next = tstate.SuspendedBriefly
		} else {
			next = tstate.Suspended
		}
	case tstate.InterruptBlocker:
		next = tstate.SuspendedBriefly
	default:
		next = cur
	}
	rec.State.SetRaw(next)
	rec.State.Broadcast()
	rec.GCSafe.Store(true)

	d.mu.Lock()
	if d.blockersRemaining > 0 {
		d.blockersRemaining--
	}
	wasLastBlocker = d.blockersRemaining == 0
	if wasLastBlocker {
		d.bookCond.Broadcast()
	}
	d.mu.Unlock()
	return wasLastBlocker
}

// AcceptThreadState implements foreigncall.Coordinator: it blocks until
// the coordinator has released any pending state change on rec (i.e. rec
// is no longer a blocker state), then leaves rec Running if it wasn't
// otherwise redirected towards Suspended/SuspendedBriefly by
// AdjustThreadState already.
//
// Precondition: rec.State is locked by the caller.
func (d *Dispatcher) AcceptThreadState(rec *registry.ThreadRecord) {
	for {
		cur := rec.State.Raw()
		if cur.IsBlocker() || cur == tstate.Suspended || cur == tstate.SuspendedBriefly {
			rec.State.WaitLocked()
			continue
		}
		return
	}
}

// WakeCoordinator implements foreigncall.Coordinator.
func (d *Dispatcher) WakeCoordinator(rec *registry.ThreadRecord) {
	d.mu.Lock()
	d.bookCond.Broadcast()
	d.mu.Unlock()
}

// DrainPending implements foreigncall.Coordinator: runs any interrupts or
// nested GCs deferred while rec was in a foreign call. The core exposes
// the mechanics (pending signal set, nested stop counter); draining the
// queue of actual interrupt *handlers* is the embedder's job via
// Collaborators, so this only clears bookkeeping that belongs to the
// core itself.
func (d *Dispatcher) DrainPending(rec *registry.ThreadRecord) {
	rec.StopForGCPending.Store(false)
}

// StopInProgress implements foreigncall.Coordinator.
func (d *Dispatcher) StopInProgress() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.initiator != 0
}
