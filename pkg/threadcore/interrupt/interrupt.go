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

// Package interrupt implements Interrupt Delivery:
// wake_the_world, the Phase-1-only stop used to deliver an asynchronous
// interrupt to another thread without provoking a full GC.
package interrupt

import (
	"sync"

	"golang.org/x/time/rate"

	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/stw"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// Delivery wires the STW dispatcher and registry needed to deliver
// interrupts without a full collection.
type Delivery struct {
	disp *stw.Dispatcher
	reg *registry.Registry

	mu sync.Mutex
	limiters map[registry.Handle]*rate.Limiter
}

// New constructs a Delivery bound to disp and reg.
func New(disp *stw.Dispatcher, reg *registry.Registry) *Delivery {
	return &Delivery{disp: disp, reg: reg, limiters: make(map[registry.Handle]*rate.Limiter)}
}

// WakeThread marks sig pending on rec and requests a world wake. It is the
// entry point a signal handler or cross-thread caller uses to deliver an
// asynchronous interrupt.
//
// self is the calling thread's own handle (it participates in the stop
// round it may end up initiating, exactly like any other gc_stop_the_world
// caller).
func (d *Delivery) WakeThread(self registry.Handle, rec *registry.ThreadRecord, sig platform.Signal) {
	rec.SetPendingSignal(uint64(1) << uint(sig))
	d.WakeTheWorld(self)
}

// WakeTheWorld implements wake_the_world.
//
// 1. Try to become the interrupt-only initiator; if a stop is already in
// progress, return immediately — the existing stop will deliver pending
// interrupts on its own.
// 2. Phase 1 only: block every Running thread that has a pending signal,
// no pending GC, and no pending stop, converting it
// InterruptBlocker -> SuspendedBriefly.
// 3. Remap the page and release locks immediately; Phase 2 never runs for
// an interrupt-only round.
func (d *Delivery) WakeTheWorld(self registry.Handle) {
	if !d.disp.MaybeBecomeInitiator(self, true) {
		return
	}

	d.reg.Lock()
	d.reg.ForEachLocked(func(rec *registry.ThreadRecord) {
		if rec.State.Get() != tstate.Running {
			return
		}
		if rec.PendingSignalSet.Load() == 0 {
			return
		}
		if rec.StopForGCPending.Load() {
			return
		}
		if !d.shouldDeliver(rec) {
			return
		}
		rec.State.CompareAndSet(tstate.Running, tstate.InterruptBlocker)
	})
	d.reg.Unlock()

	d.disp.ReleaseInterruptOnlyRound(self)
}

// shouldDeliver throttles repeated WakeThread calls for an
// already-pending, not-yet-delivered signal so a buggy or hostile caller
// cannot spin the world lock.
func (d *Delivery) shouldDeliver(rec *registry.ThreadRecord) bool {
	d.mu.Lock()
	lim, ok := d.limiters[rec.Handle]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(1), 4)
		d.limiters[rec.Handle] = lim
	}
	d.mu.Unlock()
	return lim.Allow()
}
