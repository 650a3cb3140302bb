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
	"fmt"

	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/platform/hosttid"
	"github.com/talismancer/threadcore/pkg/threadcore/postmortem"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// CreateInitialThread brings up the very first thread record for the
// current OS thread, without going through SpawnThread: the caller is
// already running on whatever thread the embedder considers the "main"
// thread, and simply needs a ThreadRecord and registry entry for it.
func (rt *Runtime) CreateInitialThread(fn func() uintptr) (registry.Handle, error) {
	rec, err := rt.newRecord()
	if err != nil {
		return 0, err
	}
	rec.OSThread = platform.OSThreadID(hosttid.Current())
	if err := rt.collab.OSThreadInit(rec); err != nil {
		return 0, fmt.Errorf("corert: initial thread init: %w", err)
	}
	rt.reg.Register(rec)
	rt.track(rec)
	rt.runTrampoline(rec, fn)
	return rec.Handle, nil
}

// CreateThread implements create_thread's preference for a parked,
// resurrectable thread over spawning a fresh OS thread: if the
// resurrection pool has a waiter, fn is handed to it directly and no new
// OS thread is created at all.
func (rt *Runtime) CreateThread(fn func() uintptr) (registry.Handle, error) {
	if victim, ok := rt.pool.Pop(); ok {
		rec := rt.arena.Get(victim)
		if rec == nil {
			corelog.Fatal("corert", "resurrection pool handed back a released handle", nil)
		}
		rec.NoTLSValueMarker = fn
		rec.State.Set(tstate.Running)
		return rec.Handle, nil
	}

	rec, err := rt.newRecord()
	if err != nil {
		return 0, err
	}

	ready := make(chan error, 1)
	_, err = rt.plat.SpawnThread(func() {
		rec.OSThread = platform.OSThreadID(hosttid.Current())
		if err := rt.collab.OSThreadInit(rec); err != nil {
			ready <- err
			return
		}
		rt.reg.Register(rec)
		rt.track(rec)
		ready <- nil
		rt.runTrampoline(rec, fn)
	})
	if err != nil {
		return 0, fmt.Errorf("corert: spawn thread: %w", err)
	}
	if err := <-ready; err != nil {
		return 0, fmt.Errorf("corert: thread init: %w", err)
	}
	return rec.Handle, nil
}

func (rt *Runtime) newRecord() (*registry.ThreadRecord, error) {
	h := rt.arena.Alloc()
	cspPage, err := rt.plat.MapPage(0)
	if err != nil {
		return nil, fmt.Errorf("corert: map CSP page: %w", err)
	}
	rec := registry.NewThreadRecord(h, rt.cfg.TLSSlotCount, cspPage)
	rt.arena.Set(h, rec)
	return rec, nil
}

// runTrampoline is the body every spawned or resurrected OS thread runs:
// execute fn, go Dead, then either park for reuse or queue for post-mortem
// join, looping back to execute a freshly assigned fn if a caller reused
// this thread via CreateThread while it was parked.
func (rt *Runtime) runTrampoline(rec *registry.ThreadRecord, fn func() uintptr) {
	for {
		rt.collab.FuncallZero(fn)

		rt.reg.Unregister(rec)
		rt.untrack(rec)
		rec.State.Set(tstate.Dead)

		ok, isAwakener := rt.pool.Park(rec.Handle)
		if !ok {
			rt.collab.OSThreadCleanup(rec)
			rt.corpses.Push(postmortem.Corpse{
				OSThread: rec.OSThread,
				OSAttr: rec.OSAttr,
				OSAddress: rec.OSAddress,
			})
			return
		}

		reuse := rt.pool.Run(rec.Handle, isAwakener)
		if !reuse {
			rt.collab.OSThreadCleanup(rec)
			if err := rt.arena.Release(rec.Handle); err != nil {
				corelog.Warnf("corert", "releasing parked handle: %v", err)
			}
			return
		}

		fn = rec.NoTLSValueMarker
		rec.NoTLSValueMarker = nil
		rt.reg.Register(rec)
		rt.track(rec)
	}
}

// ThreadYield gives up the quickly-revocable lock momentarily, allowing a
// waiting stop-the-world initiator to make progress, then reacquires it.
// It is the cooperative-yield point managed code can call in a long
// allocation-free loop.
func (rt *Runtime) ThreadYield(rec *registry.ThreadRecord) {
	rec.QRL.Unlock()
	rec.QRL.Lock()
}

// KillSafely forwards to the platform adapter, translating
// platform.ErrNoSuchThread into a nil error: an already-exited target is
// an expected, not exceptional, outcome.
func (rt *Runtime) KillSafely(id platform.OSThreadID, sig platform.Signal) error {
	err := rt.plat.KillSafely(id, sig)
	if err == platform.ErrNoSuchThread {
		return nil
	}
	return err
}
