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

// Package corert wires the registry, state machine, safepoint manager,
// stop-the-world dispatcher, interrupt delivery, post-mortem queue,
// resurrection pool, and diagnostics index together into one Runtime, and
// exposes the surface an embedder actually calls.
package corert

import (
	"fmt"
	"sync"

	"github.com/talismancer/threadcore/pkg/threadcore/config"
	"github.com/talismancer/threadcore/pkg/threadcore/diag"
	"github.com/talismancer/threadcore/pkg/threadcore/foreigncall"
	"github.com/talismancer/threadcore/pkg/threadcore/interrupt"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/platform/hosttid"
	"github.com/talismancer/threadcore/pkg/threadcore/postmortem"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/safepoint"
	"github.com/talismancer/threadcore/pkg/threadcore/stw"
)

// Runtime is the single struct holding every piece of mutable state that
// a C runtime traditionally keeps as package-level globals. Every goroutine
// reaches it through an explicit parameter; Current is a convenience
// lookup for the less common case of recovering it, keyed by the calling
// OS thread's id, from code that was handed no parameter at all.
type Runtime struct {
	cfg config.Config
	plat platform.Platform
	spaces *diag.Spaces

	reg *registry.Registry
	arena *registry.Arena
	disp *stw.Dispatcher
	sp *safepoint.Manager
	trans *foreigncall.Transitions
	wake *interrupt.Delivery
	corpses *postmortem.Queue
	pool *postmortem.Pool

	collab Collaborators
	alloc Allocator

	mu sync.Mutex
	byTID map[platform.OSThreadID]*registry.ThreadRecord
}

var (
	registryMu sync.Mutex
	registered = map[int32]*Runtime{}
)

// New constructs a Runtime: platform adapter, then registry, then
// safepoint page, then dispatcher. Starting the first thread is left to
// the caller's explicit CreateInitialThread call.
func New(cfg config.Config, plat platform.Platform, spaces *diag.Spaces, collab Collaborators, alloc Allocator) (*Runtime, error) {
	if collab == nil {
		collab = NopCollaborators{}
	}
	if alloc == nil {
		alloc = NopAllocator{}
	}

	arena := registry.NewArena()
	reg := registry.New(arena)

	sp, err := safepoint.New(plat)
	if err != nil {
		return nil, fmt.Errorf("corert: safepoint manager: %w", err)
	}

	var v stw.Variant = stw.SafepointVariant{}
	if cfg.ForceSignalVariant || !plat.Capabilities().Has(platform.SafepointPages) {
		v = stw.SignalVariant{}
	}
	disp := stw.New(reg, sp, v)

	trans := &foreigncall.Transitions{Safepoint: sp, Coord: disp}
	wake := interrupt.New(disp, reg)

	join := joinAdapter{plat: plat}
	immediate := !v.UsesSafepointPages()
	corpses := postmortem.NewQueue(cfg.PostMortemQueueThreshold, join, immediate)
	pool := postmortem.NewPool(plat, arena, cfg.MaxResurrectableWaiters, cfg.ResurrectionAwakenerDeadline)

	rt := &Runtime{
		cfg: cfg,
		plat: plat,
		spaces: spaces,
		reg: reg,
		arena: arena,
		disp: disp,
		sp: sp,
		trans: trans,
		wake: wake,
		corpses: corpses,
		pool: pool,
		collab: collab,
		alloc: alloc,
		byTID: make(map[platform.OSThreadID]*registry.ThreadRecord),
	}
	return rt, nil
}

// joinAdapter satisfies postmortem.Joiner using the platform's signal-based
// liveness probe: Linux has no portable pthread_join analogue reachable
// through golang.org/x/sys/unix without the native thread handle, so the
// core instead waits for KillSafely(0) to start reporting ErrNoSuchThread,
// exactly the check "already joined" fallback performs.
type joinAdapter struct {
	plat platform.Platform
}

func (j joinAdapter) Join(id platform.OSThreadID) error {
	err := j.plat.KillSafely(id, platform.Signal(0))
	if err == platform.ErrNoSuchThread {
		return nil
	}
	if err == nil {
		return fmt.Errorf("corert: thread %d has not exited yet", id)
	}
	return err
}

// Diagnose implements the PC→function recovery collaborator from the
// classic search_read_only_space/search_static_space/
// search_dynamic_space trio, now backed by diag.Spaces.
func (rt *Runtime) Diagnose(pc uintptr) (diag.SpaceEntry, error) {
	return rt.spaces.Lookup(pc)
}

// Current recovers the Runtime and ThreadRecord for the calling OS thread,
// keyed by hosttid.Current() the way arch_os_get_current_thread() recovers
// per-thread state without real TLS.
func Current() (*Runtime, *registry.ThreadRecord, bool) {
	registryMu.Lock()
	rt, ok := registered[hosttid.Current()]
	registryMu.Unlock()
	if !ok {
		return nil, nil, false
	}
	rt.mu.Lock()
	rec, ok := rt.byTID[platform.OSThreadID(hosttid.Current())]
	rt.mu.Unlock()
	return rt, rec, ok
}

func (rt *Runtime) track(rec *registry.ThreadRecord) {
	rt.mu.Lock()
	rt.byTID[rec.OSThread] = rec
	rt.mu.Unlock()
	registryMu.Lock()
	registered[int32(rec.OSThread)] = rt
	registryMu.Unlock()
}

func (rt *Runtime) untrack(rec *registry.ThreadRecord) {
	rt.mu.Lock()
	delete(rt.byTID, rec.OSThread)
	rt.mu.Unlock()
	registryMu.Lock()
	delete(registered, int32(rec.OSThread))
	registryMu.Unlock()
}
