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

package postmortem

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// Pool is the resurrection pool: a bounded list of parked thread records
// waiting to be reused, with exactly one "responsible awakener" that runs
// the timed wait and reaps the pool on timeout.
//
// The interaction of responsible-awakener selection with concurrent
// CreateThread callers is resolved here by construction: every pool
// mutation — Park, and the pop inside CreateThread — happens inside one
// critical section under mu, so there is no trylock-then-mutate window
// for the tail to move.
type Pool struct {
	plat platform.Platform
	arena *registry.Arena
	deadline time.Duration
	capacity int64

	mu sync.Mutex
	sem *semaphore.Weighted
	parked []registry.Handle // index 0 is the awakener, if any
}

// NewPool constructs a Pool bounded at capacity entries (default 16),
// using deadline as the awakener's fixed timed-wait period (default
// 10s).
func NewPool(plat platform.Platform, arena *registry.Arena, capacity int, deadline time.Duration) *Pool {
	return &Pool{
		plat: plat,
		arena: arena,
		deadline: deadline,
		capacity: int64(capacity),
		sem: semaphore.NewWeighted(int64(capacity)),
	}
}

// Len reports how many threads are currently parked.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.parked)
}

// Park attempts to park self for reuse. It returns ok=false if the pool is
// at capacity, in which case the caller must proceed to ordinary
// post-mortem cleanup instead of parking. When ok is true, isAwakener
// reports whether self must now run the timed-wait loop.
//
// Precondition: self's state has already been set to Dead and its
// state-cond broadcast.
func (p *Pool) Park(self registry.Handle) (ok, isAwakener bool) {
	if !p.sem.TryAcquire(1) {
		return false, false
	}
	p.mu.Lock()
	p.parked = append(p.parked, self)
	isAwakener = len(p.parked) == 1
	p.mu.Unlock()
	return true, isAwakener
}

// Run is the per-parked-thread wait loop. It blocks until the thread's
// own state leaves Dead, then reports whether the caller should terminate
// (state became Suspended) or re-enter the trampoline with a new function
// (state became Running).
//
// Precondition: called immediately after a successful Park. isAwakener
// must be the value Park returned for self.
func (p *Pool) Run(self registry.Handle, isAwakener bool) (reuse bool) {
	rec := p.arena.Get(self)
	if isAwakener {
		p.runAwakener(self, rec)
	}
	final := rec.State.AwaitAny(tstate.Suspended, tstate.Running)
	return final == tstate.Running
}

// runAwakener is the awakener's repeating timed-wait cycle: re-arm a fresh
// deadline after every timeout that reaps someone else, stopping only once
// its own state leaves Dead (woken directly, or because the timeout it hit
// reaped itself, the last entry left in the pool).
func (p *Pool) runAwakener(self registry.Handle, rec *registry.ThreadRecord) {
	woke := make(chan tstate.State, 1)
	go func() {
		woke <- rec.State.AwaitAny(tstate.Suspended, tstate.Running)
	}()

	for {
		ctx, cancel := context.WithTimeout(context.Background(), p.deadline)
		select {
		case <-woke:
			cancel()
			return
		case <-ctx.Done():
			cancel()
			if p.reapOne() == self {
				<-woke
				return
			}
		}
	}
}

// reapOne pops one victim from the pool (the most recently parked entry,
// leaving index 0 — the awakener itself — untouched unless it is the only
// remaining entry) and directs it to terminate by setting its state to
// Suspended, which satisfies the wait in Run for that victim. It returns
// the reaped handle, or 0 if the pool was already empty.
func (p *Pool) reapOne() registry.Handle {
	p.mu.Lock()
	if len(p.parked) == 0 {
		p.mu.Unlock()
		return 0
	}
	victim := p.parked[len(p.parked)-1]
	p.parked = p.parked[:len(p.parked)-1]
	p.mu.Unlock()

	rec := p.arena.Get(victim)
	if rec != nil {
		rec.State.Set(tstate.Suspended)
	}
	p.sem.Release(1)
	return victim
}

// Pop removes and returns one parked thread for reuse by CreateThread,
// preferring the most recently parked entry so the awakener (index 0)
// keeps its responsibility as long as any other entry remains.
func (p *Pool) Pop() (registry.Handle, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.parked) == 0 {
		return 0, false
	}
	victim := p.parked[len(p.parked)-1]
	p.parked = p.parked[:len(p.parked)-1]
	p.sem.Release(1)
	return victim, true
}
