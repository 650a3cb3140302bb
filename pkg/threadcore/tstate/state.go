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

// Package tstate implements the per-thread state machine: the state
// field, its guarding mutex, and the condition variable broadcast on
// every transition.
package tstate

import (
	"fmt"
	"sync"
)

// State is one of the seven per-thread states.
type State int

const (
	// Running is the zero value: the thread executes managed code or is
	// in a managed-aware transition.
	Running State = iota
	// Phase1Blocker means the coordinator has noticed this thread in the
	// first stop phase but has not yet converted it to Suspended.
	Phase1Blocker
	// Phase2Blocker is the second-phase equivalent of Phase1Blocker;
	// GC-inhibited threads remain here instead of advancing to Suspended.
	Phase2Blocker
	// InterruptBlocker is Phase1Blocker's analogue for a wake-for-interrupt
	// round.
	InterruptBlocker
	// SuspendedBriefly means the thread has acknowledged a stop and will
	// resume as soon as the coordinator clears the flag.
	SuspendedBriefly
	// Suspended means the thread is fully halted at a safepoint.
	Suspended
	// Dead means the OS thread is about to exit, or is parked for
	// resurrection.
	Dead
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case Phase1Blocker:
		return "Phase1Blocker"
	case Phase2Blocker:
		return "Phase2Blocker"
	case InterruptBlocker:
		return "InterruptBlocker"
	case SuspendedBriefly:
		return "SuspendedBriefly"
	case Suspended:
		return "Suspended"
	case Dead:
		return "Dead"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// IsBlocker reports whether s is one of the transient blocker states set
// by the coordinator and cleared by the thread itself on acknowledgement.
func (s State) IsBlocker() bool {
	return s == Phase1Blocker || s == Phase2Blocker || s == InterruptBlocker
}

// Machine bundles a State with the lock and condition variable that guard
// it, exactly as state/state_lock/state_cond triple.
//
// Every transition takes the lock and broadcasts the condition variable;
// all waits loop over the condition variable comparing against the
// expected old state, since spurious wakeups and unrelated transitions are
// both possible.
type Machine struct {
	mu sync.Mutex
	cond *sync.Cond
	state State
}

// NewMachine returns a Machine initialized to Running, the state a fresh
// thread record starts in.
func NewMachine() *Machine {
	m := &Machine{state: Running}
	m.cond = sync.NewCond(&m.mu)
	return m
}

// Get returns the current state.
func (m *Machine) Get() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Set unconditionally installs to and broadcasts the change. Used only by
// the owning thread or the coordinator under documented preconditions;
// callers that need a guarded transition should use CompareAndSet.
func (m *Machine) Set(to State) {
	m.mu.Lock()
	m.state = to
	m.cond.Broadcast()
	m.mu.Unlock()
}

// CompareAndSet transitions from `from` to `to` iff the current state is
// `from`. It returns false, leaving the state untouched, if a concurrent
// transition already moved it elsewhere — the caller's blocker accounting
// must treat that as "someone else already handled this thread".
func (m *Machine) CompareAndSet(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.state = to
	m.cond.Broadcast()
	return true
}

// AwaitAny blocks until the state is one of want, returning the state
// observed. It loops on the condition variable since spurious wakeups and
// unrelated transitions both mean the wait must re-check against the
// expected state rather than return on the first broadcast.
func (m *Machine) AwaitAny(want ...State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		for _, w := range want {
			if m.state == w {
				return m.state
			}
		}
		m.cond.Wait()
	}
}

// With runs f with the state mutex held, allowing callers (chiefly the
// foreigncall and stw packages) to read-modify-write state together with
// other per-thread fields that share the same lock in the classic C
// layout (e.g. adjusting state while publishing a CSP).
func (m *Machine) With(f func(cur State) (next State, broadcast bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	next, broadcast := f(m.state)
	m.state = next
	if broadcast {
		m.cond.Broadcast()
	}
}

// Lock/Unlock expose the underlying mutex directly for the rarer cases
// (slow-path foreign-call transition) that must hold the state lock
// across more than one Machine call.
func (m *Machine) Lock() { m.mu.Lock() }
func (m *Machine) Unlock() { m.mu.Unlock() }

// Broadcast wakes every waiter without changing the state. Used after a
// Lock()-held caller mutates state directly via Raw (below).
func (m *Machine) Broadcast() { m.cond.Broadcast() }

// WaitLocked blocks on the condition variable. The caller must already
// hold Lock(); WaitLocked releases it for the duration of the wait and
// reacquires it before returning, exactly like sync.Cond.Wait.
func (m *Machine) WaitLocked() { m.cond.Wait() }

// Raw returns the current state without taking the lock. Valid only while
// the caller already holds Lock().
func (m *Machine) Raw() State { return m.state }

// SetRaw installs a new state without taking the lock. Valid only while
// the caller already holds Lock().
func (m *Machine) SetRaw(s State) { m.state = s }
