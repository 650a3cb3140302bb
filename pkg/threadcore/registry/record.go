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

// Package registry implements the thread record and registry: the arena
// of thread control blocks and the doubly-linked list of live threads.
package registry

import (
	"sync"
	"sync/atomic"

	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

// Handle is a dense integer reference to a ThreadRecord inside an Arena,
// replacing a pointer-to-pointer cyclic list. Zero is never a valid
// handle; it means "no link" the way a nil prev/next pointer did in the
// classic C layout.
type Handle uint32

// ThreadRecord is one per live or parked OS thread.
type ThreadRecord struct {
	// Handle is this record's own arena handle, set once at allocation.
	Handle Handle

	// OSThread is the opaque OS thread handle, set by the child when it
	// first runs.
	OSThread platform.OSThreadID

	// prev, next are the doubly-linked list pointers into the registry,
	// expressed as handles rather than pointers.
	prev, next Handle
	inRegistry bool

	// State is the per-thread state machine (tstate package).
	State *tstate.Machine

	// QRL is the quickly-revocable lock: held by the thread whenever it
	// is in managed code, released on entry to foreign calls and on
	// request by the coordinator.
	QRL sync.Mutex

	// CSPPage is the dedicated VM page backing CSPAroundForeignCall; its
	// write permission doubles as a lock (safepoint package owns the
	// mutation of its protection, registry owns the allocation).
	CSPPage []byte

	// CSPAroundForeignCall is zero when the thread runs managed code,
	// non-zero (a conservative stack-top) when it is in a foreign call.
	// Always accessed through sync/atomic: deliberately
	// upgrades bare-store fast path to atomic ops.
	CSPAroundForeignCall atomic.Uintptr
	// PCAroundForeignCall is the last managed PC before the transition.
	PCAroundForeignCall atomic.Uintptr

	// GCSafepointContext is the tagged context/sentinel value described by
	// the tstate package, stored in an atomic.Value so it can be read and
	// replaced without a lock.
	GCSafepointContext atomic.Value // holds tstate.Context

	// GCSafe and StopForGCPending are the two booleans the STW
	// coordinator's Phase 1/Phase 2 scan sets per thread.
	GCSafe atomic.Bool
	StopForGCPending atomic.Bool
	GCInhibited atomic.Bool

	// NoTLSValueMarker carries the work function CreateThread hands to a
	// parked thread it reuses; the thread resets it to nil once picked up.
	// A freshly spawned thread receives its first function directly.
	NoTLSValueMarker func() uintptr

	// TLSSlots are the per-thread dynamic values, indexed by a symbol's
	// TLS index; initially filled with SlotSentinel.
	TLSSlots []uintptr

	// PendingSignalSet is the atomic bitmask of deferred signals targeted
	// at this thread.
	PendingSignalSet atomic.Uint64
	// BlockedSignalSet is the current signal mask snapshot.
	BlockedSignalSet platform.SignalSet

	// InterruptData is externally-owned auxiliary data, out of core
	// scope.
	InterruptData interface{}

	// OSAttr/OSAddress are ownership handles for the OS thread's
	// attributes and backing memory region, used by post-mortem cleanup.
	OSAttr interface{}
	OSAddress []byte
}

// SlotSentinel is the value every TLS slot is filled with before a thread
// has a meaningful value to store there.
const SlotSentinel = ^uintptr(0)

// NewThreadRecord allocates a thread record with tlsSlots TLS slots and a
// cspPage for foreign-call transitions. It does not link the record into
// any registry; the caller (platform.SpawnThread's child, on first entry)
// does that.
func NewThreadRecord(handle Handle, tlsSlots int, cspPage []byte) *ThreadRecord {
	rec := &ThreadRecord{
		Handle: handle,
		State: tstate.NewMachine(),
		CSPPage: cspPage,
	}
	rec.GCSafepointContext.Store(tstate.None)
	rec.TLSSlots = make([]uintptr, tlsSlots)
	for i := range rec.TLSSlots {
		rec.TLSSlots[i] = SlotSentinel
	}
	rec.NoTLSValueMarker = nil
	return rec
}

// Context returns the current gc_safepoint_context value.
func (t *ThreadRecord) Context() tstate.Context {
	return t.GCSafepointContext.Load().(tstate.Context)
}

// SetContext installs a new gc_safepoint_context value.
func (t *ThreadRecord) SetContext(c tstate.Context) {
	t.GCSafepointContext.Store(c)
}

// InForeignCode reports whether the thread is currently considered to be
// in foreign code by the coordinator: CSPAroundForeignCall != 0
func (t *ThreadRecord) InForeignCode() bool {
	return t.CSPAroundForeignCall.Load() != 0
}

// SetPendingSignal atomically ORs bit into PendingSignalSet. sync/atomic's
// Uint64 has no native Or in this Go version, so it is a CAS loop.
func (t *ThreadRecord) SetPendingSignal(bit uint64) {
	for {
		old := t.PendingSignalSet.Load()
		if old&bit == bit {
			return
		}
		if t.PendingSignalSet.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

// ClearPendingSignal atomically clears bit in PendingSignalSet.
func (t *ThreadRecord) ClearPendingSignal(bit uint64) {
	for {
		old := t.PendingSignalSet.Load()
		if old&bit == 0 {
			return
		}
		if t.PendingSignalSet.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}
