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

package registry

import "sync"

// Registry is the mutex-guarded doubly-linked list of live thread handles
// plus a creation lock, CreateLock.
type Registry struct {
	// mu guards head/tail/prev/next and is the registry lock referenced
	// throughout this package.
	mu   sync.Mutex
	head Handle // 0 means empty

	// CreateLock is a lock for serialising thread creation against a
	// stop-the-world round. Neither corert nor stw takes it; registration
	// is serialised against a round by the registry lock alone.
	CreateLock sync.Mutex

	arena *Arena
}

// New returns an empty registry backed by arena.
func New(arena *Arena) *Registry {
	return &Registry{arena: arena}
}

// Register links rec into the registry at the head: newly-linked threads
// always appear at the head of the list.
//
// Precondition: rec.State must not be Dead.
func (r *Registry) Register(rec *ThreadRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec.prev = 0
	rec.next = r.head
	if r.head != 0 {
		if old := r.arena.Get(r.head); old != nil {
			old.prev = rec.Handle
		}
	}
	r.head = rec.Handle
	rec.inRegistry = true
}

// Unregister removes rec from the registry. It is idempotent: unregistering
// a record that is not currently linked is a no-op, since a dying thread's
// unlink path can race with a Phase 2 blocker scan touching the same
// record.
func (r *Registry) Unregister(rec *ThreadRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !rec.inRegistry {
		return
	}
	if rec.prev != 0 {
		if p := r.arena.Get(rec.prev); p != nil {
			p.next = rec.next
		}
	} else {
		r.head = rec.next
	}
	if rec.next != 0 {
		if n := r.arena.Get(rec.next); n != nil {
			n.prev = rec.prev
		}
	}
	rec.prev, rec.next = 0, 0
	rec.inRegistry = false
}

// ForEach calls f once for every thread currently in the registry, head
// first, holding the registry lock for the whole call: the registry lock
// is taken before any per-thread state lock f may acquire, to avoid
// lock-order inversion with a thread's own state lock. f must not
// call Register, Unregister, or ForEach itself.
func (r *Registry) ForEach(f func(rec *ThreadRecord)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for h := r.head; h != 0; {
		rec := r.arena.Get(h)
		if rec == nil {
			break
		}
		next := rec.next
		f(rec)
		h = next
	}
}

// Lock/Unlock expose the registry lock directly for callers (chiefly stw)
// that must hold it across more than one ForEach-shaped operation, e.g.
// the Phase 1 scan followed immediately by the safepoint page remap.
func (r *Registry) Lock() { r.mu.Lock() }
func (r *Registry) Unlock() { r.mu.Unlock() }

// ForEachLocked is ForEach's body without taking the lock itself; callers
// must already hold it via Lock().
func (r *Registry) ForEachLocked(f func(rec *ThreadRecord)) {
	for h := r.head; h != 0; {
		rec := r.arena.Get(h)
		if rec == nil {
			break
		}
		next := rec.next
		f(rec)
		h = next
	}
}

// Arena returns the backing arena, so callers may resolve a Handle to a
// *ThreadRecord without threading both through every call.
func (r *Registry) Arena() *Arena { return r.arena }
