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

// Package safepoint implements the safepoint page manager: the single
// process-wide safepoint page and the per-thread CSP page whose write
// permission doubles as a lock.
package safepoint

import (
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
	"github.com/talismancer/threadcore/pkg/threadcore/registry"
)

// Manager owns the one safepoint page and every thread's CSP page
// protection toggling. Only the current STW initiator may call
// MapSafepointPage/UnmapSafepointPage (that only one coordinator may be stopping the world at a time); this is enforced
// by the caller (stw package) holding mx_gp_unmapped for the duration.
type Manager struct {
	plat platform.Platform

	mu sync.Mutex
	page []byte
	mapped bool
}

// New constructs a Manager and maps the safepoint page once, at process
// init.
func New(plat platform.Platform) (*Manager, error) {
	m := &Manager{plat: plat}
	page, err := plat.MapPage(0)
	if err != nil {
		return nil, fmt.Errorf("safepoint: initial map: %w", err)
	}
	m.page = page
	m.mapped = true
	return m, nil
}

// Page returns the safepoint page's backing bytes. Mutators use this to
// perform the fast-path trapping store (foreigncall package); it must
// never be resliced or reallocated after New returns.
func (m *Manager) Page() []byte {
	return m.page
}

// UnmapSafepointPage makes the safepoint page inaccessible, so that every
// thread's next touch of it faults. Called only by the STW initiator.
func (m *Manager) UnmapSafepointPage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.mapped {
		corelog.Fatal("safepoint", "unmap of already-unmapped safepoint page", nil)
	}
	if err := m.plat.ProtectPage(m.page, platform.AccessNone); err != nil {
		return fmt.Errorf("safepoint: unmap: %w", err)
	}
	m.mapped = false
	return nil
}

// MapSafepointPage restores the safepoint page to read-write, ending a
// stop round. Called only by the STW initiator.
func (m *Manager) MapSafepointPage() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mapped {
		corelog.Fatal("safepoint", "map of already-mapped safepoint page", nil)
	}
	if err := m.plat.ProtectPage(m.page, platform.AccessReadWrite); err != nil {
		return fmt.Errorf("safepoint: map: %w", err)
	}
	m.mapped = true
	return nil
}

// IsMapped reports the safepoint page's current protection state. Tests
// and diagnostics only; the coordinator tracks this on its own via
// the page is mapped exactly when no stop is in progress.
func (m *Manager) IsMapped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mapped
}

// TouchSafepointPage performs the fast-path trapping store: it writes a
// zero word to the safepoint page and reports whether the write faulted.
//
// This is the Go analogue of the classic "store zero to the
// safepoint page (this store traps iff the page is unmapped)": a real
// write to an mprotect'd page, with debug.SetPanicOnFault converting the
// resulting SIGSEGV into a panic on the calling goroutine instead of
// crashing the process, which TouchSafepointPage then recovers.
//
// Precondition: the calling goroutine must be locked to its OS thread
// (runtime.LockOSThread) for the duration of the call, or the panic-on-
// fault setting applies to the wrong thread.
func TouchSafepointPage(page []byte) (faulted bool) {
	old := debug.SetPanicOnFault(true)
	defer debug.SetPanicOnFault(old)
	defer func() {
		if r := recover(); r != nil {
			faulted = true
		}
	}()
	if len(page) == 0 {
		return true
	}
	page[0] = 0
	return false
}

// SetCSPAccess sets rec's CSP page to read-only (writable=false) or
// read-write (writable=true), and returns whether the CSP slot was
// non-zero at the moment of the call — "enabling the caller to learn in
// the same call whether the thread is in foreign code".
//
// A thread in managed code whose CSP page has just been made read-only
// will fault the next time it tries to enter a foreign call (which writes
// the CSP); a thread already in foreign code has a non-zero CSP the
// coordinator can simply read.
func (m *Manager) SetCSPAccess(rec *registry.ThreadRecord, writable bool) (wasForeign bool) {
	wasForeign = rec.InForeignCode()
	mode := platform.AccessRead
	if writable {
		mode = platform.AccessReadWrite
	}
	if err := m.plat.ProtectPage(rec.CSPPage, mode); err != nil {
		corelog.Fatal("safepoint", "failed to protect thread CSP page", nil)
	}
	return wasForeign
}
