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

// Package platform is the Platform Adapter: page mapping and protection,
// thread creation, signal masks, signal-based liveness probes, clocks, and
// capability reporting. It is the sole place the core touches real OS
// facilities; every other package depends only on the Platform interface
// declared here.
package platform

import (
	"fmt"
	"time"
)

// Access is a page protection mode.
type Access int

const (
	// AccessNone makes a page inaccessible; any read or write faults.
	AccessNone Access = iota
	// AccessRead makes a page readable but not writable; a write faults.
	AccessRead
	// AccessReadWrite makes a page fully accessible.
	AccessReadWrite
)

func (a Access) String() string {
	switch a {
	case AccessNone:
		return "none"
	case AccessRead:
		return "read"
	case AccessReadWrite:
		return "read-write"
	default:
		return fmt.Sprintf("Access(%d)", int(a))
	}
}

// Capability is a bitmask of platform features probed once at startup.
type Capability uint32

const (
	// SafepointPages is set when the platform can mmap/mprotect an
	// anonymous page and convert a resulting fault into a recoverable
	// panic (via runtime/debug.SetPanicOnFault). When clear, the core
	// must use the SignalVariant coordinator instead.
	SafepointPages Capability = 1 << iota
)

// Has reports whether cap is present in c.
func (c Capability) Has(cap Capability) bool { return c&cap != 0 }

// Signal identifies a POSIX signal number, kept abstract so non-Unix
// builds can still compile against this interface.
type Signal int

// Platform is everything the core requires from the OS. Production code
// uses the "linux" build; tests may substitute a fake.
type Platform interface {
	// MapPage allocates a fresh anonymous page-sized, page-aligned region.
	MapPage(size int) ([]byte, error)
	// UnmapPage releases a region returned by MapPage.
	UnmapPage(b []byte) error
	// ProtectPage changes the access mode of a region returned by MapPage.
	ProtectPage(b []byte, mode Access) error

	// SpawnThread starts fn on a fresh OS thread and returns an opaque
	// thread id once the child has published it. The call does not block
	// on fn's completion.
	SpawnThread(fn func()) (OSThreadID, error)

	// BlockDeferrableSignals masks every signal the core considers
	// deferrable on the calling OS thread, returning the previous mask.
	BlockDeferrableSignals() (prev SignalSet, err error)
	// UnblockGCSignals lifts the mask installed by BlockDeferrableSignals,
	// restoring prev.
	UnblockGCSignals(prev SignalSet) error
	// DeferrablesBlockedP reports whether deferrable signals are
	// currently blocked on the calling OS thread.
	DeferrablesBlockedP() bool

	// KillSafely delivers signal to the OS thread identified by id. It
	// returns an error satisfying errors.Is(err, ErrNoSuchThread) if the
	// target has already exited; the core treats that as a no-op.
	KillSafely(id OSThreadID, sig Signal) error

	// MonotonicNow returns a reading from a monotonic clock.
	MonotonicNow() time.Duration
	// RealtimeNow returns a reading from a wall clock.
	RealtimeNow() time.Time

	// Capabilities reports the feature bits available on this platform.
	Capabilities() Capability
}

// OSThreadID is an opaque OS thread identity (a Linux TID on Linux).
type OSThreadID int32

// SignalSet is an opaque snapshot of a blocked-signal mask.
type SignalSet uint64

// Add returns set with sig added.
func (set SignalSet) Add(sig Signal) SignalSet {
	if sig < 0 || sig >= 64 {
		return set
	}
	return set | (1 << uint(sig))
}

// Has reports whether sig is present in set.
func (set SignalSet) Has(sig Signal) bool {
	if sig < 0 || sig >= 64 {
		return false
	}
	return set&(1<<uint(sig)) != 0
}
