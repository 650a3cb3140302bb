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

import "github.com/talismancer/threadcore/pkg/threadcore/tstate"

// Variant captures the one behavioral difference calls out
// between two build flavors: which threads Phase 1 treats
// as candidate blockers. The safepoint flavor (page-fault rendezvous)
// candidates every non-Dead thread, including one that is mid-exit; the
// signal flavor (SIG_STOP_FOR_GC) only candidates threads observed
// Running at scan time. Both are preserved explicitly rather than
// collapsed into one behavior.
type Variant interface {
	// Name identifies the variant for logging.
	Name() string
	// IsCandidate reports whether a thread in state s should be treated
	// as a Phase 1 blocker candidate.
	IsCandidate(s tstate.State) bool
	// UsesSafepointPages reports whether this variant relies on the
	// mmap/mprotect safepoint page at all; the SignalVariant does not,
	// and the Dispatcher skips the map/unmap calls for it.
	UsesSafepointPages() bool
}

// SafepointVariant is the page-fault-driven rendezvous flavor.
type SafepointVariant struct{}

// Name implements Variant.
func (SafepointVariant) Name() string { return "safepoint" }

// IsCandidate implements Variant: every non-Dead thread is a candidate,
// including one that is dying (its unlink path must cooperate with
// Phase 2 blocker accounting — boundary behaviour).
func (SafepointVariant) IsCandidate(s tstate.State) bool { return s != tstate.Dead }

// UsesSafepointPages implements Variant.
func (SafepointVariant) UsesSafepointPages() bool { return true }

// SignalVariant is the SIG_STOP_FOR_GC flavor, used when the platform
// cannot provide SafepointPages capability.
type SignalVariant struct{}

// Name implements Variant.
func (SignalVariant) Name() string { return "signal" }

// IsCandidate implements Variant: only a thread observed Running is
// candidated; a thread already in any other state (including a blocker
// state left over from a racing round) is skipped rather than re-blocked.
func (SignalVariant) IsCandidate(s tstate.State) bool { return s == tstate.Running }

// UsesSafepointPages implements Variant.
func (SignalVariant) UsesSafepointPages() bool { return false }
