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

package tstate

import "unsafe"

// ContextKind distinguishes the three states of gc_safepoint_context,
// represented explicitly as a tagged variant instead of a `-1` sentinel
// pointer value.
type ContextKind int

const (
	// NoContext means the thread is in managed code; there is no signal
	// or exception context to speak of.
	NoContext ContextKind = iota
	// InTransition is the sentinel state: leave_foreign_call has begun
	// but not yet completed, so the coordinator must not try to adjust
	// this thread's state right now.
	InTransition
	// HasContext carries a pointer to an OS signal/exception context,
	// used for conservative frame walking when a thread is stopped
	// inside a foreign call via a signal.
	HasContext
)

// Context is the tagged variant replacing the `gc_safepoint_context == -1`
// magic value.
type Context struct {
	Kind ContextKind
	Ptr unsafe.Pointer
}

// None is the NoContext value.
var None = Context{Kind: NoContext}

// Transitioning is the InTransition value.
var Transitioning = Context{Kind: InTransition}

// WithPointer returns a HasContext value wrapping ptr.
func WithPointer(ptr unsafe.Pointer) Context {
	return Context{Kind: HasContext, Ptr: ptr}
}
