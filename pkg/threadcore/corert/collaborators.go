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

import "github.com/talismancer/threadcore/pkg/threadcore/registry"

// Collaborators is the embedder-supplied surface the core calls out to at
// the documented boundary points, leaving allocator and language-runtime
// concerns entirely outside the core's scope.
type Collaborators interface {
	// OSThreadInit runs on a freshly spawned OS thread, before it is
	// linked into the registry, to let the embedder set up whatever
	// per-thread state it needs (a language stack, a TLS block, etc.).
	OSThreadInit(rec *registry.ThreadRecord) error
	// OSThreadCleanup runs after a thread has been unregistered, either
	// when it could not be parked and is about to be queued for post-mortem
	// join, or when a parked thread is retired without being reused.
	OSThreadCleanup(rec *registry.ThreadRecord)
	// FuncallZero invokes fn with whatever embedder-specific calling
	// convention wraps a zero-argument managed-code entry point. The core
	// runs every thread work function through it, whether on a freshly
	// spawned thread or on a reused one.
	FuncallZero(fn func() uintptr) uintptr
}

// Allocator is the embedder's memory manager. The core itself calls only
// GCAllocUpdatePageTables, once a stop round has stopped the world;
// GCSetRegionEmpty is part of the interface but the core never calls it.
type Allocator interface {
	// GCAllocUpdatePageTables runs once the world is fully stopped, giving
	// the allocator a chance to republish page table state before any
	// thread resumes.
	GCAllocUpdatePageTables()
	// GCSetRegionEmpty tells the allocator that a region is no longer
	// live, e.g. because the thread that owned it has exited.
	GCSetRegionEmpty(start, end uintptr)
}

// NopCollaborators is a Collaborators implementation that does nothing,
// useful for tests and for embedders with no per-thread setup to perform.
type NopCollaborators struct{}

// OSThreadInit implements Collaborators.
func (NopCollaborators) OSThreadInit(rec *registry.ThreadRecord) error { return nil }

// OSThreadCleanup implements Collaborators.
func (NopCollaborators) OSThreadCleanup(rec *registry.ThreadRecord) {}

// FuncallZero implements Collaborators.
func (NopCollaborators) FuncallZero(fn func() uintptr) uintptr { return fn() }

// NopAllocator is an Allocator implementation that does nothing.
type NopAllocator struct{}

// GCAllocUpdatePageTables implements Allocator.
func (NopAllocator) GCAllocUpdatePageTables() {}

// GCSetRegionEmpty implements Allocator.
func (NopAllocator) GCSetRegionEmpty(start, end uintptr) {}
