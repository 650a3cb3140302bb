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

// GCStopTheWorld stops every other registered thread at a safepoint, then
// runs the allocator's page-table republish step once the world is fully
// quiesced. gcInhibited marks a caller already running its own nested
// collection, routing it through the priority sub-GC handoff instead of
// becoming initiator directly.
func (rt *Runtime) GCStopTheWorld(self registry.Handle, gcInhibited bool) error {
	if err := rt.disp.GCStopTheWorld(self, gcInhibited); err != nil {
		return err
	}
	rt.alloc.GCAllocUpdatePageTables()
	return nil
}

// GCStartTheWorld resumes every thread stopped by the matching
// GCStopTheWorld call.
func (rt *Runtime) GCStartTheWorld(self registry.Handle) error {
	return rt.disp.GCStartTheWorld(self)
}

// ThreadRegisterGCTrigger records that self wants to run a GC-inhibited
// sub-collection on its next GCStopTheWorld call; it is a thin alias kept
// for symmetry with the exposed surface, since inhibited-mode entry is
// already selected by the gcInhibited argument to GCStopTheWorld.
func (rt *Runtime) ThreadRegisterGCTrigger(rec *registry.ThreadRecord) {
	rec.GCInhibited.Store(true)
}
