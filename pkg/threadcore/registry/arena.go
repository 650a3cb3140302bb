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

import (
	"fmt"
	"sync"
)

// Arena owns every ThreadRecord ever allocated by this runtime. Other
// components address records by Handle, never by pointer, so that the
// resurrection pool (postmortem package) can safely hand a handle back to
// a later caller without anyone holding a stale pointer into freed memory.
type Arena struct {
	mu sync.Mutex
	records []*ThreadRecord // index 0 is unused; handles are 1-based
}

// NewArena returns an empty arena.
func NewArena() *Arena {
	return &Arena{records: make([]*ThreadRecord, 1)}
}

// Alloc allocates a new, still empty handle; Set later installs the record
// built for it. The two steps are split because NewThreadRecord needs a
// handle before the record can be constructed.
func (a *Arena) Alloc() Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	h := Handle(len(a.records))
	a.records = append(a.records, nil)
	return h
}

// Set installs rec at the handle returned by a prior Alloc call.
func (a *Arena) Set(h Handle, rec *ThreadRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.records[h] = rec
}

// Get returns the record for h, or nil if h is out of range (never true
// for a handle this arena itself issued and never freed).
func (a *Arena) Get(h Handle) *ThreadRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h) <= 0 || int(h) >= len(a.records) {
		return nil
	}
	return a.records[h]
}

// Release drops the arena's reference to h's record, allowing it to be
// garbage collected once every other Handle-holder has also let go.
// Called by corert when a parked thread is retired without being reused.
func (a *Arena) Release(h Handle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if int(h) <= 0 || int(h) >= len(a.records) {
		return fmt.Errorf("registry: release of out-of-range handle %d", h)
	}
	a.records[h] = nil
	return nil
}
