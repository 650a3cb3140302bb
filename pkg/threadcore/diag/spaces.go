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

// Package diag implements PC→function recovery for diagnostics: the
// classic search_read_only_space / search_static_space /
// search_dynamic_space trio, backed by a github.com/google/btree index
// instead of a linear scan.
package diag

import (
	"fmt"
	"sync"

	"github.com/google/btree"
)

// SpaceEntry describes one registered [Start, End) range and the function
// symbol that owns it.
type SpaceEntry struct {
	Start, End uintptr
	Name string
}

// Less implements btree.Item, ordering entries by start address.
func (e SpaceEntry) Less(than btree.Item) bool {
	return e.Start < than.(SpaceEntry).Start
}

// space is one of the three address spaces, each with its own index so
// read-only space can be searched before static space, before dynamic
// space — the documented lookup order.
type space struct {
	mu sync.RWMutex
	tree *btree.BTree
}

func newSpace() *space {
	return &space{tree: btree.New(32)}
}

func (s *space) register(e SpaceEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tree.ReplaceOrInsert(e)
}

func (s *space) lookup(pc uintptr) (SpaceEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var found SpaceEntry
	ok := false
	// Walk backwards from the first entry whose Start is > pc; the
	// entry immediately before it is the last one whose Start <= pc, and
	// is the only candidate that can contain pc.
	s.tree.DescendLessOrEqual(SpaceEntry{Start: pc}, func(i btree.Item) bool {
		e := i.(SpaceEntry)
		if pc >= e.Start && pc < e.End {
			found, ok = e, true
		}
		return false
	})
	return found, ok
}

// Spaces bundles the three address spaces, searched in the documented
// order: read-only, then static, then dynamic.
type Spaces struct {
	readOnly *space
	static *space
	dynamic *space
}

// NewSpaces constructs an empty Spaces index.
func NewSpaces() *Spaces {
	return &Spaces{readOnly: newSpace(), static: newSpace(), dynamic: newSpace()}
}

// RegisterReadOnly adds an entry to the read-only space index.
func (s *Spaces) RegisterReadOnly(e SpaceEntry) { s.readOnly.register(e) }

// RegisterStatic adds an entry to the static space index.
func (s *Spaces) RegisterStatic(e SpaceEntry) { s.static.register(e) }

// RegisterDynamic adds an entry to the dynamic space index.
func (s *Spaces) RegisterDynamic(e SpaceEntry) { s.dynamic.register(e) }

// Lookup implements search_read_only_space / search_static_space /
// search_dynamic_space as one call: it searches read-only space, then
// static space, then dynamic space, and returns the first hit.
func (s *Spaces) Lookup(pc uintptr) (SpaceEntry, error) {
	if e, ok := s.readOnly.lookup(pc); ok {
		return e, nil
	}
	if e, ok := s.static.lookup(pc); ok {
		return e, nil
	}
	if e, ok := s.dynamic.lookup(pc); ok {
		return e, nil
	}
	return SpaceEntry{}, fmt.Errorf("diag: no function covers pc %#x", pc)
}
