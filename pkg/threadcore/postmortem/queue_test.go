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

package postmortem

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/threadcore/pkg/threadcore/platform"
)

type fakeJoiner struct {
	mu      sync.Mutex
	joined  []platform.OSThreadID
	failFor map[platform.OSThreadID]int // number of times to fail before succeeding
}

func newFakeJoiner() *fakeJoiner {
	return &fakeJoiner{failFor: make(map[platform.OSThreadID]int)}
}

func (f *fakeJoiner) Join(id platform.OSThreadID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n := f.failFor[id]; n > 0 {
		f.failFor[id] = n - 1
		return errors.New("join: thread not yet exited")
	}
	f.joined = append(f.joined, id)
	return nil
}

func TestPushBelowThresholdDoesNotDrain(t *testing.T) {
	j := newFakeJoiner()
	q := NewQueue(3, j, false)

	q.Push(Corpse{OSThread: 1})
	q.Push(Corpse{OSThread: 2})
	q.Push(Corpse{OSThread: 3})

	assert.Equal(t, 3, q.Len())
	assert.Empty(t, j.joined)
}

func TestPushOverThresholdDrainsOldestFirst(t *testing.T) {
	j := newFakeJoiner()
	q := NewQueue(2, j, false)

	q.Push(Corpse{OSThread: 1})
	q.Push(Corpse{OSThread: 2})
	q.Push(Corpse{OSThread: 3})

	assert.Equal(t, 2, q.Len())
	require.Len(t, j.joined, 1)
	assert.Equal(t, platform.OSThreadID(1), j.joined[0], "the oldest corpse must drain first")
}

func TestPushImmediateModeSkipsJoin(t *testing.T) {
	j := newFakeJoiner()
	q := NewQueue(0, j, true)

	q.Push(Corpse{OSThread: 42})

	assert.Empty(t, j.joined, "immediate mode must never call Join")
}

func TestDrainAllReapsEveryCorpseAndEmptiesQueue(t *testing.T) {
	j := newFakeJoiner()
	q := NewQueue(100, j, false)

	q.Push(Corpse{OSThread: 1})
	q.Push(Corpse{OSThread: 2})
	q.Push(Corpse{OSThread: 3})
	require.Equal(t, 3, q.Len())

	err := q.DrainAll()

	require.NoError(t, err)
	assert.Equal(t, 0, q.Len())
	assert.ElementsMatch(t, []platform.OSThreadID{1, 2, 3}, j.joined)
}

func TestDrainAllAggregatesJoinErrors(t *testing.T) {
	j := newFakeJoiner()
	j.failFor[2] = 100 // always fails within the backoff window

	q := NewQueue(100, j, false)
	q.Push(Corpse{OSThread: 1})
	q.Push(Corpse{OSThread: 2})

	err := q.DrainAll()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "not yet exited")
	assert.Equal(t, 0, q.Len(), "DrainAll must empty the queue even when a reap fails")
}
