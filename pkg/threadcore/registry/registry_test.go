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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talismancer/threadcore/pkg/threadcore/tstate"
)

func newTestRecord(t *testing.T, arena *Arena) *ThreadRecord {
	t.Helper()
	h := arena.Alloc()
	rec := NewThreadRecord(h, 4, nil)
	arena.Set(h, rec)
	return rec
}

func collectHandles(reg *Registry) []Handle {
	var out []Handle
	reg.ForEach(func(rec *ThreadRecord) {
		out = append(out, rec.Handle)
	})
	return out
}

func TestRegisterLinksAtHead(t *testing.T) {
	arena := NewArena()
	reg := New(arena)

	r1 := newTestRecord(t, arena)
	r2 := newTestRecord(t, arena)
	r3 := newTestRecord(t, arena)

	reg.Register(r1)
	reg.Register(r2)
	reg.Register(r3)

	assert.Equal(t, []Handle{r3.Handle, r2.Handle, r1.Handle}, collectHandles(reg))
}

func TestUnregisterMiddleElementRelinks(t *testing.T) {
	arena := NewArena()
	reg := New(arena)

	r1 := newTestRecord(t, arena)
	r2 := newTestRecord(t, arena)
	r3 := newTestRecord(t, arena)
	reg.Register(r1)
	reg.Register(r2)
	reg.Register(r3)

	reg.Unregister(r2)

	assert.Equal(t, []Handle{r3.Handle, r1.Handle}, collectHandles(reg))
}

func TestUnregisterIsIdempotent(t *testing.T) {
	arena := NewArena()
	reg := New(arena)
	r1 := newTestRecord(t, arena)
	reg.Register(r1)

	reg.Unregister(r1)
	assert.NotPanics(t, func() { reg.Unregister(r1) })
	assert.Empty(t, collectHandles(reg))
}

func TestForEachLockedMatchesForEach(t *testing.T) {
	arena := NewArena()
	reg := New(arena)
	r1 := newTestRecord(t, arena)
	r2 := newTestRecord(t, arena)
	reg.Register(r1)
	reg.Register(r2)

	reg.Lock()
	var locked []Handle
	reg.ForEachLocked(func(rec *ThreadRecord) { locked = append(locked, rec.Handle) })
	reg.Unlock()

	assert.Equal(t, collectHandles(reg), locked)
}

func TestArenaAllocSetGetRelease(t *testing.T) {
	arena := NewArena()
	h := arena.Alloc()
	require.NotZero(t, h)
	assert.Nil(t, arena.Get(h), "unset handle must read back nil")

	rec := NewThreadRecord(h, 1, nil)
	arena.Set(h, rec)
	assert.Same(t, rec, arena.Get(h))

	require.NoError(t, arena.Release(h))
	assert.Nil(t, arena.Get(h))
}

func TestArenaGetOutOfRangeReturnsNil(t *testing.T) {
	arena := NewArena()
	assert.Nil(t, arena.Get(0))
	assert.Nil(t, arena.Get(999))
}

func TestArenaReleaseOutOfRangeErrors(t *testing.T) {
	arena := NewArena()
	err := arena.Release(999)
	assert.Error(t, err)
}

func TestThreadRecordTLSSlotsStartAtSentinel(t *testing.T) {
	arena := NewArena()
	rec := newTestRecord(t, arena)
	for i, v := range rec.TLSSlots {
		assert.Equal(t, SlotSentinel, v, "slot %d must start at the sentinel", i)
	}
}

func TestInForeignCodeTracksCSP(t *testing.T) {
	arena := NewArena()
	rec := newTestRecord(t, arena)
	assert.False(t, rec.InForeignCode())

	rec.CSPAroundForeignCall.Store(0x1000)
	assert.True(t, rec.InForeignCode())

	rec.CSPAroundForeignCall.Store(0)
	assert.False(t, rec.InForeignCode())
}

func TestSetClearPendingSignal(t *testing.T) {
	arena := NewArena()
	rec := newTestRecord(t, arena)

	const bit = uint64(1) << 3
	rec.SetPendingSignal(bit)
	assert.Equal(t, bit, rec.PendingSignalSet.Load()&bit)

	rec.ClearPendingSignal(bit)
	assert.Zero(t, rec.PendingSignalSet.Load()&bit)
}

func TestSetPendingSignalIsIdempotent(t *testing.T) {
	arena := NewArena()
	rec := newTestRecord(t, arena)

	const bit = uint64(1) << 5
	rec.SetPendingSignal(bit)
	rec.SetPendingSignal(bit)
	assert.Equal(t, bit, rec.PendingSignalSet.Load())
}

func TestContextStartsNone(t *testing.T) {
	arena := NewArena()
	rec := newTestRecord(t, arena)

	assert.Equal(t, tstate.None, rec.Context())

	rec.SetContext(tstate.Transitioning)
	assert.Equal(t, tstate.Transitioning, rec.Context())
}
