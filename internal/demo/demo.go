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

// Package demo is a harness that drives a corert.Runtime through nothing
// but its exported surface, standing a pool of goroutines in for mutator
// threads. It exists for this module's own tests: there is no real
// embedding language runtime in this repository to exercise the core
// against, so this is the closest thing to one.
package demo

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/talismancer/threadcore/pkg/threadcore/config"
	"github.com/talismancer/threadcore/pkg/threadcore/corert"
	"github.com/talismancer/threadcore/pkg/threadcore/diag"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
)

// Harness wires a fresh Runtime over platform.Fake with no-op
// collaborators, then drives it with simulated mutator goroutines.
type Harness struct {
	RT *corert.Runtime

	gcRounds     int64
	foreignCalls int64
}

// New constructs a Harness over a fresh Runtime built from cfg.
func New(cfg config.Config) (*Harness, error) {
	rt, err := corert.New(cfg, platform.NewFake(), diag.NewSpaces(), corert.NopCollaborators{}, corert.NopAllocator{})
	if err != nil {
		return nil, fmt.Errorf("demo: new runtime: %w", err)
	}
	return &Harness{RT: rt}, nil
}

// GCRounds reports how many stop-the-world rounds a mutator initiated and
// completed.
func (h *Harness) GCRounds() int64 { return atomic.LoadInt64(&h.gcRounds) }

// ForeignCalls reports how many simulated blocking foreign calls mutators
// completed.
func (h *Harness) ForeignCalls() int64 { return atomic.LoadInt64(&h.foreignCalls) }

// RunMutators spawns n mutator threads through Runtime.CreateThread, each
// running rounds iterations that alternate an allocation-triggered
// collection it initiates itself with a simulated blocking foreign call
// (e.g. a syscall), and blocks until every mutator has exited.
func (h *Harness) RunMutators(n, rounds int) error {
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		work := func() uintptr {
			defer wg.Done()
			if err := h.mutate(rounds); err != nil {
				errs <- err
			}
			return 0
		}
		if _, err := h.RT.CreateThread(work); err != nil {
			wg.Done()
			return fmt.Errorf("demo: create thread: %w", err)
		}
	}

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// mutate is the body every spawned mutator goroutine executes: it recovers
// its own thread record through corert.Current, since a spawned mutator
// has no other way to learn its handle, then runs the GC/foreign-call
// alternation.
func (h *Harness) mutate(rounds int) error {
	_, rec, ok := corert.Current()
	if !ok {
		return fmt.Errorf("demo: mutator could not recover its own thread record")
	}

	for i := 0; i < rounds; i++ {
		if err := h.RT.GCStopTheWorld(rec.Handle, false); err != nil {
			return fmt.Errorf("demo: stop the world: %w", err)
		}
		atomic.AddInt64(&h.gcRounds, 1)
		if err := h.RT.GCStartTheWorld(rec.Handle); err != nil {
			return fmt.Errorf("demo: start the world: %w", err)
		}

		h.RT.ThreadForeignCallRoundTrip(rec, uintptr(0x1000+i), uintptr(0x2000+i))
		// The round trip returns with QRL held; release it so the next
		// round trip (and other initiators' Phase 1) can take it.
		rec.QRL.Unlock()
		atomic.AddInt64(&h.foreignCalls, 1)
	}
	return nil
}
