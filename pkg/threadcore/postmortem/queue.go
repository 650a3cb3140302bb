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

// Package postmortem implements post-mortem cleanup and resurrection: the
// delayed-cleanup FIFO and the parked-thread reuse pool.
package postmortem

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/hashicorp/go-multierror"

	"github.com/talismancer/threadcore/pkg/threadcore/corelog"
	"github.com/talismancer/threadcore/pkg/threadcore/platform"
)

// Corpse is an exited OS thread's join handle and backing memory region,
// kept around until the platform confirms the thread has actually joined.
type Corpse struct {
	OSThread  platform.OSThreadID
	OSAttr    interface{}
	OSAddress []byte
}

// Joiner abstracts the OS join call so tests need not spawn real threads.
// On platforms with immediate post-mortem (the OS releases the thread
// itself), NewQueue's immediate flag makes the queue skip Join entirely.
type Joiner interface {
	Join(id platform.OSThreadID) error
}

// Queue is the capacity-bounded, oldest-first-draining post-mortem FIFO.
type Queue struct {
	threshold int
	join Joiner
	immediate bool

	mu sync.Mutex
	items []Corpse
}

// NewQueue constructs a Queue that drains its head once len(items) exceeds
// threshold. If immediate is true (platforms where the OS releases the
// thread itself), draining (from Push or DrainAll) skips the join call
// entirely.
func NewQueue(threshold int, join Joiner, immediate bool) *Queue {
	return &Queue{threshold: threshold, join: join, immediate: immediate}
}

// Push appends a freshly-exited thread's corpse and drains the head if the
// queue has grown past threshold.
func (q *Queue) Push(c Corpse) {
	q.mu.Lock()
	q.items = append(q.items, c)
	over := len(q.items) > q.threshold
	var head Corpse
	if over {
		head, q.items = q.items[0], q.items[1:]
	}
	q.mu.Unlock()

	if over {
		q.reap(head)
	}
}

// Len reports the queue's current length.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// DrainAll reaps every queued corpse, oldest first. Used at shutdown.
func (q *Queue) DrainAll() error {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()

	var errs *multierror.Error
	for _, c := range items {
		if err := q.reapErr(c); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	return errs.ErrorOrNil()
}

func (q *Queue) reap(c Corpse) {
	if err := q.reapErr(c); err != nil {
		corelog.Warnf("postmortem", "failed to reap thread %d: %v", c.OSThread, err)
	}
}

func (q *Queue) reapErr(c Corpse) error {
	if !q.immediate {
		op := func() error { return q.join.Join(c.OSThread) }
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 2 * time.Second
		if err := backoff.Retry(op, b); err != nil {
			return err
		}
	}
	// os_attr / backing memory release is the embedder's responsibility
	// past this point; the queue's job ends at "joined and ready to free".
	return nil
}

