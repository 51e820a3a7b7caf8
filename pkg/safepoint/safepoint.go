// Copyright 2024 The comet Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package safepoint implements the stop-the-world handshake between
// mutator threads and the collector (spec.md §4.6): a global flag plus
// a per-thread state machine, and a mutex/condvar pair for park/wake.
//
// There is no cancellation: once Arm is called, it runs to completion.
// A mutator that never polls makes Arm block indefinitely, which
// spec.md §7 documents as "not a recoverable condition" rather than a
// bug to guard against here.
package safepoint

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
)

// State is a mutator's position in the safepoint protocol.
type State int32

const (
	// Unsafe means the mutator may hold GC pointers in registers or on
	// stack not covered by the shadow stack, and must not be
	// interrupted.
	Unsafe State = iota
	// Safe means the mutator has published all GC-visible state and
	// could be interrupted, but has not yet parked.
	Safe
	// Waiting means the mutator is blocked in Poll, parked for the
	// collector.
	Waiting
)

// Mutator is a controller's per-thread registration: the state the
// collector inspects to decide whether this thread is parked.
type Mutator struct {
	c     *Controller
	state int32 // atomic State
}

// State returns the mutator's current protocol state.
func (m *Mutator) State() State { return State(atomic.LoadInt32(&m.state)) }

// EnterSafe transitions Unsafe -> Safe, publishing that the mutator no
// longer holds unscanned GC pointers. Call this before any operation
// that might block for an unbounded time (spec.md §5: "Suspension
// points").
func (m *Mutator) EnterSafe() { atomic.StoreInt32(&m.state, int32(Safe)) }

// EnterUnsafe transitions back to Unsafe, e.g. after resuming from a
// safepoint poll.
func (m *Mutator) EnterUnsafe() { atomic.StoreInt32(&m.state, int32(Unsafe)) }

// Poll checks whether the collector has armed a safepoint; if so, it
// parks this mutator (State -> Waiting), blocks until the collector
// clears gc_running, restores the mutator's prior state, and returns
// true. Returns false immediately if no collection is in progress.
func (m *Mutator) Poll() (parked bool) {
	if !m.c.running() {
		return false
	}
	prior := m.State()
	atomic.StoreInt32(&m.state, int32(Waiting))
	m.c.mu.Lock()
	for m.c.gcRunning != 0 {
		m.c.resumeCond.Wait()
	}
	m.c.mu.Unlock()
	atomic.StoreInt32(&m.state, int32(prior))
	return true
}

// Controller coordinates one heap's safepoint protocol across all of
// its attached mutators.
type Controller struct {
	mu         sync.Mutex
	resumeCond *sync.Cond
	gcRunning  int32 // atomic, read outside mu by Mutator.Poll's fast path

	registryMu sync.Mutex
	registered map[*Mutator]struct{}
}

// NewController creates an unarmed safepoint controller.
func NewController() *Controller {
	c := &Controller{registered: make(map[*Mutator]struct{})}
	c.resumeCond = sync.NewCond(&c.mu)
	return c
}

func (c *Controller) running() bool { return atomic.LoadInt32(&c.gcRunning) != 0 }

// Attach registers a new mutator, starting in the Unsafe state (it has
// not yet published any GC-visible state).
func (c *Controller) Attach() *Mutator {
	m := &Mutator{c: c, state: int32(Unsafe)}
	c.registryMu.Lock()
	c.registered[m] = struct{}{}
	c.registryMu.Unlock()
	return m
}

// Detach unregisters a mutator. Detaching a mutator that is not
// currently parked or safe is undefined per spec.md §5; detaching one
// never attached is a programmer error and panics (spec.md §7).
func (c *Controller) Detach(m *Mutator) {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	if _, ok := c.registered[m]; !ok {
		panic("safepoint: detach of unattached mutator")
	}
	delete(c.registered, m)
}

func (c *Controller) allParked() bool {
	c.registryMu.Lock()
	defer c.registryMu.Unlock()
	for m := range c.registered {
		if s := m.State(); s != Safe && s != Waiting {
			return false
		}
	}
	return true
}

// Arm stops every attached mutator, runs fn with all mutators parked,
// then resumes them. fn is the collector's mark/sweep/evacuate pass.
func (c *Controller) Arm(fn func()) {
	c.mu.Lock()
	atomic.StoreInt32(&c.gcRunning, 1)
	c.mu.Unlock()

	// Wait for every mutator to reach Safe or Waiting. A mutator
	// already past its last poll when Arm is called will reach its
	// next poll promptly (spec.md §5's ordering guarantee); back off
	// between checks instead of busy-spinning on that common case.
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Microsecond
	bo.MaxInterval = 2 * time.Millisecond
	bo.MaxElapsedTime = 0 // never give up: safepoints have no cancellation.
	for !c.allParked() {
		time.Sleep(bo.NextBackOff())
	}

	fn()

	c.mu.Lock()
	atomic.StoreInt32(&c.gcRunning, 0)
	c.resumeCond.Broadcast()
	c.mu.Unlock()
}
