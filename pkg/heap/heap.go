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

// Package heap is the uniform surface over whichever collector policy
// a program chose (spec.md §6, "external interfaces"): attach/allocate/
// collect/inspect work the same way regardless of which of the four
// policies is underneath.
package heap

import (
	"sync"
	"unsafe"

	"github.com/cometgc/comet/pkg/constraint"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/mutator"
	"github.com/cometgc/comet/pkg/stats"
	"github.com/cometgc/comet/pkg/weak"
)

// Policy is implemented by every collector (pkg/policy/semispace,
// marksweep, immixpolicy, minimark).
type Policy interface {
	Attach() *mutator.Handle
	Detach(*mutator.Handle)
	Allocate(h *mutator.Handle, size uintptr, desc *header.TypeDescriptor) unsafe.Pointer
	Collect(extraRoots ...unsafe.Pointer) stats.Snapshot
	AddConstraint(phase constraint.Phase, fn constraint.Func)
	RegisterWeak(obj unsafe.Pointer) *weak.Ref
	RegisterFinalizer(obj unsafe.Pointer, desc *header.TypeDescriptor)
	Inspect(visit func(*header.ObjectHeader))
}

// MinorCollector is additionally implemented by generational policies
// (pkg/policy/minimark); Heap.MinorCollection falls back to a full
// Collect on a policy that doesn't implement it.
type MinorCollector interface {
	MinorCollection(extraRoots ...unsafe.Pointer) stats.Snapshot
}

// Barrier is additionally implemented by policies with a write barrier
// (pkg/policy/minimark); Heap.WriteBarrier is a no-op on a policy that
// doesn't implement it (spec.md §4.8: "SemiSpace, MarkSweep: no
// barrier").
type Barrier interface {
	WriteBarrier(obj unsafe.Pointer)
}

// Heap wraps a Policy and accumulates the stats.Snapshot of every
// collection it runs (spec.md §6 `collect`/`minor_collection`/
// `full_collection`, grounded on
// `original_source/src/statistics.rs`'s per-cycle history).
type Heap struct {
	policy Policy

	mu      sync.Mutex
	history []stats.Snapshot
}

// New wraps policy in a Heap.
func New(policy Policy) *Heap {
	return &Heap{policy: policy}
}

// Attach registers a new mutator thread.
func (h *Heap) Attach() *mutator.Handle { return h.policy.Attach() }

// Detach unregisters m.
func (h *Heap) Detach(m *mutator.Handle) { h.policy.Detach(m) }

// Allocate allocates size bytes for a new object of the type desc
// describes, via the mutator handle m's thread-local state.
func (h *Heap) Allocate(m *mutator.Handle, size uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	return h.policy.Allocate(m, size, desc)
}

// Collect runs a full collection, keeping keep additionally rooted
// (spec.md §6: "collect(keep: &mut [root])").
func (h *Heap) Collect(keep ...unsafe.Pointer) stats.Snapshot {
	s := h.policy.Collect(keep...)
	h.record(s)
	return s
}

// FullCollection is an alias for Collect, for callers that want the
// spec's own operation name.
func (h *Heap) FullCollection(keep ...unsafe.Pointer) stats.Snapshot {
	return h.Collect(keep...)
}

// MinorCollection runs a minor collection on a generational policy, or
// a full collection on any other (spec.md §6: "minor_collection,
// full_collection (policy-dependent)").
func (h *Heap) MinorCollection(keep ...unsafe.Pointer) stats.Snapshot {
	mc, ok := h.policy.(MinorCollector)
	if !ok {
		return h.Collect(keep...)
	}
	s := mc.MinorCollection(keep...)
	h.record(s)
	return s
}

// WriteBarrier notifies the heap that a reference field in obj was
// just written. A no-op on a policy with no barrier.
func (h *Heap) WriteBarrier(obj unsafe.Pointer) {
	if b, ok := h.policy.(Barrier); ok {
		b.WriteBarrier(obj)
	}
}

// AddConstraint registers a before/after-mark callback that runs on
// every marking collection; MiniMark's minor collections do not run
// constraints.
func (h *Heap) AddConstraint(phase constraint.Phase, fn constraint.Func) {
	h.policy.AddConstraint(phase, fn)
}

// RegisterWeak creates a weak reference to obj.
func (h *Heap) RegisterWeak(obj unsafe.Pointer) *weak.Ref {
	return h.policy.RegisterWeak(obj)
}

// RegisterFinalizer queues obj's destructor to run once it becomes
// unreachable.
func (h *Heap) RegisterFinalizer(obj unsafe.Pointer, desc *header.TypeDescriptor) {
	h.policy.RegisterFinalizer(obj, desc)
}

// Inspect visits every currently allocated header (spec.md §6:
// "inspect(callback)").
func (h *Heap) Inspect(visit func(*header.ObjectHeader)) {
	h.policy.Inspect(visit)
}

func (h *Heap) record(s stats.Snapshot) {
	h.mu.Lock()
	h.history = append(h.history, s)
	h.mu.Unlock()
}

// CycleStats returns a copy of every collection snapshot recorded so
// far, oldest first.
func (h *Heap) CycleStats() []stats.Snapshot {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]stats.Snapshot, len(h.history))
	copy(out, h.history)
	return out
}
