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

// Package tlab implements the two thread-local allocation buffer
// flavors of spec.md §4.5: a bump-pointer TLAB (SemiSpace, MiniMark's
// young generation) and a run-array TLAB (MarkSweep), both non-atomic because a TLAB is never shared across
// threads.
package tlab

import (
	"errors"

	"github.com/cometgc/comet/pkg/freelist"
)

// ErrExhausted is returned by Bump.Allocate when the buffer cannot
// satisfy the request; the caller's policy refills or falls back.
var ErrExhausted = errors.New("tlab: exhausted")

// RefillSize is the chunk size a Bump TLAB requests from its owning
// space on refill.
const RefillSize = 32 * 1024

// thresholdThreadLocalBump is the largest request size.md §4.5
// considers eligible for the bump-TLAB fast path.
const thresholdThreadLocalBump = 8 * 1024

// Bump is a bump-pointer TLAB: {start, cursor, end}.
type Bump struct {
	start  uintptr
	cursor uintptr
	end    uintptr
}

// CanThreadLocalAllocateBump reports whether size is small enough for the
// bump-TLAB fast path.
func CanThreadLocalAllocateBump(size uintptr) bool {
	return size <= thresholdThreadLocalBump
}

// Allocate bump-allocates size bytes from the buffer, or returns
// ErrExhausted.
func (b *Bump) Allocate(size uintptr) (uintptr, error) {
	next := b.cursor + size
	if next > b.end {
		return 0, ErrExhausted
	}
	addr := b.cursor
	b.cursor = next
	return addr, nil
}

// Refill installs a freshly bump-allocated block as the buffer's new
// range. The caller (policy) is responsible for obtaining the block
// from its nursery/to-space.
func (b *Bump) Refill(start, size uintptr) {
	b.start = start
	b.cursor = start
	b.end = start + size
}

// Reset clears the buffer, called at minor GC (spec.md §4.5).
func (b *Bump) Reset() {
	b.start, b.cursor, b.end = 0, 0, 0
}

// Remaining reports unused bytes in the buffer.
func (b *Bump) Remaining() uintptr {
	if b.end < b.cursor {
		return 0
	}
	return b.end - b.cursor
}

// Run is a run-array TLAB: one cached *freelist.Run per size class,
// backing MarkSweep's thread-local allocation.
type Run struct {
	space *freelist.Space
	runs  map[int]*freelist.Run
}

// NewRun creates a run-array TLAB bound to space.
func NewRun(space *freelist.Space) *Run {
	return &Run{space: space, runs: make(map[int]*freelist.Run)}
}

// CanThreadLocalAllocateRun reports whether size maps to a known size
// class in space.
func CanThreadLocalAllocateRun(space *freelist.Space, size uintptr) bool {
	return space.ClassFor(size) >= 0
}

// Allocate maps size to a size class, pops a slot from the cached run
// for that class (fetching a fresh run from the global allocator on
// miss), and returns the slot (header) address. ok is false if size
// exceeds every class; the caller's policy slow-path should then route
// to LOS.
func (t *Run) Allocate(size uintptr) (addr uintptr, ok bool) {
	class := t.space.ClassFor(size)
	if class < 0 {
		return 0, false
	}
	if r, cached := t.runs[class]; cached {
		if a, got := r.Alloc(); got {
			return a, true
		}
	}
	a, r, got := t.space.Alloc(size)
	if !got {
		return 0, false
	}
	t.runs[class] = r
	return a, true
}

// Revoke returns all cached runs to the global allocator at a
// safepoint (spec.md §4.5), reporting bytes revoked, and clears the
// cache so the next Allocate re-acquires runs.
func (t *Run) Revoke() uintptr {
	revoked := t.space.RevokeThreadLocalRuns(t.runs)
	t.runs = make(map[int]*freelist.Run)
	return revoked
}

// Reset clears the run cache without returning the runs to the global
// allocator or reporting revoked bytes.
func (t *Run) Reset() {
	t.runs = make(map[int]*freelist.Run)
}
