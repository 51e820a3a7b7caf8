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

// Package weak implements weak references and finalization (spec.md §2
// component 13, §4.10): per-heap lists drained once per cycle, after
// marking has established which headers are live.
package weak

import (
	"sync"
	"unsafe"

	"github.com/cometgc/comet/pkg/header"
)

// LiveFunc reports whether h's object is live, per the owning policy's
// notion of liveness (mark bit set, color == mark_color, or forwarded).
type LiveFunc func(h *header.ObjectHeader) bool

// ResolveFunc maps a possibly-forwarded header to the current location
// of its object, or nil if it has none (dead, or collected).
type ResolveFunc func(h *header.ObjectHeader) unsafe.Pointer

// Ref is a weak reference: a header pointer plus, once resolved, the
// current address of its target (which may move under a copying
// policy).
type Ref struct {
	mu      sync.Mutex
	header  *header.ObjectHeader
	current unsafe.Pointer
	cleared bool
}

// Upgrade returns the referent's current address, or nil if the weak
// reference has been cleared (its target was unreachable at the most
// recent collection).
func (r *Ref) Upgrade() unsafe.Pointer {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cleared {
		return nil
	}
	return r.current
}

// List is a per-heap collection of weak references, drained once per
// mark phase.
type List struct {
	mu   sync.Mutex
	refs []*Ref
}

// Register creates a new weak reference to the object whose header is
// h, with its current address set to h's object (valid until the next
// collection re-resolves it).
func (l *List) Register(h *header.ObjectHeader) *Ref {
	r := &Ref{header: h, current: h.Object()}
	l.mu.Lock()
	l.refs = append(l.refs, r)
	l.mu.Unlock()
	return r
}

// AfterMark is the after-mark hook of spec.md §4.10: for every
// registered weak reference, if its target is live, it is re-resolved
// (the referent may have moved) and retained; otherwise it is cleared
// and dropped from the list.
func (l *List) AfterMark(isLive LiveFunc, resolve ResolveFunc) {
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.refs[:0]
	for _, r := range l.refs {
		if isLive(r.header) {
			r.mu.Lock()
			r.current = resolve(r.header)
			r.mu.Unlock()
			kept = append(kept, r)
			continue
		}
		r.mu.Lock()
		r.cleared = true
		r.header = nil
		r.current = nil
		r.mu.Unlock()
	}
	l.refs = kept
}

// Len reports the number of live (not-yet-cleared) weak references.
func (l *List) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.refs)
}

// FinalizerEntry is a queued needs-drop object.
type FinalizerEntry struct {
	Header *header.ObjectHeader
	Desc   *header.TypeDescriptor
}

// Queue is a per-heap (or, in MiniMark, per-generation) finalizer
// queue: objects registered at allocation time, drained at collection.
// A dead entry's destructor runs exactly once; there is no
// resurrection (spec.md §4.10, Non-goals).
type Queue struct {
	mu      sync.Mutex
	entries []FinalizerEntry
}

// Register enqueues h for finalization using desc.Drop. Callers should
// only register objects whose descriptor has a non-nil Drop.
func (q *Queue) Register(h *header.ObjectHeader, desc *header.TypeDescriptor) {
	q.mu.Lock()
	q.entries = append(q.entries, FinalizerEntry{Header: h, Desc: desc})
	q.mu.Unlock()
}

// Drain removes every entry from the queue; survivors (isLive true) are
// handed to onSurvive (MiniMark uses this to move a promoted object's
// entry from the young queue to the old queue without finalizing it);
// dead entries have Desc.Drop invoked exactly once.
func (q *Queue) Drain(isLive LiveFunc, onSurvive func(FinalizerEntry)) {
	q.mu.Lock()
	entries := q.entries
	q.entries = nil
	q.mu.Unlock()

	for _, e := range entries {
		if isLive(e.Header) {
			onSurvive(e)
			continue
		}
		if e.Desc.Drop != nil {
			e.Desc.Drop(e.Header.Object())
		}
	}
}

// Len reports the number of entries currently queued.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
