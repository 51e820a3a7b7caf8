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

// Package freelist implements the segregated size-class small-object
// allocator that MarkSweep and MiniMark's old generation treat as an
// opaque collaborator (spec.md §1, §3: "SegregatedFreeListSpace").
// Objects are grouped into runs per size class; a run is a slab of
// fixed-size slots threaded onto a free list via
// header.ObjectHeader.SetFreeLink, the way runtime/mcentral.go's
// mspan/mcache runs work.
package freelist

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/markbitmap"
	"github.com/cometgc/comet/pkg/vmregion"
)

// defaultClasses mirrors the coarse size-class ladder common to
// segregated allocators (runtime/msize.go-style), rounded to
// header.Alignment so every slot can host an ObjectHeader + payload.
var defaultClasses = []uintptr{16, 32, 48, 64, 96, 128, 192, 256, 384, 512, 768, 1024, 1536, 2048, 3072, 4096}

const slotsPerRun = 128

// Run is a slab of fixed-size slots for one size class.
type Run struct {
	class    int
	base     uintptr
	slotSize uintptr
	nslots   int

	mu       sync.Mutex
	freeHead uintptr // 0 means empty
	freeN    int
}

func (r *Run) slotHeader(addr uintptr) *header.ObjectHeader { return header.HeaderOf(unsafe.Pointer(addr + header.Size)) }

// Alloc pops a free slot from the run, returning the slot's address
// (where its ObjectHeader lives; the user object starts header.Size
// bytes later) and ok=false if the run is exhausted.
func (r *Run) Alloc() (uintptr, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.freeHead == 0 {
		return 0, false
	}
	slot := r.freeHead
	h := r.slotHeader(slot)
	r.freeHead = uintptr(h.FreeLink())
	r.freeN--
	return slot, true
}

// free pushes a slot back onto the run's free list.
func (r *Run) free(slot uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.slotHeader(slot)
	h.SetFreeLink(unsafe.Pointer(r.freeHead))
	r.freeHead = slot
	r.freeN++
}

// Empty reports whether every slot in the run is free.
func (r *Run) Empty() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.freeN == r.nslots
}

// Space is the segregated free-list small-object space.
type Space struct {
	region  *vmregion.Region
	classes []uintptr

	mu         sync.Mutex
	nextOffset uintptr
	runsByClass [][]*Run

	live *markbitmap.Bitmap
	mark *markbitmap.Bitmap

	bytesAllocated uintptr
}

// New creates a segregated free-list space over region, which must be
// sized to hold the space's eventual growth_limit.
func New(region *vmregion.Region) *Space {
	s := &Space{
		region:  region,
		classes: defaultClasses,
		live:    markbitmap.New(region.Base(), region.Size()),
		mark:    markbitmap.New(region.Base(), region.Size()),
	}
	s.runsByClass = make([][]*Run, len(s.classes))
	return s
}

// ClassFor returns the size-class index for an allocation of size
// bytes, or -1 if size exceeds every class (the caller should route to
// LOS instead).
func (s *Space) ClassFor(size uintptr) int {
	i := sort.Search(len(s.classes), func(i int) bool { return s.classes[i] >= size })
	if i == len(s.classes) {
		return -1
	}
	return i
}

// acquireRun creates a fresh run for class, committing memory from the
// space's backing region.
func (s *Space) acquireRun(class int) *Run {
	slotSize := alignUp(header.Size+s.classes[class], header.Alignment)
	runSize := slotSize * slotsPerRun

	s.mu.Lock()
	offset := s.nextOffset
	s.nextOffset += runSize
	s.mu.Unlock()

	if err := s.region.Commit(offset, runSize); err != nil {
		return nil
	}
	base := s.region.Base() + offset

	r := &Run{class: class, base: base, slotSize: slotSize, nslots: slotsPerRun}
	for i := slotsPerRun - 1; i >= 0; i-- {
		slot := base + uintptr(i)*slotSize
		h := r.slotHeader(slot)
		h.SetFreeLink(unsafe.Pointer(r.freeHead))
		r.freeHead = slot
	}
	r.freeN = slotsPerRun

	s.mu.Lock()
	s.runsByClass[class] = append(s.runsByClass[class], r)
	s.mu.Unlock()
	return r
}

// Alloc allocates size bytes from the appropriate size class, growing
// the space with a fresh run if every existing run for that class is
// exhausted. Returns the slot (header) address and the run it came from
// (the caller's TLAB caches the run for fast-path reuse) or ok=false if
// size exceeds every class.
func (s *Space) Alloc(size uintptr) (addr uintptr, run *Run, ok bool) {
	class := s.ClassFor(size)
	if class < 0 {
		return 0, nil, false
	}
	s.mu.Lock()
	runs := s.runsByClass[class]
	s.mu.Unlock()
	for _, r := range runs {
		if a, got := r.Alloc(); got {
			s.markLive(a, r.slotSize)
			return a, r, true
		}
	}
	r := s.acquireRun(class)
	if r == nil {
		return 0, nil, false
	}
	a, got := r.Alloc()
	if !got {
		return 0, nil, false
	}
	s.markLive(a, r.slotSize)
	return a, r, true
}

func (s *Space) markLive(addr, size uintptr) {
	s.mu.Lock()
	s.bytesAllocated += size
	s.mu.Unlock()
	s.live.Set(addr)
}

// RunFor returns the run backing addr, by locating the run whose
// [base, base+nslots*slotSize) range contains it. A TLAB that tracks
// its own run directly should prefer that; this is used by the slow
// path and by revocation.
func (s *Space) RunFor(addr uintptr) *Run {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, runs := range s.runsByClass {
		for _, r := range runs {
			if addr >= r.base && addr < r.base+uintptr(r.nslots)*r.slotSize {
				return r
			}
		}
	}
	return nil
}

// BulkFree returns a batch of slots to their runs' free lists,
// reporting total bytes freed. This is the callback target of Sweep
// and of a policy's explicit free of unmarked LOS-adjacent small
// objects.
func (s *Space) BulkFree(addrs []uintptr) (bytesFreed uintptr) {
	for _, addr := range addrs {
		r := s.RunFor(addr)
		if r == nil {
			continue
		}
		r.free(addr)
		s.live.Clear(addr)
		bytesFreed += r.slotSize
	}
	s.mu.Lock()
	s.bytesAllocated -= bytesFreed
	s.mu.Unlock()
	return bytesFreed
}

// RevokeThreadLocalRuns merges a mutator's cached per-class runs back
// into global accounting at a safepoint; the runs themselves remain in
// runsByClass (they were never removed from it), so this simply
// reports how many bytes the run-TLAB was holding uncommitted to the
// global free count, for statistics.
func (s *Space) RevokeThreadLocalRuns(runs map[int]*Run) (bytesRevoked uintptr) {
	for _, r := range runs {
		r.mu.Lock()
		bytesRevoked += uintptr(r.freeN) * r.slotSize
		r.mu.Unlock()
	}
	return bytesRevoked
}

// Sweep walks every committed live slot and invokes callback(addr) for
// each one whose mark bit is clear (typically wiring into BulkFree).
// It does not itself clear the live or mark bitmap — SwapLiveMark does
// that, in the single pass spec.md §4.9.2 step 4 describes.
func (s *Space) Sweep(callback func(addr uintptr)) {
	var toFree []uintptr
	s.live.Visit(func(addr uintptr) {
		if !s.mark.Test(addr) {
			toFree = append(toFree, addr)
		}
	})
	for _, addr := range toFree {
		callback(addr)
	}
}

// MarkBitmap exposes the space's mark bitmap for the owning policy's
// mark phase to set bits in directly.
func (s *Space) MarkBitmap() *markbitmap.Bitmap { return s.mark }

// SwapLiveMark promotes the just-built mark bitmap to the space's live
// bitmap and clears what was the live bitmap, which becomes the next
// cycle's (empty) mark bitmap — spec.md §4.9.2 step 4, "the just-built
// mark bitmap becomes the next cycle's live bitmap; the old live bitmap
// is cleared." Must run after Sweep has read both bitmaps and after
// BulkFree has freed the dead slots it found.
func (s *Space) SwapLiveMark() {
	markbitmap.Swap(s.live, s.mark)
	s.mark.ClearAll()
}

// Trim releases runs that are entirely free back to the backing region
// via madvise(DONTNEED). A decommitted run's pages read back as zero,
// which would corrupt its free-list links, so a trimmed run is retired
// from runsByClass rather than reused: Alloc acquires a fresh run on
// its next growth instead.
func (s *Space) Trim() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for class, runs := range s.runsByClass {
		kept := runs[:0]
		for _, r := range runs {
			if r.Empty() {
				off := r.base - s.region.Base()
				_ = s.region.Decommit(off, r.slotSize*uintptr(r.nslots))
				continue
			}
			kept = append(kept, r)
		}
		s.runsByClass[class] = kept
	}
}

// VisitLive calls fn(addr) for every currently live slot's cell
// address, for callers that want to enumerate every header (spec.md
// §6: "inspect(callback)").
func (s *Space) VisitLive(fn func(addr uintptr)) { s.live.Visit(fn) }

// BytesAllocated reports the space's current live byte count.
func (s *Space) BytesAllocated() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bytesAllocated
}

func alignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }
