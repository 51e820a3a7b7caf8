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

// Package los implements the large object space shared by every policy:
// per-object malloc-backed allocations at or above a space-specific
// large cutoff, a sorted-by-address index for pointer lookup, and a
// mark bit per allocation (spec.md §2 component 4, §4.2).
package los

import (
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/google/btree"

	"github.com/cometgc/comet/pkg/header"
)

// PreciseAllocation is the LOS-specific record for one large object,
// whose header.ObjectHeader records size 0 (spec.md §4.1) to mark "true
// size lives here". The record is a separate Go value: Allocate reserves
// room for it ahead of the header in the backing buffer but does not
// store it there.
type PreciseAllocation struct {
	mem   []byte // backing allocation; keeps the Go GC from reclaiming it
	objAt uintptr

	cellSize          uintptr
	markBit           uint32 // atomic 0/1
	isNewlyAllocated  bool
	indexInSpace      int
	adjustedAlignment bool
}

// Object returns the user object pointer for this allocation.
func (pa *PreciseAllocation) Object() unsafe.Pointer { return unsafe.Pointer(pa.objAt) }

// Header returns the ObjectHeader preceding the user object.
func (pa *PreciseAllocation) Header() *header.ObjectHeader { return header.HeaderOf(pa.Object()) }

// CellSize is the total usable size of the allocation in bytes.
func (pa *PreciseAllocation) CellSize() uintptr { return pa.cellSize }

// Marked reports whether this allocation's mark bit is set.
func (pa *PreciseAllocation) Marked() bool { return atomic.LoadUint32(&pa.markBit) != 0 }

// SetMarked sets the mark bit. Used both by normal tracing and, in
// MiniMark, to promote a young LOS object without visiting it via the
// mark stack (spec.md §4.2, "Generational interop").
func (pa *PreciseAllocation) SetMarked() { atomic.StoreUint32(&pa.markBit, 1) }

// TestAndSetMarked atomically sets the mark bit and reports whether it
// was already set, letting a mark-stack pusher push an allocation at
// most once per cycle.
func (pa *PreciseAllocation) TestAndSetMarked() (wasSet bool) {
	for {
		old := atomic.LoadUint32(&pa.markBit)
		if old != 0 {
			return true
		}
		if atomic.CompareAndSwapUint32(&pa.markBit, old, 1) {
			return false
		}
	}
}

// clearMarked clears the mark bit. Called on every surviving allocation
// at the end of Sweep so the next cycle starts clean.
func (pa *PreciseAllocation) clearMarked() { atomic.StoreUint32(&pa.markBit, 0) }

// IsNewlyAllocated reports whether this allocation survived as a
// promotion or a same-cycle allocation (see flip()).
func (pa *PreciseAllocation) IsNewlyAllocated() bool { return pa.isNewlyAllocated }

func (pa *PreciseAllocation) flip() {
	wasMarked := pa.Marked()
	pa.isNewlyAllocated = wasMarked
	atomic.StoreUint32(&pa.markBit, 0)
}

func (pa *PreciseAllocation) less(other *PreciseAllocation) bool {
	return pa.objAt < other.objAt
}

// Space is the large object space. All operations take Space.mu, per
// spec.md §5 ("LOS: protected by a single mutex").
type Space struct {
	mu sync.Mutex

	// allocations is in allocation order; PreciseAllocation.indexInSpace
	// is this slice's index, kept in sync by sweep's compaction.
	allocations []*PreciseAllocation

	// byAddr is always kept in address order; it replaces the manual
	// sorted-suffix + binary search of spec.md §4.2 with an
	// incrementally maintained index (DESIGN.md / SPEC_FULL.md §1.2).
	byAddr *btree.BTreeG[*PreciseAllocation]

	// scanCache is the address-sorted snapshot built by
	// PrepareForConservativeScan, covering allocations[edenStart:].
	scanCache []*PreciseAllocation

	// edenStart is the index recorded by PrepareForMarking for the cycle
	// now running, separating "newly allocated since last collection"
	// from older allocations.
	edenStart int

	// nurseryOffset is the allocation-order boundary left behind by the
	// most recent Sweep: everything before it was already live at the
	// end of the last collection. PrepareForMarking(true) seeds the next
	// minor cycle's edenStart from this value, not from the current
	// (post-mutation) length.
	nurseryOffset int
}

// New creates an empty large object space.
func New() *Space {
	return &Space{
		byAddr: btree.NewG(32, (*PreciseAllocation).less),
	}
}

// Allocate reserves size bytes for a large object, initializes its
// ObjectHeader with the large-object size encoding (0), and returns the
// header. The user object address satisfies
// header.IsPreciseAllocated(addr) == true.
func (s *Space) Allocate(size uintptr, desc *header.TypeDescriptor) *header.ObjectHeader {
	const overhead = unsafe.Sizeof(PreciseAllocation{})
	full := overhead + header.Size + header.AlignmentHalf + header.Alignment + size
	mem := make([]byte, full)
	base := uintptr(unsafe.Pointer(&mem[0]))

	// Place the header on an Alignment boundary, then nudge the object
	// start by AlignmentHalf if that boundary would otherwise land the
	// object on a full-Alignment (even) address, giving it the required
	// odd multiple of AlignmentHalf.
	headerAddr := alignUp(base+overhead, header.Alignment)
	objAddr := headerAddr + header.Size
	adjusted := false
	if !header.IsPreciseAllocated(objAddr) {
		headerAddr += header.AlignmentHalf
		objAddr = headerAddr + header.Size
		adjusted = true
	}

	pa := &PreciseAllocation{
		mem:               mem,
		objAt:             objAddr,
		cellSize:          size,
		adjustedAlignment: adjusted,
	}

	h := header.HeaderOf(pa.Object())
	h.Init(desc, 0)

	s.mu.Lock()
	pa.indexInSpace = len(s.allocations)
	s.allocations = append(s.allocations, pa)
	s.byAddr.ReplaceOrInsert(pa)
	s.mu.Unlock()

	return h
}

// PrepareForMarking records the boundary between "eden" (newly
// allocated since the last collection) and older allocations. Passing
// eden_only=true restricts the next Sweep to allocations made since the
// previous Sweep; eden_only=false (a full/major cycle) resets the
// boundary to the start of the space.
func (s *Space) PrepareForMarking(edenOnly bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if edenOnly {
		s.edenStart = s.nurseryOffset
	} else {
		s.edenStart = 0
	}
}

// BeginMarking flips every allocation's mark bit into isNewlyAllocated
// and clears the mark bit, when full is true. After a full flip, the
// invariant "live ≡ newly_allocated ∨ marked" holds until the next
// Sweep.
func (s *Space) BeginMarking(full bool) {
	if !full {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, pa := range s.allocations {
		pa.flip()
	}
}

// Sweep frees every allocation from the eden-start index onward that is
// neither marked nor newly allocated, then compacts the allocation
// list. Every kept allocation has its mark bit cleared so the next
// cycle starts clean.
func (s *Space) Sweep() (freed int, freedBytes uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kept := s.allocations[:s.edenStart:s.edenStart]
	for _, pa := range s.allocations[s.edenStart:] {
		if pa.Marked() || pa.isNewlyAllocated {
			pa.clearMarked()
			pa.isNewlyAllocated = false
			pa.indexInSpace = len(kept)
			kept = append(kept, pa)
			continue
		}
		s.byAddr.Delete(pa)
		freed++
		freedBytes += pa.cellSize
	}
	s.allocations = kept
	s.nurseryOffset = len(kept)
	s.scanCache = nil
	return freed, freedBytes
}

// PrepareForConservativeScan builds an address-sorted snapshot of
// allocations[edenStart:] for Contains to binary search. Because byAddr
// is kept continuously sorted by address, and the eden boundary is an
// allocation-order index (allocation addresses are not monotonic), this
// walks the full tree and filters by each allocation's current
// indexInSpace rather than seeking an address lower bound — a full scan
// (edenStart == 0) then naturally keeps every allocation.
func (s *Space) PrepareForConservativeScan() {
	s.mu.Lock()
	defer s.mu.Unlock()
	edenStart := s.edenStart
	s.scanCache = make([]*PreciseAllocation, 0, len(s.allocations)-edenStart)
	s.byAddr.Ascend(func(pa *PreciseAllocation) bool {
		if pa.indexInSpace >= edenStart {
			s.scanCache = append(s.scanCache, pa)
		}
		return true
	})
}

// lookupScanned returns the allocation whose object range contains ptr,
// within the range built by the most recent PrepareForConservativeScan,
// or nil.
func (s *Space) lookupScanned(ptr uintptr) *PreciseAllocation {
	s.mu.Lock()
	cache := s.scanCache
	s.mu.Unlock()
	if cache == nil {
		return nil
	}
	i := sort.Search(len(cache), func(i int) bool { return cache[i].objAt > ptr })
	if i == 0 {
		return nil
	}
	pa := cache[i-1]
	if ptr >= pa.objAt && ptr < pa.objAt+pa.cellSize {
		return pa
	}
	return nil
}

// Contains returns the ObjectHeader of the allocation whose object
// range contains ptr, or nil if ptr does not point into any live LOS
// allocation within the scanned range.
func (s *Space) Contains(ptr uintptr) *header.ObjectHeader {
	if pa := s.lookupScanned(ptr); pa != nil {
		return pa.Header()
	}
	return nil
}

// MarkIfContains tests-and-sets the mark bit of the allocation whose
// object range contains ptr, restricted to the range built by the most
// recent PrepareForConservativeScan. Reports whether an allocation was
// found and, if so, whether its mark bit was already set — the
// "set-and-test mark; if newly set, push to mark stack" step every
// policy's trace() performs for a LOS pointer (spec.md §4.9.1 step 4,
// §4.9.3 step 5, §4.9.4 step 4).
func (s *Space) MarkIfContains(ptr uintptr) (found, wasSet bool) {
	pa := s.lookupScanned(ptr)
	if pa == nil {
		return false, false
	}
	return true, pa.TestAndSetMarked()
}

// PromoteIfContains sets (without testing) the mark bit of the
// allocation whose object range contains ptr, for the write-barrier-free
// promotion path of spec.md §4.2 ("Generational interop"): a young LOS
// object survives a minor collection by having its mark bit set here,
// which flip() will later fold into isNewlyAllocated.
func (s *Space) PromoteIfContains(ptr uintptr) (found bool) {
	pa := s.lookupScanned(ptr)
	if pa == nil {
		return false
	}
	pa.SetMarked()
	return true
}

// Live reports, without mutating any state, whether the allocation
// whose object range contains ptr is currently marked. Used by
// after-mark liveness checks (weak references, finalizers) that must
// not perturb the mark bit a sweep is about to read.
func (s *Space) Live(ptr uintptr) (found, marked bool) {
	pa := s.lookupScanned(ptr)
	if pa == nil {
		return false, false
	}
	return true, pa.Marked()
}

// Lookup returns the allocation whose object address is exactly ptr, or
// nil. Unlike Contains/MarkIfContains, this does not depend on the
// most recent PrepareForConservativeScan snapshot — it is a direct
// lookup against the incrementally maintained byAddr index, valid at
// any time, for callers (MiniMark's write barrier, weak-ref
// registration) that already hold the exact object pointer rather than
// an arbitrary interior candidate found while scanning.
func (s *Space) Lookup(ptr uintptr) *PreciseAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	pa, ok := s.byAddr.Get(&PreciseAllocation{objAt: ptr})
	if !ok {
		return nil
	}
	return pa
}

// Snapshot returns a copy of the currently live allocations, for
// callers that want to visit every LOS header (spec.md §6:
// "inspect(callback)").
func (s *Space) Snapshot() []*PreciseAllocation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*PreciseAllocation, len(s.allocations))
	copy(out, s.allocations)
	return out
}

// Len reports the number of live allocations.
func (s *Space) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.allocations)
}

// Bytes reports total bytes held by live allocations.
func (s *Space) Bytes() uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	var total uintptr
	for _, pa := range s.allocations {
		total += pa.cellSize
	}
	return total
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
