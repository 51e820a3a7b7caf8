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

// Package header defines the 16-byte per-object metadata that precedes
// every managed object, and the global type-descriptor registry it is
// keyed against.
//
// Layout (must stay bit-exact, see SPEC_FULL.md §6):
//
//	vtableOrFwd  uint64  // type descriptor address, or forwarding address
//	flagsLow     uint16  // mark/forwarded/pinned/parentKnown bits
//	flagsHigh    uint16  // size_in_granules (14 bits) + 2 reserved bits
//	typeID       uint32  // stable hash of the concrete type
package header

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Granule is the unit of size encoding in the object header.
const Granule = 8

// Alignment is the byte alignment of every space-allocated (non-LOS)
// object. AlignmentHalf is half of that: a LOS user pointer is an odd
// multiple of AlignmentHalf, which lets IsPreciseAllocated classify a
// pointer with a single low-bit test instead of a range check against
// LOS's bounds (SPEC_FULL.md §9, "LOS half-alignment discriminator").
const (
	Alignment     = 16
	AlignmentHalf = Alignment / 2
)

// IsPreciseAllocated reports whether addr is a large-object-space user
// pointer, as opposed to a space-allocated (bump/free-list/Immix)
// pointer. Space allocators always align to Alignment, so this test is
// exact: a multiple of Alignment never has the AlignmentHalf bit set.
func IsPreciseAllocated(addr uintptr) bool {
	return addr&AlignmentHalf != 0
}

// sizeBits is the width of the size_in_granules field in flagsHigh.
const sizeBits = 14

// MaxSmallGranules is the largest size_in_granules value a small object
// may encode; above this, size is zero and the true size lives in the
// PreciseAllocation header in the large object space.
const MaxSmallGranules = (1 << sizeBits) - 1

// MaxSmallSize is the largest byte size routed through the inline size
// field: 2^14 * 8 = 128 KiB.
const MaxSmallSize = (1 << sizeBits) * Granule

const (
	flagMark        = uint16(1) << 0
	flagForwarded   = uint16(1) << 1
	flagPinned      = uint16(1) << 2
	flagParentKnown = uint16(1) << 3
	flagRemembered  = uint16(1) << 4
)

const sizeMask = uint16(1<<sizeBits) - 1

// ObjectHeader is the 16-byte metadata block preceding every managed
// object. Its size must never change: collectors address objects by
// header-relative offsets computed once at compile time.
type ObjectHeader struct {
	vtableOrFwd uint64
	flagsLow    uint16
	flagsHigh   uint16
	typeID      uint32
}

// Size is the header's footprint in bytes. A reimplementation that
// changes this breaks every space's object layout math.
const Size = unsafe.Sizeof(ObjectHeader{})

func init() {
	if Size != 16 {
		panic(fmt.Sprintf("header: ObjectHeader is %d bytes, want 16", Size))
	}
}

// HeaderOf returns the header immediately preceding the user object at
// obj.
func HeaderOf(obj unsafe.Pointer) *ObjectHeader {
	return (*ObjectHeader)(unsafe.Pointer(uintptr(obj) - uintptr(Size)))
}

// Object returns the user object immediately following h.
func (h *ObjectHeader) Object() unsafe.Pointer {
	return unsafe.Pointer(uintptr(unsafe.Pointer(h)) + uintptr(Size))
}

// Mark reports whether the mark bit is set. For copying and mark-region
// policies this doubles as "color" (see pkg/immix, pkg/policy/minimark):
// a live object's mark bit equals the cycle's current mark color.
func (h *ObjectHeader) Mark() bool {
	return atomic.LoadUint16(&h.flagsLow)&flagMark != 0
}

// SetMark sets the mark bit. Safe to call from a CAS-free STW mark
// phase; TestAndSetMarkAtomic below is for concurrent paths that race
// with marking.
func (h *ObjectHeader) SetMark() {
	h.flagsLow |= flagMark
}

// ClearMark clears the mark bit, used by the color-toggle policies to
// repaint an object at allocation time without waiting for a sweep.
func (h *ObjectHeader) ClearMark() {
	h.flagsLow &^= flagMark
}

// TestAndSetMarkAtomic atomically sets the mark bit and reports whether
// it was already set, for use by concurrent mark-stack pushers (the
// bitmap equivalent of this operation lives in pkg/markbitmap; this one
// is for LOS headers, which carry their own mark bit per spec.md §4.2).
func (h *ObjectHeader) TestAndSetMarkAtomic() (wasSet bool) {
	for {
		old := atomic.LoadUint16(&h.flagsLow)
		if old&flagMark != 0 {
			return true
		}
		if atomic.CompareAndSwapUint16(&h.flagsLow, old, old|flagMark) {
			return false
		}
	}
}

// Forwarded reports whether vtableOrFwd holds a forwarding address
// rather than a type descriptor address.
func (h *ObjectHeader) Forwarded() bool {
	return atomic.LoadUint16(&h.flagsLow)&flagForwarded != 0
}

// ForwardTo overwrites vtableOrFwd with the relocated object's address
// and sets the forwarded flag. Readers must check Forwarded before
// trusting vtableOrFwd as a type descriptor pointer: this is a flag
// check, never a heuristic (SPEC_FULL.md §9, trait-object vtable note).
func (h *ObjectHeader) ForwardTo(newObj unsafe.Pointer) {
	atomic.StoreUint64(&h.vtableOrFwd, uint64(uintptr(newObj)))
	atomic.StoreUint16(&h.flagsLow, atomic.LoadUint16(&h.flagsLow)|flagForwarded)
}

// ForwardingAddress returns the address this header was forwarded to.
// Callers must check Forwarded first.
func (h *ObjectHeader) ForwardingAddress() unsafe.Pointer {
	return unsafe.Pointer(uintptr(atomic.LoadUint64(&h.vtableOrFwd)))
}

// Pinned reports whether the object is pinned (exempt from relocation).
func (h *ObjectHeader) Pinned() bool { return h.flagsLow&flagPinned != 0 }

// SetPinned sets or clears the pinned bit.
func (h *ObjectHeader) SetPinned(p bool) {
	if p {
		h.flagsLow |= flagPinned
	} else {
		h.flagsLow &^= flagPinned
	}
}

// Remembered reports whether this old-generation object is already in
// MiniMark's remembered set (spec.md §4.8).
func (h *ObjectHeader) Remembered() bool { return h.flagsLow&flagRemembered != 0 }

// SetRemembered sets the remembered-bit, for the write barrier's
// test-and-set-then-append sequence.
func (h *ObjectHeader) SetRemembered() { h.flagsLow |= flagRemembered }

// ClearRemembered clears the remembered-bit, called when the
// remembered set is drained at minor GC.
func (h *ObjectHeader) ClearRemembered() { h.flagsLow &^= flagRemembered }

// ParentKnown reports whether the object's containing allocation is
// already known to the collector (used by conservative scanning to
// short-circuit repeated classification of the same block).
func (h *ObjectHeader) ParentKnown() bool { return h.flagsLow&flagParentKnown != 0 }

// SetParentKnown sets the parent-known bit.
func (h *ObjectHeader) SetParentKnown(v bool) {
	if v {
		h.flagsLow |= flagParentKnown
	} else {
		h.flagsLow &^= flagParentKnown
	}
}

// SizeGranules returns the inline size in granules, or 0 if this is a
// large object whose true size lives in its PreciseAllocation header.
func (h *ObjectHeader) SizeGranules() uint16 {
	return h.flagsHigh & sizeMask
}

// SetSizeGranules sets the inline size field. granules must be <=
// MaxSmallGranules; passing 0 marks the object as large.
func (h *ObjectHeader) SetSizeGranules(granules uint16) {
	if granules > sizeMask {
		panic("header: size_in_granules overflow")
	}
	h.flagsHigh = (h.flagsHigh &^ sizeMask) | (granules & sizeMask)
}

// IsLarge reports whether this header's true size lives in LOS.
func (h *ObjectHeader) IsLarge() bool { return h.SizeGranules() == 0 }

// SizeBytes returns the object size in bytes, valid only when !IsLarge().
func (h *ObjectHeader) SizeBytes() uintptr {
	return uintptr(h.SizeGranules()) * Granule
}

// TypeID returns the stable type hash. A zero type ID marks a free slot
// (spec.md §3).
func (h *ObjectHeader) TypeID() uint32 { return atomic.LoadUint32(&h.typeID) }

// Free reports whether this slot currently holds no live object.
func (h *ObjectHeader) Free() bool { return h.TypeID() == 0 }

// Init stamps a freshly allocated header with its type, descriptor, and
// inline size. granules may be 0 for large objects (the caller is
// responsible for the companion PreciseAllocation in that case).
func (h *ObjectHeader) Init(desc *TypeDescriptor, granules uint16) {
	atomic.StoreUint64(&h.vtableOrFwd, uint64(uintptr(unsafe.Pointer(desc))))
	atomic.StoreUint16(&h.flagsLow, 0)
	h.SetSizeGranules(granules)
	atomic.StoreUint32(&h.typeID, desc.TypeID)
}

// Reset clears a header back to the free state (type_id == 0), used by
// sweepers that recycle a slot without immediately re-initializing it.
func (h *ObjectHeader) Reset() {
	atomic.StoreUint64(&h.vtableOrFwd, 0)
	atomic.StoreUint16(&h.flagsLow, 0)
	h.flagsHigh = 0
	atomic.StoreUint32(&h.typeID, 0)
}

// SetFreeLink repurposes vtableOrFwd as an intrusive free-list link for
// a free slot (TypeID 0), the mlink idiom of segregated free-list
// allocators: since a free slot is never reachable, writing its link
// needs no write barrier and may safely alias the live-object vtable
// slot (SPEC_FULL.md / DESIGN.md, grounded on mfixalloc.go/mcentral.go).
func (h *ObjectHeader) SetFreeLink(next unsafe.Pointer) {
	atomic.StoreUint64(&h.vtableOrFwd, uint64(uintptr(next)))
	atomic.StoreUint32(&h.typeID, 0)
	atomic.StoreUint16(&h.flagsLow, 0)
}

// FreeLink returns the next free slot in an intrusive free list. Only
// valid when Free() is true.
func (h *ObjectHeader) FreeLink() unsafe.Pointer {
	return unsafe.Pointer(uintptr(atomic.LoadUint64(&h.vtableOrFwd)))
}

// Descriptor returns the type descriptor for a non-forwarded header.
// Callers must check Forwarded first.
func (h *ObjectHeader) Descriptor() *TypeDescriptor {
	return (*TypeDescriptor)(unsafe.Pointer(uintptr(atomic.LoadUint64(&h.vtableOrFwd))))
}

// TraceFunc visits every outgoing reference of an object, handing each
// to visit. visit is supplied by the collector performing the trace.
type TraceFunc func(obj unsafe.Pointer, visit func(child unsafe.Pointer))

// DropFunc runs an object's destructor exactly once, at the point the
// collector has determined it is unreachable.
type DropFunc func(obj unsafe.Pointer)

// TypeDescriptor pairs a type's trace and (optional) drop functions with
// its stable type ID.
type TypeDescriptor struct {
	TypeID uint32
	Trace  TraceFunc
	Drop   DropFunc // nil if the type needs no finalization
}

// typeTable is the process-wide, append-only registry of type
// descriptors keyed by type ID (spec.md §4.1, "global type registry
// keyed by type-id hash"). Collisions are a hash map, not a
// direct-indexed array, per SPEC_FULL.md §9.1 / gc_info_table.rs.
type typeTable struct {
	mu    sync.RWMutex
	byID  map[uint32]*TypeDescriptor
}

var globalTypeTable = &typeTable{byID: make(map[uint32]*TypeDescriptor)}

// Register adds desc to the global type table. Re-registering the same
// TypeID with a different *TypeDescriptor panics: two distinct type
// descriptors hashing to the same ID is a programmer error (a broken
// hash, not a runtime condition to recover from).
func Register(desc *TypeDescriptor) {
	globalTypeTable.mu.Lock()
	defer globalTypeTable.mu.Unlock()
	if existing, ok := globalTypeTable.byID[desc.TypeID]; ok && existing != desc {
		panic(fmt.Sprintf("header: type id %#x already registered to a different descriptor", desc.TypeID))
	}
	globalTypeTable.byID[desc.TypeID] = desc
}

// Lookup returns the descriptor registered for id, if any.
func Lookup(id uint32) (*TypeDescriptor, bool) {
	globalTypeTable.mu.RLock()
	defer globalTypeTable.mu.RUnlock()
	d, ok := globalTypeTable.byID[id]
	return d, ok
}
