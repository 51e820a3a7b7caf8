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

// Package semispace implements the copying SemiSpace collector policy
// of spec.md §4.9.1: two bump-pointer spaces traded each cycle, plus a
// shared large object space for allocations too big to copy cheaply.
package semispace

import (
	"sync"
	"time"
	"unsafe"

	"github.com/cometgc/comet/pkg/bumpspace"
	"github.com/cometgc/comet/pkg/constraint"
	"github.com/cometgc/comet/pkg/gcconfig"
	"github.com/cometgc/comet/pkg/gclog"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/los"
	"github.com/cometgc/comet/pkg/mutator"
	"github.com/cometgc/comet/pkg/safepoint"
	"github.com/cometgc/comet/pkg/shadowstack"
	"github.com/cometgc/comet/pkg/stats"
	"github.com/cometgc/comet/pkg/tlab"
	"github.com/cometgc/comet/pkg/vmregion"
	"github.com/cometgc/comet/pkg/weak"
)

// LargeCutoff is the boundary at or above which an allocation bypasses
// both spaces and goes straight to LOS (spec.md §8, "boundary behaviors").
const LargeCutoff = tlab.RefillSize

// Policy is the SemiSpace collector: from_space/to_space plus a shared
// large object space (spec.md §4.9.1).
type Policy struct {
	region *vmregion.Region
	large  *los.Space

	spaceMu            sync.Mutex // guards the from/to swap itself
	fromSpace, toSpace *bumpspace.Space

	weakRefs    weak.List
	finalizers  weak.Queue
	constraints constraint.List
	sp          *safepoint.Controller
	log         *gclog.Logger

	mu       sync.Mutex
	mutators map[*mutator.Handle]struct{}
	cycle    int
}

// New reserves a SemiSpace heap of opts.HeapSize bytes split evenly
// between the two semispaces.
func New(opts gcconfig.Options) (*Policy, error) {
	half := uintptr(opts.HeapSize) / 2
	region, err := vmregion.Reserve(uintptr(opts.HeapSize))
	if err != nil {
		return nil, err
	}
	from, err := bumpspace.New(region, 0, half)
	if err != nil {
		return nil, err
	}
	to, err := bumpspace.New(region, half, half)
	if err != nil {
		return nil, err
	}
	return &Policy{
		region:    region,
		large:     los.New(),
		fromSpace: from,
		toSpace:   to,
		sp:        safepoint.NewController(),
		log:       gclog.New(opts.Verbose),
		mutators:  make(map[*mutator.Handle]struct{}),
	}, nil
}

// Attach registers a new mutator with a bump TLAB.
func (p *Policy) Attach() *mutator.Handle {
	h := mutator.Attach(p.sp)
	h.TLAB = &tlab.Bump{}
	p.mu.Lock()
	p.mutators[h] = struct{}{}
	p.mu.Unlock()
	return h
}

// Detach unregisters h.
func (p *Policy) Detach(h *mutator.Handle) {
	p.mu.Lock()
	delete(p.mutators, h)
	p.mu.Unlock()
	mutator.Detach(p.sp, h)
}

// AddConstraint registers a before/after-mark callback (spec.md §6).
func (p *Policy) AddConstraint(phase constraint.Phase, fn constraint.Func) {
	p.constraints.Add(phase, fn)
}

// RegisterWeak creates a weak reference to obj.
func (p *Policy) RegisterWeak(obj unsafe.Pointer) *weak.Ref {
	return p.weakRefs.Register(header.HeaderOf(obj))
}

// RegisterFinalizer queues obj's destructor to run once it is
// unreachable.
func (p *Policy) RegisterFinalizer(obj unsafe.Pointer, desc *header.TypeDescriptor) {
	p.finalizers.Register(header.HeaderOf(obj), desc)
}

func alignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }

func granulesFor(size uintptr) uintptr { return (size + header.Granule - 1) / header.Granule }

// Allocate bump-allocates size bytes for a new object of the given
// type, retrying once after a collection on failure, and aborting on a
// second failure (spec.md §4.9.1: "promotion allocation failure into
// to_space ⇒ abort").
func (p *Policy) Allocate(h *mutator.Handle, size uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	granules := granulesFor(size)
	if granules <= header.MaxSmallGranules && size < LargeCutoff {
		if addr := p.allocSmall(h, size); addr != 0 {
			return p.initObject(addr, size, granules, desc)
		}
		p.Collect()
		if addr := p.allocSmall(h, size); addr != 0 {
			return p.initObject(addr, size, granules, desc)
		}
		p.log.Fatalf("semispace: out of memory allocating %d bytes", size)
	}
	hdr := p.large.Allocate(size, desc)
	return hdr.Object()
}

func (p *Policy) initObject(cellAddr, size, granules uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	obj := unsafe.Pointer(cellAddr + header.Size)
	h := header.HeaderOf(obj)
	h.Init(desc, uint16(granules))
	return obj
}

func (p *Policy) allocSmall(h *mutator.Handle, size uintptr) uintptr {
	cellSize := alignUp(header.Size+size, header.Alignment)
	b := h.TLAB.(*tlab.Bump)
	if !tlab.CanThreadLocalAllocateBump(cellSize) {
		p.spaceMu.Lock()
		to := p.toSpace
		p.spaceMu.Unlock()
		return to.Alloc(cellSize)
	}
	if addr, err := b.Allocate(cellSize); err == nil {
		return addr
	}
	p.spaceMu.Lock()
	to := p.toSpace
	p.spaceMu.Unlock()
	refill := to.Alloc(tlab.RefillSize)
	if refill == 0 {
		return 0
	}
	b.Refill(refill, tlab.RefillSize)
	if addr, err := b.Allocate(cellSize); err == nil {
		return addr
	}
	return 0
}

// Collect runs one SemiSpace cycle, tracing from every mutator's shadow
// stack plus any extraRoots (spec.md §6: "collect(keep)").
func (p *Policy) Collect(extraRoots ...unsafe.Pointer) stats.Snapshot {
	start := time.Now()
	before := p.toSpace.Used() + p.large.Bytes()

	var markStack []unsafe.Pointer
	var freedLOS int
	var freedBytes uintptr

	p.sp.Arm(func() {
		p.spaceMu.Lock()
		p.fromSpace, p.toSpace = p.toSpace, p.fromSpace
		from, to := p.fromSpace, p.toSpace
		p.spaceMu.Unlock()

		p.large.PrepareForMarking(false)
		p.large.PrepareForConservativeScan()

		trace := func(rootAddr *unsafe.Pointer) {
			addr := uintptr(*rootAddr)
			if addr == 0 {
				return
			}
			if header.IsPreciseAllocated(addr) {
				if found, wasSet := p.large.MarkIfContains(addr); found && !wasSet {
					markStack = append(markStack, *rootAddr)
				}
				return
			}
			h := header.HeaderOf(*rootAddr)
			if h.Forwarded() {
				*rootAddr = h.ForwardingAddress()
				return
			}
			size := h.SizeBytes()
			cellSize := alignUp(header.Size+size, header.Alignment)
			newCell := to.Alloc(cellSize)
			if newCell == 0 {
				p.log.Fatalf("semispace: out of memory copying %d bytes", size)
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(newCell)), cellSize),
				unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(h)))), cellSize))
			newObj := unsafe.Pointer(newCell + header.Size)
			h.ForwardTo(newObj)
			*rootAddr = newObj
			markStack = append(markStack, newObj)
		}

		p.constraints.Run(constraint.BeforeMark)

		p.mu.Lock()
		for mh := range p.mutators {
			mh.Shadow.Walk(func(child unsafe.Pointer) {
				ptr := child
				trace(&ptr)
			})
		}
		p.mu.Unlock()
		for i := range extraRoots {
			trace(&extraRoots[i])
		}

		for len(markStack) > 0 {
			obj := markStack[len(markStack)-1]
			markStack = markStack[:len(markStack)-1]
			h := header.HeaderOf(obj)
			if h.Forwarded() || h.Free() {
				continue
			}
			desc := h.Descriptor()
			if desc.Trace != nil {
				desc.Trace(obj, func(child unsafe.Pointer) {
					ptr := child
					trace(&ptr)
					_ = ptr
				})
			}
		}

		p.weakRefs.AfterMark(
			func(h *header.ObjectHeader) bool { return h.Forwarded() },
			func(h *header.ObjectHeader) unsafe.Pointer { return h.ForwardingAddress() },
		)
		p.finalizers.Drain(
			func(h *header.ObjectHeader) bool { return h.Forwarded() },
			func(entry weak.FinalizerEntry) {
				p.finalizers.Register(header.HeaderOf(entry.Header.ForwardingAddress()), entry.Desc)
			},
		)

		p.constraints.Run(constraint.AfterMark)

		freedLOS, freedBytes = p.large.Sweep()
		from.Reset()
		p.cycle++
	})

	_ = freedBytes
	return stats.Snapshot{
		Kind:         stats.Full,
		Cycle:        p.cycle,
		BytesBefore:  before,
		BytesAfter:   p.toSpace.Used() + p.large.Bytes(),
		ObjectsFreed: freedLOS,
		Pause:        time.Since(start),
	}
}

// Inspect visits every live header in the to-space's in-use range and
// in LOS; from-space is not walked (spec.md §6: "inspect(callback)").
func (p *Policy) Inspect(visit func(*header.ObjectHeader)) {
	p.spaceMu.Lock()
	to := p.toSpace
	p.spaceMu.Unlock()

	for addr := to.Base(); addr < to.Base()+to.Used(); {
		h := header.HeaderOf(unsafe.Pointer(addr + header.Size))
		if h.Free() {
			break
		}
		visit(h)
		addr += alignUp(header.Size+h.SizeBytes(), header.Alignment)
	}
	for _, pa := range p.large.Snapshot() {
		visit(pa.Header())
	}
}

// NewShadowEntry is a convenience for callers that want to push a root
// without importing pkg/shadowstack directly.
func NewShadowEntry(h *mutator.Handle, trace shadowstack.TraceFunc, value unsafe.Pointer) *shadowstack.Entry {
	return h.Shadow.Push(trace, value)
}
