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

// Package minimark implements the two-generation MiniMark collector
// policy of spec.md §4.9.4: a bump-pointer nursery, a segregated
// free-list old space, a shared LOS, a remembered set fed by an
// always-on write barrier, and separate young/old weak-ref and
// finalizer queues.
package minimark

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cometgc/comet/pkg/bumpspace"
	"github.com/cometgc/comet/pkg/constraint"
	"github.com/cometgc/comet/pkg/freelist"
	"github.com/cometgc/comet/pkg/gcconfig"
	"github.com/cometgc/comet/pkg/gclog"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/los"
	"github.com/cometgc/comet/pkg/mutator"
	"github.com/cometgc/comet/pkg/safepoint"
	"github.com/cometgc/comet/pkg/stats"
	"github.com/cometgc/comet/pkg/tlab"
	"github.com/cometgc/comet/pkg/vmregion"
	"github.com/cometgc/comet/pkg/weak"
)

// LargeCutoff is the boundary at or above which an allocation bypasses
// the nursery entirely and goes to LOS.
const LargeCutoff = tlab.RefillSize

// Policy is the MiniMark collector.
type Policy struct {
	nurseryRegion *vmregion.Region
	oldRegion     *vmregion.Region

	nursery *bumpspace.Space
	old     *freelist.Space
	large   *los.Space

	rememberedMu sync.Mutex
	remembered   []*header.ObjectHeader

	youngWeakRefs, oldWeakRefs     weak.List
	youngFinalizers, oldFinalizers weak.Queue

	constraints constraint.List
	sp          *safepoint.Controller
	log         *gclog.Logger

	mu       sync.Mutex
	mutators map[*mutator.Handle]struct{}

	markColor bool // old-generation color, toggled each major cycle

	minHeapSize              uintptr
	majorCollectionThreshold float64
	growthRateMax            float64
	previousInitial          uintptr
	majorThreshold           uintptr // atomic

	cycle int
}

// New reserves a MiniMark heap: a fixed-size nursery and an
// independently growable old-generation region.
func New(opts gcconfig.Options) (*Policy, error) {
	nurseryRegion, err := vmregion.Reserve(uintptr(opts.NurserySize))
	if err != nil {
		return nil, err
	}
	nursery, err := bumpspace.New(nurseryRegion, 0, uintptr(opts.NurserySize))
	if err != nil {
		return nil, err
	}
	oldRegion, err := vmregion.Reserve(uintptr(opts.Capacity))
	if err != nil {
		return nil, err
	}
	return &Policy{
		nurseryRegion:            nurseryRegion,
		oldRegion:                oldRegion,
		nursery:                  nursery,
		old:                      freelist.New(oldRegion),
		large:                    los.New(),
		minHeapSize:              uintptr(opts.MinHeapSize),
		majorCollectionThreshold: opts.MajorCollectionThreshold,
		growthRateMax:            opts.GrowthRateMax,
		previousInitial:          uintptr(opts.InitialSize),
		majorThreshold:           uintptr(float64(opts.InitialSize) * opts.MajorCollectionThreshold),
		sp:                       safepoint.NewController(),
		log:                      gclog.New(opts.Verbose),
		mutators:                 make(map[*mutator.Handle]struct{}),
		markColor:                true,
	}, nil
}

// Attach registers a new mutator with a bump TLAB over the nursery.
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

// AddConstraint registers a before/after-mark callback.
func (p *Policy) AddConstraint(phase constraint.Phase, fn constraint.Func) {
	p.constraints.Add(phase, fn)
}

func alignUp(v, align uintptr) uintptr { return (v + align - 1) &^ (align - 1) }

func granulesFor(size uintptr) uintptr { return (size + header.Granule - 1) / header.Granule }

// isOld reports whether h's object currently lives in the old
// generation: not in the nursery, and, for a LOS object, promoted
// (its mark bit set) (spec.md §4.8: "A young LOS object is considered
// old iff its LOS mark bit is set").
func (p *Policy) isOld(h *header.ObjectHeader) bool {
	addr := uintptr(h.Object())
	if header.IsPreciseAllocated(addr) {
		if pa := p.large.Lookup(addr); pa != nil {
			return pa.Marked()
		}
		return false
	}
	return !p.nursery.Contains(addr - header.Size)
}

// WriteBarrier records that obj may now hold a reference to a young
// object, if obj is itself old (spec.md §4.8). Call after writing any
// reference-typed field into obj.
func (p *Policy) WriteBarrier(obj unsafe.Pointer) {
	h := header.HeaderOf(obj)
	if !p.isOld(h) || h.Remembered() {
		return
	}
	h.SetRemembered()
	p.rememberedMu.Lock()
	p.remembered = append(p.remembered, h)
	p.rememberedMu.Unlock()
}

// RegisterWeak creates a weak reference to obj, filing it in the
// generation obj currently belongs to.
func (p *Policy) RegisterWeak(obj unsafe.Pointer) *weak.Ref {
	h := header.HeaderOf(obj)
	if p.isOld(h) {
		return p.oldWeakRefs.Register(h)
	}
	return p.youngWeakRefs.Register(h)
}

// RegisterFinalizer queues obj's destructor in the generation obj
// currently belongs to.
func (p *Policy) RegisterFinalizer(obj unsafe.Pointer, desc *header.TypeDescriptor) {
	h := header.HeaderOf(obj)
	if p.isOld(h) {
		p.oldFinalizers.Register(h, desc)
	} else {
		p.youngFinalizers.Register(h, desc)
	}
}

// Allocate bump-allocates size bytes from the nursery, triggering a
// minor collection and, failing that, aborting (spec.md §4.9.4, §7).
func (p *Policy) Allocate(h *mutator.Handle, size uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	granules := granulesFor(size)
	if granules <= header.MaxSmallGranules && size < LargeCutoff {
		if addr := p.allocSmall(h, size); addr != 0 {
			return p.initObject(addr, granules, desc)
		}
		p.MinorCollection()
		if addr := p.allocSmall(h, size); addr != 0 {
			return p.initObject(addr, granules, desc)
		}
		p.log.Fatalf("minimark: out of memory allocating %d bytes", size)
	}
	hdr := p.large.Allocate(size, desc)
	return hdr.Object()
}

func (p *Policy) initObject(cellAddr, granules uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	obj := unsafe.Pointer(cellAddr + header.Size)
	header.HeaderOf(obj).Init(desc, uint16(granules))
	return obj
}

func (p *Policy) allocSmall(h *mutator.Handle, size uintptr) uintptr {
	cellSize := alignUp(header.Size+size, header.Alignment)
	b := h.TLAB.(*tlab.Bump)
	if !tlab.CanThreadLocalAllocateBump(cellSize) {
		return p.nursery.Alloc(cellSize)
	}
	if addr, err := b.Allocate(cellSize); err == nil {
		return addr
	}
	refill := p.nursery.Alloc(tlab.RefillSize)
	if refill == 0 {
		return 0
	}
	b.Refill(refill, tlab.RefillSize)
	if addr, err := b.Allocate(cellSize); err == nil {
		return addr
	}
	return 0
}

func (p *Policy) resolveHeader(h *header.ObjectHeader) *header.ObjectHeader {
	if h.Forwarded() {
		return header.HeaderOf(h.ForwardingAddress())
	}
	return h
}

// MinorCollection runs one MiniMark minor cycle (spec.md §4.9.4), and
// escalates to a major cycle if the resulting old+LOS footprint
// exceeds the current major threshold.
func (p *Policy) MinorCollection(extraRoots ...unsafe.Pointer) stats.Snapshot {
	start := time.Now()
	before := p.nursery.Used() + p.old.BytesAllocated() + p.large.Bytes()

	var markStack []unsafe.Pointer
	var freedLOS int
	var freedLOSBytes uintptr
	var needMajor bool

	p.sp.Arm(func() {
		p.large.PrepareForMarking(true)
		p.large.PrepareForConservativeScan()

		markColor := p.markColor

		traceDragOut := func(rootAddr *unsafe.Pointer) {
			addr := uintptr(*rootAddr)
			if addr == 0 {
				return
			}
			if header.IsPreciseAllocated(addr) {
				if found := p.large.PromoteIfContains(addr); found {
					markStack = append(markStack, *rootAddr)
				}
				return
			}
			cellAddr := addr - header.Size
			if !p.nursery.Contains(cellAddr) {
				return // old: reached transitively via the remembered set
			}
			h := header.HeaderOf(unsafe.Pointer(addr))
			if h.Forwarded() {
				*rootAddr = h.ForwardingAddress()
				return
			}
			size := h.SizeBytes()
			cellSize := alignUp(header.Size+size, header.Alignment)
			newAddr, _, ok := p.old.Alloc(cellSize)
			if !ok {
				p.log.Fatalf("minimark: out of memory promoting %d bytes", size)
			}
			copy(unsafe.Slice((*byte)(unsafe.Pointer(newAddr)), cellSize),
				unsafe.Slice((*byte)(unsafe.Pointer(uintptr(unsafe.Pointer(h)))), cellSize))
			newObj := unsafe.Pointer(newAddr + header.Size)
			h.ForwardTo(newObj)
			p.setColor(header.HeaderOf(newObj), markColor)
			*rootAddr = newObj
			markStack = append(markStack, newObj)
		}

		p.mu.Lock()
		for mh := range p.mutators {
			mh.Shadow.Walk(func(child unsafe.Pointer) {
				ptr := child
				traceDragOut(&ptr)
			})
			mh.TLAB.(*tlab.Bump).Reset()
		}
		p.mu.Unlock()
		for i := range extraRoots {
			traceDragOut(&extraRoots[i])
		}

		p.rememberedMu.Lock()
		entries := p.remembered
		p.remembered = nil
		p.rememberedMu.Unlock()
		for _, h := range entries {
			h.ClearRemembered()
			if h.Free() {
				continue
			}
			if desc := h.Descriptor(); desc != nil && desc.Trace != nil {
				desc.Trace(h.Object(), func(child unsafe.Pointer) {
					ptr := child
					traceDragOut(&ptr)
				})
			}
		}

		for len(markStack) > 0 {
			obj := markStack[len(markStack)-1]
			markStack = markStack[:len(markStack)-1]
			h := header.HeaderOf(obj)
			if h.Free() {
				continue
			}
			if desc := h.Descriptor(); desc != nil && desc.Trace != nil {
				desc.Trace(obj, func(child unsafe.Pointer) {
					ptr := child
					traceDragOut(&ptr)
				})
			}
		}

		survivedMinor := func(h *header.ObjectHeader) bool {
			addr := uintptr(h.Object())
			if header.IsPreciseAllocated(addr) {
				_, marked := p.large.Live(addr)
				return marked
			}
			return h.Forwarded()
		}
		resolveMinor := func(h *header.ObjectHeader) unsafe.Pointer {
			if h.Forwarded() {
				return h.ForwardingAddress()
			}
			return h.Object()
		}
		p.youngWeakRefs.AfterMark(survivedMinor, resolveMinor)
		p.youngFinalizers.Drain(survivedMinor, func(e weak.FinalizerEntry) {
			p.oldFinalizers.Register(p.resolveHeader(e.Header), e.Desc)
		})

		freedLOS, freedLOSBytes = p.large.Sweep()
		p.nursery.Reset()

		needMajor = p.old.BytesAllocated()+p.large.Bytes() > atomic.LoadUintptr(&p.majorThreshold)
		p.cycle++
	})

	_ = freedLOSBytes
	snap := stats.Snapshot{
		Kind:         stats.Minor,
		Cycle:        p.cycle,
		BytesBefore:  before,
		BytesAfter:   p.nursery.Used() + p.old.BytesAllocated() + p.large.Bytes(),
		ObjectsFreed: freedLOS,
		Pause:        time.Since(start),
	}
	if needMajor {
		major := p.majorCollection()
		snap.Kind = stats.Full
		snap.BytesAfter = major.BytesAfter
		snap.ObjectsFreed += major.ObjectsFreed
		snap.Pause += major.Pause
	}
	return snap
}

func (p *Policy) setColor(h *header.ObjectHeader, color bool) {
	if color {
		h.SetMark()
	} else {
		h.ClearMark()
	}
}

// majorCollection runs one MiniMark major cycle (spec.md §4.9.4). It
// assumes a minor collection has just emptied the nursery, and must
// not be called while a safepoint is already armed.
func (p *Policy) majorCollection(extraRoots ...unsafe.Pointer) stats.Snapshot {
	start := time.Now()
	before := p.old.BytesAllocated() + p.large.Bytes()

	var markStack []unsafe.Pointer
	var freedLOS int
	var freedLOSBytes uintptr
	var freedOldBytes uintptr

	p.sp.Arm(func() {
		p.large.PrepareForMarking(false)
		p.large.PrepareForConservativeScan()
		p.large.BeginMarking(true)

		markColor := p.markColor

		traceOld := func(addr uintptr) {
			if addr == 0 {
				return
			}
			if header.IsPreciseAllocated(addr) {
				if found, wasSet := p.large.MarkIfContains(addr); found && !wasSet {
					markStack = append(markStack, unsafe.Pointer(addr))
				}
				return
			}
			// The nursery is empty during a major cycle; every
			// remaining non-LOS pointer is an old_space object.
			h := header.HeaderOf(unsafe.Pointer(addr))
			if h.Mark() == markColor {
				return
			}
			p.setColor(h, markColor)
			markStack = append(markStack, unsafe.Pointer(addr))
		}

		p.constraints.Run(constraint.BeforeMark)

		p.mu.Lock()
		for mh := range p.mutators {
			mh.Shadow.Walk(func(child unsafe.Pointer) { traceOld(uintptr(child)) })
		}
		p.mu.Unlock()
		for _, r := range extraRoots {
			traceOld(uintptr(r))
		}

		for len(markStack) > 0 {
			obj := markStack[len(markStack)-1]
			markStack = markStack[:len(markStack)-1]
			h := header.HeaderOf(obj)
			if h.Free() {
				continue
			}
			if desc := h.Descriptor(); desc != nil && desc.Trace != nil {
				desc.Trace(obj, func(child unsafe.Pointer) { traceOld(uintptr(child)) })
			}
		}

		p.constraints.Run(constraint.AfterMark)

		isLiveOld := func(h *header.ObjectHeader) bool {
			addr := uintptr(h.Object())
			if header.IsPreciseAllocated(addr) {
				_, marked := p.large.Live(addr)
				return marked
			}
			return h.Mark() == markColor
		}
		p.oldWeakRefs.AfterMark(isLiveOld, func(h *header.ObjectHeader) unsafe.Pointer { return h.Object() })
		p.oldFinalizers.Drain(isLiveOld, func(e weak.FinalizerEntry) {
			p.oldFinalizers.Register(e.Header, e.Desc)
		})

		var dead []uintptr
		p.old.VisitLive(func(addr uintptr) {
			h := header.HeaderOf(unsafe.Pointer(addr + header.Size))
			if h.Mark() != markColor {
				h.Reset()
				dead = append(dead, addr)
			}
		})
		freedOldBytes = p.old.BulkFree(dead)
		freedLOS, freedLOSBytes = p.large.Sweep()

		p.markColor = !p.markColor

		liveBytes := p.old.BytesAllocated() + p.large.Bytes()
		next := uintptr(float64(p.previousInitial) * p.growthRateMax)
		if next < p.minHeapSize {
			next = p.minHeapSize
		}
		if target := uintptr(float64(liveBytes) * p.majorCollectionThreshold); target > next {
			next = target
		}
		atomic.StoreUintptr(&p.majorThreshold, next)
		p.previousInitial = liveBytes

		p.cycle++
	})

	_ = freedLOSBytes
	_ = freedOldBytes
	return stats.Snapshot{
		Kind:         stats.Full,
		Cycle:        p.cycle,
		BytesBefore:  before,
		BytesAfter:   p.old.BytesAllocated() + p.large.Bytes(),
		ObjectsFreed: freedLOS,
		Pause:        time.Since(start),
	}
}

// Collect runs a full (major) collection on demand, e.g. from
// pkg/heap's explicit full_collection operation.
func (p *Policy) Collect(extraRoots ...unsafe.Pointer) stats.Snapshot {
	minor := p.MinorCollection(extraRoots...)
	if minor.Kind == stats.Full {
		return minor
	}
	major := p.majorCollection(extraRoots...)
	major.BytesBefore = minor.BytesBefore
	major.Pause += minor.Pause
	major.ObjectsFreed += minor.ObjectsFreed
	return major
}

// Inspect visits every live header across the old space and LOS; the
// nursery is not walked since it holds no headers with a stable
// identity between minor collections (spec.md §6: "inspect(callback)").
func (p *Policy) Inspect(visit func(*header.ObjectHeader)) {
	p.old.VisitLive(func(addr uintptr) {
		visit(header.HeaderOf(unsafe.Pointer(addr + header.Size)))
	})
	for _, pa := range p.large.Snapshot() {
		visit(pa.Header())
	}
}
