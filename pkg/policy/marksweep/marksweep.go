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

// Package marksweep implements the free-list MarkSweep collector
// policy of spec.md §4.9.2: a segregated free-list space plus LOS,
// marked with a two-color (unmarked/marked) scheme and reclaimed by a
// live/mark bitmap swap rather than a clear.
package marksweep

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cometgc/comet/pkg/constraint"
	"github.com/cometgc/comet/pkg/freelist"
	"github.com/cometgc/comet/pkg/gcconfig"
	"github.com/cometgc/comet/pkg/gclog"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/los"
	"github.com/cometgc/comet/pkg/markbitmap"
	"github.com/cometgc/comet/pkg/mutator"
	"github.com/cometgc/comet/pkg/safepoint"
	"github.com/cometgc/comet/pkg/stats"
	"github.com/cometgc/comet/pkg/tlab"
	"github.com/cometgc/comet/pkg/vmregion"
	"github.com/cometgc/comet/pkg/weak"
)

// Policy is the MarkSweep collector: an opaque segregated free-list
// space, LOS, a mark stack, and a proactive allocation threshold
// (spec.md §4.9.2, §8 scenario 5).
type Policy struct {
	region *vmregion.Region
	space  *freelist.Space
	large  *los.Space

	growthLimit uintptr
	threshold   uintptr // atomic; proactive collection trigger

	lowMemoryMode bool

	weakRefs    weak.List
	finalizers  weak.Queue
	constraints constraint.List
	sp          *safepoint.Controller
	log         *gclog.Logger

	mu       sync.Mutex
	mutators map[*mutator.Handle]struct{}
	cycle    int
}

// New reserves a MarkSweep heap with a region sized to opts.Capacity.
func New(opts gcconfig.Options) (*Policy, error) {
	region, err := vmregion.Reserve(uintptr(opts.Capacity))
	if err != nil {
		return nil, err
	}
	return &Policy{
		region:        region,
		space:         freelist.New(region),
		large:         los.New(),
		growthLimit:   uintptr(opts.GrowthLimit),
		threshold:     uintptr(opts.InitialSize),
		lowMemoryMode: opts.LowMemoryMode,
		sp:            safepoint.NewController(),
		log:           gclog.New(opts.Verbose),
		mutators:      make(map[*mutator.Handle]struct{}),
	}, nil
}

// Attach registers a new mutator with a run-array TLAB.
func (p *Policy) Attach() *mutator.Handle {
	h := mutator.Attach(p.sp)
	h.TLAB = tlab.NewRun(p.space)
	p.mu.Lock()
	p.mutators[h] = struct{}{}
	p.mu.Unlock()
	return h
}

// Detach revokes h's cached runs and unregisters it.
func (p *Policy) Detach(h *mutator.Handle) {
	h.TLAB.(*tlab.Run).Revoke()
	p.mu.Lock()
	delete(p.mutators, h)
	p.mu.Unlock()
	mutator.Detach(p.sp, h)
}

// AddConstraint registers a before/after-mark callback.
func (p *Policy) AddConstraint(phase constraint.Phase, fn constraint.Func) {
	p.constraints.Add(phase, fn)
}

// RegisterWeak creates a weak reference to obj.
func (p *Policy) RegisterWeak(obj unsafe.Pointer) *weak.Ref {
	return p.weakRefs.Register(header.HeaderOf(obj))
}

// RegisterFinalizer queues obj's destructor.
func (p *Policy) RegisterFinalizer(obj unsafe.Pointer, desc *header.TypeDescriptor) {
	p.finalizers.Register(header.HeaderOf(obj), desc)
}

func granulesFor(size uintptr) uintptr { return (size + header.Granule - 1) / header.Granule }

// Allocate allocates size bytes for a new object, triggering a
// collection and, failing that, growing the footprint up to
// growth_limit before a final retry; an allocation still impossible
// after that is an abort (spec.md §4.9.2, §7).
func (p *Policy) Allocate(h *mutator.Handle, size uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	granules := granulesFor(size)
	if granules <= header.MaxSmallGranules {
		if addr, ok := p.allocSmall(h, size); ok {
			return p.initObject(addr, granules, desc)
		}
		p.Collect()
		if addr, ok := p.allocSmall(h, size); ok {
			return p.initObject(addr, granules, desc)
		}
		cur := p.space.BytesAllocated() + p.large.Bytes()
		if cur+size <= p.growthLimit {
			atomic.StoreUintptr(&p.threshold, cur+size)
			if addr, ok := p.allocSmall(h, size); ok {
				return p.initObject(addr, granules, desc)
			}
		}
		p.log.Fatalf("marksweep: out of memory allocating %d bytes", size)
	}
	hdr := p.large.Allocate(size, desc)
	return hdr.Object()
}

func (p *Policy) initObject(cellAddr, granules uintptr, desc *header.TypeDescriptor) unsafe.Pointer {
	obj := unsafe.Pointer(cellAddr + header.Size)
	header.HeaderOf(obj).Init(desc, uint16(granules))
	return obj
}

// allocSmall gates on the proactive threshold, then the run-array TLAB
// (which itself refills from the global space on a class-run miss).
func (p *Policy) allocSmall(h *mutator.Handle, size uintptr) (uintptr, bool) {
	cur := p.space.BytesAllocated() + p.large.Bytes()
	if cur+size > atomic.LoadUintptr(&p.threshold) {
		return 0, false
	}
	return h.TLAB.(*tlab.Run).Allocate(size)
}

func (p *Policy) isLive(h *header.ObjectHeader, mark *markbitmap.Bitmap) bool {
	addr := uintptr(h.Object())
	if header.IsPreciseAllocated(addr) {
		_, marked := p.large.Live(addr)
		return marked
	}
	return mark.Test(addr - header.Size)
}

// Collect runs one MarkSweep cycle (spec.md §4.9.2).
func (p *Policy) Collect(extraRoots ...unsafe.Pointer) stats.Snapshot {
	start := time.Now()
	before := p.space.BytesAllocated() + p.large.Bytes()

	var markStack []unsafe.Pointer
	var freedLOSBytes uintptr
	var freedLOS int
	var freedSmallBytes uintptr

	p.sp.Arm(func() {
		p.large.PrepareForMarking(false)
		p.large.PrepareForConservativeScan()
		mark := p.space.MarkBitmap()

		trace := func(addr uintptr) {
			if addr == 0 {
				return
			}
			if header.IsPreciseAllocated(addr) {
				if found, wasSet := p.large.MarkIfContains(addr); found && !wasSet {
					markStack = append(markStack, unsafe.Pointer(addr))
				}
				return
			}
			if mark.TestAndSet(addr - header.Size) {
				return
			}
			markStack = append(markStack, unsafe.Pointer(addr))
		}

		p.constraints.Run(constraint.BeforeMark)

		p.mu.Lock()
		for mh := range p.mutators {
			mh.Shadow.Walk(func(child unsafe.Pointer) { trace(uintptr(child)) })
		}
		p.mu.Unlock()
		for _, r := range extraRoots {
			trace(uintptr(r))
		}

		for len(markStack) > 0 {
			obj := markStack[len(markStack)-1]
			markStack = markStack[:len(markStack)-1]
			h := header.HeaderOf(obj)
			if h.Free() {
				continue
			}
			if desc := h.Descriptor(); desc != nil && desc.Trace != nil {
				desc.Trace(obj, func(child unsafe.Pointer) { trace(uintptr(child)) })
			}
		}

		p.weakRefs.AfterMark(
			func(h *header.ObjectHeader) bool { return p.isLive(h, mark) },
			func(h *header.ObjectHeader) unsafe.Pointer { return h.Object() },
		)
		p.finalizers.Drain(
			func(h *header.ObjectHeader) bool { return p.isLive(h, mark) },
			func(entry weak.FinalizerEntry) { p.finalizers.Register(entry.Header, entry.Desc) },
		)

		p.constraints.Run(constraint.AfterMark)

		// Step 1: revoke every mutator's thread-local runs.
		p.mu.Lock()
		for mh := range p.mutators {
			mh.TLAB.(*tlab.Run).Revoke()
		}
		p.mu.Unlock()

		// Step 2: sweep the free-list space.
		var dead []uintptr
		p.space.Sweep(func(addr uintptr) {
			header.HeaderOf(unsafe.Pointer(addr + header.Size)).Reset()
			dead = append(dead, addr)
		})
		freedSmallBytes = p.space.BulkFree(dead)

		// Step 3: sweep LOS.
		freedLOS, freedLOSBytes = p.large.Sweep()

		// Step 4: swap live/mark bitmaps.
		p.space.SwapLiveMark()

		if p.lowMemoryMode {
			p.space.Trim()
		}

		// Step 5: next = max(min_free, min(max_free, bytes_allocated *
		// (1/0.75 - 1))) * 2 + bytes_allocated.
		allocated := p.space.BytesAllocated() + p.large.Bytes()
		growth := uintptr(float64(allocated) * (1/0.75 - 1))
		if growth < minFree {
			growth = minFree
		}
		if growth > maxFree {
			growth = maxFree
		}
		atomic.StoreUintptr(&p.threshold, growth*2+allocated)

		p.cycle++
	})

	_ = freedLOSBytes
	_ = freedSmallBytes
	return stats.Snapshot{
		Kind:         stats.Full,
		Cycle:        p.cycle,
		BytesBefore:  before,
		BytesAfter:   p.space.BytesAllocated() + p.large.Bytes(),
		ObjectsFreed: freedLOS,
		Pause:        time.Since(start),
	}
}

// minFree and maxFree bound the threshold-growth term of spec.md
// §4.9.2 step 5; the spec names the formula but not these constants, so
// they are picked in the style of a conservative-GC's pacing knobs (ART
// heap.cc's kMinFree/kMaxFree at a smaller scale, since this library
// targets embedded-style heaps rather than a full Android runtime).
const (
	minFree = 512 << 10
	maxFree = 8 << 20
)

// Inspect visits every live header across both the free-list space and
// LOS (spec.md §6: "inspect(callback)").
func (p *Policy) Inspect(visit func(*header.ObjectHeader)) {
	p.space.VisitLive(func(addr uintptr) {
		visit(header.HeaderOf(unsafe.Pointer(addr + header.Size)))
	})
	for _, pa := range p.large.Snapshot() {
		visit(pa.Header())
	}
}
