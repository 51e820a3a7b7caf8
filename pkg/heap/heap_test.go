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

package heap_test

import (
	"testing"
	"unsafe"

	"golang.org/x/sync/errgroup"

	"github.com/cometgc/comet/pkg/gcconfig"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/heap"
	"github.com/cometgc/comet/pkg/mutator"
	"github.com/cometgc/comet/pkg/policy/immixpolicy"
	"github.com/cometgc/comet/pkg/policy/marksweep"
	"github.com/cometgc/comet/pkg/policy/minimark"
	"github.com/cometgc/comet/pkg/policy/semispace"
)

// nodeDesc is a small fixed-size type with one traced pointer field,
// used across this file's allocation tests.
var nodeDesc = &header.TypeDescriptor{
	TypeID: 0x4e4f4445, // "NODE"
	Trace: func(obj unsafe.Pointer, visit func(unsafe.Pointer)) {
		n := (*node)(obj)
		if n.next != nil {
			visit(n.next)
		}
	},
}

type node struct {
	next unsafe.Pointer
	val  int
}

func init() {
	header.Register(nodeDesc)
}

const nodeSize = unsafe.Sizeof(node{})

func smallOpts() gcconfig.Options {
	o := gcconfig.Default()
	o.HeapSize = 1 << 20
	o.MinHeapSize = 1 << 16
	o.MaxHeapSize = 4 << 20 // room for one 4 MiB Immix chunk
	o.InitialSize = 1 << 16
	o.GrowthLimit = 1 << 20
	o.Capacity = 1 << 20
	o.NurserySize = 1 << 16
	return o
}

// newTestHeaps builds one Heap per collector policy over a small fixed
// budget, for table-driven exercise of the uniform surface.
func newTestHeaps(t *testing.T) map[string]*heap.Heap {
	t.Helper()
	opts := smallOpts()

	ss, err := semispace.New(opts)
	if err != nil {
		t.Fatalf("semispace.New: %v", err)
	}
	ms, err := marksweep.New(opts)
	if err != nil {
		t.Fatalf("marksweep.New: %v", err)
	}
	mm, err := minimark.New(opts)
	if err != nil {
		t.Fatalf("minimark.New: %v", err)
	}
	ix, err := immixpolicy.New(opts)
	if err != nil {
		t.Fatalf("immixpolicy.New: %v", err)
	}

	return map[string]*heap.Heap{
		"semispace": heap.New(ss),
		"marksweep": heap.New(ms),
		"minimark":  heap.New(mm),
		"immix":     heap.New(ix),
	}
}

func TestAttachAllocateDetach(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			m := h.Attach()
			defer h.Detach(m)

			obj := h.Allocate(m, nodeSize, nodeDesc)
			if obj == nil {
				t.Fatal("Allocate returned nil")
			}
			n := (*node)(obj)
			n.val = 42
			if n.val != 42 {
				t.Fatalf("wrote 42, read %d", n.val)
			}
		})
	}
}

func TestCollectReclaimsUnreachable(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			m := h.Attach()
			defer h.Detach(m)

			for i := 0; i < 64; i++ {
				if h.Allocate(m, nodeSize, nodeDesc) == nil {
					t.Fatalf("Allocate failed at iteration %d", i)
				}
			}

			snap := h.Collect()
			if snap.BytesAfter > snap.BytesBefore {
				t.Fatalf("BytesAfter %d > BytesBefore %d with no roots kept", snap.BytesAfter, snap.BytesBefore)
			}

			stats := h.CycleStats()
			if len(stats) == 0 {
				t.Fatal("CycleStats recorded no snapshot after Collect")
			}
			if stats[len(stats)-1] != snap {
				t.Fatal("CycleStats' last entry does not match Collect's return value")
			}
		})
	}
}

func TestCollectKeepsExtraRoots(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			m := h.Attach()
			defer h.Detach(m)

			obj := h.Allocate(m, nodeSize, nodeDesc)
			(*node)(obj).val = 7

			// Collect reports an evacuating policy's new address back
			// through the same slice (spec.md §6: "collect(keep: &mut
			// [root])"); passing obj directly as a bare vararg would
			// build a throwaway slice the caller never sees updated.
			roots := []unsafe.Pointer{obj}
			h.Collect(roots...)
			obj = roots[0]

			if got := (*node)(obj).val; got != 7 {
				t.Fatalf("kept root's contents: got %d, want 7", got)
			}
		})
	}
}

func TestMinorCollectionFallsBackToFull(t *testing.T) {
	opts := smallOpts()
	ss, err := semispace.New(opts)
	if err != nil {
		t.Fatalf("semispace.New: %v", err)
	}
	h := heap.New(ss)
	m := h.Attach()
	defer h.Detach(m)

	h.Allocate(m, nodeSize, nodeDesc)
	snap := h.MinorCollection()
	if len(h.CycleStats()) != 1 {
		t.Fatalf("MinorCollection on a non-generational policy should still record one snapshot, got %d", len(h.CycleStats()))
	}
	_ = snap
}

func TestMinorCollectionRunsGenerationally(t *testing.T) {
	opts := smallOpts()
	mm, err := minimark.New(opts)
	if err != nil {
		t.Fatalf("minimark.New: %v", err)
	}
	h := heap.New(mm)
	m := h.Attach()
	defer h.Detach(m)

	h.Allocate(m, nodeSize, nodeDesc)
	snap := h.MinorCollection()
	if snap.Kind == "" {
		t.Fatal("MinorCollection returned a zero-value snapshot")
	}
}

func TestWriteBarrierNoopOnNonGenerationalPolicy(t *testing.T) {
	opts := smallOpts()
	ss, err := semispace.New(opts)
	if err != nil {
		t.Fatalf("semispace.New: %v", err)
	}
	h := heap.New(ss)
	m := h.Attach()
	defer h.Detach(m)

	obj := h.Allocate(m, nodeSize, nodeDesc)
	// Must not panic: SemiSpace implements no Barrier, so WriteBarrier
	// is a documented no-op.
	h.WriteBarrier(obj)
}

func TestRegisterWeakAndFinalizer(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			m := h.Attach()
			defer h.Detach(m)

			obj := h.Allocate(m, nodeSize, nodeDesc)
			ref := h.RegisterWeak(obj)
			if ref.Upgrade() != obj {
				t.Fatal("freshly registered weak ref did not upgrade to the live object")
			}

			finalized := false
			h.RegisterFinalizer(obj, &header.TypeDescriptor{
				TypeID: nodeDesc.TypeID,
				Trace:  nodeDesc.Trace,
				Drop:   func(unsafe.Pointer) { finalized = true },
			})
			_ = finalized // run is driven by the collector's sweep, not asserted synchronously here
		})
	}
}

func TestInspectVisitsAllocatedObjects(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			m := h.Attach()
			defer h.Detach(m)

			const n = 8
			for i := 0; i < n; i++ {
				if h.Allocate(m, nodeSize, nodeDesc) == nil {
					t.Fatalf("Allocate failed at iteration %d", i)
				}
			}

			seen := 0
			h.Inspect(func(*header.ObjectHeader) { seen++ })
			// Immix only enumerates LOS (see immixpolicy.Policy.Inspect):
			// small objects below LargeCutoff have no per-allocation
			// bookkeeping to walk, so a heap of only small objects
			// legitimately reports zero here.
			if name != "immix" && seen == 0 {
				t.Fatal("Inspect visited no headers after allocating objects")
			}
		})
	}
}

// spawnMutators attaches n mutators concurrently to h, runs fn on each,
// and detaches them, surfacing the first error via errgroup.
func spawnMutators(h *heap.Heap, n int, fn func(m *mutator.Handle) error) error {
	var g errgroup.Group
	for i := 0; i < n; i++ {
		g.Go(func() error {
			m := h.Attach()
			defer h.Detach(m)
			return fn(m)
		})
	}
	return g.Wait()
}

func TestConcurrentMutatorsAllocate(t *testing.T) {
	for name, h := range newTestHeaps(t) {
		h := h
		t.Run(name, func(t *testing.T) {
			err := spawnMutators(h, 4, func(m *mutator.Handle) error {
				for i := 0; i < 16; i++ {
					if h.Allocate(m, nodeSize, nodeDesc) == nil {
						t.Fatalf("Allocate returned nil under concurrent mutators")
					}
				}
				return nil
			})
			if err != nil {
				t.Fatalf("spawnMutators: %v", err)
			}
		})
	}
}
