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

package main

import (
	"fmt"
	"unsafe"

	"github.com/cometgc/comet/pkg/gcconfig"
	"github.com/cometgc/comet/pkg/header"
	"github.com/cometgc/comet/pkg/heap"
	"github.com/cometgc/comet/pkg/policy/immixpolicy"
	"github.com/cometgc/comet/pkg/policy/marksweep"
	"github.com/cometgc/comet/pkg/policy/minimark"
	"github.com/cometgc/comet/pkg/policy/semispace"
)

// demoNode is the one type this demo program allocates: a linked-list
// cell with a traced next pointer, enough to exercise marking without
// pulling in a real embedder's type set.
type demoNode struct {
	next unsafe.Pointer
	tag  int
}

var demoDesc = &header.TypeDescriptor{
	TypeID: 0x444d4f00, // "DMO\0"
	Trace: func(obj unsafe.Pointer, visit func(unsafe.Pointer)) {
		n := (*demoNode)(obj)
		if n.next != nil {
			visit(n.next)
		}
	},
}

const demoNodeSize = unsafe.Sizeof(demoNode{})

func init() {
	header.Register(demoDesc)
}

// newDemoHeap builds a Heap over the named policy ("semispace",
// "marksweep", "immix", "minimark"), using the package's default
// budget.
func newDemoHeap(policyName string) (*heap.Heap, error) {
	opts := gcconfig.Default()
	switch policyName {
	case "semispace":
		p, err := semispace.New(opts)
		if err != nil {
			return nil, err
		}
		return heap.New(p), nil
	case "marksweep":
		p, err := marksweep.New(opts)
		if err != nil {
			return nil, err
		}
		return heap.New(p), nil
	case "immix":
		p, err := immixpolicy.New(opts)
		if err != nil {
			return nil, err
		}
		return heap.New(p), nil
	case "minimark":
		p, err := minimark.New(opts)
		if err != nil {
			return nil, err
		}
		return heap.New(p), nil
	default:
		return nil, fmt.Errorf("cometstat: unknown policy %q (want semispace, marksweep, immix, or minimark)", policyName)
	}
}

// populateDemoHeap allocates count linked demoNodes through a single
// attached mutator and returns the chain's head, through which every
// node is reachable, and a func that detaches that mutator.
func populateDemoHeap(h *heap.Heap, count int) (unsafe.Pointer, func()) {
	m := h.Attach()
	var head unsafe.Pointer
	for i := 0; i < count; i++ {
		obj := h.Allocate(m, demoNodeSize, demoDesc)
		n := (*demoNode)(obj)
		n.tag = i
		n.next = head
		head = obj
	}
	return head, func() { h.Detach(m) }
}
