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

// Package mutator defines the per-thread state created when a thread
// attaches to a heap and destroyed on detach (spec.md §2 component 10,
// §3 "Mutator lifecycle"): a TLAB, a shadow stack, a safepoint state
// machine, and a reference back to the owning heap.
package mutator

import (
	"github.com/cometgc/comet/pkg/safepoint"
	"github.com/cometgc/comet/pkg/shadowstack"
)

// Handle is a mutator's attached state. Its TLAB field is
// policy-specific (*tlab.Bump for SemiSpace/MiniMark, *tlab.Run for
// MarkSweep, *immix.Allocator for Immix) and is type-asserted by the
// owning policy package; Handle itself stays policy-agnostic so
// pkg/heap can manage attach/detach uniformly across policies.
type Handle struct {
	Safepoint *safepoint.Mutator
	Shadow    shadowstack.Stack
	TLAB      any

	detached bool
}

// Attach registers a new mutator with sp and returns its handle. The
// handle starts in the safepoint.Unsafe state; callers should
// EnterSafe before any operation that might block unboundedly.
func Attach(sp *safepoint.Controller) *Handle {
	return &Handle{Safepoint: sp.Attach()}
}

// Detach unregisters the mutator. Detaching twice, or a handle that was
// never attached, panics (spec.md §7: "programmer error").
func Detach(sp *safepoint.Controller, h *Handle) {
	if h.detached {
		panic("mutator: detach of already-detached handle")
	}
	sp.Detach(h.Safepoint)
	h.detached = true
}

// Poll checks in at a safepoint, parking if the collector has armed
// one. Returns true if this call parked the mutator.
func (h *Handle) Poll() bool { return h.Safepoint.Poll() }
