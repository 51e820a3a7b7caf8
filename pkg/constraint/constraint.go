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

// Package constraint implements the two-phase marking-constraint list
// of spec.md §6's `add_constraint`, carried as a single registration
// call tagged with a Phase rather than two separate callback lists
// (SPEC_FULL.md §9.1, grounded on collection_barrier.rs). Every policy
// package depends on this instead of on pkg/heap, which depends on the
// policies, to avoid an import cycle.
package constraint

import "sync"

// Phase names the point in a collection cycle a constraint runs at.
type Phase int

const (
	// BeforeMark runs after roots are identified but before the mark
	// stack is drained (spec.md §4.9.3 step 4).
	BeforeMark Phase = iota
	// AfterMark runs once the mark stack is empty but before sweep/
	// evacuation finalizes (spec.md §4.9.3 step 6).
	AfterMark
)

// Func is a registered constraint callback.
type Func func()

// List is a policy's registered constraints, run in registration order
// within each phase.
type List struct {
	mu     sync.Mutex
	before []Func
	after  []Func
}

// Add registers fn to run every cycle at the given phase.
func (l *List) Add(phase Phase, fn Func) {
	l.mu.Lock()
	defer l.mu.Unlock()
	switch phase {
	case BeforeMark:
		l.before = append(l.before, fn)
	case AfterMark:
		l.after = append(l.after, fn)
	}
}

// Run invokes every constraint registered for phase, in registration
// order.
func (l *List) Run(phase Phase) {
	l.mu.Lock()
	var fns []Func
	if phase == BeforeMark {
		fns = append(fns, l.before...)
	} else {
		fns = append(fns, l.after...)
	}
	l.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}
