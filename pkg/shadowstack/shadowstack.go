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

// Package shadowstack implements the precise root set maintained by a
// mutator: a singly linked, pointer-chased list of scope-local entries
// (spec.md §2 component 11, §4.7). The collector must never assume
// this forms a contiguous array.
package shadowstack

import "unsafe"

// TraceFunc visits the outgoing references of an entry's value, for the
// collector's root trace.
type TraceFunc func(value unsafe.Pointer, visit func(child unsafe.Pointer))

// Entry is a single root, allocated by Push. Its address, not its
// contents, is what links the list: the collector walks prev pointers,
// never indexes Entries as an array.
type Entry struct {
	prev  *Entry
	trace TraceFunc
	value unsafe.Pointer
}

// Stack is a mutator's shadow stack: just the head pointer.
type Stack struct {
	head *Entry
}

// Push installs a new root scope. The caller must arrange for Pop to
// run when the scope exits (e.g. via defer), in LIFO order with
// respect to any other Push on the same Stack.
//
//	root := stack.Push(traceFn, valuePtr)
//	defer stack.Pop(root)
func (s *Stack) Push(trace TraceFunc, value unsafe.Pointer) *Entry {
	e := &Entry{prev: s.head, trace: trace, value: value}
	s.head = e
	return e
}

// Pop restores the stack to the state before e was pushed. e must be
// the most recently pushed entry not yet popped (LIFO discipline); this
// is not checked, matching the teacher's "caller is responsible" idiom
// for hot allocator paths (cf. pkg/freelist.fixalloc-style contracts).
func (s *Stack) Pop(e *Entry) {
	s.head = e.prev
}

// Walk invokes visit(child) for every reference reachable from every
// entry currently on the stack, root-to-leaf via the prev chain.
func (s *Stack) Walk(visit func(child unsafe.Pointer)) {
	for e := s.head; e != nil; e = e.prev {
		e.trace(e.value, visit)
	}
}

// Empty reports whether the stack currently has no entries.
func (s *Stack) Empty() bool { return s.head == nil }
