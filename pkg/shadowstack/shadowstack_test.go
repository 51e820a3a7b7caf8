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

package shadowstack

import (
	"testing"
	"unsafe"
)

func singleValueTrace(value unsafe.Pointer, visit func(unsafe.Pointer)) {
	visit(value)
}

func TestEmptyStackIsEmpty(t *testing.T) {
	var s Stack
	if !s.Empty() {
		t.Fatal("a freshly zero-valued Stack is not Empty")
	}
	var walked int
	s.Walk(func(unsafe.Pointer) { walked++ })
	if walked != 0 {
		t.Fatalf("Walk visited %d children of an empty stack, want 0", walked)
	}
}

func TestPushWalkVisitsAllEntries(t *testing.T) {
	var s Stack
	a := unsafe.Pointer(uintptr(0x1000))
	b := unsafe.Pointer(uintptr(0x2000))
	c := unsafe.Pointer(uintptr(0x3000))

	ea := s.Push(singleValueTrace, a)
	eb := s.Push(singleValueTrace, b)
	ec := s.Push(singleValueTrace, c)

	if s.Empty() {
		t.Fatal("Empty() true with three entries pushed")
	}

	var got []unsafe.Pointer
	s.Walk(func(child unsafe.Pointer) { got = append(got, child) })
	if len(got) != 3 {
		t.Fatalf("Walk visited %d entries, want 3", len(got))
	}
	// Walk goes root-to-leaf via prev, i.e. most-recently-pushed first.
	want := []unsafe.Pointer{c, b, a}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("Walk[%d] = %p, want %p", i, got[i], want[i])
		}
	}

	s.Pop(ec)
	s.Pop(eb)
	s.Pop(ea)
	if !s.Empty() {
		t.Fatal("Stack not Empty after popping every pushed entry in LIFO order")
	}
}

func TestPopRestoresPriorScope(t *testing.T) {
	var s Stack
	a := unsafe.Pointer(uintptr(0x1000))
	b := unsafe.Pointer(uintptr(0x2000))

	ea := s.Push(singleValueTrace, a)
	_ = s.Push(singleValueTrace, b)
	s.Pop(s.head) // pop b's entry directly via the field the package controls

	var got []unsafe.Pointer
	s.Walk(func(child unsafe.Pointer) { got = append(got, child) })
	if len(got) != 1 || got[0] != a {
		t.Fatalf("Walk after popping the top entry = %v, want [a]", got)
	}
	s.Pop(ea)
	if !s.Empty() {
		t.Fatal("Stack not Empty after popping the remaining entry")
	}
}
