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

package weak

import (
	"testing"
	"unsafe"

	"github.com/cometgc/comet/pkg/header"
)

var testDesc = &header.TypeDescriptor{TypeID: 0x9999, Drop: func(unsafe.Pointer) {}}

func init() {
	header.Register(testDesc)
}

func newTestObject(tb testing.TB) *header.ObjectHeader {
	tb.Helper()
	buf := make([]byte, header.Size+32)
	h := (*header.ObjectHeader)(unsafe.Pointer(&buf[0]))
	h.Init(testDesc, 2)
	return h
}

func TestRegisterUpgradeResolvesToCurrentAddress(t *testing.T) {
	var l List
	h := newTestObject(t)
	r := l.Register(h)
	if got := r.Upgrade(); got != h.Object() {
		t.Fatalf("Upgrade() = %p, want %p", got, h.Object())
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

func TestAfterMarkClearsDeadReferences(t *testing.T) {
	var l List
	h := newTestObject(t)
	r := l.Register(h)

	l.AfterMark(
		func(*header.ObjectHeader) bool { return false },
		func(*header.ObjectHeader) unsafe.Pointer { return nil },
	)

	if got := r.Upgrade(); got != nil {
		t.Fatalf("Upgrade() = %p after a dead AfterMark pass, want nil", got)
	}
	if l.Len() != 0 {
		t.Fatalf("Len() = %d after clearing the only reference, want 0", l.Len())
	}
}

func TestAfterMarkRetainsAndRereResolvesLiveReferences(t *testing.T) {
	var l List
	h := newTestObject(t)
	r := l.Register(h)

	moved := unsafe.Pointer(uintptr(0xdead0000))
	l.AfterMark(
		func(*header.ObjectHeader) bool { return true },
		func(*header.ObjectHeader) unsafe.Pointer { return moved },
	)

	if got := r.Upgrade(); got != moved {
		t.Fatalf("Upgrade() = %p after a live AfterMark pass, want %p (the moved address)", got, moved)
	}
	if l.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", l.Len())
	}
}

func TestQueueDrainRunsDropExactlyOnceForDeadEntries(t *testing.T) {
	var q Queue
	h := newTestObject(t)
	var dropCount int
	desc := &header.TypeDescriptor{TypeID: 0xaaaa, Drop: func(unsafe.Pointer) { dropCount++ }}
	q.Register(h, desc)

	q.Drain(
		func(*header.ObjectHeader) bool { return false },
		func(FinalizerEntry) { t.Fatal("onSurvive called for a dead entry") },
	)

	if dropCount != 1 {
		t.Fatalf("Drop called %d times, want 1", dropCount)
	}
	if q.Len() != 0 {
		t.Fatalf("Len() = %d after Drain, want 0", q.Len())
	}
}

func TestQueueDrainRoutesSurvivorsToOnSurviveNotDrop(t *testing.T) {
	var q Queue
	h := newTestObject(t)
	var dropCount int
	desc := &header.TypeDescriptor{TypeID: 0xbbbb, Drop: func(unsafe.Pointer) { dropCount++ }}
	q.Register(h, desc)

	var survived []FinalizerEntry
	q.Drain(
		func(*header.ObjectHeader) bool { return true },
		func(e FinalizerEntry) { survived = append(survived, e) },
	)

	if dropCount != 0 {
		t.Fatal("Drop was called for a surviving (promoted) entry")
	}
	if len(survived) != 1 || survived[0].Header != h {
		t.Fatalf("onSurvive entries = %v, want [{%p}]", survived, h)
	}
}

func TestQueueDrainEmptiesEvenWithNoEntries(t *testing.T) {
	var q Queue
	q.Drain(
		func(*header.ObjectHeader) bool { return true },
		func(FinalizerEntry) { t.Fatal("onSurvive called with no entries queued") },
	)
	if q.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", q.Len())
	}
}
