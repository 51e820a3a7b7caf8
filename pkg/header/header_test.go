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

package header

import (
	"testing"
	"unsafe"
)

// newTestHeader returns a header embedded at the front of a backing
// buffer large enough for the header plus payload bytes, and the user
// object pointer immediately following it (mirroring how every real
// space lays an object out).
func newTestHeader(tb testing.TB, payload uintptr) (*ObjectHeader, unsafe.Pointer) {
	tb.Helper()
	buf := make([]byte, Size+payload)
	h := (*ObjectHeader)(unsafe.Pointer(&buf[0]))
	return h, unsafe.Pointer(uintptr(unsafe.Pointer(&buf[0])) + uintptr(Size))
}

func TestSizeIsSixteenBytes(t *testing.T) {
	if Size != 16 {
		t.Fatalf("Size = %d, want 16", Size)
	}
}

func TestHeaderOfAndObjectRoundTrip(t *testing.T) {
	h, obj := newTestHeader(t, 32)
	if got := HeaderOf(obj); got != h {
		t.Fatalf("HeaderOf(obj) = %p, want %p", got, h)
	}
	if got := h.Object(); got != obj {
		t.Fatalf("h.Object() = %p, want %p", got, obj)
	}
}

func TestMarkRoundTrip(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	if h.Mark() {
		t.Fatal("fresh header starts marked")
	}
	h.SetMark()
	if !h.Mark() {
		t.Fatal("SetMark did not set the bit")
	}
	h.ClearMark()
	if h.Mark() {
		t.Fatal("ClearMark did not clear the bit")
	}
}

func TestTestAndSetMarkAtomic(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	if wasSet := h.TestAndSetMarkAtomic(); wasSet {
		t.Fatal("first TestAndSetMarkAtomic reported already set")
	}
	if !h.Mark() {
		t.Fatal("TestAndSetMarkAtomic did not set the bit")
	}
	if wasSet := h.TestAndSetMarkAtomic(); !wasSet {
		t.Fatal("second TestAndSetMarkAtomic did not report already set")
	}
}

func TestForwarding(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	if h.Forwarded() {
		t.Fatal("fresh header starts forwarded")
	}
	target := unsafe.Pointer(uintptr(0x1000))
	h.ForwardTo(target)
	if !h.Forwarded() {
		t.Fatal("ForwardTo did not set the forwarded bit")
	}
	if got := h.ForwardingAddress(); got != target {
		t.Fatalf("ForwardingAddress() = %p, want %p", got, target)
	}
}

func TestPinned(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	if h.Pinned() {
		t.Fatal("fresh header starts pinned")
	}
	h.SetPinned(true)
	if !h.Pinned() {
		t.Fatal("SetPinned(true) did not set the bit")
	}
	h.SetPinned(false)
	if h.Pinned() {
		t.Fatal("SetPinned(false) did not clear the bit")
	}
}

func TestRemembered(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	if h.Remembered() {
		t.Fatal("fresh header starts remembered")
	}
	h.SetRemembered()
	if !h.Remembered() {
		t.Fatal("SetRemembered did not set the bit")
	}
	h.ClearRemembered()
	if h.Remembered() {
		t.Fatal("ClearRemembered did not clear the bit")
	}
}

func TestMarkForwardedPinnedRememberedAreIndependentBits(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	h.SetMark()
	h.SetPinned(true)
	h.SetRemembered()
	if !h.Mark() || !h.Pinned() || !h.Remembered() {
		t.Fatal("setting one flag cleared another")
	}
	if h.Forwarded() {
		t.Fatal("Forwarded set despite never calling ForwardTo")
	}
}

func TestSizeGranulesRoundTrip(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	h.SetSizeGranules(7)
	if got := h.SizeGranules(); got != 7 {
		t.Fatalf("SizeGranules() = %d, want 7", got)
	}
	if got, want := h.SizeBytes(), uintptr(7*Granule); got != want {
		t.Fatalf("SizeBytes() = %d, want %d", got, want)
	}
	if h.IsLarge() {
		t.Fatal("IsLarge() true for a nonzero size_in_granules")
	}
}

func TestSizeGranulesZeroMeansLarge(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	h.SetSizeGranules(0)
	if !h.IsLarge() {
		t.Fatal("IsLarge() false for size_in_granules == 0")
	}
}

func TestSetSizeGranulesOverflowPanics(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	defer func() {
		if recover() == nil {
			t.Fatal("SetSizeGranules(MaxSmallGranules+1) did not panic")
		}
	}()
	h.SetSizeGranules(MaxSmallGranules + 1)
}

func TestSizeGranulesDoesNotClobberOtherFlagsHighBits(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	const reserved = ^sizeMask
	h.flagsHigh = reserved
	h.SetSizeGranules(MaxSmallGranules)
	if got := h.SizeGranules(); got != MaxSmallGranules {
		t.Fatalf("SizeGranules() = %d, want %d", got, MaxSmallGranules)
	}
	if got := h.flagsHigh &^ sizeMask; got != reserved {
		t.Fatalf("reserved flagsHigh bits = %#x after SetSizeGranules, want %#x", got, reserved)
	}
}

func TestInitAndFree(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	desc := &TypeDescriptor{TypeID: 0xabcd1234}
	h.Init(desc, 4)
	if h.Free() {
		t.Fatal("Free() true immediately after Init")
	}
	if got := h.TypeID(); got != desc.TypeID {
		t.Fatalf("TypeID() = %#x, want %#x", got, desc.TypeID)
	}
	if got := h.Descriptor(); got != desc {
		t.Fatalf("Descriptor() = %p, want %p", got, desc)
	}
	if got := h.SizeGranules(); got != 4 {
		t.Fatalf("SizeGranules() = %d, want 4", got)
	}

	h.Reset()
	if !h.Free() {
		t.Fatal("Free() false after Reset")
	}
	if got := h.SizeGranules(); got != 0 {
		t.Fatalf("SizeGranules() = %d after Reset, want 0", got)
	}
}

func TestInitClearsStaleFlags(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	h.SetMark()
	h.SetPinned(true)
	h.SetRemembered()
	target := unsafe.Pointer(uintptr(0x2000))
	h.ForwardTo(target)

	desc := &TypeDescriptor{TypeID: 1}
	h.Init(desc, 1)

	if h.Mark() || h.Pinned() || h.Remembered() || h.Forwarded() {
		t.Fatal("Init left a stale flag set from the header's previous life")
	}
}

func TestFreeLinkRoundTrip(t *testing.T) {
	h, _ := newTestHeader(t, 0)
	next := unsafe.Pointer(uintptr(0x3000))
	h.SetFreeLink(next)
	if !h.Free() {
		t.Fatal("SetFreeLink did not leave the header in the free state")
	}
	if got := h.FreeLink(); got != next {
		t.Fatalf("FreeLink() = %p, want %p", got, next)
	}
}

func TestIsPreciseAllocated(t *testing.T) {
	cases := []struct {
		addr uintptr
		want bool
	}{
		{0, false},
		{Alignment, false},
		{2 * Alignment, false},
		{AlignmentHalf, true},
		{Alignment + AlignmentHalf, true},
		{3 * Alignment, false},
	}
	for _, c := range cases {
		if got := IsPreciseAllocated(c.addr); got != c.want {
			t.Errorf("IsPreciseAllocated(%#x) = %v, want %v", c.addr, got, c.want)
		}
	}
}

func TestRegisterAndLookup(t *testing.T) {
	desc := &TypeDescriptor{TypeID: 0x1111_2222}
	Register(desc)

	got, ok := Lookup(desc.TypeID)
	if !ok {
		t.Fatal("Lookup did not find a just-registered descriptor")
	}
	if got != desc {
		t.Fatalf("Lookup returned %p, want %p", got, desc)
	}

	// Re-registering the same pointer is idempotent.
	Register(desc)

	if _, ok := Lookup(0xdead_beef); ok {
		t.Fatal("Lookup found a descriptor for an id that was never registered")
	}
}

func TestRegisterCollisionPanics(t *testing.T) {
	const id = 0x3333_4444
	Register(&TypeDescriptor{TypeID: id})
	defer func() {
		if recover() == nil {
			t.Fatal("registering a second descriptor under the same id did not panic")
		}
	}()
	Register(&TypeDescriptor{TypeID: id})
}
