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

package bumpspace

import (
	"sync"
	"testing"

	"github.com/cometgc/comet/pkg/vmregion"
)

func newTestSpace(t *testing.T, size uintptr) *Space {
	t.Helper()
	region, err := vmregion.Reserve(size)
	if err != nil {
		t.Fatalf("vmregion.Reserve: %v", err)
	}
	t.Cleanup(func() { region.Release() })
	s, err := New(region, 0, size)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAllocAdvancesCursorAndUsed(t *testing.T) {
	s := newTestSpace(t, 4096)
	a := s.Alloc(64)
	if a != s.Base() {
		t.Fatalf("first Alloc returned %#x, want base %#x", a, s.Base())
	}
	if got := s.Used(); got != 64 {
		t.Fatalf("Used() = %d, want 64", got)
	}
	b := s.Alloc(32)
	if b != a+64 {
		t.Fatalf("second Alloc returned %#x, want %#x", b, a+64)
	}
	if got := s.Used(); got != 96 {
		t.Fatalf("Used() = %d, want 96", got)
	}
}

func TestAllocFailsWhenExhausted(t *testing.T) {
	s := newTestSpace(t, 128)
	if a := s.Alloc(128); a != s.Base() {
		t.Fatalf("Alloc(128) on a 128 byte space = %#x, want base", a)
	}
	if a := s.Alloc(1); a != 0 {
		t.Fatalf("Alloc on an exhausted space returned %#x, want 0", a)
	}
}

func TestResetReclaimsTheWholeSpace(t *testing.T) {
	s := newTestSpace(t, 256)
	s.Alloc(200)
	s.Reset()
	if got := s.Used(); got != 0 {
		t.Fatalf("Used() = %d after Reset, want 0", got)
	}
	if a := s.Alloc(256); a != s.Base() {
		t.Fatalf("Alloc after Reset returned %#x, want base", a)
	}
}

func TestContains(t *testing.T) {
	s := newTestSpace(t, 4096)
	if !s.Contains(s.Base()) {
		t.Fatal("Contains(Base()) == false")
	}
	if s.Contains(s.End()) {
		t.Fatal("Contains(End()) == true, want false (half-open range)")
	}
	if s.Contains(s.Base() - 1) {
		t.Fatal("Contains(Base()-1) == true")
	}
}

func TestConcurrentAllocNeverOverlaps(t *testing.T) {
	const size = 64 << 10
	const objSize = 64
	s := newTestSpace(t, size)

	var wg sync.WaitGroup
	results := make(chan uintptr, size/objSize)
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				a := s.Alloc(objSize)
				if a == 0 {
					return
				}
				results <- a
			}
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[uintptr]bool)
	for a := range results {
		if seen[a] {
			t.Fatalf("address %#x allocated twice", a)
		}
		seen[a] = true
	}
}
