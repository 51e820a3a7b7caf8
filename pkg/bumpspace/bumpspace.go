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

// Package bumpspace implements a contiguous region with a monotone
// cursor and reset-only reclamation (spec.md §2 component 5). It backs
// SemiSpace's from/to spaces and MiniMark's nursery.
package bumpspace

import (
	"sync/atomic"

	"github.com/cometgc/comet/pkg/vmregion"
)

// Space is a bump-pointer allocation region.
type Space struct {
	region *vmregion.Region
	base   uintptr
	end    uintptr
	cursor uintptr // atomic
}

// New commits a bump space of size bytes from region at the given
// offset.
func New(region *vmregion.Region, offset, size uintptr) (*Space, error) {
	if err := region.Commit(offset, size); err != nil {
		return nil, err
	}
	base := region.Base() + offset
	return &Space{region: region, base: base, end: base + size, cursor: base}, nil
}

// Base is the space's starting address.
func (s *Space) Base() uintptr { return s.base }

// End is the address one past the space.
func (s *Space) End() uintptr { return s.end }

// Size is the space's total capacity in bytes.
func (s *Space) Size() uintptr { return s.end - s.base }

// Used reports bytes currently allocated (cursor - base).
func (s *Space) Used() uintptr {
	return atomic.LoadUintptr(&s.cursor) - s.base
}

// Alloc bump-allocates size bytes, returning 0 on failure (never
// blocks, per spec.md §4.3). Safe to call from multiple threads
// concurrently via a compare-and-swap loop on the cursor.
func (s *Space) Alloc(size uintptr) uintptr {
	for {
		old := atomic.LoadUintptr(&s.cursor)
		next := old + size
		if next > s.end {
			return 0
		}
		if atomic.CompareAndSwapUintptr(&s.cursor, old, next) {
			return old
		}
	}
}

// Reset sets the cursor back to base with no per-object work. MiniMark
// requires the nursery be empty after every minor collection; SemiSpace
// resets from_space after each collection.
func (s *Space) Reset() {
	atomic.StoreUintptr(&s.cursor, s.base)
}

// Contains reports whether addr falls within [base, end).
func (s *Space) Contains(addr uintptr) bool {
	return addr >= s.base && addr < s.end
}
