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

// Package markbitmap implements a dense bit-per-granule map over a
// memory region, with atomic test/set and range iteration of marked
// bits (spec.md §2 component 3).
package markbitmap

import (
	"math/bits"
	"sync/atomic"

	"github.com/cometgc/comet/pkg/header"
)

// Bitmap is a dense bit-per-granule map covering [base, base+size).
type Bitmap struct {
	base  uintptr
	words []uint64
}

// New allocates a bitmap covering a region of size bytes starting at
// base, one bit per header.Granule.
func New(base, size uintptr) *Bitmap {
	nbits := (size + header.Granule - 1) / header.Granule
	nwords := (nbits + 63) / 64
	if nwords == 0 {
		nwords = 1
	}
	return &Bitmap{base: base, words: make([]uint64, nwords)}
}

func (b *Bitmap) indexOf(addr uintptr) (word int, bit uint) {
	granule := (addr - b.base) / header.Granule
	return int(granule / 64), uint(granule % 64)
}

// TestAndSet atomically sets the bit for addr and reports whether it
// was already set.
func (b *Bitmap) TestAndSet(addr uintptr) (wasSet bool) {
	w, bit := b.indexOf(addr)
	mask := uint64(1) << bit
	for {
		old := atomic.LoadUint64(&b.words[w])
		if old&mask != 0 {
			return true
		}
		if atomic.CompareAndSwapUint64(&b.words[w], old, old|mask) {
			return false
		}
	}
}

// Set sets the bit for addr without reporting its previous state, with
// a plain (non-atomic) read-modify-write instead of TestAndSet's CAS
// loop.
func (b *Bitmap) Set(addr uintptr) {
	w, bit := b.indexOf(addr)
	b.words[w] |= uint64(1) << bit
}

// Clear clears the bit for addr.
func (b *Bitmap) Clear(addr uintptr) {
	w, bit := b.indexOf(addr)
	b.words[w] &^= uint64(1) << bit
}

// Test reports whether the bit for addr is set.
func (b *Bitmap) Test(addr uintptr) bool {
	w, bit := b.indexOf(addr)
	return atomic.LoadUint64(&b.words[w])&(uint64(1)<<bit) != 0
}

// ClearAll clears every bit, used between cycles by policies that don't
// use a color toggle to avoid clearing (MarkSweep's live/mark bitmap
// swap clears the new mark bitmap this way every cycle).
func (b *Bitmap) ClearAll() {
	for i := range b.words {
		b.words[i] = 0
	}
}

// Visit calls fn(addr) for every set bit's granule-aligned address, in
// ascending order.
func (b *Bitmap) Visit(fn func(addr uintptr)) {
	for w, word := range b.words {
		for word != 0 {
			bit := bits.TrailingZeros64(word)
			addr := b.base + uintptr(w*64+bit)*header.Granule
			fn(addr)
			word &^= uint64(1) << bit
		}
	}
}

// Swap exchanges the contents of two same-sized bitmaps in place. Used
// by MarkSweep to promote the just-built mark bitmap to the next
// cycle's live bitmap without a copy (spec.md §4.9.2 step 4).
func Swap(a, b *Bitmap) {
	a.words, b.words = b.words, a.words
}
