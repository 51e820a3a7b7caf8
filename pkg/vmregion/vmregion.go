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

// Package vmregion is the virtual-memory primitive every space is built
// on: reserve a byte range up front, commit/decommit sub-ranges of it as
// spaces grow and shrink. This is the external collaborator spec.md §1
// names as out of scope for the collector algorithms themselves, but the
// ambient stack still needs one real implementation of it.
package vmregion

import (
	"context"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"
)

// Region is a reserved, page-aligned byte range backed by an anonymous
// mmap. Commit/Decommit operate on sub-ranges of it without changing the
// reservation.
type Region struct {
	base uintptr
	size uintptr
	data []byte

	// decommitLimiter rate-limits DecommitThrottled calls made with
	// throttle set; each call still issues its own madvise(DONTNEED).
	decommitLimiter *rate.Limiter
}

// Reserve reserves size bytes of address space (rounded up to the
// system page size) without committing physical pages. The returned
// Region's Base is page-aligned.
func Reserve(size uintptr) (*Region, error) {
	pageSize := uintptr(unix.Getpagesize())
	size = alignUp(size, pageSize)
	data, err := unix.Mmap(-1, 0, int(size), unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, fmt.Errorf("vmregion: reserve %d bytes: %w", size, err)
	}
	return &Region{
		base:            uintptr(unsafe.Pointer(&data[0])),
		size:            size,
		data:            data,
		decommitLimiter: rate.NewLimiter(rate.Limit(64), 64),
	}, nil
}

// Base returns the region's starting address.
func (r *Region) Base() uintptr { return r.base }

// Size returns the region's reserved length in bytes.
func (r *Region) Size() uintptr { return r.size }

// End returns the address one past the end of the region.
func (r *Region) End() uintptr { return r.base + r.size }

// Bytes returns the full reserved range as a byte slice. Reading or
// writing outside committed sub-ranges will fault.
func (r *Region) Bytes() []byte { return r.data }

// Commit makes [off, off+length) within the region readable/writable,
// backing it with physical pages.
func (r *Region) Commit(off, length uintptr) error {
	r.checkRange(off, length)
	if err := unix.Mprotect(r.data[off:off+length], unix.PROT_READ|unix.PROT_WRITE); err != nil {
		return fmt.Errorf("vmregion: commit [%d,%d): %w", off, off+length, err)
	}
	return nil
}

// Decommit releases the physical pages backing [off, off+length),
// equivalent to madvise(MADV_DONTNEED): the range stays mapped (it can
// be written to again without a fresh Commit) but its contents are
// undefined until then, and the bytes no longer count against RSS.
func (r *Region) Decommit(off, length uintptr) error {
	r.checkRange(off, length)
	return unix.Madvise(r.data[off:off+length], unix.MADV_DONTNEED)
}

// DecommitThrottled behaves like Decommit but, when throttle is true,
// first waits briefly on a rate limiter, spacing out bursts of
// releases. Calls are not coalesced: every call issues one madvise.
func (r *Region) DecommitThrottled(off, length uintptr, throttle bool) error {
	if throttle {
		if !r.decommitLimiter.Allow() {
			// Bounded wait: never stall longer than one token period.
			ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
			_ = r.decommitLimiter.Wait(ctx)
			cancel()
		}
	}
	return r.Decommit(off, length)
}

// Release unmaps the entire region. The Region must not be used
// afterward.
func (r *Region) Release() error {
	return unix.Munmap(r.data)
}

func (r *Region) checkRange(off, length uintptr) {
	if off+length > r.size {
		panic(fmt.Sprintf("vmregion: range [%d,%d) exceeds region of size %d", off, off+length, r.size))
	}
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
