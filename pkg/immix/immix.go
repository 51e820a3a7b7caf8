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

// Package immix implements the mark-region space: a chunk→block→line
// hierarchy with recyclable-block and free-block lists and a
// hole-finding bump allocator (spec.md §2 component 7, §4.4).
//
// Chunk/block/line metadata (Chunk, Block, LineMarkTable) is kept in
// Go-native structures rather than packed into the mmap'd region bytes
// themselves: the region holds only object payloads. This mirrors how
// the teacher keeps vma/pma bookkeeping as plain Go structs describing
// a mapping rather than data stored inside the mapping (mm.go's vma/pma
// types); it does not change any address-space layout or alignment
// guarantee spec.md requires to be bit-exact.
package immix

import (
	"sync"
	"sync/atomic"

	"github.com/cometgc/comet/pkg/vmregion"
)

// Sizing from spec.md §6 ("Memory layout that must be bit-exact").
const (
	ChunkSize     = 4 * 1024 * 1024
	BlockSize     = 32 * 1024
	LineSize      = 256
	LinesPerBlock = BlockSize / LineSize
	BlocksPerChunk = ChunkSize / BlockSize
	LinesPerChunk = BlocksPerChunk * LinesPerBlock

	// HalfBlock is the medium/large boundary of spec.md §4.4 step 3.
	HalfBlock = BlockSize / 2
)

// BlockState is a block's position in the admissible-transition table
// of spec.md §4.4.
type BlockState int32

const (
	StateUnallocated BlockState = iota
	StateUnmarked
	StateMarked
	StateReusable
)

// LineMarkTable is a dense bitset over a chunk's LinesPerChunk lines.
type LineMarkTable struct {
	bits [LinesPerChunk / 64]uint64
}

func (t *LineMarkTable) Set(line int)        { t.bits[line/64] |= 1 << uint(line%64) }
func (t *LineMarkTable) Test(line int) bool  { return t.bits[line/64]&(1<<uint(line%64)) != 0 }
func (t *LineMarkTable) ClearAll()           { for i := range t.bits { t.bits[i] = 0 } }
func (t *LineMarkTable) ClearRange(lo, hi int) {
	for l := lo; l < hi; l++ {
		t.bits[l/64] &^= 1 << uint(l%64)
	}
}

// Block is one 32 KiB block of a chunk: 128 lines, the unit of reuse
// and free-list membership.
type Block struct {
	chunk            *Chunk
	index            int // 1..BlocksPerChunk-1 (0 is the chunk header)
	base             uintptr
	state            int32 // atomic BlockState
	unavailableLines int32 // valid when state == StateReusable
	next             atomic.Pointer[Block]
}

// Base is the block's starting address.
func (b *Block) Base() uintptr { return b.base }

// State returns the block's current state.
func (b *Block) State() BlockState { return BlockState(atomic.LoadInt32(&b.state)) }

func (b *Block) setState(s BlockState) { atomic.StoreInt32(&b.state, int32(s)) }

// firstLine returns the chunk-relative line index of this block's first
// line.
func (b *Block) firstLine() int { return b.index * LinesPerBlock }

// Chunk is a 4 MiB aligned region: a line mark table plus up to
// BlocksPerChunk-1 usable blocks (block 0 is reserved for the header).
type Chunk struct {
	base      uintptr
	lineMarks LineMarkTable
	blocks    []*Block // index 1..BlocksPerChunk-1
	allocated bool      // ChunkMap bit: true while any block is in use
}

type blockStack struct {
	head atomic.Pointer[Block]
}

func (s *blockStack) push(b *Block) {
	for {
		old := s.head.Load()
		b.next.Store(old)
		if s.head.CompareAndSwap(old, b) {
			return
		}
	}
}

func (s *blockStack) pop() *Block {
	for {
		old := s.head.Load()
		if old == nil {
			return nil
		}
		next := old.next.Load()
		if s.head.CompareAndSwap(old, next) {
			return old
		}
	}
}

// Space is the Immix mark-region space.
type Space struct {
	region *vmregion.Region

	mu           sync.Mutex
	chunks       []*Chunk
	nextOffset   uintptr

	freeBlocks     blockStack
	reusableBlocks blockStack

	numBytesAllocated uintptr // atomic
	targetFootprint   uintptr // atomic
	growthLimit       uintptr
	growthMultiplier  float64
}

// New creates an empty Immix space over region, with an initial
// target footprint and a growth multiplier applied to live bytes at
// the end of each cycle (spec.md §4.4, §6 "growth_multiplier").
func New(region *vmregion.Region, initialFootprint, growthLimit uintptr, growthMultiplier float64) *Space {
	if growthMultiplier < 1.0 {
		growthMultiplier = 1.0
	}
	return &Space{
		region:           region,
		targetFootprint:  initialFootprint,
		growthLimit:      growthLimit,
		growthMultiplier: growthMultiplier,
	}
}

func (s *Space) addChunk() *Chunk {
	if err := s.region.Commit(s.nextOffset, ChunkSize); err != nil {
		return nil
	}
	base := s.region.Base() + s.nextOffset
	s.nextOffset += ChunkSize

	c := &Chunk{base: base, blocks: make([]*Block, BlocksPerChunk)}
	for i := 1; i < BlocksPerChunk; i++ {
		b := &Block{chunk: c, index: i, base: base + uintptr(i*BlockSize)}
		b.setState(StateUnallocated)
		c.blocks[i] = b
	}
	s.chunks = append(s.chunks, c)
	return c
}

// acquireFreeBlock charges one block against the growth budget, failing
// if the budget does not allow it, then pops a clean block from the free
// list, growing the space with a new chunk if none is available.
func (s *Space) acquireFreeBlock(grow bool) *Block {
	if !s.growAccounting(BlockSize, grow) {
		return nil
	}
	if b := s.freeBlocks.pop(); b != nil {
		b.setState(StateUnmarked)
		s.chunks[0].allocated = true // at least one chunk now has work; precise bit set below
		s.markChunkAllocated(b.chunk)
		return b
	}
	s.mu.Lock()
	c := s.addChunk()
	s.mu.Unlock()
	if c == nil {
		atomic.AddUintptr(&s.numBytesAllocated, ^uintptr(BlockSize-1))
		return nil
	}
	// Stock every fresh block except the first onto the free list, and
	// hand out the first directly.
	for i := 2; i < BlocksPerChunk; i++ {
		s.freeBlocks.push(c.blocks[i])
	}
	b := c.blocks[1]
	b.setState(StateUnmarked)
	s.markChunkAllocated(c)
	return b
}

func (s *Space) markChunkAllocated(c *Chunk) {
	s.mu.Lock()
	c.allocated = true
	s.mu.Unlock()
}

// acquireReusableBlock pops a block from the recyclable-block list.
func (s *Space) acquireReusableBlock() *Block {
	b := s.reusableBlocks.pop()
	if b != nil {
		b.setState(StateUnmarked)
	}
	return b
}

func (s *Space) growAccounting(n uintptr, grow bool) bool {
	for {
		cur := atomic.LoadUintptr(&s.numBytesAllocated)
		target := atomic.LoadUintptr(&s.targetFootprint)
		if cur+n > target {
			if !grow {
				return false
			}
			newTarget := target
			if newTarget < s.growthLimit {
				newTarget = cur + n
				if newTarget > s.growthLimit {
					newTarget = s.growthLimit
				}
				if !atomic.CompareAndSwapUintptr(&s.targetFootprint, target, newTarget) {
					continue
				}
			} else if cur+n > s.growthLimit {
				return false
			}
		}
		if atomic.CompareAndSwapUintptr(&s.numBytesAllocated, cur, cur+n) {
			return true
		}
	}
}

// NumBytesAllocated reports the space's current accounted footprint.
func (s *Space) NumBytesAllocated() uintptr { return atomic.LoadUintptr(&s.numBytesAllocated) }

// TargetFootprint reports the current allocation ceiling.
func (s *Space) TargetFootprint() uintptr { return atomic.LoadUintptr(&s.targetFootprint) }

// findHole scans block starting at the line containing fromAddr (or
// the block's first line if fromAddr is 0) for the next run of
// unmarked lines: first skip marked lines, then collect unmarked ones.
// Returns the hole's [start, end) addresses, or ok=false if the block
// has no remaining holes.
func findHole(b *Block, fromAddr uintptr) (start, end uintptr, ok bool) {
	first := b.firstLine()
	startLine := first
	if fromAddr != 0 {
		startLine = first + int((fromAddr-b.base)/LineSize)
	}
	lm := &b.chunk.lineMarks
	line := startLine
	last := first + LinesPerBlock
	for line < last && lm.Test(line) {
		line++
	}
	if line >= last {
		return 0, 0, false
	}
	holeStart := line
	for line < last && !lm.Test(line) {
		line++
	}
	s := b.base + uintptr(holeStart-first)*LineSize
	e := b.base + uintptr(line-first)*LineSize
	return s, e, true
}

// Allocator is a per-mutator Immix allocation cursor pair (spec.md
// §4.4, "per-mutator Immix allocator state").
type Allocator struct {
	space *Space

	cursor, limit           uintptr
	largeCursor, largeLimit uintptr
	block                   *Block
	largeBlock              *Block
}

// NewAllocator creates an empty allocator bound to space; its first
// allocation will trigger a block/hole acquisition.
func NewAllocator(space *Space) *Allocator { return &Allocator{space: space} }

// AllocSmall bump-allocates an object of at most LineSize bytes,
// refilling from a hole, a recyclable block, or a clean block as
// needed (spec.md §4.4 step 1).
func (a *Allocator) AllocSmall(size uintptr) (uintptr, bool) {
	if addr := a.space.bump(&a.cursor, a.limit, size); addr != 0 {
		return addr, true
	}
	for {
		if a.block != nil {
			if s, e, ok := findHole(a.block, a.cursor); ok && e-s >= size {
				a.cursor, a.limit = s, e
				if addr := a.space.bump(&a.cursor, a.limit, size); addr != 0 {
					return addr, true
				}
				continue
			}
		}
		if b := a.space.acquireReusableBlock(); b != nil {
			a.block = b
			a.cursor, a.limit = 0, 0
			continue
		}
		if b := a.space.acquireFreeBlock(true); b != nil {
			a.block = b
			a.cursor, a.limit = b.base, b.base+BlockSize
			continue
		}
		return 0, false
	}
}

// AllocMedium bump-allocates an object larger than a line but at most
// HalfBlock bytes, via the allocator's separate large cursor (spec.md
// §4.4 step 2).
func (a *Allocator) AllocMedium(size uintptr) (uintptr, bool) {
	if addr := a.space.bump(&a.largeCursor, a.largeLimit, size); addr != 0 {
		return addr, true
	}
	b := a.space.acquireFreeBlock(true)
	if b == nil {
		return 0, false
	}
	a.largeBlock = b
	a.largeCursor, a.largeLimit = b.base, b.base+BlockSize
	return a.space.bump(&a.largeCursor, a.largeLimit, size), size != 0 && a.largeCursor-size >= b.base
}

func (s *Space) bump(cursor *uintptr, limit, size uintptr) uintptr {
	addr := *cursor
	next := addr + size
	if addr == 0 || next > limit {
		return 0
	}
	*cursor = next
	return addr
}

// Alloc routes size to the small, medium, or large(LOS-bypass) path,
// per spec.md §4.4's three tiers. The large tier returns ok=false so
// the caller's policy routes to LOS instead.
func (a *Allocator) Alloc(size uintptr) (addr uintptr, ok bool) {
	switch {
	case size <= LineSize:
		return a.AllocSmall(size)
	case size <= HalfBlock:
		return a.AllocMedium(size)
	default:
		return 0, false
	}
}

// MarkObject marks every line that the granule-aligned object at addr
// spanning size bytes overlaps in its block's line mark table, and sets
// the block to StateMarked; it does not touch the object's header mark
// bit — the invariant that makes line-granularity sweeping
// safe (spec.md §4.4, "Marking an object").
func (s *Space) MarkObject(addr, size uintptr) {
	c, b := s.locate(addr)
	if b == nil {
		return
	}
	startLine := b.firstLine() + int((addr-b.base)/LineSize)
	endAddr := addr + size
	endLine := b.firstLine() + int((endAddr-b.base+LineSize-1)/LineSize)
	for l := startLine; l < endLine; l++ {
		c.lineMarks.Set(l)
	}
	b.setState(StateMarked)
}

func (s *Space) locate(addr uintptr) (*Chunk, *Block) {
	for _, c := range s.chunks {
		if addr >= c.base && addr < c.base+ChunkSize {
			idx := int((addr - c.base) / BlockSize)
			if idx >= 1 && idx < BlocksPerChunk {
				return c, c.blocks[idx]
			}
		}
	}
	return nil, nil
}

// Prepare resets every non-Unallocated block to Unmarked ahead of a
// mark phase; on a major cycle it also clears every chunk's line mark
// table (spec.md §4.9.3 step 2).
func (s *Space) Prepare(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chunks {
		if full {
			c.lineMarks.ClearAll()
		}
		for i := 1; i < BlocksPerChunk; i++ {
			b := c.blocks[i]
			if b.State() != StateUnallocated {
				b.setState(StateUnmarked)
			}
		}
	}
}

// Sweep walks every allocated chunk's blocks, classifying each by
// marked-line count: zero marked lines releases the block (decommit +
// push to freeBlocks); some-but-not-all pushes it to reusableBlocks
// with unavailableLines recorded; fully marked blocks stay Unmarked in
// place without recycling (spec.md §4.4, "Sweeping (STW)"). Returns the
// space's new live byte estimate (marked lines * LineSize) for the
// policy's footprint bookkeeping.
func (s *Space) Sweep() (liveBytes uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.chunks {
		if !c.allocated {
			continue
		}
		anyInUse := false
		for i := 1; i < BlocksPerChunk; i++ {
			b := c.blocks[i]
			if b.State() == StateUnallocated {
				continue
			}
			marked := 0
			first := b.firstLine()
			for l := first; l < first+LinesPerBlock; l++ {
				if c.lineMarks.Test(l) {
					marked++
				}
			}
			switch {
			case marked == 0:
				b.setState(StateUnallocated)
				off := b.base - s.region.Base()
				_ = s.region.Decommit(off, BlockSize)
				atomic.AddUintptr(&s.numBytesAllocated, ^uintptr(BlockSize-1))
				s.freeBlocks.push(b)
			case marked < LinesPerBlock:
				b.unavailableLines = int32(marked)
				b.setState(StateReusable)
				s.reusableBlocks.push(b)
				anyInUse = true
				liveBytes += uintptr(marked) * LineSize
			default:
				b.setState(StateUnmarked)
				anyInUse = true
				liveBytes += uintptr(marked) * LineSize
			}
		}
		c.allocated = anyInUse
	}
	return liveBytes
}

// UpdateTargetFootprint applies spec.md §4.9.3 step 8's growth rule:
// target = min(max, max(min, liveBytes * growthMultiplier)).
func (s *Space) UpdateTargetFootprint(liveBytes, min, max uintptr) {
	next := uintptr(float64(liveBytes) * s.growthMultiplier)
	if next < min {
		next = min
	}
	if next > max {
		next = max
	}
	atomic.StoreUintptr(&s.targetFootprint, next)
	atomic.StoreUintptr(&s.numBytesAllocated, liveBytes)
}
