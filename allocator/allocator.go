// Package allocator implements the lolelffs free-space allocator (spec
// §4.2): two bitmaps (inodes, blocks) and a free-counter pair, protected
// by a single mutex. Grounded on the contiguous-run bitmap scan idiom
// used throughout trustelem-go-diskfs/filesystem/ext4/ext4.go's
// allocateExtents (scan a block bitmap for a run of clear bits), adapted
// to lolelffs's 1-bit-means-free polarity and flat (non-block-grouped)
// layout.
package allocator

import (
	"sync"

	"github.com/hodgesds/lolelffs/internal/bitmap"
)

// Allocator holds the in-memory inode and block bitmaps for a mounted
// image, plus the free counters the superblock mirrors on disk.
type Allocator struct {
	mu sync.Mutex

	inodes *bitmap.Bitmap
	blocks *bitmap.Bitmap

	freeInodes uint32
	freeBlocks uint32

	maxBlocksPerExtent uint32
}

// New builds an Allocator from already-parsed inode and block bitmaps
// and their free counts, as read from disk at mount time.
func New(inodes, blocks *bitmap.Bitmap, freeInodes, freeBlocks, maxBlocksPerExtent uint32) *Allocator {
	return &Allocator{
		inodes:             inodes,
		blocks:             blocks,
		freeInodes:         freeInodes,
		freeBlocks:         freeBlocks,
		maxBlocksPerExtent: maxBlocksPerExtent,
	}
}

// FreeInodes returns the current free-inode counter.
func (a *Allocator) FreeInodes() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeInodes
}

// FreeBlockCount returns the current free-block counter.
func (a *Allocator) FreeBlockCount() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeBlocks
}

// InodeBitmapBytes returns the on-disk serialization of the inode
// bitmap, for writeback.
func (a *Allocator) InodeBitmapBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.inodes.ToBytes()
}

// BlockBitmapBytes returns the on-disk serialization of the block
// bitmap, for writeback.
func (a *Allocator) BlockBitmapBytes() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.blocks.ToBytes()
}

// AllocInode returns the smallest unused inode number, clears its bit,
// and decrements the free-inode counter. Returns 0 on exhaustion (inode
// 0 is always the permanently allocated root, so 0 is never returned as
// a real allocation).
func (a *Allocator) AllocInode() uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.inodes.FirstFree(1)
	if !ok {
		return 0
	}
	a.inodes.MarkUsed(pos)
	a.freeInodes--
	return uint32(pos)
}

// FreeInode sets the inode's bit free and increments the free-inode
// counter. Out-of-range input is silently ignored.
func (a *Allocator) FreeInode(ino uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if uint(ino) >= a.inodes.Len() {
		return
	}
	if a.inodes.IsFree(uint(ino)) {
		return
	}
	a.inodes.MarkFree(uint(ino))
	a.freeInodes++
}

// AllocBlocks finds the first run of `length` consecutive free blocks,
// clears them, decrements the free-block counter, and returns the first
// block of the run. Returns 0 on failure, leaving state unchanged.
func (a *Allocator) AllocBlocks(length uint32) uint32 {
	return a.allocBlocksFrom(0, length)
}

// AllocBlocksNear behaves like AllocBlocks but begins its scan at hint,
// wrapping back to the start of the bitmap on a miss. It exists purely
// to reduce fragmentation for sequential writes; it is not required for
// correctness.
func (a *Allocator) AllocBlocksNear(hint, length uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	if pos, ok := a.blocks.FindRun(uint(hint), uint(length)); ok {
		a.blocks.MarkRangeUsed(pos, uint(length))
		a.freeBlocks -= length
		return uint32(pos)
	}
	if hint == 0 {
		return 0
	}
	if pos, ok := a.blocks.FindRun(0, uint(length)); ok {
		a.blocks.MarkRangeUsed(pos, uint(length))
		a.freeBlocks -= length
		return uint32(pos)
	}
	return 0
}

func (a *Allocator) allocBlocksFrom(start uint, length uint32) uint32 {
	a.mu.Lock()
	defer a.mu.Unlock()
	pos, ok := a.blocks.FindRun(start, uint(length))
	if !ok {
		return 0
	}
	a.blocks.MarkRangeUsed(pos, uint(length))
	a.freeBlocks -= length
	return uint32(pos)
}

// FreeBlocks sets `length` bits free beginning at start and increments
// the free-block counter by length. An out-of-range range is reported
// as an error; state is left unchanged in that case.
func (a *Allocator) FreeBlocks(start, length uint32) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if err := a.blocks.MarkRangeFree(uint(start), uint(length)); err != nil {
		return err
	}
	a.freeBlocks += length
	return nil
}

// ChooseAllocSize implements the adaptive extent sizing policy of spec
// §4.2: 2 blocks if curBlocks < 8, 4 if curBlocks < 32, else
// maxBlocksPerExtent; clamped to the current free-block count, with a
// floor of 1.
func (a *Allocator) ChooseAllocSize(curBlocks uint32) uint32 {
	a.mu.Lock()
	free := a.freeBlocks
	a.mu.Unlock()

	var size uint32
	switch {
	case curBlocks < 8:
		size = 2
	case curBlocks < 32:
		size = 4
	default:
		size = a.maxBlocksPerExtent
	}
	if size > free {
		size = free
	}
	if size < 1 {
		size = 1
	}
	return size
}
