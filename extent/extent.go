// Package extent implements the per-file extent index of spec §4.3: a
// fixed-capacity, logical-block-sorted array of extent descriptors held
// in one 4 KiB index block, with binary-search lookup.
//
// Grounded on diskfs-go-diskfs/filesystem/ext4/extent.go's binary-search
// extentBlockFinder (generalized here from a B-tree of extents down to
// the spec's flat fixed array, since lolelffs has no internal/leaf node
// distinction) and on trustelem-go-diskfs/filesystem/ext4/extent.go's
// flatter extents slice, which is the closer shape to ours. Descriptor
// byte layout is grounded on original_source/src/lolelffs.h's
// struct lolelffs_extent.
package extent

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// Flag bits for Descriptor.Flags, per spec §3.
const (
	FlagCompressed uint16 = 0x0001
	FlagEncrypted  uint16 = 0x0002
	FlagHasMeta    uint16 = 0x0004
	FlagMixed      uint16 = 0x0008
)

// Size is the marshaled byte size of one extent descriptor.
const Size = 24

// Descriptor is one extent: a contiguous run of physical blocks backing
// a contiguous logical range of a file.
type Descriptor struct {
	LogicalBlock uint32
	Length       uint32
	StartPhys    uint32
	CompAlgo     uint16
	EncAlgo      uint8
	Flags        uint16
	MetaBlock    uint32
}

// Used reports whether this slot holds a live extent. A zero StartPhys
// terminates the list, per spec §3.
func (d Descriptor) Used() bool { return d.StartPhys != 0 }

// Covers reports whether logical block iblock falls within this extent.
func (d Descriptor) Covers(iblock uint32) bool {
	return d.Used() && iblock >= d.LogicalBlock && iblock < d.LogicalBlock+d.Length
}

// PhysBlock resolves the physical block backing logical block iblock,
// assuming Covers(iblock).
func (d Descriptor) PhysBlock(iblock uint32) uint32 {
	return d.StartPhys + (iblock - d.LogicalBlock)
}

// Encode marshals the descriptor to its 24-byte on-disk form.
func (d Descriptor) Encode() [Size]byte {
	var b [Size]byte
	binary.LittleEndian.PutUint32(b[0:4], d.LogicalBlock)
	binary.LittleEndian.PutUint32(b[4:8], d.Length)
	binary.LittleEndian.PutUint32(b[8:12], d.StartPhys)
	binary.LittleEndian.PutUint16(b[12:14], d.CompAlgo)
	b[14] = d.EncAlgo
	// b[15] reserved
	binary.LittleEndian.PutUint16(b[16:18], d.Flags)
	// b[18:20] reserved2
	binary.LittleEndian.PutUint32(b[20:24], d.MetaBlock)
	return b
}

// Decode parses a 24-byte on-disk extent descriptor.
func Decode(b []byte) Descriptor {
	return Descriptor{
		LogicalBlock: binary.LittleEndian.Uint32(b[0:4]),
		Length:       binary.LittleEndian.Uint32(b[4:8]),
		StartPhys:    binary.LittleEndian.Uint32(b[8:12]),
		CompAlgo:     binary.LittleEndian.Uint16(b[12:14]),
		EncAlgo:      b[14],
		Flags:        binary.LittleEndian.Uint16(b[16:18]),
		MetaBlock:    binary.LittleEndian.Uint32(b[20:24]),
	}
}

// Outcome classifies the result of Locate.
type Outcome int

const (
	// Found means the returned index holds a live extent covering the
	// requested logical block.
	Found Outcome = iota
	// Gap means no live extent covers the requested logical block, but
	// FreeSlot names the first unused slot available for allocation.
	Gap
	// Full means every slot is used and none covers the requested
	// logical block: the index is read-only-exhausted for this block.
	Full
)

// Result is the outcome of locating a logical block in an Index.
type Result struct {
	Outcome  Outcome
	Index    int // valid when Outcome == Found
	FreeSlot int // valid when Outcome == Gap
}

// Index is the in-memory view of one extent index block: the leading
// nr_files/directory-count word (meaningful only for directories) plus
// the fixed array of extent descriptors.
type Index struct {
	NRFiles  uint32
	Extents  []Descriptor // always len() == capacity, trailing entries zero
	capacity int
}

// NewIndex creates an empty index with the given slot capacity.
func NewIndex(capacity int) *Index {
	return &Index{Extents: make([]Descriptor, capacity), capacity: capacity}
}

// DecodeIndex parses a full 4096-byte extent index block.
func DecodeIndex(b []byte, capacity int) *Index {
	idx := NewIndex(capacity)
	idx.NRFiles = binary.LittleEndian.Uint32(b[0:4])
	off := 4
	for i := 0; i < capacity; i++ {
		idx.Extents[i] = Decode(b[off : off+Size])
		off += Size
	}
	return idx
}

// Encode serializes the index back to a 4096-byte block buffer.
func (idx *Index) Encode(blockSize int) []byte {
	b := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(b[0:4], idx.NRFiles)
	off := 4
	for _, e := range idx.Extents {
		enc := e.Encode()
		copy(b[off:off+Size], enc[:])
		off += Size
	}
	return b
}

// Count returns the number of used slots (the position of the first
// terminator, i.e. first slot with StartPhys == 0).
func (idx *Index) Count() int {
	for i, e := range idx.Extents {
		if !e.Used() {
			return i
		}
	}
	return len(idx.Extents)
}

// TotalBlocks sums Length over all used extents.
func (idx *Index) TotalBlocks() uint64 {
	var total uint64
	for _, e := range idx.Extents {
		if !e.Used() {
			break
		}
		total += uint64(e.Length)
	}
	return total
}

// Locate performs a binary search for the extent whose logical range
// contains iblock, per spec §4.3.
func (idx *Index) Locate(iblock uint32) Result {
	n := idx.Count()
	if n == 0 {
		if len(idx.Extents) == 0 {
			return Result{Outcome: Full}
		}
		return Result{Outcome: Gap, FreeSlot: 0}
	}
	i := sort.Search(n, func(i int) bool {
		return idx.Extents[i].LogicalBlock+idx.Extents[i].Length > iblock
	})
	if i < n && idx.Extents[i].Covers(iblock) {
		return Result{Outcome: Found, Index: i}
	}
	if n < len(idx.Extents) {
		return Result{Outcome: Gap, FreeSlot: n}
	}
	return Result{Outcome: Full}
}

// LocateWithHint probes hint and hint+1 first for sequential-access
// locality before falling back to a full binary search, per spec §4.3's
// optional locate_with_hint.
func (idx *Index) LocateWithHint(iblock uint32, hint int) Result {
	n := idx.Count()
	for _, i := range []int{hint, hint + 1} {
		if i >= 0 && i < n && idx.Extents[i].Covers(iblock) {
			return Result{Outcome: Found, Index: i}
		}
	}
	return idx.Locate(iblock)
}

// Validate checks the invariants of spec §4.3: extents sorted by
// LogicalBlock, lengths in [1, maxBlocksPerExtent], logical coverage
// contiguous starting at 0, and every used extent has a non-zero
// StartPhys.
func (idx *Index) Validate(maxBlocksPerExtent uint32) error {
	n := idx.Count()
	var wantNext uint32
	for i := 0; i < n; i++ {
		e := idx.Extents[i]
		if !e.Used() {
			return fmt.Errorf("extent %d: marked used but StartPhys == 0", i)
		}
		if e.Length == 0 || e.Length > maxBlocksPerExtent {
			return fmt.Errorf("extent %d: length %d out of range [1,%d]", i, e.Length, maxBlocksPerExtent)
		}
		if e.LogicalBlock != wantNext {
			return fmt.Errorf("extent %d: logical_block %d, expected contiguous start %d", i, e.LogicalBlock, wantNext)
		}
		wantNext = e.LogicalBlock + e.Length
		if i > 0 && idx.Extents[i-1].LogicalBlock >= e.LogicalBlock {
			return fmt.Errorf("extent %d: not sorted after extent %d", i, i-1)
		}
	}
	return nil
}
