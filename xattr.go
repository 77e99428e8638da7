package lolelffs

import (
	"encoding/binary"
	"fmt"

	"github.com/hodgesds/lolelffs/extent"
)

// Xattr namespace indices, per spec §4.5 / original_source/src/lolelffs.h.
const (
	XattrNamespaceUser     uint8 = 0
	XattrNamespaceTrusted  uint8 = 1
	XattrNamespaceSystem   uint8 = 2
	XattrNamespaceSecurity uint8 = 3
)

// XattrEntryHeaderSize is the fixed size of one packed xattr entry's
// header, preceding its name and value bytes.
const XattrEntryHeaderSize = 12

// XattrSetFlags mirrors the CREATE/REPLACE semantics of the xattr(7)
// set operation.
type XattrSetFlags uint8

const (
	XattrSetDefault XattrSetFlags = 0
	XattrSetCreate  XattrSetFlags = 1 << 0
	XattrSetReplace XattrSetFlags = 1 << 1
)

// XattrEntry is one decoded packed entry.
type XattrEntry struct {
	NameIndex uint8
	Name      string
	Value     []byte
}

func align4(n int) int { return (n + 3) &^ 3 }

func encodedXattrEntrySize(nameLen, valueLen int) int {
	return align4(XattrEntryHeaderSize + nameLen + 1 + valueLen)
}

// encodeXattrEntry marshals one entry into its padded, 4-byte-aligned
// on-disk form: header, name, NUL terminator, value, zero padding.
func encodeXattrEntry(e XattrEntry) ([]byte, error) {
	nameLen := len(e.Name)
	if nameLen == 0 || nameLen > FilenameLen {
		return nil, newErr("encodeXattrEntry", KindInvalidArgument, fmt.Errorf("name length %d out of range [1,%d]", nameLen, FilenameLen))
	}
	if len(e.Value) > 65535 {
		return nil, newErr("encodeXattrEntry", KindInvalidArgument, fmt.Errorf("value length %d exceeds 65535", len(e.Value)))
	}
	size := encodedXattrEntrySize(nameLen, len(e.Value))
	b := make([]byte, size)
	b[0] = byte(nameLen)
	b[1] = e.NameIndex
	binary.LittleEndian.PutUint16(b[2:4], uint16(len(e.Value)))
	valueOffset := XattrEntryHeaderSize + nameLen + 1
	binary.LittleEndian.PutUint32(b[4:8], uint32(valueOffset))
	// b[8:12] reserved
	copy(b[XattrEntryHeaderSize:XattrEntryHeaderSize+nameLen], e.Name)
	// b[XattrEntryHeaderSize+nameLen] is the NUL terminator, already zero
	copy(b[valueOffset:valueOffset+len(e.Value)], e.Value)
	return b, nil
}

// decodeXattrEntryAt parses one packed entry starting at data[offset:],
// returning the entry and its total on-disk size (including alignment
// padding), or ok == false if offset marks the end of the stream
// (name_len == 0, or too little data remains for a header).
func decodeXattrEntryAt(data []byte, offset int) (entry XattrEntry, size int, ok bool) {
	if offset+XattrEntryHeaderSize > len(data) {
		return XattrEntry{}, 0, false
	}
	nameLen := int(data[offset])
	if nameLen == 0 {
		return XattrEntry{}, 0, false
	}
	nameIndex := data[offset+1]
	valueLen := int(binary.LittleEndian.Uint16(data[offset+2 : offset+4]))
	valueOffset := int(binary.LittleEndian.Uint32(data[offset+4 : offset+8]))

	nameStart := offset + XattrEntryHeaderSize
	if nameStart+nameLen > len(data) {
		return XattrEntry{}, 0, false
	}
	name := string(data[nameStart : nameStart+nameLen])

	valStart := offset + valueOffset
	if valStart+valueLen > len(data) {
		return XattrEntry{}, 0, false
	}
	value := append([]byte(nil), data[valStart:valStart+valueLen]...)

	total := encodedXattrEntrySize(nameLen, valueLen)
	return XattrEntry{NameIndex: nameIndex, Name: name, Value: value}, total, true
}

// FindXattr scans the packed entry stream data for (nameIndex, name),
// returning the byte offset and decoded entry if found.
func FindXattr(data []byte, nameIndex uint8, name string) (offset int, entry XattrEntry, found bool) {
	off := 0
	for {
		e, size, ok := decodeXattrEntryAt(data, off)
		if !ok {
			return 0, XattrEntry{}, false
		}
		if e.NameIndex == nameIndex && e.Name == name {
			return off, e, true
		}
		off += size
	}
}

// ListXattr walks the packed entry stream and returns every entry's
// namespace and name (values omitted, matching the listxattr(2) size
// contract of names only).
func ListXattr(data []byte) []XattrEntry {
	var out []XattrEntry
	off := 0
	for {
		e, size, ok := decodeXattrEntryAt(data, off)
		if !ok {
			return out
		}
		out = append(out, XattrEntry{NameIndex: e.NameIndex, Name: e.Name})
		off += size
	}
}

// GetXattr returns the value stored for (nameIndex, name) in the packed
// stream data.
func GetXattr(data []byte, nameIndex uint8, name string) ([]byte, error) {
	_, e, found := FindXattr(data, nameIndex, name)
	if !found {
		return nil, newErr("GetXattr", KindNoData, fmt.Errorf("no such attribute"))
	}
	return e.Value, nil
}

// SetXattr returns a new packed stream with (nameIndex, name) set to
// value, honoring CREATE/REPLACE flags per spec §4.5:
//   - name exists and CREATE is set: fail AlreadyExists.
//   - name absent and REPLACE is set: fail NoData.
//   - otherwise: remove any existing entry, append the new one.
//
// It fails with NoSpace if the result would exceed XattrMaxPackedSize;
// re-extenting storage if the result grew is left to the caller.
func SetXattr(data []byte, nameIndex uint8, name string, value []byte, flags XattrSetFlags) ([]byte, error) {
	offset, _, found := FindXattr(data, nameIndex, name)
	if found && flags&XattrSetCreate != 0 {
		return nil, newErr("SetXattr", KindAlreadyExists, fmt.Errorf("attribute %q already exists", name))
	}
	if !found && flags&XattrSetReplace != 0 {
		return nil, newErr("SetXattr", KindNoData, fmt.Errorf("no such attribute %q", name))
	}

	out := data
	if found {
		out = removeEntryAt(data, offset)
	}

	encoded, err := encodeXattrEntry(XattrEntry{NameIndex: nameIndex, Name: name, Value: value})
	if err != nil {
		return nil, err
	}
	out = append(append([]byte(nil), out...), encoded...)
	if len(out) > XattrMaxPackedSize {
		return nil, newErr("SetXattr", KindNoSpace, fmt.Errorf("packed xattr stream would exceed %d bytes", XattrMaxPackedSize))
	}
	return out, nil
}

// RemoveXattr returns a new packed stream with (nameIndex, name)
// removed, per the memmove-style shift the source implements.
func RemoveXattr(data []byte, nameIndex uint8, name string) ([]byte, error) {
	offset, _, found := FindXattr(data, nameIndex, name)
	if !found {
		return nil, newErr("RemoveXattr", KindNoData, fmt.Errorf("no such attribute %q", name))
	}
	return removeEntryAt(data, offset), nil
}

// removeEntryAt cuts the entry at offset out of data, shifting
// everything after it down (the Go equivalent of the source's memmove).
func removeEntryAt(data []byte, offset int) []byte {
	_, size, ok := decodeXattrEntryAt(data, offset)
	if !ok {
		return data
	}
	out := make([]byte, 0, len(data)-size)
	out = append(out, data[:offset]...)
	out = append(out, data[offset+size:]...)
	return out
}

// xattrIndex is the in-memory view of one xattr extent-index block, per
// spec §3: total_size/count header followed by an extent array whose
// descriptors point at the data blocks holding the packed entry stream.
// Unlike a directory/file extent index, a packed stream never needs more
// than one extent in practice (XattrMaxPackedSize is 8 blocks, well
// under MaxBlocksPerExtent), so the helpers below only ever populate
// Extents[0] — matching spec §4.5's "update the first extent
// descriptor" growth rule — but the full array is kept and
// marshaled/unmarshaled so a hand-crafted image with more is read back
// faithfully.
type xattrIndex struct {
	TotalSize uint32
	Count     uint32
	Extents   []extent.Descriptor
}

func newXattrIndex() *xattrIndex {
	return &xattrIndex{Extents: make([]extent.Descriptor, XattrIndexCapacity)}
}

// decodeXattrIndex parses a full block-sized xattr extent-index block.
func decodeXattrIndex(b []byte) *xattrIndex {
	idx := newXattrIndex()
	idx.TotalSize = binary.LittleEndian.Uint32(b[0:4])
	idx.Count = binary.LittleEndian.Uint32(b[4:8])
	off := XattrIndexHeaderSize
	for i := range idx.Extents {
		idx.Extents[i] = extent.Decode(b[off : off+extent.Size])
		off += extent.Size
	}
	return idx
}

// encode serializes the index back to a block-sized buffer.
func (idx *xattrIndex) encode() []byte {
	b := make([]byte, BlockSize)
	binary.LittleEndian.PutUint32(b[0:4], idx.TotalSize)
	binary.LittleEndian.PutUint32(b[4:8], idx.Count)
	off := XattrIndexHeaderSize
	for _, e := range idx.Extents {
		enc := e.Encode()
		copy(b[off:off+extent.Size], enc[:])
		off += extent.Size
	}
	return b
}

// readXattrIndex loads the xattr extent-index block at logical block
// lbn.
func (v *Volume) readXattrIndex(lbn uint32) (*xattrIndex, error) {
	buf, err := v.dev.ReadBlock(lbn)
	if err != nil {
		return nil, newErr("readXattrIndex", KindIO, err)
	}
	idx := decodeXattrIndex(buf.Bytes())
	buf.Release()
	return idx, nil
}

// writeXattrIndex serializes idx back to logical block lbn and syncs it
// immediately, matching spec §5's synchronous extent-index writeback.
func (v *Volume) writeXattrIndex(lbn uint32, idx *xattrIndex) error {
	if err := v.dev.WriteBlock(lbn, idx.encode()); err != nil {
		return newErr("writeXattrIndex", KindIO, err)
	}
	return v.dev.SyncBlock(lbn)
}

// readXattrStream reassembles the packed entry stream by reading each of
// idx's data extents in order and concatenating their payload,
// truncated to idx.TotalSize, per spec §4.5.
func (v *Volume) readXattrStream(idx *xattrIndex) ([]byte, error) {
	if idx.TotalSize == 0 {
		return nil, nil
	}
	var out []byte
	for _, e := range idx.Extents {
		if !e.Used() {
			break
		}
		chunk, err := readBlockRange(v.dev, e.StartPhys, e.Length)
		if err != nil {
			return nil, newErr("readXattrStream", KindIO, err)
		}
		out = append(out, chunk...)
	}
	if uint32(len(out)) < idx.TotalSize {
		return nil, newErr("readXattrStream", KindCorrupt, fmt.Errorf("xattr stream truncated: have %d bytes, want %d", len(out), idx.TotalSize))
	}
	return out[:idx.TotalSize], nil
}

// writeXattrStream stores data as idx's packed stream, reallocating
// idx.Extents[0] when data no longer fits in the current run (freeing
// the old run first) and updating the first extent descriptor, exactly
// as spec §4.5 describes. A nil/empty data frees the run entirely.
func (v *Volume) writeXattrStream(idx *xattrIndex, data []byte) error {
	var needed uint32
	if len(data) > 0 {
		needed = (uint32(len(data)) + BlockSize - 1) / BlockSize
	}
	cur := idx.Extents[0]

	if needed == 0 {
		if cur.Used() {
			v.alloc.FreeBlocks(cur.StartPhys, cur.Length)
		}
		idx.Extents[0] = extent.Descriptor{}
		idx.TotalSize = 0
		return nil
	}

	if !cur.Used() || cur.Length < needed {
		if cur.Used() {
			v.alloc.FreeBlocks(cur.StartPhys, cur.Length)
		}
		start := v.alloc.AllocBlocks(needed)
		if start == 0 {
			idx.Extents[0] = extent.Descriptor{}
			idx.TotalSize = 0
			return newErr("writeXattrStream", KindNoSpace, fmt.Errorf("no free run of %d blocks for xattr stream", needed))
		}
		idx.Extents[0] = extent.Descriptor{LogicalBlock: 0, Length: needed, StartPhys: start}
	}

	e := idx.Extents[0]
	if err := writeBlockRange(v.dev, e.StartPhys, data); err != nil {
		return newErr("writeXattrStream", KindIO, err)
	}
	idx.TotalSize = uint32(len(data))
	return nil
}

// GetXattr reads inode ino's on-disk xattr store and returns the value
// recorded for (nameIndex, name).
func (v *Volume) GetXattr(ino uint32, nameIndex uint8, name string) ([]byte, error) {
	in, err := v.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if in.XattrBlock == 0 {
		return nil, newErr("GetXattr", KindNoData, fmt.Errorf("inode %d has no xattrs", ino))
	}
	idx, err := v.readXattrIndex(in.XattrBlock)
	if err != nil {
		return nil, err
	}
	data, err := v.readXattrStream(idx)
	if err != nil {
		return nil, err
	}
	return GetXattr(data, nameIndex, name)
}

// ListXattr reads inode ino's on-disk xattr store and returns every
// entry's namespace and name, per the listxattr(2) names-only contract.
// An inode with no xattr block has no entries.
func (v *Volume) ListXattr(ino uint32) ([]XattrEntry, error) {
	in, err := v.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if in.XattrBlock == 0 {
		return nil, nil
	}
	idx, err := v.readXattrIndex(in.XattrBlock)
	if err != nil {
		return nil, err
	}
	data, err := v.readXattrStream(idx)
	if err != nil {
		return nil, err
	}
	return ListXattr(data), nil
}

// SetXattr sets (nameIndex, name) to value on inode ino's on-disk xattr
// store, per spec §4.5: allocating and zeroing the xattr index block on
// first use, reassembling and rewriting the packed stream, and
// reallocating its data run when the stream outgrows it.
func (v *Volume) SetXattr(ino uint32, nameIndex uint8, name string, value []byte, flags XattrSetFlags) error {
	in, err := v.ReadInode(ino)
	if err != nil {
		return err
	}

	var idx *xattrIndex
	allocatedBlock := false
	if in.XattrBlock == 0 {
		blk := v.alloc.AllocBlocks(1)
		if blk == 0 {
			return newErr("SetXattr", KindNoSpace, fmt.Errorf("no free block for xattr index"))
		}
		idx = newXattrIndex()
		in.XattrBlock = blk
		allocatedBlock = true
	} else {
		idx, err = v.readXattrIndex(in.XattrBlock)
		if err != nil {
			return err
		}
	}

	data, err := v.readXattrStream(idx)
	if err != nil {
		if allocatedBlock {
			v.alloc.FreeBlocks(in.XattrBlock, 1)
		}
		return err
	}

	newData, err := SetXattr(data, nameIndex, name, value, flags)
	if err != nil {
		if allocatedBlock {
			v.alloc.FreeBlocks(in.XattrBlock, 1)
		}
		return err
	}

	if err := v.writeXattrStream(idx, newData); err != nil {
		if allocatedBlock {
			v.alloc.FreeBlocks(in.XattrBlock, 1)
		}
		return err
	}
	idx.Count = uint32(len(ListXattr(newData)))

	if err := v.writeXattrIndex(in.XattrBlock, idx); err != nil {
		return err
	}
	if allocatedBlock {
		if err := v.WriteInode(ino, in); err != nil {
			return err
		}
	}
	return nil
}

// RemoveXattr removes (nameIndex, name) from inode ino's on-disk xattr
// store, shifting the packed stream down in place (or freeing its data
// run entirely if the removed entry was the last one).
func (v *Volume) RemoveXattr(ino uint32, nameIndex uint8, name string) error {
	in, err := v.ReadInode(ino)
	if err != nil {
		return err
	}
	if in.XattrBlock == 0 {
		return newErr("RemoveXattr", KindNoData, fmt.Errorf("inode %d has no xattrs", ino))
	}
	idx, err := v.readXattrIndex(in.XattrBlock)
	if err != nil {
		return err
	}
	data, err := v.readXattrStream(idx)
	if err != nil {
		return err
	}
	newData, err := RemoveXattr(data, nameIndex, name)
	if err != nil {
		return err
	}
	if err := v.writeXattrStream(idx, newData); err != nil {
		return err
	}
	idx.Count = uint32(len(ListXattr(newData)))
	return v.writeXattrIndex(in.XattrBlock, idx)
}
