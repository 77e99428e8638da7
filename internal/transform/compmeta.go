package transform

import "encoding/binary"

// CompMetaMagic tags a reserved compression-metadata block: a block type
// the original format reserves space for but never populates in the
// mkfs/fsck tooling this was distilled from (see original_source). It is
// decoded defensively and never written by the current pipeline; a
// future per-extent dictionary or checksum table would live here without
// changing the on-disk extent layout.
const CompMetaMagic uint32 = 0xC04FFEE5

// CompMetaSize is the fixed on-disk size of a CompBlockMeta record.
const CompMetaSize = 16

// CompBlockMeta is the reserved payload of a compression-metadata block,
// referenced by extent.Descriptor.MetaBlock when Flags&FlagHasMeta is
// set and the extent's CompAlgo indicates a compressor that uses
// external metadata (none currently do; this is forward-reserved).
type CompBlockMeta struct {
	Magic     uint32
	DictBlock uint32
	DictLen   uint32
	Checksum  uint32
}

// DecodeCompMeta parses a CompBlockMeta from the front of b. It returns
// ok == false if b is too short or the magic doesn't match, so callers
// can treat an unrecognized meta_block as absent rather than corrupt.
func DecodeCompMeta(b []byte) (m CompBlockMeta, ok bool) {
	if len(b) < CompMetaSize {
		return CompBlockMeta{}, false
	}
	magic := binary.LittleEndian.Uint32(b[0:4])
	if magic != CompMetaMagic {
		return CompBlockMeta{}, false
	}
	return CompBlockMeta{
		Magic:     magic,
		DictBlock: binary.LittleEndian.Uint32(b[4:8]),
		DictLen:   binary.LittleEndian.Uint32(b[8:12]),
		Checksum:  binary.LittleEndian.Uint32(b[12:16]),
	}, true
}

// Encode marshals m into a CompMetaSize-byte record.
func (m CompBlockMeta) Encode() [CompMetaSize]byte {
	var b [CompMetaSize]byte
	binary.LittleEndian.PutUint32(b[0:4], CompMetaMagic)
	binary.LittleEndian.PutUint32(b[4:8], m.DictBlock)
	binary.LittleEndian.PutUint32(b[8:12], m.DictLen)
	binary.LittleEndian.PutUint32(b[12:16], m.Checksum)
	return b
}
