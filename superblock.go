package lolelffs

import (
	"encoding/binary"
	"fmt"
)

// SuperblockSize is the on-disk size mkfs reserves for the superblock
// record; the remainder of block 0 is unused padding, reserved for
// future growth the way the source leaves its trailing `reserved[3]`
// words.
const SuperblockSize = 512

// Superblock is the in-memory form of the filesystem's single
// superblock record (logical block SuperblockNum).
type Superblock struct {
	MagicNum uint32

	NRBlocks uint32
	NRInodes uint32

	NRIStoreBlocks uint32
	NRIFreeBlocks  uint32
	NRBFreeBlocks  uint32

	NRFreeInodes uint32
	NRFreeBlocks uint32

	Version              uint32
	CompDefaultAlgo      uint32
	CompEnabled          uint32
	CompMinBlockSize     uint32
	CompFeatures         uint32
	MaxExtentBlocks      uint32
	MaxExtentBlocksLarge uint32

	EncEnabled      uint32
	EncDefaultAlgo  uint32
	EncKDFAlgo      uint32
	EncKDFIter      uint32
	EncKDFMemory    uint32
	EncKDFParallel  uint32
	EncSalt         [32]byte
	EncMasterKeyEnc [32]byte
	EncFeatures     uint32

	// VolumeUUID identifies this image the way ext4's s_uuid does,
	// generated once by mkfs. It plays no role in mount validation.
	VolumeUUID [16]byte
}

// Encode marshals the superblock into a SuperblockSize-byte record.
func (sb *Superblock) Encode() [SuperblockSize]byte {
	var b [SuperblockSize]byte
	binary.LittleEndian.PutUint32(b[0:4], sb.MagicNum)
	binary.LittleEndian.PutUint32(b[4:8], sb.NRBlocks)
	binary.LittleEndian.PutUint32(b[8:12], sb.NRInodes)
	binary.LittleEndian.PutUint32(b[12:16], sb.NRIStoreBlocks)
	binary.LittleEndian.PutUint32(b[16:20], sb.NRIFreeBlocks)
	binary.LittleEndian.PutUint32(b[20:24], sb.NRBFreeBlocks)
	binary.LittleEndian.PutUint32(b[24:28], sb.NRFreeInodes)
	binary.LittleEndian.PutUint32(b[28:32], sb.NRFreeBlocks)
	binary.LittleEndian.PutUint32(b[32:36], sb.Version)
	binary.LittleEndian.PutUint32(b[36:40], sb.CompDefaultAlgo)
	binary.LittleEndian.PutUint32(b[40:44], sb.CompEnabled)
	binary.LittleEndian.PutUint32(b[44:48], sb.CompMinBlockSize)
	binary.LittleEndian.PutUint32(b[48:52], sb.CompFeatures)
	binary.LittleEndian.PutUint32(b[52:56], sb.MaxExtentBlocks)
	binary.LittleEndian.PutUint32(b[56:60], sb.MaxExtentBlocksLarge)
	binary.LittleEndian.PutUint32(b[60:64], sb.EncEnabled)
	binary.LittleEndian.PutUint32(b[64:68], sb.EncDefaultAlgo)
	binary.LittleEndian.PutUint32(b[68:72], sb.EncKDFAlgo)
	binary.LittleEndian.PutUint32(b[72:76], sb.EncKDFIter)
	binary.LittleEndian.PutUint32(b[76:80], sb.EncKDFMemory)
	binary.LittleEndian.PutUint32(b[80:84], sb.EncKDFParallel)
	copy(b[84:116], sb.EncSalt[:])
	copy(b[116:148], sb.EncMasterKeyEnc[:])
	binary.LittleEndian.PutUint32(b[148:152], sb.EncFeatures)
	copy(b[152:168], sb.VolumeUUID[:])
	return b
}

// DecodeSuperblock parses a superblock record. It does not validate the
// magic number or any invariant; callers should call Validate afterward.
func DecodeSuperblock(b []byte) (*Superblock, error) {
	if len(b) < SuperblockSize {
		return nil, fmt.Errorf("lolelffs: superblock record too short: %d < %d", len(b), SuperblockSize)
	}
	sb := &Superblock{
		MagicNum:             binary.LittleEndian.Uint32(b[0:4]),
		NRBlocks:             binary.LittleEndian.Uint32(b[4:8]),
		NRInodes:             binary.LittleEndian.Uint32(b[8:12]),
		NRIStoreBlocks:       binary.LittleEndian.Uint32(b[12:16]),
		NRIFreeBlocks:        binary.LittleEndian.Uint32(b[16:20]),
		NRBFreeBlocks:        binary.LittleEndian.Uint32(b[20:24]),
		NRFreeInodes:         binary.LittleEndian.Uint32(b[24:28]),
		NRFreeBlocks:         binary.LittleEndian.Uint32(b[28:32]),
		Version:              binary.LittleEndian.Uint32(b[32:36]),
		CompDefaultAlgo:      binary.LittleEndian.Uint32(b[36:40]),
		CompEnabled:          binary.LittleEndian.Uint32(b[40:44]),
		CompMinBlockSize:     binary.LittleEndian.Uint32(b[44:48]),
		CompFeatures:         binary.LittleEndian.Uint32(b[48:52]),
		MaxExtentBlocks:      binary.LittleEndian.Uint32(b[52:56]),
		MaxExtentBlocksLarge: binary.LittleEndian.Uint32(b[56:60]),
		EncEnabled:           binary.LittleEndian.Uint32(b[60:64]),
		EncDefaultAlgo:       binary.LittleEndian.Uint32(b[64:68]),
		EncKDFAlgo:           binary.LittleEndian.Uint32(b[68:72]),
		EncKDFIter:           binary.LittleEndian.Uint32(b[72:76]),
		EncKDFMemory:         binary.LittleEndian.Uint32(b[76:80]),
		EncKDFParallel:       binary.LittleEndian.Uint32(b[80:84]),
		EncFeatures:          binary.LittleEndian.Uint32(b[148:152]),
	}
	copy(sb.EncSalt[:], b[84:116])
	copy(sb.EncMasterKeyEnc[:], b[116:148])
	copy(sb.VolumeUUID[:], b[152:168])
	return sb, nil
}

// Validate checks the structural invariants a mounted superblock must
// satisfy (spec §4.1): correct magic/version, and a layout
// (superblock + inode store + the two bitmaps + data blocks) that fits
// within NRBlocks.
func (sb *Superblock) Validate() error {
	if sb.MagicNum != Magic {
		return newErr("Validate", KindCorrupt, fmt.Errorf("bad magic: got 0x%x, want 0x%x", sb.MagicNum, Magic))
	}
	if sb.Version != Version {
		return newErr("Validate", KindUnsupported, fmt.Errorf("unsupported version %d", sb.Version))
	}
	reserved := uint64(1) + uint64(sb.NRIStoreBlocks) + uint64(sb.NRIFreeBlocks) + uint64(sb.NRBFreeBlocks)
	if reserved > uint64(sb.NRBlocks) {
		return newErr("Validate", KindCorrupt, fmt.Errorf("layout blocks %d exceed nr_blocks %d", reserved, sb.NRBlocks))
	}
	if sb.NRFreeInodes > sb.NRInodes {
		return newErr("Validate", KindCorrupt, fmt.Errorf("nr_free_inodes %d exceeds nr_inodes %d", sb.NRFreeInodes, sb.NRInodes))
	}
	dataBlocks := uint64(sb.NRBlocks) - reserved
	if sb.NRFreeBlocks > uint64ToU32Clamp(dataBlocks) && dataBlocks < uint64(^uint32(0)) {
		return newErr("Validate", KindCorrupt, fmt.Errorf("nr_free_blocks %d exceeds data blocks %d", sb.NRFreeBlocks, dataBlocks))
	}
	return nil
}

func uint64ToU32Clamp(v uint64) uint32 {
	if v > uint64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(v)
}

// EffectiveMaxExtentBlocks returns the per-extent block cap that
// applies given this superblock's comp_features.
func (sb *Superblock) EffectiveMaxExtentBlocks() uint32 {
	if sb.CompFeatures&FeatureLargeExtents != 0 {
		return sb.MaxExtentBlocksLarge
	}
	return sb.MaxExtentBlocks
}

// DataBlockStart returns the logical block number of the first data
// block, i.e. the block immediately following the superblock, inode
// store, and the two free-space bitmaps.
func (sb *Superblock) DataBlockStart() uint32 {
	return 1 + sb.NRIStoreBlocks + sb.NRIFreeBlocks + sb.NRBFreeBlocks
}

// MaxFileSize returns the largest byte offset a file on this volume can
// address: every extent slot, fully grown under this superblock's
// effective per-extent cap.
func (sb *Superblock) MaxFileSize() uint64 {
	return uint64(MaxExtents) * uint64(sb.EffectiveMaxExtentBlocks()) * uint64(BlockSize)
}
