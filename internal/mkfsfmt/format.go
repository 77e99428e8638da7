// Package mkfsfmt implements the on-disk layout mkfs.lolelffs writes: a
// superblock, an inode store holding only the root directory, the two
// free-space bitmaps, and the root directory's empty extent-index
// block. It is factored out of cmd/mkfs so that fsck.lolelffs's tests
// can build known-good fixture images the same way the real tool does,
// rather than hand-assembling bytes a second time.
//
// Grounded on original_source/src/mkfs.c's write_superblock /
// write_inode_store / write_ifree_blocks / write_bfree_blocks /
// write_data_blocks sequence; the layout arithmetic (nr_istore_blocks,
// nr_ifree_blocks, nr_bfree_blocks, first_data_block) matches that file
// exactly. original_source/mkfs.c (an earlier revision) computes
// nr_data_blocks without reserving a block for the superblock itself;
// Layout reports that count too, as LegacyDataBlocks.
package mkfsfmt

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/hodgesds/lolelffs"
	"github.com/hodgesds/lolelffs/extent"
	"github.com/hodgesds/lolelffs/internal/transform"
	"github.com/hodgesds/lolelffs/unlock"
)

// Layout bundles the block-count arithmetic write_superblock and its
// helper functions derive once and then share, the way the C tool passes
// the populated struct superblock to every write_* call.
type Layout struct {
	NRBlocks         uint32
	NRInodes         uint32
	NRIStoreBlocks   uint32
	NRIFreeBlocks    uint32
	NRBFreeBlocks    uint32
	FirstDataBlock   uint32
	NRDataBlocks     uint32 // this tool's convention: reserves a block for the superblock
	LegacyDataBlocks uint32 // original_source/mkfs.c's convention: does not
}

// ComputeLayout derives every block count mkfs needs from a raw block
// count, matching write_superblock's local variables.
func ComputeLayout(nrBlocks uint32) Layout {
	perBlock := lolelffs.InodesPerBlock()
	nrInodes := nrBlocks
	if mod := nrInodes % perBlock; mod != 0 {
		nrInodes += perBlock - mod
	}
	nrIStoreBlocks := idivCeil(nrInodes, perBlock)
	nrIFreeBlocks := idivCeil(nrInodes, lolelffs.BlockSize*8)
	nrBFreeBlocks := idivCeil(nrBlocks, lolelffs.BlockSize*8)
	reserved := 1 + nrIStoreBlocks + nrIFreeBlocks + nrBFreeBlocks

	return Layout{
		NRBlocks:         nrBlocks,
		NRInodes:         nrInodes,
		NRIStoreBlocks:   nrIStoreBlocks,
		NRIFreeBlocks:    nrIFreeBlocks,
		NRBFreeBlocks:    nrBFreeBlocks,
		FirstDataBlock:   reserved,
		NRDataBlocks:     nrBlocks - reserved,
		LegacyDataBlocks: nrBlocks - (reserved - 1),
	}
}

func idivCeil(a, b uint32) uint32 {
	ret := a / b
	if a%b != 0 {
		ret++
	}
	return ret
}

// Format writes a fresh lolelffs image of size bytes to w. If encrypt is
// true, the volume is unlockable afterward with password via
// Volume.Unlock. It returns the layout and superblock it wrote, for a
// caller to print a summary or inspect.
func Format(w io.WriterAt, size int64, encrypt bool, password string) (Layout, *lolelffs.Superblock, error) {
	if size <= 0 {
		return Layout{}, nil, fmt.Errorf("size must be positive")
	}
	nrBlocks := uint32(size / lolelffs.BlockSize)
	if nrBlocks < lolelffs.MinImageBlocks {
		return Layout{}, nil, fmt.Errorf("image too small: %d blocks < minimum %d", nrBlocks, lolelffs.MinImageBlocks)
	}
	l := ComputeLayout(nrBlocks)

	sb, err := buildSuperblock(l, encrypt, password)
	if err != nil {
		return Layout{}, nil, err
	}

	if err := writeSuperblock(w, sb); err != nil {
		return Layout{}, nil, err
	}
	if err := writeInodeStore(w, l); err != nil {
		return Layout{}, nil, err
	}
	if err := writeIFreeBlocks(w, l); err != nil {
		return Layout{}, nil, err
	}
	if err := writeBFreeBlocks(w, l); err != nil {
		return Layout{}, nil, err
	}
	if err := writeRootExtentIndex(w, l); err != nil {
		return Layout{}, nil, err
	}
	return l, sb, nil
}

func buildSuperblock(l Layout, encrypt bool, password string) (*lolelffs.Superblock, error) {
	volUUID, err := uuid.NewRandom()
	if err != nil {
		return nil, fmt.Errorf("generate volume uuid: %w", err)
	}

	sb := &lolelffs.Superblock{
		MagicNum:       lolelffs.Magic,
		NRBlocks:       l.NRBlocks,
		NRInodes:       l.NRInodes,
		NRIStoreBlocks: l.NRIStoreBlocks,
		NRIFreeBlocks:  l.NRIFreeBlocks,
		NRBFreeBlocks:  l.NRBFreeBlocks,
		NRFreeInodes:   l.NRInodes - 1,
		NRFreeBlocks:   l.NRDataBlocks - 1,

		Version:              lolelffs.Version,
		CompDefaultAlgo:      uint32(transform.CompLZ4),
		CompEnabled:          1,
		CompMinBlockSize:     128,
		CompFeatures:         lolelffs.FeatureLargeExtents,
		MaxExtentBlocks:      lolelffs.MaxBlocksPerExtent,
		MaxExtentBlocksLarge: lolelffs.MaxBlocksPerExtentLarge,

		EncEnabled:     0,
		EncDefaultAlgo: uint32(transform.EncNone),
		EncKDFAlgo:     uint32(unlock.KDFArgon2id),
		EncKDFIter:     3,
		EncKDFMemory:   65536,
		EncKDFParallel: 4,
	}
	copy(sb.VolumeUUID[:], volUUID[:])

	if encrypt {
		if err := enableEncryption(sb, password); err != nil {
			return nil, err
		}
	}
	return sb, nil
}

// enableEncryption wires a fresh random master key and salt into sb,
// wrapped under a key derived from password, matching the unlock
// protocol Volume.Unlock expects at mount time.
func enableEncryption(sb *lolelffs.Superblock, password string) error {
	sb.EncEnabled = 1
	sb.EncDefaultAlgo = uint32(transform.EncChaCha20Poly1305)

	if _, err := rand.Read(sb.EncSalt[:]); err != nil {
		return fmt.Errorf("generate salt: %w", err)
	}
	master := make([]byte, unlock.MasterKeySize)
	if _, err := rand.Read(master); err != nil {
		return fmt.Errorf("generate master key: %w", err)
	}
	defer unlock.Zero(master)

	params := unlock.Params{
		KDF:         unlock.KDFAlgo(sb.EncKDFAlgo),
		Iterations:  sb.EncKDFIter,
		MemoryKB:    sb.EncKDFMemory,
		Parallelism: sb.EncKDFParallel,
	}
	copy(params.Salt[:], sb.EncSalt[:])

	userKey, err := unlock.DeriveUserKey(params, []byte(password))
	if err != nil {
		return fmt.Errorf("derive user key: %w", err)
	}
	defer unlock.Zero(userKey)

	wrapped, err := unlock.WrapMasterKey(userKey, master)
	if err != nil {
		return fmt.Errorf("wrap master key: %w", err)
	}
	copy(sb.EncMasterKeyEnc[:], wrapped)
	return nil
}

func writeSuperblock(w io.WriterAt, sb *lolelffs.Superblock) error {
	enc := sb.Encode()
	padded := make([]byte, lolelffs.BlockSize)
	copy(padded, enc[:])
	if _, err := w.WriteAt(padded, 0); err != nil {
		return fmt.Errorf("write superblock: %w", err)
	}
	return nil
}

func writeInodeStore(w io.WriterAt, l Layout) error {
	root := &lolelffs.Inode{
		Mode:    lolelffs.ModeDir | 0755,
		NLink:   2,
		Size:    lolelffs.BlockSize,
		Blocks:  1,
		EIBlock: l.FirstDataBlock,
	}
	buf := make([]byte, lolelffs.BlockSize)
	enc := root.Encode()
	copy(buf, enc[:])

	if _, err := w.WriteAt(buf, int64(1)*lolelffs.BlockSize); err != nil {
		return fmt.Errorf("write root inode: %w", err)
	}

	zero := make([]byte, lolelffs.BlockSize)
	for i := uint32(1); i < l.NRIStoreBlocks; i++ {
		if _, err := w.WriteAt(zero, int64(1+i)*lolelffs.BlockSize); err != nil {
			return fmt.Errorf("zero inode store block %d: %w", i, err)
		}
	}
	return nil
}

func writeIFreeBlocks(w io.WriterAt, l Layout) error {
	start := int64(1 + l.NRIStoreBlocks)

	first := make([]byte, lolelffs.BlockSize)
	for i := range first {
		first[i] = 0xFF
	}
	first[0] = 0xFE // bit 0 (root inode) used, the rest free
	if _, err := w.WriteAt(first, start*lolelffs.BlockSize); err != nil {
		return fmt.Errorf("write inode bitmap block 0: %w", err)
	}

	all := make([]byte, lolelffs.BlockSize)
	for i := range all {
		all[i] = 0xFF
	}
	for i := uint32(1); i < l.NRIFreeBlocks; i++ {
		if _, err := w.WriteAt(all, (start+int64(i))*lolelffs.BlockSize); err != nil {
			return fmt.Errorf("write inode bitmap block %d: %w", i, err)
		}
	}
	return nil
}

func writeBFreeBlocks(w io.WriterAt, l Layout) error {
	start := int64(1 + l.NRIStoreBlocks + l.NRIFreeBlocks)

	// Superblock + istore + ifree + bfree + the root directory's own
	// data block are all used, matching write_bfree_blocks's nr_used.
	nrUsed := l.NRIStoreBlocks + l.NRIFreeBlocks + l.NRBFreeBlocks + 2

	first := make([]byte, lolelffs.BlockSize)
	for i := range first {
		first[i] = 0xFF
	}
	for i := uint32(0); i < nrUsed; i++ {
		first[i/8] &^= 1 << (i % 8)
	}
	if _, err := w.WriteAt(first, start*lolelffs.BlockSize); err != nil {
		return fmt.Errorf("write block bitmap block 0: %w", err)
	}

	all := make([]byte, lolelffs.BlockSize)
	for i := range all {
		all[i] = 0xFF
	}
	for i := uint32(1); i < l.NRBFreeBlocks; i++ {
		if _, err := w.WriteAt(all, (start+int64(i))*lolelffs.BlockSize); err != nil {
			return fmt.Errorf("write block bitmap block %d: %w", i, err)
		}
	}
	return nil
}

func writeRootExtentIndex(w io.WriterAt, l Layout) error {
	idx := extent.NewIndex(lolelffs.MaxExtents)
	enc := idx.Encode(lolelffs.BlockSize)
	if _, err := w.WriteAt(enc, int64(l.FirstDataBlock)*lolelffs.BlockSize); err != nil {
		return fmt.Errorf("write root directory extent index: %w", err)
	}
	return nil
}
