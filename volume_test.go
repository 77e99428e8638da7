package lolelffs

import (
	"testing"

	"github.com/hodgesds/lolelffs/block"
	"github.com/hodgesds/lolelffs/extent"
	"github.com/hodgesds/lolelffs/unlock"
)

// testImageLayout bundles the block numbers buildTestImage picks, so
// tests can reference them by name instead of recomputing the mkfs-style
// arithmetic inline.
type testImageLayout struct {
	nrBlocks      uint32
	nrInodes      uint32
	dataStart     uint32
	rootEIBlock   uint32
	fileEIBlock   uint32
	firstFreeData uint32
}

// buildTestImage hand-assembles a tiny, valid lolelffs image directly
// into a memStorage, the way mkfs would lay one out: a superblock, two
// free-space bitmaps, an inode store holding a root directory (inode 0)
// and one regular file (inode 1), and empty extent-index blocks for
// both. It plays the same role mkfs.c's main() does for the C fsck/mount
// tests — a known-good fixture rather than a round-trip through a
// mkfs implementation this package doesn't build here.
func buildTestImage(t *testing.T, encEnabled bool) (*memStorage, testImageLayout) {
	t.Helper()

	layout := testImageLayout{nrBlocks: 64, nrInodes: 64}
	perBlock := InodesPerBlock()
	nrIStoreBlocks := (layout.nrInodes + perBlock - 1) / perBlock
	nrIFreeBlocks := uint32(1)
	nrBFreeBlocks := uint32(1)

	layout.dataStart = 1 + nrIStoreBlocks + nrIFreeBlocks + nrBFreeBlocks
	layout.rootEIBlock = layout.dataStart
	layout.fileEIBlock = layout.dataStart + 1
	layout.firstFreeData = layout.dataStart + 2

	storage := newMemStorage(int(layout.nrBlocks) * block.Size)

	sb := &Superblock{
		MagicNum:             Magic,
		NRBlocks:             layout.nrBlocks,
		NRInodes:             layout.nrInodes,
		NRIStoreBlocks:       nrIStoreBlocks,
		NRIFreeBlocks:        nrIFreeBlocks,
		NRBFreeBlocks:        nrBFreeBlocks,
		NRFreeInodes:         layout.nrInodes - 2,
		NRFreeBlocks:         layout.nrBlocks - layout.firstFreeData,
		Version:              Version,
		CompDefaultAlgo:      uint32(1), // lz4, matches mkfs.c's default
		CompEnabled:          1,
		MaxExtentBlocks:      MaxBlocksPerExtent,
		MaxExtentBlocksLarge: MaxBlocksPerExtentLarge,
	}

	if encEnabled {
		sb.EncEnabled = 1
		sb.EncDefaultAlgo = uint32(2) // chacha20-poly1305
		sb.EncKDFAlgo = uint32(unlock.KDFPBKDF2)
		sb.EncKDFIter = 10
		for i := range sb.EncSalt {
			sb.EncSalt[i] = byte(i + 1)
		}
		master := make([]byte, unlock.MasterKeySize)
		for i := range master {
			master[i] = byte(0xA0 + i)
		}
		params := unlock.Params{KDF: unlock.KDFPBKDF2, Iterations: sb.EncKDFIter}
		copy(params.Salt[:], sb.EncSalt[:])
		userKey, err := unlock.DeriveUserKey(params, []byte("correct horse battery staple"))
		if err != nil {
			t.Fatalf("DeriveUserKey: %v", err)
		}
		wrapped, err := unlock.WrapMasterKey(userKey, master)
		if err != nil {
			t.Fatalf("WrapMasterKey: %v", err)
		}
		copy(sb.EncMasterKeyEnc[:], wrapped)
	}

	enc := sb.Encode()
	writeRaw(t, storage, 0, enc[:])

	inodeBM := make([]byte, block.Size)
	for i := range inodeBM {
		inodeBM[i] = 0xFF
	}
	inodeBM[0] = 0xFC // bits 0,1 (root, file1) used
	writeRaw(t, storage, int64(1+nrIStoreBlocks)*block.Size, inodeBM)

	blockBM := make([]byte, block.Size)
	for i := range blockBM {
		blockBM[i] = 0xFF
	}
	for i := uint32(0); i < layout.firstFreeData; i++ {
		blockBM[i/8] &^= 1 << (i % 8)
	}
	writeRaw(t, storage, int64(1+nrIStoreBlocks+nrIFreeBlocks)*block.Size, blockBM)

	root := &Inode{Mode: ModeDir | 0755, NLink: 2, Blocks: 2, EIBlock: layout.rootEIBlock}
	writeInodeRaw(t, storage, 0, root)

	file := &Inode{Mode: ModeRegular | 0644, NLink: 1, Blocks: 2, EIBlock: layout.fileEIBlock}
	writeInodeRaw(t, storage, 1, file)

	emptyIdx := extent.NewIndex(MaxExtents)
	writeRaw(t, storage, int64(layout.rootEIBlock)*block.Size, emptyIdx.Encode(block.Size))
	writeRaw(t, storage, int64(layout.fileEIBlock)*block.Size, emptyIdx.Encode(block.Size))

	return storage, layout
}

func writeRaw(t *testing.T, storage *memStorage, offset int64, data []byte) {
	t.Helper()
	if _, err := storage.WriteAt(data, offset); err != nil {
		t.Fatalf("WriteAt(%d): %v", offset, err)
	}
}

func writeInodeRaw(t *testing.T, storage *memStorage, ino uint32, in *Inode) {
	t.Helper()
	rel, off := InodeBlockAndOffset(ino)
	enc := in.Encode()
	writeRaw(t, storage, (int64(1+rel))*block.Size+int64(off), enc[:])
}

func mustMount(t *testing.T, storage *memStorage) *Volume {
	t.Helper()
	v, err := Mount(storage, nil)
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return v
}

func TestMountLoadsAllocatorState(t *testing.T) {
	storage, layout := buildTestImage(t, false)
	v := mustMount(t, storage)

	if got, want := v.alloc.FreeInodes(), layout.nrInodes-2; got != want {
		t.Fatalf("FreeInodes() = %d, want %d", got, want)
	}
	if got, want := v.alloc.FreeBlockCount(), layout.nrBlocks-layout.firstFreeData; got != want {
		t.Fatalf("FreeBlocks() = %d, want %d", got, want)
	}
	if got := v.sb.DataBlockStart(); got != layout.dataStart {
		t.Fatalf("DataBlockStart() = %d, want %d", got, layout.dataStart)
	}
}

func TestMountRejectsBadMagic(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	// Corrupt the magic number in place.
	var zero [4]byte
	writeRaw(t, storage, 0, zero[:])

	if _, err := Mount(storage, nil); err == nil {
		t.Fatalf("expected Mount to fail on a corrupted magic number")
	}
}

func TestReadWriteInodeRoundTrip(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	in, err := v.ReadInode(1)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	if !in.IsRegular() {
		t.Fatalf("inode 1 should be a regular file, mode=%o", in.Mode)
	}

	in.Size = 4096
	in.NLink = 3
	if err := v.WriteInode(1, in); err != nil {
		t.Fatalf("WriteInode: %v", err)
	}

	got, err := v.ReadInode(1)
	if err != nil {
		t.Fatalf("ReadInode after write: %v", err)
	}
	if got.Size != 4096 || got.NLink != 3 {
		t.Fatalf("round trip mismatch: got %+v", got)
	}
}

func TestDirectoryOnEmptyRoot(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	cur, err := v.Directory(RootInode, RootInode)
	if err != nil {
		t.Fatalf("Directory: %v", err)
	}
	all, err := cur.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}
	if len(all) != 2 || all[0].Name != "." || all[1].Name != ".." {
		t.Fatalf("expected only synthesized . and .., got %+v", all)
	}
}

func TestDirectoryRejectsNonDirectory(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if _, err := v.Directory(1, RootInode); err == nil {
		t.Fatalf("expected an error opening a regular file inode as a directory")
	}
}

func TestUnmountFlushesBitmapsAndSuperblock(t *testing.T) {
	storage, layout := buildTestImage(t, false)
	v := mustMount(t, storage)

	if bno := v.alloc.AllocBlocksNear(0, 3); bno == 0 {
		t.Fatalf("AllocBlocksNear: allocation failed")
	}
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	v2 := mustMount(t, storage)
	if got, want := v2.alloc.FreeBlockCount(), layout.nrBlocks-layout.firstFreeData-3; got != want {
		t.Fatalf("after remount FreeBlocks() = %d, want %d", got, want)
	}
}

func TestUnlockRejectsWhenEncryptionDisabled(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.Unlock([]byte("whatever")); err == nil {
		t.Fatalf("expected Unlock to fail when encryption is not enabled")
	}
}

func TestUnlockLockRoundTrip(t *testing.T) {
	storage, _ := buildTestImage(t, true)
	v := mustMount(t, storage)

	status := v.EncStatus()
	if !status.EncEnabled || status.EncUnlocked {
		t.Fatalf("expected enabled+locked status at mount, got %+v", status)
	}

	if err := v.Unlock([]byte("correct horse battery staple")); err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	if status := v.EncStatus(); !status.EncUnlocked {
		t.Fatalf("expected unlocked status after Unlock, got %+v", status)
	}

	if err := v.Unlock([]byte("correct horse battery staple")); err == nil {
		t.Fatalf("expected a second Unlock on an already-unlocked volume to fail")
	}

	v.Lock()
	if status := v.EncStatus(); status.EncUnlocked {
		t.Fatalf("expected locked status after Lock, got %+v", status)
	}
}

func TestUnlockRejectsOverlongPassword(t *testing.T) {
	storage, _ := buildTestImage(t, true)
	v := mustMount(t, storage)

	long := make([]byte, 256)
	if err := v.Unlock(long); err == nil {
		t.Fatalf("expected Unlock to reject a password over 255 bytes")
	}
}
