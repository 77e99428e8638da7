package lolelffs

// Volume ties the block device, allocator, extent-less superblock, the
// transform registry, and the encryption runtime together into one
// mounted filesystem, the way diskfs-go-diskfs's disk.Disk ties a
// backend.Storage, a partition.Table, and a filesystem.FileSystem
// together for a generic disk (disk/disk.go). lolelffs has no partition
// table: fs_offset (from the host ELF section, or 0) plays that role.
import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/hodgesds/lolelffs/allocator"
	"github.com/hodgesds/lolelffs/backend"
	"github.com/hodgesds/lolelffs/block"
	"github.com/hodgesds/lolelffs/extent"
	"github.com/hodgesds/lolelffs/internal/bitmap"
	"github.com/hodgesds/lolelffs/internal/elfsection"
	"github.com/hodgesds/lolelffs/internal/transform"
	"github.com/hodgesds/lolelffs/unlock"
)

// Volume is a mounted lolelffs image.
type Volume struct {
	dev   *block.Device
	sb    *Superblock
	alloc *allocator.Allocator
	xform *transform.Registry
	crypt *unlock.Runtime
	log   *logrus.Entry

	inodeBitmapStart uint32
	blockBitmapStart uint32
}

// Status reports the encryption state readback of spec §4.5's
// ENC_STATUS control operation.
type Status struct {
	EncEnabled   bool
	EncUnlocked  bool
	EncAlgorithm transform.EncAlgo
}

// Mount opens storage as a lolelffs image: it locates fs_offset via an
// embedded ELF ".lolfs.super" section (falling back to a raw image at
// offset 0 per spec §6), reads and validates the superblock, loads both
// free-space bitmaps into an allocator, and starts a locked encryption
// runtime. log may be nil, in which case a default logrus.Logger is
// used.
func Mount(storage backend.Storage, log *logrus.Logger) (*Volume, error) {
	if log == nil {
		log = logrus.New()
	}
	entry := log.WithField("component", "lolelffs")

	fsOffsetBlocks := int64(0)
	if byteOff, ok := elfsection.Locate(storage); ok {
		if byteOff%BlockSize != 0 {
			return nil, newErr("Mount", KindCorrupt, fmt.Errorf(".lolfs.super section offset %d is not block-aligned", byteOff))
		}
		fsOffsetBlocks = byteOff / BlockSize
		entry = entry.WithField("fs_offset_blocks", fsOffsetBlocks)
		entry.Debug("found embedded .lolfs.super section")
	}

	dev := block.NewDevice(storage, fsOffsetBlocks)

	sbBuf, err := dev.ReadBlock(SuperblockNum)
	if err != nil {
		return nil, newErr("Mount", KindIO, err)
	}
	sbBytes := append([]byte(nil), sbBuf.Bytes()...)
	sbBuf.Release()

	sb, err := DecodeSuperblock(sbBytes)
	if err != nil {
		return nil, newErr("Mount", KindCorrupt, err)
	}
	if err := sb.Validate(); err != nil {
		return nil, err
	}

	inodeBitmapStart := 1 + sb.NRIStoreBlocks
	blockBitmapStart := inodeBitmapStart + sb.NRIFreeBlocks

	inodeBMBytes, err := readBlockRange(dev, inodeBitmapStart, sb.NRIFreeBlocks)
	if err != nil {
		return nil, newErr("Mount", KindIO, err)
	}
	inodeBM, err := bitmap.FromBytes(inodeBMBytes, uint(sb.NRInodes))
	if err != nil {
		return nil, newErr("Mount", KindCorrupt, err)
	}

	blockBMBytes, err := readBlockRange(dev, blockBitmapStart, sb.NRBFreeBlocks)
	if err != nil {
		return nil, newErr("Mount", KindIO, err)
	}
	blockBM, err := bitmap.FromBytes(blockBMBytes, uint(sb.NRBlocks))
	if err != nil {
		return nil, newErr("Mount", KindCorrupt, err)
	}

	alloc := allocator.New(inodeBM, blockBM, sb.NRFreeInodes, sb.NRFreeBlocks, sb.EffectiveMaxExtentBlocks())

	xform := transform.NewRegistry()
	if err := xform.Init(); err != nil {
		return nil, newErr("Mount", KindUnsupported, err)
	}

	v := &Volume{
		dev:              dev,
		sb:               sb,
		alloc:            alloc,
		xform:            xform,
		crypt:            unlock.NewRuntime(),
		log:              entry,
		inodeBitmapStart: inodeBitmapStart,
		blockBitmapStart: blockBitmapStart,
	}
	entry.WithFields(logrus.Fields{
		"nr_blocks": sb.NRBlocks,
		"nr_inodes": sb.NRInodes,
	}).Info("mounted lolelffs volume")
	return v, nil
}

// readBlockRange reads count consecutive logical blocks starting at
// start and concatenates their payloads, for loading a bitmap or any
// other multi-block structure.
func readBlockRange(dev *block.Device, start, count uint32) ([]byte, error) {
	out := make([]byte, 0, int(count)*block.Size)
	for i := uint32(0); i < count; i++ {
		buf, err := dev.ReadBlock(start + i)
		if err != nil {
			return nil, fmt.Errorf("read block range at %d+%d: %w", start, i, err)
		}
		out = append(out, buf.Bytes()...)
		buf.Release()
	}
	return out, nil
}

// writeBlockRange is the inverse of readBlockRange: it splits data into
// block.Size chunks (zero-padding the final chunk if short) and writes
// them to count consecutive logical blocks starting at start.
func writeBlockRange(dev *block.Device, start uint32, data []byte) error {
	for i := 0; i*block.Size < len(data); i++ {
		chunk := make([]byte, block.Size)
		copy(chunk, data[i*block.Size:])
		if err := dev.WriteBlock(start+uint32(i), chunk); err != nil {
			return fmt.Errorf("write block range at %d+%d: %w", start, i, err)
		}
	}
	return nil
}

// Unmount flushes the free-space bitmaps and the superblock's free
// counters, syncs every dirty buffer, and releases the transform
// registry's long-lived resources (the zstd encoder/decoder pair).
func (v *Volume) Unmount() error {
	if err := writeBlockRange(v.dev, v.inodeBitmapStart, v.alloc.InodeBitmapBytes()); err != nil {
		return newErr("Unmount", KindIO, err)
	}
	if err := writeBlockRange(v.dev, v.blockBitmapStart, v.alloc.BlockBitmapBytes()); err != nil {
		return newErr("Unmount", KindIO, err)
	}

	v.sb.NRFreeInodes = v.alloc.FreeInodes()
	v.sb.NRFreeBlocks = v.alloc.FreeBlockCount()
	enc := v.sb.Encode()
	if err := v.dev.WriteBlock(SuperblockNum, padToBlock(enc[:])); err != nil {
		return newErr("Unmount", KindIO, err)
	}

	if err := v.dev.Sync(); err != nil {
		return newErr("Unmount", KindIO, err)
	}
	v.xform.Shutdown()
	v.log.Info("unmounted lolelffs volume")
	return nil
}

func padToBlock(b []byte) []byte {
	if len(b) >= BlockSize {
		return b[:BlockSize]
	}
	out := make([]byte, BlockSize)
	copy(out, b)
	return out
}

// Superblock returns the volume's mounted superblock. Callers must not
// mutate fields that affect on-disk layout (NRIStoreBlocks and
// friends); free counters are refreshed from the allocator at Unmount.
func (v *Volume) Superblock() *Superblock { return v.sb }

// Unlock implements spec §4.5's unlock protocol: derive a user key from
// password under the superblock's recorded KDF parameters, then unwrap
// the superblock's wrapped master key with it. It fails if encryption is
// not enabled on this volume or the volume is already unlocked.
func (v *Volume) Unlock(password []byte) error {
	if v.sb.EncEnabled == 0 {
		return newErr("Unlock", KindInvalidArgument, fmt.Errorf("encryption is not enabled on this volume"))
	}
	if !v.crypt.Locked() {
		return newErr("Unlock", KindInvalidArgument, fmt.Errorf("volume is already unlocked"))
	}
	if len(password) > 255 {
		return newErr("Unlock", KindInvalidArgument, fmt.Errorf("password exceeds 255 bytes"))
	}
	params := unlock.Params{
		KDF:         unlock.KDFAlgo(v.sb.EncKDFAlgo),
		Iterations:  v.sb.EncKDFIter,
		MemoryKB:    v.sb.EncKDFMemory,
		Parallelism: v.sb.EncKDFParallel,
	}
	copy(params.Salt[:], v.sb.EncSalt[:])
	if err := v.crypt.Unlock(params, password, v.sb.EncMasterKeyEnc[:]); err != nil {
		return newErr("Unlock", KindCryptoFailure, err)
	}
	return nil
}

// Lock discards the unwrapped master key, returning the volume to the
// mounted-locked state.
func (v *Volume) Lock() { v.crypt.Lock() }

// EncStatus implements spec §6's ENC_STATUS control readback.
func (v *Volume) EncStatus() Status {
	return Status{
		EncEnabled:   v.sb.EncEnabled != 0,
		EncUnlocked:  !v.crypt.Locked(),
		EncAlgorithm: transform.EncAlgo(v.sb.EncDefaultAlgo),
	}
}

// ReadInode loads inode number ino from the inode store.
func (v *Volume) ReadInode(ino uint32) (*Inode, error) {
	rel, off := InodeBlockAndOffset(ino)
	buf, err := v.dev.ReadBlock(1 + rel)
	if err != nil {
		return nil, newErr("ReadInode", KindIO, err)
	}
	defer buf.Release()
	in, err := DecodeInode(buf.Bytes()[off : off+InodeSize])
	if err != nil {
		return nil, newErr("ReadInode", KindCorrupt, err)
	}
	return in, nil
}

// WriteInode stores in at inode number ino, marking its block dirty.
func (v *Volume) WriteInode(ino uint32, in *Inode) error {
	rel, off := InodeBlockAndOffset(ino)
	blk := 1 + rel
	buf, err := v.dev.ReadBlock(blk)
	if err != nil {
		return newErr("WriteInode", KindIO, err)
	}
	enc := in.Encode()
	copy(buf.Bytes()[off:off+InodeSize], enc[:])
	buf.MarkDirty()
	buf.Release()
	if err := v.dev.SyncBlock(blk); err != nil {
		return newErr("WriteInode", KindIO, err)
	}
	return nil
}

// readExtentIndex loads the extent-index block at logical block lbn.
func (v *Volume) readExtentIndex(lbn uint32) (*extent.Index, error) {
	buf, err := v.dev.ReadBlock(lbn)
	if err != nil {
		return nil, newErr("readExtentIndex", KindIO, err)
	}
	idx := extent.DecodeIndex(buf.Bytes(), MaxExtents)
	buf.Release()
	return idx, nil
}

// writeExtentIndex serializes idx back to logical block lbn and syncs
// it immediately, matching spec §5's "extent-index mutations call
// mark-dirty followed by a sync before returning".
func (v *Volume) writeExtentIndex(lbn uint32, idx *extent.Index) error {
	if err := v.dev.WriteBlock(lbn, idx.Encode(BlockSize)); err != nil {
		return newErr("writeExtentIndex", KindIO, err)
	}
	return v.dev.SyncBlock(lbn)
}

// OpenFile loads inode ino and its extent index, returning a File handle
// for reading, writing, and truncating its data.
func (v *Volume) OpenFile(ino uint32) (*File, error) {
	in, err := v.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	idx, err := v.readExtentIndex(in.EIBlock)
	if err != nil {
		return nil, err
	}
	return &File{vol: v, ino: ino, inode: in, idx: idx}, nil
}

// Directory returns a DirCursor over ino's extent index, for listing or
// looking up a child by name. parentIno is the inode number to report
// for the synthesized ".." entry.
func (v *Volume) Directory(ino, parentIno uint32) (*DirCursor, error) {
	in, err := v.ReadInode(ino)
	if err != nil {
		return nil, err
	}
	if !in.IsDir() {
		return nil, newErr("Directory", KindNotADirectory, fmt.Errorf("inode %d is not a directory", ino))
	}
	idx, err := v.readExtentIndex(in.EIBlock)
	if err != nil {
		return nil, err
	}
	return NewDirCursor(v.dev, idx, ino, parentIno, v.sb), nil
}
