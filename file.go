package lolelffs

// File implements the compress-then-encrypt write / decrypt-then-
// decompress read pipeline of original_source/src/file.c
// (lolelffs_file_get_block, lolelffs_read_folio,
// lolelffs_writepage_locked, lolelffs_write_begin/write_end), recast
// from the Linux page-cache's per-folio callbacks into a plain
// io.ReaderAt/io.WriterAt-shaped API driven directly off the block
// device and extent index.
import (
	"fmt"
	"io"
	"time"

	"github.com/hodgesds/lolelffs/extent"
	"github.com/hodgesds/lolelffs/internal/transform"
	"github.com/hodgesds/lolelffs/unlock"
)

// File is an open handle on one inode's data and its extent index.
type File struct {
	vol   *Volume
	ino   uint32
	inode *Inode
	idx   *extent.Index
}

// Inode returns the file's current inode snapshot.
func (f *File) Inode() *Inode { return f.inode }

// Size returns the file's current logical size in bytes.
func (f *File) Size() uint32 { return f.inode.Size }

// getBlock resolves the physical block backing logical block iblock. If
// create is true and no extent yet covers it, a new extent is allocated
// at spec §4.2's adaptive size and the index is synced immediately,
// matching lolelffs_file_get_block's alloc-then-sync-index ordering.
func (f *File) getBlock(iblock uint32, create bool) (uint32, error) {
	maxBlocks := f.vol.sb.EffectiveMaxExtentBlocks()
	if uint64(iblock) >= uint64(MaxExtents)*uint64(maxBlocks) {
		return 0, newErr("getBlock", KindFileTooBig, fmt.Errorf("logical block %d exceeds max file size", iblock))
	}

	res := f.idx.Locate(iblock)
	switch res.Outcome {
	case extent.Found:
		e := f.idx.Extents[res.Index]
		return e.PhysBlock(iblock), nil
	case extent.Gap:
		if !create {
			return 0, nil
		}
		allocSize := f.vol.alloc.ChooseAllocSize(f.inode.Blocks)
		// One meta block holds BlockSize/tagSize auth tags, so on an AEAD
		// volume no extent is longer than one meta block can cover.
		if tagSize := transform.EncAlgo(f.vol.sb.EncDefaultAlgo).TagSize(); f.vol.sb.EncEnabled != 0 && tagSize > 0 {
			if maxTagged := uint32(BlockSize / tagSize); allocSize > maxTagged {
				allocSize = maxTagged
			}
		}
		bno := f.vol.alloc.AllocBlocksNear(0, allocSize)
		if bno == 0 {
			return 0, newErr("getBlock", KindNoSpace, fmt.Errorf("no free blocks for a %d-block extent", allocSize))
		}
		var logicalStart uint32
		if res.FreeSlot > 0 {
			prev := f.idx.Extents[res.FreeSlot-1]
			logicalStart = prev.LogicalBlock + prev.Length
		}
		f.idx.Extents[res.FreeSlot] = extent.Descriptor{
			LogicalBlock: logicalStart,
			Length:       allocSize,
			StartPhys:    bno,
		}
		if err := f.vol.writeExtentIndex(f.inode.EIBlock, f.idx); err != nil {
			return 0, err
		}
		return f.idx.Extents[res.FreeSlot].PhysBlock(iblock), nil
	default: // extent.Full
		return 0, newErr("getBlock", KindNoSpace, fmt.Errorf("extent index is full"))
	}
}

// readAuthTag fetches the 16-byte Poly1305 tag for logical block iblock
// from e's meta block, per SPEC_FULL.md's resolution of the AEAD-
// payload-widening open question: tags live at offset
// 16*(iblock-e.LogicalBlock) inside an auxiliary block, never in the
// data payload itself.
func (f *File) readAuthTag(e extent.Descriptor, iblock uint32) ([]byte, error) {
	off := int(iblock-e.LogicalBlock) * 16
	if off+16 > BlockSize {
		return nil, newErr("Read", KindCorrupt, fmt.Errorf("auth tag offset %d exceeds meta block capacity", off))
	}
	buf, err := f.vol.dev.ReadBlock(e.MetaBlock)
	if err != nil {
		return nil, newErr("Read", KindIO, err)
	}
	defer buf.Release()
	return append([]byte(nil), buf.Bytes()[off:off+16]...), nil
}

func (f *File) writeAuthTag(metaBlock uint32, e extent.Descriptor, iblock uint32, tag []byte) error {
	off := int(iblock-e.LogicalBlock) * 16
	if off+16 > BlockSize {
		return newErr("Write", KindFileTooBig, fmt.Errorf("auth tag offset %d exceeds meta block capacity", off))
	}
	buf, err := f.vol.dev.ReadBlock(metaBlock)
	if err != nil {
		return newErr("Write", KindIO, err)
	}
	copy(buf.Bytes()[off:off+16], tag)
	buf.MarkDirty()
	buf.Release()
	if err := f.vol.dev.SyncBlock(metaBlock); err != nil {
		return newErr("Write", KindIO, err)
	}
	return nil
}

// readLogicalBlock returns the fully decrypted, decompressed,
// block_size-byte contents of logical block iblock: zero-filled if
// beyond EOF or unallocated, per lolelffs_read_folio.
func (f *File) readLogicalBlock(iblock uint32) ([]byte, error) {
	if uint64(iblock)*BlockSize >= uint64(f.inode.Size) {
		return make([]byte, BlockSize), nil
	}

	res := f.idx.Locate(iblock)
	if res.Outcome != extent.Found {
		return make([]byte, BlockSize), nil
	}
	e := f.idx.Extents[res.Index]
	phys := e.PhysBlock(iblock)

	buf, err := f.vol.dev.ReadBlock(phys)
	if err != nil {
		return nil, newErr("Read", KindIO, err)
	}
	source := append([]byte(nil), buf.Bytes()...)
	buf.Release()

	encAlgo := transform.EncAlgo(e.EncAlgo)
	if encAlgo != transform.EncNone {
		if f.vol.crypt.Locked() {
			return nil, newErr("Read", KindPermissionDenied, fmt.Errorf("cannot read encrypted block: volume is locked"))
		}
		key, err := f.vol.crypt.MasterKey()
		if err != nil {
			return nil, newErr("Read", KindPermissionDenied, err)
		}
		var tag []byte
		if e.Flags&extent.FlagHasMeta != 0 {
			tag, err = f.readAuthTag(e, iblock)
			if err != nil {
				unlock.Zero(key)
				return nil, err
			}
		}
		pt, err := transform.DecryptBlock(encAlgo, key, uint64(phys), source, tag)
		unlock.Zero(key)
		if err != nil {
			if bad, ok := err.(transform.ErrBadMessage); ok {
				return nil, newErr("Read", KindBadMessage, bad)
			}
			return nil, newErr("Read", KindCryptoFailure, err)
		}
		source = pt
	}

	compAlgo := transform.CompAlgo(e.CompAlgo)
	if compAlgo != transform.CompNone {
		out, err := f.vol.xform.Decompress(compAlgo, source, BlockSize)
		if err != nil {
			return nil, newErr("Read", KindIO, err)
		}
		source = out
	}
	return source, nil
}

// writeLogicalBlock compresses then encrypts a full block_size payload
// and writes it to the physical block backing iblock (allocating the
// extent first if needed), updating the extent descriptor's algorithm
// metadata only if it actually changed, per lolelffs_writepage_locked.
func (f *File) writeLogicalBlock(iblock uint32, data []byte) error {
	phys, err := f.getBlock(iblock, true)
	if err != nil {
		return err
	}
	res := f.idx.Locate(iblock)
	if res.Outcome != extent.Found {
		return newErr("Write", KindIO, fmt.Errorf("block %d not allocated after getBlock", iblock))
	}
	extIdx := res.Index
	orig := f.idx.Extents[extIdx]

	compAlgo := transform.CompNone
	if f.vol.sb.CompEnabled != 0 {
		compAlgo = transform.CompAlgo(f.vol.sb.CompDefaultAlgo)
	}
	encAlgo := transform.EncNone
	if f.vol.sb.EncEnabled != 0 {
		encAlgo = transform.EncAlgo(f.vol.sb.EncDefaultAlgo)
	}

	workBuf := data
	usedComp := transform.CompNone
	usedEnc := transform.EncNone
	var flags uint16

	if compAlgo != transform.CompNone && f.vol.xform.Supported(compAlgo) {
		compBuf, err := f.vol.xform.Compress(compAlgo, workBuf)
		if err == nil && len(compBuf) < BlockSize*95/100 {
			padded := make([]byte, BlockSize)
			copy(padded, compBuf)
			workBuf = padded
			usedComp = compAlgo
			flags |= extent.FlagCompressed
		}
	}

	var tag []byte
	if encAlgo != transform.EncNone {
		if f.vol.crypt.Locked() {
			return newErr("Write", KindPermissionDenied, fmt.Errorf("cannot write encrypted block: volume is locked"))
		}
		key, err := f.vol.crypt.MasterKey()
		if err != nil {
			return newErr("Write", KindPermissionDenied, err)
		}
		ct, t, err := transform.EncryptBlock(encAlgo, key, uint64(phys), workBuf)
		unlock.Zero(key)
		if err != nil {
			return newErr("Write", KindCryptoFailure, err)
		}
		workBuf = ct
		tag = t
		usedEnc = encAlgo
		flags |= extent.FlagEncrypted
		if tag != nil {
			flags |= extent.FlagHasMeta
		}
	}

	if err := f.vol.dev.WriteBlock(phys, workBuf); err != nil {
		return newErr("Write", KindIO, err)
	}
	if err := f.vol.dev.SyncBlock(phys); err != nil {
		return newErr("Write", KindIO, err)
	}

	metaBlock := orig.MetaBlock
	if tag != nil {
		if metaBlock == 0 {
			metaBlock = f.vol.alloc.AllocBlocksNear(0, 1)
			if metaBlock == 0 {
				return newErr("Write", KindNoSpace, fmt.Errorf("no free block for auth-tag meta block"))
			}
		}
		if err := f.writeAuthTag(metaBlock, orig, iblock, tag); err != nil {
			return err
		}
	}

	if uint16(usedComp) != orig.CompAlgo || uint8(usedEnc) != orig.EncAlgo || flags != orig.Flags || metaBlock != orig.MetaBlock {
		e := orig
		e.CompAlgo = uint16(usedComp)
		e.EncAlgo = uint8(usedEnc)
		e.Flags = flags
		e.MetaBlock = metaBlock
		f.idx.Extents[extIdx] = e
		if err := f.vol.writeExtentIndex(f.inode.EIBlock, f.idx); err != nil {
			return err
		}
	}
	return nil
}

// ReadAt implements io.ReaderAt: zero-filling unallocated or
// beyond-allocation ranges within the file's size, and returning io.EOF
// once off reaches the file's logical size.
func (f *File) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, newErr("ReadAt", KindInvalidArgument, fmt.Errorf("negative offset"))
	}
	size := int64(f.inode.Size)
	if off >= size {
		return 0, io.EOF
	}
	n := 0
	for n < len(p) {
		pos := off + int64(n)
		if pos >= size {
			break
		}
		iblock := uint32(pos / BlockSize)
		inBlock := int(pos % BlockSize)
		blockData, err := f.readLogicalBlock(iblock)
		if err != nil {
			return n, err
		}
		avail := BlockSize - inBlock
		if int64(avail) > size-pos {
			avail = int(size - pos)
		}
		want := len(p) - n
		if want < avail {
			avail = want
		}
		copy(p[n:n+avail], blockData[inBlock:inBlock+avail])
		n += avail
	}
	var err error
	if n < len(p) {
		err = io.EOF
	}
	return n, err
}

// rollbackExtents frees every extent allocated at or after slot before
// (by position in f.idx.Extents) and re-zeros those slots, per
// lolelffs_write_begin's failure-path reclaim.
func (f *File) rollbackExtents(before int) {
	for i := before; i < len(f.idx.Extents); i++ {
		e := f.idx.Extents[i]
		if !e.Used() {
			break
		}
		f.vol.alloc.FreeBlocks(e.StartPhys, e.Length)
		f.idx.Extents[i] = extent.Descriptor{}
	}
	f.vol.writeExtentIndex(f.inode.EIBlock, f.idx)
}

// WriteAt implements io.WriterAt, combining lolelffs_write_begin's
// capacity precheck and rollback-on-failure with
// lolelffs_writepage_locked's per-block pipeline and
// lolelffs_write_end's inode metadata update.
func (f *File) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, newErr("WriteAt", KindInvalidArgument, fmt.Errorf("negative offset"))
	}
	endPos := off + int64(len(p))
	if uint64(endPos) > f.vol.sb.MaxFileSize() {
		return 0, newErr("WriteAt", KindFileTooBig, fmt.Errorf("write would exceed max file size"))
	}

	var priorAllocBlocks uint32
	if f.inode.Blocks > 1 {
		priorAllocBlocks = f.inode.Blocks - 1
	}
	newSize := uint32(endPos)
	if newSize < f.inode.Size {
		newSize = f.inode.Size
	}
	var nrAllocs uint32
	if newSize/BlockSize > priorAllocBlocks {
		nrAllocs = newSize/BlockSize - priorAllocBlocks
	}
	if nrAllocs > f.vol.alloc.FreeBlockCount() {
		return 0, newErr("WriteAt", KindNoSpace, fmt.Errorf("insufficient free blocks for write"))
	}

	extentsBefore := f.idx.Count()

	n := 0
	for n < len(p) {
		pos := off + int64(n)
		iblock := uint32(pos / BlockSize)
		inBlock := int(pos % BlockSize)
		avail := BlockSize - inBlock
		chunk := len(p) - n
		if chunk > avail {
			chunk = avail
		}

		blockBuf := make([]byte, BlockSize)
		if inBlock != 0 || chunk != BlockSize {
			if existing, err := f.readLogicalBlock(iblock); err == nil {
				copy(blockBuf, existing)
			}
		}
		copy(blockBuf[inBlock:inBlock+chunk], p[n:n+chunk])

		if err := f.writeLogicalBlock(iblock, blockBuf); err != nil {
			f.rollbackExtents(extentsBefore)
			return n, err
		}
		n += chunk
	}

	if uint32(endPos) > f.inode.Size {
		f.inode.Size = uint32(endPos)
	}
	f.inode.Blocks = f.inode.Size/BlockSize + 2
	now := uint32(time.Now().Unix())
	f.inode.MTime = now
	f.inode.CTime = now
	if err := f.vol.WriteInode(f.ino, f.inode); err != nil {
		return n, err
	}
	return n, nil
}

// locateExtentForTruncate finds the first extent slot to free when
// shrinking. Truncate passes the new block count minus one, which lies
// past the last logical block holding data because the block count
// carries two blocks beyond size/BlockSize. The extent containing
// lastBlock is kept unless it begins exactly at lastBlock, in which case
// freeing starts with it, per lolelffs_write_end's "first_ext++ if the
// boundary isn't exact".
func (f *File) locateExtentForTruncate(lastBlock uint32) int {
	res := f.idx.Locate(lastBlock)
	idx := res.Index
	if res.Outcome != extent.Found {
		idx = res.FreeSlot
	}
	if idx < len(f.idx.Extents) && f.idx.Extents[idx].LogicalBlock != lastBlock {
		idx++
	}
	return idx
}

// Truncate sets the file's logical size to newSize. Growing only
// updates the size/block-count fields (unallocated ranges read back as
// zero per readLogicalBlock); shrinking frees every extent from the new
// last-block boundary onward, per lolelffs_write_end.
func (f *File) Truncate(newSize uint32) error {
	oldBlocks := f.inode.Blocks
	f.inode.Size = newSize
	newBlocks := newSize/BlockSize + 2
	f.inode.Blocks = newBlocks
	now := uint32(time.Now().Unix())
	f.inode.MTime = now
	f.inode.CTime = now

	if oldBlocks > newBlocks {
		lastBlock := newBlocks
		if lastBlock > 0 {
			lastBlock--
		}
		firstExt := f.locateExtentForTruncate(lastBlock)
		for i := firstExt; i < len(f.idx.Extents); i++ {
			e := f.idx.Extents[i]
			if !e.Used() {
				break
			}
			if err := f.vol.alloc.FreeBlocks(e.StartPhys, e.Length); err != nil {
				return newErr("Truncate", KindIO, err)
			}
			f.idx.Extents[i] = extent.Descriptor{}
		}
		if err := f.vol.writeExtentIndex(f.inode.EIBlock, f.idx); err != nil {
			return err
		}
	}
	return f.vol.WriteInode(f.ino, f.inode)
}

// Sync flushes the file's extent index and inode record.
func (f *File) Sync() error {
	if err := f.vol.writeExtentIndex(f.inode.EIBlock, f.idx); err != nil {
		return err
	}
	return f.vol.WriteInode(f.ino, f.inode)
}
