// Command fsck.lolelffs checks the consistency of a lolelffs filesystem
// image: superblock sanity, root inode and root directory extent block
// validity, and free-space bitmap agreement with the superblock's free
// counters.
//
// Grounded on original_source/fsck.lolelffs.c's check_superblock /
// check_root_inode / check_root_extent_block / check_inode_bitmap /
// check_block_bitmap sequence and its ERROR/WARN/INFO severity split;
// this tool keeps the same three severities and the same "errors found
// -> exit 1" contract.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/hodgesds/lolelffs"
	"github.com/hodgesds/lolelffs/backend/file"
	"github.com/hodgesds/lolelffs/block"
	"github.com/hodgesds/lolelffs/extent"
	"github.com/hodgesds/lolelffs/internal/bitmap"
	"github.com/hodgesds/lolelffs/internal/elfsection"
	"github.com/hodgesds/lolelffs/internal/transform"
)

func main() {
	verbose := flag.Bool("v", false, "verbose output")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [-v] <image>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() != 1 {
		flag.Usage()
		os.Exit(1)
	}

	c := &checker{verbose: *verbose}
	if err := c.run(flag.Arg(0)); err != nil {
		fmt.Fprintf(os.Stderr, "fsck: %v\n", err)
		os.Exit(1)
	}

	fmt.Println()
	fmt.Println("========================================")
	if c.errors == 0 && c.warnings == 0 {
		fmt.Println("Filesystem OK - no errors or warnings")
	} else {
		fmt.Printf("Errors: %d, Warnings: %d\n", c.errors, c.warnings)
	}
	fmt.Println("========================================")

	if c.errors > 0 {
		os.Exit(1)
	}
}

// checker mirrors fsck.lolelffs.c's global error/warning counters and
// verbose flag, scoped to one struct instead of package globals.
type checker struct {
	verbose  bool
	errors   int
	warnings int
}

func (c *checker) errf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "ERROR: "+format+"\n", args...)
	c.errors++
}

func (c *checker) warnf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "WARNING: "+format+"\n", args...)
	c.warnings++
}

func (c *checker) infof(format string, args ...any) {
	if c.verbose {
		fmt.Printf("INFO: "+format+"\n", args...)
	}
}

func (c *checker) run(path string) error {
	fmt.Printf("Checking lolelffs filesystem: %s\n\n", path)

	storage, err := file.OpenFromPath(path, true)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer storage.Close()

	fsOffset := int64(0)
	if byteOff, ok := elfsection.Locate(storage); ok {
		fsOffset = byteOff / lolelffs.BlockSize
	}
	dev := block.NewDevice(storage, fsOffset)

	sb, ok := c.checkSuperblock(dev)
	if !ok {
		return nil
	}
	root, ok := c.checkRootInode(dev, sb)
	if ok {
		c.checkRootExtentBlock(dev, sb, root)
	}
	c.checkInodeBitmap(dev, sb)
	c.checkBlockBitmap(dev, sb)
	return nil
}

func (c *checker) readBlock(dev *block.Device, lbn uint32) ([]byte, bool) {
	buf, err := dev.ReadBlock(lbn)
	if err != nil {
		c.errf("failed to read block %d: %v", lbn, err)
		return nil, false
	}
	out := append([]byte(nil), buf.Bytes()...)
	buf.Release()
	return out, true
}

func (c *checker) checkSuperblock(dev *block.Device) (*lolelffs.Superblock, bool) {
	fmt.Println("Checking superblock...")

	raw, ok := c.readBlock(dev, lolelffs.SuperblockNum)
	if !ok {
		return nil, false
	}
	sb, err := lolelffs.DecodeSuperblock(raw)
	if err != nil {
		c.errf("failed to decode superblock: %v", err)
		return nil, false
	}

	if sb.MagicNum != lolelffs.Magic {
		c.errf("invalid magic number: 0x%08x (expected 0x%08x)", sb.MagicNum, lolelffs.Magic)
		return nil, false
	}
	c.infof("Magic number OK")

	if sb.NRBlocks < lolelffs.MinImageBlocks {
		c.errf("invalid block count: %d (minimum %d)", sb.NRBlocks, lolelffs.MinImageBlocks)
		return nil, false
	}
	c.infof("Block count: %d", sb.NRBlocks)

	if sb.NRInodes == 0 {
		c.errf("invalid inode count: 0")
		return nil, false
	}
	if sb.NRInodes%lolelffs.InodesPerBlock() != 0 {
		c.warnf("inode count %d not aligned to block boundary", sb.NRInodes)
	}
	c.infof("Inode count: %d", sb.NRInodes)

	if sb.Version != lolelffs.Version {
		c.errf("unsupported filesystem version: %d (expected %d)", sb.Version, lolelffs.Version)
		return nil, false
	}
	c.infof("Filesystem version: %d", sb.Version)

	if sb.CompDefaultAlgo > uint32(transform.CompZstd) {
		c.errf("invalid compression algorithm: %d", sb.CompDefaultAlgo)
		return nil, false
	}
	if sb.MaxExtentBlocks != lolelffs.MaxBlocksPerExtent {
		c.warnf("unexpected max_extent_blocks: %d (expected %d)", sb.MaxExtentBlocks, lolelffs.MaxBlocksPerExtent)
	}
	c.infof("Compression: %s (algorithm: %d)", enabledStr(sb.CompEnabled), sb.CompDefaultAlgo)
	c.infof("Max extent blocks: %d", sb.MaxExtentBlocks)

	if sb.EncDefaultAlgo > uint32(transform.EncChaCha20Poly1305) {
		c.errf("invalid encryption algorithm: %d", sb.EncDefaultAlgo)
		return nil, false
	}
	if sb.EncKDFAlgo > 2 {
		c.errf("invalid KDF algorithm: %d", sb.EncKDFAlgo)
		return nil, false
	}
	if sb.EncKDFAlgo != 0 {
		if sb.EncKDFIter == 0 {
			c.warnf("KDF iterations is 0 (insecure)")
		}
		if sb.EncKDFIter > 1000000 {
			c.warnf("KDF iterations %d seems excessive", sb.EncKDFIter)
		}
		if sb.EncKDFAlgo == 1 { // argon2id
			if sb.EncKDFMemory < 1024 {
				c.warnf("argon2id memory %d KB is very low (insecure)", sb.EncKDFMemory)
			}
			if sb.EncKDFMemory > 4194304 {
				c.warnf("argon2id memory %d KB seems excessive", sb.EncKDFMemory)
			}
			if sb.EncKDFParallel == 0 || sb.EncKDFParallel > 256 {
				c.warnf("argon2id parallelism %d is out of reasonable range", sb.EncKDFParallel)
			}
		}
	}
	c.infof("Encryption: %s (algorithm: %d, KDF: %d)", enabledStr(sb.EncEnabled), sb.EncDefaultAlgo, sb.EncKDFAlgo)

	expectedIStore := sb.NRInodes / lolelffs.InodesPerBlock()
	if sb.NRIStoreBlocks != expectedIStore {
		c.errf("inode store blocks mismatch: %d (expected %d)", sb.NRIStoreBlocks, expectedIStore)
	}
	if sb.NRFreeInodes > sb.NRInodes {
		c.errf("free inodes (%d) exceeds total inodes (%d)", sb.NRFreeInodes, sb.NRInodes)
	}
	if sb.NRFreeBlocks > sb.NRBlocks {
		c.errf("free blocks (%d) exceeds total blocks (%d)", sb.NRFreeBlocks, sb.NRBlocks)
	}

	metadata := 1 + sb.NRIStoreBlocks + sb.NRIFreeBlocks + sb.NRBFreeBlocks
	used := sb.NRBlocks - sb.NRFreeBlocks
	if used < metadata {
		c.errf("used blocks (%d) less than metadata blocks (%d)", used, metadata)
	}
	c.infof("Layout: superblock(1) + istore(%d) + ifree(%d) + bfree(%d) = %d metadata blocks",
		sb.NRIStoreBlocks, sb.NRIFreeBlocks, sb.NRBFreeBlocks, metadata)
	c.infof("Free inodes: %d, Free blocks: %d", sb.NRFreeInodes, sb.NRFreeBlocks)

	fmt.Println("  Superblock OK")
	return sb, true
}

func enabledStr(v uint32) string {
	if v != 0 {
		return "enabled"
	}
	return "disabled"
}

func (c *checker) checkRootInode(dev *block.Device, sb *lolelffs.Superblock) (*lolelffs.Inode, bool) {
	fmt.Println("Checking root inode...")

	raw, ok := c.readBlock(dev, 1)
	if !ok {
		return nil, false
	}
	root, err := lolelffs.DecodeInode(raw[:lolelffs.InodeSize])
	if err != nil {
		c.errf("failed to decode root inode: %v", err)
		return nil, false
	}

	if !root.IsDir() {
		c.errf("root inode is not a directory (mode=0%o)", root.Mode)
		return nil, false
	}
	c.infof("Root is a directory")

	if root.Mode&0400 == 0 {
		c.warnf("root directory not readable by owner")
	}
	if root.Mode&0100 == 0 {
		c.warnf("root directory not executable by owner")
	}

	if root.NLink < 2 {
		c.errf("root inode link count too low: %d (expected >= 2)", root.NLink)
	}
	c.infof("Root link count: %d", root.NLink)

	if root.Size != lolelffs.BlockSize {
		c.warnf("root directory size unexpected: %d (expected %d)", root.Size, lolelffs.BlockSize)
	}
	if root.Blocks == 0 {
		c.errf("root inode has 0 blocks")
	}

	metadataEnd := sb.DataBlockStart()
	if root.EIBlock < metadataEnd || root.EIBlock >= sb.NRBlocks {
		c.errf("root ei_block %d outside data area [%d, %d)", root.EIBlock, metadataEnd, sb.NRBlocks)
		return nil, false
	}
	c.infof("Root extent block: %d", root.EIBlock)

	if root.XattrBlock != 0 {
		if root.XattrBlock < metadataEnd || root.XattrBlock >= sb.NRBlocks {
			c.errf("root xattr_block %d outside data area [%d, %d)", root.XattrBlock, metadataEnd, sb.NRBlocks)
			return nil, false
		}
		c.infof("Root xattr block: %d", root.XattrBlock)
	} else {
		c.infof("Root has no xattrs")
	}

	fmt.Println("  Root inode OK")
	return root, true
}

func (c *checker) checkRootExtentBlock(dev *block.Device, sb *lolelffs.Superblock, root *lolelffs.Inode) {
	fmt.Println("Checking root extent block...")

	raw, ok := c.readBlock(dev, root.EIBlock)
	if !ok {
		return
	}
	idx := extent.DecodeIndex(raw, lolelffs.MaxExtents)

	c.infof("Root directory contains %d files", idx.NRFiles)
	if idx.NRFiles > lolelffs.MaxSubfiles {
		c.errf("root directory file count %d exceeds maximum %d", idx.NRFiles, lolelffs.MaxSubfiles)
	}

	dataStart := sb.DataBlockStart()
	var wantLogical uint32
	for i, e := range idx.Extents {
		if !e.Used() {
			break
		}
		c.infof("Extent %d: start=%d, len=%d, logical=%d, comp=%d, enc=%d, flags=0x%04x",
			i, e.StartPhys, e.Length, e.LogicalBlock, e.CompAlgo, e.EncAlgo, e.Flags)

		if e.Length == 0 {
			c.errf("extent %d has zero length", i)
		}
		if e.Length > lolelffs.MaxBlocksPerExtent {
			c.errf("extent %d length %d exceeds maximum %d", i, e.Length, lolelffs.MaxBlocksPerExtent)
		}
		if e.LogicalBlock != wantLogical {
			c.errf("extent %d starts at logical block %d, expected %d", i, e.LogicalBlock, wantLogical)
		}
		wantLogical = e.LogicalBlock + e.Length
		if e.StartPhys < dataStart || uint64(e.StartPhys)+uint64(e.Length) > uint64(sb.NRBlocks) {
			c.errf("extent %d blocks [%d, %d) lie outside the data area [%d, %d)",
				i, e.StartPhys, uint64(e.StartPhys)+uint64(e.Length), dataStart, sb.NRBlocks)
		}

		if e.CompAlgo > uint16(transform.CompZstd) {
			c.errf("extent %d has invalid compression algorithm: %d", i, e.CompAlgo)
		}
		if e.EncAlgo > uint8(transform.EncChaCha20Poly1305) {
			c.errf("extent %d has invalid encryption algorithm: %d", i, e.EncAlgo)
		}
		if e.Flags&extent.FlagCompressed != 0 && e.CompAlgo == uint16(transform.CompNone) {
			c.warnf("extent %d has COMPRESSED flag but compression algorithm is NONE", i)
		}
		if e.Flags&extent.FlagEncrypted != 0 && e.EncAlgo == uint8(transform.EncNone) {
			c.warnf("extent %d has ENCRYPTED flag but encryption algorithm is NONE", i)
		}
	}

	fmt.Println("  Root extent block OK")
}

func (c *checker) checkInodeBitmap(dev *block.Device, sb *lolelffs.Superblock) {
	fmt.Println("Checking inode bitmap...")

	start := 1 + sb.NRIStoreBlocks
	raw, ok := c.readBitmapBlocks(dev, start, sb.NRIFreeBlocks)
	if !ok {
		return
	}
	bm, err := bitmap.FromBytes(raw, uint(sb.NRInodes))
	if err != nil {
		c.errf("failed to decode inode bitmap: %v", err)
		return
	}

	free := bm.PopCount()
	if uint32(free) != sb.NRFreeInodes {
		c.errf("inode bitmap free count mismatch: counted %d, superblock says %d", free, sb.NRFreeInodes)
	} else {
		c.infof("Inode bitmap: %d free inodes verified", free)
	}

	if bm.IsFree(0) {
		c.errf("root inode (inode 0) marked as free in bitmap")
	}

	fmt.Println("  Inode bitmap OK")
}

func (c *checker) checkBlockBitmap(dev *block.Device, sb *lolelffs.Superblock) {
	fmt.Println("Checking block bitmap...")

	start := 1 + sb.NRIStoreBlocks + sb.NRIFreeBlocks
	raw, ok := c.readBitmapBlocks(dev, start, sb.NRBFreeBlocks)
	if !ok {
		return
	}
	bm, err := bitmap.FromBytes(raw, uint(sb.NRBlocks))
	if err != nil {
		c.errf("failed to decode block bitmap: %v", err)
		return
	}

	free := bm.PopCount()
	if uint32(free) != sb.NRFreeBlocks {
		c.errf("block bitmap free count mismatch: counted %d, superblock says %d", free, sb.NRFreeBlocks)
	} else {
		c.infof("Block bitmap: %d free blocks verified", free)
	}

	if bm.IsFree(lolelffs.SuperblockNum) {
		c.errf("superblock (block 0) marked as free in bitmap")
	}

	fmt.Println("  Block bitmap OK")
}

func (c *checker) readBitmapBlocks(dev *block.Device, start, count uint32) ([]byte, bool) {
	out := make([]byte, 0, int(count)*lolelffs.BlockSize)
	for i := uint32(0); i < count; i++ {
		raw, ok := c.readBlock(dev, start+i)
		if !ok {
			return nil, false
		}
		out = append(out, raw...)
	}
	return out, true
}
