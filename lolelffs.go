// Package lolelffs implements the on-disk engine of lolelffs, a
// block-addressable filesystem whose image is designed to live inside an
// ELF section (.lolfs.super) of a host executable.
//
// This package covers the core engine only: image layout and its
// invariants, the superblock, the inode/directory/xattr namespace, and
// the top-level mount/unmount lifecycle. The free-space allocator lives
// in the allocator package, the extent index in the extent package, the
// compress-then-encrypt pipeline in internal/transform, and the
// password-based unlock protocol in the unlock package.
package lolelffs

const (
	// BlockSize is the fixed size, in bytes, of every addressable block.
	BlockSize = 4096

	// Magic is the superblock magic number (from Hexspeak: "LOL, ELFFS").
	Magic uint32 = 0x101E1FF5

	// Version is the current on-disk format version.
	Version uint32 = 1

	// SuperblockNum is the logical block number of the superblock.
	SuperblockNum uint32 = 0

	// RootInode is the inode number of the filesystem root directory.
	RootInode uint32 = 0

	// InodeSize is the fixed, marshaled size of one inode record.
	InodeSize = 72

	// ExtentSize is the fixed, marshaled size of one extent descriptor.
	ExtentSize = 24

	// MaxExtents is how many extent descriptors fit in one extent index
	// block, after the leading 32-bit file-count/directory-count word.
	MaxExtents = (BlockSize - 4) / ExtentSize

	// DirEntrySize is the fixed size of one directory entry: a 32-bit
	// inode number plus a NUL-padded 255-byte filename, rounded up to a
	// 4-byte boundary (256 bytes of name storage).
	DirEntrySize = 4 + 256
	// FilenameLen is the maximum filename length, excluding the NUL
	// terminator.
	FilenameLen = 255

	// FilesPerBlock is how many directory entries fit in one data block.
	FilesPerBlock = BlockSize / DirEntrySize

	// MaxBlocksPerExtent is the default largest number of blocks a single
	// extent may cover. mkfs records the effective value in the
	// superblock (max_extent_blocks) so images can adjust it.
	MaxBlocksPerExtent = 2048

	// MaxBlocksPerExtentLarge is the cap that applies instead of
	// MaxBlocksPerExtent when the superblock's comp_features has
	// FeatureLargeExtents set; it applies to every extent, compressed or
	// not.
	MaxBlocksPerExtentLarge = 524288

	// FeatureLargeExtents is the comp_features bit that raises the
	// effective per-extent block cap to MaxBlocksPerExtentLarge.
	FeatureLargeExtents uint32 = 0x0001

	// FilesPerExtent is the maximum number of directory entries covered
	// by one maximally sized (large-cap) extent.
	FilesPerExtent = FilesPerBlock * MaxBlocksPerExtentLarge

	// MaxSubfiles is the maximum number of entries a directory can ever
	// hold: every extent slot, fully grown, full of entries.
	MaxSubfiles = FilesPerExtent * MaxExtents

	// InlineDataSize is the size of the inode's inline data area, used to
	// store short symlink targets.
	InlineDataSize = 28

	// MinImageBlocks is the minimum backing image size mkfs will accept.
	MinImageBlocks = 100

	// XattrMaxPackedSize bounds the packed xattr entry stream per inode.
	XattrMaxPackedSize = 32 * 1024

	// XattrIndexHeaderSize is the size of the xattr extent-index block's
	// leading total_size/count header, preceding its extent array. Unlike
	// a directory/file extent-index block (a single leading nr_files
	// word), the xattr index block per spec §3 carries two header words.
	XattrIndexHeaderSize = 8

	// XattrIndexCapacity is how many extent descriptors fit in one xattr
	// extent-index block after XattrIndexHeaderSize.
	XattrIndexCapacity = (BlockSize - XattrIndexHeaderSize) / ExtentSize
)

// InodesPerBlock returns how many fixed-size inode records fit in one
// block.
func InodesPerBlock() uint32 { return BlockSize / InodeSize }
