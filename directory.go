package lolelffs

import (
	"encoding/binary"
	"fmt"

	"github.com/hodgesds/lolelffs/block"
	"github.com/hodgesds/lolelffs/extent"
)

// DirEntry is one decoded directory slot: an inode number paired with a
// NUL-terminated filename.
type DirEntry struct {
	Inode uint32
	Name  string
}

// Used reports whether the slot holds a live entry, per spec §4.5
// ("yield entries whose inode != 0").
func (e DirEntry) Used() bool { return e.Inode != 0 }

// EncodeDirEntry marshals e into its fixed DirEntrySize-byte slot.
func EncodeDirEntry(e DirEntry) ([]byte, error) {
	if len(e.Name) > FilenameLen {
		return nil, fmt.Errorf("lolelffs: filename %q longer than %d bytes", e.Name, FilenameLen)
	}
	b := make([]byte, DirEntrySize)
	binary.LittleEndian.PutUint32(b[0:4], e.Inode)
	copy(b[4:4+len(e.Name)], e.Name)
	return b, nil
}

// DecodeDirEntry parses one DirEntrySize-byte directory slot.
func DecodeDirEntry(b []byte) (DirEntry, error) {
	if len(b) < DirEntrySize {
		return DirEntry{}, fmt.Errorf("lolelffs: directory entry too short: %d < %d", len(b), DirEntrySize)
	}
	ino := binary.LittleEndian.Uint32(b[0:4])
	name := b[4:DirEntrySize]
	nul := 0
	for nul < len(name) && name[nul] != 0 {
		nul++
	}
	return DirEntry{Inode: ino, Name: string(name[:nul])}, nil
}

// filesPerExtent returns how many directory entries one maximally sized
// extent under sb's current feature settings can hold.
func filesPerExtent(sb *Superblock) uint64 {
	return uint64(FilesPerBlock) * uint64(sb.EffectiveMaxExtentBlocks())
}

// DirCursor iterates a directory's entries in the order spec §4.5
// specifies: "." at position 0, ".." at position 1, then the extent
// index's live slots in extent/block/slot order from position 2 onward.
type DirCursor struct {
	dev         *block.Device
	idx         *extent.Index
	selfInode   uint32
	parentIno   uint32
	filesPerExt uint64
	pos         uint64
	maxSubfiles uint64
}

// NewDirCursor builds a cursor over a directory's extent index, starting
// at position 0.
func NewDirCursor(dev *block.Device, idx *extent.Index, selfInode, parentIno uint32, sb *Superblock) *DirCursor {
	fpe := filesPerExtent(sb)
	return &DirCursor{
		dev:         dev,
		idx:         idx,
		selfInode:   selfInode,
		parentIno:   parentIno,
		filesPerExt: fpe,
		maxSubfiles: fpe * uint64(MaxExtents),
	}
}

// Seek repositions the cursor to an absolute position, per the caller's
// opaque readdir cursor convention.
func (c *DirCursor) Seek(pos uint64) { c.pos = pos }

// Pos returns the cursor's current position.
func (c *DirCursor) Pos() uint64 { return c.pos }

// Next returns the next live entry and advances the cursor, or reports
// ok == false at end of directory.
func (c *DirCursor) Next() (entry DirEntry, ok bool, err error) {
	for {
		if c.pos == 0 {
			c.pos++
			return DirEntry{Inode: c.selfInode, Name: "."}, true, nil
		}
		if c.pos == 1 {
			c.pos++
			return DirEntry{Inode: c.parentIno, Name: ".."}, true, nil
		}
		if c.pos-2 >= c.maxSubfiles {
			return DirEntry{}, false, nil
		}

		rel := c.pos - 2
		ei := rel / c.filesPerExt
		within := rel % c.filesPerExt
		bi := within / FilesPerBlock
		fi := within % FilesPerBlock

		if int(ei) >= len(c.idx.Extents) {
			return DirEntry{}, false, nil
		}
		ext := c.idx.Extents[ei]
		if !ext.Used() {
			return DirEntry{}, false, nil
		}
		if bi >= uint64(ext.Length) {
			// past this extent's blocks; move on to the next extent
			c.pos += (c.filesPerExt - within)
			continue
		}

		phys := ext.StartPhys + uint32(bi)
		buf, err := c.dev.ReadBlock(phys)
		if err != nil {
			return DirEntry{}, false, fmt.Errorf("lolelffs: directory read block %d: %w", phys, err)
		}
		off := int(fi) * DirEntrySize
		de, err := DecodeDirEntry(buf.Bytes()[off : off+DirEntrySize])
		buf.Release()
		if err != nil {
			return DirEntry{}, false, err
		}
		c.pos++
		if !de.Used() {
			continue
		}
		return de, true, nil
	}
}

// ListAll drains the cursor into a slice, mostly useful for tests and
// small directories; large directories should use Next directly to
// avoid materializing every entry at once.
func (c *DirCursor) ListAll() ([]DirEntry, error) {
	var out []DirEntry
	for {
		e, ok, err := c.Next()
		if err != nil {
			return out, err
		}
		if !ok {
			return out, nil
		}
		out = append(out, e)
	}
}

// FindEntry scans a directory for name, returning its inode number.
func FindEntry(dev *block.Device, idx *extent.Index, selfInode, parentIno uint32, sb *Superblock, name string) (uint32, error) {
	c := NewDirCursor(dev, idx, selfInode, parentIno, sb)
	for {
		e, ok, err := c.Next()
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, newErr("FindEntry", KindNotFound, fmt.Errorf("no such entry %q", name))
		}
		if e.Name == name {
			return e.Inode, nil
		}
	}
}
