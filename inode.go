package lolelffs

import (
	"encoding/binary"
	"fmt"
)

// File mode bits, matching the subset of Unix mode bits the format cares
// about: a directory bit, a symlink bit, and permission bits are stored
// verbatim in i_mode the way the source does.
const (
	ModeDir      uint32 = 0040000
	ModeRegular  uint32 = 0100000
	ModeSymlink  uint32 = 0120000
	ModeTypeMask uint32 = 0170000
)

// Inode is the in-memory form of one fixed-size, 72-byte on-disk inode
// record.
type Inode struct {
	Mode       uint32
	UID        uint32
	GID        uint32
	Size       uint32
	CTime      uint32
	ATime      uint32
	MTime      uint32
	Blocks     uint32
	NLink      uint32
	EIBlock    uint32               // block holding this file's extent index
	XattrBlock uint32               // block holding this file's xattr extent index, 0 if none
	Data       [InlineDataSize]byte // inline symlink target, NUL-padded
}

// IsDir reports whether the inode describes a directory.
func (in *Inode) IsDir() bool { return in.Mode&ModeTypeMask == ModeDir }

// IsSymlink reports whether the inode describes a symbolic link.
func (in *Inode) IsSymlink() bool { return in.Mode&ModeTypeMask == ModeSymlink }

// IsRegular reports whether the inode describes a regular file.
func (in *Inode) IsRegular() bool { return in.Mode&ModeTypeMask == ModeRegular }

// Encode marshals the inode into its fixed InodeSize-byte record.
func (in *Inode) Encode() [InodeSize]byte {
	var b [InodeSize]byte
	binary.LittleEndian.PutUint32(b[0:4], in.Mode)
	binary.LittleEndian.PutUint32(b[4:8], in.UID)
	binary.LittleEndian.PutUint32(b[8:12], in.GID)
	binary.LittleEndian.PutUint32(b[12:16], in.Size)
	binary.LittleEndian.PutUint32(b[16:20], in.CTime)
	binary.LittleEndian.PutUint32(b[20:24], in.ATime)
	binary.LittleEndian.PutUint32(b[24:28], in.MTime)
	binary.LittleEndian.PutUint32(b[28:32], in.Blocks)
	binary.LittleEndian.PutUint32(b[32:36], in.NLink)
	binary.LittleEndian.PutUint32(b[36:40], in.EIBlock)
	binary.LittleEndian.PutUint32(b[40:44], in.XattrBlock)
	copy(b[44:44+InlineDataSize], in.Data[:])
	return b
}

// DecodeInode parses one InodeSize-byte record.
func DecodeInode(b []byte) (*Inode, error) {
	if len(b) < InodeSize {
		return nil, fmt.Errorf("lolelffs: inode record too short: %d < %d", len(b), InodeSize)
	}
	in := &Inode{
		Mode:       binary.LittleEndian.Uint32(b[0:4]),
		UID:        binary.LittleEndian.Uint32(b[4:8]),
		GID:        binary.LittleEndian.Uint32(b[8:12]),
		Size:       binary.LittleEndian.Uint32(b[12:16]),
		CTime:      binary.LittleEndian.Uint32(b[16:20]),
		ATime:      binary.LittleEndian.Uint32(b[20:24]),
		MTime:      binary.LittleEndian.Uint32(b[24:28]),
		Blocks:     binary.LittleEndian.Uint32(b[28:32]),
		NLink:      binary.LittleEndian.Uint32(b[32:36]),
		EIBlock:    binary.LittleEndian.Uint32(b[36:40]),
		XattrBlock: binary.LittleEndian.Uint32(b[40:44]),
	}
	copy(in.Data[:], b[44:44+InlineDataSize])
	return in, nil
}

// InodeBlockAndOffset returns the logical block number (relative to the
// start of the inode store) and byte offset within that block for inode
// number ino, given the fixed InodesPerBlock() layout.
func InodeBlockAndOffset(ino uint32) (block uint32, offset uint32) {
	perBlock := InodesPerBlock()
	return ino / perBlock, (ino % perBlock) * InodeSize
}
