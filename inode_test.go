package lolelffs

import "testing"

func TestInodeRoundTrip(t *testing.T) {
	in := &Inode{
		Mode:       ModeRegular | 0644,
		UID:        1000,
		GID:        1000,
		Size:       4096,
		CTime:      1000,
		ATime:      1001,
		MTime:      1002,
		Blocks:     1,
		NLink:      1,
		EIBlock:    5,
		XattrBlock: 0,
	}
	copy(in.Data[:], "hello")

	enc := in.Encode()
	got, err := DecodeInode(enc[:])
	if err != nil {
		t.Fatalf("DecodeInode: %v", err)
	}
	if *got != *in {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, in)
	}
}

func TestInodeModeClassification(t *testing.T) {
	dir := &Inode{Mode: ModeDir | 0755}
	if !dir.IsDir() || dir.IsRegular() || dir.IsSymlink() {
		t.Fatalf("ModeDir misclassified: %+v", dir)
	}
	reg := &Inode{Mode: ModeRegular | 0644}
	if !reg.IsRegular() || reg.IsDir() {
		t.Fatalf("ModeRegular misclassified: %+v", reg)
	}
	link := &Inode{Mode: ModeSymlink | 0777}
	if !link.IsSymlink() || link.IsDir() {
		t.Fatalf("ModeSymlink misclassified: %+v", link)
	}
}

func TestInodeBlockAndOffset(t *testing.T) {
	perBlock := InodesPerBlock()
	block, off := InodeBlockAndOffset(0)
	if block != 0 || off != 0 {
		t.Fatalf("inode 0: got block=%d off=%d, want 0,0", block, off)
	}
	block, off = InodeBlockAndOffset(perBlock)
	if block != 1 || off != 0 {
		t.Fatalf("inode %d: got block=%d off=%d, want 1,0", perBlock, block, off)
	}
	block, off = InodeBlockAndOffset(perBlock + 1)
	if block != 1 || off != InodeSize {
		t.Fatalf("inode %d: got block=%d off=%d, want 1,%d", perBlock+1, block, off, InodeSize)
	}
}

func TestDecodeInodeTooShort(t *testing.T) {
	if _, err := DecodeInode(make([]byte, InodeSize-1)); err == nil {
		t.Fatalf("expected error decoding a short inode record")
	}
}
