package lolelffs

import (
	"testing"

	"github.com/hodgesds/lolelffs/block"
	"github.com/hodgesds/lolelffs/extent"
)

func testSuperblockForDir() *Superblock {
	sb := validSuperblock()
	return sb
}

func writeDirBlock(t *testing.T, dev *block.Device, phys uint32, entries []DirEntry) {
	t.Helper()
	payload := make([]byte, block.Size)
	for i, e := range entries {
		enc, err := EncodeDirEntry(e)
		if err != nil {
			t.Fatalf("EncodeDirEntry: %v", err)
		}
		off := i * DirEntrySize
		copy(payload[off:off+DirEntrySize], enc)
	}
	if err := dev.WriteBlock(phys, payload); err != nil {
		t.Fatalf("WriteBlock(%d): %v", phys, err)
	}
}

func TestDirCursorSynthesizesDotAndDotDot(t *testing.T) {
	storage := newMemStorage(64 * block.Size)
	dev := block.NewDevice(storage, 0)
	sb := testSuperblockForDir()

	idx := extent.NewIndex(MaxExtents)
	idx.NRFiles = 0 // empty directory

	c := NewDirCursor(dev, idx, 42, 7, sb)
	e, ok, err := c.Next()
	if err != nil || !ok || e.Name != "." || e.Inode != 42 {
		t.Fatalf(". entry wrong: %+v ok=%v err=%v", e, ok, err)
	}
	e, ok, err = c.Next()
	if err != nil || !ok || e.Name != ".." || e.Inode != 7 {
		t.Fatalf(".. entry wrong: %+v ok=%v err=%v", e, ok, err)
	}
	_, ok, err = c.Next()
	if err != nil || ok {
		t.Fatalf("expected end of directory after . and .., got ok=%v err=%v", ok, err)
	}
}

func TestDirCursorWalksExtentEntries(t *testing.T) {
	storage := newMemStorage(64 * block.Size)
	dev := block.NewDevice(storage, 0)
	sb := testSuperblockForDir()

	idx := extent.NewIndex(MaxExtents)
	idx.Extents[0] = extent.Descriptor{LogicalBlock: 0, Length: 1, StartPhys: 10}

	writeDirBlock(t, dev, 10, []DirEntry{
		{Inode: 100, Name: "alpha"},
		{Inode: 0, Name: ""}, // deleted slot, should be skipped
		{Inode: 101, Name: "beta"},
	})

	c := NewDirCursor(dev, idx, 1, 1, sb)
	all, err := c.ListAll()
	if err != nil {
		t.Fatalf("ListAll: %v", err)
	}

	want := []string{".", "..", "alpha", "beta"}
	if len(all) != len(want) {
		t.Fatalf("got %d entries, want %d: %+v", len(all), len(want), all)
	}
	for i, name := range want {
		if all[i].Name != name {
			t.Fatalf("entry %d: got %q, want %q", i, all[i].Name, name)
		}
	}
}

func TestFindEntry(t *testing.T) {
	storage := newMemStorage(64 * block.Size)
	dev := block.NewDevice(storage, 0)
	sb := testSuperblockForDir()

	idx := extent.NewIndex(MaxExtents)
	idx.Extents[0] = extent.Descriptor{LogicalBlock: 0, Length: 1, StartPhys: 20}
	writeDirBlock(t, dev, 20, []DirEntry{{Inode: 55, Name: "target.txt"}})

	ino, err := FindEntry(dev, idx, 1, 1, sb, "target.txt")
	if err != nil {
		t.Fatalf("FindEntry: %v", err)
	}
	if ino != 55 {
		t.Fatalf("got inode %d, want 55", ino)
	}

	if _, err := FindEntry(dev, idx, 1, 1, sb, "missing.txt"); err == nil {
		t.Fatalf("expected NotFound for a missing name")
	}
}

func TestDirEntryRoundTrip(t *testing.T) {
	e := DirEntry{Inode: 12345, Name: "some-file.txt"}
	enc, err := EncodeDirEntry(e)
	if err != nil {
		t.Fatalf("EncodeDirEntry: %v", err)
	}
	got, err := DecodeDirEntry(enc)
	if err != nil {
		t.Fatalf("DecodeDirEntry: %v", err)
	}
	if got != e {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, e)
	}
}

func TestEncodeDirEntryRejectsOverlongName(t *testing.T) {
	name := make([]byte, FilenameLen+1)
	for i := range name {
		name[i] = 'x'
	}
	if _, err := EncodeDirEntry(DirEntry{Inode: 1, Name: string(name)}); err == nil {
		t.Fatalf("expected error for a filename longer than %d bytes", FilenameLen)
	}
}
