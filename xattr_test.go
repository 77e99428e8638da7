package lolelffs

import (
	"bytes"
	"strings"
	"testing"
)

func TestXattrSetGetRoundTrip(t *testing.T) {
	var data []byte
	data, err := SetXattr(data, XattrNamespaceUser, "comment", []byte("hello world"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	got, err := GetXattr(data, XattrNamespaceUser, "comment")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if !bytes.Equal(got, []byte("hello world")) {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestXattrMultipleEntries(t *testing.T) {
	var data []byte
	var err error
	data, err = SetXattr(data, XattrNamespaceUser, "a", []byte("1"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr a: %v", err)
	}
	data, err = SetXattr(data, XattrNamespaceUser, "b", []byte("22"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr b: %v", err)
	}
	data, err = SetXattr(data, XattrNamespaceTrusted, "a", []byte("333"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr trusted a: %v", err)
	}

	names := ListXattr(data)
	if len(names) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(names), names)
	}

	va, err := GetXattr(data, XattrNamespaceUser, "a")
	if err != nil || string(va) != "1" {
		t.Fatalf("user.a = %q, %v", va, err)
	}
	vb, err := GetXattr(data, XattrNamespaceUser, "b")
	if err != nil || string(vb) != "22" {
		t.Fatalf("user.b = %q, %v", vb, err)
	}
	vta, err := GetXattr(data, XattrNamespaceTrusted, "a")
	if err != nil || string(vta) != "333" {
		t.Fatalf("trusted.a = %q, %v", vta, err)
	}
}

func TestXattrCreateFlagRejectsExisting(t *testing.T) {
	var data []byte
	data, err := SetXattr(data, XattrNamespaceUser, "k", []byte("v1"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	if _, err := SetXattr(data, XattrNamespaceUser, "k", []byte("v2"), XattrSetCreate); err == nil {
		t.Fatalf("expected AlreadyExists error with CREATE on an existing name")
	}
}

func TestXattrReplaceFlagRejectsMissing(t *testing.T) {
	var data []byte
	if _, err := SetXattr(data, XattrNamespaceUser, "k", []byte("v"), XattrSetReplace); err == nil {
		t.Fatalf("expected NoData error with REPLACE on a missing name")
	}
}

func TestXattrSetReplacesExistingValue(t *testing.T) {
	var data []byte
	data, err := SetXattr(data, XattrNamespaceUser, "k", []byte("old"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	data, err = SetXattr(data, XattrNamespaceUser, "k", []byte("new-value"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr replace: %v", err)
	}
	got, err := GetXattr(data, XattrNamespaceUser, "k")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if string(got) != "new-value" {
		t.Fatalf("got %q, want %q", got, "new-value")
	}
	if len(ListXattr(data)) != 1 {
		t.Fatalf("replacing should not duplicate the entry")
	}
}

func TestXattrRemove(t *testing.T) {
	var data []byte
	data, err := SetXattr(data, XattrNamespaceUser, "a", []byte("1"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr a: %v", err)
	}
	data, err = SetXattr(data, XattrNamespaceUser, "b", []byte("2"), XattrSetDefault)
	if err != nil {
		t.Fatalf("SetXattr b: %v", err)
	}
	data, err = RemoveXattr(data, XattrNamespaceUser, "a")
	if err != nil {
		t.Fatalf("RemoveXattr: %v", err)
	}
	if _, err := GetXattr(data, XattrNamespaceUser, "a"); err == nil {
		t.Fatalf("expected NoData after removal")
	}
	got, err := GetXattr(data, XattrNamespaceUser, "b")
	if err != nil || string(got) != "2" {
		t.Fatalf("surviving entry corrupted: %q, %v", got, err)
	}
}

func TestXattrRemoveMissingFails(t *testing.T) {
	var data []byte
	if _, err := RemoveXattr(data, XattrNamespaceUser, "nope"); err == nil {
		t.Fatalf("expected NoData removing a missing attribute")
	}
}

func TestXattrRejectsOverlongName(t *testing.T) {
	var data []byte
	longName := strings.Repeat("x", FilenameLen+1)
	if _, err := SetXattr(data, XattrNamespaceUser, longName, []byte("v"), XattrSetDefault); err == nil {
		t.Fatalf("expected error for a name longer than %d bytes", FilenameLen)
	}
}

func TestXattrRejectsOverlongValue(t *testing.T) {
	var data []byte
	if _, err := SetXattr(data, XattrNamespaceUser, "k", make([]byte, 65536), XattrSetDefault); err == nil {
		t.Fatalf("expected error for a value longer than 65535 bytes")
	}
}

func TestVolumeXattrSetGetRoundTrip(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.SetXattr(1, XattrNamespaceUser, "comment", []byte("hello world"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}

	in, err := v.ReadInode(1)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	if in.XattrBlock == 0 {
		t.Fatalf("expected SetXattr to allocate and record an xattr block")
	}

	got, err := v.GetXattr(1, XattrNamespaceUser, "comment")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q, want %q", got, "hello world")
	}
}

func TestVolumeXattrGetMissingFails(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if _, err := v.GetXattr(1, XattrNamespaceUser, "nope"); err == nil {
		t.Fatalf("expected NoData reading an xattr from an inode with no xattr block")
	}
}

func TestVolumeXattrMultipleEntriesAndList(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.SetXattr(1, XattrNamespaceUser, "a", []byte("1"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr a: %v", err)
	}
	if err := v.SetXattr(1, XattrNamespaceUser, "b", []byte("22"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr b: %v", err)
	}
	if err := v.SetXattr(1, XattrNamespaceTrusted, "a", []byte("333"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr trusted.a: %v", err)
	}

	entries, err := v.ListXattr(1)
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3: %+v", len(entries), entries)
	}

	vb, err := v.GetXattr(1, XattrNamespaceUser, "b")
	if err != nil || string(vb) != "22" {
		t.Fatalf("user.b = %q, %v", vb, err)
	}
}

func TestVolumeXattrSetReplacesExistingValue(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.SetXattr(1, XattrNamespaceUser, "k", []byte("old"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	if err := v.SetXattr(1, XattrNamespaceUser, "k", []byte("new-value"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr replace: %v", err)
	}
	got, err := v.GetXattr(1, XattrNamespaceUser, "k")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if string(got) != "new-value" {
		t.Fatalf("got %q, want %q", got, "new-value")
	}
	entries, err := v.ListXattr(1)
	if err != nil {
		t.Fatalf("ListXattr: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("replacing should not duplicate the entry, got %+v", entries)
	}
}

func TestVolumeXattrRemoveRoundTrip(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.SetXattr(1, XattrNamespaceUser, "a", []byte("1"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr a: %v", err)
	}
	if err := v.SetXattr(1, XattrNamespaceUser, "b", []byte("2"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr b: %v", err)
	}
	if err := v.RemoveXattr(1, XattrNamespaceUser, "a"); err != nil {
		t.Fatalf("RemoveXattr: %v", err)
	}
	if _, err := v.GetXattr(1, XattrNamespaceUser, "a"); err == nil {
		t.Fatalf("expected NoData after removal")
	}
	got, err := v.GetXattr(1, XattrNamespaceUser, "b")
	if err != nil || string(got) != "2" {
		t.Fatalf("surviving entry corrupted: %q, %v", got, err)
	}
}

func TestVolumeXattrRemoveMissingFails(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.RemoveXattr(1, XattrNamespaceUser, "nope"); err == nil {
		t.Fatalf("expected NoData removing an attribute from an inode with no xattr block")
	}
}

func TestVolumeXattrGrowsPastInitialExtent(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	// Each entry costs roughly 12 + len(name)+1 + len(value) bytes,
	// rounded up to 4; pushing several 1 KiB values well past one block
	// forces writeXattrStream to free the original run and reallocate a
	// bigger one, exercising the "update the first extent descriptor"
	// growth path against a real allocator and backing device.
	value := make([]byte, 1024)
	for i := 0; i < 6; i++ {
		name := string(rune('a' + i))
		if err := v.SetXattr(1, XattrNamespaceUser, name, value, XattrSetDefault); err != nil {
			t.Fatalf("SetXattr %s: %v", name, err)
		}
	}

	in, err := v.ReadInode(1)
	if err != nil {
		t.Fatalf("ReadInode: %v", err)
	}
	idx, err := v.readXattrIndex(in.XattrBlock)
	if err != nil {
		t.Fatalf("readXattrIndex: %v", err)
	}
	if idx.Extents[0].Length < 2 {
		t.Fatalf("expected the packed stream to span more than one block, got extent %+v", idx.Extents[0])
	}

	got, err := v.GetXattr(1, XattrNamespaceUser, "f")
	if err != nil {
		t.Fatalf("GetXattr: %v", err)
	}
	if len(got) != len(value) {
		t.Fatalf("got value of length %d, want %d", len(got), len(value))
	}
}

func TestVolumeXattrSurvivesUnmountRemount(t *testing.T) {
	storage, _ := buildTestImage(t, false)
	v := mustMount(t, storage)

	if err := v.SetXattr(1, XattrNamespaceUser, "comment", []byte("persisted"), XattrSetDefault); err != nil {
		t.Fatalf("SetXattr: %v", err)
	}
	if err := v.Unmount(); err != nil {
		t.Fatalf("Unmount: %v", err)
	}

	v2 := mustMount(t, storage)
	got, err := v2.GetXattr(1, XattrNamespaceUser, "comment")
	if err != nil {
		t.Fatalf("GetXattr after remount: %v", err)
	}
	if string(got) != "persisted" {
		t.Fatalf("got %q, want %q", got, "persisted")
	}
}

func TestXattrRejectsPackedStreamOverflow(t *testing.T) {
	var data []byte
	var err error
	// Each entry here costs roughly 12 + len(name)+1 + len(value), rounded
	// up to 4 bytes; push well past XattrMaxPackedSize.
	value := make([]byte, 1024)
	for i := 0; i < 40; i++ {
		name := strings.Repeat("n", 1) + string(rune('a'+i%26)) + string(rune('0'+i%10))
		data, err = SetXattr(data, XattrNamespaceUser, name, value, XattrSetDefault)
		if err != nil {
			break
		}
	}
	if err == nil {
		t.Fatalf("expected SetXattr to eventually reject a packed stream over %d bytes", XattrMaxPackedSize)
	}
}
