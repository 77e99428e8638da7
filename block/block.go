// Package block implements the lolelffs block device adapter (spec
// §4.1): translation from logical block numbers to byte offsets in the
// backing store, with a mount-time fs_offset and a small scoped buffer
// cache.
//
// Grounded on the teacher's backend.Storage abstraction
// (diskfs-go-diskfs/backend) for the underlying byte store, generalized
// from disk/disk.go's sector-offset arithmetic to lolelffs's fixed
// 4096-byte block addressing.
package block

import (
	"fmt"
	"sync"

	"github.com/hodgesds/lolelffs/backend"
)

// Size is the fixed block size in bytes.
const Size = 4096

// Device adapts a backend.Storage into lolelffs's block address space,
// adding the mount-time fs_offset (in blocks) ahead of every access.
type Device struct {
	storage  backend.Storage
	fsOffset int64 // in blocks

	mu    sync.Mutex
	cache map[uint32]*Buffer
}

// NewDevice wraps storage, applying fsOffset (in blocks) to every
// logical block address.
func NewDevice(storage backend.Storage, fsOffset int64) *Device {
	return &Device{
		storage:  storage,
		fsOffset: fsOffset,
		cache:    make(map[uint32]*Buffer),
	}
}

// FSOffset returns the mount-time block offset.
func (d *Device) FSOffset() int64 { return d.fsOffset }

// Buffer is a borrowed handle on one block's bytes. The caller must call
// Release when done; Release is the scoped-acquisition discipline of
// spec §4.1 ("releasing the handle is the caller's responsibility").
type Buffer struct {
	dev   *Device
	lbn   uint32
	mu    sync.Mutex
	data  []byte
	dirty bool
	refs  int
}

// Bytes returns the buffer's current contents. The returned slice is
// owned by the Buffer; callers that mutate it must call MarkDirty.
func (b *Buffer) Bytes() []byte { return b.data }

// MarkDirty flags the buffer for writeback at the next Sync.
func (b *Buffer) MarkDirty() {
	b.mu.Lock()
	b.dirty = true
	b.mu.Unlock()
}

// Release drops the caller's reference to the buffer. It does not evict
// the buffer from cache or force a writeback; use Sync for that.
func (b *Buffer) Release() {
	b.dev.mu.Lock()
	b.refs--
	b.dev.mu.Unlock()
}

// ReadBlock returns a borrowed Buffer for logical block lbn, reading it
// from the backing store if not already cached. Failures surface as an
// I/O error and are never retried at this layer.
func (d *Device) ReadBlock(lbn uint32) (*Buffer, error) {
	d.mu.Lock()
	if b, ok := d.cache[lbn]; ok {
		b.refs++
		d.mu.Unlock()
		return b, nil
	}
	d.mu.Unlock()

	data := make([]byte, Size)
	off := (int64(lbn) + d.fsOffset) * Size
	n, err := d.storage.ReadAt(data, off)
	if err != nil && n != Size {
		return nil, fmt.Errorf("block: read block %d at offset %d: %w", lbn, off, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.cache[lbn]; ok {
		b.refs++
		return b, nil
	}
	b := &Buffer{dev: d, lbn: lbn, data: data, refs: 1}
	d.cache[lbn] = b
	return b, nil
}

// WriteBlock writes the full block-sized payload to logical block lbn,
// updating (or populating) the cached buffer and marking it dirty.
func (d *Device) WriteBlock(lbn uint32, payload []byte) error {
	if len(payload) != Size {
		return fmt.Errorf("block: write block %d: payload length %d != %d", lbn, len(payload), Size)
	}
	d.mu.Lock()
	b, ok := d.cache[lbn]
	if !ok {
		b = &Buffer{dev: d, lbn: lbn, data: make([]byte, Size)}
		d.cache[lbn] = b
	}
	copy(b.data, payload)
	b.dirty = true
	d.mu.Unlock()
	return nil
}

// Sync drains every dirty buffer to the backing store.
func (d *Device) Sync() error {
	d.mu.Lock()
	dirty := make([]*Buffer, 0)
	for _, b := range d.cache {
		if b.dirty {
			dirty = append(dirty, b)
		}
	}
	d.mu.Unlock()

	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("block: sync: %w", err)
	}
	for _, b := range dirty {
		b.mu.Lock()
		off := (int64(b.lbn) + d.fsOffset) * Size
		_, err := w.WriteAt(b.data, off)
		if err == nil {
			b.dirty = false
		}
		b.mu.Unlock()
		if err != nil {
			return fmt.Errorf("block: sync block %d: %w", b.lbn, err)
		}
	}
	return nil
}

// SyncBlock forces a single block's writeback immediately, used where
// the spec requires data-block writes to be synchronous before the
// extent descriptor that points to them is updated (§5 ordering
// guarantees).
func (d *Device) SyncBlock(lbn uint32) error {
	d.mu.Lock()
	b, ok := d.cache[lbn]
	d.mu.Unlock()
	if !ok || !b.dirty {
		return nil
	}
	w, err := d.storage.Writable()
	if err != nil {
		return fmt.Errorf("block: sync block %d: %w", lbn, err)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	off := (int64(b.lbn) + d.fsOffset) * Size
	if _, err := w.WriteAt(b.data, off); err != nil {
		return fmt.Errorf("block: sync block %d: %w", lbn, err)
	}
	b.dirty = false
	return nil
}
