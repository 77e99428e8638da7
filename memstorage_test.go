package lolelffs

import (
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/hodgesds/lolelffs/backend"
)

// memStorage is a minimal in-memory backend.Storage, grounded on
// diskfs-go-diskfs/testhelper's FileImpl (a reader/writer-func-backed
// stub used throughout that project's own tests) but backed directly by
// a growable byte slice rather than closures, since lolelffs tests need
// genuine persistence across reads and writes within one test.
type memStorage struct {
	data []byte
	pos  int64
}

func newMemStorage(size int) *memStorage {
	return &memStorage{data: make([]byte, size)}
}

func (m *memStorage) Stat() (fs.FileInfo, error) { return nil, nil }

func (m *memStorage) Read(b []byte) (int, error) {
	n, err := m.ReadAt(b, m.pos)
	m.pos += int64(n)
	return n, err
}

func (m *memStorage) ReadAt(b []byte, offset int64) (int, error) {
	if offset >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(b, m.data[offset:])
	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memStorage) WriteAt(b []byte, offset int64) (int, error) {
	end := offset + int64(len(b))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	return copy(m.data[offset:end], b), nil
}

func (m *memStorage) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
		m.pos = offset
	case io.SeekCurrent:
		m.pos += offset
	case io.SeekEnd:
		m.pos = int64(len(m.data)) + offset
	default:
		return 0, fmt.Errorf("memStorage: invalid whence %d", whence)
	}
	return m.pos, nil
}

func (m *memStorage) Close() error { return nil }

func (m *memStorage) Sys() (*os.File, error) {
	return nil, fmt.Errorf("memStorage: no underlying *os.File")
}

func (m *memStorage) Writable() (backend.WritableFile, error) {
	return m, nil
}
