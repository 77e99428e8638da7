package mkfsfmt

import (
	"testing"

	"github.com/hodgesds/lolelffs"
)

// memFile is a minimal growable in-memory io.WriterAt, for exercising
// Format without touching the filesystem.
type memFile struct {
	data []byte
}

func (m *memFile) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.data)) {
		grown := make([]byte, end)
		copy(grown, m.data)
		m.data = grown
	}
	copy(m.data[off:end], p)
	return len(p), nil
}

func TestComputeLayoutMatchesMkfsArithmetic(t *testing.T) {
	l := ComputeLayout(1000)

	if l.NRInodes%lolelffs.InodesPerBlock() != 0 {
		t.Fatalf("NRInodes %d not aligned to a block boundary", l.NRInodes)
	}
	if l.NRInodes < l.NRBlocks {
		t.Fatalf("NRInodes %d should be >= NRBlocks %d before rounding up", l.NRInodes, l.NRBlocks)
	}
	wantFirstData := 1 + l.NRIStoreBlocks + l.NRIFreeBlocks + l.NRBFreeBlocks
	if l.FirstDataBlock != wantFirstData {
		t.Fatalf("FirstDataBlock = %d, want %d", l.FirstDataBlock, wantFirstData)
	}
	if l.LegacyDataBlocks != l.NRDataBlocks+1 {
		t.Fatalf("LegacyDataBlocks = %d, want NRDataBlocks+1 = %d", l.LegacyDataBlocks, l.NRDataBlocks+1)
	}
}

func TestFormatRejectsImageBelowMinimum(t *testing.T) {
	f := &memFile{}
	if _, _, err := Format(f, int64(lolelffs.BlockSize), false, ""); err == nil {
		t.Fatalf("expected Format to reject an image below the minimum block count")
	}
}

func TestFormatWritesADecodableSuperblock(t *testing.T) {
	f := &memFile{}
	size := int64(200) * lolelffs.BlockSize

	l, sb, err := Format(f, size, false, "")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}

	got, err := lolelffs.DecodeSuperblock(f.data[:512])
	if err != nil {
		t.Fatalf("DecodeSuperblock: %v", err)
	}
	if err := got.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if got.NRBlocks != sb.NRBlocks || got.NRFreeBlocks != sb.NRFreeBlocks {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, sb)
	}
	if got.DataBlockStart() != l.FirstDataBlock {
		t.Fatalf("DataBlockStart() = %d, want %d", got.DataBlockStart(), l.FirstDataBlock)
	}
}

func TestFormatEncryptedProducesUnlockableMasterKey(t *testing.T) {
	f := &memFile{}
	size := int64(200) * lolelffs.BlockSize

	_, sb, err := Format(f, size, true, "correct horse battery staple")
	if err != nil {
		t.Fatalf("Format: %v", err)
	}
	if sb.EncEnabled == 0 {
		t.Fatalf("expected encryption to be enabled")
	}

	var zero [32]byte
	if sb.EncMasterKeyEnc == zero {
		t.Fatalf("expected a non-zero wrapped master key")
	}
}
