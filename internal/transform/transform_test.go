package transform

import (
	"bytes"
	"testing"
)

func TestCompressRoundTrip(t *testing.T) {
	r := NewRegistry()
	if err := r.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer r.Shutdown()

	src := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 64)

	for _, algo := range []CompAlgo{CompNone, CompLZ4, CompZlib, CompZstd} {
		algo := algo
		t.Run(algo.String(), func(t *testing.T) {
			compressed, err := r.Compress(algo, src)
			if err != nil {
				t.Fatalf("Compress: %v", err)
			}
			out, err := r.Decompress(algo, compressed, len(src))
			if err != nil {
				t.Fatalf("Decompress: %v", err)
			}
			if !bytes.Equal(out, src) {
				t.Fatalf("round trip mismatch for %s", algo)
			}
		})
	}
}

func TestDecompressLengthMismatch(t *testing.T) {
	r := NewRegistry()
	src := []byte("hello world")
	compressed, err := r.Compress(CompZlib, src)
	if err != nil {
		t.Fatalf("Compress: %v", err)
	}
	if _, err := r.Decompress(CompZlib, compressed, len(src)+1); err == nil {
		t.Fatalf("expected length-mismatch error, got nil")
	}
}

func TestZstdUnsupportedBeforeInit(t *testing.T) {
	r := NewRegistry()
	if r.Supported(CompZstd) {
		t.Fatalf("zstd should not be supported before Init")
	}
	if _, err := r.Compress(CompZstd, []byte("x")); err == nil {
		t.Fatalf("expected error compressing with zstd before Init")
	}
}

func TestXTSRoundTrip(t *testing.T) {
	key := make([]byte, 64)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := bytes.Repeat([]byte{0xAB}, BlockSizeForTest)

	ct, _, err := EncryptBlock(EncAES256XTS, key, 42, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	if bytes.Equal(ct, plaintext) {
		t.Fatalf("ciphertext equals plaintext")
	}
	pt, err := DecryptBlock(EncAES256XTS, key, 42, ct, nil)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("xts round trip mismatch")
	}
}

func TestXTSDifferentBlockNumbersDiffer(t *testing.T) {
	key := make([]byte, 64)
	plaintext := bytes.Repeat([]byte{0x11}, BlockSizeForTest)

	ct1, _, err := EncryptBlock(EncAES256XTS, key, 1, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock(1): %v", err)
	}
	ct2, _, err := EncryptBlock(EncAES256XTS, key, 2, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock(2): %v", err)
	}
	if bytes.Equal(ct1, ct2) {
		t.Fatalf("ciphertext should differ across block numbers (tweak not applied)")
	}
}

func TestChaCha20Poly1305RoundTrip(t *testing.T) {
	key := make([]byte, 32)
	for i := range key {
		key[i] = byte(i * 3)
	}
	plaintext := bytes.Repeat([]byte{0x42}, BlockSizeForTest)

	ct, tag, err := EncryptBlock(EncChaCha20Poly1305, key, 7, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	if len(ct) != len(plaintext) {
		t.Fatalf("ciphertext length %d != plaintext length %d", len(ct), len(plaintext))
	}
	if len(tag) != 16 {
		t.Fatalf("tag length = %d, want 16", len(tag))
	}
	pt, err := DecryptBlock(EncChaCha20Poly1305, key, 7, ct, tag)
	if err != nil {
		t.Fatalf("DecryptBlock: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatalf("chacha20poly1305 round trip mismatch")
	}
}

func TestChaCha20Poly1305TamperedTagFails(t *testing.T) {
	key := make([]byte, 32)
	plaintext := bytes.Repeat([]byte{0x99}, BlockSizeForTest)

	ct, tag, err := EncryptBlock(EncChaCha20Poly1305, key, 3, plaintext)
	if err != nil {
		t.Fatalf("EncryptBlock: %v", err)
	}
	tag[0] ^= 0xFF

	if _, err := DecryptBlock(EncChaCha20Poly1305, key, 3, ct, tag); err == nil {
		t.Fatalf("expected authentication failure with tampered tag")
	} else if _, ok := err.(ErrBadMessage); !ok {
		t.Fatalf("expected ErrBadMessage, got %T: %v", err, err)
	}
}

func TestCompMetaRoundTrip(t *testing.T) {
	m := CompBlockMeta{DictBlock: 10, DictLen: 4096, Checksum: 0xDEADBEEF}
	enc := m.Encode()
	got, ok := DecodeCompMeta(enc[:])
	if !ok {
		t.Fatalf("DecodeCompMeta: not ok")
	}
	if got != m {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, m)
	}
}

func TestCompMetaRejectsShortOrBadMagic(t *testing.T) {
	if _, ok := DecodeCompMeta([]byte{1, 2, 3}); ok {
		t.Fatalf("expected not ok for short buffer")
	}
	garbage := make([]byte, CompMetaSize)
	if _, ok := DecodeCompMeta(garbage); ok {
		t.Fatalf("expected not ok for zeroed buffer (bad magic)")
	}
}

// BlockSizeForTest avoids importing the root package (which would create
// an import cycle back into transform) just to get the filesystem's
// block size; 4096 matches lolelffs.BlockSize.
const BlockSizeForTest = 4096
