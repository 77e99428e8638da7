package transform

import (
	"bytes"
	"compress/zlib"
	"fmt"
	"io"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4"
)

// Registry is the process-wide compression/encryption service handle.
// It holds the reusable zstd encoder/decoder (the one algorithm in the
// table expensive enough to want amortizing across calls), and supports
// the spec's note that ZSTD "may be declared unavailable at runtime" —
// callers check Supported before relying on it.
type Registry struct {
	mu         sync.Mutex
	zstdEnc    *zstd.Encoder
	zstdDec    *zstd.Decoder
	zstdReady  bool
	lz4HashTbl []int
}

// NewRegistry constructs a Registry with no algorithms yet initialized.
// Call Init before using it, and Shutdown when the volume is unmounted.
func NewRegistry() *Registry {
	return &Registry{lz4HashTbl: make([]int, 1<<16)}
}

// Init allocates the long-lived compressors. It is idempotent.
func (r *Registry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.zstdReady {
		return nil
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("transform: zstd encoder init: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return fmt.Errorf("transform: zstd decoder init: %w", err)
	}
	r.zstdEnc = enc
	r.zstdDec = dec
	r.zstdReady = true
	return nil
}

// Shutdown releases the long-lived compressors. Safe to call more than
// once.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.zstdReady {
		return
	}
	r.zstdEnc.Close()
	r.zstdDec.Close()
	r.zstdReady = false
}

// Supported reports whether algo is runtime-available. NONE, LZ4 and
// ZLIB are always available (standard library / always-linked
// dependencies); ZSTD requires Init to have succeeded.
func (r *Registry) Supported(algo CompAlgo) bool {
	switch algo {
	case CompNone, CompLZ4, CompZlib:
		return true
	case CompZstd:
		r.mu.Lock()
		defer r.mu.Unlock()
		return r.zstdReady
	default:
		return false
	}
}

// Compress compresses src with algo, returning the compressed bytes.
// The caller decides (per spec §4.4) whether the result is worth
// keeping versus storing src uncompressed.
func (r *Registry) Compress(algo CompAlgo, src []byte) ([]byte, error) {
	switch algo {
	case CompNone:
		return src, nil
	case CompLZ4:
		dst := make([]byte, len(src))
		r.mu.Lock()
		n, err := lz4.CompressBlock(src, dst, r.lz4HashTbl)
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("transform: lz4 compress: %w", err)
		}
		if n == 0 {
			// incompressible per pierrec/lz4's convention; caller treats
			// this the same as "didn't shrink enough".
			return src, nil
		}
		return dst[:n], nil
	case CompZlib:
		var buf bytes.Buffer
		w := zlib.NewWriter(&buf)
		if _, err := w.Write(src); err != nil {
			return nil, fmt.Errorf("transform: zlib compress: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("transform: zlib compress: %w", err)
		}
		return buf.Bytes(), nil
	case CompZstd:
		if !r.Supported(CompZstd) {
			return nil, fmt.Errorf("transform: %w", ErrUnsupported{Algo: algo})
		}
		r.mu.Lock()
		out := r.zstdEnc.EncodeAll(src, nil)
		r.mu.Unlock()
		return out, nil
	default:
		return nil, fmt.Errorf("transform: unknown compression algorithm %d", algo)
	}
}

// Decompress expands src with algo, expecting exactly wantLen output
// bytes. A length mismatch is an I/O error per spec §4.4 step 5.
func (r *Registry) Decompress(algo CompAlgo, src []byte, wantLen int) ([]byte, error) {
	switch algo {
	case CompNone:
		if len(src) != wantLen {
			return nil, fmt.Errorf("transform: uncompressed length %d != %d", len(src), wantLen)
		}
		return src, nil
	case CompLZ4:
		dst := make([]byte, wantLen)
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return nil, fmt.Errorf("transform: lz4 decompress: %w", err)
		}
		if n != wantLen {
			return nil, fmt.Errorf("transform: lz4 decompressed length %d != %d", n, wantLen)
		}
		return dst, nil
	case CompZlib:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return nil, fmt.Errorf("transform: zlib decompress: %w", err)
		}
		defer zr.Close()
		out, err := io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("transform: zlib decompress: %w", err)
		}
		if len(out) != wantLen {
			return nil, fmt.Errorf("transform: zlib decompressed length %d != %d", len(out), wantLen)
		}
		return out, nil
	case CompZstd:
		if !r.Supported(CompZstd) {
			return nil, fmt.Errorf("transform: %w", ErrUnsupported{Algo: algo})
		}
		r.mu.Lock()
		out, err := r.zstdDec.DecodeAll(src, make([]byte, 0, wantLen))
		r.mu.Unlock()
		if err != nil {
			return nil, fmt.Errorf("transform: zstd decompress: %w", err)
		}
		if len(out) != wantLen {
			return nil, fmt.Errorf("transform: zstd decompressed length %d != %d", len(out), wantLen)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("transform: unknown compression algorithm %d", algo)
	}
}

// ErrUnsupported reports a KDF or cipher that is declared in the
// superblock but not runtime-available, per spec §7 Unsupported.
type ErrUnsupported struct{ Algo fmt.Stringer }

func (e ErrUnsupported) Error() string { return fmt.Sprintf("%s not available", e.Algo) }
