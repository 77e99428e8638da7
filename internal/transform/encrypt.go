package transform

import (
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// EncryptBlock encrypts one block_size payload under algo, returning the
// ciphertext (always block_size bytes for both supported algorithms) and,
// for AEAD algorithms, the authentication tag separately. Per
// SPEC_FULL.md's resolution of the AEAD-payload-widening open question,
// callers store the tag in the extent's meta_block rather than
// appending it to the data payload, so EncryptBlock never needs to grow
// the returned ciphertext beyond block_size.
func EncryptBlock(algo EncAlgo, key []byte, blockNum uint64, plaintext []byte) (ciphertext, tag []byte, err error) {
	switch algo {
	case EncNone:
		return plaintext, nil, nil
	case EncAES256XTS:
		iv := deriveIV(blockNum, algo.IVSize())
		ct, err := xtsEncrypt(key, iv, plaintext)
		if err != nil {
			return nil, nil, fmt.Errorf("transform: aes-256-xts encrypt: %w", err)
		}
		return ct, nil, nil
	case EncChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, nil, fmt.Errorf("transform: chacha20poly1305 init: %w", err)
		}
		iv := deriveIV(blockNum, aead.NonceSize())
		sealed := aead.Seal(nil, iv, plaintext, nil)
		ct := sealed[:len(sealed)-aead.Overhead()]
		t := sealed[len(sealed)-aead.Overhead():]
		return ct, t, nil
	default:
		return nil, nil, fmt.Errorf("transform: unknown encryption algorithm %d", algo)
	}
}

// DecryptBlock reverses EncryptBlock. For AEAD algorithms, tag must be
// the authentication tag previously returned by EncryptBlock (as read
// back from the extent's meta_block); authentication failure is
// returned as ErrBadMessage, distinct from generic crypto errors, per
// spec §7.
func DecryptBlock(algo EncAlgo, key []byte, blockNum uint64, ciphertext, tag []byte) ([]byte, error) {
	switch algo {
	case EncNone:
		return ciphertext, nil
	case EncAES256XTS:
		iv := deriveIV(blockNum, algo.IVSize())
		pt, err := xtsDecrypt(key, iv, ciphertext)
		if err != nil {
			return nil, fmt.Errorf("transform: aes-256-xts decrypt: %w", err)
		}
		return pt, nil
	case EncChaCha20Poly1305:
		aead, err := chacha20poly1305.New(key)
		if err != nil {
			return nil, fmt.Errorf("transform: chacha20poly1305 init: %w", err)
		}
		iv := deriveIV(blockNum, aead.NonceSize())
		sealed := append(append([]byte{}, ciphertext...), tag...)
		pt, err := aead.Open(nil, iv, sealed, nil)
		if err != nil {
			return nil, ErrBadMessage{Err: err}
		}
		return pt, nil
	default:
		return nil, fmt.Errorf("transform: unknown encryption algorithm %d", algo)
	}
}

// ErrBadMessage wraps an AEAD authentication failure, distinct from
// generic crypto/IO failure per spec §7 ("for AEAD this is BadMessage").
type ErrBadMessage struct{ Err error }

func (e ErrBadMessage) Error() string { return fmt.Sprintf("authentication failed: %v", e.Err) }
func (e ErrBadMessage) Unwrap() error { return e.Err }
