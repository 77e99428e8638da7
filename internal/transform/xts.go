package transform

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// xtsEncrypt/xtsDecrypt implement AES-256-XTS directly atop crypto/aes
// and crypto/cipher (standard library): no repo in the corpus imports a
// dedicated XTS package, and the construction is compact enough that
// every ecosystem disk-encryption tool builds it this way (see
// DESIGN.md). XTS needs two independent AES-256 keys (data + tweak), but
// the filesystem's master key (unlock.MasterKeySize) is 32 bytes, so
// xtsCiphers expands it to the required 64 bytes with HKDF-SHA256
// (golang.org/x/crypto/hkdf, already pulled in for pbkdf2/argon2) before
// splitting it in two, rather than changing the on-disk master-key size.

const xtsBlockLen = 16

// xtsKeyInfo is the HKDF info string binding the expansion to this one
// use, so the same master key used elsewhere (e.g. as a ChaCha20-Poly1305
// key on a different extent) never collides with the derived XTS keys.
var xtsKeyInfo = []byte("lolelffs aes-256-xts block keys")

func deriveXTSKeyPair(masterKey []byte) (dataKey, tweakKey []byte, err error) {
	expanded := make([]byte, 64)
	kdf := hkdf.New(sha256.New, masterKey, nil, xtsKeyInfo)
	if _, err := io.ReadFull(kdf, expanded); err != nil {
		return nil, nil, fmt.Errorf("transform: xts key expansion: %w", err)
	}
	return expanded[:32], expanded[32:], nil
}

func xtsCiphers(key []byte) (data, tweak cipher.Block, err error) {
	dataKey, tweakKey, err := deriveXTSKeyPair(key)
	if err != nil {
		return nil, nil, err
	}
	data, err = aes.NewCipher(dataKey)
	if err != nil {
		return nil, nil, err
	}
	tweak, err = aes.NewCipher(tweakKey)
	if err != nil {
		return nil, nil, err
	}
	return data, tweak, nil
}

// gfDouble multiplies a 16-byte tweak by x in GF(2^128), the standard
// XTS tweak update (little-endian polynomial representation).
func gfDouble(t []byte) {
	var carry byte
	for i := 0; i < xtsBlockLen; i++ {
		next := t[i] >> 7
		t[i] = (t[i] << 1) | carry
		carry = next
	}
	if carry != 0 {
		t[0] ^= 0x87
	}
}

func xtsCrypt(key []byte, sector []byte, iv []byte, encrypt bool) ([]byte, error) {
	if len(sector)%xtsBlockLen != 0 || len(sector) == 0 {
		return nil, fmt.Errorf("transform: xts sector length %d not a multiple of %d", len(sector), xtsBlockLen)
	}
	dataCipher, tweakCipher, err := xtsCiphers(key)
	if err != nil {
		return nil, err
	}

	tweak := make([]byte, xtsBlockLen)
	copy(tweak, iv)
	tweakCipher.Encrypt(tweak, tweak)

	out := make([]byte, len(sector))
	block := make([]byte, xtsBlockLen)
	for off := 0; off < len(sector); off += xtsBlockLen {
		for i := 0; i < xtsBlockLen; i++ {
			block[i] = sector[off+i] ^ tweak[i]
		}
		if encrypt {
			dataCipher.Encrypt(block, block)
		} else {
			dataCipher.Decrypt(block, block)
		}
		for i := 0; i < xtsBlockLen; i++ {
			out[off+i] = block[i] ^ tweak[i]
		}
		gfDouble(tweak)
	}
	return out, nil
}

func xtsEncrypt(key, iv, plaintext []byte) ([]byte, error) {
	return xtsCrypt(key, plaintext, iv, true)
}

func xtsDecrypt(key, iv, ciphertext []byte) ([]byte, error) {
	return xtsCrypt(key, ciphertext, iv, false)
}
