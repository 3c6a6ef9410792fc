package envelope

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

// pbkdf2Iterations for convergent block keys. Fixed: changing it would
// change every block's ciphertext identity.
const pbkdf2Iterations = 100_000

// DeriveBlockKey derives the convergent key for a block from its content
// hash: PBKDF2-HMAC-SHA256(hash bytes, fixed salt, 100000 iterations).
// Identical plaintext therefore always yields the same key.
func DeriveBlockKey(contentHash []byte) []byte {
	return pbkdf2.Key(contentHash, convergentSalt, pbkdf2Iterations, KeySize, sha256.New)
}

// BlockNonce derives the deterministic nonce for a block from its hex hash.
func BlockNonce(hexHash string) []byte {
	sum := sha256.Sum256([]byte(hexHash + "_nonce"))
	return sum[:NonceSize]
}

// SealBlock convergently encrypts a block for CAS storage.
//
// The on-disk layout is nonce(12) || tag(16) || ciphertext, matching the
// CAS block file format. Because both key and nonce are derived from the
// content, sealing the same plaintext twice produces byte-identical output.
func SealBlock(contentHash []byte, hexHash string, plaintext []byte) ([]byte, error) {
	key := DeriveBlockKey(contentHash)
	return sealBlockWithKey(key, BlockNonce(hexHash), plaintext, nil)
}

// OpenBlock decrypts a CAS block file sealed by SealBlock.
func OpenBlock(contentHash []byte, frame []byte) ([]byte, error) {
	return openBlockWithKey(DeriveBlockKey(contentHash), frame, nil)
}

// SealBlockKeyed encrypts a CAS block with an envelope file key instead of
// a convergent key, binding the manifest index as AAD. Used for the
// chunked storage type where deduplication is disabled. The nonce is
// random; the layout is the same nonce || tag || ciphertext.
func SealBlockKeyed(fileKey []byte, index int, plaintext []byte) ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return sealBlockWithKey(fileKey, nonce, plaintext, chunkAAD(index))
}

// OpenBlockKeyed decrypts a CAS block sealed by SealBlockKeyed.
func OpenBlockKeyed(fileKey []byte, index int, frame []byte) ([]byte, error) {
	return openBlockWithKey(fileKey, frame, chunkAAD(index))
}

func sealBlockWithKey(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	sealed := aead.Seal(nil, nonce, plaintext, aad)
	// Seal appends the tag; the CAS layout wants it up front.
	ct, tag := sealed[:len(sealed)-TagSize], sealed[len(sealed)-TagSize:]
	out := make([]byte, 0, NonceSize+TagSize+len(ct))
	out = append(out, nonce...)
	out = append(out, tag...)
	out = append(out, ct...)
	return out, nil
}

func openBlockWithKey(key, frame, aad []byte) ([]byte, error) {
	if len(frame) < NonceSize+TagSize {
		return nil, ErrMalformed
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := frame[:NonceSize]
	tag := frame[NonceSize : NonceSize+TagSize]
	ct := frame[NonceSize+TagSize:]

	sealed := make([]byte, 0, len(ct)+TagSize)
	sealed = append(sealed, ct...)
	sealed = append(sealed, tag...)

	plain, err := aead.Open(nil, nonce, sealed, aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plain, nil
}
