// Package envelope implements the encryption envelope for stored objects.
//
// Every upload gets a fresh 256-bit file key. The file key is wrapped under
// the process master key with AES-256-GCM and stored base64-encoded in the
// file row. Payload bytes are sealed with the file key; chunk seals bind the
// chunk index as additional authenticated data so a reordered frame fails
// authentication.
//
// Deduplicated blocks use convergent encryption instead: the block key is
// derived from the block's content hash, and the nonce is derived from the
// hex hash, so identical plaintext blocks produce identical ciphertext on
// disk. Convergent encryption leaks content equality between uploaders; this
// is a deliberate trade-off that enables cross-reference of blocks.
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
)

const (
	// KeySize is the AES-256 key length.
	KeySize = 32

	// NonceSize is the GCM nonce length.
	NonceSize = 12

	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// convergentSalt is the fixed PBKDF2 salt for convergent block keys.
// It must never change: block ciphertext identity depends on it.
var convergentSalt = []byte("dedup_convergent_encryption_salt")

// ErrIntegrity reports an authentication failure: the ciphertext or its
// associated data was modified after sealing.
var ErrIntegrity = errors.New("envelope: integrity check failed")

// ErrMalformed reports a frame too short to contain nonce and tag.
var ErrMalformed = errors.New("envelope: malformed frame")

// Service seals and opens payloads under a process master key.
// The master key is read-only after construction.
type Service struct {
	master []byte
}

// NewService builds a Service from the configured key material.
//
// If masterB64 is set it must decode to exactly 32 bytes. Otherwise the
// master key is the SHA-256 digest of secret. The master key is never
// persisted.
func NewService(masterB64, secret string) (*Service, error) {
	if masterB64 != "" {
		mk, err := base64.StdEncoding.DecodeString(masterB64)
		if err != nil {
			return nil, fmt.Errorf("decode master key: %w", err)
		}
		if len(mk) != KeySize {
			return nil, fmt.Errorf("master key must decode to %d bytes, got %d", KeySize, len(mk))
		}
		return &Service{master: mk}, nil
	}
	if secret == "" {
		return nil, errors.New("no master key or secret configured")
	}
	sum := sha256.Sum256([]byte(secret))
	return &Service{master: sum[:]}, nil
}

// GenerateFileKey returns a fresh random 256-bit file key.
func (s *Service) GenerateFileKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate file key: %w", err)
	}
	return key, nil
}

// WrapKey wraps a file key under the master key.
// The result is base64(nonce || ciphertext || tag).
func (s *Service) WrapKey(fileKey []byte) (string, error) {
	sealed, err := seal(s.master, fileKey, nil)
	if err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// UnwrapKey reverses WrapKey and returns the raw file key.
func (s *Service) UnwrapKey(wrapped string) ([]byte, error) {
	frame, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decode wrapped key: %w", err)
	}
	return open(s.master, frame, nil)
}

// SealData seals whole-file bytes with a file key. No AAD is bound.
// The frame layout is nonce || ciphertext || tag.
func SealData(fileKey, plaintext []byte) ([]byte, error) {
	return seal(fileKey, plaintext, nil)
}

// OpenData opens a frame produced by SealData.
func OpenData(fileKey, frame []byte) ([]byte, error) {
	return open(fileKey, frame, nil)
}

// SealChunk seals one upload chunk, binding its index as AAD.
func SealChunk(fileKey []byte, index int, plaintext []byte) ([]byte, error) {
	return seal(fileKey, plaintext, chunkAAD(index))
}

// OpenChunk opens a frame produced by SealChunk. Opening with the wrong
// index fails with ErrIntegrity.
func OpenChunk(fileKey []byte, index int, frame []byte) ([]byte, error) {
	return open(fileKey, frame, chunkAAD(index))
}

func chunkAAD(index int) []byte {
	return []byte(strconv.Itoa(index))
}

func seal(key, plaintext, aad []byte) ([]byte, error) {
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return aead.Seal(nonce, nonce, plaintext, aad), nil
}

func open(key, frame, aad []byte) ([]byte, error) {
	if len(frame) < NonceSize+TagSize {
		return nil, ErrMalformed
	}
	aead, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, frame[:NonceSize], frame[NonceSize:], aad)
	if err != nil {
		return nil, ErrIntegrity
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
