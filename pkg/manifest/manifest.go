// Package manifest defines the reconstruction manifest stored with every
// file row.
//
// A manifest is a tagged union over the four storage layouts:
//
//	Inline    — ciphertext embedded in the metadata row (base64)
//	Single    — one encrypted object file on disk
//	Chunked   — ordered CAS block list sealed with the envelope key
//	Reference — full-file duplicate pointing at another file's manifest
//
// Content-addressed files reuse the Chunked shape with Convergent set.
// The manifest is the single source of truth for the compression flag.
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Type discriminates the manifest union.
type Type string

const (
	TypeInline    Type = "inline"
	TypeSingle    Type = "single"
	TypeChunked   Type = "chunked"
	TypeReference Type = "reference"
)

// BlockRef locates one block of a chunked or content-addressed file.
// Offset and Size are in plaintext bytes, so a reader can skip blocks
// wholly outside a requested range without decrypting them.
type BlockRef struct {
	Hash      string `json:"hash"`
	Size      int64  `json:"size"`
	Offset    int64  `json:"offset"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Manifest describes how to reconstruct a file's plaintext.
type Manifest struct {
	Type Type `json:"type"`

	// Compressed records whether plaintext was zstd-compressed before
	// sealing. Inline and single payloads are compressed as a whole;
	// chunked fallback payloads per block. Convergent blocks are stored
	// uncompressed so a block's identity never depends on the encoder
	// version.
	Compressed bool `json:"compressed,omitempty"`

	// EncryptedData holds the base64 sealed payload for inline files.
	EncryptedData string `json:"encrypted_data,omitempty"`

	// Path is the object file path, relative to the tier root, for
	// single files.
	Path string `json:"path,omitempty"`

	// Blocks is the ordered block list for chunked and
	// content-addressed files.
	Blocks []BlockRef `json:"blocks,omitempty"`

	// Convergent marks blocks sealed with content-derived keys. When
	// false, blocks are sealed with the file's envelope key and the
	// block index as AAD.
	Convergent bool `json:"convergent_encryption,omitempty"`

	// TargetFileID points a reference manifest at the file whose
	// manifest and envelope it shares.
	TargetFileID string `json:"target_file_id,omitempty"`

	// Dedup totals, informational.
	SavedSize  int64   `json:"saved_size,omitempty"`
	DedupRatio float64 `json:"dedup_ratio,omitempty"`
}

// Inline builds an inline manifest around a sealed, base64-encoded payload.
func Inline(encryptedData string, compressed bool) *Manifest {
	return &Manifest{Type: TypeInline, EncryptedData: encryptedData, Compressed: compressed}
}

// Single builds a single-object manifest for the given object path.
func Single(path string, compressed bool) *Manifest {
	return &Manifest{Type: TypeSingle, Path: path, Compressed: compressed}
}

// Chunked builds a block-list manifest. Convergent selects the key scheme.
func Chunked(blocks []BlockRef, convergent bool) *Manifest {
	return &Manifest{Type: TypeChunked, Blocks: blocks, Convergent: convergent}
}

// Reference builds a manifest that aliases another file.
func Reference(targetFileID string, savedSize int64) *Manifest {
	return &Manifest{Type: TypeReference, TargetFileID: targetFileID, SavedSize: savedSize, DedupRatio: 100}
}

// Validate checks the shape invariants of the union arm.
func (m *Manifest) Validate() error {
	switch m.Type {
	case TypeInline:
		if m.EncryptedData == "" {
			return errors.New("inline manifest without payload")
		}
	case TypeSingle:
		if m.Path == "" {
			return errors.New("single manifest without object path")
		}
	case TypeChunked:
		if len(m.Blocks) == 0 {
			return errors.New("chunked manifest without blocks")
		}
		var offset int64
		for i, b := range m.Blocks {
			if b.Offset != offset {
				return fmt.Errorf("block %d: offset %d, want %d", i, b.Offset, offset)
			}
			if b.Size <= 0 {
				return fmt.Errorf("block %d: non-positive size %d", i, b.Size)
			}
			offset += b.Size
		}
	case TypeReference:
		if m.TargetFileID == "" {
			return errors.New("reference manifest without target")
		}
	default:
		return fmt.Errorf("unknown manifest type %q", m.Type)
	}
	return nil
}

// LogicalSize returns the plaintext size described by a chunked manifest.
func (m *Manifest) LogicalSize() int64 {
	var total int64
	for _, b := range m.Blocks {
		total += b.Size
	}
	return total
}

// DistinctHashes returns each block hash once, in first-seen order.
// Reference counts are per distinct hash, not per occurrence.
func (m *Manifest) DistinctHashes() []string {
	seen := make(map[string]struct{}, len(m.Blocks))
	out := make([]string, 0, len(m.Blocks))
	for _, b := range m.Blocks {
		if _, ok := seen[b.Hash]; ok {
			continue
		}
		seen[b.Hash] = struct{}{}
		out = append(out, b.Hash)
	}
	return out
}

// ContainsHash reports whether any block in the manifest has the hash.
func (m *Manifest) ContainsHash(hash string) bool {
	for _, b := range m.Blocks {
		if b.Hash == hash {
			return true
		}
	}
	return false
}

// Encode serializes the manifest for storage in the file row.
func (m *Manifest) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Decode parses a stored manifest and validates its shape.
func Decode(data []byte) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("empty manifest")
	}
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("decode manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	return &m, nil
}
