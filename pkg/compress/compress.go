// Package compress wraps zstd compression for stored payloads.
//
// Payloads are compressed before encryption on the write path and
// decompressed after decryption on the read path. Decompress sniffs the
// zstd frame magic so payloads written before compression was enabled
// pass through untouched.
package compress

import (
	"bytes"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// zstdMagic is the little-endian zstd frame magic number.
var zstdMagic = []byte{0x28, 0xB5, 0x2F, 0xFD}

// minCompressSize: compressing tiny payloads costs more than it saves.
const minCompressSize = 1 << 20 // 1 MiB

// compressedFormats are extensions of already-compressed media and
// archives; recompressing them wastes CPU for no gain.
var compressedFormats = map[string]bool{
	".zip": true, ".gz": true, ".rar": true, ".7z": true, ".bz2": true, ".xz": true,
	".jpg": true, ".jpeg": true, ".png": true, ".mp4": true, ".mp3": true, ".avi": true,
	".mkv": true, ".mov": true, ".webm": true, ".flac": true, ".aac": true, ".ogg": true,
	".pdf": true, ".docx": true, ".xlsx": true, ".pptx": true,
}

// compressibleFormats are text-like extensions worth compressing.
var compressibleFormats = map[string]bool{
	".txt": true, ".log": true, ".csv": true, ".json": true, ".xml": true, ".sql": true,
	".html": true, ".css": true, ".js": true, ".py": true, ".java": true, ".c": true, ".cpp": true,
}

var (
	encOnce sync.Once
	decOnce sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
)

func getEncoder() *zstd.Encoder {
	encOnce.Do(func() {
		// Level 3 equivalent, matching the service default.
		encoder, _ = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	})
	return encoder
}

func getDecoder() *zstd.Decoder {
	decOnce.Do(func() {
		decoder, _ = zstd.NewReader(nil)
	})
	return decoder
}

// ShouldCompress reports whether a file of the given name and size gets
// compressed: only text-like extensions above 1 MiB, never known
// compressed media or archive formats.
func ShouldCompress(fileName string, size int64) bool {
	ext := strings.ToLower(filepath.Ext(fileName))
	if compressedFormats[ext] {
		return false
	}
	return compressibleFormats[ext] && size > minCompressSize
}

// Compress returns the zstd-compressed form of data.
func Compress(data []byte) []byte {
	return getEncoder().EncodeAll(data, make([]byte, 0, len(data)/2))
}

// Decompress reverses Compress. Input without the zstd frame magic is
// returned unchanged so uncompressed legacy payloads still read back.
func Decompress(data []byte) ([]byte, error) {
	if !IsCompressed(data) {
		return data, nil
	}
	out, err := getDecoder().DecodeAll(data, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	return out, nil
}

// IsCompressed reports whether data begins with a zstd frame.
func IsCompressed(data []byte) bool {
	return len(data) >= len(zstdMagic) && bytes.Equal(data[:len(zstdMagic)], zstdMagic)
}
