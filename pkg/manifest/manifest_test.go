package manifest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_RoundTrip(t *testing.T) {
	m := Chunked([]BlockRef{
		{Hash: "aa", Size: 4096, Offset: 0},
		{Hash: "bb", Size: 2048, Offset: 4096, Duplicate: true},
		{Hash: "aa", Size: 4096, Offset: 6144, Duplicate: true},
	}, true)

	data, err := m.Encode()
	require.NoError(t, err)

	got, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, m, got)
	assert.Equal(t, int64(10240), got.LogicalSize())
	assert.Equal(t, []string{"aa", "bb"}, got.DistinctHashes())
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		m       *Manifest
		wantErr bool
	}{
		{"inline ok", Inline("c2VhbGVk", true), false},
		{"inline empty payload", &Manifest{Type: TypeInline}, true},
		{"single ok", Single("objects/ab/abcd.obj", false), false},
		{"single empty path", &Manifest{Type: TypeSingle}, true},
		{"reference ok", Reference("file-123", 512), false},
		{"reference no target", &Manifest{Type: TypeReference}, true},
		{"chunked no blocks", &Manifest{Type: TypeChunked}, true},
		{"chunked gap in offsets", Chunked([]BlockRef{
			{Hash: "aa", Size: 100, Offset: 0},
			{Hash: "bb", Size: 100, Offset: 150},
		}, false), true},
		{"unknown type", &Manifest{Type: "weird"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.m.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDecode_Invalid(t *testing.T) {
	_, err := Decode(nil)
	assert.Error(t, err)

	_, err = Decode([]byte("{not json"))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"type":"single"}`))
	assert.Error(t, err)
}
