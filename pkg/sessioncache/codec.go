package sessioncache

import (
	"encoding/json"
	"fmt"
)

func encodeSession(session *UploadSession) ([]byte, error) {
	data, err := json.Marshal(session)
	if err != nil {
		return nil, fmt.Errorf("encode session: %w", err)
	}
	return data, nil
}

func decodeSession(data []byte) (*UploadSession, error) {
	var session UploadSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return &session, nil
}

func encodeChunk(rec *ChunkRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("encode chunk record: %w", err)
	}
	return data, nil
}

func decodeChunk(data []byte) (*ChunkRecord, error) {
	var rec ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decode chunk record: %w", err)
	}
	return &rec, nil
}
