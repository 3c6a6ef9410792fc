package logger

// Standard field keys for structured logging. Using the same keys across
// all log statements keeps aggregation queries simple.
const (
	KeyRequestID = "request_id" // chi request ID for correlation
	KeyUserID    = "user_id"    // owner of the object being acted on
	KeyFileID    = "file_id"    // metadata row ID
	KeySessionID = "session_id" // upload session ID
	KeyHash      = "hash"       // content hash (hex SHA-256)
	KeyTier      = "tier"       // placement tier: cache, warm, cold
	KeyStrategy  = "strategy"   // storage strategy: inline, single, chunked
	KeySize      = "size"       // byte count
	KeyIndex     = "index"      // chunk index
	KeyDuration  = "duration"   // operation duration
	KeyError     = "error"      // error value
)
