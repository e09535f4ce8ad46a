package retryqueue

import (
	"time"

	"github.com/klauspost/compress/zstd"
)

// SchemaVersion is stamped on every persisted entry so the store can detect
// documents written by a newer engine after a process restart.
const SchemaVersion = 1

// maxRetryCount caps replay attempts per entry. On reaching the cap the
// entry is destroyed regardless of outcome.
const maxRetryCount = 3

// Request is everything needed to reconstruct a failed upload request
// without any in-memory object from the original run.
type Request struct {
	URL         string
	Method      string
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// Entry is one persisted, replayable upload request.
type Entry struct {
	ID            string            `json:"id"`
	SchemaVersion int               `json:"schema_version"`
	URL           string            `json:"url"`
	Method        string            `json:"method"`
	Headers       map[string]string `json:"headers"`
	ContentType   string            `json:"content_type"`
	// Body is the zstd-compressed multipart snapshot. Multipart bodies are
	// mostly file bytes plus a repetitive policy preamble, so compression
	// keeps the on-disk queue small for text-heavy workloads.
	Body       []byte    `json:"body"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	RetryCount int       `json:"retry_count"`
}

var zstdEncoder, _ = zstd.NewWriter(nil)
var zstdDecoder, _ = zstd.NewReader(nil)

func compressBody(body []byte) []byte {
	return zstdEncoder.EncodeAll(body, make([]byte, 0, len(body)/2))
}

func decompressBody(body []byte) ([]byte, error) {
	return zstdDecoder.DecodeAll(body, nil)
}
