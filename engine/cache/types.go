// Package cache provides persistent, named response buckets for the edge
// worker: a BoltDB database holding one bucket per cache name plus a
// content-addressed filesystem store for large bodies.
package cache

import (
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/Kush-Singh-26/vallenato/engine/models"
)

var (
	ErrClosed         = errors.New("cache storage is closed")
	ErrNotCacheable   = errors.New("only GET requests can be cached")
	ErrBucketNotFound = errors.New("cache bucket not found")
	ErrReservedName   = errors.New("cache bucket name is reserved")
)

// Entry is the stored form of a cached response
type Entry struct {
	Key        string              `msgpack:"key"`
	Status     int                 `msgpack:"status"`
	Header     map[string][]string `msgpack:"header"`
	Body       []byte              `msgpack:"body,omitempty"`      // inline when below InlineBodyThreshold
	BodyHash   string              `msgpack:"body_hash,omitempty"` // BLAKE3 of body, for store lookup
	Compressed bool                `msgpack:"compressed"`
	Size       int64               `msgpack:"size"`
	StoredAt   int64               `msgpack:"stored_at"`
	Seq        uint64              `msgpack:"seq"`
}

// Inline reports whether the body lives in the record itself.
func (e *Entry) Inline() bool {
	return e.BodyHash == ""
}

// StoredTime returns StoredAt as a time.Time.
func (e *Entry) StoredTime() time.Time {
	return time.Unix(0, e.StoredAt)
}

// Stats holds storage statistics
type Stats struct {
	SchemaVersion int
	Buckets       map[string]int
	TotalEntries  int
	InlineEntries int
	BlobEntries   int
	InlineBytes   int64
	StoreBytes    int64
	StoreBlobs    int
	LastGC        int64
	DBBytes       int64
}

// CompressionType indicates how a blob is stored
type CompressionType int

const (
	CompressionNone CompressionType = iota
	CompressionZstdFast
	CompressionZstdLevel3
)

const (
	InlineBodyThreshold = 32 * 1024  // bodies smaller than this stay in the record
	RawThreshold        = 8 * 1024   // < 8KB stored raw
	FastZstdMax         = 128 * 1024 // 8KB-128KB use zstd fast
	SchemaVersion       = 1
)

// HashContent computes BLAKE3 hash of content and returns hex string
func HashContent(data []byte) string {
	hash := blake3.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// Encode serializes a value to msgpack bytes
func Encode(v interface{}) ([]byte, error) {
	return msgpack.Marshal(v)
}

// Decode deserializes msgpack bytes to a value
func Decode(data []byte, v interface{}) error {
	return msgpack.Unmarshal(data, v)
}

// checkKey rejects anything that is not a GET request key.
func checkKey(key string) error {
	if !strings.HasPrefix(key, http.MethodGet+" ") {
		return ErrNotCacheable
	}
	return nil
}

// toResponse rebuilds a response from an entry and its resolved body.
func toResponse(e *Entry, body []byte) *models.Response {
	h := make(http.Header, len(e.Header))
	for k, v := range e.Header {
		h[k] = append([]string(nil), v...)
	}
	return &models.Response{
		Status: e.Status,
		Header: h,
		Body:   body,
	}
}
