package imagecache

import (
	"bytes"
	"net/http"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
)

// Handle is a process-local reference to cached image bytes. It owns its
// buffer; dropping the last reference releases it. Handles are immutable
// and safe to share between goroutines.
type Handle struct {
	id          string
	url         string
	data        []byte
	digest      uint64
	contentType string
}

func newHandle(url string, data []byte) *Handle {
	return &Handle{
		id:          uuid.NewString(),
		url:         url,
		data:        data,
		digest:      xxhash.Sum64(data),
		contentType: http.DetectContentType(data),
	}
}

// ID is the opaque identifier used to serve the handle.
func (h *Handle) ID() string { return h.id }

// URL is the origin URL the bytes were resolved from.
func (h *Handle) URL() string { return h.url }

// Path is the image source a display layer should use.
func (h *Handle) Path() string { return "/images/" + h.id }

// Bytes returns the payload. Callers must not modify it.
func (h *Handle) Bytes() []byte { return h.data }

// Reader returns a fresh reader over the payload.
func (h *Handle) Reader() *bytes.Reader { return bytes.NewReader(h.data) }

// Size is the payload length in bytes.
func (h *Handle) Size() int { return len(h.data) }

// Digest is the xxhash64 of the payload.
func (h *Handle) Digest() uint64 { return h.digest }

// ETag is a strong entity tag derived from the digest.
func (h *Handle) ETag() string {
	return `"` + strconv.FormatUint(h.digest, 16) + `"`
}

// ContentType is sniffed from the payload.
func (h *Handle) ContentType() string { return h.contentType }
