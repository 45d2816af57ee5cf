// Package compression negotiates and applies response compression for API
// bodies and compressible image types such as SVG.
package compression

import (
	"compress/gzip"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/zstd"

	"github.com/wudi/imagecache/internal/config"
)

// encodingWriter is an io.Writer that can be closed.
type encodingWriter interface {
	io.Writer
	Close() error
}

// optionalFlusher is implemented by writers that support flushing.
type optionalFlusher interface {
	Flush() error
}

// countWriter wraps an io.Writer and counts bytes written.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// pooledZstdWriter wraps a *zstd.Encoder and returns it to a pool on Close.
type pooledZstdWriter struct {
	enc  *zstd.Encoder
	pool *sync.Pool
}

func (pw *pooledZstdWriter) Write(p []byte) (int, error) {
	return pw.enc.Write(p)
}

func (pw *pooledZstdWriter) Close() error {
	err := pw.enc.Close()
	pw.pool.Put(pw.enc)
	return err
}

type algorithmCounters struct {
	bytesIn  atomic.Int64
	bytesOut atomic.Int64
	count    atomic.Int64
}

// AlgorithmSnapshot reports bytes through one algorithm.
type AlgorithmSnapshot struct {
	BytesIn  int64 `json:"bytes_in"`
	BytesOut int64 `json:"bytes_out"`
	Count    int64 `json:"count"`
}

type encodingPref struct {
	encoding string
	quality  float64
}

// defaultAlgoOrder is the server-preferred algorithm order.
var defaultAlgoOrder = []string{"br", "zstd", "gzip"}

var defaultContentTypes = []string{
	"application/json",
	"text/plain",
	"text/xml",
	"image/svg+xml",
	"image/bmp",
	"image/x-icon",
}

// Compressor negotiates and applies response compression.
type Compressor struct {
	enabled      bool
	level        int
	minSize      int
	contentTypes map[string]bool
	algoOrder    []string
	counters     map[string]*algorithmCounters
	zstdPool     sync.Pool
}

// New creates a Compressor from config.
func New(cfg config.CompressionConfig) *Compressor {
	c := &Compressor{
		enabled:      cfg.Enabled,
		level:        cfg.Level,
		minSize:      cfg.MinSize,
		contentTypes: make(map[string]bool),
		counters:     make(map[string]*algorithmCounters),
	}

	if c.level <= 0 || c.level > 11 {
		c.level = 6
	}
	if c.minSize <= 0 {
		c.minSize = 1024
	}

	enabled := map[string]bool{"gzip": true, "br": true, "zstd": true}
	if len(cfg.Algorithms) > 0 {
		enabled = make(map[string]bool, len(cfg.Algorithms))
		for _, algo := range cfg.Algorithms {
			enabled[algo] = true
		}
	}
	for _, algo := range defaultAlgoOrder {
		if enabled[algo] {
			c.algoOrder = append(c.algoOrder, algo)
			c.counters[algo] = &algorithmCounters{}
		}
	}

	types := cfg.ContentTypes
	if len(types) == 0 {
		types = defaultContentTypes
	}
	for _, ct := range types {
		c.contentTypes[ct] = true
	}

	zstdLevel := zstd.EncoderLevelFromZstd(c.level)
	c.zstdPool = sync.Pool{
		New: func() any {
			enc, _ := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstdLevel))
			return enc
		},
	}

	return c
}

// IsEnabled returns whether compression is enabled.
func (c *Compressor) IsEnabled() bool {
	return c.enabled
}

// Middleware compresses eligible responses from next.
func (c *Compressor) Middleware(next http.Handler) http.Handler {
	if !c.enabled {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		algo := c.NegotiateEncoding(r)
		if algo == "" {
			next.ServeHTTP(w, r)
			return
		}
		cw := newCompressingResponseWriter(w, c, algo)
		defer cw.Close()
		next.ServeHTTP(cw, r)
	})
}

// parseAcceptEncoding parses the Accept-Encoding header per RFC 7231 §5.3.4.
func parseAcceptEncoding(header string) []encodingPref {
	if header == "" {
		return nil
	}
	parts := strings.Split(header, ",")
	prefs := make([]encodingPref, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		enc := part
		q := 1.0
		if idx := strings.Index(part, ";"); idx != -1 {
			enc = strings.TrimSpace(part[:idx])
			params := strings.TrimSpace(part[idx+1:])
			if strings.HasPrefix(params, "q=") {
				if v, err := strconv.ParseFloat(params[2:], 64); err == nil {
					q = v
				}
			}
		}
		prefs = append(prefs, encodingPref{encoding: enc, quality: q})
	}
	return prefs
}

// NegotiateEncoding selects the best algorithm for r's Accept-Encoding, or
// "" when nothing acceptable is enabled.
func (c *Compressor) NegotiateEncoding(r *http.Request) string {
	if !c.enabled {
		return ""
	}
	prefs := parseAcceptEncoding(r.Header.Get("Accept-Encoding"))
	if len(prefs) == 0 {
		return ""
	}

	clientPrefs := make(map[string]float64, len(prefs))
	hasWildcard := false
	wildcardQ := 0.0
	for _, p := range prefs {
		if p.encoding == "*" {
			hasWildcard = true
			wildcardQ = p.quality
		} else {
			clientPrefs[p.encoding] = p.quality
		}
	}

	bestAlgo := ""
	bestQ := -1.0
	for _, algo := range c.algoOrder {
		q, explicit := clientPrefs[algo]
		if !explicit {
			if !hasWildcard {
				continue
			}
			q = wildcardQ
		}
		if q <= 0 {
			continue // q=0 means rejected
		}
		// on a tie the earlier server preference wins
		if q > bestQ {
			bestQ = q
			bestAlgo = algo
		}
	}
	return bestAlgo
}

func (c *Compressor) newEncodingWriter(w io.Writer, algo string) encodingWriter {
	switch algo {
	case "br":
		return brotli.NewWriterLevel(w, c.level)
	case "zstd":
		enc := c.zstdPool.Get().(*zstd.Encoder)
		enc.Reset(w)
		return &pooledZstdWriter{enc: enc, pool: &c.zstdPool}
	default:
		level := c.level
		if level > gzip.BestCompression {
			level = gzip.BestCompression
		}
		gz, _ := gzip.NewWriterLevel(w, level)
		return gz
	}
}

// Stats returns per-algorithm counters.
func (c *Compressor) Stats() map[string]AlgorithmSnapshot {
	snap := make(map[string]AlgorithmSnapshot, len(c.counters))
	for algo, m := range c.counters {
		snap[algo] = AlgorithmSnapshot{
			BytesIn:  m.bytesIn.Load(),
			BytesOut: m.bytesOut.Load(),
			Count:    m.count.Load(),
		}
	}
	return snap
}

func (c *Compressor) isCompressibleType(contentType string) bool {
	ct := contentType
	if idx := strings.Index(ct, ";"); idx != -1 {
		ct = strings.TrimSpace(ct[:idx])
	}
	return c.contentTypes[ct]
}

// compressingResponseWriter buffers up to minSize bytes before deciding
// whether to compress.
type compressingResponseWriter struct {
	http.ResponseWriter
	compressor    *Compressor
	algorithm     string
	encWriter     encodingWriter
	countWriter   *countWriter
	headerWritten bool
	statusCode    int
	buf           []byte
	decided       bool
	compressing   bool
	bytesIn       int64
}

func newCompressingResponseWriter(w http.ResponseWriter, c *Compressor, algo string) *compressingResponseWriter {
	return &compressingResponseWriter{
		ResponseWriter: w,
		compressor:     c,
		algorithm:      algo,
		statusCode:     http.StatusOK,
	}
}

func (w *compressingResponseWriter) WriteHeader(code int) {
	if w.headerWritten {
		return
	}
	w.statusCode = code

	if w.decided {
		w.writeHeader()
		return
	}

	if w.ineligible() {
		w.decided = true
		w.writeHeader()
	}
}

// ineligible reports whether the headers already rule out compression.
func (w *compressingResponseWriter) ineligible() bool {
	h := w.ResponseWriter.Header()
	if h.Get("Content-Encoding") != "" {
		return true
	}
	ct := h.Get("Content-Type")
	return ct != "" && !w.compressor.isCompressibleType(ct)
}

func (w *compressingResponseWriter) Write(b []byte) (int, error) {
	if !w.decided {
		w.buf = append(w.buf, b...)

		if w.ineligible() {
			w.decided = true
			w.flushBuffer()
			return len(b), nil
		}
		if len(w.buf) >= w.compressor.minSize {
			w.decided = true
			w.compressing = true
			w.flushBuffer()
		}
		return len(b), nil
	}

	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(b))
		return w.encWriter.Write(b)
	}
	return w.ResponseWriter.Write(b)
}

func (w *compressingResponseWriter) writeHeader() {
	if w.headerWritten {
		return
	}
	w.headerWritten = true
	if w.compressing {
		h := w.ResponseWriter.Header()
		h.Del("Content-Length")
		h.Set("Content-Encoding", w.algorithm)
		h.Add("Vary", "Accept-Encoding")
		if etag := h.Get("ETag"); strings.HasPrefix(etag, `"`) {
			// the encoded body is no longer byte-identical
			h.Set("ETag", "W/"+etag)
		}
		w.countWriter = &countWriter{w: w.ResponseWriter}
		w.encWriter = w.compressor.newEncodingWriter(w.countWriter, w.algorithm)
	}
	w.ResponseWriter.WriteHeader(w.statusCode)
}

func (w *compressingResponseWriter) flushBuffer() {
	w.writeHeader()
	if len(w.buf) == 0 {
		return
	}
	if w.compressing && w.encWriter != nil {
		w.bytesIn += int64(len(w.buf))
		w.encWriter.Write(w.buf)
	} else {
		w.ResponseWriter.Write(w.buf)
	}
	w.buf = nil
}

// Close finishes the encoded stream. It must run after the handler returns.
func (w *compressingResponseWriter) Close() {
	if !w.decided {
		w.decided = true
		w.flushBuffer()
		return
	}
	if w.compressing && w.encWriter != nil {
		w.encWriter.Close()
		if m, ok := w.compressor.counters[w.algorithm]; ok {
			m.bytesIn.Add(w.bytesIn)
			m.bytesOut.Add(w.countWriter.n)
			m.count.Add(1)
		}
	}
}

func (w *compressingResponseWriter) Flush() {
	if !w.decided {
		w.decided = true
		w.compressing = len(w.buf) >= w.compressor.minSize
		w.flushBuffer()
	}
	if w.compressing && w.encWriter != nil {
		if f, ok := w.encWriter.(optionalFlusher); ok {
			f.Flush()
		}
	}
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Unwrap returns the underlying ResponseWriter.
func (w *compressingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
