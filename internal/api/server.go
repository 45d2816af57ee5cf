// Package api exposes the image cache over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"

	"github.com/wudi/imagecache/internal/compression"
	"github.com/wudi/imagecache/internal/config"
	apierrors "github.com/wudi/imagecache/internal/errors"
	"github.com/wudi/imagecache/internal/imagecache"
	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/metrics"
	"github.com/wudi/imagecache/internal/middleware"
	"github.com/wudi/imagecache/internal/tracing"
)

const maxPrefetchBody = 1 << 20

// Server routes API requests to the cache.
type Server struct {
	cache      *imagecache.Cache
	metrics    *metrics.Collector
	tracer     *tracing.Tracer
	compressor *compression.Compressor
	proxy      *ImageProxy
	startTime  time.Time
}

// Option customizes a Server.
type Option func(*Server)

// WithTracer wraps the handler in a server span per request.
func WithTracer(t *tracing.Tracer) Option {
	return func(s *Server) { s.tracer = t }
}

// WithCompressor compresses eligible responses.
func WithCompressor(c *compression.Compressor) Option {
	return func(s *Server) { s.compressor = c }
}

// WithImageProxy mounts the image proxy endpoint.
func WithImageProxy(p *ImageProxy) Option {
	return func(s *Server) { s.proxy = p }
}

// New creates a Server for cache.
func New(cache *imagecache.Cache, m *metrics.Collector, opts ...Option) *Server {
	s := &Server{
		cache:     cache,
		metrics:   m,
		startTime: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewFromConfig creates a Server with response compression and, when
// cfg.Proxy.Enabled is set, the image proxy.
func NewFromConfig(cfg *config.Config, cache *imagecache.Cache, m *metrics.Collector, opts ...Option) *Server {
	if cfg.Compression.Enabled {
		opts = append(opts, WithCompressor(compression.New(cfg.Compression)))
	}
	if cfg.Proxy.Enabled {
		opts = append(opts, WithImageProxy(NewImageProxy(cfg.Proxy, cfg.Fetch.MaxBytes)))
	}
	return New(cache, m, opts...)
}

// ImageProxy returns the mounted proxy, or nil.
func (s *Server) ImageProxy() *ImageProxy { return s.proxy }

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := httprouter.New()
	r.GET("/api/images", s.handleResolve)
	r.POST("/api/images/prefetch", s.handlePrefetch)
	r.GET("/images/:id", s.handleImage)
	r.HEAD("/images/:id", s.handleImage)
	r.DELETE("/api/cache", s.handleClear)
	r.GET("/api/stats", s.handleStats)
	r.GET("/healthz", s.handleHealth)
	if s.metrics != nil {
		r.Handler(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	if s.proxy != nil {
		r.Handler(http.MethodGet, "/api/image-proxy", s.proxy)
	}

	r.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.ErrNotFound.WriteJSON(w)
	})
	r.MethodNotAllowed = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		apierrors.ErrMethodNotAllowed.WriteJSON(w)
	})

	chain := middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
		middleware.Logging(),
	)
	if s.tracer != nil {
		chain = chain.Append(s.tracer.Middleware)
	}
	if s.compressor != nil {
		chain = chain.Append(s.compressor.Middleware)
	}
	return chain.Then(r)
}

type resolveResponse struct {
	Handle *string `json:"handle"`
	URL    string  `json:"url,omitempty"`
	Size   int     `json:"size,omitempty"`
	Digest string  `json:"digest,omitempty"`
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	url := r.URL.Query().Get("url")
	if url == "" {
		apierrors.ErrBadRequest.WithDetails("url is required").WriteJSON(w)
		return
	}

	h, ok := s.cache.Resolve(r.Context(), url)
	if !ok {
		writeJSON(w, http.StatusOK, resolveResponse{})
		return
	}
	path := h.Path()
	writeJSON(w, http.StatusOK, resolveResponse{
		Handle: &path,
		URL:    h.URL(),
		Size:   h.Size(),
		Digest: strconv.FormatUint(h.Digest(), 16),
	})
}

type prefetchRequest struct {
	URLs []string `json:"urls"`
}

func (s *Server) handlePrefetch(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	var req prefetchRequest
	body := http.MaxBytesReader(w, r.Body, maxPrefetchBody)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			apierrors.ErrRequestEntityTooLarge.WriteJSON(w)
			return
		}
		apierrors.Wrap(err, http.StatusBadRequest, "Bad Request").WithDetails("body must be {\"urls\": [...]}").WriteJSON(w)
		return
	}

	n, err := s.cache.Prefetch(r.Context(), req.URLs)
	if err != nil {
		logging.Debug("prefetch interrupted", zap.Int("resolved", n), zap.Error(err))
	}
	writeJSON(w, http.StatusOK, map[string]int{"resolved": n})
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request, ps httprouter.Params) {
	h, ok := s.cache.Lookup(ps.ByName("id"))
	if !ok {
		apierrors.ErrNotFound.WriteJSON(w)
		return
	}

	w.Header().Set("ETag", h.ETag())
	w.Header().Set("Cache-Control", "private, max-age=31536000, immutable")
	if match := strings.TrimPrefix(r.Header.Get("If-None-Match"), "W/"); match != "" && match == h.ETag() {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	w.Header().Set("Content-Type", h.ContentType())
	w.Header().Set("Content-Length", strconv.Itoa(h.Size()))
	w.WriteHeader(http.StatusOK)
	if r.Method != http.MethodHead {
		io.Copy(w, h.Reader())
	}
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if err := s.cache.Clear(r.Context()); err != nil {
		apierrors.Wrap(err, http.StatusInternalServerError, "Internal Server Error").
			WithDetails("cache clear failed").WriteJSON(w)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	imagecache.Stats
	Compression map[string]compression.AlgorithmSnapshot `json:"compression,omitempty"`
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	resp := statsResponse{Stats: s.cache.Stats()}
	if s.compressor != nil {
		resp.Compression = s.compressor.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
	stats := s.cache.Stats()
	status := "ok"
	if !stats.Persistent {
		// still serving, just without the persistent tier
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     status,
		"persistent": stats.Persistent,
		"timestamp":  time.Now().Format(time.RFC3339),
		"uptime":     time.Since(s.startTime).String(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
