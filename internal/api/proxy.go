package api

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/imagecache/internal/config"
	apierrors "github.com/wudi/imagecache/internal/errors"
	"github.com/wudi/imagecache/internal/fetch"
	"github.com/wudi/imagecache/internal/logging"
)

// ImageProxy fetches images server-side for origins that do not allow
// cross-origin reads. Only hosts matching the allowlist are fetched.
type ImageProxy struct {
	client   *http.Client
	maxBytes int64
	allowed  atomic.Pointer[[]string]
}

// NewImageProxy creates an ImageProxy from config.
func NewImageProxy(cfg config.ProxyConfig, maxBytes int64) *ImageProxy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	p := &ImageProxy{maxBytes: maxBytes}
	p.SetClient(&http.Client{
		Timeout:   timeout,
		Transport: newTransport(),
	})
	p.SetAllowedOrigins(cfg.AllowedOrigins)
	return p
}

// SetClient replaces the upstream client. Its redirect policy is always
// replaced so every hop is checked against the allowlist.
func (p *ImageProxy) SetClient(c *http.Client) {
	cp := *c
	cp.CheckRedirect = p.checkRedirect
	p.client = &cp
}

// SetAllowedOrigins atomically replaces the host allowlist.
func (p *ImageProxy) SetAllowedOrigins(patterns []string) {
	cp := append([]string(nil), patterns...)
	p.allowed.Store(&cp)
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   10 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     true,
	}
}

func (p *ImageProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("url")
	target, err := url.Parse(raw)
	if raw == "" || err != nil || (target.Scheme != "http" && target.Scheme != "https") || target.Host == "" {
		apierrors.ErrBadRequest.WithDetails("url must be an absolute http(s) URL").WriteJSON(w)
		return
	}
	if !fetch.MatchHost(*p.allowed.Load(), target.Hostname()) {
		logging.Debug("image proxy rejected host", zap.String("host", target.Hostname()))
		apierrors.ErrForbidden.WithDetails("host not allowed").WriteJSON(w)
		return
	}

	data, contentType, err := p.fetch(r.Context(), target.String())
	if err != nil {
		logging.Warn("image proxy upstream failed", zap.String("url", raw), zap.Error(err))
		apierrors.Wrap(err, http.StatusBadGateway, "Bad Gateway").WithDetails("upstream fetch failed").WriteJSON(w)
		return
	}

	if contentType == "" {
		contentType = http.DetectContentType(data)
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", fmt.Sprint(len(data)))
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Cache-Control", "public, max-age=86400")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

const maxRedirects = 5

var (
	errTooLarge         = errors.New("upstream payload too large")
	errTooManyRedirects = errors.New("too many upstream redirects")
	errRedirectHost     = errors.New("upstream redirected to a host that is not allowed")
)

func (p *ImageProxy) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errTooManyRedirects
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return errRedirectHost
	}
	if !fetch.MatchHost(*p.allowed.Load(), req.URL.Hostname()) {
		logging.Debug("image proxy rejected redirect", zap.String("host", req.URL.Hostname()))
		return errRedirectHost
	}
	return nil
}

func (p *ImageProxy) fetch(ctx context.Context, target string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, "", err
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return nil, "", fmt.Errorf("upstream status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, p.maxBytes+1))
	if err != nil {
		return nil, "", err
	}
	if int64(len(data)) > p.maxBytes {
		return nil, "", errTooLarge
	}
	return data, resp.Header.Get("Content-Type"), nil
}
