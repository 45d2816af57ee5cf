package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/wudi/imagecache/internal/config"
	"github.com/wudi/imagecache/internal/imagecache"
	"github.com/wudi/imagecache/internal/metrics"
	"github.com/wudi/imagecache/internal/store"
)

var gif = []byte("GIF89a\x01\x00\x01\x00\x00\x00\x00;")

type stubFetcher struct {
	calls atomic.Int64
}

func (f *stubFetcher) Fetch(_ context.Context, url string) ([]byte, error) {
	f.calls.Add(1)
	if strings.Contains(url, "broken") {
		return nil, errors.New("unreachable")
	}
	return gif, nil
}

func newTestServer(t *testing.T, opts ...Option) (*httptest.Server, *imagecache.Cache, *stubFetcher) {
	t.Helper()
	f := &stubFetcher{}
	c, err := imagecache.New(imagecache.Options{
		Open: func(ctx context.Context) (store.Store, error) {
			return store.OpenBlobStore(ctx, "mem://", "")
		},
		Fetcher: f,
	})
	if err != nil {
		t.Fatalf("imagecache.New: %v", err)
	}
	if err := c.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	srv := httptest.NewServer(New(c, metrics.NewCollector(), opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		c.Close()
	})
	return srv, c, f
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestResolveAndServeImage(t *testing.T) {
	srv, _, f := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/images?url=https://cdn.example.com/a.gif")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	var body struct {
		Handle *string `json:"handle"`
		URL    string  `json:"url"`
		Size   int     `json:"size"`
		Digest string  `json:"digest"`
	}
	decode(t, resp, &body)
	if body.Handle == nil || !strings.HasPrefix(*body.Handle, "/images/") {
		t.Fatalf("unexpected handle %v", body.Handle)
	}
	if body.Size != len(gif) || body.URL != "https://cdn.example.com/a.gif" || body.Digest == "" {
		t.Errorf("unexpected body %+v", body)
	}

	img, err := http.Get(srv.URL + *body.Handle)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(img.Body)
	img.Body.Close()
	if img.StatusCode != http.StatusOK {
		t.Fatalf("image status = %d", img.StatusCode)
	}
	if ct := img.Header.Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q", ct)
	}
	if string(data) != string(gif) {
		t.Error("served bytes differ from fetched payload")
	}
	if etag := img.Header.Get("ETag"); etag != `"`+body.Digest+`"` {
		t.Errorf("ETag = %q, want digest %q", etag, body.Digest)
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+*body.Handle, nil)
	req.Header.Set("If-None-Match", img.Header.Get("ETag"))
	cond, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	cond.Body.Close()
	if cond.StatusCode != http.StatusNotModified {
		t.Errorf("conditional status = %d, want 304", cond.StatusCode)
	}

	if n := f.calls.Load(); n != 1 {
		t.Errorf("expected 1 fetch, got %d", n)
	}
}

func TestResolve_Unresolvable(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/images?url=https://cdn.example.com/broken.gif")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if v, ok := body["handle"]; !ok || v != nil {
		t.Errorf("expected null handle, got %v", body)
	}
}

func TestResolve_MissingURL(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/api/images")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestImage_UnknownID(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/images/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
	if body["message"] != "Not Found" {
		t.Errorf("unexpected body %v", body)
	}
}

func TestPrefetch(t *testing.T) {
	srv, c, _ := newTestServer(t)

	payload := `{"urls":["https://cdn.example.com/1.gif","https://cdn.example.com/broken.gif","https://cdn.example.com/2.gif"]}`
	resp, err := http.Post(srv.URL+"/api/images/prefetch", "application/json", strings.NewReader(payload))
	if err != nil {
		t.Fatal(err)
	}
	var body map[string]int
	decode(t, resp, &body)
	if body["resolved"] != 2 {
		t.Errorf("resolved = %d, want 2", body["resolved"])
	}
	if n := c.Stats().MemoryEntries; n != 2 {
		t.Errorf("expected 2 memory entries, got %d", n)
	}
}

func TestPrefetch_BadBody(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/images/prefetch", "application/json", strings.NewReader("not json"))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func TestClear(t *testing.T) {
	srv, c, _ := newTestServer(t)
	c.Resolve(context.Background(), "https://cdn.example.com/x.gif")

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/cache", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d, want 204", resp.StatusCode)
	}
	if n := c.Stats().MemoryEntries; n != 0 {
		t.Errorf("expected empty cache, got %d entries", n)
	}
}

func TestStatsAndHealth(t *testing.T) {
	srv, c, _ := newTestServer(t)
	c.Resolve(context.Background(), "https://cdn.example.com/s.gif")
	c.Resolve(context.Background(), "https://cdn.example.com/s.gif")

	resp, err := http.Get(srv.URL + "/api/stats")
	if err != nil {
		t.Fatal(err)
	}
	var stats imagecache.Stats
	decode(t, resp, &stats)
	if stats.Fetches != 1 || stats.MemoryHits != 1 || !stats.Persistent {
		t.Errorf("unexpected stats %+v", stats)
	}

	resp, err = http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	var health map[string]interface{}
	decode(t, resp, &health)
	if health["status"] != "ok" {
		t.Errorf("unexpected health %v", health)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, c, _ := newTestServer(t)
	c.Resolve(context.Background(), "https://cdn.example.com/m.gif")

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !strings.Contains(string(data), "imagecache_memory_entries") {
		t.Error("expected imagecache metrics in exposition")
	}
}

func TestMethodNotAllowed(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Post(srv.URL+"/api/stats", "application/json", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestNewFromConfig_ProxyDisabledByDefault(t *testing.T) {
	cfg := config.DefaultConfig()
	s := NewFromConfig(cfg, nil, nil)
	if s.ImageProxy() != nil {
		t.Error("expected image proxy to be disabled by default")
	}

	cfg.Proxy.Enabled = true
	cfg.Proxy.AllowedOrigins = []string{"*.example.com"}
	if NewFromConfig(cfg, nil, nil).ImageProxy() == nil {
		t.Error("expected image proxy to be mounted")
	}
}

func TestRequestIDHeader(t *testing.T) {
	srv, _, _ := newTestServer(t)

	resp, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID on every response")
	}

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/api/stats", nil)
	req.Header.Set("X-Request-ID", "pos-terminal-7")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("X-Request-ID"); got != "pos-terminal-7" {
		t.Errorf("X-Request-ID = %q, want incoming value echoed", got)
	}
}
