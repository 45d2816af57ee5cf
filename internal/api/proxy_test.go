package api

import (
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/wudi/imagecache/internal/config"
)

func newProxy(t *testing.T, upstream http.HandlerFunc, allowed ...string) (*httptest.Server, string) {
	t.Helper()
	origin := httptest.NewServer(upstream)
	t.Cleanup(origin.Close)

	p := NewImageProxy(config.ProxyConfig{AllowedOrigins: allowed}, 64)
	srv, _, _ := newTestServer(t, WithImageProxy(p))
	return srv, origin.URL
}

func proxyGet(t *testing.T, srv *httptest.Server, target string) *http.Response {
	t.Helper()
	resp, err := http.Get(srv.URL + "/api/image-proxy?url=" + url.QueryEscape(target))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func TestImageProxy_ServesAllowedHost(t *testing.T) {
	srv, origin := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(gif)
	}, "127.0.0.1")

	resp := proxyGet(t, srv, origin+"/img.gif")
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if string(data) != string(gif) {
		t.Error("proxied bytes differ")
	}
	if resp.Header.Get("Access-Control-Allow-Origin") != "*" {
		t.Error("expected permissive CORS header")
	}
	if ct := resp.Header.Get("Content-Type"); ct != "image/gif" {
		t.Errorf("Content-Type = %q", ct)
	}
}

func TestImageProxy_Errors(t *testing.T) {
	srv, origin := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/missing.gif":
			http.NotFound(w, r)
		case "/huge.gif":
			w.Write([]byte(strings.Repeat("x", 65)))
		default:
			w.Write(gif)
		}
	}, "127.0.0.1")

	tests := []struct {
		name   string
		target string
		want   int
	}{
		{"missing url", "", http.StatusBadRequest},
		{"relative url", "/img.gif", http.StatusBadRequest},
		{"unsupported scheme", "ftp://127.0.0.1/img.gif", http.StatusBadRequest},
		{"host not allowed", "https://evil.example.net/img.gif", http.StatusForbidden},
		{"upstream 404", origin + "/missing.gif", http.StatusBadGateway},
		{"payload too large", origin + "/huge.gif", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := proxyGet(t, srv, tt.target)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if tt.want != http.StatusOK && resp.Header.Get("Content-Type") != "application/json" {
				t.Errorf("expected JSON error body, got %q", resp.Header.Get("Content-Type"))
			}
		})
	}
}

func TestImageProxy_SetAllowedOrigins(t *testing.T) {
	srv, origin := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write(gif)
	}, "*.example.com")

	resp := proxyGet(t, srv, origin+"/img.gif")
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", resp.StatusCode)
	}

	srvProxy := NewImageProxy(config.ProxyConfig{AllowedOrigins: []string{"*.example.com"}}, 0)
	srvProxy.SetAllowedOrigins([]string{"127.0.0.1"})
	rec := httptest.NewRecorder()
	srvProxy.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/image-proxy?url="+url.QueryEscape(origin+"/img.gif"), nil))
	if rec.Code != http.StatusOK {
		t.Errorf("status after reload = %d, want 200", rec.Code)
	}
}

func TestImageProxy_Redirects(t *testing.T) {
	internal := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("INTERNAL"))
	}))
	t.Cleanup(internal.Close)
	internalURL, _ := url.Parse(internal.URL)

	var originURL string
	srv, origin := newProxy(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/escape.gif":
			http.Redirect(w, r, "http://localhost:"+internalURL.Port()+"/x", http.StatusFound)
		case "/moved.gif":
			http.Redirect(w, r, originURL+"/img.gif", http.StatusMovedPermanently)
		case "/loop.gif":
			http.Redirect(w, r, originURL+"/loop.gif", http.StatusFound)
		default:
			w.Write(gif)
		}
	}, "127.0.0.1")
	originURL = origin

	tests := []struct {
		name string
		path string
		want int
	}{
		{"redirect to disallowed host", "/escape.gif", http.StatusBadGateway},
		{"redirect within allowlist", "/moved.gif", http.StatusOK},
		{"redirect loop", "/loop.gif", http.StatusBadGateway},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := proxyGet(t, srv, origin+tt.path)
			data, _ := io.ReadAll(resp.Body)
			resp.Body.Close()
			if resp.StatusCode != tt.want {
				t.Fatalf("status = %d, want %d", resp.StatusCode, tt.want)
			}
			if strings.Contains(string(data), "INTERNAL") {
				t.Error("proxy returned bytes from a host outside the allowlist")
			}
		})
	}
}

func TestImageProxy_SetClientKeepsRedirectPolicy(t *testing.T) {
	p := NewImageProxy(config.ProxyConfig{AllowedOrigins: []string{"cdn.example.com"}}, 0)
	p.SetClient(&http.Client{})
	if p.client.CheckRedirect == nil {
		t.Fatal("expected redirect policy on replaced client")
	}
	req := httptest.NewRequest(http.MethodGet, "http://evil.example.net/x", nil)
	if err := p.client.CheckRedirect(req, []*http.Request{req}); err == nil {
		t.Error("expected redirect to disallowed host to be rejected")
	}
}
