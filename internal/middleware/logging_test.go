package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func observedLogging(paths ...string) (Middleware, *observer.ObservedLogs) {
	core, logs := observer.New(zapcore.InfoLevel)
	return LoggingWithConfig(LoggingConfig{SkipPaths: paths, Logger: zap.New(core)}), logs
}

func TestLogging(t *testing.T) {
	mw, logs := observedLogging()
	handler := NewChain(RequestID(), mw).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("created"))
	}))

	req := httptest.NewRequest("POST", "/api/images/prefetch?x=1", nil)
	req.Header.Set("User-Agent", "test-agent")
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated || rr.Body.String() != "created" {
		t.Fatalf("unexpected response %d %q", rr.Code, rr.Body.String())
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(http.StatusCreated) {
		t.Errorf("status field = %v", fields["status"])
	}
	if fields["body_bytes"] != int64(7) {
		t.Errorf("body_bytes field = %v", fields["body_bytes"])
	}
	if fields["path"] != "/api/images/prefetch" || fields["query"] != "x=1" {
		t.Errorf("unexpected path/query %v %v", fields["path"], fields["query"])
	}
	if fields["request_id"] != rr.Header().Get(RequestIDHeader) {
		t.Errorf("request_id field = %v", fields["request_id"])
	}
	if fields["user_agent"] != "test-agent" {
		t.Errorf("user_agent field = %v", fields["user_agent"])
	}
}

func TestLoggingSkipPaths(t *testing.T) {
	mw, logs := observedLogging("/healthz")
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/healthz", nil))
	if logs.Len() != 0 {
		t.Errorf("expected skipped path to produce no log, got %d", logs.Len())
	}

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/stats", nil))
	if logs.Len() != 1 {
		t.Errorf("expected 1 log entry, got %d", logs.Len())
	}
}

func TestLoggingResponseWriterFlush(t *testing.T) {
	mw, _ := observedLogging()
	var flushed bool
	handler := mw(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
			flushed = true
		}
	}))

	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if !flushed || !rr.Flushed {
		t.Error("expected wrapped writer to support Flush")
	}
}
