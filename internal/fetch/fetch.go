// Package fetch retrieves remote image bytes, choosing between a direct
// request and the image proxy based on the URL's origin.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/imagecache/internal/config"
	"github.com/wudi/imagecache/internal/logging"
	"github.com/wudi/imagecache/internal/metrics"
)

var tracer = otel.Tracer("github.com/wudi/imagecache/internal/fetch")

// Strategy resolves URLs to raw bytes. It is safe for concurrent use.
type Strategy struct {
	client        *http.Client
	origin        string
	proxyEndpoint string
	maxBytes      int64
	proxyRetries  int
	retryInterval time.Duration

	rules   atomic.Pointer[originRules]
	limiter *rate.Limiter
	metrics *metrics.Collector

	breakerThreshold uint32
	breakerTimeout   time.Duration
	breakersMu       sync.Mutex
	breakers         map[string]*gobreaker.CircuitBreaker[[]byte]
}

// Option customizes a Strategy.
type Option func(*Strategy)

// WithHTTPClient replaces the HTTP client used for both direct and proxy requests.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Strategy) { s.client = c }
}

// WithMetrics records fetch attempts on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Strategy) { s.metrics = m }
}

// WithRetryInterval sets the initial backoff between proxy retries.
func WithRetryInterval(d time.Duration) Option {
	return func(s *Strategy) { s.retryInterval = d }
}

// New creates a Strategy from config.
func New(cfg config.FetchConfig, opts ...Option) *Strategy {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	maxBytes := cfg.MaxBytes
	if maxBytes <= 0 {
		maxBytes = 10 << 20
	}
	threshold := cfg.Breaker.FailureThreshold
	if threshold <= 0 {
		threshold = 5
	}
	openTimeout := cfg.Breaker.OpenTimeout
	if openTimeout <= 0 {
		openTimeout = time.Minute
	}

	limit := rate.Inf
	if cfg.RateLimit > 0 {
		limit = rate.Limit(cfg.RateLimit)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	s := &Strategy{
		// No cookie jar: direct fetches never carry credentials.
		client:           &http.Client{Timeout: timeout},
		origin:           cfg.Origin,
		proxyEndpoint:    cfg.ProxyEndpoint,
		maxBytes:         maxBytes,
		proxyRetries:     cfg.ProxyRetries,
		retryInterval:    100 * time.Millisecond,
		limiter:          rate.NewLimiter(limit, burst),
		breakerThreshold: uint32(threshold),
		breakerTimeout:   openTimeout,
		breakers:         make(map[string]*gobreaker.CircuitBreaker[[]byte]),
	}
	s.rules.Store(newOriginRules(cfg.DirectOrigins, cfg.ProxyOrigins))

	for _, opt := range opts {
		opt(s)
	}
	return s
}

// SetOrigins atomically replaces the origin classification lists.
func (s *Strategy) SetOrigins(direct, proxy []string) {
	s.rules.Store(newOriginRules(direct, proxy))
}

// Classify returns the route that Fetch would take for rawURL.
func (s *Strategy) Classify(rawURL string) (Route, error) {
	u, err := parseImageURL(rawURL)
	if err != nil {
		return RouteDirect, err
	}
	return s.rules.Load().classify(u.Hostname()), nil
}

// Fetch returns the bytes at rawURL. Every error matches ErrFetchFailed.
func (s *Strategy) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := parseImageURL(rawURL)
	if err != nil {
		return nil, failed(rawURL, "invalid url", err)
	}
	route := s.rules.Load().classify(u.Hostname())

	ctx, span := tracer.Start(ctx, "fetch.Fetch", trace.WithAttributes(
		attribute.String("url.host", u.Host),
		attribute.String("fetch.route", route.String()),
	))
	defer span.End()

	data, err := s.fetchRoute(ctx, rawURL, u.Hostname(), route)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("fetch.bytes", len(data)))
	return data, nil
}

func (s *Strategy) fetchRoute(ctx context.Context, rawURL, host string, route Route) ([]byte, error) {
	switch route {
	case RouteProxy:
		return s.viaProxy(ctx, rawURL)

	case RouteDirectThenProxy:
		data, err := s.directGuarded(ctx, rawURL, host)
		if err == nil {
			return data, nil
		}
		if ctx.Err() != nil {
			return nil, failed(rawURL, "canceled", ctx.Err())
		}
		logging.Debug("direct image fetch failed, falling back to proxy",
			zap.String("url", rawURL),
			zap.Error(err),
		)
		return s.viaProxy(ctx, rawURL)

	default:
		return s.directGuarded(ctx, rawURL, host)
	}
}

// directGuarded runs a direct fetch through the host's breaker. An open
// breaker fails fast without touching the network.
func (s *Strategy) directGuarded(ctx context.Context, rawURL, host string) ([]byte, error) {
	data, err := s.breaker(host).Execute(func() ([]byte, error) {
		return s.direct(ctx, rawURL)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, failed(rawURL, "direct origin circuit open", err)
	}
	return data, err
}

func (s *Strategy) breaker(host string) *gobreaker.CircuitBreaker[[]byte] {
	s.breakersMu.Lock()
	defer s.breakersMu.Unlock()

	if cb, ok := s.breakers[host]; ok {
		return cb
	}
	threshold := s.breakerThreshold
	cb := gobreaker.NewCircuitBreaker[[]byte](gobreaker.Settings{
		Name:        host,
		MaxRequests: 1,
		Timeout:     s.breakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsSuccessful: originHealthy,
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info("direct fetch breaker state changed",
				zap.String("host", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	s.breakers[host] = cb
	return cb
}

// BreakerState reports the direct-fetch breaker state for host.
func (s *Strategy) BreakerState(host string) gobreaker.State {
	return s.breaker(host).State()
}

func (s *Strategy) direct(ctx context.Context, rawURL string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordFetch(metrics.PathDirect, err, time.Since(start)) }()

	if err := s.limiter.Wait(ctx); err != nil {
		fe := failed(rawURL, "rate limited", err)
		fe.rejected = true
		return nil, fe
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		fe := failed(rawURL, "build request", err)
		fe.rejected = true
		return nil, fe
	}
	req.Header.Set("Accept", "image/*,*/*;q=0.8")
	if s.origin != "" {
		req.Header.Set("Origin", s.origin)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, failed(rawURL, "direct request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		reason := fmt.Sprintf("direct status %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, &Error{URL: rawURL, Reason: reason, Status: resp.StatusCode}
		}
		return nil, rejected(rawURL, reason, resp.StatusCode)
	}
	if s.origin != "" {
		acao := resp.Header.Get("Access-Control-Allow-Origin")
		if acao != "*" && acao != s.origin {
			return nil, rejected(rawURL, "cors: origin not allowed", resp.StatusCode)
		}
	}
	return s.readBody(rawURL, resp.Body)
}

func (s *Strategy) viaProxy(ctx context.Context, rawURL string) (data []byte, err error) {
	if s.proxyEndpoint == "" {
		return nil, failed(rawURL, "no proxy endpoint configured", nil)
	}
	endpoint, err := url.Parse(s.proxyEndpoint)
	if err != nil {
		return nil, failed(rawURL, "invalid proxy endpoint", err)
	}
	q := endpoint.Query()
	q.Set("url", rawURL)
	endpoint.RawQuery = q.Encode()
	target := endpoint.String()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.retryInterval
	b.MaxInterval = 2 * time.Second

	retries := s.proxyRetries
	if retries < 0 {
		retries = 0
	}

	op := func() error {
		data, err = s.proxyOnce(ctx, rawURL, target)
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)); err != nil {
		var fe *Error
		if errors.As(err, &fe) {
			return nil, fe
		}
		return nil, failed(rawURL, "proxy request", err)
	}
	return data, nil
}

func (s *Strategy) proxyOnce(ctx context.Context, rawURL, target string) (data []byte, err error) {
	start := time.Now()
	defer func() { s.metrics.RecordFetch(metrics.PathProxy, err, time.Since(start)) }()

	if err := s.limiter.Wait(ctx); err != nil {
		return nil, backoff.Permanent(failed(rawURL, "rate limited", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, backoff.Permanent(failed(rawURL, "build proxy request", err))
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, failed(rawURL, "proxy request", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		ferr := failed(rawURL, fmt.Sprintf("proxy status %d", resp.StatusCode), nil)
		if resp.StatusCode >= 500 {
			return nil, ferr
		}
		return nil, backoff.Permanent(ferr)
	}

	data, rerr := s.readBody(rawURL, resp.Body)
	if rerr != nil {
		return nil, backoff.Permanent(rerr)
	}
	return data, nil
}

func (s *Strategy) readBody(rawURL string, body io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(body, s.maxBytes+1))
	if err != nil {
		return nil, failed(rawURL, "read body", err)
	}
	if int64(len(data)) > s.maxBytes {
		return nil, rejected(rawURL, fmt.Sprintf("payload exceeds %d bytes", s.maxBytes), http.StatusOK)
	}
	return data, nil
}

func parseImageURL(rawURL string) (*url.URL, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.New("missing host")
	}
	return u, nil
}
