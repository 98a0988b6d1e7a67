// Package httpfetch is the L0 HTTP fetcher shared by every upstream client.
// It performs GET requests with jittered exponential backoff and classifies
// every outcome into one of ok|rate_limited|server|timeout|network|auth|
// not_found|invalid, so that L2 engines (enrichment cooldowns, catalog sync
// failure recording) can dispatch on a single typed result instead of raw
// transport/HTTP details.
package httpfetch

import (
	"context"
	"errors"
	"io"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/mediacatalog/catalogd/internal/metrics"
	"github.com/mediacatalog/catalogd/internal/model"
)

// Result is the tagged-variant outcome of one fetch: either a usable body or
// a classified error.
type Result struct {
	Kind       model.ErrorKind
	StatusCode int
	Body       []byte
	Attempts   int
	Err        error
}

// OK reports whether the fetch ultimately succeeded.
func (r Result) OK() bool { return r.Kind == model.ErrOK }

// Fetcher performs retrying GETs against a single logical origin (used for
// metrics attribution; pass the provider name or "metadata").
type Fetcher struct {
	Origin     string
	Client     *http.Client
	MaxRetries int // default 5
	rng        func() float64
}

// New returns a Fetcher for origin with the given per-call timeout. The
// transport is upgraded to speak HTTP/2 over TLS where the origin supports
// it; origins that don't simply negotiate HTTP/1.1 as before.
func New(origin string, timeout time.Duration) *Fetcher {
	transport := &http.Transport{
		ResponseHeaderTimeout: timeout,
	}
	if err := http2.ConfigureTransport(transport); err != nil {
		log.Printf("httpfetch: %s: http2 not configured: %v", origin, err)
	}
	return &Fetcher{
		Origin: origin,
		Client: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		MaxRetries: 5,
		rng:        rand.Float64,
	}
}

// Get performs a GET of rawURL with the given headers, retrying according to
// the classified error kind, and records per-origin metrics.
func (f *Fetcher) Get(ctx context.Context, rawURL string, headers map[string]string) Result {
	maxRetries := f.MaxRetries
	if maxRetries < 1 {
		maxRetries = 5
	}

	var last Result
	for attempt := 0; attempt <= maxRetries; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if err != nil {
			return Result{Kind: model.ErrInvalid, Err: err, Attempts: attempt + 1}
		}
		for k, v := range headers {
			req.Header.Set(k, v)
		}

		resp, body, kind, err := f.do(req)
		metrics.RequestsTotal.WithLabelValues(f.Origin, string(kind)).Inc()
		last = Result{Kind: kind, Body: body, Err: err, Attempts: attempt + 1}
		if resp != nil {
			last.StatusCode = resp.StatusCode
		}

		if kind == model.ErrOK || !kind.Retryable() || attempt == maxRetries {
			return last
		}

		metrics.RetryTotal.WithLabelValues(f.Origin).Inc()
		metrics.RetryByKind.WithLabelValues(f.Origin, string(kind)).Inc()
		if kind == model.ErrRateLimited {
			metrics.RateLimited.WithLabelValues(f.Origin).Inc()
		}

		wait := f.backoff(kind, attempt, resp)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return Result{Kind: model.ErrNetwork, Err: ctx.Err(), Attempts: attempt + 1}
		case <-t.C:
		}
	}
	return last
}

func (f *Fetcher) do(req *http.Request) (*http.Response, []byte, model.ErrorKind, error) {
	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, nil, classifyTransportErr(err), err
	}
	defer resp.Body.Close()
	body, readErr := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if readErr != nil {
			return resp, nil, model.ErrInvalid, readErr
		}
		return resp, body, model.ErrOK, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return resp, body, model.ErrRateLimited, nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return resp, body, model.ErrAuth, nil
	case resp.StatusCode == http.StatusNotFound:
		return resp, body, model.ErrNotFound, nil
	case resp.StatusCode == http.StatusBadRequest:
		return resp, body, model.ErrInvalid, nil
	case resp.StatusCode >= 500 && resp.StatusCode < 600:
		return resp, body, model.ErrServer, nil
	default:
		return resp, body, model.ErrInvalid, nil
	}
}

// classifyTransportErr sniffs a transport error into a timeout/network kind.
func classifyTransportErr(err error) model.ErrorKind {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return model.ErrTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ErrTimeout
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline") {
		return model.ErrTimeout
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return model.ErrNetwork
	}
	return model.ErrNetwork
}

// backoff computes the wait before the next attempt, honoring Retry-After
// for rate_limited and exponential doubling (capped per kind) otherwise, with
// uniform jitter in [0, 1.5s].
func (f *Fetcher) backoff(kind model.ErrorKind, attempt int, resp *http.Response) time.Duration {
	var base, cap time.Duration
	switch kind {
	case model.ErrRateLimited:
		cap = 30 * time.Second
		if resp != nil {
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				if d, ok := parseRetryAfter(ra); ok {
					if d > cap {
						d = cap
					}
					return d + f.jitter()
				}
			}
		}
		base = 1 * time.Second
	case model.ErrServer, model.ErrTimeout, model.ErrNetwork:
		cap = 10 * time.Second
		base = 500 * time.Millisecond
	default:
		cap = 10 * time.Second
		base = 500 * time.Millisecond
	}
	d := base * time.Duration(1<<uint(attempt))
	if d > cap {
		d = cap
	}
	return d + f.jitter()
}

func (f *Fetcher) jitter() time.Duration {
	r := f.rng
	if r == nil {
		r = rand.Float64
	}
	return time.Duration(r() * float64(1500*time.Millisecond))
}

func parseRetryAfter(s string) (time.Duration, bool) {
	s = strings.TrimSpace(s)
	if sec, err := strconv.Atoi(s); err == nil && sec >= 0 {
		return time.Duration(sec) * time.Second, true
	}
	if t, err := http.ParseTime(s); err == nil {
		if d := time.Until(t); d > 0 {
			return d, true
		}
		return 0, true
	}
	return 0, false
}
