package httpfetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mediacatalog/catalogd/internal/model"
)

func TestGet_ok(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	f := New("test", 5*time.Second)
	res := f.Get(context.Background(), srv.URL, nil)
	if !res.OK() {
		t.Fatalf("want ok, got kind=%s err=%v", res.Kind, res.Err)
	}
	if res.Attempts != 1 {
		t.Fatalf("attempts=%d want 1", res.Attempts)
	}
}

func TestGet_notFoundNoRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	f := New("test", 5*time.Second)
	res := f.Get(context.Background(), srv.URL, nil)
	if res.Kind != model.ErrNotFound {
		t.Fatalf("kind=%s want not_found", res.Kind)
	}
	if hits != 1 {
		t.Fatalf("hits=%d want 1 (no retry on 404)", hits)
	}
}

func TestGet_authNoRetry(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	f := New("test", 5*time.Second)
	res := f.Get(context.Background(), srv.URL, nil)
	if res.Kind != model.ErrAuth || res.Attempts != 1 {
		t.Fatalf("kind=%s attempts=%d want auth/1", res.Kind, res.Attempts)
	}
}

func TestGet_rateLimitedRetriesThenSucceeds(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		if n <= 2 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	f := New("test", 5*time.Second)
	res := f.Get(context.Background(), srv.URL, nil)
	if !res.OK() {
		t.Fatalf("want eventual ok, got kind=%s", res.Kind)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3", res.Attempts)
	}
}

func TestGet_serverErrorExhaustsRetries(t *testing.T) {
	f := New("test", 5*time.Second)
	f.MaxRetries = 2
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	res := f.Get(context.Background(), srv.URL, nil)
	if res.Kind != model.ErrServer {
		t.Fatalf("kind=%s want server", res.Kind)
	}
	if res.Attempts != 3 {
		t.Fatalf("attempts=%d want 3 (1 + 2 retries)", res.Attempts)
	}
}

func TestErrorKindRetryable(t *testing.T) {
	cases := map[model.ErrorKind]bool{
		model.ErrOK:          false,
		model.ErrRateLimited: true,
		model.ErrServer:      true,
		model.ErrTimeout:     true,
		model.ErrNetwork:     true,
		model.ErrAuth:        false,
		model.ErrNotFound:    false,
		model.ErrInvalid:     false,
	}
	for k, want := range cases {
		if got := k.Retryable(); got != want {
			t.Errorf("%s.Retryable()=%v want %v", k, got, want)
		}
	}
}
