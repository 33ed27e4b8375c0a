package inventory

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestHTTPClient_Decrement(t *testing.T) {
	var gotPath, gotKey string
	var gotBody decrementRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("Idempotency-Key")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	if err := c.Decrement(context.Background(), "amoxicillin-500", 2, "session-1:amoxicillin-500"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if gotPath != "/v1/items/amoxicillin-500/decrement" {
		t.Errorf("unexpected path %q", gotPath)
	}
	if gotKey != "session-1:amoxicillin-500" || gotBody.Quantity != 2 {
		t.Errorf("unexpected request key=%q body=%+v", gotKey, gotBody)
	}
}

func TestHTTPClient_InsufficientStock(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":"only 1 left"}`))
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	err := c.Decrement(context.Background(), "ibuprofen", 5, "ref")
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("expected ErrInsufficientStock, got %v", err)
	}
}

func TestHTTPClient_UnknownItem(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	if err := c.Decrement(context.Background(), "ghost", 1, "ref"); !errors.Is(err, ErrUnknownItem) {
		t.Fatalf("expected ErrUnknownItem, got %v", err)
	}
}

func TestHTTPClient_RetriesServerErrors(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	if err := c.Decrement(context.Background(), "gauze", 1, "ref"); err != nil {
		t.Fatalf("expected success after retries, got %v", err)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestHTTPClient_BreakerOpens(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewHTTPClient(srv.URL, time.Second, zerolog.Nop())
	c.http.SetRetryCount(0)

	for i := 0; i < 5; i++ {
		if err := c.Decrement(context.Background(), "saline", 1, "ref"); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("call %d: expected ErrUnavailable, got %v", i, err)
		}
	}
	before := atomic.LoadInt32(&calls)
	if err := c.Decrement(context.Background(), "saline", 1, "ref"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable from open breaker, got %v", err)
	}
	if atomic.LoadInt32(&calls) != before {
		t.Error("open breaker should not reach the server")
	}
}

func TestNoop(t *testing.T) {
	if err := (Noop{}).Decrement(context.Background(), "x", 1, "r"); err != nil {
		t.Fatal(err)
	}
}
