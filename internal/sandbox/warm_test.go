package sandbox

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestWarmPoolClaim(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/claim/env-1" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"sandbox_id":"warm-1"}`)
	}))
	defer server.Close()

	pool := NewWarmPoolClient(server.URL, nil)
	id, ok := pool.GetWarm(t.Context(), "env-1")
	if !ok || id != "warm-1" {
		t.Fatalf("GetWarm() = (%q, %v)", id, ok)
	}

	// Unknown environment means the pool is empty, not an error.
	if _, ok := pool.GetWarm(t.Context(), "other"); ok {
		t.Fatalf("expected empty pool")
	}
}

func TestWarmPoolConnectionErrorMeansEmpty(t *testing.T) {
	pool := NewWarmPoolClient("http://127.0.0.1:1", nil)
	if _, ok := pool.GetWarm(t.Context(), "env-1"); ok {
		t.Fatalf("connection failure must read as empty pool")
	}
}

func TestWarmPoolDisabledWithoutURL(t *testing.T) {
	if pool := NewWarmPoolClient("", nil); pool != nil {
		t.Fatalf("expected nil client without a service URL")
	}
}
