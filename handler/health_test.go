package handler

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sergeybar/ak-gateway/internal/store"
)

func newTestHealthStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestHealthzAlwaysReportsHealthy(t *testing.T) {
	h := NewHealth(newTestHealthStore(t))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "healthy" {
		t.Fatalf("expected flat healthy status, got %+v", body)
	}
}

func TestHealthzAlwaysReturns200EvenAfterStoreClose(t *testing.T) {
	st := newTestHealthStore(t)
	h := NewHealth(st)
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Healthz(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("public /health must never reflect backing-store state, got %d", rec.Code)
	}
}

func TestDetailReportsStoreReachable(t *testing.T) {
	h := NewHealth(newTestHealthStore(t))

	req := httptest.NewRequest(http.MethodGet, "/health/detail", nil)
	rec := httptest.NewRecorder()
	h.Detail(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when store is reachable, got %d", rec.Code)
	}
	var body map[string]bool
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if !body["store_reachable"] {
		t.Fatal("expected store_reachable true")
	}
}

func TestDetailReportsStoreUnreachable(t *testing.T) {
	st := newTestHealthStore(t)
	h := NewHealth(st)
	st.Close()

	req := httptest.NewRequest(http.MethodGet, "/health/detail", nil)
	rec := httptest.NewRecorder()
	h.Detail(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when store is unreachable, got %d", rec.Code)
	}
}
