package adminapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"

	"github.com/yibit/pgagroal/internal/config"
	"github.com/yibit/pgagroal/internal/health"
	"github.com/yibit/pgagroal/internal/metrics"
	"github.com/yibit/pgagroal/internal/slotpool"
)

func newTestServer() (*Server, *mux.Router) {
	cfg := config.Config{
		Pool: config.PoolConfig{MaxConnections: 5, AcquireTimeout: time.Second},
		Servers: []config.ServerConfig{
			{Name: "primary", Host: "127.0.0.1", Port: 5432, Database: "app", Username: "app"},
		},
	}
	broker := slotpool.New(cfg, nil)
	hc := health.NewChecker(cfg.Servers, time.Hour, 3, time.Second, nil, nil)
	m := metrics.New()

	s := NewServer(broker, hc, m)

	mr := mux.NewRouter()
	mr.HandleFunc("/status", s.statusHandler).Methods("GET")
	mr.HandleFunc("/servers", s.serversHandler).Methods("GET")
	mr.HandleFunc("/health", s.healthHandler).Methods("GET")
	mr.HandleFunc("/ready", s.readyHandler).Methods("GET")

	return s, mr
}

func TestStatusHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/status", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var body map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if _, ok := body["uptime_seconds"]; !ok {
		t.Error("expected uptime_seconds in status response")
	}
}

func TestServersHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/servers", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	var stats []slotpool.Stats
	if err := json.NewDecoder(rr.Body).Decode(&stats); err != nil {
		t.Fatalf("decoding response: %v", err)
	}
	if len(stats) != 1 || stats[0].Server != "primary" {
		t.Errorf("expected one stats entry for primary, got %+v", stats)
	}
}

func TestHealthHandlerReportsHealthyWithNoChecksRun(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/health", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	// No health probe has run yet, so OverallHealthy defaults to true.
	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}

func TestReadyHandler(t *testing.T) {
	_, mr := newTestServer()

	req := httptest.NewRequest("GET", "/ready", nil)
	rr := httptest.NewRecorder()
	mr.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rr.Code)
	}
}
