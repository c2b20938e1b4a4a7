package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/quantlayer/perpbt/internal/funding"
	"github.com/quantlayer/perpbt/internal/pricesource"
	"github.com/quantlayer/perpbt/internal/runner"
	"go.uber.org/zap"
)

// One server per process: the prometheus collectors register globally.
func newTestServer(t *testing.T) *Server {
	t.Helper()
	logger := zap.NewNop()
	source := pricesource.NewFixtureSource("fixtures:test")
	r := runner.New(logger, nil, source, funding.EmptyTable{})
	hub := NewHub(logger)
	go hub.Run()
	return NewServer(logger, ServerConfig{
		Host:          "localhost",
		Port:          0,
		WebSocketPath: "/ws",
		ReadTimeout:   5 * time.Second,
		WriteTimeout:  5 * time.Second,
		OutputDir:     t.TempDir(),
	}, r, hub)
}

func TestServerEndpoints(t *testing.T) {
	s := newTestServer(t)

	t.Run("health", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("health status = %d", rec.Code)
		}
		var body map[string]any
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatalf("parse health body: %v", err)
		}
		if body["status"] != "healthy" {
			t.Fatalf("unexpected health body: %v", body)
		}
	})

	t.Run("run rejects invalid play", func(t *testing.T) {
		payload, _ := json.Marshal(RunRequest{
			PlayYAML: "id: broken",
			Start:    "2024-03-01T00:00:00Z",
			End:      "2024-03-02T00:00:00Z",
		})
		req := httptest.NewRequest(http.MethodPost, "/api/v1/backtest/run", bytes.NewReader(payload))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnprocessableEntity {
			t.Fatalf("invalid play status = %d, want 422", rec.Code)
		}
	})

	t.Run("run rejects malformed body", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/backtest/run", bytes.NewReader([]byte("{")))
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("malformed body status = %d, want 400", rec.Code)
		}
	})

	t.Run("unknown run id", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/backtest/nope", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusNotFound {
			t.Fatalf("unknown run status = %d, want 404", rec.Code)
		}
	})

	t.Run("metrics exposed", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
		rec := httptest.NewRecorder()
		s.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("metrics status = %d", rec.Code)
		}
		if !bytes.Contains(rec.Body.Bytes(), []byte("perpbt_runs_started_total")) {
			t.Fatalf("expected perpbt counters in metrics output")
		}
	})
}
