package statusserver

import (
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	jsonCodec "github.com/goccy/go-json"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

func testDB(t *testing.T) *store.DB {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StoreConfig{Path: filepath.Join(dir, "wanderer.db")}
	db, err := store.New(cfg, func(string) bool { return true })
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestHealthzReportsOK(t *testing.T) {
	srv := New("127.0.0.1:0", testDB(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := jsonCodec.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %v", body["status"])
	}
}

func TestStatsReturnsZeroedCountsOnEmptyStore(t *testing.T) {
	srv := New("127.0.0.1:0", testDB(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var stats Stats
	if err := jsonCodec.Unmarshal(rec.Body.Bytes(), &stats); err != nil {
		t.Fatalf("decoding body: %v", err)
	}
	if stats.RecordingCount != 0 || stats.CompilationCount != 0 {
		t.Errorf("expected zeroed counts on an empty store, got %+v", stats)
	}
}

func TestMetricsEndpointServesPrometheusFormat(t *testing.T) {
	srv := New("127.0.0.1:0", testDB(t), nil)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}
