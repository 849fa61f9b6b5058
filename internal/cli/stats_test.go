package cli

import (
	"bytes"
	"context"
	"strings"
	"testing"

	jsonCodec "github.com/goccy/go-json"

	"github.com/joaohenggeler/wanderer-go/internal/statusserver"
)

func TestStatsTextReport(t *testing.T) {
	db := testStoreDB(t)
	var out bytes.Buffer
	if err := Stats(context.Background(), db, nil, false, &out); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if !strings.Contains(out.String(), "Snapshots by state:") {
		t.Errorf("expected a text report, got %q", out.String())
	}
}

func TestStatsJSONReport(t *testing.T) {
	db := testStoreDB(t)
	var out bytes.Buffer
	if err := Stats(context.Background(), db, nil, true, &out); err != nil {
		t.Fatalf("Stats: %v", err)
	}
	var stats statusserver.Stats
	if err := jsonCodec.Unmarshal(out.Bytes(), &stats); err != nil {
		t.Fatalf("decoding JSON report: %v", err)
	}
	if stats.RecordingCount != 0 {
		t.Errorf("expected zeroed recording count, got %d", stats.RecordingCount)
	}
}
