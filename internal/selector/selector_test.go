package selector

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

func newTestDB(t *testing.T) *store.DB {
	t.Helper()
	cfg := &config.StoreConfig{Path: filepath.Join(t.TempDir(), "wanderer.db")}
	db, err := store.New(cfg, nil)
	if err != nil {
		t.Fatalf("store.New() returned error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func insertSnapshot(t *testing.T, db *store.DB, url, timestamp string, state store.State, priority, depth int, isMedia bool) int64 {
	t.Helper()
	var id int64
	res, err := db.Conn().Exec(
		`INSERT INTO snapshot (url, timestamp, url_key, state, priority, depth, is_media)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		url, timestamp, "com,example)/", state, priority, depth, isMedia,
	)
	if err != nil {
		t.Fatalf("inserting snapshot: %v", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		t.Fatalf("reading snapshot id: %v", err)
	}
	return id
}

func TestScoutPickReturnsQueuedCandidate(t *testing.T) {
	db := newTestDB(t)
	insertSnapshot(t, db, "http://example.com/", "20000101000000", store.StateQueued, store.NoPriority, 0, false)

	sel := New(db, config.SelectorConfig{MaxDepth: 10, MaxRequiredDepth: 3, RankOffset: 2})
	info, err := sel.ScoutPick(context.Background())
	if err != nil {
		t.Fatalf("ScoutPick() returned error: %v", err)
	}
	if info.URL != "http://example.com/" {
		t.Errorf("ScoutPick() URL = %q, want http://example.com/", info.URL)
	}
}

func TestScoutPickSkipsMedia(t *testing.T) {
	db := newTestDB(t)
	insertSnapshot(t, db, "http://example.com/song.mp3", "20000101000000", store.StateQueued, store.NoPriority, 0, true)

	sel := New(db, config.SelectorConfig{MaxDepth: 10, MaxRequiredDepth: 3, RankOffset: 2})
	_, err := sel.ScoutPick(context.Background())
	if err != ErrNoCandidate {
		t.Errorf("ScoutPick() error = %v, want ErrNoCandidate", err)
	}
}

func TestScoutPickRespectsMaxDepth(t *testing.T) {
	db := newTestDB(t)
	insertSnapshot(t, db, "http://example.com/deep", "20000101000000", store.StateQueued, store.NoPriority, 99, false)

	sel := New(db, config.SelectorConfig{MaxDepth: 5, MaxRequiredDepth: 3, RankOffset: 2})
	_, err := sel.ScoutPick(context.Background())
	if err != ErrNoCandidate {
		t.Errorf("ScoutPick() error = %v, want ErrNoCandidate", err)
	}
}

func TestApprovePickRequiresUnprocessedRecording(t *testing.T) {
	db := newTestDB(t)
	id := insertSnapshot(t, db, "http://example.com/a", "20000101000000", store.StateRecorded, store.NoPriority, 0, false)

	sel := New(db, config.SelectorConfig{RankOffset: 2})
	if _, err := sel.ApprovePick(context.Background()); err != ErrNoCandidate {
		t.Fatalf("ApprovePick() before recording exists: error = %v, want ErrNoCandidate", err)
	}

	_, err := db.Conn().Exec(
		`INSERT INTO recording (snapshot_id, is_processed, upload_filename, creation_time) VALUES (?, 0, ?, ?)`,
		id, "a.mp4", time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("inserting recording: %v", err)
	}

	info, err := sel.ApprovePick(context.Background())
	if err != nil {
		t.Fatalf("ApprovePick() returned error: %v", err)
	}
	if info.ID != id {
		t.Errorf("ApprovePick() ID = %d, want %d", info.ID, id)
	}
}

func TestPublishPickHonorsRequireApproval(t *testing.T) {
	db := newTestDB(t)
	id := insertSnapshot(t, db, "http://example.com/b", "20000101000000", store.StateRecorded, store.NoPriority, 0, false)
	_, err := db.Conn().Exec(
		`INSERT INTO recording (snapshot_id, is_processed, upload_filename, creation_time) VALUES (?, 0, ?, ?)`,
		id, "b.mp4", time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		t.Fatalf("inserting recording: %v", err)
	}

	sel := New(db, config.SelectorConfig{RankOffset: 2})

	if _, err := sel.PublishPick(context.Background(), true); err != ErrNoCandidate {
		t.Errorf("PublishPick(requireApproval=true) error = %v, want ErrNoCandidate for a RECORDED-only snapshot", err)
	}

	info, err := sel.PublishPick(context.Background(), false)
	if err != nil {
		t.Fatalf("PublishPick(requireApproval=false) returned error: %v", err)
	}
	if info.ID != id {
		t.Errorf("PublishPick() ID = %d, want %d", info.ID, id)
	}
}

func TestRecordPickPrefersHighPriorityOverFilters(t *testing.T) {
	db := newTestDB(t)
	insertSnapshot(t, db, "http://example.com/c", "20000101000000", store.StateScouted, store.RandomizePriority(store.RecordPriority, 0), 0, false)

	sel := New(db, config.SelectorConfig{RankOffset: 2, MinRecordingsForSameHost: 0})
	info, err := sel.RecordPick(context.Background())
	if err != nil {
		t.Fatalf("RecordPick() returned error: %v", err)
	}
	if info.URL != "http://example.com/c" {
		t.Errorf("RecordPick() URL = %q, want http://example.com/c", info.URL)
	}
}
