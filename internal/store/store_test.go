package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/joaohenggeler/wanderer-go/internal/config"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	dir := t.TempDir()
	cfg := &config.StoreConfig{
		Path:          filepath.Join(dir, "wanderer.db"),
		BucketSize:    1000,
		BusyTimeoutMS: 2000,
	}
	db, err := New(cfg, func(string) bool { return true })
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() {
		if err := db.Close(); err != nil {
			t.Errorf("Close() returned error: %v", err)
		}
	})
	return db
}

func TestNewCreatesSchema(t *testing.T) {
	db := newTestDB(t)

	tables := []string{
		"snapshot", "topology", "word", "snapshot_word",
		"recording", "saved_url", "compilation", "recording_compilation", "config",
	}
	for _, table := range tables {
		row := db.QueryRow(context.Background(),
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table)
		var name string
		if err := row.Scan(&name); err != nil {
			t.Errorf("table %s not found: %v", table, err)
		}
	}
}

func TestTxCommitsOnSuccess(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Tx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot (url, timestamp, url_key) VALUES (?, ?, ?)`,
			"http://example.com/", "20020120142510", "com,example)/")
		return err
	})
	if err != nil {
		t.Fatalf("Tx() returned error: %v", err)
	}

	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM snapshot").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 row after commit, got %d", count)
	}
}

func TestTxRollsBackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO snapshot (url, timestamp, url_key) VALUES (?, ?, ?)`,
			"http://example.com/", "20020120142510", "com,example)/"); err != nil {
			return err
		}
		return sql.ErrNoRows
	})
	if err == nil {
		t.Fatal("expected Tx() to return the propagated error")
	}

	var count int
	if scanErr := db.QueryRow(ctx, "SELECT COUNT(*) FROM snapshot").Scan(&count); scanErr != nil {
		t.Fatalf("counting rows: %v", scanErr)
	}
	if count != 0 {
		t.Errorf("expected rollback to leave 0 rows, got %d", count)
	}
}

func TestDigestUniquePerURLIsSilentlySkipped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	insert := func(timestamp string) error {
		return db.Tx(ctx, func(tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx,
				`INSERT OR IGNORE INTO snapshot (url, timestamp, url_key, digest) VALUES (?, ?, ?, ?)`,
				"http://example.com/", timestamp, "com,example)/", "DIGESTA")
			return err
		})
	}

	if err := insert("20020120142510"); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if err := insert("20020121000000"); err != nil {
		t.Fatalf("second insert (should be ignored, not errored) failed: %v", err)
	}

	var count int
	if err := db.QueryRow(ctx, "SELECT COUNT(*) FROM snapshot").Scan(&count); err != nil {
		t.Fatalf("counting rows: %v", err)
	}
	if count != 1 {
		t.Errorf("expected digest-unique insert to be skipped, got %d rows", count)
	}
}

func TestIsURLKeyAllowedFunction(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StoreConfig{Path: filepath.Join(dir, "wanderer.db")}
	db, err := New(cfg, func(key string) bool { return key != "com,blocked)/" })
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	var allowed, blocked bool
	if err := db.QueryRow(ctx, "SELECT is_url_key_allowed('com,example)/')").Scan(&allowed); err != nil {
		t.Fatalf("querying is_url_key_allowed: %v", err)
	}
	if !allowed {
		t.Error("expected com,example)/ to be allowed")
	}
	if err := db.QueryRow(ctx, "SELECT is_url_key_allowed('com,blocked)/')").Scan(&blocked); err != nil {
		t.Fatalf("querying is_url_key_allowed: %v", err)
	}
	if blocked {
		t.Error("expected com,blocked)/ to be blocked")
	}
}

func TestRankSnapshotByPointsNullOffsetIsUniform(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var rank float64
	if err := db.QueryRow(ctx, "SELECT rank_snapshot_by_points(5.0, NULL)").Scan(&rank); err != nil {
		t.Fatalf("querying rank_snapshot_by_points: %v", err)
	}
	if rank < 0 || rank >= 1 {
		t.Errorf("expected uniform rank in [0,1), got %f", rank)
	}
}

func TestRankSnapshotByPointsNullPointsIsZero(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	var rank float64
	if err := db.QueryRow(ctx, "SELECT rank_snapshot_by_points(NULL, 2.0)").Scan(&rank); err != nil {
		t.Fatalf("querying rank_snapshot_by_points: %v", err)
	}
	if rank != 0 {
		t.Errorf("expected rank 0 for NULL points, got %f", rank)
	}
}

func TestPingAfterClose(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.StoreConfig{Path: filepath.Join(dir, "wanderer.db")}
	db, err := New(cfg, nil)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping() before close returned error: %v", err)
	}
	if err := db.Close(); err != nil {
		t.Fatalf("Close() returned error: %v", err)
	}
	if err := db.Ping(context.Background()); err == nil {
		t.Error("expected Ping() after Close() to return an error")
	}
}
