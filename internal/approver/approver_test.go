package approver

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

type fakePlayer struct{ played []string }

func (f *fakePlayer) Play(ctx context.Context, path string) error {
	f.played = append(f.played, path)
	return nil
}

// fakePrompter replays a scripted sequence of answers, one per Prompt call.
type fakePrompter struct {
	answers   []string
	i         int
	announced []string
}

func (f *fakePrompter) Announce(ctx context.Context, message string) {
	f.announced = append(f.announced, message)
}

func (f *fakePrompter) Prompt(ctx context.Context, message string) (string, error) {
	if f.i >= len(f.answers) {
		return "", nil
	}
	answer := f.answers[f.i]
	f.i++
	return answer, nil
}

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

func insertRecordedSnapshot(t *testing.T, db *store.DB, priority int) (snapshotID, recordingID int64) {
	t.Helper()
	res, err := db.Conn().Exec(
		`INSERT INTO snapshot (url, timestamp, url_key, state, priority, depth) VALUES (?, ?, ?, ?, ?, ?)`,
		"http://example.com/", "20000101000000", "com,example)/", store.StateRecorded, priority, 0,
	)
	if err != nil {
		t.Fatalf("inserting snapshot: %v", err)
	}
	snapshotID, err = res.LastInsertId()
	if err != nil {
		t.Fatalf("reading snapshot id: %v", err)
	}

	res, err = db.Conn().Exec(
		`INSERT INTO recording (snapshot_id, upload_filename, creation_time) VALUES (?, ?, ?)`,
		snapshotID, filepath.Join(t.TempDir(), "capture.mp4"), time.Now().UTC().Format(store.TimestampFormat),
	)
	if err != nil {
		t.Fatalf("inserting recording: %v", err)
	}
	recordingID, err = res.LastInsertId()
	if err != nil {
		t.Fatalf("reading recording id: %v", err)
	}
	return snapshotID, recordingID
}

func TestRunIsNoOpWhenApprovalNotRequired(t *testing.T) {
	db := newTestDB(t)
	sel := selector.New(db, config.SelectorConfig{RankOffset: 2})
	a := New(db, sel, config.ApproveConfig{RequireApproval: false}, &fakePlayer{}, &fakePrompter{}, false)

	processed, err := a.Run(context.Background(), 10)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if processed != 0 {
		t.Errorf("processed = %d, want 0", processed)
	}
}

func TestApproveOneMarksApproved(t *testing.T) {
	db := newTestDB(t)
	snapshotID, recordingID := insertRecordedSnapshot(t, db, store.NoPriority)

	var uploadPath string
	if err := db.Conn().QueryRow(`SELECT upload_filename FROM recording WHERE id = ?`, recordingID).Scan(&uploadPath); err != nil {
		t.Fatalf("reading upload filename: %v", err)
	}
	if err := os.WriteFile(uploadPath, []byte("fake"), 0o644); err != nil {
		t.Fatalf("writing fake capture: %v", err)
	}

	sel := selector.New(db, config.SelectorConfig{RankOffset: 2})
	player := &fakePlayer{}
	prompter := &fakePrompter{answers: []string{"", "y", "y"}}
	a := New(db, sel, config.ApproveConfig{RequireApproval: true}, player, prompter, false)

	processed, err := a.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	var state store.State
	if err := db.Conn().QueryRow(`SELECT state FROM snapshot WHERE id = ?`, snapshotID).Scan(&state); err != nil {
		t.Fatalf("querying snapshot: %v", err)
	}
	if state != store.StateApproved {
		t.Errorf("state = %v, want APPROVED", state)
	}

	var isProcessed bool
	if err := db.Conn().QueryRow(`SELECT is_processed FROM recording WHERE id = ?`, recordingID).Scan(&isProcessed); err != nil {
		t.Fatalf("querying recording: %v", err)
	}
	if !isProcessed {
		t.Error("expected recording to be marked processed")
	}

	if len(player.played) != 1 || player.played[0] != uploadPath {
		t.Errorf("player.played = %v, want [%s]", player.played, uploadPath)
	}
}

func TestApproveOneMissingFileRecordsAgainSilently(t *testing.T) {
	db := newTestDB(t)
	snapshotID, recordingID := insertRecordedSnapshot(t, db, store.NoPriority)

	sel := selector.New(db, config.SelectorConfig{RankOffset: 2})
	player := &fakePlayer{}
	prompter := &fakePrompter{answers: []string{""}}
	a := New(db, sel, config.ApproveConfig{RequireApproval: true}, player, prompter, false)

	processed, err := a.Run(context.Background(), 1)
	if err != nil {
		t.Fatalf("Run() returned error: %v", err)
	}
	if processed != 1 {
		t.Fatalf("processed = %d, want 1", processed)
	}

	var state store.State
	var priority int
	if err := db.Conn().QueryRow(`SELECT state, priority FROM snapshot WHERE id = ?`, snapshotID).Scan(&state, &priority); err != nil {
		t.Fatalf("querying snapshot: %v", err)
	}
	if state != store.StateScouted {
		t.Errorf("state = %v, want SCOUTED", state)
	}
	if priority != store.RecordPriority {
		t.Errorf("priority = %d, want RecordPriority", priority)
	}

	var isProcessed bool
	if err := db.Conn().QueryRow(`SELECT is_processed FROM recording WHERE id = ?`, recordingID).Scan(&isProcessed); err != nil {
		t.Fatalf("querying recording: %v", err)
	}
	if !isProcessed {
		t.Error("expected recording to be marked processed even on a missing file")
	}

	if len(player.played) != 0 {
		t.Errorf("expected no playback for a missing file, got %v", player.played)
	}
}

func TestReadVerdictRetriesOnInvalidInput(t *testing.T) {
	db := newTestDB(t)
	sel := selector.New(db, config.SelectorConfig{RankOffset: 2})
	a := New(db, sel, config.ApproveConfig{RequireApproval: true}, &fakePlayer{}, nil, false)

	prompter := &fakePrompter{answers: []string{"bogus", "n"}}
	a.prompter = prompter

	state, priority, isProcessed, err := a.readVerdict(context.Background(), &store.SnapshotInfo{})
	if err != nil {
		t.Fatalf("readVerdict() returned error: %v", err)
	}
	if state != store.StateRejected || priority != store.NoPriority || !isProcessed {
		t.Errorf("readVerdict() = (%v, %d, %v), want (REJECTED, NoPriority, true)", state, priority, isProcessed)
	}
}
