package compiler

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

func TestParseIDListExpandsRanges(t *testing.T) {
	ids, err := ParseIDList("1,5-7")
	if err != nil {
		t.Fatalf("ParseIDList() returned error: %v", err)
	}
	want := []int64{1, 5, 6, 7}
	if !int64SliceEqual(ids, want) {
		t.Errorf("ParseIDList() = %v, want %v", ids, want)
	}
}

func TestParseIDListReversesDescendingRange(t *testing.T) {
	ids, err := ParseIDList("10-8")
	if err != nil {
		t.Fatalf("ParseIDList() returned error: %v", err)
	}
	want := []int64{10, 9, 8}
	if !int64SliceEqual(ids, want) {
		t.Errorf("ParseIDList() = %v, want %v", ids, want)
	}
}

func TestParseIDListAppliesExclusions(t *testing.T) {
	ids, err := ParseIDList("1,5-10,!7,!9-10")
	if err != nil {
		t.Fatalf("ParseIDList() returned error: %v", err)
	}
	want := []int64{1, 5, 6, 8}
	if !int64SliceEqual(ids, want) {
		t.Errorf("ParseIDList() = %v, want %v", ids, want)
	}
}

func TestParseIDListDedupsPreservingFirstSeenOrder(t *testing.T) {
	ids, err := ParseIDList("5,3,5,1-3")
	if err != nil {
		t.Fatalf("ParseIDList() returned error: %v", err)
	}
	want := []int64{5, 3, 1, 2}
	if !int64SliceEqual(ids, want) {
		t.Errorf("ParseIDList() = %v, want %v", ids, want)
	}
}

func TestParseIDListRejectsGarbage(t *testing.T) {
	if _, err := ParseIDList("abc"); err == nil {
		t.Error("ParseIDList(\"abc\") returned nil error, want a parse error")
	}
}

func int64SliceEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestMediaAttributionFormatsTitleAndAuthor(t *testing.T) {
	cases := []struct {
		name string
		snap store.Snapshot
		want string
	}{
		{"not media", store.Snapshot{IsMedia: false, MediaTitle: "Song"}, ""},
		{"title and author", store.Snapshot{IsMedia: true, MediaTitle: "Song", MediaAuthor: "Artist"}, `"Song" by "Artist"`},
		{"title only", store.Snapshot{IsMedia: true, MediaTitle: "Song"}, `"Song"`},
		{"author only", store.Snapshot{IsMedia: true, MediaAuthor: "Artist"}, `By "Artist"`},
		{"neither", store.Snapshot{IsMedia: true}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := mediaAttribution(tc.snap); got != tc.want {
				t.Errorf("mediaAttribution() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestSegmentEmojisCombinesMarkers(t *testing.T) {
	cd := candidate{
		snapshot: store.Snapshot{
			IsMedia: true,
			Options: store.SnapshotOptions{Emojis: []string{"⭐"}},
		},
		isSensitive: true,
		recording:   store.Recording{HasAudio: true},
	}
	got := segmentEmojis(cd)
	want := []string{"\U0001F4C0", "\U0001F51E", "\U0001F50A", "⭐"}
	if len(got) != len(want) {
		t.Fatalf("segmentEmojis() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("segmentEmojis()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestSegmentEmojisPrefersMediaOverPlugins(t *testing.T) {
	cd := candidate{snapshot: store.Snapshot{IsMedia: true, PageUsesPlugins: true}}
	got := segmentEmojis(cd)
	if len(got) != 1 || got[0] != "\U0001F4C0" {
		t.Errorf("segmentEmojis() = %v, want only the media marker", got)
	}
}

func TestFormatHMSRoundsToSeconds(t *testing.T) {
	if got := formatHMS(3*time.Hour + 5*time.Minute + 9*time.Second); got != "03:05:09" {
		t.Errorf("formatHMS() = %q, want 03:05:09", got)
	}
}

func TestSortByIDOrderSortsByRequestedRecordingOrder(t *testing.T) {
	candidates := []candidate{
		{recording: store.Recording{ID: 7}},
		{recording: store.Recording{ID: 3}},
		{recording: store.Recording{ID: 5}},
	}
	p := Params{IDKind: IDKindRecording, IDs: []int64{5, 7, 3}}
	sortByIDOrder(candidates, p)

	want := []int64{5, 7, 3}
	for i, id := range want {
		if candidates[i].recording.ID != id {
			t.Errorf("candidates[%d].recording.ID = %d, want %d", i, candidates[i].recording.ID, id)
		}
	}
}

func TestRangeIdentifierIsStableSixCharHash(t *testing.T) {
	p := Params{IDs: []int64{1, 2, 3}}
	got := rangeIdentifier(p)
	if len(got) != 6 {
		t.Fatalf("rangeIdentifier() = %q, want a 6-character hash", got)
	}
	if rangeIdentifier(p) != got {
		t.Error("rangeIdentifier() is not deterministic for the same input")
	}
}

type fakeProber struct {
	width, height int
	framerate     string
	duration      time.Duration
}

func (f *fakeProber) VideoInfo(ctx context.Context, path string) (int, int, string, time.Duration, error) {
	return f.width, f.height, f.framerate, f.duration, nil
}

type fakeTransition struct {
	path     string
	duration time.Duration
}

func (f *fakeTransition) Build(ctx context.Context, color string, duration time.Duration, sfxPath string, width, height int, framerate string) (string, time.Duration, error) {
	return f.path, f.duration, nil
}

type fakeRemuxer struct{}

func (fakeRemuxer) Remux(ctx context.Context, path string) (string, error) {
	return path + ".ts", nil
}

type fakeMuxer struct {
	segments []string
	output   string
}

func (f *fakeMuxer) Concat(ctx context.Context, segmentPaths []string, outputPath string) error {
	f.segments = segmentPaths
	f.output = outputPath
	return os.WriteFile(outputPath, []byte("fake video"), 0o644)
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

func insertTestSnapshot(t *testing.T, db *store.DB, url string) int64 {
	t.Helper()
	res, err := db.Conn().Exec(
		`INSERT INTO snapshot (url, timestamp, url_key, state) VALUES (?, ?, ?, ?)`,
		url, "20000101000000", url, store.StatePublished,
	)
	if err != nil {
		t.Fatalf("inserting snapshot: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("reading snapshot id: %v", err)
	}
	return id
}

func insertTestRecording(t *testing.T, db *store.DB, snapshotID int64, creationTime, publishTime, uploadPath string) int64 {
	t.Helper()
	res, err := db.Conn().Exec(
		`INSERT INTO recording (snapshot_id, upload_filename, creation_time, publish_time, is_processed) VALUES (?, ?, ?, ?, 1)`,
		snapshotID, uploadPath, creationTime, publishTime,
	)
	if err != nil {
		t.Fatalf("inserting recording: %v", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("reading recording id: %v", err)
	}
	return id
}

func TestCompilePublishedWindowBuildsVideoAndRecordsCompilation(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()

	snapshotID := insertTestSnapshot(t, db, "http://example.com/a")
	uploadPath := filepath.Join(dir, "a.mp4")
	if err := os.WriteFile(uploadPath, []byte("video"), 0o644); err != nil {
		t.Fatalf("writing fake capture: %v", err)
	}
	recordingID := insertTestRecording(t, db, snapshotID, "20000101000000", "20000102000000", uploadPath)

	compilationsDir := filepath.Join(dir, "compilations")
	muxer := &fakeMuxer{}
	c := New(db, compilationsDir, config.CompileConfig{TransitionColor: "black", TransitionDuration: 1.5},
		&fakeProber{width: 1280, height: 720, framerate: "30", duration: 5 * time.Second},
		&fakeTransition{path: filepath.Join(dir, "transition.ts"), duration: 2 * time.Second},
		fakeRemuxer{}, muxer)

	result, err := c.Compile(context.Background(), Params{Window: &DateWindow{Begin: "20000101000000", End: "20000201000000"}})
	if err != nil {
		t.Fatalf("Compile() returned error: %v", err)
	}
	if result.NumFound != 1 || result.TotalRecordings != 1 {
		t.Errorf("result = %+v, want NumFound=1 TotalRecordings=1", result)
	}
	if _, err := os.Stat(result.CompilationPath); err != nil {
		t.Errorf("compilation file was not written: %v", err)
	}
	if _, err := os.Stat(result.TimestampsPath); err != nil {
		t.Errorf("timestamps file was not written: %v", err)
	}
	if len(muxer.segments) != 2 {
		t.Errorf("muxer.segments = %v, want one recording segment followed by one transition", muxer.segments)
	}

	var compilationCount, linkCount int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM compilation`).Scan(&compilationCount); err != nil {
		t.Fatalf("counting compilations: %v", err)
	}
	if compilationCount != 1 {
		t.Errorf("compilation rows = %d, want 1", compilationCount)
	}
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM recording_compilation WHERE recording_id = ?`, recordingID).Scan(&linkCount); err != nil {
		t.Fatalf("counting recording_compilation rows: %v", err)
	}
	if linkCount != 1 {
		t.Errorf("recording_compilation rows = %d, want 1", linkCount)
	}
}

func TestCompileIDListModeDoesNotPersistCompilation(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()

	snapshotID := insertTestSnapshot(t, db, "http://example.com/b")
	uploadPath := filepath.Join(dir, "b.mp4")
	if err := os.WriteFile(uploadPath, []byte("video"), 0o644); err != nil {
		t.Fatalf("writing fake capture: %v", err)
	}
	insertTestRecording(t, db, snapshotID, "20000101000000", "20000102000000", uploadPath)

	compilationsDir := filepath.Join(dir, "compilations")
	c := New(db, compilationsDir, config.CompileConfig{TransitionColor: "black", TransitionDuration: 1},
		&fakeProber{width: 640, height: 480, framerate: "24", duration: 3 * time.Second},
		&fakeTransition{path: filepath.Join(dir, "transition.ts"), duration: time.Second},
		fakeRemuxer{}, &fakeMuxer{})

	result, err := c.Compile(context.Background(), Params{IDKind: IDKindSnapshot, IDs: []int64{snapshotID}})
	if err != nil {
		t.Fatalf("Compile() returned error: %v", err)
	}
	if result.NumFound != 1 {
		t.Fatalf("result.NumFound = %d, want 1", result.NumFound)
	}

	var compilationCount int
	if err := db.Conn().QueryRow(`SELECT COUNT(*) FROM compilation`).Scan(&compilationCount); err != nil {
		t.Fatalf("counting compilations: %v", err)
	}
	if compilationCount != 0 {
		t.Errorf("compilation rows = %d, want 0 for an ID-list compile", compilationCount)
	}
}

func TestCompileSkipsRecordingsWithMissingFiles(t *testing.T) {
	db := newTestDB(t)
	dir := t.TempDir()

	snapshotID := insertTestSnapshot(t, db, "http://example.com/c")
	insertTestRecording(t, db, snapshotID, "20000101000000", "20000102000000", filepath.Join(dir, "missing.mp4"))

	c := New(db, filepath.Join(dir, "compilations"), config.CompileConfig{},
		&fakeProber{}, &fakeTransition{}, fakeRemuxer{}, &fakeMuxer{})

	result, err := c.Compile(context.Background(), Params{Window: &DateWindow{Begin: "20000101000000", End: "20000201000000"}})
	if err != nil {
		t.Fatalf("Compile() returned error: %v", err)
	}
	if result.TotalRecordings != 1 {
		t.Errorf("result.TotalRecordings = %d, want 1 (the row still reaches the file check)", result.TotalRecordings)
	}
	if result.NumFound != 0 {
		t.Errorf("result.NumFound = %d, want 0 (its file does not exist)", result.NumFound)
	}
}
