// Package compiler implements the on-demand compilation worker (C11):
// given either a publish-time window or a free list of snapshot/recording
// IDs, it concatenates the matching captures into one video, separated
// by a generated transition, with a sidecar timestamp file.
package compiler

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Prober reports a captured video's stream geometry and duration.
type Prober interface {
	VideoInfo(ctx context.Context, path string) (width, height int, framerate string, duration time.Duration, err error)
}

// Transition renders the configured-color (and optional sound effect)
// segment inserted between two recordings, sized to the template
// recording's resolution and framerate.
type Transition interface {
	Build(ctx context.Context, color string, duration time.Duration, sfxPath string, width, height int, framerate string) (path string, actualDuration time.Duration, err error)
}

// Remuxer copies a recording into an MPEG-TS container without
// re-encoding, the step the original takes to avoid DTS errors when
// concatenating otherwise-dissimilar files.
type Remuxer interface {
	Remux(ctx context.Context, path string) (tsPath string, err error)
}

// Muxer concatenates an ordered list of MPEG-TS segments, via whatever
// file-list protocol the underlying tool uses, into one output file.
type Muxer interface {
	Concat(ctx context.Context, segmentPaths []string, outputPath string) error
}

// IDKind distinguishes whether a free ID list names snapshots or recordings.
type IDKind int

const (
	IDKindSnapshot IDKind = iota
	IDKindRecording
)

func (k IDKind) String() string {
	if k == IDKindRecording {
		return "recording"
	}
	return "snapshot"
}

// DateWindow bounds a publish-time range: [Begin, End).
type DateWindow struct {
	Begin, End string
}

// Params selects what to compile. Exactly one of Window or IDs must be set.
type Params struct {
	Window       *DateWindow
	IDKind       IDKind
	IDs          []int64
	UseNarration bool
}

// Result summarizes a completed compilation.
type Result struct {
	CompilationPath string
	TimestampsPath  string
	TotalRecordings int
	NumFound        int
}

// Compiler builds one compilation per call to Compile. Unlike the other
// pipeline workers it is not scheduler.Job-shaped: it runs once per CLI
// invocation rather than on a cron tick.
type Compiler struct {
	db              *store.DB
	compilationsPath string
	cfg             config.CompileConfig
	prober          Prober
	transition      Transition
	remuxer         Remuxer
	muxer           Muxer
	stat            func(name string) (os.FileInfo, error)
}

// New builds a Compiler.
func New(db *store.DB, compilationsPath string, cfg config.CompileConfig, prober Prober, transition Transition, remuxer Remuxer, muxer Muxer) *Compiler {
	return &Compiler{
		db:               db,
		compilationsPath: compilationsPath,
		cfg:              cfg,
		prober:           prober,
		transition:       transition,
		remuxer:          remuxer,
		muxer:            muxer,
		stat:             os.Stat,
	}
}

// ParseIDList parses the "1,5-10,!7,!9-10" syntax into an ordered,
// deduplicated list of IDs: a range expands forward or backward
// depending on whether its first value exceeds its second, a "!" prefix
// excludes rather than includes, and the result preserves first-seen
// include order with every excluded ID removed.
func ParseIDList(spec string) ([]int64, error) {
	var includeOrder []int64
	include := make(map[int64]bool)
	exclude := make(map[int64]bool)

	for _, token := range strings.Split(spec, ",") {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		excluded := strings.HasPrefix(token, "!")
		token = strings.TrimPrefix(token, "!")

		ids, err := expandIDToken(token)
		if err != nil {
			return nil, err
		}

		for _, id := range ids {
			if excluded {
				exclude[id] = true
				continue
			}
			if !include[id] {
				include[id] = true
				includeOrder = append(includeOrder, id)
			}
		}
	}

	result := make([]int64, 0, len(includeOrder))
	for _, id := range includeOrder {
		if !exclude[id] {
			result = append(result, id)
		}
	}
	return result, nil
}

func expandIDToken(token string) ([]int64, error) {
	idx := strings.Index(token, "-")
	if idx <= 0 {
		id, err := strconv.ParseInt(token, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing id %q: %w", token, err)
		}
		return []int64{id}, nil
	}

	begin, err := strconv.ParseInt(token[:idx], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing id range %q: %w", token, err)
	}
	end, err := strconv.ParseInt(token[idx+1:], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing id range %q: %w", token, err)
	}

	var ids []int64
	if begin <= end {
		for id := begin; id <= end; id++ {
			ids = append(ids, id)
		}
	} else {
		for id := begin; id >= end; id-- {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

// candidate is one matched (snapshot, recording) pair, with the file
// that will actually be fed into the compilation.
type candidate struct {
	snapshot    store.Snapshot
	isSensitive bool
	recording   store.Recording
	segmentPath string
}

// Compile selects the matching recordings, builds the compilation video
// and its sidecar timestamp file, and (for a published window) records
// the result in the database.
func (c *Compiler) Compile(ctx context.Context, p Params) (Result, error) {
	rows, err := c.selectCandidates(ctx, p)
	if err != nil {
		return Result{}, fmt.Errorf("compiler: selecting recordings: %w", err)
	}

	var candidates []candidate
	totalRecordings := 0
	for _, row := range rows {
		if p.UseNarration && row.snapshot.IsMedia {
			continue
		}
		totalRecordings++

		path := row.recording.UploadFilename
		if p.UseNarration {
			path = row.recording.TextToSpeechFilename
		}
		if path == "" {
			logging.Warn().Int64("recording_id", row.recording.ID).Int64("snapshot_id", row.snapshot.ID).Msg("compiler skipped a recording with no file for the requested mode")
			continue
		}
		if _, err := c.stat(path); err != nil {
			logging.Warn().Int64("recording_id", row.recording.ID).Int64("snapshot_id", row.snapshot.ID).Str("path", path).Msg("compiler skipped a recording whose file is missing")
			continue
		}

		row.segmentPath = path
		candidates = append(candidates, row)
	}

	if p.IDKind == IDKindRecording || (p.Window == nil && len(p.IDs) > 0) {
		sortByIDOrder(candidates, p)
	}

	result := Result{TotalRecordings: totalRecordings, NumFound: len(candidates)}
	if len(candidates) == 0 {
		logging.Info().Msg("compiler could not find any recordings that match the given criteria")
		return result, nil
	}

	width, height, framerate, _, err := c.prober.VideoInfo(ctx, candidates[0].segmentPath)
	if err != nil {
		return result, fmt.Errorf("compiler: probing the template recording: %w", err)
	}

	transitionPath, transitionDuration, err := c.transition.Build(ctx,
		c.cfg.TransitionColor, time.Duration(c.cfg.TransitionDuration*float64(time.Second)), c.cfg.TransitionSFX,
		width, height, framerate)
	if err != nil {
		return result, fmt.Errorf("compiler: building the transition segment: %w", err)
	}

	compilationPath, timestampsPath, err := c.outputPaths(ctx, p, result)
	if err != nil {
		return result, fmt.Errorf("compiler: choosing output paths: %w", err)
	}
	result.CompilationPath = compilationPath
	result.TimestampsPath = timestampsPath

	if err := os.MkdirAll(c.compilationsPath, 0o755); err != nil {
		return result, fmt.Errorf("compiler: creating the compilations directory: %w", err)
	}

	segmentPaths, err := c.remuxAndWriteTimestamps(ctx, candidates, transitionPath, transitionDuration, timestampsPath, p)
	if err != nil {
		return result, err
	}

	if err := c.muxer.Concat(ctx, segmentPaths, compilationPath); err != nil {
		return result, fmt.Errorf("compiler: concatenating segments: %w", err)
	}

	if p.Window != nil {
		if err := c.recordCompilation(ctx, compilationPath, candidates); err != nil {
			return result, fmt.Errorf("compiler: recording the compilation: %w", err)
		}
	}

	return result, nil
}

func sortByIDOrder(candidates []candidate, p Params) {
	index := make(map[int64]int, len(p.IDs))
	for i, id := range p.IDs {
		index[id] = i
	}
	key := func(cd candidate) int64 {
		if p.IDKind == IDKindRecording {
			return cd.recording.ID
		}
		return cd.snapshot.ID
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return index[key(candidates[i])] < index[key(candidates[j])]
	})
}

// remuxAndWriteTimestamps remuxes every candidate to MPEG-TS, writes one
// sidecar line per recording, and returns the interleaved
// recording/transition segment list the Muxer should concatenate.
func (c *Compiler) remuxAndWriteTimestamps(ctx context.Context, candidates []candidate, transitionPath string, transitionDuration time.Duration, timestampsPath string, p Params) ([]string, error) {
	f, err := os.Create(timestampsPath)
	if err != nil {
		return nil, fmt.Errorf("creating the timestamps file: %w", err)
	}
	defer f.Close()

	var segmentPaths []string
	var currentDuration time.Duration

	for _, cd := range candidates {
		tsPath, err := c.remuxer.Remux(ctx, cd.segmentPath)
		if err != nil {
			return nil, fmt.Errorf("remuxing recording #%d: %w", cd.recording.ID, err)
		}
		segmentPaths = append(segmentPaths, tsPath, transitionPath)

		fmt.Fprintln(f, timestampLine(cd, currentDuration))

		_, _, _, segmentDuration, err := c.prober.VideoInfo(ctx, tsPath)
		if err != nil {
			return nil, fmt.Errorf("probing remuxed recording #%d: %w", cd.recording.ID, err)
		}
		currentDuration += segmentDuration + transitionDuration
	}

	fmt.Fprintln(f)
	fmt.Fprintf(f, "Duration: %s\n", formatHMS(currentDuration))
	fmt.Fprintf(f, "Total: %d\n", len(candidates))
	fmt.Fprintf(f, "Snapshots: %s\n", joinIDs(candidates, func(cd candidate) int64 { return cd.snapshot.ID }))
	fmt.Fprintf(f, "Recordings: %s\n", joinIDs(candidates, func(cd candidate) int64 { return cd.recording.ID }))
	fmt.Fprintln(f)
	if p.Window != nil {
		fmt.Fprintf(f, "Type: Published (%s to %s)\n", p.Window.Begin, p.Window.End)
	} else {
		fmt.Fprintf(f, "Type: Any %s (%s)\n", capitalize(p.IDKind.String()), rangeIdentifier(p))
	}
	fmt.Fprintf(f, "Text-to-Speech: %s\n", yesNo(p.UseNarration))
	fmt.Fprintf(f, "Transition Color: %s\n", c.cfg.TransitionColor)
	fmt.Fprintf(f, "Transition Duration: %g\n", c.cfg.TransitionDuration)
	fmt.Fprintf(f, "Transition Sfx: %s\n", c.cfg.TransitionSFX)

	return segmentPaths, nil
}

func timestampLine(cd candidate, elapsed time.Duration) string {
	parts := []string{formatHMS(elapsed), cd.snapshot.DisplayTitle()}
	if attribution := mediaAttribution(cd.snapshot); attribution != "" {
		parts = append(parts, attribution)
	}
	parts = append(parts, "("+formatShortDate(cd.snapshot.OldestTimestamp())+")")
	parts = append(parts, segmentEmojis(cd)...)
	return strings.Join(parts, " ")
}

// mediaAttribution quotes the media title and/or author for a media
// snapshot, and is empty for an ordinary page.
func mediaAttribution(s store.Snapshot) string {
	if !s.IsMedia {
		return ""
	}
	switch {
	case s.MediaTitle != "" && s.MediaAuthor != "":
		return fmt.Sprintf("%q by %q", s.MediaTitle, s.MediaAuthor)
	case s.MediaTitle != "":
		return fmt.Sprintf("%q", s.MediaTitle)
	case s.MediaAuthor != "":
		return fmt.Sprintf("By %q", s.MediaAuthor)
	default:
		return ""
	}
}

func segmentEmojis(cd candidate) []string {
	var emojis []string
	switch {
	case cd.snapshot.IsMedia:
		emojis = append(emojis, "\U0001F4C0") // dvd
	case cd.snapshot.PageUsesPlugins:
		emojis = append(emojis, "\U0001F9E9") // jigsaw piece
	}
	if cd.isSensitive {
		emojis = append(emojis, "\U0001F51E") // no one under eighteen
	}
	if cd.recording.HasAudio {
		emojis = append(emojis, "\U0001F50A") // speaker with three sound waves
	}
	emojis = append(emojis, cd.snapshot.Options.Emojis...)
	return emojis
}

func formatHMS(d time.Duration) string {
	total := int(d.Round(time.Second).Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	seconds := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", hours, minutes, seconds)
}

func formatShortDate(timestamp string) string {
	t, err := time.Parse(store.TimestampFormat, timestamp)
	if err != nil {
		return timestamp
	}
	return t.Format("Jan 2006")
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

func joinIDs(candidates []candidate, key func(candidate) int64) string {
	ids := make([]string, len(candidates))
	for i, cd := range candidates {
		ids[i] = strconv.FormatInt(key(cd), 10)
	}
	return strings.Join(ids, ",")
}

// outputPaths mirrors the original's filename-component assembly: an
// autoincrement-predicted ID prefix only for a published window, a mode
// identifier, a range identifier (the date window or a short hash of the
// ID list), a found-of-total count, and an optional narration marker.
func (c *Compiler) outputPaths(ctx context.Context, p Params, result Result) (compilationPath, timestampsPath string, err error) {
	var idIdentifier, typeIdentifier, rangeID string

	if p.Window != nil {
		id, err := c.nextCompilationID(ctx)
		if err != nil {
			return "", "", err
		}
		idIdentifier = strconv.FormatInt(id, 10)
		typeIdentifier = "published"
		rangeID = strings.NewReplacer("-", "_", " ", "_", ":", "_").Replace(p.Window.Begin) + "_to_" +
			strings.NewReplacer("-", "_", " ", "_", ":", "_").Replace(p.Window.End)
	} else {
		typeIdentifier = "any_" + p.IDKind.String()
		rangeID = rangeIdentifier(p)
	}

	totalIdentifier := fmt.Sprintf("with_%d_of_%d", result.NumFound, result.TotalRecordings)
	narrationIdentifier := ""
	if p.UseNarration {
		narrationIdentifier = "tts"
	}

	var parts []string
	for _, part := range []string{idIdentifier, typeIdentifier, rangeID, totalIdentifier, narrationIdentifier} {
		if part != "" {
			parts = append(parts, part)
		}
	}
	prefix := filepath.Join(c.compilationsPath, strings.Join(parts, "_"))
	return prefix + ".mp4", prefix + ".txt", nil
}

func rangeIdentifier(p Params) string {
	ids := make([]string, len(p.IDs))
	for i, id := range p.IDs {
		ids[i] = strconv.FormatInt(id, 10)
	}
	sum := sha256.Sum256([]byte("[" + strings.Join(ids, ", ") + "]"))
	return hex.EncodeToString(sum[:])[:6]
}

func (c *Compiler) nextCompilationID(ctx context.Context) (int64, error) {
	var id int64
	err := c.db.QueryRow(ctx, `SELECT COALESCE(MAX(id), 0) + 1 FROM compilation`).Scan(&id)
	return id, err
}

func (c *Compiler) recordCompilation(ctx context.Context, compilationPath string, candidates []candidate) error {
	return c.db.Tx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `INSERT INTO compilation (upload_filename, creation_time) VALUES (?, ?);`,
			filepath.Base(compilationPath), time.Now().UTC().Format(store.TimestampFormat))
		if err != nil {
			return fmt.Errorf("inserting compilation: %w", err)
		}
		compilationID, err := res.LastInsertId()
		if err != nil {
			return err
		}

		for i, cd := range candidates {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO recording_compilation (compilation_id, recording_id, position) VALUES (?, ?, ?);`,
				compilationID, cd.recording.ID, i+1); err != nil {
				return fmt.Errorf("inserting recording_compilation: %w", err)
			}
		}
		return nil
	})
}

const candidateColumns = `
	s.id, s.url, s.timestamp, s.last_modified_time, s.is_media, s.page_title, s.media_title, s.media_author,
	s.page_uses_plugins, s.options, s.is_sensitive,
	r.id, r.snapshot_id, r.has_audio, r.upload_filename, r.text_to_speech_filename`

func (c *Compiler) selectCandidates(ctx context.Context, p Params) ([]candidate, error) {
	var query string
	var args []interface{}

	switch {
	case p.Window != nil:
		query = fmt.Sprintf(`
			SELECT %s FROM snapshot_info s
			JOIN recording r ON r.snapshot_id = s.id
			WHERE r.publish_time >= ? AND r.publish_time < ?
			ORDER BY r.publish_time;`, candidateColumns)
		args = []interface{}{p.Window.Begin, p.Window.End}

	case p.IDKind == IDKindSnapshot:
		placeholders := placeholderList(len(p.IDs))
		query = fmt.Sprintf(`
			SELECT %s FROM snapshot_info s
			JOIN recording r ON r.snapshot_id = s.id
			JOIN (
				SELECT snapshot_id, MAX(creation_time) AS last_creation_time FROM recording GROUP BY snapshot_id
			) lcr ON r.snapshot_id = lcr.snapshot_id AND r.creation_time = lcr.last_creation_time
			WHERE s.id IN (%s);`, candidateColumns, placeholders)
		args = idArgs(p.IDs)

	default:
		placeholders := placeholderList(len(p.IDs))
		query = fmt.Sprintf(`
			SELECT %s FROM snapshot_info s
			JOIN recording r ON r.snapshot_id = s.id
			WHERE r.id IN (%s);`, candidateColumns, placeholders)
		args = idArgs(p.IDs)
	}

	rows, err := c.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		cd, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, cd)
	}
	return candidates, rows.Err()
}

func placeholderList(n int) string {
	if n == 0 {
		return "NULL"
	}
	marks := make([]string, n)
	for i := range marks {
		marks[i] = "?"
	}
	return strings.Join(marks, ",")
}

func idArgs(ids []int64) []interface{} {
	args := make([]interface{}, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return args
}

func scanCandidate(rows *sql.Rows) (candidate, error) {
	var (
		cd               candidate
		lastModifiedTime sql.NullString
		pageTitle        sql.NullString
		mediaTitle       sql.NullString
		mediaAuthor      sql.NullString
		optionsJSON      string
		ttsFilename      sql.NullString
	)

	if err := rows.Scan(
		&cd.snapshot.ID, &cd.snapshot.URL, &cd.snapshot.Timestamp, &lastModifiedTime, &cd.snapshot.IsMedia,
		&pageTitle, &mediaTitle, &mediaAuthor, &cd.snapshot.PageUsesPlugins, &optionsJSON, &cd.isSensitive,
		&cd.recording.ID, &cd.recording.SnapshotID, &cd.recording.HasAudio, &cd.recording.UploadFilename,
		&ttsFilename,
	); err != nil {
		return candidate{}, err
	}

	cd.snapshot.LastModifiedTime = lastModifiedTime.String
	cd.snapshot.PageTitle = pageTitle.String
	cd.snapshot.MediaTitle = mediaTitle.String
	cd.snapshot.MediaAuthor = mediaAuthor.String
	cd.recording.TextToSpeechFilename = ttsFilename.String

	var options store.SnapshotOptions
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &options); err != nil {
			return candidate{}, fmt.Errorf("unmarshaling snapshot options: %w", err)
		}
	}
	cd.snapshot.Options = options

	return cd, nil
}
