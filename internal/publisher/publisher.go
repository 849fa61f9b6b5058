// Package publisher implements the cron-scheduled batch publish worker
// (C10): for each approved snapshot with an unprocessed recording, it
// posts the capture to every enabled social-network target and records
// the outcome.
package publisher

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Target posts one capture, and optionally a chained reply, to a single
// social network. The actual API client for a backend lives outside this
// module; this is the narrow contract the publish loop needs from it.
type Target interface {
	// Name must match the PublishTargetConfig.Name it is registered under.
	Name() string
	// Publish uploads path and posts it as a new status, returning the
	// platform's identifier for the resulting post.
	Publish(ctx context.Context, path, text, altText string, sensitive bool) (statusID string, err error)
	// PublishReply posts path as a reply chained to inReplyTo.
	PublishReply(ctx context.Context, inReplyTo, path, text, altText string, sensitive bool) (statusID string, err error)
}

// Transcoder shrinks a video ahead of a size-capped upload. A nil
// Transcoder means an oversized capture is skipped rather than reduced.
type Transcoder interface {
	Reduce(ctx context.Context, path string, maxBytes int64) (reducedPath string, err error)
}

// Segmenter splits a narration file into chunks no longer than
// segmentSeconds, used when a platform caps video length.
type Segmenter interface {
	Split(ctx context.Context, path string, segmentSeconds int) (segmentPaths []string, err error)
}

// Prober reports a media file's duration.
type Prober interface {
	Duration(ctx context.Context, path string) (time.Duration, error)
}

// Publisher drives one iteration of the publish loop per call to Run.
type Publisher struct {
	db              *store.DB
	sel             *selector.Selector
	archive         *archiveclient.Client
	cfg             config.PublishConfig
	requireApproval bool
	targets         map[string]Target
	transcoder      Transcoder
	segmenter       Segmenter
	prober          Prober
	apiWait         time.Duration

	fileSize func(path string) (int64, error)
	remove   func(path string) error
	now      func() time.Time
}

// New builds a Publisher. requireApproval mirrors ApproveConfig and
// widens PublishPick's eligibility the same way the original does when
// approval is turned off entirely.
func New(db *store.DB, sel *selector.Selector, archive *archiveclient.Client, cfg config.PublishConfig, requireApproval bool, targets []Target, transcoder Transcoder, segmenter Segmenter, prober Prober) *Publisher {
	targetMap := make(map[string]Target, len(targets))
	for _, t := range targets {
		targetMap[t.Name()] = t
	}
	return &Publisher{
		db:              db,
		sel:             sel,
		archive:         archive,
		cfg:             cfg,
		requireApproval: requireApproval,
		targets:         targetMap,
		transcoder:      transcoder,
		segmenter:       segmenter,
		prober:          prober,
		apiWait:         time.Duration(cfg.APIWaitSeconds * float64(time.Second)),
		fileSize:        defaultFileSize,
		remove:          os.Remove,
		now:             time.Now,
	}
}

func defaultFileSize(path string) (int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// pendingRecording is the latest unprocessed Recording for a snapshot.
type pendingRecording struct {
	id          int64
	uploadPath  string
	archivePath string
	ttsPath     string
}

// Run implements scheduler.Job.
func (p *Publisher) Run(ctx context.Context, maxIterations int) (processed int, err error) {
	for processed < maxIterations {
		info, err := p.sel.PublishPick(ctx, p.requireApproval)
		if errors.Is(err, selector.ErrNoCandidate) {
			logging.Info().Msg("publisher ran out of snapshots to publish")
			break
		}
		if err != nil {
			return processed, fmt.Errorf("publisher: picking next snapshot: %w", err)
		}

		rec, err := p.latestUnprocessedRecording(ctx, info.ID)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return processed, fmt.Errorf("publisher: loading latest recording: %w", err)
		}

		if err := p.publishOne(ctx, info, rec); err != nil {
			return processed, err
		}
		processed++

		if p.apiWait > 0 {
			time.Sleep(p.apiWait)
		}
	}
	return processed, nil
}

// latestUnprocessedRecording implements the "latest recording per
// snapshot" dedup §4.11 calls critical: the same snapshot may have
// several unprocessed recordings (re-recorded after a rejection, say),
// and only the most recent one should ever be published.
func (p *Publisher) latestUnprocessedRecording(ctx context.Context, snapshotID int64) (pendingRecording, error) {
	var rec pendingRecording
	var archiveFilename, ttsFilename sql.NullString
	row := p.db.QueryRow(ctx, `
		SELECT id, upload_filename, archive_filename, text_to_speech_filename FROM recording
		WHERE snapshot_id = ? AND is_processed = 0
		ORDER BY creation_time DESC LIMIT 1`, snapshotID)
	if err := row.Scan(&rec.id, &rec.uploadPath, &archiveFilename, &ttsFilename); err != nil {
		return pendingRecording{}, err
	}
	rec.archivePath = archiveFilename.String
	rec.ttsPath = ttsFilename.String
	return rec, nil
}

// publishOne implements §4.11's per-recording publication. A failure
// posting to one target is logged and skipped; it never fails the batch.
// When no target accepts the post, nothing is committed or deleted and the
// recording stays unprocessed, so a later pick offers it again.
func (p *Publisher) publishOne(ctx context.Context, s *store.SnapshotInfo, rec pendingRecording) error {
	body := p.composeBody(s)
	altText := captureAltText(s)
	sensitive := p.cfg.FlagSensitiveSnapshots && s.IsSensitive

	results := make(map[string]string)
	for _, tc := range p.cfg.Targets {
		if !tc.Enabled {
			continue
		}
		target, ok := p.targets[tc.Name]
		if !ok {
			continue
		}

		path, err := p.prepareUpload(ctx, rec.uploadPath, tc)
		if err != nil {
			logging.Warn().Str("target", tc.Name).Err(err).Msg("publisher skipped a target whose size cap the capture could not meet")
			continue
		}

		text := composeStatus(s.DisplayTitle(), body, tc.TitleBudget)
		statusID, err := target.Publish(ctx, path, text, altText, sensitive)
		if err != nil {
			logging.Warn().Str("target", tc.Name).Err(err).Msg("publisher failed to post to a target")
			continue
		}
		results[tc.Name] = statusID

		if p.cfg.ReplyWithTextToSpeech && rec.ttsPath != "" {
			if err := p.replyWithNarration(ctx, target, tc, rec.ttsPath, statusID, s, sensitive); err != nil {
				logging.Warn().Str("target", tc.Name).Err(err).Msg("publisher failed to post the narration reply")
			}
		}
	}

	if len(results) == 0 {
		logging.Warn().Int64("snapshot_id", s.ID).Int64("recording_id", rec.id).Msg("publisher could not post the recording to any target; leaving it unprocessed")
		return nil
	}

	if p.cfg.DeleteFilesAfterUpload {
		p.deleteFile(rec.uploadPath)
		p.deleteFile(rec.archivePath)
		p.deleteFile(rec.ttsPath)
	}

	return p.commit(ctx, s.ID, rec.id, s.Priority, results)
}

func (p *Publisher) deleteFile(path string) {
	if path == "" {
		return
	}
	if err := p.remove(path); err != nil && !os.IsNotExist(err) {
		logging.Warn().Str("path", path).Err(err).Msg("publisher failed to delete a file after upload")
	}
}

// composeBody builds the status body shared across targets: optional
// display metadata, the short date, the wayback URL, and an optional
// plugin-use marker.
func (p *Publisher) composeBody(s *store.SnapshotInfo) string {
	var lines []string
	if p.cfg.ShowMediaMetadata {
		lines = append(lines, s.DisplayMetadata())
	}
	lines = append(lines, formatShortDate(s.OldestTimestamp()))
	lines = append(lines, p.archive.SnapshotURL(s.Timestamp, waybackModifier(s.IsMedia), s.URL))
	if s.IsMedia || s.PageUsesPlugins {
		lines = append(lines, "\U0001F9E9")
	}
	return strings.Join(lines, "\n")
}

// waybackModifier picks the public-facing link style: the original
// embeds standalone media with the object/embed modifier and everything
// else with the iframe modifier, unlike the recorder's capture pass,
// which always uses the iframe modifier regardless of media type.
func waybackModifier(isMedia bool) string {
	if isMedia {
		return store.ModifierOriginal
	}
	return store.ModifierIframe
}

func formatShortDate(timestamp string) string {
	t, err := time.Parse(store.TimestampFormat, timestamp)
	if err != nil {
		return timestamp
	}
	return t.Format("Jan 2006")
}

func captureAltText(s *store.SnapshotInfo) string {
	kind := "web page"
	if s.IsMedia {
		kind = "media file"
	}
	longDate := s.OldestTimestamp()
	if t, err := time.Parse(store.TimestampFormat, s.OldestTimestamp()); err == nil {
		longDate = t.Format("January 2006")
	}
	return fmt.Sprintf("The %s %q as seen on %s via the Wayback Machine.", kind, s.URL, longDate)
}

// composeStatus truncates title to whatever room is left after body and a
// separating newline, max(budget-len(body)-1, 0).
func composeStatus(title, body string, budget int) string {
	maxTitle := budget - len(body) - 1
	if maxTitle < 0 {
		maxTitle = 0
	}
	title = truncateRunes(title, maxTitle)
	if title == "" {
		return body
	}
	return title + "\n" + body
}

func truncateRunes(s string, n int) string {
	if n <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// prepareUpload returns a path that fits tc's size cap, transcoding it
// down first if a Transcoder is configured and the original is too big.
func (p *Publisher) prepareUpload(ctx context.Context, path string, tc config.PublishTargetConfig) (string, error) {
	if tc.MaxVideoBytes <= 0 {
		return path, nil
	}

	size, err := p.fileSize(path)
	if err != nil {
		return "", fmt.Errorf("statting capture: %w", err)
	}
	if size <= tc.MaxVideoBytes {
		return path, nil
	}
	if p.transcoder == nil {
		return "", fmt.Errorf("capture is %d bytes, over the %d byte cap", size, tc.MaxVideoBytes)
	}

	reduced, err := p.transcoder.Reduce(ctx, path, tc.MaxVideoBytes)
	if err != nil {
		return "", fmt.Errorf("reducing capture below the byte cap: %w", err)
	}
	size, err = p.fileSize(reduced)
	if err != nil {
		return "", fmt.Errorf("statting reduced capture: %w", err)
	}
	if size > tc.MaxVideoBytes {
		return "", fmt.Errorf("capture is still %d bytes after transcoding, over the %d byte cap", size, tc.MaxVideoBytes)
	}
	return reduced, nil
}

// replyWithNarration optionally splits the narration file into segments
// no longer than the platform's video-length cap, then posts them as a
// chain of replies under rootStatusID.
func (p *Publisher) replyWithNarration(ctx context.Context, target Target, tc config.PublishTargetConfig, ttsPath, rootStatusID string, s *store.SnapshotInfo, sensitive bool) error {
	segments := []string{ttsPath}

	if p.prober != nil && tc.MaxVideoSecs > 0 {
		duration, err := p.prober.Duration(ctx, ttsPath)
		if err == nil && duration > time.Duration(tc.MaxVideoSecs)*time.Second {
			if p.segmenter == nil {
				return fmt.Errorf("narration exceeds %s's video length cap and no segmenter is configured", tc.Name)
			}
			segmentSeconds := p.cfg.NarrationSegmentSeconds
			if segmentSeconds <= 0 {
				segmentSeconds = tc.MaxVideoSecs
			}
			split, err := p.segmenter.Split(ctx, ttsPath, segmentSeconds)
			if err != nil {
				return fmt.Errorf("splitting narration: %w", err)
			}
			segments = split
		}
	}

	if max := p.cfg.MaxNarrationSegments; max > 0 && len(segments) > max {
		logging.Warn().Str("target", tc.Name).Int("segments", len(segments)).Msg("publisher skipped the narration reply because it needed too many segments")
		return nil
	}

	altText := narrationAltText(s)
	lastID := rootStatusID
	for i, seg := range segments {
		text := narrationBody(s, i, len(segments))
		id, err := target.PublishReply(ctx, lastID, seg, text, altText, sensitive)
		if err != nil {
			return fmt.Errorf("posting narration segment %d/%d: %w", i+1, len(segments), err)
		}
		lastID = id
	}
	return nil
}

func narrationAltText(s *store.SnapshotInfo) string {
	if s.PageLanguage != "" {
		return fmt.Sprintf("Text-to-Speech (%s)", s.PageLanguage)
	}
	return "Text-to-Speech"
}

func narrationBody(s *store.SnapshotInfo, index, total int) string {
	body := narrationAltText(s)
	if total > 1 {
		body = fmt.Sprintf("%s\n%d of %d", body, index+1, total)
	}
	return body
}

// commit marks the winning recording processed along with every sibling
// recording for the same snapshot, clears a PUBLISH-bucket priority, and
// advances the snapshot to PUBLISHED.
func (p *Publisher) commit(ctx context.Context, snapshotID, recordingID int64, priority int, results map[string]string) error {
	return p.db.Tx(ctx, func(tx *sql.Tx) error {
		newPriority := priority
		if priority == store.PublishPriority {
			newPriority = store.NoPriority
		}
		if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET state = ?, priority = ? WHERE id = ?;`,
			store.StatePublished, newPriority, snapshotID); err != nil {
			return fmt.Errorf("updating snapshot: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE recording SET is_processed = 1, publish_time = ?, twitter_id = ?, mastodon_id = ?
			WHERE id = ?;`,
			p.now().UTC().Format(store.TimestampFormat), nullableString(results["twitter"]), nullableString(results["mastodon"]), recordingID); err != nil {
			return fmt.Errorf("updating recording: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `UPDATE recording SET is_processed = 1 WHERE snapshot_id = ?;`, snapshotID); err != nil {
			return fmt.Errorf("marking sibling recordings processed: %w", err)
		}
		return nil
	})
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
