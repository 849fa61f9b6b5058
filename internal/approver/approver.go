// Package approver implements the sequential human-in-the-loop review
// worker (C9): for each recorded snapshot awaiting a verdict, it plays
// back the capture, asks the operator to approve/reject/re-record, and
// records the outcome.
package approver

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Player drives playback of a captured recording or its narration
// sidecar. The operator's media player is outside this module's scope;
// this is the narrow contract the approval loop needs from it.
type Player interface {
	Play(ctx context.Context, path string) error
}

// Prompter is the operator's terminal. Announce prints an informational
// line; Prompt asks a question and returns the operator's raw answer.
type Prompter interface {
	Announce(ctx context.Context, message string)
	Prompt(ctx context.Context, message string) (string, error)
}

// Approver drives one iteration of the approval loop per call to Run.
type Approver struct {
	db       *store.DB
	sel      *selector.Selector
	cfg      config.ApproveConfig
	player   Player
	prompter Prompter
	playTTS  bool
	stat     func(name string) (os.FileInfo, error)
}

// New builds an Approver. playTTS mirrors the original's "-tts" flag.
func New(db *store.DB, sel *selector.Selector, cfg config.ApproveConfig, player Player, prompter Prompter, playTTS bool) *Approver {
	return &Approver{db: db, sel: sel, cfg: cfg, player: player, prompter: prompter, playTTS: playTTS, stat: os.Stat}
}

// pendingRecording is the oldest unprocessed Recording for a snapshot.
type pendingRecording struct {
	id         int64
	uploadPath string
	ttsPath    string
}

// Run implements scheduler.Job. It is a no-op unless cfg.RequireApproval
// is set, matching the original's hard refusal to run without it.
func (a *Approver) Run(ctx context.Context, maxIterations int) (processed int, err error) {
	if !a.cfg.RequireApproval {
		return 0, nil
	}

	for processed < maxIterations {
		info, err := a.sel.ApprovePick(ctx)
		if errors.Is(err, selector.ErrNoCandidate) {
			logging.Info().Msg("approver ran out of snapshots to approve")
			break
		}
		if err != nil {
			return processed, fmt.Errorf("approver: picking next snapshot: %w", err)
		}

		rec, err := a.loadPendingRecording(ctx, info.ID)
		if err != nil {
			return processed, fmt.Errorf("approver: loading pending recording: %w", err)
		}

		if err := a.approveOne(ctx, info, rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func (a *Approver) loadPendingRecording(ctx context.Context, snapshotID int64) (pendingRecording, error) {
	var rec pendingRecording
	var ttsPath sql.NullString
	row := a.db.QueryRow(ctx, `
		SELECT id, upload_filename, text_to_speech_filename FROM recording
		WHERE snapshot_id = ? AND is_processed = 0
		ORDER BY creation_time ASC LIMIT 1`, snapshotID)
	if err := row.Scan(&rec.id, &rec.uploadPath, &ttsPath); err != nil {
		return pendingRecording{}, err
	}
	rec.ttsPath = ttsPath.String
	return rec, nil
}

// approveOne implements §4.10's per-recording interaction.
func (a *Approver) approveOne(ctx context.Context, s *store.SnapshotInfo, rec pendingRecording) error {
	a.announceSummary(ctx, s, rec)

	if _, err := a.prompter.Prompt(ctx, "Press enter to watch the recording."); err != nil {
		return fmt.Errorf("approver: reading prompt: %w", err)
	}

	if _, statErr := a.stat(rec.uploadPath); statErr != nil {
		if os.IsNotExist(statErr) {
			a.prompter.Announce(ctx, "The recording file does not exist.")
			return a.recordAgainSilently(ctx, s, rec)
		}
		return fmt.Errorf("approver: checking recording file: %w", statErr)
	}
	if err := a.player.Play(ctx, rec.uploadPath); err != nil {
		logging.Warn().Err(err).Msg("approver failed to play the recording")
	}

	if a.playTTS && rec.ttsPath != "" {
		if _, err := a.prompter.Prompt(ctx, "Press enter to listen to the text-to-speech audio file."); err != nil {
			return fmt.Errorf("approver: reading prompt: %w", err)
		}
		if err := a.player.Play(ctx, rec.ttsPath); err != nil {
			logging.Warn().Err(err).Msg("approver failed to play the narration")
		}
	}

	state, priority, isProcessed, err := a.readVerdict(ctx, s)
	if err != nil {
		return err
	}

	isSensitiveOverride, err := a.readSensitivityOverride(ctx, s)
	if err != nil {
		return err
	}

	return a.commit(ctx, s.ID, rec.id, state, priority, isProcessed, isSensitiveOverride)
}

func (a *Approver) announceSummary(ctx context.Context, s *store.SnapshotInfo, rec pendingRecording) {
	var b strings.Builder
	b.WriteString("\nApprove the following recording:\n")
	fmt.Fprintf(&b, "- Snapshot: #%d %s\n", s.ID, s.URL)
	fmt.Fprintf(&b, "- Type: %s\n", map[bool]string{true: "Media", false: "Page"}[s.IsMedia])
	fmt.Fprintf(&b, "- Title: %s\n", s.DisplayTitle())
	fmt.Fprintf(&b, "- Language: %s\n", s.PageLanguage)
	fmt.Fprintf(&b, "- Metadata: %s\n", s.DisplayMetadata())
	fmt.Fprintf(&b, "- Sensitive: %v (overridden: %v)\n", s.IsSensitive, s.IsSensitiveOverride != nil)
	fmt.Fprintf(&b, "- Uses Plugins: %v\n", s.PageUsesPlugins)
	if s.Points != nil {
		fmt.Fprintf(&b, "- Points: %v\n", *s.Points)
	}
	fmt.Fprintf(&b, "- Filename: %s\n", rec.uploadPath)
	fmt.Fprintf(&b, "- Text-to-Speech: %v\n", rec.ttsPath != "")
	a.prompter.Announce(ctx, b.String())
}

// recordAgainSilently implements the "capture file missing" branch: treat
// it exactly like an explicit "record again" verdict without prompting.
func (a *Approver) recordAgainSilently(ctx context.Context, s *store.SnapshotInfo, rec pendingRecording) error {
	priority := s.Priority
	if priority < store.RecordPriority {
		priority = store.RecordPriority
	}
	return a.commit(ctx, s.ID, rec.id, store.StateScouted, priority, true, s.IsSensitiveOverride)
}

// readVerdict loops until the operator answers y/n/r, mirroring §4.10's
// three-way verdict.
func (a *Approver) readVerdict(ctx context.Context, s *store.SnapshotInfo) (state store.State, priority int, isProcessed bool, err error) {
	for {
		answer, err := a.prompter.Prompt(ctx, "Verdict [(y)es, (n)o, (r)ecord again]: ")
		if err != nil {
			return 0, 0, false, fmt.Errorf("approver: reading verdict: %w", err)
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer == "" {
			continue
		}

		switch answer[0] {
		case 'y':
			a.prompter.Announce(ctx, "[APPROVED]")
			return store.StateApproved, s.Priority, true, nil
		case 'n':
			a.prompter.Announce(ctx, "[REJECTED]")
			return store.StateRejected, store.NoPriority, true, nil
		case 'r':
			a.prompter.Announce(ctx, "[RECORD AGAIN]")
			priority := s.Priority
			if priority < store.RecordPriority {
				priority = store.RecordPriority
			}
			return store.StateScouted, priority, true, nil
		default:
			a.prompter.Announce(ctx, fmt.Sprintf("Invalid input %q.", answer))
		}
	}
}

// readSensitivityOverride loops until the operator answers y/n/s.
func (a *Approver) readSensitivityOverride(ctx context.Context, s *store.SnapshotInfo) (*bool, error) {
	for {
		answer, err := a.prompter.Prompt(ctx, "Sensitive Override [(y)es, (n)o, (s)kip]: ")
		if err != nil {
			return nil, fmt.Errorf("approver: reading sensitivity override: %w", err)
		}
		answer = strings.ToLower(strings.TrimSpace(answer))
		if answer == "" {
			continue
		}

		yes, no := true, false
		switch answer[0] {
		case 'y':
			a.prompter.Announce(ctx, "[YES]")
			return &yes, nil
		case 'n':
			a.prompter.Announce(ctx, "[NO]")
			return &no, nil
		case 's':
			a.prompter.Announce(ctx, "[SKIPPED]")
			return s.IsSensitiveOverride, nil
		default:
			a.prompter.Announce(ctx, fmt.Sprintf("Invalid input %q.", answer))
		}
	}
}

func (a *Approver) commit(ctx context.Context, snapshotID, recordingID int64, state store.State, priority int, isProcessed bool, isSensitiveOverride *bool) error {
	return a.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET state = ?, priority = ?, is_sensitive_override = ? WHERE id = ?;`,
			state, priority, nullableBool(isSensitiveOverride), snapshotID); err != nil {
			return fmt.Errorf("updating snapshot: %w", err)
		}
		if isProcessed {
			if _, err := tx.ExecContext(ctx, `UPDATE recording SET is_processed = 1 WHERE id = ?;`, recordingID); err != nil {
				return fmt.Errorf("marking recording processed: %w", err)
			}
		}
		return nil
	})
}

func nullableBool(b *bool) interface{} {
	if b == nil {
		return nil
	}
	if *b {
		return 1
	}
	return 0
}
