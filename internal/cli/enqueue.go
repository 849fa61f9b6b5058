package cli

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// PriorityName is one of the three named priorities enqueue accepts,
// matching the original tool's positional `priority_name` argument.
type PriorityName string

const (
	PriorityScout   PriorityName = "scout"
	PriorityRecord  PriorityName = "record"
	PriorityPublish PriorityName = "publish"
)

func (p PriorityName) value() (int, error) {
	switch p {
	case PriorityScout:
		return store.ScoutPriority, nil
	case PriorityRecord:
		return store.RecordPriority, nil
	case PriorityPublish:
		return store.PublishPriority, nil
	default:
		return 0, fmt.Errorf("enqueue: unknown priority name %q", p)
	}
}

// Enqueue adds or bumps the priority of a snapshot at (url, timestamp),
// resolving it through archive to its canonical capture first. timestamp
// may be empty only when url already names a capture the caller has
// otherwise identified out of band; archiveclient.FindBest still expects
// an anchor timestamp, so an empty timestamp is only valid when the
// caller substitutes one (e.g. parsed from a wayback snapshot URL)
// before calling Enqueue.
func Enqueue(ctx context.Context, db *store.DB, archive *archiveclient.Client, priorityName PriorityName, timestamp, targetURL string) (string, error) {
	priority, err := priorityName.value()
	if err != nil {
		return "", err
	}

	best, err := archive.FindBest(ctx, timestamp, targetURL)
	if err != nil {
		return "", fmt.Errorf("could not find a snapshot at %q near %s: %w", targetURL, timestamp, err)
	}

	snapshotURL := archive.SnapshotURL(best.Timestamp, store.ModifierIdentity, best.Original)
	lastModified, err := archive.Enrich(ctx, snapshotURL)
	if err != nil {
		lastModified = ""
	}

	firstState := store.StateQueued
	if best.IsMedia {
		firstState = store.StateScouted
	}
	// Media files shouldn't be scouted.
	if best.IsMedia && priorityName == PriorityScout {
		priority = store.NoPriority
	}

	var message string
	err = db.Tx(ctx, func(tx *sql.Tx) error {
		res, insertErr := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO snapshot (depth, state, priority, is_media, media_extension, scout_time, url, timestamp, last_modified_time, url_key, digest)
			VALUES (0, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
			firstState, priority, boolToInt(best.IsMedia), nullableString(best.MediaExtension),
			scoutTimeFor(best.IsMedia), best.Original, best.Timestamp, nullableString(lastModified), best.URLKey, nullableString(best.Digest))
		if insertErr != nil {
			return fmt.Errorf("inserting snapshot: %w", insertErr)
		}

		snapshotType := "web page"
		if best.IsMedia {
			snapshotType = "media file"
		}

		if n, _ := res.RowsAffected(); n > 0 {
			message = fmt.Sprintf("Added the %s snapshot (%s, %s) with the %s priority.", snapshotType, best.Original, best.Timestamp, priorityName)
			if firstState == store.StateQueued && (priorityName == PriorityRecord || priorityName == PriorityPublish) {
				message += "\nThe snapshot must be scouted before it can be recorded."
			}
			return nil
		}

		// A (url, timestamp) conflict: fetch the existing row and bump it
		// instead, following the same state/priority merge rules as a
		// fresh insert so a repeated enqueue is always safe.
		var existing store.Snapshot
		row := tx.QueryRowContext(ctx, `SELECT id, state, priority, is_media FROM snapshot WHERE url = ? AND timestamp = ?;`, best.Original, best.Timestamp)
		if scanErr := row.Scan(&existing.ID, &existing.State, &existing.Priority, &existing.IsMedia); scanErr != nil {
			if errors.Is(scanErr, sql.ErrNoRows) {
				message = fmt.Sprintf("Could not add or update the snapshot (%s, %s) since another one with the same digest but different URL and timestamp values already exists.", best.Original, best.Timestamp)
				return nil
			}
			return fmt.Errorf("looking up conflicting snapshot: %w", scanErr)
		}

		newPriority := priority
		if existing.Priority > newPriority {
			newPriority = existing.Priority
		}

		var newState store.State
		switch priorityName {
		case PriorityScout:
			newState = firstState
		case PriorityRecord:
			if existing.State >= store.StateScouted {
				newState = store.StateScouted
			} else {
				newState = firstState
			}
		case PriorityPublish:
			switch {
			case existing.State >= store.StateRecorded:
				newState = store.StateRecorded
			case existing.State >= store.StateScouted:
				newState = store.StateScouted
			default:
				newState = firstState
			}
		}

		if _, updateErr := tx.ExecContext(ctx, `UPDATE snapshot SET state = ?, priority = ? WHERE id = ?;`, newState, newPriority, existing.ID); updateErr != nil {
			return fmt.Errorf("updating existing snapshot: %w", updateErr)
		}

		snapshotType = "web page"
		if existing.IsMedia {
			snapshotType = "media file"
		}
		message = fmt.Sprintf("Updated the %s snapshot (#%d, %s, %s) to the %s priority.", snapshotType, existing.ID, best.Original, best.Timestamp, priorityName)
		if newState == store.StateQueued && (priorityName == PriorityRecord || priorityName == PriorityPublish) {
			message += "\nThe snapshot must be scouted before it can be recorded."
		}
		return nil
	})
	if err != nil {
		return "", err
	}
	return message, nil
}

func scoutTimeFor(isMedia bool) any {
	if !isMedia {
		return nil
	}
	return time.Now().UTC().Format(store.TimestampFormat)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
