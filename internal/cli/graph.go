package cli

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/joaohenggeler/wanderer-go/internal/store"
)

const snapshotColumns = `id, parent_id, depth, state, priority, is_initial, is_excluded, is_media,
	page_language, page_title, page_uses_plugins, media_extension, media_title, media_author,
	scout_time, url, timestamp, last_modified_time, url_key, digest, is_sensitive_override, options`

func scanSnapshot(row *sql.Row) (store.Snapshot, error) {
	var (
		s                   store.Snapshot
		parentID            sql.NullInt64
		pageLanguage        sql.NullString
		pageTitle           sql.NullString
		mediaExtension      sql.NullString
		mediaTitle          sql.NullString
		mediaAuthor         sql.NullString
		scoutTime           sql.NullString
		lastModifiedTime    sql.NullString
		digest              sql.NullString
		isSensitiveOverride sql.NullBool
		optionsJSON         string
	)

	err := row.Scan(
		&s.ID, &parentID, &s.Depth, &s.State, &s.Priority, &s.IsInitial, &s.IsExcluded, &s.IsMedia,
		&pageLanguage, &pageTitle, &s.PageUsesPlugins, &mediaExtension, &mediaTitle, &mediaAuthor,
		&scoutTime, &s.URL, &s.Timestamp, &lastModifiedTime, &s.URLKey, &digest, &isSensitiveOverride, &optionsJSON,
	)
	if err != nil {
		return store.Snapshot{}, err
	}

	if parentID.Valid {
		s.ParentID = &parentID.Int64
	}
	s.PageLanguage = pageLanguage.String
	s.PageTitle = pageTitle.String
	s.MediaExtension = mediaExtension.String
	s.MediaTitle = mediaTitle.String
	s.MediaAuthor = mediaAuthor.String
	s.LastModifiedTime = lastModifiedTime.String
	s.Digest = digest.String
	if isSensitiveOverride.Valid {
		s.IsSensitiveOverride = &isSensitiveOverride.Bool
	}
	if optionsJSON != "" {
		if err := json.Unmarshal([]byte(optionsJSON), &s.Options); err != nil {
			return store.Snapshot{}, fmt.Errorf("decoding snapshot options: %w", err)
		}
	}
	return s, nil
}

// Trace walks the parent_id chain from id back to an initial page and
// writes each hop, oldest first, matching -trace's breadcrumb report.
func Trace(ctx context.Context, db *store.DB, id int64, w io.Writer) error {
	var chain []store.Snapshot
	nextID := &id

	for nextID != nil {
		row := db.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM snapshot WHERE id = ?;`, snapshotColumns), *nextID)
		snapshot, err := scanSnapshot(row)
		if errors.Is(err, sql.ErrNoRows) {
			fmt.Fprintf(w, "Could not find snapshot #%d.\n", *nextID)
			break
		}
		if err != nil {
			return fmt.Errorf("graph: tracing snapshot #%d: %w", *nextID, err)
		}
		chain = append(chain, snapshot)
		nextID = snapshot.ParentID
	}

	if len(chain) > 0 {
		fmt.Fprintf(w, "Snapshot #%d Trace:\n", id)
	}
	for i := len(chain) - 1; i >= 0; i-- {
		s := chain[i]
		fmt.Fprintf(w, "[%d] #%d %s\n", s.Depth, s.ID, s.DisplayMetadata())
	}
	return nil
}

// NextPublish lists the next limit snapshots the publish worker would
// pick, in the same priority/creation-time order PublishPick uses, or
// every one of them when limit is negative. This is a read-only preview:
// it never mutates snapshot state, unlike an actual publish run.
func NextPublish(ctx context.Context, db *store.DB, requireApproval bool, limit int, w io.Writer) error {
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_info
		WHERE (state = ? OR (state = ? AND ? = 0))
			AND EXISTS (SELECT 1 FROM recording r WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0)
		ORDER BY priority DESC, (
			SELECT MIN(r.creation_time) FROM recording r
			WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0
		) ASC`, snapshotColumns)

	args := []any{store.StateApproved, store.StateRecorded, boolToInt(requireApproval)}
	if limit >= 0 {
		query += " LIMIT ?;"
		args = append(args, limit)
	} else {
		query += ";"
	}

	rows, err := db.Query(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("graph: listing next publish candidates: %w", err)
	}
	defer rows.Close()

	var snapshots []store.Snapshot
	for rows.Next() {
		var (
			s                   store.Snapshot
			parentID            sql.NullInt64
			pageLanguage        sql.NullString
			pageTitle           sql.NullString
			mediaExtension      sql.NullString
			mediaTitle          sql.NullString
			mediaAuthor         sql.NullString
			scoutTime           sql.NullString
			lastModifiedTime    sql.NullString
			digest              sql.NullString
			isSensitiveOverride sql.NullBool
			optionsJSON         string
		)
		if err := rows.Scan(
			&s.ID, &parentID, &s.Depth, &s.State, &s.Priority, &s.IsInitial, &s.IsExcluded, &s.IsMedia,
			&pageLanguage, &pageTitle, &s.PageUsesPlugins, &mediaExtension, &mediaTitle, &mediaAuthor,
			&scoutTime, &s.URL, &s.Timestamp, &lastModifiedTime, &s.URLKey, &digest, &isSensitiveOverride, &optionsJSON,
		); err != nil {
			return fmt.Errorf("graph: scanning publish candidate: %w", err)
		}
		if parentID.Valid {
			s.ParentID = &parentID.Int64
		}
		s.PageLanguage = pageLanguage.String
		s.PageTitle = pageTitle.String
		s.MediaExtension = mediaExtension.String
		s.MediaTitle = mediaTitle.String
		s.MediaAuthor = mediaAuthor.String
		s.LastModifiedTime = lastModifiedTime.String
		s.Digest = digest.String
		if isSensitiveOverride.Valid {
			s.IsSensitiveOverride = &isSensitiveOverride.Bool
		}
		if optionsJSON != "" {
			if err := json.Unmarshal([]byte(optionsJSON), &s.Options); err != nil {
				return fmt.Errorf("graph: decoding snapshot options: %w", err)
			}
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("graph: iterating publish candidates: %w", err)
	}

	if len(snapshots) == 0 {
		fmt.Fprintln(w, "No snapshots to publish.")
		return nil
	}

	fmt.Fprintf(w, "Next %d Snapshots:\n", len(snapshots))
	for i, s := range snapshots {
		fmt.Fprintf(w, "[%d] #%d %s (priority = %s, options = %+v)\n", i+1, s.ID, s.DisplayMetadata(), store.PriorityName(s.Priority), s.Options)
	}
	return nil
}
