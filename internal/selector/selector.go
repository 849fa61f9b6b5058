// Package selector implements the four parameterized picks each standing
// worker uses to claim its next unit of work (C5): Scout, Record, Publish,
// and Approve. Every pick returns at most one row per call; callers loop
// until a pick comes back empty.
package selector

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// ErrNoCandidate is returned by a pick when nothing currently qualifies.
var ErrNoCandidate = errors.New("selector: no candidate")

// querier is the subset of *store.DB a Selector needs, narrow enough to
// stub in tests against a bare *sql.DB wrapper.
type querier interface {
	QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Selector evaluates the four picks against the store.
type Selector struct {
	db  querier
	cfg config.SelectorConfig
}

func New(db *store.DB, cfg config.SelectorConfig) *Selector {
	return &Selector{db: db, cfg: cfg}
}

const snapshotInfoColumns = `id, parent_id, depth, state, priority, is_initial, is_excluded, is_media,
	page_language, page_title, page_uses_plugins, media_extension, media_title, media_author,
	scout_time, url, timestamp, last_modified_time, url_key, digest, is_sensitive_override, options,
	points, is_sensitive, oldest_year, url_host`

// scanInfo scans a row shaped by snapshotInfoColumns from the snapshot_info view.
func scanInfo(row *sql.Row) (*store.SnapshotInfo, error) {
	var (
		info                store.SnapshotInfo
		parentID            sql.NullInt64
		pageLanguage        sql.NullString
		pageTitle           sql.NullString
		mediaExtension      sql.NullString
		mediaTitle          sql.NullString
		mediaAuthor         sql.NullString
		scoutTime           sql.NullTime
		lastModifiedTime    sql.NullString
		digest              sql.NullString
		isSensitiveOverride sql.NullBool
		optionsJSON         string
		points              sql.NullFloat64
	)

	err := row.Scan(
		&info.ID, &parentID, &info.Depth, &info.State, &info.Priority, &info.IsInitial, &info.IsExcluded, &info.IsMedia,
		&pageLanguage, &pageTitle, &info.PageUsesPlugins, &mediaExtension, &mediaTitle, &mediaAuthor,
		&scoutTime, &info.URL, &info.Timestamp, &lastModifiedTime, &info.URLKey, &digest, &isSensitiveOverride, &optionsJSON,
		&points, &info.IsSensitive, &info.OldestYear, &info.URLHost,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoCandidate
	}
	if err != nil {
		return nil, err
	}

	if parentID.Valid {
		info.ParentID = &parentID.Int64
	}
	info.PageLanguage = pageLanguage.String
	info.PageTitle = pageTitle.String
	info.MediaExtension = mediaExtension.String
	info.MediaTitle = mediaTitle.String
	info.MediaAuthor = mediaAuthor.String
	if scoutTime.Valid {
		info.ScoutTime = &scoutTime.Time
	}
	info.LastModifiedTime = lastModifiedTime.String
	info.Digest = digest.String
	if isSensitiveOverride.Valid {
		info.IsSensitiveOverride = &isSensitiveOverride.Bool
	}
	if points.Valid {
		info.Points = &points.Float64
	}
	if err := json.Unmarshal([]byte(optionsJSON), &info.Options); err != nil {
		return nil, fmt.Errorf("selector: decoding snapshot options: %w", err)
	}
	return &info, nil
}

// depthStepExpr scores depth so that links up to maxRequiredDepth are
// preferred over deeper ones, without discarding deeper candidates
// entirely: the scalar MIN(depth, maxRequiredDepth), sorted ascending, so
// it composes with ORDER BY.
func depthStepExpr(maxRequiredDepth int) string {
	return fmt.Sprintf("MIN(depth, %d)", maxRequiredDepth)
}

// ScoutPick selects the next QUEUED snapshot for the scout worker.
func (s *Selector) ScoutPick(ctx context.Context) (*store.SnapshotInfo, error) {
	w := newWhereBuilder().
		addClause("state = ?", store.StateQueued).
		addClause("is_media = 0").
		addClause("is_excluded = 0").
		addClause("is_url_key_allowed(url_key) = 1").
		addIf(s.cfg.MaxDepth > 0, "depth <= ?", s.cfg.MaxDepth).
		addIf(s.cfg.MinYear > 0, "oldest_year >= ?", s.cfg.MinYear).
		addIf(s.cfg.MaxYear > 0, "oldest_year <= ?", s.cfg.MaxYear)

	clause, args := w.build()
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_info
		WHERE %s
		ORDER BY priority DESC, %s ASC, rank_snapshot_by_points(points, ?) DESC
		LIMIT 1`,
		snapshotInfoColumns, clause, depthStepExpr(s.cfg.MaxRequiredDepth))

	args = append(args, s.cfg.RankOffset)
	return scanInfo(s.db.QueryRow(ctx, query, args...))
}

// RecordPick selects the next snapshot for the record worker.
func (s *Selector) RecordPick(ctx context.Context) (*store.SnapshotInfo, error) {
	w := newWhereBuilder().
		addClause(`(
			state = ? OR (
				state = ? AND (
					priority >= ? OR
					CAST(julianday('now') - julianday(
						(SELECT MAX(r.publish_time) FROM recording r
						 JOIN snapshot s2 ON s2.id = r.snapshot_id
						 WHERE s2.url = snapshot_info.url AND r.publish_time IS NOT NULL)
					) AS INTEGER) >= ?
				)
			)
		)`, store.StateScouted, store.StatePublished, store.ScoutPriority, s.cfg.MinPublishDaysForSameURL).
		addIf(len(s.cfg.AllowedMediaExtensions) > 0,
			"(is_media = 0 OR media_extension IN ("+placeholders(len(s.cfg.AllowedMediaExtensions))+"))",
			toArgs(s.cfg.AllowedMediaExtensions)...).
		addClause(`(priority >= ? OR (
			is_url_key_allowed(url_key) = 1 AND
			is_sensitive = 0 AND
			(
				SELECT COUNT(*) FROM snapshot s3
				JOIN recording r3 ON r3.snapshot_id = s3.id
				WHERE s3.url_key LIKE snapshot_info.url_host || '%' AND r3.creation_time >= datetime('now', '-1 day')
			) <= ?
		))`, store.ScoutPriority, s.cfg.MinRecordingsForSameHost)

	clause, args := w.build()
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_info
		WHERE %s
		ORDER BY priority DESC, rank_snapshot_by_points(points, ?) DESC
		LIMIT 1`,
		snapshotInfoColumns, clause)

	args = append(args, s.cfg.RankOffset)
	return scanInfo(s.db.QueryRow(ctx, query, args...))
}

// PublishPick selects the next approved (or auto-approved) snapshot with an
// unprocessed Recording for the publish worker.
func (s *Selector) PublishPick(ctx context.Context, requireApproval bool) (*store.SnapshotInfo, error) {
	w := newWhereBuilder().addClause(`(
		state = ? OR (state = ? AND ? = 0)
	)`, store.StateApproved, store.StateRecorded, boolToInt(requireApproval))

	clause, args := w.build()
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_info
		WHERE %s AND EXISTS (
			SELECT 1 FROM recording r WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0
		)
		ORDER BY priority DESC, (
			SELECT MIN(r.creation_time) FROM recording r
			WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0
		) ASC
		LIMIT 1`,
		snapshotInfoColumns, clause)

	return scanInfo(s.db.QueryRow(ctx, query, args...))
}

// ApprovePick selects the next recorded snapshot awaiting human approval.
func (s *Selector) ApprovePick(ctx context.Context) (*store.SnapshotInfo, error) {
	query := fmt.Sprintf(`
		SELECT %s FROM snapshot_info
		WHERE state = ? AND EXISTS (
			SELECT 1 FROM recording r WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0
		)
		ORDER BY priority DESC, (
			SELECT MIN(r.creation_time) FROM recording r
			WHERE r.snapshot_id = snapshot_info.id AND r.is_processed = 0
		) ASC
		LIMIT 1`,
		snapshotInfoColumns)

	return scanInfo(s.db.QueryRow(ctx, query, store.StateRecorded))
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	out := "?"
	for i := 1; i < n; i++ {
		out += ", ?"
	}
	return out
}

func toArgs(values []string) []interface{} {
	args := make([]interface{}, len(values))
	for i, v := range values {
		args[i] = v
	}
	return args
}
