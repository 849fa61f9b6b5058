package statusserver

import (
	"context"
	"fmt"

	"github.com/joaohenggeler/wanderer-go/internal/rategate"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Stats is the aggregate snapshot of pipeline progress returned by both
// the `stats` CLI subcommand and the /stats HTTP endpoint — one query
// path shared by both surfaces so they can never drift apart.
type Stats struct {
	SnapshotsByState map[string]int64 `json:"snapshots_by_state"`
	RecordingCount   int64            `json:"recording_count"`
	CompilationCount int64            `json:"compilation_count"`
	RateGate         RateGateStats    `json:"rate_gate"`
}

// RateGateStats reports how close each moving-window limiter is to its
// ceiling, as a remaining-slot count — not a utilization fraction, since
// the ceiling itself is dynamic across a window's lifetime.
type RateGateStats struct {
	ArchiveRemaining int64 `json:"archive_remaining"`
	CDXRemaining     int64 `json:"cdx_remaining"`
	SaveRemaining    int64 `json:"save_remaining"`
}

// CollectStats runs the read-only queries behind Stats against db, then
// folds in the live rate-gate remaining counts from gate. gate may be
// nil, in which case RateGate is left zeroed.
func CollectStats(ctx context.Context, db *store.DB, gate *rategate.Gate) (Stats, error) {
	stats := Stats{SnapshotsByState: make(map[string]int64, 9)}

	if gate != nil {
		stats.RateGate = RateGateStats{
			ArchiveRemaining: gate.Remaining(rategate.Archive),
			CDXRemaining:     gate.Remaining(rategate.CDX),
			SaveRemaining:    gate.Remaining(rategate.Save),
		}
	}

	rows, err := db.Query(ctx, `SELECT state, COUNT(*) FROM snapshot GROUP BY state`)
	if err != nil {
		return stats, fmt.Errorf("counting snapshots by state: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var state int
		var count int64
		if err := rows.Scan(&state, &count); err != nil {
			return stats, fmt.Errorf("scanning state count: %w", err)
		}
		stats.SnapshotsByState[store.State(state).String()] = count
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("iterating state counts: %w", err)
	}

	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM recording`).Scan(&stats.RecordingCount); err != nil {
		return stats, fmt.Errorf("counting recordings: %w", err)
	}
	if err := db.QueryRow(ctx, `SELECT COUNT(*) FROM compilation`).Scan(&stats.CompilationCount); err != nil {
		return stats, fmt.Errorf("counting compilations: %w", err)
	}

	return stats, nil
}
