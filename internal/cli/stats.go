package cli

import (
	"context"
	"fmt"
	"io"
	"sort"

	jsonCodec "github.com/goccy/go-json"

	"github.com/joaohenggeler/wanderer-go/internal/rategate"
	"github.com/joaohenggeler/wanderer-go/internal/statusserver"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Stats reports pipeline progress through the same query path the
// statusserver /stats endpoint uses, as either a human-readable report
// or JSON depending on asJSON.
func Stats(ctx context.Context, db *store.DB, gate *rategate.Gate, asJSON bool, w io.Writer) error {
	stats, err := statusserver.CollectStats(ctx, db, gate)
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}

	if asJSON {
		enc := jsonCodec.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(stats)
	}

	states := make([]string, 0, len(stats.SnapshotsByState))
	for state := range stats.SnapshotsByState {
		states = append(states, state)
	}
	sort.Strings(states)

	fmt.Fprintln(w, "Snapshots by state:")
	for _, state := range states {
		fmt.Fprintf(w, "  %-10s %d\n", state, stats.SnapshotsByState[state])
	}
	fmt.Fprintf(w, "Recordings: %d\n", stats.RecordingCount)
	fmt.Fprintf(w, "Compilations: %d\n", stats.CompilationCount)
	fmt.Fprintf(w, "Rate gate remaining: archive=%d cdx=%d save=%d\n",
		stats.RateGate.ArchiveRemaining, stats.RateGate.CDXRemaining, stats.RateGate.SaveRemaining)
	return nil
}
