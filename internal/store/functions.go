package store

import (
	"github.com/joaohenggeler/wanderer-go/internal/ranker"
)

// rankSnapshotByPoints is registered as the SQL scalar function
// rank_snapshot_by_points(points, offset), letting the Selector's SQL order
// candidates with `ORDER BY rank_snapshot_by_points(points, :offset) DESC`
// directly in the store instead of pulling every candidate row into Go to
// rank it. It delegates to ranker.Rank so the in-SQL ordering and the
// in-process Ranker agree on the exact same formula.
//
// points and offset are declared as interface{} so go-sqlite3 passes a
// genuine Go nil for a SQL NULL argument: a QUEUED snapshot has no points
// yet, and an unset offset means "rank uniformly at random."
func rankSnapshotByPoints(points interface{}, offset interface{}) float64 {
	return ranker.Rank(toFloatPtr(points), toFloatPtr(offset))
}

func toFloatPtr(v interface{}) *float64 {
	switch n := v.(type) {
	case nil:
		return nil
	case float64:
		return &n
	case int64:
		f := float64(n)
		return &f
	default:
		return nil
	}
}
