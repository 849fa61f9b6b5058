// Package ranker computes per-snapshot scores and a weighted-random rank
// used by the Selector (C5) to avoid always picking the single best
// candidate.
package ranker

import (
	"math"
	"math/rand/v2"
)

// Word is the minimal shape Points needs from a matched SnapshotWord join:
// the word's configured point value, its tag/sensitive flags, and how many
// times it matched the snapshot's page text.
type Word struct {
	Points    float64
	IsTag     bool
	Sensitive bool
	Count     int
}

// Points computes a snapshot's score from its matched words, following
// §4.4:
//   - QUEUED snapshots are unscored (nil).
//   - Media snapshots score the configured media point constant.
//   - If any matched word is tagged, score is sum(count * points) over the
//     tagged words only.
//   - Otherwise score is sum(min(count, 1) * points) over all matched
//     words, so repeating a plain word does not compound its value.
//
// isSensitiveOverride, when non-nil, wins over the derived sensitivity;
// sensitive is true if any matched word is sensitive.
func Points(isQueued bool, isMedia bool, mediaPoints float64, words []Word, isSensitiveOverride *bool) (points *float64, sensitive bool) {
	if isQueued {
		return nil, isSensitiveOverride != nil && *isSensitiveOverride
	}

	for _, w := range words {
		if w.Sensitive {
			sensitive = true
		}
	}
	if isSensitiveOverride != nil {
		sensitive = *isSensitiveOverride
	}

	if isMedia {
		p := mediaPoints
		return &p, sensitive
	}

	hasTag := false
	for _, w := range words {
		if w.IsTag {
			hasTag = true
			break
		}
	}

	var total float64
	for _, w := range words {
		if hasTag {
			if w.IsTag {
				total += float64(w.Count) * w.Points
			}
			continue
		}
		count := w.Count
		if count > 1 {
			count = 1
		}
		total += float64(count) * w.Points
	}

	return &total, sensitive
}

// Rank implements the weighted-random ranking formula from §4.4:
//
//	rank(points, offset) =
//	  if offset is nil      -> uniform random in [0,1)
//	  else if points is nil -> 0   (unscouted parents push children to the back)
//	  else                  -> sign(points) * u^(1 / (|points| + 1 + offset))
//
// where u ~ Uniform(0,1). The sign preserves ordering of negative scores.
func Rank(points *float64, offset *float64) float64 {
	if offset == nil {
		return rand.Float64()
	}
	if points == nil {
		return 0
	}

	p := *points
	off := *offset
	if off < 0 {
		off = 0
	}

	sign := 1.0
	if p < 0 {
		sign = -1.0
	}

	exponent := 1 / (math.Abs(p) + 1 + off)
	u := rand.Float64()
	return sign * math.Pow(u, exponent)
}
