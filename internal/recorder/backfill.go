package recorder

import (
	"context"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// numericFilenameRegex splits a filename into a name, a trailing run of
// digits, and an extension, e.g. "level3.dat" -> ("level", "3", ".dat").
var numericFilenameRegex = regexp.MustCompile(`^(.*?)(\d+)(\..*)$`)

// URLChecker probes whether a live URL still resolves, used to decide
// whether a numeric-filename neighbor is worth saving (§4.9 step 12).
type URLChecker interface {
	Available(ctx context.Context, targetURL string) bool
}

// expandNumericNeighbors looks for missing URLs whose filename ends in a
// run of digits and probes the same name with every number from 0 upward,
// zero-padded to the original width ("level3.dat" -> level0.dat,
// level1.dat, ...), stopping after maxConsecutiveMisses misses in a row or
// after maxTotalTries numbers. A number already in the list is skipped
// without a probe but still counts toward maxTotalTries.
func expandNumericNeighbors(ctx context.Context, checker URLChecker, missingURLs []string, maxConsecutiveMisses, maxTotalTries int) []string {
	found := make(map[string]bool, len(missingURLs))
	for _, u := range missingURLs {
		found[u] = true
	}

	for _, raw := range missingURLs {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		dir, file := path.Split(u.Path)
		m := numericFilenameRegex.FindStringSubmatch(file)
		if m == nil {
			continue
		}
		name, numStr, extension := m[1], m[2], m[3]
		padding := len(numStr)

		consecutiveMisses := 0
		for n := 0; n < maxTotalTries; n++ {
			if consecutiveMisses >= maxConsecutiveMisses {
				break
			}

			candidatePath := dir + name + zeroPad(n, padding) + extension
			candidate := *u
			candidate.Path = candidatePath
			candidateURL := candidate.String()

			if found[candidateURL] {
				continue
			}

			if checker.Available(ctx, candidateURL) {
				logging.Info().Str("url", candidateURL).Msg("recorder found a consecutive missing URL")
				found[candidateURL] = true
				consecutiveMisses = 0
			} else {
				consecutiveMisses++
			}

			time.Sleep(time.Second)
		}
	}

	out := make([]string, 0, len(found))
	for u := range found {
		out = append(out, u)
	}
	return out
}

func zeroPad(n, width int) string {
	s := strconv.Itoa(n)
	if len(s) >= width {
		return s
	}
	return strings.Repeat("0", width-len(s)) + s
}

// backfillResult is one attempt to permanently save a missing URL.
type backfillResult struct {
	url       string
	timestamp string
	failed    bool
}

// saveMissingURLs calls ArchiveClient.Save on every candidate, stopping
// early on a rate-limit error (§4.9 step 12's "Reached the Save API
// limit" case records the rest as failed rather than retrying them).
func saveMissingURLs(ctx context.Context, archive *archiveclient.Client, urls []string) []backfillResult {
	results := make([]backfillResult, 0, len(urls))
	for i, u := range urls {
		savedURL, alreadySaved, err := archive.Save(ctx, u)
		if err != nil {
			if err == archiveclient.ErrRateLimited {
				logging.Warn().Int("remaining", len(urls)-i).Msg("recorder stopped backfilling after hitting the save rate limit")
				for _, remaining := range urls[i:] {
					results = append(results, backfillResult{url: remaining, failed: true})
				}
				break
			}
			logging.Warn().Str("url", u).Err(err).Msg("recorder failed to save a missing URL")
			results = append(results, backfillResult{url: u, failed: true})
			continue
		}

		if alreadySaved {
			logging.Info().Str("url", savedURL).Msg("missing URL was already saved")
		} else {
			logging.Info().Str("url", savedURL).Msg("saved a missing URL")
		}
		results = append(results, backfillResult{url: u})
	}
	return results
}

func savedURLRows(snapshotID int64, results []backfillResult) []store.SavedUrl {
	rows := make([]store.SavedUrl, 0, len(results))
	for _, r := range results {
		rows = append(rows, store.SavedUrl{SnapshotID: snapshotID, URL: r.url, Timestamp: r.timestamp, Failed: r.failed})
	}
	return rows
}

// isMultiAssetExtension reports whether extension is one of the formats
// whose assets point to other archived resources (VRML worlds, RealMedia
// metadata), which must not be downloaded standalone (§4.9 step 3).
func isMultiAssetExtension(cfg config.RecordConfig, extension string) bool {
	for _, e := range cfg.MultiAssetMediaExtensions {
		if strings.EqualFold(e, extension) {
			return true
		}
	}
	return false
}
