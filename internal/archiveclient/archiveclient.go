// Package archiveclient is a thin, rate-gated, circuit-broken wrapper
// around the web archive's CDX index, snapshot host, and save endpoint
// (C3).
package archiveclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/rategate"
)

// ErrRateLimited is returned by Save when the archive responds 429.
var ErrRateLimited = errors.New("archiveclient: rate limited by the save endpoint")

// Capture describes one CDX row: the canonical snapshot the client found
// for a requested (timestamp, url) pair.
type Capture struct {
	Timestamp      string
	Original       string
	MimeType       string
	StatusCode     string
	Digest         string
	URLKey         string
	IsMedia        bool
	MediaExtension string
}

// Client wraps HTTP access to the three archive surfaces, each gated by
// rategate.Gate and wrapped in its own circuit breaker.
type Client struct {
	cfg  config.ArchiveConfig
	gate *rategate.Gate
	http *http.Client

	snapshotBreaker *gobreaker.CircuitBreaker[any]
	cdxBreaker      *gobreaker.CircuitBreaker[any]
	saveBreaker     *gobreaker.CircuitBreaker[any]
}

// New builds a Client against the given configuration and shared Gate.
func New(cfg config.ArchiveConfig, gate *rategate.Gate) *Client {
	timeout := time.Duration(cfg.RequestTimeout * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		cfg:             cfg,
		gate:            gate,
		http:            &http.Client{Timeout: timeout},
		snapshotBreaker: newBreaker("archive-snapshot"),
		cdxBreaker:      newBreaker("archive-cdx"),
		saveBreaker:     newBreaker("archive-save"),
	}
}

func newBreaker(name string) *gobreaker.CircuitBreaker[any] {
	return gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     2 * time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= 0.6
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Info().Str("breaker", name).Str("from", breakerStateName(from)).Str("to", breakerStateName(to)).Msg("archive circuit breaker state transition")
		},
	})
}

func breakerStateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateHalfOpen:
		return "half-open"
	case gobreaker.StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// FindBest locates the best snapshot for (timestamp, url): the nearest
// capture with HTTP 200 near timestamp, then the oldest capture sharing
// that capture's digest. A capture is classified media iff its MIME type
// is neither text/html nor text/plain, matching the fact that plain-text
// files sometimes serve pages that should not be treated as downloads.
func (c *Client) FindBest(ctx context.Context, timestamp, targetURL string) (Capture, error) {
	if err := c.gate.Wait(ctx, rategate.CDX); err != nil {
		return Capture{}, fmt.Errorf("waiting for cdx rate gate: %w", err)
	}

	result, err := c.cdxBreaker.Execute(func() (any, error) {
		return c.cdxNear(ctx, timestamp, targetURL)
	})
	if err != nil {
		return Capture{}, fmt.Errorf("finding nearest capture: %w", err)
	}
	nearest := result.(Capture)

	if err := c.gate.Wait(ctx, rategate.CDX); err != nil {
		return Capture{}, fmt.Errorf("waiting for cdx rate gate: %w", err)
	}

	result, err = c.cdxBreaker.Execute(func() (any, error) {
		return c.cdxOldestByDigest(ctx, targetURL, nearest.Digest)
	})
	if err != nil {
		return Capture{}, fmt.Errorf("finding oldest capture by digest: %w", err)
	}
	best := result.(Capture)

	best.IsMedia = best.MimeType != "text/html" && best.MimeType != "text/plain"
	if best.IsMedia {
		best.MediaExtension = mediaExtensionFromURL(best.Original)
	}

	return best, nil
}

// SnapshotURL composes the full wayback URL for a capture at timestamp
// with the given modifier (e.g. store.ModifierIframe), against the
// configured snapshot host.
func (c *Client) SnapshotURL(timestamp, modifier, targetURL string) string {
	return strings.TrimRight(c.cfg.SnapshotBaseURL, "/") + "/" + timestamp + modifier + "/" + targetURL
}

// Enrich HEAD-requests the composed snapshot URL and parses the
// x-archive-orig-last-modified header into the 14-digit timestamp layout,
// normalizing the archive's several malformed date encodings first.
func (c *Client) Enrich(ctx context.Context, snapshotURL string) (string, error) {
	if err := c.gate.Wait(ctx, rategate.Archive); err != nil {
		return "", fmt.Errorf("waiting for archive rate gate: %w", err)
	}

	result, err := c.snapshotBreaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, snapshotURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("snapshot HEAD returned status %d", resp.StatusCode)
		}
		return resp.Header.Get("x-archive-orig-last-modified"), nil
	})
	if err != nil {
		return "", fmt.Errorf("fetching snapshot headers: %w", err)
	}

	raw, _ := result.(string)
	if raw == "" {
		return "", nil
	}

	normalized := normalizeLastModified(raw)
	parsed, err := time.Parse(time.RFC1123, normalized)
	if err != nil {
		if parsed, err = time.Parse("Mon, 2 Jan 2006 15:04:05 MST", normalized); err != nil {
			logging.Warn().Str("raw", raw).Str("normalized", normalized).Err(err).Msg("failed to parse last-modified time")
			return "", fmt.Errorf("parsing last modified time %q: %w", normalized, err)
		}
	}

	return parsed.UTC().Format("20060102150405"), nil
}

// GuessedCharset HEAD-requests the composed snapshot URL and returns the
// archive's best-effort charset guess from the x-archive-guessed-charset
// header, used as the browser's fallback charset when a snapshot doesn't
// override one explicitly.
func (c *Client) GuessedCharset(ctx context.Context, snapshotURL string) (string, error) {
	if err := c.gate.Wait(ctx, rategate.Archive); err != nil {
		return "", fmt.Errorf("waiting for archive rate gate: %w", err)
	}

	result, err := c.snapshotBreaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, snapshotURL, nil)
		if err != nil {
			return "", err
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("snapshot HEAD returned status %d", resp.StatusCode)
		}
		return resp.Header.Get("x-archive-guessed-charset"), nil
	})
	if err != nil {
		return "", fmt.Errorf("fetching snapshot headers: %w", err)
	}
	charset, _ := result.(string)
	return charset, nil
}

// normalizeLastModified applies the four malformed-date fixups the
// archive is known to produce, in the same order the original
// implementation applies them.
func normalizeLastModified(header string) string {
	// "GMT GMT" -> "GMT": the time zone appears twice.
	if strings.HasSuffix(header, "GMT GMT") {
		header = strings.Replace(header, "GMT GMT", "GMT", 1)
	}

	// Missing space before a trailing "GMT": e.g. "...09:11:11GMT".
	if strings.HasSuffix(header, "GMT") && !strings.HasSuffix(header, " GMT") {
		header = strings.TrimSuffix(header, "GMT") + " GMT"
	}

	// Missing colon between minutes and seconds: splitting on ':' yields
	// only two parts instead of three (hour:minute:second).
	parts := strings.Split(header, ":")
	if len(parts) == 2 && len(parts[1]) >= 2 {
		rest := parts[1]
		secondsStart := 2
		header = parts[0] + ":" + rest[:secondsStart] + ":" + rest[secondsStart:]
	}

	// Missing time entirely: "... ? GMT" -> "... 00:00:00 GMT".
	if strings.HasSuffix(header, "? GMT") {
		header = strings.Replace(header, "? GMT", "00:00:00 GMT", 1)
	}

	return header
}

// Save triggers archival of targetURL. A 429 response is reported as
// ErrRateLimited; other non-2xx responses are reported as ordinary
// (non-fatal) errors, matching the source's "save() is best-effort"
// posture.
func (c *Client) Save(ctx context.Context, targetURL string) (savedURL string, alreadySaved bool, err error) {
	if waitErr := c.gate.Wait(ctx, rategate.Save); waitErr != nil {
		return "", false, fmt.Errorf("waiting for save rate gate: %w", waitErr)
	}

	saveEndpoint := strings.TrimRight(c.cfg.SaveBaseURL, "/") + "/" + targetURL

	result, execErr := c.saveBreaker.Execute(func() (any, error) {
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, saveEndpoint, nil)
		if reqErr != nil {
			return nil, reqErr
		}
		resp, doErr := c.http.Do(req)
		if doErr != nil {
			return nil, doErr
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)

		if resp.StatusCode == http.StatusTooManyRequests {
			return nil, ErrRateLimited
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("save endpoint returned status %d", resp.StatusCode)
		}

		already := resp.Header.Get("x-page-cache") == "HIT"
		return saveResult{url: resp.Request.URL.String(), alreadySaved: already}, nil
	})
	if execErr != nil {
		return "", false, execErr
	}

	res := result.(saveResult)
	return res.url, res.alreadySaved, nil
}

type saveResult struct {
	url          string
	alreadySaved bool
}

// ServicesUp reports true only if both the snapshot host and the CDX host
// respond 200.
func (c *Client) ServicesUp(ctx context.Context) bool {
	if err := c.gate.Wait(ctx, rategate.Archive); err != nil {
		return false
	}
	if !c.probe(ctx, c.cfg.SnapshotBaseURL) {
		return false
	}
	if err := c.gate.Wait(ctx, rategate.CDX); err != nil {
		return false
	}
	return c.probe(ctx, c.cfg.CDXBaseURL+"?url=archive.org&limit=1")
}

func (c *Client) probe(ctx context.Context, target string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return false
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode == http.StatusOK
}

func mediaExtensionFromURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	path := u.Path
	if idx := strings.LastIndex(path, "."); idx != -1 && idx < len(path)-1 {
		return strings.ToLower(path[idx+1:])
	}
	return ""
}
