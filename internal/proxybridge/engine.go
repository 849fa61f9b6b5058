package proxybridge

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Engine implements the interception contract of §4.7 against plain HTTP
// forward-proxy traffic (the mode the instrumented browser is configured
// to use in this environment). It is the process a Bridge spawns and
// talks to over stdio; run standalone it behaves exactly like one.
//
// TLS-tunneled (CONNECT) traffic is out of this engine's scope: the
// legacy plugin host this system drives is configured to route plain
// HTTP only, so there is no MITM certificate-authority machinery here.
type Engine struct {
	cfg     config.ProxyConfig
	archive *archiveclient.Client
	emit    func(line string)

	// cdxLimiter self-paces this engine's own CDX fallback lookups
	// (§4.7 item 4). The engine runs as a separate OS process from the
	// Recorder (§9's process-isolated proxy design note) so it cannot
	// share the Recorder's rategate.Gate instance; it keeps its own
	// budget instead, sized from the same config the main process uses.
	cdxLimiter *rate.Limiter

	mu        sync.Mutex
	timestamp *string
}

// NewEngine builds an Engine that emits protocol lines via emit (typically
// "print the line to stdout" when running as a subprocess).
func NewEngine(cfg config.ProxyConfig, archive *archiveclient.Client, emit func(string)) *Engine {
	rps := cfg.CDXFallbackRPS
	if rps <= 0 {
		rps = 2
	}
	return &Engine{
		cfg:        cfg,
		archive:    archive,
		emit:       emit,
		cdxLimiter: rate.NewLimiter(rate.Limit(rps), 1),
	}
}

// Assign applies a command received over the control channel. The only
// valid operation is assignment to current_timestamp (§4.7 item 8).
func (e *Engine) Assign(statement string) error {
	const prefix = "current_timestamp = "
	if !strings.HasPrefix(statement, prefix) {
		return fmt.Errorf("proxybridge: unsupported control command %q", statement)
	}
	value := strings.TrimSpace(strings.TrimPrefix(statement, prefix))

	e.mu.Lock()
	defer e.mu.Unlock()
	if value == "None" {
		e.timestamp = nil
		return nil
	}
	ts, err := strconv.Unquote(value)
	if err != nil {
		ts = strings.Trim(value, `"`)
	}
	e.timestamp = &ts
	return nil
}

// scoped reports the current current_timestamp, and whether scoped mode
// is active at all.
func (e *Engine) scoped() (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.timestamp == nil {
		return "", false
	}
	return *e.timestamp, true
}

const snapshotHostPrefix = "/web/"

// ParseSnapshotPath splits an archive path of the form
// "/web/{timestamp}{modifier}/{url}" into its components. ok is false
// when path is not a snapshot path at all.
func ParseSnapshotPath(path string) (timestamp, modifier, target string, ok bool) {
	if !strings.HasPrefix(path, snapshotHostPrefix) {
		return "", "", "", false
	}
	rest := strings.TrimPrefix(path, snapshotHostPrefix)
	slash := strings.IndexByte(rest, '/')
	if slash < 0 {
		return "", "", "", false
	}
	head, target := rest[:slash], rest[slash+1:]

	timestamp = head
	for _, m := range []string{store.ModifierIframe, store.ModifierOriginal, store.ModifierIdentity} {
		if strings.HasSuffix(head, m) {
			timestamp = strings.TrimSuffix(head, m)
			modifier = m
			break
		}
	}
	return timestamp, modifier, target, true
}

// ComposeSnapshotPath is the inverse of ParseSnapshotPath: composing then
// re-parsing is the identity on (timestamp, modifier, url) (§8).
func ComposeSnapshotPath(timestamp, modifier, target string) string {
	return snapshotHostPrefix + timestamp + modifier + "/" + target
}

// RewriteFrameRequest applies §4.7 item 3: a frame sub-request to a
// snapshot path with no explicit modifier is rewritten to carry the
// iframe modifier, hiding the archive's injected toolbar chrome.
func RewriteFrameRequest(path string) (string, bool) {
	timestamp, modifier, target, ok := ParseSnapshotPath(path)
	if !ok || modifier != "" {
		return path, false
	}
	return ComposeSnapshotPath(timestamp, store.ModifierIframe, target), true
}

// classify reports the mark field of §4.7 item 2's
// "[RESPONSE] [status] [mark] [content-type] [url] [id]" event: "hit" for
// a 2xx archive response, "miss" otherwise.
func classify(statusCode int) string {
	if statusCode >= 200 && statusCode < 300 {
		return "hit"
	}
	return "miss"
}

// HandleResponse implements items 1, 2, and 4 of §4.7 against one
// upstream response: it always emits a [RESPONSE] event, and when the
// response is a non-200 snapshot response it attempts a CDX fallback,
// returning a redirect target when one is found.
func (e *Engine) HandleResponse(ctx context.Context, req *http.Request, statusCode int, contentType, id string) (redirectTo string) {
	timestamp, scoped := e.scoped()

	e.emit(fmt.Sprintf("[RESPONSE] [%d] [%s] [%s] [%s] [%s]", statusCode, classify(statusCode), contentType, req.URL.String(), id))

	if !scoped {
		return ""
	}
	if statusCode >= 200 && statusCode < 300 {
		return ""
	}

	_, _, target, ok := ParseSnapshotPath(req.URL.Path)
	if !ok {
		return ""
	}

	fallbackURL := target
	if q := strings.IndexByte(target, '?'); q >= 0 {
		fallbackURL = target[:q]
	}

	if err := e.cdxLimiter.Wait(ctx); err != nil {
		return ""
	}

	capture, err := e.archive.FindBest(ctx, timestamp, fallbackURL)
	if err != nil {
		return ""
	}
	return ComposeSnapshotPath(capture.Timestamp, store.ModifierIframe, fallbackURL)
}

// HandleLiveBackfill implements §4.7 item 5: when the CDX fallback also
// misses, the caller probes the original live URL and passes the result
// here; when live backfill is enabled and the URL exists, a [SAVE] event
// is emitted so the Recorder can queue archival.
func (e *Engine) HandleLiveBackfill(originalURL string, liveURLExists bool) {
	if !e.cfg.EnableLiveBackfill || !liveURLExists {
		return
	}
	e.emit(fmt.Sprintf("[SAVE] [%s]", originalURL))
}

// EmitRealMedia implements §4.7 item 7: a RealMedia playlist pointing at
// an archived stream is reported so the Recorder can re-target the
// recording at the real stream URL.
func (e *Engine) EmitRealMedia(streamURL string) {
	e.emit(fmt.Sprintf("[RAM] [%s]", streamURL))
}

// BlockNonArchive implements §4.7 item 1: reports whether a request
// should be failed early because it isn't addressed to the archive host.
func (e *Engine) BlockNonArchive(req *http.Request) bool {
	if !e.cfg.BlockNonArchive {
		return false
	}
	_, scoped := e.scoped()
	if !scoped {
		return false
	}
	return !isArchiveHost(req.URL)
}

func isArchiveHost(u *url.URL) bool {
	return strings.HasSuffix(u.Hostname(), "web.archive.org") || strings.HasSuffix(u.Hostname(), "archive.org")
}
