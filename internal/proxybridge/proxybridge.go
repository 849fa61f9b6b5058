// Package proxybridge drives the out-of-process HTTP/S interception proxy
// (C6) from the Recorder's side of a two-way, line-oriented stdio
// protocol: one command per line out, one event per line back.
//
// The proxy process itself (request classification, archive URL rewrite,
// CDX fallback, VRML/RealMedia special-casing) is an external collaborator
// started as a subprocess, mirroring the out-of-process isolation the
// source keeps even in a from-scratch rewrite (§9's "process-isolated
// proxy" design note): hot-path latency is dominated by the browser, and
// a crash in the interception logic cannot take the worker down with it.
package proxybridge

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
)

// EventKind classifies one line emitted by the proxy process.
type EventKind int

const (
	EventResponse EventKind = iota
	EventSave
	EventRealMedia
)

// Event is one parsed line from the proxy's stdout.
type Event struct {
	Kind       EventKind
	StatusCode string
	Mark       string
	ContentType string
	URL        string
	ID         string
}

var (
	responseRegex  = regexp.MustCompile(`^\[RESPONSE\] \[(?P<status>.+?)\] \[(?P<mark>.+?)\] \[(?P<type>.+?)\] \[(?P<url>.+?)\] \[(?P<id>.+?)\]$`)
	saveRegex      = regexp.MustCompile(`^\[SAVE\] \[(?P<url>.+)\]$`)
	realMediaRegex = regexp.MustCompile(`^\[RAM\] \[(?P<url>.+)\]$`)
)

// parseEvent interprets one line of the proxy's stdout protocol. Lines
// that don't match any known shape are discarded (the proxy process may
// also log diagnostics on stdout, since stderr is merged into it).
func parseEvent(line string) (Event, bool) {
	if m := responseRegex.FindStringSubmatch(line); m != nil {
		return Event{
			Kind:        EventResponse,
			StatusCode:  m[1],
			Mark:        m[2],
			ContentType: m[3],
			URL:         m[4],
			ID:          m[5],
		}, true
	}
	if m := saveRegex.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventSave, URL: m[1]}, true
	}
	if m := realMediaRegex.FindStringSubmatch(line); m != nil {
		return Event{Kind: EventRealMedia, URL: m[1]}, true
	}
	return Event{}, false
}

// ResponseHistogram tallies (status, mark) pairs seen during a drain.
type ResponseHistogram map[[2]string]int

// DrainResult is what a single cache-warm or record-pass drain collects.
type DrainResult struct {
	SavedURLs     []string
	RealMediaURLs []string
	Responses     ResponseHistogram
}

// Bridge manages the proxy subprocess and its stdio protocol.
type Bridge struct {
	cfg config.ProxyConfig

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan string
	done   chan struct{}

	mu               sync.Mutex
	currentTimestamp string
}

// Start launches the proxy subprocess and begins reading its stdout.
func Start(cfg config.ProxyConfig) (*Bridge, error) {
	cmd := exec.Command(cfg.BinaryPath, "--listen-address", cfg.ListenAddress)
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1")

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("proxybridge: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("proxybridge: stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("proxybridge: starting proxy process: %w", err)
	}

	b := &Bridge{
		cfg:    cfg,
		cmd:    cmd,
		stdin:  stdin,
		events: make(chan string, 256),
		done:   make(chan struct{}),
	}

	go b.readLoop(stdout)
	return b, nil
}

func (b *Bridge) readLoop(stdout io.ReadCloser) {
	defer close(b.done)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		b.events <- scanner.Text()
	}
	if err := scanner.Err(); err != nil {
		logging.Warn().Err(err).Msg("proxybridge stdout scan ended with an error")
	}
}

// Exec sends a raw assignment statement to the proxy's control channel
// and waits for its single-line acknowledgment, per §4.7's "commands
// received on the control channel are eval'd in a lock-guarded critical
// section".
func (b *Bridge) Exec(ctx context.Context, statement string) error {
	if _, err := io.WriteString(b.stdin, statement+"\n"); err != nil {
		return fmt.Errorf("proxybridge: writing command: %w", err)
	}
	select {
	case <-b.events:
		return nil
	case <-b.done:
		return fmt.Errorf("proxybridge: proxy process exited before acknowledging a command")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Scope sets current_timestamp, entering scoped mode, and clears any
// stale events left in the channel from a prior pass.
func (b *Bridge) Scope(ctx context.Context, timestamp string) error {
	b.mu.Lock()
	b.currentTimestamp = timestamp
	b.mu.Unlock()

	b.clear()
	return b.Exec(ctx, fmt.Sprintf("current_timestamp = %q", timestamp))
}

// Unscope clears current_timestamp, returning the proxy to transparent
// passthrough mode.
func (b *Bridge) Unscope(ctx context.Context) error {
	b.mu.Lock()
	b.currentTimestamp = ""
	b.mu.Unlock()
	return b.Exec(ctx, "current_timestamp = None")
}

func (b *Bridge) clear() {
	for {
		select {
		case <-b.events:
		default:
			return
		}
	}
}

// Drain collects events until no new line arrives for quiet, or until
// total elapses, whichever comes first.
func (b *Bridge) Drain(ctx context.Context, quiet, total time.Duration) DrainResult {
	result := DrainResult{Responses: make(ResponseHistogram)}

	deadline := time.NewTimer(total)
	defer deadline.Stop()
	idle := time.NewTimer(quiet)
	defer idle.Stop()

	for {
		select {
		case line := <-b.events:
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(quiet)

			event, ok := parseEvent(line)
			if !ok {
				continue
			}
			switch event.Kind {
			case EventResponse:
				result.Responses[[2]string{event.StatusCode, event.Mark}]++
			case EventSave:
				result.SavedURLs = append(result.SavedURLs, event.URL)
			case EventRealMedia:
				result.RealMediaURLs = append(result.RealMediaURLs, event.URL)
			}
		case <-idle.C:
			return result
		case <-deadline.C:
			return result
		case <-ctx.Done():
			return result
		case <-b.done:
			return result
		}
	}
}

// IsFrameURL reports whether a frame request whose parsed archive modifier
// is modifier lacks an explicit modifier and so should be rewritten with
// the iframe modifier before being handed to the archive, per §4.7 item 3.
func IsFrameURL(modifier string) bool {
	return modifier == ""
}

// IsPluginWorld reports whether referer looks like a VRML world file,
// which the legacy plugin cannot load across an HTTP redirect (§4.7
// item 6).
func IsPluginWorld(referer string) bool {
	lower := strings.ToLower(referer)
	return strings.HasSuffix(lower, ".wrl") || strings.HasSuffix(lower, ".wrz") || strings.HasSuffix(lower, ".wrl.gz")
}

// Shutdown terminates the proxy process and waits for the read loop to
// finish.
func (b *Bridge) Shutdown(ctx context.Context) error {
	if err := b.cmd.Process.Kill(); err != nil {
		return fmt.Errorf("proxybridge: terminating proxy process: %w", err)
	}
	select {
	case <-b.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.cmd.Wait()
}
