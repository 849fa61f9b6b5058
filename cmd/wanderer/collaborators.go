package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/approver"
	"github.com/joaohenggeler/wanderer-go/internal/compiler"
	"github.com/joaohenggeler/wanderer-go/internal/publisher"
	"github.com/joaohenggeler/wanderer-go/internal/recorder"
	"github.com/joaohenggeler/wanderer-go/internal/scout"
)

// errNotConfigured is returned by every collaborator stub that fronts a
// host this module deliberately doesn't implement: the instrumented
// browser, the screen capturer, the media/transcoding toolchain, and the
// social network clients. Wiring a real implementation means satisfying
// the narrow interface the matching package declares.
var errNotConfigured = fmt.Errorf("wanderer: no implementation configured for this collaborator")

// httpURLChecker probes a URL's liveness with a plain HEAD request; this
// is ordinary HTTP client code, not the browser/rendering host the Scout
// and Recorder otherwise depend on.
type httpURLChecker struct {
	client *http.Client
}

func newHTTPURLChecker(timeout time.Duration) *httpURLChecker {
	return &httpURLChecker{client: &http.Client{Timeout: timeout}}
}

func (c *httpURLChecker) Available(ctx context.Context, targetURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, targetURL, nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < 400
}

// terminalPrompter implements approver.Prompter over the process's own
// standard input and output, the same input()-driven loop the original
// approve.py used.
type terminalPrompter struct {
	scanner *bufio.Scanner
}

func newTerminalPrompter(in io.Reader) *terminalPrompter {
	return &terminalPrompter{scanner: bufio.NewScanner(in)}
}

func (p *terminalPrompter) Announce(ctx context.Context, message string) {
	fmt.Println(message)
}

func (p *terminalPrompter) Prompt(ctx context.Context, message string) (string, error) {
	fmt.Print(message)
	if !p.scanner.Scan() {
		if err := p.scanner.Err(); err != nil {
			return "", err
		}
		return "", fmt.Errorf("wanderer: standard input closed")
	}
	return p.scanner.Text(), nil
}

// osOpenPlayer launches the host's default viewer for a recording path,
// the Go equivalent of the original's os.startfile call.
type osOpenPlayer struct{}

func (osOpenPlayer) Play(ctx context.Context, path string) error {
	var name string
	var args []string
	switch runtime.GOOS {
	case "darwin":
		name, args = "open", []string{path}
	case "windows":
		name, args = "cmd", []string{"/c", "start", "", path}
	default:
		name, args = "xdg-open", []string{path}
	}
	cmd := exec.CommandContext(ctx, name, args...)
	return cmd.Run()
}

// The following stubs front collaborators this module's Non-goals place
// out of scope (browser automation, screen capture, media transcoding,
// speech synthesis, and the social network APIs themselves). Most
// methods return errNotConfigured so the worker that calls them fails
// the snapshot cleanly instead of panicking on a nil interface; the
// narrator, the plugin killer, and the Close methods return no error.

type unsupportedRenderer struct{}

func (unsupportedRenderer) Navigate(ctx context.Context, waybackURL string) (string, bool, error) {
	return "", false, errNotConfigured
}
func (unsupportedRenderer) OnBlankPage(ctx context.Context) (bool, error) { return false, errNotConfigured }
func (unsupportedRenderer) TraverseFrames(ctx context.Context, modifier string) ([]scout.Frame, error) {
	return nil, errNotConfigured
}
func (unsupportedRenderer) CountTags(ctx context.Context, tags []string) (map[string]int, error) {
	return nil, errNotConfigured
}
func (unsupportedRenderer) UsesPlugins(ctx context.Context) (bool, error) { return false, errNotConfigured }
func (unsupportedRenderer) Title(ctx context.Context) (string, error)    { return "", errNotConfigured }
func (unsupportedRenderer) Close(ctx context.Context) error              { return nil }

type unsupportedBrowser struct{}

func (unsupportedBrowser) Navigate(ctx context.Context, contentURL string) error { return errNotConfigured }
func (unsupportedBrowser) SetFallbackCharset(ctx context.Context, charset string) error {
	return errNotConfigured
}
func (unsupportedBrowser) RunScript(ctx context.Context, script string) error { return errNotConfigured }
func (unsupportedBrowser) CurrentURL(ctx context.Context) (string, int, error) {
	return "", 0, errNotConfigured
}
func (unsupportedBrowser) PluginInstanceCount(ctx context.Context) (int, error) { return 0, errNotConfigured }
func (unsupportedBrowser) ScrollGeometry(ctx context.Context) (int, int, error) {
	return 0, 0, errNotConfigured
}
func (unsupportedBrowser) FrameTexts(ctx context.Context) ([]string, error) { return nil, errNotConfigured }
func (unsupportedBrowser) Scroll(ctx context.Context, pixels int) error     { return errNotConfigured }
func (unsupportedBrowser) ReloadPlugins(ctx context.Context) error          { return errNotConfigured }
func (unsupportedBrowser) UnloadPlugins(ctx context.Context) error          { return errNotConfigured }
func (unsupportedBrowser) Close(ctx context.Context) error                  { return nil }

type unsupportedCapturer struct{}

func (unsupportedCapturer) Start(ctx context.Context) error { return errNotConfigured }
func (unsupportedCapturer) Stop(ctx context.Context) (recorder.CaptureResult, error) {
	return recorder.CaptureResult{}, errNotConfigured
}

type unsupportedMediaDownloader struct{}

func (unsupportedMediaDownloader) Download(ctx context.Context, wayBackURL string) (string, error) {
	return "", errNotConfigured
}

type unsupportedMediaProbe struct{}

func (unsupportedMediaProbe) Probe(ctx context.Context, localPath string) (time.Duration, string, string, error) {
	return 0, "", "", errNotConfigured
}

type unsupportedMediaPageBuilder struct{}

func (unsupportedMediaPageBuilder) EmbedRemote(ctx context.Context, wayBackURL string) (string, error) {
	return "", errNotConfigured
}
func (unsupportedMediaPageBuilder) EmbedLocal(ctx context.Context, localPath string) (string, error) {
	return "", errNotConfigured
}

type unsupportedRecordTranscoder struct{}

func (unsupportedRecordTranscoder) PostProcess(ctx context.Context, rawPath string) (string, string, error) {
	return "", "", errNotConfigured
}

type unsupportedAudioDetector struct{}

func (unsupportedAudioDetector) HasAudio(ctx context.Context, path string) (bool, error) {
	return false, errNotConfigured
}

type unsupportedNarrator struct{}

func (unsupportedNarrator) Synthesize(ctx context.Context, title string, oldest time.Time, text, language string) (string, bool, error) {
	return "", false, nil
}

type unsupportedAudioMixer struct{}

func (unsupportedAudioMixer) Mix(ctx context.Context, uploadPath string, assets []recorder.AudioAsset) (string, error) {
	return "", errNotConfigured
}

type unsupportedPluginKiller struct{}

func (unsupportedPluginKiller) KillPlugins(ctx context.Context) error { return nil }

type unsupportedApprovePlayer struct{}

func (unsupportedApprovePlayer) Play(ctx context.Context, path string) error { return errNotConfigured }

type unsupportedPublishTranscoder struct{}

func (unsupportedPublishTranscoder) Reduce(ctx context.Context, path string, maxBytes int64) (string, error) {
	return "", errNotConfigured
}

type unsupportedSegmenter struct{}

func (unsupportedSegmenter) Split(ctx context.Context, path string, segmentSeconds int) ([]string, error) {
	return nil, errNotConfigured
}

type unsupportedProber struct{}

func (unsupportedProber) Duration(ctx context.Context, path string) (time.Duration, error) {
	return 0, errNotConfigured
}

type unsupportedCompilerProber struct{}

func (unsupportedCompilerProber) VideoInfo(ctx context.Context, path string) (int, int, string, time.Duration, error) {
	return 0, 0, "", 0, errNotConfigured
}

type unsupportedTransition struct{}

func (unsupportedTransition) Build(ctx context.Context, color string, duration time.Duration, sfxPath string, width, height int, framerate string) (string, time.Duration, error) {
	return "", 0, errNotConfigured
}

type unsupportedRemuxer struct{}

func (unsupportedRemuxer) Remux(ctx context.Context, path string) (string, error) { return "", errNotConfigured }

type unsupportedMuxer struct{}

func (unsupportedMuxer) Concat(ctx context.Context, segmentPaths []string, outputPath string) error {
	return errNotConfigured
}

var _ approver.Player = unsupportedApprovePlayer{}
var _ approver.Player = osOpenPlayer{}
var _ approver.Prompter = (*terminalPrompter)(nil)
var _ publisher.Target = (*noopTarget)(nil)

// noopTarget is a placeholder Target registered only when a configured
// PublishTargetConfig names a backend with no matching implementation;
// Publish always fails so PublishPick's candidate is retried rather than
// silently marked posted.
type noopTarget struct{ name string }

func (t *noopTarget) Name() string { return t.name }
func (t *noopTarget) Publish(ctx context.Context, path, text, altText string, sensitive bool) (string, error) {
	return "", errNotConfigured
}
func (t *noopTarget) PublishReply(ctx context.Context, inReplyTo, path, text, altText string, sensitive bool) (string, error) {
	return "", errNotConfigured
}

var _ compiler.Prober = unsupportedCompilerProber{}
