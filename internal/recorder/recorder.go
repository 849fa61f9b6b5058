// Package recorder implements the standing worker (C8) that turns one
// scouted snapshot into a captured video: cache-warm the page through the
// proxy, record a scroll-through capture, validate it, and backfill any
// archive assets the proxy noticed were missing.
package recorder

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/proxybridge"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// CaptureResult is what Capturer.Stop reports about a finished screen
// capture pass.
type CaptureResult struct {
	RawPath string
	Failed  bool
}

// Capturer drives the out-of-process screen recorder (§4.9 step 6).
type Capturer interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) (CaptureResult, error)
}

// Browser is the narrow rendering contract the Recorder drives during the
// cache-warm and record passes. The instrumented browser host itself is
// outside this module's scope (§1); everything downstream is ordinary Go.
type Browser interface {
	// Navigate loads contentURL on a freshly blanked page.
	Navigate(ctx context.Context, contentURL string) error
	// SetFallbackCharset sets the charset the browser falls back to when a
	// snapshot doesn't declare its own.
	SetFallbackCharset(ctx context.Context, charset string) error
	// RunScript executes an optional per-snapshot script hook.
	RunScript(ctx context.Context, script string) error
	// CurrentURL reports the browser's current URL and how many redirects
	// it has observed since the last Navigate, the input to §4.9.2.
	CurrentURL(ctx context.Context) (url string, redirectCount int, err error)
	// PluginInstanceCount counts live plugin instances across every frame.
	PluginInstanceCount(ctx context.Context) (int, error)
	// ScrollGeometry reports the page's scrollable height and the visible
	// client height, used to derive the scroll count and wait times.
	ScrollGeometry(ctx context.Context) (scrollHeight, clientHeight int, err error)
	// FrameTexts returns each frame's extracted inner text, used for the
	// optional narration pass.
	FrameTexts(ctx context.Context) ([]string, error)
	// Scroll smoothly scrolls every frame down by pixels.
	Scroll(ctx context.Context, pixels int) error
	// ReloadPlugins and UnloadPlugins implement the plugin-syncing
	// strategies of §4.9 step 6.
	ReloadPlugins(ctx context.Context) error
	UnloadPlugins(ctx context.Context) error
	Close(ctx context.Context) error
}

// MediaDownloader downloads a standalone media file to local disk
// (§4.9 step 3).
type MediaDownloader interface {
	Download(ctx context.Context, wayBackURL string) (localPath string, err error)
}

// MediaProbe reads a downloaded media file's duration and author tags.
type MediaProbe interface {
	Probe(ctx context.Context, localPath string) (duration time.Duration, title, author string, err error)
}

// MediaPageBuilder generates the temporary HTML page a media snapshot is
// embedded and played from.
type MediaPageBuilder interface {
	EmbedRemote(ctx context.Context, wayBackURL string) (pageURL string, err error)
	EmbedLocal(ctx context.Context, localPath string) (pageURL string, err error)
}

// Transcoder turns a raw capture into an upload-ready file and, optionally,
// a higher quality archive-grade variant (§4.9 step 8).
type Transcoder interface {
	PostProcess(ctx context.Context, rawPath string) (uploadPath, archivePath string, err error)
}

// AudioDetector decides whether a finished recording has meaningful audio
// (§4.9 step 9).
type AudioDetector interface {
	HasAudio(ctx context.Context, path string) (bool, error)
}

// Narrator synthesizes a speech sidecar over page text (§4.9 step 10).
type Narrator interface {
	Synthesize(ctx context.Context, title string, oldest time.Time, text, language string) (path string, ok bool, err error)
}

// AudioAsset is one plugin-discovered audio URL considered for mixing.
type AudioAsset struct {
	URL       string
	Extension string
	Loop      bool
}

// AudioMixer overlays plugin-discovered audio assets on top of the upload
// track (§4.9 step 11).
type AudioMixer interface {
	Mix(ctx context.Context, uploadPath string, assets []AudioAsset) (mixedPath string, err error)
}

// ProxyDrainer is the slice of proxybridge.Bridge's API the cache-warm pass
// needs: scope it to the snapshot being recorded, and drain the events it
// collected once the page has settled. A real *proxybridge.Bridge
// satisfies this without any adapter.
type ProxyDrainer interface {
	Scope(ctx context.Context, timestamp string) error
	Unscope(ctx context.Context) error
	Drain(ctx context.Context, quiet, total time.Duration) proxybridge.DrainResult
}

// Recorder drives one iteration of the recording loop per call to Run.
type Recorder struct {
	db       *store.DB
	sel      *selector.Selector
	archive  *archiveclient.Client
	bridge   ProxyDrainer
	cfg      config.RecordConfig

	browser    Browser
	capturer   Capturer
	downloader MediaDownloader
	probe      MediaProbe
	mediaPage  MediaPageBuilder
	transcoder Transcoder
	audio      AudioDetector
	narrator   Narrator
	mixer      AudioMixer
	killer     PluginKiller
	checker    URLChecker
}

// New builds a Recorder. narrator and mixer may be nil to disable their
// optional passes regardless of cfg.EnableNarration/EnableAudioMix.
func New(db *store.DB, sel *selector.Selector, archive *archiveclient.Client, bridge ProxyDrainer, cfg config.RecordConfig,
	browser Browser, capturer Capturer, downloader MediaDownloader, probe MediaProbe, mediaPage MediaPageBuilder,
	transcoder Transcoder, audio AudioDetector, narrator Narrator, mixer AudioMixer, killer PluginKiller, checker URLChecker) *Recorder {
	return &Recorder{
		db: db, sel: sel, archive: archive, bridge: bridge, cfg: cfg,
		browser: browser, capturer: capturer, downloader: downloader, probe: probe, mediaPage: mediaPage,
		transcoder: transcoder, audio: audio, narrator: narrator, mixer: mixer, killer: killer, checker: checker,
	}
}

// Run implements scheduler.Job: records up to maxIterations snapshots,
// stopping early when the Selector has nothing left to offer.
func (r *Recorder) Run(ctx context.Context, maxIterations int) (processed int, err error) {
	for processed < maxIterations {
		snapshot, err := r.sel.RecordPick(ctx)
		if errors.Is(err, selector.ErrNoCandidate) {
			logging.Info().Msg("recorder ran out of snapshots to record")
			break
		}
		if err != nil {
			return processed, fmt.Errorf("recorder: picking next snapshot: %w", err)
		}

		if err := r.recordOne(ctx, snapshot); err != nil {
			logging.Err(err).Int64("snapshot_id", snapshot.ID).Msg("recorder iteration failed")
		}
		processed++
	}
	return processed, nil
}

// outcome accumulates everything recordOne learns before the final
// transactional write.
type outcome struct {
	state           store.State
	uploadPath      string
	archivePath     string
	ttsPath         string
	hasAudio        bool
	mediaTitle      string
	mediaAuthor     string
	pageUsesPlugins bool
	savedURLs       []store.SavedUrl
}

// recordOne implements §4.9 steps 2-13 for one picked snapshot.
func (r *Recorder) recordOne(ctx context.Context, s *store.SnapshotInfo) error {
	defer r.browser.Close(ctx)

	waybackURL := r.archive.SnapshotURL(s.Timestamp, store.ModifierIframe, s.URL)

	var mediaDuration time.Duration
	var mediaTitle, mediaAuthor, contentURL string
	needsMetadataUpdate := s.IsMedia && s.MediaTitle == "" && s.MediaAuthor == ""

	if s.IsMedia {
		if isMultiAssetExtension(r.cfg, s.MediaExtension) {
			pageURL, err := r.mediaPage.EmbedRemote(ctx, waybackURL)
			if err != nil {
				return r.abort(ctx, s.ID, fmt.Errorf("embedding remote media: %w", err))
			}
			contentURL = pageURL
			mediaDuration = time.Duration(r.cfg.MediaFallbackDuration * float64(time.Second))
		} else {
			localPath, err := r.downloader.Download(ctx, waybackURL)
			if err != nil {
				return r.abort(ctx, s.ID, fmt.Errorf("downloading media: %w", err))
			}
			duration, title, author, err := r.probe.Probe(ctx, localPath)
			if err != nil {
				logging.Warn().Str("url", s.URL).Err(err).Msg("recorder could not probe media metadata")
				duration = time.Duration(r.cfg.MediaFallbackDuration * float64(time.Second))
			}
			mediaDuration, mediaTitle, mediaAuthor = duration, title, author
			pageURL, err := r.mediaPage.EmbedLocal(ctx, localPath)
			if err != nil {
				return r.abort(ctx, s.ID, fmt.Errorf("embedding local media: %w", err))
			}
			contentURL = pageURL
		}
	} else {
		contentURL = waybackURL
	}

	if err := r.bridge.Scope(ctx, s.Timestamp); err != nil {
		return r.abort(ctx, s.ID, fmt.Errorf("scoping proxy: %w", err))
	}
	defer r.bridge.Unscope(ctx)

	charset := s.Options.Encoding
	if charset == "" {
		if guessed, err := r.archive.GuessedCharset(ctx, waybackURL); err != nil {
			logging.Warn().Err(err).Msg("recorder could not fetch the archive's guessed charset")
		} else {
			charset = guessed
		}
	}
	if charset != "" {
		if err := r.browser.SetFallbackCharset(ctx, charset); err != nil {
			logging.Warn().Str("charset", charset).Err(err).Msg("recorder failed to set the browser's fallback charset")
		}
	}

	baseCrashTimeout := time.Duration(r.cfg.BasePluginCrashTimeout * float64(time.Second))
	pageLoadTimeout := time.Duration(r.cfg.PageLoadTimeout * float64(time.Second))
	maxDuration := r.effectiveMaxDuration(mediaDuration)

	warmResult, pluginInstances, scrollHeight, clientHeight, frameTexts, crashedWarm, err := r.cacheWarmPass(ctx, contentURL, s, baseCrashTimeout, pageLoadTimeout, maxDuration)
	if err != nil {
		return r.abort(ctx, s.ID, err)
	}

	if len(warmResult.RealMediaURLs) > 0 && s.IsMedia {
		pageURL, err := r.mediaPage.EmbedRemote(ctx, warmResult.RealMediaURLs[0])
		if err != nil {
			logging.Warn().Str("url", warmResult.RealMediaURLs[0]).Err(err).Msg("recorder could not embed a RAM-discovered stream")
		} else {
			contentURL = pageURL
		}
	}

	captureResult, redirected, crashedRecord, err := r.recordPass(ctx, contentURL, s, pluginInstances, scrollHeight, clientHeight, baseCrashTimeout, pageLoadTimeout, maxDuration)
	if err != nil {
		return r.abort(ctx, s.ID, err)
	}

	out := outcome{pageUsesPlugins: s.PageUsesPlugins || pluginInstances > 0}

	if crashedWarm || crashedRecord || captureResult.Failed || redirected {
		logging.Error().Bool("crashed", crashedWarm || crashedRecord).Bool("capture_failed", captureResult.Failed).Bool("redirected", redirected).Msg("recorder aborted the capture")
		out.state = store.StateAborted
	} else {
		uploadPath, archivePath, err := r.transcoder.PostProcess(ctx, captureResult.RawPath)
		if err != nil {
			logging.Warn().Err(err).Msg("recorder failed to post-process the capture")
			out.state = store.StateAborted
		} else {
			out.state = store.StateRecorded
			out.uploadPath, out.archivePath = uploadPath, archivePath
		}
	}

	if out.state == store.StateRecorded {
		if hasAudio, err := r.audio.HasAudio(ctx, out.uploadPath); err != nil {
			logging.Warn().Err(err).Msg("recorder failed to detect audio")
		} else {
			out.hasAudio = hasAudio
		}

		if r.cfg.EnableNarration && !s.IsMedia && r.narrator != nil {
			text := strings.Join(frameTexts, ".\n")
			ttsPath, ok, err := r.narrator.Synthesize(ctx, s.DisplayTitle(), mustParseOldest(s.OldestTimestamp()), text, s.PageLanguage)
			if err != nil {
				logging.Warn().Err(err).Msg("recorder failed to synthesize narration")
			} else if ok {
				out.ttsPath = ttsPath
			}
		}

		if r.cfg.EnableAudioMix && r.mixer != nil {
			if assets := collectAudioAssets(warmResult.SavedURLs); len(assets) > 0 {
				mixedPath, err := r.mixer.Mix(ctx, out.uploadPath, assets)
				if err != nil {
					logging.Warn().Err(err).Msg("recorder failed to mix plugin audio")
				} else {
					out.uploadPath = mixedPath
				}
			}
		}
	}

	out.mediaTitle, out.mediaAuthor = mediaTitle, mediaAuthor

	if r.cfg.EnableMissingURLBackfill && r.checker != nil {
		missing := expandNumericNeighbors(ctx, r.checker, warmResult.SavedURLs, r.cfg.MaxConsecutiveSaveTries, r.cfg.MaxTotalSaveTries)
		results := saveMissingURLs(ctx, r.archive, missing)
		out.savedURLs = savedURLRows(s.ID, results)
	}

	return r.commit(ctx, s, out, needsMetadataUpdate)
}

// effectiveMaxDuration clamps the configured bounds around a media file's
// own duration, when one is known, matching §4.9 step 6's "clamped"
// wait-time derivation.
func (r *Recorder) effectiveMaxDuration(mediaDuration time.Duration) time.Duration {
	maxDuration := time.Duration(r.cfg.MaxDuration * float64(time.Second))
	minDuration := time.Duration(r.cfg.MinDuration * float64(time.Second))
	if mediaDuration <= 0 {
		return maxDuration
	}
	if mediaDuration < minDuration {
		return minDuration
	}
	if mediaDuration > maxDuration {
		return maxDuration
	}
	return mediaDuration
}

// cacheWarmPass implements §4.9 step 4.
func (r *Recorder) cacheWarmPass(ctx context.Context, contentURL string, s *store.SnapshotInfo, base, pageLoad, maxDuration time.Duration) (proxybridge.DrainResult, int, int, int, []string, bool, error) {
	timer := NewPluginCrashTimer(ctx, r.killer, base, pageLoad, maxDuration)
	defer timer.Stop()

	if err := r.browser.Navigate(ctx, contentURL); err != nil {
		return proxybridge.DrainResult{}, 0, 0, 0, nil, false, fmt.Errorf("navigating during cache-warm pass: %w", err)
	}

	if s.Options.Script != "" {
		if err := r.browser.RunScript(ctx, s.Options.Script); err != nil {
			logging.Warn().Err(err).Msg("recorder failed to run the snapshot's script hook")
		}
	}

	time.Sleep(time.Duration(r.cfg.PluginLoadWait * float64(time.Second)))

	pluginInstances, err := r.browser.PluginInstanceCount(ctx)
	if err != nil {
		return proxybridge.DrainResult{}, 0, 0, 0, nil, false, fmt.Errorf("counting plugin instances: %w", err)
	}

	scrollHeight, clientHeight, err := r.browser.ScrollGeometry(ctx)
	if err != nil {
		return proxybridge.DrainResult{}, 0, 0, 0, nil, false, fmt.Errorf("computing scroll geometry: %w", err)
	}

	frameTexts, err := r.browser.FrameTexts(ctx)
	if err != nil {
		return proxybridge.DrainResult{}, 0, 0, 0, nil, false, fmt.Errorf("reading frame text: %w", err)
	}

	time.Sleep(time.Duration(r.cfg.CacheWait * float64(time.Second)))
	quiet := time.Duration(r.cfg.CacheWait * float64(time.Second))
	total := time.Duration(r.cfg.ProxyTotalTimeout * float64(time.Second))
	result := r.bridge.Drain(ctx, quiet, total)

	return result, pluginInstances, scrollHeight, clientHeight, frameTexts, timer.Crashed(), nil
}

// recordPass implements §4.9 steps 6-7.
func (r *Recorder) recordPass(ctx context.Context, contentURL string, s *store.SnapshotInfo, pluginInstances, scrollHeight, clientHeight int, base, pageLoad, maxDuration time.Duration) (CaptureResult, bool, bool, error) {
	timer := NewPluginCrashTimer(ctx, r.killer, base, pageLoad, maxDuration)
	defer timer.Stop()

	waitAfterLoad := computeWaitAfterLoad(r.cfg, pluginInstances)
	waitPerScroll := computeWaitPerScroll(r.cfg, pluginInstances)
	numScrolls := computeNumScrolls(scrollHeight, clientHeight, r.cfg.ScrollStep)

	if err := r.applyPluginSync(ctx); err != nil {
		logging.Warn().Err(err).Msg("recorder failed to apply the plugin-syncing strategy")
	}

	if err := r.capturer.Start(ctx); err != nil {
		return CaptureResult{}, false, false, fmt.Errorf("starting capture: %w", err)
	}

	time.Sleep(waitAfterLoad)
	for i := 0; i < numScrolls; i++ {
		if err := r.browser.Scroll(ctx, r.cfg.ScrollStep); err != nil {
			logging.Warn().Err(err).Msg("recorder failed to scroll a frame")
		}
		time.Sleep(waitPerScroll)
	}

	redirected := false
	if !s.IsMedia {
		currentURL, redirectCount, err := r.browser.CurrentURL(ctx)
		if err != nil {
			logging.Warn().Err(err).Msg("recorder could not read the current URL for redirect detection")
		} else {
			redirected = WasRedirected(s.Timestamp, store.ModifierIframe, s.URL, currentURL, redirectCount)
		}
	}

	result, err := r.capturer.Stop(ctx)
	if err != nil {
		return CaptureResult{}, redirected, timer.Crashed(), fmt.Errorf("stopping capture: %w", err)
	}
	return result, redirected, timer.Crashed(), nil
}

// applyPluginSync implements the three non-default plugin-syncing
// strategies named in §4.9 step 6.
func (r *Recorder) applyPluginSync(ctx context.Context) error {
	switch r.cfg.PluginSyncMode {
	case "reload-before":
		return r.browser.ReloadPlugins(ctx)
	case "reload-twice":
		if err := r.browser.ReloadPlugins(ctx); err != nil {
			return err
		}
		time.Sleep(time.Duration(r.cfg.PluginUnloadDelay * float64(time.Second)))
		return r.browser.ReloadPlugins(ctx)
	case "unload-delayed":
		if err := r.browser.UnloadPlugins(ctx); err != nil {
			return err
		}
		go func() {
			time.Sleep(time.Duration(r.cfg.PluginUnloadDelay * float64(time.Second)))
			r.browser.ReloadPlugins(ctx)
		}()
		return nil
	default:
		return nil
	}
}

// commit implements §4.9 step 13: the transactional state/Recording/
// SavedUrl write.
func (r *Recorder) commit(ctx context.Context, s *store.SnapshotInfo, out outcome, needsMetadataUpdate bool) error {
	return r.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET state = ? WHERE id = ?;`, out.state, s.ID); err != nil {
			return fmt.Errorf("updating snapshot state: %w", err)
		}

		var recordingID int64
		if out.state == store.StateRecorded {
			res, err := tx.ExecContext(ctx, `
				INSERT INTO recording (snapshot_id, has_audio, upload_filename, archive_filename, text_to_speech_filename, creation_time)
				VALUES (?, ?, ?, ?, ?, ?);`,
				s.ID, boolToInt(out.hasAudio), out.uploadPath, nullableString(out.archivePath), nullableString(out.ttsPath), time.Now().UTC().Format(store.TimestampFormat))
			if err != nil {
				return fmt.Errorf("inserting recording: %w", err)
			}
			recordingID, err = res.LastInsertId()
			if err != nil {
				return fmt.Errorf("reading new recording id: %w", err)
			}

			if s.Priority >= store.RecordPriority && s.Priority < store.PublishPriority {
				if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET priority = ? WHERE id = ?;`, store.NoPriority, s.ID); err != nil {
					return fmt.Errorf("clearing record priority: %w", err)
				}
			}
		}

		if needsMetadataUpdate && (out.mediaTitle != "" || out.mediaAuthor != "") {
			if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET media_title = ?, media_author = ? WHERE id = ?;`,
				nullableString(out.mediaTitle), nullableString(out.mediaAuthor), s.ID); err != nil {
				return fmt.Errorf("updating media metadata: %w", err)
			}
		}

		if !s.IsMedia && !s.PageUsesPlugins && out.pageUsesPlugins {
			if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET page_uses_plugins = 1 WHERE id = ?;`, s.ID); err != nil {
				return fmt.Errorf("updating page_uses_plugins: %w", err)
			}
		}

		// SavedUrl rows require a recording to attach to (schema.go's
		// recording_id is NOT NULL), so backfill results are only
		// persisted alongside a successful recording.
		if recordingID != 0 {
			for _, row := range out.savedURLs {
				if _, err := tx.ExecContext(ctx, `
					INSERT INTO saved_url (snapshot_id, recording_id, url, timestamp, failed)
					VALUES (?, ?, ?, ?, ?)
					ON CONFLICT (url) DO UPDATE SET timestamp = excluded.timestamp, failed = excluded.failed;`,
					row.SnapshotID, recordingID, row.URL, nullableString(row.Timestamp), boolToInt(row.Failed)); err != nil {
					return fmt.Errorf("inserting saved_url: %w", err)
				}
			}
		}

		return nil
	})
}

func (r *Recorder) abort(ctx context.Context, snapshotID int64, cause error) error {
	if _, err := r.db.Conn().ExecContext(ctx, `UPDATE snapshot SET state = ? WHERE id = ?;`, store.StateAborted, snapshotID); err != nil {
		return fmt.Errorf("aborting snapshot after %v: %w", cause, err)
	}
	return cause
}

func computeWaitAfterLoad(cfg config.RecordConfig, pluginInstances int) time.Duration {
	secs := cfg.BaseWaitAfterLoad + float64(pluginInstances)*cfg.WaitAfterLoadPerPluginInstance
	return time.Duration(secs * float64(time.Second))
}

func computeWaitPerScroll(cfg config.RecordConfig, pluginInstances int) time.Duration {
	secs := cfg.BaseWaitPerScroll + float64(pluginInstances)*cfg.WaitAfterScrollPerPluginInstance
	return time.Duration(secs * float64(time.Second))
}

func computeNumScrolls(scrollHeight, clientHeight, scrollStep int) int {
	delta := scrollHeight - clientHeight
	if delta <= 0 || scrollStep <= 0 {
		return 0
	}
	return int(math.Ceil(float64(delta) / float64(scrollStep)))
}

// collectAudioAssets treats any saved URL ending in a known audio
// extension as a plugin-discovered mixing candidate (§4.9 step 11).
func collectAudioAssets(savedURLs []string) []AudioAsset {
	var assets []AudioAsset
	for _, u := range savedURLs {
		ext := strings.ToLower(extensionOf(u))
		switch ext {
		case "mid", "midi":
			assets = append(assets, AudioAsset{URL: u, Extension: ext, Loop: true})
		case "mp3", "wav":
			assets = append(assets, AudioAsset{URL: u, Extension: ext, Loop: false})
		}
	}
	return assets
}

func extensionOf(rawURL string) string {
	idx := strings.LastIndex(rawURL, ".")
	if idx == -1 || idx == len(rawURL)-1 {
		return ""
	}
	return rawURL[idx+1:]
}

func mustParseOldest(timestamp string) time.Time {
	t, err := time.Parse(store.TimestampFormat, timestamp)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
