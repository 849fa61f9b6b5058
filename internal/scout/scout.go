// Package scout implements the standing worker (C7) that walks archived
// pages outward from the snapshots already queued, extracting links and
// vocabulary so the Selector can rank what to record next.
package scout

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/joaohenggeler/wanderer-go/internal/archiveclient"
	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
	"github.com/joaohenggeler/wanderer-go/internal/selector"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// Frame is one frame's harvested content from a traversal pass (§4.8 step 5).
type Frame struct {
	URL       string
	Links     []Link
	InnerText string
}

// Link is one href harvested from a frame, already unquoted.
type Link struct {
	URL string
	// Timestamp is the wayback timestamp the link carried, when it pointed
	// at another archive snapshot rather than a live URL.
	Timestamp string
}

// Renderer is the narrow rendering contract the Scout drives. The
// instrumented browser host that implements it — the actual page
// rendering, JavaScript execution, and DOM inspection — is outside this
// module's scope (§1); everything downstream of it is ordinary Go.
type Renderer interface {
	// Navigate loads waybackURL on a freshly blanked page and reports the
	// URL the browser ended up on, and whether that differs from the one
	// requested (a wayback redirect, §4.8 step 3).
	Navigate(ctx context.Context, waybackURL string) (finalURL string, redirected bool, err error)
	// OnBlankPage reports whether the browser is still on the blank page
	// set before Navigate, the mis-labeling signal of §4.8 step 4.
	OnBlankPage(ctx context.Context) (bool, error)
	// TraverseFrames visits every frame of the page currently loaded,
	// re-requesting each one with modifier, and returns their harvested
	// links and inner text.
	TraverseFrames(ctx context.Context, modifier string) ([]Frame, error)
	// CountTags reports how many elements of each requested tag name
	// exist across every frame of the page currently loaded.
	CountTags(ctx context.Context, tags []string) (map[string]int, error)
	// UsesPlugins reports whether any object/embed/applet/app/bgsound
	// element exists across every frame of the page currently loaded.
	UsesPlugins(ctx context.Context) (bool, error)
	// Title returns the current page's title.
	Title(ctx context.Context) (string, error)
	// Close releases any per-snapshot browser state (e.g. extra windows).
	Close(ctx context.Context) error
}

// LanguageDetector is the optional language-identification collaborator
// of §4.8 step 8.
type LanguageDetector interface {
	Detect(text string) (languageCode string, ok bool)
}

// pluginTags are the element tags §4.8 step 6 treats as plugin evidence.
var pluginTags = []string{"object", "embed", "applet", "app", "bgsound"}

// Scout drives one iteration of the scouting loop per call to Run.
type Scout struct {
	db       *store.DB
	sel      *selector.Selector
	archive  *archiveclient.Client
	cfg      config.ScoutConfig
	vocab    config.VocabularyConfig
	renderer Renderer
	language LanguageDetector
	tokens   Tokenizer
}

// New builds a Scout. tokenizer and language may be nil; a nil tokenizer
// defaults to DefaultTokenizer and a nil language detector disables step 8
// regardless of cfg.DetectLanguage.
func New(db *store.DB, sel *selector.Selector, archive *archiveclient.Client, cfg config.ScoutConfig, vocab config.VocabularyConfig, renderer Renderer, language LanguageDetector, tokenizer Tokenizer) *Scout {
	if tokenizer == nil {
		tokenizer = DefaultTokenizer{}
	}
	return &Scout{db: db, sel: sel, archive: archive, cfg: cfg, vocab: vocab, renderer: renderer, language: language, tokens: tokenizer}
}

// Run implements scheduler.Job: it refreshes the vocabulary once, then
// scouts up to maxIterations snapshots, stopping early when the Selector
// has nothing left to offer.
func (sc *Scout) Run(ctx context.Context, maxIterations int) (processed int, err error) {
	if err := sc.refreshVocabulary(ctx); err != nil {
		return 0, fmt.Errorf("scout: refreshing vocabulary: %w", err)
	}

	for processed < maxIterations {
		snapshot, err := sc.sel.ScoutPick(ctx)
		if errors.Is(err, selector.ErrNoCandidate) {
			logging.Info().Msg("scout ran out of snapshots to scout")
			break
		}
		if err != nil {
			return processed, fmt.Errorf("scout: picking next snapshot: %w", err)
		}

		if err := sc.scoutOne(ctx, snapshot); err != nil {
			logging.Err(err).Int64("snapshot_id", snapshot.ID).Msg("scout iteration failed")
		}
		processed++
	}
	return processed, nil
}

// refreshVocabulary implements §4.8 step 1: idempotent upsert of the
// configured words/tags/sensitive terms, deletion of orphaned entries no
// longer configured and no longer referenced by any snapshot, and the
// flat media-points constant.
func (sc *Scout) refreshVocabulary(ctx context.Context) error {
	return sc.db.Tx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `UPDATE word SET points = 0, is_sensitive = 0;`); err != nil {
			return fmt.Errorf("resetting word attributes: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM word WHERE id IN (
				SELECT w.id FROM word w
				LEFT JOIN snapshot_word sw ON sw.word_id = w.id
				WHERE sw.word_id IS NULL AND w.points = 0 AND w.is_sensitive = 0
			);`); err != nil {
			return fmt.Errorf("deleting orphan words: %w", err)
		}

		for _, w := range sc.vocab.Words {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO word (word, is_tag, points, is_sensitive) VALUES (?, ?, ?, ?)
				ON CONFLICT (word, is_tag) DO UPDATE SET points = excluded.points, is_sensitive = excluded.is_sensitive;`,
				strings.ToLower(w.Word), boolToInt(w.IsTag), w.Points, boolToInt(w.IsSensitive)); err != nil {
				return fmt.Errorf("upserting word %q: %w", w.Word, err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO config (name, value) VALUES ('media_points', ?)
			ON CONFLICT (name) DO UPDATE SET value = excluded.value;`,
			fmt.Sprintf("%v", sc.vocab.MediaPoints)); err != nil {
			return fmt.Errorf("writing media_points: %w", err)
		}
		return nil
	})
}

// scoutOne implements §4.8 steps 3-10 for one picked snapshot.
func (sc *Scout) scoutOne(ctx context.Context, s *store.SnapshotInfo) error {
	defer sc.renderer.Close(ctx)

	waybackURL := sc.archive.SnapshotURL(s.Timestamp, store.ModifierIframe, s.URL)
	finalURL, redirected, err := sc.renderer.Navigate(ctx, waybackURL)
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("navigating to snapshot: %w", err))
	}
	if redirected {
		return sc.handleRedirect(ctx, s, finalURL)
	}

	blank, err := sc.renderer.OnBlankPage(ctx)
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("checking blank page: %w", err))
	}
	if blank {
		return sc.markMislabeledMedia(ctx, s)
	}

	frames, err := sc.renderer.TraverseFrames(ctx, store.ModifierIframe)
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("traversing frames: %w", err))
	}

	counts := make(map[wordKey]int)
	var urls []Link
	var allText strings.Builder
	for _, f := range frames {
		for _, link := range f.Links {
			if isArchiveHost(link.URL) {
				continue
			}
			urls = append(urls, link)
		}
		allText.WriteString(f.InnerText)
		allText.WriteString(". ")
		for _, word := range sc.tokens.Tokenize(f.InnerText) {
			counts[wordKey{word: word, isTag: false}]++
		}
	}

	tagCounts, err := sc.renderer.CountTags(ctx, tagNames(sc.vocab))
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("counting tags: %w", err))
	}
	for tag, n := range tagCounts {
		if n > 0 {
			counts[wordKey{word: tag, isTag: true}] = n
		}
	}

	usesPlugins, err := sc.renderer.UsesPlugins(ctx)
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("detecting plugin usage: %w", err))
	}
	pageUsesPlugins := s.PageUsesPlugins || usesPlugins

	pageTitle, err := sc.renderer.Title(ctx)
	if err != nil {
		return sc.invalidate(ctx, s.ID, fmt.Errorf("reading page title: %w", err))
	}

	var pageLanguage string
	if sc.cfg.DetectLanguage && sc.language != nil {
		if lang, ok := sc.language.Detect(allText.String()); ok {
			pageLanguage = lang
		}
	}

	urls = dedupeLinks(urls)
	children := sc.findChildren(ctx, s, urls)

	return sc.commit(ctx, s, pageTitle, pageLanguage, pageUsesPlugins, counts, children)
}

type wordKey struct {
	word  string
	isTag bool
}

func tagNames(vocab config.VocabularyConfig) []string {
	seen := make(map[string]bool)
	var tags []string
	for _, w := range vocab.Words {
		if w.IsTag && !seen[w.Word] {
			seen[w.Word] = true
			tags = append(tags, w.Word)
		}
	}
	for _, t := range pluginTags {
		if !seen[t] {
			seen[t] = true
			tags = append(tags, t)
		}
	}
	return tags
}

func dedupeLinks(links []Link) []Link {
	seen := make(map[string]bool, len(links))
	out := make([]Link, 0, len(links))
	for _, l := range links {
		key := l.URL + "|" + l.Timestamp
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, l)
	}
	return out
}

func isArchiveHost(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	host := strings.ToLower(u.Hostname())
	return strings.HasSuffix(host, "archive.org")
}

// childCandidate is one prospective child snapshot, resolved against the
// archive before insertion (§4.8 step 9).
type childCandidate struct {
	capture   archiveclient.Capture
	lastMod   string
	requested string
}

func (sc *Scout) findChildren(ctx context.Context, parent *store.SnapshotInfo, links []Link) []childCandidate {
	var children []childCandidate
	for _, link := range links {
		timestamp := link.Timestamp
		if timestamp == "" {
			timestamp = parent.Timestamp
		}

		capture, err := sc.archive.FindBest(ctx, timestamp, link.URL)
		if err != nil {
			logging.Warn().Str("url", link.URL).Err(err).Msg("scout could not locate a capture for a harvested link")
			continue
		}

		snapshotURL := sc.archive.SnapshotURL(capture.Timestamp, store.ModifierIdentity, capture.Original)
		lastMod, err := sc.archive.Enrich(ctx, snapshotURL)
		if err != nil {
			logging.Warn().Str("url", link.URL).Err(err).Msg("scout could not enrich a harvested link's capture")
		}

		children = append(children, childCandidate{capture: capture, lastMod: lastMod, requested: link.URL})
	}
	return children
}

// commit writes the traversal's results in one transaction: child
// snapshots and their topology edges, the snapshot_word rewrite, and the
// parent's own scouted state (§4.8 step 10).
func (sc *Scout) commit(ctx context.Context, s *store.SnapshotInfo, pageTitle, pageLanguage string, pageUsesPlugins bool, counts map[wordKey]int, children []childCandidate) error {
	return sc.db.Tx(ctx, func(tx *sql.Tx) error {
		for _, c := range children {
			state := store.StateQueued
			if c.capture.IsMedia {
				state = store.StateScouted
			}
			res, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO snapshot (parent_id, depth, state, is_media, media_extension, url, timestamp, last_modified_time, url_key, digest)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?);`,
				s.ID, s.Depth+1, state, boolToInt(c.capture.IsMedia), c.capture.MediaExtension,
				c.capture.Original, c.capture.Timestamp, nullableString(c.lastMod), c.capture.URLKey, nullableString(c.capture.Digest))
			if err != nil {
				return fmt.Errorf("inserting child snapshot: %w", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT OR IGNORE INTO topology (parent_id, child_id)
				SELECT ?, id FROM snapshot WHERE url = ? AND timestamp = ?;`,
				s.ID, c.capture.Original, c.capture.Timestamp); err != nil {
				return fmt.Errorf("inserting topology edge: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM snapshot_word WHERE snapshot_id = ?;`, s.ID); err != nil {
			return fmt.Errorf("clearing snapshot_word: %w", err)
		}
		for key, count := range counts {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO snapshot_word (snapshot_id, word_id, count)
				SELECT ?, id, ? FROM word WHERE word = ? AND is_tag = ?;`,
				s.ID, count, key.word, boolToInt(key.isTag)); err != nil {
				return fmt.Errorf("inserting snapshot_word: %w", err)
			}
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE snapshot SET state = ?, page_language = ?, page_title = ?, page_uses_plugins = ? WHERE id = ?;`,
			store.StateScouted, nullableString(pageLanguage), nullableString(pageTitle), boolToInt(pageUsesPlugins), s.ID); err != nil {
			return fmt.Errorf("updating scouted snapshot: %w", err)
		}

		if s.Priority >= store.ScoutPriority && s.Priority < store.RecordPriority {
			if _, err := tx.ExecContext(ctx, `UPDATE snapshot SET priority = ? WHERE id = ?;`, store.NoPriority, s.ID); err != nil {
				return fmt.Errorf("clearing scout priority: %w", err)
			}
		}
		return nil
	})
}

func (sc *Scout) invalidate(ctx context.Context, snapshotID int64, cause error) error {
	if _, err := sc.db.Conn().ExecContext(ctx, `UPDATE snapshot SET state = ? WHERE id = ?;`, store.StateInvalid, snapshotID); err != nil {
		return fmt.Errorf("invalidating snapshot after %v: %w", cause, err)
	}
	return cause
}

// markMislabeledMedia implements §4.8 step 4: a page that never left the
// blank tab was actually a downloadable file the archive mis-typed as HTML.
func (sc *Scout) markMislabeledMedia(ctx context.Context, s *store.SnapshotInfo) error {
	ext := mediaExtensionFromURL(s.URL)
	_, err := sc.db.Conn().ExecContext(ctx, `
		UPDATE snapshot SET state = ?, is_media = 1, media_extension = ?,
			priority = CASE WHEN priority >= ? AND priority < ? THEN ? ELSE priority END
		WHERE id = ?;`,
		store.StateScouted, ext, store.ScoutPriority, store.RecordPriority, store.NoPriority, s.ID)
	if err != nil {
		return fmt.Errorf("marking mislabeled media: %w", err)
	}
	return nil
}

// handleRedirect implements the rest of §4.8 step 3: the original target
// is invalidated and, unless the redirect only landed on another archive
// page, the destination is enqueued as a standalone child.
func (sc *Scout) handleRedirect(ctx context.Context, s *store.SnapshotInfo, redirectURL string) error {
	if _, err := sc.db.Conn().ExecContext(ctx, `UPDATE snapshot SET state = ? WHERE id = ?;`, store.StateInvalid, s.ID); err != nil {
		return fmt.Errorf("invalidating redirected snapshot: %w", err)
	}
	if isArchiveHost(redirectURL) {
		return nil
	}

	capture, err := sc.archive.FindBest(ctx, s.Timestamp, redirectURL)
	if err != nil {
		logging.Warn().Str("url", redirectURL).Err(err).Msg("scout could not locate a capture for a redirect target")
		return nil
	}
	if err := sc.commit(ctx, s, "", "", false, nil, []childCandidate{{capture: capture, requested: redirectURL}}); err != nil {
		return err
	}
	// commit marks s SCOUTED; the redirected snapshot goes back to INVALID.
	if _, err := sc.db.Conn().ExecContext(ctx, `UPDATE snapshot SET state = ? WHERE id = ?;`, store.StateInvalid, s.ID); err != nil {
		return fmt.Errorf("invalidating redirected snapshot: %w", err)
	}
	return nil
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
