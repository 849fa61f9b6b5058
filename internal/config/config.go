// Package config loads the pipeline's single JSON configuration document.
//
// Layering follows the same koanf pattern used for the rest of this
// codebase's ambient stack: compiled-in struct defaults, then an optional
// config file, then environment variable overrides. Config is one JSON
// object with a nested object per worker/subsystem name.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar names the environment variable that points at the config file.
const ConfigPathEnvVar = "WANDERER_CONFIG_PATH"

// DefaultConfigPaths are searched, in order, when ConfigPathEnvVar is unset.
var DefaultConfigPaths = []string{
	"./config.json",
	"/etc/wanderer/config.json",
}

// RateLimitConfig parameterizes one moving-window limiter.
type RateLimitConfig struct {
	Amount        int     `koanf:"amount"`
	WindowSeconds float64 `koanf:"window_seconds"`
	PollFrequency float64 `koanf:"poll_frequency"`
}

// RateGateConfig holds the three named limiters required by §4.3.
type RateGateConfig struct {
	Archive RateLimitConfig `koanf:"archive"`
	CDX     RateLimitConfig `koanf:"cdx"`
	Save    RateLimitConfig `koanf:"save"`
}

// ArchiveConfig configures the archive-aware HTTP client (C3).
type ArchiveConfig struct {
	SnapshotBaseURL  string  `koanf:"snapshot_base_url"`
	CDXBaseURL       string  `koanf:"cdx_base_url"`
	SaveBaseURL      string  `koanf:"save_base_url"`
	RequestTimeout   float64 `koanf:"request_timeout_seconds"`
	RetryBackoff     float64 `koanf:"retry_backoff_seconds"`
	RetryMaxWait     float64 `koanf:"retry_max_wait_seconds"`
	RetryMaxAttempts int     `koanf:"retry_max_attempts"`
}

// StoreConfig configures the persistence layer (C1).
type StoreConfig struct {
	Path             string `koanf:"path"`
	RecordingsPath   string `koanf:"recordings_path"`
	CompilationsPath string `koanf:"compilations_path"`
	BucketSize       int    `koanf:"bucket_size"`
	BusyTimeoutMS    int    `koanf:"busy_timeout_ms"`
}

// SelectorConfig tunes the four Selector picks (C5).
type SelectorConfig struct {
	MaxDepth                     int     `koanf:"max_depth"`
	MaxRequiredDepth             int     `koanf:"max_required_depth"`
	MinYear                      int     `koanf:"min_year"`
	MaxYear                      int     `koanf:"max_year"`
	RankOffset                   float64 `koanf:"rank_offset"`
	MinPublishDaysForSameURL     int     `koanf:"min_publish_days_for_same_url"`
	MinRecordingsForSameHost     int     `koanf:"min_recordings_for_same_host"`
	AllowedMediaExtensions       []string `koanf:"allowed_media_extensions"`
}

// ScoutConfig configures C7.
type ScoutConfig struct {
	Schedule          string   `koanf:"schedule"`
	MaxIterations     int      `koanf:"max_iterations"`
	RetryBackoff      float64  `koanf:"retry_backoff_seconds"`
	JapaneseSegmenter bool     `koanf:"japanese_segmenter"`
	DetectLanguage    bool     `koanf:"detect_language"`
	BlockedHosts      []string `koanf:"blocked_hosts"`
	// ExcludedURLTags lists element tag names (e.g. "script") whose href
	// attribute is never followed when harvesting links from a frame.
	ExcludedURLTags []string `koanf:"excluded_url_tags"`
}

// RecordConfig configures C8.
type RecordConfig struct {
	Schedule                       string   `koanf:"schedule"`
	MaxIterations                  int      `koanf:"max_iterations"`
	PageLoadTimeout                float64  `koanf:"page_load_timeout_seconds"`
	PluginLoadWait                 float64  `koanf:"plugin_load_wait_seconds"`
	CacheWait                      float64  `koanf:"cache_wait_seconds"`
	ProxyTotalTimeout              float64  `koanf:"proxy_total_timeout_seconds"`
	BasePluginCrashTimeout         float64  `koanf:"base_plugin_crash_timeout_seconds"`
	MinDuration                    float64  `koanf:"min_duration_seconds"`
	MaxDuration                    float64  `koanf:"max_duration_seconds"`
	ScrollStep                     int      `koanf:"scroll_step_pixels"`
	MaxConsecutiveSaveTries        int      `koanf:"max_consecutive_save_tries"`
	MaxTotalSaveTries              int      `koanf:"max_total_save_tries"`
	ReplayCooldownDays             int      `koanf:"replay_cooldown_days"`
	EnableNarration                bool     `koanf:"enable_narration"`
	EnableAudioMix                 bool     `koanf:"enable_audio_mix"`
	MultiAssetMediaExtensions      []string `koanf:"multi_asset_media_extensions"`
	MediaFallbackDuration          float64  `koanf:"media_fallback_duration_seconds"`
	BaseWaitAfterLoad              float64  `koanf:"base_wait_after_load_seconds"`
	WaitAfterLoadPerPluginInstance float64  `koanf:"wait_after_load_per_plugin_instance_seconds"`
	BaseWaitPerScroll              float64  `koanf:"base_wait_per_scroll_seconds"`
	WaitAfterScrollPerPluginInstance float64 `koanf:"wait_after_scroll_per_plugin_instance_seconds"`
	// PluginSyncMode picks how plugin content is nudged to resync with the
	// capture clock: "none", "reload-before", "reload-twice", or
	// "unload-delayed".
	PluginSyncMode    string  `koanf:"plugin_sync_mode"`
	PluginUnloadDelay float64 `koanf:"plugin_unload_delay_seconds"`
	// EnableMissingURLBackfill turns on step 12's numeric-neighbor probing
	// and ArchiveClient.Save calls for URLs the proxy never saw served
	// from the archive during the cache-warm pass.
	EnableMissingURLBackfill bool `koanf:"enable_missing_url_backfill"`
}

// ApproveConfig configures C9.
type ApproveConfig struct {
	RequireApproval bool `koanf:"require_approval"`
}

// PublishTargetConfig describes one configured social-network backend.
type PublishTargetConfig struct {
	Name          string `koanf:"name"`
	Enabled       bool   `koanf:"enabled"`
	MaxVideoBytes int64  `koanf:"max_video_bytes"`
	MaxVideoSecs  int    `koanf:"max_video_seconds"`
	TitleBudget   int    `koanf:"title_budget"`
}

// PublishConfig configures C10.
type PublishConfig struct {
	Schedule                  string                `koanf:"schedule"`
	BatchSize                 int                   `koanf:"batch_size"`
	Concurrency               int                   `koanf:"concurrency"`
	Targets                   []PublishTargetConfig `koanf:"targets"`
	ShowMediaMetadata         bool                  `koanf:"show_media_metadata"`
	FlagSensitiveSnapshots    bool                  `koanf:"flag_sensitive_snapshots"`
	ReplyWithTextToSpeech     bool                  `koanf:"reply_with_text_to_speech"`
	NarrationSegmentSeconds   int                   `koanf:"narration_segment_seconds"`
	MaxNarrationSegments      int                   `koanf:"max_narration_segments"`
	DeleteFilesAfterUpload    bool                  `koanf:"delete_files_after_upload"`
	APIWaitSeconds            float64               `koanf:"api_wait_seconds"`
}

// CompileConfig configures C11.
type CompileConfig struct {
	TransitionColor    string  `koanf:"transition_color"`
	TransitionDuration float64 `koanf:"transition_duration_seconds"`
	TransitionSFX      string  `koanf:"transition_sfx_path"`
}

// ProxyConfig configures the interception proxy (C6).
type ProxyConfig struct {
	BinaryPath         string  `koanf:"binary_path"`
	ListenAddress      string  `koanf:"listen_address"`
	BlockNonArchive    bool    `koanf:"block_non_archive"`
	EnableLiveBackfill bool    `koanf:"enable_live_backfill"`
	CDXFallbackRPS     float64 `koanf:"cdx_fallback_requests_per_second"`
}

// SchedulerConfig is consulted by cron parsing; present for documentation —
// each worker's own Schedule field carries the actual cron expression.
type SchedulerConfig struct {
	TimeZone string `koanf:"time_zone"`
}

// ServerConfig configures the optional operator HTTP surface.
type ServerConfig struct {
	ListenAddress string `koanf:"listen_address"`
	Enabled       bool   `koanf:"enabled"`
}

// EventBusConfig configures the best-effort internal pub/sub.
type EventBusConfig struct {
	Enabled bool `koanf:"enabled"`
}

// CLIConfig configures the one-shot operator subcommands in internal/cli.
type CLIConfig struct {
	// TempPathPrefix names the prefix `delete -temporary` globs for under
	// os.TempDir(), mirroring the original tool's own temp-file naming.
	TempPathPrefix string `koanf:"temp_path_prefix"`
	// LeftoverRegistryKeys are the plugin configuration keys `delete
	// -registry` clears directly through a registry.Backend, independent
	// of any in-progress recording's own registry.Scope.
	LeftoverRegistryKeys []string `koanf:"leftover_registry_keys"`
}

// WordConfig is one declarative vocabulary entry (§3's Word entity),
// refreshed into the store at Scout startup.
type WordConfig struct {
	Word        string  `koanf:"word"`
	IsTag       bool    `koanf:"is_tag"`
	Points      float64 `koanf:"points"`
	IsSensitive bool    `koanf:"is_sensitive"`
}

// VocabularyConfig declares the scoring vocabulary and the flat media
// score, both surfaced through the Config table consulted by
// `snapshot_info` and refreshed idempotently by the Scout.
type VocabularyConfig struct {
	MediaPoints float64      `koanf:"media_points"`
	Words       []WordConfig `koanf:"words"`
}

// LoggingConfig mirrors internal/logging.Config for JSON/env loading.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Config is the top-level document: one object per worker/subsystem name.
type Config struct {
	Logging   LoggingConfig   `koanf:"logging"`
	Store     StoreConfig     `koanf:"store"`
	RateGate  RateGateConfig  `koanf:"rategate"`
	Archive   ArchiveConfig   `koanf:"archive"`
	Selector   SelectorConfig   `koanf:"selector"`
	Vocabulary VocabularyConfig `koanf:"vocabulary"`
	Scout      ScoutConfig      `koanf:"scout"`
	Record     RecordConfig     `koanf:"record"`
	Approve    ApproveConfig    `koanf:"approve"`
	Publish    PublishConfig    `koanf:"publish"`
	Compile    CompileConfig    `koanf:"compile"`
	Proxy      ProxyConfig      `koanf:"proxy"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	Server     ServerConfig     `koanf:"server"`
	EventBus   EventBusConfig   `koanf:"eventbus"`
	CLI        CLIConfig        `koanf:"cli"`

	// MutableOptions is the allow-list contract for Snapshot.options (§9):
	// only these keys may be written by a worker at snapshot-apply time.
	// Unknown keys are rejected here, at config load, not later.
	MutableOptions []string `koanf:"mutable_options"`
}

func defaultConfig() *Config {
	return &Config{
		Logging: LoggingConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Path:             "./data/wanderer.db",
			RecordingsPath:   "./data/recordings",
			CompilationsPath: "./data/compilations",
			BucketSize:       1000,
			BusyTimeoutMS:    5000,
		},
		RateGate: RateGateConfig{
			Archive: RateLimitConfig{Amount: 60, WindowSeconds: 60, PollFrequency: 1},
			CDX:     RateLimitConfig{Amount: 30, WindowSeconds: 60, PollFrequency: 1},
			Save:    RateLimitConfig{Amount: 15, WindowSeconds: 60, PollFrequency: 1},
		},
		Archive: ArchiveConfig{
			SnapshotBaseURL:  "https://web.archive.org/web",
			CDXBaseURL:       "https://web.archive.org/cdx/search/cdx",
			SaveBaseURL:      "https://web.archive.org/save",
			RequestTimeout:   30,
			RetryBackoff:     2,
			RetryMaxWait:     120,
			RetryMaxAttempts: 5,
		},
		Selector: SelectorConfig{
			MaxDepth:                 10,
			MaxRequiredDepth:         3,
			MinYear:                  1991,
			MaxYear:                  2010,
			RankOffset:               2,
			MinPublishDaysForSameURL: 180,
			MinRecordingsForSameHost: 1,
		},
		Vocabulary: VocabularyConfig{
			MediaPoints: 5,
			Words: []WordConfig{
				{Word: "vrml", IsTag: true, Points: 5},
				{Word: "shockwave", IsTag: true, Points: 5},
				{Word: "java applet", IsTag: true, Points: 4},
				{Word: "midi", IsTag: true, Points: 3},
				{Word: "flash", IsTag: true, Points: 3},
				{Word: "guestbook", Points: 1},
				{Word: "webring", Points: 1},
				{Word: "under construction", Points: 1},
				{Word: "geocities", Points: 1},
				{Word: "xxx", IsSensitive: true},
				{Word: "porn", IsSensitive: true},
				{Word: "nude", IsSensitive: true},
				{Word: "gore", IsSensitive: true},
			},
		},
		Scout: ScoutConfig{
			Schedule:        "*/15 * * * *",
			MaxIterations:   1,
			RetryBackoff:    5,
			DetectLanguage:  true,
			ExcludedURLTags: []string{"script", "style", "link"},
		},
		Record: RecordConfig{
			Schedule:               "*/20 * * * *",
			MaxIterations:          1,
			PageLoadTimeout:        60,
			PluginLoadWait:         5,
			CacheWait:              10,
			ProxyTotalTimeout:      30,
			BasePluginCrashTimeout: 20,
			MinDuration:            15,
			MaxDuration:            120,
			ScrollStep:             300,
			MaxConsecutiveSaveTries:          3,
			MaxTotalSaveTries:                10,
			ReplayCooldownDays:               365,
			MultiAssetMediaExtensions:        []string{"wrl", "wrz", "dcr", "dir", "dxr"},
			MediaFallbackDuration:            30,
			BaseWaitAfterLoad:                3,
			WaitAfterLoadPerPluginInstance:   2,
			BaseWaitPerScroll:                1,
			WaitAfterScrollPerPluginInstance: 0.5,
			PluginSyncMode:                   "none",
			PluginUnloadDelay:                2,
			EnableMissingURLBackfill:         true,
		},
		Approve: ApproveConfig{RequireApproval: true},
		Publish: PublishConfig{
			Schedule:    "0 */6 * * *",
			BatchSize:   5,
			Concurrency: 2,
			Targets: []PublishTargetConfig{
				{Name: "twitter", Enabled: true, MaxVideoBytes: 512 * 1024 * 1024, MaxVideoSecs: 140, TitleBudget: 240},
				{Name: "mastodon", Enabled: true, MaxVideoBytes: 200 * 1024 * 1024, MaxVideoSecs: 300, TitleBudget: 450},
			},
			ShowMediaMetadata:       true,
			FlagSensitiveSnapshots:  true,
			ReplyWithTextToSpeech:   true,
			NarrationSegmentSeconds: 140,
			MaxNarrationSegments:    5,
			DeleteFilesAfterUpload:  false,
			APIWaitSeconds:          1,
		},
		Compile: CompileConfig{
			TransitionColor:    "black",
			TransitionDuration: 1.5,
		},
		Proxy: ProxyConfig{
			ListenAddress:      "127.0.0.1:8899",
			BlockNonArchive:    true,
			EnableLiveBackfill: true,
			CDXFallbackRPS:     2,
		},
		Scheduler: SchedulerConfig{TimeZone: "UTC"},
		Server:    ServerConfig{ListenAddress: "127.0.0.1:8080", Enabled: false},
		EventBus:  EventBusConfig{Enabled: false},
		CLI: CLIConfig{
			TempPathPrefix: "wanderer-tmp-",
			LeftoverRegistryKeys: []string{
				"shockwave.allow_fallback",
				"shockwave.renderer_3d_setting",
				"cosmo_player.install",
				"threedvia_player.config",
			},
		},
		MutableOptions: []string{
			"emojis", "encoding", "media_extension_override", "notes", "script", "tags", "title_override",
		},
	}
}

// Load reads the layered configuration: struct defaults, then an optional
// JSON file (path from WANDERER_CONFIG_PATH or DefaultConfigPaths), then
// environment variable overrides such as WANDERER_STORE_PATH for
// store.path. Every underscore after the prefix becomes a nesting dot, so
// a key whose own name contains an underscore (store.bucket_size) cannot
// be overridden this way.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading config defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), json.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider("WANDERER_", ".", envTransform), nil); err != nil {
		return nil, fmt.Errorf("loading config env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := validateMutableOptions(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func findConfigFile() string {
	if explicit := os.Getenv(ConfigPathEnvVar); explicit != "" {
		return explicit
	}
	for _, p := range DefaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envTransform maps WANDERER_STORE_PATH -> store.path, etc.
func envTransform(key string) string {
	trimmed := strings.TrimPrefix(key, "WANDERER_")
	return strings.ToLower(strings.ReplaceAll(trimmed, "_", "."))
}

// validateMutableOptions rejects unknown per-snapshot option keys at load
// time, per the design note in §9: reject unknown keys at config load, not
// at snapshot-apply time.
func validateMutableOptions(cfg *Config) error {
	allowed := map[string]bool{
		"emojis": true, "encoding": true, "media_extension_override": true,
		"notes": true, "script": true, "tags": true, "title_override": true,
	}
	for _, opt := range cfg.MutableOptions {
		if !allowed[opt] {
			return fmt.Errorf("config: unknown mutable option %q is not a recognized per-snapshot field", opt)
		}
	}
	return nil
}
