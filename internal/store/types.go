package store

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// State is the ordered snapshot lifecycle enum (§4.1). The integer values
// are stored directly and are meaningful for SQL comparisons: a query for
// "at least RECORDED" is a plain `state >= 4`.
type State int

const (
	StateQueued    State = 0
	StateInvalid   State = 1
	StateScouted   State = 2
	StateAborted   State = 3
	StateRecorded  State = 4
	StateRejected  State = 5
	StateApproved  State = 6
	StatePublished State = 7
	StateWithheld  State = 8
)

var stateNames = map[State]string{
	StateQueued:    "QUEUED",
	StateInvalid:   "INVALID",
	StateScouted:   "SCOUTED",
	StateAborted:   "ABORTED",
	StateRecorded:  "RECORDED",
	StateRejected:  "REJECTED",
	StateApproved:  "APPROVED",
	StatePublished: "PUBLISHED",
	StateWithheld:  "WITHHELD",
}

// String renders a state's canonical name, or a numeric fallback for an
// out-of-range value rather than panicking.
func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN(" + strconv.Itoa(int(s)) + ")"
}

// Priority bucket boundaries (§invariant 3): quantized into buckets of
// size 1000, with the low bits reserved for randomized tie-breaking
// within a bucket.
const (
	PriorityBucketSize = 1000
	NoPriority         = 0
	ScoutPriority      = 1000
	RecordPriority     = 2000
	PublishPriority    = 3000
)

// RandomizePriority adds a sub-bucket random offset in [0, PriorityBucketSize)
// to a bucket base, preserving bucket ordering while breaking ties.
func RandomizePriority(base int, jitter int) int {
	if jitter < 0 {
		jitter = 0
	}
	if jitter >= PriorityBucketSize {
		jitter = PriorityBucketSize - 1
	}
	return base + jitter
}

// PriorityName returns the name of the bucket a priority value falls into.
func PriorityName(priority int) string {
	switch {
	case priority >= PublishPriority:
		return "PUBLISH"
	case priority >= RecordPriority:
		return "RECORD"
	case priority >= ScoutPriority:
		return "SCOUT"
	default:
		return "NONE"
	}
}

// TimestampFormat is the archive's 14-digit capture timestamp layout.
const TimestampFormat = "20060102150405"

// Snapshot modifier constants, carried from the archive's URL syntax
// (e.g. .../20020120142510if_/http://example.com/).
const (
	ModifierIframe  = "if_"
	ModifierOriginal = "oe_"
	ModifierIdentity = "id_"
)

// SnapshotOptions is the JSON bag of per-snapshot tunables gated by the
// configured mutable-options allow-list.
type SnapshotOptions struct {
	Emojis                  []string `json:"emojis,omitempty"`
	Encoding                string   `json:"encoding,omitempty"`
	MediaExtensionOverride  string   `json:"media_extension_override,omitempty"`
	Notes                   string   `json:"notes,omitempty"`
	Script                  string   `json:"script,omitempty"`
	Tags                    []string `json:"tags,omitempty"`
	TitleOverride           string   `json:"title_override,omitempty"`
}

// Snapshot is a particular archive capture of a URL at a timestamp.
type Snapshot struct {
	ID                  int64
	ParentID            *int64
	Depth               int
	State               State
	Priority            int
	IsInitial           bool
	IsExcluded          bool
	IsMedia             bool
	PageLanguage        string
	PageTitle           string
	PageUsesPlugins     bool
	MediaExtension      string
	MediaTitle          string
	MediaAuthor         string
	ScoutTime           *time.Time
	URL                 string
	Timestamp           string
	LastModifiedTime    string
	URLKey              string
	Digest              string
	IsSensitiveOverride *bool
	Options             SnapshotOptions
}

// OldestTimestamp applies the invariant from §8: oldest_timestamp =
// min(timestamp, last_modified_time) only when last_modified_time is a
// plausible archive-era date (lexicographically >= "1991"); otherwise it
// equals timestamp. Both values share the YYYYMMDDHHMMSS layout, so a
// lexicographic string comparison is a correct chronological comparison.
func (s Snapshot) OldestTimestamp() string {
	if s.LastModifiedTime >= "1991" && s.LastModifiedTime != "" && s.LastModifiedTime < s.Timestamp {
		return s.LastModifiedTime
	}
	return s.Timestamp
}

// DisplayTitle falls back through title override, media title, page
// title, and finally the bare URL.
func (s Snapshot) DisplayTitle() string {
	if s.Options.TitleOverride != "" {
		return s.Options.TitleOverride
	}
	if s.IsMedia && s.MediaTitle != "" {
		return s.MediaTitle
	}
	if s.PageTitle != "" {
		return s.PageTitle
	}
	return s.URL
}

// DisplayMetadata formats a short operator-facing summary line.
func (s Snapshot) DisplayMetadata() string {
	var b strings.Builder
	b.WriteString(s.DisplayTitle())
	b.WriteString(" [")
	b.WriteString(s.State.String())
	b.WriteString("] ")
	b.WriteString(s.Timestamp)
	if s.IsMedia {
		b.WriteString(" (media")
		if s.MediaExtension != "" {
			b.WriteString(": ")
			b.WriteString(s.MediaExtension)
		}
		b.WriteString(")")
	}
	return b.String()
}

// MarshalOptions serializes Options to JSON for storage in the options column.
func (s Snapshot) MarshalOptions() ([]byte, error) {
	return json.Marshal(s.Options)
}

// Topology records one observed (parent, child) link-graph edge,
// independent of Snapshot.ParentID since a child may be discovered from
// several parents.
type Topology struct {
	ParentID int64
	ChildID  int64
}

// Word is one vocabulary entry: unique on (Word, IsTag).
type Word struct {
	ID          int64
	Word        string
	IsTag       bool
	Points      float64
	IsSensitive bool
}

// SnapshotWord is the bag-of-words join between a Snapshot and a Word.
type SnapshotWord struct {
	SnapshotID int64
	WordID     int64
	Count      int
}

// Recording is one captured video artifact for a Snapshot.
type Recording struct {
	ID                  int64
	SnapshotID          int64
	IsProcessed         bool
	HasAudio            bool
	UploadFilename      string
	ArchiveFilename     string
	TextToSpeechFilename string
	CreationTime        time.Time
	PublishTime         *time.Time
	TwitterID           string
	MastodonID          string
	TumblrID            string
	BlueskyID           string
}

// SavedUrl is one missing-asset backfill attempt produced during recording.
type SavedUrl struct {
	ID          int64
	SnapshotID  int64
	RecordingID int64
	URL         string
	Timestamp   string
	Failed      bool
}

// Compilation is a single concatenated video built from many recordings.
type Compilation struct {
	ID           int64
	UploadFilename string
	CreationTime time.Time
}

// RecordingCompilation is the ordered membership of a Recording within a
// Compilation.
type RecordingCompilation struct {
	CompilationID int64
	RecordingID   int64
	Position      int
}

// ConfigRow is one key/value override consulted by the scoring view.
type ConfigRow struct {
	Name  string
	Value string
}

// SnapshotInfo is the derived per-snapshot scoring/selection projection
// (§3's "Derived view: SnapshotInfo").
type SnapshotInfo struct {
	Snapshot
	OldestYear  int
	URLHost     string
	IsSensitive bool
	Points      *float64
}
