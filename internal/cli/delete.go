package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/registry"
	"github.com/joaohenggeler/wanderer-go/internal/store"
)

// DeleteOptions are the four independent switches `delete` accepts; any
// combination may be set, and at least one must be to do anything.
type DeleteOptions struct {
	Unapproved bool
	Compiled   bool
	Temporary  bool
	Registry   bool
}

// ErrNoDeleteOption is returned when every DeleteOptions field is false.
var ErrNoDeleteOption = errors.New("delete: no option selected")

// Delete removes the on-disk files of unapproved and/or compiled
// recordings, leftover temporary files, and/or leftover plugin registry
// keys, per opts. backend may be nil unless opts.Registry is set.
func Delete(ctx context.Context, db *store.DB, storeCfg config.StoreConfig, cliCfg config.CLIConfig, backend registry.Backend, opts DeleteOptions, w io.Writer) error {
	if !opts.Unapproved && !opts.Compiled && !opts.Temporary && !opts.Registry {
		return ErrNoDeleteOption
	}

	if opts.Unapproved {
		recordings, err := queryRecordings(ctx, db, `
			SELECT id, snapshot_id, is_processed, has_audio, upload_filename, archive_filename,
				text_to_speech_filename, creation_time, publish_time
			FROM recording WHERE is_processed = 1 AND publish_time IS NULL ORDER BY creation_time;`)
		if err != nil {
			return fmt.Errorf("delete: querying unapproved recordings: %w", err)
		}
		fmt.Fprintf(w, "Deleting the files from %d unapproved recordings.\n", len(recordings))
		deleted, total := deleteRecordingFiles(storeCfg, recordings, w)
		fmt.Fprintf(w, "Deleted %d of %d unapproved recordings.\n", deleted, total)
	}

	if opts.Compiled {
		recordings, err := queryRecordings(ctx, db, `
			SELECT r.id, r.snapshot_id, r.is_processed, r.has_audio, r.upload_filename, r.archive_filename,
				r.text_to_speech_filename, r.creation_time, r.publish_time
			FROM recording r
			JOIN recording_compilation rc ON rc.recording_id = r.id
			ORDER BY rc.compilation_id, rc.position;`)
		if err != nil {
			return fmt.Errorf("delete: querying compiled recordings: %w", err)
		}
		fmt.Fprintf(w, "Deleting the files from %d compiled recordings.\n", len(recordings))
		deleted, total := deleteRecordingFiles(storeCfg, recordings, w)
		fmt.Fprintf(w, "Deleted %d of %d compiled recordings.\n", deleted, total)
	}

	if opts.Temporary {
		deleted, total, err := deleteTemporaryPaths(cliCfg.TempPathPrefix, w)
		if err != nil {
			return fmt.Errorf("delete: sweeping temporary paths: %w", err)
		}
		fmt.Fprintf(w, "Deleted %d of %d temporary files/directories.\n", deleted, total)
	}

	if opts.Registry {
		for _, key := range cliCfg.LeftoverRegistryKeys {
			fmt.Fprintf(w, "- Registry Key: %s\n", key)
			if backend == nil {
				continue
			}
			if _, err := backend.Delete(key); err != nil {
				fmt.Fprintf(w, "  could not delete: %v\n", err)
			}
		}
	}

	return nil
}

// recordingRow is the subset of a recording row delete needs, with
// CreationTime kept as the raw stored string rather than parsed into a
// time.Time: the compact TimestampFormat layout recording/enqueue write
// isn't one of the sqlite3 driver's recognized auto-parse layouts.
type recordingRow struct {
	ID                   int64
	CreationTime         string
	UploadFilename       string
	ArchiveFilename      string
	TextToSpeechFilename string
}

func queryRecordings(ctx context.Context, db *store.DB, query string) ([]recordingRow, error) {
	rows, err := db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recordings []recordingRow
	for rows.Next() {
		var r recordingRow
		var snapshotID int64
		var isProcessed, hasAudio int
		var archiveFilename, ttsFilename, publishTime *string
		if err := rows.Scan(&r.ID, &snapshotID, &isProcessed, &hasAudio, &r.UploadFilename,
			&archiveFilename, &ttsFilename, &r.CreationTime, &publishTime); err != nil {
			return nil, err
		}
		if archiveFilename != nil {
			r.ArchiveFilename = *archiveFilename
		}
		if ttsFilename != nil {
			r.TextToSpeechFilename = *ttsFilename
		}
		recordings = append(recordings, r)
	}
	return recordings, rows.Err()
}

// deleteRecordingFiles deletes each recording's upload, archive, and
// text-to-speech files (any of which may be absent) and reports one line
// per attempt, mirroring the original tool's delete_recordings().
func deleteRecordingFiles(storeCfg config.StoreConfig, recordings []recordingRow, w io.Writer) (deleted, total int) {
	deleteOne := func(r recordingRow, filename string) {
		if filename == "" {
			return
		}
		total++
		path := filepath.Join(storeCfg.RecordingsPath, filename)
		fmt.Fprintf(w, "- Recording #%d (%s): %s\n", r.ID, r.CreationTime, path)
		if deleteFile(path) {
			deleted++
		}
	}

	for _, r := range recordings {
		deleteOne(r, r.UploadFilename)
		deleteOne(r, r.ArchiveFilename)
		deleteOne(r, r.TextToSpeechFilename)
	}
	return deleted, total
}

func deleteTemporaryPaths(prefix string, w io.Writer) (deleted, total int, err error) {
	matches, err := filepath.Glob(filepath.Join(os.TempDir(), prefix+"*"))
	if err != nil {
		return 0, 0, err
	}

	for _, path := range matches {
		total++
		fmt.Fprintf(w, "- Temporary: %s\n", path)
		info, statErr := os.Stat(path)
		if statErr != nil {
			continue
		}
		if info.IsDir() {
			if os.RemoveAll(path) == nil {
				deleted++
			}
		} else if deleteFile(path) {
			deleted++
		}
	}
	return deleted, total, nil
}

func deleteFile(path string) bool {
	return os.Remove(path) == nil
}
