package store

// schemaStatements groups CREATE TABLE IF NOT EXISTS statements by entity,
// in dependency order, so the store can be (re)initialized idempotently
// against an empty or partially-populated file.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS snapshot (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parent_id INTEGER REFERENCES snapshot(id),
		depth INTEGER NOT NULL DEFAULT 0,
		state INTEGER NOT NULL DEFAULT 0,
		priority INTEGER NOT NULL DEFAULT 0,
		is_initial INTEGER NOT NULL DEFAULT 0,
		is_excluded INTEGER NOT NULL DEFAULT 0,
		is_media INTEGER NOT NULL DEFAULT 0,
		page_language TEXT,
		page_title TEXT,
		page_uses_plugins INTEGER NOT NULL DEFAULT 0,
		media_extension TEXT,
		media_title TEXT,
		media_author TEXT,
		scout_time TEXT,
		url TEXT NOT NULL,
		timestamp TEXT NOT NULL,
		last_modified_time TEXT,
		url_key TEXT NOT NULL,
		digest TEXT,
		is_sensitive_override INTEGER,
		options TEXT NOT NULL DEFAULT '{}',
		UNIQUE(url, timestamp),
		UNIQUE(url, digest)
	);`,

	`CREATE TABLE IF NOT EXISTS topology (
		parent_id INTEGER NOT NULL REFERENCES snapshot(id),
		child_id INTEGER NOT NULL REFERENCES snapshot(id),
		PRIMARY KEY (parent_id, child_id)
	);`,

	`CREATE TABLE IF NOT EXISTS word (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		word TEXT NOT NULL,
		is_tag INTEGER NOT NULL DEFAULT 0,
		points REAL NOT NULL DEFAULT 0,
		is_sensitive INTEGER NOT NULL DEFAULT 0,
		UNIQUE(word, is_tag)
	);`,

	`CREATE TABLE IF NOT EXISTS snapshot_word (
		snapshot_id INTEGER NOT NULL REFERENCES snapshot(id),
		word_id INTEGER NOT NULL REFERENCES word(id),
		count INTEGER NOT NULL DEFAULT 1,
		PRIMARY KEY (snapshot_id, word_id)
	);`,

	`CREATE TABLE IF NOT EXISTS recording (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL REFERENCES snapshot(id),
		is_processed INTEGER NOT NULL DEFAULT 0,
		has_audio INTEGER NOT NULL DEFAULT 0,
		upload_filename TEXT NOT NULL,
		archive_filename TEXT,
		text_to_speech_filename TEXT,
		creation_time TEXT NOT NULL,
		publish_time TEXT,
		twitter_id TEXT,
		mastodon_id TEXT,
		tumblr_id TEXT,
		bluesky_id TEXT
	);`,

	`CREATE TABLE IF NOT EXISTS saved_url (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		snapshot_id INTEGER NOT NULL REFERENCES snapshot(id),
		recording_id INTEGER NOT NULL REFERENCES recording(id),
		url TEXT NOT NULL UNIQUE,
		timestamp TEXT,
		failed INTEGER NOT NULL DEFAULT 0
	);`,

	`CREATE TABLE IF NOT EXISTS compilation (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		upload_filename TEXT NOT NULL,
		creation_time TEXT NOT NULL
	);`,

	`CREATE TABLE IF NOT EXISTS recording_compilation (
		compilation_id INTEGER NOT NULL REFERENCES compilation(id),
		recording_id INTEGER NOT NULL REFERENCES recording(id),
		position INTEGER NOT NULL,
		PRIMARY KEY (compilation_id, recording_id)
	);`,

	`CREATE TABLE IF NOT EXISTS config (
		name TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);`,

	// snapshot_info is the derived per-snapshot scoring projection from §3:
	// oldest_year, url_host, is_sensitive, and points per the §4.4 rules.
	// QUEUED snapshots (state = 0) return NULL points since they are not
	// yet scored.
	`CREATE VIEW IF NOT EXISTS snapshot_info AS
	SELECT
		s.*,
		CASE
			WHEN s.state = 0 THEN NULL
			WHEN s.is_media = 1 THEN (SELECT CAST(value AS REAL) FROM config WHERE name = 'media_points')
			WHEN EXISTS (
				SELECT 1 FROM snapshot_word sw JOIN word w ON w.id = sw.word_id
				WHERE sw.snapshot_id = s.id AND w.is_tag = 1
			) THEN (
				SELECT COALESCE(SUM(sw.count * w.points), 0)
				FROM snapshot_word sw JOIN word w ON w.id = sw.word_id
				WHERE sw.snapshot_id = s.id AND w.is_tag = 1
			)
			ELSE (
				SELECT COALESCE(SUM(MIN(sw.count, 1) * w.points), 0)
				FROM snapshot_word sw JOIN word w ON w.id = sw.word_id
				WHERE sw.snapshot_id = s.id AND w.is_tag = 0
			)
		END AS points,
		CASE
			WHEN s.is_sensitive_override IS NOT NULL THEN s.is_sensitive_override
			ELSE EXISTS (
				SELECT 1 FROM snapshot_word sw JOIN word w ON w.id = sw.word_id
				WHERE sw.snapshot_id = s.id AND w.is_sensitive = 1
			)
		END AS is_sensitive,
		CAST(substr(s.timestamp, 1, 4) AS INTEGER) AS timestamp_year,
		CASE
			WHEN s.last_modified_time >= '1991' AND s.last_modified_time < s.timestamp
				THEN CAST(substr(s.last_modified_time, 1, 4) AS INTEGER)
			ELSE CAST(substr(s.timestamp, 1, 4) AS INTEGER)
		END AS oldest_year,
		substr(s.url_key, 1, instr(s.url_key, ')') - 1) AS url_host
	FROM snapshot s;`,
}

var indexStatements = []string{
	`CREATE INDEX IF NOT EXISTS idx_snapshot_state_priority ON snapshot(state, priority DESC);`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_url_key ON snapshot(url_key);`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_parent ON snapshot(parent_id);`,
	`CREATE INDEX IF NOT EXISTS idx_topology_child ON topology(child_id);`,
	`CREATE INDEX IF NOT EXISTS idx_snapshot_word_word ON snapshot_word(word_id);`,
	`CREATE INDEX IF NOT EXISTS idx_recording_snapshot ON recording(snapshot_id, is_processed);`,
	`CREATE INDEX IF NOT EXISTS idx_saved_url_recording ON saved_url(recording_id);`,
	`CREATE INDEX IF NOT EXISTS idx_recording_compilation_recording ON recording_compilation(recording_id);`,
}

func (db *DB) createTables() error {
	for _, stmt := range schemaStatements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) createIndexes() error {
	for _, stmt := range indexStatements {
		if _, err := db.conn.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}
