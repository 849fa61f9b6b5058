// Package store provides the durable, transactional persistence layer
// (C1): snapshots, topology, words, recordings, compilations, and the
// saved-URL backfill log, all in one SQLite-compatible file.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mattn/go-sqlite3"

	"github.com/joaohenggeler/wanderer-go/internal/config"
	"github.com/joaohenggeler/wanderer-go/internal/logging"
)

// driverInstanceCounter gives each *DB its own registered driver name, so
// each instance's is_url_key_allowed closure is wired to that instance's
// own allowHost rather than a process-wide singleton registered once.
var driverInstanceCounter int64

// registerDriver registers a fresh driver name bound to this allowHost and
// returns it for sql.Open to use.
func registerDriver(allowHost func(urlKey string) bool) string {
	name := fmt.Sprintf("sqlite3_wanderer_%d", atomic.AddInt64(&driverInstanceCounter, 1))
	sql.Register(name, &sqlite3.SQLiteDriver{
		ConnectHook: func(conn *sqlite3.SQLiteConn) error {
			if err := conn.RegisterFunc("is_url_key_allowed", func(urlKey string) bool {
				return allowHost(urlKey)
			}, true); err != nil {
				return fmt.Errorf("registering is_url_key_allowed: %w", err)
			}
			if err := conn.RegisterFunc("rank_snapshot_by_points", rankSnapshotByPoints, false); err != nil {
				return fmt.Errorf("registering rank_snapshot_by_points: %w", err)
			}
			return nil
		},
	})
	return name
}

// DB wraps the SQLite connection. Write transactions are serialized through
// writeMu, and the pool is limited to one connection, so reads are not
// concurrent either: a read waits until any open transaction or query
// releases that connection.
type DB struct {
	conn *sql.DB
	cfg  *config.StoreConfig

	writeMu sync.Mutex

	stmtCache   map[string]*sql.Stmt
	stmtCacheMu sync.RWMutex
}

// New opens (creating if needed) the SQLite-compatible store file, enables
// WAL journaling and foreign keys, and ensures the schema exists.
//
// allowHost backs the is_url_key_allowed SQL scalar function; it is
// typically the host allow/deny check from SelectorConfig.
func New(cfg *config.StoreConfig, allowHost func(urlKey string) bool) (*DB, error) {
	if allowHost == nil {
		allowHost = func(string) bool { return true }
	}
	driverName := registerDriver(allowHost)

	dir := filepath.Dir(cfg.Path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating store directory %s: %w", dir, err)
		}
	}

	busyTimeout := cfg.BusyTimeoutMS
	if busyTimeout <= 0 {
		busyTimeout = 5000
	}
	dsn := fmt.Sprintf(
		"%s?_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_busy_timeout=%d",
		cfg.Path, busyTimeout,
	)

	conn, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("opening store %s: %w", cfg.Path, err)
	}

	// go-sqlite3 serializes writers itself via SQLITE_BUSY/_busy_timeout.
	// The pool is kept to a single connection, so every read also waits
	// for any write transaction in progress to finish.
	conn.SetMaxOpenConns(1)

	db := &DB{
		conn:      conn,
		cfg:       cfg,
		stmtCache: make(map[string]*sql.Stmt),
	}

	if err := db.initialize(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	return db, nil
}

func (db *DB) initialize() error {
	if err := db.createTables(); err != nil {
		return err
	}
	if err := db.createIndexes(); err != nil {
		return err
	}
	return nil
}

// Conn returns the underlying *sql.DB for callers that need raw access
// (e.g. the statusserver's read-only stats queries).
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Ping checks that the connection is alive.
func (db *DB) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

// Checkpoint flushes the WAL into the main database file.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.conn.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE);")
	return err
}

// Close flushes pending writes and closes the connection. It performs a
// checkpoint first so an unclean shutdown never leaves an oversized WAL
// file to replay on the next start.
func (db *DB) Close() error {
	db.stmtCacheMu.Lock()
	for _, stmt := range db.stmtCache {
		if stmt != nil {
			_ = stmt.Close()
		}
	}
	db.stmtCache = make(map[string]*sql.Stmt)
	db.stmtCacheMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.Checkpoint(ctx); err != nil {
		logging.Warn().Err(err).Msg("checkpoint before close failed")
	}

	return db.conn.Close()
}

// Tx runs fn inside a write transaction, committing on success and rolling
// back on error or panic. Per §4.2, any SQL error during a worker
// iteration rolls back — callers are expected to sleep a configured
// backoff and retry the next iteration rather than treat this as fatal.
func (db *DB) Tx(ctx context.Context, fn func(tx *sql.Tx) error) (err error) {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("%w (rollback also failed: %v)", err, rbErr)
		}
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// prepared returns a cached prepared statement for query, preparing it on
// first use.
func (db *DB) prepared(ctx context.Context, query string) (*sql.Stmt, error) {
	db.stmtCacheMu.RLock()
	stmt, ok := db.stmtCache[query]
	db.stmtCacheMu.RUnlock()
	if ok {
		return stmt, nil
	}

	db.stmtCacheMu.Lock()
	defer db.stmtCacheMu.Unlock()
	if stmt, ok := db.stmtCache[query]; ok {
		return stmt, nil
	}

	stmt, err := db.conn.PrepareContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("preparing query: %w", err)
	}
	db.stmtCache[query] = stmt
	return stmt, nil
}

// Query runs a read-only parameterized query using the prepared-statement cache.
func (db *DB) Query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	stmt, err := db.prepared(ctx, query)
	if err != nil {
		return nil, err
	}
	return stmt.QueryContext(ctx, args...)
}

// QueryRow runs a read-only parameterized query expected to return one row.
func (db *DB) QueryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	stmt, err := db.prepared(ctx, query)
	if err != nil {
		// sql.Row defers error reporting to Scan; running the query
		// unprepared hands the same failure to the caller's Scan.
		return db.conn.QueryRowContext(ctx, query, args...)
	}
	return stmt.QueryRowContext(ctx, args...)
}
