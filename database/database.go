// Package database persists decoded events into an embedded SQLite store.
// One table per high-cardinality event family, WAL journaling, and a single
// writer goroutine behind a bounded submission queue. Readers use their own
// connections and see WAL-consistent snapshots.
package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// SchemaVersion is the version this build writes. Opening a newer store
// fails closed; opening an older one runs the ordered migrations below.
const SchemaVersion = 2

// journalSizeLimit caps the WAL size between checkpoints.
const journalSizeLimit = 50 * 1024 * 1024

var ErrSchemaTooNew = errors.New("database: store schema is newer than this build")

// DB owns the writer connection. Read connections are opened separately via
// OpenReader so queries never contend with the single-writer discipline.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates or opens the store at path, applies the runtime pragmas, and
// creates or migrates the schema.
func Open(path string) (*DB, error) {
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store directory: %w", err)
		}
	}

	conn, err := sql.Open("sqlite3", path+"?_busy_timeout=1000")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// All mutations flow through one goroutine; a single connection keeps
	// the WAL writer lock stable.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		fmt.Sprintf("PRAGMA journal_size_limit=%d", journalSizeLimit),
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}

	db := &DB{conn: conn, path: path}
	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// OpenReader opens an independent read-only connection against the same
// file, the same way external tools read the store through the WAL.
func (db *DB) OpenReader() (*sql.DB, error) {
	r, err := sql.Open("sqlite3", "file:"+db.path+"?_busy_timeout=1000&mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open reader: %w", err)
	}
	return r, nil
}

// OpenAux opens a secondary read-write connection for low-volume side
// tables (behavioral matches). The event hot path stays on the single
// writer; WAL plus the busy timeout serializes the rare overlap.
func (db *DB) OpenAux() (*sql.DB, error) {
	aux, err := sql.Open("sqlite3", db.path+"?_busy_timeout=1000")
	if err != nil {
		return nil, fmt.Errorf("open aux connection: %w", err)
	}
	aux.SetMaxOpenConns(1)
	return aux, nil
}

// Close checkpoints the WAL and closes the writer connection.
func (db *DB) Close() error {
	_, _ = db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return db.conn.Close()
}

// Checkpoint truncates the WAL back into the main file.
func (db *DB) Checkpoint() error {
	_, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (db *DB) migrate() error {
	var version int
	err := db.conn.QueryRow("SELECT version FROM schema_version").Scan(&version)
	switch {
	case err == nil:
	case errors.Is(err, sql.ErrNoRows) || isMissingTable(err):
		version = 0
	default:
		return fmt.Errorf("read schema version: %w", err)
	}

	if version > SchemaVersion {
		return fmt.Errorf("%w: store=%d build=%d", ErrSchemaTooNew, version, SchemaVersion)
	}
	for v := version; v < SchemaVersion; v++ {
		if _, err := db.conn.Exec(migrations[v]); err != nil {
			return fmt.Errorf("migrate schema %d -> %d: %w", v, v+1, err)
		}
		if _, err := db.conn.Exec("UPDATE schema_version SET version = ?", v+1); err != nil {
			return fmt.Errorf("record schema version %d: %w", v+1, err)
		}
	}
	return nil
}

func isMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

// migrations[v] moves the schema from version v to v+1.
var migrations = []string{
	// 0 -> 1: full base schema.
	`
	CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL);
	INSERT INTO schema_version (version) VALUES (0);

	CREATE TABLE IF NOT EXISTS process_event (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		pid         INTEGER NOT NULL,
		ppid        INTEGER NOT NULL,
		image_path  TEXT NOT NULL,
		cmdline     TEXT,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_process_event_pid ON process_event(pid);
	CREATE INDEX IF NOT EXISTS idx_process_event_created ON process_event(created_at);

	CREATE TABLE IF NOT EXISTS image_load_event (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		ts              INTEGER NOT NULL,
		sensor_guid     TEXT NOT NULL,
		image_base      INTEGER NOT NULL,
		image_size      INTEGER NOT NULL,
		full_image_name TEXT NOT NULL,
		process_id      INTEGER NOT NULL,
		created_at      INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_image_load_process ON image_load_event(process_id);
	CREATE INDEX IF NOT EXISTS idx_image_load_created ON image_load_event(created_at);

	CREATE TABLE IF NOT EXISTS registry_event (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		op_type     INTEGER NOT NULL,
		key_path    TEXT NOT NULL,
		old_value   BLOB,
		new_value   BLOB,
		process_id  INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_registry_key ON registry_event(key_path);
	CREATE INDEX IF NOT EXISTS idx_registry_process ON registry_event(process_id);
	CREATE INDEX IF NOT EXISTS idx_registry_created ON registry_event(created_at);

	CREATE TABLE IF NOT EXISTS file_event (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		op          TEXT NOT NULL,
		path        TEXT NOT NULL,
		new_path    TEXT,
		pid         INTEGER NOT NULL,
		exe_path    TEXT,
		size        INTEGER NOT NULL,
		sha256      BLOB,
		success     INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_event_pid ON file_event(pid);
	CREATE INDEX IF NOT EXISTS idx_file_event_created ON file_event(created_at);

	CREATE TABLE IF NOT EXISTS network_event (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		direction   TEXT NOT NULL,
		proto       TEXT NOT NULL,
		src_ip      TEXT NOT NULL,
		src_port    INTEGER NOT NULL,
		dst_ip      TEXT NOT NULL,
		dst_port    INTEGER NOT NULL,
		pid         INTEGER NOT NULL,
		exe_path    TEXT,
		bytes       INTEGER NOT NULL,
		blocked     INTEGER NOT NULL,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_network_event_pid ON network_event(pid);
	CREATE INDEX IF NOT EXISTS idx_network_event_created ON network_event(created_at);

	CREATE TABLE IF NOT EXISTS etw_event (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		ts            INTEGER NOT NULL,
		sensor_guid   TEXT NOT NULL,
		provider_guid TEXT NOT NULL,
		event_id      INTEGER NOT NULL,
		level         INTEGER NOT NULL,
		pid           INTEGER NOT NULL,
		tid           INTEGER NOT NULL,
		json_payload  BLOB,
		created_at    INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_etw_event_pid ON etw_event(pid);
	CREATE INDEX IF NOT EXISTS idx_etw_event_created ON etw_event(created_at);

	CREATE TABLE IF NOT EXISTS file_scanner (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		file        TEXT NOT NULL,
		rule_name   TEXT NOT NULL,
		severity    TEXT NOT NULL,
		matches     TEXT,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_file_scanner_file ON file_scanner(file);
	CREATE INDEX IF NOT EXISTS idx_file_scanner_created ON file_scanner(created_at);

	CREATE TABLE IF NOT EXISTS hook_event (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		ts           INTEGER NOT NULL,
		sensor_guid  TEXT NOT NULL,
		pid          INTEGER NOT NULL,
		tid          INTEGER NOT NULL,
		payload_kind TEXT NOT NULL,
		status       INTEGER NOT NULL,
		created_at   INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_hook_event_pid ON hook_event(pid);
	CREATE INDEX IF NOT EXISTS idx_hook_event_kind_created ON hook_event(payload_kind, created_at);

	CREATE TABLE IF NOT EXISTS hook_event_nt_create_thread_ex (
		id             INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id       INTEGER NOT NULL REFERENCES hook_event(id) ON DELETE CASCADE,
		start_routine  INTEGER NOT NULL,
		start_argument INTEGER NOT NULL,
		create_flags   INTEGER NOT NULL,
		process_handle INTEGER NOT NULL,
		desired_access INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS hook_event_nt_map_view_of_section (
		id              INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id        INTEGER NOT NULL REFERENCES hook_event(id) ON DELETE CASCADE,
		base_address    INTEGER NOT NULL,
		view_size       INTEGER NOT NULL,
		win32_protect   INTEGER NOT NULL,
		allocation_type INTEGER NOT NULL,
		process_handle  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS hook_event_nt_protect_virtual_memory (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id     INTEGER NOT NULL REFERENCES hook_event(id) ON DELETE CASCADE,
		base_address INTEGER NOT NULL,
		region_size  INTEGER NOT NULL,
		new_protect  INTEGER NOT NULL,
		old_protect  INTEGER NOT NULL
	);
	CREATE TABLE IF NOT EXISTS hook_event_nt_set_value_key (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		event_id   INTEGER NOT NULL REFERENCES hook_event(id) ON DELETE CASCADE,
		key_path   TEXT NOT NULL,
		value_name TEXT NOT NULL,
		value_type INTEGER NOT NULL,
		data_size  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS generic_event (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		ts          INTEGER NOT NULL,
		sensor_guid TEXT NOT NULL,
		tag         INTEGER NOT NULL,
		raw         BLOB,
		created_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_generic_event_created ON generic_event(created_at);
	`,
	// 1 -> 2: behavioral detection matches.
	`
	CREATE TABLE IF NOT EXISTS sigma_match (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id    TEXT NOT NULL,
		rule_name  TEXT NOT NULL,
		pid        INTEGER NOT NULL,
		image_path TEXT,
		cmdline    TEXT,
		severity   TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_sigma_match_created ON sigma_match(created_at);
	`,
}

// retentionTables lists every table swept by created_at. Hook detail rows
// are retained by join to their parent and cascade on delete.
var retentionTables = []string{
	"process_event",
	"image_load_event",
	"registry_event",
	"file_event",
	"network_event",
	"etw_event",
	"file_scanner",
	"hook_event",
	"generic_event",
	"sigma_match",
}

// sweepRetention deletes rows older than the per-table retention, falling
// back to def for tables without an explicit setting.
func (db *DB) sweepRetention(retention map[string]time.Duration, def time.Duration, now time.Time) error {
	for _, table := range retentionTables {
		keep := def
		if d, ok := retention[table]; ok {
			keep = d
		}
		if keep <= 0 {
			continue
		}
		cutoff := now.Add(-keep).Unix()
		if _, err := db.conn.Exec("DELETE FROM "+table+" WHERE created_at < ?", cutoff); err != nil {
			return fmt.Errorf("retention sweep %s: %w", table, err)
		}
	}
	return nil
}
