package database

import (
	"database/sql"
	"fmt"
)

// Reader wraps a read-side connection. Queries paginate by `id > cursor
// LIMIT n` so callers can walk large result sets without OFFSET scans.
type Reader struct {
	db *sql.DB
}

func NewReader(db *sql.DB) *Reader { return &Reader{db: db} }

func (r *Reader) Close() error { return r.db.Close() }

// Page selects a slice of a result set. Cursor is the last seen id.
type Page struct {
	Cursor int64
	Limit  int
}

func (p Page) limit() int {
	if p.Limit <= 0 || p.Limit > 1000 {
		return 100
	}
	return p.Limit
}

// Window bounds created_at. Zero means unbounded on that side.
type Window struct {
	From int64
	To   int64
}

type ProcessRow struct {
	ID         int64  `json:"id"`
	TS         int64  `json:"ts"`
	SensorGUID string `json:"sensor_guid"`
	PID        uint32 `json:"pid"`
	PPID       uint32 `json:"ppid"`
	ImagePath  string `json:"image_path"`
	Cmdline    string `json:"cmdline"`
	CreatedAt  int64  `json:"created_at"`
}

// ProcessEventsByPID answers "recent events for pid X".
func (r *Reader) ProcessEventsByPID(pid uint32, page Page) ([]ProcessRow, error) {
	return r.processEvents("pid = ? AND id > ?", pid, page)
}

// ProcessEventsInWindow answers "events of this kind in window W".
func (r *Reader) ProcessEventsInWindow(win Window, page Page) ([]ProcessRow, error) {
	rows, err := r.db.Query(
		"SELECT id, ts, sensor_guid, pid, ppid, image_path, cmdline, created_at FROM process_event WHERE created_at >= ? AND (? = 0 OR created_at <= ?) AND id > ? ORDER BY id LIMIT ?",
		win.From, win.To, win.To, page.Cursor, page.limit())
	if err != nil {
		return nil, fmt.Errorf("query process_event window: %w", err)
	}
	return scanProcessRows(rows)
}

func (r *Reader) processEvents(where string, arg any, page Page) ([]ProcessRow, error) {
	rows, err := r.db.Query(
		"SELECT id, ts, sensor_guid, pid, ppid, image_path, cmdline, created_at FROM process_event WHERE "+where+" ORDER BY id LIMIT ?",
		arg, page.Cursor, page.limit())
	if err != nil {
		return nil, fmt.Errorf("query process_event: %w", err)
	}
	return scanProcessRows(rows)
}

func scanProcessRows(rows *sql.Rows) ([]ProcessRow, error) {
	defer rows.Close()
	var out []ProcessRow
	for rows.Next() {
		var p ProcessRow
		if err := rows.Scan(&p.ID, &p.TS, &p.SensorGUID, &p.PID, &p.PPID, &p.ImagePath, &p.Cmdline, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type ScanRow struct {
	ID         int64  `json:"id"`
	TS         int64  `json:"ts"`
	SensorGUID string `json:"sensor_guid"`
	File       string `json:"file"`
	RuleName   string `json:"rule_name"`
	Severity   string `json:"severity"`
	Matches    string `json:"matches"`
	CreatedAt  int64  `json:"created_at"`
}

// ScanHits lists scan results, optionally restricted to one file path.
func (r *Reader) ScanHits(file string, page Page) ([]ScanRow, error) {
	rows, err := r.db.Query(
		"SELECT id, ts, sensor_guid, file, rule_name, severity, matches, created_at FROM file_scanner WHERE (? = '' OR file = ?) AND id > ? ORDER BY id LIMIT ?",
		file, file, page.Cursor, page.limit())
	if err != nil {
		return nil, fmt.Errorf("query file_scanner: %w", err)
	}
	defer rows.Close()
	var out []ScanRow
	for rows.Next() {
		var s ScanRow
		if err := rows.Scan(&s.ID, &s.TS, &s.SensorGUID, &s.File, &s.RuleName, &s.Severity, &s.Matches, &s.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

type RegistryRow struct {
	ID         int64  `json:"id"`
	TS         int64  `json:"ts"`
	SensorGUID string `json:"sensor_guid"`
	OpType     uint32 `json:"op_type"`
	KeyPath    string `json:"key_path"`
	ProcessID  uint32 `json:"process_id"`
	CreatedAt  int64  `json:"created_at"`
}

// RegistryEventsByKeyPrefix answers key-prefix queries over registry_event.
func (r *Reader) RegistryEventsByKeyPrefix(prefix string, page Page) ([]RegistryRow, error) {
	rows, err := r.db.Query(
		"SELECT id, ts, sensor_guid, op_type, key_path, process_id, created_at FROM registry_event WHERE key_path LIKE ? || '%' AND id > ? ORDER BY id LIMIT ?",
		prefix, page.Cursor, page.limit())
	if err != nil {
		return nil, fmt.Errorf("query registry_event: %w", err)
	}
	defer rows.Close()
	var out []RegistryRow
	for rows.Next() {
		var g RegistryRow
		if err := rows.Scan(&g.ID, &g.TS, &g.SensorGUID, &g.OpType, &g.KeyPath, &g.ProcessID, &g.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// CountRows reports the row count of one event table. Health and tests use
// it; table names come from the fixed retention list, never from input.
func (r *Reader) CountRows(table string) (int64, error) {
	for _, t := range retentionTables {
		if t == table {
			var n int64
			err := r.db.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n)
			return n, err
		}
	}
	return 0, fmt.Errorf("unknown table %q", table)
}
