package database

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/gladix/agent/event"
)

// insertEvent writes one event into its family table and returns the new
// row id. Runs inside the writer's batch transaction; callers never touch
// this outside the single-writer goroutine.
func insertEvent(tx *sql.Tx, ev *event.Event, createdAt int64) (int64, error) {
	switch p := ev.Payload.(type) {
	case *event.ProcessEvent:
		return lastID(tx.Exec(
			"INSERT INTO process_event (ts, sensor_guid, pid, ppid, image_path, cmdline, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.PID, p.PPID, p.ImagePath, p.Cmdline, createdAt))

	case *event.ImageLoadEvent:
		return lastID(tx.Exec(
			"INSERT INTO image_load_event (ts, sensor_guid, image_base, image_size, full_image_name, process_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, int64(p.ImageBase), int64(p.ImageSize), p.FullImageName, p.ProcessID, createdAt))

	case *event.RegistryEvent:
		return lastID(tx.Exec(
			"INSERT INTO registry_event (ts, sensor_guid, op_type, key_path, old_value, new_value, process_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.OpType, p.KeyPath, p.OldValue, p.NewValue, p.ProcessID, createdAt))

	case *event.FileEvent:
		return lastID(tx.Exec(
			"INSERT INTO file_event (ts, sensor_guid, op, path, new_path, pid, exe_path, size, sha256, success, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.Op.String(), p.Path, p.NewPath, p.PID, p.ExePath, int64(p.Size), p.SHA256, p.Success, createdAt))

	case *event.NetworkEvent:
		return lastID(tx.Exec(
			"INSERT INTO network_event (ts, sensor_guid, direction, proto, src_ip, src_port, dst_ip, dst_port, pid, exe_path, bytes, blocked, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.Direction.String(), p.Proto, p.SrcIP, p.SrcPort, p.DstIP, p.DstPort, p.PID, p.ExePath, int64(p.Bytes), p.Blocked, createdAt))

	case *event.EtwEvent:
		return lastID(tx.Exec(
			"INSERT INTO etw_event (ts, sensor_guid, provider_guid, event_id, level, pid, tid, json_payload, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.ProviderGUID, p.EventID, p.Level, p.PID, p.TID, p.JSONPayload, createdAt))

	case *event.ScanResult:
		matches, _ := json.Marshal(p.Matches)
		return lastID(tx.Exec(
			"INSERT INTO file_scanner (ts, sensor_guid, file, rule_name, severity, matches, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.FilePath, p.RuleID, p.Severity.String(), string(matches), createdAt))

	case *event.HookEvent:
		return insertHookEvent(tx, ev, p, createdAt)

	case *event.GenericEvent:
		return lastID(tx.Exec(
			"INSERT INTO generic_event (ts, sensor_guid, tag, raw, created_at) VALUES (?, ?, ?, ?, ?)",
			int64(ev.TS), ev.SensorGUID, p.Tag, p.Raw, createdAt))
	}
	return 0, fmt.Errorf("no table for payload kind %d", ev.Payload.Kind())
}

// insertHookEvent writes the parent row, then the per-kind detail row
// referencing it. Both live in the same transaction, so the parent exists
// whenever the detail does.
func insertHookEvent(tx *sql.Tx, ev *event.Event, p *event.HookEvent, createdAt int64) (int64, error) {
	id, err := lastID(tx.Exec(
		"INSERT INTO hook_event (ts, sensor_guid, pid, tid, payload_kind, status, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		int64(ev.TS), ev.SensorGUID, p.PID, p.TID, p.Detail.HookKind(), p.Status, createdAt))
	if err != nil {
		return 0, err
	}

	switch d := p.Detail.(type) {
	case *event.NtCreateThreadExDetail:
		_, err = tx.Exec(
			"INSERT INTO hook_event_nt_create_thread_ex (event_id, start_routine, start_argument, create_flags, process_handle, desired_access) VALUES (?, ?, ?, ?, ?, ?)",
			id, int64(d.StartRoutine), int64(d.StartArgument), int64(d.CreateFlags), int64(d.ProcessHandle), int64(d.DesiredAccess))
	case *event.NtMapViewOfSectionDetail:
		_, err = tx.Exec(
			"INSERT INTO hook_event_nt_map_view_of_section (event_id, base_address, view_size, win32_protect, allocation_type, process_handle) VALUES (?, ?, ?, ?, ?, ?)",
			id, int64(d.BaseAddress), int64(d.ViewSize), int64(d.Win32Protect), int64(d.AllocationType), int64(d.ProcessHandle))
	case *event.NtProtectVirtualMemoryDetail:
		_, err = tx.Exec(
			"INSERT INTO hook_event_nt_protect_virtual_memory (event_id, base_address, region_size, new_protect, old_protect) VALUES (?, ?, ?, ?, ?)",
			id, int64(d.BaseAddress), int64(d.RegionSize), int64(d.NewProtect), int64(d.OldProtect))
	case *event.NtSetValueKeyDetail:
		_, err = tx.Exec(
			"INSERT INTO hook_event_nt_set_value_key (event_id, key_path, value_name, value_type, data_size) VALUES (?, ?, ?, ?, ?)",
			id, d.KeyPath, d.ValueName, d.ValueType, d.DataSize)
	}
	if err != nil {
		return 0, fmt.Errorf("hook detail %s: %w", p.Detail.HookKind(), err)
	}
	return id, nil
}

func lastID(res sql.Result, err error) (int64, error) {
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}
