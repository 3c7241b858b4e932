package web

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gladix/agent/database"
	"github.com/gladix/agent/event"
)

func newServer(t *testing.T, status Status) *Server {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "gladix.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	w := database.NewWriter(db, database.WriterConfig{}, zaptest.NewLogger(t))
	_, err = w.InsertBatch([]*event.Event{
		{TS: 1, SensorGUID: "kdrv", Payload: &event.ProcessEvent{PID: 4242, PPID: 1, ImagePath: "C:\\x.exe", Cmdline: "x"}},
		{TS: 2, SensorGUID: "scan", Payload: &event.ScanResult{RuleID: "R_TEST", FilePath: "C:\\a.bin", Severity: event.SeverityHigh}},
	})
	require.NoError(t, err)
	w.Close()

	readConn, err := db.OpenReader()
	require.NoError(t, err)
	reader := database.NewReader(readConn)
	t.Cleanup(func() { reader.Close() })

	return NewServer("127.0.0.1:0", reader, func() Status { return status }, zaptest.NewLogger(t))
}

func get(t *testing.T, s *Server, handler func(http.ResponseWriter, *http.Request), url string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, url, nil)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestHealthzReflectsStatus(t *testing.T) {
	s := newServer(t, Status{Phase: "Running", RingAttached: true, StoreWritable: true, ScannerAlive: true})
	rec := get(t, s, s.handleHealth, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	require.Equal(t, "Running", st.Phase)

	unhealthy := newServer(t, Status{Phase: "Running", RingAttached: false, StoreWritable: true})
	rec = get(t, unhealthy, unhealthy.handleHealth, "/healthz")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestProcessEventsByPID(t *testing.T) {
	s := newServer(t, Status{Phase: "Running"})
	rec := get(t, s, s.handleProcessEvents, "/api/events/process?pid=4242")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []database.ProcessRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "C:\\x.exe", rows[0].ImagePath)

	rec = get(t, s, s.handleProcessEvents, "/api/events/process?pid=notanumber")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestScansByFile(t *testing.T) {
	s := newServer(t, Status{Phase: "Running"})
	rec := get(t, s, s.handleScans, "/api/scans?file=C:%5Ca.bin")
	require.Equal(t, http.StatusOK, rec.Code)

	var rows []database.ScanRow
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &rows))
	require.Len(t, rows, 1)
	require.Equal(t, "R_TEST", rows[0].RuleName)
}
