package agent

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gladix/agent/config"
	"github.com/gladix/agent/event"
	"github.com/gladix/agent/ring"
)

const e2eRules = `
id: R_TEST
name: test marker
severity: high
strings:
  marker: "GLADIXMATCH"
condition: marker
`

type harness struct {
	cfg      *config.Config
	producer *ring.Producer
	agent    *Agent
	runErr   chan error
	dbPath   string
	tmp      string
}

func startAgent(t *testing.T) *harness {
	t.Helper()
	tmp := t.TempDir()

	regionPath := filepath.Join(tmp, "ring.shm")
	region, err := ring.CreateNamed(regionPath, ring.RegionSize(1<<16))
	require.NoError(t, err)
	t.Cleanup(func() { region.Close() })

	producer, err := ring.Format(region.Bytes(), 1<<16, 0)
	require.NoError(t, err)

	rulesDir := filepath.Join(tmp, "rules")
	require.NoError(t, os.Mkdir(rulesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(rulesDir, "test.yaml"), []byte(e2eRules), 0o644))

	cfg := config.Default()
	cfg.Ring.Name = regionPath
	cfg.Ring.CapacityBytes = 1 << 16
	cfg.Store.Path = filepath.Join(tmp, "gladix.db")
	cfg.Scanner.RulesPath = rulesDir
	cfg.Sigma.RulesPath = ""
	cfg.HTTP.Listen = "127.0.0.1:0"
	require.NoError(t, cfg.Validate())

	a, err := New(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)

	h := &harness{cfg: cfg, producer: producer, agent: a, runErr: make(chan error, 1), dbPath: cfg.Store.Path, tmp: tmp}
	go func() { h.runErr <- a.Run() }()

	t.Cleanup(func() {
		a.Stop()
		require.Eventually(t, func() bool {
			return Phase(a.phase.Load()) == PhaseStopped
		}, 10*time.Second, 10*time.Millisecond)
	})
	return h
}

func (h *harness) enqueue(t *testing.T, ev *event.Event) {
	t.Helper()
	require.True(t, h.producer.TryEnqueue(event.Encode(ev)))
}

func (h *harness) query(t *testing.T, q string, args ...any) int {
	t.Helper()
	db, err := sql.Open("sqlite3", "file:"+h.dbPath+"?_busy_timeout=1000&mode=ro")
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(q, args...).Scan(&n))
	return n
}

func TestProcessCreateEndToEnd(t *testing.T) {
	h := startAgent(t)

	h.enqueue(t, &event.Event{
		TS:         1_700_000_000_000_000_000,
		SensorGUID: "kdrv",
		Payload:    &event.ProcessEvent{PID: 4242, PPID: 100, ImagePath: "C:\\x.exe", Cmdline: "x --q"},
	})

	require.Eventually(t, func() bool {
		return h.query(t, "SELECT COUNT(*) FROM process_event WHERE pid = 4242 AND ppid = 100 AND image_path = ? AND cmdline = ?", "C:\\x.exe", "x --q") == 1
	}, 10*time.Second, 20*time.Millisecond)

	db, err := sql.Open("sqlite3", "file:"+h.dbPath+"?mode=ro")
	require.NoError(t, err)
	defer db.Close()
	var createdAt int64
	require.NoError(t, db.QueryRow("SELECT created_at FROM process_event WHERE pid = 4242").Scan(&createdAt))
	require.InDelta(t, time.Now().Unix(), createdAt, 5)
}

func TestFileWriteTriggersScanEndToEnd(t *testing.T) {
	h := startAgent(t)

	target := filepath.Join(h.tmp, "a.bin")
	require.NoError(t, os.WriteFile(target, []byte("xx GLADIXMATCH yy"), 0o644))

	h.enqueue(t, &event.Event{
		TS:         2,
		SensorGUID: "kdrv",
		Payload: &event.FileEvent{
			Op: event.FileWrite, Path: target, PID: 1, ExePath: "C:\\e.exe", Size: 17, Success: true,
		},
	})

	require.Eventually(t, func() bool {
		return h.query(t, "SELECT COUNT(*) FROM file_scanner WHERE file = ? AND rule_name = 'R_TEST' AND severity = 'HIGH'", target) == 1
	}, 10*time.Second, 20*time.Millisecond)

	require.Eventually(t, func() bool {
		return h.query(t, "SELECT COUNT(*) FROM file_event WHERE path = ?", target) == 1
	}, 10*time.Second, 20*time.Millisecond)
}

func TestDecodeErrorRecoveryEndToEnd(t *testing.T) {
	h := startAgent(t)

	// A frame the decoder rejects is a Data error: counted, dropped, and
	// the stream keeps flowing.
	require.True(t, h.producer.TryEnqueue([]byte{0xFF, 0xFF, 0xFF}))
	h.enqueue(t, &event.Event{
		TS: 3, SensorGUID: "kdrv",
		Payload: &event.ProcessEvent{PID: 77, ImagePath: "C:\\ok.exe"},
	})

	require.Eventually(t, func() bool {
		return h.query(t, "SELECT COUNT(*) FROM process_event WHERE pid = 77") == 1
	}, 10*time.Second, 20*time.Millisecond)
	require.EqualValues(t, 1, h.agent.decodeErrors.Load())
}

func TestCleanShutdownPersistsEverything(t *testing.T) {
	h := startAgent(t)

	const n = 1000
	for i := 0; i < n; i++ {
		ev := &event.Event{
			TS:         uint64(i),
			SensorGUID: "kdrv",
			Payload:    &event.ProcessEvent{PID: uint32(i + 1), ImagePath: "C:\\x.exe"},
		}
		for !h.producer.TryEnqueue(event.Encode(ev)) {
			time.Sleep(100 * time.Microsecond)
		}
	}

	// Let the drainer consume the ring before stopping.
	require.Eventually(t, func() bool {
		return h.agent.consumer.Frames() == n
	}, 10*time.Second, 10*time.Millisecond)

	h.agent.Stop()
	require.NoError(t, <-h.runErr)
	require.Equal(t, PhaseStopped, Phase(h.agent.phase.Load()))

	st := h.agent.Status()
	require.EqualValues(t, n, st.EventsPersisted+st.EventsDropped)
	require.EqualValues(t, int(st.EventsPersisted), h.query(t, "SELECT COUNT(*) FROM process_event"))

	// WAL checkpointed on close: the sidecar is gone or truncated.
	if fi, err := os.Stat(h.dbPath + "-wal"); err == nil {
		require.Zero(t, fi.Size())
	}
}

func TestStatusSurface(t *testing.T) {
	h := startAgent(t)

	require.Eventually(t, func() bool {
		return h.agent.Status().Phase == "Running"
	}, 5*time.Second, 10*time.Millisecond)

	st := h.agent.Status()
	require.True(t, st.RingAttached)
	require.True(t, st.StoreWritable)
	require.True(t, st.ScannerAlive)
}
