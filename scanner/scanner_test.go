package scanner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gladix/agent/event"
	"github.com/gladix/agent/rules"
)

const scanRules = `
id: R_TEST
name: test marker
severity: high
strings:
  marker: "GLADIXMATCH"
condition: marker
`

type collector struct {
	mu     sync.Mutex
	events []*event.Event
}

func (c *collector) emit(ev *event.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return true
}

func (c *collector) results() []*event.ScanResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*event.ScanResult
	for _, ev := range c.events {
		if sr, ok := ev.Payload.(*event.ScanResult); ok {
			out = append(out, sr)
		}
	}
	return out
}

func newOrchestrator(t *testing.T, cfg Config) (*Orchestrator, *collector) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(scanRules), 0o644))
	engine, err := rules.NewEngine(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	sink := &collector{}
	cfg.SensorGUID = "scanner-test"
	o, err := New(cfg, engine, sink.emit, zaptest.NewLogger(t))
	require.NoError(t, err)
	o.Start()
	t.Cleanup(o.Stop)
	return o, sink
}

func TestMatchingFileEmitsScanResult(t *testing.T) {
	o, sink := newOrchestrator(t, Config{})

	path := filepath.Join(t.TempDir(), "a.bin")
	require.NoError(t, os.WriteFile(path, []byte("xx GLADIXMATCH yy"), 0o644))
	require.True(t, o.TryEnqueue(path, 17))

	require.Eventually(t, func() bool { return len(sink.results()) == 1 }, 5*time.Second, 5*time.Millisecond)

	sr := sink.results()[0]
	require.Equal(t, "R_TEST", sr.RuleID)
	require.Equal(t, path, sr.FilePath)
	require.Equal(t, event.SeverityHigh, sr.Severity)
	require.NotEmpty(t, sr.Matches)
	require.EqualValues(t, 1, o.Stats().RuleHits)
}

func TestNonMatchingFileEmitsNothing(t *testing.T) {
	o, sink := newOrchestrator(t, Config{})

	path := filepath.Join(t.TempDir(), "clean.bin")
	require.NoError(t, os.WriteFile(path, []byte("nothing here"), 0o644))
	require.True(t, o.TryEnqueue(path, 12))

	require.Eventually(t, func() bool { return o.Stats().Scans == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Empty(t, sink.results())
}

func TestMissingFileIsNotAnError(t *testing.T) {
	o, sink := newOrchestrator(t, Config{})

	require.True(t, o.TryEnqueue(filepath.Join(t.TempDir(), "gone.bin"), 1))
	time.Sleep(100 * time.Millisecond)
	require.Empty(t, sink.results())
}

func TestCoalescingSuppressesRepeatScans(t *testing.T) {
	o, _ := newOrchestrator(t, Config{CacheTTL: 30 * time.Second})

	path := filepath.Join(t.TempDir(), "same.bin")
	require.NoError(t, os.WriteFile(path, []byte("GLADIXMATCH"), 0o644))

	require.True(t, o.TryEnqueue(path, 11))
	require.Eventually(t, func() bool { return o.Stats().Scans == 1 }, 5*time.Second, 5*time.Millisecond)

	// Same (path, size, mtime) within the TTL: no second scan pass.
	require.True(t, o.TryEnqueue(path, 11))
	require.Eventually(t, func() bool { return o.Stats().Coalesced == 1 }, 5*time.Second, 5*time.Millisecond)
	require.EqualValues(t, 1, o.Stats().Scans)
}

func TestModifiedFileScansAgain(t *testing.T) {
	o, _ := newOrchestrator(t, Config{})

	path := filepath.Join(t.TempDir(), "mut.bin")
	require.NoError(t, os.WriteFile(path, []byte("GLADIXMATCH"), 0o644))
	require.True(t, o.TryEnqueue(path, 11))
	require.Eventually(t, func() bool { return o.Stats().Scans == 1 }, 5*time.Second, 5*time.Millisecond)

	// Different size means a different coalescing stamp.
	require.NoError(t, os.WriteFile(path, []byte("GLADIXMATCH more"), 0o644))
	require.True(t, o.TryEnqueue(path, 16))
	require.Eventually(t, func() bool { return o.Stats().Scans == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestStopRefusesNewJobs(t *testing.T) {
	o, _ := newOrchestrator(t, Config{})
	o.Stop()
	require.False(t, o.TryEnqueue("anything", 1))
	require.False(t, o.Alive())
}
