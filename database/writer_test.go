package database

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gladix/agent/event"
)

func processEvent(i int) *event.Event {
	return &event.Event{
		TS:         uint64(i),
		SensorGUID: "kdrv",
		Payload:    &event.ProcessEvent{PID: uint32(i), PPID: 1, ImagePath: "C:\\x.exe"},
	}
}

func TestTryInsertRejectedWhileDraining(t *testing.T) {
	db := openTemp(t)
	w := NewWriter(db, WriterConfig{}, zaptest.NewLogger(t))
	w.Close()

	require.ErrorIs(t, w.TryInsert(processEvent(1)), ErrBackpressure)
	_, err := w.InsertBatch([]*event.Event{processEvent(2)})
	require.ErrorIs(t, err, ErrBackpressure)
}

func TestCloseDrainsQueueAndCheckpoints(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gladix.db")
	db, err := Open(path)
	require.NoError(t, err)
	defer db.Close()

	w := NewWriter(db, WriterConfig{QueueDepth: 16_384}, zaptest.NewLogger(t))
	const n = 10_000
	accepted := 0
	for i := 0; i < n; i++ {
		if err := w.TryInsert(processEvent(i)); err == nil {
			accepted++
		}
	}
	w.Close()

	// Every admitted event is either persisted or counted as dropped.
	require.EqualValues(t, accepted, w.Inserted()+w.Dropped())

	// The final checkpoint truncated the WAL.
	if fi, err := os.Stat(path + "-wal"); err == nil {
		require.Zero(t, fi.Size())
	}

	var rows int
	require.NoError(t, db.conn.QueryRow("SELECT COUNT(*) FROM process_event").Scan(&rows))
	require.EqualValues(t, w.Inserted(), rows)
}

func TestBackpressureWhenQueueFull(t *testing.T) {
	db := openTemp(t)
	// Depth 1 with a writer that is busy enough to leave the queue full at
	// least once under a burst.
	w := NewWriter(db, WriterConfig{QueueDepth: 1}, zaptest.NewLogger(t))
	defer w.Close()

	sawBackpressure := false
	for i := 0; i < 1000; i++ {
		if err := w.TryInsert(processEvent(i)); err != nil {
			require.ErrorIs(t, err, ErrBackpressure)
			sawBackpressure = true
		}
	}
	require.True(t, sawBackpressure)
}

func TestBatchPersistsWithinTimeout(t *testing.T) {
	db := openTemp(t)
	w := NewWriter(db, WriterConfig{BatchTimeout: 2 * time.Second}, zaptest.NewLogger(t))
	defer w.Close()

	require.NoError(t, w.TryInsert(processEvent(7)))

	require.Eventually(t, func() bool {
		var n int
		if err := db.conn.QueryRow("SELECT COUNT(*) FROM process_event WHERE pid = 7").Scan(&n); err != nil {
			return false
		}
		return n == 1
	}, 2*time.Second, 10*time.Millisecond)
}
