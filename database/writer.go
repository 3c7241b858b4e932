package database

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gladix/agent/event"
)

// ErrBackpressure is returned when the submission queue is full or the
// writer is draining. Callers convert it into a drop, never a block.
var ErrBackpressure = errors.New("database: writer backpressure")

// Writer serializes all store mutations through one goroutine fed by a
// bounded submission queue.
type Writer struct {
	db  *DB
	cfg WriterConfig
	log *zap.Logger

	queue chan writeReq
	stop  chan struct{}
	done  chan struct{}

	draining atomic.Bool
	commits  uint64 // writer goroutine only

	inserted atomic.Uint64
	dropped  atomic.Uint64

	closeOnce sync.Once
}

// WriterConfig carries the §4.D tunables.
type WriterConfig struct {
	QueueDepth        int
	BatchTimeout      time.Duration
	RetentionDefault  time.Duration
	Retention         map[string]time.Duration // per table
	RetentionEvery    uint64                   // commits between sweeps
	RetentionInterval time.Duration
}

func (c *WriterConfig) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
	if c.BatchTimeout <= 0 {
		c.BatchTimeout = 2 * time.Second
	}
	if c.RetentionDefault <= 0 {
		c.RetentionDefault = 7 * 24 * time.Hour
	}
	if c.RetentionEvery == 0 {
		c.RetentionEvery = 10_000
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Minute
	}
}

type writeReq struct {
	events []*event.Event
	reply  chan writeResult // nil on the fire-and-forget path
}

type writeResult struct {
	ids []int64
	err error
}

// maxCoalesce bounds how many queued fire-and-forget events share one
// transaction.
const maxCoalesce = 256

// NewWriter starts the writer goroutine.
func NewWriter(db *DB, cfg WriterConfig, log *zap.Logger) *Writer {
	cfg.applyDefaults()
	w := &Writer{
		db:    db,
		cfg:   cfg,
		log:   log,
		queue: make(chan writeReq, cfg.QueueDepth),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

// TryInsert submits one event without blocking. The queue being full or the
// writer draining surfaces as ErrBackpressure.
func (w *Writer) TryInsert(ev *event.Event) error {
	if w.draining.Load() {
		return ErrBackpressure
	}
	select {
	case w.queue <- writeReq{events: []*event.Event{ev}}:
		return nil
	default:
		return ErrBackpressure
	}
}

// Insert submits one event and waits for its row id.
func (w *Writer) Insert(ev *event.Event) (int64, error) {
	ids, err := w.InsertBatch([]*event.Event{ev})
	if err != nil {
		return 0, err
	}
	return ids[0], nil
}

// InsertBatch submits events as one transaction and waits for the ids.
// Partial failure rolls back the whole batch.
func (w *Writer) InsertBatch(events []*event.Event) ([]int64, error) {
	if w.draining.Load() {
		return nil, ErrBackpressure
	}
	reply := make(chan writeResult, 1)
	select {
	case w.queue <- writeReq{events: events, reply: reply}:
	default:
		return nil, ErrBackpressure
	}
	res := <-reply
	return res.ids, res.err
}

// Inserted counts rows committed since start.
func (w *Writer) Inserted() uint64 { return w.inserted.Load() }

// Dropped counts events lost to failed or timed-out batches.
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Close stops accepting work, drains the queue, runs a final checkpoint,
// and returns once the writer goroutine has exited.
func (w *Writer) Close() {
	w.closeOnce.Do(func() {
		w.draining.Store(true)
		close(w.stop)
	})
	<-w.done
}

func (w *Writer) run() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.RetentionInterval)
	defer ticker.Stop()

	for {
		select {
		case req := <-w.queue:
			w.handle(req)
		case <-ticker.C:
			w.sweep()
		case <-w.stop:
			w.drain()
			if err := w.db.Checkpoint(); err != nil {
				w.log.Error("final checkpoint failed", zap.Error(err))
			}
			return
		}
	}
}

// drain empties the queue after stop. New submissions are already rejected
// by the draining flag.
func (w *Writer) drain() {
	for {
		select {
		case req := <-w.queue:
			w.handle(req)
		default:
			return
		}
	}
}

func (w *Writer) handle(req writeReq) {
	if req.reply != nil {
		ids, err := w.commitBatch(req.events)
		req.reply <- writeResult{ids: ids, err: err}
		return
	}

	// Fire-and-forget events coalesce into one transaction.
	batch := req.events
	for len(batch) < maxCoalesce {
		select {
		case next := <-w.queue:
			if next.reply != nil {
				// Keep explicit batches atomic on their own.
				if _, err := w.commitBatch(batch); err != nil {
					w.logBatchError(len(batch), err)
				}
				ids, err := w.commitBatch(next.events)
				next.reply <- writeResult{ids: ids, err: err}
				return
			}
			batch = append(batch, next.events...)
		default:
			if _, err := w.commitBatch(batch); err != nil {
				w.logBatchError(len(batch), err)
			}
			return
		}
	}
	if _, err := w.commitBatch(batch); err != nil {
		w.logBatchError(len(batch), err)
	}
}

func (w *Writer) logBatchError(n int, err error) {
	w.log.Warn("batch dropped", zap.Int("events", n), zap.Error(err))
}

// commitBatch inserts the events inside one transaction bounded by the
// batch timeout. Any failure rolls back and drops the whole batch.
func (w *Writer) commitBatch(events []*event.Event) ([]int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), w.cfg.BatchTimeout)
	defer cancel()

	tx, err := w.db.conn.BeginTx(ctx, nil)
	if err != nil {
		w.dropped.Add(uint64(len(events)))
		return nil, err
	}

	now := time.Now().Unix()
	ids := make([]int64, 0, len(events))
	for _, ev := range events {
		id, err := insertEvent(tx, ev, now)
		if err != nil {
			_ = tx.Rollback()
			w.dropped.Add(uint64(len(events)))
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(); err != nil {
		w.dropped.Add(uint64(len(events)))
		return nil, err
	}

	w.inserted.Add(uint64(len(events)))
	w.commits++
	if w.commits%w.cfg.RetentionEvery == 0 {
		w.sweep()
	}
	return ids, nil
}

func (w *Writer) sweep() {
	if err := w.db.sweepRetention(w.cfg.Retention, w.cfg.RetentionDefault, time.Now()); err != nil {
		w.log.Error("retention sweep failed", zap.Error(err))
	}
	if err := w.db.Checkpoint(); err != nil {
		w.log.Error("checkpoint failed", zap.Error(err))
	}
}
