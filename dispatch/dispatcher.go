// Package dispatch fans decoded events out to the store, the file scanner,
// and the behavioral tap. Every output is bounded and lossy with a counter:
// back-pressure from any sink is absorbed here so it can never propagate
// into the ring and force the kernel to drop higher-priority telemetry.
package dispatch

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gladix/agent/database"
	"github.com/gladix/agent/event"
)

// StoreSink is the submission side of the event store.
type StoreSink interface {
	TryInsert(*event.Event) error
}

// ScanSink accepts file-scan jobs. TryEnqueue returns false when the job
// queue is full or closed.
type ScanSink interface {
	TryEnqueue(path string, size uint64) bool
}

// Config carries the routing tunables.
type Config struct {
	QueueDepth   int           // decoded-event queue, default 4096
	ScanMaxSize  uint64        // skip scanning files larger than this
	DrainTimeout time.Duration // in-flight drain budget on stop
}

func (c *Config) applyDefaults() {
	if c.QueueDepth <= 0 {
		c.QueueDepth = 4096
	}
	if c.ScanMaxSize == 0 {
		c.ScanMaxSize = 64 * 1024 * 1024
	}
	if c.DrainTimeout <= 0 {
		c.DrainTimeout = 5 * time.Second
	}
}

// Dispatcher is single-reader, multi-writer: many producers Offer, one
// goroutine routes. Per-stream ordering is preserved because routing is
// serialized; nothing is promised across streams.
type Dispatcher struct {
	cfg   Config
	log   *zap.Logger
	in    chan *event.Event
	store StoreSink
	scans ScanSink
	tap   chan *event.Event // behavioral detection, best effort

	done chan struct{}

	accepted     atomic.Uint64
	droppedIn    atomic.Uint64
	droppedStore atomic.Uint64
	droppedScan  atomic.Uint64
}

func New(cfg Config, store StoreSink, scans ScanSink, log *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:   cfg,
		log:   log,
		in:    make(chan *event.Event, cfg.QueueDepth),
		store: store,
		scans: scans,
		tap:   make(chan *event.Event, 256),
		done:  make(chan struct{}),
	}
}

// Offer hands an event to the dispatcher without blocking. A full queue
// drops the event, counts it in DroppedIn, and reports false.
func (d *Dispatcher) Offer(ev *event.Event) bool {
	select {
	case d.in <- ev:
		d.accepted.Add(1)
		return true
	default:
		d.droppedIn.Add(1)
		return false
	}
}

// Tap exposes the sampled process-event stream for behavioral detection.
func (d *Dispatcher) Tap() <-chan *event.Event { return d.tap }

// Run routes events until stop closes, then drains what is already queued
// within the drain timeout. The tap closes when routing ends.
func (d *Dispatcher) Run(stop <-chan struct{}) {
	defer close(d.done)
	defer close(d.tap)

	for {
		select {
		case ev := <-d.in:
			d.route(ev)
		case <-stop:
			d.drain()
			return
		}
	}
}

// Done closes once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} { return d.done }

func (d *Dispatcher) drain() {
	deadline := time.NewTimer(d.cfg.DrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case ev := <-d.in:
			d.route(ev)
		case <-deadline.C:
			if n := len(d.in); n > 0 {
				d.droppedIn.Add(uint64(n))
				d.log.Warn("drain timeout with events still queued", zap.Int("events", n))
			}
			return
		default:
			return
		}
	}
}

func (d *Dispatcher) route(ev *event.Event) {
	if err := d.store.TryInsert(ev); err != nil {
		d.droppedStore.Add(1)
	}

	switch p := ev.Payload.(type) {
	case *event.FileEvent:
		if d.scanWorthy(p) && !d.scans.TryEnqueue(p.Path, p.Size) {
			d.droppedScan.Add(1)
		}
	case *event.ProcessEvent:
		select {
		case d.tap <- ev:
		default:
			// The tap is advisory; detection never holds up persistence.
		}
	}
}

func (d *Dispatcher) scanWorthy(p *event.FileEvent) bool {
	if !p.Success || p.Size > d.cfg.ScanMaxSize {
		return false
	}
	switch p.Op {
	case event.FileCreate, event.FileWrite, event.FileRename:
		return true
	}
	return false
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Accepted     uint64 `json:"accepted"`
	DroppedIn    uint64 `json:"dropped_in"`
	DroppedStore uint64 `json:"dropped_store"`
	DroppedScan  uint64 `json:"dropped_scan"`
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Accepted:     d.accepted.Load(),
		DroppedIn:    d.droppedIn.Load(),
		DroppedStore: d.droppedStore.Load(),
		DroppedScan:  d.droppedScan.Load(),
	}
}

var _ StoreSink = (*database.Writer)(nil)
