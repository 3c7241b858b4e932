// Package scanner turns file events into rule-engine scans. A bounded job
// queue feeds a fixed worker pool; each rule hit is re-injected into the
// pipeline as a ScanResult event and persisted like any other telemetry.
package scanner

import (
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gladix/agent/event"
	"github.com/gladix/agent/rules"
)

// Job references one file artifact to scan.
type Job struct {
	Path string
	Size uint64
}

// Emit re-injects a locally produced event into the pipeline. Returning
// false means the pipeline dropped it.
type Emit func(*event.Event) bool

// Config carries the orchestrator tunables.
type Config struct {
	Workers     int           // default max(2, cpus-1)
	QueueDepth  int           // default 1024
	FileTimeout time.Duration // per-file wall clock cap, default 10s
	CacheTTL    time.Duration // coalescing window, default 30s
	CacheSize   int           // default 8192
	SensorGUID  string        // stamped on emitted ScanResults
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = runtime.NumCPU() - 1
	}
	if c.Workers < 2 {
		c.Workers = 2
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = 1024
	}
	if c.FileTimeout <= 0 {
		c.FileTimeout = 10 * time.Second
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 30 * time.Second
	}
	if c.CacheSize <= 0 {
		c.CacheSize = 8192
	}
	if c.SensorGUID == "" {
		c.SensorGUID = "scanner-" + uuid.NewString()
	}
}

// Orchestrator owns the queue, the pool, and the coalescing cache.
type Orchestrator struct {
	cfg    Config
	log    *zap.Logger
	engine *rules.Engine
	emit   Emit
	cache  *coalesceCache

	jobs    chan Job
	mu      sync.RWMutex // orders TryEnqueue sends against close(jobs)
	stopped atomic.Bool
	wg      sync.WaitGroup

	scans     atomic.Uint64
	ruleHits  atomic.Uint64
	coalesced atomic.Uint64
	timeouts  atomic.Uint64
}

func New(cfg Config, engine *rules.Engine, emit Emit, log *zap.Logger) (*Orchestrator, error) {
	cfg.applyDefaults()
	cache, err := newCoalesceCache(cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		return nil, err
	}
	return &Orchestrator{
		cfg:    cfg,
		log:    log,
		engine: engine,
		emit:   emit,
		cache:  cache,
		jobs:   make(chan Job, cfg.QueueDepth),
	}, nil
}

// Start launches the worker pool.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		o.wg.Add(1)
		go o.worker()
	}
}

// TryEnqueue offers a job without blocking. Jobs are refused once Stop has
// been called or when the queue is full.
func (o *Orchestrator) TryEnqueue(path string, size uint64) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.stopped.Load() {
		return false
	}
	select {
	case o.jobs <- Job{Path: path, Size: size}:
		return true
	default:
		return false
	}
}

// Stop refuses new jobs and waits for in-flight scans to finish. Scans are
// bounded by file size and the per-file cap, so the wait is too.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if o.stopped.Swap(true) {
		o.mu.Unlock()
		return
	}
	close(o.jobs)
	o.mu.Unlock()
	o.wg.Wait()
}

// Alive reports whether the pool is accepting work.
func (o *Orchestrator) Alive() bool { return !o.stopped.Load() }

func (o *Orchestrator) worker() {
	defer o.wg.Done()
	for job := range o.jobs {
		o.process(job)
	}
}

func (o *Orchestrator) process(job Job) {
	now := time.Now()

	fi, err := os.Stat(job.Path)
	if err != nil {
		// Path gone or unreadable: not an error, the file may have been
		// deleted between the event and the scan.
		o.log.Debug("scan skipped", zap.String("path", job.Path), zap.Error(err))
		return
	}
	if o.cache.seen(job.Path, fi.Size(), fi.ModTime(), now) {
		o.coalesced.Add(1)
		return
	}

	gen := o.engine.Current()
	hits, err := gen.Scan(job.Path, now.Add(o.cfg.FileTimeout))
	o.scans.Add(1)
	if err != nil {
		if err == rules.ErrScanTimeout {
			o.timeouts.Add(1)
			o.log.Warn("scan exceeded file timeout", zap.String("path", job.Path))
		} else {
			// Sharing violations and the like: logged cause, empty result.
			o.log.Debug("scan open failed", zap.String("path", job.Path), zap.Error(err))
		}
		return
	}

	for _, hit := range hits {
		o.ruleHits.Add(1)
		ev := &event.Event{
			TS:         uint64(time.Now().UnixNano()),
			SensorGUID: o.cfg.SensorGUID,
			Payload: &event.ScanResult{
				RuleID:   hit.RuleID,
				FilePath: job.Path,
				Matches:  hit.Matches,
				Severity: hit.Severity,
			},
		}
		if !o.emit(ev) {
			o.log.Warn("scan result dropped by pipeline",
				zap.String("path", job.Path), zap.String("rule", hit.RuleID))
		}
	}
}

// Stats is a point-in-time counter snapshot.
type Stats struct {
	Scans     uint64 `json:"scans"`
	RuleHits  uint64 `json:"rule_hits"`
	Coalesced uint64 `json:"coalesced"`
	Timeouts  uint64 `json:"timeouts"`
}

func (o *Orchestrator) Stats() Stats {
	return Stats{
		Scans:     o.scans.Load(),
		RuleHits:  o.ruleHits.Load(),
		Coalesced: o.coalesced.Load(),
		Timeouts:  o.timeouts.Load(),
	}
}
