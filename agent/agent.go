// Package agent is the control plane: it owns component lifecycle, the
// ordered shutdown sequence, and the health/counter surface.
package agent

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/gladix/agent/config"
	"github.com/gladix/agent/database"
	"github.com/gladix/agent/dispatch"
	"github.com/gladix/agent/event"
	"github.com/gladix/agent/ring"
	"github.com/gladix/agent/rules"
	"github.com/gladix/agent/scanner"
	"github.com/gladix/agent/sigma"
	"github.com/gladix/agent/web"
)

// Phase of the agent lifecycle.
type Phase int32

const (
	PhaseInit Phase = iota
	PhaseRunning
	PhaseDraining
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseInit:
		return "Init"
	case PhaseRunning:
		return "Running"
	case PhaseDraining:
		return "Draining"
	case PhaseStopped:
		return "Stopped"
	}
	return fmt.Sprintf("Phase(%d)", int32(p))
}

// Startup failures carry the exit-code class for main.
var (
	ErrStoreInit  = errors.New("store open or migrate failed")
	ErrRingAttach = errors.New("ring attach failed")
	ErrFatal      = errors.New("fatal runtime error")
)

// Agent wires the pipeline together.
type Agent struct {
	cfg *config.Config
	log *zap.Logger

	db       *database.DB
	writer   *database.Writer
	reader   *database.Reader
	disp     *dispatch.Dispatcher
	engine   *rules.Engine
	scan     *scanner.Orchestrator
	detector *sigma.Detector // nil when behavioral detection is disabled
	region   *ring.Region
	consumer *ring.Consumer
	httpSrv  *web.Server

	phase    atomic.Int32
	stopOnce sync.Once
	stopCh   chan struct{}

	decoded      atomic.Uint64
	decodeErrors atomic.Uint64
	peerAlive    atomic.Bool

	// ringMu orders Status reads of the mapped header against the unmap in
	// Run; once ringClosed is set, ringDropped holds the last value read.
	ringMu      sync.RWMutex
	ringClosed  bool
	ringDropped uint64
}

// New builds every component and attaches the ring. Errors are wrapped
// with the sentinel matching their exit-code class.
func New(cfg *config.Config, log *zap.Logger) (*Agent, error) {
	a := &Agent{cfg: cfg, log: log, stopCh: make(chan struct{})}
	a.phase.Store(int32(PhaseInit))
	a.peerAlive.Store(true)

	db, err := database.Open(cfg.Store.Path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	a.db = db

	retention := make(map[string]time.Duration, len(cfg.Store.Retention))
	for table, days := range cfg.Store.Retention {
		retention[table] = time.Duration(days) * 24 * time.Hour
	}
	a.writer = database.NewWriter(db, database.WriterConfig{
		QueueDepth:       cfg.Store.QueueDepth,
		BatchTimeout:     time.Duration(cfg.Store.BatchTimeoutMs) * time.Millisecond,
		RetentionDefault: time.Duration(cfg.Store.RetentionDays) * 24 * time.Hour,
		Retention:        retention,
	}, log.Named("store"))

	readConn, err := db.OpenReader()
	if err != nil {
		a.teardownEarly()
		return nil, fmt.Errorf("%w: %v", ErrStoreInit, err)
	}
	a.reader = database.NewReader(readConn)

	// Rule compilation failing at startup is a Fatal-class error.
	a.engine, err = rules.NewEngine(cfg.Scanner.RulesPath, log.Named("rules"))
	if err != nil {
		a.teardownEarly()
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	a.scan, err = scanner.New(scanner.Config{
		Workers:     cfg.Scanner.Workers,
		FileTimeout: time.Duration(cfg.Scanner.FileTimeoutMs) * time.Millisecond,
	}, a.engine, a.offer, log.Named("scanner"))
	if err != nil {
		a.teardownEarly()
		return nil, fmt.Errorf("%w: %v", ErrFatal, err)
	}

	a.disp = dispatch.New(dispatch.Config{
		QueueDepth:   cfg.Dispatch.QueueDepth,
		ScanMaxSize:  cfg.Scanner.MaxSizeBytes,
		DrainTimeout: time.Duration(cfg.Drain.TimeoutMs) * time.Millisecond,
	}, a.writer, a.scan, log.Named("dispatch"))

	if cfg.Sigma.RulesPath != "" {
		aux, err := db.OpenAux()
		if err != nil {
			log.Warn("behavioral detection disabled", zap.Error(err))
		} else if det, err := sigma.NewDetector(cfg.Sigma.RulesPath, aux, log.Named("sigma")); err != nil {
			aux.Close()
			log.Warn("behavioral detection disabled", zap.Error(err))
		} else {
			a.detector = det
		}
	}

	region, err := ring.AttachNamed(cfg.Ring.Name)
	if err != nil {
		a.teardownEarly()
		return nil, fmt.Errorf("%w: %v", ErrRingAttach, err)
	}
	consumer, err := ring.Attach(region.Bytes(), cfg.Ring.MaxFrameBytes)
	if err != nil {
		region.Close()
		a.teardownEarly()
		return nil, fmt.Errorf("%w: %v", ErrRingAttach, err)
	}
	a.region = region
	a.consumer = consumer

	a.httpSrv = web.NewServer(cfg.HTTP.Listen, a.reader, a.Status, log.Named("web"))
	return a, nil
}

// teardownEarly releases what New built before it failed.
func (a *Agent) teardownEarly() {
	if a.writer != nil {
		a.writer.Close()
	}
	if a.reader != nil {
		a.reader.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}

// offer feeds locally produced events back into the dispatcher.
func (a *Agent) offer(ev *event.Event) bool { return a.disp.Offer(ev) }

// Run starts every component and blocks until Stop. The returned error is
// nil for a clean shutdown.
func (a *Agent) Run() error {
	a.phase.Store(int32(PhaseRunning))
	a.log.Info("agent running",
		zap.Uint64("ring_capacity", a.consumer.Capacity()),
		zap.Int("rules", a.engine.Current().Rules()))

	ringStop := make(chan struct{})
	dispStop := make(chan struct{})
	sideStop := make(chan struct{})

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.disp.Run(dispStop)
	}()

	a.scan.Start()

	// The ring drainer owns its OS thread; everything else is cooperative.
	ringDone := make(chan struct{})
	go func() {
		defer close(ringDone)
		a.consumer.Run(ringStop, a.ingest)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := a.engine.Watch(sideStop); err != nil {
			a.log.Warn("rules watcher stopped", zap.Error(err))
		}
	}()

	if a.detector != nil {
		wg.Add(2)
		go func() {
			defer wg.Done()
			a.detector.Run(a.disp.Tap())
		}()
		go func() {
			defer wg.Done()
			if err := a.detector.Watch(sideStop); err != nil {
				a.log.Warn("sigma watcher stopped", zap.Error(err))
			}
		}()
	} else {
		// Keep the tap draining so process events never back up on it.
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range a.disp.Tap() {
			}
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		a.watchPeer(sideStop)
	}()

	httpErr := make(chan error, 1)
	go func() { httpErr <- a.httpSrv.Start(sideStop) }()

	select {
	case <-a.stopCh:
	case err := <-httpErr:
		if err != nil {
			a.log.Error("http listener failed", zap.Error(err))
			a.Stop()
		}
		<-a.stopCh
	}

	// Ordered shutdown: stop accepting from the ring, let in-flight scans
	// finish, flush the dispatcher, drain the store queue, checkpoint,
	// release the mapping.
	a.phase.Store(int32(PhaseDraining))
	a.log.Info("draining")

	close(ringStop)
	<-ringDone
	a.scan.Stop()
	close(dispStop)
	<-a.disp.Done()
	a.writer.Close()
	close(sideStop)
	wg.Wait()

	if err := a.db.Close(); err != nil {
		a.log.Warn("store close", zap.Error(err))
	}
	a.reader.Close()
	a.ringMu.Lock()
	a.ringDropped = a.consumer.Dropped()
	a.ringClosed = true
	err := a.region.Close()
	a.ringMu.Unlock()
	if err != nil {
		a.log.Warn("ring unmap", zap.Error(err))
	}

	a.phase.Store(int32(PhaseStopped))
	a.log.Info("stopped")
	return nil
}

// Stop triggers the shutdown sequence once.
func (a *Agent) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
}

// ingest decodes one ring frame and routes it. Decode failures are Data
// errors: counted, dropped, logged at warn.
func (a *Agent) ingest(frame []byte) {
	ev, err := event.Decode(frame)
	if err != nil {
		a.decodeErrors.Add(1)
		a.log.Warn("dropping undecodable frame", zap.Int("len", len(frame)), zap.Error(err))
		return
	}
	a.decoded.Add(1)
	// Offer never blocks; a full queue is counted by the dispatcher. The
	// ring keeps draining either way so kernel backpressure cannot build.
	a.disp.Offer(ev)
}

// watchPeer samples producer_seq to tell a quiet producer from a departed
// one.
func (a *Agent) watchPeer(stop <-chan struct{}) {
	timeout := time.Duration(a.cfg.Ring.PeerTimeoutMs) * time.Millisecond
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	lastSeq := a.consumer.ProducerSeq()
	lastChange := time.Now()
	for {
		select {
		case <-ticker.C:
			seq := a.consumer.ProducerSeq()
			if seq != lastSeq {
				lastSeq = seq
				lastChange = time.Now()
				if !a.peerAlive.Swap(true) {
					a.log.Info("producer is back")
				}
				continue
			}
			if time.Since(lastChange) > timeout && a.peerAlive.Swap(false) {
				a.log.Error("producer silent past peer timeout, ring considered detached",
					zap.Duration("timeout", timeout))
			}
		case <-stop:
			return
		}
	}
}

// Status snapshots phase, health, and counters for the web surface.
func (a *Agent) Status() web.Status {
	phase := Phase(a.phase.Load())
	dispStats := a.disp.Stats()
	scanStats := a.scan.Stats()

	a.ringMu.RLock()
	ringDropped := a.ringDropped
	if !a.ringClosed {
		ringDropped = a.consumer.Dropped()
	}
	a.ringMu.RUnlock()

	st := web.Status{
		Phase:           phase.String(),
		RingAttached:    a.peerAlive.Load(),
		StoreWritable:   phase == PhaseRunning,
		ScannerAlive:    a.scan.Alive(),
		EventsIn:        a.decoded.Load(),
		EventsPersisted: a.writer.Inserted(),
		EventsDropped:   dispStats.DroppedIn + dispStats.DroppedStore + a.writer.Dropped(),
		DecodeErrors:    a.decodeErrors.Load(),
		RingDropped:     ringDropped,
		RingResyncs:     a.consumer.Resyncs(),
		Scans:           scanStats.Scans,
		RuleHits:        scanStats.RuleHits,
	}
	if a.detector != nil {
		st.SigmaMatches = a.detector.Matches()
	}
	return st
}
