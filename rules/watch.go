package rules

import (
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Engine holds the current ruleset generation and hot-reloads it when the
// rules path changes on disk. Scans always run against the generation that
// was current when they started.
type Engine struct {
	path string
	log  *zap.Logger

	current    atomic.Pointer[Ruleset]
	generation atomic.Uint64
	reloads    atomic.Uint64
}

// NewEngine compiles the initial generation. A compile failure here is
// fatal to startup; later reload failures keep the previous generation.
func NewEngine(path string, log *zap.Logger) (*Engine, error) {
	e := &Engine{path: path, log: log}
	if err := e.Reload(); err != nil {
		return nil, err
	}
	return e, nil
}

// Current returns the active generation.
func (e *Engine) Current() *Ruleset { return e.current.Load() }

// Reloads counts successful generation swaps, the initial compile included.
func (e *Engine) Reloads() uint64 { return e.reloads.Load() }

// Reload compiles the rules path aside and installs the result with an
// atomic swap.
func (e *Engine) Reload() error {
	docs, err := Load(e.path)
	if err != nil {
		return err
	}
	gen := e.generation.Add(1)
	rs, err := Compile(docs, gen)
	if err != nil {
		return err
	}
	e.current.Store(rs)
	e.reloads.Add(1)
	e.log.Info("ruleset installed",
		zap.Uint64("generation", gen),
		zap.Int("rules", rs.Rules()),
		zap.Uint32("atoms", rs.atomCount))
	return nil
}

// Watch reloads on filesystem changes until stop closes. Editors produce
// bursts of write events, so changes are debounced before compiling.
func (e *Engine) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(e.path); err != nil {
		return err
	}

	const debounce = 250 * time.Millisecond
	var timer *time.Timer
	var fire <-chan time.Time

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounce)
				fire = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-fire:
			timer = nil
			fire = nil
			if err := e.Reload(); err != nil {
				e.log.Warn("rule reload failed, keeping previous generation", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			e.log.Warn("rules watcher error", zap.Error(err))
		case <-stop:
			return nil
		}
	}
}
