// Package sigma evaluates behavioral sigma rules against process events
// flowing through the dispatcher tap. It is a detection supplement: losing
// it never affects ingestion or persistence.
package sigma

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/bradleyjkemp/sigma-go"
	"github.com/bradleyjkemp/sigma-go/evaluator"
	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/gladix/agent/event"
)

// fieldConfig maps sigma field names onto the process-event attributes the
// agent actually has.
func fieldConfig() sigma.Config {
	return sigma.Config{
		Title: "gladix process events",
		FieldMappings: map[string]sigma.FieldMapping{
			"Image":           {TargetNames: []string{"Image"}},
			"CommandLine":     {TargetNames: []string{"CommandLine"}},
			"ProcessId":       {TargetNames: []string{"ProcessId"}},
			"ParentProcessId": {TargetNames: []string{"ParentProcessId"}},
		},
	}
}

type ruleEval struct {
	id    string
	title string
	level string
	eval  *evaluator.RuleEvaluator
}

// Detector holds the loaded rule evaluators and writes matches into the
// sigma_match table over its own store connection.
type Detector struct {
	rulesDir string
	db       *sql.DB
	log      *zap.Logger

	evals   atomic.Pointer[[]ruleEval]
	matches atomic.Uint64
}

// NewDetector loads the rules directory. A directory with no parseable
// rules is an error; the caller decides whether that disables detection.
func NewDetector(rulesDir string, db *sql.DB, log *zap.Logger) (*Detector, error) {
	d := &Detector{rulesDir: rulesDir, db: db, log: log}
	if err := d.LoadRules(); err != nil {
		return nil, err
	}
	return d, nil
}

// LoadRules compiles every .yml/.yaml rule under the directory and swaps
// the evaluator set atomically.
func (d *Detector) LoadRules() error {
	entries, err := os.ReadDir(d.rulesDir)
	if err != nil {
		return fmt.Errorf("read sigma rules dir: %w", err)
	}

	var evals []ruleEval
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yml" && ext != ".yaml" {
			continue
		}
		path := filepath.Join(d.rulesDir, e.Name())
		contents, err := os.ReadFile(path)
		if err != nil {
			d.log.Warn("skipping unreadable sigma rule", zap.String("path", path), zap.Error(err))
			continue
		}
		rule, err := sigma.ParseRule(contents)
		if err != nil {
			d.log.Warn("skipping unparseable sigma rule", zap.String("path", path), zap.Error(err))
			continue
		}
		id := rule.ID
		if id == "" {
			id = e.Name()
		}
		evals = append(evals, ruleEval{
			id:    id,
			title: rule.Title,
			level: rule.Level,
			eval:  evaluator.ForRule(rule, evaluator.WithConfig(fieldConfig())),
		})
	}
	if len(evals) == 0 {
		return fmt.Errorf("no sigma rules under %s", d.rulesDir)
	}

	d.evals.Store(&evals)
	d.log.Info("sigma rules loaded", zap.Int("rules", len(evals)))
	return nil
}

// Matches counts persisted rule matches.
func (d *Detector) Matches() uint64 { return d.matches.Load() }

// Run consumes the dispatcher tap until it closes.
func (d *Detector) Run(tap <-chan *event.Event) {
	for ev := range tap {
		p, ok := ev.Payload.(*event.ProcessEvent)
		if !ok {
			continue
		}
		d.evaluate(p)
	}
}

func (d *Detector) evaluate(p *event.ProcessEvent) {
	fields := map[string]interface{}{
		"Image":           p.ImagePath,
		"CommandLine":     p.Cmdline,
		"ProcessId":       int(p.PID),
		"ParentProcessId": int(p.PPID),
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for _, re := range *d.evals.Load() {
		result, err := re.eval.Matches(ctx, fields)
		if err != nil || !result.Match {
			continue
		}
		d.record(re, p)
	}
}

func (d *Detector) record(re ruleEval, p *event.ProcessEvent) {
	_, err := d.db.Exec(
		"INSERT INTO sigma_match (rule_id, rule_name, pid, image_path, cmdline, severity, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		re.id, re.title, p.PID, p.ImagePath, p.Cmdline, re.level, time.Now().Unix())
	if err != nil {
		d.log.Error("failed to insert sigma match", zap.String("rule", re.id), zap.Error(err))
		return
	}
	d.matches.Add(1)
	d.log.Info("sigma rule matched",
		zap.String("rule", re.id),
		zap.Uint32("pid", p.PID),
		zap.String("image", p.ImagePath))
}

// Watch reloads the rule set when the directory changes, until stop closes.
func (d *Detector) Watch(stop <-chan struct{}) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(d.rulesDir); err != nil {
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
			if err := d.LoadRules(); err != nil {
				d.log.Warn("sigma reload failed, keeping previous rules", zap.Error(err))
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			d.log.Warn("sigma watcher error", zap.Error(err))
		case <-stop:
			return nil
		}
	}
}
