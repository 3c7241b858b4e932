// Package rules compiles content-match rules into a single multi-pattern
// automaton and evaluates them against file bytes. A compiled ruleset is an
// immutable generation; reload swaps in a new generation atomically while
// in-flight scans finish on the old one.
package rules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/gladix/agent/event"
)

// RuleFile is the YAML shape of one rule document.
type RuleFile struct {
	ID        string            `yaml:"id"`
	Name      string            `yaml:"name"`
	Severity  string            `yaml:"severity"`
	Strings   map[string]string `yaml:"strings"`
	Bytes     map[string]string `yaml:"bytes"`
	Condition string            `yaml:"condition"`
}

// ParseSeverity maps the YAML severity names onto the event model.
func ParseSeverity(s string) (event.Severity, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "low":
		return event.SeverityLow, nil
	case "medium":
		return event.SeverityMedium, nil
	case "high":
		return event.SeverityHigh, nil
	case "critical":
		return event.SeverityCritical, nil
	}
	return 0, fmt.Errorf("unknown severity %q", s)
}

// Load reads rule documents from a file or from every .yml/.yaml file in a
// directory. Multiple documents per file are separated the usual YAML way.
func Load(path string) ([]RuleFile, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("rules path: %w", err)
	}

	var files []string
	if fi.IsDir() {
		entries, err := os.ReadDir(path)
		if err != nil {
			return nil, fmt.Errorf("read rules dir: %w", err)
		}
		for _, e := range entries {
			if e.IsDir() {
				continue
			}
			if ext := filepath.Ext(e.Name()); ext == ".yml" || ext == ".yaml" {
				files = append(files, filepath.Join(path, e.Name()))
			}
		}
		sort.Strings(files)
	} else {
		files = []string{path}
	}

	var out []RuleFile
	for _, f := range files {
		docs, err := loadFile(f)
		if err != nil {
			return nil, err
		}
		out = append(out, docs...)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no rules found under %s", path)
	}
	return out, nil
}

func loadFile(path string) ([]RuleFile, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open rule file: %w", err)
	}
	defer f.Close()

	var out []RuleFile
	dec := yaml.NewDecoder(f)
	for {
		var r RuleFile
		if err := dec.Decode(&r); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if r.ID == "" {
			return nil, fmt.Errorf("%s: rule without id", path)
		}
		out = append(out, r)
	}
	return out, nil
}
