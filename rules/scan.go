package rules

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/gladix/agent/event"
)

// MmapMin is the file size at which scanning switches from a buffered read
// to a read-only mapping.
const MmapMin = 64 * 1024

// ErrScanTimeout reports that a scan exceeded its wall-clock cap.
var ErrScanTimeout = errors.New("rules: scan deadline exceeded")

// RuleHit is one matching rule. Matches holds the rule's matched atom ids
// in ascending order; hits are returned in lexicographic rule-id order.
type RuleHit struct {
	RuleID   string
	RuleName string
	Severity event.Severity
	Matches  []uint32
}

// deadlineStride is how many wildcard-scan bytes pass between deadline
// checks.
const deadlineStride = 64 * 1024

// ScanBytes runs the generation against a byte slice. Pure and
// deterministic for a given (generation, bytes) pair.
func (rs *Ruleset) ScanBytes(data []byte, deadline time.Time) ([]RuleHit, error) {
	hits := make(map[uint32]bool)

	for _, m := range rs.trie.Match(data) {
		for _, id := range rs.trieAtoms[m.Pattern()] {
			hits[id] = true
		}
	}
	if !deadline.IsZero() && time.Now().After(deadline) {
		return nil, ErrScanTimeout
	}

	for _, a := range rs.wildcards {
		if hits[a.id] {
			continue
		}
		ok, err := maskedSearch(data, a, deadline)
		if err != nil {
			return nil, err
		}
		if ok {
			hits[a.id] = true
		}
	}

	var out []RuleHit
	for _, r := range rs.rules {
		if !r.cond.eval(hits) {
			continue
		}
		hit := RuleHit{RuleID: r.id, RuleName: r.name, Severity: r.severity}
		for _, a := range r.atoms {
			if hits[a.id] {
				hit.Matches = append(hit.Matches, a.id)
			}
		}
		out = append(out, hit)
	}
	return out, nil
}

// maskedSearch finds a wildcard pattern with a linear scan. Wildcard atoms
// are rare next to automaton literals, so the simple loop holds up; the
// deadline is rechecked every stride.
func maskedSearch(data []byte, a *atom, deadline time.Time) (bool, error) {
	n := len(a.pattern)
	if n == 0 || len(data) < n {
		return false, nil
	}
	first := a.pattern[0] // mask[0] is always set, per compile
	limit := len(data) - n
	for i := 0; i <= limit; i++ {
		if !deadline.IsZero() && i%deadlineStride == 0 && time.Now().After(deadline) {
			return false, ErrScanTimeout
		}
		if data[i] != first {
			continue
		}
		matched := true
		for j := 1; j < n; j++ {
			if a.mask[j] && data[i+j] != a.pattern[j] {
				matched = false
				break
			}
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}

// Scan opens the file read-only and runs the generation over its contents,
// mapping it when it is at least MmapMin bytes. Open failures propagate so
// the orchestrator can log the cause and move on.
func (rs *Ruleset) Scan(path string, deadline time.Time) ([]RuleHit, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := fi.Size()
	if size == 0 {
		return rs.ScanBytes(nil, deadline)
	}

	if size >= MmapMin {
		data, unmap, err := mapFile(f, size)
		if err == nil {
			defer unmap()
			return rs.ScanBytes(data, deadline)
		}
		// Mapping can fail on exotic filesystems; fall through to a read.
	}

	data := make([]byte, size)
	if _, err := io.ReadFull(f, data); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return rs.ScanBytes(data, deadline)
}
