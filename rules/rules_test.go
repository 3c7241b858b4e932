package rules

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/gladix/agent/event"
)

const testRules = `
id: R_TEST
name: test marker
severity: high
strings:
  marker: "GLADIXMATCH"
condition: marker
---
id: R_HEADER
name: mz header with wildcard
severity: medium
bytes:
  mz: "4D 5A ?? 00"
condition: mz
---
id: R_COMBO
name: both markers and not the decoy
severity: critical
strings:
  a: "alpha"
  b: "beta"
  decoy: "benign"
condition: (a and b) and not decoy
`

func writeRules(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rules.yaml"), []byte(contents), 0o644))
	return dir
}

func compileTest(t *testing.T) *Ruleset {
	t.Helper()
	docs, err := Load(writeRules(t, testRules))
	require.NoError(t, err)
	rs, err := Compile(docs, 1)
	require.NoError(t, err)
	return rs
}

func TestCompileLoadsAllRules(t *testing.T) {
	rs := compileTest(t)
	require.Equal(t, 3, rs.Rules())
}

func TestScanLiteralAtom(t *testing.T) {
	rs := compileTest(t)
	hits, err := rs.ScanBytes([]byte("prefix GLADIXMATCH suffix"), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "R_TEST", hits[0].RuleID)
	require.Equal(t, event.SeverityHigh, hits[0].Severity)
}

func TestScanWildcardAtom(t *testing.T) {
	rs := compileTest(t)
	data := []byte{0x00, 0x4D, 0x5A, 0x90, 0x00, 0x01}
	hits, err := rs.ScanBytes(data, time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "R_HEADER", hits[0].RuleID)

	// The third byte is a wildcard; the fourth is not.
	miss := []byte{0x4D, 0x5A, 0x90, 0x01}
	hits, err = rs.ScanBytes(miss, time.Time{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestConditionTree(t *testing.T) {
	rs := compileTest(t)

	hits, err := rs.ScanBytes([]byte("alpha beta"), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "R_COMBO", hits[0].RuleID)

	// The decoy atom suppresses the rule.
	hits, err = rs.ScanBytes([]byte("alpha beta benign"), time.Time{})
	require.NoError(t, err)
	require.Empty(t, hits)

	// One conjunct alone is not enough.
	hits, err = rs.ScanBytes([]byte("alpha only"), time.Time{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestHitOrderingIsDeterministic(t *testing.T) {
	rs := compileTest(t)
	data := []byte("GLADIXMATCH alpha beta \x4D\x5A\x90\x00")

	first, err := rs.ScanBytes(data, time.Time{})
	require.NoError(t, err)
	require.Len(t, first, 3)

	// Lexicographic rule order, ascending atom ids within a rule.
	require.Equal(t, []string{"R_COMBO", "R_HEADER", "R_TEST"},
		[]string{first[0].RuleID, first[1].RuleID, first[2].RuleID})
	for _, h := range first {
		for i := 1; i < len(h.Matches); i++ {
			require.Less(t, h.Matches[i-1], h.Matches[i])
		}
	}

	for i := 0; i < 10; i++ {
		again, err := rs.ScanBytes(data, time.Time{})
		require.NoError(t, err)
		require.Equal(t, first, again)
	}
}

func TestAnyAllOfThem(t *testing.T) {
	docs := []RuleFile{{
		ID: "R_ANY", Name: "any", Severity: "low",
		Strings:   map[string]string{"x": "xx", "y": "yy"},
		Condition: "any of them",
	}, {
		ID: "R_ALL", Name: "all", Severity: "low",
		Strings:   map[string]string{"x": "xx", "y": "yy"},
		Condition: "all of them",
	}}
	rs, err := Compile(docs, 1)
	require.NoError(t, err)

	hits, err := rs.ScanBytes([]byte("xx"), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "R_ANY", hits[0].RuleID)

	hits, err = rs.ScanBytes([]byte("xx yy"), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestCompileErrors(t *testing.T) {
	cases := []struct {
		name string
		doc  RuleFile
	}{
		{"bad severity", RuleFile{ID: "r", Severity: "urgent", Strings: map[string]string{"a": "x"}}},
		{"no atoms", RuleFile{ID: "r", Severity: "low"}},
		{"unknown atom in condition", RuleFile{ID: "r", Severity: "low", Strings: map[string]string{"a": "x"}, Condition: "b"}},
		{"bad hex", RuleFile{ID: "r", Severity: "low", Bytes: map[string]string{"h": "4D ZZ"}}},
		{"leading wildcard", RuleFile{ID: "r", Severity: "low", Bytes: map[string]string{"h": "?? 4D"}}},
	}
	for _, tc := range cases {
		_, err := Compile([]RuleFile{tc.doc}, 1)
		require.Error(t, err, tc.name)
	}

	_, err := Compile([]RuleFile{
		{ID: "dup", Severity: "low", Strings: map[string]string{"a": "x"}},
		{ID: "dup", Severity: "low", Strings: map[string]string{"a": "x"}},
	}, 1)
	require.Error(t, err)
}

func TestScanFileUsesMmapAboveThreshold(t *testing.T) {
	rs := compileTest(t)
	dir := t.TempDir()

	small := filepath.Join(dir, "small.bin")
	require.NoError(t, os.WriteFile(small, []byte("GLADIXMATCH"), 0o644))

	big := filepath.Join(dir, "big.bin")
	data := make([]byte, MmapMin+1024)
	copy(data[MmapMin:], "GLADIXMATCH")
	require.NoError(t, os.WriteFile(big, data, 0o644))

	for _, path := range []string{small, big} {
		hits, err := rs.Scan(path, time.Now().Add(10*time.Second))
		require.NoError(t, err, path)
		require.Len(t, hits, 1, path)
		require.Equal(t, "R_TEST", hits[0].RuleID)
	}
}

func TestScanMissingFileReturnsError(t *testing.T) {
	rs := compileTest(t)
	_, err := rs.Scan(filepath.Join(t.TempDir(), "gone.bin"), time.Time{})
	require.Error(t, err)
}

func TestEngineReloadSwapsGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))

	e, err := NewEngine(dir, zaptest.NewLogger(t))
	require.NoError(t, err)

	gen1 := e.Current()
	require.EqualValues(t, 1, gen1.Generation)

	replacement := `
id: R_NEW
name: replacement
severity: low
strings:
  n: "NEWMARKER"
condition: n
`
	require.NoError(t, os.WriteFile(path, []byte(replacement), 0o644))
	require.NoError(t, e.Reload())

	gen2 := e.Current()
	require.EqualValues(t, 2, gen2.Generation)
	require.Equal(t, 1, gen2.Rules())

	// The old generation still scans: in-flight work is unaffected.
	hits, err := gen1.ScanBytes([]byte("GLADIXMATCH"), time.Time{})
	require.NoError(t, err)
	require.Len(t, hits, 1)

	hits, err = gen2.ScanBytes([]byte("GLADIXMATCH"), time.Time{})
	require.NoError(t, err)
	require.Empty(t, hits)
}

func TestReloadFailureKeepsPreviousGeneration(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testRules), 0o644))

	e, err := NewEngine(dir, zaptest.NewLogger(t))
	require.NoError(t, err)
	gen1 := e.Current()

	require.NoError(t, os.WriteFile(path, []byte("id: broken\nseverity: nope\n"), 0o644))
	require.Error(t, e.Reload())
	require.Same(t, gen1, e.Current())
}
