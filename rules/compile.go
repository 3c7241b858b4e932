package rules

import (
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	ahocorasick "github.com/BobuSumisu/aho-corasick"

	"github.com/gladix/agent/event"
)

// Atom ids are assigned sequentially across the whole ruleset, rules in
// lexicographic id order; within a rule, string atoms in name order, then
// byte atoms in name order. The ordering
// is part of the scan determinism contract.

type atom struct {
	id      uint32
	name    string
	literal []byte // literal atoms only
	pattern []byte // wildcard atoms: byte values
	mask    []bool // wildcard atoms: true where pattern byte must match
}

func (a *atom) wildcard() bool { return a.mask != nil }

type compiledRule struct {
	id       string
	name     string
	severity event.Severity
	atoms    []*atom // this rule's atoms, ascending id
	cond     expr
}

// Ruleset is one immutable compiled generation.
type Ruleset struct {
	Generation uint64
	rules      []*compiledRule
	trie       *ahocorasick.Trie
	trieAtoms  [][]uint32 // automaton pattern index -> atom ids sharing it
	wildcards  []*atom
	atomCount  uint32
}

// Rules returns the number of compiled rules.
func (rs *Ruleset) Rules() int { return len(rs.rules) }

// Compile builds a ruleset generation from parsed rule documents. A single
// automaton spans the literal atoms of every rule; per-rule condition trees
// are evaluated over the atom hit-set afterwards.
func Compile(docs []RuleFile, generation uint64) (*Ruleset, error) {
	sorted := append([]RuleFile(nil), docs...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	rs := &Ruleset{Generation: generation}
	builder := ahocorasick.NewTrieBuilder()

	// The same literal can appear in several rules; the automaton carries
	// it once, fanned out to every atom id that shares it.
	litIndex := map[string]int{}
	addLiteral := func(lit []byte, id uint32) {
		if idx, ok := litIndex[string(lit)]; ok {
			rs.trieAtoms[idx] = append(rs.trieAtoms[idx], id)
			return
		}
		litIndex[string(lit)] = len(rs.trieAtoms)
		builder.AddPattern(lit)
		rs.trieAtoms = append(rs.trieAtoms, []uint32{id})
	}

	seen := map[string]bool{}
	for _, doc := range sorted {
		if seen[doc.ID] {
			return nil, fmt.Errorf("duplicate rule id %q", doc.ID)
		}
		seen[doc.ID] = true

		sev, err := ParseSeverity(doc.Severity)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", doc.ID, err)
		}

		cr := &compiledRule{id: doc.ID, name: doc.Name, severity: sev}
		byName := map[string]*atom{}

		for _, name := range sortedKeys(doc.Strings) {
			a := &atom{id: rs.atomCount, name: name, literal: []byte(doc.Strings[name])}
			if len(a.literal) == 0 {
				return nil, fmt.Errorf("rule %s: empty string atom %s", doc.ID, name)
			}
			rs.atomCount++
			cr.atoms = append(cr.atoms, a)
			byName[name] = a
			addLiteral(a.literal, a.id)
		}
		for _, name := range sortedKeys(doc.Bytes) {
			if _, dup := byName[name]; dup {
				return nil, fmt.Errorf("rule %s: atom %s defined twice", doc.ID, name)
			}
			a, err := parseHexAtom(doc.Bytes[name])
			if err != nil {
				return nil, fmt.Errorf("rule %s atom %s: %w", doc.ID, name, err)
			}
			a.id = rs.atomCount
			a.name = name
			rs.atomCount++
			cr.atoms = append(cr.atoms, a)
			byName[name] = a
			if a.wildcard() {
				rs.wildcards = append(rs.wildcards, a)
			} else {
				addLiteral(a.literal, a.id)
			}
		}
		if len(cr.atoms) == 0 {
			return nil, fmt.Errorf("rule %s has no atoms", doc.ID)
		}

		cond, err := parseCondition(doc.Condition, byName)
		if err != nil {
			return nil, fmt.Errorf("rule %s condition: %w", doc.ID, err)
		}
		cr.cond = cond
		rs.rules = append(rs.rules, cr)
	}

	rs.trie = builder.Build()
	return rs, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseHexAtom reads space-separated hex byte tokens; "??" wildcards any
// byte. An atom with no wildcard tokens compiles into the automaton as a
// plain literal.
func parseHexAtom(s string) (*atom, error) {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return nil, fmt.Errorf("empty hex atom")
	}
	pattern := make([]byte, len(fields))
	mask := make([]bool, len(fields))
	hasWildcard := false
	for i, tok := range fields {
		if tok == "??" {
			hasWildcard = true
			continue
		}
		b, err := hex.DecodeString(tok)
		if err != nil || len(b) != 1 {
			return nil, fmt.Errorf("bad hex token %q", tok)
		}
		pattern[i] = b[0]
		mask[i] = true
	}
	if !hasWildcard {
		return &atom{literal: pattern}, nil
	}
	if !mask[0] {
		return nil, fmt.Errorf("hex atom must not start with a wildcard")
	}
	return &atom{pattern: pattern, mask: mask}, nil
}

// ── condition expressions ──

type expr interface {
	eval(hits map[uint32]bool) bool
}

type atomExpr struct{ id uint32 }

func (e atomExpr) eval(hits map[uint32]bool) bool { return hits[e.id] }

type notExpr struct{ inner expr }

func (e notExpr) eval(hits map[uint32]bool) bool { return !e.inner.eval(hits) }

type andExpr struct{ l, r expr }

func (e andExpr) eval(hits map[uint32]bool) bool { return e.l.eval(hits) && e.r.eval(hits) }

type orExpr struct{ l, r expr }

func (e orExpr) eval(hits map[uint32]bool) bool { return e.l.eval(hits) || e.r.eval(hits) }

type quantExpr struct {
	ids []uint32
	all bool
}

func (e quantExpr) eval(hits map[uint32]bool) bool {
	for _, id := range e.ids {
		if hits[id] {
			if !e.all {
				return true
			}
		} else if e.all {
			return false
		}
	}
	return e.all
}

// parseCondition parses a boolean expression over atom names. Grammar, in
// decreasing precedence: not, and, or. `any of them` / `all of them`
// quantify over the rule's atoms.
func parseCondition(s string, atoms map[string]*atom) (expr, error) {
	if strings.TrimSpace(s) == "" {
		// Default mirrors the common case: a single matching atom fires.
		return quantifier(atoms, false), nil
	}
	p := &condParser{tokens: tokenize(s), atoms: atoms}
	e, err := p.parseOr()
	if err != nil {
		return nil, err
	}
	if p.pos != len(p.tokens) {
		return nil, fmt.Errorf("trailing tokens after %q", p.tokens[p.pos-1])
	}
	return e, nil
}

func quantifier(atoms map[string]*atom, all bool) expr {
	ids := make([]uint32, 0, len(atoms))
	for _, a := range atoms {
		ids = append(ids, a.id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return quantExpr{ids: ids, all: all}
}

func tokenize(s string) []string {
	s = strings.ReplaceAll(s, "(", " ( ")
	s = strings.ReplaceAll(s, ")", " ) ")
	return strings.Fields(s)
}

type condParser struct {
	tokens []string
	pos    int
	atoms  map[string]*atom
}

func (p *condParser) peek() string {
	if p.pos < len(p.tokens) {
		return p.tokens[p.pos]
	}
	return ""
}

func (p *condParser) next() string {
	t := p.peek()
	p.pos++
	return t
}

func (p *condParser) parseOr() (expr, error) {
	l, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "or") {
		p.next()
		r, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		l = orExpr{l: l, r: r}
	}
	return l, nil
}

func (p *condParser) parseAnd() (expr, error) {
	l, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for strings.EqualFold(p.peek(), "and") {
		p.next()
		r, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		l = andExpr{l: l, r: r}
	}
	return l, nil
}

func (p *condParser) parseUnary() (expr, error) {
	switch tok := p.next(); {
	case tok == "":
		return nil, fmt.Errorf("unexpected end of condition")
	case strings.EqualFold(tok, "not"):
		inner, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return notExpr{inner: inner}, nil
	case tok == "(":
		e, err := p.parseOr()
		if err != nil {
			return nil, err
		}
		if p.next() != ")" {
			return nil, fmt.Errorf("missing closing parenthesis")
		}
		return e, nil
	case strings.EqualFold(tok, "any") || strings.EqualFold(tok, "all"):
		if !strings.EqualFold(p.next(), "of") || !strings.EqualFold(p.next(), "them") {
			return nil, fmt.Errorf("expected %q followed by 'of them'", tok)
		}
		return quantifier(p.atoms, strings.EqualFold(tok, "all")), nil
	default:
		a, ok := p.atoms[tok]
		if !ok {
			return nil, fmt.Errorf("unknown atom %q", tok)
		}
		return atomExpr{id: a.id}, nil
	}
}
