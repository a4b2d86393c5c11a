package query

import (
	"fmt"

	"github.com/ValentinKolb/dDoc/lib/indexstring"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

// Plan is the result of planning a query against the declared indexes.
// StartKeys / EndKeys are partial bound tuples over Index (without the
// implicit _deleted field); their elements are values or indexstring sentinels.
type Plan struct {
	IndexID                     string
	Index                       []schema.IndexField
	StartKeys                   []any
	EndKeys                     []any
	InclusiveStart              bool
	InclusiveEnd                bool
	SelectorSatisfiedByIndex    bool
	SortFieldsSameAsIndexFields bool
}

func (p Plan) String() string {
	return fmt.Sprintf("index=%s(%s) start=%v(incl=%v) end=%v(incl=%v) satisfied=%v sorted=%v",
		p.IndexID, schema.Index(p.Index).Name(), p.StartKeys, p.InclusiveStart, p.EndKeys, p.InclusiveEnd,
		p.SelectorSatisfiedByIndex, p.SortFieldsSameAsIndexFields)
}

// --------------------------------------------------------------------------
// Selector analysis
// --------------------------------------------------------------------------

// term is one top level field condition of a selector.
type term struct {
	path string
	op   string
	arg  any
}

// analysis splits a selector into field terms. residual is set when the
// selector contains anything the planner can not express as a range
// ($or, $nor, nested operators, ...).
type analysis struct {
	terms    []term
	residual bool
}

func analyze(sel Selector) analysis {
	var a analysis
	a.add(sel)
	return a
}

func (a *analysis) add(sel map[string]any) {
	for key, operand := range sel {
		switch key {
		case OpAnd:
			list, _ := operand.([]any)
			for _, item := range list {
				if sub, ok := asSelector(item); ok {
					a.add(sub)
				}
			}
			if sels, ok := operand.([]Selector); ok {
				for _, sub := range sels {
					a.add(sub)
				}
			}
			continue
		case OpOr, OpNor:
			a.residual = true
			continue
		}

		ops, isOps := operatorMap(operand)
		if !isOps {
			a.terms = append(a.terms, term{path: key, op: OpEq, arg: operand})
			continue
		}
		for op, arg := range ops {
			a.terms = append(a.terms, term{path: key, op: op, arg: arg})
		}
	}
}

// fieldTerms returns the terms applying to path.
func (a analysis) fieldTerms(path string) []term {
	var out []term
	for _, t := range a.terms {
		if t.path == path {
			out = append(out, t)
		}
	}
	return out
}

// encodable reports whether v can be encoded exactly for the field.
func encodable(s *schema.Schema, path string, v any) (ok bool, lossy bool) {
	decl, found := s.Field(path)
	if !found {
		return false, false
	}
	_, lossy, err := indexstring.EncodeValue(decl, v)
	return err == nil, lossy
}

// equality returns the usable $eq term of path.
func (a analysis) equality(s *schema.Schema, path string) (term, bool) {
	for _, t := range a.fieldTerms(path) {
		if t.op != OpEq {
			continue
		}
		if ok, _ := encodable(s, path, t.arg); ok {
			return t, true
		}
	}
	return term{}, false
}

// rangeTerms returns the first usable lower and upper bound terms of path.
func (a analysis) rangeTerms(s *schema.Schema, path string) (lower, upper *term) {
	for _, t := range a.fieldTerms(path) {
		if t.arg == nil {
			continue
		}
		if ok, _ := encodable(s, path, t.arg); !ok {
			continue
		}
		switch t.op {
		case OpGt, OpGte:
			if lower == nil {
				lower = &t
			}
		case OpLt, OpLte:
			if upper == nil {
				upper = &t
			}
		}
	}
	return lower, upper
}

// --------------------------------------------------------------------------
// Planning
// --------------------------------------------------------------------------

type candidate struct {
	idx       schema.StorageIndex
	order     int
	eqCount   int
	hasRange  bool
	sortMatch bool
}

// betterThan ranks a range over the next field above a matching sort: the
// narrower scan pays off more than skipping the resort of its few results.
// Without an explicit sort every query is sorted by the primary key, so the
// primary key index would otherwise win every range query with a full scan.
func (c candidate) betterThan(o candidate) bool {
	if c.eqCount != o.eqCount {
		return c.eqCount > o.eqCount
	}
	if c.hasRange != o.hasRange {
		return c.hasRange
	}
	if c.sortMatch != o.sortMatch {
		return c.sortMatch
	}
	return c.order < o.order
}

// PlanQuery selects an index for an already normalized query and computes
// the scan bounds.
//
// Indexes are ranked by the number of leading fields fixed by equality
// terms, then by whether the following field carries a range term, then by
// whether the scan order already equals the requested sort, then by
// declaration order.
func PlanQuery(s *schema.Schema, q Query) (Plan, error) {
	if q.Skip < 0 || q.Limit < 0 {
		return Plan{}, planningError("skip and limit must not be negative")
	}

	indexes := s.StorageIndexes()
	if err := checkSortFields(s, indexes, q.Sort); err != nil {
		return Plan{}, err
	}
	if err := checkOperators(q.Selector); err != nil {
		return Plan{}, err
	}

	a := analyze(q.Selector)

	var best *candidate
	for order, idx := range indexes {
		if idx.Cleanup {
			continue
		}
		c := candidate{idx: idx, order: order}
		fields := idx.QueryFields()
		for _, f := range fields {
			if _, ok := a.equality(s, f.Path); !ok {
				break
			}
			c.eqCount++
		}
		if c.eqCount < len(fields) {
			lower, upper := a.rangeTerms(s, fields[c.eqCount].Path)
			c.hasRange = lower != nil || upper != nil
		}
		c.sortMatch = sortMatches(q.Sort, fields, fields[:c.eqCount])
		if best == nil || c.betterThan(*best) {
			cc := c
			best = &cc
		}
	}
	if best == nil {
		return Plan{}, planningError("schema has no usable index")
	}
	return buildPlan(s, a, *best), nil
}

func buildPlan(s *schema.Schema, a analysis, c candidate) Plan {
	fields := c.idx.QueryFields()
	plan := Plan{
		IndexID:                     c.idx.ID,
		Index:                       fields,
		InclusiveStart:              true,
		InclusiveEnd:                true,
		SortFieldsSameAsIndexFields: c.sortMatch,
	}

	consumed := 0
	satisfied := !a.residual

	for _, f := range fields[:c.eqCount] {
		t, _ := a.equality(s, f.Path)
		plan.StartKeys = append(plan.StartKeys, t.arg)
		plan.EndKeys = append(plan.EndKeys, t.arg)
		consumed++
		if _, lossy := encodable(s, f.Path, t.arg); lossy {
			satisfied = false
		}
	}

	if c.hasRange {
		f := fields[c.eqCount]
		lower, upper := a.rangeTerms(s, f.Path)

		// logical bounds; encoded order is reversed for descending fields
		lo, loIncl := any(indexstring.NonNullMin), true
		hi, hiIncl := any(indexstring.NonNullMax), true
		loFromTerm, hiFromTerm := lower, upper
		if f.Desc {
			loFromTerm, hiFromTerm = upper, lower
		}
		if loFromTerm != nil {
			lo, loIncl = loFromTerm.arg, loFromTerm.op == OpGte || loFromTerm.op == OpLte
			consumed++
			if _, lossy := encodable(s, f.Path, lo); lossy {
				loIncl, satisfied = true, false
			}
		}
		if hiFromTerm != nil {
			hi, hiIncl = hiFromTerm.arg, hiFromTerm.op == OpGte || hiFromTerm.op == OpLte
			consumed++
			if _, lossy := encodable(s, f.Path, hi); lossy {
				hiIncl, satisfied = true, false
			}
		}
		plan.StartKeys = append(plan.StartKeys, lo)
		plan.EndKeys = append(plan.EndKeys, hi)
		plan.InclusiveStart = loIncl
		plan.InclusiveEnd = hiIncl
	}

	// every term must be expressed by the range
	if consumed != len(a.terms) {
		satisfied = false
	}
	plan.SelectorSatisfiedByIndex = satisfied
	return plan
}

// sortMatches reports whether scanning fields yields the requested sort.
// Fields fixed by equality are constant within the scan and are ignored on both sides.
func sortMatches(sort []SortField, fields, fixed []schema.IndexField) bool {
	isFixed := make(map[string]bool, len(fixed))
	for _, f := range fixed {
		isFixed[f.Path] = true
	}
	var rest []schema.IndexField
	for _, f := range fields {
		if !isFixed[f.Path] {
			rest = append(rest, f)
		}
	}
	i := 0
	for _, sf := range sort {
		if isFixed[sf.Path] {
			continue
		}
		if i >= len(rest) || rest[i].Path != sf.Path || rest[i].Desc != sf.Desc {
			return false
		}
		i++
	}
	return true
}

func checkSortFields(s *schema.Schema, indexes []schema.StorageIndex, sort []SortField) error {
	for _, sf := range sort {
		if _, ok := s.Field(sf.Path); !ok {
			return planningError("sort field %q is not declared in the schema", sf.Path)
		}
		found := false
		for _, idx := range indexes {
			if idx.Cleanup {
				continue
			}
			for _, f := range idx.QueryFields() {
				if f.Path == sf.Path {
					found = true
				}
			}
		}
		if !found {
			return planningError("sort field %q is not part of any index", sf.Path)
		}
	}
	return nil
}

// checkOperators compiles the selector only to surface unknown operators
// before any scan starts.
func checkOperators(sel Selector) error {
	_, err := CompileSelector(sel)
	return err
}
