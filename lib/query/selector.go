package query

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/kv"
	"github.com/ValentinKolb/dDoc/lib/schema"
)

// Selector is a Mango style predicate, e.g.
//
//	{"age": {"$gt": 20}, "name": "alice", "$or": [{"a": 1}, {"b": 2}]}
type Selector map[string]any

// Operators understood by the matcher
const (
	OpEq     = "$eq"
	OpNe     = "$ne"
	OpGt     = "$gt"
	OpGte    = "$gte"
	OpLt     = "$lt"
	OpLte    = "$lte"
	OpIn     = "$in"
	OpNin    = "$nin"
	OpExists = "$exists"
	OpRegex  = "$regex"
	OpNot    = "$not"
	OpAnd    = "$and"
	OpOr     = "$or"
	OpNor    = "$nor"
)

// Matcher is a compiled selector.
type Matcher interface {
	Match(doc schema.Document) bool
}

// MatcherFunc adapts a function to the Matcher interface.
type MatcherFunc func(doc schema.Document) bool

func (f MatcherFunc) Match(doc schema.Document) bool { return f(doc) }

// matchAll is the matcher of an empty selector.
var matchAll = MatcherFunc(func(schema.Document) bool { return true })

func planningError(format string, args ...any) error {
	return kv.NewError(kv.RetCPlanning, fmt.Sprintf(format, args...))
}

// CompileSelector turns a selector into a matcher. Unknown operators and
// malformed operands are reported as planning errors.
func CompileSelector(sel Selector) (Matcher, error) {
	if len(sel) == 0 {
		return matchAll, nil
	}
	return compileAnd(sel)
}

// compileAnd compiles all entries of one selector object; they must all hold.
func compileAnd(sel map[string]any) (Matcher, error) {
	matchers := make([]Matcher, 0, len(sel))
	for key, operand := range sel {
		m, err := compileEntry(key, operand)
		if err != nil {
			return nil, err
		}
		matchers = append(matchers, m)
	}
	if len(matchers) == 1 {
		return matchers[0], nil
	}
	return MatcherFunc(func(doc schema.Document) bool {
		for _, m := range matchers {
			if !m.Match(doc) {
				return false
			}
		}
		return true
	}), nil
}

func compileEntry(key string, operand any) (Matcher, error) {
	switch key {
	case OpAnd, OpOr, OpNor:
		subs, err := compileList(key, operand)
		if err != nil {
			return nil, err
		}
		return combine(key, subs), nil
	}
	if strings.HasPrefix(key, "$") {
		return nil, planningError("unknown top level operator %q", key)
	}

	ops, isOps := operatorMap(operand)
	if !isOps {
		// implicit $eq
		ops = map[string]any{OpEq: operand}
	}
	return compileField(key, ops)
}

func compileList(op string, operand any) ([]Matcher, error) {
	list, ok := operand.([]any)
	if !ok {
		if sels, ok := operand.([]Selector); ok {
			for _, s := range sels {
				list = append(list, map[string]any(s))
			}
		} else {
			return nil, planningError("%s expects an array of selectors", op)
		}
	}
	subs := make([]Matcher, 0, len(list))
	for _, item := range list {
		sub, ok := asSelector(item)
		if !ok {
			return nil, planningError("%s expects an array of selectors", op)
		}
		m, err := compileAnd(sub)
		if err != nil {
			return nil, err
		}
		subs = append(subs, m)
	}
	return subs, nil
}

func combine(op string, subs []Matcher) Matcher {
	return MatcherFunc(func(doc schema.Document) bool {
		switch op {
		case OpAnd:
			for _, m := range subs {
				if !m.Match(doc) {
					return false
				}
			}
			return true
		case OpOr:
			for _, m := range subs {
				if m.Match(doc) {
					return true
				}
			}
			return false
		default: // $nor
			for _, m := range subs {
				if m.Match(doc) {
					return false
				}
			}
			return true
		}
	})
}

func asSelector(v any) (map[string]any, bool) {
	switch s := v.(type) {
	case map[string]any:
		return s, true
	case Selector:
		return s, true
	case schema.Document:
		return s, true
	default:
		return nil, false
	}
}

// operatorMap returns the operand as an operator object if every key is an operator.
func operatorMap(operand any) (map[string]any, bool) {
	m, ok := asSelector(operand)
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return nil, false
		}
	}
	return m, true
}

// compileField compiles the operators applied to one field path.
func compileField(path string, ops map[string]any) (Matcher, error) {
	preds := make([]func(v any, ok bool) bool, 0, len(ops))
	for op, arg := range ops {
		pred, err := compileOperator(op, arg)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", path, err)
		}
		preds = append(preds, pred)
	}
	return MatcherFunc(func(doc schema.Document) bool {
		v, ok := doc.Get(path)
		for _, p := range preds {
			if !p(v, ok) {
				return false
			}
		}
		return true
	}), nil
}

func compileOperator(op string, arg any) (func(v any, ok bool) bool, error) {
	switch op {
	case OpEq:
		return func(v any, _ bool) bool { return equalValues(v, arg) }, nil
	case OpNe:
		return func(v any, _ bool) bool { return !equalValues(v, arg) }, nil
	case OpGt, OpGte, OpLt, OpLte:
		return func(v any, _ bool) bool {
			if !comparableValues(v, arg) {
				return false
			}
			c := CompareValues(v, arg)
			switch op {
			case OpGt:
				return c > 0
			case OpGte:
				return c >= 0
			case OpLt:
				return c < 0
			default:
				return c <= 0
			}
		}, nil
	case OpIn, OpNin:
		list, ok := arg.([]any)
		if !ok {
			return nil, planningError("%s expects an array", op)
		}
		return func(v any, _ bool) bool {
			found := false
			for _, candidate := range list {
				if equalValues(v, candidate) {
					found = true
					break
				}
			}
			return found == (op == OpIn)
		}, nil
	case OpExists:
		want, ok := arg.(bool)
		if !ok {
			return nil, planningError("$exists expects a boolean")
		}
		return func(_ any, present bool) bool { return present == want }, nil
	case OpRegex:
		pattern, ok := arg.(string)
		if !ok {
			return nil, planningError("$regex expects a string")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, planningError("invalid $regex: %v", err)
		}
		return func(v any, _ bool) bool {
			s, ok := v.(string)
			return ok && re.MatchString(s)
		}, nil
	case OpNot:
		inner, ok := operatorMap(arg)
		if !ok {
			return nil, planningError("$not expects an operator object")
		}
		preds := make([]func(any, bool) bool, 0, len(inner))
		for innerOp, innerArg := range inner {
			p, err := compileOperator(innerOp, innerArg)
			if err != nil {
				return nil, err
			}
			preds = append(preds, p)
		}
		return func(v any, present bool) bool {
			for _, p := range preds {
				if !p(v, present) {
					return true
				}
			}
			return false
		}, nil
	default:
		return nil, planningError("unknown operator %q", op)
	}
}
