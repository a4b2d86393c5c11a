package query

import (
	"reflect"
	"sort"
	"strings"

	"github.com/ValentinKolb/dDoc/lib/schema"
)

// Type ranks of the collation order:
// null/absent < booleans < numbers < strings < arrays < objects.
const (
	rankNull = iota
	rankBool
	rankNumber
	rankString
	rankArray
	rankObject
	rankOther
)

func rank(v any) int {
	if v == nil {
		return rankNull
	}
	if _, ok := schema.ToFloat(v); ok {
		return rankNumber
	}
	switch v.(type) {
	case bool:
		return rankBool
	case string:
		return rankString
	case []any:
		return rankArray
	case map[string]any, schema.Document:
		return rankObject
	default:
		return rankOther
	}
}

// CompareValues orders two JSON values by collation order.
func CompareValues(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case rankNull:
		return 0
	case rankBool:
		x, y := a.(bool), b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case rankNumber:
		x, _ := schema.ToFloat(a)
		y, _ := schema.ToFloat(b)
		switch {
		case x < y:
			return -1
		case x > y:
			return 1
		default:
			return 0
		}
	case rankString:
		return strings.Compare(a.(string), b.(string))
	case rankArray:
		x, y := a.([]any), b.([]any)
		for i := 0; i < len(x) && i < len(y); i++ {
			if c := CompareValues(x[i], y[i]); c != 0 {
				return c
			}
		}
		return len(x) - len(y)
	case rankObject:
		return compareObjects(toMap(a), toMap(b))
	default:
		if reflect.DeepEqual(a, b) {
			return 0
		}
		return 1
	}
}

func toMap(v any) map[string]any {
	if d, ok := v.(schema.Document); ok {
		return d
	}
	return v.(map[string]any)
}

func compareObjects(x, y map[string]any) int {
	xk := sortedKeys(x)
	yk := sortedKeys(y)
	for i := 0; i < len(xk) && i < len(yk); i++ {
		if c := strings.Compare(xk[i], yk[i]); c != 0 {
			return c
		}
		if c := CompareValues(x[xk[i]], y[yk[i]]); c != 0 {
			return c
		}
	}
	return len(xk) - len(yk)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// equalValues is collation equality; numbers compare by value.
func equalValues(a, b any) bool {
	return CompareValues(a, b) == 0
}

// comparableValues reports whether a range operator can compare both values.
// Range operators never match across types or against null.
func comparableValues(a, b any) bool {
	ra := rank(a)
	return ra == rank(b) && ra != rankNull && ra != rankOther
}
