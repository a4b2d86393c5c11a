package query

import (
	"github.com/ValentinKolb/dDoc/lib/schema"
)

// Query is a declarative query: selector, sort, skip and limit.
// Limit 0 means unlimited.
type Query struct {
	Selector Selector    `json:"selector,omitempty"`
	Sort     []SortField `json:"sort,omitempty"`
	Skip     int         `json:"skip,omitempty"`
	Limit    int         `json:"limit,omitempty"`
}

// PreparedQuery is a normalized query with its plan and compiled
// matcher/comparator. It is immutable and can be executed any number of times.
type PreparedQuery struct {
	Query      Query
	Plan       Plan
	Matcher    Matcher
	Comparator Comparator
}

// Prepare normalizes q (the primary key is appended to the sort as the final
// tie breaker), compiles the selector and the sort and plans the query.
func Prepare(s *schema.Schema, q Query) (PreparedQuery, error) {
	if q.Skip < 0 || q.Limit < 0 {
		return PreparedQuery{}, planningError("skip and limit must not be negative (skip=%d, limit=%d)", q.Skip, q.Limit)
	}

	normalized := q
	normalized.Sort = normalizeSort(s, q.Sort)

	matcher, err := CompileSelector(q.Selector)
	if err != nil {
		return PreparedQuery{}, err
	}
	plan, err := PlanQuery(s, normalized)
	if err != nil {
		return PreparedQuery{}, err
	}
	return PreparedQuery{
		Query:      normalized,
		Plan:       plan,
		Matcher:    matcher,
		Comparator: CompileSort(normalized.Sort),
	}, nil
}

func normalizeSort(s *schema.Schema, sort []SortField) []SortField {
	out := make([]SortField, 0, len(sort)+1)
	for _, f := range sort {
		out = append(out, f)
		if f.Path == s.PrimaryKey {
			// the primary key is unique, later fields never decide
			return out
		}
	}
	return append(out, SortField{Path: s.PrimaryKey})
}
