package query

import "github.com/ValentinKolb/dDoc/lib/schema"

// SortField is one component of a sort order.
type SortField struct {
	Path string `json:"path"`
	Desc bool   `json:"desc,omitempty"`
}

// Comparator orders two documents; negative when a sorts first.
type Comparator func(a, b schema.Document) int

// CompileSort returns the comparator of a sort order.
func CompileSort(fields []SortField) Comparator {
	return func(a, b schema.Document) int {
		for _, f := range fields {
			va, _ := a.Get(f.Path)
			vb, _ := b.Get(f.Path)
			c := CompareValues(va, vb)
			if c == 0 {
				continue
			}
			if f.Desc {
				return -c
			}
			return c
		}
		return 0
	}
}
