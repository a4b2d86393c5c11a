// Package query plans and executes Mango style queries over the index
// namespaces of a collection.
//
// A query consists of a selector, a sort order, skip and limit. Executing it
// takes three steps:
//
//   - Prepare normalizes the sort (the primary key is always the final tie
//     breaker), compiles the selector into a Matcher and the sort into a
//     Comparator and calls PlanQuery.
//
//   - PlanQuery picks one of the schema's storage indexes. Indexes are ranked
//     by the number of leading fields fixed by equality terms, then by whether
//     the next field carries a range term, then by whether the index order
//     already is the requested sort order. The plan holds partial start and
//     end tuples plus two flags: SelectorSatisfiedByIndex (no document needs
//     to be matched again) and SortFieldsSameAsIndexFields (no resort needed).
//
//   - Executor turns the plan into an inclusive key range (exclusive bounds
//     are shifted by one quantum, see package indexstring), scans the index,
//     loads the referenced documents and applies residual matching, sorting,
//     skip and limit.
//
// Comparison semantics follow the collation order
//
//	null < false < true < numbers < strings < arrays < objects
//
// Range operators ($gt, $gte, $lt, $lte) never match across types or against
// null, $eq null matches both an explicit null and an absent field.
//
// Unknown operators, negative skip or limit and sort fields that are not part
// of any index are reported as kv.RetCPlanning errors before any scan starts.
package query
