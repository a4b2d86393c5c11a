// Package testing provides standardised tests and benchmarks for
// substrate implementations that satisfy the kv.OrderedKV interface.
//
// The package contains:
//   - kv_testing: a conformance suite for the OrderedKV contract (inclusive
//     ranges, batch size independence, namespace isolation, checked atomic writes)
//   - kv_benchmarks: throughput measurements for the operations the storage
//     layer issues most often
//
// Example usage:
//
//	factory := func() kv.OrderedKV {
//		return NewMySubstrate()
//	}
//
//	kvtesting.RunOrderedKVTests(t, "MySubstrate", factory)
//	kvtesting.RunOrderedKVBenchmarks(b, "MySubstrate", factory)
package testing
