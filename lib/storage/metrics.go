package storage

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

// instanceMetrics are registered in the default VictoriaMetrics set and
// exposed by the rpc http transport at /metrics. Instances of the same
// collection share them.
type instanceMetrics struct {
	writeSuccess  *metrics.Counter
	writeConflict *metrics.Counter
	writeInvalid  *metrics.Counter
	writeRetries  *metrics.Counter
	cleanupPurged *metrics.Counter

	conflictsDropped *metrics.Counter
	bulkDuration     *metrics.Histogram
	queryDuration    *metrics.Histogram
}

func newInstanceMetrics(collection string) *instanceMetrics {
	rows := func(result string) *metrics.Counter {
		return metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_bulk_write_rows_total{collection=%q,result=%q}`, collection, result))
	}
	return &instanceMetrics{
		writeSuccess:  rows("success"),
		writeConflict: rows("conflict"),
		writeInvalid:  rows("invalid"),
		writeRetries:  metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_bulk_write_retries_total{collection=%q}`, collection)),
		cleanupPurged: metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_cleanup_purged_total{collection=%q}`, collection)),

		conflictsDropped: metrics.GetOrCreateCounter(fmt.Sprintf(`ddoc_conflict_tasks_dropped_total{collection=%q}`, collection)),
		bulkDuration:     metrics.GetOrCreateHistogram(fmt.Sprintf(`ddoc_bulk_write_duration_seconds{collection=%q}`, collection)),
		queryDuration:    metrics.GetOrCreateHistogram(fmt.Sprintf(`ddoc_query_duration_seconds{collection=%q}`, collection)),
	}
}
