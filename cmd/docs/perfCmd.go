package docs

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ValentinKolb/dDoc/cmd/util"
	"github.com/ValentinKolb/dDoc/lib/query"
	"github.com/ValentinKolb/dDoc/lib/schema"
	"github.com/ValentinKolb/dDoc/lib/storage"
	"github.com/google/uuid"
	"github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// perfSchema is the collection layout used by the benchmarks
const perfSchema = `{
	"version": 0,
	"primaryKey": "id",
	"properties": {
		"id":   {"type": "string", "maxLength": 32},
		"name": {"type": "string", "maxLength": 32},
		"age":  {"type": "integer"}
	},
	"indexes": [["age"]]
}`

// perfTests are all benchmarks in the order they run
var perfTests = []string{"insert", "get", "update", "query", "count", "mixed"}

var (
	perfTestCmd = &cobra.Command{
		Use:   "perf",
		Short: "Performance testing tool for dDoc collections",
		Long:  "Runs a set of benchmarks against a temporary collection that is removed afterwards. The --schema and --collection flags are ignored.",
		Args:  cobra.NoArgs,
		// perf brings its own schema and collection
		PersistentPreRunE:  setupPerf,
		PersistentPostRunE: removePerf,
		RunE:               runPerf,
	}
	perfInstance   *storage.Instance
	perfNumThreads = 10
	perfOps        = 1000
	perfKeySpread  = 100
	perfSkip       []string
)

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. insert,mixed)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines issuing requests"))
	key = "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Number of operations per benchmark"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different documents to use for the tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func setupPerf(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	perfNumThreads = max(viper.GetInt("threads"), 1)
	perfOps = max(viper.GetInt("ops"), 1)
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")

	s, err := schema.Parse([]byte(perfSchema))
	if err != nil {
		return err
	}
	st, err := newStorage()
	if err != nil {
		return err
	}

	ctx, cancel := commandContext(cmd)
	defer cancel()

	perfInstance, err = st.CreateInstance(ctx, storage.InstanceParams{
		DatabaseName:   viper.GetString("database"),
		CollectionName: "perf-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12],
		Schema:         s,
	})
	return err
}

func removePerf(cmd *cobra.Command, _ []string) error {
	if perfInstance == nil {
		return nil
	}
	ctx, cancel := commandContext(cmd)
	defer cancel()
	return perfInstance.Remove(ctx)
}

// perfResult is the outcome of a single benchmark
type perfResult struct {
	Test     string
	Skipped  bool
	Ops      int64
	Errors   int64
	Duration time.Duration
	Timer    metrics.Timer
}

func (r perfResult) opsPerSec() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(r.Ops) / r.Duration.Seconds()
}

func runPerf(cmd *cobra.Command, _ []string) error {
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Performance testing tool for dDoc collections")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Configuration:")
	if viper.GetString("local-dir") != "" {
		fmt.Fprintf(out, "  Local pebble directory: %s\n", viper.GetString("local-dir"))
	} else {
		fmt.Fprint(out, util.GetClientConfig().String())
	}
	fmt.Fprintf(out, "Collection: %s\n", perfInstance.KeySpace())
	fmt.Fprintf(out, "Threads: %d, Ops: %d, Documents: %d\n", perfNumThreads, perfOps, perfKeySpread)
	fmt.Fprintln(out)

	registry := metrics.NewRegistry()
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	var results []perfResult
	for _, test := range perfTests {
		if slices.Contains(perfSkip, test) {
			results = append(results, perfResult{Test: test, Skipped: true})
			printPerfResult(out, results[len(results)-1])
			continue
		}
		res, err := runBenchmark(ctx, registry, test)
		if err != nil {
			return fmt.Errorf("benchmark %s: %w", test, err)
		}
		results = append(results, res)
		printPerfResult(out, res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Fprintf(out, "\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Fprintln(out, "Export complete")
	}
	return nil
}

// runBenchmark prepares the collection for test and spreads perfOps operations over perfNumThreads goroutines
func runBenchmark(ctx context.Context, registry metrics.Registry, test string) (perfResult, error) {
	op, err := benchmarkOp(ctx, test)
	if err != nil {
		return perfResult{}, err
	}

	timer := metrics.GetOrRegisterTimer("ddoc.perf."+test, registry)
	errCount := metrics.GetOrRegisterCounter("ddoc.perf."+test+".errors", registry)

	var wg sync.WaitGroup
	start := time.Now()
	for worker := 0; worker < perfNumThreads; worker++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			for n := worker; n < perfOps; n += perfNumThreads {
				opStart := time.Now()
				if err := op(n); err != nil {
					errCount.Inc(1)
					if errCount.Count() <= 10 {
						fmt.Fprintf(stderr, "(%s) - %v\n", test, err)
					}
				}
				timer.UpdateSince(opStart)
			}
		}(worker)
	}
	wg.Wait()

	return perfResult{
		Test:     test,
		Ops:      timer.Count(),
		Errors:   errCount.Count(),
		Duration: time.Since(start),
		Timer:    timer,
	}, nil
}

// benchmarkOp seeds the collection if the test needs data and returns the operation to measure
func benchmarkOp(ctx context.Context, test string) (func(n int) error, error) {
	switch test {
	case "insert":
		// every operation writes a new document
		run := uuid.NewString()[:8]
		return func(n int) error {
			return putPerfDocument(ctx, perfDocument(fmt.Sprintf("ins-%s-%d", run, n), n))
		}, nil

	case "get":
		if err := seedPerfDocuments(ctx); err != nil {
			return nil, err
		}
		return func(n int) error {
			found, err := perfInstance.FindDocumentsByID(ctx, []string{perfKey(n)}, false)
			if err == nil && len(found) != 1 {
				err = fmt.Errorf("document %s not found", perfKey(n))
			}
			return err
		}, nil

	case "update":
		if err := seedPerfDocuments(ctx); err != nil {
			return nil, err
		}
		return func(n int) error {
			return putPerfDocument(ctx, perfDocument(perfKey(n), n+1))
		}, nil

	case "query", "count":
		if err := seedPerfDocuments(ctx); err != nil {
			return nil, err
		}
		return func(n int) error {
			age := n % perfKeySpread
			pq, err := perfInstance.Prepare(query.Query{
				Selector: query.Selector{"age": map[string]any{"$gte": age, "$lt": age + 10}},
				Limit:    10,
			})
			if err != nil {
				return err
			}
			if test == "count" {
				_, err = perfInstance.Count(ctx, pq)
			} else {
				_, err = perfInstance.Query(ctx, pq)
			}
			return err
		}, nil

	case "mixed":
		if err := seedPerfDocuments(ctx); err != nil {
			return nil, err
		}
		return func(n int) error {
			switch n % 4 {
			case 0:
				return putPerfDocument(ctx, perfDocument(perfKey(n), n))
			case 1:
				_, err := perfInstance.FindDocumentsByID(ctx, []string{perfKey(n)}, false)
				return err
			case 2:
				_, err := perfInstance.GetChangedDocumentsSince(ctx, 10, nil)
				return err
			default:
				_, err := perfInstance.Info(ctx)
				return err
			}
		}, nil

	default:
		return nil, fmt.Errorf("unknown benchmark %s", test)
	}
}

func perfKey(n int) string {
	return fmt.Sprintf("doc-%d", n%perfKeySpread)
}

func perfDocument(id string, n int) schema.Document {
	return schema.Document{"id": id, "name": fmt.Sprintf("name-%d", n), "age": n % perfKeySpread}
}

// seedPerfDocuments writes the documents read by get, update, query and mixed
func seedPerfDocuments(ctx context.Context) error {
	for n := 0; n < perfKeySpread; n++ {
		if err := putPerfDocument(ctx, perfDocument(perfKey(n), n)); err != nil {
			return err
		}
	}
	return nil
}

// putPerfDocument upserts doc on top of whatever revision is stored.
// Concurrent writers on the same document lose the revision check, the
// conflict is retried once against the new state.
func putPerfDocument(ctx context.Context, doc schema.Document) error {
	id := doc.ID("id")
	var err error
	for attempt := 0; attempt < 2; attempt++ {
		var found []schema.Document
		found, err = perfInstance.FindDocumentsByID(ctx, []string{id}, true)
		if err != nil {
			return err
		}
		row := storage.BulkWriteRow{Document: doc}
		if len(found) == 1 {
			row.Previous = found[0]
		}
		var resp storage.BulkWriteResponse
		resp, err = perfInstance.BulkWrite(ctx, []storage.BulkWriteRow{row}, writeContext)
		if err != nil {
			return err
		}
		if len(resp.Errors) == 0 {
			return nil
		}
		if resp.Errors[0].Status != storage.StatusConflict {
			return resp.Errors[0]
		}
		err = resp.Errors[0]
	}
	return err
}

// --------------------------------------------------------------------------
// Output
// --------------------------------------------------------------------------

// percentiles reported for every benchmark
var percentiles = []float64{0.5, 0.95, 0.99}

// printPerfResult prints the result of a benchmark in a formatted way
func printPerfResult(w io.Writer, r perfResult) {
	if r.Skipped {
		fmt.Fprintf(w, "%-10sskipped\n", r.Test)
		return
	}
	ps := r.Timer.Percentiles(percentiles)
	fmt.Fprintf(w, "%-10s%8.0f ops/sec  mean %-12s p50 %-12s p95 %-12s p99 %-12s errors %d\n",
		r.Test, r.opsPerSec(),
		time.Duration(r.Timer.Mean()), time.Duration(ps[0]), time.Duration(ps[1]), time.Duration(ps[2]),
		r.Errors)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results []perfResult) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	return writeResultsCSV(file, results)
}

func writeResultsCSV(w io.Writer, results []perfResult) error {
	writer := csv.NewWriter(w)

	header := []string{
		"Test", "Skipped", "Ops", "Errors", "OpsPerSec", "MeanNs", "P50Ns", "P95Ns", "P99Ns",
		"Substrate", "ShardID", "Serializer", "Transport", "Consistency", "Threads", "Documents",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	substrate := "rpc"
	if viper.GetString("local-dir") != "" {
		substrate = "pebble"
	}

	for _, r := range results {
		row := []string{r.Test, strconv.FormatBool(r.Skipped), "0", "0", "0", "0", "0", "0", "0"}
		if !r.Skipped {
			ps := r.Timer.Percentiles(percentiles)
			row = []string{
				r.Test,
				"false",
				strconv.FormatInt(r.Ops, 10),
				strconv.FormatInt(r.Errors, 10),
				fmt.Sprintf("%.0f", r.opsPerSec()),
				fmt.Sprintf("%.0f", r.Timer.Mean()),
				fmt.Sprintf("%.0f", ps[0]),
				fmt.Sprintf("%.0f", ps[1]),
				fmt.Sprintf("%.0f", ps[2]),
			}
		}
		row = append(row,
			substrate,
			strconv.FormatUint(util.GetShardID(), 10),
			viper.GetString("serializer"),
			viper.GetString("transport"),
			viper.GetString("consistency"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfKeySpread),
		)
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", r.Test, err)
		}
	}

	writer.Flush()
	return writer.Error()
}
