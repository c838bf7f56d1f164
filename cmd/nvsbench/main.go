// Command nvsbench drives write/read/mixed/compaction workloads against an
// in-memory flash region and reports throughput, latency, and stats.
package main

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/nvsdb/nvs/pkg/common/log"
	"github.com/nvsdb/nvs/pkg/flash"
	"github.com/nvsdb/nvs/pkg/nvs"
)

const defaultValueSize = 64

var (
	benchmarkType = flag.String("type", "all", "Benchmark to run (write, read, mixed, compaction, or all)")
	duration      = flag.Duration("duration", 5*time.Second, "Duration to run each timed benchmark")
	numKeys       = flag.Int("keys", 2000, "Number of distinct keys to use")
	valueSize     = flag.Int("value-size", defaultValueSize, "Size of blob values in bytes")
	sectorCount   = flag.Uint("sectors", 8, "Number of 4096-byte sectors to give the store")
	sequential    = flag.Bool("sequential", false, "Use sequential keys instead of random")
	resultsFile   = flag.String("results", "", "File to append CSV results to, in addition to stdout")
)

func main() {
	flag.Parse()

	sectors := uint32(*sectorCount)
	if sectors < 3 {
		fmt.Fprintln(os.Stderr, "nvsbench: -sectors must be at least 3")
		os.Exit(1)
	}

	e := flash.NewEmulator(sectors, 4096)
	ctx := context.Background()
	if err := nvs.InitCustom(ctx, e, 0, sectors); err != nil {
		fmt.Fprintf(os.Stderr, "nvsbench: InitCustom failed: %v\n", err)
		os.Exit(1)
	}
	defer nvs.Deinit()

	h, err := nvs.Open(ctx, "bench", nvs.ReadWrite)
	if err != nil {
		fmt.Fprintf(os.Stderr, "nvsbench: Open failed: %v\n", err)
		os.Exit(1)
	}

	var results []BenchmarkResult
	types := strings.Split(*benchmarkType, ",")
	for _, typ := range types {
		switch strings.ToLower(strings.TrimSpace(typ)) {
		case "write":
			results = append(results, runWriteBenchmark(ctx, h))
		case "read":
			results = append(results, runReadBenchmark(ctx, h))
		case "mixed":
			results = append(results, runMixedBenchmark(ctx, h))
		case "compaction":
			results = append(results, runCompactionBenchmark(ctx, h, sectors))
		case "all":
			results = append(results, runWriteBenchmark(ctx, h))
			results = append(results, runReadBenchmark(ctx, h))
			results = append(results, runMixedBenchmark(ctx, h))
			results = append(results, runCompactionBenchmark(ctx, h, sectors))
		default:
			fmt.Fprintf(os.Stderr, "nvsbench: unknown benchmark type %q\n", typ)
			os.Exit(1)
		}
	}

	for _, r := range results {
		fmt.Println(r.String())
	}
	if *resultsFile != "" {
		if err := AppendResultCSV(results, *resultsFile); err != nil {
			fmt.Fprintf(os.Stderr, "nvsbench: failed to write results file: %v\n", err)
		}
	}
}

func keyName(i int) string {
	if *sequential {
		return fmt.Sprintf("k%08d", i)
	}
	return fmt.Sprintf("k%08d", rand.Intn(*numKeys))
}

func valueFor(i int) []byte {
	v := make([]byte, *valueSize)
	for j := range v {
		v[j] = byte((i + j) % 256)
	}
	return v
}

func runWriteBenchmark(ctx context.Context, h *nvs.Handle) BenchmarkResult {
	fmt.Println("Running write benchmark...")
	start := time.Now()
	ops := 0
	deadline := start.Add(*duration)
	for time.Now().Before(deadline) && ops < *numKeys {
		key := keyName(ops)
		if err := h.SetBlob(ctx, key, valueFor(ops)); err != nil {
			log.Default().Warn("nvsbench: write benchmark: SetBlob %q failed: %v", key, err)
			continue
		}
		ops++
	}
	elapsed := time.Since(start)
	return newResult("write", ops, elapsed)
}

func runReadBenchmark(ctx context.Context, h *nvs.Handle) BenchmarkResult {
	fmt.Println("Priming read benchmark...")
	for i := 0; i < *numKeys; i++ {
		if err := h.SetBlob(ctx, keyName(i), valueFor(i)); err != nil {
			log.Default().Warn("nvsbench: read benchmark priming: SetBlob failed: %v", err)
		}
	}

	fmt.Println("Running read benchmark...")
	buf := make([]byte, *valueSize)
	start := time.Now()
	ops, hits := 0, 0
	deadline := start.Add(*duration)
	for time.Now().Before(deadline) {
		key := fmt.Sprintf("k%08d", rand.Intn(*numKeys))
		if _, err := h.GetBlob(ctx, key, buf); err == nil {
			hits++
		}
		ops++
	}
	elapsed := time.Since(start)
	result := newResult("read", ops, elapsed)
	if ops > 0 {
		result.HitRate = float64(hits) / float64(ops) * 100
	}
	return result
}

func runMixedBenchmark(ctx context.Context, h *nvs.Handle) BenchmarkResult {
	fmt.Println("Running mixed read/write benchmark (90/10)...")
	buf := make([]byte, *valueSize)
	start := time.Now()
	ops, writes := 0, 0
	deadline := start.Add(*duration)
	for time.Now().Before(deadline) {
		key := fmt.Sprintf("k%08d", rand.Intn(*numKeys))
		if rand.Intn(10) == 0 {
			if err := h.SetBlob(ctx, key, valueFor(ops)); err == nil {
				writes++
			}
		} else {
			_, _ = h.GetBlob(ctx, key, buf)
		}
		ops++
	}
	elapsed := time.Since(start)
	result := newResult("mixed", ops, elapsed)
	if ops > 0 {
		result.WriteRatio = float64(writes) / float64(ops) * 100
		result.ReadRatio = 100 - result.WriteRatio
	}
	return result
}

// runCompactionBenchmark repeatedly overwrites a small fixed key set until
// the -duration deadline passes or a write fails, forcing the
// proactive compaction path under steady churn rather than a one-shot
// fill.
func runCompactionBenchmark(ctx context.Context, h *nvs.Handle, sectors uint32) BenchmarkResult {
	fmt.Println("Running compaction stress benchmark...")
	const churnKeys = 32
	start := time.Now()
	ops := 0
	deadline := start.Add(*duration)
	for time.Now().Before(deadline) {
		key := fmt.Sprintf("churn%02d", ops%churnKeys)
		if err := h.SetBlob(ctx, key, valueFor(ops)); err != nil {
			log.Default().Warn("nvsbench: compaction benchmark: SetBlob %q failed: %v", key, err)
			break
		}
		ops++
	}
	elapsed := time.Since(start)
	return newResult("compaction", ops, elapsed)
}
