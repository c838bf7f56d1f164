package main

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"
)

// BenchmarkResult stores the outcome of one benchmark run.
type BenchmarkResult struct {
	BenchmarkType string
	Operations    int
	Duration      float64 // seconds
	Throughput    float64 // ops/sec
	Latency       float64 // ms/op
	HitRate       float64 // percent, read benchmarks only
	ReadRatio     float64 // percent, mixed benchmarks only
	WriteRatio    float64 // percent, mixed benchmarks only
	Timestamp     time.Time
}

func newResult(benchmarkType string, ops int, elapsed time.Duration) BenchmarkResult {
	seconds := elapsed.Seconds()
	r := BenchmarkResult{
		BenchmarkType: benchmarkType,
		Operations:    ops,
		Duration:      seconds,
		Timestamp:     time.Now(),
	}
	if seconds > 0 {
		r.Throughput = float64(ops) / seconds
	}
	if ops > 0 {
		r.Latency = seconds * 1000 / float64(ops)
	}
	return r
}

// String renders a human-readable summary line.
func (r BenchmarkResult) String() string {
	s := fmt.Sprintf("[%s] ops=%d duration=%.2fs throughput=%.1f ops/sec latency=%.3fms/op",
		r.BenchmarkType, r.Operations, r.Duration, r.Throughput, r.Latency)
	if r.HitRate > 0 {
		s += fmt.Sprintf(" hit_rate=%.1f%%", r.HitRate)
	}
	if r.WriteRatio > 0 || r.ReadRatio > 0 {
		s += fmt.Sprintf(" read=%.1f%% write=%.1f%%", r.ReadRatio, r.WriteRatio)
	}
	return s
}

// AppendResultCSV appends results to filename, writing a header first if
// the file does not already exist.
func AppendResultCSV(results []BenchmarkResult, filename string) error {
	if dir := filepath.Dir(filename); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	_, statErr := os.Stat(filename)
	needsHeader := os.IsNotExist(statErr)

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	if needsHeader {
		header := []string{
			"Timestamp", "BenchmarkType", "Operations", "Duration",
			"Throughput", "Latency", "HitRate", "ReadRatio", "WriteRatio",
		}
		if err := writer.Write(header); err != nil {
			return err
		}
	}

	for _, r := range results {
		record := []string{
			r.Timestamp.Format(time.RFC3339),
			r.BenchmarkType,
			strconv.Itoa(r.Operations),
			fmt.Sprintf("%.2f", r.Duration),
			fmt.Sprintf("%.1f", r.Throughput),
			fmt.Sprintf("%.3f", r.Latency),
			fmt.Sprintf("%.1f", r.HitRate),
			fmt.Sprintf("%.1f", r.ReadRatio),
			fmt.Sprintf("%.1f", r.WriteRatio),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return nil
}
