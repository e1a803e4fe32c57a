package main

import (
	"fmt"
	"io"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates the results of one request class.
type Stats struct {
	name          string
	totalRequests atomic.Int64
	successCount  atomic.Int64
	errorCount    atomic.Int64
	latencies     []time.Duration
	latenciesMu   sync.Mutex
	statusCodes   map[int]*atomic.Int64
	statusCodesMu sync.Mutex
}

func NewStats(name string) *Stats {
	return &Stats{
		name:        name,
		latencies:   make([]time.Duration, 0, 100000),
		statusCodes: make(map[int]*atomic.Int64),
	}
}

func (s *Stats) RecordRequest(duration time.Duration, statusCode int, err error) {
	s.totalRequests.Add(1)
	if err != nil {
		s.errorCount.Add(1)
		return
	}
	if statusCode >= 200 && statusCode < 300 {
		s.successCount.Add(1)
	} else {
		s.errorCount.Add(1)
	}

	s.latenciesMu.Lock()
	s.latencies = append(s.latencies, duration)
	s.latenciesMu.Unlock()

	s.statusCodesMu.Lock()
	if _, ok := s.statusCodes[statusCode]; !ok {
		s.statusCodes[statusCode] = &atomic.Int64{}
	}
	s.statusCodes[statusCode].Add(1)
	s.statusCodesMu.Unlock()
}

// Report writes totals, latency percentiles and status codes to w.
func (s *Stats) Report(w io.Writer, duration time.Duration) {
	total := s.totalRequests.Load()
	errors := s.errorCount.Load()

	fmt.Fprintf(w, "=== %s ===\n", s.name)
	fmt.Fprintf(w, "Total Requests:  %d\n", total)
	fmt.Fprintf(w, "Successful:      %d\n", s.successCount.Load())
	fmt.Fprintf(w, "Errors:          %d\n", errors)
	if total > 0 {
		fmt.Fprintf(w, "Error Rate:      %.2f%%\n", float64(errors)/float64(total)*100)
		fmt.Fprintf(w, "Requests/sec:    %.2f\n", float64(total)/duration.Seconds())
	}

	s.latenciesMu.Lock()
	latencies := append([]time.Duration(nil), s.latencies...)
	s.latenciesMu.Unlock()
	if len(latencies) > 0 {
		sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
		var sum time.Duration
		for _, l := range latencies {
			sum += l
		}
		avg := sum / time.Duration(len(latencies))
		var sumSquared float64
		for _, l := range latencies {
			diff := float64(l) - float64(avg)
			sumSquared += diff * diff
		}

		fmt.Fprintf(w, "Latency min/avg/max: %s / %s / %s\n", latencies[0], avg, latencies[len(latencies)-1])
		fmt.Fprintf(w, "Latency p50/p90/p99: %s / %s / %s\n",
			percentile(latencies, 50), percentile(latencies, 90), percentile(latencies, 99))
		fmt.Fprintf(w, "Latency stddev:      %s\n", time.Duration(math.Sqrt(sumSquared/float64(len(latencies)))))
	}

	s.statusCodesMu.Lock()
	codes := make([]int, 0, len(s.statusCodes))
	for code := range s.statusCodes {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	for _, code := range codes {
		fmt.Fprintf(w, "  %d: %d\n", code, s.statusCodes[code].Load())
	}
	s.statusCodesMu.Unlock()
	fmt.Fprintln(w)
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p/100*float64(len(sorted)))) - 1
	return sorted[min(max(idx, 0), len(sorted)-1)]
}
