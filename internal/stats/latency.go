// Package stats tracks session statistics for the NBOServe request queue.
//
// LatencyTracker records reply latency (send to reply) in a t-digest so
// percentiles stay accurate without keeping every sample, alongside
// per-outcome and per-restart-reason counters.
package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/influxdata/tdigest"
)

// LatencyTracker aggregates request outcomes for one session.
//
// Thread-safe: counters are atomics, the digest and maps share a mutex.
type LatencyTracker struct {
	start time.Time

	posted atomic.Int64

	mu       sync.Mutex
	digest   *tdigest.TDigest // TDigest is not thread-safe
	samples  int64
	sum      time.Duration
	min      time.Duration
	max      time.Duration
	outcomes map[string]int64
	restarts map[string]int64
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	Timestamp time.Time
	Elapsed   time.Duration

	Posted   int64
	Outcomes map[string]int64
	Restarts map[string]int64

	// Latency over answered requests
	Samples int64
	Min     time.Duration
	Max     time.Duration
	Mean    time.Duration
	P50     time.Duration
	P95     time.Duration
	P99     time.Duration
}

// NewLatencyTracker creates an empty tracker.
func NewLatencyTracker() *LatencyTracker {
	return &LatencyTracker{
		start:    time.Now(),
		digest:   tdigest.NewWithCompression(100), // ~100 centroids, ~10KB
		outcomes: make(map[string]int64),
		restarts: make(map[string]int64),
	}
}

// RecordPosted counts a request accepted by the service.
func (t *LatencyTracker) RecordPosted() {
	t.posted.Add(1)
}

// RecordOutcome counts a finished request. A positive latency is added to
// the digest; requests that were never sent have none.
func (t *LatencyTracker) RecordOutcome(outcome string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.outcomes[outcome]++
	if latency <= 0 {
		return
	}

	t.digest.Add(float64(latency.Nanoseconds()), 1)
	t.samples++
	t.sum += latency
	if t.min == 0 || latency < t.min {
		t.min = latency
	}
	if latency > t.max {
		t.max = latency
	}
}

// RecordRestart counts a worker restart.
func (t *LatencyTracker) RecordRestart(reason string) {
	t.mu.Lock()
	t.restarts[reason]++
	t.mu.Unlock()
}

// Posted returns the number of posted requests.
func (t *LatencyTracker) Posted() int64 {
	return t.posted.Load()
}

// Snapshot returns a copy of the current statistics.
func (t *LatencyTracker) Snapshot() Snapshot {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	s := Snapshot{
		Timestamp: now,
		Elapsed:   now.Sub(t.start),
		Posted:    t.posted.Load(),
		Outcomes:  copyCounts(t.outcomes),
		Restarts:  copyCounts(t.restarts),
		Samples:   t.samples,
		Min:       t.min,
		Max:       t.max,
	}
	if t.samples > 0 {
		s.Mean = t.sum / time.Duration(t.samples)
		s.P50 = time.Duration(t.digest.Quantile(0.50))
		s.P95 = time.Duration(t.digest.Quantile(0.95))
		s.P99 = time.Duration(t.digest.Quantile(0.99))
	}
	return s
}

// Reset clears all statistics and restarts the elapsed clock.
func (t *LatencyTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.start = time.Now()
	t.posted.Store(0)
	t.digest = tdigest.NewWithCompression(100)
	t.samples = 0
	t.sum = 0
	t.min = 0
	t.max = 0
	t.outcomes = make(map[string]int64)
	t.restarts = make(map[string]int64)
}

// Finished returns the total number of finished requests.
func (s Snapshot) Finished() int64 {
	var n int64
	for _, c := range s.Outcomes {
		n += c
	}
	return n
}

// TotalRestarts returns the restart count across all reasons.
func (s Snapshot) TotalRestarts() int64 {
	var n int64
	for _, c := range s.Restarts {
		n += c
	}
	return n
}

// SortedKeys returns the keys of a counter map in sorted order.
func SortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
