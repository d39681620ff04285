// Package metrics provides Prometheus metrics for go-nboserve.
//
// The Collector owns its metrics and registers them on a registry of the
// caller's choosing, so tests and embedded sessions stay isolated. Families
// and WriteText expose the same data without an HTTP server.
package metrics

import (
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
)

const namespace = "nboserve"

// CollectorConfig holds configuration for the collector.
type CollectorConfig struct {
	Version   string
	ServerDir string

	// RuntimeMetrics adds the Go runtime and process collectors.
	RuntimeMetrics bool
}

// Collector manages all Prometheus metrics for one service session.
type Collector struct {
	registry *prometheus.Registry

	info             *prometheus.GaugeVec
	requestsPosted   prometheus.Counter
	requestsFinished *prometheus.CounterVec
	replyLatency     prometheus.Histogram
	queueDepth       prometheus.Gauge
	inFlight         prometheus.Gauge
	workerReady      prometheus.Gauge
	workerLicensed   prometheus.Gauge
	workerStarts     prometheus.Counter
	workerRestarts   *prometheus.CounterVec
	workerExits      *prometheus.CounterVec
	workerUptime     prometheus.Histogram
	workerAge        prometheus.Gauge
	workerBytesRead  prometheus.Gauge

	startTime time.Time

	// For summary generation
	mu            sync.Mutex
	totalStarts   int64
	totalRestarts int64
	exitCodes     map[int]int
	uptimes       []time.Duration
}

// NewCollector creates a collector on a fresh registry with runtime metrics.
func NewCollector(cfg CollectorConfig) *Collector {
	cfg.RuntimeMetrics = true
	return NewCollectorWithRegistry(cfg, prometheus.NewRegistry())
}

// NewCollectorWithRegistry creates a collector with a custom registry.
// Useful for testing.
func NewCollectorWithRegistry(cfg CollectorConfig, registry *prometheus.Registry) *Collector {
	c := &Collector{
		registry:  registry,
		startTime: time.Now(),
		exitCodes: make(map[int]int),

		info: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "info",
			Help:      "Information about the session (value always 1)",
		}, []string{"version", "server_dir"}),

		requestsPosted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_posted_total",
			Help:      "Requests accepted by the service",
		}),
		requestsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_finished_total",
			Help:      "Requests that left the service, by outcome",
		}, []string{"outcome"}),
		replyLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reply_latency_seconds",
			Help:      "Time from sending a command to receiving its reply",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms .. ~33s
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Requests waiting behind the active one",
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "requests_in_flight",
			Help:      "Requests sent and awaiting a reply (0 or 1)",
		}),

		workerReady: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_ready",
			Help:      "1 when the worker has produced output and accepts commands",
		}),
		workerLicensed: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_licensed",
			Help:      "1 when the license banner has been received",
		}),
		workerStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_starts_total",
			Help:      "Worker processes launched",
		}),
		workerRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_restarts_total",
			Help:      "Worker restarts, by reason",
		}, []string{"reason"}),
		workerExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_exits_total",
			Help:      "Worker exits, by category",
		}, []string{"category"}),
		workerUptime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "worker_uptime_seconds",
			Help:      "Worker process lifetime",
			Buckets:   []float64{1, 5, 30, 60, 300, 900, 1800, 3600, 14400},
		}),
		workerAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_current_uptime_seconds",
			Help:      "Uptime of the live worker process, 0 when none",
		}),
		workerBytesRead: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_output_bytes",
			Help:      "Bytes read from the live worker's stdout",
		}),
	}

	registry.MustRegister(
		c.info,
		c.requestsPosted,
		c.requestsFinished,
		c.replyLatency,
		c.queueDepth,
		c.inFlight,
		c.workerReady,
		c.workerLicensed,
		c.workerStarts,
		c.workerRestarts,
		c.workerExits,
		c.workerUptime,
		c.workerAge,
		c.workerBytesRead,
	)
	if cfg.RuntimeMetrics {
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	version := cfg.Version
	if version == "" {
		version = "dev"
	}
	c.info.WithLabelValues(version, cfg.ServerDir).Set(1)

	return c
}

// =============================================================================
// Request Events
// =============================================================================

// RequestPosted records a request accepted by the service.
func (c *Collector) RequestPosted() {
	c.requestsPosted.Inc()
}

// RequestFinished records a request leaving the service. A positive latency
// is observed in the reply latency histogram.
func (c *Collector) RequestFinished(outcome string, latency time.Duration) {
	c.requestsFinished.WithLabelValues(outcome).Inc()
	if latency > 0 {
		c.replyLatency.Observe(latency.Seconds())
	}
}

// SetQueue updates the queue depth and in-flight gauges.
func (c *Collector) SetQueue(pending int, inFlight bool) {
	c.queueDepth.Set(float64(pending))
	c.inFlight.Set(boolToFloat(inFlight))
}

// =============================================================================
// Worker Events
// =============================================================================

// SetWorker updates the ready and licensed gauges.
func (c *Collector) SetWorker(ready, licensed bool) {
	c.workerReady.Set(boolToFloat(ready))
	c.workerLicensed.Set(boolToFloat(licensed))
}

// SetProcess updates the live worker's uptime and output byte gauges.
func (c *Collector) SetProcess(uptime time.Duration, bytesRead int64) {
	c.workerAge.Set(uptime.Seconds())
	c.workerBytesRead.Set(float64(bytesRead))
}

// WorkerStarted records a worker launch.
func (c *Collector) WorkerStarted() {
	c.workerStarts.Inc()

	c.mu.Lock()
	c.totalStarts++
	c.mu.Unlock()
}

// WorkerRestarted records a worker restart.
func (c *Collector) WorkerRestarted(reason string) {
	c.workerRestarts.WithLabelValues(reason).Inc()

	c.mu.Lock()
	c.totalRestarts++
	c.mu.Unlock()
}

// RecordExit records a worker process exit.
func (c *Collector) RecordExit(exitCode int, uptime time.Duration) {
	// Categorize exit code
	category := "error"
	if exitCode == 0 {
		category = "success"
	} else if exitCode > 128 {
		category = "signal"
	}
	c.workerExits.WithLabelValues(category).Inc()
	c.workerUptime.Observe(uptime.Seconds())

	c.mu.Lock()
	c.exitCodes[exitCode]++
	c.uptimes = append(c.uptimes, uptime)
	c.mu.Unlock()
}

// =============================================================================
// Exposition
// =============================================================================

// Handler returns an HTTP handler serving the collector's registry.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Families gathers the current metric families.
func (c *Collector) Families() ([]*dto.MetricFamily, error) {
	return c.registry.Gather()
}

// WriteText writes all metrics in the Prometheus text exposition format.
func (c *Collector) WriteText(w io.Writer) error {
	families, err := c.Families()
	if err != nil {
		return fmt.Errorf("gather metrics: %w", err)
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return fmt.Errorf("write %s: %w", mf.GetName(), err)
		}
	}
	return nil
}

// =============================================================================
// Summary Generation
// =============================================================================

// Summary holds worker lifecycle data for the exit summary.
type Summary struct {
	Duration      time.Duration
	TotalStarts   int64
	TotalRestarts int64
	ExitCodes     map[int]int
	UptimeP50     time.Duration
	UptimeP95     time.Duration
	UptimeP99     time.Duration
}

// GenerateSummary creates a summary of the session.
func (c *Collector) GenerateSummary() *Summary {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := &Summary{
		Duration:      time.Since(c.startTime),
		TotalStarts:   c.totalStarts,
		TotalRestarts: c.totalRestarts,
		ExitCodes:     make(map[int]int, len(c.exitCodes)),
	}
	for code, count := range c.exitCodes {
		s.ExitCodes[code] = count
	}

	if len(c.uptimes) > 0 {
		sorted := make([]time.Duration, len(c.uptimes))
		copy(sorted, c.uptimes)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

		s.UptimeP50 = percentile(sorted, 0.50)
		s.UptimeP95 = percentile(sorted, 0.95)
		s.UptimeP99 = percentile(sorted, 0.99)
	}

	return s
}

// TotalStarts returns the number of worker launches.
func (c *Collector) TotalStarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalStarts
}

// TotalRestarts returns the number of worker restarts.
func (c *Collector) TotalRestarts() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.totalRestarts
}

// =============================================================================
// Helper Functions
// =============================================================================

// percentile returns the value at the given percentile (0.0-1.0).
func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(float64(len(sorted)-1) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
