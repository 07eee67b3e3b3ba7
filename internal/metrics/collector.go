// Package metrics provides Prometheus instrumentation for the FlashFS
// coordinator: per-instance operation counters and latencies, stale
// descriptor rejections, mount attempts, device suspends, and record queue
// depths.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config represents metrics configuration.
type Config struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// Collector owns the Prometheus registry and the optional HTTP endpoint.
// A nil *Collector is valid and records nothing, so components can be wired
// without metrics in tests.
type Collector struct {
	config   *Config
	registry *prometheus.Registry

	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	staleCounter      *prometheus.CounterVec
	mountCounter      *prometheus.CounterVec
	suspendCounter    *prometheus.CounterVec
	queueDepthGauge   *prometheus.GaugeVec

	server *http.Server
}

// NewCollector creates a collector and registers its metrics.
func NewCollector(config *Config) (*Collector, error) {
	if config == nil {
		config = &Config{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		}
	}

	c := &Collector{
		config:   config,
		registry: prometheus.NewRegistry(),
	}

	c.operationCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashfs",
		Name:      "operations_total",
		Help:      "Filesystem operations by instance, operation, and status.",
	}, []string{"instance", "operation", "status"})

	c.operationDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "flashfs",
		Name:      "operation_duration_seconds",
		Help:      "Filesystem operation latency, including mutex and device lock wait.",
		Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
	}, []string{"instance", "operation"})

	c.staleCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashfs",
		Name:      "stale_descriptors_total",
		Help:      "Operations rejected because the descriptor generation no longer matches.",
	}, []string{"instance"})

	c.mountCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashfs",
		Name:      "mounts_total",
		Help:      "Mount attempts by instance and result.",
	}, []string{"instance", "result"})

	c.suspendCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "flashfs",
		Name:      "suspends_total",
		Help:      "Debounced device suspensions performed by the worker.",
	}, []string{"instance"})

	c.queueDepthGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "flashfs",
		Name:      "record_queue_depth",
		Help:      "Jobs currently queued for the async record worker.",
	}, []string{"queue"})

	for _, col := range []prometheus.Collector{
		c.operationCounter,
		c.operationDuration,
		c.staleCounter,
		c.mountCounter,
		c.suspendCounter,
		c.queueDepthGauge,
	} {
		if err := c.registry.Register(col); err != nil {
			return nil, fmt.Errorf("failed to register metrics: %w", err)
		}
	}

	return c, nil
}

// Start serves the metrics endpoint in the background.
func (c *Collector) Start() error {
	if c == nil || !c.config.Enabled {
		return nil
	}

	mux := http.NewServeMux()
	mux.Handle(c.config.Path, promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	}))

	c.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", c.config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 30 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	go func() {
		if err := c.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			fmt.Printf("metrics server error: %v\n", err)
		}
	}()

	return nil
}

// Stop shuts the metrics endpoint down.
func (c *Collector) Stop(ctx context.Context) error {
	if c == nil || c.server == nil {
		return nil
	}
	return c.server.Shutdown(ctx)
}

// RecordOperation records one synchronous filesystem operation.
func (c *Collector) RecordOperation(instance int, operation string, duration time.Duration, success bool) {
	if c == nil {
		return
	}

	status := "success"
	if !success {
		status = "error"
	}
	c.operationCounter.With(prometheus.Labels{
		"instance":  strconv.Itoa(instance),
		"operation": operation,
		"status":    status,
	}).Inc()
	c.operationDuration.With(prometheus.Labels{
		"instance":  strconv.Itoa(instance),
		"operation": operation,
	}).Observe(duration.Seconds())
}

// RecordStaleDescriptor records a generation-mismatch rejection.
func (c *Collector) RecordStaleDescriptor(instance int) {
	if c == nil {
		return
	}
	c.staleCounter.With(prometheus.Labels{
		"instance": strconv.Itoa(instance),
	}).Inc()
}

// RecordMount records one mount attempt.
func (c *Collector) RecordMount(instance int, success bool) {
	if c == nil {
		return
	}
	result := "success"
	if !success {
		result = "failure"
	}
	c.mountCounter.With(prometheus.Labels{
		"instance": strconv.Itoa(instance),
		"result":   result,
	}).Inc()
}

// RecordSuspend records a completed device suspension.
func (c *Collector) RecordSuspend(instance int) {
	if c == nil {
		return
	}
	c.suspendCounter.With(prometheus.Labels{
		"instance": strconv.Itoa(instance),
	}).Inc()
}

// UpdateQueueDepth reports the current depth of a record queue ("write" or
// "read").
func (c *Collector) UpdateQueueDepth(queue string, depth int) {
	if c == nil {
		return
	}
	c.queueDepthGauge.With(prometheus.Labels{
		"queue": queue,
	}).Set(float64(depth))
}

// Registry exposes the underlying registry for tests.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}
