// Package metrics holds the Prometheus instruments of the forwarding pipeline.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "ibforward"

// Drop reasons used as label values.
const (
	DropParseMismatch = "parse_mismatch"
	DropMissingField  = "missing_field"
	DropClosed        = "closed"
)

// Metrics contains all pipeline metrics. A nil *Metrics is valid and
// records nothing, which keeps unit tests free of registry plumbing.
type Metrics struct {
	registry *prometheus.Registry

	RecordsReceived  prometheus.Counter
	RecordsDropped   *prometheus.CounterVec
	ChunksSealed     prometheus.Counter
	ChunkRecords     prometheus.Histogram
	ChunksLost       prometheus.Counter
	Deliveries       *prometheus.CounterVec
	DeliveryRetries  prometheus.Counter
	DeliveryDuration prometheus.Histogram
	DeadLetters      prometheus.Counter
}

// New creates the pipeline metrics and registers them, together with the
// Go runtime and process collectors, on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		RecordsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "records_received_total",
			Help:      "Total number of raw records handed to the router",
		}),
		RecordsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "router",
			Name:      "records_dropped_total",
			Help:      "Total number of raw records dropped before buffering",
		}, []string{"reason"}),
		ChunksSealed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "chunks_sealed_total",
			Help:      "Total number of sealed chunks",
		}),
		ChunkRecords: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "buffer",
			Name:      "chunk_records",
			Help:      "Number of records per sealed chunk",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 12),
		}),
		ChunksLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "chunks_lost_total",
			Help:      "Total number of chunks not delivered before the shutdown deadline",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "records_total",
			Help:      "Total number of records by delivery outcome",
		}, []string{"status"}),
		DeliveryRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "retries_total",
			Help:      "Total number of retried delivery attempts",
		}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "request_duration_seconds",
			Help:      "Duration of single ingestion requests",
			Buckets:   prometheus.DefBuckets,
		}),
		DeadLetters: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "dead_letters_total",
			Help:      "Total number of failed records written to the dead-letter ledger",
		}),
	}

	m.registry.MustRegister(
		m.RecordsReceived,
		m.RecordsDropped,
		m.ChunksSealed,
		m.ChunkRecords,
		m.ChunksLost,
		m.Deliveries,
		m.DeliveryRetries,
		m.DeliveryDuration,
		m.DeadLetters,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry the metrics are registered on.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RegisterQueueDepth exposes the number of sealed chunks waiting for delivery.
func (m *Metrics) RegisterQueueDepth(depth func() int) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "delivery",
		Name:      "queue_depth",
		Help:      "Number of sealed chunks waiting for a delivery worker",
	}, func() float64 { return float64(depth()) }))
}

func (m *Metrics) Received() {
	if m != nil {
		m.RecordsReceived.Inc()
	}
}

func (m *Metrics) Dropped(reason string) {
	if m != nil {
		m.RecordsDropped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) Sealed(records int) {
	if m != nil {
		m.ChunksSealed.Inc()
		m.ChunkRecords.Observe(float64(records))
	}
}

func (m *Metrics) Lost() {
	if m != nil {
		m.ChunksLost.Inc()
	}
}

func (m *Metrics) Delivered(status string) {
	if m != nil {
		m.Deliveries.WithLabelValues(status).Inc()
	}
}

func (m *Metrics) Retried() {
	if m != nil {
		m.DeliveryRetries.Inc()
	}
}

func (m *Metrics) Request(d time.Duration) {
	if m != nil {
		m.DeliveryDuration.Observe(d.Seconds())
	}
}

func (m *Metrics) DeadLettered() {
	if m != nil {
		m.DeadLetters.Inc()
	}
}
