// Package observability exposes the pipeline's Prometheus collectors and
// the readiness window tracker.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	MessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_messages_total",
		Help: "Messages received after successful routing.",
	})
	PointsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_points_total",
		Help: "Rows persisted to the measurement table.",
	})
	ErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "ingest_errors_total",
		Help: "Rejected messages by error kind.",
	}, []string{"kind"})
	QueueSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "ingest_queue_size",
		Help: "Current size of the pre-batcher queue.",
	})
	BatchSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_batch_size",
		Help:    "Points per flush.",
		Buckets: []float64{1, 10, 50, 100, 200, 400, 800, 1600},
	})
	Latency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ingest_latency_seconds",
		Help:    "Broker receipt to commit.",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	})
	ReconnectsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "ingest_reconnects_total",
		Help: "Broker session reconnects.",
	})
)

func init() {
	prometheus.MustRegister(MessagesTotal, PointsTotal, ErrorsTotal, QueueSize, BatchSize, Latency, ReconnectsTotal)
}

// ReadyTracker gates readiness on queue pressure: ready only once the
// pre-batcher queue has stayed below the threshold for a full window.
type ReadyTracker struct {
	capacity  int
	threshold float64
	window    time.Duration

	mu       sync.Mutex
	lastHigh time.Time
	nowFn    func() time.Time
}

func NewReadyTracker(capacity int, window time.Duration) *ReadyTracker {
	if window <= 0 {
		window = 30 * time.Second
	}
	t := &ReadyTracker{
		capacity:  capacity,
		threshold: 0.8,
		window:    window,
		nowFn:     time.Now,
	}
	// start not-ready: the window has to pass cleanly first
	t.lastHigh = t.nowFn()
	return t
}

// Observe records a queue fill sample.
func (t *ReadyTracker) Observe(fill int) {
	if t.capacity <= 0 {
		return
	}
	if float64(fill) >= t.threshold*float64(t.capacity) {
		t.mu.Lock()
		t.lastHigh = t.nowFn()
		t.mu.Unlock()
	}
}

func (t *ReadyTracker) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nowFn().Sub(t.lastHigh) >= t.window
}
