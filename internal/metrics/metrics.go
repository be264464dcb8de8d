// Package metrics exports engine activity as Prometheus collectors fed from
// the event bus.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	dto "github.com/prometheus/client_model/go"

	eventbus "github.com/hanpama/graphcache/internal/eventbus"
	events "github.com/hanpama/graphcache/internal/events"
)

// Metrics holds the collectors.
type Metrics struct {
	// BatchesTotal counts finished batches by operation type and outcome
	BatchesTotal *prometheus.CounterVec
	// BatchDuration tracks batch duration in seconds, retries included
	BatchDuration *prometheus.HistogramVec
	// AttemptsTotal counts transport calls by outcome
	AttemptsTotal *prometheus.CounterVec
	// RetriesTotal counts scheduled retries
	RetriesTotal prometheus.Counter
	// DroppedTotal counts batches released by every consumer before dispatch
	DroppedTotal *prometheus.CounterVec
	// DeduplicatedTotal counts selections merged into an identical one
	DeduplicatedTotal prometheus.Counter
	// ChangedFieldsTotal counts cache fields changed by merges
	ChangedFieldsTotal prometheus.Counter
	// NotificationsTotal counts subscriber notifications
	NotificationsTotal prometheus.Counter
	// EvictedTotal counts entries removed by garbage collection
	EvictedTotal prometheus.Counter
	// Entries tracks the size of the shared cache
	Entries prometheus.Gauge
}

// New creates unregistered collectors.
func New() *Metrics {
	return &Metrics{
		BatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphcache_batches_total",
				Help: "Total number of batches by operation type and outcome",
			},
			[]string{"operation_type", "outcome"}, // ok, error
		),
		BatchDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "graphcache_batch_duration_seconds",
				Help:    "Batch duration in seconds, retries included",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to 32s
			},
			[]string{"operation_type"},
		),
		AttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphcache_attempts_total",
				Help: "Total number of transport calls by outcome",
			},
			[]string{"outcome"},
		),
		RetriesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_retries_total",
			Help: "Total number of scheduled retries",
		}),
		DroppedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "graphcache_batches_dropped_total",
				Help: "Total number of batches dropped before dispatch",
			},
			[]string{"operation_type"},
		),
		DeduplicatedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_selections_deduplicated_total",
			Help: "Total number of selections collapsed into an identical one",
		}),
		ChangedFieldsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_changed_fields_total",
			Help: "Total number of cache fields changed by merges",
		}),
		NotificationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_notifications_total",
			Help: "Total number of subscriber notifications",
		}),
		EvictedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "graphcache_evicted_total",
			Help: "Total number of entries removed by garbage collection",
		}),
		Entries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "graphcache_entries",
			Help: "Number of entries in the shared cache",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BatchesTotal, m.BatchDuration, m.AttemptsTotal, m.RetriesTotal, m.DroppedTotal,
		m.DeduplicatedTotal, m.ChangedFieldsTotal, m.NotificationsTotal, m.EvictedTotal, m.Entries,
	}
}

// Register adds every collector to r.
func (m *Metrics) Register(r prometheus.Registerer) error {
	for _, c := range m.collectors() {
		if err := r.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Subscribe feeds the collectors from the global event bus.
func (m *Metrics) Subscribe() (unsubscribe func()) {
	uns := []func(){
		eventbus.Subscribe(func(_ context.Context, e events.BatchFinish) {
			m.BatchesTotal.WithLabelValues(e.OperationType, outcome(e.Err)).Inc()
			m.BatchDuration.WithLabelValues(e.OperationType).Observe(e.Duration.Seconds())
		}),
		eventbus.Subscribe(func(_ context.Context, e events.AttemptFinish) {
			m.AttemptsTotal.WithLabelValues(outcome(e.Err)).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Retry) {
			m.RetriesTotal.Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.BatchDropped) {
			m.DroppedTotal.WithLabelValues(e.OperationType).Inc()
		}),
		eventbus.Subscribe(func(_ context.Context, e events.BatchFlushed) {
			m.DeduplicatedTotal.Add(float64(e.Deduplicated))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheMerge) {
			m.ChangedFieldsTotal.Add(float64(e.Changed))
			if e.Shared {
				m.Entries.Set(float64(e.Entries))
			}
		}),
		eventbus.Subscribe(func(_ context.Context, e events.Notify) {
			m.NotificationsTotal.Add(float64(e.Subscribers))
		}),
		eventbus.Subscribe(func(_ context.Context, e events.CacheCollect) {
			m.EvictedTotal.Add(float64(e.Evicted))
			m.Entries.Set(float64(e.Remaining))
		}),
	}
	return func() {
		for _, un := range uns {
			un()
		}
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

// Handler returns an HTTP handler exposing g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// CounterValue retrieves the current value of a counter metric with the given labels.
// This is primarily intended for testing
func CounterValue(counter *prometheus.CounterVec, labels ...string) (float64, error) {
	metric, err := counter.GetMetricWithLabelValues(labels...)
	if err != nil {
		return 0, err
	}
	var pb dto.Metric
	if err := metric.Write(&pb); err != nil {
		return 0, err
	}
	return pb.GetCounter().GetValue(), nil
}
