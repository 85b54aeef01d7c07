package engine

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gantrybridge/metric"
)

// engineMetrics holds the Prometheus metrics of the simulator plugin.
type engineMetrics struct {
	commands     *prometheus.CounterVec // by result (applied/rejected)
	actions      *prometheus.CounterVec // by kind and op
	batches      prometheus.Counter
	readings     prometheus.Histogram
	waitDuration prometheus.Histogram
}

// newEngineMetrics creates and registers the plugin metrics. A nil registry
// disables metrics.
func newEngineMetrics(registry metric.MetricsRegistrar) (*engineMetrics, error) {
	if registry == nil {
		return nil, nil
	}

	m := &engineMetrics{
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "commands_total",
			Help:      "Commands taken from the queue, by result",
		}, []string{"result"}),

		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "actions_total",
			Help:      "Simulator actions installed and removed",
		}, []string{"kind", "op"}), // kind: speed_limit, lane_closure; op: add, remove

		batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "batches_published_total",
			Help:      "Measurement batches published to the bridge",
		}),

		readings: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "batch_readings",
			Help:      "Detector readings per published batch",
			Buckets:   []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		waitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: "engine",
			Name:      "lockstep_wait_seconds",
			Help:      "Time the simulation spent waiting for the controller",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}),
	}

	collectors := map[string]prometheus.Collector{
		"commands":      m.commands,
		"actions":       m.actions,
		"batches":       m.batches,
		"readings":      m.readings,
		"wait_duration": m.waitDuration,
	}
	for name, c := range collectors {
		if err := registry.Register("engine", name, c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

func (m *engineMetrics) recordCommand(result string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(result).Inc()
}

func (m *engineMetrics) recordAction(kind, op string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(kind, op).Inc()
}

func (m *engineMetrics) recordBatch(readings int) {
	if m == nil {
		return
	}
	m.batches.Inc()
	m.readings.Observe(float64(readings))
}

func (m *engineMetrics) recordWait(seconds float64) {
	if m == nil {
		return
	}
	m.waitDuration.Observe(seconds)
}
