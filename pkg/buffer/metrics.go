package buffer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/gantrybridge/metric"
)

type bufferMetrics struct {
	pushes prometheus.Counter
	drops  prometheus.Counter
	size   prometheus.Gauge
}

func newBufferMetrics(reg metric.MetricsRegistrar, name string) (*bufferMetrics, error) {
	labels := prometheus.Labels{"component": name}
	m := &bufferMetrics{
		pushes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "pushes_total",
			ConstLabels: labels,
			Help:        "Items accepted by the buffer",
		}),
		drops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "drops_total",
			ConstLabels: labels,
			Help:        "Items dropped by the overflow policy",
		}),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   metric.Namespace,
			Subsystem:   "buffer",
			Name:        "size",
			ConstLabels: labels,
			Help:        "Items currently buffered",
		}),
	}

	if err := reg.Register(name, "buffer_pushes", m.pushes); err != nil {
		return nil, err
	}
	if err := reg.Register(name, "buffer_drops", m.drops); err != nil {
		return nil, err
	}
	if err := reg.Register(name, "buffer_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
