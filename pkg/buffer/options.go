package buffer

import (
	"github.com/c360/gantrybridge/metric"
)

// Option configures a Ring.
type Option[T any] func(*options[T])

type options[T any] struct {
	overflowPolicy OverflowPolicy
	dropCallback   DropCallback[T]

	metricsReg  metric.MetricsRegistrar
	metricsName string
}

// WithOverflowPolicy sets the overflow behavior. Defaults to DropOldest.
func WithOverflowPolicy[T any](policy OverflowPolicy) Option[T] {
	return func(o *options[T]) {
		o.overflowPolicy = policy
	}
}

// WithMetrics exports the buffer statistics under the given component name.
// A nil registry is ignored.
func WithMetrics[T any](registry metric.MetricsRegistrar, name string) Option[T] {
	return func(o *options[T]) {
		if registry != nil && name != "" {
			o.metricsReg = registry
			o.metricsName = name
		}
	}
}

// WithDropCallback sets a callback for dropped items.
func WithDropCallback[T any](callback DropCallback[T]) Option[T] {
	return func(o *options[T]) {
		o.dropCallback = callback
	}
}

func applyOptions[T any](opts ...Option[T]) *options[T] {
	o := &options[T]{overflowPolicy: DropOldest}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}
