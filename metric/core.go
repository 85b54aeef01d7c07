package metric

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the bridge metrics. All methods are safe on a nil receiver so
// components can run without a registry.
//
// Metrics implements the lockstep and session observer interfaces.
type Metrics struct {
	Stanzas           *prometheus.CounterVec
	Commands          *prometheus.CounterVec
	Batches           prometheus.Counter
	BroadcastFailures *prometheus.CounterVec
	Sessions          prometheus.Gauge
	EngineRunning     prometheus.Gauge
	EngineStarts      *prometheus.CounterVec
	LockstepWaits     *prometheus.CounterVec
	SyncViolations    *prometheus.CounterVec
	SinkErrors        *prometheus.CounterVec
	FramerResets      prometheus.Counter
	SeqNr             prometheus.Gauge
}

// NewMetrics creates the bridge metrics, unregistered.
func NewMetrics() *Metrics {
	return &Metrics{
		Stanzas: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "controller",
			Name:      "stanzas_total",
			Help:      "Controller stanzas by kind and outcome",
		}, []string{"kind", "result"}),

		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "controller",
			Name:      "commands_total",
			Help:      "Device commands by outcome (forwarded, rejected, applied, dropped)",
		}, []string{"result"}),

		Batches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "batches_total",
			Help:      "Measurement batches received from the engine",
		}),

		BroadcastFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "delivery_failures_total",
			Help:      "Failed writes to controller sessions",
		}, []string{"reason"}),

		Sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "session",
			Name:      "active",
			Help:      "Registered controller sessions",
		}),

		EngineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "running",
			Help:      "Engine run state (0=not running, 1=running)",
		}),

		EngineStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "starts_total",
			Help:      "Engine start attempts by outcome",
		}, []string{"result"}),

		LockstepWaits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lockstep",
			Name:      "waits_total",
			Help:      "Read-out waits, by whether the simulation had to block",
		}, []string{"blocked"}),

		SyncViolations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "lockstep",
			Name:      "violations_total",
			Help:      "Synchronization contract violations by operation",
		}, []string{"op"}),

		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "sink",
			Name:      "errors_total",
			Help:      "Telemetry sink failures",
		}, []string{"sink"}),

		FramerResets: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "controller",
			Name:      "framer_resets_total",
			Help:      "Stanza buffers discarded after exceeding the size limit",
		}),

		SeqNr: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "engine",
			Name:      "sequence_number",
			Help:      "Sequence number of the last rendered telemetry",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Stanzas, m.Commands, m.Batches, m.BroadcastFailures, m.Sessions, m.EngineRunning,
		m.EngineStarts, m.LockstepWaits, m.SyncViolations, m.SinkErrors, m.FramerResets, m.SeqNr,
	}
}

// RecordStanza counts a controller stanza.
func (m *Metrics) RecordStanza(kind, result string) {
	if m == nil {
		return
	}
	m.Stanzas.WithLabelValues(kind, result).Inc()
}

// RecordCommand counts a device command outcome.
func (m *Metrics) RecordCommand(result string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(result).Inc()
}

// RecordBatch counts a measurement batch and its sequence number.
func (m *Metrics) RecordBatch(seq int) {
	if m == nil {
		return
	}
	m.Batches.Inc()
	m.SeqNr.Set(float64(seq))
}

// RecordEngineRunning updates the engine run state.
func (m *Metrics) RecordEngineRunning(running bool) {
	if m == nil {
		return
	}
	m.EngineRunning.Set(boolValue(running))
}

// RecordEngineStart counts an engine start attempt.
func (m *Metrics) RecordEngineStart(result string) {
	if m == nil {
		return
	}
	m.EngineStarts.WithLabelValues(result).Inc()
}

// RecordSinkError counts a failed telemetry sink.
func (m *Metrics) RecordSinkError(sink string) {
	if m == nil {
		return
	}
	m.SinkErrors.WithLabelValues(sink).Inc()
}

// RecordFramerReset counts a discarded stanza buffer.
func (m *Metrics) RecordFramerReset() {
	if m == nil {
		return
	}
	m.FramerResets.Inc()
}

// Waited implements lockstep.Observer.
func (m *Metrics) Waited(blocked bool) {
	if m == nil {
		return
	}
	m.LockstepWaits.WithLabelValues(strconv.FormatBool(blocked)).Inc()
}

// Violation implements lockstep.Observer.
func (m *Metrics) Violation(op string) {
	if m == nil {
		return
	}
	m.SyncViolations.WithLabelValues(op).Inc()
}

// SessionsChanged implements session.Observer.
func (m *Metrics) SessionsChanged(count int) {
	if m == nil {
		return
	}
	m.Sessions.Set(float64(count))
}

// DeliveryFailed implements session.Observer.
func (m *Metrics) DeliveryFailed(reason string) {
	if m == nil {
		return
	}
	m.BroadcastFailures.WithLabelValues(reason).Inc()
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
