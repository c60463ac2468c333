// Package metrics exposes prometheus collectors for the render pipeline.
// All methods are safe to call on a nil *Metrics, which records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "storyreel"

type Metrics struct {
	JobsSubmitted      *prometheus.CounterVec
	JobsFinished       *prometheus.CounterVec
	JobsByStatus       *prometheus.GaugeVec
	QueueDepth         prometheus.Gauge
	SceneResolutions   *prometheus.CounterVec
	CompositionSeconds prometheus.Histogram
	ClipsDropped       prometheus.Counter
	ReapedProcesses    prometheus.Counter
	SynthesisFailures  *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		JobsSubmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_submitted_total",
				Help:      "Jobs accepted by the task queue",
			},
			[]string{"type"},
		),
		JobsFinished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "jobs_finished_total",
				Help:      "Jobs that reached a terminal status",
			},
			[]string{"status"},
		),
		JobsByStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "jobs",
				Help:      "Jobs currently held in memory by status",
			},
			[]string{"status"},
		),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_depth",
			Help:      "Job ids waiting in the FIFO",
		}),
		SceneResolutions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "scene_resolutions_total",
				Help:      "Scene resolution attempts by selection method and outcome",
			},
			[]string{"method", "outcome"},
		),
		CompositionSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "composition_duration_seconds",
			Help:      "Wall time of one composition run",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		ClipsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "composition_clips_dropped_total",
			Help:      "Scenes dropped by the composition engine because their media could not be loaded",
		}),
		ReapedProcesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "encoder_processes_reaped_total",
			Help:      "Encoder child processes terminated during session cleanup",
		}),
		SynthesisFailures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "synthesis_failures_total",
				Help:      "Voice synthesis failures by kind",
			},
			[]string{"kind"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.JobsSubmitted,
			m.JobsFinished,
			m.JobsByStatus,
			m.QueueDepth,
			m.SceneResolutions,
			m.CompositionSeconds,
			m.ClipsDropped,
			m.ReapedProcesses,
			m.SynthesisFailures,
		)
	}

	return m
}

func (m *Metrics) JobSubmitted(jobType string) {
	if m == nil {
		return
	}
	m.JobsSubmitted.WithLabelValues(jobType).Inc()
}

func (m *Metrics) JobFinished(status string) {
	if m == nil {
		return
	}
	m.JobsFinished.WithLabelValues(status).Inc()
}

// SetQueueState publishes a point-in-time view of the in-memory job map.
func (m *Metrics) SetQueueState(depth int64, byStatus map[string]int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(depth))
	for status, n := range byStatus {
		m.JobsByStatus.WithLabelValues(status).Set(float64(n))
	}
}

func (m *Metrics) SceneResolved(method, outcome string) {
	if m == nil {
		return
	}
	m.SceneResolutions.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) ObserveComposition(seconds float64) {
	if m == nil {
		return
	}
	m.CompositionSeconds.Observe(seconds)
}

func (m *Metrics) ClipDropped() {
	if m == nil {
		return
	}
	m.ClipsDropped.Inc()
}

func (m *Metrics) ProcessesReaped(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.ReapedProcesses.Add(float64(n))
}

func (m *Metrics) SynthesisFailed(kind string) {
	if m == nil {
		return
	}
	m.SynthesisFailures.WithLabelValues(kind).Inc()
}
