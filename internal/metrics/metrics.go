// Package metrics exposes attachment processing metrics in Prometheus
// format. Metrics are fed from the internal event bus.
package metrics

import (
	"net/http"

	"scanbot/internal/bus"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors registered on its own registry.
type Metrics struct {
	registry *prometheus.Registry

	Attachments      *prometheus.CounterVec
	PipelineDuration *prometheus.HistogramVec
	ChunksDelivered  prometheus.Counter
	Resets           prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Attachments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scanbot_attachments_total",
			Help: "Image attachments processed, by outcome and failing stage.",
		}, []string{"outcome", "stage"}),
		PipelineDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanbot_pipeline_duration_seconds",
			Help:    "Wall time of external pipeline runs.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}, []string{"outcome"}),
		ChunksDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanbot_chunks_delivered_total",
			Help: "Result message chunks delivered to chat.",
		}),
		Resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scanbot_pipeline_resets_total",
			Help: "Knowledge store reset requests.",
		}),
	}
	m.registry.MustRegister(
		m.Attachments,
		m.PipelineDuration,
		m.ChunksDelivered,
		m.Resets,
		collectors.NewGoCollector(),
	)
	return m
}

// Subscribe updates the collectors from events on eb.
func (m *Metrics) Subscribe(eb *bus.EventBus) {
	eb.On(bus.EventPipelineCompleted, func(e bus.Event) {
		m.PipelineDuration.WithLabelValues("success").Observe(e.Duration.Seconds())
	})
	eb.On(bus.EventPipelineFailed, func(e bus.Event) {
		m.PipelineDuration.WithLabelValues("failure").Observe(e.Duration.Seconds())
	})
	eb.On(bus.EventResultsDelivered, func(e bus.Event) {
		m.Attachments.WithLabelValues("success", "").Inc()
		m.ChunksDelivered.Add(float64(e.Count))
	})
	eb.On(bus.EventAttachmentFailed, func(e bus.Event) {
		m.Attachments.WithLabelValues("failure", e.Stage).Inc()
	})
	eb.On(bus.EventPipelineReset, func(e bus.Event) {
		m.Resets.Inc()
	})
}

// Handler serves the registry in Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
