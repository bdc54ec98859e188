package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	events  *prometheus.CounterVec
	dropped *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking journaled engine events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "events",
				Name:      "emitted_total",
				Help:      "Count of engine events segmented by kind.",
			}, []string{"kind"}),
			dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "creditswap",
				Subsystem: "events",
				Name:      "dropped_total",
				Help:      "Count of engine events the sink failed to journal.",
			}, []string{"kind"}),
		}
		prometheus.MustRegister(eventRegistry.events, eventRegistry.dropped)
	})
	return eventRegistry
}

// RecordEvent increments the emitted counter for the supplied event kind.
func (m *eventMetrics) RecordEvent(kind string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(normalizeKind(kind)).Inc()
}

// RecordDropped increments the dropped counter for the supplied event kind.
func (m *eventMetrics) RecordDropped(kind string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(normalizeKind(kind)).Inc()
}

func normalizeKind(kind string) string {
	normalized := strings.TrimSpace(strings.ToLower(kind))
	if normalized == "" {
		return "unknown"
	}
	return normalized
}
