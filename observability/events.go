package observability

import (
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	published *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking log events written by the
// wallet.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			published: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "nutwallet",
				Subsystem: "events",
				Name:      "published_total",
				Help:      "Count of log events published segmented by kind and outcome.",
			}, []string{"kind", "outcome"}),
		}
		prometheus.MustRegister(eventRegistry.published)
	})
	return eventRegistry
}

// RecordPublish increments the publish counter for the supplied event kind.
func (m *eventMetrics) RecordPublish(kind int, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.published.WithLabelValues(strconv.Itoa(kind), outcome).Inc()
}
