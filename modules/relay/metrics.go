package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type metrics struct {
	stationsActive    prometheus.Gauge
	subscribersActive prometheus.Gauge
	metadataEvents    prometheus.Counter
	upstreamErrors    prometheus.Counter
}

func newMetrics(reg prometheus.Registerer) *metrics {
	return &metrics{
		stationsActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "radiorelay",
			Name:      "relay_stations_active",
			Help:      "Stations with an open upstream metadata connection.",
		}),
		subscribersActive: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Namespace: "radiorelay",
			Name:      "relay_subscribers_active",
			Help:      "Currently registered metadata subscribers.",
		}),
		metadataEvents: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "radiorelay",
			Name:      "relay_metadata_events_total",
			Help:      "Metadata updates received from upstream stations.",
		}),
		upstreamErrors: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Namespace: "radiorelay",
			Name:      "relay_upstream_errors_total",
			Help:      "Upstream metadata connections that ended in error.",
		}),
	}
}
