package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bridge_active_sessions",
		Help: "Number of sessions currently tracked by the registry",
	})

	SessionReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_session_reconnects_total",
		Help: "Total reconnect attempts scheduled by the lifecycle manager",
	})

	MessagesInbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_inbound_total",
		Help: "Inbound messages persisted, by payload kind",
	}, []string{"kind"})

	MessagesOutbound = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bridge_messages_outbound_total",
		Help: "Outbound messages delivered, by payload kind",
	}, []string{"kind"})

	MediaStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_media_stored_total",
		Help: "Media blobs written to the content-addressed store",
	})

	MediaDeduplicated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bridge_media_deduplicated_total",
		Help: "Media arrivals answered from an existing record",
	})
)
