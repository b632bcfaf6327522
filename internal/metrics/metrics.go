// Package metrics holds the process-wide Prometheus counters shared by the
// MQTT client, the packet processor (which also counts alerts sent and
// skipped), the persistence layer, and the command's envelope decode.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PacketsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbuoy_packets_received_total",
		Help: "MQTT messages received on the subscribed topic.",
	})

	DecodeErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbuoy_decode_errors_total",
		Help: "Packets dropped due to envelope, crypto, or payload decode failure.",
	}, []string{"stage"})

	PacketsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbuoy_packets_processed_total",
		Help: "Packets successfully dispatched to a port handler, by kind.",
	}, []string{"kind"})

	UnknownPortnum = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbuoy_unknown_portnum_total",
		Help: "Packets with a portnum this system does not handle.",
	})

	AlertsSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbuoy_alerts_sent_total",
		Help: "Alert emails successfully dispatched, by kind.",
	}, []string{"kind"})

	AlertsSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "meshbuoy_alerts_skipped_total",
		Help: "Alerts suppressed by cooldown or disabled configuration, by reason.",
	}, []string{"reason"})

	PersistenceSaves = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbuoy_persistence_saves_total",
		Help: "Successful atomic snapshot writes to the persistence file.",
	})

	PersistenceErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "meshbuoy_persistence_errors_total",
		Help: "Failed snapshot writes or loads.",
	})
)
