package receiver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	envelopesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quietwire",
		Subsystem: "receiver",
		Name:      "envelopes_received_total",
		Help:      "Envelopes accepted off the transport, by envelope type.",
	}, []string{"type"})

	decryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quietwire",
		Subsystem: "receiver",
		Name:      "decrypt_failures_total",
		Help:      "Envelopes whose payload failed to decrypt or unpad.",
	})

	eventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "quietwire",
		Subsystem: "receiver",
		Name:      "events_emitted_total",
		Help:      "Events delivered to registered callbacks, by event type.",
	}, []string{"type"})

	poisonDiscards = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quietwire",
		Subsystem: "receiver",
		Name:      "poison_discards_total",
		Help:      "Stored envelopes dropped after exhausting their attempt budget.",
	})

	syncRecordFailures = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "quietwire",
		Subsystem: "receiver",
		Name:      "sync_record_failures_total",
		Help:      "Individual contact or group sync records that failed to apply.",
	})
)
