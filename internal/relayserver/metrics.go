package relayserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// All metrics are volume counters only. Nothing here is labeled by
// mailbox hash or any other per-user value; cardinality is fixed.
var (
	messagesStored = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_messages_stored_total",
		Help: "Number of envelopes accepted into the queue",
	})
	messagesFetched = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_messages_fetched_total",
		Help: "Number of envelopes returned to fetchers",
	})
	messagesDeleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_messages_deleted_total",
		Help: "Number of envelopes removed by client acknowledgment",
	})
	messagesExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_messages_expired_total",
		Help: "Number of envelopes removed by the TTL sweeper",
	})
	requestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "veil_relay_requests_rejected_total",
		Help: "Number of requests rejected by validation",
	}, []string{"reason"})
	wakesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_wakes_sent_total",
		Help: "Number of wake signals dispatched",
	})
	wakesRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_wakes_rejected_total",
		Help: "Number of wake payloads blocked by the leak check",
	})
	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Name: "veil_relay_rate_limited_total",
		Help: "Number of requests dropped by the per-client limiter",
	})
)
