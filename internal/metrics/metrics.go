package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

/* ------------------------------------------------------------------ *
|  Connection pool                                                    |
* -------------------------------------------------------------------*/

var (
	// RelayConnectionState is 1 when the relay is in the labelled state.
	RelayConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glowstream_relay_connection_state",
		Help: "Current state of each relay connection (1 = in this state)",
	}, []string{"relay", "state"})

	RelayReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_relay_reconnects_total",
		Help: "Number of reconnection attempts per relay",
	}, []string{"relay"})

	RelayDialFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_relay_dial_failures_total",
		Help: "Number of failed dial attempts per relay",
	}, []string{"relay"})

	FramesSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_frames_sent_total",
		Help: "Protocol frames written to relays by frame type",
	}, []string{"relay", "type"})

	FramesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_frames_received_total",
		Help: "Protocol frames read from relays by frame type",
	}, []string{"relay", "type"})
)

/* ------------------------------------------------------------------ *
|  Event flow                                                         |
* -------------------------------------------------------------------*/

var (
	EventsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_events_delivered_total",
		Help: "Events handed to subscription handlers",
	})

	EventsDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_events_duplicate_total",
		Help: "Events suppressed as duplicates within a subscription",
	})

	EventsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_events_dropped_total",
		Help: "Events dropped because a subscription handler fell behind",
	})

	EventsInvalid = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_events_invalid_total",
		Help: "Events rejected by validation, by failure reason",
	}, []string{"reason"})

	EventsCrossSubDuplicate = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_events_cross_subscription_duplicate_total",
		Help: "Events already observed by some earlier subscription (approximate)",
	})

	PublishResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_publish_results_total",
		Help: "Relay OK responses to published events",
	}, []string{"relay", "accepted"})
)

/* ------------------------------------------------------------------ *
|  Remote signer                                                      |
* -------------------------------------------------------------------*/

var (
	SignerRPCDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "glowstream_signer_rpc_duration_seconds",
		Help:    "Round-trip latency of remote signer calls",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"method"})

	SignerRPCTimeouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "glowstream_signer_rpc_timeouts_total",
		Help: "Remote signer calls that timed out",
	}, []string{"method"})

	SignerDecryptFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_signer_decrypt_failures_total",
		Help: "Inbox events that failed payload decryption",
	})

	SignerSessionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "glowstream_signer_session_state",
		Help: "Current remote signer session state (1 = in this state)",
	}, []string{"state"})
)

/* ------------------------------------------------------------------ *
|  Profile cache                                                      |
* -------------------------------------------------------------------*/

var (
	ProfileCacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_profile_cache_hits_total",
		Help: "Profile lookups served from cache",
	})

	ProfileCacheMisses = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_profile_cache_misses_total",
		Help: "Profile lookups not present in cache",
	})

	ProfileCacheEvictions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "glowstream_profile_cache_evictions_total",
		Help: "Profiles evicted from cache by capacity pressure",
	})

	ProfileCacheSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "glowstream_profile_cache_size",
		Help: "Number of profiles currently cached",
	})
)

// connection states, used to zero out the gauge vector on transitions
var connectionStates = []string{"disconnected", "connecting", "connected", "backoff"}

// SetConnectionState marks relay as being in state and clears the others.
func SetConnectionState(relay, state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		RelayConnectionState.WithLabelValues(relay, s).Set(v)
	}
}

var sessionStates = []string{
	"disconnected", "connecting", "waiting_for_scan",
	"waiting_for_approval", "connected", "error",
}

// SetSessionState marks the signer session as being in state and clears the others.
func SetSessionState(state string) {
	for _, s := range sessionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SignerSessionState.WithLabelValues(s).Set(v)
	}
}
