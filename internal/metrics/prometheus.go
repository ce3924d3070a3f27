package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var DispatchMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "dispatch_messages_total",
		Help: "Scheduled messages processed by the dispatch worker, by final status",
	},
	[]string{"status"},
)

var DispatchClaimMissesTotal = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "dispatch_claim_misses_total",
		Help: "Due messages skipped because another tick already claimed them",
	},
)

var DispatchTickDuration = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "dispatch_tick_duration_seconds",
		Help:    "Duration of one dispatch tick",
		Buckets: prometheus.DefBuckets,
	},
)

var DeliveriesWrittenTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "deliveries_written_total",
		Help: "Delivery rows written at send time, by channel and initial status",
	},
	[]string{"channel", "status"},
)

var GatewaySendDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "gateway_send_duration_seconds",
		Help:    "Time spent in one carrier bulk send",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"provider"},
)

var GatewayMessagesTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gateway_messages_total",
		Help: "Messages handed to the carrier gateway, by outcome",
	},
	[]string{"provider", "outcome"},
)

var RetryAttemptsTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retry_attempts_total",
		Help: "Retries performed after a transient failure",
	},
	[]string{"context"},
)

var RetryExhaustedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "retry_exhausted_total",
		Help: "Calls that still failed after retrying",
	},
	[]string{"context"},
)

var ComposerFallbackTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "composer_fallback_total",
		Help: "Safety-net header injections, by outcome",
	},
	[]string{"outcome"},
)

var WebhookCallbacksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "webhook_callbacks_total",
		Help: "Delivery status callbacks, by mapped status and match outcome",
	},
	[]string{"status", "match"},
)

var OptOutSyncTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "carrier_optout_sync_total",
		Help: "Carrier opt-out synchronizations, by action and result",
	},
	[]string{"action", "result"},
)

var SideEffectFailuresTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "side_effect_failures_total",
		Help: "Best-effort side effects that failed and were swallowed",
	},
	[]string{"name"},
)

var SchedulerTicksTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "scheduler_ticks_total",
		Help: "In-process scheduler ticks, by result",
	},
	[]string{"result"},
)

var registerOnce sync.Once

// Register adds every collector to reg once per process.
func Register(reg prometheus.Registerer) {
	registerOnce.Do(func() {
		reg.MustRegister(
			DispatchMessagesTotal,
			DispatchClaimMissesTotal,
			DispatchTickDuration,
			DeliveriesWrittenTotal,
			GatewaySendDuration,
			GatewayMessagesTotal,
			RetryAttemptsTotal,
			RetryExhaustedTotal,
			ComposerFallbackTotal,
			WebhookCallbacksTotal,
			OptOutSyncTotal,
			SideEffectFailuresTotal,
			SchedulerTicksTotal,
		)
	})
}
