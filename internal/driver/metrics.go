package driver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passDurationHist = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "warmup",
			Name:      "pass_duration_seconds",
			Help:      "Duration of periodic driver passes.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"pass"},
	)

	passAccountsCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warmup",
			Name:      "pass_accounts_total",
			Help:      "Accounts handled by periodic driver passes.",
		},
		[]string{"pass", "result"}, // result: "ok", "error", "skipped"
	)

	warmupScheduledCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warmup",
			Name:      "sends_scheduled_total",
			Help:      "Warmup sends placed on the delayed-task registry.",
		},
	)

	inboundProcessedCounter = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "warmup",
			Name:      "inbound_messages_total",
			Help:      "Inbound messages applied by inbox sync.",
		},
		[]string{"kind"},
	)

	autoPausedCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warmup",
			Name:      "auto_paused_total",
			Help:      "Accounts paused by auto-remediation.",
		},
	)

	countersResetCounter = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "warmup",
			Name:      "daily_counters_reset_total",
			Help:      "Daily send counters reset at the day boundary.",
		},
	)
)
