// Package ops holds process-wide observability: prometheus collectors used
// across components, and the HTTP middleware which logs and measures requests.
package ops

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsRecorded counts inbound webhook events by durable-store outcome.
	EventsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_webhook_events_recorded_total",
		Help: "Inbound webhook events recorded, by outcome (stored|duplicate).",
	}, []string{"outcome"})

	// EventsProcessed counts claimed events by terminal handler outcome.
	EventsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_webhook_events_processed_total",
		Help: "Claimed webhook events processed, by outcome (completed|failed|dead_letter).",
	}, []string{"outcome"})

	// OrdersDispatched counts dispatch outcomes.
	OrdersDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_orders_dispatched_total",
		Help: "Order dispatch outcomes (accepted|held|rejected|no_vendor).",
	}, []string{"outcome"})

	// Transitions counts state-machine edges taken.
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_order_transitions_total",
		Help: "Order lifecycle transitions, by from and to status.",
	}, []string{"from", "to"})

	// LedgerPostings counts ledger entries by type.
	LedgerPostings = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_ledger_postings_total",
		Help: "Credit ledger entries posted, by entry type.",
	}, []string{"type"})

	// RecoveryCycles observes recovery worker cycle durations.
	RecoveryCycles = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "mandi_recovery_cycle_seconds",
		Help:    "Duration of recovery worker cycles.",
		Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	// RecoveryActions counts items touched by the recovery worker per pass kind.
	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_recovery_actions_total",
		Help: "Recovery worker actions, by pass (events|workflows|retries|stalled|scores|nudges).",
	}, []string{"pass"})

	// NotifySubmissions counts notifier submissions by outcome.
	NotifySubmissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_notify_submissions_total",
		Help: "Notifier submissions, by outcome (sent|deduped|dropped|failed).",
	}, []string{"outcome"})

	// IntentsParsed counts parsed inbound messages by resulting intent kind.
	IntentsParsed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_intents_parsed_total",
		Help: "Inbound messages parsed, by intent kind.",
	}, []string{"kind"})

	// VendorSelections counts selector outcomes by strategy.
	VendorSelections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mandi_vendor_selections_total",
		Help: "Vendor selector outcomes (selected|no_eligible), by strategy.",
	}, []string{"strategy", "outcome"})

	// HTTPRequests observes API request durations.
	HTTPRequests = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mandi_http_request_seconds",
		Help:    "API request durations by route and status class.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "code"})
)
