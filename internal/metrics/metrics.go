package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmm_payment_events_total",
		Help: "Confirmation events by outcome.",
	}, []string{"outcome"})

	CompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmm_order_completions_total",
		Help: "Orders transitioned to completed.",
	})

	RateFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmm_rate_fetches_total",
		Help: "Exchange rate lookups by source and outcome.",
	}, []string{"source", "outcome"})

	AddressesIssuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmm_addresses_issued_total",
		Help: "Receiving addresses issued by provider and outcome.",
	}, []string{"provider", "outcome"})

	NotifyFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmm_notify_failures_total",
		Help: "Completion notifier failures by sink.",
	}, []string{"sink"})

	ExplorerFailoversTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cmm_explorer_failovers_total",
		Help: "Times the preferred explorer endpoint was demoted.",
	})

	PollRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cmm_poll_runs_total",
		Help: "Explorer poll passes by outcome.",
	}, []string{"outcome"})
)
