// Package metrics exposes the ledger's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// LoansCreated counts originated loans by interest method.
var LoansCreated = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "ledger",
	Name:      "loans_created_total",
	Help:      "Total loans originated.",
}, []string{"interest_method"})

// PaymentsRecorded counts ingested payments by link status.
var PaymentsRecorded = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "ledger",
	Name:      "payments_recorded_total",
	Help:      "Total payments recorded, by link status.",
}, []string{"link_status"})

// Overpayments counts payments that left excess after settling a loan.
var Overpayments = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "ledger",
	Name:      "overpayments_total",
	Help:      "Total payments that settled every installment and left excess.",
})

// LoansClosed counts loans whose schedule has been fully repaid.
var LoansClosed = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "ledger",
	Name:      "loans_closed_total",
	Help:      "Total loans closed after full repayment.",
})

// InstallmentsMarkedOverdue counts pending/partial installments moved to overdue.
var InstallmentsMarkedOverdue = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "collections",
	Name:      "installments_marked_overdue_total",
	Help:      "Total installments transitioned to overdue by the sweep.",
})

// IdempotentReplays counts requests answered from the idempotency cache.
var IdempotentReplays = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "weeklyloan",
	Subsystem: "api",
	Name:      "idempotent_replays_total",
	Help:      "Total requests answered from a stored idempotent response.",
})

// RequestDuration tracks HTTP handler latency by route and status.
var RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "weeklyloan",
	Subsystem: "api",
	Name:      "request_duration_seconds",
	Help:      "HTTP request latency.",
	Buckets:   prometheus.DefBuckets,
}, []string{"route", "method", "status"})
