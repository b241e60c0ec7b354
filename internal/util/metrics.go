package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PurchasesPendingTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_pending_total",
		Help: "Total number of pending purchase rows created",
	})

	PurchasesCompletedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_completed_total",
		Help: "Total number of purchases confirmed as completed",
	})

	PurchasesFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "purchases_failed_total",
		Help: "Total number of purchases that ended in failure",
	}, []string{"reason"})

	PurchasesAlreadyOwnedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "purchases_already_owned_total",
		Help: "Total number of checkout attempts rejected because every item was already owned",
	})

	DiscountsAppliedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discounts_applied_total",
		Help: "Total number of discount codes successfully applied",
	})

	DiscountsRejectedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "discounts_rejected_total",
		Help: "Total number of discount code validations that failed",
	}, []string{"reason"})

	DiscountsDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "discounts_dropped_total",
		Help: "Total number of discounts dropped at capture-time re-validation",
	})

	GatewayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total number of payment gateway calls",
	}, []string{"provider", "operation", "outcome"})

	GatewayLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gateway_request_latency_seconds",
		Help:    "Latency of payment gateway calls",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "operation"})

	ConfirmationSignalsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "confirmation_signals_total",
		Help: "Total number of confirmation signals received",
	}, []string{"channel", "status"})

	ConfirmationDuplicatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "confirmation_duplicates_total",
		Help: "Total number of confirmation signals absorbed as duplicates",
	})

	EnrollmentsGrantedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enrollments_granted_total",
		Help: "Total number of enrollments granted",
	})

	SweepRepairsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "sweep_repairs_total",
		Help: "Total number of records repaired by the reconciliation sweep",
	}, []string{"kind"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
