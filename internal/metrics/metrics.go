package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Transitions counts intent status changes by target status
	Transitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_intent_transitions_total",
		Help: "Payment intent status transitions",
	}, []string{"status"})

	// MatchOutcomes counts matcher decisions: matched, skipped, rejected
	MatchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_match_outcomes_total",
		Help: "Transfer match attempts by outcome",
	}, []string{"outcome"})

	// ForwardLegs counts forward legs by final leg status
	ForwardLegs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_forward_legs_total",
		Help: "Split forward legs by resulting status",
	}, []string{"leg", "status"})

	ForwardDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payrecon_forward_duration_seconds",
		Help:    "Time spent in a split forward attempt",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60},
	})

	// LedgerErrors counts failed ledger calls by operation
	LedgerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_ledger_errors_total",
		Help: "Failed ledger calls",
	}, []string{"op"})

	WalletBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "payrecon_wallet_balance",
		Help: "Last observed live wallet balance",
	}, []string{"wallet"})

	Alerts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_alerts_total",
		Help: "Admin alerts raised by kind",
	}, []string{"kind"})

	RecoverySweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "payrecon_recovery_sweeps_total",
		Help: "Recovery sweeps completed",
	})

	RPCRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payrecon_rpc_requests_total",
		Help: "Ops API requests",
	}, []string{"transport", "method", "code"})

	HTTPLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "payrecon_http_request_duration_seconds",
		Help:    "Ops HTTP request latency",
		Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"method", "endpoint"})
)
