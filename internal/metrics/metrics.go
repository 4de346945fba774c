// Package metrics exposes the engine's Prometheus collectors.
//
// Primary series updated during operation:
//   - engine_orders_total{side,outcome}        – orders placed, by terminal outcome
//   - engine_order_retries_total               – retry attempts on failed orders
//   - engine_reconcile_cycles_total{result}    – reconciliation cycles (ok|short_circuit)
//   - engine_reconcile_merges_total{status}    – broker statuses merged into local orders
//   - engine_shadow_orders_total               – out-of-band broker orders adopted locally
//   - engine_exit_modifies_total{path}         – trailing exit updates (modify|cancel_replace|failed)
//   - engine_reentries_total{outcome}          – re-entry evaluations (placed|skipped)
//   - engine_cache_requests_total{kind,result} – price/indicator cache lookups (hit|miss)
//   - engine_active_subscriptions              – symbols currently subscribed upstream
//   - engine_broker_requests_total{op,kind}    – gateway calls by operation and error kind
//
// Registered in init() and served at /metrics in Prometheus text format.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	Orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_orders_total",
			Help: "Orders placed, labelled by side and terminal outcome",
		},
		[]string{"side", "outcome"},
	)

	OrderRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_order_retries_total",
			Help: "Retry attempts on failed orders",
		},
	)

	ReconcileCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reconcile_cycles_total",
			Help: "Reconciliation cycles by result",
		},
		[]string{"result"}, // ok | short_circuit
	)

	ReconcileMerges = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reconcile_merges_total",
			Help: "Broker statuses merged into local orders",
		},
		[]string{"status"},
	)

	ShadowOrders = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "engine_shadow_orders_total",
			Help: "Out-of-band broker orders adopted as shadow records",
		},
	)

	ExitModifies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_exit_modifies_total",
			Help: "Trailing exit price updates by path taken",
		},
		[]string{"path"}, // modify | cancel_replace | failed
	)

	Reentries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_reentries_total",
			Help: "Re-entry evaluations by outcome",
		},
		[]string{"outcome"}, // placed | skipped
	)

	CacheRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_cache_requests_total",
			Help: "Price/indicator cache lookups",
		},
		[]string{"kind", "result"}, // result: hit | miss
	)

	ActiveSubscriptions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "engine_active_subscriptions",
			Help: "Symbols currently subscribed on the upstream feed",
		},
	)

	BrokerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "engine_broker_requests_total",
			Help: "Gateway calls by operation and error kind (kind empty on success)",
		},
		[]string{"op", "kind"},
	)
)

func init() {
	prometheus.MustRegister(
		Orders,
		OrderRetries,
		ReconcileCycles,
		ReconcileMerges,
		ShadowOrders,
		ExitModifies,
		Reentries,
		CacheRequests,
		ActiveSubscriptions,
		BrokerRequests,
	)
}
