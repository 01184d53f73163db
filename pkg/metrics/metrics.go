// Package metrics – Prometheus metrics for observability.
//
// Primary series updated during operation:
//   - broker_orders_opened_total{side}   – client orders opened
//   - broker_orders_closed_total{side}   – client orders closed
//   - broker_bridge_requests_total{action,outcome} – upstream RPCs
//   - broker_bridge_retries_total        – transient-retcode retries
//   - broker_webhook_messages_total{result} – inbound webhook outcomes
//   - broker_ledger_entries_total{type}  – journal lines written
//
// Registered in init() and served at /metrics by the API server.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ordersOpened = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_orders_opened_total",
			Help: "Client orders opened",
		},
		[]string{"side"},
	)

	ordersClosed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_orders_closed_total",
			Help: "Client orders closed",
		},
		[]string{"side"},
	)

	bridgeRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_bridge_requests_total",
			Help: "Upstream bridge RPCs by action and outcome",
		},
		[]string{"action", "outcome"}, // outcome: ok|error|timeout
	)

	bridgeRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_bridge_retries_total",
			Help: "Transient-retcode retries on trade placement/close",
		},
	)

	webhookMessages = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_webhook_messages_total",
			Help: "Inbound webhook messages by result (processed|duplicate|unauthorized|invalid)",
		},
		[]string{"result"},
	)

	ledgerEntries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_ledger_entries_total",
			Help: "Ledger journal lines written by entry type",
		},
		[]string{"type"},
	)
)

func init() {
	prometheus.MustRegister(ordersOpened, ordersClosed)
	prometheus.MustRegister(bridgeRequests, bridgeRetries)
	prometheus.MustRegister(webhookMessages, ledgerEntries)
}

func IncOrderOpened(side string) { ordersOpened.WithLabelValues(side).Inc() }
func IncOrderClosed(side string) { ordersClosed.WithLabelValues(side).Inc() }
func IncBridgeRequest(action, outcome string) {
	bridgeRequests.WithLabelValues(action, outcome).Inc()
}
func IncBridgeRetry()                 { bridgeRetries.Inc() }
func IncWebhookMessage(result string) { webhookMessages.WithLabelValues(result).Inc() }
func AddLedgerEntries(entryType string, n int) {
	ledgerEntries.WithLabelValues(entryType).Add(float64(n))
}

// Handler returns the Prometheus text exposition handler.
func Handler() http.Handler { return promhttp.Handler() }
