// Package metrics exposes the Prometheus collectors updated by the execution layer.
//
//   - copytrade_orders_total{broker,side,status}
//   - copytrade_fills_total{account,side}
//   - copytrade_exits_total{account,reason}
//   - copytrade_nonce_jumps_total{account}
//   - copytrade_ratelimit_wait_seconds{category}
//   - copytrade_signals_total{outcome}
//   - copytrade_phantoms_removed_total{account}
//   - copytrade_account_paused{account}
//
// They are registered in init() and served by the web server at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	orders = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_orders_total",
			Help: "Market orders submitted, by final status",
		},
		[]string{"broker", "side", "status"},
	)

	fills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_fills_total",
			Help: "Confirmed fills booked into a ledger",
		},
		[]string{"account", "side"},
	)

	exits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_exits_total",
			Help: "Exits triggered by the exit engine, split by reason",
		},
		[]string{"account", "reason"},
	)

	nonceJumps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_nonce_jumps_total",
			Help: "Nonce windows skipped after an exchange rejection",
		},
		[]string{"account"},
	)

	// Buckets cover the seconds-scale intervals brokers impose.
	rateLimitWait = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "copytrade_ratelimit_wait_seconds",
			Help:    "Time spent blocked in the rate limiter",
			Buckets: []float64{0, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
		},
		[]string{"category"},
	)

	signals = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_signals_total",
			Help: "Copy signals by outcome (published|dropped|copied|skipped)",
		},
		[]string{"outcome"},
	)

	phantoms = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "copytrade_phantoms_removed_total",
			Help: "Ledger positions removed by broker reconciliation",
		},
		[]string{"account"},
	)

	paused = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "copytrade_account_paused",
			Help: "1 when the account loop is paused on a fatal error",
		},
		[]string{"account"},
	)
)

func init() {
	prometheus.MustRegister(orders, fills, exits, nonceJumps)
	prometheus.MustRegister(rateLimitWait, signals, phantoms, paused)
}

func IncOrder(broker, side, status string) { orders.WithLabelValues(broker, side, status).Inc() }
func IncFill(account, side string)         { fills.WithLabelValues(account, side).Inc() }
func IncExit(account, reason string)       { exits.WithLabelValues(account, reason).Inc() }
func IncNonceJump(account string)          { nonceJumps.WithLabelValues(account).Inc() }
func IncSignal(outcome string)             { signals.WithLabelValues(outcome).Inc() }

func AddPhantoms(account string, n int) {
	if n > 0 {
		phantoms.WithLabelValues(account).Add(float64(n))
	}
}

func ObserveRateLimitWait(category string, d time.Duration) {
	rateLimitWait.WithLabelValues(category).Observe(d.Seconds())
}

func SetPaused(account string, isPaused bool) {
	v := 0.0
	if isPaused {
		v = 1
	}
	paused.WithLabelValues(account).Set(v)
}
