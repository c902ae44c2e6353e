// Package metrics registers the process Prometheus collectors and serves them over HTTP.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	CandidatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_candidates_total", Help: "Ranked candidates selected into a watchlist"},
		[]string{"side"},
	)
	SignalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_signals_total", Help: "Sized signals created"},
		[]string{"side"},
	)
	TransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_transitions_total", Help: "Signal status transitions"},
		[]string{"from", "to"},
	)
	OrdersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_orders_total", Help: "Entry orders sent to the execution adapter"},
		[]string{"symbol", "side"},
	)
	SymbolErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_symbol_errors_total", Help: "Per-symbol failures isolated by the cycle"},
		[]string{"phase", "kind"},
	)
	BacktestEquity = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "orb_backtest_equity", Help: "Equity at the end of the last simulated day"},
	)
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "orb_ticks_total", Help: "Trade prints received from the live feed"},
		[]string{"symbol"},
	)
	KillSwitchEngaged = prometheus.NewGauge(
		prometheus.GaugeOpts{Name: "orb_kill_switch_engaged", Help: "1 while new submissions are blocked"},
	)
)

func init() {
	prometheus.MustRegister(CandidatesTotal, SignalsTotal, TransitionsTotal, OrdersTotal, SymbolErrorsTotal, BacktestEquity, TicksTotal, KillSwitchEngaged)
}

// Handler exposes the default registry in the text exposition format.
func Handler() http.Handler { return promhttp.Handler() }

// Serve starts a background /metrics listener on addr.
func Serve(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: addr, Handler: mux}
	go func() { _ = srv.ListenAndServe() }()
	return srv
}
