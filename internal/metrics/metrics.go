// Package metrics defines the Prometheus collectors exported on /metrics.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "tickgrid"

// Metrics groups every collector the engine updates.
type Metrics struct {
	TicksIngested      prometheus.Counter
	TicksRejected      prometheus.Counter
	TickGaps           prometheus.Counter
	FeedReconnects     prometheus.Counter
	LatestTick         prometheus.Gauge
	BetsPlaced         prometheus.Counter
	BetsRejected       *prometheus.CounterVec
	BetsSettled        *prometheus.CounterVec
	SettlementErrors   prometheus.Counter
	SettlementLag      prometheus.Gauge
	SettlementDuration prometheus.Histogram
	ActiveBets         prometheus.Gauge
	EventsDropped      *prometheus.CounterVec
	WSConnections      prometheus.Gauge
}

// New builds the collectors and registers them with reg. A nil reg leaves
// them unregistered, which is what tests want.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TicksIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_ingested_total", Help: "price ticks appended to the ledger",
		}),
		TicksRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "ticks_rejected_total", Help: "ticks refused as out of order",
		}),
		TickGaps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "tick_gaps_total", Help: "discontinuities recorded in the tick stream",
		}),
		FeedReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "feed_reconnects_total", Help: "price feed reconnect attempts",
		}),
		LatestTick: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "latest_tick", Help: "number of the newest tick",
		}),
		BetsPlaced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "bets_placed_total", Help: "bets accepted",
		}),
		BetsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bets_rejected_total", Help: "bets refused by reason",
		}, []string{"code"}),
		BetsSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "bets_settled_total", Help: "bets settled by outcome",
		}, []string{"status"}),
		SettlementErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "settlement_errors_total", Help: "settlements left ACTIVE after a store failure",
		}),
		SettlementLag: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "settlement_lag_ticks", Help: "latest tick minus last processed tick",
		}),
		SettlementDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "settlement_tick_seconds", Help: "time to evaluate one tick",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		}),
		ActiveBets: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "active_bets", Help: "bets awaiting settlement",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "events_dropped_total", Help: "events dropped on full subscriber buffers",
		}, []string{"type"}),
		WSConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "ws_connections", Help: "open websocket clients",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.TicksIngested, m.TicksRejected, m.TickGaps, m.FeedReconnects, m.LatestTick,
			m.BetsPlaced, m.BetsRejected, m.BetsSettled, m.SettlementErrors,
			m.SettlementLag, m.SettlementDuration, m.ActiveBets, m.EventsDropped,
			m.WSConnections,
		)
	}
	return m
}

// Handler serves the collectors gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
