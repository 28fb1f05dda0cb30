package server

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the aggregator's Prometheus collectors.
type Metrics struct {
	exchanges    *prometheus.CounterVec
	rounds       *prometheus.CounterVec
	participants prometheus.Histogram
	roundTime    prometheus.Histogram
	mixedSpan    prometheus.Histogram
	connections  prometheus.Gauge
}

// Exchange results.
const (
	resultOK       = "ok"
	resultStale    = "stale"
	resultError    = "error"
	resultCanceled = "canceled"
)

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		exchanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreset_exchanges_total",
				Help: "Total number of diff exchanges by result",
			},
			[]string{"result"},
		),
		rounds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coreset_rounds_total",
				Help: "Total number of closed mix rounds by trigger",
			},
			[]string{"trigger"},
		),
		participants: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coreset_round_participants",
				Help:    "Number of diffs mixed per round",
				Buckets: prometheus.LinearBuckets(1, 1, 10),
			},
		),
		roundTime: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coreset_round_duration_seconds",
				Help:    "Time from the first submission to the close of a round",
				Buckets: prometheus.DefBuckets,
			},
		),
		mixedSpan: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coreset_mixed_span",
				Help:    "Number of adds covered by a mixed diff",
				Buckets: prometheus.ExponentialBuckets(1, 4, 10),
			},
		),
		connections: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "coreset_connections_active",
				Help: "Number of open node connections",
			},
		),
	}

	reg.MustRegister(
		m.exchanges,
		m.rounds,
		m.participants,
		m.roundTime,
		m.mixedSpan,
		m.connections,
	)
	return m
}
