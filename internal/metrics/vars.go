package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's collectors. They are registered on the
// registry passed to New so tests can use a private one.
type Metrics struct {
	Cycles            *prometheus.CounterVec
	QuoteErrors       *prometheus.CounterVec
	QuoteLatency      prometheus.Histogram
	Opportunities     *prometheus.CounterVec
	RiskRejections    *prometheus.CounterVec
	Attempts          *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	Spread            *prometheus.GaugeVec
	DailyPnL          prometheus.Gauge
	Unhedged          *prometheus.GaugeVec
	Halted            prometheus.Gauge
	PersistFailures   prometheus.Counter
}

func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Cycles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablearb_cycles_total",
			Help: "Engine cycles run, by base asset",
		}, []string{"asset"}),

		QuoteErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablearb_quote_errors_total",
			Help: "Cycles skipped because quotes could not be fetched",
		}, []string{"asset"}),

		QuoteLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stablearb_quote_latency_seconds",
			Help:    "Time to fetch both quotes for an asset",
			Buckets: prometheus.DefBuckets,
		}),

		Opportunities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablearb_opportunities_total",
			Help: "Selected opportunities, by asset and strategy",
		}, []string{"asset", "strategy"}),

		RiskRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablearb_risk_rejections_total",
			Help: "Opportunities stopped by a risk controller",
		}, []string{"controller", "verdict"}),

		Attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "stablearb_attempts_total",
			Help: "Terminal attempts, by asset and status",
		}, []string{"asset", "status"}),

		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "stablearb_execution_duration_seconds",
			Help:    "Attempt duration from Identified to a terminal status",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),

		Spread: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stablearb_spread_percentage",
			Help: "Last observed mid spread between the two quote currencies",
		}, []string{"asset"}),

		DailyPnL: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablearb_daily_pnl",
			Help: "Realised profit for the current engine day, in quote units",
		}),

		Unhedged: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "stablearb_unhedged_notional",
			Help: "Notional of inventory left by PartialExposure attempts",
		}, []string{"asset"}),

		Halted: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "stablearb_halted",
			Help: "1 while the engine is halted",
		}),

		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "stablearb_persist_failures_total",
			Help: "Attempts that could not be recorded after all retries",
		}),
	}

	reg.MustRegister(
		m.Cycles,
		m.QuoteErrors,
		m.QuoteLatency,
		m.Opportunities,
		m.RiskRejections,
		m.Attempts,
		m.ExecutionDuration,
		m.Spread,
		m.DailyPnL,
		m.Unhedged,
		m.Halted,
		m.PersistFailures,
	)
	return m
}
