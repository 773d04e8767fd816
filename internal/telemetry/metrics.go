// Package telemetry wires structured trading metrics into Prometheus:
// one collector per concern (CounterVec/GaugeVec where a label applies,
// plain Counter/Gauge/Histogram otherwise), registered once at
// construction. Nothing here starts an HTTP server; metrics exist for a
// caller to scrape via its own registry export path (e.g. a sidecar or
// an operator-triggered dump).
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Recorder is the process-wide metrics sink for trading activity.
type Recorder struct {
	tradesOpened     *prometheus.CounterVec
	tradesClosed     *prometheus.CounterVec
	entryRefusals    *prometheus.CounterVec
	dailyProfit      *prometheus.GaugeVec
	accountBalance   prometheus.Gauge
	tickToDecisionMS prometheus.Histogram
	reconnects       prometheus.Counter
}

// New builds a Recorder and registers every collector against reg. Pass
// a fresh prometheus.NewRegistry() in production so this agent's
// metrics don't collide with the default global registry of whatever
// process embeds it.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		tradesOpened: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltrader_trades_opened_total",
			Help: "Total number of trades opened, labeled by trigger reason.",
		}, []string{"reason"}),
		tradesClosed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltrader_trades_closed_total",
			Help: "Total number of trades closed, labeled by how the close was confirmed.",
		}, []string{"reason"}),
		entryRefusals: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "voltrader_entry_refusals_total",
			Help: "Total number of entry signals refused by RiskGuardian, labeled by reason.",
		}, []string{"reason"}),
		dailyProfit: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "voltrader_daily_accumulated_profit",
			Help: "Accumulated realized profit for the current UTC day.",
		}, []string{"date_utc"}),
		accountBalance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "voltrader_account_balance",
			Help: "Last observed account balance.",
		}),
		tickToDecisionMS: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "voltrader_tick_to_decision_milliseconds",
			Help:    "Time from tick ingestion to strategy decision completion.",
			Buckets: prometheus.DefBuckets,
		}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "voltrader_link_reconnects_total",
			Help: "Total number of Link reconnect attempts.",
		}),
	}

	reg.MustRegister(
		r.tradesOpened,
		r.tradesClosed,
		r.entryRefusals,
		r.dailyProfit,
		r.accountBalance,
		r.tickToDecisionMS,
		r.reconnects,
	)
	return r
}

func (r *Recorder) RecordTradeOpened(reason string) {
	r.tradesOpened.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordTradeClosed(reason string) {
	r.tradesClosed.WithLabelValues(reason).Inc()
}

func (r *Recorder) RecordEntryRefusal(reason string) {
	r.entryRefusals.WithLabelValues(reason).Inc()
}

func (r *Recorder) SetDailyProfit(dateUTC string, profit float64) {
	r.dailyProfit.WithLabelValues(dateUTC).Set(profit)
}

func (r *Recorder) SetAccountBalance(balance float64) {
	r.accountBalance.Set(balance)
}

func (r *Recorder) ObserveTickToDecision(ms float64) {
	r.tickToDecisionMS.Observe(ms)
}

func (r *Recorder) RecordReconnect() {
	r.reconnects.Inc()
}
