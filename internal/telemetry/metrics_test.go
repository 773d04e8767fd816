package telemetry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, c prometheus.Collector) float64 {
	t.Helper()
	ch := make(chan prometheus.Metric, 1)
	c.Collect(ch)
	m := &dto.Metric{}
	require.NoError(t, (<-ch).Write(m))
	return m.GetGauge().GetValue()
}

func TestRecorderRegistersAllCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	// Vec collectors only gather a family once a label set exists.
	r.RecordTradeOpened("SPIKE_ENTRY")
	r.RecordTradeClosed("execution_confirmed")
	r.RecordEntryRefusal("outside trading session")
	r.SetDailyProfit("2026-08-06", 0)

	mfs, err := reg.Gather()
	require.NoError(t, err)
	require.Len(t, mfs, 7)
	require.NotNil(t, r)
}

func TestRecordTradeOpenedIncrementsLabeledCounter(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.RecordTradeOpened("SPIKE_ENTRY")
	r.RecordTradeOpened("SPIKE_ENTRY")
	r.RecordTradeOpened("TRAIN_DETECTED")

	require.Equal(t, float64(2), counterValue(t, r.tradesOpened.WithLabelValues("SPIKE_ENTRY")))
	require.Equal(t, float64(1), counterValue(t, r.tradesOpened.WithLabelValues("TRAIN_DETECTED")))
}

func TestSetAccountBalanceOverwritesGauge(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetAccountBalance(1000.0)
	r.SetAccountBalance(950.5)

	require.Equal(t, 950.5, gaugeValue(t, r.accountBalance))
}

func TestSetDailyProfitTracksPerDateLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	r := New(reg)

	r.SetDailyProfit("2026-08-06", 3.50)

	require.Equal(t, 3.50, gaugeValue(t, r.dailyProfit.WithLabelValues("2026-08-06")))
}
