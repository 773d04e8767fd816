package marketbook

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltrader/pkg/ta"
)

type recordingEmitter struct {
	ticks      []Tick
	closed     []Candle
	indicators []ta.IndicatorSet
}

func (r *recordingEmitter) Tick(price float64, epoch int64) {
	r.ticks = append(r.ticks, Tick{Epoch: epoch, Price: price})
}
func (r *recordingEmitter) CandleClosed(gran int, closed Candle) {
	r.closed = append(r.closed, closed)
}
func (r *recordingEmitter) IndicatorsUpdated(set ta.IndicatorSet) {
	r.indicators = append(r.indicators, set)
}

func feedCandles(mb *MarketBook, n int, closeFn func(i int) float64) {
	for i := 0; i < n; i++ {
		c := Candle{EpochOpen: int64(i * Timeframe1m), GranularitySeconds: Timeframe1m, Close: closeFn(i)}
		mb.IngestOHLC(Timeframe1m, c)
	}
}

func TestIndicatorsExcludeFormingCandle(t *testing.T) {
	emitter := &recordingEmitter{}
	mb := New(Timeframe1m, 5, emitter, zap.NewNop())

	// Push 201 closing candles with close=1.0 so every SMA is defined at 1.0.
	feedCandles(mb, 201, func(i int) float64 { return 1.0 })
	require.True(t, mb.Indicators().AllDefined())
	require.InDelta(t, 1.0, mb.Indicators().SMA200, 1e-9)

	// A forming candle with an extreme close must not move the SMAs until
	// it actually closes (i.e. the next candle arrives).
	mb.IngestOHLC(Timeframe1m, Candle{EpochOpen: int64(201 * Timeframe1m), GranularitySeconds: Timeframe1m, Close: 999.0})
	require.InDelta(t, 1.0, mb.Indicators().SMA200, 1e-9)
}

func TestMarketStatePermissiveRequiresAllThreeSMAs(t *testing.T) {
	set := ta.IndicatorSet{Defined50: true, SMA50: 100, Defined100: true, SMA100: 100}
	// SMA200 undefined -> must stay restricted regardless of price.
	require.Equal(t, StateRestricted, computeMarketState(50, set))

	set.Defined200, set.SMA200 = true, 100
	require.Equal(t, StatePermissive, computeMarketState(50, set))
	require.Equal(t, StateRestricted, computeMarketState(150, set))
}
