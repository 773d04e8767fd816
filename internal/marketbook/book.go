// Package marketbook maintains the rolling tick buffer, the per-timeframe
// candle books, and the incremental SMA cluster derived from them. It has
// no notion of strategy or risk; it only aggregates market data and
// forwards typed events to whatever Emitter the caller supplies.
package marketbook

import (
	"sync"

	"go.uber.org/zap"

	"voltrader/internal/service"
	"voltrader/pkg/ta"
)

// Emitter receives the three event kinds MarketBook produces. StrategyEngine
// implements this by forwarding straight into its mailbox channel.
type Emitter interface {
	Tick(price float64, epoch int64)
	CandleClosed(granularitySeconds int, closed Candle)
	IndicatorsUpdated(set ta.IndicatorSet)
}

// MarketBook is the process-wide singleton owning all market state.
type MarketBook struct {
	mu sync.RWMutex

	primaryTimeframe int
	tickLimit        int

	tickBuffer   []Tick
	candleBooks  map[int][]Candle // granularity seconds -> ordered, most recent last
	indicators   ta.IndicatorSet
	currentPrice float64
	marketState  MarketState

	emitter Emitter
	logger  *zap.Logger
}

// New builds a MarketBook for the given primary timeframe (its closed
// candles are authoritative for indicator recomputation) and a tick
// ring-buffer length used by the squeeze-bandwidth variant.
func New(primaryTimeframe, tickLimit int, emitter Emitter, logger *zap.Logger) *MarketBook {
	if tickLimit <= 0 {
		tickLimit = 5
	}
	books := make(map[int][]Candle, len(Timeframes))
	for _, tf := range Timeframes {
		books[tf] = nil
	}
	return &MarketBook{
		primaryTimeframe: primaryTimeframe,
		tickLimit:        tickLimit,
		candleBooks:      books,
		marketState:      StateRestricted,
		emitter:          emitter,
		logger:           logger.With(zap.String("component", "marketbook")),
	}
}

// IngestTick updates current price, maintains the bounded tick buffer used
// by the squeeze variant, recomputes MarketState, and emits a tick event.
func (mb *MarketBook) IngestTick(t Tick) {
	mb.mu.Lock()
	mb.currentPrice = t.Price
	mb.tickBuffer = append(mb.tickBuffer, t)
	if len(mb.tickBuffer) > mb.tickLimit {
		mb.tickBuffer = mb.tickBuffer[len(mb.tickBuffer)-mb.tickLimit:]
	}
	mb.marketState = computeMarketState(t.Price, mb.indicators)
	mb.mu.Unlock()

	mb.emitter.Tick(t.Price, t.Epoch)
}

// IngestOHLC applies an OHLC update for a timeframe: overwrite the
// forming candle in place if the epoch matches the last entry, otherwise
// close the previous candle, append the new forming one, trim to
// MaxCandlesPerTimeframe, and emit candle_closed. Primary timeframe
// closes additionally recompute the indicator cluster.
func (mb *MarketBook) IngestOHLC(granularitySeconds int, update Candle) {
	mb.mu.Lock()

	book := mb.candleBooks[granularitySeconds]
	var closed *Candle

	if len(book) > 0 && book[len(book)-1].EpochOpen == update.EpochOpen {
		update.Closed = false
		book[len(book)-1] = update
	} else {
		if len(book) > 0 {
			book[len(book)-1].Closed = true
			c := book[len(book)-1]
			closed = &c
		}
		update.Closed = false
		book = append(book, update)
		if len(book) > MaxCandlesPerTimeframe {
			book = book[len(book)-MaxCandlesPerTimeframe:]
		}
	}
	mb.candleBooks[granularitySeconds] = book

	var newIndicators ta.IndicatorSet
	recomputed := false
	if closed != nil && granularitySeconds == mb.primaryTimeframe {
		closes := closedCloses(book)
		newIndicators = ta.Cluster(closes)
		mb.indicators = newIndicators
		recomputed = true
	}
	mb.mu.Unlock()

	if closed != nil {
		mb.logger.Debug("candle closed",
			zap.String("granularity", service.GranularityLabel(granularitySeconds)),
			zap.Float64("close", closed.Close))
		mb.emitter.CandleClosed(granularitySeconds, *closed)
	}
	if recomputed {
		mb.emitter.IndicatorsUpdated(newIndicators)
	}
}

// SeedCandles populates a timeframe's candle book from a ticks_history
// batch, oldest first. Every candle but the last is marked closed; the
// last is treated as the still-forming bar, so a live ohlc update for
// the same epoch overwrites it in place instead of double-counting it.
// Primary timeframe seeding recomputes the indicator cluster once, but
// does not fire candle_closed for the backfilled bars: those already
// happened before this process existed to react to them.
func (mb *MarketBook) SeedCandles(granularitySeconds int, candles []Candle) {
	if len(candles) == 0 {
		return
	}
	if len(candles) > MaxCandlesPerTimeframe {
		candles = candles[len(candles)-MaxCandlesPerTimeframe:]
	}
	for i := range candles {
		candles[i].GranularitySeconds = granularitySeconds
		candles[i].Closed = i < len(candles)-1
	}

	mb.mu.Lock()
	mb.candleBooks[granularitySeconds] = candles

	var newIndicators ta.IndicatorSet
	recomputed := false
	if granularitySeconds == mb.primaryTimeframe {
		closes := closedCloses(candles)
		newIndicators = ta.Cluster(closes)
		mb.indicators = newIndicators
		mb.marketState = computeMarketState(mb.currentPrice, newIndicators)
		recomputed = true
	}
	mb.mu.Unlock()

	mb.logger.Info("seeded candle history",
		zap.String("granularity", service.GranularityLabel(granularitySeconds)),
		zap.Int("count", len(candles)))

	if recomputed {
		mb.emitter.IndicatorsUpdated(newIndicators)
	}
}

// closedCloses returns the close prices of every candle in book except
// the still-forming last one, so indicators never repaint against an
// incomplete bar.
func closedCloses(book []Candle) []float64 {
	if len(book) == 0 {
		return nil
	}
	closes := make([]float64, 0, len(book)-1)
	for _, c := range book[:len(book)-1] {
		closes = append(closes, c.Close)
	}
	return closes
}

// computeMarketState is PERMISSIVE iff price is below all three of
// sma50/100/200 and all three are defined.
func computeMarketState(price float64, ind ta.IndicatorSet) MarketState {
	if !ind.AllDefined() {
		return StateRestricted
	}
	if price < ind.SMA50 && price < ind.SMA100 && price < ind.SMA200 {
		return StatePermissive
	}
	return StateRestricted
}

// CurrentPrice returns the last observed tick price.
func (mb *MarketBook) CurrentPrice() float64 {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.currentPrice
}

// Indicators returns a snapshot of the current SMA cluster.
func (mb *MarketBook) Indicators() ta.IndicatorSet {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.indicators
}

// MarketState returns the last computed RESTRICTED/PERMISSIVE state.
func (mb *MarketBook) MarketState() MarketState {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.marketState
}

// TickPrices returns a copy of the bounded tick buffer, most recent last,
// for the squeeze-bandwidth variant in pkg/ta.
func (mb *MarketBook) TickPrices() []float64 {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	prices := make([]float64, len(mb.tickBuffer))
	for i, t := range mb.tickBuffer {
		prices[i] = t.Price
	}
	return prices
}

// SqueezeBandwidth exposes the raw Bollinger-bandwidth reading for the
// alternate squeeze-breakout entry variant; MarketBook computes it but
// does not act on it.
func (mb *MarketBook) SqueezeBandwidth(period int) (bandwidth float64, ready bool) {
	return ta.BandwidthSqueeze(mb.TickPrices(), period)
}
