// Package strategy implements the trading state machine: a
// single-context state machine driven by tick, indicators_updated, and
// execution-callback events, all serialized through one mailbox channel.
// No other goroutine may mutate the engine's state variables directly.
package strategy

import (
	"context"
	"time"

	"go.uber.org/zap"

	"voltrader/internal/execution"
	"voltrader/internal/marketbook"
	"voltrader/internal/risk"
	"voltrader/internal/service"
	"voltrader/internal/telemetry"
	"voltrader/internal/trade"
	"voltrader/pkg/ta"
)

// Clock is the injectable time seam for cooldowns and pauses.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

type eventKind int

const (
	evTick eventKind = iota
	evCandleClosed
	evIndicatorsUpdated
	evTradeOpened
	evTradeClosed
	evRateLimit
	evExecutionError
	evBalanceUpdate
)

type event struct {
	kind eventKind

	price float64
	epoch int64

	granularity int
	candle      marketbook.Candle

	indicators ta.IndicatorSet

	contractID     int64
	buyPrice       float64
	entrySpotPrice float64
	sellPrice      float64
	profit     float64
	balance    float64
	startTime  time.Time

	err error
}

// Engine is the process-wide singleton driving trade decisions. Build
// one with New, wire it as the MarketBook's Emitter and as the
// Execution's Callbacks target, then call Run in its own goroutine.
type Engine struct {
	mailbox chan event

	book     *marketbook.MarketBook
	guardian *risk.Guardian
	exec     *execution.Execution
	tracker  *trade.Tracker

	strategyCfg service.StrategyConfig
	riskCfg     service.RiskConfig
	symbol      string
	clock       Clock
	logger      *zap.Logger
	metrics     *telemetry.Recorder

	// State variables. Mutated only inside Run's loop.
	currentPrice, previousPrice float64
	havePrevious                bool
	currentBalance              float64

	prevSMAs    ta.IndicatorSet
	havePrevSMAs bool

	marketState   marketbook.MarketState
	activeTradeID int64 // 0 means no active trade
	cooldownUntil time.Time
	isTrading     bool
}

// SetDependencies backfills the MarketBook/Execution pointers once they
// have been constructed against this Engine as their emitter/callback
// target. Wiring these two components requires an Engine to exist
// first (see internal/orchestrator), so New accepts nil here and the
// caller completes the cycle with this setter.
func (e *Engine) SetDependencies(book *marketbook.MarketBook, exec *execution.Execution) {
	e.book = book
	e.exec = exec
}

// SetMetrics attaches a telemetry recorder. A nil recorder (the default)
// disables instrumentation entirely; every call site below is nil-safe.
func (e *Engine) SetMetrics(m *telemetry.Recorder) {
	e.metrics = m
}

// New builds an Engine. clock defaults to the system clock when nil.
func New(book *marketbook.MarketBook, guardian *risk.Guardian, exec *execution.Execution, tracker *trade.Tracker, strategyCfg service.StrategyConfig, riskCfg service.RiskConfig, symbol string, clock Clock, logger *zap.Logger) *Engine {
	if clock == nil {
		clock = systemClock{}
	}
	return &Engine{
		mailbox:     make(chan event, 256),
		book:        book,
		guardian:    guardian,
		exec:        exec,
		tracker:     tracker,
		strategyCfg: strategyCfg,
		riskCfg:     riskCfg,
		symbol:      symbol,
		clock:       clock,
		logger:      logger.With(zap.String("component", "strategy_engine")),
		marketState: marketbook.StateRestricted,
	}
}

// --- marketbook.Emitter ---

func (e *Engine) Tick(price float64, epoch int64) {
	e.mailbox <- event{kind: evTick, price: price, epoch: epoch}
}

func (e *Engine) CandleClosed(granularitySeconds int, closed marketbook.Candle) {
	e.mailbox <- event{kind: evCandleClosed, granularity: granularitySeconds, candle: closed}
}

func (e *Engine) IndicatorsUpdated(set ta.IndicatorSet) {
	e.mailbox <- event{kind: evIndicatorsUpdated, indicators: set}
}

// --- execution.Callbacks ---

// Callbacks returns the execution.Callbacks bound to this engine's
// mailbox, for wiring into execution.New.
func (e *Engine) Callbacks() execution.Callbacks {
	return execution.Callbacks{
		OnTradeOpened: func(contractID int64, buyPrice, entrySpotPrice float64, startTime time.Time) {
			e.mailbox <- event{kind: evTradeOpened, contractID: contractID, buyPrice: buyPrice, entrySpotPrice: entrySpotPrice, startTime: startTime}
		},
		OnTradeClosed: func(contractID int64, sellPrice, profit, balance float64) {
			e.mailbox <- event{kind: evTradeClosed, contractID: contractID, sellPrice: sellPrice, profit: profit, balance: balance}
		},
		OnRateLimit: func() {
			e.mailbox <- event{kind: evRateLimit}
		},
		OnFatalError: func(err error) {
			e.mailbox <- event{kind: evExecutionError, err: err}
		},
		OnBalanceUpdate: func(balance float64) {
			e.mailbox <- event{kind: evBalanceUpdate, balance: balance}
		},
	}
}

// Run drains the mailbox until ctx is cancelled. Every event handler is
// total: it must never panic and must leave state variables consistent.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-e.mailbox:
			e.handle(ctx, ev)
		}
	}
}

func (e *Engine) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evTick:
		start := e.clock.Now()
		e.onTick(ctx, ev.price)
		if e.metrics != nil {
			e.metrics.ObserveTickToDecision(float64(e.clock.Now().Sub(start).Microseconds()) / 1000.0)
		}
	case evCandleClosed:
		// Candle closes drive indicator recomputation inside MarketBook
		// itself; the engine only needs the indicators_updated event
		// that follows.
	case evIndicatorsUpdated:
		e.onIndicatorsUpdated(ctx, ev.indicators)
	case evTradeOpened:
		e.onTradeOpened(ctx, ev.contractID, ev.entrySpotPrice, ev.startTime)
	case evTradeClosed:
		e.onTradeClosed(ctx, ev.contractID, ev.sellPrice, ev.profit, ev.balance)
	case evRateLimit:
		e.onRateLimit()
	case evExecutionError:
		e.onExecutionError(ev.err)
	case evBalanceUpdate:
		e.onBalanceUpdate(ev.balance)
	}
}

// onTick runs the numbered on-tick decision sequence.
func (e *Engine) onTick(ctx context.Context, price float64) {
	// 1. shift price window
	e.previousPrice = e.currentPrice
	prevWasDefined := e.havePrevious
	e.currentPrice = price
	e.havePrevious = true

	// 2. train detector short-circuits everything else
	if e.guardian.FeedTick(price) {
		for _, id := range e.exec.OpenContractIDs() {
			_ = e.exec.Sell(ctx, id, "TRAIN_DETECTED")
		}
		return
	}

	// 3. TP/SL evaluation for every open contract
	for _, pos := range e.exec.OpenSnapshot() {
		if e.evaluateTPSL(pos, price) {
			_ = e.exec.Sell(ctx, pos.ContractID, tpSLReason(pos, price, e.strategyCfg))
		}
	}

	// 4. need a previous price to evaluate crossovers/deltas
	if !prevWasDefined {
		return
	}

	// 5. recompute market state from the latest indicators
	e.marketState = e.book.MarketState()

	// 6. cooldown gate
	if e.clock.Now().Before(e.cooldownUntil) {
		return
	}

	// 7. permissive spike entry
	delta := e.currentPrice - e.previousPrice
	if e.marketState == marketbook.StatePermissive && delta > e.riskCfg.TrainDelta {
		// Re-check state after the hypothetical update: MarketBook has
		// already folded this tick in, so book.MarketState() already
		// reflects "after". If it flipped RESTRICTED, skip entry.
		if e.book.MarketState() == marketbook.StatePermissive && !e.isTrading && e.activeTradeID == 0 {
			e.tryEnter(ctx)
		}
	}

	// 8. restricted-state exit
	if e.marketState == marketbook.StateRestricted && e.activeTradeID != 0 {
		_ = e.exec.Sell(ctx, e.activeTradeID, "RESTRICTED_STATE")
	}
}

func (e *Engine) evaluateTPSL(pos execution.OpenPositionInfo, currentPrice float64) bool {
	tp := e.strategyCfg.TakeProfitPoints
	sl := e.strategyCfg.StopLossPoints
	if pos.ContractType == execution.ContractMultDown {
		diff := pos.EntrySpotPrice - currentPrice
		return diff >= tp || -diff >= sl
	}
	diff := currentPrice - pos.EntrySpotPrice
	return diff >= tp || -diff >= sl
}

func tpSLReason(pos execution.OpenPositionInfo, currentPrice float64, cfg service.StrategyConfig) string {
	var diff float64
	if pos.ContractType == execution.ContractMultDown {
		diff = pos.EntrySpotPrice - currentPrice
	} else {
		diff = currentPrice - pos.EntrySpotPrice
	}
	if diff >= cfg.TakeProfitPoints {
		return "TP_HIT"
	}
	return "SL_HIT"
}

// tryEnter consults the RiskGuardian and, on all-green, opens a spike
// entry.
func (e *Engine) tryEnter(ctx context.Context) {
	e.isTrading = true

	verdict := e.guardian.PermitEntry()
	if !verdict.Allowed {
		e.logger.Debug("entry refused", zap.String("reason", verdict.Reason))
		if e.metrics != nil {
			e.metrics.RecordEntryRefusal(verdict.Reason)
		}
		e.isTrading = false
		return
	}

	slDistance := e.strategyCfg.StopLossPoints * e.strategyCfg.StopLossMultiplier
	amount := e.guardian.SizePosition(e.currentBalance, e.strategyCfg.Multiplier, slDistance)

	// The broker-side limit order is a secondary guard only; the manual
	// tick-level check in onTick is authoritative (evaluateTPSL). Both
	// multipliers are fractions of the configured base stake, not of
	// the point distances.
	limitOrder := &execution.LimitOrder{
		TakeProfit: e.strategyCfg.StakeAmount * e.strategyCfg.TakeProfitMultiplier,
		StopLoss:   e.strategyCfg.StakeAmount * e.strategyCfg.StopLossMultiplier,
	}

	if err := e.exec.OpenPosition(ctx, amount, execution.ContractMultDown, e.strategyCfg.Multiplier, e.currentPrice, limitOrder); err != nil {
		e.logger.Warn("open position failed", zap.Error(err))
		e.isTrading = false
	}
	// isTrading is cleared by onTradeOpened on success, or by
	// onExecutionError/onRateLimit on failure paths that fired a
	// callback instead of returning err synchronously.
}

// onIndicatorsUpdated implements the SMA crossover exit guard.
func (e *Engine) onIndicatorsUpdated(ctx context.Context, newSMAs ta.IndicatorSet) {
	if e.havePrevSMAs && e.prevSMAs.Defined25 && e.prevSMAs.Defined50 && e.prevSMAs.Defined100 {
		crossed50 := e.prevSMAs.SMA25 <= e.prevSMAs.SMA50 && newSMAs.SMA25 > newSMAs.SMA50
		crossed100 := e.prevSMAs.SMA25 <= e.prevSMAs.SMA100 && newSMAs.SMA25 > newSMAs.SMA100
		if crossed50 || crossed100 {
			for _, id := range e.exec.OpenContractIDs() {
				_ = e.exec.Sell(ctx, id, "CROSSOVER_GUARD")
			}
			e.cooldownUntil = e.clock.Now().Add(time.Duration(e.riskCfg.CooldownMinutesCrossover) * time.Minute)
		}
	}
	e.prevSMAs = newSMAs
	e.havePrevSMAs = true
}

func (e *Engine) onTradeOpened(ctx context.Context, contractID int64, entrySpotPrice float64, startTime time.Time) {
	e.tracker.Open(ctx, contractID, e.symbol, entrySpotPrice, startTime, "SPIKE_ENTRY")
	e.activeTradeID = contractID
	e.isTrading = false
	if e.metrics != nil {
		e.metrics.RecordTradeOpened("SPIKE_ENTRY")
	}
}

func (e *Engine) onTradeClosed(ctx context.Context, contractID int64, sellPrice, profit, balance float64) {
	e.tracker.Close(ctx, contractID, sellPrice, profit, balance, e.clock.Now())
	stat := e.guardian.RecordTradeClosed(profit)
	if e.activeTradeID == contractID {
		e.activeTradeID = 0
	}
	if balance != 0 {
		e.currentBalance = balance
	}
	if e.metrics != nil {
		e.metrics.RecordTradeClosed("execution_confirmed")
		e.metrics.SetDailyProfit(stat.DateUTC, stat.AccumulatedProfit)
		e.metrics.SetAccountBalance(balance)
	}
}

func (e *Engine) onBalanceUpdate(balance float64) {
	e.currentBalance = balance
	e.guardian.UpdateBalance(balance)
	if e.metrics != nil {
		e.metrics.SetAccountBalance(balance)
	}
}

func (e *Engine) onRateLimit() {
	candidate := e.clock.Now().Add(60 * time.Second)
	if candidate.After(e.cooldownUntil) {
		e.cooldownUntil = candidate
	}
	e.isTrading = false
}

func (e *Engine) onExecutionError(err error) {
	e.isTrading = false
	if err == execution.ErrBuyLimitReached {
		e.logger.Fatal("buy_limit_reached, terminating", zap.Error(err))
	}
}
