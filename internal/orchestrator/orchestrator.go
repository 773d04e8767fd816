// Package orchestrator wires Link, Correlator, MarketBook, Execution,
// RiskGuardian, and StrategyEngine into one running agent, breaking their
// cyclic dependency: StrategyEngine is built first with nil dependencies,
// MarketBook and Execution are built against it as their event target,
// then the cycle is closed with Engine.SetDependencies. The Engine holds
// direct pointers to MarketBook, RiskGuardian, and Execution; MarketBook
// and Execution reach the Engine only through the Emitter interface and
// the Callbacks struct.
package orchestrator

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"voltrader/internal/correlator"
	"voltrader/internal/execution"
	"voltrader/internal/link"
	"voltrader/internal/marketbook"
	"voltrader/internal/risk"
	"voltrader/internal/service"
	"voltrader/internal/strategy"
	"voltrader/internal/telemetry"
	"voltrader/internal/trade"
)

// Orchestrator owns every process-wide singleton and the goroutines that
// drive them.
type Orchestrator struct {
	link     *link.Link
	corr     *correlator.Correlator
	book     *marketbook.MarketBook
	exec     *execution.Execution
	guardian *risk.Guardian
	tracker  *trade.Tracker
	engine   *strategy.Engine
	metrics  *telemetry.Recorder
	logger   *zap.Logger
	symbol   string
}

// New builds every component and wires the stream subscriptions,
// starting one goroutine per subscribed stream to drain it. The Link and
// StrategyEngine are not started; call Run for that.
func New(cfg *service.Config, sink trade.Sink, broadcaster trade.Broadcaster, metrics *telemetry.Recorder, logger *zap.Logger) *Orchestrator {
	corr := correlator.New(logger)
	lk := link.New(cfg.Broker.WSURL, cfg.Broker.AppID, cfg.Broker.Token, corr, logger)

	clock := risk.SystemClock{}
	guardian := risk.New(cfg.Risk, clock, logger)
	tracker := trade.NewTracker(sink, broadcaster)

	engine := strategy.New(nil, guardian, nil, tracker, cfg.Strategy, cfg.Risk, cfg.Broker.Symbol, clock, logger)
	book := marketbook.New(marketbook.Timeframe1m, cfg.Strategy.TickLimit, engine, logger)
	exec := execution.New(corr, lk, logger, cfg.Broker.Symbol, "USD", engine.Callbacks())
	engine.SetDependencies(book, exec)
	engine.SetMetrics(metrics)
	lk.SetMetrics(metrics)

	o := &Orchestrator{
		link:     lk,
		corr:     corr,
		book:     book,
		exec:     exec,
		guardian: guardian,
		tracker:  tracker,
		engine:   engine,
		metrics:  metrics,
		logger:   logger.With(zap.String("component", "orchestrator")),
		symbol:   cfg.Broker.Symbol,
	}

	o.wireStreams()
	lk.OnResubscribe(o.subscribeMarketData)
	lk.OnResubscribe(func() {
		if err := exec.SubscribeBalance(); err != nil {
			o.logger.Warn("balance subscribe failed", zap.Error(err))
		}
	})

	return o
}

// wireStreams registers a Correlator subscriber for every unsolicited
// stream msg_type this agent cares about: tick, ohlc, candles (the
// ticks_history seed batch), and proposal_open_contract.
func (o *Orchestrator) wireStreams() {
	tickCh := make(chan json.RawMessage, 256)
	o.corr.Subscribe("tick", tickCh)
	go func() {
		for raw := range tickCh {
			o.handleTick(raw)
		}
	}()

	ohlcCh := make(chan json.RawMessage, 256)
	o.corr.Subscribe("ohlc", ohlcCh)
	go func() {
		for raw := range ohlcCh {
			o.handleOHLC(raw)
		}
	}()

	candlesCh := make(chan json.RawMessage, 16)
	o.corr.Subscribe("candles", candlesCh)
	go func() {
		for raw := range candlesCh {
			o.handleCandles(raw)
		}
	}()

	contractCh := make(chan json.RawMessage, 64)
	o.corr.Subscribe("proposal_open_contract", contractCh)
	go func() {
		for raw := range contractCh {
			o.exec.HandleContractUpdate(raw)
		}
	}()
}

type tickFrame struct {
	Tick struct {
		Epoch int64   `json:"epoch"`
		Quote float64 `json:"quote"`
	} `json:"tick"`
}

func (o *Orchestrator) handleTick(raw json.RawMessage) {
	var f tickFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		o.logger.Warn("dropping malformed tick frame", zap.Error(err))
		return
	}
	o.book.IngestTick(marketbook.Tick{Epoch: f.Tick.Epoch, Price: f.Tick.Quote})
}

type ohlcFrame struct {
	OHLC struct {
		OpenTime    int64   `json:"open_time"`
		Granularity int     `json:"granularity"`
		Open        float64 `json:"open,string"`
		High        float64 `json:"high,string"`
		Low         float64 `json:"low,string"`
		Close       float64 `json:"close,string"`
	} `json:"ohlc"`
}

func (o *Orchestrator) handleOHLC(raw json.RawMessage) {
	var f ohlcFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		o.logger.Warn("dropping malformed ohlc frame", zap.Error(err))
		return
	}
	o.book.IngestOHLC(f.OHLC.Granularity, marketbook.Candle{
		EpochOpen:          f.OHLC.OpenTime,
		GranularitySeconds: f.OHLC.Granularity,
		Open:               f.OHLC.Open,
		High:               f.OHLC.High,
		Low:                f.OHLC.Low,
		Close:              f.OHLC.Close,
	})
}

// candlesFrame is the initial ticks_history snapshot returned when
// subscribe=1 is set alongside style=candles. The response carries no
// top-level granularity field, only the echoed request.
type candlesFrame struct {
	Candles []struct {
		Epoch int64   `json:"epoch"`
		Open  float64 `json:"open,string"`
		High  float64 `json:"high,string"`
		Low   float64 `json:"low,string"`
		Close float64 `json:"close,string"`
	} `json:"candles"`
	EchoReq struct {
		Granularity int `json:"granularity"`
	} `json:"echo_req"`
}

func (o *Orchestrator) handleCandles(raw json.RawMessage) {
	var f candlesFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		o.logger.Warn("dropping malformed candles frame", zap.Error(err))
		return
	}
	granularity := f.EchoReq.Granularity
	candles := make([]marketbook.Candle, 0, len(f.Candles))
	for _, c := range f.Candles {
		candles = append(candles, marketbook.Candle{
			EpochOpen:          c.Epoch,
			GranularitySeconds: granularity,
			Open:               c.Open,
			High:               c.High,
			Low:                c.Low,
			Close:              c.Close,
		})
	}
	o.book.SeedCandles(granularity, candles)
}

// subscribeMarketData issues the tick and per-timeframe ticks_history
// subscriptions. Called once after every successful authorize (including
// reconnects) via Link.OnResubscribe.
func (o *Orchestrator) subscribeMarketData() {
	tickReqID := o.corr.NextReqID()
	if err := o.link.Send(map[string]any{"ticks": o.symbol, "subscribe": 1, "req_id": tickReqID}); err != nil {
		o.logger.Warn("tick subscribe failed", zap.Error(err))
	}

	for _, tf := range marketbook.Timeframes {
		reqID := o.corr.NextReqID()
		req := map[string]any{
			"ticks_history": o.symbol,
			"style":         "candles",
			"granularity":   tf,
			"count":         marketbook.MaxCandlesPerTimeframe,
			"subscribe":     1,
			"req_id":        reqID,
		}
		if err := o.link.Send(req); err != nil {
			o.logger.Warn("ticks_history subscribe failed", zap.Int("granularity", tf), zap.Error(err))
		}
	}
}

// Run starts the Link and StrategyEngine goroutines and blocks until ctx
// is cancelled.
func (o *Orchestrator) Run(ctx context.Context) {
	go o.engine.Run(ctx)
	o.link.Run(ctx)
}
