// Package execution implements the two-phase proposal/buy flow, market
// sells, the balance subscription, and open-contract tracking. It talks
// to the broker exclusively through a correlator.Correlator, never
// touching the transport directly.
package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"voltrader/internal/correlator"
)

// ContractType mirrors the two multiplier-contract directions this agent
// trades.
type ContractType string

const (
	ContractMultUp   ContractType = "MULTUP"
	ContractMultDown ContractType = "MULTDOWN"
)

// ErrBuyLimitReached is fatal: the strategy engine's execution-error
// handler terminates the process on this error.
var ErrBuyLimitReached = fmt.Errorf("execution: buy_limit_reached")

// ErrRateLimited signals the engine should impose a cooldown rather than
// treat the proposal as failed outright.
var ErrRateLimited = fmt.Errorf("execution: rate limited")

// LimitOrder carries the broker-side TP/SL that rides along with the
// proposal. Both the broker order and manual tick-level TP/SL are
// armed, but only the manual check ever triggers a sell (see
// StrategyEngine).
type LimitOrder struct {
	TakeProfit float64 `json:"take_profit,omitempty"`
	StopLoss   float64 `json:"stop_loss,omitempty"`
}

// OpenContract is what Execution retains per live position:
// contract_id -> {buy_price, start_time}. ContractType is kept alongside
// so the strategy engine can evaluate TP/SL for the correct direction
// without a second lookup. EntrySpotPrice is the underlying spot quote
// at the moment the order was placed, distinct from BuyPrice (the
// broker stake) — TP/SL and P&L are computed against opposite one of
// these two, and conflating them stops the position out on the very
// next tick.
type OpenContract struct {
	BuyPrice       float64
	EntrySpotPrice float64
	StartTime      time.Time
	ContractType   ContractType
}

// OpenPositionInfo is a read-only snapshot of one open contract, handed
// out by OpenSnapshot.
type OpenPositionInfo struct {
	ContractID     int64
	BuyPrice       float64
	EntrySpotPrice float64
	StartTime      time.Time
	ContractType   ContractType
}

// Callbacks lets the strategy engine observe execution lifecycle events
// without Execution holding a reference back to the engine, avoiding a
// cyclic dependency between the two.
type Callbacks struct {
	OnTradeOpened   func(contractID int64, buyPrice, entrySpotPrice float64, startTime time.Time)
	OnTradeClosed   func(contractID int64, sellPrice, profit, balance float64)
	OnRateLimit     func()
	OnFatalError    func(err error)
	OnBalanceUpdate func(balance float64)
}

// Execution owns the proposal/buy/sell RPC flow and the open-contract
// table.
type Execution struct {
	corr     *correlator.Correlator
	sender   correlator.Sender
	logger   *zap.Logger
	callback Callbacks

	symbol   string
	currency string

	mu            sync.Mutex
	open          map[int64]OpenContract
	subOK         bool
	latestBalance float64
}

// New builds an Execution bound to symbol/currency and wired to
// callbacks for lifecycle notification. sender is the transport (the
// Link) used to write proposal/buy/sell frames; corr correlates their
// responses.
func New(corr *correlator.Correlator, sender correlator.Sender, logger *zap.Logger, symbol, currency string, cb Callbacks) *Execution {
	return &Execution{
		corr:     corr,
		sender:   sender,
		logger:   logger.With(zap.String("component", "execution")),
		callback: cb,
		symbol:   symbol,
		currency: currency,
		open:     make(map[int64]OpenContract),
	}
}

type proposalResponse struct {
	Proposal struct {
		ID       string  `json:"id"`
		AskPrice float64 `json:"ask_price"`
	} `json:"proposal"`
}

type buyResponse struct {
	Buy struct {
		ContractID int64   `json:"contract_id"`
		BuyPrice   float64 `json:"buy_price"`
		StartTime  int64   `json:"start_time"`
	} `json:"buy"`
}

type sellResponse struct {
	Sell struct {
		SoldFor int64 `json:"sold_for"`
	} `json:"sell"`
}

// OpenPosition runs the two-phase proposal -> buy flow. entrySpotPrice
// is the underlying spot quote observed at the moment of the call, and
// is retained alongside the broker's buy_price so TP/SL can be
// evaluated against the right unit. On success it registers the open
// contract and fires OnTradeOpened.
func (e *Execution) OpenPosition(ctx context.Context, amount float64, contractType ContractType, multiplier, entrySpotPrice float64, limitOrder *LimitOrder) error {
	proposalReq := map[string]any{
		"proposal":      1,
		"amount":        amount,
		"basis":         "stake",
		"contract_type": string(contractType),
		"currency":      e.currency,
		"symbol":        e.symbol,
		"multiplier":    multiplier,
	}
	if limitOrder != nil {
		proposalReq["limit_order"] = limitOrder
	}

	reqID := e.corr.NextReqID()
	proposalReq["req_id"] = reqID
	resultCh := e.corr.Register(reqID, 5*time.Second)
	if err := e.sender.Send(proposalReq); err != nil {
		return err
	}

	res := <-resultCh
	if err := e.classifyWireError(res); err != nil {
		return err
	}

	var proposal proposalResponse
	if err := json.Unmarshal(res.Raw, &proposal); err != nil {
		return fmt.Errorf("execution: decode proposal response: %w", err)
	}

	buyReqID := e.corr.NextReqID()
	buyResultCh := e.corr.Register(buyReqID, 5*time.Second)
	buyReq := map[string]any{
		"buy":    proposal.Proposal.ID,
		"price":  amount,
		"req_id": buyReqID,
	}
	if err := e.sender.Send(buyReq); err != nil {
		return err
	}

	buyRes := <-buyResultCh
	if err := e.classifyWireError(buyRes); err != nil {
		return err
	}

	var buy buyResponse
	if err := json.Unmarshal(buyRes.Raw, &buy); err != nil {
		return fmt.Errorf("execution: decode buy response: %w", err)
	}

	startTime := time.Unix(buy.Buy.StartTime, 0).UTC()
	e.mu.Lock()
	e.open[buy.Buy.ContractID] = OpenContract{
		BuyPrice:       buy.Buy.BuyPrice,
		EntrySpotPrice: entrySpotPrice,
		StartTime:      startTime,
		ContractType:   contractType,
	}
	e.mu.Unlock()

	if e.callback.OnTradeOpened != nil {
		e.callback.OnTradeOpened(buy.Buy.ContractID, buy.Buy.BuyPrice, entrySpotPrice, startTime)
	}
	return nil
}

// classifyWireError maps a broker-reported error onto the sentinel
// errors the strategy engine matches on.
func (e *Execution) classifyWireError(res correlator.Result) error {
	if res.Err == nil {
		return nil
	}
	switch res.Err.Code {
	case "RateLimit":
		if e.callback.OnRateLimit != nil {
			e.callback.OnRateLimit()
		}
		return ErrRateLimited
	case "buy_limit_reached", "BuyLimitReached":
		if e.callback.OnFatalError != nil {
			e.callback.OnFatalError(ErrBuyLimitReached)
		}
		return ErrBuyLimitReached
	default:
		return res.Err
	}
}

// Sell issues a market sell for contractID. On success it computes
// realized profit and fires OnTradeClosed; the caller (StrategyEngine,
// via trade.Tracker) is responsible for the actual idempotent close
// bookkeeping.
func (e *Execution) Sell(ctx context.Context, contractID int64, reason string) error {
	e.mu.Lock()
	oc, ok := e.open[contractID]
	e.mu.Unlock()
	if !ok {
		return nil // already closed elsewhere; sell is a best-effort nudge
	}

	reqID := e.corr.NextReqID()
	resultCh := e.corr.Register(reqID, 5*time.Second)
	req := map[string]any{"sell": contractID, "price": 0, "req_id": reqID}
	if err := e.sender.Send(req); err != nil {
		return err
	}

	res := <-resultCh
	if res.Err != nil {
		return res.Err
	}

	var sell sellResponse
	if err := json.Unmarshal(res.Raw, &sell); err != nil {
		return fmt.Errorf("execution: decode sell response: %w", err)
	}

	sellPrice := float64(sell.Sell.SoldFor)
	profit := sellPrice - oc.BuyPrice

	e.mu.Lock()
	_, stillOpen := e.open[contractID]
	delete(e.open, contractID)
	balance := e.latestBalance
	e.mu.Unlock()
	if !stillOpen {
		return nil // closed by a proposal_open_contract update meanwhile; never double-fire.
	}

	e.logger.Info("position sold",
		zap.Int64("contract_id", contractID),
		zap.String("reason", reason),
		zap.Float64("sell_price", sellPrice),
		zap.Float64("profit", profit))

	if e.callback.OnTradeClosed != nil {
		e.callback.OnTradeClosed(contractID, sellPrice, profit, balance)
	}
	return nil
}

// HandleContractUpdate processes a proposal_open_contract stream message
// that reports is_sold=true, the other path to a closed trade besides an
// explicit Sell call.
func (e *Execution) HandleContractUpdate(raw json.RawMessage) {
	var upd struct {
		ProposalOpenContract struct {
			ContractID int64    `json:"contract_id"`
			IsSold     int      `json:"is_sold"`
			SellPrice  *float64 `json:"sell_price"`
			BuyPrice   float64  `json:"buy_price"`
			Profit     *float64 `json:"profit"`
		} `json:"proposal_open_contract"`
	}
	if err := json.Unmarshal(raw, &upd); err != nil {
		e.logger.Warn("dropping malformed proposal_open_contract update", zap.Error(err))
		return
	}
	poc := upd.ProposalOpenContract
	if poc.IsSold == 0 {
		return
	}

	e.mu.Lock()
	oc, ok := e.open[poc.ContractID]
	if ok {
		delete(e.open, poc.ContractID)
	}
	balance := e.latestBalance
	e.mu.Unlock()
	if !ok {
		return // already closed by an explicit Sell; never double-fire.
	}

	sellPrice := oc.BuyPrice
	if poc.SellPrice != nil {
		sellPrice = *poc.SellPrice
	}
	profit := sellPrice - oc.BuyPrice
	if poc.Profit != nil {
		profit = *poc.Profit
	}

	if e.callback.OnTradeClosed != nil {
		e.callback.OnTradeClosed(poc.ContractID, sellPrice, profit, balance)
	}
}

// SubscribeBalance issues the once-per-session {balance:1, subscribe:1}
// request and registers the balance stream.
func (e *Execution) SubscribeBalance() error {
	e.mu.Lock()
	already := e.subOK
	e.subOK = true
	e.mu.Unlock()
	if already {
		return nil
	}

	balanceCh := make(chan json.RawMessage, 32)
	e.corr.Subscribe("balance", balanceCh)
	go func() {
		for raw := range balanceCh {
			var upd struct {
				Balance struct {
					Balance float64 `json:"balance"`
				} `json:"balance"`
			}
			if err := json.Unmarshal(raw, &upd); err != nil {
				continue
			}
			e.mu.Lock()
			e.latestBalance = upd.Balance.Balance
			e.mu.Unlock()
			if e.callback.OnBalanceUpdate != nil {
				e.callback.OnBalanceUpdate(upd.Balance.Balance)
			}
		}
	}()

	reqID := e.corr.NextReqID()
	return e.sender.Send(map[string]any{"balance": 1, "subscribe": 1, "req_id": reqID})
}

// OpenCount reports how many contracts are currently tracked as open.
func (e *Execution) OpenCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.open)
}

// OpenContractIDs returns a snapshot of every tracked open contract id.
func (e *Execution) OpenContractIDs() []int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]int64, 0, len(e.open))
	for id := range e.open {
		ids = append(ids, id)
	}
	return ids
}

// OpenSnapshot returns a read-only copy of every open contract, used by
// the strategy engine to evaluate per-position TP/SL.
func (e *Execution) OpenSnapshot() []OpenPositionInfo {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]OpenPositionInfo, 0, len(e.open))
	for id, oc := range e.open {
		out = append(out, OpenPositionInfo{
			ContractID:     id,
			BuyPrice:       oc.BuyPrice,
			EntrySpotPrice: oc.EntrySpotPrice,
			StartTime:      oc.StartTime,
			ContractType:   oc.ContractType,
		})
	}
	return out
}
