// Package trade holds the TradeRecord lifecycle and the Sink/Broadcaster
// contracts external adapters implement. TradeRecord instances are born
// on buy confirmation, mutated once on sell confirmation, then observed
// only by the sinks.
package trade

import (
	"context"
	"sync"
	"time"
)

// Status is TradeRecord's status enum.
type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusClosed    Status = "CLOSED"
	StatusCancelled Status = "CANCELLED"
)

// Record is one trade's full lifecycle. ContractID is externally
// assigned by the broker and unique; it is the primary key everywhere
// downstream.
type Record struct {
	ContractID     int64
	Symbol         string
	EntryTime      time.Time
	EntryPrice     float64
	TriggerReason  string
	Status         Status
	ExitTime       *time.Time
	ExitPrice      *float64
	Profit         *float64
	AccountBalance *float64
}

// Sink persists trade lifecycle events and daily aggregates. Concrete
// adapters (Postgres, or a no-op for tests) implement this.
type Sink interface {
	RecordEntry(ctx context.Context, contractID int64, symbol string, entryPrice float64, reason string) error
	RecordExit(ctx context.Context, contractID int64, exitPrice, profit, balance float64) error
	UpsertDailyStat(ctx context.Context, dateUTC string, profitDelta float64) error
}

// Broadcaster fans out trade/account events to external observers (e.g.
// a Redis pub/sub channel for an operator dashboard).
type Broadcaster interface {
	OnTradeOpen(rec Record)
	OnTradeClose(rec Record)
	OnBalanceChange(balance float64)
	OnStatusChange(status string)
}

// NopSink and NopBroadcaster satisfy the interfaces with no side effects,
// used when the orchestrator boots without a database or Redis
// configured.
type NopSink struct{}

func (NopSink) RecordEntry(context.Context, int64, string, float64, string) error { return nil }
func (NopSink) RecordExit(context.Context, int64, float64, float64, float64) error { return nil }
func (NopSink) UpsertDailyStat(context.Context, string, float64) error             { return nil }

type NopBroadcaster struct{}

func (NopBroadcaster) OnTradeOpen(Record)          {}
func (NopBroadcaster) OnTradeClose(Record)         {}
func (NopBroadcaster) OnBalanceChange(float64)     {}
func (NopBroadcaster) OnStatusChange(string)       {}

// Tracker owns the in-memory contract_id -> Record table, the
// implementation of the "TradeRecord tracker" module. StrategyEngine
// opens an entry when Execution reports a buy confirmation and closes it
// when Execution reports a sell confirmation; Tracker finalizes the
// record and forwards it to Sink/Broadcaster exactly once per contract.
type Tracker struct {
	mu      sync.Mutex
	records map[int64]*Record

	sink        Sink
	broadcaster Broadcaster
}

// NewTracker wires a Tracker to its sink and broadcaster. Pass NopSink{}
// / NopBroadcaster{} when neither is configured.
func NewTracker(sink Sink, broadcaster Broadcaster) *Tracker {
	return &Tracker{
		records:     make(map[int64]*Record),
		sink:        sink,
		broadcaster: broadcaster,
	}
}

// Open registers a new trade on buy confirmation.
func (t *Tracker) Open(ctx context.Context, contractID int64, symbol string, entryPrice float64, entryTime time.Time, reason string) *Record {
	rec := &Record{
		ContractID:    contractID,
		Symbol:        symbol,
		EntryTime:     entryTime,
		EntryPrice:    entryPrice,
		TriggerReason: reason,
		Status:        StatusOpen,
	}
	t.mu.Lock()
	t.records[contractID] = rec
	t.mu.Unlock()

	_ = t.sink.RecordEntry(ctx, contractID, symbol, entryPrice, reason)
	t.broadcaster.OnTradeOpen(*rec)
	return rec
}

// Close finalizes a trade on confirmed sell. It is a no-op (returns nil,
// false) if contractID is unknown or already closed, keeping close
// idempotent against both the broker's own confirmation and a manual
// tick-level TP/SL trigger racing the same fill.
func (t *Tracker) Close(ctx context.Context, contractID int64, exitPrice, profit, balance float64, exitTime time.Time) (*Record, bool) {
	t.mu.Lock()
	rec, ok := t.records[contractID]
	if !ok || rec.Status != StatusOpen {
		t.mu.Unlock()
		return nil, false
	}
	rec.Status = StatusClosed
	rec.ExitTime = &exitTime
	rec.ExitPrice = &exitPrice
	rec.Profit = &profit
	rec.AccountBalance = &balance
	snapshot := *rec
	delete(t.records, contractID)
	t.mu.Unlock()

	_ = t.sink.RecordExit(ctx, contractID, exitPrice, profit, balance)
	dateUTC := exitTime.UTC().Format("2006-01-02")
	_ = t.sink.UpsertDailyStat(ctx, dateUTC, profit)
	t.broadcaster.OnTradeClose(snapshot)
	return &snapshot, true
}

// Get returns the open record for contractID, if any.
func (t *Tracker) Get(contractID int64) (*Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec, ok := t.records[contractID]
	return rec, ok
}

// OpenContracts returns a snapshot slice of every currently open
// contract id. The engine's "sell every open contract" flows read
// Execution.OpenContractIDs instead.
func (t *Tracker) OpenContracts() []int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	ids := make([]int64, 0, len(t.records))
	for id := range t.records {
		ids = append(ids, id)
	}
	return ids
}

// Count reports the number of currently open trades. The engine enforces
// the at-most-one-open-trade invariant with its own activeTradeID and
// isTrading state, not with this count.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.records)
}
