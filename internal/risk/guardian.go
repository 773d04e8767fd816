// Package risk implements every entry guard governing when a new trade
// may open. All guards compose with AND: trading is permitted iff every
// guard permits. The guardian owns no goroutines of its own; it is
// called synchronously from the strategy engine's single event loop, so
// its internal state needs no locking beyond what guards concurrent
// balance/tick updates arriving off that loop (there are none in this
// codebase, but the mutex keeps the type safe to share regardless of
// wiring).
package risk

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"voltrader/internal/service"
)

// Clock is the injectable time seam so tests can drive the killswitch,
// cooldown, and session gate deterministically.
type Clock interface {
	Now() time.Time
}

// SystemClock delegates to time.Now.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Verdict is the outcome of a permission check: Allowed, or not with a
// human-readable Reason for logging and for the trade_closed audit trail.
type Verdict struct {
	Allowed bool
	Reason  string
}

func allow() Verdict  { return Verdict{Allowed: true} }
func deny(r string) Verdict { return Verdict{Allowed: false, Reason: r} }

// DailyStat is the persisted per-day accumulator: at most one row per
// UTC date, updated atomically per trade exit.
type DailyStat struct {
	DateUTC          string
	AccumulatedProfit float64
	TradesTaken      int
	IsCapReached     bool
}

// tickHistory is the train detector's rolling buffer, bounded to 5
// entries.
type tickHistory struct {
	prices []float64
}

func (h *tickHistory) push(p float64) {
	h.prices = append(h.prices, p)
	if len(h.prices) > 5 {
		h.prices = h.prices[len(h.prices)-5:]
	}
}

// lastTwoDeltasExceed reports whether the two most recent price deltas
// both exceed threshold.
func (h *tickHistory) lastTwoDeltasExceed(threshold float64) bool {
	if len(h.prices) < 3 {
		return false
	}
	n := len(h.prices)
	d1 := h.prices[n-1] - h.prices[n-2]
	d2 := h.prices[n-2] - h.prices[n-3]
	return d1 > threshold && d2 > threshold
}

// Guardian is the process-wide singleton owning DailyStat, the train
// detector buffer, and the drawdown killswitch.
type Guardian struct {
	mu sync.Mutex

	cfg    service.RiskConfig
	clock  Clock
	logger *zap.Logger

	daily DailyStat
	hist  tickHistory

	pausedUntil     time.Time
	killswitchUntil time.Time

	startingBalance float64
	highestBalance  float64
}

// New builds a Guardian for the given config. clock defaults to
// SystemClock when nil.
func New(cfg service.RiskConfig, clock Clock, logger *zap.Logger) *Guardian {
	if clock == nil {
		clock = SystemClock{}
	}
	return &Guardian{
		cfg:    cfg,
		clock:  clock,
		logger: logger.With(zap.String("component", "risk_guardian")),
	}
}

// SessionGate implements guard 1: UTC trading-hours window plus the
// weekly maintenance blackout.
func (g *Guardian) SessionGate() Verdict {
	now := g.clock.Now().UTC()
	if service.MaintenanceWindow(now) {
		return deny("maintenance window")
	}
	h := now.Hour()
	if h < g.cfg.SessionStartUTCHour || h >= g.cfg.SessionEndUTCHour {
		return deny("outside trading session")
	}
	return allow()
}

// ensureTodayLocked rolls DailyStat over to a new UTC date, clearing the
// cap flag. Caller must hold g.mu.
func (g *Guardian) ensureTodayLocked() {
	today := g.clock.Now().UTC().Format("2006-01-02")
	if g.daily.DateUTC != today {
		g.daily = DailyStat{DateUTC: today}
	}
}

// CheckDailyCap implements guard 2. While an emergency-brake pause is
// active, every call reports cap reached.
func (g *Guardian) CheckDailyCap() Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureTodayLocked()

	if g.clock.Now().Before(g.pausedUntil) {
		g.daily.IsCapReached = true
		return deny("cap reached: emergency brake pause active")
	}
	if g.daily.AccumulatedProfit >= g.cfg.DailyCap {
		g.daily.IsCapReached = true
		return deny("cap reached: daily profit cap hit")
	}
	return allow()
}

// RecordTradeClosed updates today's DailyStat after a realized trade.
func (g *Guardian) RecordTradeClosed(profit float64) DailyStat {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureTodayLocked()
	g.daily.AccumulatedProfit += profit
	g.daily.TradesTaken++
	if g.daily.AccumulatedProfit >= g.cfg.DailyCap {
		g.daily.IsCapReached = true
	}
	return g.daily
}

// FeedTick implements guard 3, the train detector. It returns true (and
// starts the pause) the first tick that completes two consecutive deltas
// above TrainDelta.
func (g *Guardian) FeedTick(price float64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hist.push(price)
	if !g.hist.lastTwoDeltasExceed(g.cfg.TrainDelta) {
		return false
	}
	pause := time.Duration(g.cfg.TrainPauseMinutes) * time.Minute
	g.pausedUntil = g.clock.Now().Add(pause)
	g.logger.Warn("train detected, emergency brake engaged", zap.Time("paused_until", g.pausedUntil))
	return true
}

// UpdateBalance implements guard 4, the drawdown killswitch. Call on
// every balance_update.
func (g *Guardian) UpdateBalance(balance float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.startingBalance == 0 {
		g.startingBalance = balance
	}
	if balance > g.highestBalance {
		g.highestBalance = balance
	}
	if g.highestBalance <= 0 {
		return
	}
	drawdown := (g.highestBalance - balance) / g.highestBalance
	if drawdown >= g.cfg.KillswitchThreshold && g.clock.Now().After(g.killswitchUntil) {
		g.killswitchUntil = g.clock.Now().Add(24 * time.Hour)
		g.logger.Warn("drawdown killswitch tripped",
			zap.Float64("drawdown", drawdown),
			zap.Time("until", g.killswitchUntil))
	}
}

// Killswitch implements the killswitch half of guard 4 as a permission
// check.
func (g *Guardian) Killswitch() Verdict {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.clock.Now().Before(g.killswitchUntil) {
		return deny("drawdown killswitch active")
	}
	return allow()
}

// PermitEntry composes every AND-gate required before opening a new
// trade: session, daily cap, and killswitch. Risk sizing is computed
// separately via SizePosition since it needs the caller's balance and SL
// distance.
func (g *Guardian) PermitEntry() Verdict {
	if v := g.SessionGate(); !v.Allowed {
		return v
	}
	if v := g.CheckDailyCap(); !v.Allowed {
		return v
	}
	if v := g.Killswitch(); !v.Allowed {
		return v
	}
	return allow()
}

// SizePosition implements guard 5: amount = max(0.10, balance * 0.015 *
// multiplier / sl_distance_points), capping notional risk at RiskFraction.
func (g *Guardian) SizePosition(balance, multiplier, slDistancePoints float64) float64 {
	if slDistancePoints <= 0 {
		return 0.10
	}
	amount := balance * g.cfg.RiskFraction * multiplier / slDistancePoints
	if amount < 0.10 {
		return 0.10
	}
	return amount
}

// DailySnapshot returns a copy of today's DailyStat for reporting.
func (g *Guardian) DailySnapshot() DailyStat {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.ensureTodayLocked()
	return g.daily
}
