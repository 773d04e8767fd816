package orchestrator

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltrader/internal/service"
	"voltrader/internal/telemetry"
	"voltrader/internal/trade"
)

func testConfig() *service.Config {
	return &service.Config{
		Broker: service.BrokerConfig{
			AppID:  "1089",
			Token:  "test-token",
			WSURL:  "wss://example.invalid/websockets/v3",
			Symbol: "R_100",
		},
		Risk: service.RiskConfig{
			DailyCap:                 8.00,
			TrainDelta:               4.0,
			TrainPauseMinutes:        15,
			CooldownMinutesCrossover: 5,
			KillswitchThreshold:      0.045,
			SessionStartUTCHour:      0,
			SessionEndUTCHour:        24,
			RiskFraction:             0.015,
		},
		Strategy: service.StrategyConfig{
			StakeAmount:          10,
			Multiplier:           100,
			TakeProfitMultiplier: 1,
			StopLossMultiplier:   1,
			TickLimit:            5,
			SqueezeThreshold:     4.0,
			TakeProfitPoints:     15.0,
			StopLossPoints:       5.0,
		},
	}
}

func TestNewWiresEveryComponentWithoutPanicking(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)

	o := New(testConfig(), trade.NopSink{}, trade.NopBroadcaster{}, metrics, zap.NewNop())

	require.NotNil(t, o.engine)
	require.NotNil(t, o.book)
	require.NotNil(t, o.exec)
	require.Equal(t, "R_100", o.symbol)
}

func TestHandleTickFeedsMarketBook(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	o := New(testConfig(), trade.NopSink{}, trade.NopBroadcaster{}, metrics, zap.NewNop())

	o.handleTick([]byte(`{"tick":{"epoch":1700000000,"quote":104.15},"msg_type":"tick"}`))

	require.Eventually(t, func() bool {
		return o.book.CurrentPrice() == 104.15
	}, time.Second, time.Millisecond)
}

func TestHandleOHLCFeedsMarketBook(t *testing.T) {
	reg := prometheus.NewRegistry()
	metrics := telemetry.New(reg)
	o := New(testConfig(), trade.NopSink{}, trade.NopBroadcaster{}, metrics, zap.NewNop())

	o.handleOHLC([]byte(`{"ohlc":{"open_time":1700000000,"granularity":60,"open":"100","high":"101","low":"99","close":"100.5"},"msg_type":"ohlc"}`))
	o.handleOHLC([]byte(`{"ohlc":{"open_time":1700000060,"granularity":60,"open":"100.5","high":"101","low":"99","close":"100.7"},"msg_type":"ohlc"}`))

	require.Eventually(t, func() bool {
		return o.book.Indicators().SMA25 == 0 // not enough closed candles yet, but no panic
	}, time.Second, time.Millisecond)
}
