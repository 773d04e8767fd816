package execution

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltrader/internal/correlator"
)

// fakeSender captures every frame sent and lets the test script scripted
// broker replies back through the correlator, mirroring how Link would
// dispatch real inbound frames.
type fakeSender struct {
	corr *correlator.Correlator
	sent []map[string]any
}

func (f *fakeSender) Send(payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	var m map[string]any
	_ = json.Unmarshal(body, &m)
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) reply(reqID int64, raw string) {
	var msg correlator.Message
	_ = json.Unmarshal([]byte(raw), &msg)
	msg.ReqID = reqID
	msg.Raw = json.RawMessage(raw)
	f.corr.Dispatch(msg)
}

func TestOpenPositionTwoPhaseFlow(t *testing.T) {
	corr := correlator.New(zap.NewNop())
	sender := &fakeSender{corr: corr}

	var openedID int64
	var openedPrice, openedSpotPrice float64
	cb := Callbacks{
		OnTradeOpened: func(contractID int64, buyPrice, entrySpotPrice float64, _ time.Time) {
			openedID = contractID
			openedPrice = buyPrice
			openedSpotPrice = entrySpotPrice
		},
	}
	ex := New(corr, sender, zap.NewNop(), "R_100", "USD", cb)

	go func() {
		// Wait for the proposal request to land, then answer both legs.
		require.Eventually(t, func() bool { return len(sender.sent) >= 1 }, time.Second, time.Millisecond)
		reqID := int64(sender.sent[0]["req_id"].(float64))
		sender.reply(reqID, `{"proposal":{"id":"abc123","ask_price":10.0}}`)

		require.Eventually(t, func() bool { return len(sender.sent) >= 2 }, time.Second, time.Millisecond)
		buyReqID := int64(sender.sent[1]["req_id"].(float64))
		sender.reply(buyReqID, `{"buy":{"contract_id":555,"buy_price":10.0,"start_time":1700000000}}`)
	}()

	err := ex.OpenPosition(context.Background(), 10.0, ContractMultUp, 100, 104.1, nil)
	require.NoError(t, err)
	require.Equal(t, int64(555), openedID)
	require.Equal(t, 10.0, openedPrice)
	require.Equal(t, 104.1, openedSpotPrice)
	require.Equal(t, 1, ex.OpenCount())
}

func TestOpenPositionRateLimitInvokesCallback(t *testing.T) {
	corr := correlator.New(zap.NewNop())
	sender := &fakeSender{corr: corr}

	var rateLimited bool
	cb := Callbacks{OnRateLimit: func() { rateLimited = true }}
	ex := New(corr, sender, zap.NewNop(), "R_100", "USD", cb)

	go func() {
		require.Eventually(t, func() bool { return len(sender.sent) >= 1 }, time.Second, time.Millisecond)
		reqID := int64(sender.sent[0]["req_id"].(float64))
		sender.reply(reqID, `{"error":{"code":"RateLimit","message":"too many requests"}}`)
	}()

	err := ex.OpenPosition(context.Background(), 10.0, ContractMultUp, 100, 104.1, nil)
	require.ErrorIs(t, err, ErrRateLimited)
	require.True(t, rateLimited)
}

func TestSellComputesProfitAndClearsOpenContract(t *testing.T) {
	corr := correlator.New(zap.NewNop())
	sender := &fakeSender{corr: corr}

	var closedProfit float64
	cb := Callbacks{OnTradeClosed: func(_ int64, _, profit, _ float64) { closedProfit = profit }}
	ex := New(corr, sender, zap.NewNop(), "R_100", "USD", cb)
	ex.mu.Lock()
	ex.open[555] = OpenContract{BuyPrice: 10.0, StartTime: time.Now()}
	ex.mu.Unlock()

	go func() {
		require.Eventually(t, func() bool { return len(sender.sent) >= 1 }, time.Second, time.Millisecond)
		reqID := int64(sender.sent[0]["req_id"].(float64))
		sender.reply(reqID, `{"sell":{"sold_for":25}}`)
	}()

	err := ex.Sell(context.Background(), 555, "TP_HIT")
	require.NoError(t, err)
	require.Equal(t, 15.0, closedProfit)
	require.Equal(t, 0, ex.OpenCount())
}

func TestHandleContractUpdateIgnoresAlreadyClosed(t *testing.T) {
	corr := correlator.New(zap.NewNop())
	sender := &fakeSender{corr: corr}

	calls := 0
	cb := Callbacks{OnTradeClosed: func(int64, float64, float64, float64) { calls++ }}
	ex := New(corr, sender, zap.NewNop(), "R_100", "USD", cb)
	ex.mu.Lock()
	ex.open[42] = OpenContract{BuyPrice: 100, StartTime: time.Now()}
	ex.mu.Unlock()

	update := []byte(`{"proposal_open_contract":{"contract_id":42,"is_sold":1,"sell_price":110,"buy_price":100,"profit":10}}`)
	ex.HandleContractUpdate(update)
	ex.HandleContractUpdate(update) // second delivery must be a no-op

	require.Equal(t, 1, calls)
}
