package correlator

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestConcurrentCallsAndStreamsDoNotCrossWires(t *testing.T) {
	c := New(zap.NewNop())

	streamCh := make(chan json.RawMessage, 2000)
	c.Subscribe("tick", streamCh)

	const n = 1000
	var wg sync.WaitGroup
	results := make([]<-chan Result, n)

	for i := 0; i < n; i++ {
		reqID := c.NextReqID()
		results[i] = c.Register(reqID, time.Second)
		wg.Add(1)
		go func(id int64) {
			defer wg.Done()
			c.Dispatch(Message{ReqID: id, Raw: json.RawMessage(`{"ok":true}`)})
		}(reqID)
	}

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Dispatch(Message{MsgType: "tick", Raw: json.RawMessage(`{"price":1}`)})
		}()
	}

	wg.Wait()

	for _, ch := range results {
		select {
		case res := <-ch:
			require.Nil(t, res.Err)
		case <-time.After(2 * time.Second):
			t.Fatal("call never resolved")
		}
	}

	require.Equal(t, 0, c.PendingCount())

	streamed := 0
	for {
		select {
		case <-streamCh:
			streamed++
		default:
			require.Equal(t, n, streamed)
			return
		}
	}
}

func TestTimeoutFreesSlot(t *testing.T) {
	c := New(zap.NewNop())
	reqID := c.NextReqID()
	ch := c.Register(reqID, 10*time.Millisecond)

	select {
	case res := <-ch:
		require.ErrorContains(t, res.Err, ErrTimeout.Error())
	case <-time.After(time.Second):
		t.Fatal("expected timeout")
	}
	require.Equal(t, 0, c.PendingCount())
}

func TestCancelAllReleasesPendingCallsWithLinkLost(t *testing.T) {
	c := New(zap.NewNop())
	reqID := c.NextReqID()
	ch := c.Register(reqID, time.Minute)

	c.CancelAll()

	select {
	case res := <-ch:
		require.ErrorContains(t, res.Err, ErrLinkLost.Error())
	case <-time.After(time.Second):
		t.Fatal("expected cancellation")
	}
}
