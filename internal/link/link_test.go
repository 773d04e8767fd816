package link

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"voltrader/internal/correlator"
)

var upgrader = websocket.Upgrader{}

// authServer answers every {authorize: ...} request; a token equal to
// "bad-token" gets InvalidToken, anything else succeeds.
func authServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			reqID := req["req_id"]
			if tok, ok := req["authorize"].(string); ok {
				if tok == "bad-token" {
					_ = conn.WriteJSON(map[string]any{
						"req_id": reqID,
						"error":  map[string]string{"code": "InvalidToken", "message": "nope"},
					})
					continue
				}
				_ = conn.WriteJSON(map[string]any{"req_id": reqID, "authorize": map[string]any{"loginid": "CR1"}})
				continue
			}
			if _, ok := req["ping"]; ok {
				_ = conn.WriteJSON(map[string]any{"req_id": reqID, "pong": 1})
			}
		}
	}))
}

func wsURL(httpURL string) string {
	u, _ := url.Parse(httpURL)
	u.Scheme = "ws"
	return u.String()
}

func TestLinkAuthorizesAndFiresResubscribers(t *testing.T) {
	srv := authServer(t)
	defer srv.Close()

	corr := correlator.New(zap.NewNop())
	l := New(wsURL(srv.URL), "1089", "good-token", corr, zap.NewNop())

	var resubscribed atomic.Int32
	l.OnResubscribe(func() { resubscribed.Add(1) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool {
		return l.IsAuthorized()
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		return resubscribed.Load() == 1
	}, time.Second, 10*time.Millisecond)

	l.Close()
}

func TestLinkInvalidTokenIsFatal(t *testing.T) {
	srv := authServer(t)
	defer srv.Close()

	corr := correlator.New(zap.NewNop())
	l := New(wsURL(srv.URL), "1089", "bad-token", corr, zap.NewNop())

	var fatalErr atomic.Value
	done := make(chan struct{})
	l.FatalFunc = func(err error) {
		fatalErr.Store(err)
		close(done)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("expected FatalFunc to be invoked")
	}
	require.True(t, strings.Contains(fatalErr.Load().(error).Error(), "InvalidToken") ||
		fatalErr.Load().(error) == ErrInvalidToken)
}

func TestLinkSendFailsWhenNotConnected(t *testing.T) {
	corr := correlator.New(zap.NewNop())
	l := New("ws://127.0.0.1:1/does-not-matter", "1089", "good-token", corr, zap.NewNop())

	err := l.Send(map[string]any{"ping": 1})
	require.ErrorIs(t, err, correlator.ErrNotConnected)
}

func TestLinkSendMarshalsAndDelivers(t *testing.T) {
	received := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()
		for {
			var req map[string]any
			if err := conn.ReadJSON(&req); err != nil {
				return
			}
			if _, ok := req["authorize"]; ok {
				_ = conn.WriteJSON(map[string]any{"req_id": req["req_id"], "authorize": map[string]any{"loginid": "CR1"}})
				continue
			}
			select {
			case received <- req:
			default:
			}
		}
	}))
	defer srv.Close()

	corr := correlator.New(zap.NewNop())
	l := New(wsURL(srv.URL), "1089", "good-token", corr, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go l.Run(ctx)

	require.Eventually(t, func() bool { return l.IsAuthorized() }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, l.Send(map[string]any{"subscribe": "ticks"}))

	select {
	case req := <-received:
		b, _ := json.Marshal(req)
		require.Contains(t, string(b), "ticks")
	case <-time.After(time.Second):
		t.Fatal("expected server to receive the subscribe frame")
	}

	l.Close()
}
