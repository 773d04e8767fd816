// Package link maintains the single WebSocket to the broker: dial,
// authorize, heartbeat, and exponential-backoff reconnect. It hands
// every parsed inbound frame to a correlator.Correlator and serializes
// every outbound write through one writer goroutine, since the socket
// is the one truly shared resource in the agent.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"voltrader/internal/correlator"
	"voltrader/internal/telemetry"
)

// ErrInvalidToken causes the process to exit fatally: an invalid token
// never gets retried, since retrying would just guess at a secret.
var ErrInvalidToken = errors.New("link: broker rejected token as invalid")

const heartbeatInterval = 10 * time.Second

// Link owns the transport. Its zero value is not usable; build one with
// New.
type Link struct {
	wsURL string
	appID string
	token string

	corr   *correlator.Correlator
	logger *zap.Logger

	connMu sync.Mutex
	conn   *websocket.Conn
	sendCh chan []byte

	authorized atomic.Bool
	closing    atomic.Bool

	resubMu       sync.Mutex
	resubscribers []func()

	// FatalFunc is called (instead of os.Exit) on an unrecoverable auth
	// failure, letting callers (and tests) control process exit.
	FatalFunc func(error)

	metrics *telemetry.Recorder
}

// SetMetrics attaches a telemetry recorder. A nil recorder (the default)
// disables instrumentation entirely.
func (l *Link) SetMetrics(m *telemetry.Recorder) {
	l.metrics = m
}

// New builds a Link for the given broker app id / token and correlator.
func New(wsURL, appID, token string, corr *correlator.Correlator, logger *zap.Logger) *Link {
	return &Link{
		wsURL:  wsURL,
		appID:  appID,
		token:  token,
		corr:   corr,
		logger: logger.With(zap.String("component", "link")),
		FatalFunc: func(err error) {
			logger.Fatal("link: fatal error", zap.Error(err))
		},
	}
}

// OnResubscribe registers a callback invoked after every successful
// authorize, including reconnects, so subscriptions are always reissued
// once the socket comes back up.
func (l *Link) OnResubscribe(f func()) {
	l.resubMu.Lock()
	defer l.resubMu.Unlock()
	l.resubscribers = append(l.resubscribers, f)
}

// Send implements correlator.Sender. It fails immediately with
// ErrNotConnected if the link is currently down.
func (l *Link) Send(payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	l.connMu.Lock()
	ch := l.sendCh
	l.connMu.Unlock()
	if ch == nil {
		return correlator.ErrNotConnected
	}
	select {
	case ch <- body:
		return nil
	default:
		return fmt.Errorf("link: send buffer full")
	}
}

// IsAuthorized reports whether the current connection has completed the
// authorize handshake.
func (l *Link) IsAuthorized() bool {
	return l.authorized.Load()
}

// Close suppresses reconnect and tears down the current connection.
func (l *Link) Close() {
	l.closing.Store(true)
	l.connMu.Lock()
	conn := l.conn
	l.connMu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Run dials, authorizes, and services the connection until ctx is
// cancelled or Close is called, reconnecting with backoff on transport
// failure.
func (l *Link) Run(ctx context.Context) {
	attempt := 0
	firstDial := true
	for {
		if ctx.Err() != nil || l.closing.Load() {
			return
		}
		attempt++
		sessionID := uuid.NewString()
		sessLogger := l.logger.With(zap.String("session_id", sessionID))

		if !firstDial && l.metrics != nil {
			l.metrics.RecordReconnect()
		}
		firstDial = false

		conn, err := l.dial(ctx)
		if err != nil {
			sessLogger.Error("dial failed, backing off", zap.Error(err), zap.Int("attempt", attempt))
			l.sleep(ctx, backoffDelay(attempt))
			continue
		}

		l.corr.CancelAll()
		l.authorized.Store(false)

		if err := l.authorize(ctx, conn, sessLogger); err != nil {
			if errors.Is(err, ErrInvalidToken) {
				_ = conn.Close()
				l.FatalFunc(err)
				return
			}
			sessLogger.Error("authorize failed, reconnecting", zap.Error(err))
			_ = conn.Close()
			l.sleep(ctx, backoffDelay(attempt))
			continue
		}

		attempt = 0
		l.authorized.Store(true)
		sessLogger.Info("link authorized")
		l.fireResubscribers()

		l.serve(ctx, conn, sessLogger)
		l.corr.CancelAll()
		l.authorized.Store(false)

		if l.closing.Load() || ctx.Err() != nil {
			return
		}
	}
}

func (l *Link) dial(ctx context.Context) (*websocket.Conn, error) {
	u, err := url.Parse(l.wsURL)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	if l.appID != "" {
		q.Set("app_id", l.appID)
	}
	u.RawQuery = q.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	l.connMu.Lock()
	l.conn = conn
	l.sendCh = make(chan []byte, 256)
	l.connMu.Unlock()
	return conn, nil
}

func (l *Link) authorize(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) error {
	reqID := l.corr.NextReqID()
	resultCh := l.corr.Register(reqID, 5*time.Second)

	if err := conn.WriteJSON(map[string]any{"authorize": l.token, "req_id": reqID}); err != nil {
		return err
	}

	// The reader isn't running yet, so pump inbound frames ourselves
	// until the authorize response (or its timeout) resolves.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var msg correlator.Message
			_, raw, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if jsonErr := json.Unmarshal(raw, &msg); jsonErr != nil {
				logger.Warn("dropping malformed frame during authorize", zap.Error(jsonErr))
				continue
			}
			msg.Raw = raw
			l.corr.Dispatch(msg)
			if msg.ReqID == reqID {
				return
			}
		}
	}()

	select {
	case res := <-resultCh:
		<-done
		if res.Err != nil {
			if res.Err.Code == "InvalidToken" {
				return ErrInvalidToken
			}
			return res.Err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// serve runs the reader, writer, and heartbeat goroutines for one live
// connection, returning when any of them observes the connection is
// dead. sourcegraph/conc supervises the set: each goroutine cancels the
// shared context when it exits, and a panic in one is re-raised from
// wg.Wait once all three have stopped.
func (l *Link) serve(ctx context.Context, conn *websocket.Conn, logger *zap.Logger) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg conc.WaitGroup

	wg.Go(func() {
		defer cancel()
		l.readLoop(conn, logger)
	})
	wg.Go(func() {
		defer cancel()
		l.writeLoop(connCtx, conn)
	})
	wg.Go(func() {
		defer cancel()
		l.heartbeatLoop(connCtx)
	})

	wg.Wait()

	l.connMu.Lock()
	l.sendCh = nil
	l.conn = nil
	l.connMu.Unlock()
	_ = conn.Close()
}

func (l *Link) readLoop(conn *websocket.Conn, logger *zap.Logger) {
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			logger.Info("read loop ended", zap.Error(err))
			return
		}
		var msg correlator.Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			logger.Warn("dropping malformed frame", zap.Error(err))
			continue
		}
		msg.Raw = raw
		l.corr.Dispatch(msg)
	}
}

func (l *Link) writeLoop(ctx context.Context, conn *websocket.Conn) {
	l.connMu.Lock()
	ch := l.sendCh
	l.connMu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case body, ok := <-ch:
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
				return
			}
		}
	}
}

// heartbeatLoop never writes to the connection directly: gorilla/websocket
// allows at most one concurrent writer, and writeLoop already owns that
// role. Pings are marshaled and pushed onto sendCh like any other
// outbound frame.
func (l *Link) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reqID := l.corr.NextReqID()
			if err := l.Send(map[string]any{"ping": 1, "req_id": reqID}); err != nil {
				return
			}
			// Pongs are correlated by req_id like any other reply and
			// dropped silently by whoever (nobody) awaits them.
			l.corr.Register(reqID, heartbeatInterval)
		}
	}
}

func (l *Link) fireResubscribers() {
	l.resubMu.Lock()
	subs := append([]func(){}, l.resubscribers...)
	l.resubMu.Unlock()
	for _, f := range subs {
		f()
	}
}

func (l *Link) sleep(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-ctx.Done():
	}
}
