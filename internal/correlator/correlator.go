// Package correlator turns a single duplexed WebSocket into promise-shaped
// RPCs. Every outbound payload is tagged with a monotonically increasing
// req_id; a pending-call table resolves inbound frames that carry a
// matching id, and everything else is dispatched by msg_type to
// registered stream handlers.
package correlator

import (
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Sentinel errors a PendingCall can resolve with. These cross the
// Correlator/caller boundary as ordinary error values, never panics, so
// every event handler downstream stays total.
var (
	ErrTimeout      = errors.New("correlator: request timed out")
	ErrLinkLost     = errors.New("correlator: link lost, pending call cancelled")
	ErrNotConnected = errors.New("correlator: not connected")
)

// Message is the minimal envelope every broker frame is decoded into
// before dispatch. Concrete payloads are re-decoded from Raw by callers
// once the msg_type is known, avoiding a giant sum-typed struct.
type Message struct {
	ReqID   int64           `json:"req_id,omitempty"`
	MsgType string          `json:"msg_type,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
	Raw     json.RawMessage `json:"-"`
}

// WireError is the broker's {code,message} error envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *WireError) Error() string {
	if e == nil {
		return ""
	}
	return e.Code + ": " + e.Message
}

// Result is what a PendingCall resolves with: either a successful raw
// payload or a broker-reported application error. The caller decides
// how to interpret an application-level error.
type Result struct {
	Raw json.RawMessage
	Err *WireError
}

type pendingCall struct {
	resolve chan Result
	timer   *time.Timer
}

// Sender abstracts the transport write side so Correlator does not need
// to know about websockets directly.
type Sender interface {
	Send(payload any) error
}

// Correlator owns the pending-call table and the stream dispatch table.
type Correlator struct {
	mu      sync.Mutex
	pending map[int64]*pendingCall
	nextID  atomic.Int64

	streamMu sync.RWMutex
	streams  map[string][]chan<- json.RawMessage

	logger *zap.Logger
}

// New builds a Correlator with empty pending-call and stream dispatch
// tables; stream kinds and their channels are added via Subscribe.
func New(logger *zap.Logger) *Correlator {
	return &Correlator{
		pending: make(map[int64]*pendingCall),
		streams: make(map[string][]chan<- json.RawMessage),
		logger:  logger.With(zap.String("component", "correlator")),
	}
}

// NextReqID allocates the next monotonically increasing request id.
func (c *Correlator) NextReqID() int64 {
	return c.nextID.Add(1)
}

// Register enrolls a req_id with a fresh pending call and a deadline
// timer; deadline defaults to 5s.
func (c *Correlator) Register(reqID int64, deadline time.Duration) <-chan Result {
	if deadline <= 0 {
		deadline = 5 * time.Second
	}
	ch := make(chan Result, 1)
	pc := &pendingCall{resolve: ch}
	pc.timer = time.AfterFunc(deadline, func() {
		c.resolve(reqID, Result{}, ErrTimeout)
	})

	c.mu.Lock()
	c.pending[reqID] = pc
	c.mu.Unlock()
	return ch
}

// Dispatch routes one decoded inbound message: resolves a matching
// pending call, or fans it out to stream subscribers by msg_type.
func (c *Correlator) Dispatch(msg Message) {
	if msg.ReqID != 0 && c.resolve(msg.ReqID, Result{Raw: msg.Raw, Err: msg.Error}, nil) {
		return
	}
	if msg.MsgType == "" {
		return
	}
	c.streamMu.RLock()
	subs := c.streams[msg.MsgType]
	c.streamMu.RUnlock()
	for _, ch := range subs {
		select {
		case ch <- msg.Raw:
		default:
			c.logger.Warn("stream subscriber channel full, dropping message", zap.String("msg_type", msg.MsgType))
		}
	}
}

// resolve delivers a result (or forced error) to a pending call exactly
// once and frees its slot. It reports whether a pending call matched.
func (c *Correlator) resolve(reqID int64, res Result, forcedErr error) bool {
	c.mu.Lock()
	pc, ok := c.pending[reqID]
	if ok {
		delete(c.pending, reqID)
	}
	c.mu.Unlock()
	if !ok {
		return false
	}
	pc.timer.Stop()
	if forcedErr != nil {
		res = Result{Err: &WireError{Code: forcedErr.Error(), Message: forcedErr.Error()}}
	}
	select {
	case pc.resolve <- res:
	default:
	}
	return true
}

// CancelAll fails every outstanding pending call with ErrLinkLost. Called
// on reconnect, since a reconnect implicitly cancels every call that was
// still waiting on the old socket.
func (c *Correlator) CancelAll() {
	c.mu.Lock()
	pending := c.pending
	c.pending = make(map[int64]*pendingCall)
	c.mu.Unlock()

	for id, pc := range pending {
		pc.timer.Stop()
		select {
		case pc.resolve <- Result{Err: &WireError{Code: ErrLinkLost.Error(), Message: ErrLinkLost.Error()}}:
		default:
		}
		_ = id
	}
}

// Subscribe registers ch to receive every future stream message of the
// given msg_type. It may be called at any time; in this codebase's
// wiring the market-data streams are subscribed when the orchestrator is
// built and the balance stream on the first authorize.
func (c *Correlator) Subscribe(msgType string, ch chan<- json.RawMessage) {
	c.streamMu.Lock()
	defer c.streamMu.Unlock()
	c.streams[msgType] = append(c.streams[msgType], ch)
}

// PendingCount reports the number of in-flight pending calls, used in
// tests to assert the correlator drains its table.
func (c *Correlator) PendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}
