package messenger

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// readLimit bounds a single inbound frame. File messages carry descriptors,
// never file bytes, so frames stay small.
const readLimit = 1 << 20

// ============================================================================
// Configuration
// ============================================================================

// TokenSource yields the current session credential. An empty token means
// the session is not authenticated yet.
type TokenSource interface {
	Token() string
}

// StaticToken is a TokenSource that always returns itself.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

// DialFunc opens a channel to url.
type DialFunc func(ctx context.Context, url string) (wsConn, error)

// wsConn abstracts the WebSocket connection so RealtimeConn can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	Ping(ctx context.Context) error
}

// afterFunc runs f after d and returns a function that cancels it.
type afterFunc func(d time.Duration, f func()) (stop func() bool)

func timerAfterFunc(d time.Duration, f func()) func() bool {
	return time.AfterFunc(d, f).Stop
}

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(readLimit)
	return conn, nil
}

// RealtimeConfig configures the connection manager.
type RealtimeConfig struct {
	Tokens TokenSource
	// URL builds the push endpoint for a credential.
	URL func(token string) string
	// ReconnectDelay is the fixed delay before the single reconnect attempt
	// that follows an abnormal closure.
	ReconnectDelay time.Duration
	// MaxReconnectAttempts bounds consecutive reconnects since the last
	// successful open. Negative means unbounded.
	MaxReconnectAttempts int
	DisableReconnect     bool
	HeartbeatInterval    time.Duration
	HeartbeatTimeout     time.Duration
	Dial                 DialFunc
	Logger               *slog.Logger

	afterFunc afterFunc
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectDelay == 0 {
		c.ReconnectDelay = 3 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatTimeout == 0 {
		c.HeartbeatTimeout = 10 * time.Second
	}
	if c.Tokens == nil {
		c.Tokens = StaticToken("")
	}
	if c.URL == nil {
		c.URL = NewClient("").RealtimeURL
	}
	if c.Dial == nil {
		c.Dial = dialWebsocket
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.afterFunc == nil {
		c.afterFunc = timerAfterFunc
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// intentionalClose reports whether a closure code ends the session on purpose.
func intentionalClose(code websocket.StatusCode) bool {
	return code == websocket.StatusNormalClosure || code == websocket.StatusGoingAway
}

// ============================================================================
// Event Dispatcher
// ============================================================================

type eventDispatcher struct {
	mu             sync.RWMutex
	onFrame        []func([]byte)
	onConnected    []func()
	onDisconnected []func(int, string)
	onReconnecting []func(int, time.Duration)
}

// Handlers run while the read lock is held so that removeAll returns only
// after every in-flight delivery has finished.
func (d *eventDispatcher) emitFrame(data []byte) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onFrame {
		h(data)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onConnected {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(code int, reason string) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onDisconnected {
		h(code, reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, h := range d.onReconnecting {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) removeAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onFrame = nil
	d.onConnected = nil
	d.onDisconnected = nil
	d.onReconnecting = nil
}

// ============================================================================
// RealtimeConn
// ============================================================================

// RealtimeConn owns the single live push channel of a session.
//
// Every channel gets a generation number. Detaching a channel bumps the
// generation, and a read loop whose generation is stale never delivers again,
// so two channels can never feed the same handlers.
type RealtimeConn struct {
	config     *RealtimeConfig
	log        *slog.Logger
	dispatcher *eventDispatcher

	mu            sync.Mutex
	state         RealtimeState
	conn          wsConn
	gen           uint64
	cancelFn      context.CancelFunc
	attempts      int
	stopReconnect func() bool
	reconnectSeq  uint64
}

// NewRealtimeConn creates a connection manager. Call Connect to open the channel.
func NewRealtimeConn(config *RealtimeConfig) *RealtimeConn {
	cfg := RealtimeConfig{}
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &RealtimeConn{
		config:     &cfg,
		log:        cfg.Logger.With("component", "realtime"),
		dispatcher: &eventDispatcher{},
		state:      StateDisconnected,
	}
}

// OnFrame registers a handler for raw inbound frames.
func (rc *RealtimeConn) OnFrame(h func(data []byte)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onFrame = append(rc.dispatcher.onFrame, h)
	rc.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected signal.
func (rc *RealtimeConn) OnConnected(h func()) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onConnected = append(rc.dispatcher.onConnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for channel closure.
func (rc *RealtimeConn) OnDisconnected(h func(code int, reason string)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onDisconnected = append(rc.dispatcher.onDisconnected, h)
	rc.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler fired when a reconnect is scheduled.
func (rc *RealtimeConn) OnReconnecting(h func(attempt int, delay time.Duration)) {
	rc.dispatcher.mu.Lock()
	rc.dispatcher.onReconnecting = append(rc.dispatcher.onReconnecting, h)
	rc.dispatcher.mu.Unlock()
}

// Detach removes every registered handler. It returns once no handler is
// running.
func (rc *RealtimeConn) Detach() {
	rc.dispatcher.removeAll()
}

// State returns the current connection state.
func (rc *RealtimeConn) State() RealtimeState {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.state
}

// Connect opens the channel with the current credential. Without a
// credential it does nothing. An existing channel is detached and closed
// before the new one is dialed.
func (rc *RealtimeConn) Connect(ctx context.Context) error {
	return rc.connect(ctx, 0)
}

// connect dials a new channel. A non-zero seq marks a reconnect fired by the
// timer; it is abandoned if Disconnect or Connect ran since the timer fired.
func (rc *RealtimeConn) connect(ctx context.Context, seq uint64) error {
	token := rc.config.Tokens.Token()
	if token == "" {
		rc.log.Debug("connect skipped: no credential")
		return nil
	}

	rc.mu.Lock()
	if seq != 0 && rc.reconnectSeq != seq {
		rc.mu.Unlock()
		rc.log.Debug("reconnect abandoned: cancelled while firing")
		return nil
	}
	rc.cancelReconnectLocked()
	old := rc.detachLocked()
	rc.gen++
	gen := rc.gen
	rc.state = StateConnecting
	rc.mu.Unlock()

	if old != nil {
		rc.log.Debug("closing superseded channel")
		_ = old.Close(websocket.StatusNormalClosure, "superseded")
	}

	conn, err := rc.config.Dial(ctx, rc.config.URL(token))
	if err != nil {
		rc.mu.Lock()
		current := rc.gen == gen
		if current {
			rc.state = StateDisconnected
		}
		rc.mu.Unlock()
		if current {
			rc.log.Warn("dial failed", "error", err)
			rc.dispatcher.emitDisconnected(int(websocket.StatusAbnormalClosure), err.Error())
			rc.scheduleReconnect()
		}
		return fmt.Errorf("websocket dial: %w", err)
	}

	rc.mu.Lock()
	if rc.gen != gen {
		// Disconnected or superseded while dialing.
		rc.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "superseded")
		return nil
	}
	connCtx, cancel := context.WithCancel(context.Background())
	rc.conn = conn
	rc.cancelFn = cancel
	rc.state = StateConnected
	rc.attempts = 0
	rc.mu.Unlock()

	rc.log.Info("connected")
	rc.dispatcher.emitConnected()

	go rc.readLoop(connCtx, conn, gen)
	if rc.config.HeartbeatInterval > 0 {
		go rc.heartbeatLoop(connCtx, conn, gen)
	}
	return nil
}

// Disconnect closes the channel and cancels any scheduled reconnect.
// Calling it again is a no-op.
func (rc *RealtimeConn) Disconnect() error {
	rc.mu.Lock()
	rc.cancelReconnectLocked()
	wasIdle := rc.state == StateDisconnected
	rc.gen++
	conn := rc.detachLocked()
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if conn != nil {
		if err := conn.Close(websocket.StatusNormalClosure, "client disconnect"); err != nil {
			rc.log.Debug("close after disconnect", "error", err)
		}
	}
	if !wasIdle {
		rc.log.Info("disconnected")
		rc.dispatcher.emitDisconnected(int(websocket.StatusNormalClosure), "client disconnect")
	}
	return nil
}

// Send writes payload as a JSON text frame. It is fire-and-forget: without
// an open channel the payload is dropped and ErrNotConnected returned.
func (rc *RealtimeConn) Send(ctx context.Context, payload any) error {
	rc.mu.Lock()
	conn := rc.conn
	gen := rc.gen
	rc.mu.Unlock()

	if conn == nil {
		rc.log.Warn("send dropped: not connected")
		return ErrNotConnected
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		rc.log.Warn("write failed", "error", err)
		rc.teardown(gen, err, true)
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (rc *RealtimeConn) readLoop(ctx context.Context, conn wsConn, gen uint64) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			rc.teardown(gen, err, false)
			return
		}
		rc.mu.Lock()
		current := rc.gen == gen
		rc.mu.Unlock()
		if !current {
			return
		}
		rc.dispatcher.emitFrame(data)
	}
}

func (rc *RealtimeConn) heartbeatLoop(ctx context.Context, conn wsConn, gen uint64) {
	ticker := time.NewTicker(rc.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, rc.config.HeartbeatTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				rc.log.Warn("heartbeat failed", "error", err)
				rc.teardown(gen, err, true)
				return
			}
		}
	}
}

// teardown handles the end of channel gen. Intentional closure codes end the
// session; anything else schedules a reconnect. forceClose closes a channel
// that is still open on our side.
func (rc *RealtimeConn) teardown(gen uint64, cause error, forceClose bool) {
	code := websocket.CloseStatus(cause)

	rc.mu.Lock()
	if rc.gen != gen {
		rc.mu.Unlock()
		return
	}
	rc.gen++
	conn := rc.detachLocked()
	rc.state = StateDisconnected
	rc.mu.Unlock()

	if forceClose && conn != nil {
		go func() { _ = conn.Close(websocket.StatusInternalError, "transport error") }()
	}

	rc.dispatcher.emitDisconnected(int(code), cause.Error())
	if intentionalClose(code) {
		rc.log.Info("channel closed", "code", int(code))
		return
	}
	rc.log.Warn("channel lost", "code", int(code), "error", cause)
	rc.scheduleReconnect()
}

// scheduleReconnect arms exactly one reconnect timer. A timer already
// pending is left alone.
func (rc *RealtimeConn) scheduleReconnect() {
	if rc.config.DisableReconnect {
		return
	}

	rc.mu.Lock()
	if rc.stopReconnect != nil {
		rc.mu.Unlock()
		return
	}
	if rc.config.MaxReconnectAttempts > 0 && rc.attempts >= rc.config.MaxReconnectAttempts {
		rc.mu.Unlock()
		rc.log.Error("reconnect attempts exhausted", "attempts", rc.config.MaxReconnectAttempts)
		return
	}
	rc.attempts++
	attempt := rc.attempts
	rc.reconnectSeq++
	seq := rc.reconnectSeq
	delay := rc.config.ReconnectDelay
	rc.state = StateReconnecting
	rc.stopReconnect = rc.config.afterFunc(delay, func() { rc.fireReconnect(seq) })
	rc.mu.Unlock()

	rc.log.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	rc.dispatcher.emitReconnecting(attempt, delay)
}

func (rc *RealtimeConn) fireReconnect(seq uint64) {
	rc.mu.Lock()
	if rc.reconnectSeq != seq || rc.stopReconnect == nil {
		rc.mu.Unlock()
		return
	}
	rc.stopReconnect = nil
	rc.mu.Unlock()

	if err := rc.connect(context.Background(), seq); err != nil {
		rc.log.Debug("reconnect failed", "error", err)
	}
}

func (rc *RealtimeConn) cancelReconnectLocked() {
	rc.reconnectSeq++
	if rc.stopReconnect != nil {
		rc.stopReconnect()
		rc.stopReconnect = nil
	}
}

func (rc *RealtimeConn) detachLocked() wsConn {
	if rc.cancelFn != nil {
		rc.cancelFn()
		rc.cancelFn = nil
	}
	conn := rc.conn
	rc.conn = nil
	return conn
}
