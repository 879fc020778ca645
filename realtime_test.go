package messenger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
)

// ============================================================================
// Fakes
// ============================================================================

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type readResult struct {
	data []byte
	err  error
}

type fakeConn struct {
	reads    chan readResult
	closedCh chan struct{}

	mu        sync.Mutex
	written   [][]byte
	closed    bool
	closeCode websocket.StatusCode
	writeErr  error
	pingErr   error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult, 16), closedCh: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) (websocket.MessageType, []byte, error) {
	select {
	case r := <-c.reads:
		return websocket.MessageText, r.data, r.err
	case <-c.closedCh:
		return 0, nil, websocket.CloseError{Code: c.code()}
	case <-ctx.Done():
		return 0, nil, ctx.Err()
	}
}

func (c *fakeConn) Write(ctx context.Context, typ websocket.MessageType, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, append([]byte(nil), p...))
	return nil
}

func (c *fakeConn) Close(code websocket.StatusCode, reason string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.New("already closed")
	}
	c.closed = true
	c.closeCode = code
	close(c.closedCh)
	return nil
}

func (c *fakeConn) Ping(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pingErr
}

func (c *fakeConn) code() websocket.StatusCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode
}

func (c *fakeConn) isClosed() (bool, websocket.StatusCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) writes() [][]byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([][]byte(nil), c.written...)
}

// closeWith makes the next Read fail with a close frame carrying code.
func (c *fakeConn) closeWith(code websocket.StatusCode) {
	c.reads <- readResult{err: websocket.CloseError{Code: code, Reason: "test"}}
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	urls  []string
	err   error
}

func (d *fakeDialer) dial(ctx context.Context, url string) (wsConn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.urls = append(d.urls, url)
	if d.err != nil {
		return nil, d.err
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *fakeDialer) conn(i int) *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.conns[i]
}

type fakeTimer struct {
	d       time.Duration
	f       func()
	stopped bool
	fired   bool
}

// fakeTimers records scheduled reconnects instead of sleeping.
type fakeTimers struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) after(d time.Duration, f func()) func() bool {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	t := &fakeTimer{d: d, f: f}
	ft.timers = append(ft.timers, t)
	return func() bool {
		ft.mu.Lock()
		defer ft.mu.Unlock()
		active := !t.stopped && !t.fired
		t.stopped = true
		return active
	}
}

func (ft *fakeTimers) count() int {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return len(ft.timers)
}

func (ft *fakeTimers) get(i int) *fakeTimer {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return ft.timers[i]
}

// fire runs timer i unless it was stopped.
func (ft *fakeTimers) fire(i int) {
	ft.mu.Lock()
	t := ft.timers[i]
	run := !t.stopped && !t.fired
	t.fired = true
	ft.mu.Unlock()
	if run {
		t.f()
	}
}

type rtEvents struct {
	frames       chan []byte
	connected    chan struct{}
	disconnected chan int
	reconnecting chan int
}

func newTestRealtime(t *testing.T, cfg RealtimeConfig) (*RealtimeConn, *fakeDialer, *fakeTimers, *rtEvents) {
	t.Helper()
	d := &fakeDialer{}
	timers := &fakeTimers{}
	if cfg.Tokens == nil {
		cfg.Tokens = StaticToken("tok")
	}
	cfg.Dial = d.dial
	cfg.Logger = quietLogger()
	cfg.afterFunc = timers.after

	rc := NewRealtimeConn(&cfg)
	ev := &rtEvents{
		frames:       make(chan []byte, 16),
		connected:    make(chan struct{}, 16),
		disconnected: make(chan int, 16),
		reconnecting: make(chan int, 16),
	}
	rc.OnFrame(func(data []byte) { ev.frames <- data })
	rc.OnConnected(func() { ev.connected <- struct{}{} })
	rc.OnDisconnected(func(code int, reason string) { ev.disconnected <- code })
	rc.OnReconnecting(func(attempt int, delay time.Duration) { ev.reconnecting <- attempt })
	t.Cleanup(func() { _ = rc.Disconnect() })
	return rc, d, timers, ev
}

func recv[T any](t *testing.T, ch <-chan T) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero T
		return zero
	}
}

func assertQuiet[T any](t *testing.T, ch <-chan T) {
	t.Helper()
	select {
	case v := <-ch:
		t.Fatalf("unexpected event %v", v)
	case <-time.After(50 * time.Millisecond):
	}
}

// ============================================================================
// Tests
// ============================================================================

func TestRealtimeConnectWithoutToken(t *testing.T) {
	rc, d, _, ev := newTestRealtime(t, RealtimeConfig{Tokens: StaticToken("")})

	require.NoError(t, rc.Connect(context.Background()))
	assert.Equal(t, 0, d.dials())
	assert.Equal(t, StateDisconnected, rc.State())
	assertQuiet(t, ev.connected)
}

func TestRealtimeConnectAndReceive(t *testing.T) {
	rc, d, _, ev := newTestRealtime(t, RealtimeConfig{URL: func(tok string) string { return "ws://test/?token=" + tok }})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	assert.Equal(t, StateConnected, rc.State())
	assert.Equal(t, []string{"ws://test/?token=tok"}, d.urls)

	d.conn(0).reads <- readResult{data: []byte(`{"id":"1"}`)}
	assert.Equal(t, `{"id":"1"}`, string(recv(t, ev.frames)))
}

func TestRealtimeAbnormalCloseSchedulesOneReconnect(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{ReconnectDelay: 3 * time.Second})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)

	d.conn(0).closeWith(websocket.StatusAbnormalClosure)
	assert.Equal(t, int(websocket.StatusAbnormalClosure), recv(t, ev.disconnected))
	assert.Equal(t, 1, recv(t, ev.reconnecting))
	require.Equal(t, 1, timers.count())
	assert.Equal(t, 3*time.Second, timers.get(0).d)
	assert.Equal(t, StateReconnecting, rc.State())

	timers.fire(0)
	recv(t, ev.connected)
	assert.Equal(t, 2, d.dials())
	assert.Equal(t, 1, timers.count())
}

func TestRealtimeDisconnectCancelsPendingReconnect(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	d.conn(0).closeWith(websocket.StatusAbnormalClosure)
	recv(t, ev.reconnecting)

	require.NoError(t, rc.Disconnect())
	assert.True(t, timers.get(0).stopped)

	// even a timer that already fired must not dial
	timers.get(0).f()
	timers.fire(0)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateDisconnected, rc.State())
}

type tokenFunc func() string

func (f tokenFunc) Token() string { return f() }

func TestRealtimeDisconnectWhileReconnectFiring(t *testing.T) {
	var rc *RealtimeConn
	var calls int
	tokens := tokenFunc(func() string {
		calls++
		if calls == 2 {
			// the timer has fired and the reconnect is reading the credential
			_ = rc.Disconnect()
		}
		return "tok"
	})
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{Tokens: tokens})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	d.conn(0).closeWith(websocket.StatusAbnormalClosure)
	recv(t, ev.reconnecting)

	timers.fire(0)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, d.dials())
	assert.Equal(t, StateDisconnected, rc.State())
	assertQuiet(t, ev.connected)
}

func TestRealtimeIntentionalCloseDoesNotReconnect(t *testing.T) {
	for _, code := range []websocket.StatusCode{websocket.StatusNormalClosure, websocket.StatusGoingAway} {
		rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{})

		require.NoError(t, rc.Connect(context.Background()))
		recv(t, ev.connected)
		d.conn(0).closeWith(code)

		assert.Equal(t, int(code), recv(t, ev.disconnected))
		assertQuiet(t, ev.reconnecting)
		assert.Equal(t, 0, timers.count())
		assert.Equal(t, StateDisconnected, rc.State())
	}
}

func TestRealtimeDisconnectIdempotent(t *testing.T) {
	rc, d, _, ev := newTestRealtime(t, RealtimeConfig{})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)

	require.NoError(t, rc.Disconnect())
	assert.Equal(t, int(websocket.StatusNormalClosure), recv(t, ev.disconnected))
	closed, code := d.conn(0).isClosed()
	assert.True(t, closed)
	assert.Equal(t, websocket.StatusNormalClosure, code)

	require.NoError(t, rc.Disconnect())
	assertQuiet(t, ev.disconnected)
}

func TestRealtimeConnectSupersedesChannel(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)

	closed, _ := d.conn(0).isClosed()
	assert.True(t, closed)

	// the old channel never delivers again
	d.conn(0).reads <- readResult{data: []byte(`{"old":true}`)}
	d.conn(1).reads <- readResult{data: []byte(`{"new":true}`)}
	assert.Equal(t, `{"new":true}`, string(recv(t, ev.frames)))
	assertQuiet(t, ev.frames)
	assert.Equal(t, 0, timers.count())
}

func TestRealtimeSend(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{})

	err := rc.Send(context.Background(), OutboundMessage{Message: "x", ConversationID: "c1"})
	assert.ErrorIs(t, err, ErrNotConnected)

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	require.NoError(t, rc.Send(context.Background(), OutboundMessage{Message: "hello", ConversationID: "c1"}))
	writes := d.conn(0).writes()
	require.Len(t, writes, 1)
	assert.JSONEq(t, `{"message":"hello","conversation_id":"c1"}`, string(writes[0]))

	d.conn(0).mu.Lock()
	d.conn(0).writeErr = errors.New("broken pipe")
	d.conn(0).mu.Unlock()

	require.Error(t, rc.Send(context.Background(), OutboundMessage{Message: "lost", ConversationID: "c1"}))
	recv(t, ev.reconnecting)
	assert.Equal(t, 1, timers.count())
}

func TestRealtimeDialFailureBounded(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{MaxReconnectAttempts: 2})
	d.err = errors.New("connection refused")

	require.Error(t, rc.Connect(context.Background()))
	assert.Equal(t, int(websocket.StatusAbnormalClosure), recv(t, ev.disconnected))
	assert.Equal(t, 1, recv(t, ev.reconnecting))

	timers.fire(0)
	assert.Equal(t, 2, recv(t, ev.reconnecting))

	timers.fire(1)
	assertQuiet(t, ev.reconnecting)
	assert.Equal(t, 2, timers.count())
	assert.Equal(t, 3, d.dials())
}

func TestRealtimeDisableReconnect(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{DisableReconnect: true})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	d.conn(0).closeWith(websocket.StatusAbnormalClosure)
	recv(t, ev.disconnected)
	assertQuiet(t, ev.reconnecting)
	assert.Equal(t, 0, timers.count())
}

func TestRealtimeHeartbeatFailure(t *testing.T) {
	rc, d, timers, ev := newTestRealtime(t, RealtimeConfig{HeartbeatInterval: 10 * time.Millisecond})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)

	c := d.conn(0)
	c.mu.Lock()
	c.pingErr = errors.New("pong timeout")
	c.mu.Unlock()

	recv(t, ev.reconnecting)
	assert.Equal(t, 1, timers.count())
	require.Eventually(t, func() bool {
		closed, code := c.isClosed()
		return closed && code == websocket.StatusInternalError
	}, time.Second, 5*time.Millisecond)
}

func TestRealtimeDetach(t *testing.T) {
	rc, d, _, ev := newTestRealtime(t, RealtimeConfig{})

	require.NoError(t, rc.Connect(context.Background()))
	recv(t, ev.connected)
	rc.Detach()

	d.conn(0).reads <- readResult{data: []byte(`{}`)}
	assertQuiet(t, ev.frames)
}

func TestRealtimeWebsocketRoundTrip(t *testing.T) {
	received := make(chan []byte, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("token") != "tok" {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusNormalClosure, "")

		ctx := r.Context()
		if err := c.Write(ctx, websocket.MessageText, []byte(`{"id":"1","sender_id":"u-2","conversation_id":"c1","content":"hi"}`)); err != nil {
			return
		}
		_, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		received <- data
		_, _, _ = c.Read(ctx)
	}))
	defer srv.Close()

	client := NewClient("tok", WithBaseURL(srv.URL), WithLogger(quietLogger()))
	rc := client.Realtime(&RealtimeConfig{DisableReconnect: true})
	frames := make(chan []byte, 1)
	rc.OnFrame(func(data []byte) { frames <- data })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rc.Connect(ctx))
	defer rc.Disconnect()

	f, err := DecodeFrame(recv(t, frames))
	require.NoError(t, err)
	assert.Equal(t, "hi", f.Message.Content)

	require.NoError(t, rc.Send(ctx, OutboundMessage{Message: "hello", ConversationID: "c1"}))
	assert.JSONEq(t, `{"message":"hello","conversation_id":"c1"}`, string(recv(t, received)))
}
