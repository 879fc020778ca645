package messenger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ============================================================================
// Collaborators
// ============================================================================

// Realtime is the connection manager consumed by the engine.
// *RealtimeConn satisfies it.
type Realtime interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, payload any) error
	Disconnect() error
	OnFrame(h func(data []byte))
	OnConnected(h func())
	OnDisconnected(h func(code int, reason string))
	OnReconnecting(h func(attempt int, delay time.Duration))
	Detach()
}

var _ Realtime = (*RealtimeConn)(nil)

// EngineOptions configures the sync engine.
type EngineOptions struct {
	// SelfID is the participant id of the local session.
	SelfID string
	// Scope is passed to the conversation list endpoint.
	Scope string
	// CompanyID is sent with get-or-create requests.
	CompanyID      string
	RequestTimeout time.Duration
	// Storage caches snapshots between sessions. Close closes it.
	Storage Storage
	Metrics *Metrics
	Logger  *slog.Logger
}

func (o *EngineOptions) defaults() {
	if o.RequestTimeout == 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ============================================================================
// Change notifications
// ============================================================================

// ChangeKind classifies engine state changes.
type ChangeKind int

const (
	ChangeConversations ChangeKind = iota + 1
	ChangeMessages
	ChangeConnection
	ChangeSendFailed
)

// Change is delivered to OnChange listeners.
type Change struct {
	Kind           ChangeKind
	ConversationID string
	// ClientID identifies the local message of a ChangeSendFailed.
	ClientID  string
	Connected bool
}

type engineEmitter struct {
	mu       sync.RWMutex
	onChange []func(Change)
	onNotify []func(Conversation, Message)
}

func (em *engineEmitter) emitChange(c Change) {
	em.mu.RLock()
	handlers := em.onChange
	em.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }() // a listener must not take the loop down
			h(c)
		}()
	}
}

func (em *engineEmitter) emitNotify(conv Conversation, msg Message) {
	em.mu.RLock()
	handlers := em.onNotify
	em.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() { recover() }()
			h(conv, msg)
		}()
	}
}

// ============================================================================
// Engine
// ============================================================================

// Engine reconciles the push channel with REST history for every
// conversation of a session.
//
// All state lives on one loop goroutine started by Run. Frames, connection
// signals, REST responses and user actions are queued as events and each
// one runs to completion before the next. Network calls run off the loop
// and post their results back.
type Engine struct {
	engineEmitter

	api     API
	rt      Realtime
	opts    EngineOptions
	log     *slog.Logger
	metrics *Metrics

	merger   *Merger
	store    *ConversationStore
	receipts *ReadReconciler
	focus    FocusPolicy

	panelVisible bool
	connected    bool
	historyGen   map[string]uint64
	reloading    bool
	reloadQueued bool

	events    chan func()
	done      chan struct{}
	stopped   chan struct{}
	stopOnce  sync.Once
	runMu     sync.Mutex
	running   bool
	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	spawn     func(func())
}

// NewEngine wires the sync engine to the REST collaborator and the
// connection manager. The engine takes ownership of rt.
func NewEngine(api API, rt Realtime, opts EngineOptions) *Engine {
	opts.defaults()
	merger := NewMerger()
	store := NewConversationStore(opts.SelfID)
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		api:        api,
		rt:         rt,
		opts:       opts,
		log:        opts.Logger.With("component", "engine"),
		metrics:    opts.Metrics,
		merger:     merger,
		store:      store,
		receipts:   NewReadReconciler(opts.SelfID, merger, store),
		historyGen: make(map[string]uint64),
		events:     make(chan func(), 256),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		spawn:      func(f func()) { go f() },
	}

	rt.OnFrame(func(data []byte) {
		e.post(func() { e.handleFrame(data) })
	})
	rt.OnConnected(func() {
		e.post(e.handleConnected)
	})
	rt.OnDisconnected(func(code int, reason string) {
		e.post(func() { e.handleDisconnected(code, reason) })
	})
	rt.OnReconnecting(func(attempt int, delay time.Duration) {
		e.metrics.Reconnects.Inc()
	})
	return e
}

// OnChange registers a listener for state changes. Listeners run on the
// loop goroutine and must not call blocking engine methods.
func (e *Engine) OnChange(h func(Change)) {
	e.mu.Lock()
	e.onChange = append(e.onChange, h)
	e.mu.Unlock()
}

// OnNotify registers a listener for peer messages that no visible surface
// shows. Same threading rules as OnChange.
func (e *Engine) OnNotify(h func(Conversation, Message)) {
	e.mu.Lock()
	e.onNotify = append(e.onNotify, h)
	e.mu.Unlock()
}

// Run warms the store from local storage, loads the conversation list,
// opens the push channel and processes events until ctx is cancelled or
// Close is called. It may be called once.
func (e *Engine) Run(ctx context.Context) error {
	e.runMu.Lock()
	select {
	case <-e.done:
		e.runMu.Unlock()
		return ErrClosed
	default:
	}
	if e.running {
		e.runMu.Unlock()
		return ErrRunning
	}
	e.running = true
	e.runMu.Unlock()
	defer e.markStopped()

	e.warm()
	e.requestReload()
	e.spawn(func() {
		if err := e.rt.Connect(e.ctx); err != nil {
			e.log.Warn("initial connect failed", "error", err)
		}
	})

	for {
		select {
		case <-ctx.Done():
			e.markStopped()
			e.Close()
			return ctx.Err()
		case <-e.done:
			return nil
		case fn := <-e.events:
			select {
			case <-e.done:
				return nil
			default:
			}
			fn()
		}
	}
}

func (e *Engine) markStopped() {
	e.stopOnce.Do(func() { close(e.stopped) })
}

// Close stops the loop, detaches the connection handlers and then closes
// the channel. It waits for the handler in progress, so no state changes
// and no storage writes happen after Close returns. Listeners must not call
// it.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		close(e.done)
		e.rt.Detach()
		err = e.rt.Disconnect()
		e.cancel()

		e.runMu.Lock()
		running := e.running
		e.runMu.Unlock()
		if running {
			<-e.stopped
		}
		if e.opts.Storage != nil {
			if cerr := e.opts.Storage.Close(); cerr != nil && err == nil {
				err = fmt.Errorf("close storage: %w", cerr)
			}
		}
	})
	return err
}

// post queues fn on the loop. It reports false once the engine is closed.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case e.events <- fn:
		return true
	case <-e.done:
		return false
	}
}

// call runs fn on the loop and waits for it.
func (e *Engine) call(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	if !e.post(func() { fn(); close(ran) }) {
		return ErrClosed
	}
	select {
	case <-ran:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.done:
		return ErrClosed
	}
}

func (e *Engine) requestCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(e.ctx, e.opts.RequestTimeout)
}

// ============================================================================
// User actions
// ============================================================================

// Focus opens a conversation as the room. Entering a conversation reloads
// its history, marks it read on the server and zeroes its counter, in that
// order. The previously focused conversation is demoted first.
func (e *Engine) Focus(ctx context.Context, conversationID string) error {
	return e.call(ctx, func() { e.focusConversation(conversationID) })
}

// Blur closes the room. It never touches the network.
func (e *Engine) Blur(ctx context.Context, conversationID string) error {
	return e.call(ctx, func() { e.focus.Blur(conversationID) })
}

// SetPanelVisible records whether a messenger surface is on screen. It only
// affects notification decisions.
func (e *Engine) SetPanelVisible(ctx context.Context, visible bool) error {
	return e.call(ctx, func() { e.panelVisible = visible })
}

// Send appends an optimistic message and writes it to the push channel.
// Delivery is not guaranteed: if the write fails a ChangeSendFailed is
// emitted and the caller may Resend once the channel is back.
func (e *Engine) Send(ctx context.Context, conversationID, text string) (*Message, error) {
	var (
		out *Message
		err error
	)
	if cerr := e.call(ctx, func() { out, err = e.sendLocal(conversationID, text) }); cerr != nil {
		return nil, cerr
	}
	return out, err
}

// Resend writes a still pending local message to the channel again.
func (e *Engine) Resend(ctx context.Context, conversationID, clientID string) error {
	var err error
	if cerr := e.call(ctx, func() {
		msg := e.merger.pendingByClientID(conversationID, clientID)
		if msg == nil {
			err = fmt.Errorf("no pending message %s in %s", clientID, conversationID)
			return
		}
		e.write(msg)
	}); cerr != nil {
		return cerr
	}
	return err
}

// OpenDirect returns the 1:1 conversation with userID, creating it on the
// server if needed, and adds it to the store.
func (e *Engine) OpenDirect(ctx context.Context, userID string) (Conversation, error) {
	conv, err := e.api.GetOrCreate(ctx, &GetOrCreateOptions{UserID: userID, CompanyID: e.opts.CompanyID})
	if err != nil {
		return Conversation{}, fmt.Errorf("get or create conversation: %w", err)
	}
	if err := e.call(ctx, func() {
		e.store.Upsert(*conv)
		e.emitChange(Change{Kind: ChangeConversations, ConversationID: conv.ID})
	}); err != nil {
		return Conversation{}, err
	}
	return *conv, nil
}

// Conversations returns the conversation list, newest first.
func (e *Engine) Conversations(ctx context.Context) ([]Conversation, error) {
	var list []Conversation
	if err := e.call(ctx, func() { list = e.store.List() }); err != nil {
		return nil, err
	}
	SortByRecency(list)
	return list, nil
}

// Messages returns the current log of a conversation.
func (e *Engine) Messages(ctx context.Context, conversationID string) ([]*Message, error) {
	var msgs []*Message
	if err := e.call(ctx, func() { msgs = e.merger.Messages(conversationID) }); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Focused returns the focused conversation, or "".
func (e *Engine) Focused(ctx context.Context) (string, error) {
	var id string
	if err := e.call(ctx, func() { id = e.focus.Current() }); err != nil {
		return "", err
	}
	return id, nil
}

// ============================================================================
// Loop handlers
// ============================================================================

func (e *Engine) handleFrame(data []byte) {
	frame, err := DecodeFrame(data)
	if err != nil {
		e.metrics.FramesDropped.Inc()
		e.log.Warn("dropping frame", "error", err)
		return
	}
	e.metrics.Frames.WithLabelValues(frame.Kind.String()).Inc()

	switch frame.Kind {
	case FrameMessage:
		e.applyMessage(frame.Message)
	case FrameReadReceipt:
		e.applyReceipt(*frame.Receipt)
	}
}

func (e *Engine) applyMessage(msg *Message) {
	result := e.merger.ApplyInbound(msg)
	e.metrics.Merges.WithLabelValues(result.String()).Inc()
	if result == MergeDuplicate {
		return
	}

	convID := msg.ConversationID
	applied := e.store.ApplyMessage(convID, msg, e.focus.IsFocused(convID), e.panelVisible)
	if !applied.Known {
		e.log.Info("message for unknown conversation, reloading list",
			"conversation", convID, "error", ErrUnknownConversation)
		e.requestReload()
		e.emitChange(Change{Kind: ChangeMessages, ConversationID: convID})
		return
	}
	if applied.MarkRead {
		e.markRead(convID)
	}
	if applied.Notify {
		if conv, ok := e.store.Get(convID); ok {
			e.emitNotify(conv, *msg.Clone())
		}
	}
	e.metrics.Unread.Set(float64(e.store.TotalUnread()))
	e.emitChange(Change{Kind: ChangeMessages, ConversationID: convID})
}

func (e *Engine) applyReceipt(r ReadReceipt) {
	res := e.receipts.Apply(r)
	e.log.Debug("read receipt applied",
		"conversation", r.ConversationID, "reader", r.ReaderID, "marked", res.Marked, "self", res.Self)
	if res.Cleared {
		e.metrics.Unread.Set(float64(e.store.TotalUnread()))
		e.emitChange(Change{Kind: ChangeConversations, ConversationID: r.ConversationID})
	}
	if res.Marked > 0 {
		e.emitChange(Change{Kind: ChangeMessages, ConversationID: r.ConversationID})
	}
}

func (e *Engine) handleConnected() {
	e.connected = true
	e.log.Info("push channel connected")
	e.requestReload()
	if id := e.focus.Current(); id != "" {
		e.loadHistory(id)
	}
	e.emitChange(Change{Kind: ChangeConnection, Connected: true})
}

func (e *Engine) handleDisconnected(code int, reason string) {
	if !e.connected {
		return
	}
	e.connected = false
	e.log.Info("push channel disconnected", "code", code, "reason", reason)
	e.emitChange(Change{Kind: ChangeConnection, Connected: false})
}

func (e *Engine) focusConversation(id string) {
	change := e.focus.Focus(id)
	if change.Demoted != "" {
		e.log.Debug("conversation demoted", "conversation", change.Demoted)
	}
	if !change.Entered {
		return
	}
	e.loadHistory(id)
	e.markRead(id)
	e.store.ResetUnread(id)
	e.metrics.Unread.Set(float64(e.store.TotalUnread()))
	e.emitChange(Change{Kind: ChangeConversations, ConversationID: id})
}

func (e *Engine) sendLocal(conversationID, text string) (*Message, error) {
	if !e.store.Has(conversationID) {
		return nil, fmt.Errorf("send to %s: %w", conversationID, ErrUnknownConversation)
	}
	msg := e.merger.AppendLocal(&Message{
		SenderID:       e.opts.SelfID,
		ConversationID: conversationID,
		Content:        text,
		CreatedAt:      time.Now().UTC(),
	})
	e.store.ApplyMessage(conversationID, msg, e.focus.IsFocused(conversationID), e.panelVisible)
	e.emitChange(Change{Kind: ChangeMessages, ConversationID: conversationID})
	e.write(msg)
	return msg.Clone(), nil
}

func (e *Engine) write(msg *Message) {
	payload := OutboundMessage{Message: msg.Content, ConversationID: msg.ConversationID}
	convID, clientID := msg.ConversationID, msg.ClientID
	e.spawn(func() {
		ctx, cancel := e.requestCtx()
		defer cancel()
		if err := e.rt.Send(ctx, payload); err != nil {
			e.log.Warn("send failed", "conversation", convID, "client_id", clientID, "error", err)
			e.post(func() {
				e.emitChange(Change{Kind: ChangeSendFailed, ConversationID: convID, ClientID: clientID})
			})
		}
	})
}

// ============================================================================
// Network follow-ups
// ============================================================================

// requestReload fetches the conversation list. Only one reload is in flight;
// requests made meanwhile are coalesced into one more reload.
func (e *Engine) requestReload() {
	if e.reloading {
		e.reloadQueued = true
		return
	}
	e.reloading = true
	scope := e.opts.Scope
	e.spawn(func() {
		ctx, cancel := e.requestCtx()
		defer cancel()
		list, err := e.api.ListConversations(ctx, scope)
		e.post(func() { e.onConversations(list, err) })
	})
}

func (e *Engine) onConversations(list []Conversation, err error) {
	e.reloading = false
	if err != nil {
		e.log.Warn("conversation list reload failed", "error", err)
	} else {
		e.store.Replace(list)
		// a server count for the focused room is absorbed like a live
		// message: mark read, then clear
		if id := e.focus.Current(); id != "" {
			if c, ok := e.store.Get(id); ok && c.UnreadCount > 0 {
				e.markRead(id)
				e.store.ClearUnread(id)
			}
		}
		e.metrics.Unread.Set(float64(e.store.TotalUnread()))
		e.persistConversations()
		e.emitChange(Change{Kind: ChangeConversations})
	}
	if e.reloadQueued {
		e.reloadQueued = false
		e.requestReload()
	}
}

// loadHistory fetches the log of a conversation. Each request gets a new
// generation and only the latest generation's response is applied.
func (e *Engine) loadHistory(id string) {
	e.historyGen[id]++
	gen := e.historyGen[id]
	e.spawn(func() {
		ctx, cancel := e.requestCtx()
		defer cancel()
		msgs, err := e.api.History(ctx, id)
		e.post(func() { e.onHistory(id, gen, msgs, err) })
	})
}

func (e *Engine) onHistory(id string, gen uint64, msgs []Message, err error) {
	if gen != e.historyGen[id] {
		e.metrics.HistoryStale.Inc()
		e.log.Debug("discarding stale history", "conversation", id, "generation", gen)
		return
	}
	if err != nil {
		e.log.Warn("history reload failed", "conversation", id, "error", err)
		return
	}
	e.merger.LoadHistory(id, msgs)
	e.persistMessages(id)
	e.emitChange(Change{Kind: ChangeMessages, ConversationID: id})
}

// markRead fires one mark-as-read call. Failures are logged, not retried.
func (e *Engine) markRead(id string) {
	e.spawn(func() {
		ctx, cancel := e.requestCtx()
		defer cancel()
		if err := e.api.MarkRead(ctx, id); err != nil {
			e.metrics.MarkRead.WithLabelValues("error").Inc()
			e.log.Warn("mark-as-read failed", "conversation", id, "error", err)
			return
		}
		e.metrics.MarkRead.WithLabelValues("ok").Inc()
	})
}

// ============================================================================
// Local snapshot
// ============================================================================

func (e *Engine) warm() {
	if e.opts.Storage == nil {
		return
	}
	convs, err := e.opts.Storage.GetConversations()
	if err != nil {
		e.log.Warn("reading cached conversations", "error", err)
		return
	}
	if len(convs) == 0 {
		return
	}
	e.store.Replace(convs)
	for _, c := range convs {
		msgs, err := e.opts.Storage.GetMessages(c.ID)
		if err != nil {
			e.log.Warn("reading cached messages", "conversation", c.ID, "error", err)
			continue
		}
		if len(msgs) > 0 {
			e.merger.LoadHistory(c.ID, msgs)
		}
	}
	e.log.Debug("warmed from storage", "conversations", len(convs))
}

func (e *Engine) persistConversations() {
	if e.opts.Storage == nil {
		return
	}
	if err := e.opts.Storage.PutConversations(e.store.List()); err != nil {
		e.log.Warn("caching conversations", "error", err)
	}
}

func (e *Engine) persistMessages(id string) {
	if e.opts.Storage == nil {
		return
	}
	if err := e.opts.Storage.PutMessages(id, confirmedMessages(e.merger.Messages(id))); err != nil {
		e.log.Warn("caching messages", "conversation", id, "error", err)
	}
}
