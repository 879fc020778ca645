package messenger

import (
	"github.com/google/uuid"
	"github.com/samber/lo"
)

// MergeResult tells what ApplyInbound did with a message.
type MergeResult int

const (
	// MergeAppended means the message was new and appended to the tail.
	MergeAppended MergeResult = iota + 1
	// MergeDuplicate means an entry with the same identity already existed.
	MergeDuplicate
	// MergeReconciled means the message confirmed a pending local send.
	MergeReconciled
)

func (r MergeResult) String() string {
	switch r {
	case MergeAppended:
		return "appended"
	case MergeDuplicate:
		return "duplicate"
	case MergeReconciled:
		return "reconciled"
	default:
		return "unknown"
	}
}

// compositeKey identifies a message that has no server id yet.
type compositeKey struct {
	senderID       string
	conversationID string
	createdAt      int64
	body           string
}

// pendingKey matches a local send with its echo. The echo carries the
// server clock, so createdAt is not part of it.
type pendingKey struct {
	senderID       string
	conversationID string
	body           string
}

func bodyKey(m *Message) string {
	if m.File != nil {
		return m.Content + "\x00" + m.File.URL
	}
	return m.Content
}

func keyOf(m *Message) compositeKey {
	return compositeKey{
		senderID:       m.SenderID,
		conversationID: m.ConversationID,
		createdAt:      m.CreatedAt.UnixNano(),
		body:           bodyKey(m),
	}
}

func pendingKeyOf(m *Message) pendingKey {
	return pendingKey{senderID: m.SenderID, conversationID: m.ConversationID, body: bodyKey(m)}
}

// ensureSenderRead keeps the sender in ReadBy.
func ensureSenderRead(m *Message) {
	if m.SenderID != "" && !lo.Contains(m.ReadBy, m.SenderID) {
		m.ReadBy = append(m.ReadBy, m.SenderID)
	}
}

type messageLog struct {
	messages []*Message
	byID     map[string]*Message
	byKey    map[compositeKey]*Message
}

func newMessageLog() *messageLog {
	return &messageLog{
		byID:  make(map[string]*Message),
		byKey: make(map[compositeKey]*Message),
	}
}

func (l *messageLog) append(m *Message) {
	l.messages = append(l.messages, m)
	if m.ID != "" {
		l.byID[m.ID] = m
	} else {
		l.byKey[keyOf(m)] = m
	}
}

// Merger keeps one ordered message log per conversation and merges live
// frames and history pages into them by identity.
//
// Merger is not safe for concurrent use; the engine loop owns it.
type Merger struct {
	logs    map[string]*messageLog
	pending map[pendingKey][]*Message
}

func NewMerger() *Merger {
	return &Merger{
		logs:    make(map[string]*messageLog),
		pending: make(map[pendingKey][]*Message),
	}
}

func (m *Merger) logFor(conversationID string) *messageLog {
	l, ok := m.logs[conversationID]
	if !ok {
		l = newMessageLog()
		m.logs[conversationID] = l
	}
	return l
}

// ApplyInbound merges a message received from the push channel. Messages
// already present, by server id or by composite key, are discarded. The log
// is never re-sorted.
func (m *Merger) ApplyInbound(msg *Message) MergeResult {
	msg = msg.Clone()
	ensureSenderRead(msg)
	l := m.logFor(msg.ConversationID)

	if msg.ID == "" {
		if _, ok := l.byKey[keyOf(msg)]; ok {
			return MergeDuplicate
		}
		l.append(msg)
		return MergeAppended
	}

	if _, ok := l.byID[msg.ID]; ok {
		return MergeDuplicate
	}
	if local := m.takePending(msg); local != nil {
		m.confirm(l, local, msg)
		return MergeReconciled
	}
	if existing, ok := l.byKey[keyOf(msg)]; ok {
		m.confirm(l, existing, msg)
		return MergeReconciled
	}
	l.append(msg)
	return MergeAppended
}

// AppendLocal appends an optimistic message composed by this session and
// records it in the pending-send table. The stored copy is returned.
func (m *Merger) AppendLocal(msg *Message) *Message {
	msg = msg.Clone()
	msg.ID = ""
	if msg.ClientID == "" {
		msg.ClientID = uuid.NewString()
	}
	ensureSenderRead(msg)
	m.logFor(msg.ConversationID).append(msg)
	k := pendingKeyOf(msg)
	m.pending[k] = append(m.pending[k], msg)
	return msg
}

// LoadHistory replaces the whole log of a conversation with page. Pending
// sends of that conversation are forgotten together with the old log.
func (m *Merger) LoadHistory(conversationID string, page []Message) {
	l := newMessageLog()
	for i := range page {
		msg := page[i].Clone()
		if msg.ConversationID == "" {
			msg.ConversationID = conversationID
		}
		ensureSenderRead(msg)
		if msg.ID != "" {
			if _, dup := l.byID[msg.ID]; dup {
				continue
			}
		} else if _, dup := l.byKey[keyOf(msg)]; dup {
			continue
		}
		l.append(msg)
	}
	m.logs[conversationID] = l

	for k := range m.pending {
		if k.conversationID == conversationID {
			delete(m.pending, k)
		}
	}
}

// Messages returns a copy of the conversation log in order.
func (m *Merger) Messages(conversationID string) []*Message {
	l, ok := m.logs[conversationID]
	if !ok {
		return nil
	}
	return lo.Map(l.messages, func(msg *Message, _ int) *Message { return msg.Clone() })
}

// Len returns the number of entries in the conversation log.
func (m *Merger) Len(conversationID string) int {
	if l, ok := m.logs[conversationID]; ok {
		return len(l.messages)
	}
	return 0
}

// PendingCount returns the number of local sends waiting for their echo.
func (m *Merger) PendingCount() int {
	n := 0
	for _, q := range m.pending {
		n += len(q)
	}
	return n
}

// markReadBy adds readerID to ReadBy of every message of the conversation
// not sent by readerID. It returns how many messages changed.
func (m *Merger) markReadBy(conversationID, readerID string) int {
	l, ok := m.logs[conversationID]
	if !ok {
		return 0
	}
	changed := 0
	for _, msg := range l.messages {
		if msg.SenderID == readerID || lo.Contains(msg.ReadBy, readerID) {
			continue
		}
		msg.ReadBy = append(msg.ReadBy, readerID)
		changed++
	}
	return changed
}

func (m *Merger) takePending(echo *Message) *Message {
	k := pendingKeyOf(echo)
	q := m.pending[k]
	if len(q) == 0 {
		return nil
	}
	local := q[0]
	if len(q) == 1 {
		delete(m.pending, k)
	} else {
		m.pending[k] = q[1:]
	}
	return local
}

func (m *Merger) dropPending(local *Message) {
	k := pendingKeyOf(local)
	q := lo.Reject(m.pending[k], func(p *Message, _ int) bool { return p == local })
	if len(q) == 0 {
		delete(m.pending, k)
		return
	}
	m.pending[k] = q
}

// confirm turns an id-less entry into the canonical server copy in place.
func (m *Merger) confirm(l *messageLog, local, echo *Message) {
	delete(l.byKey, keyOf(local))
	m.dropPending(local)
	local.ID = echo.ID
	if !echo.CreatedAt.IsZero() {
		local.CreatedAt = echo.CreatedAt
	}
	if echo.File != nil {
		local.File = echo.File
	}
	local.ReadBy = lo.Union(local.ReadBy, echo.ReadBy)
	l.byID[local.ID] = local
}

func (m *Merger) pendingByClientID(conversationID, clientID string) *Message {
	for k, q := range m.pending {
		if k.conversationID != conversationID {
			continue
		}
		if msg, ok := lo.Find(q, func(p *Message) bool { return p.ClientID == clientID }); ok {
			return msg
		}
	}
	return nil
}
