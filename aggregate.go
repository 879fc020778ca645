package messenger

import (
	"sort"

	"github.com/samber/lo"
)

// ApplyResult tells the caller what follow-up a message requires.
type ApplyResult struct {
	// Known is false when the conversation is absent; the store then asks
	// for a full reload instead of synthesizing an entry.
	Known bool
	// MarkRead asks for one mark-as-read call, issued because the
	// conversation is focused.
	MarkRead bool
	// Notify is set for a peer message that no visible surface shows.
	Notify bool
}

// ConversationStore is the single source of truth for the conversation list,
// its previews and its unread counters. Both the list and the open room read
// from it.
//
// ConversationStore is not safe for concurrent use; the engine loop owns it.
type ConversationStore struct {
	selfID      string
	convs       map[string]*Conversation
	order       []string
	needsReload bool
}

func NewConversationStore(selfID string) *ConversationStore {
	return &ConversationStore{
		selfID: selfID,
		convs:  make(map[string]*Conversation),
	}
}

// List returns copies of all conversations in load order. Ordering by
// recency is up to the caller, see SortByRecency.
func (s *ConversationStore) List() []Conversation {
	return lo.Map(s.order, func(id string, _ int) Conversation { return *s.convs[id].Clone() })
}

// Get returns a copy of one conversation.
func (s *ConversationStore) Get(id string) (Conversation, bool) {
	c, ok := s.convs[id]
	if !ok {
		return Conversation{}, false
	}
	return *c.Clone(), true
}

// Has reports whether the conversation is known.
func (s *ConversationStore) Has(id string) bool {
	_, ok := s.convs[id]
	return ok
}

// Replace swaps the whole list for a freshly loaded one and clears the
// reload flag.
func (s *ConversationStore) Replace(list []Conversation) {
	s.convs = make(map[string]*Conversation, len(list))
	s.order = s.order[:0]
	for i := range list {
		s.put(list[i].Clone())
	}
	s.needsReload = false
}

// Upsert inserts or replaces one conversation, as returned by get-or-create.
func (s *ConversationStore) Upsert(c Conversation) {
	s.put(c.Clone())
}

func (s *ConversationStore) put(c *Conversation) {
	if c.UnreadCount < 0 {
		c.UnreadCount = 0
	}
	if _, ok := s.convs[c.ID]; !ok {
		s.order = append(s.order, c.ID)
	}
	s.convs[c.ID] = c
}

// ApplyMessage folds a live message into the aggregate.
//
// Self-originated messages never change the counter. In the focused
// conversation the counter stays at zero and a mark-as-read call is
// requested. Otherwise the counter grows by one. panelVisible is the
// explicit "a messenger surface is on screen" input used only for the
// notification decision.
func (s *ConversationStore) ApplyMessage(conversationID string, msg *Message, isFocused, panelVisible bool) ApplyResult {
	c, ok := s.convs[conversationID]
	if !ok {
		s.needsReload = true
		return ApplyResult{}
	}

	if c.LastMessage == nil || !msg.CreatedAt.Before(c.LastMessage.CreatedAt) {
		c.LastMessage = msg.Clone()
	}

	res := ApplyResult{Known: true}
	switch {
	case msg.SenderID == s.selfID:
	case isFocused:
		c.UnreadCount = 0
		res.MarkRead = true
	default:
		c.UnreadCount++
		res.Notify = !panelVisible
	}
	return res
}

// ResetUnread optimistically zeroes the counter when a conversation gains
// focus, ahead of the server confirming the mark-as-read call.
func (s *ConversationStore) ResetUnread(conversationID string) {
	if c, ok := s.convs[conversationID]; ok {
		c.UnreadCount = 0
	}
}

// ClearUnread zeroes the counter because this session read the conversation
// elsewhere. It reports whether the counter changed.
func (s *ConversationStore) ClearUnread(conversationID string) bool {
	c, ok := s.convs[conversationID]
	if !ok || c.UnreadCount == 0 {
		return false
	}
	c.UnreadCount = 0
	return true
}

// NeedsReload reports whether a frame referenced an unknown conversation
// since the last Replace.
func (s *ConversationStore) NeedsReload() bool {
	return s.needsReload
}

// TotalUnread sums the unread counters of all conversations.
func (s *ConversationStore) TotalUnread() int {
	return lo.SumBy(lo.Values(s.convs), func(c *Conversation) int { return c.UnreadCount })
}

// SortByRecency orders conversations by the createdAt of their last message,
// newest first. Conversations without messages go last.
func SortByRecency(list []Conversation) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i].LastMessage, list[j].LastMessage
		switch {
		case a == nil:
			return false
		case b == nil:
			return true
		default:
			return a.CreatedAt.After(b.CreatedAt)
		}
	})
}
