package messenger

import (
	"sync"

	"github.com/samber/lo"
)

// Storage keeps a local snapshot of the conversation list and message logs
// so a new session can render before the first reload completes. Snapshots
// are a cache; the server stays authoritative and every reload overwrites
// them.
type Storage interface {
	PutConversations(convs []Conversation) error
	GetConversations() ([]Conversation, error)
	PutMessages(conversationID string, msgs []Message) error
	GetMessages(conversationID string) ([]Message, error)
	Close() error
}

// MemoryStorage is a goroutine-safe in-memory Storage.
type MemoryStorage struct {
	mu            sync.RWMutex
	conversations []Conversation
	messages      map[string][]Message
}

// NewMemoryStorage creates a new in-memory storage.
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		messages: make(map[string][]Message),
	}
}

func (s *MemoryStorage) PutConversations(convs []Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = lo.Map(convs, func(c Conversation, _ int) Conversation { return *c.Clone() })
	return nil
}

func (s *MemoryStorage) GetConversations() ([]Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.conversations, func(c Conversation, _ int) Conversation { return *c.Clone() }), nil
}

func (s *MemoryStorage) PutMessages(conversationID string, msgs []Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages[conversationID] = lo.Map(msgs, func(m Message, _ int) Message { return *m.Clone() })
	return nil
}

func (s *MemoryStorage) GetMessages(conversationID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(s.messages[conversationID], func(m Message, _ int) Message { return *m.Clone() }), nil
}

func (s *MemoryStorage) Close() error { return nil }

// confirmedMessages returns the server-confirmed entries of a log, the only
// ones worth caching.
func confirmedMessages(log []*Message) []Message {
	return lo.FilterMap(log, func(m *Message, _ int) (Message, bool) {
		if m.Pending() {
			return Message{}, false
		}
		return *m, true
	})
}
