package messenger

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/samber/lo"
)

// ============================================================================
// Errors
// ============================================================================

var (
	// ErrNotConnected is returned by Send when no channel is open.
	ErrNotConnected = errors.New("messenger: not connected")
	// ErrDecode wraps every inbound frame that cannot be decoded.
	ErrDecode = errors.New("messenger: malformed frame")
	// ErrUnknownConversation marks a frame for a conversation absent from the store.
	ErrUnknownConversation = errors.New("messenger: unknown conversation")
	// ErrClosed is returned by engine calls after Close.
	ErrClosed = errors.New("messenger: engine closed")
	// ErrRunning is returned by a second Run.
	ErrRunning = errors.New("messenger: engine already running")
)

// APIError represents a non-2xx response from the messenger REST API.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"detail"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("HTTP %d %s: %s", e.Status, e.Code, e.Message)
}

// ============================================================================
// Domain Types
// ============================================================================

// Participant is a member of a conversation.
type Participant struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Avatar string `json:"avatar,omitempty"`
}

// FileDescriptor is the structured body of a file message.
type FileDescriptor struct {
	URL      string `json:"url"`
	Name     string `json:"name"`
	Size     int64  `json:"size,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
}

// Message is one entry of a conversation log.
//
// ID stays empty until the server confirms the message. ClientID is only set
// on messages composed by this session.
type Message struct {
	ID             string          `json:"id,omitempty"`
	ClientID       string          `json:"-"`
	SenderID       string          `json:"sender_id" validate:"required"`
	ConversationID string          `json:"conversation_id" validate:"required"`
	Content        string          `json:"content"`
	File           *FileDescriptor `json:"file,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	ReadBy         []string        `json:"read_by"`
}

// Pending reports whether the message still waits for its server id.
func (m *Message) Pending() bool { return m.ID == "" }

// Body returns the textual body, or the file name for file messages.
func (m *Message) Body() string {
	if m.File != nil && m.Content == "" {
		return m.File.Name
	}
	return m.Content
}

// Clone returns a deep copy safe to hand out of the engine loop.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	c.ReadBy = append([]string(nil), m.ReadBy...)
	if m.File != nil {
		f := *m.File
		c.File = &f
	}
	return &c
}

// Conversation is a chat thread as seen by the conversation list.
type Conversation struct {
	ID           string        `json:"id"`
	IsGroup      bool          `json:"is_group"`
	Name         string        `json:"name,omitempty"`
	Participants []Participant `json:"participants"`
	LastMessage  *Message      `json:"last_message,omitempty"`
	UnreadCount  int           `json:"unread_count"`
}

// Title returns the group name, or the first participant other than self.
func (c *Conversation) Title(selfID string) string {
	if c.IsGroup || c.Name != "" {
		return c.Name
	}
	for _, p := range c.Participants {
		if p.ID != selfID {
			return p.Name
		}
	}
	return c.ID
}

// Clone returns a deep copy.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.Participants = append([]Participant(nil), c.Participants...)
	out.LastMessage = c.LastMessage.Clone()
	return &out
}

// ReadReceipt asserts that ReaderID has read ConversationID. It is applied,
// never stored.
type ReadReceipt struct {
	ConversationID string    `json:"conversation_id" validate:"required"`
	ReaderID       string    `json:"reader_id" validate:"required"`
	Timestamp      time.Time `json:"timestamp"`
}

// ============================================================================
// Identifiers
// ============================================================================

// flexID decodes an identifier sent either as a JSON string or as a number.
// Servers backed by integer primary keys send the latter.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or a number: %w", err)
	}
	*f = flexID(n.String())
	return nil
}

func flexIDs(ids []flexID) []string {
	if ids == nil {
		return nil
	}
	return lo.Map(ids, func(id flexID, _ int) string { return string(id) })
}

func (p *Participant) UnmarshalJSON(data []byte) error {
	type plain Participant
	aux := struct {
		*plain
		ID flexID `json:"id"`
	}{plain: (*plain)(p)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.ID = string(aux.ID)
	return nil
}

func (m *Message) UnmarshalJSON(data []byte) error {
	type plain Message
	aux := struct {
		*plain
		ID             flexID   `json:"id"`
		SenderID       flexID   `json:"sender_id"`
		ConversationID flexID   `json:"conversation_id"`
		ReadBy         []flexID `json:"read_by"`
	}{plain: (*plain)(m)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	m.ID = string(aux.ID)
	m.SenderID = string(aux.SenderID)
	m.ConversationID = string(aux.ConversationID)
	m.ReadBy = flexIDs(aux.ReadBy)
	return nil
}

func (c *Conversation) UnmarshalJSON(data []byte) error {
	type plain Conversation
	aux := struct {
		*plain
		ID flexID `json:"id"`
	}{plain: (*plain)(c)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	c.ID = string(aux.ID)
	return nil
}

func (r *ReadReceipt) UnmarshalJSON(data []byte) error {
	type plain ReadReceipt
	aux := struct {
		*plain
		ConversationID flexID `json:"conversation_id"`
		ReaderID       flexID `json:"reader_id"`
	}{plain: (*plain)(r)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	r.ConversationID = string(aux.ConversationID)
	r.ReaderID = string(aux.ReaderID)
	return nil
}

// ============================================================================
// Request Types
// ============================================================================

// GetOrCreateOptions identifies the peer of a 1:1 conversation.
type GetOrCreateOptions struct {
	UserID    string `json:"user_id"`
	CompanyID string `json:"company_id,omitempty"`
}

type markReadRequest struct {
	ConversationID string `json:"conversation_id"`
}

// pageEnvelope accepts both a bare JSON array and a paginated {"results": [...]} body.
type pageEnvelope[T any] struct {
	items []T
}

func (p *pageEnvelope[T]) UnmarshalJSON(data []byte) error {
	if err := json.Unmarshal(data, &p.items); err == nil {
		return nil
	}
	var paged struct {
		Results []T `json:"results"`
	}
	if err := json.Unmarshal(data, &paged); err != nil {
		return err
	}
	p.items = paged.Results
	return nil
}
