package messenger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(convs ...Conversation) *ConversationStore {
	s := NewConversationStore("me")
	s.Replace(convs)
	return s
}

func TestApplyMessageUnknownConversation(t *testing.T) {
	s := newStore(Conversation{ID: "c1"})

	res := s.ApplyMessage("c9", msg("1", "u-2", "c9", "hi", t0), false, false)
	assert.False(t, res.Known)
	assert.True(t, s.NeedsReload())
	assert.False(t, s.Has("c9"))

	s.Replace([]Conversation{{ID: "c1"}, {ID: "c9"}})
	assert.False(t, s.NeedsReload())
}

func TestApplyMessageCounters(t *testing.T) {
	t.Run("peer message unfocused", func(t *testing.T) {
		s := newStore(Conversation{ID: "c1"})
		res := s.ApplyMessage("c1", msg("1", "u-2", "c1", "hi", t0), false, false)
		assert.Equal(t, ApplyResult{Known: true, Notify: true}, res)
		c, _ := s.Get("c1")
		assert.Equal(t, 1, c.UnreadCount)
	})

	t.Run("panel visible suppresses notification", func(t *testing.T) {
		s := newStore(Conversation{ID: "c1"})
		res := s.ApplyMessage("c1", msg("1", "u-2", "c1", "hi", t0), false, true)
		assert.Equal(t, ApplyResult{Known: true}, res)
		assert.Equal(t, 1, s.TotalUnread())
	})

	t.Run("peer message focused", func(t *testing.T) {
		s := newStore(Conversation{ID: "c1", UnreadCount: 3})
		res := s.ApplyMessage("c1", msg("1", "u-2", "c1", "hi", t0), true, false)
		assert.Equal(t, ApplyResult{Known: true, MarkRead: true}, res)
		assert.Equal(t, 0, s.TotalUnread())
	})

	t.Run("self message", func(t *testing.T) {
		s := newStore(Conversation{ID: "c1", UnreadCount: 2})
		res := s.ApplyMessage("c1", msg("1", "me", "c1", "hi", t0), false, false)
		assert.Equal(t, ApplyResult{Known: true}, res)
		assert.Equal(t, 2, s.TotalUnread())

		res = s.ApplyMessage("c1", msg("2", "me", "c1", "hi", t0), true, false)
		assert.Equal(t, ApplyResult{Known: true}, res)
		assert.Equal(t, 2, s.TotalUnread())
	})
}

func TestApplyMessagePreviewMonotonic(t *testing.T) {
	s := newStore(Conversation{ID: "c1"})

	s.ApplyMessage("c1", msg("2", "u-2", "c1", "newer", t0.Add(time.Minute)), false, false)
	s.ApplyMessage("c1", msg("1", "u-2", "c1", "older", t0), false, false)

	c, _ := s.Get("c1")
	require.NotNil(t, c.LastMessage)
	assert.Equal(t, "newer", c.LastMessage.Content)
	assert.Equal(t, 2, c.UnreadCount)
}

func TestStoreUnreadHelpers(t *testing.T) {
	s := newStore(Conversation{ID: "c1", UnreadCount: 2}, Conversation{ID: "c2", UnreadCount: 3}, Conversation{ID: "c3", UnreadCount: -4})
	assert.Equal(t, 5, s.TotalUnread())

	assert.True(t, s.ClearUnread("c1"))
	assert.False(t, s.ClearUnread("c1"))
	assert.False(t, s.ClearUnread("missing"))

	s.ResetUnread("c2")
	s.ResetUnread("missing")
	assert.Equal(t, 0, s.TotalUnread())
}

func TestStoreListAndUpsert(t *testing.T) {
	s := newStore(Conversation{ID: "c1"}, Conversation{ID: "c2"})
	s.Upsert(Conversation{ID: "c3", Name: "new"})
	s.Upsert(Conversation{ID: "c1", Name: "renamed"})

	list := s.List()
	require.Len(t, list, 3)
	assert.Equal(t, "c1", list[0].ID)
	assert.Equal(t, "renamed", list[0].Name)
	assert.Equal(t, "c3", list[2].ID)

	list[0].Name = "mutated"
	c, ok := s.Get("c1")
	require.True(t, ok)
	assert.Equal(t, "renamed", c.Name)
}

func TestSortByRecency(t *testing.T) {
	list := []Conversation{
		{ID: "empty"},
		{ID: "old", LastMessage: msg("1", "u", "old", "x", t0)},
		{ID: "new", LastMessage: msg("2", "u", "new", "x", t0.Add(time.Hour))},
	}
	SortByRecency(list)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
	assert.Equal(t, "empty", list[2].ID)
}

func TestConversationTitle(t *testing.T) {
	direct := Conversation{ID: "c1", Participants: []Participant{{ID: "me", Name: "Me"}, {ID: "u-2", Name: "Bob"}}}
	assert.Equal(t, "Bob", direct.Title("me"))

	group := Conversation{ID: "c2", IsGroup: true, Name: "Team"}
	assert.Equal(t, "Team", group.Title("me"))

	alone := Conversation{ID: "c3", Participants: []Participant{{ID: "me"}}}
	assert.Equal(t, "c3", alone.Title("me"))
}
