package messenger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func newReceiptFixture(unread int) (*ReadReconciler, *Merger, *ConversationStore) {
	merger := NewMerger()
	store := NewConversationStore("me")
	store.Replace([]Conversation{{ID: "c1", UnreadCount: unread}})
	merger.ApplyInbound(msg("1", "u-2", "c1", "a", t0))
	merger.ApplyInbound(msg("2", "me", "c1", "b", t0))
	return NewReadReconciler("me", merger, store), merger, store
}

func TestReceiptFromSelfClearsUnread(t *testing.T) {
	r, merger, store := newReceiptFixture(2)

	res := r.Apply(ReadReceipt{ConversationID: "c1", ReaderID: "me"})
	assert.True(t, res.Self)
	assert.True(t, res.Cleared)
	assert.Equal(t, 1, res.Marked)

	c, _ := store.Get("c1")
	assert.Equal(t, 0, c.UnreadCount)
	assert.Contains(t, merger.Messages("c1")[0].ReadBy, "me")
}

func TestReceiptFromPeerKeepsUnread(t *testing.T) {
	r, merger, store := newReceiptFixture(2)

	res := r.Apply(ReadReceipt{ConversationID: "c1", ReaderID: "u-2"})
	assert.False(t, res.Self)
	assert.False(t, res.Cleared)
	assert.Equal(t, 1, res.Marked)

	c, _ := store.Get("c1")
	assert.Equal(t, 2, c.UnreadCount)
	got := merger.Messages("c1")
	assert.Equal(t, []string{"u-2"}, got[0].ReadBy)
	assert.ElementsMatch(t, []string{"me", "u-2"}, got[1].ReadBy)
}

func TestReceiptIdempotent(t *testing.T) {
	r, _, _ := newReceiptFixture(2)
	r.Apply(ReadReceipt{ConversationID: "c1", ReaderID: "me"})

	res := r.Apply(ReadReceipt{ConversationID: "c1", ReaderID: "me"})
	assert.Equal(t, 0, res.Marked)
	assert.False(t, res.Cleared)
}

func TestReceiptUnknownConversation(t *testing.T) {
	r, _, store := newReceiptFixture(2)

	res := r.Apply(ReadReceipt{ConversationID: "nope", ReaderID: "me"})
	assert.Equal(t, ReceiptResult{Self: true}, res)
	assert.Equal(t, 2, store.TotalUnread())
}
