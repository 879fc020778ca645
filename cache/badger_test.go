package cache

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

func openTest(t *testing.T, dir string) *BadgerStorage {
	t.Helper()
	s, err := Open(dir, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return s
}

func TestBadgerStorageRoundTrip(t *testing.T) {
	s := openTest(t, "")
	defer s.Close()

	convs, err := s.GetConversations()
	require.NoError(t, err)
	assert.Empty(t, convs)

	at := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	require.NoError(t, s.PutConversations([]messenger.Conversation{
		{ID: "c1", UnreadCount: 2, LastMessage: &messenger.Message{ID: "9", SenderID: "u-2", ConversationID: "c1", Content: "hey", CreatedAt: at}},
		{ID: "c2", IsGroup: true, Name: "Team"},
	}))
	require.NoError(t, s.PutMessages("c1", []messenger.Message{
		{ID: "1", SenderID: "u-2", ConversationID: "c1", Content: "a", CreatedAt: at, ReadBy: []string{"u-2"}},
	}))

	convs, err = s.GetConversations()
	require.NoError(t, err)
	require.Len(t, convs, 2)
	assert.Equal(t, 2, convs[0].UnreadCount)
	assert.True(t, at.Equal(convs[0].LastMessage.CreatedAt))
	assert.Equal(t, "Team", convs[1].Name)

	msgs, err := s.GetMessages("c1")
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"u-2"}, msgs[0].ReadBy)

	msgs, err = s.GetMessages("c2")
	require.NoError(t, err)
	assert.Empty(t, msgs)

	ids, err := s.CachedConversations()
	require.NoError(t, err)
	assert.Equal(t, []string{"c1"}, ids)
}

func TestBadgerStoragePersists(t *testing.T) {
	dir := t.TempDir()

	s := openTest(t, dir)
	require.NoError(t, s.PutConversations([]messenger.Conversation{{ID: "c1"}}))
	require.NoError(t, s.Close())

	s = openTest(t, dir)
	defer s.Close()
	convs, err := s.GetConversations()
	require.NoError(t, err)
	require.Len(t, convs, 1)
	assert.Equal(t, "c1", convs[0].ID)
}
