// Package cache provides a persistent messenger.Storage backed by BadgerDB.
package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"

	messenger "github.com/groupware-io/messenger-sdk-go"
)

const (
	conversationsKey = "conv:list"
	messagesPrefix   = "msgs:"
)

// BadgerStorage keeps the conversation list under one key and each
// conversation log under "msgs:{conversation_id}".
type BadgerStorage struct {
	db  *badger.DB
	log *slog.Logger
}

var _ messenger.Storage = (*BadgerStorage)(nil)

// Open opens (or creates) the cache in dir. An empty dir opens an in-memory
// database.
func Open(dir string, log *slog.Logger) (*BadgerStorage, error) {
	if log == nil {
		log = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(badgerLogger{log: log.With("component", "cache")})
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	return &BadgerStorage{db: db, log: log}, nil
}

func (s *BadgerStorage) PutConversations(convs []messenger.Conversation) error {
	return s.put([]byte(conversationsKey), convs)
}

func (s *BadgerStorage) GetConversations() ([]messenger.Conversation, error) {
	var convs []messenger.Conversation
	if err := s.get([]byte(conversationsKey), &convs); err != nil {
		return nil, err
	}
	return convs, nil
}

func (s *BadgerStorage) PutMessages(conversationID string, msgs []messenger.Message) error {
	return s.put(messagesKey(conversationID), msgs)
}

func (s *BadgerStorage) GetMessages(conversationID string) ([]messenger.Message, error) {
	var msgs []messenger.Message
	if err := s.get(messagesKey(conversationID), &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// CachedConversations lists the ids that have a cached log.
func (s *BadgerStorage) CachedConversations() ([]string, error) {
	var ids []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(messagesPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return ids, err
}

func (s *BadgerStorage) Close() error {
	return s.db.Close()
}

func messagesKey(conversationID string) []byte {
	return []byte(messagesPrefix + conversationID)
}

func (s *BadgerStorage) put(key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, data)
	})
}

// get decodes key into v. A missing key leaves v untouched.
func (s *BadgerStorage) get(key []byte, v any) error {
	return s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, v)
		})
	})
}

// badgerLogger routes badger's logs into slog.
type badgerLogger struct {
	log *slog.Logger
}

func (l badgerLogger) Errorf(f string, args ...interface{}) {
	l.log.Error(fmt.Sprintf(f, args...))
}

func (l badgerLogger) Warningf(f string, args ...interface{}) {
	l.log.Warn(fmt.Sprintf(f, args...))
}

func (l badgerLogger) Infof(f string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(f, args...))
}

func (l badgerLogger) Debugf(f string, args ...interface{}) {
	l.log.Debug(fmt.Sprintf(f, args...))
}
