package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/Tyrowin/gochat-relay/internal/chat"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// MessageStore is the BadgerDB message log. Both directions of a
// conversation share one key prefix, so a prefix scan returns the whole
// conversation already ordered by timestamp.
type MessageStore struct {
	db    *badger.DB
	log   *zap.Logger
	limit int

	mu   sync.Mutex
	last time.Time
	now  func() time.Time
}

// NewMessageStore returns a store on db. A positive limit caps Range to the
// most recent limit messages.
func NewMessageStore(db *badger.DB, log *zap.Logger, limit int) *MessageStore {
	return &MessageStore{
		db:    db,
		log:   log.Named("storage"),
		limit: limit,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

type diskMessage struct {
	ID       string `json:"id"`
	Sender   string `json:"sender"`
	Receiver string `json:"receiver"`
	Content  string `json:"content"`
	At       int64  `json:"at"`
}

// Append persists msg. The key is "msg:{conversation}:{ts19}:{uuid}":
//  1. the 19-digit zero-padded nanosecond timestamp sorts lexicographically;
//  2. the uuid keeps two messages with the same timestamp apart.
//
// Timestamps are strictly increasing across calls, so the log order is the
// order in which appends were accepted.
func (s *MessageStore) Append(ctx context.Context, msg chat.Message) (chat.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return chat.StoredMessage{}, err
	}

	stored := chat.StoredMessage{
		ID:        uuid.New(),
		Sender:    msg.Sender,
		Receiver:  msg.Receiver,
		Content:   msg.Content,
		Timestamp: s.nextTimestamp(),
	}

	value, err := json.Marshal(fromStoredMessage(stored))
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("marshal message: %w", err)
	}

	key := messageKey(stored)
	if err = s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(key, value)
	}); err != nil {
		return chat.StoredMessage{}, fmt.Errorf("store message: %w", err)
	}

	s.log.Debug("message appended",
		zap.String("id", stored.ID.String()),
		zap.Time("at", stored.Timestamp))
	return stored, nil
}

// Range returns the conversation between a and b in ascending timestamp
// order, trimmed to the most recent messages when a limit is configured.
func (s *MessageStore) Range(ctx context.Context, a, b chat.UserID) ([]chat.StoredMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var values [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := conversationPrefix(a, b)
		options := badger.DefaultIteratorOptions
		options.Prefix = prefix
		options.Reverse = s.limit > 0
		it := txn.NewIterator(options)
		defer it.Close()

		seek := prefix
		if options.Reverse {
			seek = append(append([]byte{}, prefix...), 0xFF)
		}

		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if s.limit > 0 && len(values) == s.limit {
				break
			}
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			values = append(values, value)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("range messages: %w", err)
	}

	messages := make([]chat.StoredMessage, 0, len(values))
	for _, value := range values {
		var disk diskMessage
		if err = json.Unmarshal(value, &disk); err != nil {
			return nil, fmt.Errorf("unmarshal message: %w", err)
		}
		message, err := toStoredMessage(disk)
		if err != nil {
			return nil, err
		}
		messages = append(messages, message)
	}

	if s.limit > 0 {
		lo.Reverse(messages)
	}
	return messages, nil
}

func (s *MessageStore) nextTimestamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.now()
	if !ts.After(s.last) {
		ts = s.last.Add(time.Nanosecond)
	}
	s.last = ts
	return ts
}

// conversationPrefix orders the two ids so both directions share a prefix.
// Each id is length-prefixed, which keeps ids containing ':' unambiguous.
func conversationPrefix(a, b chat.UserID) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(fmt.Sprintf("msg:%d:%s:%d:%s:", len(a), a, len(b), b))
}

func messageKey(m chat.StoredMessage) []byte {
	prefix := conversationPrefix(m.Sender, m.Receiver)
	return append(prefix, []byte(fmt.Sprintf("%019d:%s", m.Timestamp.UnixNano(), m.ID))...)
}

func fromStoredMessage(m chat.StoredMessage) diskMessage {
	return diskMessage{
		ID:       m.ID.String(),
		Sender:   m.Sender.String(),
		Receiver: m.Receiver.String(),
		Content:  m.Content,
		At:       m.Timestamp.UnixNano(),
	}
}

func toStoredMessage(d diskMessage) (chat.StoredMessage, error) {
	id, err := uuid.Parse(d.ID)
	if err != nil {
		return chat.StoredMessage{}, fmt.Errorf("parse message id %q: %w", d.ID, err)
	}
	return chat.StoredMessage{
		ID:        id,
		Sender:    chat.UserID(d.Sender),
		Receiver:  chat.UserID(d.Receiver),
		Content:   d.Content,
		Timestamp: time.Unix(0, d.At).UTC(),
	}, nil
}
