// Package store is the durable per-device cache of conversations and
// messages. Three logical indices are load-bearing: message by id,
// (conversation, timestamp) for ordered range reads, and origin-event id for
// O(1) dedup lookups.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"

	"github.com/cockroachdb/pebble"
	"go.uber.org/zap"

	"relaychat/internal/domain"
	relayerrors "relaychat/pkg/errors"
	"relaychat/pkg/logger"
)

// Store wraps a Pebble database. All mutations are synchronous with respect
// to the caller; no partial writes are visible.
type Store struct {
	db  *pebble.DB
	log *logger.Logger
}

// Open opens (or creates) the database at path.
func Open(path string, log *logger.Logger) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		log.Error("pebble_open_failed", zap.String("path", path), zap.Error(err))
		return nil, err
	}
	log.Info("store_opened", zap.String("path", path))
	return &Store{db: db, log: log}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// UpsertMessage writes a message, idempotent on message id. Secondary
// indices are maintained, including re-indexing when the timestamp moved
// (an optimistic send confirmed with the relay-assigned time).
func (s *Store) UpsertMessage(msg domain.Message) error {
	if msg.ID == "" || msg.ConversationID == "" {
		return relayerrors.ErrInvalidInput
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	batch := s.db.NewBatch()
	// The stale timeline row is dropped in the same batch as the new one so
	// a crash cannot leave the message missing from the index.
	if prev, err := s.Message(msg.ID); err == nil && prev.Timestamp != msg.Timestamp {
		if err := batch.Delete(timelineKey(prev.ConversationID, prev.Timestamp, prev.ID), nil); err != nil {
			return err
		}
	}
	if err := batch.Set(messageKey(msg.ID), data, nil); err != nil {
		return err
	}
	if err := batch.Set(timelineKey(msg.ConversationID, msg.Timestamp, msg.ID), []byte(msg.ID), nil); err != nil {
		return err
	}
	if msg.OriginEventID != "" {
		if err := batch.Set(originKey(msg.OriginEventID), []byte(msg.ID), nil); err != nil {
			return err
		}
	}
	return batch.Commit(pebble.Sync)
}

// Message loads one message by id.
func (s *Store) Message(id string) (domain.Message, error) {
	var msg domain.Message
	if err := s.getJSON(messageKey(id), &msg); err != nil {
		return domain.Message{}, err
	}
	return msg, nil
}

// FindByOriginEvent resolves an origin-event id to a local message id. This
// is the sole gate needed before constructing a new message from an inbound
// event.
func (s *Store) FindByOriginEvent(eventID string) (string, bool, error) {
	val, closer, err := s.db.Get(originKey(eventID))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	id := string(val)
	_ = closer.Close()
	return id, true, nil
}

// IndexOrigin records an origin-event id against a message without touching
// the message row. Used for reaction events so their replays dedup too.
func (s *Store) IndexOrigin(eventID, messageID string) error {
	return s.db.Set(originKey(eventID), []byte(messageID), pebble.Sync)
}

// MessagesByConversation returns up to limit messages older than beforeTS
// (exclusive; beforeTS <= 0 means newest), sorted ascending by timestamp so
// out-of-order backfill still materializes a timestamp-ordered timeline.
func (s *Store) MessagesByConversation(convID string, beforeTS int64, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 50
	}
	lower := []byte(timelinePrefix(convID))
	var upper []byte
	if beforeTS > 0 {
		upper = []byte(timelinePrefix(convID) + padTimestamp(beforeTS))
	} else {
		upper = []byte(timelinePrefix(convID) + "\xff")
	}
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lower, UpperBound: upper})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	ids := make([]string, 0, limit)
	for ok := iter.Last(); ok && len(ids) < limit; ok = iter.Prev() {
		ids = append(ids, string(iter.Value()))
	}
	msgs := make([]domain.Message, 0, len(ids))
	for _, id := range ids {
		msg, err := s.Message(id)
		if err != nil {
			continue
		}
		msgs = append(msgs, msg)
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Timestamp != msgs[j].Timestamp {
			return msgs[i].Timestamp < msgs[j].Timestamp
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs, nil
}

// UpsertConversation writes a conversation keyed by id.
func (s *Store) UpsertConversation(conv domain.Conversation) error {
	if conv.ID == "" {
		return relayerrors.ErrInvalidInput
	}
	if conv.UnreadCount < 0 {
		conv.UnreadCount = 0
	}
	data, err := json.Marshal(conv)
	if err != nil {
		return fmt.Errorf("marshal conversation: %w", err)
	}
	return s.db.Set(conversationKey(conv.ID), data, pebble.Sync)
}

// Conversation loads one conversation.
func (s *Store) Conversation(id string) (domain.Conversation, bool, error) {
	var conv domain.Conversation
	err := s.getJSON(conversationKey(id), &conv)
	if errors.Is(err, relayerrors.ErrNotFound) {
		return domain.Conversation{}, false, nil
	}
	if err != nil {
		return domain.Conversation{}, false, err
	}
	return conv, true, nil
}

// Conversations lists all conversations, pinned first, then by recency of
// the last-message summary.
func (s *Store) Conversations() ([]domain.Conversation, error) {
	iter, err := s.db.NewIter(prefixBounds(convPrefix))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var convs []domain.Conversation
	for ok := iter.First(); ok; ok = iter.Next() {
		var conv domain.Conversation
		if err := json.Unmarshal(iter.Value(), &conv); err != nil {
			s.log.Warn("conversation_decode_failed", zap.ByteString("key", iter.Key()), zap.Error(err))
			continue
		}
		convs = append(convs, conv)
	}
	sort.Slice(convs, func(i, j int) bool {
		if convs[i].Pinned != convs[j].Pinned {
			return convs[i].Pinned
		}
		return lastActivity(convs[i]) > lastActivity(convs[j])
	})
	return convs, nil
}

// DeleteConversation removes the conversation and all of its messages and
// index rows, and records a tombstone so stale relay replies cannot
// resurrect it.
func (s *Store) DeleteConversation(convID string, deletedAt int64) error {
	iter, err := s.db.NewIter(prefixBounds(timelinePrefix(convID)))
	if err != nil {
		return err
	}
	batch := s.db.NewBatch()
	for ok := iter.First(); ok; ok = iter.Next() {
		msgID := string(iter.Value())
		if msg, err := s.Message(msgID); err == nil && msg.OriginEventID != "" {
			_ = batch.Delete(originKey(msg.OriginEventID), nil)
		}
		_ = batch.Delete(messageKey(msgID), nil)
		if err := batch.Delete(append([]byte{}, iter.Key()...), nil); err != nil {
			_ = iter.Close()
			return err
		}
	}
	if err := iter.Close(); err != nil {
		return err
	}
	_ = batch.Delete(conversationKey(convID), nil)
	if err := batch.Set(tombstoneKey(convID), []byte(strconv.FormatInt(deletedAt, 10)), nil); err != nil {
		return err
	}
	if err := batch.Commit(pebble.Sync); err != nil {
		return err
	}
	s.log.Info("conversation_deleted", zap.String("conversation", convID))
	return nil
}

// Tombstone returns the deletion timestamp for a conversation id, if one
// exists.
func (s *Store) Tombstone(convID string) (int64, bool, error) {
	val, closer, err := s.db.Get(tombstoneKey(convID))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	ts, parseErr := strconv.ParseInt(string(val), 10, 64)
	_ = closer.Close()
	if parseErr != nil {
		return 0, false, parseErr
	}
	return ts, true, nil
}

// Checkpoint returns the last polling checkpoint in unix seconds.
func (s *Store) Checkpoint() (int64, error) {
	val, closer, err := s.db.Get([]byte(checkpointKey))
	if errors.Is(err, pebble.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	ts, parseErr := strconv.ParseInt(string(val), 10, 64)
	_ = closer.Close()
	if parseErr != nil {
		return 0, parseErr
	}
	return ts, nil
}

// SetCheckpoint advances the polling checkpoint.
func (s *Store) SetCheckpoint(unixSeconds int64) error {
	return s.db.Set([]byte(checkpointKey), []byte(strconv.FormatInt(unixSeconds, 10)), pebble.Sync)
}

func (s *Store) getJSON(key []byte, out interface{}) error {
	val, closer, err := s.db.Get(key)
	if errors.Is(err, pebble.ErrNotFound) {
		return relayerrors.ErrNotFound
	}
	if err != nil {
		return err
	}
	defer closer.Close()
	return json.Unmarshal(val, out)
}

func lastActivity(conv domain.Conversation) int64 {
	if conv.LastMessage != nil {
		return conv.LastMessage.Timestamp
	}
	return 0
}
