// Package memstore provides in-memory reference implementations of the chat
// transport's external collaborators. They back single-node deployments and
// tests; production deployments swap in service-backed implementations.
package memstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/messaging"
)

// inMemoryMessageStore implements messaging.MessageStore
type inMemoryMessageStore struct {
	common.Component
	lock     sync.Mutex
	messages map[string]*messaging.StoredMessage
	receipts map[string]map[string]messaging.ReadReceipt
}

// GetInMemoryMessageStore define an in-memory message store
func GetInMemoryMessageStore(instance string) (messaging.MessageStore, error) {
	logTags := log.Fields{
		"module": "memstore", "component": "message-store", "instance": instance,
	}
	return &inMemoryMessageStore{
		Component: common.Component{LogTags: logTags},
		messages:  make(map[string]*messaging.StoredMessage),
		receipts:  make(map[string]map[string]messaging.ReadReceipt),
	}, nil
}

// PersistMessage append a new message record
func (s *inMemoryMessageStore) PersistMessage(
	ctxt context.Context, msg messaging.StoredMessage,
) (messaging.StoredMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, exists := s.messages[msg.ID]; exists {
		return messaging.StoredMessage{}, fmt.Errorf("message %s already exists", msg.ID)
	}
	stored := msg
	s.messages[msg.ID] = &stored
	return stored, nil
}

// fetch look up a live message in a group. Caller holds lock.
func (s *inMemoryMessageStore) fetch(
	groupID, messageID string,
) (*messaging.StoredMessage, error) {
	msg, ok := s.messages[messageID]
	if !ok || msg.GroupID != groupID {
		return nil, fmt.Errorf("no message %s in group %s", messageID, groupID)
	}
	if msg.Deleted {
		return nil, fmt.Errorf("message %s was deleted", messageID)
	}
	return msg, nil
}

// EditMessage replace the content of an existing message. Only the original
// sender may edit.
func (s *inMemoryMessageStore) EditMessage(
	ctxt context.Context, groupID, messageID, editorID, content string,
) (messaging.StoredMessage, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg, err := s.fetch(groupID, messageID)
	if err != nil {
		return messaging.StoredMessage{}, err
	}
	if msg.SenderID != editorID {
		return messaging.StoredMessage{}, fmt.Errorf(
			"user %s may not edit message %s", editorID, messageID,
		)
	}
	now := time.Now().UTC()
	msg.Content = content
	msg.EditedAt = &now
	return *msg, nil
}

// DeleteMessage soft-delete a message. Only the original sender may delete.
func (s *inMemoryMessageStore) DeleteMessage(
	ctxt context.Context, groupID, messageID, requesterID string,
) error {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg, err := s.fetch(groupID, messageID)
	if err != nil {
		return err
	}
	if msg.SenderID != requesterID {
		return fmt.Errorf("user %s may not delete message %s", requesterID, messageID)
	}
	msg.Deleted = true
	msg.Content = ""
	return nil
}

// AddReaction record a reaction against a message. One reaction per user; a
// repeat replaces the previous one.
func (s *inMemoryMessageStore) AddReaction(
	ctxt context.Context, groupID, messageID, userID, reaction string,
) (messaging.ReactionUpdate, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	msg, err := s.fetch(groupID, messageID)
	if err != nil {
		return messaging.ReactionUpdate{}, err
	}
	if msg.Reactions == nil {
		msg.Reactions = make(map[string]string)
	}
	msg.Reactions[userID] = reaction
	reactions := make(map[string]string, len(msg.Reactions))
	for user, value := range msg.Reactions {
		reactions[user] = value
	}
	return messaging.ReactionUpdate{
		MessageID: messageID,
		GroupID:   groupID,
		UserID:    userID,
		Reaction:  reaction,
		Reactions: reactions,
	}, nil
}

// AddReadReceipt record a read receipt. Idempotent per (message, user); the
// later timestamp wins on repeat.
func (s *inMemoryMessageStore) AddReadReceipt(
	ctxt context.Context, groupID, messageID, userID string, readAt time.Time,
) (messaging.ReadReceipt, error) {
	s.lock.Lock()
	defer s.lock.Unlock()
	if _, err := s.fetch(groupID, messageID); err != nil {
		return messaging.ReadReceipt{}, err
	}
	perMessage, ok := s.receipts[messageID]
	if !ok {
		perMessage = make(map[string]messaging.ReadReceipt)
		s.receipts[messageID] = perMessage
	}
	receipt := messaging.ReadReceipt{
		MessageID: messageID,
		GroupID:   groupID,
		UserID:    userID,
		ReadAt:    readAt,
	}
	if existing, seen := perMessage[userID]; seen && existing.ReadAt.After(readAt) {
		receipt = existing
	}
	perMessage[userID] = receipt
	return receipt, nil
}
