package messaging

import (
	"context"
	"time"
)

// UserIdentity identity of an authenticated user
type UserIdentity struct {
	// UserID is the opaque user ID
	UserID string `json:"user_id" validate:"required"`
	// DisplayName is the user facing name
	DisplayName string `json:"display_name"`
}

// AuthVerifier external collaborator verifying handshake credentials
type AuthVerifier interface {
	// VerifyToken resolve a bearer credential into a user identity
	VerifyToken(ctxt context.Context, token string) (UserIdentity, error)
}

// GroupDirectory external collaborator answering group membership questions
type GroupDirectory interface {
	// IsGroupMember check whether a user belongs to a group
	IsGroupMember(ctxt context.Context, userID, groupID string) (bool, error)
	// GroupMembers list the full membership of a group
	GroupMembers(ctxt context.Context, groupID string) ([]string, error)
}

// StoredMessage one chat message as held by the persistence collaborator
type StoredMessage struct {
	ID         string            `json:"id"`
	GroupID    string            `json:"group_id"`
	ThreadID   string            `json:"thread_id,omitempty"`
	SenderID   string            `json:"sender_id"`
	SenderName string            `json:"sender_name"`
	Content    string            `json:"content"`
	Reactions  map[string]string `json:"reactions,omitempty"`
	SentAt     time.Time         `json:"sent_at"`
	EditedAt   *time.Time        `json:"edited_at,omitempty"`
	Deleted    bool              `json:"deleted"`
}

// ReadReceipt per recipient acknowledgment that a message was read
type ReadReceipt struct {
	MessageID string    `json:"message_id"`
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	ReadAt    time.Time `json:"read_at"`
}

// ReactionUpdate result of adding a reaction to a message
type ReactionUpdate struct {
	MessageID string            `json:"message_id"`
	GroupID   string            `json:"group_id"`
	UserID    string            `json:"user_id"`
	Reaction  string            `json:"reaction"`
	Reactions map[string]string `json:"reactions"`
}

// MessageStore external collaborator persisting message, reaction, and
// receipt records. The transport never stores message content itself.
type MessageStore interface {
	// PersistMessage append a new message record
	PersistMessage(ctxt context.Context, msg StoredMessage) (StoredMessage, error)
	// EditMessage replace the content of an existing message
	EditMessage(
		ctxt context.Context, groupID, messageID, editorID, content string,
	) (StoredMessage, error)
	// DeleteMessage soft-delete a message
	DeleteMessage(ctxt context.Context, groupID, messageID, requesterID string) error
	// AddReaction record a reaction against a message
	AddReaction(
		ctxt context.Context, groupID, messageID, userID, reaction string,
	) (ReactionUpdate, error)
	// AddReadReceipt record a read receipt. Idempotent per (message, user);
	// a repeat call keeps one entry with the later timestamp.
	AddReadReceipt(
		ctxt context.Context, groupID, messageID, userID string, readAt time.Time,
	) (ReadReceipt, error)
}

// OfflineDeliveryNotifier external collaborator receiving queued delivery
// work for users with no live connection
type OfflineDeliveryNotifier interface {
	// EnqueueOfflineDelivery hand one queue item to the notification pipeline
	EnqueueOfflineDelivery(ctxt context.Context, item OfflineQueueItem) error
}
