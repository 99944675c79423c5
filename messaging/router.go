package messaging

import (
	"context"
	"time"

	"github.com/apex/log"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/habitloop/relay/common"
)

// MessageRouter dispatches inbound client frames. A malformed or rejected
// frame produces an error frame on the offending connection only; the
// connection itself stays up.
type MessageRouter interface {
	// RouteFrame process one raw inbound frame from a connection
	RouteFrame(ctxt context.Context, connectionID string, raw []byte)
}

// messageRouterImpl implements MessageRouter
type messageRouterImpl struct {
	common.Component
	registry    ConnectionRegistry
	index       SubscriptionIndex
	broadcaster BroadcastEngine
	store       MessageStore
	directory   GroupDirectory
	offline     OfflineDeliveryQueue
	validate    *validator.Validate
}

// GetMessageRouter define a new message router
func GetMessageRouter(
	instance string,
	registry ConnectionRegistry,
	index SubscriptionIndex,
	broadcaster BroadcastEngine,
	store MessageStore,
	directory GroupDirectory,
	offline OfflineDeliveryQueue,
) (MessageRouter, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "message-router", "instance": instance,
	}
	return &messageRouterImpl{
		Component:   common.Component{LogTags: logTags},
		registry:    registry,
		index:       index,
		broadcaster: broadcaster,
		store:       store,
		directory:   directory,
		offline:     offline,
		validate:    validator.New(),
	}, nil
}

// replyError send a structured error frame back at the offending connection
func (m *messageRouterImpl) replyError(
	connectionID, groupID string, code ErrorCode, message, correlID string,
) {
	if err := m.broadcaster.SendToConnection(
		connectionID, NewErrorFrame(groupID, code, message, correlID),
	); err != nil {
		log.WithError(err).WithFields(m.LogTags).Debugf(
			"Error frame to %s was not delivered", connectionID,
		)
	}
}

// RouteFrame process one raw inbound frame from a connection
func (m *messageRouterImpl) RouteFrame(
	ctxt context.Context, connectionID string, raw []byte,
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)

	frame, errCode, err := ParseClientFrame(raw, m.validate)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Rejecting inbound frame from %s", connectionID,
		)
		m.replyError(connectionID, frame.GroupID, errCode, err.Error(), frame.MessageID)
		return
	}

	now := time.Now().UTC()
	// A ping is the liveness signal itself and is exempt from the rate gate
	if frame.Type == FrameTypePing {
		if err := m.registry.RefreshHeartbeat(connectionID, now); err != nil {
			log.WithError(err).WithFields(localLogTags).Debugf(
				"Heartbeat of %s not refreshed", connectionID,
			)
			return
		}
		pong, _ := NewServerFrame(FrameTypePong, "", nil, frame.MessageID)
		_ = m.broadcaster.SendToConnection(connectionID, pong)
		return
	}

	allowed, err := m.registry.RateGate(connectionID, now)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Debugf(
			"Dropping frame of unknown connection %s", connectionID,
		)
		return
	}
	if !allowed {
		log.WithFields(localLogTags).Infof(
			"Rate limited %s from %s", frame.String(), connectionID,
		)
		m.replyError(
			connectionID,
			frame.GroupID,
			ErrCodeRateLimitExceeded,
			"message rate limit exceeded",
			frame.MessageID,
		)
		return
	}

	sender, ok := m.registry.Snapshot(connectionID)
	if !ok {
		log.WithFields(localLogTags).Debugf(
			"Dropping frame of vanished connection %s", connectionID,
		)
		return
	}

	// Every remaining variant targets a group the connection must hold a
	// subscription to
	if !containsString(sender.Groups, frame.GroupID) {
		m.replyError(
			connectionID,
			frame.GroupID,
			ErrCodeAccessDenied,
			"not subscribed to this group",
			frame.MessageID,
		)
		return
	}

	switch frame.Type {
	case FrameTypeSendMessage:
		m.handleSendMessage(ctxt, sender, frame)
	case FrameTypeEditMessage:
		m.handleEditMessage(ctxt, sender, frame)
	case FrameTypeDeleteMessage:
		m.handleDeleteMessage(ctxt, sender, frame)
	case FrameTypeAddReaction:
		m.handleAddReaction(ctxt, sender, frame)
	case FrameTypeMarkRead:
		m.handleMarkRead(ctxt, sender, frame)
	case FrameTypeTypingStart, FrameTypeTypingStop:
		m.handleTyping(ctxt, sender, frame)
	case FrameTypeJoinThread:
		m.handleJoinThread(ctxt, sender, frame)
	case FrameTypeLeaveThread:
		m.handleLeaveThread(ctxt, sender, frame)
	}
}

// ----------------------------------------------------------------------------------------

// handleSendMessage persist a new message and fan it out
func (m *messageRouterImpl) handleSendMessage(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)

	var request SendMessageRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}

	stored, err := m.store.PersistMessage(ctxt, StoredMessage{
		ID:         uuid.New().String(),
		GroupID:    frame.GroupID,
		ThreadID:   request.ThreadID,
		SenderID:   sender.User.UserID,
		SenderName: sender.User.DisplayName,
		Content:    request.Content,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Failed to persist message in group %s", frame.GroupID,
		)
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}

	outbound, err := NewServerFrame(FrameTypeMessage, frame.GroupID, &stored, frame.MessageID)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}

	// The sender gets the stored form back as the delivery acknowledgment;
	// everyone else gets it through the fanout
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	if request.ThreadID != "" {
		m.broadcaster.BroadcastToThread(ctxt, request.ThreadID, outbound, sender.ID)
	} else {
		m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
	}

	m.captureOfflineMisses(ctxt, frame.GroupID, stored.ID)
}

// captureOfflineMisses queue group members without a live subscription for
// the offline notification pipeline
func (m *messageRouterImpl) captureOfflineMisses(
	ctxt context.Context, groupID, messageID string,
) {
	localLogTags, _ := common.UpdateLogTags(ctxt, m.LogTags)

	members, err := m.directory.GroupMembers(ctxt, groupID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to resolve membership of group %s", groupID,
		)
		return
	}
	reached := m.registry.ConnectedUsers(m.index.GroupSubscribers(groupID))
	var missed []string
	for _, userID := range members {
		if !reached[userID] {
			missed = append(missed, userID)
		}
	}
	if len(missed) == 0 {
		return
	}
	if err := m.offline.CaptureMisses(ctxt, groupID, messageID, missed); err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Unable to queue offline delivery of message %s", messageID,
		)
	}
}

// handleEditMessage replace a message's content and announce the edit
func (m *messageRouterImpl) handleEditMessage(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request EditMessageRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	updated, err := m.store.EditMessage(
		ctxt, frame.GroupID, request.MessageID, sender.User.UserID, request.Content,
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	outbound, err := NewServerFrame(
		FrameTypeMessageUpdated, frame.GroupID, &updated, frame.MessageID,
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
}

// handleDeleteMessage soft-delete a message and announce the removal
func (m *messageRouterImpl) handleDeleteMessage(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request DeleteMessageRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	if err := m.store.DeleteMessage(
		ctxt, frame.GroupID, request.MessageID, sender.User.UserID,
	); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	outbound, _ := NewServerFrame(FrameTypeMessageDeleted, frame.GroupID, map[string]string{
		"message_id": request.MessageID,
		"deleted_by": sender.User.UserID,
	}, frame.MessageID)
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
}

// handleAddReaction record a reaction and announce it
func (m *messageRouterImpl) handleAddReaction(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request AddReactionRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	update, err := m.store.AddReaction(
		ctxt, frame.GroupID, request.MessageID, sender.User.UserID, request.Reaction,
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	outbound, err := NewServerFrame(
		FrameTypeMessageReaction, frame.GroupID, &update, frame.MessageID,
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
}

// handleMarkRead record a read receipt and announce it. A repeated receipt
// from the same reader collapses onto one entry in the store.
func (m *messageRouterImpl) handleMarkRead(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request MarkReadRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	receipt, err := m.store.AddReadReceipt(
		ctxt, frame.GroupID, request.MessageID, sender.User.UserID, time.Now().UTC(),
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	outbound, err := NewServerFrame(
		FrameTypeMessageRead, frame.GroupID, &receipt, frame.MessageID,
	)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
}

// handleTyping relay a typing indication without persisting anything
func (m *messageRouterImpl) handleTyping(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request TypingIndication
	if len(frame.Data) > 0 {
		if err := parseFramePayload(frame, &request, m.validate); err != nil {
			m.replyError(
				sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
			)
			return
		}
	}
	outbound, _ := NewServerFrame(frame.Type, frame.GroupID, map[string]string{
		"user_id":      sender.User.UserID,
		"display_name": sender.User.DisplayName,
		"thread_id":    request.ThreadID,
	}, "")
	if request.ThreadID != "" {
		m.broadcaster.BroadcastToThread(ctxt, request.ThreadID, outbound, sender.ID)
	} else {
		m.broadcaster.BroadcastToGroup(ctxt, frame.GroupID, outbound, sender.ID)
	}
}

// handleJoinThread subscribe the connection to a thread and announce it
func (m *messageRouterImpl) handleJoinThread(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request ThreadRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	if err := m.registry.JoinThread(sender.ID, request.ThreadID); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	outbound, _ := NewServerFrame(FrameTypeUserJoined, frame.GroupID, map[string]string{
		"user_id":      sender.User.UserID,
		"display_name": sender.User.DisplayName,
		"thread_id":    request.ThreadID,
	}, frame.MessageID)
	_ = m.broadcaster.SendToConnection(sender.ID, outbound)
	m.broadcaster.BroadcastToThread(ctxt, request.ThreadID, outbound, sender.ID)
}

// handleLeaveThread drop the thread subscription and announce the departure
func (m *messageRouterImpl) handleLeaveThread(
	ctxt context.Context, sender ConnectionSnapshot, frame Frame,
) {
	var request ThreadRequest
	if err := parseFramePayload(frame, &request, m.validate); err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeValidationError, err.Error(), frame.MessageID,
		)
		return
	}
	subscribed, err := m.registry.LeaveThread(sender.ID, request.ThreadID)
	if err != nil {
		m.replyError(
			sender.ID, frame.GroupID, ErrCodeRoutingFailure, err.Error(), frame.MessageID,
		)
		return
	}
	if !subscribed {
		return
	}
	outbound, _ := NewServerFrame(FrameTypeUserLeft, frame.GroupID, map[string]string{
		"user_id":      sender.User.UserID,
		"display_name": sender.User.DisplayName,
		"thread_id":    request.ThreadID,
	}, frame.MessageID)
	m.broadcaster.BroadcastToThread(ctxt, request.ThreadID, outbound, sender.ID)
}

// containsString check membership in a small slice
func containsString(values []string, target string) bool {
	for _, value := range values {
		if value == target {
			return true
		}
	}
	return false
}
