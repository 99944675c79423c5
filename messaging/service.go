package messaging

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
)

// ChatServiceStats combined operational view of one chat service instance
type ChatServiceStats struct {
	// Registry connection registry summary
	Registry RegistryStats `json:"registry"`
	// GroupSubscribers per-group live subscriber counts
	GroupSubscribers map[string]int `json:"group_subscribers"`
	// ThreadSubscribers per-thread live subscriber counts
	ThreadSubscribers map[string]int `json:"thread_subscribers"`
	// OfflineQueue offline delivery queue item counts
	OfflineQueue OfflineQueueStats `json:"offline_queue"`
}

// ChatService the group chat transport core. Owns the connection registry,
// subscription index, fanout engine, inbound router, heartbeat sweep, and
// offline delivery queue, and exposes the operations the HTTP layer calls.
type ChatService interface {
	// Start begin background operation of the heartbeat sweep and offline queue
	Start() error
	// Stop tear down every live connection and halt background operation
	Stop(ctxt context.Context) error
	// Connect authenticate a new transport session and subscribe it to its
	// group. The group membership check runs before the session is observable.
	Connect(
		ctxt context.Context, connectionID, groupID string, transport MessageTransport, token string,
	) (ConnectionSnapshot, error)
	// Disconnect tear down a connection and announce the departure to the
	// groups it was subscribed to. Idempotent.
	Disconnect(ctxt context.Context, connectionID string, reason string) error
	// JoinGroup subscribe a live connection to an additional group after
	// re-validating membership
	JoinGroup(ctxt context.Context, connectionID, groupID string) error
	// LeaveGroup drop a group subscription and announce the departure
	LeaveGroup(ctxt context.Context, connectionID, groupID string) error
	// HandleFrame process one raw inbound frame from a connection
	HandleFrame(ctxt context.Context, connectionID string, raw []byte)
	// Broadcast deliver a server frame to every subscriber of a group
	Broadcast(ctxt context.Context, groupID string, frame Frame) int
	// SendToUser deliver a server frame to every live connection of one user
	SendToUser(ctxt context.Context, userID string, frame Frame) int
	// Stats combined operational summary
	Stats() ChatServiceStats
}

// chatServiceImpl implements ChatService
type chatServiceImpl struct {
	common.Component
	registry    ConnectionRegistry
	index       SubscriptionIndex
	broadcaster BroadcastEngine
	router      MessageRouter
	heartbeat   HeartbeatMonitor
	offline     OfflineDeliveryQueue
	directory   GroupDirectory
	rootContext context.Context
}

// ChatServiceParams parameters for defining a chat service
type ChatServiceParams struct {
	// Instance is the instance name for log tagging
	Instance string
	// Verifier resolves handshake credentials
	Verifier AuthVerifier
	// Directory answers group membership questions
	Directory GroupDirectory
	// Store persists messages, reactions, and receipts
	Store MessageStore
	// Notifier receives offline delivery handoffs
	Notifier OfflineDeliveryNotifier
	// Registry tunables of the connection registry
	Registry RegistryConfig
	// HeartbeatSweepInterval period of the liveness sweep
	HeartbeatSweepInterval time.Duration
	// HeartbeatTimeout silence duration after which a connection is evicted
	HeartbeatTimeout time.Duration
	// OfflineQueue tunables of the offline delivery queue
	OfflineQueue OfflineQueueConfig
}

// GetChatService define a new chat service with all supporting components
func GetChatService(
	ctxt context.Context, params ChatServiceParams, wg *sync.WaitGroup,
) (ChatService, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "chat-service", "instance": params.Instance,
	}

	index, err := GetSubscriptionIndex(params.Instance)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define subscription index")
		return nil, err
	}
	registry, err := GetConnectionRegistry(
		params.Instance, index, params.Verifier, params.Registry,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define connection registry")
		return nil, err
	}
	offline, err := GetOfflineDeliveryQueue(
		ctxt, params.Instance, params.Notifier, params.OfflineQueue, wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define offline queue")
		return nil, err
	}

	instance := &chatServiceImpl{
		Component:   common.Component{LogTags: logTags},
		registry:    registry,
		index:       index,
		offline:     offline,
		directory:   params.Directory,
		rootContext: ctxt,
	}

	// A stalled transport is torn down off the fanout path
	broadcaster, err := GetBroadcastEngine(
		params.Instance, registry, index, instance.onSendFailure,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define broadcast engine")
		return nil, err
	}
	instance.broadcaster = broadcaster

	router, err := GetMessageRouter(
		params.Instance, registry, index, broadcaster, params.Store, params.Directory, offline,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define message router")
		return nil, err
	}
	instance.router = router

	heartbeat, err := GetHeartbeatMonitor(
		ctxt,
		params.Instance,
		registry,
		params.HeartbeatSweepInterval,
		params.HeartbeatTimeout,
		instance.onStaleConnection,
		wg,
	)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Unable to define heartbeat monitor")
		return nil, err
	}
	instance.heartbeat = heartbeat

	return instance, nil
}

// Start begin background operation
func (s *chatServiceImpl) Start() error {
	if err := s.offline.Start(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Offline queue failed to start")
		return err
	}
	if err := s.heartbeat.Start(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Heartbeat monitor failed to start")
		return err
	}
	log.WithFields(s.LogTags).Info("Chat service started")
	return nil
}

// Stop tear down every live connection and halt background operation
func (s *chatServiceImpl) Stop(ctxt context.Context) error {
	if err := s.heartbeat.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Heartbeat monitor failed to stop")
	}
	for _, connectionID := range s.registry.AllConnectionIDs() {
		if err := s.Disconnect(ctxt, connectionID, ReasonServerShutdown); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Shutdown teardown of %s failed", connectionID,
			)
		}
	}
	if err := s.offline.Stop(); err != nil {
		log.WithError(err).WithFields(s.LogTags).Error("Offline queue failed to stop")
		return err
	}
	log.WithFields(s.LogTags).Info("Chat service stopped")
	return nil
}

// ----------------------------------------------------------------------------------------

// Connect authenticate a new transport session and subscribe it to its group
func (s *chatServiceImpl) Connect(
	ctxt context.Context, connectionID, groupID string, transport MessageTransport, token string,
) (ConnectionSnapshot, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	result, err := s.registry.Connect(ctxt, connectionID, transport, token)
	if err != nil {
		return ConnectionSnapshot{}, err
	}

	member, err := s.directory.IsGroupMember(ctxt, result.User.UserID, groupID)
	if err == nil && !member {
		err = fmt.Errorf("user %s is not a member of group %s", result.User.UserID, groupID)
	}
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Rejecting connection %s on group access", connectionID,
		)
		_ = transport.SendFrame(NewErrorFrame(
			groupID, ErrCodeAccessDenied, "not a member of this group", "",
		))
		if _, discErr := s.registry.Disconnect(
			ctxt, connectionID, string(ErrCodeAccessDenied),
		); discErr != nil {
			log.WithError(discErr).WithFields(localLogTags).Errorf(
				"Teardown of rejected connection %s failed", connectionID,
			)
		}
		return ConnectionSnapshot{}, fmt.Errorf("%w: %s", ErrAccessDenied, err)
	}

	if err := s.registry.JoinGroup(connectionID, groupID); err != nil {
		return ConnectionSnapshot{}, err
	}
	s.announcePresence(ctxt, FrameTypeUserJoined, groupID, result.User, connectionID)

	result.Groups = append(result.Groups, groupID)
	return result, nil
}

// Disconnect tear down a connection and announce the departure. Idempotent.
func (s *chatServiceImpl) Disconnect(
	ctxt context.Context, connectionID string, reason string,
) error {
	snapshot, err := s.registry.Disconnect(ctxt, connectionID, reason)
	if err != nil {
		return err
	}
	if snapshot == nil {
		return nil
	}
	for _, groupID := range snapshot.Groups {
		s.announcePresence(ctxt, FrameTypeUserLeft, groupID, snapshot.User, "")
	}
	return nil
}

// JoinGroup subscribe a live connection to an additional group. Membership is
// re-validated; a denied join leaves no side effects.
func (s *chatServiceImpl) JoinGroup(
	ctxt context.Context, connectionID, groupID string,
) error {
	localLogTags, _ := common.UpdateLogTags(ctxt, s.LogTags)

	snapshot, ok := s.registry.Snapshot(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	member, err := s.directory.IsGroupMember(ctxt, snapshot.User.UserID, groupID)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Errorf(
			"Membership check of %s against group %s failed", snapshot.User.UserID, groupID,
		)
		return err
	}
	if !member {
		_ = s.broadcaster.SendToConnection(connectionID, NewErrorFrame(
			groupID, ErrCodeAccessDenied, "not a member of this group", "",
		))
		return fmt.Errorf("user %s is not a member of group %s", snapshot.User.UserID, groupID)
	}
	if err := s.registry.JoinGroup(connectionID, groupID); err != nil {
		return err
	}
	s.announcePresence(ctxt, FrameTypeUserJoined, groupID, snapshot.User, connectionID)
	return nil
}

// LeaveGroup drop a group subscription and announce the departure
func (s *chatServiceImpl) LeaveGroup(
	ctxt context.Context, connectionID, groupID string,
) error {
	snapshot, ok := s.registry.Snapshot(connectionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	subscribed, err := s.registry.LeaveGroup(connectionID, groupID)
	if err != nil {
		return err
	}
	if subscribed {
		s.announcePresence(ctxt, FrameTypeUserLeft, groupID, snapshot.User, connectionID)
	}
	return nil
}

// announcePresence broadcast a user_joined or user_left frame to a group
func (s *chatServiceImpl) announcePresence(
	ctxt context.Context,
	frameType FrameType,
	groupID string,
	user UserIdentity,
	excludeConnection string,
) {
	frame, err := NewServerFrame(frameType, groupID, map[string]string{
		"user_id":      user.UserID,
		"display_name": user.DisplayName,
	}, "")
	if err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Unable to build %s announcement for group %s", frameType, groupID,
		)
		return
	}
	s.broadcaster.BroadcastToGroup(ctxt, groupID, frame, excludeConnection)
}

// ----------------------------------------------------------------------------------------

// HandleFrame process one raw inbound frame from a connection
func (s *chatServiceImpl) HandleFrame(
	ctxt context.Context, connectionID string, raw []byte,
) {
	s.router.RouteFrame(ctxt, connectionID, raw)
}

// Broadcast deliver a server frame to every subscriber of a group
func (s *chatServiceImpl) Broadcast(
	ctxt context.Context, groupID string, frame Frame,
) int {
	return s.broadcaster.BroadcastToGroup(ctxt, groupID, frame, "")
}

// SendToUser deliver a server frame to every live connection of one user
func (s *chatServiceImpl) SendToUser(
	ctxt context.Context, userID string, frame Frame,
) int {
	return s.broadcaster.SendToUser(ctxt, userID, frame)
}

// Stats combined operational summary
func (s *chatServiceImpl) Stats() ChatServiceStats {
	return ChatServiceStats{
		Registry:          s.registry.Stats(),
		GroupSubscribers:  s.index.GroupSubscriberCounts(),
		ThreadSubscribers: s.index.ThreadSubscriberCounts(),
		OfflineQueue:      s.offline.Stats(),
	}
}

// ----------------------------------------------------------------------------------------

// onSendFailure a frame could not be queued on a connection. Teardown runs on
// its own goroutine; the fanout loop is never blocked by it.
func (s *chatServiceImpl) onSendFailure(connectionID string) {
	go func() {
		if err := s.Disconnect(s.rootContext, connectionID, ReasonSendFailure); err != nil {
			log.WithError(err).WithFields(s.LogTags).Errorf(
				"Teardown of stalled connection %s failed", connectionID,
			)
		}
	}()
}

// onStaleConnection the heartbeat sweep found a silent connection
func (s *chatServiceImpl) onStaleConnection(ctxt context.Context, connectionID string) {
	if err := s.Disconnect(ctxt, connectionID, ReasonHeartbeatTimeout); err != nil {
		log.WithError(err).WithFields(s.LogTags).Errorf(
			"Eviction of stale connection %s failed", connectionID,
		)
	}
}
