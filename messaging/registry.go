package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
)

// Websocket close codes used during handshake rejection
const (
	CloseCodeAuthFailure     = 4001
	CloseCodeConnectionLimit = 4002
	CloseCodeAccessDenied    = 4003
	CloseCodeServerShutdown  = 4004
)

// ErrAuthenticationFailed handshake credential was rejected
var ErrAuthenticationFailed = errors.New("authentication failed")

// ErrAccessDenied the user is not a member of the requested group
var ErrAccessDenied = errors.New("access denied")

// ErrConnectionLimitExceeded user already holds the max allowed connections
var ErrConnectionLimitExceeded = errors.New("connection limit exceeded")

// ErrUnknownConnection the connection ID is not registered
var ErrUnknownConnection = errors.New("unknown connection")

// RegistryStats summary of registry state for operational monitoring
type RegistryStats struct {
	// TotalConnections number of registered connections
	TotalConnections int `json:"total_connections"`
	// ByStatus connection counts per lifecycle state
	ByStatus map[string]int `json:"by_status"`
	// Users number of distinct users with at least one live connection
	Users int `json:"users"`
}

// RegistryConfig tunables of the connection registry
type RegistryConfig struct {
	// MaxConnectionsPerUser live-connection ceiling per user
	MaxConnectionsPerUser int
	// RateLimitMaxMessages max inbound messages per rate window
	RateLimitMaxMessages int
	// RateLimitWindow rate window duration
	RateLimitWindow time.Duration
}

// ConnectionRegistry sole owner of connection records, keyed by opaque
// connection ID. Every other component refers to connections through the
// registry by ID.
type ConnectionRegistry interface {
	// Connect authenticate and register a new transport session. On auth
	// failure or ceiling violation the transport receives a structured error
	// frame and is closed; the connection never becomes observable.
	Connect(
		ctxt context.Context, connectionID string, transport MessageTransport, token string,
	) (ConnectionSnapshot, error)
	// Disconnect tear down a connection. Idempotent; returns nil snapshot
	// for an already removed ID. The returned snapshot lists the groups and
	// threads the connection held so the caller can announce the departure.
	Disconnect(ctxt context.Context, connectionID string, reason string) (*ConnectionSnapshot, error)
	// JoinGroup record a group subscription on both the record and the index
	JoinGroup(connectionID, groupID string) error
	// LeaveGroup remove a group subscription; reports whether it existed
	LeaveGroup(connectionID, groupID string) (bool, error)
	// JoinThread record a thread subscription on both the record and the index
	JoinThread(connectionID, threadID string) error
	// LeaveThread remove a thread subscription; reports whether it existed
	LeaveThread(connectionID, threadID string) (bool, error)
	// RefreshHeartbeat update the last heartbeat timestamp
	RefreshHeartbeat(connectionID string, at time.Time) error
	// StaleConnections list connections silent since before the cutoff
	StaleConnections(cutoff time.Time) []string
	// RateGate run the sliding-window gate; the send is recorded when allowed
	RateGate(connectionID string, now time.Time) (bool, error)
	// SendFrame queue a frame on the connection's transport
	SendFrame(connectionID string, frame Frame) error
	// Snapshot copy of one connection's state
	Snapshot(connectionID string) (ConnectionSnapshot, bool)
	// ConnectedUsers resolve the user IDs behind a set of connection IDs
	ConnectedUsers(connectionIDs []string) map[string]bool
	// AllConnectionIDs list all registered connection IDs
	AllConnectionIDs() []string
	// Stats registry summary for monitoring
	Stats() RegistryStats
}

// connectionRegistryImpl implements ConnectionRegistry
type connectionRegistryImpl struct {
	common.Component
	lock     sync.RWMutex
	records  map[string]*connectionRecord
	index    SubscriptionIndex
	verifier AuthVerifier
	config   RegistryConfig
}

// GetConnectionRegistry define a new connection registry
func GetConnectionRegistry(
	instance string,
	index SubscriptionIndex,
	verifier AuthVerifier,
	config RegistryConfig,
) (ConnectionRegistry, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "connection-registry", "instance": instance,
	}
	if index == nil || verifier == nil {
		return nil, fmt.Errorf("connection registry requires an index and an auth verifier")
	}
	return &connectionRegistryImpl{
		Component: common.Component{LogTags: logTags},
		records:   make(map[string]*connectionRecord),
		index:     index,
		verifier:  verifier,
		config:    config,
	}, nil
}

// Connect authenticate and register a new transport session
func (r *connectionRegistryImpl) Connect(
	ctxt context.Context, connectionID string, transport MessageTransport, token string,
) (ConnectionSnapshot, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)

	// Authentication happens before any lock is taken; the verifier is an
	// external collaborator and must not block unrelated connections.
	user, err := r.verifier.VerifyToken(ctxt, token)
	if err != nil {
		log.WithError(err).WithFields(localLogTags).Infof(
			"Rejecting connection %s on bad credential", connectionID,
		)
		_ = transport.SendFrame(NewErrorFrame(
			"", ErrCodeAuthenticationFailed, "credential rejected", "",
		))
		_ = transport.Close(CloseCodeAuthFailure, string(ErrCodeAuthenticationFailed))
		return ConnectionSnapshot{}, fmt.Errorf("%w: %s", ErrAuthenticationFailed, err)
	}

	now := time.Now().UTC()
	record := &connectionRecord{
		id:            connectionID,
		user:          user,
		status:        StatusAuthenticated,
		transport:     transport,
		groups:        make(map[string]bool),
		threads:       make(map[string]bool),
		lastHeartbeat: now,
		limiter: NewSlidingWindowLimiter(
			r.config.RateLimitMaxMessages, r.config.RateLimitWindow,
		),
	}

	r.lock.Lock()
	if _, exists := r.records[connectionID]; exists {
		r.lock.Unlock()
		return ConnectionSnapshot{}, fmt.Errorf("connection %s already registered", connectionID)
	}
	if len(r.index.UserConnections(user.UserID)) >= r.config.MaxConnectionsPerUser {
		r.lock.Unlock()
		log.WithFields(localLogTags).Infof(
			"Rejecting connection %s; user %s reached ceiling %d",
			connectionID, user.UserID, r.config.MaxConnectionsPerUser,
		)
		_ = transport.SendFrame(NewErrorFrame(
			"", ErrCodeConnectionLimitExceeded, "too many live connections", "",
		))
		_ = transport.Close(CloseCodeConnectionLimit, string(ErrCodeConnectionLimitExceeded))
		return ConnectionSnapshot{}, ErrConnectionLimitExceeded
	}
	r.records[connectionID] = record
	r.index.AddUserConnection(user.UserID, connectionID)
	result := record.snapshot()
	r.lock.Unlock()

	ack, err := NewServerFrame(FrameTypeConnectionEstablished, "", map[string]string{
		"connection_id": connectionID,
		"user_id":       user.UserID,
		"display_name":  user.DisplayName,
	}, "")
	if err == nil {
		if err := transport.SendFrame(ack); err != nil {
			log.WithError(err).WithFields(localLogTags).Errorf(
				"Failed to ack connection %s", connectionID,
			)
		}
	}

	log.WithFields(localLogTags).Infof(
		"Registered connection %s for user %s", connectionID, user.UserID,
	)
	return result, nil
}

// Disconnect tear down a connection. Idempotent.
func (r *connectionRegistryImpl) Disconnect(
	ctxt context.Context, connectionID string, reason string,
) (*ConnectionSnapshot, error) {
	localLogTags, _ := common.UpdateLogTags(ctxt, r.LogTags)

	r.lock.Lock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.Unlock()
		log.WithFields(localLogTags).Debugf(
			"Disconnect of unknown connection %s is a no-op", connectionID,
		)
		return nil, nil
	}
	record.status = StatusDisconnecting
	result := record.snapshot()
	delete(r.records, connectionID)
	// Index entries are cleared under the same lock so no concurrent join can
	// slip an entry in for the removed record, and no fanout resolves a
	// connection whose record is gone.
	r.index.RemoveConnection(connectionID, result.Groups, result.Threads, result.User.UserID)
	r.lock.Unlock()

	if err := record.transport.Close(closeCodeForReason(reason), reason); err != nil {
		log.WithError(err).WithFields(localLogTags).Debugf(
			"Transport of %s did not close cleanly", connectionID,
		)
	}

	result.Status = StatusDisconnected
	log.WithFields(localLogTags).Infof(
		"Disconnected %s (user %s): %s", connectionID, result.User.UserID, reason,
	)
	return &result, nil
}

// closeCodeForReason map a teardown reason onto the close code the client
// sees. Reasons without a dedicated code close normally.
func closeCodeForReason(reason string) int {
	switch reason {
	case string(ErrCodeAccessDenied):
		return CloseCodeAccessDenied
	case ReasonServerShutdown:
		return CloseCodeServerShutdown
	}
	return 0
}

// JoinGroup record a group subscription. Membership authorization has
// already happened by the time this is called.
func (r *connectionRegistryImpl) JoinGroup(connectionID, groupID string) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.records[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	// Record and index move together under the registry lock. Disconnect
	// removes index entries based on the record's sets; an index write outside
	// the lock could land after the record is already gone and dangle forever.
	record.groups[groupID] = true
	r.index.AddGroupSubscription(groupID, connectionID)
	return nil
}

// LeaveGroup remove a group subscription
func (r *connectionRegistryImpl) LeaveGroup(connectionID, groupID string) (bool, error) {
	r.lock.Lock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	subscribed := record.groups[groupID]
	delete(record.groups, groupID)
	r.index.RemoveGroupSubscription(groupID, connectionID)
	r.lock.Unlock()
	return subscribed, nil
}

// JoinThread record a thread subscription
func (r *connectionRegistryImpl) JoinThread(connectionID, threadID string) error {
	r.lock.Lock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	record.threads[threadID] = true
	r.index.AddThreadSubscription(threadID, connectionID)
	r.lock.Unlock()
	return nil
}

// LeaveThread remove a thread subscription
func (r *connectionRegistryImpl) LeaveThread(connectionID, threadID string) (bool, error) {
	r.lock.Lock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.Unlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	subscribed := record.threads[threadID]
	delete(record.threads, threadID)
	r.index.RemoveThreadSubscription(threadID, connectionID)
	r.lock.Unlock()
	return subscribed, nil
}

// RefreshHeartbeat update the last heartbeat timestamp
func (r *connectionRegistryImpl) RefreshHeartbeat(connectionID string, at time.Time) error {
	r.lock.Lock()
	defer r.lock.Unlock()
	record, ok := r.records[connectionID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	if at.After(record.lastHeartbeat) {
		record.lastHeartbeat = at
	}
	return nil
}

// StaleConnections list connections silent since before the cutoff
func (r *connectionRegistryImpl) StaleConnections(cutoff time.Time) []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	var result []string
	for connectionID, record := range r.records {
		if record.lastHeartbeat.Before(cutoff) {
			result = append(result, connectionID)
		}
	}
	return result
}

// RateGate run the sliding-window gate for one inbound message
func (r *connectionRegistryImpl) RateGate(
	connectionID string, now time.Time,
) (bool, error) {
	r.lock.RLock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.RUnlock()
		return false, fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	limiter := record.limiter
	r.lock.RUnlock()
	// The limiter serializes itself; the registry lock is not needed here.
	if !limiter.CanSend(now) {
		return false, nil
	}
	limiter.RecordSend(now)
	return true, nil
}

// SendFrame queue a frame on the connection's transport
func (r *connectionRegistryImpl) SendFrame(connectionID string, frame Frame) error {
	r.lock.RLock()
	record, ok := r.records[connectionID]
	if !ok {
		r.lock.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownConnection, connectionID)
	}
	transport := record.transport
	r.lock.RUnlock()
	// SendFrame is a non-blocking buffer push; safe to call outside the lock
	// and past a concurrent teardown, where the write is dropped.
	return transport.SendFrame(frame)
}

// Snapshot copy of one connection's state
func (r *connectionRegistryImpl) Snapshot(connectionID string) (ConnectionSnapshot, bool) {
	r.lock.RLock()
	defer r.lock.RUnlock()
	record, ok := r.records[connectionID]
	if !ok {
		return ConnectionSnapshot{}, false
	}
	return record.snapshot(), true
}

// ConnectedUsers resolve the user IDs behind a set of connection IDs
func (r *connectionRegistryImpl) ConnectedUsers(connectionIDs []string) map[string]bool {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make(map[string]bool)
	for _, connectionID := range connectionIDs {
		if record, ok := r.records[connectionID]; ok {
			result[record.user.UserID] = true
		}
	}
	return result
}

// AllConnectionIDs list all registered connection IDs
func (r *connectionRegistryImpl) AllConnectionIDs() []string {
	r.lock.RLock()
	defer r.lock.RUnlock()
	result := make([]string, 0, len(r.records))
	for connectionID := range r.records {
		result = append(result, connectionID)
	}
	return result
}

// Stats registry summary for monitoring
func (r *connectionRegistryImpl) Stats() RegistryStats {
	r.lock.RLock()
	defer r.lock.RUnlock()
	byStatus := make(map[string]int)
	users := make(map[string]bool)
	for _, record := range r.records {
		byStatus[record.status.String()]++
		users[record.user.UserID] = true
	}
	return RegistryStats{
		TotalConnections: len(r.records),
		ByStatus:         byStatus,
		Users:            len(users),
	}
}
