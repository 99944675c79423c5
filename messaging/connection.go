package messaging

import (
	"fmt"
	"time"
)

// ConnectionStatus lifecycle state of one transport session
type ConnectionStatus int

// Connection lifecycle states. Any state may fall directly to DISCONNECTED
// on transport failure.
const (
	StatusConnecting ConnectionStatus = iota
	StatusAuthenticating
	StatusAuthenticated
	StatusDisconnecting
	StatusDisconnected
)

// String toString function
func (s ConnectionStatus) String() string {
	switch s {
	case StatusConnecting:
		return "CONNECTING"
	case StatusAuthenticating:
		return "AUTHENTICATING"
	case StatusAuthenticated:
		return "AUTHENTICATED"
	case StatusDisconnecting:
		return "DISCONNECTING"
	case StatusDisconnected:
		return "DISCONNECTED"
	}
	return fmt.Sprintf("UNKNOWN[%d]", int(s))
}

// MessageTransport handle on the underlying socket of one connection. The
// registry is the only component holding these; everything else refers to
// connections by ID.
type MessageTransport interface {
	// SendFrame queue one frame for transmission. Must not block; a full
	// outbound buffer is reported as an error so the caller can treat the
	// connection as stalled.
	SendFrame(frame Frame) error
	// Close close the underlying socket with a reason
	Close(code int, reason string) error
}

// connectionRecord state of one live transport session. Owned exclusively by
// the connection registry; never handed out by reference.
type connectionRecord struct {
	id            string
	user          UserIdentity
	status        ConnectionStatus
	transport     MessageTransport
	groups        map[string]bool
	threads       map[string]bool
	lastHeartbeat time.Time
	limiter       RateLimiter
}

// ConnectionSnapshot copy of a connection's state handed to callers. Holds
// no live references besides the transport needed for teardown.
type ConnectionSnapshot struct {
	ID            string
	User          UserIdentity
	Status        ConnectionStatus
	Groups        []string
	Threads       []string
	LastHeartbeat time.Time
}

// snapshot copy the record state. Caller holds the registry lock.
func (r *connectionRecord) snapshot() ConnectionSnapshot {
	groups := make([]string, 0, len(r.groups))
	for groupID := range r.groups {
		groups = append(groups, groupID)
	}
	threads := make([]string, 0, len(r.threads))
	for threadID := range r.threads {
		threads = append(threads, threadID)
	}
	return ConnectionSnapshot{
		ID:            r.id,
		User:          r.user,
		Status:        r.status,
		Groups:        groups,
		Threads:       threads,
		LastHeartbeat: r.lastHeartbeat,
	}
}
