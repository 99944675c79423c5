package messaging

import (
	"context"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
)

// SendFailureHandler invoked when a frame could not be queued on a
// connection's transport. The handler must not block; the usual action is
// scheduling that connection's disconnect.
type SendFailureHandler func(connectionID string)

// BroadcastEngine fans a frame out to every connection the subscription
// index resolves for a target. Delivery is best-effort; one stalled
// recipient never blocks or aborts delivery to the rest.
type BroadcastEngine interface {
	// BroadcastToGroup deliver a frame to every subscriber of a group,
	// skipping excludeConnection when set. Returns the delivered count.
	BroadcastToGroup(
		ctxt context.Context, groupID string, frame Frame, excludeConnection string,
	) int
	// BroadcastToThread deliver a frame to every subscriber of a thread
	BroadcastToThread(
		ctxt context.Context, threadID string, frame Frame, excludeConnection string,
	) int
	// SendToUser deliver a frame to every live connection of one user
	SendToUser(ctxt context.Context, userID string, frame Frame) int
	// SendToConnection deliver a frame to a single connection
	SendToConnection(connectionID string, frame Frame) error
}

// broadcastEngineImpl implements BroadcastEngine
type broadcastEngineImpl struct {
	common.Component
	registry      ConnectionRegistry
	index         SubscriptionIndex
	onSendFailure SendFailureHandler
}

// GetBroadcastEngine define a new broadcast engine
func GetBroadcastEngine(
	instance string,
	registry ConnectionRegistry,
	index SubscriptionIndex,
	onSendFailure SendFailureHandler,
) (BroadcastEngine, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "broadcast-engine", "instance": instance,
	}
	return &broadcastEngineImpl{
		Component:     common.Component{LogTags: logTags},
		registry:      registry,
		index:         index,
		onSendFailure: onSendFailure,
	}, nil
}

// deliver push the frame at each connection in targets. This is fanout, not
// a transaction; a failed recipient is reported and skipped.
func (b *broadcastEngineImpl) deliver(
	targets []string, frame Frame, excludeConnection string,
) int {
	delivered := 0
	for _, connectionID := range targets {
		if excludeConnection != "" && connectionID == excludeConnection {
			continue
		}
		if err := b.registry.SendFrame(connectionID, frame); err != nil {
			log.WithError(err).WithFields(b.LogTags).Infof(
				"Dropping %s from fanout of %s", connectionID, frame.String(),
			)
			if b.onSendFailure != nil {
				b.onSendFailure(connectionID)
			}
			continue
		}
		delivered++
	}
	return delivered
}

// BroadcastToGroup deliver a frame to every subscriber of a group
func (b *broadcastEngineImpl) BroadcastToGroup(
	ctxt context.Context, groupID string, frame Frame, excludeConnection string,
) int {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	// Resolve once, then deliver outside any index lock
	targets := b.index.GroupSubscribers(groupID)
	delivered := b.deliver(targets, frame, excludeConnection)
	log.WithFields(localLogTags).Debugf(
		"Fanout %s to group %s reached %d/%d", frame.String(), groupID, delivered, len(targets),
	)
	return delivered
}

// BroadcastToThread deliver a frame to every subscriber of a thread
func (b *broadcastEngineImpl) BroadcastToThread(
	ctxt context.Context, threadID string, frame Frame, excludeConnection string,
) int {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	targets := b.index.ThreadSubscribers(threadID)
	delivered := b.deliver(targets, frame, excludeConnection)
	log.WithFields(localLogTags).Debugf(
		"Fanout %s to thread %s reached %d/%d", frame.String(), threadID, delivered, len(targets),
	)
	return delivered
}

// SendToUser deliver a frame to every live connection of one user
func (b *broadcastEngineImpl) SendToUser(
	ctxt context.Context, userID string, frame Frame,
) int {
	localLogTags, _ := common.UpdateLogTags(ctxt, b.LogTags)
	targets := b.index.UserConnections(userID)
	delivered := b.deliver(targets, frame, "")
	log.WithFields(localLogTags).Debugf(
		"Unicast %s to user %s reached %d connections", frame.String(), userID, delivered,
	)
	return delivered
}

// SendToConnection deliver a frame to a single connection
func (b *broadcastEngineImpl) SendToConnection(connectionID string, frame Frame) error {
	if err := b.registry.SendFrame(connectionID, frame); err != nil {
		log.WithError(err).WithFields(b.LogTags).Infof(
			"Unable to deliver %s to %s", frame.String(), connectionID,
		)
		if b.onSendFailure != nil {
			b.onSendFailure(connectionID)
		}
		return err
	}
	return nil
}
