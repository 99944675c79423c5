package messaging

import (
	"sync"

	"github.com/apex/log"
	"github.com/habitloop/relay/common"
)

// SubscriptionIndex reverse lookup from group / thread / user keys to the
// IDs of subscribed connections. Pure index; holds connection IDs only,
// never live records. Entries are added and removed in lockstep with the
// owning connection record's subscription sets so both sides always agree.
type SubscriptionIndex interface {
	// AddGroupSubscription index a connection under a group
	AddGroupSubscription(groupID, connectionID string)
	// RemoveGroupSubscription drop a connection from a group entry
	RemoveGroupSubscription(groupID, connectionID string)
	// AddThreadSubscription index a connection under a thread
	AddThreadSubscription(threadID, connectionID string)
	// RemoveThreadSubscription drop a connection from a thread entry
	RemoveThreadSubscription(threadID, connectionID string)
	// AddUserConnection index a connection under its user
	AddUserConnection(userID, connectionID string)
	// RemoveUserConnection drop a connection from the per-user map
	RemoveUserConnection(userID, connectionID string)
	// RemoveConnection drop a connection from every entry it appears in
	RemoveConnection(connectionID string, groups, threads []string, userID string)
	// GroupSubscribers resolve the live connection ID set of a group
	GroupSubscribers(groupID string) []string
	// ThreadSubscribers resolve the live connection ID set of a thread
	ThreadSubscribers(threadID string) []string
	// UserConnections resolve the live connection ID set of a user
	UserConnections(userID string) []string
	// GroupSubscriberCounts per-group subscriber counts for monitoring
	GroupSubscriberCounts() map[string]int
	// ThreadSubscriberCounts per-thread subscriber counts for monitoring
	ThreadSubscriberCounts() map[string]int
}

// subscriptionIndexImpl implements SubscriptionIndex
type subscriptionIndexImpl struct {
	common.Component
	lock      sync.RWMutex
	byGroup   map[string]map[string]bool
	byThread  map[string]map[string]bool
	byUser    map[string]map[string]bool
}

// GetSubscriptionIndex define a new subscription index
func GetSubscriptionIndex(instance string) (SubscriptionIndex, error) {
	logTags := log.Fields{
		"module": "messaging", "component": "subscription-index", "instance": instance,
	}
	return &subscriptionIndexImpl{
		Component: common.Component{LogTags: logTags},
		byGroup:   make(map[string]map[string]bool),
		byThread:  make(map[string]map[string]bool),
		byUser:    make(map[string]map[string]bool),
	}, nil
}

// addEntry index connectionID under key. Caller holds lock.
func addEntry(index map[string]map[string]bool, key, connectionID string) {
	entry, ok := index[key]
	if !ok {
		entry = make(map[string]bool)
		index[key] = entry
	}
	entry[connectionID] = true
}

// removeEntry drop connectionID from key, deleting the entry once empty so
// no dangling entries remain. Caller holds lock.
func removeEntry(index map[string]map[string]bool, key, connectionID string) {
	entry, ok := index[key]
	if !ok {
		return
	}
	delete(entry, connectionID)
	if len(entry) == 0 {
		delete(index, key)
	}
}

// membersOf copy the connection ID set of key. Caller holds lock.
func membersOf(index map[string]map[string]bool, key string) []string {
	entry, ok := index[key]
	if !ok {
		return nil
	}
	result := make([]string, 0, len(entry))
	for connectionID := range entry {
		result = append(result, connectionID)
	}
	return result
}

// AddGroupSubscription index a connection under a group
func (s *subscriptionIndexImpl) AddGroupSubscription(groupID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	addEntry(s.byGroup, groupID, connectionID)
}

// RemoveGroupSubscription drop a connection from a group entry
func (s *subscriptionIndexImpl) RemoveGroupSubscription(groupID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	removeEntry(s.byGroup, groupID, connectionID)
}

// AddThreadSubscription index a connection under a thread
func (s *subscriptionIndexImpl) AddThreadSubscription(threadID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	addEntry(s.byThread, threadID, connectionID)
}

// RemoveThreadSubscription drop a connection from a thread entry
func (s *subscriptionIndexImpl) RemoveThreadSubscription(threadID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	removeEntry(s.byThread, threadID, connectionID)
}

// AddUserConnection index a connection under its user
func (s *subscriptionIndexImpl) AddUserConnection(userID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	addEntry(s.byUser, userID, connectionID)
}

// RemoveUserConnection drop a connection from the per-user map
func (s *subscriptionIndexImpl) RemoveUserConnection(userID, connectionID string) {
	s.lock.Lock()
	defer s.lock.Unlock()
	removeEntry(s.byUser, userID, connectionID)
}

// RemoveConnection drop a connection from every entry it appears in. Called
// synchronously on disconnect so no index entry outlives its record.
func (s *subscriptionIndexImpl) RemoveConnection(
	connectionID string, groups, threads []string, userID string,
) {
	s.lock.Lock()
	defer s.lock.Unlock()
	for _, groupID := range groups {
		removeEntry(s.byGroup, groupID, connectionID)
	}
	for _, threadID := range threads {
		removeEntry(s.byThread, threadID, connectionID)
	}
	removeEntry(s.byUser, userID, connectionID)
	log.WithFields(s.LogTags).Debugf("Cleared index entries of connection %s", connectionID)
}

// GroupSubscribers resolve the live connection ID set of a group
func (s *subscriptionIndexImpl) GroupSubscribers(groupID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return membersOf(s.byGroup, groupID)
}

// ThreadSubscribers resolve the live connection ID set of a thread
func (s *subscriptionIndexImpl) ThreadSubscribers(threadID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return membersOf(s.byThread, threadID)
}

// UserConnections resolve the live connection ID set of a user
func (s *subscriptionIndexImpl) UserConnections(userID string) []string {
	s.lock.RLock()
	defer s.lock.RUnlock()
	return membersOf(s.byUser, userID)
}

// GroupSubscriberCounts per-group subscriber counts for monitoring
func (s *subscriptionIndexImpl) GroupSubscriberCounts() map[string]int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make(map[string]int, len(s.byGroup))
	for groupID, entry := range s.byGroup {
		result[groupID] = len(entry)
	}
	return result
}

// ThreadSubscriberCounts per-thread subscriber counts for monitoring
func (s *subscriptionIndexImpl) ThreadSubscriberCounts() map[string]int {
	s.lock.RLock()
	defer s.lock.RUnlock()
	result := make(map[string]int, len(s.byThread))
	for threadID, entry := range s.byThread {
		result[threadID] = len(entry)
	}
	return result
}
