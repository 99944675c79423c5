package messaging

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSubscriptionIndexBasic(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionIndex("testing")
	assert.Nil(err)

	uut.AddGroupSubscription("group-1", "conn-1")
	uut.AddGroupSubscription("group-1", "conn-2")
	uut.AddGroupSubscription("group-2", "conn-2")
	uut.AddThreadSubscription("thread-1", "conn-1")
	uut.AddUserConnection("user-1", "conn-1")
	uut.AddUserConnection("user-1", "conn-2")

	assert.ElementsMatch([]string{"conn-1", "conn-2"}, uut.GroupSubscribers("group-1"))
	assert.ElementsMatch([]string{"conn-2"}, uut.GroupSubscribers("group-2"))
	assert.ElementsMatch([]string{"conn-1"}, uut.ThreadSubscribers("thread-1"))
	assert.ElementsMatch([]string{"conn-1", "conn-2"}, uut.UserConnections("user-1"))
	assert.Empty(uut.GroupSubscribers("group-3"))

	uut.RemoveGroupSubscription("group-1", "conn-1")
	assert.ElementsMatch([]string{"conn-2"}, uut.GroupSubscribers("group-1"))

	// Removing an absent entry is a no-op
	uut.RemoveGroupSubscription("group-3", "conn-9")
	uut.RemoveThreadSubscription("thread-1", "conn-9")
	assert.ElementsMatch([]string{"conn-1"}, uut.ThreadSubscribers("thread-1"))

	counts := uut.GroupSubscriberCounts()
	assert.Equal(1, counts["group-1"])
	assert.Equal(1, counts["group-2"])
}

func TestSubscriptionIndexRemoveConnection(t *testing.T) {
	assert := assert.New(t)

	uut, err := GetSubscriptionIndex("testing")
	assert.Nil(err)

	uut.AddGroupSubscription("group-1", "conn-1")
	uut.AddGroupSubscription("group-2", "conn-1")
	uut.AddThreadSubscription("thread-1", "conn-1")
	uut.AddUserConnection("user-1", "conn-1")
	uut.AddGroupSubscription("group-1", "conn-2")
	uut.AddUserConnection("user-1", "conn-2")

	uut.RemoveConnection("conn-1", []string{"group-1", "group-2"}, []string{"thread-1"}, "user-1")

	// No entry still resolves the removed connection
	assert.ElementsMatch([]string{"conn-2"}, uut.GroupSubscribers("group-1"))
	assert.Empty(uut.GroupSubscribers("group-2"))
	assert.Empty(uut.ThreadSubscribers("thread-1"))
	assert.ElementsMatch([]string{"conn-2"}, uut.UserConnections("user-1"))

	// Emptied entries are deleted, not left dangling
	assert.NotContains(uut.GroupSubscriberCounts(), "group-2")
	assert.NotContains(uut.ThreadSubscriberCounts(), "thread-1")
}
