package memstore

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/habitloop/relay/messaging"
	"github.com/stretchr/testify/assert"
)

func TestMessageStoreLifecycle(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, err := GetInMemoryMessageStore("testing")
	assert.Nil(err)

	msg := messaging.StoredMessage{
		ID:       uuid.New().String(),
		GroupID:  "group-1",
		SenderID: "user-1",
		Content:  "v1",
		SentAt:   time.Now().UTC(),
	}
	stored, err := uut.PersistMessage(ctxt, msg)
	assert.Nil(err)
	assert.Equal("v1", stored.Content)

	// Duplicate IDs are rejected
	_, err = uut.PersistMessage(ctxt, msg)
	assert.NotNil(err)

	// Only the sender may edit
	_, err = uut.EditMessage(ctxt, "group-1", msg.ID, "user-2", "v2")
	assert.NotNil(err)
	updated, err := uut.EditMessage(ctxt, "group-1", msg.ID, "user-1", "v2")
	assert.Nil(err)
	assert.Equal("v2", updated.Content)
	assert.NotNil(updated.EditedAt)

	// Wrong group does not resolve the message
	_, err = uut.EditMessage(ctxt, "group-2", msg.ID, "user-1", "v3")
	assert.NotNil(err)

	// Only the sender may delete; a deleted message is gone for everyone
	assert.NotNil(uut.DeleteMessage(ctxt, "group-1", msg.ID, "user-2"))
	assert.Nil(uut.DeleteMessage(ctxt, "group-1", msg.ID, "user-1"))
	_, err = uut.EditMessage(ctxt, "group-1", msg.ID, "user-1", "v4")
	assert.NotNil(err)
}

func TestMessageStoreReactions(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, err := GetInMemoryMessageStore("testing")
	assert.Nil(err)

	msg := messaging.StoredMessage{
		ID: uuid.New().String(), GroupID: "group-1", SenderID: "user-1", Content: "hi",
	}
	_, err = uut.PersistMessage(ctxt, msg)
	assert.Nil(err)

	update, err := uut.AddReaction(ctxt, "group-1", msg.ID, "user-2", "thumbs_up")
	assert.Nil(err)
	assert.Equal(map[string]string{"user-2": "thumbs_up"}, update.Reactions)

	// A repeat reaction from the same user replaces the previous one
	update, err = uut.AddReaction(ctxt, "group-1", msg.ID, "user-2", "heart")
	assert.Nil(err)
	assert.Equal(map[string]string{"user-2": "heart"}, update.Reactions)

	_, err = uut.AddReaction(ctxt, "group-1", "no-such-message", "user-2", "heart")
	assert.NotNil(err)
}

func TestMessageStoreReadReceipts(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, err := GetInMemoryMessageStore("testing")
	assert.Nil(err)

	msg := messaging.StoredMessage{
		ID: uuid.New().String(), GroupID: "group-1", SenderID: "user-1", Content: "hi",
	}
	_, err = uut.PersistMessage(ctxt, msg)
	assert.Nil(err)

	first := time.Now().UTC()
	receipt, err := uut.AddReadReceipt(ctxt, "group-1", msg.ID, "user-2", first)
	assert.Nil(err)
	assert.Equal(first, receipt.ReadAt)

	// Repeat receipt keeps one entry; the later timestamp wins
	later := first.Add(time.Minute)
	receipt, err = uut.AddReadReceipt(ctxt, "group-1", msg.ID, "user-2", later)
	assert.Nil(err)
	assert.Equal(later, receipt.ReadAt)

	// An out-of-order earlier receipt does not roll the entry backwards
	receipt, err = uut.AddReadReceipt(ctxt, "group-1", msg.ID, "user-2", first)
	assert.Nil(err)
	assert.Equal(later, receipt.ReadAt)
}

func TestGroupDirectory(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, err := GetInMemoryGroupDirectory("testing", false)
	assert.Nil(err)

	uut.SetMembers("group-1", []string{"user-1", "user-2"})
	member, err := uut.IsGroupMember(ctxt, "user-1", "group-1")
	assert.Nil(err)
	assert.True(member)
	member, err = uut.IsGroupMember(ctxt, "user-3", "group-1")
	assert.Nil(err)
	assert.False(member)

	uut.AddMember("group-1", "user-3")
	members, err := uut.GroupMembers(ctxt, "group-1")
	assert.Nil(err)
	assert.ElementsMatch([]string{"user-1", "user-2", "user-3"}, members)

	uut.RemoveMember("group-1", "user-1")
	member, err = uut.IsGroupMember(ctxt, "user-1", "group-1")
	assert.Nil(err)
	assert.False(member)

	// Open membership admits anyone
	open, err := GetInMemoryGroupDirectory("testing", true)
	assert.Nil(err)
	member, err = open.IsGroupMember(ctxt, "anyone", "any-group")
	assert.Nil(err)
	assert.True(member)
}

func TestStaticTokenVerifier(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, err := GetStaticTokenVerifier("testing")
	assert.Nil(err)

	_, err = uut.VerifyToken(ctxt, "")
	assert.NotNil(err)
	_, err = uut.VerifyToken(ctxt, "unknown")
	assert.NotNil(err)

	uut.RegisterToken("token-1", messaging.UserIdentity{UserID: "user-1"})
	user, err := uut.VerifyToken(ctxt, "token-1")
	assert.Nil(err)
	assert.Equal("user-1", user.UserID)

	uut.RevokeToken("token-1")
	_, err = uut.VerifyToken(ctxt, "token-1")
	assert.NotNil(err)
}
