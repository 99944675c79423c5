package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func defineTestService(t *testing.T) (ChatService, *testDirectory, func()) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	verifier := newTestVerifier()
	verifier.tokens["t-1"] = UserIdentity{UserID: "user-1", DisplayName: "Alex"}
	verifier.tokens["t-2"] = UserIdentity{UserID: "user-2", DisplayName: "Brook"}
	directory := newTestDirectory()
	directory.members["group-1"] = []string{"user-1", "user-2"}
	directory.members["group-2"] = []string{"user-1"}

	uut, err := GetChatService(ctxt, ChatServiceParams{
		Instance:  "testing",
		Verifier:  verifier,
		Directory: directory,
		Store:     newTestStore(),
		Notifier:  newTestNotifier(),
		Registry: RegistryConfig{
			MaxConnectionsPerUser: 2,
			RateLimitMaxMessages:  100,
			RateLimitWindow:       time.Second,
		},
		HeartbeatSweepInterval: time.Minute,
		HeartbeatTimeout:       time.Minute,
		OfflineQueue: OfflineQueueConfig{
			MaxRetries: 3, RetryInterval: time.Hour, TaskBuffer: 16,
		},
	}, &wg)
	assert.Nil(err)
	assert.Nil(uut.Start())

	return uut, directory, func() {
		assert.Nil(uut.Stop(ctxt))
		cancel()
		wg.Wait()
	}
}

func TestServiceConnectAutoJoin(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)
	defer cleanup()

	transport1 := &testTransport{}
	snapshot, err := uut.Connect(ctxt, "conn-1", "group-1", transport1, "t-1")
	assert.Nil(err)
	assert.Contains(snapshot.Groups, "group-1")
	assert.Len(transport1.receivedOfType(FrameTypeConnectionEstablished), 1)

	// A second member joining announces to the first
	transport2 := &testTransport{}
	_, err = uut.Connect(ctxt, "conn-2", "group-1", transport2, "t-2")
	assert.Nil(err)
	joins := transport1.receivedOfType(FrameTypeUserJoined)
	assert.Len(joins, 1)

	// Group frames now reach both
	frame, err := NewServerFrame(FrameTypeMessage, "group-1", nil, "")
	assert.Nil(err)
	assert.Equal(2, uut.Broadcast(ctxt, "group-1", frame))
}

func TestServiceConnectAccessDenied(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)
	defer cleanup()

	// user-2 is not a member of group-2; the session is rejected and torn down
	transport := &testTransport{}
	_, err := uut.Connect(ctxt, "conn-1", "group-2", transport, "t-2")
	assert.ErrorIs(err, ErrAccessDenied)
	assert.True(transport.wasClosed())
	assert.Equal(CloseCodeAccessDenied, transport.closeCode)
	errors := transport.receivedOfType(FrameTypeError)
	assert.Len(errors, 1)
	assert.Equal(ErrCodeAccessDenied, errorCodeOf(t, errors[0]))

	// Nothing observable remains
	stats := uut.Stats()
	assert.Equal(0, stats.Registry.TotalConnections)
	assert.Empty(stats.GroupSubscribers)
}

func TestServiceDisconnectAnnounces(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)
	defer cleanup()

	transport1 := &testTransport{}
	_, err := uut.Connect(ctxt, "conn-1", "group-1", transport1, "t-1")
	assert.Nil(err)
	transport2 := &testTransport{}
	_, err = uut.Connect(ctxt, "conn-2", "group-1", transport2, "t-2")
	assert.Nil(err)

	assert.Nil(uut.Disconnect(ctxt, "conn-2", ReasonClientClose))
	left := transport1.receivedOfType(FrameTypeUserLeft)
	assert.Len(left, 1)
	assert.True(transport2.wasClosed())

	// Idempotent
	assert.Nil(uut.Disconnect(ctxt, "conn-2", ReasonClientClose))
	assert.Len(transport1.receivedOfType(FrameTypeUserLeft), 1)
}

func TestServiceShutdownCloseCode(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)

	transport := &testTransport{}
	_, err := uut.Connect(ctxt, "conn-1", "group-1", transport, "t-1")
	assert.Nil(err)

	// Shutdown teardown carries its dedicated close code
	cleanup()
	assert.True(transport.wasClosed())
	assert.Equal(CloseCodeServerShutdown, transport.closeCode)
}

func TestServiceJoinLeaveGroup(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)
	defer cleanup()

	transport := &testTransport{}
	_, err := uut.Connect(ctxt, "conn-1", "group-1", transport, "t-1")
	assert.Nil(err)

	// user-1 is a member of group-2 as well
	assert.Nil(uut.JoinGroup(ctxt, "conn-1", "group-2"))
	frame, err := NewServerFrame(FrameTypeMessage, "group-2", nil, "")
	assert.Nil(err)
	assert.Equal(1, uut.Broadcast(ctxt, "group-2", frame))

	// Denied join leaves no subscription behind
	transport2 := &testTransport{}
	_, err = uut.Connect(ctxt, "conn-2", "group-1", transport2, "t-2")
	assert.Nil(err)
	assert.NotNil(uut.JoinGroup(ctxt, "conn-2", "group-2"))
	errors := transport2.receivedOfType(FrameTypeError)
	assert.Len(errors, 1)
	assert.Equal(ErrCodeAccessDenied, errorCodeOf(t, errors[0]))
	assert.Equal(1, uut.Broadcast(ctxt, "group-2", frame))

	assert.Nil(uut.LeaveGroup(ctxt, "conn-1", "group-2"))
	assert.Equal(0, uut.Broadcast(ctxt, "group-2", frame))
}

func TestServiceSendFailureEviction(t *testing.T) {
	assert := assert.New(t)
	ctxt := context.Background()

	uut, _, cleanup := defineTestService(t)
	defer cleanup()

	transport1 := &testTransport{}
	_, err := uut.Connect(ctxt, "conn-1", "group-1", transport1, "t-1")
	assert.Nil(err)
	transport2 := &testTransport{}
	_, err = uut.Connect(ctxt, "conn-2", "group-1", transport2, "t-2")
	assert.Nil(err)

	// conn-2 stalls; fanout still reaches conn-1 and schedules the eviction
	transport2.setFailSend(true)
	frame, err := NewServerFrame(FrameTypeMessage, "group-1", nil, "")
	assert.Nil(err)
	assert.Equal(1, uut.Broadcast(ctxt, "group-1", frame))

	// Teardown is asynchronous
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if uut.Stats().Registry.TotalConnections == 1 {
			break
		}
		time.Sleep(time.Millisecond * 10)
	}
	assert.Equal(1, uut.Stats().Registry.TotalConnections)
	assert.True(transport2.wasClosed())
}
