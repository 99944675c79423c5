package apis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/habitloop/relay/common"
	"github.com/habitloop/relay/memstore"
	"github.com/habitloop/relay/messaging"
	"github.com/stretchr/testify/assert"
)

// discardNotifier drops offline delivery handoffs
type discardNotifier struct{}

func (n discardNotifier) EnqueueOfflineDelivery(
	ctxt context.Context, item messaging.OfflineQueueItem,
) error {
	return nil
}

func defineTestChatServer(t *testing.T) (*httptest.Server, func()) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	ctxt, cancel := context.WithCancel(context.Background())

	verifier, err := memstore.GetStaticTokenVerifier("testing")
	assert.Nil(err)
	verifier.RegisterToken("t-1", messaging.UserIdentity{UserID: "user-1", DisplayName: "Alex"})
	verifier.RegisterToken("t-2", messaging.UserIdentity{UserID: "user-2", DisplayName: "Brook"})
	directory, err := memstore.GetInMemoryGroupDirectory("testing", false)
	assert.Nil(err)
	directory.SetMembers("group-1", []string{"user-1", "user-2"})
	store, err := memstore.GetInMemoryMessageStore("testing")
	assert.Nil(err)

	service, err := messaging.GetChatService(ctxt, messaging.ChatServiceParams{
		Instance:  "testing",
		Verifier:  verifier,
		Directory: directory,
		Store:     store,
		Notifier:  discardNotifier{},
		Registry: messaging.RegistryConfig{
			MaxConnectionsPerUser: 2,
			RateLimitMaxMessages:  100,
			RateLimitWindow:       time.Second,
		},
		HeartbeatSweepInterval: time.Minute,
		HeartbeatTimeout:       time.Minute,
		OfflineQueue: messaging.OfflineQueueConfig{
			MaxRetries: 3, RetryInterval: time.Hour, TaskBuffer: 16,
		},
	}, &wg)
	assert.Nil(err)
	assert.Nil(service.Start())

	httpConfig := common.HTTPConfig{
		Logging: common.HTTPRequestLogging{
			RequestIDHeader: "Habitloop-Request-ID",
		},
	}
	handler, err := GetAPIRestChatHandler(ctxt, service, nil, &httpConfig, 16, &wg)
	assert.Nil(err)

	router := mux.NewRouter()
	_ = RegisterPathPrefix(router, "/v1/chat/group/{groupID}", map[string]http.HandlerFunc{
		"get": handler.ServeChatGroupHandler(),
	})
	_ = RegisterPathPrefix(router, "/v1/chat/stats", map[string]http.HandlerFunc{
		"get": handler.GetStatsHandler(),
	})
	_ = RegisterPathPrefix(router, "/alive", map[string]http.HandlerFunc{
		"get": handler.AliveHandler(),
	})

	server := httptest.NewServer(router)
	return server, func() {
		stopCtxt, stopCancel := context.WithTimeout(context.Background(), time.Second*5)
		defer stopCancel()
		assert.Nil(service.Stop(stopCtxt))
		server.Close()
		cancel()
		wg.Wait()
	}
}

func wsURL(server *httptest.Server, path string) string {
	return strings.Replace(server.URL, "http://", "ws://", 1) + path
}

func readFrameOfType(
	t *testing.T, conn *websocket.Conn, frameType messaging.FrameType,
) messaging.Frame {
	assert := assert.New(t)
	deadline := time.Now().Add(time.Second * 2)
	assert.Nil(conn.SetReadDeadline(deadline))
	for {
		var frame messaging.Frame
		err := conn.ReadJSON(&frame)
		assert.Nilf(err, "expected a %s frame", frameType)
		if err != nil {
			return messaging.Frame{}
		}
		if frame.Type == frameType {
			return frame
		}
	}
}

func TestChatSessionLifecycle(t *testing.T) {
	assert := assert.New(t)

	server, cleanup := defineTestChatServer(t)
	defer cleanup()

	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/v1/chat/group/group-1?token=t-1"), nil,
	)
	assert.Nil(err)
	defer func() { _ = conn.Close() }()

	ack := readFrameOfType(t, conn, messaging.FrameTypeConnectionEstablished)
	var ackPayload map[string]string
	assert.Nil(json.Unmarshal(ack.Data, &ackPayload))
	assert.Equal("user-1", ackPayload["user_id"])

	// Ping round trip
	ping := messaging.Frame{
		Type: messaging.FrameTypePing, Timestamp: time.Now().UTC(), MessageID: "p-1",
	}
	assert.Nil(conn.WriteJSON(&ping))
	pong := readFrameOfType(t, conn, messaging.FrameTypePong)
	assert.Equal("p-1", pong.MessageID)
}

func TestChatSessionMessageExchange(t *testing.T) {
	assert := assert.New(t)

	server, cleanup := defineTestChatServer(t)
	defer cleanup()

	sender, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/v1/chat/group/group-1?token=t-1"), nil,
	)
	assert.Nil(err)
	defer func() { _ = sender.Close() }()
	readFrameOfType(t, sender, messaging.FrameTypeConnectionEstablished)

	receiver, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/v1/chat/group/group-1?token=t-2"), nil,
	)
	assert.Nil(err)
	defer func() { _ = receiver.Close() }()
	readFrameOfType(t, receiver, messaging.FrameTypeConnectionEstablished)

	payload, err := json.Marshal(messaging.SendMessageRequest{Content: "hello group"})
	assert.Nil(err)
	outbound := messaging.Frame{
		Type:      messaging.FrameTypeSendMessage,
		GroupID:   "group-1",
		Data:      payload,
		Timestamp: time.Now().UTC(),
		MessageID: "c-1",
	}
	assert.Nil(sender.WriteJSON(&outbound))

	// Receiver gets the fanout copy; sender gets the stored form back
	delivered := readFrameOfType(t, receiver, messaging.FrameTypeMessage)
	var stored messaging.StoredMessage
	assert.Nil(json.Unmarshal(delivered.Data, &stored))
	assert.Equal("hello group", stored.Content)
	assert.Equal("user-1", stored.SenderID)

	ack := readFrameOfType(t, sender, messaging.FrameTypeMessage)
	assert.Equal("c-1", ack.MessageID)
}

func TestChatSessionRejections(t *testing.T) {
	assert := assert.New(t)

	server, cleanup := defineTestChatServer(t)
	defer cleanup()

	// Bad credential: error frame, then close with the auth failure code
	{
		conn, _, err := websocket.DefaultDialer.Dial(
			wsURL(server, "/v1/chat/group/group-1?token=bogus"), nil,
		)
		assert.Nil(err)
		defer func() { _ = conn.Close() }()
		assert.Nil(conn.SetReadDeadline(time.Now().Add(time.Second * 2)))
		sawClose := false
		for i := 0; i < 3; i++ {
			var frame messaging.Frame
			if err := conn.ReadJSON(&frame); err != nil {
				assert.True(websocket.IsCloseError(err, messaging.CloseCodeAuthFailure))
				sawClose = true
				break
			}
		}
		assert.True(sawClose)
	}

	// Non-member: session torn down; any frame delivered first is the
	// access denial
	{
		directoryLess, _, err := websocket.DefaultDialer.Dial(
			wsURL(server, "/v1/chat/group/group-9?token=t-1"), nil,
		)
		assert.Nil(err)
		defer func() { _ = directoryLess.Close() }()
		assert.Nil(directoryLess.SetReadDeadline(time.Now().Add(time.Second * 2)))
		sawTeardown := false
		for i := 0; i < 3; i++ {
			var frame messaging.Frame
			if err := directoryLess.ReadJSON(&frame); err != nil {
				sawTeardown = true
				break
			}
			assert.Equal(messaging.FrameTypeError, frame.Type)
		}
		assert.True(sawTeardown)
	}
}

func TestChatRESTEndpoints(t *testing.T) {
	assert := assert.New(t)

	server, cleanup := defineTestChatServer(t)
	defer cleanup()

	// Liveness
	resp, err := http.Get(fmt.Sprintf("%s/alive", server.URL))
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	_ = resp.Body.Close()

	// Stats reflect the live session
	conn, _, err := websocket.DefaultDialer.Dial(
		wsURL(server, "/v1/chat/group/group-1?token=t-1"), nil,
	)
	assert.Nil(err)
	defer func() { _ = conn.Close() }()
	readFrameOfType(t, conn, messaging.FrameTypeConnectionEstablished)

	resp, err = http.Get(fmt.Sprintf("%s/v1/chat/stats", server.URL))
	assert.Nil(err)
	assert.Equal(http.StatusOK, resp.StatusCode)
	var stats ChatStatsResponse
	assert.Nil(json.NewDecoder(resp.Body).Decode(&stats))
	_ = resp.Body.Close()
	assert.True(stats.Success)
	assert.Equal(1, stats.Stats.Registry.TotalConnections)
	assert.Equal(1, stats.Stats.GroupSubscribers["group-1"])
}
