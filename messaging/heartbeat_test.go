package messaging

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestHeartbeatSweep(t *testing.T) {
	assert := assert.New(t)
	wg := sync.WaitGroup{}
	defer wg.Wait()
	ctxt, cancel := context.WithCancel(context.Background())
	defer cancel()

	index, err := GetSubscriptionIndex("testing")
	assert.Nil(err)
	verifier := newTestVerifier()
	verifier.tokens["t-1"] = UserIdentity{UserID: "user-1"}
	verifier.tokens["t-2"] = UserIdentity{UserID: "user-2"}
	registry, err := GetConnectionRegistry("testing", index, verifier, RegistryConfig{
		MaxConnectionsPerUser: 2,
		RateLimitMaxMessages:  100,
		RateLimitWindow:       time.Second,
	})
	assert.Nil(err)

	var evictedLock sync.Mutex
	var evicted []string
	uut, err := GetHeartbeatMonitor(
		ctxt, "testing", registry, time.Minute, time.Millisecond*100,
		func(callCtxt context.Context, connectionID string) {
			evictedLock.Lock()
			evicted = append(evicted, connectionID)
			evictedLock.Unlock()
			_, err := registry.Disconnect(callCtxt, connectionID, ReasonHeartbeatTimeout)
			assert.Nil(err)
		},
		&wg,
	)
	assert.Nil(err)

	_, err = registry.Connect(ctxt, "conn-1", &testTransport{}, "t-1")
	assert.Nil(err)
	transport2 := &testTransport{}
	_, err = registry.Connect(ctxt, "conn-2", transport2, "t-2")
	assert.Nil(err)

	// Both fresh: nothing evicted
	assert.Empty(uut.SweepOnce(ctxt))

	// Let conn-2 go silent past the timeout while conn-1 keeps pinging
	time.Sleep(time.Millisecond * 150)
	assert.Nil(registry.RefreshHeartbeat("conn-1", time.Now().UTC()))

	stale := uut.SweepOnce(ctxt)
	assert.ElementsMatch([]string{"conn-2"}, stale)
	evictedLock.Lock()
	assert.ElementsMatch([]string{"conn-2"}, evicted)
	evictedLock.Unlock()
	assert.True(transport2.wasClosed())
	_, found := registry.Snapshot("conn-2")
	assert.False(found)
	_, found = registry.Snapshot("conn-1")
	assert.True(found)
}
