package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowLimiter(t *testing.T) {
	assert := assert.New(t)

	uut := NewSlidingWindowLimiter(3, time.Second)
	base := time.Now().UTC()

	// First N sends within the window pass
	for i := 0; i < 3; i++ {
		at := base.Add(time.Millisecond * time.Duration(i*10))
		assert.True(uut.CanSend(at))
		uut.RecordSend(at)
	}
	assert.Equal(3, uut.Pending(base.Add(time.Millisecond*100)))

	// The N+1th send inside the window is rejected
	assert.False(uut.CanSend(base.Add(time.Millisecond * 500)))

	// Once the oldest send ages past the window, capacity frees up
	after := base.Add(time.Second + time.Millisecond*5)
	assert.True(uut.CanSend(after))
	uut.RecordSend(after)
	assert.False(uut.CanSend(after.Add(time.Millisecond * 2)))
}

func TestSlidingWindowLimiterWindowSlides(t *testing.T) {
	assert := assert.New(t)

	uut := NewSlidingWindowLimiter(2, time.Second)
	base := time.Now().UTC()

	uut.RecordSend(base)
	uut.RecordSend(base.Add(time.Millisecond * 600))
	assert.False(uut.CanSend(base.Add(time.Millisecond * 900)))

	// Only the first send has aged out at this point
	at := base.Add(time.Millisecond * 1100)
	assert.True(uut.CanSend(at))
	assert.Equal(1, uut.Pending(at))
	uut.RecordSend(at)
	assert.False(uut.CanSend(at.Add(time.Millisecond * 10)))
}
