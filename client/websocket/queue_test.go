package websocket

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSendQueue(t *testing.T) {
	assert := assert.New(t)

	var q sendQueue

	_, ok := q.Pop()
	assert.False(ok)
	assert.Equal(0, q.Len())

	q.Push("qs_a", "one")
	q.Push("qs_a", "two")
	assert.Equal(2, q.Len())

	// Prepend jumps the queue: the auth frame relies on this.
	q.Prepend("", "auth")

	for _, want := range []string{"auth", "one", "two"} {
		f, ok := q.Pop()
		assert.True(ok)
		assert.Equal(want, f.frame)
	}

	_, ok = q.Pop()
	assert.False(ok)
}

func TestSendQueueDrop(t *testing.T) {
	assert := assert.New(t)

	var q sendQueue

	q.Prepend("", "auth")
	q.Push("qs_a", "stale")
	q.Push("", "heartbeat")
	q.Push("qs_b", "kept")

	// Only frames of matching sessions go; keyless frames always stay.
	q.Drop(func(key string) bool { return key == "qs_a" })

	var frames []string
	for {
		f, ok := q.Pop()
		if !ok {
			break
		}
		frames = append(frames, f.frame)
	}

	assert.Equal([]string{"auth", "heartbeat", "kept"}, frames)
}
