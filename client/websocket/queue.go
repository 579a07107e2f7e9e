package websocket

// queuedFrame is one pending frame; key is the owning session's key, or
// empty for frames which belong to no session (the auth command, heartbeat
// echoes, raw user commands).
type queuedFrame struct {
	key   string
	frame string
}

// sendQueue is a FIFO of pre-encoded frames pending transmission. It is
// owned exclusively by the connection event loop (single writer), so it
// needs no locking. Flushing happens in conn.flushQueue, the only place
// that touches the transport write side.
type sendQueue struct {
	frames []queuedFrame
}

// Push appends a frame to the tail.
func (q *sendQueue) Push(key, frame string) {
	q.frames = append(q.frames, queuedFrame{key: key, frame: frame})
}

// Prepend puts a frame at the head; used for the auth command, which must
// be the first frame written after every (re)open.
func (q *sendQueue) Prepend(key, frame string) {
	q.frames = append([]queuedFrame{{key: key, frame: frame}}, q.frames...)
}

// Pop removes and returns the head frame; ok is false when empty.
func (q *sendQueue) Pop() (f queuedFrame, ok bool) {
	if len(q.frames) == 0 {
		return queuedFrame{}, false
	}

	f = q.frames[0]
	q.frames = q.frames[1:]
	return f, true
}

// Drop removes every queued frame whose session key satisfies match.
// Frames retained while disconnected are superseded by the owning
// session's replay log on reconnect; keeping them would both reorder the
// session's commands and transmit them twice.
func (q *sendQueue) Drop(match func(key string) bool) {
	kept := q.frames[:0]
	for _, f := range q.frames {
		if f.key == "" || !match(f.key) {
			kept = append(kept, f)
		}
	}
	q.frames = kept
}

// Len returns the number of queued frames.
func (q *sendQueue) Len() int {
	return len(q.frames)
}
