package websocket

import (
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/juju/errors"
)

// ErrSessionClosed means the session was deleted; no further commands can
// be issued through it.
var ErrSessionClosed = errors.New("session is closed")

// sessionKeySuffixLen is the number of random characters after the kind
// prefix in a session key.
const sessionKeySuffixLen = 12

// newSessionKey returns a fresh session key, e.g. "qs_0a1b2c3d4e5f" for the
// "qs_" prefix. Keys are client-generated and never reused.
func newSessionKey(prefix string) string {
	id := strings.Replace(uuid.New().String(), "-", "", -1)
	return prefix + id[:sessionKeySuffixLen]
}

// recordedCmd is one entry of a session's replay log.
type recordedCmd struct {
	cmdType string
	params  []interface{}
}

// session is the common core of every session kind: a unique key, the
// registry and rehydrate-hook plumbing, and the replay log which restores
// the session's server-side state after a reconnect.
type session struct {
	conn sessionConn
	key  string

	mtx    sync.Mutex
	replay []recordedCmd
	closed bool
}

// init generates the key and registers h (the concrete session) with the
// connection; it must run before any command is sent.
func (s *session) init(conn sessionConn, prefix string, h sessionHandler) {
	s.conn = conn
	s.key = newSessionKey(prefix)

	conn.registerSession(s.key, h)
	conn.registerRehydrateHook(s.key, s.rehydrate)
}

// Key returns the session key, e.g. "qs_0a1b2c3d4e5f".
func (s *session) Key() string {
	return s.key
}

// sendRecorded appends the command to the replay log and enqueues it. The
// log is replayed verbatim, in order, after every reconnect, so a command
// belongs here exactly when it changes server-side session state.
func (s *session) sendRecorded(cmdType string, params ...interface{}) error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return errors.Trace(ErrSessionClosed)
	}
	s.replay = append(s.replay, recordedCmd{cmdType: cmdType, params: params})
	s.mtx.Unlock()

	return errors.Trace(s.conn.sendCommand(cmdType, params...))
}

// send enqueues a command without recording it (one-shot requests).
func (s *session) send(cmdType string, params ...interface{}) error {
	s.mtx.Lock()
	closed := s.closed
	s.mtx.Unlock()

	if closed {
		return errors.Trace(ErrSessionClosed)
	}

	return errors.Trace(s.conn.sendCommand(cmdType, params...))
}

// rehydrate replays the recorded commands on a fresh connection. It runs
// inside the connection's event loop, hence the direct rehydrater instead
// of the mailbox path.
func (s *session) rehydrate(rc rehydrater) error {
	s.mtx.Lock()
	replay := make([]recordedCmd, len(s.replay))
	copy(replay, s.replay)
	s.mtx.Unlock()

	for _, cmd := range replay {
		if err := rc.Send(cmd.cmdType, cmd.params...); err != nil {
			return errors.Trace(err)
		}
	}

	return nil
}

// deleteSession tears the session down: no further packets are delivered,
// the rehydrate hook is dropped, and the kind's delete command goes out
// best effort (it may still be queued if the connection is down).
func (s *session) deleteSession(deleteCmd string) error {
	s.mtx.Lock()
	if s.closed {
		s.mtx.Unlock()
		return errors.Trace(ErrSessionClosed)
	}
	s.closed = true
	s.mtx.Unlock()

	s.conn.unregisterRehydrateHook(s.key)
	s.conn.unregisterSession(s.key)

	return errors.Trace(s.conn.sendCommand(deleteCmd, s.key))
}
