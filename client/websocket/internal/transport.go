package internal

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

type TransportState int

const (
	// TransportStateDisconnected means we're disconnected and not trying to
	// connect. connLoop is not running.
	TransportStateDisconnected TransportState = iota

	// TransportStateWaitBeforeReconnect means we already tried to connect,
	// but then either the connection failed, or succeeded but later
	// disconnected for some reason (see stateCause), and now we're waiting
	// for a timeout before connecting again. wsConn is nil, but connCtx and
	// connCtxCancel are not, and connLoop is running.
	TransportStateWaitBeforeReconnect

	// TransportStateConnecting means we're dialing the server right now.
	TransportStateConnecting

	// TransportStateConnected means the websocket connection is established.
	TransportStateConnected
)

const (
	// DefaultConnectTimeout is how long a dial may take before the attempt
	// is abandoned and the reconnection path is taken.
	DefaultConnectTimeout = 15 * time.Second

	// MinConnectTimeout is the lower clamp for ConnectTimeout.
	MinConnectTimeout = 1 * time.Second

	// DefaultLivenessWindow is how long the server may stay silent before
	// the connection is declared dead. Server heartbeats arrive at most 30
	// seconds apart under normal load, so this is one interval plus margin.
	DefaultLivenessWindow = 35 * time.Second

	// heartbeatTimeoutCloseCode is the sentinel close code sent to the
	// server when the liveness window is exceeded.
	heartbeatTimeoutCloseCode = 4000
)

var (
	ErrNotConnected   = errors.New("transport error: not connected")
	ErrConnLoopActive = errors.New("transport error: connection loop is already active")

	// ErrConnectTimeout is the state cause when a dial did not complete
	// within ConnectTimeout.
	ErrConnectTimeout = errors.New("transport error: connect timeout")

	// ErrHeartbeatTimeout is the state cause when the server was silent for
	// longer than the liveness window.
	ErrHeartbeatTimeout = errors.New("transport error: heartbeat timeout")
)

// TransportParams contains params for opening a client transport connection
// (see TransportConn).
type TransportParams struct {
	URL string

	// RequestHeader is sent with the websocket handshake; the back end
	// requires a proper Origin header, which belongs here.
	RequestHeader http.Header

	// Compression enables permessage-deflate negotiation.
	Compression bool

	// ConnectTimeout bounds a single dial. Zero means
	// DefaultConnectTimeout; values below MinConnectTimeout are clamped.
	ConnectTimeout time.Duration

	// LivenessWindow is the inbound-silence window after which the
	// connection is closed with the heartbeat-timeout sentinel code. Zero
	// means DefaultLivenessWindow.
	LivenessWindow time.Duration

	// Reconnect enables the reconnection loop; Backoff drives its delays
	// and MaxReconnects caps the consecutive failed attempts.
	Reconnect     bool
	Backoff       Backoff
	MaxReconnects int

	// Clock, if not nil, replaces the real clock. Tests use it.
	Clock clock.Clock

	// Logger, if nil, defaults to a nop logger.
	Logger *zap.Logger
}

// TransportConn is a client websocket connection; it delivers raw text
// messages and is wrapped into a higher-level connection which knows how to
// decode the framing being received.
type TransportConn struct {
	params TransportParams

	connTx chan WebsocketTx

	// Current state
	state TransportState
	// Error which caused the current state; only relevant for
	// TransportStateDisconnected and TransportStateWaitBeforeReconnect, for
	// other states it's always nil.
	stateCause error

	onReadCB          onReadCallback
	onStateChangeCB   onStateChangeCallback
	onReconnectWaitCB onReconnectWaitCallback

	// connCtx and connCtxCancel are context and its cancel func for the
	// currently running connLoop. If no connLoop is running at the moment
	// (i.e. the state is TransportStateDisconnected), these are nil.
	connCtx       context.Context
	connCtxCancel context.CancelFunc

	// wsConn is the currently active websocket connection, or nil if no
	// connection is established.
	wsConn *websocket.Conn

	// reconnectNow is a channel which is only non-nil in the
	// TransportStateWaitBeforeReconnect state, and closing it causes the
	// reconnection to happen immediately.
	reconnectNow chan struct{}

	// attempt is the number of consecutive failed connection attempts; it
	// resets to zero on every successful dial.
	attempt int

	// connectTimedOut is set by the connect-timeout timer so that the dial
	// error can be translated to ErrConnectTimeout.
	connectTimedOut bool

	// heartbeatTimedOut is set by the liveness timer so that the read error
	// can be translated to ErrHeartbeatTimeout.
	heartbeatTimedOut bool

	mtx sync.Mutex
}

// WebsocketTx represents a message to send to the websocket.
type WebsocketTx struct {
	MessageType int
	Data        []byte
	Res         chan error
}

// NewTransportConn creates a new transport connection.
//
// Note that a client should manually call Connect on a newly created
// connection; the rationale is that clients might register state and/or
// message handlers before the connection, to avoid any possible races.
func NewTransportConn(params *TransportParams) (*TransportConn, error) {
	c := &TransportConn{
		// Copy params defensively
		params: *params,

		state:  TransportStateDisconnected,
		connTx: make(chan WebsocketTx, 1),
	}

	if c.params.URL == "" {
		return nil, errors.New("transport error: URL is empty")
	}

	if c.params.ConnectTimeout == 0 {
		c.params.ConnectTimeout = DefaultConnectTimeout
	} else if c.params.ConnectTimeout < MinConnectTimeout {
		c.params.ConnectTimeout = MinConnectTimeout
	}

	if c.params.LivenessWindow == 0 {
		c.params.LivenessWindow = DefaultLivenessWindow
	}

	if c.params.Clock == nil {
		c.params.Clock = clock.New()
	}

	if c.params.Logger == nil {
		c.params.Logger = zap.NewNop()
	}

	// Start writeLoop right away, before even connecting, so that an attempt
	// to write something while not connected will result in a proper error.
	go c.writeLoop()

	return c, nil
}

// Connect either starts a connection goroutine (if state is
// TransportStateDisconnected), or makes it stop waiting a timeout and
// connect right now (if state is TransportStateWaitBeforeReconnect). For
// other states, returns an error.
//
// It doesn't wait for the connection to establish, and returns immediately.
func (c *TransportConn) Connect() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case TransportStateDisconnected:
		// NOTE that we need to enter the state TransportStateConnecting here
		// and not in connLoop, in order to prevent the race which would
		// result in multiple running connLoops.
		c.attempt = 0
		c.updateState(TransportStateConnecting, nil)

		go c.connLoop(c.connCtx, c.connCtxCancel)

	case TransportStateWaitBeforeReconnect:
		// We're waiting for a timeout before reconnecting; force it to
		// reconnect right now
		close(c.reconnectNow)

	case TransportStateConnecting, TransportStateConnected:
		return errors.Trace(ErrConnLoopActive)
	}

	return nil
}

// Close stops the reconnection loop (if reconnection was requested), and if
// the websocket connection is active at the moment, closes it as well (with
// the code 1000, i.e. normal closure). If graceful websocket closure fails,
// the forceful one is performed.
func (c *TransportConn) Close() error {
	if err := c.CloseOpt(websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), true); err != nil {
		return errors.Trace(err)
	}

	return nil
}

func (c *TransportConn) CloseOpt(data []byte, stopReconnecting bool) error {
	c.mtx.Lock()
	wsConn := c.wsConn

	if c.state == TransportStateDisconnected {
		c.mtx.Unlock()
		return errors.Trace(ErrNotConnected)
	}

	// If asked to stop reconnection, cancel the conn context, which will
	// cause connLoop to quit once the current websocket connection (if any)
	// is closed
	if stopReconnecting {
		c.connCtxCancel()
	}
	c.mtx.Unlock()

	// If the websocket connection is active, close it, which will cause
	// connLoop to break out of recvLoop (and then either reconnect or quit,
	// depending on the stopReconnecting arg)
	if wsConn != nil {
		if err := wsConn.WriteControl(websocket.CloseMessage, data, time.Time{}); err != nil {
			// Graceful close failed, try to close forcefully
			return errors.Trace(wsConn.Close())
		}
	}

	return nil
}

// URL returns the url used for the connection.
func (c *TransportConn) URL() string {
	return c.params.URL
}

// GetState returns the connection state.
func (c *TransportConn) GetState() TransportState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

type onReadCallback func(conn *TransportConn, data []byte)
type onStateChangeCallback func(conn *TransportConn, oldState, state TransportState, cause error)
type onReconnectWaitCallback func(conn *TransportConn, attempt, maxAttempts int, delay time.Duration)

// OnRead sets the on-read callback; it should be called once right after
// creation of the TransportConn, before the connection is established.
func (c *TransportConn) OnRead(cb onReadCallback) {
	c.onReadCB = cb
}

func (c *TransportConn) OnStateChange(cb onStateChangeCallback) {
	c.onStateChangeCB = cb
}

// OnReconnectWait sets a callback invoked whenever a reconnection attempt
// is scheduled, with the 0-based attempt number, the attempts cap, and the
// computed delay.
func (c *TransportConn) OnReconnectWait(cb onReconnectWaitCallback) {
	c.onReconnectWaitCB = cb
}

// Send sends data as a single text message to the websocket if it's
// connected.
func (c *TransportConn) Send(ctx context.Context, data []byte) error {
	// Note that we don't check here whether the socket is connected, as it's
	// checked by the writeLoop() which will receive our message from
	// c.connTx.

	res := make(chan error)

	c.connTx <- WebsocketTx{
		MessageType: websocket.TextMessage,
		Data:        data,
		Res:         res,
	}

	select {
	case err := <-res:
		if err != nil {
			return errors.Annotatef(err, "sending msg")
		}
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	}

	return nil
}

// enterLeaveState should be called on leaving and entering each state. So,
// when changing state from A to B, it's called twice, like this:
//
//      enterLeaveState(A, false)
//      enterLeaveState(B, true)
func (c *TransportConn) enterLeaveState(state TransportState, enter bool) {
	switch state {

	case TransportStateDisconnected:
		// connCtx and its cancel func should be present in all states but
		// TransportStateDisconnected
		if enter {
			c.connCtx = nil
			c.connCtxCancel = nil
		} else {
			c.connCtx, c.connCtxCancel = context.WithCancel(context.Background())
		}

	case TransportStateWaitBeforeReconnect:
		// reconnectNow is present only in TransportStateWaitBeforeReconnect
		if enter {
			c.reconnectNow = make(chan struct{})
		} else {
			c.reconnectNow = nil
		}

	case TransportStateConnecting:
		// Nothing special to do for the TransportStateConnecting state

	case TransportStateConnected:
		// wsConn is present only in TransportStateConnected
		if enter {
			// wsConn is set by the calling code
		} else {
			c.wsConn = nil
		}
	}
}

func (c *TransportConn) updateState(state TransportState, cause error) {
	// NOTE: c.mtx should be locked when updateState is called

	if c.state == state {
		return
	}

	// Properly leave the current state
	c.enterLeaveState(c.state, false)

	oldState := c.state
	c.state = state
	c.stateCause = cause

	// Properly enter the new state
	c.enterLeaveState(c.state, true)

	c.params.Logger.Debug("transport state change",
		zap.Int("old", int(oldState)),
		zap.Int("new", int(state)),
		zap.Error(cause),
	)

	if c.onStateChangeCB != nil {
		c.onStateChangeCB(c, oldState, state, cause)
	}
}

// dial performs a single websocket dial bounded by ConnectTimeout.
func (c *TransportConn) dial(connCtx context.Context) (*websocket.Conn, error) {
	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		EnableCompression: c.params.Compression,

		// Cancelling the dial ctx only aborts the TCP dial; the websocket
		// handshake itself is bounded by HandshakeTimeout, so a server
		// which accepts and then stays silent can't stall us forever.
		HandshakeTimeout: c.params.ConnectTimeout,
	}

	dialCtx, dialCancel := context.WithCancel(connCtx)
	defer dialCancel()

	c.mtx.Lock()
	c.connectTimedOut = false
	c.mtx.Unlock()

	connectTimer := c.params.Clock.AfterFunc(c.params.ConnectTimeout, func() {
		c.mtx.Lock()
		c.connectTimedOut = true
		c.mtx.Unlock()

		dialCancel()
	})
	defer connectTimer.Stop()

	wsConn, resp, err := dialer.DialContext(dialCtx, c.params.URL, c.params.RequestHeader)
	if resp != nil && resp.Body != nil && wsConn == nil {
		resp.Body.Close()
	}
	if err != nil {
		c.mtx.Lock()
		timedOut := c.connectTimedOut
		c.mtx.Unlock()

		if timedOut {
			return nil, errors.Trace(ErrConnectTimeout)
		}

		// A handshake aborted by HandshakeTimeout surfaces as a network
		// timeout rather than through the timer flag.
		if netErr, ok := errors.Cause(err).(net.Error); ok && netErr.Timeout() {
			return nil, errors.Trace(ErrConnectTimeout)
		}

		return nil, errors.Trace(err)
	}

	return wsConn, nil
}

// connLoop establishes a connection, then keeps receiving all websocket
// messages (and calls onReadCB for each of them) until the connection is
// closed, then either waits for a timeout and connects again, or just
// quits.
func (c *TransportConn) connLoop(connCtx context.Context, connCtxCancel context.CancelFunc) {
	var connErr error

	defer func() {
		c.mtx.Lock()
		defer c.mtx.Unlock()
		c.updateState(TransportStateDisconnected, connErr)
	}()

cloop:
	for {
		// When the goroutine is just started by Connect(), the state is
		// already TransportStateConnecting (see Connect() for the explanation
		// on why), in which case the updateState below is a no-op. When
		// reconnecting though, the state is different here, so it'll be
		// changed to TransportStateConnecting.
		c.mtx.Lock()
		c.updateState(TransportStateConnecting, nil)
		c.mtx.Unlock()

		var wsConn *websocket.Conn
		wsConn, connErr = c.dial(connCtx)
		if connErr == nil {
			c.mtx.Lock()
			c.wsConn = wsConn
			c.heartbeatTimedOut = false
			// A successful dial starts the backoff schedule over.
			c.attempt = 0
			c.updateState(TransportStateConnected, nil)
			c.mtx.Unlock()

			onSilence := func() {
				// We haven't heard anything from the server for too long, so
				// declare the connection dead. Announce the sentinel close
				// code on a best-effort basis, then close the ws connection
				// forcefully, thus immediately breaking out of recvLoop, so
				// the clients will notice the state change right away.
				c.mtx.Lock()
				c.heartbeatTimedOut = true
				c.mtx.Unlock()

				wsConn.WriteControl(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(heartbeatTimeoutCloseCode, "heartbeat timeout"),
					time.Time{},
				)
				wsConn.Close()
			}

			livenessTimer := c.params.Clock.AfterFunc(c.params.LivenessWindow, onSilence)

			// Will loop here until the websocket connection is closed
		recvLoop:
			for {
				msgType, data, err := wsConn.ReadMessage()
				if err != nil {
					c.mtx.Lock()
					if c.heartbeatTimedOut {
						connErr = errors.Trace(ErrHeartbeatTimeout)
					} else {
						connErr = err
					}
					c.mtx.Unlock()
					break recvLoop
				}

				// Just received something from the server: re-arm the
				// liveness window. We don't bother to check whether the timer
				// has already fired: if so, we'll reconnect anyway.
				livenessTimer.Stop()
				livenessTimer = c.params.Clock.AfterFunc(c.params.LivenessWindow, onSilence)

				switch msgType {
				case websocket.TextMessage, websocket.BinaryMessage:
					// Call on-read callback, if any
					if c.onReadCB != nil {
						c.onReadCB(c, data)
					}

				case websocket.CloseMessage:
					break recvLoop
				}
			}

			// Cancel the liveness timer. We don't bother to check whether the
			// timer has already fired: if so, we'll redundantly close the
			// connection.
			livenessTimer.Stop()
		}

		// If shouldn't reconnect, we're done
		if !c.params.Reconnect {
			connCtxCancel()
		}

		// Check whether the attempts cap is exhausted
		c.mtx.Lock()
		attempt := c.attempt
		c.mtx.Unlock()

		if c.params.MaxReconnects > 0 && attempt >= c.params.MaxReconnects {
			c.params.Logger.Debug("reconnection attempts exhausted",
				zap.Int("attempts", attempt),
			)
			connCtxCancel()
		}

		// Check if we need to enter state TransportStateWaitBeforeReconnect
		select {
		case <-connCtx.Done():
			// Even though we have the same case in the select below, we want
			// to break cloop here, because if the reconnection timeout is
			// _also_ done, we still want to break cloop instead of trying to
			// reconnect.
			break cloop
		default:
			// Looks like we should reconnect (after a timeout), so set the
			// appropriate state
			c.mtx.Lock()
			c.updateState(TransportStateWaitBeforeReconnect, connErr)
			reconnectNow := c.reconnectNow
			c.mtx.Unlock()

			delay := c.params.Backoff.Delay(attempt)

			if c.onReconnectWaitCB != nil {
				c.onReconnectWaitCB(c, attempt, c.params.MaxReconnects, delay)
			}

			// Either wait for the timeout before reconnection, or quit.
			timer := c.params.Clock.Timer(delay)
		waitReconnect:
			select {
			case <-connCtx.Done():
				timer.Stop()
				// Enough reconnections, quit now.
				break cloop

			case <-timer.C:
				// Will try to reconnect one more time
				break waitReconnect

			case <-reconnectNow:
				timer.Stop()
				// Will try to reconnect one more time
				break waitReconnect
			}

			c.mtx.Lock()
			c.attempt++
			c.mtx.Unlock()
		}
	}
}

// writeLoop receives messages from c.connTx, and tries to send them to the
// active websocket connection, if any.
func (c *TransportConn) writeLoop() {
cloop:
	for {
		msg := <-c.connTx

		// Get the currently active websocket connection
		c.mtx.Lock()
		wsConn := c.wsConn
		c.mtx.Unlock()

		if wsConn == nil {
			msg.Res <- errors.Trace(ErrNotConnected)
			continue cloop
		}

		// Try to write the message
		err := errors.Trace(wsConn.WriteMessage(msg.MessageType, msg.Data))

		// Send the resulting error to the requester
		msg.Res <- err
	}
}
