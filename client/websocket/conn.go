package websocket

import (
	"context"
	"net/http"
	"time"

	"github.com/cryptowatch/clock"
	"github.com/gorilla/websocket"
	"github.com/juju/errors"
	"go.uber.org/zap"

	"tv-sdk-go/client/websocket/internal"
)

// The following errors are returned from Client methods.
var (
	// ErrNotConnected means the connection is not established when the
	// client tried to e.g. send a message, or close the connection.
	ErrNotConnected = errors.New("not connected")

	// ErrConnLoopActive means the client tried to connect when the client
	// is already connecting.
	ErrConnLoopActive = errors.New("connection loop is already active")

	// ErrProtocol means the server reported a protocol_error packet; the
	// connection is poisoned and will be re-established.
	ErrProtocol = errors.New("protocol error")

	// ErrClosed means the client was closed with Close().
	ErrClosed = errors.New("client is closed")
)

// ConnState represents the connection state.
type ConnState int

// The following constants represent every possible ConnState.
const (
	// ConnStateClosed means we're not connected and not trying to connect:
	// either Connect was never called, Close was called, or the reconnect
	// attempts were exhausted.
	ConnStateClosed ConnState = iota

	// ConnStateConnecting means the websocket dial is in flight.
	ConnStateConnecting

	// ConnStateAwaitingAuth means the transport connection is established
	// and we're waiting for the auth token to issue set_auth_token.
	ConnStateAwaitingAuth

	// ConnStateReady means the connection is ready: the auth command was
	// queued first and the send queue is being drained.
	ConnStateReady

	// ConnStateReconnecting means the connection was lost and we're waiting
	// for a backoff timeout before connecting again.
	ConnStateReconnecting

	// ConnStateAny can be used with OnStateChange and OnStateChangeOpt in
	// order to listen for all states.
	ConnStateAny ConnState = -1
)

// ConnStateNames contains human-readable names for connection states.
var ConnStateNames = map[ConnState]string{
	ConnStateClosed:       "closed",
	ConnStateConnecting:   "connecting",
	ConnStateAwaitingAuth: "awaiting-auth",
	ConnStateReady:        "ready",
	ConnStateReconnecting: "reconnecting",
}

// closeWaitTimeout is the hard cap on how long Close() waits for the
// transport close to land.
const closeWaitTimeout = 5 * time.Second

// StateCallback is the signature of a state listener. See OnStateChange.
type StateCallback func(prevState, curState ConnState)

// OnErrorCB is the signature of an error listener. If the error is going to
// cause a disconnection, disconnecting is set to true; in that case the
// error listeners are always called before the state listeners, so
// applications can save the error and display it when the disconnection
// actually happens.
type OnErrorCB func(err error, disconnecting bool)

// EventCB is the signature of the catch-all event listener; name is one of
// "connected", "disconnected", "reconnecting", "reconnected",
// "connect_timeout", "logged", "ping", "data", "error".
type EventCB func(name string, args ...interface{})

// StateListenerOpt contains options for OnStateChangeOpt.
type StateListenerOpt struct {
	// If OneOff is true, the listener will only be called once; otherwise
	// it'll be called every time the requested state becomes active.
	OneOff bool

	// If CallImmediately is true, and the state being subscribed to is
	// active at the moment, the callback will be called immediately (with
	// the "old" state being equal to the new one).
	CallImmediately bool
}

// sessionHandler is what the registry holds for each session key; Handle is
// invoked from the event loop for every packet owned by the key, strictly
// in arrival order.
type sessionHandler interface {
	Handle(pkt Packet)
}

// rehydrater is handed to rehydrate hooks; Send enqueues a command on the
// fresh connection without flushing (the supervisor flushes once all hooks
// have run).
type rehydrater interface {
	Send(cmdType string, params ...interface{}) error
}

// rehydrateHookFn restores a session's server-side state after a reconnect.
type rehydrateHookFn func(rc rehydrater) error

// sessionConn is the narrow view of the Client that sessions hold: enough
// to issue commands and maintain their registry and rehydrate entries, and
// nothing else. The supervisor is never leaked to session code.
type sessionConn interface {
	sendCommand(cmdType string, params ...interface{}) error
	registerSession(key string, h sessionHandler)
	unregisterSession(key string)
	registerRehydrateHook(key string, hook rehydrateHookFn)
	unregisterRehydrateHook(key string)

	// schedule runs f on the listener-dispatch goroutine; sessions use it
	// to call user callbacks so those may safely call back into the client.
	schedule(f func())

	// reportError surfaces a malformed packet to the error listeners.
	// Sessions only call it from Handle, which runs on the event loop.
	reportError(err error)

	// sessionClock exposes the (mockable) clock for request deadlines.
	sessionClock() clock.Clock
}

// Client multiplexes many logical sessions (quotes, charts, historical
// replays) over a single websocket connection to the market-data back end,
// keeps the connection alive through transient network faults, and restores
// every live session after a reconnect.
//
// Typically you will get an instance using NewClient, register state and
// error listeners, create sessions, and then call Connect.
type Client struct {
	params Params

	transport *internal.TransportConn

	auth   *authFetcher
	authCh <-chan authResult

	// connectTimeout is the effective (clamped) dial window, reported in
	// the connect_timeout event.
	connectTimeout time.Duration

	// Everything below is owned by eventLoop.

	state ConnState

	queue    sendQueue
	registry map[string]sessionHandler
	hooks    []hookEntry

	// loggedIn means the auth command was queued on the current connection;
	// the queue is drained only while it holds.
	loggedIn bool

	// seenGreeting means the server greeting was already surfaced as the
	// one-shot logged event on the current connection.
	seenGreeting bool

	// everConnected distinguishes the initial connect from reconnects:
	// rehydrate hooks fire only on the latter.
	everConnected bool

	// connAnnounced pairs the connected and disconnected events.
	connAnnounced bool

	// expectDisconnection is set when the client itself initiates the
	// disconnection after reporting a concrete error, so the generic
	// transport close error is not reported again.
	expectDisconnection bool

	// manualClose is the sticky flag set by Close(); it suppresses any
	// scheduled reconnect and mutes further events.
	manualClose bool
	muted       bool

	closeWaiters []chan struct{}

	stateListeners map[ConnState][]stateListener
	onErrorCBs     []OnErrorCB

	connectedCBs      []func()
	disconnectedCBs   []func()
	reconnectingCBs   []func(attempt, maxRetries int)
	reconnectedCBs    []func()
	connectTimeoutCBs []func(timeout time.Duration)
	loggedCBs         []func(greeting Packet)
	pingCBs           []func(n int64)
	dataCBs           []func(pkt Packet)
	eventCBs          []EventCB

	// internalEvents is the mailbox consumed by eventLoop; every state
	// mutation goes through it, so no locking is needed for the fields
	// above.
	internalEvents chan internalEvent

	// dispatch is the channel of listener invocations executed by the
	// listen goroutine, never by eventLoop itself, so listeners may call
	// back into the client.
	dispatch chan func()

	logger *zap.Logger
}

// internalEvent represents an event handled in eventLoop. Each field
// represents one kind of event, and only a single field should be non-nil.
type internalEvent struct {
	// rxData contains data received from the server via websocket.
	rxData []byte

	// transportStateUpdate represents an update of transport layer state.
	transportStateUpdate *transportStateUpdate

	// reconnectWait carries the details of a scheduled reconnection
	// attempt.
	reconnectWait *reconnectWaitUpdate

	reqOnStateChange *reqOnStateChange
	reqAddListener   *reqAddListener
	reqConnState     *reqConnState
	reqSendFrame     *reqSendFrame
	reqSession       *reqSession
	reqHook          *reqHook
	reqClose         *reqClose
}

type transportStateUpdate struct {
	oldState internal.TransportState
	state    internal.TransportState

	cause error
}

type reconnectWaitUpdate struct {
	attempt    int
	maxRetries int
	delay      time.Duration
}

// reqOnStateChange is a request to add a state listener.
type reqOnStateChange struct {
	state ConnState
	cb    StateCallback
	opt   StateListenerOpt

	result chan<- struct{}
}

// reqAddListener is a request to mutate one of the typed listener slices;
// add runs inside the event loop.
type reqAddListener struct {
	add    func()
	result chan<- struct{}
}

// reqConnState is a client request of conn state via ConnState().
type reqConnState struct {
	result chan<- ConnState
}

// reqSendFrame is a request to enqueue an encoded frame and flush; key is
// the owning session's key when the frame is session-bound.
type reqSendFrame struct {
	key    string
	frame  string
	result chan<- error
}

// reqSession registers (handler != nil) or unregisters a session key.
type reqSession struct {
	key     string
	handler sessionHandler

	result chan<- struct{}
}

// reqHook registers (hook != nil) or unregisters a rehydrate hook.
type reqHook struct {
	key  string
	hook rehydrateHookFn

	result chan<- struct{}
}

type reqClose struct {
	done   chan struct{}
	result chan<- error
}

type hookEntry struct {
	key  string
	hook rehydrateHookFn
}

// stateListener wraps a state change callback and its options (one-off
// listeners are only called once, on the next event).
type stateListener struct {
	cb  StateCallback
	opt StateListenerOpt
}

// NewClient creates a new Client with the given params and starts fetching
// the auth token eagerly, so its latency overlaps the websocket handshake.
// The caller still has to register listeners and call Connect explicitly.
func NewClient(params *Params) (*Client, error) {
	// Make a copy of the params struct because we alter it below
	p := *params
	p.normalize()

	connectTimeout := p.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = internal.DefaultConnectTimeout
	} else if connectTimeout < internal.MinConnectTimeout {
		connectTimeout = internal.MinConnectTimeout
	}

	transport, err := internal.NewTransportConn(&internal.TransportParams{
		URL: p.endpointURL(),
		RequestHeader: http.Header{
			"Origin": []string{DefaultOrigin},
		},
		Compression:    !p.DisableCompression,
		ConnectTimeout: p.ConnectTimeout,

		Reconnect:     p.ReconnectOpts.Reconnect,
		MaxReconnects: p.ReconnectOpts.MaxRetries,
		Backoff: internal.Backoff{
			Base:       p.ReconnectOpts.BaseDelay,
			Multiplier: p.ReconnectOpts.Multiplier,
			Max:        p.ReconnectOpts.MaxDelay,
			FastFirst:  p.ReconnectOpts.FastFirstDelay,
			Jitter:     !p.ReconnectOpts.DisableJitter,
		},

		Clock:  p.Clock,
		Logger: p.Logger,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}

	c := &Client{
		params:         p,
		transport:      transport,
		connectTimeout: connectTimeout,

		state:          ConnStateClosed,
		registry:       make(map[string]sessionHandler),
		stateListeners: make(map[ConnState][]stateListener),

		internalEvents: make(chan internalEvent, 8),
		dispatch:       make(chan func(), 128),

		logger: p.Logger,
	}

	c.auth = newAuthFetcher(&p)
	c.authCh = c.auth.Start(context.Background())

	transport.OnStateChange(
		func(_ *internal.TransportConn, oldState, state internal.TransportState, cause error) {
			c.internalEvents <- internalEvent{
				transportStateUpdate: &transportStateUpdate{
					oldState: oldState,
					state:    state,
					cause:    cause,
				},
			}
		},
	)

	transport.OnReconnectWait(
		func(_ *internal.TransportConn, attempt, maxRetries int, delay time.Duration) {
			c.internalEvents <- internalEvent{
				reconnectWait: &reconnectWaitUpdate{
					attempt:    attempt,
					maxRetries: maxRetries,
					delay:      delay,
				},
			}
		},
	)

	transport.OnRead(
		func(_ *internal.TransportConn, data []byte) {
			c.internalEvents <- internalEvent{
				rxData: data,
			}
		},
	)

	go c.eventLoop()
	go c.listen()

	return c, nil
}

// Connect either starts the connection loop (if currently closed), or makes
// a pending reconnect happen immediately, ignoring its backoff timeout. For
// other states, this returns an error.
//
// Connect doesn't wait for the connection to establish; it returns
// immediately.
func (c *Client) Connect() (err error) {
	defer func() {
		// Translate internal transport errors to public ones
		if errors.Cause(err) == internal.ErrConnLoopActive {
			err = errors.Trace(ErrConnLoopActive)
		}
	}()

	if err := c.transport.Connect(); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// Close stops the connection (or the reconnection loop, if active), closes
// the websocket connection if one is active, and waits for the closure to
// land (bounded by a hard timeout). After Close returns, no further events
// are emitted.
func (c *Client) Close() error {
	done := make(chan struct{})
	result := make(chan error, 1)

	c.internalEvents <- internalEvent{
		reqClose: &reqClose{
			done:   done,
			result: result,
		},
	}

	err := <-result
	if err != nil {
		return errors.Trace(err)
	}

	select {
	case <-done:
	case <-time.After(closeWaitTimeout):
	}

	return nil
}

// ConnState returns the current connection state.
func (c *Client) ConnState() ConnState {
	result := make(chan ConnState, 1)

	c.internalEvents <- internalEvent{
		reqConnState: &reqConnState{
			result: result,
		},
	}

	return <-result
}

// URL returns the url the client connects to.
func (c *Client) URL() string {
	return c.transport.URL()
}

// Send encodes a raw command and enqueues it for transmission. The frame is
// written once the connection is ready; commands issued while disconnected
// survive in the queue.
func (c *Client) Send(cmdType string, params ...interface{}) error {
	return c.sendCommand(cmdType, params...)
}

// OnStateChange registers a new listener for the given state. All
// registered callbacks for all states (and all session data) are called by
// the same internal goroutine, i.e. they are never called concurrently with
// each other.
//
// To subscribe to all state changes, use ConnStateAny as the state.
func (c *Client) OnStateChange(state ConnState, cb StateCallback) {
	c.OnStateChangeOpt(state, cb, StateListenerOpt{})
}

// OnStateChangeOpt is like OnStateChange, but also takes additional
// options; see StateListenerOpt for details.
func (c *Client) OnStateChangeOpt(state ConnState, cb StateCallback, opt StateListenerOpt) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqOnStateChange: &reqOnStateChange{
			state: state,
			cb:    cb,
			opt:   opt,

			result: result,
		},
	}

	<-result
}

// OnError registers a callback which will be called on all errors. When
// it's an error about to cause a disconnection, the OnError callbacks are
// called before the state listeners.
func (c *Client) OnError(cb OnErrorCB) {
	c.addListener(func() { c.onErrorCBs = append(c.onErrorCBs, cb) })
}

// OnConnected registers a callback for every successful open, initial or
// not.
func (c *Client) OnConnected(cb func()) {
	c.addListener(func() { c.connectedCBs = append(c.connectedCBs, cb) })
}

// OnDisconnected registers a callback for every connection loss.
func (c *Client) OnDisconnected(cb func()) {
	c.addListener(func() { c.disconnectedCBs = append(c.disconnectedCBs, cb) })
}

// OnReconnecting registers a callback invoked whenever a reconnection
// attempt is scheduled.
func (c *Client) OnReconnecting(cb func(attempt, maxRetries int)) {
	c.addListener(func() { c.reconnectingCBs = append(c.reconnectingCBs, cb) })
}

// OnReconnected registers a callback invoked when and only when a reconnect
// attempt succeeds (after rehydration).
func (c *Client) OnReconnected(cb func()) {
	c.addListener(func() { c.reconnectedCBs = append(c.reconnectedCBs, cb) })
}

// OnConnectTimeout registers a callback invoked when a dial did not
// complete within the connect timeout window.
func (c *Client) OnConnectTimeout(cb func(timeout time.Duration)) {
	c.addListener(func() { c.connectTimeoutCBs = append(c.connectTimeoutCBs, cb) })
}

// OnLogged registers a callback for the server greeting: the first unowned
// packet of every connection.
func (c *Client) OnLogged(cb func(greeting Packet)) {
	c.addListener(func() { c.loggedCBs = append(c.loggedCBs, cb) })
}

// OnPing registers a callback for server heartbeats; the client echoes them
// back on its own.
func (c *Client) OnPing(cb func(n int64)) {
	c.addListener(func() { c.pingCBs = append(c.pingCBs, cb) })
}

// OnData registers a callback for packets owned by no session.
func (c *Client) OnData(cb func(pkt Packet)) {
	c.addListener(func() { c.dataCBs = append(c.dataCBs, cb) })
}

// OnEvent registers a catch-all listener receiving every named client
// event.
func (c *Client) OnEvent(cb EventCB) {
	c.addListener(func() { c.eventCBs = append(c.eventCBs, cb) })
}

// addListener runs a listener-slice mutation inside the event loop.
func (c *Client) addListener(add func()) {
	result := make(chan struct{})

	c.internalEvents <- internalEvent{
		reqAddListener: &reqAddListener{
			add:    add,
			result: result,
		},
	}

	<-result
}

// sendCommand implements sessionConn.
func (c *Client) sendCommand(cmdType string, params ...interface{}) error {
	frame, err := EncodeCommand(cmdType, params...)
	if err != nil {
		return errors.Trace(err)
	}

	result := make(chan error, 1)

	c.internalEvents <- internalEvent{
		reqSendFrame: &reqSendFrame{
			key:    frameSessionKey(params),
			frame:  frame,
			result: result,
		},
	}

	return errors.Trace(<-result)
}

// frameSessionKey extracts the owning session key of a command: for every
// session-bound command the key is the first positional param. Frames
// whose first param is not a registered key are simply never dropped.
func frameSessionKey(params []interface{}) string {
	if len(params) == 0 {
		return ""
	}

	key, _ := params[0].(string)
	return key
}

// registerSession implements sessionConn.
func (c *Client) registerSession(key string, h sessionHandler) {
	result := make(chan struct{})
	c.internalEvents <- internalEvent{reqSession: &reqSession{key: key, handler: h, result: result}}
	<-result
}

// unregisterSession implements sessionConn.
func (c *Client) unregisterSession(key string) {
	result := make(chan struct{})
	c.internalEvents <- internalEvent{reqSession: &reqSession{key: key, result: result}}
	<-result
}

// registerRehydrateHook implements sessionConn. Hooks run sequentially in
// registration order after every successful reconnect; registering an
// already-registered key replaces the hook in place.
func (c *Client) registerRehydrateHook(key string, hook rehydrateHookFn) {
	result := make(chan struct{})
	c.internalEvents <- internalEvent{reqHook: &reqHook{key: key, hook: hook, result: result}}
	<-result
}

// unregisterRehydrateHook implements sessionConn.
func (c *Client) unregisterRehydrateHook(key string) {
	result := make(chan struct{})
	c.internalEvents <- internalEvent{reqHook: &reqHook{key: key, result: result}}
	<-result
}

// schedule implements sessionConn.
func (c *Client) schedule(f func()) {
	c.dispatch <- f
}

// sessionClock implements sessionConn.
func (c *Client) sessionClock() clock.Clock {
	return c.params.Clock
}

// reportError implements sessionConn; it may only run on the event loop,
// which holds for every Handle invocation.
func (c *Client) reportError(err error) {
	c.callOnErrorCBs(errors.Trace(err), false)
}

// listen executes listener invocations scheduled by the event loop (and by
// sessions), so that listeners may call back into the client without
// deadlocking the event loop.
func (c *Client) listen() {
	for f := range c.dispatch {
		f()
	}
}

// loopRehydrater is the rehydrater handed to hooks: it enqueues frames
// directly, since hooks already run inside the event loop.
type loopRehydrater struct {
	c *Client
}

func (r loopRehydrater) Send(cmdType string, params ...interface{}) error {
	frame, err := EncodeCommand(cmdType, params...)
	if err != nil {
		return errors.Trace(err)
	}

	// Replayed frames keep their session key: if this connection drops
	// too, the next replay supersedes them the same way.
	r.c.queue.Push(frameSessionKey(params), frame)
	return nil
}

// eventLoop handles all internal events like transport state changes,
// received data, or client requests. See the internalEvent struct.
func (c *Client) eventLoop() {
	for {
		event := <-c.internalEvents

		switch {
		case event.transportStateUpdate != nil:
			c.handleTransportStateUpdate(event.transportStateUpdate)

		case event.reconnectWait != nil:
			u := event.reconnectWait
			c.emitReconnecting(u.attempt, u.maxRetries)

		case event.rxData != nil:
			c.handleRxData(event.rxData)

		case event.reqOnStateChange != nil:
			c.handleReqOnStateChange(event.reqOnStateChange)

		case event.reqAddListener != nil:
			event.reqAddListener.add()
			event.reqAddListener.result <- struct{}{}

		case event.reqConnState != nil:
			event.reqConnState.result <- c.state

		case event.reqSendFrame != nil:
			c.queue.Push(event.reqSendFrame.key, event.reqSendFrame.frame)
			c.flushQueue()
			event.reqSendFrame.result <- nil

		case event.reqSession != nil:
			req := event.reqSession
			if req.handler != nil {
				c.registry[req.key] = req.handler
			} else {
				delete(c.registry, req.key)
			}
			req.result <- struct{}{}

		case event.reqHook != nil:
			c.handleReqHook(event.reqHook)

		case event.reqClose != nil:
			c.handleReqClose(event.reqClose)
		}
	}
}

// NOTE: handleTransportStateUpdate should only be called from eventLoop.
func (c *Client) handleTransportStateUpdate(tsu *transportStateUpdate) {
	switch tsu.state {
	case internal.TransportStateConnecting:
		c.updateState(ConnStateConnecting)

	case internal.TransportStateConnected:
		c.handshake()

	case internal.TransportStateWaitBeforeReconnect:
		c.handleConnLost(tsu.cause)
		c.updateState(ConnStateReconnecting)

		// Refresh the auth-token future so its latency overlaps the next
		// dial.
		c.authCh = c.auth.Start(context.Background())

	case internal.TransportStateDisconnected:
		c.handleConnLost(tsu.cause)
		c.updateState(ConnStateClosed)

		for _, w := range c.closeWaiters {
			close(w)
		}
		c.closeWaiters = nil

		if c.manualClose {
			// After a manual close completes, no further events.
			c.muted = true
		}
	}
}

// handleConnLost reports the cause of a lost connection and rolls back the
// per-connection flags.
//
// NOTE: handleConnLost should only be called from eventLoop.
func (c *Client) handleConnLost(cause error) {
	if errors.Cause(cause) == internal.ErrConnectTimeout {
		c.emitConnectTimeout()
	} else if cause != nil && !c.expectDisconnection && !c.manualClose {
		c.callOnErrorCBs(errors.Trace(cause), true)
	}
	c.expectDisconnection = false

	// The logged-in flag drops before any reconnection begins.
	c.loggedIn = false

	if c.connAnnounced {
		c.connAnnounced = false
		c.emitDisconnected()
	}
}

// handshake runs the post-open sequence: await the auth token, queue the
// auth command first, run rehydrate hooks (on reconnects), flush, and
// announce.
//
// NOTE: handshake should only be called from eventLoop.
func (c *Client) handshake() {
	c.seenGreeting = false
	c.updateState(ConnStateAwaitingAuth)

	// The fetch was started eagerly, so this normally resolves right away;
	// on exhaustion it resolves to the unauthenticated sentinel.
	result := <-c.authCh
	if result.Err != nil {
		c.callOnErrorCBs(errors.Trace(result.Err), false)
	}

	authFrame, err := EncodeCommand(cmdSetAuthToken, result.Token)
	if err != nil {
		// Can't happen for a plain string param; treat as fatal for the
		// connection.
		c.disconnectOpt(errors.Trace(err), websocket.CloseInternalServerErr, "")
		return
	}

	// The auth command is always the first frame written after a (re)open.
	c.queue.Prepend("", authFrame)
	c.loggedIn = true

	isReconnect := c.everConnected
	c.everConnected = true

	if isReconnect && !c.params.DisableRehydrate {
		// Frames retained for sessions about to rehydrate are superseded
		// by their replay logs: keeping them would write a session command
		// before its create_session, and then transmit it a second time
		// during the replay.
		hookKeys := make(map[string]bool, len(c.hooks))
		for _, entry := range c.hooks {
			hookKeys[entry.key] = true
		}
		c.queue.Drop(func(key string) bool { return hookKeys[key] })

		rc := loopRehydrater{c: c}

		// Hooks run sequentially in registration order to avoid request
		// storms; a failing hook is reported and does not abort the rest.
		for _, entry := range c.hooks {
			if err := entry.hook(rc); err != nil {
				c.callOnErrorCBs(errors.Annotatef(err, "rehydrating %q", entry.key), false)
			}
		}
	}

	c.updateState(ConnStateReady)
	c.flushQueue()

	c.connAnnounced = true
	c.emitConnected(isReconnect)
}

// flushQueue pops one frame at a time and writes it to the transport while
// the connection is ready; this is the only place that touches the
// transport write side.
//
// NOTE: flushQueue should only be called from eventLoop.
func (c *Client) flushQueue() {
	for c.state == ConnStateReady && c.loggedIn {
		f, ok := c.queue.Pop()
		if !ok {
			return
		}

		if c.params.Debug {
			c.logger.Debug("tx frame", zap.String("frame", f.frame))
		}

		if err := c.transport.Send(context.Background(), []byte(f.frame)); err != nil {
			// The connection dropped mid-flush: keep the frame for the next
			// open.
			c.queue.Prepend(f.key, f.frame)
			return
		}
	}
}

// handleRxData decodes a websocket message into packets and dispatches each
// one.
//
// NOTE: handleRxData should only be called from eventLoop.
func (c *Client) handleRxData(data []byte) {
	if c.params.Debug {
		c.logger.Debug("rx chunk", zap.ByteString("data", data))
	}

	packets, err := DecodeFrames(data, &DecodeOpts{
		Strict: c.params.StrictProtocol,
		OnError: func(err error, payload []byte) {
			c.callOnErrorCBs(errors.Trace(err), false)
		},
	})

	for _, pkt := range packets {
		c.dispatchPacket(pkt)
	}

	if err != nil {
		// Strict mode: a decoder failure invalidates the connection.
		c.disconnectOpt(errors.Trace(err), websocket.CloseUnsupportedData, "")
	}
}

// dispatchPacket routes one decoded packet: heartbeats are echoed, protocol
// errors poison the connection, session-owned packets go to their owner,
// and the rest surface as the greeting or generic data.
//
// NOTE: dispatchPacket should only be called from eventLoop.
func (c *Client) dispatchPacket(pkt Packet) {
	if pkt.IsHeartbeat {
		c.queue.Push("", EncodeHeartbeat(pkt.Heartbeat))
		c.flushQueue()
		c.emitPing(pkt.Heartbeat)
		return
	}

	if pkt.Type == cmdProtocolError {
		err := errors.Annotatef(ErrProtocol, "%s", pkt.Raw)
		c.disconnectOpt(err, websocket.CloseProtocolError, "protocol error")
		return
	}

	if key := pkt.SessionKey(); key != "" {
		if h, ok := c.registry[key]; ok {
			h.Handle(pkt)
			return
		}
	}

	if !c.seenGreeting {
		c.seenGreeting = true
		c.emitLogged(pkt)
		return
	}

	c.emitData(pkt)
}

// disconnectOpt sends a websocket closure message (with the given closeCode
// and text) to the server, and reports cause to the error listeners right
// away, so that the upcoming generic disconnection error is not reported
// again.
//
// NOTE: disconnectOpt should only be called from eventLoop.
func (c *Client) disconnectOpt(cause error, closeCode int, text string) {
	closeErr := c.transport.CloseOpt(
		websocket.FormatCloseMessage(closeCode, text),
		false,
	)
	if closeErr != nil {
		return
	}

	if cause != nil {
		c.expectDisconnection = true
		c.callOnErrorCBs(cause, true)
	}
}

// NOTE: handleReqOnStateChange should only be called from eventLoop.
func (c *Client) handleReqOnStateChange(req *reqOnStateChange) {
	sl := stateListener{
		cb:  req.cb,
		opt: req.opt,
	}

	// Determine whether the callback should be called right now
	callNow := req.opt.CallImmediately && (req.state == c.state || req.state == ConnStateAny)

	// Update stored listeners if needed
	if !req.opt.OneOff || !callNow {
		c.stateListeners[req.state] = append(c.stateListeners[req.state], sl)
	}

	if callNow {
		c.callStateListeners([]stateListener{sl}, c.state, c.state)
	}

	req.result <- struct{}{}
}

// NOTE: handleReqHook should only be called from eventLoop.
func (c *Client) handleReqHook(req *reqHook) {
	defer func() { req.result <- struct{}{} }()

	for i, entry := range c.hooks {
		if entry.key == req.key {
			if req.hook != nil {
				// Replace in place, preserving registration order
				c.hooks[i].hook = req.hook
			} else {
				c.hooks = append(c.hooks[:i], c.hooks[i+1:]...)
			}
			return
		}
	}

	if req.hook != nil {
		c.hooks = append(c.hooks, hookEntry{key: req.key, hook: req.hook})
	}
}

// NOTE: handleReqClose should only be called from eventLoop.
func (c *Client) handleReqClose(req *reqClose) {
	c.manualClose = true

	if c.state == ConnStateClosed {
		c.muted = true
		close(req.done)
		req.result <- nil
		return
	}

	c.closeWaiters = append(c.closeWaiters, req.done)

	if err := c.transport.Close(); err != nil && errors.Cause(err) != internal.ErrNotConnected {
		req.result <- errors.Trace(err)
		return
	}

	req.result <- nil
}

// NOTE: updateState should only be called from eventLoop.
func (c *Client) updateState(state ConnState) {
	if c.state == state {
		return
	}

	oldState := c.state
	c.state = state

	c.logger.Debug("conn state change",
		zap.String("old", ConnStateNames[oldState]),
		zap.String("new", ConnStateNames[state]),
	)

	// Collect all listeners to call now
	listeners := append(c.stateListeners[state], c.stateListeners[ConnStateAny]...)

	// Remove one-off listeners
	c.stateListeners[state] = removeOneOff(c.stateListeners[state])
	c.stateListeners[ConnStateAny] = removeOneOff(c.stateListeners[ConnStateAny])

	c.callStateListeners(listeners, oldState, state)
}

// callStateListeners schedules state listener invocations on the dispatch
// goroutine, so that all callbacks are invoked from a single goroutine and
// may call back into the client.
//
// NOTE: callStateListeners should only be called from eventLoop.
func (c *Client) callStateListeners(listeners []stateListener, oldState, state ConnState) {
	if len(listeners) == 0 || c.muted {
		return
	}

	c.schedule(func() {
		for _, sl := range listeners {
			sl.cb(oldState, state)
		}
	})
}

// emitEvent schedules an event on the dispatch goroutine: first the typed
// listeners via call, then the catch-all listeners. Muted clients (after a
// completed manual close) emit nothing.
//
// The listener slices are only ever mutated inside the event loop, so
// snapshotting the slice header here is enough for the dispatch goroutine
// to iterate safely.
//
// NOTE: emitEvent should only be called from eventLoop.
func (c *Client) emitEvent(name string, args []interface{}, call func()) {
	if c.muted {
		return
	}

	catchAll := c.eventCBs

	c.schedule(func() {
		if call != nil {
			call()
		}
		for _, cb := range catchAll {
			cb(name, args...)
		}
	})
}

// NOTE: callOnErrorCBs should only be called from eventLoop.
func (c *Client) callOnErrorCBs(err error, disconnecting bool) {
	cbs := c.onErrorCBs
	c.emitEvent("error", []interface{}{err, disconnecting}, func() {
		for _, cb := range cbs {
			cb(err, disconnecting)
		}
	})
}

// NOTE: emitConnected should only be called from eventLoop.
func (c *Client) emitConnected(isReconnect bool) {
	cbs := c.connectedCBs
	c.emitEvent("connected", nil, func() {
		for _, cb := range cbs {
			cb()
		}
	})

	if isReconnect {
		rcbs := c.reconnectedCBs
		c.emitEvent("reconnected", nil, func() {
			for _, cb := range rcbs {
				cb()
			}
		})
	}
}

// NOTE: emitDisconnected should only be called from eventLoop.
func (c *Client) emitDisconnected() {
	cbs := c.disconnectedCBs
	c.emitEvent("disconnected", nil, func() {
		for _, cb := range cbs {
			cb()
		}
	})
}

// NOTE: emitReconnecting should only be called from eventLoop.
func (c *Client) emitReconnecting(attempt, maxRetries int) {
	cbs := c.reconnectingCBs
	c.emitEvent("reconnecting", []interface{}{attempt, maxRetries}, func() {
		for _, cb := range cbs {
			cb(attempt, maxRetries)
		}
	})
}

// NOTE: emitConnectTimeout should only be called from eventLoop.
func (c *Client) emitConnectTimeout() {
	timeout := c.connectTimeout
	cbs := c.connectTimeoutCBs
	c.emitEvent("connect_timeout", []interface{}{timeout}, func() {
		for _, cb := range cbs {
			cb(timeout)
		}
	})
}

// NOTE: emitLogged should only be called from eventLoop.
func (c *Client) emitLogged(greeting Packet) {
	cbs := c.loggedCBs
	c.emitEvent("logged", []interface{}{greeting}, func() {
		for _, cb := range cbs {
			cb(greeting)
		}
	})
}

// NOTE: emitPing should only be called from eventLoop.
func (c *Client) emitPing(n int64) {
	cbs := c.pingCBs
	c.emitEvent("ping", []interface{}{n}, func() {
		for _, cb := range cbs {
			cb(n)
		}
	})
}

// NOTE: emitData should only be called from eventLoop.
func (c *Client) emitData(pkt Packet) {
	cbs := c.dataCBs
	c.emitEvent("data", []interface{}{pkt}, func() {
		for _, cb := range cbs {
			cb(pkt)
		}
	})
}

// removeOneOff takes a slice of listeners and returns a new one, with
// one-off listeners removed.
func removeOneOff(listeners []stateListener) []stateListener {
	newListeners := []stateListener{}

	for _, sl := range listeners {
		if !sl.opt.OneOff {
			newListeners = append(newListeners, sl)
		}
	}

	return newListeners
}
