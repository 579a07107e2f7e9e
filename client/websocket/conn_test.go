package websocket

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/juju/errors"

	"tv-sdk-go/client/websocket/internal"
	"tv-sdk-go/common"
)

type eventType int

const (
	eventTypeConnOpened eventType = iota
	eventTypeMsg
)

// websocketEvent represents an event like new opened connection or new
// received websocket message
type websocketEvent struct {
	eventType eventType

	// The fields below are only relevant if eventType is eventTypeMsg
	messageType int
	data        []byte
	err         error
}

type testServerParams struct {
	rx  <-chan websocketEvent
	tx  chan<- internal.WebsocketTx
	url string
}

func withTestServer(
	t *testing.T,
	cb func(tp *testServerParams) error,
) error {
	// tx and rx are channels to communicate raw websocket messages with the
	// test server: everything received by the server will be delivered to rx,
	// and everything sent to tx will be sent by the server to the client.
	rx := make(chan websocketEvent, 128)
	tx := make(chan internal.WebsocketTx, 128)

	// connLimiter is needed to limit the amount of connections opened at a time.
	// With a short first reconnect delay and without a limit this becomes
	// possible:
	//
	// - Mocked server causes some failure so the connection should be closed
	// - Client closes the connection and immediately opens another one
	// - Due to OS scheduler, mocked server sees the opening of a new connection
	//   earlier than the closure of the old connection. But since we expect
	//   the "conn closed" event, test fails.
	//
	// So to prevent that, we just ensure that we don't have more than one conn
	// opened.
	connLimiter := make(chan struct{}, 1)

	// Create test server with a single root endpoint which upgrades connection
	// to websocket
	ts := httptest.NewServer(http.HandlerFunc(getStreamHandler(t, rx, tx, connLimiter)))
	defer ts.Close()

	// Replace the scheme in url to "ws"
	u, err := url.Parse(ts.URL)
	if err != nil {
		return errors.Trace(err)
	}
	u.Scheme = "ws"

	if err := cb(&testServerParams{
		rx:  rx,
		tx:  tx,
		url: u.String(),
	}); err != nil {
		return errors.Trace(err)
	}

	return nil
}

// getStreamHandler returns an http handler which upgrades the connection to
// websocket, forwards events (opened connections and received messages) to the
// rx channel, and forwards messages from tx channel to websocket.
//
// NOTE that only one connection should be opened at a time, since currently
// there's no way to receive/send stuff from/to a particular connection in case
// there are many.
func getStreamHandler(
	t *testing.T,
	rx chan<- websocketEvent,
	tx <-chan internal.WebsocketTx,
	connLimiter chan struct{},
) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {

		// Ensure the limit of simultaneously opened connections
		// (see comment for connLimiter above)
		connLimiter <- struct{}{}
		defer func() {
			// This will run after Tx loop exits (and thus Rx loop already exited)
			<-connLimiter
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// The client always sends its Origin header, so cross-origin
		// upgrades must be allowed here.
		upgrader := websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Error(err)
			return
		}
		defer ws.Close()

		t.Logf("new websocket conn is opened")

		rx <- websocketEvent{
			eventType: eventTypeConnOpened,
		}

		go func() {
			for {
				mt, message, err := ws.ReadMessage()

				t.Logf("websocket rx: type=%d, data=%s, err=%v", mt, message, err)

				rx <- websocketEvent{
					eventType: eventTypeMsg,

					messageType: mt,
					data:        message,
					err:         err,
				}

				if err != nil {
					t.Logf("breaking out of Rx loop")
					// Signal tx loop to exit as well
					cancel()
					break
				}
			}
		}()

	txLoop:
		for {
			select {
			case msg := <-tx:
				t.Logf("websocket tx: type=%d, data=%s", msg.MessageType, msg.Data)

				if err := ws.WriteMessage(msg.MessageType, msg.Data); err != nil {
					t.Logf("error writing to websocket: %s", err)
					break
				}
			case <-ctx.Done():
				t.Logf("breaking out of Tx loop")
				break txLoop
			}
		}
	}
}

// testReconnectOpts keep test reconnects fast and deterministic.
var testReconnectOpts = &ReconnectOpts{
	Reconnect:      true,
	MaxRetries:     5,
	BaseDelay:      5 * time.Millisecond,
	Multiplier:     2,
	MaxDelay:       50 * time.Millisecond,
	FastFirstDelay: 5 * time.Millisecond,
	DisableJitter:  true,
}

func TestClientConn(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(&Params{
			URL:           tp.url,
			ReconnectOpts: testReconnectOpts,
		})
		if err != nil {
			return errors.Trace(err)
		}

		// Add state tracker to the connection, so we'll see all state transitions
		st := NewStateTracker()
		st.addStateListener(client, ConnStateAny, StateListenerOpt{})

		loggedRx := make(chan Packet, 8)
		client.OnLogged(func(greeting Packet) {
			loggedRx <- greeting
		})

		pingRx := make(chan int64, 8)
		client.OnPing(func(n int64) {
			pingRx <- n
		})

		reconnectingRx := make(chan int, 8)
		client.OnReconnecting(func(attempt, maxRetries int) {
			reconnectingRx <- attempt
		})

		reconnectedRx := make(chan struct{}, 8)
		client.OnReconnected(func() {
			reconnectedRx <- struct{}{}
		})

		// Set up a quote session before connecting; its commands must be
		// queued until the connection is ready.
		quotes, err := client.NewQuoteSession(&QuoteSessionParams{
			Fields: []string{"lp", "volume"},
		})
		if err != nil {
			return errors.Trace(err)
		}

		key := quotes.Key()
		if !strings.HasPrefix(key, "qs_") || len(key) != len("qs_")+sessionKeySuffixLen {
			return errors.Errorf("malformed quote session key: %q", key)
		}

		quoteRx := make(chan common.Quote, 8)
		quotes.OnQuoteData(func(symbol common.SymbolID, q common.Quote) {
			quoteRx <- q
		})

		if err := quotes.AddSymbols("BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(t, ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		// Wait for the new conn to be opened
		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st.expectState(t, ConnStateAwaitingAuth); err != nil {
			return errors.Trace(err)
		}

		// The auth command must be the very first frame, with the anonymous
		// sentinel since we have no credentials.
		if err := waitCommand(t, tp, cmdSetAuthToken, "", UnauthorizedToken); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(t, ConnStateReady); err != nil {
			return errors.Trace(err)
		}

		// Then the queued session commands, in issue order.
		if err := waitCommand(t, tp, cmdQuoteCreateSession, key); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteSetFields, key, "lp", "volume"); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteAddSymbols, key, "BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}

		// The first unowned packet becomes the one-shot logged greeting.
		sendText(tp, EncodeTextFrame(`{"session_id":"<0.1.2>","release":"registry:5"}`))

		select {
		case <-loggedRx:
		case <-time.After(1 * time.Second):
			return errors.Errorf("no logged event")
		}

		// Heartbeats are echoed back verbatim and surfaced as ping events.
		sendText(tp, EncodeHeartbeat(3))

		if err := waitRawFrame(t, tp, EncodeHeartbeat(3)); err != nil {
			return errors.Trace(err)
		}
		select {
		case n := <-pingRx:
			if n != 3 {
				return errors.Errorf("ping: want 3, got %d", n)
			}
		case <-time.After(1 * time.Second):
			return errors.Errorf("no ping event")
		}

		// Quote data owned by the session.
		sendText(tp, EncodeTextFrame(
			fmt.Sprintf(`{"m":"qsd","p":[%q,{"n":"BINANCE:BTCUSDT","s":"ok","v":{"lp":100.5}}]}`, key)))

		select {
		case q := <-quoteRx:
			if q.Price == nil || *q.Price != 100.5 {
				return errors.Errorf("quote: want lp 100.5, got %s", q)
			}
		case <-time.After(1 * time.Second):
			return errors.Errorf("no quote data")
		}

		// A protocol_error packet poisons the connection; the client must
		// close it and reconnect.
		sendText(tp, EncodeTextFrame(`{"m":"protocol_error","p":["wrong data"]}`))

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(t, ConnStateReconnecting); err != nil {
			return errors.Trace(err)
		}

		select {
		case attempt := <-reconnectingRx:
			if attempt != 0 {
				return errors.Errorf("reconnecting attempt: want 0, got %d", attempt)
			}
		case <-time.After(1 * time.Second):
			return errors.Errorf("no reconnecting event")
		}

		if err := st.expectState(t, ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		// Wait for the new conn to be opened
		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st.expectState(t, ConnStateAwaitingAuth); err != nil {
			return errors.Trace(err)
		}

		// After a reconnect: auth first, then the session's replay log in
		// its original order, with the same session key.
		if err := waitCommand(t, tp, cmdSetAuthToken, "", UnauthorizedToken); err != nil {
			return errors.Trace(err)
		}

		if err := st.expectState(t, ConnStateReady); err != nil {
			return errors.Trace(err)
		}

		if err := waitCommand(t, tp, cmdQuoteCreateSession, key); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteSetFields, key, "lp", "volume"); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteAddSymbols, key, "BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}

		select {
		case <-reconnectedRx:
		case <-time.After(1 * time.Second):
			return errors.Errorf("no reconnected event")
		}

		// Close and stop reconnecting
		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		// Wait for the connection being closed
		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st.expectState(t, ConnStateClosed); err != nil {
			return errors.Trace(err)
		}

		if err := st.checkStates([]string{
			"closed->connecting",
			"connecting->awaiting-auth",
			"awaiting-auth->ready",
			"ready->reconnecting(protocol error)",
			"reconnecting->connecting",
			"connecting->awaiting-auth",
			"awaiting-auth->ready",
			"ready->closed",
		}); err != nil {
			return errors.Trace(err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

// A session command issued while the connection is down must be superseded
// by the replay log: after the reconnect the server sees create_session
// first, the session's commands in issue order, and each of them exactly
// once.
func TestReconnectReplayOrder(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(&Params{
			URL: tp.url,
			ReconnectOpts: &ReconnectOpts{
				Reconnect:  true,
				MaxRetries: 5,
				// A longer first delay leaves room to issue a command
				// while the connection is down.
				BaseDelay:      250 * time.Millisecond,
				Multiplier:     2,
				MaxDelay:       time.Second,
				FastFirstDelay: 250 * time.Millisecond,
				DisableJitter:  true,
			},
		})
		if err != nil {
			return errors.Trace(err)
		}

		reconnectingRx := make(chan int, 8)
		client.OnReconnecting(func(attempt, maxRetries int) {
			reconnectingRx <- attempt
		})

		quotes, err := client.NewQuoteSession(&QuoteSessionParams{
			Fields: []string{"lp"},
		})
		if err != nil {
			return errors.Trace(err)
		}
		key := quotes.Key()

		if err := quotes.AddSymbols("BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := waitCommand(t, tp, cmdSetAuthToken, "", UnauthorizedToken); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteCreateSession, key); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteSetFields, key, "lp"); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteAddSymbols, key, "BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}

		// Poison the connection so the client drops it and reconnects.
		sendText(tp, EncodeTextFrame(`{"m":"protocol_error","p":["wrong data"]}`))

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		select {
		case <-reconnectingRx:
		case <-time.After(1 * time.Second):
			return errors.Errorf("no reconnecting event")
		}

		// Subscribe to one more symbol while the connection is down: the
		// frame is retained, but the replay log records it too.
		if err := quotes.AddSymbols("BINANCE:ETHUSDT"); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := waitCommand(t, tp, cmdSetAuthToken, "", UnauthorizedToken); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteCreateSession, key); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteSetFields, key, "lp"); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteAddSymbols, key, "BINANCE:BTCUSDT"); err != nil {
			return errors.Trace(err)
		}
		if err := waitCommand(t, tp, cmdQuoteAddSymbols, key, "BINANCE:ETHUSDT"); err != nil {
			return errors.Trace(err)
		}

		// The retained frame must not be transmitted a second time.
		select {
		case event := <-tp.rx:
			return errors.Errorf("unexpected extra message after replay: %+v", event)
		case <-time.After(250 * time.Millisecond):
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func TestConnectConnected(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(&Params{
			URL:           tp.url,
			ReconnectOpts: testReconnectOpts,
		})
		if err != nil {
			return errors.Trace(err)
		}
		defer client.Close()

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		c2err := client.Connect()
		if want, got := ErrConnLoopActive, errors.Cause(c2err); got != want {
			return errors.Errorf("want: %v, got: %v", want, got)
		}

		return nil
	})
	if err != nil {
		t.Error(err)
		return
	}
}

func TestConnectTimeout(t *testing.T) {
	// A raw TCP listener which accepts and then stays silent: the websocket
	// handshake can never complete, so the dial must time out.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer conn.Close()
		}
	}()

	client, err := NewClient(&Params{
		URL:            fmt.Sprintf("ws://%s/", ln.Addr().String()),
		ConnectTimeout: 1 * time.Second,
		ReconnectOpts: &ReconnectOpts{
			Reconnect: false,
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	timeoutRx := make(chan time.Duration, 1)
	client.OnConnectTimeout(func(timeout time.Duration) {
		timeoutRx <- timeout
	})

	st := NewStateTracker()
	st.addStateListener(client, ConnStateAny, StateListenerOpt{})

	if err := client.Connect(); err != nil {
		t.Fatal(err)
	}

	if err := st.expectState(t, ConnStateConnecting); err != nil {
		t.Fatal(err)
	}

	if err := st.expectState(t, ConnStateClosed); err != nil {
		t.Fatal(err)
	}

	select {
	case timeout := <-timeoutRx:
		if timeout != 1*time.Second {
			t.Fatalf("connect_timeout: want 1s, got %s", timeout)
		}
	case <-time.After(1 * time.Second):
		t.Fatalf("no connect_timeout event")
	}
}

func TestStateListenerOpts(t *testing.T) {
	err := withTestServer(t, func(tp *testServerParams) error {
		client, err := NewClient(&Params{
			URL:           tp.url,
			ReconnectOpts: testReconnectOpts,
		})
		if err != nil {
			return errors.Trace(err)
		}

		type testCase struct {
			state                   ConnState
			oneOff, callImmediately bool
			wantTransitions         []string
		}

		testCases := []testCase{
			testCase{
				state: ConnStateAny, oneOff: false, callImmediately: false,
				wantTransitions: []string{
					"closed->connecting",
					"connecting->awaiting-auth",
					"awaiting-auth->ready",
					"ready->closed",
				},
			},
			testCase{
				state: ConnStateAny, oneOff: false, callImmediately: true,
				wantTransitions: []string{
					"closed->closed",
					"closed->connecting",
					"connecting->awaiting-auth",
					"awaiting-auth->ready",
					"ready->closed",
				},
			},
			testCase{
				state: ConnStateAny, oneOff: true, callImmediately: false,
				wantTransitions: []string{
					"closed->connecting",
				},
			},
			testCase{
				state: ConnStateAny, oneOff: true, callImmediately: true,
				wantTransitions: []string{
					"closed->closed",
				},
			},
			testCase{
				state: ConnStateReady, oneOff: false, callImmediately: false,
				wantTransitions: []string{
					"awaiting-auth->ready",
				},
			},
			testCase{
				state: ConnStateReady, oneOff: true, callImmediately: false,
				wantTransitions: []string{
					"awaiting-auth->ready",
				},
			},
		}

		// Create state trackers for each test case
		st := make([]*stateTracker, len(testCases))
		for i, v := range testCases {
			st[i] = NewStateTracker()
			st[i].addStateListener(client, v.state, StateListenerOpt{
				OneOff: v.oneOff, CallImmediately: v.callImmediately,
			})
		}

		if err := client.Connect(); err != nil {
			return errors.Trace(err)
		}

		if err := st[0].expectState(t, ConnStateConnecting); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnOpen(t, tp); err != nil {
			return errors.Errorf("waiting for new conn to be opened: %s", err)
		}

		if err := st[0].expectState(t, ConnStateAwaitingAuth); err != nil {
			return errors.Trace(err)
		}

		if err := waitCommand(t, tp, cmdSetAuthToken, "", UnauthorizedToken); err != nil {
			return errors.Trace(err)
		}

		if err := st[0].expectState(t, ConnStateReady); err != nil {
			return errors.Trace(err)
		}

		if err := client.Close(); err != nil {
			return errors.Trace(err)
		}

		if err := waitConnClose(t, tp); err != nil {
			return errors.Errorf("waiting for connection being closed: %s", err)
		}

		if err := st[0].expectState(t, ConnStateClosed); err != nil {
			return errors.Trace(err)
		}

		// Check states from all test cases
		for i, v := range testCases {
			if err := st[i].checkStates(v.wantTransitions); err != nil {
				return errors.Annotatef(err, "test case #%d", i)
			}
		}

		return nil
	})
	if err != nil {
		t.Log(errors.ErrorStack(err))
		t.Error(err)
		return
	}
}

func waitConnOpen(t *testing.T, tp *testServerParams) error {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeConnOpened, event.eventType; want != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

	case <-time.After(1 * time.Second):
		return errors.Errorf("didn't receive anything")
	}

	return nil
}

func waitConnClose(t *testing.T, tp *testServerParams) error {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeMsg, event.eventType; want != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

		if event.err == nil {
			return errors.Errorf("event.err should not be nil")
		}

	case <-time.After(1 * time.Second):
		return errors.Errorf("didn't receive anything")
	}

	return nil
}

// waitCommand waits for the next message from the client and checks that it
// is a single frame with the given command type and params. An empty
// wantKey skips the session key check (for commands like set_auth_token
// whose first param is not a key).
func waitCommand(t *testing.T, tp *testServerParams, wantType string, wantKey string, wantParams ...interface{}) error {
	select {
	case event := <-tp.rx:
		if want, got := eventTypeMsg, event.eventType; want != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", want, got, event)
		}

		packets, err := DecodeFrames(event.data, &DecodeOpts{Strict: true})
		if err != nil {
			return errors.Trace(err)
		}
		if len(packets) != 1 {
			return errors.Errorf("want a single frame, got %d: %s", len(packets), event.data)
		}

		pkt := packets[0]
		if pkt.Type != wantType {
			return errors.Errorf("command type: want: %q, got: %q (%s)", wantType, pkt.Type, event.data)
		}

		if wantKey != "" {
			if got := pkt.SessionKey(); got != wantKey {
				return errors.Errorf("session key: want: %q, got: %q", wantKey, got)
			}
		}

		// Check the params after the key
		offset := 1
		if wantKey == "" {
			offset = 0
		}
		for i, want := range wantParams {
			var got interface{}
			if err := pkt.Param(offset+i, &got); err != nil {
				return errors.Trace(err)
			}
			if fmt.Sprintf("%v", got) != fmt.Sprintf("%v", want) {
				return errors.Errorf("param %d: want: %v, got: %v (%s)", offset+i, want, got, event.data)
			}
		}

	case <-time.After(1 * time.Second):
		return errors.Errorf("didn't receive %q command", wantType)
	}

	return nil
}

// waitRawFrame waits for the next message and compares it byte for byte.
func waitRawFrame(t *testing.T, tp *testServerParams, want string) error {
	select {
	case event := <-tp.rx:
		if wantET, got := eventTypeMsg, event.eventType; wantET != got {
			return errors.Errorf("event type: want: %v, got: %v (%+v)", wantET, got, event)
		}

		if got := string(event.data); got != want {
			return errors.Errorf("frame: want: %q, got: %q", want, got)
		}

	case <-time.After(1 * time.Second):
		return errors.Errorf("didn't receive frame %q", want)
	}

	return nil
}

func sendText(tp *testServerParams, data string) {
	tp.tx <- internal.WebsocketTx{
		MessageType: websocket.TextMessage,
		Data:        []byte(data),
	}
}

// stateTracker {{{
type stateChange struct {
	oldState, state ConnState
	cause           error
}

type stateTracker struct {
	states    []string
	mtx       sync.Mutex
	changes   chan stateChange
	lastError error
}

func NewStateTracker() *stateTracker {
	return &stateTracker{
		changes: make(chan stateChange, 1024),
	}
}

func (st *stateTracker) addStateListener(client *Client, state ConnState, opt StateListenerOpt) {
	client.OnError(func(connErr error, disconnecting bool) {
		if disconnecting {
			st.mtx.Lock()
			st.lastError = connErr
			st.mtx.Unlock()
		}
	})

	client.OnStateChangeOpt(
		state,
		func(oldState, state ConnState) {
			st.mtx.Lock()
			defer st.mtx.Unlock()

			var cause error
			if state == ConnStateClosed || state == ConnStateReconnecting {
				cause = st.lastError
			}
			st.lastError = nil

			errStr := ""
			if cause != nil {
				errStr = fmt.Sprintf("(%s)", errors.Cause(cause))
			}

			st.states = append(st.states, fmt.Sprintf("%s->%s%s", ConnStateNames[oldState], ConnStateNames[state], errStr))

			st.changes <- stateChange{
				oldState: oldState,
				state:    state,
				cause:    cause,
			}
		},
		opt,
	)
}

func (st *stateTracker) checkStates(want []string) error {
	st.mtx.Lock()
	defer st.mtx.Unlock()

	wantStr := strings.Join(want, ", ")
	gotStr := strings.Join(st.states, ", ")

	if gotStr != wantStr {
		return errors.Errorf("states error: want: %q, got: %q", wantStr, gotStr)
	}

	return nil
}

func (st *stateTracker) expectState(t *testing.T, state ConnState) error {
	select {
	case change := <-st.changes:
		if change.state != state {
			return errors.Errorf("expect state change: want: %s, got: %s (%v)", ConnStateNames[state], ConnStateNames[change.state], change)
		}

	case <-time.After(2 * time.Second):
		return errors.Errorf("expect state change: want: %s, but nothing happened", ConnStateNames[state])
	}

	return nil
}

// statetracker }}}
