/*
Package websocket provides a client for the TradingView websocket market
data API. A single connection multiplexes any number of logical sessions:
quote sessions for live tickers, chart sessions for candle series and
studies, and history sessions for deep backtest data.

Wire Protocol

The server speaks a framed text protocol over websocket. Every payload is
wrapped as

	~m~<len>~m~<payload>

where <len> is the decimal UTF-8 byte length of <payload>. Payloads are
JSON command objects {"m": <type>, "p": [<params>...]}, or heartbeat tokens
~h~<n>, which the client echoes back automatically. You normally never see
the framing: the client decodes inbound chunks into packets and routes each
one to the session that owns it.

Params

Use Params to specify connection options:

	type Params struct {
		// Not required
		Token         string
		Signature     string
		Server        string
		ReconnectOpts *ReconnectOpts
	}

Typically you will only need to supply Token and Signature (the sessionid
and sessionid_sign cookies of a logged-in account), as the other parameters
have default values. Without credentials the client still connects with a
limited, anonymous access level.

Server selects the endpoint: "data" (the default), "prodata", "widgetdata"
or "history-data". The history-data endpoint additionally requires ChartID.

ReconnectOpts determine how (and if) the client should reconnect. By
default, the client reconnects with a fast first retry of 250ms, then
exponential backoff up to 30 seconds.

Basic Usage

The typical workflow is to create an instance of the client, set event
handlers on it, create sessions, then initiate the connection. As events
occur, the registered callbacks are executed:

	import (
		"tv-sdk-go/client/websocket"
		"tv-sdk-go/common"
	)

	client, err := websocket.NewClient(&websocket.Params{
		Token:     "mysessionid",
		Signature: "mysessionidsign",
	})
	if err != nil {
		log.Fatal(err)
	}

	client.OnError(func(err error, disconnecting bool) {
		// Handle errors
	})

	quotes, err := client.NewQuoteSession(nil)
	if err != nil {
		log.Fatal(err)
	}

	quotes.OnQuoteData(func(symbol common.SymbolID, q common.Quote) {
		// Handle live quote data
	})

	quotes.AddSymbols("BINANCE:BTCUSDT", "NASDAQ:AAPL")

	client.Connect()

Commands issued before the connection is ready are queued and flushed once
the server has acknowledged authentication, so sessions may be set up
entirely before Connect.

Reconnection and Rehydration

When the connection drops, the client reconnects on its own and replays
every session's state-changing commands on the fresh connection, in their
original order. From the application's point of view a reconnect is just a
disconnected event followed by connected and reconnected ones; streams
resume without any action on your part. Set DisableRehydrate to opt out.

Error Handling and Connection States

The OnError callback receives every error. The "disconnecting" argument is
set to true if the error is going to cause a disconnection: in this case,
the app could store the error somewhere and show it later, when the actual
disconnection happens; error handlers are always called before the state
change listeners.

State listeners observe the connection life cycle (ConnStateConnecting,
ConnStateAwaitingAuth, ConnStateReady, ConnStateReconnecting,
ConnStateClosed); use ConnStateAny to listen for all of them. The
following is an example of how you would print verbose logs about a
client's state transitions:

	var lastError error

	client.OnError(func(err error, disconnecting bool) {
		// If the client is going to disconnect because of that error, just
		// save the error to print later with the disconnection message.
		if disconnecting {
			lastError = err
			return
		}

		// Otherwise, print the error message right away.
		log.Printf("Error: %s", err.Error())
	})

	client.OnStateChange(
		websocket.ConnStateAny,
		func(oldState, state websocket.ConnState) {
			causeStr := ""
			if lastError != nil {
				causeStr = fmt.Sprintf(" (%s)", lastError)
				lastError = nil
			}
			log.Printf(
				"State updated: %s -> %s%s",
				websocket.ConnStateNames[oldState],
				websocket.ConnStateNames[state],
				causeStr,
			)
		},
	)

Concurrency

All methods of the Client and of the session types can be called
concurrently from any number of goroutines. All callbacks and listeners
are called by the same internal goroutine, unique to each connection; that
is, they are never called concurrently with each other.

Stream CLI

Use the command line tool tv-stream to watch live quotes from the command
line. To install the tool, run "make" from the root of the repo. This will
create the executable bin/tv-stream, which can be used as follows:

	./tv-stream \
		-sym BINANCE:BTCUSDT \
		-sym NASDAQ:AAPL
*/
package websocket
