package websocket

import (
	"sync"
	"time"

	"github.com/juju/errors"

	"tv-sdk-go/common"
)

// historySessionPrefix is the key prefix of history sessions; they only
// work against the "history-data" endpoint.
const historySessionPrefix = "hs_"

// DefaultHistoryRequestTimeout is how long a history request may stay
// unanswered before it is rejected.
const DefaultHistoryRequestTimeout = 30 * time.Second

// ErrRequestTimeout means the server did not answer a history request
// within the request timeout.
var ErrRequestTimeout = errors.New("history request timed out")

// HistorySessionParams contains options for creating a history session.
type HistorySessionParams struct {
	// RequestTimeout caps how long RequestHistoryData blocks; defaults to
	// DefaultHistoryRequestTimeout.
	RequestTimeout time.Duration
}

type historyResponse struct {
	candles []common.Candle
	err     error
}

// HistorySession fetches deep historical candle ranges over the
// "history-data" endpoint. Unlike the streaming sessions its requests are
// one-shot: each gets a monotonically increasing id, and the answer (or a
// deadline) resolves exactly that request.
//
// Use Client's NewHistorySession to create an instance; the client must
// have been created with Server set to ServerHistoryData.
type HistorySession struct {
	session

	requestTimeout time.Duration

	mtx      sync.Mutex
	nextID   int
	requests map[int]chan historyResponse
}

// NewHistorySession creates a history session on the client.
func (c *Client) NewHistorySession(params *HistorySessionParams) (*HistorySession, error) {
	if params == nil {
		params = &HistorySessionParams{}
	}

	timeout := params.RequestTimeout
	if timeout <= 0 {
		timeout = DefaultHistoryRequestTimeout
	}

	s := &HistorySession{
		requestTimeout: timeout,
		requests:       make(map[int]chan historyResponse),
	}
	s.init(c, historySessionPrefix, s)

	if err := s.sendRecorded(cmdHistoryCreateSession, s.key); err != nil {
		return nil, errors.Trace(err)
	}

	return s, nil
}

// RequestHistoryData fetches up to barCount candles of the given timeframe
// for a symbol, blocking until the server answers, the request times out,
// or the session is deleted.
func (s *HistorySession) RequestHistoryData(
	symbol common.SymbolID, tf common.Timeframe, barCount int,
) ([]common.Candle, error) {
	s.mtx.Lock()
	if s.requests == nil {
		s.mtx.Unlock()
		return nil, errors.Trace(ErrSessionClosed)
	}
	s.nextID++
	id := s.nextID
	resCh := make(chan historyResponse, 1)
	s.requests[id] = resCh
	s.mtx.Unlock()

	if err := s.send(cmdRequestHistoryData, s.key, id, string(symbol), string(tf), barCount); err != nil {
		s.resolve(id, historyResponse{})
		return nil, errors.Trace(err)
	}

	timer := s.conn.sessionClock().AfterFunc(s.requestTimeout, func() {
		s.resolve(id, historyResponse{err: errors.Trace(ErrRequestTimeout)})
	})
	defer timer.Stop()

	res := <-resCh
	if res.err != nil {
		return nil, errors.Trace(res.err)
	}

	return res.candles, nil
}

// Delete tears down the session; every pending request is rejected with
// ErrSessionClosed.
func (s *HistorySession) Delete() error {
	s.rejectAll(errors.Trace(ErrSessionClosed))
	return errors.Trace(s.deleteSession(cmdHistoryDeleteSession))
}

// resolve completes the request with the given id, if it is still pending.
func (s *HistorySession) resolve(id int, res historyResponse) {
	s.mtx.Lock()
	resCh, ok := s.requests[id]
	if ok {
		delete(s.requests, id)
	}
	s.mtx.Unlock()

	if ok {
		resCh <- res
	}
}

// rejectAll completes every pending request with err.
func (s *HistorySession) rejectAll(err error) {
	s.mtx.Lock()
	requests := s.requests
	s.requests = make(map[int]chan historyResponse)
	s.mtx.Unlock()

	for _, resCh := range requests {
		resCh <- historyResponse{err: err}
	}
}

// Handle implements sessionHandler; it runs on the connection's event loop.
// Resolving a request only delivers to a buffered channel, so the loop is
// never blocked by a slow caller.
func (s *HistorySession) Handle(pkt Packet) {
	switch pkt.Type {
	case cmdRequestData:
		var id int
		if err := pkt.Param(1, &id); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed request_data packet"))
			return
		}

		var sp seriesPayload
		if err := pkt.Param(2, &sp); err != nil {
			s.resolve(id, historyResponse{err: errors.Trace(err)})
			return
		}

		candles := make([]common.Candle, 0, len(sp.S))
		for _, bar := range sp.S {
			if c, ok := barToCandle(bar.V); ok {
				candles = append(candles, c)
			}
		}

		s.resolve(id, historyResponse{candles: candles})

	case cmdCriticalError:
		s.rejectAll(errors.Errorf("%s: %s", pkt.Type, pkt.Raw))
	}
}
