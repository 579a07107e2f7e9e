package websocket

import (
	"encoding/json"
	"sync"

	"github.com/juju/errors"

	"tv-sdk-go/common"
)

// quoteSessionPrefix is the key prefix of quote sessions.
const quoteSessionPrefix = "qs_"

// quoteStatusOK and quoteStatusError are the per-symbol status values the
// server reports in qsd packets.
const (
	quoteStatusOK    = "ok"
	quoteStatusError = "error"
)

// quoteDefaultFields is the field set subscribed to when
// QuoteSessionParams.Fields is empty; it matches common.Quote.
var quoteDefaultFields = []string{
	"lp", "ch", "chp", "ask", "bid", "volume",
	"open_price", "high_price", "low_price", "prev_close_price",
	"short_name", "description", "exchange", "currency_code",
	"type", "update_mode",
}

// QuoteSessionParams contains options for creating a quote session.
type QuoteSessionParams struct {
	// Fields restricts which quote fields the server streams; when empty, a
	// default set covering common.Quote is used.
	Fields []string
}

// OnQuoteDataCB is the signature of a quote update listener; quote is the
// merged view of the symbol so far, not just the delta.
type OnQuoteDataCB func(symbol common.SymbolID, quote common.Quote)

// OnQuoteErrorCB is the signature of a per-symbol error listener.
type OnQuoteErrorCB func(symbol common.SymbolID)

// OnQuoteCompletedCB is called once the initial snapshot for a symbol is
// fully delivered.
type OnQuoteCompletedCB func(symbol common.SymbolID)

// QuoteSession streams live quote updates for a set of symbols. Partial
// updates from the server are merged into a per-symbol view, so listeners
// and the Quote accessor always see the complete latest state.
//
// Use Client's NewQuoteSession to create an instance.
type QuoteSession struct {
	session

	mtx    sync.Mutex
	quotes map[common.SymbolID]*common.Quote

	quoteDataCBs   []OnQuoteDataCB
	symbolErrorCBs []OnQuoteErrorCB
	completedCBs   []OnQuoteCompletedCB
}

// NewQuoteSession creates a quote session on the client and issues its
// create and set-fields commands (queued until the connection is ready, so
// it's fine to call before Connect).
func (c *Client) NewQuoteSession(params *QuoteSessionParams) (*QuoteSession, error) {
	if params == nil {
		params = &QuoteSessionParams{}
	}

	fields := params.Fields
	if len(fields) == 0 {
		fields = quoteDefaultFields
	}

	s := &QuoteSession{
		quotes: make(map[common.SymbolID]*common.Quote),
	}
	s.init(c, quoteSessionPrefix, s)

	if err := s.sendRecorded(cmdQuoteCreateSession, s.key); err != nil {
		return nil, errors.Trace(err)
	}

	fieldParams := make([]interface{}, 0, len(fields)+1)
	fieldParams = append(fieldParams, s.key)
	for _, f := range fields {
		fieldParams = append(fieldParams, f)
	}
	if err := s.sendRecorded(cmdQuoteSetFields, fieldParams...); err != nil {
		return nil, errors.Trace(err)
	}

	return s, nil
}

// AddSymbols subscribes the session to the given symbols. Subscriptions
// survive reconnects.
func (s *QuoteSession) AddSymbols(symbols ...common.SymbolID) error {
	if len(symbols) == 0 {
		return nil
	}

	return errors.Trace(s.sendRecorded(cmdQuoteAddSymbols, symbolParams(s.key, symbols)...))
}

// RemoveSymbols unsubscribes the session from the given symbols and drops
// their merged views.
func (s *QuoteSession) RemoveSymbols(symbols ...common.SymbolID) error {
	if len(symbols) == 0 {
		return nil
	}

	s.mtx.Lock()
	for _, sym := range symbols {
		delete(s.quotes, sym)
	}
	s.mtx.Unlock()

	return errors.Trace(s.sendRecorded(cmdQuoteRemoveSymbols, symbolParams(s.key, symbols)...))
}

// SetFastSymbols switches the given symbols to the fast update stream.
func (s *QuoteSession) SetFastSymbols(symbols ...common.SymbolID) error {
	return errors.Trace(s.sendRecorded(cmdQuoteFastSymbols, symbolParams(s.key, symbols)...))
}

// Quote returns the merged view for a symbol, if any update has arrived.
func (s *QuoteSession) Quote(symbol common.SymbolID) (common.Quote, bool) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	q, ok := s.quotes[symbol]
	if !ok {
		return common.Quote{}, false
	}

	return *q, true
}

// Quotes returns a copy of every merged per-symbol view.
func (s *QuoteSession) Quotes() map[common.SymbolID]common.Quote {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	res := make(map[common.SymbolID]common.Quote, len(s.quotes))
	for sym, q := range s.quotes {
		res[sym] = *q
	}

	return res
}

// OnQuoteData registers a listener for merged quote updates.
func (s *QuoteSession) OnQuoteData(cb OnQuoteDataCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.quoteDataCBs = append(s.quoteDataCBs, cb)
}

// OnSymbolError registers a listener for symbols the server rejected.
func (s *QuoteSession) OnSymbolError(cb OnQuoteErrorCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.symbolErrorCBs = append(s.symbolErrorCBs, cb)
}

// OnCompleted registers a listener for completed initial snapshots.
func (s *QuoteSession) OnCompleted(cb OnQuoteCompletedCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.completedCBs = append(s.completedCBs, cb)
}

// Delete tears down the session.
func (s *QuoteSession) Delete() error {
	return errors.Trace(s.deleteSession(cmdQuoteDeleteSession))
}

// quoteSymbolData is the wire shape of the second qsd param.
type quoteSymbolData struct {
	Symbol string          `json:"n"`
	Status string          `json:"s"`
	Values json.RawMessage `json:"v"`
}

// Handle implements sessionHandler; it runs on the connection's event loop
// and dispatches listener invocations to the client's dispatch goroutine.
func (s *QuoteSession) Handle(pkt Packet) {
	switch pkt.Type {
	case cmdQuoteSymbolData:
		var qsd quoteSymbolData
		if err := pkt.Param(1, &qsd); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed qsd packet"))
			return
		}

		symbol := common.SymbolID(qsd.Symbol)

		if qsd.Status == quoteStatusError {
			s.mtx.Lock()
			cbs := s.symbolErrorCBs
			s.mtx.Unlock()

			s.conn.schedule(func() {
				for _, cb := range cbs {
					cb(symbol)
				}
			})
			return
		}

		var update common.Quote
		if err := json.Unmarshal(qsd.Values, &update); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed quote values for %q", qsd.Symbol))
			return
		}

		s.mtx.Lock()
		q, ok := s.quotes[symbol]
		if !ok {
			q = &common.Quote{}
			s.quotes[symbol] = q
		}
		q.Merge(update)
		merged := *q
		cbs := s.quoteDataCBs
		s.mtx.Unlock()

		s.conn.schedule(func() {
			for _, cb := range cbs {
				cb(symbol, merged)
			}
		})

	case cmdQuoteCompleted:
		var symbol string
		if err := pkt.Param(1, &symbol); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed quote_completed packet"))
			return
		}

		s.mtx.Lock()
		cbs := s.completedCBs
		s.mtx.Unlock()

		s.conn.schedule(func() {
			for _, cb := range cbs {
				cb(common.SymbolID(symbol))
			}
		})
	}
}

// symbolParams prepends the session key to a symbol list.
func symbolParams(key string, symbols []common.SymbolID) []interface{} {
	params := make([]interface{}, 0, len(symbols)+1)
	params = append(params, key)
	for _, sym := range symbols {
		params = append(params, string(sym))
	}
	return params
}
