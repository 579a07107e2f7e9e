package websocket

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/juju/errors"

	"tv-sdk-go/common"
)

// chartSessionPrefix is the key prefix of chart sessions.
const chartSessionPrefix = "cs_"

// chartSeriesID is the identifier of the session's single candle series;
// one series per session keeps the turnaround bookkeeping trivial, open a
// second session for a second series.
const chartSeriesID = "sds_1"

// DefaultTimezone is the chart timezone used when
// ChartSessionParams.Timezone is empty.
const DefaultTimezone = "Etc/UTC"

// ChartSessionParams contains options for creating a chart session.
type ChartSessionParams struct {
	// Timezone the server renders candle boundaries in; defaults to
	// DefaultTimezone.
	Timezone string
}

// ResolveOpts tune symbol resolution.
type ResolveOpts struct {
	// Adjustment is the price adjustment mode, e.g. "splits" (default) or
	// "dividends".
	Adjustment string

	// SessionType selects regular or extended hours ("regular" default,
	// "extended").
	SessionType string
}

// OnCandlesCB receives candle batches: the initial snapshot and every
// subsequent update (updates typically carry the forming candle only).
type OnCandlesCB func(candles []common.Candle)

// OnSymbolResolvedCB receives the symbol metadata after a Resolve.
type OnSymbolResolvedCB func(info common.SymbolInfo)

// OnChartSymbolErrorCB is called when the server rejects a resolve.
type OnChartSymbolErrorCB func(handle string)

// OnStudyDataCB receives raw study (indicator) output keyed by study id.
type OnStudyDataCB func(studyID string, data json.RawMessage)

// OnChartErrorCB receives series and session level errors.
type OnChartErrorCB func(err error)

// ChartSession streams candle data for one symbol and timeframe, plus any
// number of studies computed server-side on that series.
//
// Use Client's NewChartSession to create an instance.
type ChartSession struct {
	session

	mtx sync.Mutex

	symbolSeq     int
	currentSymbol string
	seriesCreated bool
	turnSeq       int
	studySeq      int

	candlesCBs     []OnCandlesCB
	resolvedCBs    []OnSymbolResolvedCB
	symbolErrorCBs []OnChartSymbolErrorCB
	studyDataCBs   []OnStudyDataCB
	errorCBs       []OnChartErrorCB
}

// NewChartSession creates a chart session on the client and issues its
// create and timezone commands.
func (c *Client) NewChartSession(params *ChartSessionParams) (*ChartSession, error) {
	if params == nil {
		params = &ChartSessionParams{}
	}

	timezone := params.Timezone
	if timezone == "" {
		timezone = DefaultTimezone
	}

	s := &ChartSession{}
	s.init(c, chartSessionPrefix, s)

	if err := s.sendRecorded(cmdChartCreateSession, s.key, ""); err != nil {
		return nil, errors.Trace(err)
	}
	if err := s.sendRecorded(cmdSwitchTimezone, s.key, timezone); err != nil {
		return nil, errors.Trace(err)
	}

	return s, nil
}

// Resolve asks the server to resolve a symbol; the result arrives via
// OnSymbolResolved (or OnSymbolError). The resolved handle becomes the
// series symbol for the next SetSeries call.
func (s *ChartSession) Resolve(symbol common.SymbolID, opts *ResolveOpts) error {
	if opts == nil {
		opts = &ResolveOpts{}
	}

	adjustment := opts.Adjustment
	if adjustment == "" {
		adjustment = "splits"
	}

	spec := map[string]string{
		"symbol":     string(symbol),
		"adjustment": adjustment,
	}
	if opts.SessionType != "" {
		spec["session"] = opts.SessionType
	}

	specJSON, err := json.Marshal(spec)
	if err != nil {
		return errors.Trace(err)
	}

	s.mtx.Lock()
	s.symbolSeq++
	handle := fmt.Sprintf("sds_sym_%d", s.symbolSeq)
	s.currentSymbol = handle
	s.mtx.Unlock()

	return errors.Trace(s.sendRecorded(cmdResolveSymbol, s.key, handle, "="+string(specJSON)))
}

// SetSeries creates the candle series on the first call and retargets it on
// subsequent ones (symbol or timeframe changes reuse the same series).
// Resolve must have been called first.
func (s *ChartSession) SetSeries(tf common.Timeframe, barCount int) error {
	s.mtx.Lock()
	if s.currentSymbol == "" {
		s.mtx.Unlock()
		return errors.Errorf("no symbol resolved yet")
	}

	symbol := s.currentSymbol
	s.turnSeq++
	turn := fmt.Sprintf("s%d", s.turnSeq)
	create := !s.seriesCreated
	s.seriesCreated = true
	s.mtx.Unlock()

	if create {
		return errors.Trace(s.sendRecorded(
			cmdCreateSeries, s.key, chartSeriesID, turn, symbol, string(tf), barCount, ""))
	}

	return errors.Trace(s.sendRecorded(
		cmdModifySeries, s.key, chartSeriesID, turn, symbol, string(tf), ""))
}

// RequestMoreData asks for count more historical candles to the left of the
// loaded range; they arrive as a regular candle batch.
func (s *ChartSession) RequestMoreData(count int) error {
	return errors.Trace(s.send(cmdRequestMoreData, s.key, chartSeriesID, count))
}

// CreateStudy attaches a server-side study (indicator) to the series and
// returns its id. Inputs are passed through as the study's parameters.
func (s *ChartSession) CreateStudy(name string, inputs map[string]interface{}) (string, error) {
	s.mtx.Lock()
	s.studySeq++
	studyID := fmt.Sprintf("st_%d", s.studySeq)
	turn := fmt.Sprintf("st%d", s.studySeq)
	s.mtx.Unlock()

	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	err := s.sendRecorded(cmdCreateStudy, s.key, studyID, turn, chartSeriesID, name, inputs)
	if err != nil {
		return "", errors.Trace(err)
	}

	return studyID, nil
}

// ModifyStudy changes the inputs of an existing study in place; the server
// recomputes and re-sends its output.
func (s *ChartSession) ModifyStudy(studyID string, inputs map[string]interface{}) error {
	s.mtx.Lock()
	s.studySeq++
	turn := fmt.Sprintf("st%d", s.studySeq)
	s.mtx.Unlock()

	if inputs == nil {
		inputs = map[string]interface{}{}
	}

	return errors.Trace(s.sendRecorded(cmdModifyStudy, s.key, studyID, turn, inputs))
}

// RemoveStudy detaches a study created with CreateStudy.
func (s *ChartSession) RemoveStudy(studyID string) error {
	return errors.Trace(s.sendRecorded(cmdRemoveStudy, s.key, studyID))
}

// SwitchTimezone changes the chart timezone; candle boundaries shift
// accordingly.
func (s *ChartSession) SwitchTimezone(timezone string) error {
	return errors.Trace(s.sendRecorded(cmdSwitchTimezone, s.key, timezone))
}

// OnCandles registers a listener for candle batches.
func (s *ChartSession) OnCandles(cb OnCandlesCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.candlesCBs = append(s.candlesCBs, cb)
}

// OnSymbolResolved registers a listener for resolved symbol metadata.
func (s *ChartSession) OnSymbolResolved(cb OnSymbolResolvedCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.resolvedCBs = append(s.resolvedCBs, cb)
}

// OnSymbolError registers a listener for rejected resolves.
func (s *ChartSession) OnSymbolError(cb OnChartSymbolErrorCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.symbolErrorCBs = append(s.symbolErrorCBs, cb)
}

// OnStudyData registers a listener for study output.
func (s *ChartSession) OnStudyData(cb OnStudyDataCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.studyDataCBs = append(s.studyDataCBs, cb)
}

// OnError registers a listener for series and session level errors.
func (s *ChartSession) OnError(cb OnChartErrorCB) {
	s.mtx.Lock()
	defer s.mtx.Unlock()
	s.errorCBs = append(s.errorCBs, cb)
}

// Delete tears down the session.
func (s *ChartSession) Delete() error {
	return errors.Trace(s.deleteSession(cmdChartDeleteSession))
}

// seriesBar is one entry of a series update: i is the bar index, v the
// [time, open, high, low, close, volume] array (volume may be absent).
type seriesBar struct {
	I int       `json:"i"`
	V []float64 `json:"v"`
}

// seriesPayload is the per-series part of timescale_update and du packets.
type seriesPayload struct {
	S []seriesBar `json:"s"`
}

// Handle implements sessionHandler; it runs on the connection's event loop
// and dispatches listener invocations to the client's dispatch goroutine.
func (s *ChartSession) Handle(pkt Packet) {
	switch pkt.Type {
	case cmdTimescaleUpdate, cmdDataUpdate:
		s.handleSeriesUpdate(pkt)

	case cmdSymbolResolved:
		var info common.SymbolInfo
		if err := pkt.Param(2, &info); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed symbol_resolved packet"))
			return
		}

		s.mtx.Lock()
		cbs := s.resolvedCBs
		s.mtx.Unlock()

		s.conn.schedule(func() {
			for _, cb := range cbs {
				cb(info)
			}
		})

	case cmdSymbolError:
		var handle string
		if err := pkt.Param(1, &handle); err != nil {
			s.conn.reportError(errors.Annotatef(err, "malformed symbol_error packet"))
			return
		}

		s.mtx.Lock()
		cbs := s.symbolErrorCBs
		s.mtx.Unlock()

		s.conn.schedule(func() {
			for _, cb := range cbs {
				cb(handle)
			}
		})

	case cmdSeriesError, cmdStudyError, cmdCriticalError:
		err := errors.Errorf("%s: %s", pkt.Type, pkt.Raw)

		s.mtx.Lock()
		cbs := s.errorCBs
		s.mtx.Unlock()

		s.conn.schedule(func() {
			for _, cb := range cbs {
				cb(err)
			}
		})
	}
}

// handleSeriesUpdate splits a timescale_update or du payload into candle
// batches (the series) and study output (everything keyed st_*).
func (s *ChartSession) handleSeriesUpdate(pkt Packet) {
	var payload map[string]json.RawMessage
	if err := pkt.Param(1, &payload); err != nil {
		s.conn.reportError(errors.Annotatef(err, "malformed %s packet", pkt.Type))
		return
	}

	for id, raw := range payload {
		switch {
		case id == chartSeriesID:
			var sp seriesPayload
			if err := json.Unmarshal(raw, &sp); err != nil || len(sp.S) == 0 {
				continue
			}

			candles := make([]common.Candle, 0, len(sp.S))
			for _, bar := range sp.S {
				if c, ok := barToCandle(bar.V); ok {
					candles = append(candles, c)
				}
			}
			if len(candles) == 0 {
				continue
			}

			s.mtx.Lock()
			cbs := s.candlesCBs
			s.mtx.Unlock()

			s.conn.schedule(func() {
				for _, cb := range cbs {
					cb(candles)
				}
			})

		case strings.HasPrefix(id, "st_"):
			studyID := id
			data := raw

			s.mtx.Lock()
			cbs := s.studyDataCBs
			s.mtx.Unlock()

			s.conn.schedule(func() {
				for _, cb := range cbs {
					cb(studyID, data)
				}
			})
		}
	}
}

// barToCandle converts a wire bar value array into a Candle; ok is false
// for arrays too short to hold OHLC.
func barToCandle(v []float64) (common.Candle, bool) {
	if len(v) < 5 {
		return common.Candle{}, false
	}

	c := common.Candle{
		Timestamp: int64(v[0]),
		Open:      v[1],
		High:      v[2],
		Low:       v[3],
		Close:     v[4],
	}
	if len(v) > 5 {
		c.Volume = v[5]
	}

	return c, true
}
