package websocket

// Outbound command types. For every session-bound command the first
// positional param is the session key.
const (
	cmdSetAuthToken = "set_auth_token"

	cmdQuoteCreateSession = "quote_create_session"
	cmdQuoteDeleteSession = "quote_delete_session"
	cmdQuoteSetFields     = "quote_set_fields"
	cmdQuoteAddSymbols    = "quote_add_symbols"
	cmdQuoteRemoveSymbols = "quote_remove_symbols"
	cmdQuoteFastSymbols   = "quote_fast_symbols"

	cmdChartCreateSession = "chart_create_session"
	cmdChartDeleteSession = "chart_delete_session"
	cmdResolveSymbol      = "resolve_symbol"
	cmdCreateSeries       = "create_series"
	cmdModifySeries       = "modify_series"
	cmdRemoveSeries       = "remove_series"
	cmdCreateStudy        = "create_study"
	cmdModifyStudy        = "modify_study"
	cmdRemoveStudy        = "remove_study"
	cmdRequestMoreData    = "request_more_data"
	cmdSwitchTimezone     = "switch_timezone"

	cmdHistoryCreateSession = "history_create_session"
	cmdHistoryDeleteSession = "history_delete_session"
	cmdRequestHistoryData   = "request_history_data"
)

// Inbound packet types.
const (
	cmdProtocolError = "protocol_error"
	cmdCriticalError = "critical_error"

	cmdQuoteSymbolData = "qsd"
	cmdQuoteCompleted  = "quote_completed"

	cmdTimescaleUpdate = "timescale_update"
	cmdDataUpdate      = "du"
	cmdSymbolResolved  = "symbol_resolved"
	cmdSymbolError     = "symbol_error"
	cmdSeriesLoading   = "series_loading"
	cmdSeriesCompleted = "series_completed"
	cmdSeriesError     = "series_error"
	cmdStudyLoading    = "study_loading"
	cmdStudyCompleted  = "study_completed"
	cmdStudyError      = "study_error"

	cmdRequestData = "request_data"
)
