package common

import (
	"encoding/json"
	"fmt"
)

// SymbolID identifies a symbol on TradingView, e.g. "BINANCE:BTCUSDT" or
// "NASDAQ:AAPL". The exchange prefix is optional for some endpoints, in
// which case TradingView resolves it to the most liquid market.
type SymbolID string

// Quote is a container for the quote fields of a single symbol. The back
// end sends partial updates: any field can be absent from any given update,
// so numeric fields are pointers, and Merge is used to maintain the full
// per-symbol view. See QuoteSession.OnQuoteData.
type Quote struct {
	Price              *float64 `json:"lp,omitempty"`
	PriceChange        *float64 `json:"ch,omitempty"`
	PriceChangePercent *float64 `json:"chp,omitempty"`
	Ask                *float64 `json:"ask,omitempty"`
	Bid                *float64 `json:"bid,omitempty"`
	Volume             *float64 `json:"volume,omitempty"`
	Open               *float64 `json:"open_price,omitempty"`
	High               *float64 `json:"high_price,omitempty"`
	Low                *float64 `json:"low_price,omitempty"`
	PrevClose          *float64 `json:"prev_close_price,omitempty"`

	ShortName    string `json:"short_name,omitempty"`
	Description  string `json:"description,omitempty"`
	Exchange     string `json:"exchange,omitempty"`
	CurrencyCode string `json:"currency_code,omitempty"`
	Type         string `json:"type,omitempty"`
	UpdateMode   string `json:"update_mode,omitempty"`
}

func (v Quote) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify Quote: %s]", err)
	}

	return string(data)
}

// Merge applies the fields present in update on top of q, leaving the
// absent ones untouched.
func (q *Quote) Merge(update Quote) {
	if update.Price != nil {
		q.Price = update.Price
	}
	if update.PriceChange != nil {
		q.PriceChange = update.PriceChange
	}
	if update.PriceChangePercent != nil {
		q.PriceChangePercent = update.PriceChangePercent
	}
	if update.Ask != nil {
		q.Ask = update.Ask
	}
	if update.Bid != nil {
		q.Bid = update.Bid
	}
	if update.Volume != nil {
		q.Volume = update.Volume
	}
	if update.Open != nil {
		q.Open = update.Open
	}
	if update.High != nil {
		q.High = update.High
	}
	if update.Low != nil {
		q.Low = update.Low
	}
	if update.PrevClose != nil {
		q.PrevClose = update.PrevClose
	}
	if update.ShortName != "" {
		q.ShortName = update.ShortName
	}
	if update.Description != "" {
		q.Description = update.Description
	}
	if update.Exchange != "" {
		q.Exchange = update.Exchange
	}
	if update.CurrencyCode != "" {
		q.CurrencyCode = update.CurrencyCode
	}
	if update.Type != "" {
		q.Type = update.Type
	}
	if update.UpdateMode != "" {
		q.UpdateMode = update.UpdateMode
	}
}
