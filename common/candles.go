package common

import (
	"encoding/json"
	"fmt"
	"time"
)

// Timeframe is a chart resolution: a number of minutes as a string ("1",
// "5", "60", "240"), or "D", "W", "M" for daily, weekly and monthly bars.
type Timeframe string

// The timeframes accepted by the charting back end.
const (
	Timeframe1m  Timeframe = "1"
	Timeframe5m  Timeframe = "5"
	Timeframe15m Timeframe = "15"
	Timeframe30m Timeframe = "30"
	Timeframe1h  Timeframe = "60"
	Timeframe2h  Timeframe = "120"
	Timeframe4h  Timeframe = "240"
	Timeframe1D  Timeframe = "D"
	Timeframe1W  Timeframe = "W"
	Timeframe1M  Timeframe = "M"
)

// Candle is a single OHLCV bar. Timestamp is the opening time of the bar
// in seconds since the epoch (the wire carries it like that).
type Candle struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

func (v Candle) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify Candle: %s]", err)
	}

	return string(data)
}

// Time returns the opening time of the bar.
func (v Candle) Time() time.Time {
	return time.Unix(v.Timestamp, 0).UTC()
}
