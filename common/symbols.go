package common

import (
	"encoding/json"
	"fmt"
)

// SymbolInfo describes a resolved symbol, as reported by the charting back
// end in response to a resolve request. Only the commonly useful subset of
// the resolve payload is decoded; the rest is ignored.
type SymbolInfo struct {
	ProName        string  `json:"pro_name"`
	Description    string  `json:"description"`
	Exchange       string  `json:"exchange"`
	ListedExchange string  `json:"listed_exchange"`
	Type           string  `json:"type"`
	Session        string  `json:"session"`
	Timezone       string  `json:"timezone"`
	CurrencyCode   string  `json:"currency_code"`
	PriceScale     float64 `json:"pricescale"`
	MinMovement    float64 `json:"minmov"`
}

func (v SymbolInfo) String() string {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("[failed to stringify SymbolInfo: %s]", err)
	}

	return string(data)
}
