package bridge

import (
	"encoding/json"
	"time"
)

// Wire protocol: one JSON object per line, UTF-8.
//
// Requests:  {"action": ..., "requestId": N, ...params}
// Responses: {"requestId": N, "success": bool, "data": ..., "error": ...}
// Events:    {"type": "price_update", "data": {symbol, bid, ask, spread}}

type response struct {
	RequestID int64           `json:"requestId"`
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Event fields (no requestId present on events)
	Type string `json:"type,omitempty"`
}

// Tick is one cached upstream quote.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Bid        float64   `json:"bid"`
	Ask        float64   `json:"ask"`
	Spread     float64   `json:"spread"`
	Time       string    `json:"time"`
	LastUpdate time.Time `json:"-"`
}

// SymbolInfo describes upstream trading constraints for a symbol.
type SymbolInfo struct {
	Name        string  `json:"name"`
	Point       float64 `json:"point"`
	Digits      int     `json:"digits"`
	Spread      float64 `json:"spread"`
	TradeMode   int     `json:"trade_mode"` // 0 = not tradable
	VolumeMin   float64 `json:"volume_min"`
	VolumeMax   float64 `json:"volume_max"`
	VolumeStep  float64 `json:"volume_step"`
	StopsLevel  float64 `json:"stops_level"`
	FillingMode int     `json:"filling_mode"`
}

// TradeRequest places a market order upstream.
type TradeRequest struct {
	Symbol     string
	Volume     float64
	Type       string // BUY | SELL
	SLDistance float64
	TPDistance float64
	Comment    string
	Magic      int
}

// TradeResult is the venue's fill confirmation.
type TradeResult struct {
	Ticket  int64   `json:"order"`
	Deal    int64   `json:"deal"`
	Volume  float64 `json:"volume"`
	Price   float64 `json:"price"`
	SL      float64 `json:"sl"`
	TP      float64 `json:"tp"`
	Comment string  `json:"comment"`
	Retcode int     `json:"retcode"`
}

// Position is one open upstream position.
type Position struct {
	Ticket       int64   `json:"ticket"`
	Symbol       string  `json:"symbol"`
	Type         string  `json:"type"`
	Volume       float64 `json:"volume"`
	PriceOpen    float64 `json:"price_open"`
	PriceCurrent float64 `json:"price_current"`
	Profit       float64 `json:"profit"`
	Comment      string  `json:"comment"`
	Magic        int     `json:"magic"`
}

// CloseRequest closes an upstream position by ticket.
type CloseRequest struct {
	Ticket int64
	Symbol string
	Volume float64
	Type   string
}

// CloseResult reports a close attempt. LikelyClosed is set when the venue no
// longer knows the ticket ("Position not found"): non-fatal, the position was
// already flat upstream.
type CloseResult struct {
	Success      bool    `json:"success"`
	LikelyClosed bool    `json:"likelyClosed,omitempty"`
	ClosePrice   float64 `json:"price"`
	Profit       float64 `json:"profit"`
	Deal         int64   `json:"deal"`
	Volume       float64 `json:"volume"`
	Retcode      int     `json:"retcode"`
}
