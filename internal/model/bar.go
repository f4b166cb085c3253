package model

import (
	"encoding/json"
	"time"
)

// Bar is a fixed-interval OHLCV summary of ticks for a single instrument.
// All prices are in minor units (int64) to avoid floating-point drift.
// Bars for one instrument form an ordered sequence keyed by Start.
type Bar struct {
	Instrument string    `json:"instrument"`
	Start      time.Time `json:"start"`  // bucket start (UTC, interval-aligned)
	Open       int64     `json:"open"`   // minor units
	High       int64     `json:"high"`   // minor units
	Low        int64     `json:"low"`    // minor units
	Close      int64     `json:"close"`  // minor units
	Volume     int64     `json:"volume"` // cumulative quantity in this bucket
	TickCount  int       `json:"tick_count"`
}

// JSON returns the JSON-encoded bar (ignoring errors for hot-path usage).
func (b *Bar) JSON() []byte {
	data, _ := json.Marshal(b)
	return data
}
