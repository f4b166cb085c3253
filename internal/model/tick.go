package model

import "time"

// Tick represents a single trade print pushed by the market data feed.
// Price is stored as int64 in minor currency units (e.g. cents) to avoid float drift.
type Tick struct {
	Instrument string    `json:"instrument"`
	Price      int64     `json:"price"` // minor units (last traded price)
	Qty        int64     `json:"qty"`   // last traded quantity (0 if the feed omits size)
	TS         time.Time `json:"ts"`    // UTC timestamp
}
