package model

import "time"

// Position is the authoritative local record of one open position.
// Owned exclusively by the ledger; mutated only through its methods.
type Position struct {
	Instrument     string    `json:"instrument"`
	Direction      Direction `json:"direction"`
	EntryPrice     int64     `json:"entry_price"` // minor units
	Qty            int64     `json:"qty"`
	StopLoss       int64     `json:"stop_loss"` // minor units, monotonic per direction
	Target         int64     `json:"target"`    // minor units
	BreakevenMoved bool      `json:"breakeven_moved"`
	PeakFavorable  int64     `json:"peak_favorable"` // best price seen in the position's favor
	OrderID        string    `json:"order_id"`       // venue order id of the entry fill
	OpenedAt       time.Time `json:"opened_at"`
}

// Risk returns the entry-to-stop distance at entry time in minor units.
// Uses the original stop implied by direction; callers pass the initial stop.
func (p *Position) Risk(initialStop int64) int64 {
	if p.Direction == Long {
		return p.EntryPrice - initialStop
	}
	return initialStop - p.EntryPrice
}

// FavorableExcursion returns how far price has moved in the position's
// favor relative to entry, in minor units. Negative means under water.
func (p *Position) FavorableExcursion(price int64) int64 {
	if p.Direction == Long {
		return price - p.EntryPrice
	}
	return p.EntryPrice - price
}

// StopBreached reports whether price has crossed the protective stop.
func (p *Position) StopBreached(price int64) bool {
	if p.Direction == Long {
		return price <= p.StopLoss
	}
	return price >= p.StopLoss
}

// TargetReached reports whether price has reached the profit target.
func (p *Position) TargetReached(price int64) bool {
	if p.Direction == Long {
		return price >= p.Target
	}
	return price <= p.Target
}

// PendingRetest holds a breakout signal waiting for a pullback confirmation.
// Exists only between breakout detection and either a qualifying touch
// (real order placement) or deadline expiry. At most one per instrument.
type PendingRetest struct {
	Instrument    string    `json:"instrument"`
	BreakoutPrice int64     `json:"breakout_price"` // minor units
	Direction     Direction `json:"direction"`
	Stop          int64     `json:"stop"`
	Target        int64     `json:"target"`
	Qty           int64     `json:"qty"`
	StrategyID    string    `json:"strategy_id"`
	CreatedAt     time.Time `json:"created_at"`
	Deadline      time.Time `json:"deadline"`
}

// VenuePosition is an open position as reported by the venue.
type VenuePosition struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Qty        int64     `json:"qty"`
	AvgPrice   int64     `json:"avg_price"` // minor units
}
