package model

import "context"

// ---- External Collaborator Ports ----
// These interfaces decouple the execution core from the venue wire protocol
// clients. The concrete implementations live in pkg/venue; tests use fakes.

// MarketFeed is an async push source of Tick events.
// Connect blocks until the first successful connection or ctx cancellation;
// afterwards the feed reconnects on its own with capped backoff for as long
// as ctx is alive, replaying subscriptions deterministically on reconnect.
type MarketFeed interface {
	// Connect establishes the feed connection and starts the read loop.
	Connect(ctx context.Context) error

	// Subscribe registers instruments for tick delivery. Safe to call
	// before Connect; subscriptions are replayed after every reconnect.
	Subscribe(instruments []string) error

	// IsConnected reports current connection state.
	IsConnected() bool

	// Ticks returns the channel ticks are delivered on.
	Ticks() <-chan Tick

	// Close tears the connection down and stops reconnecting.
	Close() error
}

// OrderType distinguishes order styles at the venue.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

// OrderRequest describes one order submission. CorrelationID is a
// client-generated id (uuid) reused across retries so the venue can
// deduplicate; retrying a request with the same id is idempotent-safe.
type OrderRequest struct {
	CorrelationID string    `json:"correlation_id"`
	Instrument    string    `json:"instrument"`
	Direction     Direction `json:"direction"`
	Qty           int64     `json:"qty"`
	Type          OrderType `json:"type"`
	Price         int64     `json:"price"` // limit price in minor units (0 for market)
}

// OrderGateway places orders and reports venue-side position state.
type OrderGateway interface {
	// PlaceOrder submits an order and returns the venue order id.
	PlaceOrder(ctx context.Context, req OrderRequest) (string, error)

	// GetOpenPositions returns the venue's authoritative open positions.
	GetOpenPositions(ctx context.Context) ([]VenuePosition, error)
}

// IndicatorLibrary computes technical indicators over bar arrays.
// Implementations must be pure and stateless: same bars in, same values out.
// Output slices are aligned with the input; positions without enough
// history hold NaN.
type IndicatorLibrary interface {
	SMA(bars []Bar, period int) []float64
	EMA(bars []Bar, period int) []float64
	RSI(bars []Bar, period int) []float64
	ATR(bars []Bar, period int) []float64
	ADX(bars []Bar, period int) []float64
}
