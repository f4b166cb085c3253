// Package audit emits structured events for every signal, screening
// verdict, position transition, and reconciliation discrepancy.
//
// Recording is fire-and-forget: events go through a bounded channel and a
// background writer, so the core loops are never blocked by the sink. If
// the buffer fills, events are dropped and counted; losing an audit row
// is preferable to stalling exit evaluation.
package audit

import "time"

// Kind classifies an audit event.
type Kind string

const (
	KindSignal         Kind = "signal"
	KindVerdict        Kind = "verdict"
	KindPositionOpened Kind = "position_opened"
	KindStopMoved      Kind = "stop_moved"
	KindPositionClosed Kind = "position_closed"
	KindRetestPending  Kind = "retest_pending"
	KindRetestFilled   Kind = "retest_filled"
	KindRetestExpired  Kind = "retest_expired"
	KindOrderFailed    Kind = "order_failed"
	KindReconPhantom   Kind = "recon_phantom"   // local position missing at venue
	KindReconUnknown   Kind = "recon_unknown"   // venue position with no local record
	KindEngineState    Kind = "engine_state"    // start/stop/suspend transitions
)

// Event is one structured audit record. Reason carries the human-readable
// explanation for blocked trades and forced removals; nothing is dropped
// silently.
type Event struct {
	TS         time.Time      `json:"ts"`
	Kind       Kind           `json:"kind"`
	Instrument string         `json:"instrument,omitempty"`
	Reason     string         `json:"reason,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
}

// Recorder accepts audit events. Implementations must not block.
type Recorder interface {
	Record(e Event)
}

// Nop is a Recorder that discards everything (tests, tools).
type Nop struct{}

func (Nop) Record(Event) {}
