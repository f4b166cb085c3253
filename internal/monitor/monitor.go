// Package monitor runs the exit side of the engine: peak tracking,
// breakeven and trailing stop management, and stop/target/flatten exits.
//
// The sweep is cheap and strictly local except for the exit orders it
// initiates itself. It reads prices from the aggregator's last-trade map,
// mutates stops through the ledger's tighten-only methods, and carries a
// per-instrument retry state for exits so an unconfirmed close is retried
// with the same correlation id instead of being forgotten or duplicated.
//
// All state is owned by the single goroutine that calls Sweep.
package monitor

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/audit"
	"tradecore/internal/execution"
	"tradecore/internal/ledger"
	"tradecore/internal/markethours"
	"tradecore/internal/model"
	"tradecore/internal/retry"
)

// Exit reasons recorded on close events.
const (
	ReasonStopHit = "stop_hit"
	ReasonTarget  = "target_hit"
	ReasonFlatten = "session_flatten"
)

// closeAttempt tracks one in-flight exit. The correlation id is fixed at
// creation and reused on every retry so the venue deduplicates. orderID
// ties the attempt to the entry fill it is closing; a later position on
// the same instrument must never inherit it.
type closeAttempt struct {
	orderID       string
	correlationID string
	reason        string
	attempts      int
	nextAt        time.Time
}

// Monitor evaluates open positions every cycle.
type Monitor struct {
	lg      *ledger.Ledger
	exec    *execution.Executor
	session *markethours.Session
	rec     audit.Recorder
	policy  retry.Policy

	lastPrice func(string) (int64, bool)

	closing      map[string]*closeAttempt
	flattenedKey string // session key of the last flatten pass

	// OnStopMove and OnExit are called with the stop-move or exit reason
	// after the corresponding action lands (optional, for metrics).
	OnStopMove func(reason string)
	OnExit     func(reason string)
}

func New(lg *ledger.Ledger, exec *execution.Executor, session *markethours.Session,
	rec audit.Recorder, policy retry.Policy, lastPrice func(string) (int64, bool)) *Monitor {
	return &Monitor{
		lg:        lg,
		exec:      exec,
		session:   session,
		rec:       rec,
		policy:    policy,
		lastPrice: lastPrice,
		closing:   make(map[string]*closeAttempt),
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	log.Printf("[monitor] started, sweep every %s", every)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[monitor] stopped")
			return
		case <-ticker.C:
			m.Sweep(ctx, time.Now().UTC())
		}
	}
}

// Sweep runs one evaluation cycle over every open position.
func (m *Monitor) Sweep(ctx context.Context, now time.Time) {
	// Drop retry state whose position is gone or replaced. Confirmed
	// closes clear their own entry; reconciliation removals do not, and
	// a new position on the same instrument must mint a fresh
	// correlation id instead of inheriting a dead one.
	for instrument, st := range m.closing {
		pos, ok := m.lg.Get(instrument)
		if !ok || pos.OrderID != st.orderID {
			delete(m.closing, instrument)
		}
	}

	flatten := m.flattenDue(now)

	for _, pos := range m.lg.GetAll() {
		price, ok := m.lastPrice(pos.Instrument)
		if !ok {
			continue
		}

		m.lg.UpdatePeak(pos.Instrument, price)
		pos, ok = m.lg.Get(pos.Instrument)
		if !ok {
			continue
		}

		m.manageStop(now, pos)

		// Exits are checked every cycle, even while a previous close is
		// still retrying; priority is stop, then target, then flatten.
		pos, ok = m.lg.Get(pos.Instrument)
		if !ok {
			// Removed mid-sweep (reconciliation runs concurrently); a
			// zero-value position must never reach the close path.
			continue
		}
		switch {
		case pos.StopBreached(price):
			m.initiateClose(ctx, now, pos, ReasonStopHit)
		case pos.TargetReached(price):
			m.initiateClose(ctx, now, pos, ReasonTarget)
		case flatten:
			m.initiateClose(ctx, now, pos, ReasonFlatten)
		default:
			if st, ok := m.closing[pos.Instrument]; ok && st.orderID == pos.OrderID {
				m.initiateClose(ctx, now, pos, st.reason)
			}
		}
	}
}

// flattenDue reports whether this sweep should start the session-end
// flatten. It fires once per trading session; a new session key resets
// the guard.
func (m *Monitor) flattenDue(now time.Time) bool {
	if !m.session.ShouldFlatten(now) {
		return false
	}
	key := m.session.Key(now)
	if m.flattenedKey == key {
		return false
	}
	m.flattenedKey = key
	return true
}

// manageStop applies the breakeven move and the trailing ratchet. Both go
// through the ledger's tighten-only methods, so a stale or loosening
// candidate is simply ignored.
func (m *Monitor) manageStop(now time.Time, pos model.Position) {
	if !pos.BreakevenMoved {
		// Risk is still the original entry-to-stop distance because the
		// stop has not moved yet.
		risk := pos.Risk(pos.StopLoss)
		exc := pos.FavorableExcursion(pos.PeakFavorable)
		if risk > 0 && exc >= risk && m.lg.MoveToBreakeven(pos.Instrument) {
			log.Printf("[monitor] %s stop to breakeven %d", pos.Instrument, pos.EntryPrice)
			m.rec.Record(audit.Event{
				TS:         now,
				Kind:       audit.KindStopMoved,
				Instrument: pos.Instrument,
				Reason:     "breakeven",
				Fields:     map[string]any{"from": pos.StopLoss, "to": pos.EntryPrice},
			})
			if m.OnStopMove != nil {
				m.OnStopMove("breakeven")
			}
		}
		return
	}

	// Trailing: give back half the peak excursion, never loosen.
	var candidate int64
	if pos.Direction == model.Long {
		candidate = pos.EntryPrice + (pos.PeakFavorable-pos.EntryPrice)/2
	} else {
		candidate = pos.EntryPrice - (pos.EntryPrice-pos.PeakFavorable)/2
	}
	if m.lg.UpdateStop(pos.Instrument, candidate) {
		log.Printf("[monitor] %s trailing stop to %d (peak %d)", pos.Instrument, candidate, pos.PeakFavorable)
		m.rec.Record(audit.Event{
			TS:         now,
			Kind:       audit.KindStopMoved,
			Instrument: pos.Instrument,
			Reason:     "trailing",
			Fields:     map[string]any{"from": pos.StopLoss, "to": candidate, "peak": pos.PeakFavorable},
		})
		if m.OnStopMove != nil {
			m.OnStopMove("trailing")
		}
	}
}

// initiateClose starts or continues an exit. The first call for an
// instrument mints the correlation id; later calls reuse it and respect
// the backoff schedule. The position stays in the ledger until the venue
// confirms, so a crash or failure cannot lose the local record.
func (m *Monitor) initiateClose(ctx context.Context, now time.Time, pos model.Position, reason string) {
	st, ok := m.closing[pos.Instrument]
	if !ok {
		st = &closeAttempt{orderID: pos.OrderID, correlationID: uuid.NewString(), reason: reason}
		m.closing[pos.Instrument] = st
	}
	if now.Before(st.nextAt) {
		return
	}

	if err := m.exec.ClosePosition(ctx, pos, st.correlationID, st.reason); err != nil {
		st.attempts++
		st.nextAt = now.Add(m.policy.Backoff(st.attempts))
		log.Printf("[monitor] close %s failed (attempt %d, next %s): %v",
			pos.Instrument, st.attempts, st.nextAt.Format(time.RFC3339), err)
		return
	}
	delete(m.closing, pos.Instrument)
	if m.OnExit != nil {
		m.OnExit(st.reason)
	}
}
