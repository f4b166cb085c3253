// Package ledger is the authoritative local record of open positions and
// their protective levels.
//
// One coarse lock guards the whole ledger; position counts are small
// (<=10), so contention is negligible and the simpler invariants win. The
// lock is never held across a network call; callers snapshot, release,
// then act.
//
// The ledger also tracks per-instrument reservations. A reservation is
// taken before an entry order or pending retest is created, which makes
// "at most one Position or PendingRetest per instrument" hold even when
// signal generation and retest fills race.
package ledger

import (
	"log"
	"sync"
	"time"

	"tradecore/internal/model"
)

// Ledger owns all open positions.
type Ledger struct {
	mu        sync.Mutex
	positions map[string]*model.Position
	reserved  map[string]time.Time // instrument -> reservation time
}

// New creates an empty ledger.
func New() *Ledger {
	return &Ledger{
		positions: make(map[string]*model.Position),
		reserved:  make(map[string]time.Time),
	}
}

// Reserve claims an instrument for an in-flight entry (order being placed
// or retest pending). Returns ErrInstrumentBusy if a position or another
// reservation already holds it.
func (l *Ledger) Reserve(instrument string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[instrument]; ok {
		return model.ErrInstrumentBusy
	}
	if _, ok := l.reserved[instrument]; ok {
		return model.ErrInstrumentBusy
	}
	l.reserved[instrument] = time.Now().UTC()
	return nil
}

// Release drops a reservation without opening a position (entry failed or
// retest expired).
func (l *Ledger) Release(instrument string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.reserved, instrument)
}

// Add records a filled entry as an open position, consuming any
// reservation for the instrument. Returns ErrInstrumentBusy if a position
// already exists.
func (l *Ledger) Add(p model.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[p.Instrument]; ok {
		return model.ErrInstrumentBusy
	}
	delete(l.reserved, p.Instrument)
	if p.PeakFavorable == 0 {
		p.PeakFavorable = p.EntryPrice
	}
	cp := p
	l.positions[p.Instrument] = &cp
	return nil
}

// Remove deletes a position (exit filled, or forced removal by
// reconciliation) and returns the removed copy.
func (l *Ledger) Remove(instrument string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[instrument]
	if !ok {
		return model.Position{}, false
	}
	delete(l.positions, instrument)
	return *p, true
}

// Get returns a copy of the position for an instrument.
func (l *Ledger) Get(instrument string) (model.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[instrument]
	if !ok {
		return model.Position{}, false
	}
	return *p, true
}

// GetAll returns a snapshot of all open positions.
func (l *Ledger) GetAll() []model.Position {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]model.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Count returns the number of open positions.
func (l *Ledger) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.positions)
}

// Held reports whether the instrument has an open position or an active
// reservation (pending entry / retest).
func (l *Ledger) Held(instrument string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[instrument]; ok {
		return true
	}
	_, ok := l.reserved[instrument]
	return ok
}

// UpdatePeak records a new favorable-excursion peak if price improved.
func (l *Ledger) UpdatePeak(instrument string, price int64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[instrument]
	if !ok {
		return
	}
	if p.Direction == model.Long && price > p.PeakFavorable {
		p.PeakFavorable = price
	}
	if p.Direction == model.Short && price < p.PeakFavorable {
		p.PeakFavorable = price
	}
}

// UpdateStop tightens the protective stop. The stop is a monotonic
// ratchet: for a long it only ever moves up, for a short only down. A
// loosening request is ignored (returns false), never an error.
func (l *Ledger) UpdateStop(instrument string, newStop int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[instrument]
	if !ok {
		return false
	}
	if p.Direction == model.Long && newStop <= p.StopLoss {
		return false
	}
	if p.Direction == model.Short && newStop >= p.StopLoss {
		return false
	}
	log.Printf("[ledger] %s stop %d -> %d", instrument, p.StopLoss, newStop)
	p.StopLoss = newStop
	return true
}

// MoveToBreakeven sets the stop to the entry price and marks the
// breakeven flag. Applied at most once per position; returns whether it
// was applied now.
func (l *Ledger) MoveToBreakeven(instrument string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	p, ok := l.positions[instrument]
	if !ok || p.BreakevenMoved {
		return false
	}
	p.StopLoss = p.EntryPrice
	p.BreakevenMoved = true
	log.Printf("[ledger] %s stop moved to breakeven (%d)", instrument, p.EntryPrice)
	return true
}
