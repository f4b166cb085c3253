// Package retest holds breakout signals until price pulls back to the
// broken level, then places the real entry at the current price.
//
// A breakout signal never orders immediately. It becomes a PendingRetest
// with a deadline; the sweep watches for a touch inside the tolerance
// band around the breakout price and only then goes to the venue. While
// pending, the instrument holds a ledger reservation so nothing else can
// open a position on it. Expiry releases the reservation without any
// venue traffic.
package retest

import (
	"context"
	"log"
	"sync"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/execution"
	"tradecore/internal/ledger"
	"tradecore/internal/model"
)

// Config tunes retest acceptance.
type Config struct {
	// ToleranceBps is the depth of the touch band below the breakout
	// price for longs (above it for shorts), in basis points.
	ToleranceBps int64

	// TTL is how long a retest stays pending before expiring.
	TTL time.Duration
}

// DefaultConfig returns the standard retest tuning.
func DefaultConfig() Config {
	return Config{ToleranceBps: 40, TTL: 30 * time.Minute}
}

// Queue tracks pending retests for breakout signals.
type Queue struct {
	cfg  Config
	lg   *ledger.Ledger
	exec *execution.Executor
	rec  audit.Recorder

	// OnResolved is called with "filled" or "expired" when a pending
	// retest leaves the queue (optional, for metrics).
	OnResolved func(outcome string)

	mu      sync.Mutex
	pending map[string]model.PendingRetest
}

func NewQueue(cfg Config, lg *ledger.Ledger, exec *execution.Executor, rec audit.Recorder) *Queue {
	return &Queue{
		cfg:     cfg,
		lg:      lg,
		exec:    exec,
		rec:     rec,
		pending: make(map[string]model.PendingRetest),
	}
}

// Enqueue registers a breakout signal for retest confirmation. The
// instrument is reserved in the ledger for the lifetime of the retest.
// Duplicates and held instruments are ignored, not errors: the first
// claim wins and this signal simply dies.
func (q *Queue) Enqueue(now time.Time, sig *model.Signal) {
	if err := q.lg.Reserve(sig.Instrument); err != nil {
		log.Printf("[retest] skip %s: %v", sig.Instrument, err)
		return
	}

	pr := model.PendingRetest{
		Instrument:    sig.Instrument,
		BreakoutPrice: sig.Entry,
		Direction:     sig.Direction,
		Stop:          sig.Stop,
		Target:        sig.Target,
		Qty:           sig.Qty,
		StrategyID:    sig.StrategyID,
		CreatedAt:     now,
		Deadline:      now.Add(q.cfg.TTL),
	}
	q.mu.Lock()
	q.pending[sig.Instrument] = pr
	q.mu.Unlock()

	log.Printf("[retest] pending %s %s breakout=%d deadline=%s",
		pr.Instrument, pr.Direction, pr.BreakoutPrice, pr.Deadline.Format(time.RFC3339))
	q.rec.Record(audit.Event{
		TS:         now,
		Kind:       audit.KindRetestPending,
		Instrument: pr.Instrument,
		Reason:     sig.Rationale,
		Fields: map[string]any{
			"breakout_price": pr.BreakoutPrice,
			"side":           string(pr.Direction),
			"deadline":       pr.Deadline.Format(time.RFC3339),
		},
	})
}

// Pending returns a copy of the current pending retests.
func (q *Queue) Pending() []model.PendingRetest {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]model.PendingRetest, 0, len(q.pending))
	for _, pr := range q.pending {
		out = append(out, pr)
	}
	return out
}

// Len returns the number of pending retests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Sweep expires stale retests and fills touched ones. lastPrice reports
// the most recent trade price per instrument. Order placement happens
// with no queue lock held.
func (q *Queue) Sweep(ctx context.Context, now time.Time, lastPrice func(string) (int64, bool)) {
	expired, touched := q.collect(now, lastPrice)

	for _, pr := range expired {
		q.lg.Release(pr.Instrument)
		log.Printf("[retest] expired %s without a touch", pr.Instrument)
		q.rec.Record(audit.Event{
			TS:         now,
			Kind:       audit.KindRetestExpired,
			Instrument: pr.Instrument,
			Reason:     "deadline passed without pullback",
			Fields:     map[string]any{"breakout_price": pr.BreakoutPrice},
		})
		if q.OnResolved != nil {
			q.OnResolved("expired")
		}
	}

	for _, tr := range touched {
		q.fill(ctx, now, tr)
	}
}

type touch struct {
	pr    model.PendingRetest
	price int64
}

// collect removes expired entries under the lock and returns the touched
// ones still registered. Touched retests stay in the map until the order
// succeeds, so a transient placement failure retries on the next sweep.
func (q *Queue) collect(now time.Time, lastPrice func(string) (int64, bool)) ([]model.PendingRetest, []touch) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []model.PendingRetest
	var touched []touch
	for instr, pr := range q.pending {
		if !now.Before(pr.Deadline) {
			expired = append(expired, pr)
			delete(q.pending, instr)
			continue
		}
		price, ok := lastPrice(instr)
		if !ok {
			continue
		}
		if q.inBand(pr.Direction, pr.BreakoutPrice, price) {
			touched = append(touched, touch{pr: pr, price: price})
		}
	}
	return expired, touched
}

// inBand reports whether price has come back to the broken level: a
// pullback to at or below it for longs, a rebound to at or above it for
// shorts, no deeper than the tolerance. Price still on the breakout side
// of the level is momentum, not a retest.
func (q *Queue) inBand(dir model.Direction, breakout, price int64) bool {
	tol := breakout * q.cfg.ToleranceBps / 10000
	if dir == model.Long {
		return price <= breakout && breakout-price <= tol
	}
	return price >= breakout && price-breakout <= tol
}

func (q *Queue) fill(ctx context.Context, now time.Time, tr touch) {
	// Entry is the touch price, not the stale breakout price.
	sig := &model.Signal{
		Instrument: tr.pr.Instrument,
		Direction:  tr.pr.Direction,
		Entry:      tr.price,
		Stop:       tr.pr.Stop,
		Target:     tr.pr.Target,
		Qty:        tr.pr.Qty,
		StrategyID: tr.pr.StrategyID,
		Rationale:  "retest touch confirmed",
	}
	if _, err := q.exec.FillReserved(ctx, sig); err != nil {
		// Reservation and pending entry survive; the retest retries on
		// later sweeps until its deadline.
		log.Printf("[retest] fill %s failed, still pending: %v", tr.pr.Instrument, err)
		return
	}

	q.mu.Lock()
	delete(q.pending, tr.pr.Instrument)
	q.mu.Unlock()

	q.rec.Record(audit.Event{
		TS:         now,
		Kind:       audit.KindRetestFilled,
		Instrument: tr.pr.Instrument,
		Fields: map[string]any{
			"breakout_price": tr.pr.BreakoutPrice,
			"fill_price":     tr.price,
			"side":           string(tr.pr.Direction),
		},
	})
	if q.OnResolved != nil {
		q.OnResolved("filled")
	}
}
