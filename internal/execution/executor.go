// Package execution translates approved signals into venue orders and
// keeps the ledger consistent with what was actually filled.
//
// Every entry follows the same sequence: reserve the instrument in the
// ledger, place the order with no lock held, then either record the fill
// or release the reservation. Correlation ids are generated once per
// logical order and reused across retries so the venue deduplicates.
package execution

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradecore/internal/audit"
	"tradecore/internal/ledger"
	"tradecore/internal/model"
	"tradecore/internal/retry"
)

// submitTimeout bounds a single order submission.
const submitTimeout = 10 * time.Second

// submitCtx derives the context for one gateway submission: detached
// from the caller's cancellation, bounded by its own timeout. An order
// already on the wire at shutdown completes; the venue may execute it
// either way, so aborting the call client-side would only lose track
// of the fill.
func submitCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), submitTimeout)
}

// Executor places entry and exit orders through the gateway.
type Executor struct {
	ledger  *ledger.Ledger
	gateway model.OrderGateway
	policy  retry.Policy
	rec     audit.Recorder

	// suspended gates new entries only. Set on authentication failures;
	// exits keep working so open risk can still be closed.
	suspended atomic.Bool
}

// ErrSuspended is returned for entry attempts while the executor is
// suspended after an authentication failure.
var ErrSuspended = fmt.Errorf("executor suspended: %w", model.ErrAuth)

func NewExecutor(lg *ledger.Ledger, gw model.OrderGateway, policy retry.Policy, rec audit.Recorder) *Executor {
	return &Executor{ledger: lg, gateway: gw, policy: policy, rec: rec}
}

// Suspend stops new entries. Exits are unaffected.
func (e *Executor) Suspend() {
	if !e.suspended.Swap(true) {
		log.Printf("[executor] suspended: new entries blocked until credentials recover")
	}
}

// Resume re-enables entries after recovery.
func (e *Executor) Resume() {
	if e.suspended.Swap(false) {
		log.Printf("[executor] resumed: entries enabled")
	}
}

// Suspended reports whether new entries are blocked.
func (e *Executor) Suspended() bool { return e.suspended.Load() }

// OpenPosition reserves the instrument, places a market entry, and
// records the fill in the ledger. On any failure the reservation is
// released and the instrument is free again.
func (e *Executor) OpenPosition(ctx context.Context, sig *model.Signal) (model.Position, error) {
	if e.suspended.Load() {
		return model.Position{}, ErrSuspended
	}
	if err := e.ledger.Reserve(sig.Instrument); err != nil {
		return model.Position{}, err
	}

	pos, err := e.fill(ctx, sig)
	if err != nil {
		e.ledger.Release(sig.Instrument)
		return model.Position{}, err
	}
	return pos, nil
}

// FillReserved places an entry for an instrument whose reservation the
// caller already holds (the retest queue). On failure the reservation is
// left intact; the caller owns its lifecycle.
func (e *Executor) FillReserved(ctx context.Context, sig *model.Signal) (model.Position, error) {
	if e.suspended.Load() {
		return model.Position{}, ErrSuspended
	}
	return e.fill(ctx, sig)
}

func (e *Executor) fill(ctx context.Context, sig *model.Signal) (model.Position, error) {
	req := model.OrderRequest{
		CorrelationID: uuid.NewString(),
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		Qty:           sig.Qty,
		Type:          model.OrderMarket,
	}

	var orderID string
	err := e.policy.Do(ctx, "place entry "+sig.Instrument, func() error {
		sctx, cancel := submitCtx(ctx)
		defer cancel()
		var perr error
		orderID, perr = e.gateway.PlaceOrder(sctx, req)
		return perr
	})
	if err != nil {
		e.rec.Record(audit.Event{
			TS:         time.Now().UTC(),
			Kind:       audit.KindOrderFailed,
			Instrument: sig.Instrument,
			Reason:     err.Error(),
			Fields: map[string]any{
				"correlation_id": req.CorrelationID,
				"strategy":       sig.StrategyID,
				"side":           string(sig.Direction),
			},
		})
		return model.Position{}, fmt.Errorf("entry order %s: %w", sig.Instrument, err)
	}

	pos := model.Position{
		Instrument:    sig.Instrument,
		Direction:     sig.Direction,
		EntryPrice:    sig.Entry,
		Qty:           sig.Qty,
		StopLoss:      sig.Stop,
		Target:        sig.Target,
		PeakFavorable: sig.Entry,
		OrderID:       orderID,
		OpenedAt:      time.Now().UTC(),
	}
	if err := e.ledger.Add(pos); err != nil {
		// Cannot happen while the reservation is held; if it does, the
		// ledger kept its invariant and we surface the conflict.
		return model.Position{}, fmt.Errorf("record fill %s: %w", sig.Instrument, err)
	}

	log.Printf("[executor] opened %s %s qty=%d entry=%d stop=%d target=%d order=%s",
		sig.Instrument, sig.Direction, sig.Qty, sig.Entry, sig.Stop, sig.Target, orderID)
	e.rec.Record(audit.Event{
		TS:         time.Now().UTC(),
		Kind:       audit.KindPositionOpened,
		Instrument: sig.Instrument,
		Reason:     sig.Rationale,
		Fields: map[string]any{
			"correlation_id": req.CorrelationID,
			"order_id":       orderID,
			"strategy":       sig.StrategyID,
			"side":           string(sig.Direction),
			"entry":          sig.Entry,
			"stop":           sig.Stop,
			"target":         sig.Target,
			"qty":            sig.Qty,
		},
	})
	return pos, nil
}

// ClosePosition places a single market exit attempt using the supplied
// correlation id. The caller reuses the same id across attempts so a
// retry after an ambiguous failure cannot double-close. On success the
// position is removed from the ledger and audited.
func (e *Executor) ClosePosition(ctx context.Context, pos model.Position, correlationID, reason string) error {
	req := model.OrderRequest{
		CorrelationID: correlationID,
		Instrument:    pos.Instrument,
		Direction:     pos.Direction.Opposite(),
		Qty:           pos.Qty,
		Type:          model.OrderMarket,
	}
	sctx, cancel := submitCtx(ctx)
	defer cancel()
	orderID, err := e.gateway.PlaceOrder(sctx, req)
	if err != nil {
		e.rec.Record(audit.Event{
			TS:         time.Now().UTC(),
			Kind:       audit.KindOrderFailed,
			Instrument: pos.Instrument,
			Reason:     err.Error(),
			Fields: map[string]any{
				"correlation_id": correlationID,
				"exit_reason":    reason,
			},
		})
		return fmt.Errorf("exit order %s: %w", pos.Instrument, err)
	}

	e.ledger.Remove(pos.Instrument)
	log.Printf("[executor] closed %s (%s) qty=%d order=%s", pos.Instrument, reason, pos.Qty, orderID)
	e.rec.Record(audit.Event{
		TS:         time.Now().UTC(),
		Kind:       audit.KindPositionClosed,
		Instrument: pos.Instrument,
		Reason:     reason,
		Fields: map[string]any{
			"correlation_id": correlationID,
			"order_id":       orderID,
			"entry":          pos.EntryPrice,
			"stop":           pos.StopLoss,
			"qty":            pos.Qty,
		},
	})
	return nil
}
