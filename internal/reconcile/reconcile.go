// Package reconcile periodically compares the local ledger against the
// venue's reported positions and repairs or flags discrepancies.
//
// The venue is authoritative for existence. A local position the venue
// no longer reports is a phantom: it is removed so the exit logic stops
// chasing a position that cannot be closed. A venue position with no
// local record is never adopted automatically, because the engine cannot
// know its intended stop or target; it is flagged loudly and left to the
// operator.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/ledger"
	"tradecore/internal/model"
	"tradecore/internal/notification"
)

// Service diffs ledger state against the venue.
type Service struct {
	lg       *ledger.Ledger
	gateway  model.OrderGateway
	rec      audit.Recorder
	notifier notification.Notifier

	// alerted suppresses repeat alerts for the same unknown venue
	// position across sweeps.
	alerted map[string]bool

	// OnPhantom and OnUnknown are called once per phantom removal and
	// per newly alerted unknown position (optional, for metrics).
	OnPhantom func()
	OnUnknown func()
}

func New(lg *ledger.Ledger, gw model.OrderGateway, rec audit.Recorder, n notification.Notifier) *Service {
	return &Service{
		lg:       lg,
		gateway:  gw,
		rec:      rec,
		notifier: n,
		alerted:  make(map[string]bool),
	}
}

// Run sweeps on a fixed cadence until ctx is cancelled.
func (s *Service) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	log.Printf("[reconcile] started, sweep every %s", every)
	for {
		select {
		case <-ctx.Done():
			log.Printf("[reconcile] stopped")
			return
		case <-ticker.C:
			if err := s.Sweep(ctx); err != nil {
				log.Printf("[reconcile] sweep failed: %v", err)
			}
		}
	}
}

// Sweep performs one reconciliation pass. A gateway error aborts the
// pass without touching the ledger; stale local state is better than
// state mutated on bad data.
func (s *Service) Sweep(ctx context.Context) error {
	venue, err := s.gateway.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("fetch venue positions: %w", err)
	}

	byInstrument := make(map[string]model.VenuePosition, len(venue))
	for _, vp := range venue {
		byInstrument[vp.Instrument] = vp
	}

	now := time.Now().UTC()
	for _, pos := range s.lg.GetAll() {
		if _, ok := byInstrument[pos.Instrument]; ok {
			continue
		}
		// Phantom: venue says flat, ledger says open. Remove the local
		// record so the monitor stops managing a position that is gone.
		removed, ok := s.lg.Remove(pos.Instrument)
		if !ok {
			continue
		}
		log.Printf("[reconcile] phantom %s removed: venue reports no position", removed.Instrument)
		s.rec.Record(audit.Event{
			TS:         now,
			Kind:       audit.KindReconPhantom,
			Instrument: removed.Instrument,
			Reason:     "venue reports no open position",
			Fields: map[string]any{
				"entry": removed.EntryPrice,
				"qty":   removed.Qty,
				"side":  string(removed.Direction),
			},
		})
		if s.OnPhantom != nil {
			s.OnPhantom()
		}
	}

	for instr, vp := range byInstrument {
		if _, ok := s.lg.Get(instr); ok {
			continue
		}
		// Unknown venue position. Never adopt: without an intended stop
		// and target the engine would manage it blind.
		if !s.alerted[instr] {
			s.alerted[instr] = true
			log.Printf("[reconcile] unknown venue position %s %s qty=%d, manual intervention required",
				instr, vp.Direction, vp.Qty)
			s.rec.Record(audit.Event{
				TS:         now,
				Kind:       audit.KindReconUnknown,
				Instrument: instr,
				Reason:     "venue position with no local record",
				Fields: map[string]any{
					"qty":       vp.Qty,
					"avg_price": vp.AvgPrice,
					"side":      string(vp.Direction),
				},
			})
			if err := s.notifier.Send(ctx, notification.Alert{
				Level:   notification.AlertCritical,
				Title:   "Unreconciled venue position",
				Message: fmt.Sprintf("%s %s qty=%d exists at the venue with no local record", instr, vp.Direction, vp.Qty),
			}); err != nil {
				log.Printf("[reconcile] alert delivery failed: %v", err)
			}
			if s.OnUnknown != nil {
				s.OnUnknown()
			}
		}
	}

	// Forget resolved unknowns so a recurrence alerts again.
	for instr := range s.alerted {
		if _, ok := byInstrument[instr]; !ok {
			delete(s.alerted, instr)
		}
	}
	return nil
}
