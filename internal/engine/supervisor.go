// Package engine wires the pipeline stages together and owns their
// lifecycles: tick ingestion, bar rebuilds, signal routing and screening,
// retest sweeps, position monitoring, reconciliation, and snapshot
// publishing each run in their own goroutine on their own cadence.
//
// The monitor loop is deliberately independent of the entry path: a slow
// or blocked order placement can never delay exit evaluation.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/execution"
	"tradecore/internal/ledger"
	"tradecore/internal/marketdata/agg"
	"tradecore/internal/markethours"
	"tradecore/internal/metrics"
	"tradecore/internal/model"
	"tradecore/internal/monitor"
	"tradecore/internal/notification"
	"tradecore/internal/reconcile"
	"tradecore/internal/retest"
	"tradecore/internal/screening"
	"tradecore/internal/strategy"
)

// Publisher receives engine snapshots and completed bars for external
// consumers. Satisfied by the Redis store publisher.
type Publisher interface {
	PublishStatus(ctx context.Context, payload []byte) error
	PublishPositions(ctx context.Context, payload []byte) error
	PublishBar(ctx context.Context, bar model.Bar) error
	Healthy() bool
}

// Config sets the engine's instrument universe and loop cadences.
type Config struct {
	Instruments []string

	MonitorInterval   time.Duration
	RebuildInterval   time.Duration
	RetestInterval    time.Duration
	RouterInterval    time.Duration
	ReconcileInterval time.Duration
	SnapshotInterval  time.Duration
}

// Deps are the engine's collaborators. Feed, Agg, Router, Pipeline,
// Retests, Ledger, Exec, Monitor, Recon and Session are required; the
// rest may be nil.
type Deps struct {
	Feed     model.MarketFeed
	Agg      *agg.Aggregator
	Router   *strategy.Router
	Pipeline *screening.Pipeline
	Retests  *retest.Queue
	Ledger   *ledger.Ledger
	Exec     *execution.Executor
	Monitor  *monitor.Monitor
	Recon    *reconcile.Service
	Session  *markethours.Session

	Rec       audit.Recorder
	Notifier  notification.Notifier
	Publisher Publisher
	Metrics   *metrics.Metrics
	Health    *metrics.HealthStatus
}

// Snapshot is the externally visible engine state.
type Snapshot struct {
	Running        bool      `json:"running"`
	Suspended      bool      `json:"suspended"`
	FeedConnected  bool      `json:"feed_connected"`
	OpenPositions  int       `json:"open_positions"`
	PendingRetests int       `json:"pending_retests"`
	Instruments    int       `json:"instruments"`
	Session        string    `json:"session"`
	TS             time.Time `json:"ts"`
}

// Supervisor runs the engine loops.
type Supervisor struct {
	cfg  Config
	deps Deps

	wg      sync.WaitGroup
	cancel  context.CancelFunc
	running atomic.Bool

	// lastBar tracks the newest published bar start per instrument.
	// Owned by the snapshot loop goroutine.
	lastBar map[string]time.Time
}

// New validates config and builds a supervisor. An empty instrument
// universe is a configuration error, not something to idle on.
func New(cfg Config, deps Deps) (*Supervisor, error) {
	if len(cfg.Instruments) == 0 {
		return nil, fmt.Errorf("engine: no instruments configured")
	}
	if deps.Rec == nil {
		deps.Rec = audit.Nop{}
	}
	if deps.Notifier == nil {
		deps.Notifier = notification.NewLogNotifier()
	}
	return &Supervisor{cfg: cfg, deps: deps, lastBar: make(map[string]time.Time)}, nil
}

// Start connects the feed and launches all loops. Blocks only until the
// first feed connection succeeds.
func (s *Supervisor) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	if err := s.deps.Feed.Subscribe(s.cfg.Instruments); err != nil {
		cancel()
		return fmt.Errorf("engine: subscribe: %w", err)
	}
	if err := s.deps.Feed.Connect(runCtx); err != nil {
		cancel()
		return fmt.Errorf("engine: feed connect: %w", err)
	}

	s.running.Store(true)
	if s.deps.Health != nil {
		s.deps.Health.SetRunning(true)
	}
	s.deps.Rec.Record(audit.Event{
		TS:     time.Now().UTC(),
		Kind:   audit.KindEngineState,
		Reason: "started",
		Fields: map[string]any{"instruments": len(s.cfg.Instruments)},
	})
	log.Printf("[engine] started with %d instruments", len(s.cfg.Instruments))

	s.spawn(func() { s.tickLoop(runCtx) })
	s.spawn(func() { s.deps.Agg.Run(runCtx, s.cfg.RebuildInterval) })
	s.spawn(func() { s.deps.Monitor.Run(runCtx, s.cfg.MonitorInterval) })
	s.spawn(func() { s.retestLoop(runCtx) })
	s.spawn(func() { s.routerLoop(runCtx) })
	s.spawn(func() { s.deps.Recon.Run(runCtx, s.cfg.ReconcileInterval) })
	if s.deps.Publisher != nil {
		s.spawn(func() { s.snapshotLoop(runCtx) })
	}
	return nil
}

// Stop cancels the loops and waits for them to drain. A submission
// already at the venue still completes: the executor detaches each
// placement from loop cancellation.
func (s *Supervisor) Stop() {
	if !s.running.Swap(false) {
		return
	}
	s.cancel()
	s.wg.Wait()
	s.deps.Feed.Close()
	if s.deps.Health != nil {
		s.deps.Health.SetRunning(false)
	}
	s.deps.Rec.Record(audit.Event{
		TS:     time.Now().UTC(),
		Kind:   audit.KindEngineState,
		Reason: "stopped",
	})
	log.Printf("[engine] stopped")
}

// Status returns the current engine snapshot.
func (s *Supervisor) Status() Snapshot {
	now := time.Now().UTC()
	return Snapshot{
		Running:        s.running.Load(),
		Suspended:      s.deps.Exec.Suspended(),
		FeedConnected:  s.deps.Feed.IsConnected(),
		OpenPositions:  s.deps.Ledger.Count(),
		PendingRetests: s.deps.Retests.Len(),
		Instruments:    len(s.cfg.Instruments),
		Session:        s.deps.Session.StatusString(now),
		TS:             now,
	}
}

// SuspendEntries blocks new entries, alerts the operator, and audits the
// transition. Exits and reconciliation keep running. Wired to the venue
// client's session expiry hook and to auth failures on the order path.
func (s *Supervisor) SuspendEntries(reason string) {
	if s.deps.Exec.Suspended() {
		return
	}
	s.deps.Exec.Suspend()
	if s.deps.Health != nil {
		s.deps.Health.SetSuspended(true)
	}
	s.deps.Rec.Record(audit.Event{
		TS:     time.Now().UTC(),
		Kind:   audit.KindEngineState,
		Reason: "entries suspended: " + reason,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.deps.Notifier.Send(ctx, notification.Alert{
		Level:   notification.AlertCritical,
		Title:   "Entries suspended",
		Message: reason,
	})
}

// ResumeEntries re-enables entries after credentials recover.
func (s *Supervisor) ResumeEntries() {
	if !s.deps.Exec.Suspended() {
		return
	}
	s.deps.Exec.Resume()
	if s.deps.Health != nil {
		s.deps.Health.SetSuspended(false)
	}
	s.deps.Rec.Record(audit.Event{
		TS:     time.Now().UTC(),
		Kind:   audit.KindEngineState,
		Reason: "entries resumed",
	})
}

func (s *Supervisor) spawn(fn func()) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		fn()
	}()
}

// tickLoop moves ticks from the feed into the aggregator.
func (s *Supervisor) tickLoop(ctx context.Context) {
	ticks := s.deps.Feed.Ticks()
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-ticks:
			if !ok {
				return
			}
			s.deps.Agg.Ingest(tick)
			if s.deps.Metrics != nil {
				s.deps.Metrics.TicksTotal.Inc()
			}
			if s.deps.Health != nil {
				s.deps.Health.SetLastTickTime(tick.TS)
			}
		}
	}
}

func (s *Supervisor) retestLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RetestInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.deps.Retests.Sweep(ctx, time.Now().UTC(), s.deps.Agg.LastPrice)
			s.observeLoop("retest", start)
		}
	}
}

func (s *Supervisor) routerLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RouterInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			start := time.Now()
			s.routerCycle(ctx, time.Now().UTC())
			s.observeLoop("router", start)
		}
	}
}

// routerCycle runs one signal generation and screening pass across the
// universe.
func (s *Supervisor) routerCycle(ctx context.Context, now time.Time) {
	if !s.deps.Session.IsOpen(now) {
		return
	}
	breadth := s.advanceDecline()

	for _, instrument := range s.cfg.Instruments {
		bars := s.deps.Agg.Snapshot(instrument)
		sig, err := s.deps.Router.Evaluate(now, instrument, bars)
		if err != nil {
			if strategy.IsSkip(err) {
				return // blackout applies to the whole cycle
			}
			continue // insufficient data, just wait for more bars
		}
		if sig == nil {
			continue
		}

		if s.deps.Metrics != nil {
			s.deps.Metrics.SignalsTotal.WithLabelValues(sig.StrategyID).Inc()
		}
		s.deps.Rec.Record(audit.Event{
			TS:         now,
			Kind:       audit.KindSignal,
			Instrument: sig.Instrument,
			Reason:     sig.Rationale,
			Fields: map[string]any{
				"strategy": sig.StrategyID,
				"side":     string(sig.Direction),
				"entry":    sig.Entry,
				"stop":     sig.Stop,
				"target":   sig.Target,
			},
		})

		lastPrice, _ := s.deps.Agg.LastPrice(instrument)
		mkt := &screening.MarketState{
			Bars:           bars,
			LastPrice:      lastPrice,
			AdvanceDecline: breadth,
			Now:            now,
		}
		verdict := s.deps.Pipeline.Validate(*sig, mkt, s.deps.Ledger.GetAll())
		if !verdict.Passed {
			if s.deps.Metrics != nil {
				s.deps.Metrics.BlockedTotal.WithLabelValues(verdict.BlockingLevel).Inc()
			}
			continue
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.ApprovedTotal.Inc()
		}

		s.act(ctx, now, sig)
	}
}

// act routes an approved signal: breakouts wait for a retest, everything
// else orders immediately.
func (s *Supervisor) act(ctx context.Context, now time.Time, sig *model.Signal) {
	if sig.StrategyID == model.StrategyBreakout {
		s.deps.Retests.Enqueue(now, sig)
		return
	}

	if _, err := s.deps.Exec.OpenPosition(ctx, sig); err != nil {
		if errors.Is(err, model.ErrAuth) && !errors.Is(err, execution.ErrSuspended) {
			s.SuspendEntries("authentication failure on order placement")
		}
		if s.deps.Metrics != nil {
			s.deps.Metrics.OrdersTotal.WithLabelValues("failed").Inc()
		}
		log.Printf("[engine] entry %s failed: %v", sig.Instrument, err)
		return
	}
	if s.deps.Metrics != nil {
		s.deps.Metrics.OrdersTotal.WithLabelValues("placed").Inc()
	}
}

// advanceDecline computes breadth across the universe: the fraction of
// instruments whose last bar closed up minus the fraction that closed
// down, in -1..1.
func (s *Supervisor) advanceDecline() float64 {
	adv, dec, total := 0, 0, 0
	for _, instrument := range s.cfg.Instruments {
		bars := s.deps.Agg.Snapshot(instrument)
		if len(bars) < 2 {
			continue
		}
		total++
		last, prev := bars[len(bars)-1], bars[len(bars)-2]
		switch {
		case last.Close > prev.Close:
			adv++
		case last.Close < prev.Close:
			dec++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(adv-dec) / float64(total)
}

// snapshotLoop publishes engine status, open positions, and completed
// bars to Redis and refreshes the gauges.
func (s *Supervisor) snapshotLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SnapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := s.Status()
			if s.deps.Metrics != nil {
				s.deps.Metrics.OpenPositions.Set(float64(snap.OpenPositions))
				s.deps.Metrics.RetestsPending.Set(float64(snap.PendingRetests))
			}
			if s.deps.Health != nil {
				s.deps.Health.SetFeedConnected(snap.FeedConnected)
				s.deps.Health.SetOpenPositions(snap.OpenPositions)
			}

			payload, err := json.Marshal(snap)
			if err == nil {
				if err := s.deps.Publisher.PublishStatus(ctx, payload); err != nil {
					log.Printf("[engine] status publish: %v", err)
				}
			}
			positions, err := json.Marshal(s.deps.Ledger.GetAll())
			if err == nil {
				if err := s.deps.Publisher.PublishPositions(ctx, positions); err != nil {
					log.Printf("[engine] positions publish: %v", err)
				}
			}
			s.publishBars(ctx)
			if s.deps.Health != nil {
				s.deps.Health.SetRedisConnected(s.deps.Publisher.Healthy())
			}
		}
	}
}

// publishBars pushes each instrument's newest completed bar, once. A bar
// counts as completed when a later bucket has opened behind it; the live
// bar is still accumulating and never leaves the process.
func (s *Supervisor) publishBars(ctx context.Context) {
	for _, instrument := range s.cfg.Instruments {
		bars := s.deps.Agg.Snapshot(instrument)
		if len(bars) < 2 {
			continue
		}
		done := bars[len(bars)-2]
		if !done.Start.After(s.lastBar[instrument]) {
			continue
		}
		if err := s.deps.Publisher.PublishBar(ctx, done); err != nil {
			log.Printf("[engine] bar publish %s: %v", instrument, err)
			continue
		}
		s.lastBar[instrument] = done.Start
	}
}

func (s *Supervisor) observeLoop(name string, start time.Time) {
	if s.deps.Metrics != nil {
		s.deps.Metrics.LoopDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	}
}
