package engine

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/execution"
	"tradecore/internal/ledger"
	"tradecore/internal/marketdata/agg"
	"tradecore/internal/markethours"
	"tradecore/internal/model"
	"tradecore/internal/notification"
	"tradecore/internal/retest"
	"tradecore/internal/retry"
	"tradecore/internal/screening"
	"tradecore/internal/strategy"
)

// fakeFeed satisfies MarketFeed for tests that never connect.
type fakeFeed struct {
	ticks chan model.Tick
}

func newFakeFeed() *fakeFeed { return &fakeFeed{ticks: make(chan model.Tick, 16)} }

func (f *fakeFeed) Connect(ctx context.Context) error    { return nil }
func (f *fakeFeed) Subscribe(instruments []string) error { return nil }
func (f *fakeFeed) IsConnected() bool                    { return false }
func (f *fakeFeed) Ticks() <-chan model.Tick             { return f.ticks }
func (f *fakeFeed) Close() error                         { return nil }

// fakeGateway records placed orders and fails on demand.
type fakeGateway struct {
	mu        sync.Mutex
	requests  []model.OrderRequest
	err       error
	positions []model.VenuePosition
}

func (g *fakeGateway) PlaceOrder(ctx context.Context, req model.OrderRequest) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.requests = append(g.requests, req)
	if g.err != nil {
		return "", g.err
	}
	return "ord-1", nil
}

func (g *fakeGateway) GetOpenPositions(ctx context.Context) ([]model.VenuePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.positions, nil
}

func (g *fakeGateway) orderCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *memRecorder) Record(e audit.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *memRecorder) kinds() []audit.Kind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]audit.Kind, len(r.events))
	for i, e := range r.events {
		out[i] = e.Kind
	}
	return out
}

type memNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *memNotifier) Send(ctx context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

// stubLib returns the same indicator tail values for every instrument, so
// tests can pin the regime without crafting realistic price series.
type stubLib struct {
	adx, atr, rsi, sma float64
}

func (s stubLib) series(bars []model.Bar, v float64) []float64 {
	out := make([]float64, len(bars))
	for i := range out {
		out[i] = v
	}
	return out
}

func (s stubLib) SMA(bars []model.Bar, period int) []float64 { return s.series(bars, s.sma) }
func (s stubLib) EMA(bars []model.Bar, period int) []float64 { return s.series(bars, s.sma) }
func (s stubLib) RSI(bars []model.Bar, period int) []float64 { return s.series(bars, s.rsi) }
func (s stubLib) ATR(bars []model.Bar, period int) []float64 { return s.series(bars, s.atr) }
func (s stubLib) ADX(bars []model.Bar, period int) []float64 { return s.series(bars, s.adx) }

// stubGen emits a fixed signal for its strategy id.
type stubGen struct {
	id  string
	sig *model.Signal
}

func (g *stubGen) ID() string { return g.id }

func (g *stubGen) Generate(bars []model.Bar) *model.Signal {
	if g.sig == nil {
		return nil
	}
	out := *g.sig
	out.Instrument = bars[0].Instrument
	return &out
}

// blockAll is a critical level that blocks every signal.
type blockAll struct{}

func (blockAll) Name() string   { return "block_all" }
func (blockAll) Critical() bool { return true }
func (blockAll) Check(model.Signal, *screening.MarketState, []model.Position) (bool, string, error) {
	return false, "blocked for test", nil
}

func testSession() *markethours.Session {
	return markethours.NewSession(time.UTC, 9*60+30, 16*60, 10*time.Minute)
}

// midDay is a Monday well inside the test session.
var midDay = time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)

func seedBars(a *agg.Aggregator, instrument string, n int, close int64) {
	bars := make([]model.Bar, n)
	start := midDay.Add(-time.Duration(n) * time.Minute)
	for i := range bars {
		bars[i] = model.Bar{
			Instrument: instrument,
			Start:      start.Add(time.Duration(i) * time.Minute),
			Open:       close,
			High:       close + 50,
			Low:        close - 50,
			Close:      close,
			Volume:     1000,
			TickCount:  10,
		}
	}
	a.MergeHistorical(bars)
	a.Ingest(model.Tick{Instrument: instrument, Price: close, TS: midDay})
	a.Rebuild()
}

type harness struct {
	sup      *Supervisor
	gw       *fakeGateway
	agg      *agg.Aggregator
	lg       *ledger.Ledger
	rec      *memRecorder
	notifier *memNotifier
	retests  *retest.Queue
}

func newHarness(t *testing.T, instruments []string, lib stubLib, trendSig, mrSig *model.Signal, levels []screening.Level) *harness {
	t.Helper()
	gw := &fakeGateway{}
	rec := &memRecorder{}
	notifier := &memNotifier{}
	lg := ledger.New()
	a := agg.New(time.Minute, 256)
	session := testSession()

	policy := retry.Policy{MaxAttempts: 1, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond}
	exec := execution.NewExecutor(lg, gw, policy, rec)
	retests := retest.NewQueue(retest.Config{ToleranceBps: 40, TTL: 30 * time.Minute}, lg, exec, rec)

	router := strategy.NewRouter(
		strategy.Config{MinBars: 5, RegimePeriod: 3, RegimeThreshold: 25},
		lib,
		&stubGen{id: model.StrategyBreakout, sig: trendSig},
		&stubGen{id: model.StrategyMeanReversion, sig: mrSig},
		session,
		lg.Held,
	)
	pipeline := screening.New(screening.Config{FailOpen: true}, levels, rec)

	sup, err := New(Config{
		Instruments:       instruments,
		MonitorInterval:   time.Second,
		RebuildInterval:   time.Second,
		RetestInterval:    time.Second,
		RouterInterval:    time.Second,
		ReconcileInterval: time.Minute,
		SnapshotInterval:  time.Second,
	}, Deps{
		Feed:     newFakeFeed(),
		Agg:      a,
		Router:   router,
		Pipeline: pipeline,
		Retests:  retests,
		Ledger:   lg,
		Exec:     exec,
		Session:  session,
		Rec:      rec,
		Notifier: notifier,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &harness{sup: sup, gw: gw, agg: a, lg: lg, rec: rec, notifier: notifier, retests: retests}
}

func meanRevSignal() *model.Signal {
	return &model.Signal{
		Direction:  model.Long,
		Entry:      10000,
		Stop:       9700,
		Target:     10300,
		Qty:        1,
		StrategyID: model.StrategyMeanReversion,
		Confidence: 55,
		Rationale:  "rsi oversold below mean",
	}
}

func breakoutSignal() *model.Signal {
	return &model.Signal{
		Direction:  model.Long,
		Entry:      10050,
		Stop:       9750,
		Target:     10650,
		Qty:        1,
		StrategyID: model.StrategyBreakout,
		Confidence: 60,
		Rationale:  "close above channel high",
	}
}

func TestNewRejectsEmptyUniverse(t *testing.T) {
	_, err := New(Config{}, Deps{})
	if err == nil {
		t.Fatal("expected error for empty instrument universe")
	}
}

func TestCycleMeanRevOrdersImmediately(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{adx: 18, rsi: 25, sma: 101}, nil, meanRevSignal(), nil)
	seedBars(h.agg, "RELIANCE", 10, 10000)

	h.sup.routerCycle(context.Background(), midDay)

	if got := h.gw.orderCount(); got != 1 {
		t.Fatalf("orders placed = %d, want 1", got)
	}
	if _, ok := h.lg.Get("RELIANCE"); !ok {
		t.Fatal("position not recorded in ledger")
	}
	if h.retests.Len() != 0 {
		t.Fatalf("retest queue len = %d, want 0", h.retests.Len())
	}
}

func TestCycleBreakoutWaitsForRetest(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{adx: 32, atr: 2}, breakoutSignal(), nil, nil)
	seedBars(h.agg, "RELIANCE", 10, 10000)

	h.sup.routerCycle(context.Background(), midDay)

	if got := h.gw.orderCount(); got != 0 {
		t.Fatalf("orders placed = %d, want 0 (breakout must wait for retest)", got)
	}
	if h.retests.Len() != 1 {
		t.Fatalf("retest queue len = %d, want 1", h.retests.Len())
	}
	if !h.lg.Held("RELIANCE") {
		t.Fatal("instrument should be reserved while the retest is pending")
	}
}

func TestCycleClosedSessionGeneratesNothing(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{adx: 18, rsi: 25, sma: 101}, nil, meanRevSignal(), nil)
	seedBars(h.agg, "RELIANCE", 10, 10000)

	evening := time.Date(2026, 3, 2, 20, 0, 0, 0, time.UTC)
	h.sup.routerCycle(context.Background(), evening)

	if got := h.gw.orderCount(); got != 0 {
		t.Fatalf("orders placed = %d, want 0 outside session", got)
	}
	if len(h.rec.kinds()) != 0 {
		t.Fatalf("audit events = %v, want none outside session", h.rec.kinds())
	}
}

func TestCycleBlockedSignalIsNotActed(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{adx: 18, rsi: 25, sma: 101},
		nil, meanRevSignal(), []screening.Level{blockAll{}})
	seedBars(h.agg, "RELIANCE", 10, 10000)

	h.sup.routerCycle(context.Background(), midDay)

	if got := h.gw.orderCount(); got != 0 {
		t.Fatalf("orders placed = %d, want 0 for blocked signal", got)
	}
	var sawSignal, sawVerdict bool
	for _, k := range h.rec.kinds() {
		switch k {
		case audit.KindSignal:
			sawSignal = true
		case audit.KindVerdict:
			sawVerdict = true
		}
	}
	if !sawSignal || !sawVerdict {
		t.Fatalf("audit kinds = %v, want signal and verdict records", h.rec.kinds())
	}
}

func TestCycleSkipsHeldInstrument(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE", "TCS"}, stubLib{adx: 18, rsi: 25, sma: 101}, nil, meanRevSignal(), nil)
	seedBars(h.agg, "RELIANCE", 10, 10000)
	seedBars(h.agg, "TCS", 10, 5000)
	if err := h.lg.Reserve("RELIANCE"); err != nil {
		t.Fatal(err)
	}

	h.sup.routerCycle(context.Background(), midDay)

	if got := h.gw.orderCount(); got != 1 {
		t.Fatalf("orders placed = %d, want 1 (only the free instrument)", got)
	}
	h.gw.mu.Lock()
	instrument := h.gw.requests[0].Instrument
	h.gw.mu.Unlock()
	if instrument != "TCS" {
		t.Fatalf("ordered %s, want TCS", instrument)
	}
}

func TestAuthFailureSuspendsEntries(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{adx: 18, rsi: 25, sma: 101}, nil, meanRevSignal(), nil)
	seedBars(h.agg, "RELIANCE", 10, 10000)
	h.gw.err = model.ErrAuth

	h.sup.routerCycle(context.Background(), midDay)

	if !h.sup.deps.Exec.Suspended() {
		t.Fatal("executor should be suspended after an auth failure")
	}
	h.notifier.mu.Lock()
	defer h.notifier.mu.Unlock()
	if len(h.notifier.alerts) != 1 || h.notifier.alerts[0].Level != notification.AlertCritical {
		t.Fatalf("alerts = %+v, want one critical alert", h.notifier.alerts)
	}
}

func TestSuspendEntriesIsIdempotent(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{}, nil, nil, nil)

	h.sup.SuspendEntries("session expired")
	h.sup.SuspendEntries("session expired")

	h.notifier.mu.Lock()
	alerts := len(h.notifier.alerts)
	h.notifier.mu.Unlock()
	if alerts != 1 {
		t.Fatalf("alerts = %d, want 1 (repeat suspends do not re-alert)", alerts)
	}

	h.sup.ResumeEntries()
	if h.sup.deps.Exec.Suspended() {
		t.Fatal("executor should accept entries after resume")
	}

	var resumed bool
	h.rec.mu.Lock()
	for _, e := range h.rec.events {
		if e.Kind == audit.KindEngineState && strings.Contains(e.Reason, "resumed") {
			resumed = true
		}
	}
	h.rec.mu.Unlock()
	if !resumed {
		t.Fatal("resume transition was not audited")
	}
}

func TestAdvanceDeclineBreadth(t *testing.T) {
	h := newHarness(t, []string{"A", "B", "C", "D"}, stubLib{}, nil, nil, nil)

	up := []model.Bar{{Instrument: "A", Close: 100}, {Instrument: "A", Close: 110}}
	down := []model.Bar{{Instrument: "B", Close: 100}, {Instrument: "B", Close: 90}}
	flat := []model.Bar{{Instrument: "C", Close: 100}, {Instrument: "C", Close: 100}}
	for i := range up {
		ts := midDay.Add(time.Duration(i) * time.Minute)
		up[i].Start, down[i].Start, flat[i].Start = ts, ts, ts
	}
	h.agg.MergeHistorical(up)
	h.agg.MergeHistorical(down)
	h.agg.MergeHistorical(flat)
	h.agg.Rebuild()
	// D has no bars and is excluded from the denominator.

	if got := h.sup.advanceDecline(); got != 0 {
		t.Fatalf("breadth = %v, want 0 (one up, one down, one flat)", got)
	}

	h.agg.MergeHistorical([]model.Bar{
		{Instrument: "D", Start: midDay, Close: 100},
		{Instrument: "D", Start: midDay.Add(time.Minute), Close: 105},
	})
	h.agg.Rebuild()
	if got := h.sup.advanceDecline(); got != 0.25 {
		t.Fatalf("breadth = %v, want 0.25 (two up, one down, one flat)", got)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE", "TCS"}, stubLib{}, nil, nil, nil)

	snap := h.sup.Status()
	if snap.Running {
		t.Fatal("engine should not report running before Start")
	}
	if snap.Instruments != 2 {
		t.Fatalf("instruments = %d, want 2", snap.Instruments)
	}
	if snap.OpenPositions != 0 || snap.PendingRetests != 0 {
		t.Fatalf("fresh engine reports positions=%d retests=%d", snap.OpenPositions, snap.PendingRetests)
	}
}

// fakePublisher records published bars and payloads.
type fakePublisher struct {
	bars []model.Bar
}

func (p *fakePublisher) PublishStatus(context.Context, []byte) error    { return nil }
func (p *fakePublisher) PublishPositions(context.Context, []byte) error { return nil }
func (p *fakePublisher) Healthy() bool                                  { return true }
func (p *fakePublisher) PublishBar(_ context.Context, bar model.Bar) error {
	p.bars = append(p.bars, bar)
	return nil
}

func TestPublishBarsOnlyCompletedOnce(t *testing.T) {
	h := newHarness(t, []string{"RELIANCE"}, stubLib{}, nil, nil, nil)
	fp := &fakePublisher{}
	h.sup.deps.Publisher = fp

	// seedBars leaves a live bucket at midDay behind the history.
	seedBars(h.agg, "RELIANCE", 3, 10000)
	h.sup.publishBars(context.Background())
	if len(fp.bars) != 1 {
		t.Fatalf("published %d bars, want 1 (newest completed)", len(fp.bars))
	}
	first := fp.bars[0]
	if first.Start.Equal(midDay) {
		t.Fatal("the live bar must not be published")
	}

	// Nothing new: the same bar is not re-published.
	h.sup.publishBars(context.Background())
	if len(fp.bars) != 1 {
		t.Fatalf("published %d bars after idle pass, want 1", len(fp.bars))
	}

	// A later tick completes the midDay bucket.
	h.agg.Ingest(model.Tick{Instrument: "RELIANCE", Price: 10010, TS: midDay.Add(time.Minute)})
	h.agg.Rebuild()
	h.sup.publishBars(context.Background())
	if len(fp.bars) != 2 {
		t.Fatalf("published %d bars, want 2", len(fp.bars))
	}
	if !fp.bars[1].Start.Equal(midDay) {
		t.Fatalf("second publish start = %v, want %v", fp.bars[1].Start, midDay)
	}
}
