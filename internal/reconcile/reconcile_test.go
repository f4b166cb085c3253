package reconcile

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/audit"
	"tradecore/internal/ledger"
	"tradecore/internal/model"
	"tradecore/internal/notification"
)

type fakeGateway struct {
	mu        sync.Mutex
	positions []model.VenuePosition
	err       error
}

func (g *fakeGateway) PlaceOrder(context.Context, model.OrderRequest) (string, error) {
	return "", nil
}

func (g *fakeGateway) GetOpenPositions(context.Context) ([]model.VenuePosition, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	return g.positions, nil
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

func (r *memRecorder) count(k audit.Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

type memNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *memNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.alerts = append(n.alerts, a)
	return nil
}

func (n *memNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func addPosition(t *testing.T, lg *ledger.Ledger, instr string) {
	t.Helper()
	require.NoError(t, lg.Add(model.Position{
		Instrument: instr, Direction: model.Long,
		EntryPrice: 10000, Qty: 2, StopLoss: 9800, Target: 10400,
	}))
}

func TestSweepMatchedPositionsUntouched(t *testing.T) {
	lg := ledger.New()
	addPosition(t, lg, "ACME")
	gw := &fakeGateway{positions: []model.VenuePosition{
		{Instrument: "ACME", Direction: model.Long, Qty: 2, AvgPrice: 10000},
	}}
	svc := New(lg, gw, &memRecorder{}, &memNotifier{})

	require.NoError(t, svc.Sweep(context.Background()))
	_, ok := lg.Get("ACME")
	assert.True(t, ok)
}

func TestSweepRemovesPhantom(t *testing.T) {
	lg := ledger.New()
	addPosition(t, lg, "ACME")
	gw := &fakeGateway{} // venue flat
	rec := &memRecorder{}
	svc := New(lg, gw, rec, &memNotifier{})
	var phantoms int
	svc.OnPhantom = func() { phantoms++ }

	require.NoError(t, svc.Sweep(context.Background()))

	_, ok := lg.Get("ACME")
	assert.False(t, ok, "phantom must be removed")
	assert.Equal(t, 1, rec.count(audit.KindReconPhantom))
	assert.Equal(t, 1, phantoms)
}

func TestSweepNeverAdoptsUnknown(t *testing.T) {
	lg := ledger.New()
	gw := &fakeGateway{positions: []model.VenuePosition{
		{Instrument: "MYST", Direction: model.Short, Qty: 7, AvgPrice: 5000},
	}}
	rec := &memRecorder{}
	nf := &memNotifier{}
	svc := New(lg, gw, rec, nf)
	var unknowns int
	svc.OnUnknown = func() { unknowns++ }

	require.NoError(t, svc.Sweep(context.Background()))
	require.NoError(t, svc.Sweep(context.Background()))

	assert.Equal(t, 0, lg.Count(), "unknown venue positions are never adopted")
	assert.Equal(t, 1, rec.count(audit.KindReconUnknown))
	assert.Equal(t, 1, nf.count())
	assert.Equal(t, 1, unknowns, "hook fires once per episode, like the alert")
}

func TestSweepAlertsUnknownOncePerEpisode(t *testing.T) {
	lg := ledger.New()
	gw := &fakeGateway{positions: []model.VenuePosition{
		{Instrument: "MYST", Direction: model.Short, Qty: 7, AvgPrice: 5000},
	}}
	nf := &memNotifier{}
	svc := New(lg, gw, &memRecorder{}, nf)

	require.NoError(t, svc.Sweep(context.Background()))
	require.NoError(t, svc.Sweep(context.Background()))
	assert.Equal(t, 1, nf.count(), "repeat sweeps must not spam")

	// The venue position disappears, then reappears: alert again.
	gw.mu.Lock()
	gw.positions = nil
	gw.mu.Unlock()
	require.NoError(t, svc.Sweep(context.Background()))

	gw.mu.Lock()
	gw.positions = []model.VenuePosition{{Instrument: "MYST", Direction: model.Short, Qty: 7}}
	gw.mu.Unlock()
	require.NoError(t, svc.Sweep(context.Background()))
	assert.Equal(t, 2, nf.count())
}

func TestSweepGatewayErrorLeavesLedgerAlone(t *testing.T) {
	lg := ledger.New()
	addPosition(t, lg, "ACME")
	gw := &fakeGateway{err: model.ErrTimeout}
	svc := New(lg, gw, &memRecorder{}, &memNotifier{})

	err := svc.Sweep(context.Background())
	require.Error(t, err)
	_, ok := lg.Get("ACME")
	assert.True(t, ok, "no mutation on fetch failure")
}
