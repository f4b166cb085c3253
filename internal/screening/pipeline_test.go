package screening

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/audit"
	"tradecore/internal/model"
)

// stubLevel is a scripted validator for pipeline behavior tests.
type stubLevel struct {
	name     string
	critical bool
	pass     bool
	err      error

	mu    sync.Mutex
	calls int
}

func (s *stubLevel) Name() string   { return s.name }
func (s *stubLevel) Critical() bool { return s.critical }

func (s *stubLevel) Check(model.Signal, *MarketState, []model.Position) (bool, string, error) {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	if s.err != nil {
		return false, "", s.err
	}
	if !s.pass {
		return false, "scripted failure", nil
	}
	return true, "", nil
}

func (s *stubLevel) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// memRecorder captures audit events for assertions.
type memRecorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (m *memRecorder) Record(e audit.Event) {
	m.mu.Lock()
	m.events = append(m.events, e)
	m.mu.Unlock()
}

func longSignal() model.Signal {
	return model.Signal{
		Instrument: "AAPL",
		Direction:  model.Long,
		Entry:      10000,
		Stop:       9800,
		Target:     10600,
		Qty:        10,
		StrategyID: model.StrategyMeanReversion,
		Confidence: 80,
	}
}

func emptyState() *MarketState {
	return &MarketState{Now: time.Now().UTC()}
}

func TestPipeline_CriticalFailureBlocksEvenFailOpen(t *testing.T) {
	crit := &stubLevel{name: "portfolio_risk", critical: true, pass: false}
	adv := &stubLevel{name: "trend_alignment", pass: true}
	p := New(Config{FailOpen: true}, []Level{crit, adv}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)

	require.False(t, v.Passed)
	assert.Equal(t, "portfolio_risk", v.BlockingLevel)
	assert.True(t, v.Critical)
	assert.Contains(t, v.Reason, "portfolio_risk")
}

func TestPipeline_CriticalErrorBlocksEvenFailOpen(t *testing.T) {
	crit := &stubLevel{name: "portfolio_risk", critical: true, err: errors.New("boom")}
	p := New(Config{FailOpen: true}, []Level{crit}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	require.False(t, v.Passed)
	assert.True(t, v.Critical)
}

func TestPipeline_AdvisoryErrorFailOpenPasses(t *testing.T) {
	adv := &stubLevel{name: "volatility_band", err: model.ErrInsufficientData}
	ok := &stubLevel{name: "trend_alignment", pass: true}
	p := New(Config{FailOpen: true}, []Level{adv, ok}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	assert.True(t, v.Passed, "advisory error under fail-open must pass")
}

func TestPipeline_AdvisoryErrorFailClosedBlocks(t *testing.T) {
	adv := &stubLevel{name: "volatility_band", err: model.ErrInsufficientData}
	p := New(Config{FailOpen: false}, []Level{adv}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	require.False(t, v.Passed)
	assert.Equal(t, "volatility_band", v.BlockingLevel)
	assert.False(t, v.Critical)
}

func TestPipeline_AdvisoryFailureBlocksUnderFailOpen(t *testing.T) {
	// Fail-open forgives internal errors, not honest failures.
	adv := &stubLevel{name: "trend_alignment", pass: false}
	p := New(Config{FailOpen: true}, []Level{adv}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	assert.False(t, v.Passed)
}

func TestPipeline_AdvisoryShortCircuitButCriticalAlwaysRuns(t *testing.T) {
	firstAdv := &stubLevel{name: "a1", pass: false}
	secondAdv := &stubLevel{name: "a2", pass: true}
	crit := &stubLevel{name: "c1", critical: true, pass: true}
	p := New(Config{}, []Level{firstAdv, secondAdv, crit}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)

	require.False(t, v.Passed)
	assert.Equal(t, 1, firstAdv.callCount())
	assert.Equal(t, 0, secondAdv.callCount(), "advisory levels short-circuit after a block")
	assert.Equal(t, 1, crit.callCount(), "critical levels are evaluated unconditionally")
}

func TestPipeline_CriticalBlockOverridesAdvisoryBlock(t *testing.T) {
	adv := &stubLevel{name: "a1", pass: false}
	crit := &stubLevel{name: "c1", critical: true, pass: false}
	p := New(Config{}, []Level{adv, crit}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	assert.Equal(t, "c1", v.BlockingLevel, "critical block owns the verdict")
	assert.True(t, v.Critical)
}

func TestPipeline_DisabledLevelSkipped(t *testing.T) {
	adv := &stubLevel{name: "gap_analysis", pass: false}
	p := New(Config{Disabled: []string{"gap_analysis"}}, []Level{adv}, nil)

	v := p.Validate(longSignal(), emptyState(), nil)
	assert.True(t, v.Passed)
	assert.Equal(t, 0, adv.callCount())
}

func TestPipeline_VerdictAlwaysAudited(t *testing.T) {
	rec := &memRecorder{}
	pass := &stubLevel{name: "a1", pass: true}
	p := New(Config{}, []Level{pass}, rec)

	p.Validate(longSignal(), emptyState(), nil)

	blocked := &stubLevel{name: "a2", pass: false}
	p2 := New(Config{}, []Level{blocked}, rec)
	p2.Validate(longSignal(), emptyState(), nil)

	require.Len(t, rec.events, 2)
	assert.Equal(t, audit.KindVerdict, rec.events[0].Kind)
	assert.Equal(t, true, rec.events[0].Fields["passed"])
	assert.Equal(t, false, rec.events[1].Fields["passed"])
	assert.NotEmpty(t, rec.events[1].Reason)
}
