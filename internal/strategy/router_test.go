package strategy

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/markethours"
	"tradecore/internal/model"
)

// stubLib returns fixed indicator values regardless of input.
type stubLib struct {
	sma, ema, rsi, atr, adx float64
}

func series(v float64, n int) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = v
	}
	return s
}

func (l stubLib) SMA(bars []model.Bar, period int) []float64 { return series(l.sma, len(bars)) }
func (l stubLib) EMA(bars []model.Bar, period int) []float64 { return series(l.ema, len(bars)) }
func (l stubLib) RSI(bars []model.Bar, period int) []float64 { return series(l.rsi, len(bars)) }
func (l stubLib) ATR(bars []model.Bar, period int) []float64 { return series(l.atr, len(bars)) }
func (l stubLib) ADX(bars []model.Bar, period int) []float64 { return series(l.adx, len(bars)) }

// recordingGen notes whether it ran and returns a canned signal.
type recordingGen struct {
	id     string
	called int
	sig    *model.Signal
}

func (g *recordingGen) ID() string { return g.id }
func (g *recordingGen) Generate(bars []model.Bar) *model.Signal {
	g.called++
	return g.sig
}

func flatBars(n int, close int64) []model.Bar {
	start := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	bars := make([]model.Bar, n)
	for i := range bars {
		bars[i] = model.Bar{
			Instrument: "ACME",
			Start:      start.Add(time.Duration(i) * time.Minute),
			Open:       close, High: close + 50, Low: close - 50, Close: close,
			Volume: 1000, TickCount: 10,
		}
	}
	return bars
}

func testSession() *markethours.Session {
	return markethours.NewSession(time.UTC, 9*60+30, 16*60, 10*time.Minute)
}

func notHeld(string) bool { return false }

func TestRouterDispatchesTrendAboveThreshold(t *testing.T) {
	trend := &recordingGen{id: "trend", sig: &model.Signal{Instrument: "ACME"}}
	mr := &recordingGen{id: "meanrev"}
	r := NewRouter(DefaultConfig(), stubLib{adx: 30}, trend, mr, testSession(), notHeld)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	sig, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 1, trend.called)
	assert.Equal(t, 0, mr.called, "generators must be mutually exclusive")
}

func TestRouterDispatchesMeanRevBelowThreshold(t *testing.T) {
	trend := &recordingGen{id: "trend"}
	mr := &recordingGen{id: "meanrev", sig: &model.Signal{Instrument: "ACME"}}
	r := NewRouter(DefaultConfig(), stubLib{adx: 15}, trend, mr, testSession(), notHeld)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	sig, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	require.NoError(t, err)
	require.NotNil(t, sig)
	assert.Equal(t, 0, trend.called)
	assert.Equal(t, 1, mr.called)
}

func TestRouterThresholdBoundaryIsTrend(t *testing.T) {
	trend := &recordingGen{id: "trend"}
	mr := &recordingGen{id: "meanrev"}
	cfg := DefaultConfig()
	r := NewRouter(cfg, stubLib{adx: cfg.RegimeThreshold}, trend, mr, testSession(), notHeld)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	_, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	require.NoError(t, err)
	assert.Equal(t, 1, trend.called)
	assert.Equal(t, 0, mr.called)
}

func TestRouterSkipsHeldInstrument(t *testing.T) {
	trend := &recordingGen{id: "trend"}
	mr := &recordingGen{id: "meanrev"}
	held := func(instr string) bool { return instr == "ACME" }
	r := NewRouter(DefaultConfig(), stubLib{adx: 30}, trend, mr, testSession(), held)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	sig, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	require.NoError(t, err)
	assert.Nil(t, sig)
	assert.Equal(t, 0, trend.called)
	assert.Equal(t, 0, mr.called)
}

func TestRouterBlackoutSkipsBeforeGeneration(t *testing.T) {
	trend := &recordingGen{id: "trend"}
	mr := &recordingGen{id: "meanrev"}
	sess := testSession()
	sess.Blackout = []markethours.Window{{Start: 11 * 60, End: 11*60 + 30}}
	r := NewRouter(DefaultConfig(), stubLib{adx: 30}, trend, mr, sess, notHeld)

	now := time.Date(2026, 3, 2, 11, 15, 0, 0, time.UTC)
	sig, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	assert.Nil(t, sig)
	require.Error(t, err)
	assert.True(t, IsSkip(err))
	assert.Equal(t, 0, trend.called)
	assert.Equal(t, 0, mr.called)
}

func TestRouterInsufficientHistory(t *testing.T) {
	trend := &recordingGen{id: "trend"}
	mr := &recordingGen{id: "meanrev"}
	r := NewRouter(DefaultConfig(), stubLib{adx: 30}, trend, mr, testSession(), notHeld)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	_, err := r.Evaluate(now, "ACME", flatBars(10, 10000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
	assert.False(t, IsSkip(err))
}

func TestRouterNaNRegimeIsDataError(t *testing.T) {
	r := NewRouter(DefaultConfig(), stubLib{adx: math.NaN()},
		&recordingGen{id: "trend"}, &recordingGen{id: "meanrev"}, testSession(), notHeld)

	now := time.Date(2026, 3, 2, 11, 0, 0, 0, time.UTC)
	_, err := r.Evaluate(now, "ACME", flatBars(80, 10000))
	require.Error(t, err)
	assert.True(t, errors.Is(err, model.ErrInsufficientData))
}

func TestBreakoutLongAboveChannelHigh(t *testing.T) {
	cfg := DefaultBreakoutConfig()
	bars := flatBars(40, 10000)
	last := &bars[len(bars)-1]
	last.Close = 10200 // above the 10050 channel high
	last.High = 10250

	g := NewBreakout(cfg, stubLib{atr: 2.0}) // 2.00 major units
	sig := g.Generate(bars)
	require.NotNil(t, sig)
	assert.Equal(t, model.Long, sig.Direction)
	assert.Equal(t, model.StrategyBreakout, sig.StrategyID)
	assert.Equal(t, int64(10200), sig.Entry)
	assert.Equal(t, int64(10200-300), sig.Stop)   // 1.5 * 2.00 in minor units
	assert.Equal(t, int64(10200+600), sig.Target) // 3.0 * 2.00 in minor units
}

func TestBreakoutShortBelowChannelLow(t *testing.T) {
	bars := flatBars(40, 10000)
	last := &bars[len(bars)-1]
	last.Close = 9800 // below the 9950 channel low
	last.Low = 9750

	g := NewBreakout(DefaultBreakoutConfig(), stubLib{atr: 2.0})
	sig := g.Generate(bars)
	require.NotNil(t, sig)
	assert.Equal(t, model.Short, sig.Direction)
	assert.Greater(t, sig.Stop, sig.Entry)
	assert.Less(t, sig.Target, sig.Entry)
}

func TestBreakoutNoSignalInsideChannel(t *testing.T) {
	g := NewBreakout(DefaultBreakoutConfig(), stubLib{atr: 2.0})
	assert.Nil(t, g.Generate(flatBars(40, 10000)))
}

func TestMeanRevLongOnOversold(t *testing.T) {
	bars := flatBars(40, 9500) // close below the 100.00 mean
	g := NewMeanReversion(DefaultMeanRevConfig(), stubLib{rsi: 25, sma: 100, atr: 1.0})
	sig := g.Generate(bars)
	require.NotNil(t, sig)
	assert.Equal(t, model.Long, sig.Direction)
	assert.Equal(t, model.StrategyMeanReversion, sig.StrategyID)
	assert.Equal(t, int64(10000), sig.Target, "target is the mean")
	assert.Equal(t, int64(9500-150), sig.Stop)
}

func TestMeanRevShortOnOverbought(t *testing.T) {
	bars := flatBars(40, 10500) // close above the 100.00 mean
	g := NewMeanReversion(DefaultMeanRevConfig(), stubLib{rsi: 75, sma: 100, atr: 1.0})
	sig := g.Generate(bars)
	require.NotNil(t, sig)
	assert.Equal(t, model.Short, sig.Direction)
	assert.Equal(t, int64(10000), sig.Target)
}

func TestMeanRevNoSignalWrongSideOfMean(t *testing.T) {
	// Oversold RSI but price already above the mean: nothing to revert to.
	bars := flatBars(40, 10500)
	g := NewMeanReversion(DefaultMeanRevConfig(), stubLib{rsi: 25, sma: 100, atr: 1.0})
	assert.Nil(t, g.Generate(bars))
}

func TestMeanRevNeutralRSINoSignal(t *testing.T) {
	g := NewMeanReversion(DefaultMeanRevConfig(), stubLib{rsi: 50, sma: 100, atr: 1.0})
	assert.Nil(t, g.Generate(flatBars(40, 9500)))
}
