// Package strategy provides the regime-aware router and the signal
// generators it dispatches to.
//
// Per instrument and cycle the router computes a trend-strength regime
// (ADX) and hands the bars to exactly one generator: mean-reversion below
// the threshold, trend/breakout at or above it. The generators are
// mutually exclusive, never layered. A generator returns zero or one
// Signal; everything downstream (screening, retest, ordering) is someone
// else's job.
package strategy

import (
	"errors"
	"fmt"
	"math"
	"time"

	"tradecore/internal/markethours"
	"tradecore/internal/model"
)

// Generator produces at most one signal from an instrument's bars.
type Generator interface {
	// ID is the strategy identifier stamped on emitted signals.
	ID() string

	// Generate returns a signal or nil when no setup is present.
	Generate(bars []model.Bar) *model.Signal
}

// Config holds the router's dispatch parameters.
type Config struct {
	MinBars         int     // minimum bar history before any generator runs
	RegimePeriod    int     // ADX period
	RegimeThreshold float64 // ADX at/above -> trend generator, below -> mean reversion
}

// DefaultConfig returns the standard dispatch parameters.
func DefaultConfig() Config {
	return Config{
		MinBars:         60,
		RegimePeriod:    14,
		RegimeThreshold: 25,
	}
}

// Router classifies regime and dispatches to one generator per cycle.
type Router struct {
	cfg     Config
	lib     model.IndicatorLibrary
	trend   Generator
	meanRev Generator
	session *markethours.Session

	// held reports whether an instrument already has a position or a
	// pending retest; such instruments are skipped before generation.
	held func(instrument string) bool
}

// NewRouter wires the router. held must be non-nil.
func NewRouter(cfg Config, lib model.IndicatorLibrary, trend, meanRev Generator,
	session *markethours.Session, held func(string) bool) *Router {
	return &Router{
		cfg:     cfg,
		lib:     lib,
		trend:   trend,
		meanRev: meanRev,
		session: session,
		held:    held,
	}
}

// Evaluate runs one routing cycle for an instrument. Returns (nil, nil)
// when the instrument is skipped (held, blackout, no setup) and a non-nil
// error only for data problems (insufficient history, NaN regime), which
// the caller logs and skips for this cycle.
func (r *Router) Evaluate(now time.Time, instrument string, bars []model.Bar) (*model.Signal, error) {
	// Blackout check comes first: no point computing a regime we will
	// not act on.
	if in, w := r.session.InBlackout(now); in {
		return nil, fmt.Errorf("blackout window %s: %w", w, errSkipped)
	}
	if r.held(instrument) {
		return nil, nil
	}
	if len(bars) < r.cfg.MinBars {
		return nil, fmt.Errorf("%s: have %d bars, need %d: %w",
			instrument, len(bars), r.cfg.MinBars, model.ErrInsufficientData)
	}

	regime := lastValue(r.lib.ADX(bars, r.cfg.RegimePeriod))
	if math.IsNaN(regime) {
		return nil, fmt.Errorf("%s: regime indicator NaN: %w", instrument, model.ErrInsufficientData)
	}

	gen := r.meanRev
	if regime >= r.cfg.RegimeThreshold {
		gen = r.trend
	}
	return gen.Generate(bars), nil
}

// errSkipped marks benign skips (blackout) so callers can tell them from
// data errors; both simply end the instrument's cycle.
var errSkipped = errors.New("skipped")

// IsSkip reports whether the evaluation error was a benign skip rather
// than a data problem.
func IsSkip(err error) bool {
	return errors.Is(err, errSkipped)
}

func lastValue(series []float64) float64 {
	if len(series) == 0 {
		return math.NaN()
	}
	return series[len(series)-1]
}
