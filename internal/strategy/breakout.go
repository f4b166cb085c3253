package strategy

import (
	"fmt"
	"math"

	"tradecore/internal/model"
)

// BreakoutConfig tunes the channel-breakout generator.
type BreakoutConfig struct {
	Lookback   int     // channel period, the new bar must clear this range
	ATRPeriod  int     // volatility period for stop sizing
	StopATR    float64 // stop distance in ATR multiples
	TargetATR  float64 // target distance in ATR multiples
	Qty        int64   // fixed lot size per signal
	Confidence int     // 0-100 stamped on emitted signals
}

// DefaultBreakoutConfig returns the standard channel-breakout tuning.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		Lookback:   20,
		ATRPeriod:  14,
		StopATR:    1.5,
		TargetATR:  3.0,
		Qty:        1,
		Confidence: 60,
	}
}

// Breakout emits a signal when the latest close clears the prior N-bar
// high (long) or low (short). Stops and targets are ATR multiples so the
// geometry adapts to recent volatility.
type Breakout struct {
	cfg BreakoutConfig
	lib model.IndicatorLibrary
}

func NewBreakout(cfg BreakoutConfig, lib model.IndicatorLibrary) *Breakout {
	return &Breakout{cfg: cfg, lib: lib}
}

func (b *Breakout) ID() string { return model.StrategyBreakout }

func (b *Breakout) Generate(bars []model.Bar) *model.Signal {
	if len(bars) < b.cfg.Lookback+1 {
		return nil
	}
	last := bars[len(bars)-1]
	window := bars[len(bars)-1-b.cfg.Lookback : len(bars)-1]

	hi, lo := window[0].High, window[0].Low
	for _, bar := range window[1:] {
		if bar.High > hi {
			hi = bar.High
		}
		if bar.Low < lo {
			lo = bar.Low
		}
	}

	atr := lastValue(b.lib.ATR(bars, b.cfg.ATRPeriod))
	if math.IsNaN(atr) || atr <= 0 {
		return nil
	}
	// Indicators work in major units, prices in minor. Round to a whole
	// minor unit so stop and target land on quotable prices.
	stopDist := int64(math.Round(atr * b.cfg.StopATR * 100))
	targetDist := int64(math.Round(atr * b.cfg.TargetATR * 100))
	if stopDist <= 0 {
		return nil
	}

	switch {
	case last.Close > hi:
		return &model.Signal{
			Instrument: last.Instrument,
			Direction:  model.Long,
			Entry:      last.Close,
			Stop:       last.Close - stopDist,
			Target:     last.Close + targetDist,
			Qty:        b.cfg.Qty,
			StrategyID: b.ID(),
			Confidence: b.cfg.Confidence,
			Rationale:  fmt.Sprintf("close %d above %d-bar high %d", last.Close, b.cfg.Lookback, hi),
		}
	case last.Close < lo:
		return &model.Signal{
			Instrument: last.Instrument,
			Direction:  model.Short,
			Entry:      last.Close,
			Stop:       last.Close + stopDist,
			Target:     last.Close - targetDist,
			Qty:        b.cfg.Qty,
			StrategyID: b.ID(),
			Confidence: b.cfg.Confidence,
			Rationale:  fmt.Sprintf("close %d below %d-bar low %d", last.Close, b.cfg.Lookback, lo),
		}
	}
	return nil
}
