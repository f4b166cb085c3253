package strategy

import (
	"fmt"
	"math"

	"tradecore/internal/model"
)

// MeanRevConfig tunes the RSI reversion generator.
type MeanRevConfig struct {
	RSIPeriod  int
	Oversold   float64 // RSI at/below -> long setup
	Overbought float64 // RSI at/above -> short setup
	SMAPeriod  int     // mean the price is expected to revert to
	ATRPeriod  int
	StopATR    float64
	Qty        int64
	Confidence int // 0-100
}

// DefaultMeanRevConfig returns the standard reversion tuning.
func DefaultMeanRevConfig() MeanRevConfig {
	return MeanRevConfig{
		RSIPeriod:  14,
		Oversold:   30,
		Overbought: 70,
		SMAPeriod:  20,
		ATRPeriod:  14,
		StopATR:    1.5,
		Qty:        1,
		Confidence: 55,
	}
}

// MeanReversion emits a signal at RSI extremes, targeting the SMA. Only
// fires when price sits on the right side of the mean, otherwise the
// "reversion" would have nowhere to go.
type MeanReversion struct {
	cfg MeanRevConfig
	lib model.IndicatorLibrary
}

func NewMeanReversion(cfg MeanRevConfig, lib model.IndicatorLibrary) *MeanReversion {
	return &MeanReversion{cfg: cfg, lib: lib}
}

func (m *MeanReversion) ID() string { return model.StrategyMeanReversion }

func (m *MeanReversion) Generate(bars []model.Bar) *model.Signal {
	need := m.cfg.RSIPeriod
	if m.cfg.SMAPeriod > need {
		need = m.cfg.SMAPeriod
	}
	if len(bars) < need+1 {
		return nil
	}
	last := bars[len(bars)-1]

	rsi := lastValue(m.lib.RSI(bars, m.cfg.RSIPeriod))
	mean := lastValue(m.lib.SMA(bars, m.cfg.SMAPeriod))
	atr := lastValue(m.lib.ATR(bars, m.cfg.ATRPeriod))
	if math.IsNaN(rsi) || math.IsNaN(mean) || math.IsNaN(atr) || atr <= 0 {
		return nil
	}

	meanMinor := int64(math.Round(mean * 100))
	stopDist := int64(math.Round(atr * m.cfg.StopATR * 100))
	if stopDist <= 0 {
		return nil
	}

	switch {
	case rsi <= m.cfg.Oversold && last.Close < meanMinor:
		return &model.Signal{
			Instrument: last.Instrument,
			Direction:  model.Long,
			Entry:      last.Close,
			Stop:       last.Close - stopDist,
			Target:     meanMinor,
			Qty:        m.cfg.Qty,
			StrategyID: m.ID(),
			Confidence: m.cfg.Confidence,
			Rationale:  fmt.Sprintf("rsi %.1f oversold, close %d below sma %d", rsi, last.Close, meanMinor),
		}
	case rsi >= m.cfg.Overbought && last.Close > meanMinor:
		return &model.Signal{
			Instrument: last.Instrument,
			Direction:  model.Short,
			Entry:      last.Close,
			Stop:       last.Close + stopDist,
			Target:     meanMinor,
			Qty:        m.cfg.Qty,
			StrategyID: m.ID(),
			Confidence: m.cfg.Confidence,
			Rationale:  fmt.Sprintf("rsi %.1f overbought, close %d above sma %d", rsi, last.Close, meanMinor),
		}
	}
	return nil
}
