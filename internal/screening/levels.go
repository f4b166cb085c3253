package screening

import (
	"fmt"
	"math"
	"time"

	"tradecore/internal/indicator"
	"tradecore/internal/model"
)

// RiskLimits configures the portfolio risk level.
type RiskLimits struct {
	MaxOpenPositions int   `json:"max_open_positions"`
	MaxRiskPerTrade  int64 `json:"max_risk_per_trade"` // qty x entry-to-stop, minor units
	MaxExposure      int64 `json:"max_exposure"`       // total qty x entry across positions, minor units
}

// DefaultRiskLimits returns conservative defaults.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxOpenPositions: 5,
		MaxRiskPerTrade:  50_000_00,    // 50k minor units of risk
		MaxExposure:      1_000_000_00, // 1M minor units notional
	}
}

// DefaultLevels returns the full pipeline in evaluation order: critical
// levels first, then advisory filters.
func DefaultLevels(limits RiskLimits, blacklist []string) []Level {
	return []Level{
		NewBlacklist(blacklist),
		NewPortfolioRisk(limits),
		NewDataFreshness(5 * time.Minute),
		NewTrendAlignment(50),
		NewVolatilityBand(14, 10, 300),
		NewSupportResistance(20, 30),
		NewGapAnalysis(150),
		NewRangeCompression(5, 20, 0.8),
		NewMarketBreadth(),
		NewVolumeFloor(20, 10),
		NewEntryTiming(50),
		NewRiskReward(1.5),
		NewHeuristicScore(55),
	}
}

// bps converts a basis-point fraction of price to minor units.
func bps(price int64, points int64) int64 {
	return price * points / 10_000
}

// ---- Blacklist (critical) ----

// Blacklist blocks instruments on the configured deny list.
type Blacklist struct {
	set map[string]bool
}

func NewBlacklist(instruments []string) *Blacklist {
	set := make(map[string]bool, len(instruments))
	for _, s := range instruments {
		set[s] = true
	}
	return &Blacklist{set: set}
}

func (b *Blacklist) Name() string   { return "symbol_blacklist" }
func (b *Blacklist) Critical() bool { return true }

func (b *Blacklist) Check(sig model.Signal, _ *MarketState, _ []model.Position) (bool, string, error) {
	if b.set[sig.Instrument] {
		return false, fmt.Sprintf("%s is blacklisted", sig.Instrument), nil
	}
	return true, "", nil
}

// ---- Portfolio risk (critical) ----

// PortfolioRisk enforces position count, per-trade risk, and total
// exposure ceilings. Always evaluated, never fail-open.
type PortfolioRisk struct {
	limits RiskLimits
}

func NewPortfolioRisk(limits RiskLimits) *PortfolioRisk {
	return &PortfolioRisk{limits: limits}
}

func (r *PortfolioRisk) Name() string   { return "portfolio_risk" }
func (r *PortfolioRisk) Critical() bool { return true }

func (r *PortfolioRisk) Check(sig model.Signal, _ *MarketState, open []model.Position) (bool, string, error) {
	if len(open) >= r.limits.MaxOpenPositions {
		return false, fmt.Sprintf("max open positions reached (%d)", r.limits.MaxOpenPositions), nil
	}

	risk := sig.Risk() * sig.Qty
	if risk <= 0 {
		return false, "signal has non-positive risk (stop on wrong side of entry)", nil
	}
	if risk > r.limits.MaxRiskPerTrade {
		return false, fmt.Sprintf("trade risk %d exceeds limit %d", risk, r.limits.MaxRiskPerTrade), nil
	}

	exposure := sig.Entry * sig.Qty
	for _, p := range open {
		exposure += p.EntryPrice * p.Qty
	}
	if exposure > r.limits.MaxExposure {
		return false, fmt.Sprintf("total exposure %d exceeds limit %d", exposure, r.limits.MaxExposure), nil
	}
	return true, "", nil
}

// ---- Data freshness (advisory) ----

// DataFreshness rejects signals computed from stale bars.
type DataFreshness struct {
	maxAge time.Duration
}

func NewDataFreshness(maxAge time.Duration) *DataFreshness {
	return &DataFreshness{maxAge: maxAge}
}

func (d *DataFreshness) Name() string   { return "data_freshness" }
func (d *DataFreshness) Critical() bool { return false }

func (d *DataFreshness) Check(_ model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if len(mkt.Bars) == 0 {
		return false, "", model.ErrInsufficientData
	}
	age := mkt.Now.Sub(mkt.Bars[len(mkt.Bars)-1].Start)
	if age > d.maxAge {
		return false, fmt.Sprintf("last bar is %s old (max %s)", age.Round(time.Second), d.maxAge), nil
	}
	return true, "", nil
}

// ---- Trend alignment (advisory) ----

// TrendAlignment requires price to be on the right side of the long SMA.
type TrendAlignment struct {
	period int
}

func NewTrendAlignment(period int) *TrendAlignment {
	return &TrendAlignment{period: period}
}

func (t *TrendAlignment) Name() string   { return "trend_alignment" }
func (t *TrendAlignment) Critical() bool { return false }

func (t *TrendAlignment) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	sma := indicator.Last(indicator.SMA(mkt.Bars, t.period))
	if math.IsNaN(sma) {
		return false, "", fmt.Errorf("trend_alignment: %w", model.ErrInsufficientData)
	}
	price := float64(mkt.LastPrice) / 100.0
	if sig.Direction == model.Long && price < sma {
		return false, fmt.Sprintf("long against trend: price %.2f below SMA%d %.2f", price, t.period, sma), nil
	}
	if sig.Direction == model.Short && price > sma {
		return false, fmt.Sprintf("short against trend: price %.2f above SMA%d %.2f", price, t.period, sma), nil
	}
	return true, "", nil
}

// ---- Volatility band (advisory) ----

// VolatilityBand rejects dead or chaotic markets: ATR as a fraction of
// price must sit inside [minBps, maxBps].
type VolatilityBand struct {
	period         int
	minBps, maxBps int64
}

func NewVolatilityBand(period int, minBps, maxBps int64) *VolatilityBand {
	return &VolatilityBand{period: period, minBps: minBps, maxBps: maxBps}
}

func (v *VolatilityBand) Name() string   { return "volatility_band" }
func (v *VolatilityBand) Critical() bool { return false }

func (v *VolatilityBand) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	atr := indicator.Last(indicator.ATR(mkt.Bars, v.period))
	if math.IsNaN(atr) {
		return false, "", fmt.Errorf("volatility_band: %w", model.ErrInsufficientData)
	}
	price := float64(mkt.LastPrice) / 100.0
	if price <= 0 {
		return false, "", fmt.Errorf("volatility_band: no last price")
	}
	atrBps := atr / price * 10_000
	if atrBps < float64(v.minBps) {
		return false, fmt.Sprintf("volatility too low: ATR %.1f bps < %d", atrBps, v.minBps), nil
	}
	if atrBps > float64(v.maxBps) {
		return false, fmt.Sprintf("volatility too high: ATR %.1f bps > %d", atrBps, v.maxBps), nil
	}
	return true, "", nil
}

// ---- Support/resistance confluence (advisory) ----

// SupportResistance blocks entries placed directly into a recent extreme:
// longs just under the lookback high, shorts just above the lookback low.
type SupportResistance struct {
	lookback  int
	bufferBps int64
}

func NewSupportResistance(lookback int, bufferBps int64) *SupportResistance {
	return &SupportResistance{lookback: lookback, bufferBps: bufferBps}
}

func (s *SupportResistance) Name() string   { return "sr_confluence" }
func (s *SupportResistance) Critical() bool { return false }

func (s *SupportResistance) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if len(mkt.Bars) < s.lookback {
		return false, "", fmt.Errorf("sr_confluence: %w", model.ErrInsufficientData)
	}
	recent := mkt.Bars[len(mkt.Bars)-s.lookback:]
	high, low := recent[0].High, recent[0].Low
	for _, b := range recent {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	buffer := bps(sig.Entry, s.bufferBps)
	if sig.Direction == model.Long && sig.Entry < high && high-sig.Entry <= buffer {
		return false, fmt.Sprintf("entry %d sits under resistance %d", sig.Entry, high), nil
	}
	if sig.Direction == model.Short && sig.Entry > low && sig.Entry-low <= buffer {
		return false, fmt.Sprintf("entry %d sits above support %d", sig.Entry, low), nil
	}
	return true, "", nil
}

// ---- Gap analysis (advisory) ----

// GapAnalysis blocks entries straight after an outsized open gap.
type GapAnalysis struct {
	maxGapBps int64
}

func NewGapAnalysis(maxGapBps int64) *GapAnalysis {
	return &GapAnalysis{maxGapBps: maxGapBps}
}

func (g *GapAnalysis) Name() string   { return "gap_analysis" }
func (g *GapAnalysis) Critical() bool { return false }

func (g *GapAnalysis) Check(_ model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if len(mkt.Bars) < 2 {
		return false, "", fmt.Errorf("gap_analysis: %w", model.ErrInsufficientData)
	}
	last := mkt.Bars[len(mkt.Bars)-1]
	prev := mkt.Bars[len(mkt.Bars)-2]
	if prev.Close == 0 {
		return false, "", fmt.Errorf("gap_analysis: zero previous close")
	}
	gap := last.Open - prev.Close
	if gap < 0 {
		gap = -gap
	}
	if gap > bps(prev.Close, g.maxGapBps) {
		return false, fmt.Sprintf("gap of %d exceeds %d bps of prior close", gap, g.maxGapBps), nil
	}
	return true, "", nil
}

// ---- Range compression (advisory) ----

// RangeCompression requires the recent range to be tight relative to the
// prior window before a breakout entry, expansion out of compression is
// the higher-quality trigger. Non-breakout strategies pass through.
type RangeCompression struct {
	recent, prior int
	maxRatio      float64
}

func NewRangeCompression(recent, prior int, maxRatio float64) *RangeCompression {
	return &RangeCompression{recent: recent, prior: prior, maxRatio: maxRatio}
}

func (r *RangeCompression) Name() string   { return "range_compression" }
func (r *RangeCompression) Critical() bool { return false }

func (r *RangeCompression) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if sig.StrategyID != model.StrategyBreakout {
		return true, "", nil
	}
	need := r.recent + r.prior + 1 // breakout bar itself is excluded
	if len(mkt.Bars) < need {
		return false, "", fmt.Errorf("range_compression: %w", model.ErrInsufficientData)
	}
	// Skip the final (breakout) bar: compression is measured before it.
	bars := mkt.Bars[:len(mkt.Bars)-1]
	recentRange := barRange(bars[len(bars)-r.recent:])
	priorRange := barRange(bars[len(bars)-r.recent-r.prior : len(bars)-r.recent])
	if priorRange == 0 {
		return false, "", fmt.Errorf("range_compression: zero prior range")
	}
	ratio := float64(recentRange) / float64(priorRange)
	if ratio > r.maxRatio {
		return false, fmt.Sprintf("no compression before breakout: ratio %.2f > %.2f", ratio, r.maxRatio), nil
	}
	return true, "", nil
}

func barRange(bars []model.Bar) int64 {
	if len(bars) == 0 {
		return 0
	}
	high, low := bars[0].High, bars[0].Low
	for _, b := range bars {
		if b.High > high {
			high = b.High
		}
		if b.Low < low {
			low = b.Low
		}
	}
	return high - low
}

// ---- Market breadth (advisory) ----

// MarketBreadth requires the universe's advance/decline to lean the same
// way as the signal.
type MarketBreadth struct{}

func NewMarketBreadth() *MarketBreadth { return &MarketBreadth{} }

func (m *MarketBreadth) Name() string   { return "market_breadth" }
func (m *MarketBreadth) Critical() bool { return false }

func (m *MarketBreadth) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if sig.Direction == model.Long && mkt.AdvanceDecline < -0.5 {
		return false, fmt.Sprintf("breadth strongly negative (%.2f) for a long", mkt.AdvanceDecline), nil
	}
	if sig.Direction == model.Short && mkt.AdvanceDecline > 0.5 {
		return false, fmt.Sprintf("breadth strongly positive (%.2f) for a short", mkt.AdvanceDecline), nil
	}
	return true, "", nil
}

// ---- Volume floor (advisory) ----

// VolumeFloor rejects illiquid instruments: average bar volume over the
// lookback must clear the floor.
type VolumeFloor struct {
	lookback int
	min      int64
}

func NewVolumeFloor(lookback int, min int64) *VolumeFloor {
	return &VolumeFloor{lookback: lookback, min: min}
}

func (v *VolumeFloor) Name() string   { return "volume_floor" }
func (v *VolumeFloor) Critical() bool { return false }

func (v *VolumeFloor) Check(_ model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if len(mkt.Bars) < v.lookback {
		return false, "", fmt.Errorf("volume_floor: %w", model.ErrInsufficientData)
	}
	var sum int64
	for _, b := range mkt.Bars[len(mkt.Bars)-v.lookback:] {
		sum += b.Volume
	}
	avg := sum / int64(v.lookback)
	if avg < v.min {
		return false, fmt.Sprintf("average volume %d below floor %d", avg, v.min), nil
	}
	return true, "", nil
}

// ---- Entry timing (advisory) ----

// EntryTiming blocks signals whose entry has already drifted away from
// the live price, the setup is gone by the time we would order.
type EntryTiming struct {
	maxDriftBps int64
}

func NewEntryTiming(maxDriftBps int64) *EntryTiming {
	return &EntryTiming{maxDriftBps: maxDriftBps}
}

func (e *EntryTiming) Name() string   { return "entry_timing" }
func (e *EntryTiming) Critical() bool { return false }

func (e *EntryTiming) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	if mkt.LastPrice == 0 {
		return false, "", fmt.Errorf("entry_timing: no last price")
	}
	drift := sig.Entry - mkt.LastPrice
	if drift < 0 {
		drift = -drift
	}
	if drift > bps(sig.Entry, e.maxDriftBps) {
		return false, fmt.Sprintf("price drifted %d from entry %d (max %d bps)", drift, sig.Entry, e.maxDriftBps), nil
	}
	return true, "", nil
}

// ---- Risk/reward (advisory) ----

// RiskReward requires target distance to clear a multiple of stop distance.
type RiskReward struct {
	min float64
}

func NewRiskReward(min float64) *RiskReward { return &RiskReward{min: min} }

func (r *RiskReward) Name() string   { return "risk_reward" }
func (r *RiskReward) Critical() bool { return false }

func (r *RiskReward) Check(sig model.Signal, _ *MarketState, _ []model.Position) (bool, string, error) {
	risk := sig.Risk()
	if risk <= 0 {
		return false, "stop on wrong side of entry", nil
	}
	reward := sig.Target - sig.Entry
	if sig.Direction == model.Short {
		reward = sig.Entry - sig.Target
	}
	rr := float64(reward) / float64(risk)
	if rr < r.min {
		return false, fmt.Sprintf("risk/reward %.2f below minimum %.2f", rr, r.min), nil
	}
	return true, "", nil
}

// ---- Heuristic score (advisory) ----

// HeuristicScore combines signal confidence with momentum positioning
// into a 0-100 score and applies a floor. A crude stand-in for a model
// score, kept deliberately transparent.
type HeuristicScore struct {
	minScore int
}

func NewHeuristicScore(minScore int) *HeuristicScore {
	return &HeuristicScore{minScore: minScore}
}

func (h *HeuristicScore) Name() string   { return "heuristic_score" }
func (h *HeuristicScore) Critical() bool { return false }

func (h *HeuristicScore) Check(sig model.Signal, mkt *MarketState, _ []model.Position) (bool, string, error) {
	rsi := indicator.Last(indicator.RSI(mkt.Bars, 14))
	if math.IsNaN(rsi) {
		return false, "", fmt.Errorf("heuristic_score: %w", model.ErrInsufficientData)
	}

	// Momentum component: for longs, reward RSI in the 50-70 sweet spot;
	// mirror for shorts.
	momentum := rsi
	if sig.Direction == model.Short {
		momentum = 100 - rsi
	}
	var momScore float64
	switch {
	case momentum >= 50 && momentum <= 70:
		momScore = 100
	case momentum > 70:
		momScore = 100 - (momentum-70)*2 // overextended
	default:
		momScore = momentum * 2 // weak
	}

	score := int(0.6*float64(sig.Confidence) + 0.4*momScore)
	if score < h.minScore {
		return false, fmt.Sprintf("composite score %d below floor %d", score, h.minScore), nil
	}
	return true, "", nil
}
