package model

// Direction is the side of a trade or position.
type Direction string

const (
	Long  Direction = "LONG"
	Short Direction = "SHORT"
)

// Opposite returns the closing side for a direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// Strategy identifiers carried on signals. Breakout signals take the
// retest path before ordering; mean-reversion signals order directly.
const (
	StrategyBreakout      = "breakout"
	StrategyMeanReversion = "mean_reversion"
)

// Signal is a candidate trade emitted by a strategy generator.
// Immutable once created; consumed by the screening pipeline.
type Signal struct {
	Instrument string    `json:"instrument"`
	Direction  Direction `json:"direction"`
	Entry      int64     `json:"entry"`  // minor units
	Stop       int64     `json:"stop"`   // minor units, protective stop
	Target     int64     `json:"target"` // minor units
	Qty        int64     `json:"qty"`
	StrategyID string    `json:"strategy_id"`
	Confidence int       `json:"confidence"` // 0-100
	Rationale  string    `json:"rationale"`
}

// Risk returns the entry-to-stop distance in minor units (always positive).
func (s *Signal) Risk() int64 {
	r := s.Entry - s.Stop
	if s.Direction == Short {
		r = s.Stop - s.Entry
	}
	return r
}

// Verdict is the outcome of screening a signal.
type Verdict struct {
	Passed        bool   `json:"passed"`
	BlockingLevel string `json:"blocking_level,omitempty"` // name of the level that blocked
	Reason        string `json:"reason"`
	Critical      bool   `json:"critical"` // the blocking level was a critical one
}
