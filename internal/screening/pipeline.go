// Package screening gates every candidate signal behind an ordered list of
// independently togglable validators ("levels").
//
// Levels are classified critical or advisory. A critical level's failure
// always blocks the signal, even when the pipeline is configured
// fail-open. An advisory level's internal error is treated as a pass under
// fail-open (logged, never silently ignored) and as a block under
// fail-closed. Critical levels are evaluated unconditionally; advisory
// levels short-circuit after the first block.
package screening

import (
	"fmt"
	"log"
	"time"

	"tradecore/internal/audit"
	"tradecore/internal/model"
)

// MarketState is the market context a signal is screened against.
type MarketState struct {
	Bars           []model.Bar // the signal instrument's bars, oldest first
	LastPrice      int64       // minor units
	AdvanceDecline float64     // breadth across the universe, -1..1
	Now            time.Time
}

// Level is one validator in the pipeline.
type Level interface {
	// Name is the stable identifier used for enable/disable and audit.
	Name() string

	// Critical levels block unconditionally on failure or error.
	Critical() bool

	// Check returns (passed, reason, err). reason explains a block in
	// human-readable terms; err signals an internal evaluation problem
	// (missing data, NaN indicator), handled per fail-open policy.
	Check(sig model.Signal, mkt *MarketState, open []model.Position) (bool, string, error)
}

// Config controls pipeline-wide behavior.
type Config struct {
	// FailOpen treats advisory level errors as passes. Critical levels
	// are unaffected.
	FailOpen bool

	// Disabled lists level names to skip entirely.
	Disabled []string
}

// Pipeline runs levels in registration order.
type Pipeline struct {
	levels   []Level
	disabled map[string]bool
	failOpen bool
	rec      audit.Recorder
}

// New builds a pipeline over the given ordered levels.
func New(cfg Config, levels []Level, rec audit.Recorder) *Pipeline {
	disabled := make(map[string]bool, len(cfg.Disabled))
	for _, name := range cfg.Disabled {
		disabled[name] = true
	}
	if rec == nil {
		rec = audit.Nop{}
	}
	return &Pipeline{
		levels:   levels,
		disabled: disabled,
		failOpen: cfg.FailOpen,
		rec:      rec,
	}
}

// Levels returns the names of all registered levels in evaluation order.
func (p *Pipeline) Levels() []string {
	out := make([]string, len(p.levels))
	for i, l := range p.levels {
		out[i] = l.Name()
	}
	return out
}

// Validate screens a signal. The verdict is recorded for audit whether it
// passes or not; a blocked signal always carries a human-readable reason.
func (p *Pipeline) Validate(sig model.Signal, mkt *MarketState, open []model.Position) model.Verdict {
	verdict := model.Verdict{Passed: true, Reason: "all levels passed"}
	failOpenErrors := make([]string, 0)

	for _, level := range p.levels {
		name := level.Name()
		if p.disabled[name] {
			continue
		}
		// Advisory levels short-circuit once the signal is blocked;
		// critical levels always run so their verdicts are authoritative.
		if !verdict.Passed && !level.Critical() {
			continue
		}

		ok, reason, err := level.Check(sig, mkt, open)

		if err != nil {
			if level.Critical() {
				log.Printf("[screening] critical level %s error for %s: %v", name, sig.Instrument, err)
				p.block(&verdict, name, fmt.Sprintf("critical level error: %v", err), true)
				continue
			}
			if p.failOpen {
				log.Printf("[screening] advisory level %s error for %s, fail-open pass: %v", name, sig.Instrument, err)
				failOpenErrors = append(failOpenErrors, name)
				continue
			}
			log.Printf("[screening] advisory level %s error for %s, fail-closed block: %v", name, sig.Instrument, err)
			p.block(&verdict, name, fmt.Sprintf("level error under fail-closed: %v", err), false)
			continue
		}

		if !ok {
			p.block(&verdict, name, reason, level.Critical())
		}
	}

	fields := map[string]any{
		"strategy":   sig.StrategyID,
		"direction":  string(sig.Direction),
		"confidence": sig.Confidence,
		"passed":     verdict.Passed,
	}
	if len(failOpenErrors) > 0 {
		fields["fail_open_errors"] = failOpenErrors
	}
	if !verdict.Passed {
		fields["blocking_level"] = verdict.BlockingLevel
		fields["critical"] = verdict.Critical
	}
	p.rec.Record(audit.Event{
		TS:         time.Now().UTC(),
		Kind:       audit.KindVerdict,
		Instrument: sig.Instrument,
		Reason:     verdict.Reason,
		Fields:     fields,
	})
	return verdict
}

// block records a failure. The first blocking level wins the verdict
// fields, except that a critical block always overrides an advisory one.
func (p *Pipeline) block(v *model.Verdict, name, reason string, critical bool) {
	if v.Passed || (critical && !v.Critical) {
		v.BlockingLevel = name
		v.Reason = fmt.Sprintf("blocked by %s: %s", name, reason)
		v.Critical = critical
	}
	v.Passed = false
}
