// Package safety holds the protection rule set and the
// Normal/Warning/Fault/Latched-Shutdown state machine. Everything here is
// pure computation over snapshots so the store can run machine steps
// under its lock and the supervisor can evaluate rules outside it.
package safety

import (
	"time"

	"bmscode-go/config"
	"bmscode-go/types"
	"bmscode-go/x/mathx"
)

// Limits is the rule configuration, frozen at startup.
type Limits struct {
	CellOVWarnMV  int32
	CellOVFaultMV int32
	CellOVLatchMV int32
	CellUVWarnMV  int32
	CellUVFaultMV int32

	OverTempWarnMC  int32
	OverTempFaultMC int32

	CurrentWarnMA  int32
	CurrentFaultMA int32

	RateLimitMVPerS int32
	InvalidFraction float64
	Staleness       time.Duration
	LatchDebounce   time.Duration
}

// LimitsFrom copies the relevant configuration.
func LimitsFrom(c *config.Config) Limits {
	l := c.Limits
	return Limits{
		CellOVWarnMV:    l.CellOVWarnMV,
		CellOVFaultMV:   l.CellOVFaultMV,
		CellOVLatchMV:   l.CellOVLatchMV,
		CellUVWarnMV:    l.CellUVWarnMV,
		CellUVFaultMV:   l.CellUVFaultMV,
		OverTempWarnMC:  l.OverTempWarnMC,
		OverTempFaultMC: l.OverTempFaultMC,
		CurrentWarnMA:   l.CurrentWarnMA,
		CurrentFaultMA:  l.CurrentFaultMA,
		RateLimitMVPerS: l.RateLimitMVPerS,
		InvalidFraction: l.InvalidFraction,
		Staleness:       c.StalenessBound(),
		LatchDebounce:   c.Timing.LatchDebounce,
	}
}

// HistPoint is one entry of the supervisor's rolling window.
type HistPoint struct {
	Taken     time.Time
	CellMV    []int32
	CellValid []bool
}

// Evaluation is the aggregated outcome of one rule pass. Warn and Fault
// are disjoint tiers of the same reason space; Latch is the subset that
// latches immediately regardless of debounce.
type Evaluation struct {
	Warn  types.ReasonSet
	Fault types.ReasonSet
	Latch types.ReasonSet
}

// Active returns the union of both tiers.
func (e Evaluation) Active() types.ReasonSet { return e.Warn | e.Fault }

type rule func(now time.Time, s types.SensorSnapshot, hist []HistPoint, lim Limits, ev *Evaluation)

var rules = []rule{
	ruleCellVoltage,
	ruleCurrent,
	ruleTemperature,
	ruleSensorValidity,
	ruleStaleness,
	ruleVoltageRate,
}

// Evaluate runs every rule against the snapshot and history window.
// Rules are independent: a panic inside one contributes nothing and the
// remaining rules still run. Ambiguity is unsafe, so a paniced rule also
// raises a fault-tier internal reason.
func Evaluate(now time.Time, s types.SensorSnapshot, hist []HistPoint, lim Limits) Evaluation {
	var ev Evaluation
	for _, r := range rules {
		runRule(r, now, s, hist, lim, &ev)
	}
	return ev
}

func runRule(r rule, now time.Time, s types.SensorSnapshot, hist []HistPoint, lim Limits, ev *Evaluation) {
	defer func() {
		if rec := recover(); rec != nil {
			ev.Fault = ev.Fault.With(types.ReasonInternal)
		}
	}()
	r(now, s, hist, lim, ev)
}

func ruleCellVoltage(_ time.Time, s types.SensorSnapshot, _ []HistPoint, lim Limits, ev *Evaluation) {
	for i, mv := range s.CellMV {
		if !s.CellValid[i] {
			continue
		}
		switch {
		case mv >= lim.CellOVLatchMV:
			ev.Fault = ev.Fault.With(types.ReasonOvervoltage)
			ev.Latch = ev.Latch.With(types.ReasonOvervoltage)
		case mv >= lim.CellOVFaultMV:
			ev.Fault = ev.Fault.With(types.ReasonOvervoltage)
		case mv >= lim.CellOVWarnMV:
			ev.Warn = ev.Warn.With(types.ReasonOvervoltage)
		}
		switch {
		case mv <= lim.CellUVFaultMV:
			ev.Fault = ev.Fault.With(types.ReasonUndervoltage)
		case mv <= lim.CellUVWarnMV:
			ev.Warn = ev.Warn.With(types.ReasonUndervoltage)
		}
	}
}

func ruleCurrent(_ time.Time, s types.SensorSnapshot, _ []HistPoint, lim Limits, ev *Evaluation) {
	if !s.PackValid {
		return
	}
	mag := mathx.Abs(s.PackMA)
	switch {
	case mag >= lim.CurrentFaultMA:
		ev.Fault = ev.Fault.With(types.ReasonOvercurrent)
	case mag >= lim.CurrentWarnMA:
		ev.Warn = ev.Warn.With(types.ReasonOvercurrent)
	}
}

func ruleTemperature(_ time.Time, s types.SensorSnapshot, _ []HistPoint, lim Limits, ev *Evaluation) {
	for i, mc := range s.TempMC {
		if !s.TempValid[i] {
			continue
		}
		switch {
		case mc >= lim.OverTempFaultMC:
			ev.Fault = ev.Fault.With(types.ReasonOvertemperature)
		case mc >= lim.OverTempWarnMC:
			ev.Warn = ev.Warn.With(types.ReasonOvertemperature)
		}
	}
}

func ruleSensorValidity(_ time.Time, s types.SensorSnapshot, _ []HistPoint, lim Limits, ev *Evaluation) {
	if s.InvalidFraction() > lim.InvalidFraction {
		ev.Fault = ev.Fault.With(types.ReasonSensorFault)
	}
}

// ruleStaleness turns missed acquisition cycles into communication_loss:
// correctness must not depend on task wake order, so the supervisor
// checks the snapshot's age rather than trusting any cross-task signal.
func ruleStaleness(now time.Time, s types.SensorSnapshot, _ []HistPoint, lim Limits, ev *Evaluation) {
	if s.Taken.IsZero() || now.Sub(s.Taken) > lim.Staleness {
		ev.Fault = ev.Fault.With(types.ReasonCommLoss)
	}
}

// ruleVoltageRate flags any cell whose voltage slope across the history
// window exceeds the configured mV/s bound. Warning tier: the absolute
// bounds remain the authority on actual limits.
func ruleVoltageRate(_ time.Time, _ types.SensorSnapshot, hist []HistPoint, lim Limits, ev *Evaluation) {
	if lim.RateLimitMVPerS <= 0 || len(hist) < 2 {
		return
	}
	oldest, newest := hist[0], hist[len(hist)-1]
	dt := newest.Taken.Sub(oldest.Taken).Seconds()
	if dt <= 0 {
		return
	}
	n := min(len(oldest.CellMV), len(newest.CellMV))
	for i := 0; i < n; i++ {
		if !oldest.CellValid[i] || !newest.CellValid[i] {
			continue
		}
		d := mathx.Abs(newest.CellMV[i] - oldest.CellMV[i])
		if float64(d)/dt > float64(lim.RateLimitMVPerS) {
			ev.Warn = ev.Warn.With(types.ReasonVoltageRate)
			return
		}
	}
}
