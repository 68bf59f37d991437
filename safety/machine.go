package safety

import (
	"time"

	"bmscode-go/errcode"
	"bmscode-go/types"
)

// Machine is the safety state machine. Severity only ever rises on its
// own; the single way down is Reset, and Latched-Shutdown additionally
// requires that no fault-tier reason is still measured. Machine is not
// goroutine-safe: the store owns one and serialises access through its
// mutex.
type Machine struct {
	lim Limits

	sev        types.Severity
	active     types.ReasonSet
	faultTier  types.ReasonSet
	sticky     types.ReasonSet
	changedAt  time.Time
	faultSince time.Time // start of the current uninterrupted fault-tier stretch
}

func NewMachine(lim Limits) *Machine {
	return &Machine{lim: lim}
}

// State returns the externally visible safety state.
func (m *Machine) State() types.SafetyState {
	return types.SafetyState{
		Severity:    m.sev,
		Active:      m.active,
		ActiveFault: m.faultTier,
		Sticky:      m.sticky,
		ChangedAt:   m.changedAt,
	}
}

// Step folds one evaluation into the machine. Transitions are monotonic:
// the new severity is the maximum of the previous one and the severity
// demanded by the evaluation, latching included.
func (m *Machine) Step(now time.Time, ev Evaluation) types.SafetyState {
	m.active = ev.Active()
	m.faultTier = ev.Fault
	m.sticky |= m.active

	target := types.SeverityNormal
	switch {
	case !ev.Fault.Empty():
		target = types.SeverityFault
	case !ev.Warn.Empty():
		target = types.SeverityWarning
	}

	// Debounce toward latch: an uninterrupted fault-tier stretch longer
	// than the bound behaves like an always-latching reason.
	if ev.Fault.Empty() {
		m.faultSince = time.Time{}
	} else if m.faultSince.IsZero() {
		m.faultSince = now
	}
	if !ev.Latch.Empty() || (!m.faultSince.IsZero() && now.Sub(m.faultSince) >= m.lim.LatchDebounce) {
		target = types.SeverityLatched
	}

	if target > m.sev {
		m.sev = target
		m.changedAt = now
	}
	return m.State()
}

// Force raises the machine to at least Fault with the given reason. Used
// for internal errors and actuator faults, where ambiguity is treated as
// unsafe.
func (m *Machine) Force(now time.Time, r types.Reason) types.SafetyState {
	m.active = m.active.With(r)
	m.faultTier = m.faultTier.With(r)
	m.sticky = m.sticky.With(r)
	if m.faultSince.IsZero() {
		m.faultSince = now
	}
	if m.sev < types.SeverityFault {
		m.sev = types.SeverityFault
		m.changedAt = now
	}
	return m.State()
}

// Reset is the explicit operator de-escalation. Precondition: no
// fault-tier reason may currently be measured; otherwise the state is
// left untouched and errcode.PreconditionFailed is returned. On success
// the severity is recomputed from the measured warning reasons alone and
// the sticky set collapses to them.
func (m *Machine) Reset(now time.Time) (types.SafetyState, error) {
	if !m.faultTier.Empty() {
		return m.State(), &errcode.E{
			C:   errcode.PreconditionFailed,
			Op:  "safety.reset",
			Msg: "fault-tier reasons still active: " + m.faultTier.String(),
		}
	}
	target := types.SeverityNormal
	if !m.active.Empty() {
		target = types.SeverityWarning
	}
	if target != m.sev {
		m.changedAt = now
	}
	m.sev = target
	m.sticky = m.active
	m.faultSince = time.Time{}
	return m.State(), nil
}
