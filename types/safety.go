package types

import (
	"strings"
	"time"
)

// Severity orders the safety states. Comparisons rely on the numeric
// order, so new states must slot in between existing ones deliberately.
type Severity uint8

const (
	SeverityNormal Severity = iota
	SeverityWarning
	SeverityFault
	SeverityLatched
)

func (s Severity) String() string {
	switch s {
	case SeverityNormal:
		return "normal"
	case SeverityWarning:
		return "warning"
	case SeverityFault:
		return "fault"
	case SeverityLatched:
		return "latched_shutdown"
	default:
		return "unknown"
	}
}

// Reason is one independent violation flag. Multiple reasons can be
// active at once, so they are bit flags, not an enum.
type Reason uint16

const (
	ReasonOvervoltage Reason = 1 << iota
	ReasonUndervoltage
	ReasonOvercurrent
	ReasonOvertemperature
	ReasonVoltageRate
	ReasonSensorFault
	ReasonCommLoss
	ReasonActuatorFault
	ReasonInternal
)

var reasonNames = []struct {
	r    Reason
	name string
}{
	{ReasonOvervoltage, "overvoltage"},
	{ReasonUndervoltage, "undervoltage"},
	{ReasonOvercurrent, "overcurrent"},
	{ReasonOvertemperature, "overtemperature"},
	{ReasonVoltageRate, "voltage_rate"},
	{ReasonSensorFault, "sensor_fault"},
	{ReasonCommLoss, "communication_loss"},
	{ReasonActuatorFault, "actuator_fault"},
	{ReasonInternal, "internal"},
}

func (r Reason) String() string {
	for _, e := range reasonNames {
		if e.r == r {
			return e.name
		}
	}
	return "unknown"
}

// ReasonSet is a set of Reason flags.
type ReasonSet uint16

func (s ReasonSet) Has(r Reason) bool      { return s&ReasonSet(r) != 0 }
func (s ReasonSet) With(r Reason) ReasonSet { return s | ReasonSet(r) }
func (s ReasonSet) Empty() bool            { return s == 0 }

// Names returns the active flags in declaration order, for telemetry and
// the diagnostic console.
func (s ReasonSet) Names() []string {
	var out []string
	for _, e := range reasonNames {
		if s.Has(e.r) {
			out = append(out, e.name)
		}
	}
	return out
}

func (s ReasonSet) String() string {
	n := s.Names()
	if len(n) == 0 {
		return "none"
	}
	return strings.Join(n, ",")
}

// SafetyState is the supervisor-owned portion of shared state.
//
// Active holds the reasons measured in the most recent control cycle and
// ActiveFault its fault-tier subset. Sticky accumulates every reason seen
// since the last accepted reset so an operator can still see why a
// shutdown happened after the condition itself has cleared.
type SafetyState struct {
	Severity    Severity
	Active      ReasonSet
	ActiveFault ReasonSet
	Sticky      ReasonSet
	ChangedAt   time.Time
}
