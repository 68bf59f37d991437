// Package store is the single piece of mutable state shared between
// tasks. One mutex guards everything; every operation is O(1)-ish pure
// computation and never suspends, so worst-case hold time stays bounded
// for the supervisor. Readers always receive deep copies.
package store

import (
	"sync"
	"time"

	"bmscode-go/safety"
	"bmscode-go/types"
)

// State is a consistent view of everything the store guards. No State
// ever mixes fields from two publish cycles.
type State struct {
	Snapshot    types.SensorSnapshot
	Derived     types.DerivedMetrics
	Safety      types.SafetyState
	LastCommand types.ActuatorCommand
	PublishedAt time.Time
}

type Store struct {
	mu      sync.Mutex
	machine *safety.Machine
	soc     types.SoCWindow

	snap    types.SensorSnapshot
	derived types.DerivedMetrics
	lastCmd types.ActuatorCommand
	pubAt   time.Time
	seq     uint64
}

func New(lim safety.Limits) *Store {
	return &Store{
		machine: safety.NewMachine(lim),
		soc: types.SoCWindow{
			EmptyMV: lim.CellUVFaultMV,
			FullMV:  lim.CellOVFaultMV,
		},
	}
}

// Publish installs a new snapshot and recomputes the derived metrics.
// Acquisition is the only caller. The store assigns the sequence number
// and publish time, establishing the happens-before edge the supervisor
// relies on.
func (st *Store) Publish(s types.SensorSnapshot) uint64 {
	c := s.Clone()
	st.mu.Lock()
	defer st.mu.Unlock()
	st.seq++
	c.Seq = st.seq
	st.snap = c
	st.derived = types.Derive(c, st.soc)
	st.pubAt = time.Now()
	return st.seq
}

// Read returns a consistent copy of all fields.
func (st *Store) Read() State {
	st.mu.Lock()
	defer st.mu.Unlock()
	return State{
		Snapshot:    st.snap.Clone(),
		Derived:     st.derived,
		Safety:      st.machine.State(),
		LastCommand: st.lastCmd,
		PublishedAt: st.pubAt,
	}
}

// StepSafety folds a rule evaluation into the safety machine.
// Supervisor-only.
func (st *Store) StepSafety(now time.Time, ev safety.Evaluation) types.SafetyState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.machine.Step(now, ev)
}

// ForceFault raises the machine to at least Fault with the given reason
// (actuator faults, internal errors).
func (st *Store) ForceFault(now time.Time, r types.Reason) types.SafetyState {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.machine.Force(now, r)
}

// SetCommand records the last actuator command pushed by the supervisor.
func (st *Store) SetCommand(cmd types.ActuatorCommand) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.lastCmd = cmd
}

// Reset applies the operator de-escalation through the same lock the
// supervisor steps under, so it is atomic with respect to control
// cycles. The machine enforces the precondition; on rejection nothing
// changes.
func (st *Store) Reset(now time.Time) (types.SafetyState, error) {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.machine.Reset(now)
}
