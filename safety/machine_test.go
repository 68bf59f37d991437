package safety

import (
	"testing"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/types"
)

func TestSeverityOnlyRises(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()

	st := m.Step(now, Evaluation{Fault: types.ReasonSet(types.ReasonOvervoltage)})
	if st.Severity != types.SeverityFault {
		t.Fatalf("severity = %s, want fault", st.Severity)
	}

	// Condition clears; without a reset the severity must hold.
	st = m.Step(now.Add(time.Second), Evaluation{})
	if st.Severity != types.SeverityFault {
		t.Fatalf("severity dropped to %s without reset", st.Severity)
	}
	if !st.Active.Empty() {
		t.Fatalf("active reasons should have cleared: %s", st.Active)
	}
	if !st.Sticky.Has(types.ReasonOvervoltage) {
		t.Fatalf("sticky must remember overvoltage")
	}
}

func TestImmediateLatch(t *testing.T) {
	m := NewMachine(testLimits())
	ov := types.ReasonSet(types.ReasonOvervoltage)
	st := m.Step(time.Now(), Evaluation{Fault: ov, Latch: ov})
	if st.Severity != types.SeverityLatched {
		t.Fatalf("latch-tier reason must latch at once, got %s", st.Severity)
	}
}

func TestDebounceLatch(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	ev := Evaluation{Fault: types.ReasonSet(types.ReasonOvertemperature)}

	st := m.Step(now, ev)
	if st.Severity != types.SeverityFault {
		t.Fatalf("severity = %s, want fault", st.Severity)
	}
	st = m.Step(now.Add(4*time.Second), ev)
	if st.Severity != types.SeverityFault {
		t.Fatalf("4s < 5s debounce must not latch yet, got %s", st.Severity)
	}
	st = m.Step(now.Add(5*time.Second), ev)
	if st.Severity != types.SeverityLatched {
		t.Fatalf("sustained fault past debounce must latch, got %s", st.Severity)
	}
}

func TestDebounceResetsWhenFaultClears(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	ev := Evaluation{Fault: types.ReasonSet(types.ReasonOvertemperature)}

	m.Step(now, ev)
	m.Step(now.Add(3*time.Second), Evaluation{}) // gap interrupts the stretch
	st := m.Step(now.Add(4*time.Second), ev)
	st = m.Step(now.Add(8*time.Second), ev) // 4s into the new stretch
	if st.Severity == types.SeverityLatched {
		t.Fatalf("interrupted fault stretch must restart the debounce")
	}
}

func TestResetRejectedWhileFaultActive(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	m.Step(now, Evaluation{Fault: types.ReasonSet(types.ReasonUndervoltage)})

	st, err := m.Reset(now.Add(time.Second))
	if errcode.Of(err) != errcode.PreconditionFailed {
		t.Fatalf("reset with fault-tier reason active: err = %v", err)
	}
	if st.Severity != types.SeverityFault {
		t.Fatalf("rejected reset must not change state, got %s", st.Severity)
	}
}

func TestResetAfterConditionCleared(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	m.Step(now, Evaluation{Fault: types.ReasonSet(types.ReasonOvervoltage)})
	m.Step(now.Add(time.Second), Evaluation{})

	st, err := m.Reset(now.Add(2 * time.Second))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.Severity != types.SeverityNormal {
		t.Fatalf("severity = %s, want normal", st.Severity)
	}
	if !st.Sticky.Empty() {
		t.Fatalf("sticky must collapse on reset, got %s", st.Sticky)
	}
}

func TestResetWithWarningStillMeasured(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	m.Step(now, Evaluation{Fault: types.ReasonSet(types.ReasonOvercurrent)})
	m.Step(now.Add(time.Second), Evaluation{Warn: types.ReasonSet(types.ReasonOvervoltage)})

	st, err := m.Reset(now.Add(2 * time.Second))
	if err != nil {
		t.Fatalf("reset: %v", err)
	}
	if st.Severity != types.SeverityWarning {
		t.Fatalf("measured warning must survive reset as Warning, got %s", st.Severity)
	}
}

func TestLatchedRejectsResetUntilClear(t *testing.T) {
	m := NewMachine(testLimits())
	now := time.Now()
	ov := types.ReasonSet(types.ReasonOvervoltage)
	m.Step(now, Evaluation{Fault: ov, Latch: ov})

	if _, err := m.Reset(now.Add(time.Second)); err == nil {
		t.Fatalf("reset must fail while latch reason is measured")
	}

	m.Step(now.Add(2*time.Second), Evaluation{})
	st, err := m.Reset(now.Add(3 * time.Second))
	if err != nil {
		t.Fatalf("reset after clear: %v", err)
	}
	if st.Severity != types.SeverityNormal {
		t.Fatalf("severity = %s, want normal", st.Severity)
	}
}

func TestForceRaisesToFault(t *testing.T) {
	m := NewMachine(testLimits())
	st := m.Force(time.Now(), types.ReasonActuatorFault)
	if st.Severity != types.SeverityFault {
		t.Fatalf("severity = %s, want fault", st.Severity)
	}
	if !st.ActiveFault.Has(types.ReasonActuatorFault) {
		t.Fatalf("forced reason must be fault tier")
	}
}
