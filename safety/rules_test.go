package safety

import (
	"testing"
	"time"

	"bmscode-go/types"
)

func testLimits() Limits {
	return Limits{
		CellOVWarnMV:    4150,
		CellOVFaultMV:   4200,
		CellOVLatchMV:   4450,
		CellUVWarnMV:    3300,
		CellUVFaultMV:   3200,
		OverTempWarnMC:  55_000,
		OverTempFaultMC: 60_000,
		CurrentWarnMA:   80_000,
		CurrentFaultMA:  100_000,
		RateLimitMVPerS: 250,
		InvalidFraction: 0.25,
		Staleness:       500 * time.Millisecond,
		LatchDebounce:   5 * time.Second,
	}
}

func healthySnapshot(now time.Time) types.SensorSnapshot {
	s := types.NewSnapshot(12, 2)
	s.Taken = now
	for i := range s.CellMV {
		s.CellMV[i] = 3700
		s.CellValid[i] = true
	}
	for i := range s.TempMC {
		s.TempMC[i] = 25_000
		s.TempValid[i] = true
	}
	s.PackMA = -1500
	s.PackValid = true
	return s
}

func TestHealthyPackEvaluatesClean(t *testing.T) {
	now := time.Now()
	ev := Evaluate(now, healthySnapshot(now), nil, testLimits())
	if !ev.Warn.Empty() || !ev.Fault.Empty() || !ev.Latch.Empty() {
		t.Fatalf("healthy pack produced %+v", ev)
	}
}

func TestSingleCellOvervoltageTrips(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now)
	s.CellMV[3] = 4350 // above fault, below latch

	ev := Evaluate(now, s, nil, testLimits())
	if !ev.Fault.Has(types.ReasonOvervoltage) {
		t.Fatalf("4350 mV on one cell must be fault tier, got %+v", ev)
	}
	if ev.Latch.Has(types.ReasonOvervoltage) {
		t.Fatalf("4350 mV must not latch immediately")
	}
}

func TestOvervoltageTiers(t *testing.T) {
	cases := []struct {
		mv    int32
		warn  bool
		fault bool
		latch bool
	}{
		{4149, false, false, false},
		{4150, true, false, false},
		{4200, false, true, false},
		{4450, false, true, true},
	}
	now := time.Now()
	for _, tc := range cases {
		s := healthySnapshot(now)
		s.CellMV[0] = tc.mv
		ev := Evaluate(now, s, nil, testLimits())
		if got := ev.Warn.Has(types.ReasonOvervoltage); got != tc.warn {
			t.Errorf("%d mV: warn=%v, want %v", tc.mv, got, tc.warn)
		}
		if got := ev.Fault.Has(types.ReasonOvervoltage); got != tc.fault {
			t.Errorf("%d mV: fault=%v, want %v", tc.mv, got, tc.fault)
		}
		if got := ev.Latch.Has(types.ReasonOvervoltage); got != tc.latch {
			t.Errorf("%d mV: latch=%v, want %v", tc.mv, got, tc.latch)
		}
	}
}

func TestInvalidCellDoesNotTripVoltageRules(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now)
	s.CellMV[5] = 5000
	s.CellValid[5] = false

	ev := Evaluate(now, s, nil, testLimits())
	if ev.Fault.Has(types.ReasonOvervoltage) || ev.Warn.Has(types.ReasonOvervoltage) {
		t.Fatalf("invalid channel value must be ignored, got %+v", ev)
	}
}

func TestCurrentMagnitude(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now)
	s.PackMA = -120_000 // regen direction, still over

	ev := Evaluate(now, s, nil, testLimits())
	if !ev.Fault.Has(types.ReasonOvercurrent) {
		t.Fatalf("|-120A| must be overcurrent fault, got %+v", ev)
	}
}

func TestInvalidFractionRaisesSensorFault(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now)
	// 5 of 15 channels invalid: above the 0.25 bound.
	for i := 0; i < 5; i++ {
		s.CellValid[i] = false
	}
	ev := Evaluate(now, s, nil, testLimits())
	if !ev.Fault.Has(types.ReasonSensorFault) {
		t.Fatalf("one third invalid must raise sensor_fault, got %+v", ev)
	}
}

func TestStaleSnapshotRaisesCommLoss(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now.Add(-time.Second))
	ev := Evaluate(now, s, nil, testLimits())
	if !ev.Fault.Has(types.ReasonCommLoss) {
		t.Fatalf("1s old snapshot against 500ms bound must raise communication_loss")
	}

	ev = Evaluate(now, types.NewSnapshot(12, 2), nil, testLimits())
	if !ev.Fault.Has(types.ReasonCommLoss) {
		t.Fatalf("snapshot never taken must raise communication_loss")
	}
}

func TestVoltageRateWarns(t *testing.T) {
	now := time.Now()
	old := healthySnapshot(now.Add(-time.Second))
	cur := healthySnapshot(now)
	cur.CellMV[2] = old.CellMV[2] + 300 // 300 mV/s, bound is 250

	hist := []HistPoint{
		{Taken: old.Taken, CellMV: old.CellMV, CellValid: old.CellValid},
		{Taken: cur.Taken, CellMV: cur.CellMV, CellValid: cur.CellValid},
	}
	ev := Evaluate(now, cur, hist, testLimits())
	if !ev.Warn.Has(types.ReasonVoltageRate) {
		t.Fatalf("300 mV/s must warn, got %+v", ev)
	}

	cur.CellMV[2] = old.CellMV[2] + 200
	ev = Evaluate(now, cur, hist, testLimits())
	if ev.Warn.Has(types.ReasonVoltageRate) {
		t.Fatalf("200 mV/s must not warn")
	}
}

func TestPanickedRuleRaisesInternal(t *testing.T) {
	now := time.Now()
	s := healthySnapshot(now)
	s.CellValid = s.CellValid[:4] // shorter than CellMV, indexes past the end

	ev := Evaluate(now, s, nil, testLimits())
	if !ev.Fault.Has(types.ReasonInternal) {
		t.Fatalf("panicking rule must contribute internal_error fault, got %+v", ev)
	}
}
