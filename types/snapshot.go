package types

import "time"

// Units follow the acquisition hardware: cell voltages in millivolts,
// pack current in milliamps (discharge negative), temperatures in
// millidegrees Celsius.

// SensorSnapshot is one acquisition cycle's worth of readings.
// A channel whose read failed or returned an implausible raw value keeps
// its zero value and has its validity bit cleared; the rest of the
// snapshot is unaffected. Immutable once published to the store.
type SensorSnapshot struct {
	CellMV    []int32
	CellValid []bool

	PackMA    int32
	PackValid bool

	TempMC    []int32
	TempValid []bool

	// Taken is the single timestamp for the whole snapshot, from the
	// monotonic clock.
	Taken time.Time

	// Seq is assigned by the store on publish, never by the producer.
	Seq uint64
}

// NewSnapshot allocates a snapshot for the given channel counts with all
// channels marked invalid.
func NewSnapshot(cells, temps int) SensorSnapshot {
	return SensorSnapshot{
		CellMV:    make([]int32, cells),
		CellValid: make([]bool, cells),
		TempMC:    make([]int32, temps),
		TempValid: make([]bool, temps),
	}
}

// Clone returns a deep copy. Readers of the store always get clones so
// no task ever holds a reference into shared state.
func (s SensorSnapshot) Clone() SensorSnapshot {
	c := s
	c.CellMV = append([]int32(nil), s.CellMV...)
	c.CellValid = append([]bool(nil), s.CellValid...)
	c.TempMC = append([]int32(nil), s.TempMC...)
	c.TempValid = append([]bool(nil), s.TempValid...)
	return c
}

// InvalidFraction reports the fraction of all channels (cells, pack
// current, temperatures) that are marked invalid. An empty snapshot
// counts as fully invalid.
func (s SensorSnapshot) InvalidFraction() float64 {
	total := len(s.CellValid) + len(s.TempValid) + 1
	bad := 0
	for _, ok := range s.CellValid {
		if !ok {
			bad++
		}
	}
	for _, ok := range s.TempValid {
		if !ok {
			bad++
		}
	}
	if !s.PackValid {
		bad++
	}
	if total == 1 && len(s.CellValid) == 0 {
		return 1
	}
	return float64(bad) / float64(total)
}
