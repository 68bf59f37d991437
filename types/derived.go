package types

import "bmscode-go/x/mathx"

// DerivedMetrics are recomputed from the latest snapshot on every store
// publish. Only the latest value is kept.
type DerivedMetrics struct {
	SoCPct float64
	SoHPct float64

	PackMV     int64
	MinCellMV  int32
	MinCellIdx int
	MaxCellMV  int32
	MaxCellIdx int

	MaxTempMC  int32
	MaxTempIdx int

	ValidCells int
}

// SoCWindow maps a per-cell voltage band onto 0..100% state of charge.
// Crude open-circuit-voltage interpolation; calibration curves are
// supplied by configuration, not computed here.
type SoCWindow struct {
	EmptyMV int32
	FullMV  int32
}

// Derive computes metrics over the valid channels of s. Invalid channels
// are skipped; with no valid cell at all the min/max indices stay -1 and
// SoC/SoH are zero.
func Derive(s SensorSnapshot, soc SoCWindow) DerivedMetrics {
	d := DerivedMetrics{MinCellIdx: -1, MaxCellIdx: -1, MaxTempIdx: -1}

	for i, mv := range s.CellMV {
		if !s.CellValid[i] {
			continue
		}
		d.ValidCells++
		d.PackMV += int64(mv)
		if d.MinCellIdx < 0 || mv < d.MinCellMV {
			d.MinCellMV, d.MinCellIdx = mv, i
		}
		if d.MaxCellIdx < 0 || mv > d.MaxCellMV {
			d.MaxCellMV, d.MaxCellIdx = mv, i
		}
	}
	for i, mc := range s.TempMC {
		if !s.TempValid[i] {
			continue
		}
		if d.MaxTempIdx < 0 || mc > d.MaxTempMC {
			d.MaxTempMC, d.MaxTempIdx = mc, i
		}
	}

	if d.ValidCells > 0 && soc.FullMV > soc.EmptyMV {
		avg := float64(d.PackMV) / float64(d.ValidCells)
		pct := 100 * (avg - float64(soc.EmptyMV)) / float64(soc.FullMV-soc.EmptyMV)
		d.SoCPct = mathx.Clamp(pct, 0, 100)

		// Health proxy: cell spread against the usable band. A pack with
		// all cells tracking reads 100; a spread as wide as the band
		// reads 0.
		spread := float64(d.MaxCellMV - d.MinCellMV)
		band := float64(soc.FullMV - soc.EmptyMV)
		d.SoHPct = mathx.Clamp(100*(1-spread/band), 0, 100)
	}
	return d
}
