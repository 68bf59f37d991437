package safety

import "bmscode-go/types"

// BalancePolicy controls the bleed derivation in Normal operation,
// mirroring the AFE's passive balancing: any valid cell more than
// EpsilonMV above the lowest valid cell gets its bleed channel enabled.
type BalancePolicy struct {
	Enabled   bool
	EpsilonMV int32
}

// DeriveCommand maps the safety state onto the protective outputs.
// Normal/Warning keep the contactor closed (balancing only in Normal);
// Fault and Latched-Shutdown always yield the fail-safe command.
func DeriveCommand(st types.SafetyState, s types.SensorSnapshot, d types.DerivedMetrics, pol BalancePolicy, gen uint64) types.ActuatorCommand {
	if st.Severity >= types.SeverityFault {
		return types.FailSafe(gen)
	}
	cmd := types.ActuatorCommand{Gen: gen, ContactorClosed: true}
	if !pol.Enabled || st.Severity != types.SeverityNormal || d.MinCellIdx < 0 {
		return cmd
	}
	for i, mv := range s.CellMV {
		if i >= 32 {
			break
		}
		if s.CellValid[i] && mv > d.MinCellMV+pol.EpsilonMV {
			cmd.Balance |= 1 << uint(i)
		}
	}
	return cmd
}
