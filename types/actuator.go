package types

// ActuatorCommand is the desired state of every protective output.
// Balance is a per-cell bitmask (bit i = bleed cell i). Gen is a
// generation counter so the driver can reject stale commands that were
// derived before a newer one was already applied.
type ActuatorCommand struct {
	Gen             uint64
	ContactorClosed bool
	Balance         uint32
}

// FailSafe is the configuration considered safest under uncertainty:
// contactor open, all balancing off.
func FailSafe(gen uint64) ActuatorCommand {
	return ActuatorCommand{Gen: gen}
}

// IsFailSafe reports whether the command's outputs equal the fail-safe
// configuration, regardless of generation.
func (c ActuatorCommand) IsFailSafe() bool {
	return !c.ContactorClosed && c.Balance == 0
}

// SameOutputs compares the output portion of two commands, ignoring the
// generation counter. Used for idempotency checks.
func (c ActuatorCommand) SameOutputs(o ActuatorCommand) bool {
	return c.ContactorClosed == o.ContactorClosed && c.Balance == o.Balance
}
