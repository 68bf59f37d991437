// Package actuate drives the protective outputs: the pack contactor and
// the per-cell bleed channels. Every apply is idempotent and verified by
// readback where the hardware supports it; a persistent mismatch comes
// back as an actuator fault so the supervisor can close the loop.
package actuate

import (
	"sync"
	"time"

	"bmscode-go/errcode"
	"bmscode-go/types"
)

// Outputs is the narrow hardware interface. Readback returns the state
// the hardware actually reports, not the last value written.
type Outputs interface {
	SetContactor(closed bool) error
	ReadContactor() (bool, error)
	SetBalance(mask uint32) error
	ReadBalance() (uint32, error)
}

type Driver struct {
	out Outputs

	mu         sync.Mutex
	lastGen    uint64
	maxRetries int
	retryGap   time.Duration
}

// Option tweaks driver behaviour.
type Option func(*Driver)

func WithRetries(n int, gap time.Duration) Option {
	return func(d *Driver) {
		if n > 0 {
			d.maxRetries = n
		}
		if gap > 0 {
			d.retryGap = gap
		}
	}
}

func NewDriver(out Outputs, opts ...Option) *Driver {
	d := &Driver{out: out, maxRetries: 3, retryGap: 2 * time.Millisecond}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Apply pushes cmd to the hardware.
//
//   - A command older than one already applied is rejected as stale,
//     unless it is the fail-safe command: fail-safe is never dropped.
//   - If readback already matches the requested outputs the call is a
//     no-op (idempotency).
//   - A readback mismatch after the retry budget returns
//     errcode.ActuatorMismatch, which the supervisor maps to the
//     actuator_fault reason.
func (d *Driver) Apply(cmd types.ActuatorCommand) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if cmd.Gen < d.lastGen && !cmd.IsFailSafe() {
		return &errcode.E{C: errcode.StaleCommand, Op: "actuate.apply"}
	}
	if cmd.Gen > d.lastGen {
		d.lastGen = cmd.Gen
	}

	if cur, err := d.readback(); err == nil && cur.SameOutputs(cmd) {
		return nil
	}

	var lastErr error
	for attempt := 0; attempt <= d.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(d.retryGap)
		}
		if err := d.write(cmd); err != nil {
			lastErr = err
			continue
		}
		cur, err := d.readback()
		if err != nil {
			lastErr = err
			continue
		}
		if cur.SameOutputs(cmd) {
			return nil
		}
		lastErr = &errcode.E{C: errcode.ActuatorMismatch, Op: "actuate.apply"}
	}
	return &errcode.E{C: errcode.ActuatorMismatch, Op: "actuate.apply", Err: lastErr}
}

func (d *Driver) write(cmd types.ActuatorCommand) error {
	// Opening the contactor comes first on the way down so a partial
	// write never leaves the pack connected with balancing astray.
	if !cmd.ContactorClosed {
		if err := d.out.SetContactor(false); err != nil {
			return err
		}
		return d.out.SetBalance(cmd.Balance)
	}
	if err := d.out.SetBalance(cmd.Balance); err != nil {
		return err
	}
	return d.out.SetContactor(true)
}

func (d *Driver) readback() (types.ActuatorCommand, error) {
	closed, err := d.out.ReadContactor()
	if err != nil {
		return types.ActuatorCommand{}, err
	}
	mask, err := d.out.ReadBalance()
	if err != nil {
		return types.ActuatorCommand{}, err
	}
	return types.ActuatorCommand{ContactorClosed: closed, Balance: mask}, nil
}
