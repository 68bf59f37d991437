// Package supervise is the safety supervisor task. It runs on the
// control period, strictly faster than any telemetry cadence, and is the
// only writer of the safety state and the only caller of the actuation
// driver. It is never cancelled mid-cycle and has no external
// cancellation of the protection path; the one way out of Fault or
// Latched-Shutdown is the validated reset handled through the store.
package supervise

import (
	"context"
	"log"
	"sync/atomic"
	"time"

	"bmscode-go/actuate"
	"bmscode-go/bus"
	"bmscode-go/errcode"
	"bmscode-go/safety"
	"bmscode-go/store"
	"bmscode-go/types"
	"bmscode-go/x/ringbuf"
	"bmscode-go/x/timex"
)

var (
	topicSafetyState = bus.T("safety", "state")
	topicSafetyReset = bus.T("safety", "reset")
)

type Service struct {
	store  *store.Store
	driver *actuate.Driver
	lim    safety.Limits
	period time.Duration

	balancing atomic.Bool
	epsilonMV int32

	hist    *ringbuf.Ring[safety.HistPoint]
	lastSeq uint64
	gen     uint64
	started time.Time

	conn    *bus.Connection
	lastSev types.Severity
	sevSent bool
}

func New(st *store.Store, driver *actuate.Driver, lim safety.Limits, period time.Duration, pol safety.BalancePolicy, window int, conn *bus.Connection) *Service {
	s := &Service{
		store:     st,
		driver:    driver,
		lim:       lim,
		period:    period,
		epsilonMV: pol.EpsilonMV,
		hist:      ringbuf.New[safety.HistPoint](window),
		conn:      conn,
	}
	s.balancing.Store(pol.Enabled)
	return s
}

// SetBalancing toggles the balancing policy at runtime. Reached only
// through validated command intake.
func (s *Service) SetBalancing(on bool) { s.balancing.Store(on) }
func (s *Service) Balancing() bool      { return s.balancing.Load() }

func (s *Service) Start(ctx context.Context) error {
	if s.conn != nil {
		go s.serveResets(ctx)
	}
	go s.loop(ctx)
	return nil
}

// serveResets answers reset requests on the bus. The actual
// precondition check lives in the store, under the same lock the
// control cycle steps under.
func (s *Service) serveResets(ctx context.Context) {
	sub := s.conn.Subscribe(topicSafetyReset)
	defer s.conn.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-sub.Channel():
			sf, err := s.store.Reset(time.Now())
			if err != nil {
				s.conn.Reply(msg, map[string]any{"ok": false, "error": err.Error()}, false)
				continue
			}
			log.Printf("[supervise] reset accepted, severity %s", sf.Severity)
			s.conn.Reply(msg, map[string]any{"ok": true, "severity": sf.Severity.String()}, false)
		}
	}
}

func (s *Service) loop(ctx context.Context) {
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervise] stopping")
			return
		case <-tick.C:
			s.Cycle(time.Now())
		}
	}
}

// Cycle runs one control cycle. Any panic below is an internal error:
// ambiguity is unsafe, so the machine is forced to Fault and the
// fail-safe command pushed before the cycle ends.
func (s *Service) Cycle(now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[supervise] internal error: %v", r)
			st := s.store.ForceFault(now, types.ReasonInternal)
			s.pushFailSafe(st)
		}
	}()

	if s.started.IsZero() {
		s.started = now
	}
	state := s.store.Read()

	// Warm-up: before the first snapshot there is nothing to judge.
	// Hold the fail-safe outputs without raising a fault; if acquisition
	// stays silent past one staleness bound the rules take over and the
	// empty snapshot trips communication_loss on its own.
	if state.Snapshot.Seq == 0 && now.Sub(s.started) <= s.lim.Staleness {
		s.pushFailSafe(state.Safety)
		return
	}

	if state.Snapshot.Seq != s.lastSeq {
		s.lastSeq = state.Snapshot.Seq
		s.hist.Push(safety.HistPoint{
			Taken:     state.Snapshot.Taken,
			CellMV:    state.Snapshot.CellMV,
			CellValid: state.Snapshot.CellValid,
		})
	}

	ev := safety.Evaluate(now, state.Snapshot, s.window(), s.lim)
	sf := s.store.StepSafety(now, ev)

	cmd := safety.DeriveCommand(sf, state.Snapshot, state.Derived, safety.BalancePolicy{
		Enabled:   s.balancing.Load(),
		EpsilonMV: s.epsilonMV,
	}, s.nextGen())

	if err := s.driver.Apply(cmd); err != nil && errcode.Of(err) != errcode.StaleCommand {
		log.Printf("[supervise] actuator: %v", err)
		sf = s.store.ForceFault(now, types.ReasonActuatorFault)
		s.pushFailSafe(sf)
		return
	}
	s.store.SetCommand(cmd)
	s.announce(sf, cmd)
}

func (s *Service) pushFailSafe(sf types.SafetyState) {
	cmd := types.FailSafe(s.nextGen())
	// Best effort, and retried every cycle from here on: fail-safe is
	// never dropped.
	if err := s.driver.Apply(cmd); err != nil {
		log.Printf("[supervise] fail-safe apply: %v", err)
	}
	s.store.SetCommand(cmd)
	s.announce(sf, cmd)
}

func (s *Service) window() []safety.HistPoint {
	out := make([]safety.HistPoint, s.hist.Len())
	for i := range out {
		out[i] = s.hist.At(i)
	}
	return out
}

func (s *Service) nextGen() uint64 {
	s.gen++
	return s.gen
}

// announce publishes safety transitions as retained bus state so the
// console and any late subscriber sees the current severity.
func (s *Service) announce(sf types.SafetyState, cmd types.ActuatorCommand) {
	if s.conn == nil {
		return
	}
	if s.sevSent && sf.Severity == s.lastSev {
		return
	}
	s.lastSev = sf.Severity
	s.sevSent = true
	s.conn.Publish(s.conn.NewMessage(topicSafetyState, map[string]any{
		"severity":  sf.Severity.String(),
		"active":    sf.Active.Names(),
		"sticky":    sf.Sticky.Names(),
		"contactor": cmd.ContactorClosed,
		"ts_ms":     timex.NowMs(),
	}, true))
}
