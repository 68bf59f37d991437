// Package command is the inbound command intake shared by both
// transports. A frame is fully validated before any state is touched; a
// bad frame produces an error reply and nothing else. Intake faults are
// never fatal to the process.
package command

import (
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"bmscode-go/errcode"
	"bmscode-go/protocol"
	"bmscode-go/store"
	"bmscode-go/types"
)

// Balancer is the supervisor-side policy toggle.
type Balancer interface {
	SetBalancing(on bool)
	Balancing() bool
}

type Service struct {
	store    *store.Store
	balancer Balancer
}

func New(st *store.Store, b Balancer) *Service {
	return &Service{store: st, balancer: b}
}

// Handle implements the transport intake. Every command frame gets
// exactly one reply, ack or error. Non-command frames are dropped with
// an error reply so a confused peer finds out.
func (s *Service) Handle(f protocol.Frame) (protocol.Frame, bool) {
	c, err := protocol.DecodeCommand(f)
	if err != nil {
		log.Printf("[command] rejected: %v", err)
		return protocol.EncodeError(c.ID, errcode.Of(err), err.Error()), true
	}
	if c.ID == "" {
		c.ID = uuid.NewString()
	}

	sev, err := s.dispatch(c)
	if err != nil {
		log.Printf("[command] %s %q: %v", c.Name, c.ID, err)
		var msg string
		if e, ok := err.(*errcode.E); ok {
			msg = e.Msg
		}
		if msg == "" {
			msg = err.Error()
		}
		return protocol.EncodeError(c.ID, errcode.Of(err), msg), true
	}
	log.Printf("[command] %s %q ok, severity %s", c.Name, c.ID, sev)
	return protocol.EncodeAck(c.ID, sev), true
}

func (s *Service) dispatch(c protocol.Command) (types.Severity, error) {
	switch c.Name {
	case "reset":
		sf, err := s.store.Reset(time.Now())
		if err != nil {
			return 0, err
		}
		return sf.Severity, nil

	case "set_balancing":
		on, err := boolArg(c, "enabled")
		if err != nil {
			return 0, err
		}
		s.balancer.SetBalancing(on)
		return s.store.Read().Safety.Severity, nil

	default:
		return 0, &errcode.E{C: errcode.UnknownCommand, Op: "command.dispatch", Msg: fmt.Sprintf("unknown command %q", c.Name)}
	}
}

func boolArg(c protocol.Command, key string) (bool, error) {
	v, ok := c.Args[key]
	if !ok {
		return false, &errcode.E{C: errcode.MissingField, Op: "command.args", Msg: fmt.Sprintf("%s: missing arg %q", c.Name, key)}
	}
	b, ok := v.(bool)
	if !ok {
		return false, &errcode.E{C: errcode.InvalidPayload, Op: "command.args", Msg: fmt.Sprintf("%s: arg %q must be a boolean", c.Name, key)}
	}
	return b, nil
}
