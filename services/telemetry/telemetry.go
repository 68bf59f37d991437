// Package telemetry periodically serialises shared state and offers it
// to its transport, best-effort. Each publisher instance has its own
// period and sink, so a wedged network never delays the USB channel and
// neither ever backpressures the store or the supervisor.
package telemetry

import (
	"context"
	"log"
	"time"

	"bmscode-go/bus"
	"bmscode-go/protocol"
	"bmscode-go/store"
)

// Sink is whatever can take a frame without blocking: the TCP server,
// the serial link.
type Sink interface {
	Broadcast(f protocol.Frame)
}

type Service struct {
	name   string
	store  *store.Store
	period time.Duration
	sink   Sink
	conn   *bus.Connection
}

// New builds a publisher. conn may be nil; when set, every encoded
// payload is also retained on the bus under {"telemetry", name} for
// in-process subscribers (uplink, dashboard).
func New(name string, st *store.Store, period time.Duration, sink Sink, conn *bus.Connection) *Service {
	return &Service{name: name, store: st, period: period, sink: sink, conn: conn}
}

func (s *Service) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[telemetry/%s] stopping", s.name)
			return
		case <-tick.C:
			s.Publish()
		}
	}
}

// Publish performs one read-encode-offer pass.
func (s *Service) Publish() {
	state := s.store.Read()
	f, err := protocol.EncodeTelemetry(state.Snapshot, state.Derived, state.Safety, state.LastCommand)
	if err != nil {
		log.Printf("[telemetry/%s] encode: %v", s.name, err)
		return
	}
	if s.sink != nil {
		s.sink.Broadcast(f)
	}
	if s.conn != nil {
		s.conn.Publish(s.conn.NewMessage(bus.T("telemetry", s.name), f.Payload, true))
	}
}
