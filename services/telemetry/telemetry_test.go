package telemetry

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"bmscode-go/bus"
	"bmscode-go/protocol"
	"bmscode-go/safety"
	"bmscode-go/store"
	"bmscode-go/transport"
	"bmscode-go/types"
)

type captureSink struct{ frames []protocol.Frame }

func (c *captureSink) Broadcast(f protocol.Frame) { c.frames = append(c.frames, f) }

func seededStore(t *testing.T) *store.Store {
	t.Helper()
	st := store.New(safety.Limits{CellUVFaultMV: 3200, CellOVFaultMV: 4200})
	s := types.NewSnapshot(4, 1)
	s.Taken = time.Now()
	for i := range s.CellMV {
		s.CellMV[i] = 3800
		s.CellValid[i] = true
	}
	s.TempMC[0] = 30_000
	s.TempValid[0] = true
	s.PackValid = true
	st.Publish(s)
	return st
}

func TestPublishOffersFrameToSink(t *testing.T) {
	sink := &captureSink{}
	svc := New("net", seededStore(t), time.Second, sink, nil)

	svc.Publish()
	if len(sink.frames) != 1 {
		t.Fatalf("%d frames offered", len(sink.frames))
	}
	f := sink.frames[0]
	if f.Type != protocol.FrameTelemetry {
		t.Fatalf("frame type 0x%02x", f.Type)
	}
	var tm protocol.Telemetry
	if err := json.Unmarshal(f.Payload, &tm); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if tm.Seq != 1 || tm.PackMV != 4*3800 {
		t.Fatalf("telemetry %+v", tm)
	}
}

type dropIntake struct{}

func (dropIntake) Handle(protocol.Frame) (protocol.Frame, bool) { return protocol.Frame{}, false }

// A client that connects and never reads must not slow the publisher
// down: its frames are coalesced in the keep-latest slot while Publish
// keeps returning immediately.
func TestWedgedClientNeverBlocksPublisher(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := transport.NewTCPServer("127.0.0.1:0", dropIntake{})
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	// The client never reads; kernel buffers fill and stay full.

	st := seededStore(t)
	svc := New("net", st, time.Hour, srv, nil)

	start := time.Now()
	for i := 0; i < 500; i++ {
		svc.Publish()
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("500 publishes took %s against a wedged client", elapsed)
	}

	// The store stays live for its other clients throughout.
	s := types.NewSnapshot(4, 1)
	s.Taken = time.Now()
	st.Publish(s)
	if st.Read().Snapshot.Seq != 2 {
		t.Fatalf("store stalled behind a wedged telemetry client")
	}
}

func TestPublishRetainsOnBus(t *testing.T) {
	b := bus.NewBus(8)
	svc := New("usb", seededStore(t), time.Second, nil, b.NewConnection("telemetry-usb"))
	svc.Publish()

	// Subscriber arriving after the fact still gets the latest record.
	sub := b.NewConnection("late").Subscribe(bus.Topic{"telemetry", "+"})
	select {
	case msg := <-sub.Channel():
		if _, ok := msg.Payload.([]byte); !ok {
			t.Fatalf("payload %T, want raw bytes", msg.Payload)
		}
	case <-time.After(time.Second):
		t.Fatalf("retained telemetry not delivered")
	}
}
