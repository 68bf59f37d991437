package transport

import (
	"bytes"
	"context"
	"io"
	"net"
	"testing"
	"time"

	"bmscode-go/protocol"
)

// echoIntake acks every command with its own payload.
type echoIntake struct{}

func (echoIntake) Handle(f protocol.Frame) (protocol.Frame, bool) {
	if f.Type != protocol.FrameCommand {
		return protocol.Frame{}, false
	}
	return protocol.Frame{Type: protocol.FrameAck, Payload: f.Payload}, true
}

func TestLinkKeepLatest(t *testing.T) {
	l := newLink()
	l.offerTelemetry([]byte("one"))
	l.offerTelemetry([]byte("two"))
	l.offerTelemetry([]byte("three"))

	select {
	case b := <-l.telem:
		if string(b) != "three" {
			t.Fatalf("got %q, want the newest frame", b)
		}
	default:
		t.Fatalf("no frame queued")
	}
	select {
	case b := <-l.telem:
		t.Fatalf("stale frame %q survived", b)
	default:
	}
}

func TestLinkReplyQueueBounded(t *testing.T) {
	l := newLink()
	for i := 0; i < 8; i++ {
		if !l.offerReply([]byte{byte(i)}) {
			t.Fatalf("reply %d rejected below capacity", i)
		}
	}
	if l.offerReply([]byte{9}) {
		t.Fatalf("reply accepted past capacity")
	}
}

func TestTCPRoundtrip(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv := NewTCPServer("127.0.0.1:0", echoIntake{})
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	conn, err := net.Dial("tcp", srv.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	// Command goes in, ack comes back.
	cmd := protocol.Frame{Type: protocol.FrameCommand, Payload: []byte(`{"v":1,"name":"reset"}`)}
	if err := protocol.NewFrameWriter(conn).WriteFrame(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	fr := protocol.NewFrameReader(conn)
	reply, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if reply.Type != protocol.FrameAck || !bytes.Equal(reply.Payload, cmd.Payload) {
		t.Fatalf("reply %+v", reply)
	}

	// Broadcast telemetry reaches the client. Retry around the window
	// between accept and link registration.
	telem := protocol.Frame{Type: protocol.FrameTelemetry, Payload: []byte(`{"v":1}`)}
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			default:
				srv.Broadcast(telem)
				time.Sleep(5 * time.Millisecond)
			}
		}
	}()
	defer close(done)

	got, err := fr.ReadFrame()
	if err != nil {
		t.Fatalf("read telemetry: %v", err)
	}
	if got.Type != protocol.FrameTelemetry {
		t.Fatalf("frame type 0x%02x", got.Type)
	}
}

// pipeRWC adapts one end of a net.Pipe for the serial link's opener.
type pipeRWC struct{ net.Conn }

func TestSerialLinkReopensAndServes(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	near, far := net.Pipe()
	opens := make(chan struct{}, 4)
	sl := &SerialLink{path: "test", baud: 115200, intake: echoIntake{}}
	failFirst := true
	sl.open = func() (io.ReadWriteCloser, error) {
		if failFirst {
			failFirst = false
			return nil, io.ErrClosedPipe
		}
		opens <- struct{}{}
		return pipeRWC{far}, nil
	}

	if err := sl.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case <-opens:
	case <-time.After(2 * time.Second):
		t.Fatalf("link never reopened after the failed attempt")
	}

	cmd := protocol.Frame{Type: protocol.FrameCommand, Payload: []byte(`{"v":1}`)}
	if err := protocol.NewFrameWriter(near).WriteFrame(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	near.SetReadDeadline(time.Now().Add(2 * time.Second))
	reply, err := protocol.NewFrameReader(near).ReadFrame()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if reply.Type != protocol.FrameAck {
		t.Fatalf("frame type 0x%02x", reply.Type)
	}
}
