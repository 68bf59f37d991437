package transport

import (
	"context"
	"log"
	"net"
	"sync"
	"time"

	"bmscode-go/protocol"
)

const writeTimeout = 2 * time.Second

// TCPServer accepts framed-protocol clients. Outbound telemetry is
// broadcast keep-latest per client; inbound frames go to the intake.
type TCPServer struct {
	addr   string
	intake Intake

	mu    sync.Mutex
	ln    net.Listener
	conns map[net.Conn]*link
}

func NewTCPServer(addr string, intake Intake) *TCPServer {
	return &TCPServer{addr: addr, intake: intake, conns: map[net.Conn]*link{}}
}

// Start begins listening and returns; the accept loop runs until ctx is
// cancelled.
func (s *TCPServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()
	log.Printf("[net] listening on %s", ln.Addr())

	go func() {
		<-ctx.Done()
		ln.Close()
		s.mu.Lock()
		for c, l := range s.conns {
			l.close()
			c.Close()
		}
		s.mu.Unlock()
	}()

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Printf("[net] accept: %v", err)
				continue
			}
			go s.serve(ctx, c)
		}
	}()
	return nil
}

// Addr reports the bound listen address, nil before Start.
func (s *TCPServer) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// Broadcast offers an already-built frame to every connected client.
// Never blocks: slow clients get the newest frame, not all of them.
func (s *TCPServer) Broadcast(f protocol.Frame) {
	b := protocol.Encode(f)
	s.mu.Lock()
	for _, l := range s.conns {
		l.offerTelemetry(b)
	}
	s.mu.Unlock()
}

func (s *TCPServer) serve(ctx context.Context, c net.Conn) {
	l := newLink()
	s.mu.Lock()
	s.conns[c] = l
	s.mu.Unlock()
	log.Printf("[net] client %s connected", c.RemoteAddr())

	defer func() {
		s.mu.Lock()
		delete(s.conns, c)
		s.mu.Unlock()
		l.close()
		c.Close()
		log.Printf("[net] client %s gone", c.RemoteAddr())
	}()

	go writeLoop(c, l)

	fr := protocol.NewFrameReader(c)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if reply, ok := s.intake.Handle(f); ok {
			if !l.offerReply(protocol.Encode(reply)) {
				log.Printf("[net] reply queue full for %s, dropping", c.RemoteAddr())
			}
		}
	}
}

// writeLoop drains replies ahead of telemetry so acks are not displaced
// by the keep-latest slot.
func writeLoop(c net.Conn, l *link) {
	for {
		var b []byte
		select {
		case <-l.done:
			return
		case b = <-l.reply:
		default:
			select {
			case <-l.done:
				return
			case b = <-l.reply:
			case b = <-l.telem:
			}
		}
		c.SetWriteDeadline(time.Now().Add(writeTimeout))
		if _, err := c.Write(b); err != nil {
			l.close()
			return
		}
	}
}
