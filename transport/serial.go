package transport

import (
	"context"
	"io"
	"log"
	"sync"
	"time"

	"go.bug.st/serial"

	"bmscode-go/protocol"
	"bmscode-go/x/timex"
)

// SerialLink runs the framed protocol over a USB CDC serial port: the
// local diagnostic/backup channel, independent of network availability.
// The port is reopened with exponential backoff whenever it fails.
type SerialLink struct {
	path   string
	baud   int
	intake Intake

	mu  sync.Mutex
	cur *link

	// open is swappable for tests.
	open func() (io.ReadWriteCloser, error)
}

func NewSerialLink(path string, baud int, intake Intake) *SerialLink {
	s := &SerialLink{path: path, baud: baud, intake: intake}
	s.open = func() (io.ReadWriteCloser, error) {
		return serial.Open(s.path, &serial.Mode{BaudRate: s.baud})
	}
	return s
}

// Start supervises the link until ctx is cancelled.
func (s *SerialLink) Start(ctx context.Context) error {
	go s.run(ctx)
	return nil
}

func (s *SerialLink) run(ctx context.Context) {
	backoff := timex.Backoff(250*time.Millisecond, 10*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		rwc, err := s.open()
		if err != nil {
			if !timex.Sleep(ctx, backoff()) {
				return
			}
			continue
		}
		log.Printf("[usb] link up on %s", s.path)
		backoff = timex.Backoff(250*time.Millisecond, 10*time.Second)
		s.handle(ctx, rwc)
		log.Printf("[usb] link lost on %s", s.path)
		if !timex.Sleep(ctx, backoff()) {
			return
		}
	}
}

func (s *SerialLink) handle(ctx context.Context, rwc io.ReadWriteCloser) {
	l := newLink()
	s.mu.Lock()
	s.cur = l
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.cur = nil
		s.mu.Unlock()
		l.close()
		rwc.Close()
	}()

	go func() {
		for {
			var b []byte
			select {
			case <-l.done:
				return
			case <-ctx.Done():
				return
			case b = <-l.reply:
			case b = <-l.telem:
			}
			if _, err := rwc.Write(b); err != nil {
				l.close()
				return
			}
		}
	}()

	fr := protocol.NewFrameReader(rwc)
	for {
		f, err := fr.ReadFrame()
		if err != nil {
			return
		}
		if reply, ok := s.intake.Handle(f); ok {
			l.offerReply(protocol.Encode(reply))
		}
		select {
		case <-ctx.Done():
			return
		case <-l.done:
			return
		default:
		}
	}
}

// Broadcast offers a frame to the current link, if any. Never blocks.
func (s *SerialLink) Broadcast(f protocol.Frame) {
	s.mu.Lock()
	l := s.cur
	s.mu.Unlock()
	if l != nil {
		l.offerTelemetry(protocol.Encode(f))
	}
}
