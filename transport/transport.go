// Package transport owns the external byte links: the TCP control/
// telemetry endpoint and the USB CDC serial link. Both speak the framed
// protocol; both are expendable. A dead link never touches the safety
// path, it just reconnects on its own schedule.
package transport

import (
	"bmscode-go/protocol"
)

// Intake consumes one inbound frame and optionally produces a reply.
// Implemented by the command intake service.
type Intake interface {
	Handle(f protocol.Frame) (protocol.Frame, bool)
}

// link pairs a keep-latest telemetry slot with a small reply queue.
// Telemetry is coalesced (newest wins); replies are dropped only when a
// peer stops draining them.
type link struct {
	telem chan []byte
	reply chan []byte
	done  chan struct{}
}

func newLink() *link {
	return &link{
		telem: make(chan []byte, 1),
		reply: make(chan []byte, 8),
		done:  make(chan struct{}),
	}
}

// offerTelemetry replaces any queued frame with the new one. Never
// blocks.
func (l *link) offerTelemetry(b []byte) {
	select {
	case l.telem <- b:
	default:
		select {
		case <-l.telem:
		default:
		}
		select {
		case l.telem <- b:
		default:
		}
	}
}

// offerReply queues a reply; reports false when the queue is full.
func (l *link) offerReply(b []byte) bool {
	select {
	case l.reply <- b:
		return true
	default:
		return false
	}
}

func (l *link) close() {
	select {
	case <-l.done:
	default:
		close(l.done)
	}
}
