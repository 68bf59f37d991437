package protocol

import (
	"fmt"
	"io"
)

// Wire framing: one type byte, big-endian u16 payload length, payload.

type FrameReader struct{ r io.Reader }
type FrameWriter struct{ w io.Writer }

func NewFrameReader(r io.Reader) *FrameReader { return &FrameReader{r: r} }
func NewFrameWriter(w io.Writer) *FrameWriter { return &FrameWriter{w: w} }

func (fr *FrameReader) ReadFrame() (Frame, error) {
	var hdr [3]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		return Frame{}, err
	}
	typ := hdr[0]
	n := int(hdr[1])<<8 | int(hdr[2])
	var buf []byte
	if n > 0 {
		buf = make([]byte, n)
		if _, err := io.ReadFull(fr.r, buf); err != nil {
			return Frame{}, err
		}
	}
	return Frame{Type: typ, Payload: buf}, nil
}

func (fw *FrameWriter) WriteFrame(f Frame) error {
	if len(f.Payload) > MaxPayload {
		return fmt.Errorf("frame too large: %d", len(f.Payload))
	}
	hdr := []byte{f.Type, byte(len(f.Payload) >> 8), byte(len(f.Payload) & 0xFF)}
	if _, err := fw.w.Write(hdr); err != nil {
		return err
	}
	if len(f.Payload) > 0 {
		_, err := fw.w.Write(f.Payload)
		return err
	}
	return nil
}

// Encode returns the full wire bytes of a frame, for transports that
// prefer writing in one call.
func Encode(f Frame) []byte {
	b := make([]byte, 3+len(f.Payload))
	b[0] = f.Type
	b[1] = byte(len(f.Payload) >> 8)
	b[2] = byte(len(f.Payload) & 0xFF)
	copy(b[3:], f.Payload)
	return b
}
