package serialafe

import (
	"bufio"
	"context"
	"net"
	"strings"
	"testing"
	"time"
)

// responder speaks the device side of the line protocol over a pipe.
func responder(t *testing.T, conn net.Conn, replies map[string]string) {
	t.Helper()
	go func() {
		sc := bufio.NewScanner(conn)
		for sc.Scan() {
			req := strings.TrimSpace(sc.Text())
			if reply, ok := replies[req]; ok {
				conn.Write([]byte(reply + "\n"))
			} else {
				conn.Write([]byte("ERR\n"))
			}
		}
	}()
}

func wired(t *testing.T, replies map[string]string) (*AFE, net.Conn) {
	t.Helper()
	near, far := net.Pipe()
	responder(t, far, replies)
	a := New("test", 115200, 3, 1, 200*time.Millisecond)
	a.port = near
	a.rd = bufio.NewReader(near)
	t.Cleanup(func() { near.Close(); far.Close() })
	return a, near
}

func TestSweepParsesAllChannels(t *testing.T) {
	a, _ := wired(t, map[string]string{
		"V?": "V 3701 x 3703",
		"I?": "I -1500",
		"T?": "T 25000",
	})
	if err := a.sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	ctx := context.Background()

	if mv, err := a.ReadCell(ctx, 0); err != nil || mv != 3701 {
		t.Fatalf("cell 0: %d, %v", mv, err)
	}
	if _, err := a.ReadCell(ctx, 1); err == nil {
		t.Fatalf("open-wire marker must read as invalid")
	}
	if ma, err := a.ReadPackCurrent(ctx); err != nil || ma != -1500 {
		t.Fatalf("current: %d, %v", ma, err)
	}
	if mc, err := a.ReadTemp(ctx, 0); err != nil || mc != 25_000 {
		t.Fatalf("temp: %d, %v", mc, err)
	}
}

func TestReadsFailOnceStale(t *testing.T) {
	a, _ := wired(t, map[string]string{
		"V?": "V 3701 3702 3703",
		"I?": "I 0",
		"T?": "T 25000",
	})
	a.fresh = 10 * time.Millisecond
	if err := a.sweep(); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	if _, err := a.ReadCell(context.Background(), 0); err != ErrStale {
		t.Fatalf("stale cache: err = %v", err)
	}
}

func TestReadsFailBeforeFirstSweep(t *testing.T) {
	a := New("test", 115200, 3, 1, time.Second)
	if _, err := a.ReadCell(context.Background(), 0); err != ErrStale {
		t.Fatalf("err = %v", err)
	}
}

func TestActuatorExchange(t *testing.T) {
	a, _ := wired(t, map[string]string{
		"K 1": "OK",
		"K?":  "K 1",
		"B 0000000a": "OK",
		"B?":         "B 0000000a",
	})
	if err := a.SetContactor(true); err != nil {
		t.Fatalf("set contactor: %v", err)
	}
	if closed, err := a.ReadContactor(); err != nil || !closed {
		t.Fatalf("readback: %v %v", closed, err)
	}
	if err := a.SetBalance(0x0A); err != nil {
		t.Fatalf("set balance: %v", err)
	}
	if mask, err := a.ReadBalance(); err != nil || mask != 0x0A {
		t.Fatalf("balance readback: %x %v", mask, err)
	}
}

func TestMalformedReply(t *testing.T) {
	a, _ := wired(t, map[string]string{"K?": "GARBAGE"})
	if _, err := a.ReadContactor(); err == nil {
		t.Fatalf("malformed reply must error")
	}
}
