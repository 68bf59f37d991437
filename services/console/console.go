// Package console is a line-based diagnostic shell on its own serial
// port, kept separate from the framed channel so a human with a
// terminal emulator can always see the pack. Read-mostly; reset goes as
// a bus request to the supervisor, so it passes the same precondition
// check as remote commands.
package console

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/google/shlex"
	"go.bug.st/serial"

	"bmscode-go/bus"
	"bmscode-go/store"
	"bmscode-go/x/timex"
)

var topicSafetyReset = bus.T("safety", "reset")

const resetTimeout = 2 * time.Second

// Balancer mirrors the command intake's view of the supervisor.
type Balancer interface {
	SetBalancing(on bool)
	Balancing() bool
}

type Service struct {
	store    *store.Store
	balancer Balancer
	conn     *bus.Connection
	path     string
	baud     int
}

func New(st *store.Store, b Balancer, conn *bus.Connection, path string, baud int) *Service {
	return &Service{store: st, balancer: b, conn: conn, path: path, baud: baud}
}

// Start supervises the port, reopening it with backoff on failure.
func (s *Service) Start(ctx context.Context) error {
	go func() {
		backoff := timex.Backoff(500*time.Millisecond, 15*time.Second)
		for {
			if ctx.Err() != nil {
				return
			}
			port, err := serial.Open(s.path, &serial.Mode{BaudRate: s.baud})
			if err != nil {
				if !timex.Sleep(ctx, backoff()) {
					return
				}
				continue
			}
			log.Printf("[console] shell up on %s", s.path)
			backoff = timex.Backoff(500*time.Millisecond, 15*time.Second)
			s.Run(ctx, port)
			port.Close()
			if !timex.Sleep(ctx, backoff()) {
				return
			}
		}
	}()
	return nil
}

// Run serves one session until the stream fails or ctx is cancelled.
// Split from Start so tests can drive it over a pipe.
func (s *Service) Run(ctx context.Context, rw io.ReadWriter) {
	fmt.Fprintf(rw, "bms console; 'help' for commands\n> ")
	sc := bufio.NewScanner(rw)
	for sc.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(sc.Text())
		if line != "" {
			s.exec(rw, line)
		}
		fmt.Fprint(rw, "> ")
	}
}

func (s *Service) exec(w io.Writer, line string) {
	args, err := shlex.Split(line)
	if err != nil || len(args) == 0 {
		fmt.Fprintf(w, "parse error\n")
		return
	}
	switch args[0] {
	case "help":
		fmt.Fprint(w, "status            safety state and pack figures\n"+
			"cells             per-cell voltages\n"+
			"reasons           active and sticky trip reasons\n"+
			"reset             request fault reset\n"+
			"balance on|off    toggle balancing policy\n")

	case "status":
		st := s.store.Read()
		fmt.Fprintf(w, "severity   %s\n", st.Safety.Severity)
		fmt.Fprintf(w, "contactor  %s\n", onOff(st.LastCommand.ContactorClosed, "closed", "open"))
		fmt.Fprintf(w, "pack       %d mV  %d mA\n", st.Derived.PackMV, st.Snapshot.PackMA)
		fmt.Fprintf(w, "soc/soh    %.1f%% / %.1f%%\n", st.Derived.SoCPct, st.Derived.SoHPct)
		fmt.Fprintf(w, "max temp   %d mC\n", st.Derived.MaxTempMC)
		fmt.Fprintf(w, "balancing  %s (mask %012b)\n", onOff(s.balancer.Balancing(), "on", "off"), st.LastCommand.Balance)
		fmt.Fprintf(w, "snapshot   seq %d, taken %s\n", st.Snapshot.Seq, ago(st.Snapshot.Taken))

	case "cells":
		st := s.store.Read()
		for i, mv := range st.Snapshot.CellMV {
			mark := " "
			if !st.Snapshot.CellValid[i] {
				mark = "!"
			}
			bal := ""
			if st.LastCommand.Balance&(1<<uint(i)) != 0 {
				bal = " bal"
			}
			fmt.Fprintf(w, "cell %2d  %4d mV %s%s\n", i, mv, mark, bal)
		}

	case "reasons":
		st := s.store.Read()
		fmt.Fprintf(w, "active: %s\n", st.Safety.Active)
		fmt.Fprintf(w, "sticky: %s\n", st.Safety.Sticky)

	case "reset":
		if s.conn == nil {
			fmt.Fprintf(w, "refused: no control channel\n")
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), resetTimeout)
		defer cancel()
		reply, err := s.conn.RequestWait(ctx, s.conn.NewMessage(topicSafetyReset, nil, false))
		if err != nil {
			fmt.Fprintf(w, "refused: %v\n", err)
			return
		}
		body, _ := reply.Payload.(map[string]any)
		if ok, _ := body["ok"].(bool); !ok {
			fmt.Fprintf(w, "refused: %v\n", body["error"])
			return
		}
		fmt.Fprintf(w, "ok, severity %v\n", body["severity"])

	case "balance":
		if len(args) != 2 || (args[1] != "on" && args[1] != "off") {
			fmt.Fprintf(w, "usage: balance on|off\n")
			return
		}
		s.balancer.SetBalancing(args[1] == "on")
		fmt.Fprintf(w, "balancing %s\n", args[1])

	default:
		fmt.Fprintf(w, "unknown command %q, try 'help'\n", args[0])
	}
}

func onOff(b bool, yes, no string) string {
	if b {
		return yes
	}
	return no
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return fmt.Sprintf("%s ago", time.Since(t).Round(time.Millisecond))
}
