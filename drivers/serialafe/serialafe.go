// Package serialafe talks to the measurement front end over a serial
// line. The front end speaks a line protocol:
//
//	V?            -> V <mv0> <mv1> ... one field per cell, "x" = bad
//	I?            -> I <ma>
//	T?            -> T <mc0> <mc1> ...
//	K <0|1>       -> OK
//	K?            -> K <0|1>
//	B <hexmask>   -> OK
//	B?            -> B <hexmask>
//
// A poller keeps a cached sweep fresh; per-channel reads serve from the
// cache and fail once it goes stale, so a dead link shows up as invalid
// channels within one staleness bound rather than as blocked reads.
package serialafe

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.bug.st/serial"

	"bmscode-go/x/timex"
)

var (
	ErrStale    = errors.New("serialafe: reading stale")
	ErrNoLink   = errors.New("serialafe: link down")
	ErrBadReply = errors.New("serialafe: malformed reply")
)

const (
	replyTimeout = 50 * time.Millisecond
	pollPeriod   = 50 * time.Millisecond
)

type AFE struct {
	path  string
	baud  int
	cells int
	temps int
	fresh time.Duration

	mu   sync.Mutex
	port io.ReadWriteCloser
	rd   *bufio.Reader

	cacheMu sync.Mutex
	cellMV  []int32
	cellOK  []bool
	tempMC  []int32
	tempOK  []bool
	packMA  int32
	packOK  bool
	sweepAt time.Time
}

// New builds the front end. fresh bounds how old a cached sweep may be
// before reads start failing; it should sit below the acquisition
// staleness bound.
func New(path string, baud, cells, temps int, fresh time.Duration) *AFE {
	return &AFE{
		path:   path,
		baud:   baud,
		cells:  cells,
		temps:  temps,
		fresh:  fresh,
		cellMV: make([]int32, cells),
		cellOK: make([]bool, cells),
		tempMC: make([]int32, temps),
		tempOK: make([]bool, temps),
	}
}

// Start runs the link supervisor and the sweep poller.
func (a *AFE) Start(ctx context.Context) error {
	go a.run(ctx)
	return nil
}

func (a *AFE) run(ctx context.Context) {
	backoff := timex.Backoff(250*time.Millisecond, 10*time.Second)
	for {
		if ctx.Err() != nil {
			return
		}
		port, err := serial.Open(a.path, &serial.Mode{BaudRate: a.baud})
		if err != nil {
			if !timex.Sleep(ctx, backoff()) {
				return
			}
			continue
		}
		log.Printf("[afe] link up on %s", a.path)
		backoff = timex.Backoff(250*time.Millisecond, 10*time.Second)

		a.mu.Lock()
		a.port = port
		a.rd = bufio.NewReader(port)
		a.mu.Unlock()

		a.poll(ctx)

		a.mu.Lock()
		a.port = nil
		a.rd = nil
		a.mu.Unlock()
		port.Close()
		log.Printf("[afe] link lost on %s", a.path)
		if !timex.Sleep(ctx, backoff()) {
			return
		}
	}
}

// poll refreshes the sweep until the link errors or ctx is cancelled.
func (a *AFE) poll(ctx context.Context) {
	for {
		if !timex.Sleep(ctx, pollPeriod) {
			return
		}
		if err := a.sweep(); err != nil {
			return
		}
	}
}

func (a *AFE) sweep() error {
	vs, err := a.exchange("V?", "V")
	if err != nil {
		return err
	}
	is, err := a.exchange("I?", "I")
	if err != nil {
		return err
	}
	ts, err := a.exchange("T?", "T")
	if err != nil {
		return err
	}

	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	for i := 0; i < a.cells; i++ {
		a.cellOK[i] = false
		if i < len(vs) {
			if mv, perr := strconv.ParseInt(vs[i], 10, 32); perr == nil {
				a.cellMV[i], a.cellOK[i] = int32(mv), true
			}
		}
	}
	a.packOK = false
	if len(is) == 1 {
		if ma, perr := strconv.ParseInt(is[0], 10, 32); perr == nil {
			a.packMA, a.packOK = int32(ma), true
		}
	}
	for i := 0; i < a.temps; i++ {
		a.tempOK[i] = false
		if i < len(ts) {
			if mc, perr := strconv.ParseInt(ts[i], 10, 32); perr == nil {
				a.tempMC[i], a.tempOK[i] = int32(mc), true
			}
		}
	}
	a.sweepAt = time.Now()
	return nil
}

// exchange sends one request line and parses the tagged reply fields.
func (a *AFE) exchange(req, tag string) ([]string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.port == nil {
		return nil, ErrNoLink
	}
	if p, ok := a.port.(serial.Port); ok {
		p.SetReadTimeout(replyTimeout)
	}
	if _, err := fmt.Fprintf(a.port, "%s\n", req); err != nil {
		return nil, err
	}
	line, err := a.rd.ReadString('\n')
	if err != nil {
		return nil, err
	}
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != tag {
		return nil, fmt.Errorf("%w: %q", ErrBadReply, strings.TrimSpace(line))
	}
	return fields[1:], nil
}

// --- sensor bank ---

func (a *AFE) ReadCell(_ context.Context, i int) (int32, error) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if err := a.freshLocked(); err != nil {
		return 0, err
	}
	if i < 0 || i >= a.cells || !a.cellOK[i] {
		return 0, ErrBadReply
	}
	return a.cellMV[i], nil
}

func (a *AFE) ReadPackCurrent(_ context.Context) (int32, error) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if err := a.freshLocked(); err != nil {
		return 0, err
	}
	if !a.packOK {
		return 0, ErrBadReply
	}
	return a.packMA, nil
}

func (a *AFE) ReadTemp(_ context.Context, i int) (int32, error) {
	a.cacheMu.Lock()
	defer a.cacheMu.Unlock()
	if err := a.freshLocked(); err != nil {
		return 0, err
	}
	if i < 0 || i >= a.temps || !a.tempOK[i] {
		return 0, ErrBadReply
	}
	return a.tempMC[i], nil
}

func (a *AFE) freshLocked() error {
	if a.sweepAt.IsZero() || time.Since(a.sweepAt) > a.fresh {
		return ErrStale
	}
	return nil
}

// --- actuator outputs ---

func (a *AFE) SetContactor(closed bool) error {
	v := 0
	if closed {
		v = 1
	}
	_, err := a.exchange(fmt.Sprintf("K %d", v), "OK")
	return err
}

func (a *AFE) ReadContactor() (bool, error) {
	fields, err := a.exchange("K?", "K")
	if err != nil {
		return false, err
	}
	if len(fields) != 1 {
		return false, ErrBadReply
	}
	return fields[0] == "1", nil
}

func (a *AFE) SetBalance(mask uint32) error {
	_, err := a.exchange(fmt.Sprintf("B %08x", mask), "OK")
	return err
}

func (a *AFE) ReadBalance() (uint32, error) {
	fields, err := a.exchange("B?", "B")
	if err != nil {
		return 0, err
	}
	if len(fields) != 1 {
		return 0, ErrBadReply
	}
	mask, perr := strconv.ParseUint(fields[0], 16, 32)
	if perr != nil {
		return 0, fmt.Errorf("%w: %q", ErrBadReply, fields[0])
	}
	return uint32(mask), nil
}
