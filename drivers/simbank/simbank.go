// Package simbank is a software battery pack: sensor bank and actuator
// outputs in one, used for demo mode and tests. Readings drift with a
// little jitter around settable targets, and individual channels can be
// forced faulty or pushed out of range.
package simbank

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

var ErrChannel = errors.New("simbank: channel read failed")

type Bank struct {
	mu sync.Mutex

	cellMV   []int32
	cellBad  []bool
	tempMC   []int32
	tempBad  []bool
	packMA   int32
	packBad  bool
	jitterMV int32

	contactorClosed bool
	balanceMask     uint32
	actuatorStuck   bool

	rng *rand.Rand
}

// New builds a healthy pack sitting at restMV per cell and restMC per
// probe.
func New(cells, temps int, restMV, restMC int32, seed int64) *Bank {
	b := &Bank{
		cellMV:   make([]int32, cells),
		cellBad:  make([]bool, cells),
		tempMC:   make([]int32, temps),
		tempBad:  make([]bool, temps),
		jitterMV: 2,
		rng:      rand.New(rand.NewSource(seed)),
	}
	for i := range b.cellMV {
		b.cellMV[i] = restMV
	}
	for i := range b.tempMC {
		b.tempMC[i] = restMC
	}
	return b
}

// --- sensor bank ---

func (b *Bank) ReadCell(_ context.Context, i int) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.cellMV) || b.cellBad[i] {
		return 0, ErrChannel
	}
	return b.cellMV[i] + b.jitter(), nil
}

func (b *Bank) ReadPackCurrent(_ context.Context) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.packBad {
		return 0, ErrChannel
	}
	return b.packMA, nil
}

func (b *Bank) ReadTemp(_ context.Context, i int) (int32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= len(b.tempMC) || b.tempBad[i] {
		return 0, ErrChannel
	}
	return b.tempMC[i], nil
}

func (b *Bank) jitter() int32 {
	if b.jitterMV == 0 {
		return 0
	}
	return int32(b.rng.Intn(int(2*b.jitterMV+1))) - b.jitterMV
}

// --- actuator outputs ---

func (b *Bank) SetContactor(closed bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.actuatorStuck {
		return nil // write accepted, state unchanged
	}
	b.contactorClosed = closed
	return nil
}

func (b *Bank) ReadContactor() (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.contactorClosed, nil
}

func (b *Bank) SetBalance(mask uint32) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.actuatorStuck {
		b.balanceMask = mask
	}
	return nil
}

func (b *Bank) ReadBalance() (uint32, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balanceMask, nil
}

// --- fault injection and scenario control ---

func (b *Bank) SetCell(i int, mv int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cellMV[i] = mv
}

func (b *Bank) SetCellBad(i int, bad bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cellBad[i] = bad
}

func (b *Bank) SetTemp(i int, mc int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tempMC[i] = mc
}

func (b *Bank) SetTempBad(i int, bad bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tempBad[i] = bad
}

func (b *Bank) SetCurrent(ma int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packMA = ma
}

func (b *Bank) SetCurrentBad(bad bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.packBad = bad
}

func (b *Bank) SetJitter(mv int32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.jitterMV = mv
}

// SetActuatorStuck makes writes silently ineffective, so readback stops
// matching and the driver reports a mismatch.
func (b *Bank) SetActuatorStuck(stuck bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.actuatorStuck = stuck
}
