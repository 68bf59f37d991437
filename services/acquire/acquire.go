// Package acquire is the sensor acquisition task: one snapshot per
// period, every channel attempted, bad channels marked invalid instead
// of aborting the cycle.
package acquire

import (
	"context"
	"log"
	"time"

	"bmscode-go/store"
	"bmscode-go/types"
	"bmscode-go/x/mathx"
)

// Plausibility windows on raw readings. Anything outside is treated the
// same as a failed read: channel invalid for this cycle.
const (
	minPlausibleCellMV = 100
	maxPlausibleCellMV = 6000
	maxPlausibleMA     = 500_000
	minPlausibleTempMC = -55_000
	maxPlausibleTempMC = 150_000
)

// SensorBank is the narrow peripheral interface. Each read is one
// channel so a single bad channel cannot stall the rest; the ctx carries
// the per-cycle deadline so no read waits unboundedly.
type SensorBank interface {
	ReadCell(ctx context.Context, i int) (mv int32, err error)
	ReadPackCurrent(ctx context.Context) (ma int32, err error)
	ReadTemp(ctx context.Context, i int) (mc int32, err error)
}

type Service struct {
	bank   SensorBank
	store  *store.Store
	cells  int
	temps  int
	period time.Duration
}

func New(bank SensorBank, st *store.Store, cells, temps int, period time.Duration) *Service {
	return &Service{bank: bank, store: st, cells: cells, temps: temps, period: period}
}

// Start launches the acquisition loop.
func (s *Service) Start(ctx context.Context) error {
	go s.loop(ctx)
	return nil
}

func (s *Service) loop(ctx context.Context) {
	tick := time.NewTicker(s.period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Printf("[acquire] stopping")
			return
		case <-tick.C:
			s.store.Publish(s.Cycle(ctx))
		}
	}
}

// Cycle performs one full acquisition pass and returns the snapshot.
// Exactly one store publish per cycle is the caller's job.
func (s *Service) Cycle(ctx context.Context) types.SensorSnapshot {
	cctx, cancel := context.WithTimeout(ctx, s.period)
	defer cancel()

	snap := types.NewSnapshot(s.cells, s.temps)
	snap.Taken = time.Now()

	for i := 0; i < s.cells; i++ {
		mv, err := s.bank.ReadCell(cctx, i)
		if err != nil || !mathx.Between(mv, minPlausibleCellMV, maxPlausibleCellMV) {
			continue
		}
		snap.CellMV[i] = mv
		snap.CellValid[i] = true
	}

	if ma, err := s.bank.ReadPackCurrent(cctx); err == nil && mathx.Between(ma, -maxPlausibleMA, maxPlausibleMA) {
		snap.PackMA = ma
		snap.PackValid = true
	}

	for i := 0; i < s.temps; i++ {
		mc, err := s.bank.ReadTemp(cctx, i)
		if err != nil || !mathx.Between(mc, minPlausibleTempMC, maxPlausibleTempMC) {
			continue
		}
		snap.TempMC[i] = mc
		snap.TempValid[i] = true
	}
	return snap
}
