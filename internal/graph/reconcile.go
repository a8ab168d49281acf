package graph

import (
	"time"

	"dexcore/internal/pool"
)

// PoolLister lists registered pools. *poolmaster.Master satisfies it.
type PoolLister interface {
	Pools() []pool.Pool
}

// ReconcileResult contains statistics from reconciliation.
type ReconcileResult struct {
	Height       uint64
	PoolsChecked int
	PoolsAdded   int
	PoolsUpdated int
	Duration     time.Duration
}

// Reconcile brings the graph in line with the live registry at height. It
// adds pools whose creation log the manager never saw, for example when it
// subscribed after they were created, and corrects reserves that drifted.
// It must not run concurrently with a mutating engine call.
func (m *Manager) Reconcile(pools PoolLister, height uint64) *ReconcileResult {
	startTime := time.Now()
	result := &ReconcileResult{Height: height}

	// apply queued updates first so they cannot overwrite live reserves later
	m.Flush()

	for _, p := range pools.Pools() {
		result.PoolsChecked++
		tokens, reserves := p.Tokens(), p.Reserves()

		current, ok := m.graph.GetPool(p.Address())
		if !ok {
			m.AddPool(PoolState{
				Address:  p.Address(),
				Kind:     uint8(p.Kind()),
				Token0:   tokens[0],
				Token1:   tokens[1],
				Reserve0: reserves[0],
				Reserve1: reserves[1],
			}, height)
			result.PoolsAdded++
			continue
		}

		if current.Reserve0 != nil && current.Reserve1 != nil &&
			current.Reserve0.Eq(reserves[0]) && current.Reserve1.Eq(reserves[1]) {
			continue
		}
		m.ProcessUpdate(ReserveUpdate{
			Pool:     p.Address(),
			Reserve0: reserves[0],
			Reserve1: reserves[1],
			Height:   height,
		})
		result.PoolsUpdated++
	}
	m.Flush()

	result.Duration = time.Since(startTime)
	m.log.Info().
		Uint64("height", height).
		Int("pools_checked", result.PoolsChecked).
		Int("pools_added", result.PoolsAdded).
		Int("pools_updated", result.PoolsUpdated).
		Dur("duration", result.Duration).
		Msg("Reconciliation complete")
	return result
}
