package graph

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/events"
	"dexcore/internal/metrics"
	"dexcore/internal/pool"
	"dexcore/internal/token"
)

// ReserveUpdate represents a reserve update from a Sync log.
type ReserveUpdate struct {
	Pool     common.Address
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
	Height   uint64
}

// TokenResolver returns the metadata of a token seen in a PoolCreated log.
type TokenResolver func(addr common.Address) TokenInfo

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTokenResolver sets how token symbols and decimals are looked up.
func WithTokenResolver(r TokenResolver) ManagerOption {
	return func(m *Manager) { m.resolve = r }
}

// WithKindFee overrides the fee fraction assumed for pools of kind.
func WithKindFee(kind pool.Kind, fee float64) ManagerOption {
	return func(m *Manager) { m.fees[kind] = fee }
}

// Manager keeps the graph in step with committed logs. It is an
// events.Sink: PoolCreated adds a pool, Sync updates its reserves. Updates
// are batched per height and applied when a later height is seen or a
// snapshot is requested.
type Manager struct {
	mu sync.Mutex

	graph   *Graph
	metrics *metrics.Metrics
	decoder *events.Decoder
	resolve TokenResolver
	fees    map[pool.Kind]float64

	// Pending updates for current height
	pendingHeight  uint64
	pendingUpdates []ReserveUpdate

	dirty  bool
	latest atomic.Pointer[Snapshot]

	log zerolog.Logger
}

// NewManager creates a new graph manager.
func NewManager(m *metrics.Metrics, opts ...ManagerOption) *Manager {
	mgr := &Manager{
		graph:   NewGraph(),
		metrics: m,
		decoder: events.NewDecoder(),
		fees: map[pool.Kind]float64{
			pool.KindCrypto: FeeRate(pool.DefaultCryptoParams().Fee),
			pool.KindStable: FeeRate(pool.DefaultStableParams().Fee),
		},
		dirty: true,
		log:   log.With().Str("component", "graph").Logger(),
	}
	for _, opt := range opts {
		opt(mgr)
	}
	return mgr
}

// Graph returns the underlying graph.
func (m *Manager) Graph() *Graph {
	return m.graph
}

// HandleLog applies a committed log to the graph.
func (m *Manager) HandleLog(l events.Log) {
	if len(l.Topics) == 0 {
		return
	}
	entry := l.Entry()

	switch l.Topics[0] {
	case events.PoolCreatedEventTopic:
		created, err := m.decoder.DecodePoolCreatedEvent(&entry)
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to decode PoolCreated log")
			return
		}
		m.AddPool(PoolState{
			Address: common.HexToAddress(created.PoolAddress),
			Kind:    created.Kind,
			Token0:  common.HexToAddress(created.Token0),
			Token1:  common.HexToAddress(created.Token1),
		}, l.BlockNumber)

	case events.SyncEventTopic:
		synced, err := m.decoder.DecodeSyncEvent(&entry)
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to decode Sync log")
			return
		}
		m.ProcessUpdate(ReserveUpdate{
			Pool:     common.HexToAddress(synced.PoolAddress),
			Reserve0: synced.Reserve0,
			Reserve1: synced.Reserve1,
			Height:   synced.BlockNumber,
		})
	}
}

// AddPool adds a pool seen at height. A zero fee is replaced by the
// default of the pool's kind.
func (m *Manager) AddPool(state PoolState, height uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceLocked(height)

	if state.Fee == 0 {
		state.Fee = m.fees[pool.Kind(state.Kind)]
	}
	if m.resolve != nil {
		m.graph.AddToken(m.resolve(state.Token0))
		m.graph.AddToken(m.resolve(state.Token1))
	}
	m.graph.AddPool(state)
	m.dirty = true

	if m.metrics != nil {
		m.metrics.RecordGraphStats(m.graph.NumNodes(), m.graph.NumEdges())
	}
	m.log.Debug().
		Str("pool", state.Address.Hex()).
		Uint8("kind", state.Kind).
		Int("nodes", m.graph.NumNodes()).
		Msg("Pool added to graph")
}

// ProcessUpdate queues a reserve update. Updates are batched per height.
func (m *Manager) ProcessUpdate(update ReserveUpdate) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.advanceLocked(update.Height)
	m.pendingUpdates = append(m.pendingUpdates, update)
}

// advanceLocked applies the pending batch once a later height is seen.
func (m *Manager) advanceLocked(height uint64) {
	if height > m.pendingHeight && len(m.pendingUpdates) > 0 {
		m.applyPendingUpdatesLocked()
	}
	if height > m.pendingHeight {
		m.pendingHeight = height
	}
}

// applyPendingUpdatesLocked applies all pending updates.
// Must be called with m.mu held.
func (m *Manager) applyPendingUpdatesLocked() {
	if len(m.pendingUpdates) == 0 {
		return
	}

	updated := 0
	for _, update := range m.pendingUpdates {
		if m.graph.UpdateReserves(update.Pool, update.Reserve0, update.Reserve1) {
			updated++
		}
	}
	m.log.Debug().
		Uint64("height", m.pendingHeight).
		Int("updates", len(m.pendingUpdates)).
		Int("applied", updated).
		Msg("Applied reserve updates")

	m.pendingUpdates = m.pendingUpdates[:0]
	m.dirty = true
}

// Flush applies any pending updates.
func (m *Manager) Flush() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyPendingUpdatesLocked()
}

// Snapshot applies pending updates and returns a snapshot of the graph.
// The previous snapshot is reused when nothing changed.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.applyPendingUpdatesLocked()
	if !m.dirty {
		if snap := m.latest.Load(); snap != nil {
			return snap
		}
	}

	start := time.Now()
	snap := m.graph.CreateSnapshot(m.pendingHeight)
	m.latest.Store(snap)
	m.dirty = false

	if m.metrics != nil {
		m.metrics.RecordSnapshotLatency(time.Since(start))
		m.metrics.RecordGraphStats(snap.NumNodes(), snap.NumEdges())
	}
	return snap
}

// Latest returns the last snapshot taken without applying pending updates.
func (m *Manager) Latest() *Snapshot {
	return m.latest.Load()
}

// Stats returns current graph statistics.
func (m *Manager) Stats() (nodes, edges, pools int) {
	return m.graph.NumNodes(), m.graph.NumEdges(), m.graph.NumPools()
}

// HasPool checks if a pool exists in the graph.
func (m *Manager) HasPool(address common.Address) bool {
	return m.graph.HasPool(address)
}

// DirectoryResolver resolves token metadata from a token directory.
// Unknown tokens resolve to the bare address.
func DirectoryResolver(d *token.Directory) TokenResolver {
	return func(addr common.Address) TokenInfo {
		t, err := d.Lookup(addr)
		if err != nil {
			return TokenInfo{Address: addr}
		}
		return TokenInfo{Address: addr, Symbol: t.Symbol(), Decimals: t.Decimals()}
	}
}
