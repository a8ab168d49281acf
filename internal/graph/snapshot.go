package graph

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Snapshot represents an immutable point-in-time view of the graph.
// Route searches read snapshots while new logs are applied to the graph.
type Snapshot struct {
	// Token data
	Tokens     []TokenInfo
	TokenIndex map[common.Address]int

	// Adjacency list (immutable copy)
	Adjacency [][]Edge

	// Pool states (immutable copies)
	Pools map[common.Address]PoolState

	// Metadata
	Height    uint64
	CreatedAt time.Time
}

// CreateSnapshot creates an immutable snapshot of the current graph state.
// Tokens are copied shallowly, edges and pools deeply.
func (g *Graph) CreateSnapshot(height uint64) *Snapshot {
	g.mu.RLock()
	defer g.mu.RUnlock()

	snap := &Snapshot{
		Tokens:     make([]TokenInfo, len(g.tokens)),
		TokenIndex: make(map[common.Address]int, len(g.tokenIndex)),
		Adjacency:  make([][]Edge, len(g.adjacency)),
		Pools:      make(map[common.Address]PoolState, len(g.pools)),
		Height:     height,
		CreatedAt:  time.Now(),
	}

	copy(snap.Tokens, g.tokens)

	for k, v := range g.tokenIndex {
		snap.TokenIndex[k] = v
	}

	for i, edges := range g.adjacency {
		snap.Adjacency[i] = make([]Edge, len(edges))
		for j, edge := range edges {
			edge.ReserveIn = cloneOrZero(edge.ReserveIn)
			edge.ReserveOut = cloneOrZero(edge.ReserveOut)
			snap.Adjacency[i][j] = edge
		}
	}

	for addr, pool := range g.pools {
		snap.Pools[addr] = pool.clone()
	}

	return snap
}

// NumNodes returns the number of nodes in the snapshot.
func (s *Snapshot) NumNodes() int {
	return len(s.Tokens)
}

// NumEdges returns the number of directed edges in the snapshot.
func (s *Snapshot) NumEdges() int {
	count := 0
	for _, edges := range s.Adjacency {
		count += len(edges)
	}
	return count
}

// NumPools returns the number of pools in the snapshot.
func (s *Snapshot) NumPools() int {
	return len(s.Pools)
}

// GetToken returns token info by index.
func (s *Snapshot) GetToken(idx int) (TokenInfo, bool) {
	if idx < 0 || idx >= len(s.Tokens) {
		return TokenInfo{}, false
	}
	return s.Tokens[idx], true
}

// GetTokenIndex returns the index for a token address.
func (s *Snapshot) GetTokenIndex(address common.Address) (int, bool) {
	idx, exists := s.TokenIndex[address]
	return idx, exists
}

// GetEdgesFrom returns all edges from a given node.
func (s *Snapshot) GetEdgesFrom(nodeIdx int) []Edge {
	if nodeIdx < 0 || nodeIdx >= len(s.Adjacency) {
		return nil
	}
	return s.Adjacency[nodeIdx]
}

// GetPool returns pool state by address.
func (s *Snapshot) GetPool(address common.Address) (PoolState, bool) {
	pool, exists := s.Pools[address]
	return pool, exists
}
