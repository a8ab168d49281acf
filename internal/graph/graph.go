// Package graph maintains the token graph of registered pools and finds
// swap routes through it.
package graph

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// TokenInfo represents a token in the graph.
type TokenInfo struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// Edge represents a directed edge in the graph (one direction of a pool).
type Edge struct {
	From       int            // Index of source token
	To         int            // Index of target token
	Weight     float64        // -log(spot rate after fee), lower is better
	PoolAddr   common.Address // Pool address
	ReserveIn  *uint256.Int   // Source reserve
	ReserveOut *uint256.Int   // Target reserve
	Fee        float64        // Fee rate (e.g., 0.003 for 0.3%)
	IsReversed bool           // True if this is token1->token0 direction
}

// Graph is the in-memory token graph.
// Tokens are nodes (indexed 0 to N-1), pools create bidirectional edges.
type Graph struct {
	mu sync.RWMutex

	tokens     []TokenInfo
	tokenIndex map[common.Address]int

	// adjacency[fromIdx] = list of edges from that node
	adjacency [][]Edge

	pools map[common.Address]*PoolState
}

// PoolState represents the current state of a pool.
type PoolState struct {
	Address  common.Address
	Kind     uint8
	Token0   common.Address
	Token1   common.Address
	Reserve0 *uint256.Int
	Reserve1 *uint256.Int
	Fee      float64
}

func (p PoolState) clone() PoolState {
	p.Reserve0 = cloneOrZero(p.Reserve0)
	p.Reserve1 = cloneOrZero(p.Reserve1)
	return p
}

func cloneOrZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v.Clone()
}

// NewGraph creates a new empty graph.
func NewGraph() *Graph {
	return &Graph{
		tokens:     make([]TokenInfo, 0),
		tokenIndex: make(map[common.Address]int),
		adjacency:  make([][]Edge, 0),
		pools:      make(map[common.Address]*PoolState),
	}
}

// AddToken adds a token to the graph if it doesn't exist and returns its
// index.
func (g *Graph) AddToken(token TokenInfo) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.addTokenLocked(token)
}

func (g *Graph) addTokenLocked(token TokenInfo) int {
	if idx, exists := g.tokenIndex[token.Address]; exists {
		if g.tokens[idx].Symbol == "" {
			g.tokens[idx] = token
		}
		return idx
	}

	idx := len(g.tokens)
	g.tokens = append(g.tokens, token)
	g.tokenIndex[token.Address] = idx
	g.adjacency = append(g.adjacency, make([]Edge, 0))

	return idx
}

// AddPool adds or updates a pool and its two edges.
func (g *Graph) AddPool(pool PoolState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.addPoolLocked(pool)
}

func (g *Graph) addPoolLocked(pool PoolState) {
	idx0 := g.addTokenLocked(TokenInfo{Address: pool.Token0})
	idx1 := g.addTokenLocked(TokenInfo{Address: pool.Token1})

	state := pool.clone()
	g.pools[pool.Address] = &state

	g.updateEdge(idx0, idx1, Edge{
		From:       idx0,
		To:         idx1,
		Weight:     CalculateWeight(state.Reserve0, state.Reserve1, state.Fee),
		PoolAddr:   state.Address,
		ReserveIn:  state.Reserve0,
		ReserveOut: state.Reserve1,
		Fee:        state.Fee,
	})
	g.updateEdge(idx1, idx0, Edge{
		From:       idx1,
		To:         idx0,
		Weight:     CalculateWeight(state.Reserve1, state.Reserve0, state.Fee),
		PoolAddr:   state.Address,
		ReserveIn:  state.Reserve1,
		ReserveOut: state.Reserve0,
		Fee:        state.Fee,
		IsReversed: true,
	})
}

// updateEdge updates an existing edge or adds a new one.
func (g *Graph) updateEdge(from, to int, edge Edge) {
	for i, e := range g.adjacency[from] {
		if e.PoolAddr == edge.PoolAddr && e.To == to {
			g.adjacency[from][i] = edge
			return
		}
	}
	g.adjacency[from] = append(g.adjacency[from], edge)
}

// UpdateReserves updates the reserves for a pool and recalculates its edge
// weights. It reports whether the pool is known.
func (g *Graph) UpdateReserves(poolAddr common.Address, reserve0, reserve1 *uint256.Int) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	pool, exists := g.pools[poolAddr]
	if !exists {
		return false
	}
	updated := *pool
	updated.Reserve0 = reserve0
	updated.Reserve1 = reserve1
	g.addPoolLocked(updated)
	return true
}

// GetToken returns token info by address.
func (g *Graph) GetToken(address common.Address) (TokenInfo, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, exists := g.tokenIndex[address]
	if !exists {
		return TokenInfo{}, false
	}
	return g.tokens[idx], true
}

// GetTokenIndex returns the index for a token address.
func (g *Graph) GetTokenIndex(address common.Address) (int, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	idx, exists := g.tokenIndex[address]
	return idx, exists
}

// GetPool returns a copy of the pool state.
func (g *Graph) GetPool(address common.Address) (PoolState, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	pool, exists := g.pools[address]
	if !exists {
		return PoolState{}, false
	}
	return pool.clone(), true
}

// NumNodes returns the number of tokens (nodes) in the graph.
func (g *Graph) NumNodes() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.tokens)
}

// NumEdges returns the total number of directed edges.
func (g *Graph) NumEdges() int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	count := 0
	for _, edges := range g.adjacency {
		count += len(edges)
	}
	return count
}

// NumPools returns the number of pools in the graph.
func (g *Graph) NumPools() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.pools)
}

// GetEdgesFrom returns a copy of all edges from a node.
func (g *Graph) GetEdgesFrom(nodeIdx int) []Edge {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if nodeIdx < 0 || nodeIdx >= len(g.adjacency) {
		return nil
	}
	edges := make([]Edge, len(g.adjacency[nodeIdx]))
	copy(edges, g.adjacency[nodeIdx])
	return edges
}

// HasPool checks if a pool exists in the graph.
func (g *Graph) HasPool(address common.Address) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, exists := g.pools[address]
	return exists
}
