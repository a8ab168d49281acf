package graph

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"
)

// ValidationResult holds the results of a graph consistency check.
type ValidationResult struct {
	Valid            bool
	Errors           []string
	MissingTokens    []common.Address // Pool tokens that don't exist in token list
	OrphanTokens     []common.Address // Tokens with zero edges
	MissingPoolEdges []common.Address // Pools without bidirectional edges
	EdgePoolMismatch []common.Address // Edges referencing non-existent pools
}

func (r *ValidationResult) fail(format string, args ...interface{}) {
	r.Valid = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

// Validate checks that every pool has both tokens and both edges, and that
// every edge belongs to a known pool. Orphan tokens are reported but do not
// invalidate the graph.
func (g *Graph) Validate() *ValidationResult {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := &ValidationResult{Valid: true}

	incoming := make([]int, len(g.tokens))
	for fromIdx, edges := range g.adjacency {
		for _, edge := range edges {
			if edge.To >= 0 && edge.To < len(incoming) {
				incoming[edge.To]++
			}
			if _, exists := g.pools[edge.PoolAddr]; !exists {
				result.EdgePoolMismatch = append(result.EdgePoolMismatch, edge.PoolAddr)
				result.fail("edge from token %d to %d references non-existent pool: %s",
					fromIdx, edge.To, edge.PoolAddr.Hex())
			}
		}
	}

	for idx, token := range g.tokens {
		if len(g.adjacency[idx]) == 0 && incoming[idx] == 0 {
			result.OrphanTokens = append(result.OrphanTokens, token.Address)
		}
	}

	for addr, pool := range g.pools {
		idx0, exists0 := g.tokenIndex[pool.Token0]
		idx1, exists1 := g.tokenIndex[pool.Token1]
		if !exists0 {
			result.MissingTokens = append(result.MissingTokens, pool.Token0)
			result.fail("pool %s references non-existent token0: %s", addr.Hex(), pool.Token0.Hex())
		}
		if !exists1 {
			result.MissingTokens = append(result.MissingTokens, pool.Token1)
			result.fail("pool %s references non-existent token1: %s", addr.Hex(), pool.Token1.Hex())
		}
		if !exists0 || !exists1 {
			continue
		}

		hasForward := g.hasEdgeLocked(idx0, idx1, addr)
		hasReverse := g.hasEdgeLocked(idx1, idx0, addr)
		if !hasForward || !hasReverse {
			result.MissingPoolEdges = append(result.MissingPoolEdges, addr)
		}
		if !hasForward {
			result.fail("pool %s missing forward edge (token0 -> token1)", addr.Hex())
		}
		if !hasReverse {
			result.fail("pool %s missing reverse edge (token1 -> token0)", addr.Hex())
		}
	}

	return result
}

func (g *Graph) hasEdgeLocked(from, to int, pool common.Address) bool {
	for _, edge := range g.adjacency[from] {
		if edge.PoolAddr == pool && edge.To == to {
			return true
		}
	}
	return false
}

// ValidateAndLog performs validation and logs the results.
// Returns true if the graph is valid, false otherwise.
func (g *Graph) ValidateAndLog() bool {
	result := g.Validate()

	if len(result.OrphanTokens) > 0 {
		log.Warn().
			Int("count", len(result.OrphanTokens)).
			Strs("tokens", hexStrings(result.OrphanTokens, 5)).
			Msg("Graph has orphan tokens (no edges)")
	}

	if result.Valid {
		log.Info().
			Int("tokens", g.NumNodes()).
			Int("edges", g.NumEdges()).
			Int("pools", g.NumPools()).
			Msg("Graph validation passed")
		return true
	}

	for _, err := range result.Errors {
		log.Error().Msg("Graph validation error: " + err)
	}
	log.Error().
		Int("error_count", len(result.Errors)).
		Int("missing_tokens", len(result.MissingTokens)).
		Int("edge_pool_mismatch", len(result.EdgePoolMismatch)).
		Int("missing_pool_edges", len(result.MissingPoolEdges)).
		Msg("Graph validation FAILED")

	return false
}

// hexStrings renders at most n addresses for logging.
func hexStrings(addrs []common.Address, n int) []string {
	if len(addrs) > n {
		addrs = addrs[:n]
	}
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
