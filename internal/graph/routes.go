package graph

import (
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"dexcore/internal/codec"
	"dexcore/internal/dexerr"
	"dexcore/internal/pool"
	"dexcore/internal/router"
	"dexcore/internal/vault"
)

// DefaultMaxHops bounds route length when the caller does not.
const DefaultMaxHops = 3

// Paths returns every simple path of at most maxHops edges from tokenIn to
// tokenOut. No token or pool appears twice in a path. Paths are ordered by
// total weight, best spot rate first.
func (s *Snapshot) Paths(tokenIn, tokenOut common.Address, maxHops int) [][]Edge {
	from, ok := s.TokenIndex[tokenIn]
	if !ok {
		return nil
	}
	to, ok := s.TokenIndex[tokenOut]
	if !ok || from == to || maxHops <= 0 {
		return nil
	}

	var (
		paths     [][]Edge
		current   []Edge
		seenToken = map[int]bool{from: true}
		seenPool  = make(map[common.Address]bool)
	)

	var walk func(node int)
	walk = func(node int) {
		for _, edge := range s.Adjacency[node] {
			if seenToken[edge.To] || seenPool[edge.PoolAddr] {
				continue
			}
			current = append(current, edge)
			if edge.To == to {
				path := make([]Edge, len(current))
				copy(path, current)
				paths = append(paths, path)
			} else if len(current) < maxHops {
				seenToken[edge.To] = true
				seenPool[edge.PoolAddr] = true
				walk(edge.To)
				delete(seenToken, edge.To)
				delete(seenPool, edge.PoolAddr)
			}
			current = current[:len(current)-1]
		}
	}
	walk(from)

	sort.SliceStable(paths, func(i, j int) bool {
		return PathWeight(paths[i]) < PathWeight(paths[j])
	})
	return paths
}

// PathWeight sums the edge weights of a path.
func PathWeight(path []Edge) float64 {
	total := 0.0
	for _, e := range path {
		total += e.Weight
	}
	return total
}

// Hop is one pool traversal of a quoted route.
type Hop struct {
	Pool      common.Address
	TokenIn   common.Address
	TokenOut  common.Address
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
}

// Route is a quoted path.
type Route struct {
	Hops      []Hop
	AmountIn  *uint256.Int
	AmountOut *uint256.Int
	Weight    float64
}

// TokenIn returns the input token of the route.
func (r *Route) TokenIn() common.Address {
	return r.Hops[0].TokenIn
}

// TokenOut returns the output token of the route.
func (r *Route) TokenOut() common.Address {
	return r.Hops[len(r.Hops)-1].TokenOut
}

// SwapPath builds the router path executing r. Every hop but the last pays
// the next pool as vault credit; the last pays recipient with mode.
func (r *Route) SwapPath(recipient common.Address, mode vault.WithdrawMode) router.SwapPath {
	steps := make([]router.SwapStep, len(r.Hops))
	for i, hop := range r.Hops {
		data := codec.SwapData{TokenOut: hop.TokenOut, Recipient: recipient, Mode: uint8(mode)}
		if i < len(r.Hops)-1 {
			data.Recipient = r.Hops[i+1].Pool
			data.Mode = uint8(vault.ModeInternal)
		}
		steps[i] = router.SwapStep{Pool: hop.Pool, Data: codec.EncodeSwapData(data)}
	}
	return router.SwapPath{
		Steps:    steps,
		TokenIn:  r.TokenIn(),
		AmountIn: r.AmountIn.Clone(),
	}
}

// PoolSource resolves registered pools. *poolmaster.Master satisfies it.
type PoolSource interface {
	Pool(address common.Address) (pool.Pool, error)
}

// Finder quotes graph paths against live pools and picks the best one.
type Finder struct {
	manager *Manager
	pools   PoolSource
	maxHops int
	log     zerolog.Logger
}

// NewFinder creates a route finder. A non-positive maxHops uses
// DefaultMaxHops.
func NewFinder(m *Manager, pools PoolSource, maxHops int) *Finder {
	if maxHops <= 0 {
		maxHops = DefaultMaxHops
	}
	return &Finder{
		manager: m,
		pools:   pools,
		maxHops: maxHops,
		log:     log.With().Str("component", "finder").Logger(),
	}
}

// BestRoute returns the path paying the most tokenOut for amountIn of
// tokenIn. Paths whose quote fails are skipped. It must not run
// concurrently with a mutating engine call.
func (f *Finder) BestRoute(tokenIn, tokenOut common.Address, amountIn *uint256.Int) (*Route, error) {
	const op = "graph.bestRoute"
	if tokenIn == tokenOut {
		return nil, dexerr.Newf(dexerr.InvalidParameter, op, "identical tokens %s", tokenIn.Hex())
	}
	if amountIn == nil || amountIn.IsZero() {
		return nil, dexerr.New(dexerr.InvalidAmount, op)
	}

	snap := f.manager.Snapshot()
	paths := snap.Paths(tokenIn, tokenOut, f.maxHops)

	var best *Route
	for _, path := range paths {
		route, err := f.quote(path, snap, amountIn)
		if err != nil {
			f.log.Debug().Err(err).Int("hops", len(path)).Msg("Skipping unquotable path")
			continue
		}
		if best == nil || route.AmountOut.Gt(best.AmountOut) {
			best = route
		}
	}
	if best == nil {
		return nil, dexerr.Newf(dexerr.InvalidPath, op, "no route from %s to %s", tokenIn.Hex(), tokenOut.Hex())
	}

	f.log.Debug().
		Str("token_in", tokenIn.Hex()).
		Str("token_out", tokenOut.Hex()).
		Int("candidates", len(paths)).
		Int("hops", len(best.Hops)).
		Str("amount_out", best.AmountOut.Dec()).
		Msg("Route selected")
	return best, nil
}

func (f *Finder) quote(path []Edge, snap *Snapshot, amountIn *uint256.Int) (*Route, error) {
	route := &Route{AmountIn: amountIn.Clone(), Weight: PathWeight(path)}
	amount := amountIn.Clone()
	for _, edge := range path {
		p, err := f.pools.Pool(edge.PoolAddr)
		if err != nil {
			return nil, err
		}
		in, _ := snap.GetToken(edge.From)
		out, _ := snap.GetToken(edge.To)
		got, err := p.Quote(in.Address, out.Address, amount)
		if err != nil {
			return nil, err
		}
		route.Hops = append(route.Hops, Hop{
			Pool:      edge.PoolAddr,
			TokenIn:   in.Address,
			TokenOut:  out.Address,
			AmountIn:  amount,
			AmountOut: got,
		})
		amount = got
	}
	route.AmountOut = amount
	return route, nil
}
