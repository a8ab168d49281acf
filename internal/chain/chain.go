// Package chain is the execution environment the engine runs in: journaled
// state, a clock, the native asset, the token directory and the event bus.
package chain

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog/log"

	"dexcore/internal/events"
	"dexcore/internal/state"
	"dexcore/internal/token"
)

// Chain groups the shared environment every component is constructed with.
type Chain struct {
	State  *state.DB
	Clock  Clock
	Native *token.Native
	WETH   *token.Wrapped
	Tokens *token.Directory
	Events *events.Bus

	mu       sync.Mutex
	deployer common.Address
	nonce    uint64
}

// Option customizes a Chain.
type Option func(*Chain)

// WithClock replaces the system clock.
func WithClock(c Clock) Option {
	return func(ch *Chain) {
		ch.Clock = c
	}
}

// WithDeployer sets the account whose nonce derives deployment addresses.
func WithDeployer(addr common.Address) Option {
	return func(ch *Chain) {
		ch.deployer = addr
	}
}

// New creates an environment with a native ledger and a wrapped native token.
func New(opts ...Option) *Chain {
	db := state.NewDB()
	c := &Chain{
		State:    db,
		Clock:    SystemClock{},
		Native:   token.NewNative(db),
		Tokens:   token.NewDirectory(),
		Events:   events.NewBus(db),
		deployer: common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"),
	}
	for _, opt := range opts {
		opt(c)
	}

	c.WETH = token.NewWrapped(db, c.Native, c.NextAddress())
	c.Tokens.Register(c.WETH)
	return c
}

// NextAddress derives a fresh contract address from the deployer nonce.
func (c *Chain) NextAddress() common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	addr := crypto.CreateAddress(c.deployer, c.nonce)
	c.nonce++
	return addr
}

// DeployToken creates and registers a new token.
func (c *Chain) DeployToken(symbol string, decimals uint8) *token.Token {
	t := token.New(c.State, c.NextAddress(), symbol, decimals)
	c.Tokens.Register(t)
	log.Debug().
		Str("symbol", symbol).
		Str("address", t.Address().Hex()).
		Msg("Token deployed")
	return t
}

// Now returns the current block time as unix seconds.
func (c *Chain) Now() uint64 {
	return uint64(c.Clock.Now().Unix())
}
