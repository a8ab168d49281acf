package token

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"dexcore/internal/dexerr"
)

// Directory resolves token addresses to their implementation.
type Directory struct {
	mu     sync.RWMutex
	tokens map[common.Address]ERC20
}

// NewDirectory creates an empty directory.
func NewDirectory() *Directory {
	return &Directory{tokens: make(map[common.Address]ERC20)}
}

// Register adds t to the directory, replacing any token at the same address.
func (d *Directory) Register(t ERC20) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tokens[t.Address()] = t
}

// Lookup returns the token at address.
func (d *Directory) Lookup(address common.Address) (ERC20, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	t, ok := d.tokens[address]
	if !ok {
		return nil, dexerr.Newf(dexerr.UnknownToken, "token.lookup", "%s", address.Hex())
	}
	return t, nil
}

// Addresses returns every registered token address in ascending order.
func (d *Directory) Addresses() []common.Address {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]common.Address, 0, len(d.tokens))
	for addr := range d.tokens {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Cmp(out[j]) < 0
	})
	return out
}
