package token

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
)

// Registry holds the tokens known to a node, keyed by contract address.
type Registry struct {
	mu       sync.RWMutex
	tokens   map[common.Address]Token
	deployer common.Address
	nonce    uint64
}

func NewRegistry(deployer common.Address) *Registry {
	return &Registry{
		tokens:   make(map[common.Address]Token),
		deployer: deployer,
	}
}

// Deploy creates a reference ERC20 at the next contract address of the
// registry's deployer and mints supply (whole tokens) to holder.
func (r *Registry) Deploy(name, symbol string, supply uint64, holder common.Address) *ERC20 {
	r.mu.Lock()
	defer r.mu.Unlock()

	addr := crypto.CreateAddress(r.deployer, r.nonce)
	r.nonce++

	units := new(uint256.Int).Mul(uint256.NewInt(supply), new(uint256.Int).Exp(uint256.NewInt(10), uint256.NewInt(DefaultDecimals)))
	t := NewERC20(addr, name, symbol, units, holder)
	r.tokens[addr] = t
	return t
}

// Register adds an existing token implementation.
func (r *Registry) Register(t Token) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[t.Address()] = t
	r.nonce++
}

func (r *Registry) Token(addr common.Address) (Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tokens[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownToken)
	}
	return t, nil
}

// List returns all tokens sorted by address.
func (r *Registry) List() []Token {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Token, 0, len(r.tokens))
	for _, t := range r.tokens {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Address().Cmp(out[j].Address()) < 0
	})
	return out
}

var _ Resolver = (*Registry)(nil)
