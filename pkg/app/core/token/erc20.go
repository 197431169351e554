package token

import (
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ERC20 is an in-memory fungible token with standard allowance semantics.
// Thread-safe.
type ERC20 struct {
	address  common.Address
	name     string
	symbol   string
	decimals uint8

	mu          sync.RWMutex
	totalSupply *uint256.Int
	balances    map[common.Address]*uint256.Int
	allowances  map[common.Address]map[common.Address]*uint256.Int
}

// NewERC20 deploys a token at addr and mints supply (in whole tokens) to holder.
func NewERC20(addr common.Address, name, symbol string, supply *uint256.Int, holder common.Address) *ERC20 {
	t := &ERC20{
		address:     addr,
		name:        name,
		symbol:      symbol,
		decimals:    DefaultDecimals,
		totalSupply: new(uint256.Int),
		balances:    make(map[common.Address]*uint256.Int),
		allowances:  make(map[common.Address]map[common.Address]*uint256.Int),
	}
	if supply != nil && !supply.IsZero() {
		t.totalSupply = supply.Clone()
		t.balances[holder] = supply.Clone()
	}
	return t
}

func (t *ERC20) Address() common.Address { return t.address }
func (t *ERC20) Name() string            { return t.name }
func (t *ERC20) Symbol() string          { return t.symbol }
func (t *ERC20) Decimals() uint8         { return t.decimals }

func (t *ERC20) TotalSupply() *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.totalSupply.Clone()
}

func (t *ERC20) BalanceOf(owner common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.balanceLocked(owner).Clone()
}

func (t *ERC20) Allowance(owner, spender common.Address) *uint256.Int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.allowanceLocked(owner, spender).Clone()
}

func (t *ERC20) Approve(owner, spender common.Address, amount *uint256.Int) error {
	if spender == (common.Address{}) {
		return fmt.Errorf("approve: %w", ErrZeroAddress)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.allowances[owner] == nil {
		t.allowances[owner] = make(map[common.Address]*uint256.Int)
	}
	t.allowances[owner][spender] = amount.Clone()
	return nil
}

func (t *ERC20) Transfer(from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.transferLocked(from, to, amount)
}

// TransferFrom moves amount from `from` to `to` on behalf of spender,
// consuming spender's allowance. Nothing moves if either check fails.
func (t *ERC20) TransferFrom(spender, from, to common.Address, amount *uint256.Int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	allowed := t.allowanceLocked(from, spender)
	if allowed.Lt(amount) {
		return fmt.Errorf("%s transferFrom %s by %s: allowed %s, need %s: %w",
			t.symbol, from.Hex(), spender.Hex(), allowed.Dec(), amount.Dec(), ErrInsufficientAllowance)
	}
	if err := t.transferLocked(from, to, amount); err != nil {
		return err
	}
	// A missing allowance map means allowed and amount were both zero.
	if t.allowances[from] != nil {
		t.allowances[from][spender] = new(uint256.Int).Sub(allowed, amount)
	}
	return nil
}

func (t *ERC20) transferLocked(from, to common.Address, amount *uint256.Int) error {
	if to == (common.Address{}) {
		return fmt.Errorf("transfer: %w", ErrZeroAddress)
	}
	bal := t.balanceLocked(from)
	if bal.Lt(amount) {
		return fmt.Errorf("%s transfer from %s: have %s, need %s: %w",
			t.symbol, from.Hex(), bal.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	t.balances[from] = new(uint256.Int).Sub(bal, amount)
	// Cannot overflow: the sum of balances equals totalSupply.
	t.balances[to] = new(uint256.Int).Add(t.balanceLocked(to), amount)
	return nil
}

func (t *ERC20) balanceLocked(owner common.Address) *uint256.Int {
	if b, ok := t.balances[owner]; ok {
		return b
	}
	return new(uint256.Int)
}

func (t *ERC20) allowanceLocked(owner, spender common.Address) *uint256.Int {
	if a, ok := t.allowances[owner][spender]; ok {
		return a
	}
	return new(uint256.Int)
}

// State is a serializable copy of an ERC20, used to persist devnet tokens.
type State struct {
	Address     common.Address                                     `json:"address"`
	Name        string                                             `json:"name"`
	Symbol      string                                             `json:"symbol"`
	TotalSupply *uint256.Int                                       `json:"totalSupply"`
	Balances    map[common.Address]*uint256.Int                    `json:"balances"`
	Allowances  map[common.Address]map[common.Address]*uint256.Int `json:"allowances"`
}

// Snapshot returns a deep copy of the token state.
func (t *ERC20) Snapshot() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s := State{
		Address:     t.address,
		Name:        t.name,
		Symbol:      t.symbol,
		TotalSupply: t.totalSupply.Clone(),
		Balances:    make(map[common.Address]*uint256.Int, len(t.balances)),
		Allowances:  make(map[common.Address]map[common.Address]*uint256.Int, len(t.allowances)),
	}
	for k, v := range t.balances {
		s.Balances[k] = v.Clone()
	}
	for owner, m := range t.allowances {
		cp := make(map[common.Address]*uint256.Int, len(m))
		for spender, v := range m {
			cp[spender] = v.Clone()
		}
		s.Allowances[owner] = cp
	}
	return s
}

// FromState rebuilds a token from a snapshot.
func FromState(s State) *ERC20 {
	t := NewERC20(s.Address, s.Name, s.Symbol, nil, common.Address{})
	if s.TotalSupply != nil {
		t.totalSupply = s.TotalSupply.Clone()
	}
	for k, v := range s.Balances {
		t.balances[k] = v.Clone()
	}
	for owner, m := range s.Allowances {
		t.allowances[owner] = make(map[common.Address]*uint256.Int, len(m))
		for spender, v := range m {
			t.allowances[owner][spender] = v.Clone()
		}
	}
	return t
}

var _ Token = (*ERC20)(nil)
