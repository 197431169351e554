// Package token defines the fungible-asset capability the exchange custodies,
// plus an in-process ERC-20 used by the devnet node and by tests.
package token

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrInsufficientBalance   = errors.New("token: transfer amount exceeds balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrUnknownToken          = errors.New("token: unknown token")
)

// Token is the standard fungible-asset surface (ERC-20 semantics).
// Every call names its msg.sender explicitly: owner for Approve, from for
// Transfer, spender for TransferFrom.
type Token interface {
	Address() common.Address
	Symbol() string
	Decimals() uint8

	BalanceOf(owner common.Address) *uint256.Int
	Allowance(owner, spender common.Address) *uint256.Int

	Approve(owner, spender common.Address, amount *uint256.Int) error
	Transfer(from, to common.Address, amount *uint256.Int) error
	TransferFrom(spender, from, to common.Address, amount *uint256.Int) error
}

// Resolver looks up a token by its contract address.
type Resolver interface {
	Token(addr common.Address) (Token, error)
}
