package exchange

import (
	"errors"

	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
)

var (
	ErrUnauthorized        = errors.New("unauthorized")
	ErrOrderNotFound       = errors.New("order not found")
	ErrInvalidState        = errors.New("invalid order state")
	ErrOrderFilled         = &stateError{"order already filled"}
	ErrOrderCancelled      = &stateError{"order already cancelled"}
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrReentrantCall       = errors.New("reentrant call")
)

// stateError lets the filled/cancelled sentinels match ErrInvalidState.
type stateError struct{ msg string }

func (e *stateError) Error() string        { return e.msg }
func (e *stateError) Is(target error) bool { return target == ErrInvalidState }

// ErrorKind groups failures into the categories callers act on.
type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindUnauthorized
	KindNotFound
	KindInvalidState
	KindInsufficientBalance
)

func (k ErrorKind) String() string {
	switch k {
	case KindUnauthorized:
		return "unauthorized"
	case KindNotFound:
		return "not_found"
	case KindInvalidState:
		return "invalid_state"
	case KindInsufficientBalance:
		return "insufficient_balance"
	default:
		return "unknown"
	}
}

// Kind classifies err. Token-level shortfalls (balance or allowance on the
// external asset) count as insufficient balance.
func Kind(err error) ErrorKind {
	switch {
	case err == nil:
		return KindUnknown
	case errors.Is(err, ErrUnauthorized):
		return KindUnauthorized
	case errors.Is(err, ErrOrderNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidState):
		return KindInvalidState
	case errors.Is(err, ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return KindInsufficientBalance
	default:
		return KindUnknown
	}
}
