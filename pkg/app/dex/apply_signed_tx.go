package dex

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/transaction"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusOK      Status = "ok"
	StatusFailed  Status = "failed"
)

// Receipt is the outcome of a submitted transaction.
type Receipt struct {
	TxHash    common.Hash    `json:"txHash"`
	Type      string         `json:"type"`
	Owner     common.Address `json:"owner"`
	Nonce     uint64         `json:"nonce"`
	Status    Status         `json:"status"`
	Height    uint64         `json:"height,omitempty"`
	Index     int            `json:"index"`
	Error     string         `json:"error,omitempty"`
	ErrorKind string         `json:"errorKind,omitempty"`
	OrderID   uint64         `json:"orderId,omitempty"`
	Event     any            `json:"event,omitempty"`
}

// applyTx executes one transaction. Signature and nonce are checked again
// because blocks may carry txs admitted before a restart.
func (a *App) applyTx(raw []byte) *Receipt {
	r := &Receipt{TxHash: transaction.Hash(raw), Status: StatusFailed}

	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		r.Type = "unknown"
		r.Error = err.Error()
		a.logger.Warnw("invalid_tx", "hash", r.TxHash.Hex(), "err", err)
		return r
	}
	r.Type = string(tx.Type)
	r.Nonce = tx.Nonce()

	owner, err := a.verifier.Verify(tx)
	if err != nil {
		r.Error = err.Error()
		a.logger.Warnw("signature_verification_failed", "hash", r.TxHash.Hex(), "err", err)
		return r
	}
	r.Owner = owner

	// Replay protection: the nonce is consumed even if execution fails.
	if last := a.nonces[owner]; r.Nonce <= last {
		r.Error = fmt.Errorf("%w: nonce %d, last used %d", ErrNonceTooLow, r.Nonce, last).Error()
		a.logger.Warnw("nonce_too_low", "owner", owner.Hex(), "nonce", r.Nonce, "last", last)
		return r
	}
	a.nonces[owner] = r.Nonce
	a.dirty[owner] = r.Nonce

	ev, err := a.execute(tx, owner)
	if err != nil {
		r.Error = err.Error()
		if k := exchange.Kind(err); k != exchange.KindUnknown {
			r.ErrorKind = k.String()
		}
		a.logger.Infow("tx_failed", "hash", r.TxHash.Hex(), "type", tx.Type, "owner", owner.Hex(), "err", err)
		return r
	}
	r.Status = StatusOK
	r.Event = ev
	if o, ok := ev.(*exchange.Order); ok {
		r.OrderID = o.ID
	}
	return r
}

func (a *App) execute(tx *transaction.SignedTransaction, owner common.Address) (any, error) {
	switch tx.Type {
	case transaction.TxTypeDeposit:
		p, err := tx.Deposit.Decode()
		if err != nil {
			return nil, err
		}
		return a.ex.DepositToken(owner, p.Token, p.Amount)

	case transaction.TxTypeWithdraw:
		p, err := tx.Withdraw.Decode()
		if err != nil {
			return nil, err
		}
		return a.ex.WithdrawToken(owner, p.Token, p.Amount)

	case transaction.TxTypeApprove:
		p, err := tx.Approve.Decode()
		if err != nil {
			return nil, err
		}
		t, err := a.tokens.Token(p.Token)
		if err != nil {
			return nil, err
		}
		if err := t.Approve(owner, a.ex.Address(), p.Amount); err != nil {
			return nil, err
		}
		return map[string]string{"token": p.Token.Hex(), "spender": a.ex.Address().Hex(), "amount": p.Amount.Dec()}, nil

	case transaction.TxTypeOrder:
		o, err := tx.Order.Decode()
		if err != nil {
			return nil, err
		}
		return a.ex.MakeOrder(owner, o.TokenGet, o.AmountGet, o.TokenGive, o.AmountGive)

	case transaction.TxTypeCancel:
		id, err := tx.Cancel.ID()
		if err != nil {
			return nil, err
		}
		return a.ex.CancelOrder(owner, id)

	case transaction.TxTypeFill:
		id, err := tx.Fill.ID()
		if err != nil {
			return nil, err
		}
		return a.ex.FillOrder(owner, id)
	}
	return nil, fmt.Errorf("unsupported transaction type: %s", tx.Type)
}
