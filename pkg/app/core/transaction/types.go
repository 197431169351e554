package transaction

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"

	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

// TxType names the exchange action a transaction carries.
type TxType string

const (
	TxTypeDeposit  TxType = "deposit"
	TxTypeWithdraw TxType = "withdraw"
	TxTypeOrder    TxType = "order"
	TxTypeCancel   TxType = "cancel"
	TxTypeFill     TxType = "fill"
	TxTypeApprove  TxType = "approve" // devnet token allowance to custody
)

// SignedTransaction is the wire envelope. Exactly one payload matching Type
// is set; Signature is the owner's EIP-712 signature over it.
type SignedTransaction struct {
	Type      TxType           `json:"type"`
	Deposit   *AmountPayload   `json:"deposit,omitempty"`
	Withdraw  *AmountPayload   `json:"withdraw,omitempty"`
	Approve   *AmountPayload   `json:"approve,omitempty"`
	Order     *OrderPayload    `json:"order,omitempty"`
	Cancel    *OrderRefPayload `json:"cancel,omitempty"`
	Fill      *OrderRefPayload `json:"fill,omitempty"`
	Signature string           `json:"signature"` // 0x-prefixed hex
}

// AmountPayload moves Amount (base units, decimal) of Token.
type AmountPayload struct {
	Token  string `json:"token"`
	Amount string `json:"amount"`
	Nonce  string `json:"nonce"`
	Owner  string `json:"owner"`
}

type OrderPayload struct {
	TokenGet   string `json:"tokenGet"`
	AmountGet  string `json:"amountGet"`
	TokenGive  string `json:"tokenGive"`
	AmountGive string `json:"amountGive"`
	Nonce      string `json:"nonce"`
	Owner      string `json:"owner"`
}

// OrderRefPayload refers to an existing order (cancel, fill).
type OrderRefPayload struct {
	OrderID string `json:"orderId"`
	Nonce   string `json:"nonce"`
	Owner   string `json:"owner"`
}

// Amounts is the decoded form of an AmountPayload.
type Amounts struct {
	Token  common.Address
	Amount *uint256.Int
}

// OrderTerms is the decoded form of an OrderPayload.
type OrderTerms struct {
	TokenGet   common.Address
	AmountGet  *uint256.Int
	TokenGive  common.Address
	AmountGive *uint256.Int
}

func NewDeposit(tok common.Address, amount *uint256.Int, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeDeposit, Deposit: newAmountPayload(tok, amount, nonce, owner)}
}

func NewWithdraw(tok common.Address, amount *uint256.Int, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeWithdraw, Withdraw: newAmountPayload(tok, amount, nonce, owner)}
}

func NewApprove(tok common.Address, amount *uint256.Int, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeApprove, Approve: newAmountPayload(tok, amount, nonce, owner)}
}

func NewOrder(terms OrderTerms, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeOrder, Order: &OrderPayload{
		TokenGet:   terms.TokenGet.Hex(),
		AmountGet:  terms.AmountGet.Dec(),
		TokenGive:  terms.TokenGive.Hex(),
		AmountGive: terms.AmountGive.Dec(),
		Nonce:      strconv.FormatUint(nonce, 10),
		Owner:      owner.Hex(),
	}}
}

func NewCancel(orderID, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeCancel, Cancel: newOrderRef(orderID, nonce, owner)}
}

func NewFill(orderID, nonce uint64, owner common.Address) *SignedTransaction {
	return &SignedTransaction{Type: TxTypeFill, Fill: newOrderRef(orderID, nonce, owner)}
}

func newAmountPayload(tok common.Address, amount *uint256.Int, nonce uint64, owner common.Address) *AmountPayload {
	return &AmountPayload{
		Token:  tok.Hex(),
		Amount: amount.Dec(),
		Nonce:  strconv.FormatUint(nonce, 10),
		Owner:  owner.Hex(),
	}
}

func newOrderRef(orderID, nonce uint64, owner common.Address) *OrderRefPayload {
	return &OrderRefPayload{
		OrderID: strconv.FormatUint(orderID, 10),
		Nonce:   strconv.FormatUint(nonce, 10),
		Owner:   owner.Hex(),
	}
}

func (p *AmountPayload) Decode() (Amounts, error) {
	tok, err := parseAddress("token", p.Token)
	if err != nil {
		return Amounts{}, err
	}
	amount, err := parseAmount("amount", p.Amount)
	if err != nil {
		return Amounts{}, err
	}
	return Amounts{Token: tok, Amount: amount}, nil
}

func (p *OrderPayload) Decode() (OrderTerms, error) {
	var (
		terms OrderTerms
		err   error
	)
	if terms.TokenGet, err = parseAddress("tokenGet", p.TokenGet); err != nil {
		return OrderTerms{}, err
	}
	if terms.AmountGet, err = parseAmount("amountGet", p.AmountGet); err != nil {
		return OrderTerms{}, err
	}
	if terms.TokenGive, err = parseAddress("tokenGive", p.TokenGive); err != nil {
		return OrderTerms{}, err
	}
	if terms.AmountGive, err = parseAmount("amountGive", p.AmountGive); err != nil {
		return OrderTerms{}, err
	}
	return terms, nil
}

func (p *OrderRefPayload) ID() (uint64, error) {
	id, err := strconv.ParseUint(p.OrderID, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid orderId: %s", p.OrderID)
	}
	return id, nil
}

// Owner returns the address the payload claims as signer.
func (tx *SignedTransaction) Owner() common.Address {
	owner, _ := tx.fields()
	return common.HexToAddress(owner)
}

// Nonce returns the payload nonce, 0 if unparsable.
func (tx *SignedTransaction) Nonce() uint64 {
	_, nonce := tx.fields()
	n, _ := strconv.ParseUint(nonce, 10, 64)
	return n
}

func (tx *SignedTransaction) fields() (owner, nonce string) {
	switch {
	case tx.Type == TxTypeDeposit && tx.Deposit != nil:
		return tx.Deposit.Owner, tx.Deposit.Nonce
	case tx.Type == TxTypeWithdraw && tx.Withdraw != nil:
		return tx.Withdraw.Owner, tx.Withdraw.Nonce
	case tx.Type == TxTypeApprove && tx.Approve != nil:
		return tx.Approve.Owner, tx.Approve.Nonce
	case tx.Type == TxTypeOrder && tx.Order != nil:
		return tx.Order.Owner, tx.Order.Nonce
	case tx.Type == TxTypeCancel && tx.Cancel != nil:
		return tx.Cancel.Owner, tx.Cancel.Nonce
	case tx.Type == TxTypeFill && tx.Fill != nil:
		return tx.Fill.Owner, tx.Fill.Nonce
	}
	return "", ""
}

// TypedMessage converts the payload to its EIP-712 form.
func (tx *SignedTransaction) TypedMessage() (crypto.TypedMessage, error) {
	if err := tx.validatePayload(); err != nil {
		return nil, err
	}
	owner := tx.Owner()
	nonce := new(big.Int).SetUint64(tx.Nonce())

	switch tx.Type {
	case TxTypeDeposit, TxTypeWithdraw, TxTypeApprove:
		p := tx.amountPayload()
		a, err := p.Decode()
		if err != nil {
			return nil, err
		}
		switch tx.Type {
		case TxTypeDeposit:
			return crypto.DepositEIP712{Token: a.Token, Amount: a.Amount.ToBig(), Nonce: nonce, From: owner}, nil
		case TxTypeWithdraw:
			return crypto.WithdrawEIP712{Token: a.Token, Amount: a.Amount.ToBig(), Nonce: nonce, From: owner}, nil
		default:
			return crypto.ApproveEIP712{Token: a.Token, Amount: a.Amount.ToBig(), Nonce: nonce, From: owner}, nil
		}
	case TxTypeOrder:
		o, err := tx.Order.Decode()
		if err != nil {
			return nil, err
		}
		return crypto.OrderEIP712{
			TokenGet:   o.TokenGet,
			AmountGet:  o.AmountGet.ToBig(),
			TokenGive:  o.TokenGive,
			AmountGive: o.AmountGive.ToBig(),
			Nonce:      nonce,
			From:       owner,
		}, nil
	case TxTypeCancel:
		id, err := tx.Cancel.ID()
		if err != nil {
			return nil, err
		}
		return crypto.CancelEIP712{OrderID: new(big.Int).SetUint64(id), Nonce: nonce, From: owner}, nil
	case TxTypeFill:
		id, err := tx.Fill.ID()
		if err != nil {
			return nil, err
		}
		return crypto.FillEIP712{OrderID: new(big.Int).SetUint64(id), Nonce: nonce, From: owner}, nil
	}
	return nil, fmt.Errorf("unknown transaction type: %s", tx.Type)
}

func (tx *SignedTransaction) amountPayload() *AmountPayload {
	switch tx.Type {
	case TxTypeDeposit:
		return tx.Deposit
	case TxTypeWithdraw:
		return tx.Withdraw
	case TxTypeApprove:
		return tx.Approve
	}
	return nil
}

// Serialize converts SignedTransaction to JSON bytes.
func (tx *SignedTransaction) Serialize() ([]byte, error) {
	return json.Marshal(tx)
}

// Deserialize parses JSON bytes into SignedTransaction.
func Deserialize(data []byte) (*SignedTransaction, error) {
	var tx SignedTransaction
	if err := json.Unmarshal(data, &tx); err != nil {
		return nil, fmt.Errorf("failed to unmarshal transaction: %w", err)
	}
	return &tx, nil
}

// Validate checks structure only; signatures are checked by a Verifier.
func (tx *SignedTransaction) Validate() error {
	if tx.Type == "" {
		return fmt.Errorf("missing transaction type")
	}
	if tx.Signature == "" {
		return fmt.Errorf("missing signature")
	}
	if err := tx.validatePayload(); err != nil {
		return err
	}
	owner, nonce := tx.fields()
	if !common.IsHexAddress(owner) {
		return fmt.Errorf("invalid owner: %q", owner)
	}
	if _, err := strconv.ParseUint(nonce, 10, 64); err != nil {
		return fmt.Errorf("invalid nonce: %q", nonce)
	}
	return nil
}

func (tx *SignedTransaction) validatePayload() error {
	set := 0
	for _, present := range []bool{
		tx.Deposit != nil, tx.Withdraw != nil, tx.Approve != nil,
		tx.Order != nil, tx.Cancel != nil, tx.Fill != nil,
	} {
		if present {
			set++
		}
	}
	switch tx.Type {
	case TxTypeDeposit, TxTypeWithdraw, TxTypeApprove, TxTypeOrder, TxTypeCancel, TxTypeFill:
	default:
		return fmt.Errorf("unknown transaction type: %s", tx.Type)
	}
	if owner, _ := tx.fields(); owner == "" || set != 1 {
		return fmt.Errorf("%s transaction requires exactly one %s payload", tx.Type, tx.Type)
	}
	return nil
}

// ParseTransaction decodes and validates a raw transaction.
func ParseTransaction(data []byte) (*SignedTransaction, error) {
	tx, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse transaction: %w", err)
	}
	if err := tx.Validate(); err != nil {
		return nil, fmt.Errorf("invalid transaction: %w", err)
	}
	return tx, nil
}

// Hash identifies a raw transaction; receipts are keyed by it.
func Hash(raw []byte) common.Hash {
	return ethcrypto.Keccak256Hash(raw)
}

func parseAddress(field, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", field, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(field, s string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(s)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q: %w", field, s, err)
	}
	return v, nil
}

// Example:
//
//	{
//	  "type": "order",
//	  "order": {
//	    "tokenGet": "0x5FbDB2315678afecb367f032d93F642f64180aa3",
//	    "amountGet": "1000000000000000000",
//	    "tokenGive": "0xe7f1725E7734CE288F8367e1Bb143E90bb3F0512",
//	    "amountGive": "1000000000000000000",
//	    "nonce": "3",
//	    "owner": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"
//	  },
//	  "signature": "0x1234567890abcdef..."
//	}
