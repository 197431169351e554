package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain binds signatures to one exchange deployment on one chain.
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // custody address
}

// DefaultDomain returns the devnet domain for the exchange at custody.
func DefaultDomain(custody common.Address) EIP712Domain {
	return EIP712Domain{
		Name:              "EscrowDEX",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: custody,
	}
}

var domainType = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// TypedMessage is an action users sign with eth_signTypedData_v4.
type TypedMessage interface {
	PrimaryType() string
	Fields() []apitypes.Type
	Message() apitypes.TypedDataMessage
	// Owner is the address the message claims to be signed by.
	Owner() common.Address
}

// DepositEIP712 authorizes pulling Amount of Token into custody.
type DepositEIP712 struct {
	Token  common.Address
	Amount *big.Int
	Nonce  *big.Int
	From   common.Address
}

// WithdrawEIP712 authorizes releasing Amount of Token from custody.
type WithdrawEIP712 struct {
	Token  common.Address
	Amount *big.Int
	Nonce  *big.Int
	From   common.Address
}

// OrderEIP712 offers AmountGive of TokenGive for AmountGet of TokenGet.
type OrderEIP712 struct {
	TokenGet   common.Address
	AmountGet  *big.Int
	TokenGive  common.Address
	AmountGive *big.Int
	Nonce      *big.Int
	From       common.Address
}

// CancelEIP712 cancels an order the signer created.
type CancelEIP712 struct {
	OrderID *big.Int
	Nonce   *big.Int
	From    common.Address
}

// FillEIP712 fills an order at its full size.
type FillEIP712 struct {
	OrderID *big.Int
	Nonce   *big.Int
	From    common.Address
}

// ApproveEIP712 sets the custody allowance on a devnet token.
type ApproveEIP712 struct {
	Token  common.Address
	Amount *big.Int
	Nonce  *big.Int
	From   common.Address
}

func (DepositEIP712) PrimaryType() string { return "Deposit" }
func (DepositEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m DepositEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"token":  m.Token.Hex(),
		"amount": m.Amount.String(),
		"nonce":  m.Nonce.String(),
		"owner":  m.From.Hex(),
	}
}
func (m DepositEIP712) Owner() common.Address { return m.From }

func (WithdrawEIP712) PrimaryType() string { return "Withdraw" }
func (WithdrawEIP712) Fields() []apitypes.Type {
	return DepositEIP712{}.Fields()
}
func (m WithdrawEIP712) Message() apitypes.TypedDataMessage {
	return DepositEIP712(m).Message()
}
func (m WithdrawEIP712) Owner() common.Address { return m.From }

func (OrderEIP712) PrimaryType() string { return "Order" }
func (OrderEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "tokenGet", Type: "address"},
		{Name: "amountGet", Type: "uint256"},
		{Name: "tokenGive", Type: "address"},
		{Name: "amountGive", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m OrderEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"tokenGet":   m.TokenGet.Hex(),
		"amountGet":  m.AmountGet.String(),
		"tokenGive":  m.TokenGive.Hex(),
		"amountGive": m.AmountGive.String(),
		"nonce":      m.Nonce.String(),
		"owner":      m.From.Hex(),
	}
}
func (m OrderEIP712) Owner() common.Address { return m.From }

func (CancelEIP712) PrimaryType() string { return "CancelOrder" }
func (CancelEIP712) Fields() []apitypes.Type {
	return []apitypes.Type{
		{Name: "orderId", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
		{Name: "owner", Type: "address"},
	}
}
func (m CancelEIP712) Message() apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"orderId": m.OrderID.String(),
		"nonce":   m.Nonce.String(),
		"owner":   m.From.Hex(),
	}
}
func (m CancelEIP712) Owner() common.Address { return m.From }

func (FillEIP712) PrimaryType() string { return "FillOrder" }
func (FillEIP712) Fields() []apitypes.Type {
	return CancelEIP712{}.Fields()
}
func (m FillEIP712) Message() apitypes.TypedDataMessage {
	return CancelEIP712(m).Message()
}
func (m FillEIP712) Owner() common.Address { return m.From }

func (ApproveEIP712) PrimaryType() string { return "Approve" }
func (ApproveEIP712) Fields() []apitypes.Type {
	return DepositEIP712{}.Fields()
}
func (m ApproveEIP712) Message() apitypes.TypedDataMessage {
	return DepositEIP712(m).Message()
}
func (m ApproveEIP712) Owner() common.Address { return m.From }

// EIP712Signer hashes, signs and verifies typed messages under one domain.
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

// TypedData builds the full eth_signTypedData_v4 payload for msg.
func (e *EIP712Signer) TypedData(msg TypedMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain":    domainType,
			msg.PrimaryType(): msg.Fields(),
		},
		PrimaryType: msg.PrimaryType(),
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: msg.Message(),
	}
}

// Hash returns keccak256("\x19\x01" || domainSeparator || hashStruct(msg)).
func (e *EIP712Signer) Hash(msg TypedMessage) ([]byte, error) {
	typedData := e.TypedData(msg)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash %s: %w", typedData.PrimaryType, err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256(rawData), nil
}

func (e *EIP712Signer) Sign(signer *Signer, msg TypedMessage) ([]byte, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return nil, err
	}
	signature, err := signer.Sign(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to sign %s: %w", msg.PrimaryType(), err)
	}
	return signature, nil
}

// Recover returns the address that signed msg.
func (e *EIP712Signer) Recover(msg TypedMessage, signature []byte) (common.Address, error) {
	hash, err := e.Hash(msg)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// Verify reports whether signature was made by msg.Owner().
func (e *EIP712Signer) Verify(msg TypedMessage, signature []byte) (bool, error) {
	recovered, err := e.Recover(msg, signature)
	if err != nil {
		return false, fmt.Errorf("failed to recover address: %w", err)
	}
	return recovered == msg.Owner(), nil
}

// ToJSON renders msg for wallet signing.
func (e *EIP712Signer) ToJSON(msg TypedMessage) (string, error) {
	b, err := json.MarshalIndent(e.TypedData(msg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(b), nil
}
