package transaction

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

var ErrBadSignature = errors.New("signature does not match owner")

// Verifier checks EIP-712 signatures on transactions for one domain.
type Verifier struct {
	eip712Signer *crypto.EIP712Signer
}

func NewVerifier(domain crypto.EIP712Domain) *Verifier {
	return &Verifier{eip712Signer: crypto.NewEIP712Signer(domain)}
}

// Verify recovers the signer of tx and returns it if it equals the payload
// owner.
func (v *Verifier) Verify(tx *SignedTransaction) (common.Address, error) {
	msg, err := tx.TypedMessage()
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid %s payload: %w", tx.Type, err)
	}
	sigBytes, err := decodeSignature(tx.Signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("invalid signature: %w", err)
	}
	signer, err := v.eip712Signer.Recover(msg, sigBytes)
	if err != nil {
		return common.Address{}, fmt.Errorf("signature verification failed: %w", err)
	}
	if signer != msg.Owner() {
		return common.Address{}, fmt.Errorf("recovered %s, owner %s: %w", signer.Hex(), msg.Owner().Hex(), ErrBadSignature)
	}
	return signer, nil
}

// Sign fills tx.Signature with signer's signature under domain.
func Sign(domain crypto.EIP712Domain, signer *crypto.Signer, tx *SignedTransaction) error {
	msg, err := tx.TypedMessage()
	if err != nil {
		return err
	}
	sig, err := crypto.NewEIP712Signer(domain).Sign(signer, msg)
	if err != nil {
		return err
	}
	tx.Signature = "0x" + hex.EncodeToString(sig)
	return nil
}

// decodeSignature decodes a hex signature with or without 0x prefix.
func decodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(sig, "0x")

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}
	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}
	return sigBytes, nil
}
