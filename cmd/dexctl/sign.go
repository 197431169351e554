package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/uhyunpark/escrowdex/params"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/app/core/transaction"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

type signOptions struct {
	key       string
	nonce     uint64
	chainID   int64
	custody   string
	decimals  uint8
	typedData bool

	token      string
	amount     string
	tokenGet   string
	amountGet  string
	tokenGive  string
	amountGive string
	orderID    uint64
}

func signCmd() *cobra.Command {
	o := &signOptions{}
	cmd := &cobra.Command{
		Use:   "sign <approve|deposit|withdraw|order|cancel|fill>",
		Short: "Build and EIP-712 sign an exchange transaction",
		Long: `Build a transaction, sign it with --key and print the JSON body for
POST /api/v1/tx. Amounts are decimal token units ("1.5"), scaled by --decimals.

Examples:
  dexctl sign approve  --key $KEY --nonce 1 --token 0x.. --amount 10
  dexctl sign deposit  --key $KEY --nonce 2 --token 0x.. --amount 10
  dexctl sign order    --key $KEY --nonce 3 --get 0x.. --amount-get 1 --give 0x.. --amount-give 2
  dexctl sign fill     --key $KEY --nonce 4 --id 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if o.key == "" {
				o.key = os.Getenv("DEXCTL_KEY")
			}
			signer, err := crypto.FromPrivateKeyHex(o.key)
			if err != nil {
				return fmt.Errorf("--key: %w", err)
			}
			domain, err := o.domain()
			if err != nil {
				return err
			}
			tx, err := buildTx(args[0], o, signer.Address())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if o.typedData {
				msg, err := tx.TypedMessage()
				if err != nil {
					return err
				}
				typed, err := crypto.NewEIP712Signer(domain).ToJSON(msg)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, typed)
				return nil
			}

			if err := transaction.Sign(domain, signer, tx); err != nil {
				return err
			}
			if _, err := transaction.NewVerifier(domain).Verify(tx); err != nil {
				return fmt.Errorf("self-check: %w", err)
			}
			body, err := json.MarshalIndent(tx, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(out, string(body))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&o.key, "key", "", "hex private key (default $DEXCTL_KEY)")
	f.Uint64Var(&o.nonce, "nonce", 0, "transaction nonce; must exceed the owner's last used nonce")
	f.Int64Var(&o.chainID, "chain-id", params.Default().Exchange.ChainID, "EIP-712 chain id")
	f.StringVar(&o.custody, "custody", params.DefaultCustody.Hex(), "exchange custody address (EIP-712 verifying contract)")
	f.Uint8Var(&o.decimals, "decimals", token.DefaultDecimals, "token decimals used to scale amounts")
	f.BoolVar(&o.typedData, "typed-data", false, "print the unsigned EIP-712 typed data instead of signing")

	f.StringVar(&o.token, "token", "", "token address (approve, deposit, withdraw)")
	f.StringVar(&o.amount, "amount", "", "amount (approve, deposit, withdraw)")
	f.StringVar(&o.tokenGet, "get", "", "token the maker wants (order)")
	f.StringVar(&o.amountGet, "amount-get", "", "amount the maker wants (order)")
	f.StringVar(&o.tokenGive, "give", "", "token the maker offers (order)")
	f.StringVar(&o.amountGive, "amount-give", "", "amount the maker offers (order)")
	f.Uint64Var(&o.orderID, "id", 0, "order id (cancel, fill)")
	return cmd
}

func (o *signOptions) domain() (crypto.EIP712Domain, error) {
	custody, err := parseAddr("--custody", o.custody)
	if err != nil {
		return crypto.EIP712Domain{}, err
	}
	d := crypto.DefaultDomain(custody)
	d.ChainID.SetInt64(o.chainID)
	return d, nil
}

// buildTx assembles the unsigned transaction for action.
func buildTx(action string, o *signOptions, owner common.Address) (*transaction.SignedTransaction, error) {
	if o.nonce == 0 {
		return nil, fmt.Errorf("--nonce is required and must be positive")
	}
	switch transaction.TxType(action) {
	case transaction.TxTypeApprove, transaction.TxTypeDeposit, transaction.TxTypeWithdraw:
		tok, err := parseAddr("--token", o.token)
		if err != nil {
			return nil, err
		}
		amt, err := o.units("--amount", o.amount)
		if err != nil {
			return nil, err
		}
		switch transaction.TxType(action) {
		case transaction.TxTypeApprove:
			return transaction.NewApprove(tok, amt, o.nonce, owner), nil
		case transaction.TxTypeDeposit:
			return transaction.NewDeposit(tok, amt, o.nonce, owner), nil
		default:
			return transaction.NewWithdraw(tok, amt, o.nonce, owner), nil
		}

	case transaction.TxTypeOrder:
		var terms transaction.OrderTerms
		var err error
		if terms.TokenGet, err = parseAddr("--get", o.tokenGet); err != nil {
			return nil, err
		}
		if terms.TokenGive, err = parseAddr("--give", o.tokenGive); err != nil {
			return nil, err
		}
		if terms.AmountGet, err = o.units("--amount-get", o.amountGet); err != nil {
			return nil, err
		}
		if terms.AmountGive, err = o.units("--amount-give", o.amountGive); err != nil {
			return nil, err
		}
		return transaction.NewOrder(terms, o.nonce, owner), nil

	case transaction.TxTypeCancel, transaction.TxTypeFill:
		if o.orderID == 0 {
			return nil, fmt.Errorf("--id is required")
		}
		if transaction.TxType(action) == transaction.TxTypeCancel {
			return transaction.NewCancel(o.orderID, o.nonce, owner), nil
		}
		return transaction.NewFill(o.orderID, o.nonce, owner), nil
	}
	return nil, fmt.Errorf("unknown action %q", action)
}

func (o *signOptions) units(flag, v string) (*uint256.Int, error) {
	if v == "" {
		return nil, fmt.Errorf("%s is required", flag)
	}
	amt, err := token.ParseUnits(v, o.decimals)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", flag, err)
	}
	return amt, nil
}

func parseAddr(flag, v string) (common.Address, error) {
	if !common.IsHexAddress(v) {
		return common.Address{}, fmt.Errorf("%s: invalid address %q", flag, v)
	}
	return common.HexToAddress(v), nil
}
