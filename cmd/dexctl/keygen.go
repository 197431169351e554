package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/uhyunpark/escrowdex/pkg/crypto"
)

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a secp256k1 key pair",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			signer, err := crypto.GenerateKey()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Address:     %s\n", signer.Address().Hex())
			fmt.Fprintf(out, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
			return nil
		},
	}
}
