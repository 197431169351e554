// Command dexctl generates keys, signs exchange transactions and submits
// them to a node's REST API.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	apiURL string
)

var rootCmd = &cobra.Command{
	Use:          "dexctl",
	Short:        "escrowdex client: keys, signed transactions, submission",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", "http://localhost:8080", "node REST API base URL")
	rootCmd.AddCommand(keygenCmd(), signCmd(), submitCmd(), receiptCmd())
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
