package main

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

func submitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "submit [file]",
		Short: "POST a signed transaction (file or stdin) to the node",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var body []byte
			var err error
			if len(args) == 0 || args[0] == "-" {
				body, err = io.ReadAll(cmd.InOrStdin())
			} else {
				body, err = os.ReadFile(args[0])
			}
			if err != nil {
				return err
			}
			resp, err := httpClient.Post(endpoint("/api/v1/tx"), "application/json", bytes.NewReader(body))
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func receiptCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "receipt <tx-hash>",
		Short: "Show the execution result of a submitted transaction",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := httpClient.Get(endpoint("/api/v1/receipts/" + args[0]))
			if err != nil {
				return err
			}
			return printResponse(cmd, resp)
		},
	}
}

func endpoint(path string) string {
	return strings.TrimRight(apiURL, "/") + path
}

func printResponse(cmd *cobra.Command, resp *http.Response) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), strings.TrimSpace(string(body)))
	if resp.StatusCode >= 300 {
		return fmt.Errorf("node returned %s", resp.Status)
	}
	return nil
}
