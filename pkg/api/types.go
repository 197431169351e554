package api

import "github.com/uhyunpark/escrowdex/pkg/app/core/exchange"

// API response types for REST endpoints and WebSocket messages.
// Amounts are decimal strings of base units; *Formatted fields divide by the
// token's decimals.

// ==============================
// REST Response Types
// ==============================

// ExchangeInfo is the custody contract's fixed configuration and counters.
type ExchangeInfo struct {
	Custody    string `json:"custody"`
	FeeAccount string `json:"feeAccount"`
	FeePercent uint64 `json:"feePercent"`
	OrderCount uint64 `json:"orderCount"`
	StateRoot  string `json:"stateRoot"`
}

// BalanceInfo is one custodial ledger entry.
type BalanceInfo struct {
	Token     string `json:"token"`
	Symbol    string `json:"symbol,omitempty"`
	User      string `json:"user"`
	Amount    string `json:"amount"`
	Formatted string `json:"formatted"`
}

// TokenInfo describes a registered reference asset.
type TokenInfo struct {
	Address     string `json:"address"`
	Name        string `json:"name,omitempty"`
	Symbol      string `json:"symbol"`
	Decimals    uint8  `json:"decimals"`
	TotalSupply string `json:"totalSupply,omitempty"`
}

// WalletInfo is an owner's balance held on the token itself, outside custody.
type WalletInfo struct {
	Token              string `json:"token"`
	Owner              string `json:"owner"`
	Balance            string `json:"balance"`
	BalanceFormatted   string `json:"balanceFormatted"`
	Allowance          string `json:"allowance"` // granted to the custody address
	AllowanceFormatted string `json:"allowanceFormatted"`
}

// OrderInfo is an order plus its derived status (open, filled, cancelled).
type OrderInfo struct {
	exchange.Order
	Status string `json:"status"`
}

// ChainStatus reports block production progress.
type ChainStatus struct {
	Height      uint64 `json:"height"`
	BlockHash   string `json:"blockHash"`
	BlockTime   int64  `json:"blockTime"` // Unix milliseconds
	StateRoot   string `json:"stateRoot"`
	MempoolSize int    `json:"mempoolSize"`
}

// SubmitTxResponse acknowledges a transaction admitted to the mempool.
type SubmitTxResponse struct {
	Status string `json:"status"`
	TxHash string `json:"txHash"`
}

// ErrorResponse is returned with every non-2xx status.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Kind    string `json:"kind,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSSubscribeRequest is sent by clients: {"op":"subscribe","channels":["trade"]}.
type WSSubscribeRequest struct {
	Op       string   `json:"op"`
	Channels []string `json:"channels"`
}

// WSEvent is pushed to subscribers of the event's kind.
type WSEvent struct {
	Channel string          `json:"channel"`
	Record  exchange.Record `json:"record"`
}
