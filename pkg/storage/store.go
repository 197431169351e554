// Package storage persists exchange state: ledger balances, orders, the
// event log, devnet token state, per-owner nonces and block headers.
package storage

import (
	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
)

// BlockInfo is the header recorded for every executed block.
type BlockInfo struct {
	Height    uint64      `json:"height"`
	Time      int64       `json:"time"` // unix millis
	Hash      common.Hash `json:"hash"`
	StateRoot common.Hash `json:"stateRoot"`
	TxCount   int         `json:"txCount"`
}

// Backend is implemented by PebbleStore and MemoryStore.
type Backend interface {
	exchange.Store

	// Load returns the exchange state; an empty store yields an empty snapshot.
	Load() (*exchange.Snapshot, error)
	// RecentEvents returns up to limit records, newest first.
	RecentEvents(limit int) ([]exchange.Record, error)

	// SaveBlock records a block header together with the block's exchange
	// changesets and the token and nonce state as of the end of that block,
	// in one atomic write.
	SaveBlock(b BlockInfo, changes []*exchange.Changeset, tokens []token.State, nonces map[common.Address]uint64) error
	LastBlock() (BlockInfo, bool, error)
	LoadTokens() ([]token.State, error)
	LoadNonces() (map[common.Address]uint64, error)

	Close() error
}

var (
	_ Backend = (*PebbleStore)(nil)
	_ Backend = (*MemoryStore)(nil)
)
