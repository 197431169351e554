// Package abci is the boundary between block production and the
// application: the producer asks the app for a proposal, then finalizes it.
package abci

import (
	"context"
	"encoding/binary"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/util"
)

type RequestPrepareProposal struct{ Height, MaxTxBytes int64 }
type ResponsePrepareProposal struct{ Txs [][]byte }

type RequestFinalizeBlock struct {
	Height int64
	Time   time.Time
	Hash   common.Hash
	Txs    [][]byte
}

// TxResult is the outcome of one transaction in a finalized block.
type TxResult struct {
	Hash  common.Hash
	OK    bool
	Error string
}

type ResponseFinalizeBlock struct {
	TxResults []TxResult
	AppHash   common.Hash // state root after execution
}

type Application interface {
	PrepareProposal(RequestPrepareProposal) ResponsePrepareProposal
	FinalizeBlock(RequestFinalizeBlock) ResponseFinalizeBlock
}

// Producer drives a single-node chain: one block per interval, containing
// whatever the app proposes. Empty proposals produce no block.
type Producer struct {
	App        Application
	Clock      util.Clock
	Interval   time.Duration
	MaxTxBytes int64
	Logger     *zap.SugaredLogger

	height int64
	parent common.Hash
}

// Resume continues numbering after an already committed block.
func (p *Producer) Resume(height int64, hash common.Hash) {
	p.height = height
	p.parent = hash
}

func (p *Producer) Height() int64 { return p.height }

// Run produces blocks until ctx is done.
func (p *Producer) Run(ctx context.Context) error {
	clock := p.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	logger := util.OrNop(p.Logger)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(p.Interval):
		}
		if resp, ok := p.Step(clock.Now()); ok {
			logger.Debugw("block_committed", "height", p.height, "app_hash", resp.AppHash.Hex(), "txs", len(resp.TxResults))
		}
	}
}

// Step proposes and finalizes one block at time now. It reports false when
// the app had nothing to propose.
func (p *Producer) Step(now time.Time) (ResponseFinalizeBlock, bool) {
	next := p.height + 1
	prop := p.App.PrepareProposal(RequestPrepareProposal{Height: next, MaxTxBytes: p.MaxTxBytes})
	if len(prop.Txs) == 0 {
		return ResponseFinalizeBlock{}, false
	}
	hash := BlockHash(p.parent, next, now, prop.Txs)
	resp := p.App.FinalizeBlock(RequestFinalizeBlock{Height: next, Time: now, Hash: hash, Txs: prop.Txs})
	p.height = next
	p.parent = hash
	return resp, true
}

// BlockHash commits to the parent, height, time and every tx hash in order.
func BlockHash(parent common.Hash, height int64, t time.Time, txs [][]byte) common.Hash {
	var buf [8]byte
	parts := [][]byte{parent[:]}
	binary.BigEndian.PutUint64(buf[:], uint64(height))
	parts = append(parts, append([]byte(nil), buf[:]...))
	binary.BigEndian.PutUint64(buf[:], uint64(t.UnixMilli()))
	parts = append(parts, append([]byte(nil), buf[:]...))
	for _, tx := range txs {
		parts = append(parts, crypto.Keccak256(tx))
	}
	return crypto.Keccak256Hash(parts...)
}
