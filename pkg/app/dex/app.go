// Package dex executes signed exchange transactions in blocks. It owns the
// exchange, the devnet token registry and the mempool, and is the only
// writer of exchange state.
package dex

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/abci"
	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/mempool"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/app/core/transaction"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/storage"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

var ErrNonceTooLow = errors.New("nonce too low")

const (
	DefaultReceiptCache = 4096
	DefaultEventLogSize = 10000
)

// GenesisToken is a devnet token deployed on first start.
type GenesisToken struct {
	Name   string
	Symbol string
	Supply uint64 // whole tokens
	Holder common.Address
}

type Config struct {
	Exchange     exchange.Config
	ChainID      int64
	Deployer     common.Address // derives genesis token addresses
	Genesis      []GenesisToken
	Airdrop      []common.Address // receive AirdropAmount of every genesis token at genesis
	AirdropUnits uint64           // whole tokens per account
	MempoolLimit int
	ReceiptCache int // 0 means DefaultReceiptCache
	EventLogSize int // events kept in memory and reloaded on restart; 0 means DefaultEventLogSize
}

type Options struct {
	Store   storage.Backend // required
	Journal storage.Journal
	Emitter exchange.Emitter
	Logger  *zap.SugaredLogger
	// OnTx observes every executed transaction, for metrics.
	OnTx func(txType string, ok bool)
}

// App implements abci.Application.
type App struct {
	mu sync.RWMutex

	cfg      Config
	ex       *exchange.Exchange
	tokens   *token.Registry
	mempool  *mempool.Mempool
	verifier *transaction.Verifier
	domain   crypto.EIP712Domain
	clock    *util.BlockClock
	store    storage.Backend
	writes   *blockWrites
	journal  storage.Journal
	logger   *zap.SugaredLogger
	onTx     func(string, bool)

	nonces   map[common.Address]uint64
	dirty    map[common.Address]uint64
	receipts *lru.Cache[common.Hash, *Receipt]
	last     storage.BlockInfo
}

// New restores state from opts.Store, or deploys the genesis tokens when the
// store is empty.
func New(cfg Config, opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, fmt.Errorf("dex: store is required")
	}
	if cfg.ReceiptCache <= 0 {
		cfg.ReceiptCache = DefaultReceiptCache
	}
	if cfg.EventLogSize <= 0 {
		cfg.EventLogSize = DefaultEventLogSize
	}
	receipts, err := lru.New[common.Hash, *Receipt](cfg.ReceiptCache)
	if err != nil {
		return nil, err
	}
	journal := opts.Journal
	if journal == nil {
		journal = storage.NewNopJournal()
	}
	onTx := opts.OnTx
	if onTx == nil {
		onTx = func(string, bool) {}
	}

	domain := crypto.DefaultDomain(cfg.Exchange.Address)
	if cfg.ChainID != 0 {
		domain.ChainID.SetInt64(cfg.ChainID)
	}

	a := &App{
		cfg:      cfg,
		tokens:   token.NewRegistry(cfg.Deployer),
		mempool:  mempool.NewMempool(cfg.MempoolLimit),
		verifier: transaction.NewVerifier(domain),
		domain:   domain,
		clock:    util.NewBlockClock(),
		store:    opts.Store,
		writes:   &blockWrites{},
		journal:  journal,
		logger:   util.OrNop(opts.Logger),
		onTx:     onTx,
		dirty:    make(map[common.Address]uint64),
		receipts: receipts,
	}
	a.ex = exchange.New(cfg.Exchange, exchange.Options{
		Tokens:  a.tokens,
		Store:   a.writes,
		Clock:   a.clock,
		Emitter: opts.Emitter,
		Logger:  opts.Logger,
		LogSize: cfg.EventLogSize,
	})

	if err := a.restore(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) restore() error {
	snap, err := a.store.Load()
	if err != nil {
		return fmt.Errorf("load exchange state: %w", err)
	}
	if err := a.ex.Restore(snap); err != nil {
		return err
	}
	recent, err := a.store.RecentEvents(a.cfg.EventLogSize)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}
	for i := len(recent) - 1; i >= 0; i-- {
		a.ex.Events().Emit(recent[i])
	}

	if a.nonces, err = a.store.LoadNonces(); err != nil {
		return fmt.Errorf("load nonces: %w", err)
	}
	if last, ok, err := a.store.LastBlock(); err != nil {
		return fmt.Errorf("load last block: %w", err)
	} else if ok {
		a.last = last
	}

	states, err := a.store.LoadTokens()
	if err != nil {
		return fmt.Errorf("load tokens: %w", err)
	}
	if len(states) > 0 {
		for _, st := range states {
			a.tokens.Register(token.FromState(st))
		}
		a.logger.Infow("state_restored", "height", a.last.Height, "tokens", len(states), "orders", a.ex.OrderCount())
		return nil
	}
	return a.genesis()
}

func (a *App) genesis() error {
	var deployed []*token.ERC20
	for _, g := range a.cfg.Genesis {
		t := a.tokens.Deploy(g.Name, g.Symbol, g.Supply, g.Holder)
		deployed = append(deployed, t)
		a.logger.Infow("genesis_token", "symbol", g.Symbol, "address", t.Address().Hex(), "holder", g.Holder.Hex(), "supply", g.Supply)
	}
	if a.cfg.AirdropUnits > 0 {
		units, err := token.ParseUnits(fmt.Sprint(a.cfg.AirdropUnits), token.DefaultDecimals)
		if err != nil {
			return err
		}
		for i, t := range deployed {
			holder := a.cfg.Genesis[i].Holder
			for _, to := range a.cfg.Airdrop {
				if err := t.Transfer(holder, to, units); err != nil {
					return fmt.Errorf("genesis airdrop of %s to %s: %w", t.Symbol(), to.Hex(), err)
				}
			}
		}
	}
	if len(deployed) == 0 {
		return nil
	}
	return a.store.SaveBlock(storage.BlockInfo{}, nil, a.tokenStates(), nil)
}

// PushTx checks a raw transaction and admits it to the mempool. Invalid
// signatures are rejected here rather than in a block.
func (a *App) PushTx(raw []byte) (common.Hash, error) {
	tx, err := transaction.ParseTransaction(raw)
	if err != nil {
		return common.Hash{}, err
	}
	if _, err := a.verifier.Verify(tx); err != nil {
		return common.Hash{}, err
	}
	h, err := a.mempool.PushRaw(raw)
	if err != nil {
		return h, err
	}
	a.receipts.Add(h, &Receipt{TxHash: h, Type: string(tx.Type), Owner: tx.Owner(), Status: StatusPending})
	return h, nil
}

func (a *App) PrepareProposal(req abci.RequestPrepareProposal) abci.ResponsePrepareProposal {
	return abci.ResponsePrepareProposal{Txs: a.mempool.SelectForProposal(req.MaxTxBytes)}
}

// FinalizeBlock applies req.Txs in order with the block time pinned as the
// exchange clock.
func (a *App) FinalizeBlock(req abci.RequestFinalizeBlock) abci.ResponseFinalizeBlock {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.clock.Set(req.Time)
	results := make([]abci.TxResult, 0, len(req.Txs))
	for i, raw := range req.Txs {
		r := a.applyTx(raw)
		r.Height = uint64(req.Height)
		r.Index = i
		a.receipts.Add(r.TxHash, r)
		a.onTx(r.Type, r.Status == StatusOK)
		a.journal.Append(fmt.Sprintf("%d\t%d\t%s\t%s\t%s\t%s", req.Height, i, r.TxHash.Hex(), r.Type, r.Status, r.Error))
		results = append(results, abci.TxResult{Hash: r.TxHash, OK: r.Status == StatusOK, Error: r.Error})
	}

	root := a.ex.StateRoot()
	info := storage.BlockInfo{
		Height:    uint64(req.Height),
		Time:      req.Time.UnixMilli(),
		Hash:      req.Hash,
		StateRoot: root,
		TxCount:   len(req.Txs),
	}
	// Exchange changesets, token state and nonces land in one write, so a
	// crash never persists a ledger debit without the matching transfer.
	// On failure everything stays buffered and goes out with the next block.
	if err := a.store.SaveBlock(info, a.writes.changes, a.tokenStates(), a.dirty); err != nil {
		a.logger.Errorw("save_block_failed", "height", req.Height, "buffered_changesets", len(a.writes.changes), "err", err)
	} else {
		a.writes.reset()
		a.dirty = make(map[common.Address]uint64)
	}
	a.last = info

	a.logger.Infow("finalize_block", "height", req.Height, "txs", len(req.Txs), "state_root", root.Hex())
	return abci.ResponseFinalizeBlock{TxResults: results, AppHash: root}
}

func (a *App) tokenStates() []token.State {
	var out []token.State
	for _, t := range a.tokens.List() {
		if erc, ok := t.(*token.ERC20); ok {
			out = append(out, erc.Snapshot())
		}
	}
	return out
}

// View runs fn with a read lock on the exchange.
func (a *App) View(fn func(ex *exchange.Exchange)) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	fn(a.ex)
}

func (a *App) Tokens() *token.Registry     { return a.tokens }
func (a *App) Domain() crypto.EIP712Domain { return a.domain }
func (a *App) MempoolLen() int             { return a.mempool.Len() }

// Nonce returns the last nonce executed for owner; the next tx must exceed it.
func (a *App) Nonce(owner common.Address) uint64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.nonces[owner]
}

// LastBlock returns the most recently finalized block.
func (a *App) LastBlock() storage.BlockInfo {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.last
}

// Receipt looks up a recent transaction by hash.
func (a *App) Receipt(h common.Hash) (*Receipt, bool) {
	return a.receipts.Get(h)
}

// BlockTime returns the time of the last finalized block, zero before any.
func (a *App) BlockTime() time.Time {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.last.Time == 0 {
		return time.Time{}
	}
	return time.UnixMilli(a.last.Time)
}

// blockWrites buffers the exchange changesets of the block being executed
// until FinalizeBlock hands them to the backend.
type blockWrites struct {
	changes []*exchange.Changeset
}

func (w *blockWrites) Commit(cs *exchange.Changeset) error {
	cp := *cs
	cp.Orders = make([]*exchange.Order, len(cs.Orders))
	for i, o := range cs.Orders {
		oc := *o
		cp.Orders[i] = &oc
	}
	w.changes = append(w.changes, &cp)
	return nil
}

func (w *blockWrites) reset() { w.changes = nil }

var (
	_ abci.Application = (*App)(nil)
	_ exchange.Store   = (*blockWrites)(nil)
)
