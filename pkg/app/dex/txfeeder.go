package dex

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/exchange"
	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/app/core/transaction"
	"github.com/uhyunpark/escrowdex/pkg/crypto"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

// TxFeederConfig controls devnet traffic generation.
type TxFeederConfig struct {
	Interval  time.Duration
	BatchSize int
	Funding   string // whole tokens each trader deposits per token before trading
}

func DefaultFeederConfig() TxFeederConfig {
	return TxFeederConfig{
		Interval:  500 * time.Millisecond,
		BatchSize: 5,
		Funding:   "100",
	}
}

// DevnetAccounts derives n deterministic signers from seed. Never use them
// outside a devnet.
func DevnetAccounts(seed string, n int) []*crypto.Signer {
	out := make([]*crypto.Signer, 0, n)
	for i := 0; i < n; i++ {
		key := ethcrypto.Keccak256([]byte(fmt.Sprintf("%s/%d", seed, i)))
		s, err := crypto.FromPrivateKeyHex(common.Bytes2Hex(key))
		if err != nil {
			// keccak output is a valid scalar with overwhelming probability
			continue
		}
		out = append(out, s)
	}
	return out
}

// TxGenerator builds signed exchange traffic for a fixed set of traders.
type TxGenerator struct {
	signers []*crypto.Signer
	tokens  []common.Address
	nonces  map[common.Address]uint64
	funded  map[common.Address]bool
	domain  crypto.EIP712Domain
	rng     *rand.Rand
}

func NewTxGenerator(signers []*crypto.Signer, tokens []common.Address, domain crypto.EIP712Domain) *TxGenerator {
	return &TxGenerator{
		signers: signers,
		tokens:  tokens,
		nonces:  make(map[common.Address]uint64),
		funded:  make(map[common.Address]bool),
		domain:  domain,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// SetNonce seeds the last used nonce for owner, e.g. after a restart.
func (g *TxGenerator) SetNonce(owner common.Address, n uint64) {
	if n > g.nonces[owner] {
		g.nonces[owner] = n
	}
}

func (g *TxGenerator) sign(s *crypto.Signer, tx *transaction.SignedTransaction) []byte {
	if err := transaction.Sign(g.domain, s, tx); err != nil {
		return nil
	}
	raw, err := tx.Serialize()
	if err != nil {
		return nil
	}
	return raw
}

func (g *TxGenerator) next(owner common.Address) uint64 {
	g.nonces[owner]++
	return g.nonces[owner]
}

// Funding returns approve and deposit txs that move amount of every token
// into custody for each trader not yet funded.
func (g *TxGenerator) Funding(amount *uint256.Int) [][]byte {
	var out [][]byte
	for _, s := range g.signers {
		owner := s.Address()
		if g.funded[owner] {
			continue
		}
		for _, tok := range g.tokens {
			out = append(out,
				g.sign(s, transaction.NewApprove(tok, amount, g.next(owner), owner)),
				g.sign(s, transaction.NewDeposit(tok, amount, g.next(owner), owner)),
			)
		}
		g.funded[owner] = true
	}
	return out
}

// Generate returns n random trading txs. open lists currently open orders.
func (g *TxGenerator) Generate(n int, open []*exchange.Order) [][]byte {
	out := make([][]byte, 0, n)
	for len(out) < n && len(g.signers) > 0 && len(g.tokens) >= 2 {
		s := g.signers[g.rng.Intn(len(g.signers))]
		owner := s.Address()

		var tx *transaction.SignedTransaction
		switch r := g.rng.Intn(100); {
		case r < 50 || len(open) == 0:
			i := g.rng.Intn(len(g.tokens))
			j := (i + 1 + g.rng.Intn(len(g.tokens)-1)) % len(g.tokens)
			tx = transaction.NewOrder(transaction.OrderTerms{
				TokenGet:   g.tokens[i],
				AmountGet:  g.randAmount(),
				TokenGive:  g.tokens[j],
				AmountGive: g.randAmount(),
			}, g.next(owner), owner)
		case r < 85:
			o := open[g.rng.Intn(len(open))]
			tx = transaction.NewFill(o.ID, g.next(owner), owner)
		case r < 95:
			o := open[g.rng.Intn(len(open))]
			cs := g.signerFor(o.User)
			if cs == nil {
				continue
			}
			s, owner = cs, cs.Address()
			tx = transaction.NewCancel(o.ID, g.next(owner), owner)
		default:
			tok := g.tokens[g.rng.Intn(len(g.tokens))]
			tx = transaction.NewWithdraw(tok, g.randAmount(), g.next(owner), owner)
		}
		if raw := g.sign(s, tx); raw != nil {
			out = append(out, raw)
		}
	}
	return out
}

func (g *TxGenerator) signerFor(addr common.Address) *crypto.Signer {
	for _, s := range g.signers {
		if s.Address() == addr {
			return s
		}
	}
	return nil
}

// randAmount returns 0.1 to 5.0 tokens.
func (g *TxGenerator) randAmount() *uint256.Int {
	tenths := uint64(g.rng.Intn(50) + 1)
	return new(uint256.Int).Mul(uint256.NewInt(tenths), token.MustParse("0.1"))
}

// StartTxFeeder pushes generated traffic into app until ctx is done or the
// returned cancel func is called.
func StartTxFeeder(ctx context.Context, app *App, signers []*crypto.Signer, cfg TxFeederConfig, logger *zap.SugaredLogger) context.CancelFunc {
	logger = util.OrNop(logger)
	def := DefaultFeederConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	funding, err := token.ParseUnits(cfg.Funding, token.DefaultDecimals)
	if err != nil || cfg.Funding == "" {
		funding = token.MustParse(def.Funding)
	}

	var tokens []common.Address
	for _, t := range app.Tokens().List() {
		tokens = append(tokens, t.Address())
	}
	gen := NewTxGenerator(signers, tokens, app.Domain())
	for _, s := range signers {
		gen.SetNonce(s.Address(), app.Nonce(s.Address()))
	}

	feedCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()

		total, rejected := 0, 0
		logger.Infow("txfeeder_started", "accounts", len(signers), "tokens", len(tokens), "batch", cfg.BatchSize, "interval", cfg.Interval)

		push := func(batch [][]byte) {
			for _, tx := range batch {
				if _, err := app.PushTx(tx); err != nil {
					rejected++
					continue
				}
				total++
			}
		}
		push(gen.Funding(funding))

		for {
			select {
			case <-feedCtx.Done():
				logger.Infow("txfeeder_stopped", "submitted", total, "rejected", rejected)
				return
			case <-ticker.C:
				var open []*exchange.Order
				app.View(func(ex *exchange.Exchange) {
					ex.Orders(func(o *exchange.Order) {
						if o.Status() == exchange.OrderOpen {
							open = append(open, o)
						}
					})
				})
				push(gen.Generate(cfg.BatchSize, open))
			}
		}
	}()
	return cancel
}
