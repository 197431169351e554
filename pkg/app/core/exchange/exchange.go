// Package exchange implements the custodial settlement engine: a balance
// ledger per (token, user), an order store, and fee-adjusted fills.
//
// An Exchange is a single-threaded state machine and is not safe for
// concurrent use; the block executor in pkg/app/dex serializes access.
// Every mutating operation either commits all of its ledger and order
// changes (store first, then memory) or none of them.
package exchange

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"go.uber.org/zap"

	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

// Config is fixed at construction and never mutated afterwards.
type Config struct {
	Address    common.Address // custody address tokens are pulled into
	FeeAccount common.Address
	FeePercent uint64 // 10 means 10% of amountGet
}

// Options carries the collaborators of an Exchange. Only Tokens is required.
type Options struct {
	Tokens  token.Resolver
	Store   Store      // nil keeps state in memory only
	Clock   util.Clock // nil uses wall time
	Emitter Emitter    // notified after each commit
	Logger  *zap.SugaredLogger
	LogSize int // records kept by the in-memory event log, 0 = unbounded
}

// Changeset is everything one operation commits.
type Changeset struct {
	Balances   []Balance
	Orders     []*Order
	OrderCount uint64
	Events     []Record
	Timestamp  uint64
}

// Store persists changesets atomically. A Commit error aborts the operation
// before any in-memory state changes.
type Store interface {
	Commit(cs *Changeset) error
}

// Snapshot is the durable state an Exchange can be rebuilt from.
type Snapshot struct {
	Balances   []Balance
	Orders     []*Order
	OrderCount uint64
	EventSeq   uint64
	Timestamp  uint64
}

type Exchange struct {
	cfg    Config
	tokens token.Resolver
	store  Store
	clock  util.Clock
	emit   Emitter
	logger *zap.SugaredLogger

	ledger   *Ledger
	orders   *OrderStore
	events   *Log
	seq      uint64
	lastTime uint64

	// entered is set while a mutating operation runs, including while an
	// external token call is in flight.
	entered bool
}

func New(cfg Config, opts Options) *Exchange {
	clock := opts.Clock
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Exchange{
		cfg:    cfg,
		tokens: opts.Tokens,
		store:  opts.Store,
		clock:  clock,
		emit:   opts.Emitter,
		logger: util.OrNop(opts.Logger),
		ledger: NewLedger(),
		orders: NewOrderStore(),
		events: NewLog(opts.LogSize),
	}
}

// Restore loads persisted state into a fresh exchange.
func (e *Exchange) Restore(s *Snapshot) error {
	if e.orders.Count() != 0 || e.ledger.Len() != 0 {
		return fmt.Errorf("restore: exchange already has state")
	}
	for _, b := range s.Balances {
		e.ledger.set(b)
	}
	for _, o := range s.Orders {
		e.orders.restore(o)
	}
	if s.OrderCount < e.orders.Count() {
		return fmt.Errorf("restore: order count %d below highest order id %d", s.OrderCount, e.orders.Count())
	}
	e.orders.count = s.OrderCount
	e.seq = s.EventSeq
	e.lastTime = s.Timestamp
	e.logger.Infow("exchange_restored",
		"balances", len(s.Balances), "orders", s.OrderCount, "event_seq", s.EventSeq)
	return nil
}

func (e *Exchange) Address() common.Address    { return e.cfg.Address }
func (e *Exchange) FeeAccount() common.Address { return e.cfg.FeeAccount }
func (e *Exchange) FeePercent() uint64         { return e.cfg.FeePercent }
func (e *Exchange) OrderCount() uint64         { return e.orders.Count() }

// BalanceOf returns user's custodial balance of token; zero if none.
func (e *Exchange) BalanceOf(tok, user common.Address) *uint256.Int {
	return e.ledger.BalanceOf(tok, user)
}

// Tokens is the raw (token, user) ledger read; identical to BalanceOf.
func (e *Exchange) Tokens(tok, user common.Address) *uint256.Int {
	return e.ledger.BalanceOf(tok, user)
}

// Order returns a copy of order id.
func (e *Exchange) Order(id uint64) (*Order, error) { return e.orders.get(id) }

// OrderCancelled reports false for unknown ids.
func (e *Exchange) OrderCancelled(id uint64) bool {
	o, err := e.orders.get(id)
	return err == nil && o.Cancelled
}

// OrderFilled reports false for unknown ids.
func (e *Exchange) OrderFilled(id uint64) bool {
	o, err := e.orders.get(id)
	return err == nil && o.Filled
}

// Orders visits every order in id order. fn receives copies.
func (e *Exchange) Orders(fn func(*Order)) {
	e.orders.each(func(o *Order) { fn(o.clone()) })
}

// Events returns the in-memory event log.
func (e *Exchange) Events() *Log { return e.events }

// Balances returns every ledger entry.
func (e *Exchange) Balances() []Balance { return e.ledger.Entries() }

// FeeFor returns floor(amountGet * feePercent / 100).
func (e *Exchange) FeeFor(amountGet *uint256.Int) (*uint256.Int, error) {
	fee, overflow := new(uint256.Int).MulOverflow(amountGet, uint256.NewInt(e.cfg.FeePercent))
	if overflow {
		return nil, fmt.Errorf("fee on %s overflows: %w", amountGet.Dec(), ErrInvalidAmount)
	}
	return fee.Div(fee, uint256.NewInt(100)), nil
}

// DepositToken pulls amount of tok from caller into custody and credits the
// caller's ledger entry. The caller must have approved the exchange address.
func (e *Exchange) DepositToken(caller, tok common.Address, amount *uint256.Int) (*DepositEvent, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if amount == nil {
		return nil, fmt.Errorf("deposit: %w", ErrInvalidAmount)
	}
	t, err := e.tokens.Token(tok)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	if err := t.TransferFrom(e.cfg.Address, caller, e.cfg.Address, amount); err != nil {
		return nil, fmt.Errorf("deposit %s of %s: %w", amount.Dec(), tok.Hex(), err)
	}

	tx := e.ledger.begin()
	if err := tx.credit(tok, caller, amount); err != nil {
		e.refund(t, caller, amount)
		return nil, err
	}
	ev := DepositEvent{
		Token:   tok,
		User:    caller,
		Amount:  amount.Clone(),
		Balance: tx.balance(balanceKey{tok, caller}).Clone(),
	}
	if err := e.commit(pending{ledger: tx, events: []Event{ev}}); err != nil {
		e.refund(t, caller, amount)
		return nil, err
	}

	e.logger.Debugw("deposit", "token", tok.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "balance", ev.Balance.Dec())
	return &ev, nil
}

// WithdrawToken debits the caller's ledger entry and transfers the tokens
// back out of custody. The debit is committed before the token call; a
// failed transfer is compensated by re-crediting the entry.
func (e *Exchange) WithdrawToken(caller, tok common.Address, amount *uint256.Int) (*WithdrawEvent, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if amount == nil {
		return nil, fmt.Errorf("withdraw: %w", ErrInvalidAmount)
	}
	t, err := e.tokens.Token(tok)
	if err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}

	tx := e.ledger.begin()
	if err := tx.debit(tok, caller, amount); err != nil {
		return nil, fmt.Errorf("withdraw: %w", err)
	}
	remaining := tx.balance(balanceKey{tok, caller}).Clone()
	if err := e.commit(pending{ledger: tx}); err != nil {
		return nil, err
	}

	if err := t.Transfer(e.cfg.Address, caller, amount); err != nil {
		rb := e.ledger.begin()
		if cerr := rb.credit(tok, caller, amount); cerr == nil {
			cerr = e.commit(pending{ledger: rb})
			if cerr != nil {
				e.logger.Errorw("withdraw_rollback_failed", "token", tok.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "err", cerr)
			}
		}
		return nil, fmt.Errorf("withdraw %s of %s: %w", amount.Dec(), tok.Hex(), err)
	}

	// The tokens have left custody; a failure to record the event must not
	// report the withdrawal as failed.
	ev := WithdrawEvent{Token: tok, User: caller, Amount: amount.Clone(), Balance: remaining}
	if err := e.commit(pending{events: []Event{ev}}); err != nil {
		e.logger.Errorw("withdraw_event_persist_failed", "token", tok.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "err", err)
	}

	e.logger.Debugw("withdraw", "token", tok.Hex(), "user", caller.Hex(), "amount", amount.Dec(), "balance", remaining.Dec())
	return &ev, nil
}

// MakeOrder records an order offering amountGive of tokenGive for amountGet
// of tokenGet. The caller's tokenGive balance must cover amountGive at
// creation time; the amount is not locked.
func (e *Exchange) MakeOrder(caller, tokenGet common.Address, amountGet *uint256.Int, tokenGive common.Address, amountGive *uint256.Int) (*Order, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	if amountGet == nil || amountGive == nil {
		return nil, fmt.Errorf("make order: %w", ErrInvalidAmount)
	}
	if bal := e.ledger.BalanceOf(tokenGive, caller); bal.Lt(amountGive) {
		return nil, fmt.Errorf("make order: %s of token %s: have %s, need %s: %w",
			caller.Hex(), tokenGive.Hex(), bal.Dec(), amountGive.Dec(), ErrInsufficientBalance)
	}

	o := &Order{
		ID:         e.orders.nextID(),
		User:       caller,
		TokenGet:   tokenGet,
		AmountGet:  amountGet.Clone(),
		TokenGive:  tokenGive,
		AmountGive: amountGive.Clone(),
		Timestamp:  e.now(),
	}
	ev := OrderEvent{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  o.Timestamp,
	}
	err := e.commit(pending{
		orders: []*Order{o},
		events: []Event{ev},
		apply:  func() error { return e.orders.record(o) },
		ts:     o.Timestamp,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debugw("order_created", "id", o.ID, "user", caller.Hex(), "amount_get", amountGet.Dec(), "amount_give", amountGive.Dec())
	return o.clone(), nil
}

// CancelOrder marks order id cancelled. Only its creator may cancel, and
// only while it is open.
func (e *Exchange) CancelOrder(caller common.Address, id uint64) (*CancelEvent, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	o, err := e.orders.get(id)
	if err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}
	if o.User != caller {
		return nil, fmt.Errorf("cancel order %d: caller %s is not creator %s: %w", id, caller.Hex(), o.User.Hex(), ErrUnauthorized)
	}
	if _, err := e.orders.open(id); err != nil {
		return nil, fmt.Errorf("cancel: %w", err)
	}

	ts := e.now()
	o.Cancelled = true
	ev := CancelEvent{
		ID:         o.ID,
		User:       o.User,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Timestamp:  ts,
	}
	err = e.commit(pending{
		orders: []*Order{o},
		events: []Event{ev},
		apply:  func() error { return e.orders.markCancelled(id) },
		ts:     ts,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debugw("order_cancelled", "id", id, "user", caller.Hex())
	return &ev, nil
}

// FillOrder executes order id against the caller. The filler pays amountGet
// plus the fee in tokenGet; the creator receives amountGet, the fee account
// receives the fee, and amountGive of tokenGive moves from creator to filler.
// Any shortfall aborts the fill with no state change.
func (e *Exchange) FillOrder(caller common.Address, id uint64) (*TradeEvent, error) {
	if err := e.enter(); err != nil {
		return nil, err
	}
	defer e.exit()

	o, err := e.orders.open(id)
	if err != nil {
		return nil, fmt.Errorf("fill: %w", err)
	}
	fee, err := e.FeeFor(o.AmountGet)
	if err != nil {
		return nil, fmt.Errorf("fill order %d: %w", id, err)
	}
	total, overflow := new(uint256.Int).AddOverflow(o.AmountGet, fee)
	if overflow {
		return nil, fmt.Errorf("fill order %d: amount plus fee overflows: %w", id, ErrInvalidAmount)
	}

	tx := e.ledger.begin()
	steps := []func() error{
		func() error { return tx.debit(o.TokenGet, caller, total) },
		func() error { return tx.credit(o.TokenGet, o.User, o.AmountGet) },
		func() error { return tx.credit(o.TokenGet, e.cfg.FeeAccount, fee) },
		func() error { return tx.debit(o.TokenGive, o.User, o.AmountGive) },
		func() error { return tx.credit(o.TokenGive, caller, o.AmountGive) },
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return nil, fmt.Errorf("fill order %d: %w", id, err)
		}
	}

	ts := e.now()
	o.Filled = true
	ev := TradeEvent{
		ID:         o.ID,
		User:       caller,
		TokenGet:   o.TokenGet,
		AmountGet:  o.AmountGet.Clone(),
		TokenGive:  o.TokenGive,
		AmountGive: o.AmountGive.Clone(),
		Creator:    o.User,
		Timestamp:  ts,
	}
	err = e.commit(pending{
		ledger: tx,
		orders: []*Order{o},
		events: []Event{ev},
		apply:  func() error { return e.orders.markFilled(id) },
		ts:     ts,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Debugw("order_filled", "id", id, "filler", caller.Hex(), "creator", o.User.Hex(), "fee", fee.Dec())
	return &ev, nil
}

func (e *Exchange) enter() error {
	if e.entered {
		return ErrReentrantCall
	}
	e.entered = true
	return nil
}

func (e *Exchange) exit() { e.entered = false }

// now returns the clock in unix seconds, never earlier than the last
// committed timestamp.
func (e *Exchange) now() uint64 {
	var ts uint64
	if sec := e.clock.Now().Unix(); sec > 0 {
		ts = uint64(sec)
	}
	if ts < e.lastTime {
		return e.lastTime
	}
	return ts
}

func (e *Exchange) refund(t token.Token, to common.Address, amount *uint256.Int) {
	if err := t.Transfer(e.cfg.Address, to, amount); err != nil {
		e.logger.Errorw("deposit_refund_failed", "token", t.Address().Hex(), "user", to.Hex(), "amount", amount.Dec(), "err", err)
	}
}

// pending is one operation's staged effects.
type pending struct {
	ledger *ledgerTx
	orders []*Order
	events []Event
	apply  func() error // order store mutation, run after the store commit
	ts     uint64
}

func (e *Exchange) commit(p pending) error {
	records := make([]Record, len(p.events))
	for i, ev := range p.events {
		records[i] = Record{Seq: e.seq + uint64(i) + 1, Event: ev}
	}
	count := e.orders.Count()
	for _, o := range p.orders {
		if o.ID > count {
			count = o.ID
		}
	}
	ts := e.lastTime
	if p.ts > ts {
		ts = p.ts
	}

	if e.store != nil {
		cs := &Changeset{
			Orders:     p.orders,
			OrderCount: count,
			Events:     records,
			Timestamp:  ts,
		}
		if p.ledger != nil {
			cs.Balances = p.ledger.changes()
		}
		if err := e.store.Commit(cs); err != nil {
			return fmt.Errorf("persist changeset: %w", err)
		}
	}

	if p.ledger != nil {
		p.ledger.commit()
	}
	if p.apply != nil {
		if err := p.apply(); err != nil {
			// Validated before staging; reaching this is a bug.
			e.logger.Errorw("order_store_apply_failed", "err", err)
			return err
		}
	}
	e.seq += uint64(len(records))
	e.lastTime = ts

	for _, r := range records {
		e.events.Emit(r)
		if e.emit != nil {
			e.emit.Emit(r)
		}
	}
	return nil
}
