package exchange

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type balanceKey struct {
	token common.Address
	user  common.Address
}

// Balance is one custodial ledger entry.
type Balance struct {
	Token  common.Address `json:"token"`
	User   common.Address `json:"user"`
	Amount *uint256.Int   `json:"amount"`
}

// Ledger maps (token, user) to the amount held in custody for user.
// Entries are created on first credit and never removed; zero is a valid
// persistent balance.
type Ledger struct {
	balances map[balanceKey]*uint256.Int
}

func NewLedger() *Ledger {
	return &Ledger{balances: make(map[balanceKey]*uint256.Int)}
}

// BalanceOf returns a copy of the entry, zero when absent.
func (l *Ledger) BalanceOf(token, user common.Address) *uint256.Int {
	if b, ok := l.balances[balanceKey{token, user}]; ok {
		return b.Clone()
	}
	return new(uint256.Int)
}

// Len returns the number of entries.
func (l *Ledger) Len() int { return len(l.balances) }

// Entries returns all entries ordered by (token, user).
func (l *Ledger) Entries() []Balance {
	out := make([]Balance, 0, len(l.balances))
	for k, v := range l.balances {
		out = append(out, Balance{Token: k.token, User: k.user, Amount: v.Clone()})
	}
	sort.Slice(out, func(i, j int) bool {
		if c := bytes.Compare(out[i].Token[:], out[j].Token[:]); c != 0 {
			return c < 0
		}
		return bytes.Compare(out[i].User[:], out[j].User[:]) < 0
	})
	return out
}

func (l *Ledger) set(b Balance) {
	l.balances[balanceKey{b.Token, b.User}] = b.Amount.Clone()
}

// begin opens a staged write-set over the ledger. Nothing is visible in the
// ledger until commit; dropping the stage discards every change.
func (l *Ledger) begin() *ledgerTx {
	return &ledgerTx{base: l, writes: make(map[balanceKey]*uint256.Int)}
}

type ledgerTx struct {
	base   *Ledger
	writes map[balanceKey]*uint256.Int
	order  []balanceKey
}

func (tx *ledgerTx) balance(k balanceKey) *uint256.Int {
	if b, ok := tx.writes[k]; ok {
		return b
	}
	if b, ok := tx.base.balances[k]; ok {
		return b
	}
	return new(uint256.Int)
}

func (tx *ledgerTx) put(k balanceKey, v *uint256.Int) {
	if _, seen := tx.writes[k]; !seen {
		tx.order = append(tx.order, k)
	}
	tx.writes[k] = v
}

func (tx *ledgerTx) credit(token, user common.Address, amount *uint256.Int) error {
	k := balanceKey{token, user}
	next, overflow := new(uint256.Int).AddOverflow(tx.balance(k), amount)
	if overflow {
		return fmt.Errorf("credit %s to %s overflows: %w", amount.Dec(), user.Hex(), ErrInvalidAmount)
	}
	tx.put(k, next)
	return nil
}

func (tx *ledgerTx) debit(token, user common.Address, amount *uint256.Int) error {
	k := balanceKey{token, user}
	cur := tx.balance(k)
	if cur.Lt(amount) {
		return fmt.Errorf("%s of token %s: have %s, need %s: %w",
			user.Hex(), token.Hex(), cur.Dec(), amount.Dec(), ErrInsufficientBalance)
	}
	tx.put(k, new(uint256.Int).Sub(cur, amount))
	return nil
}

// changes lists the staged entries in first-touch order.
func (tx *ledgerTx) changes() []Balance {
	out := make([]Balance, 0, len(tx.order))
	for _, k := range tx.order {
		out = append(out, Balance{Token: k.token, User: k.user, Amount: tx.writes[k].Clone()})
	}
	return out
}

func (tx *ledgerTx) commit() {
	for _, k := range tx.order {
		tx.base.balances[k] = tx.writes[k]
	}
}
