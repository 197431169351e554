package exchange

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/escrowdex/pkg/app/core/token"
	"github.com/uhyunpark/escrowdex/pkg/util"
)

const feePercent = 10

var (
	deployer   = common.HexToAddress("0xD0000000000000000000000000000000000000D0")
	feeAccount = common.HexToAddress("0xFEE0000000000000000000000000000000000FEE")
	user1      = common.HexToAddress("0xAA00000000000000000000000000000000000000")
	user2      = common.HexToAddress("0xBB00000000000000000000000000000000000000")
	custody    = common.HexToAddress("0xE000000000000000000000000000000000000E00")
)

func tokens(n string) *uint256.Int { return token.MustParse(n) }

type fixture struct {
	ex     *Exchange
	reg    *token.Registry
	token1 *token.ERC20
	token2 *token.ERC20
	clock  *util.BlockClock
	store  *memStore
}

// newFixture deploys two tokens, gives user1 100 token1 and user2 100
// token2, and deploys an exchange charging feePercent.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := token.NewRegistry(deployer)
	t1 := reg.Deploy("Cutie Token <3", "QT", 1000000, deployer)
	t2 := reg.Deploy("Mock Ether", "mETH", 1000000, deployer)
	require.NoError(t, t1.Transfer(deployer, user1, tokens("100")))
	require.NoError(t, t2.Transfer(deployer, user2, tokens("100")))

	clock := util.NewBlockClock()
	clock.Set(time.Unix(1_700_000_000, 0))
	store := &memStore{}
	ex := New(Config{Address: custody, FeeAccount: feeAccount, FeePercent: feePercent}, Options{
		Tokens: reg,
		Store:  store,
		Clock:  clock,
	})
	return &fixture{ex: ex, reg: reg, token1: t1, token2: t2, clock: clock, store: store}
}

func (f *fixture) deposit(t *testing.T, tok *token.ERC20, user common.Address, amount string) {
	t.Helper()
	require.NoError(t, tok.Approve(user, custody, tokens(amount)))
	_, err := f.ex.DepositToken(user, tok.Address(), tokens(amount))
	require.NoError(t, err)
}

// memStore records changesets and can be told to fail, either always or
// once failAfter commits have been recorded.
type memStore struct {
	commits   []*Changeset
	fail      bool
	failAfter int
}

func (s *memStore) Commit(cs *Changeset) error {
	if s.fail || (s.failAfter > 0 && len(s.commits) >= s.failAfter) {
		return errors.New("disk full")
	}
	s.commits = append(s.commits, cs)
	return nil
}

func TestDeployment(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, feeAccount, f.ex.FeeAccount())
	assert.Equal(t, uint64(feePercent), f.ex.FeePercent())
	assert.Equal(t, uint64(0), f.ex.OrderCount())
}

func TestDepositTracksBalanceAndEmits(t *testing.T) {
	f := newFixture(t)
	amount := tokens("10")

	require.NoError(t, f.token1.Approve(user1, custody, amount))
	ev, err := f.ex.DepositToken(user1, f.token1.Address(), amount)
	require.NoError(t, err)

	assert.True(t, f.token1.BalanceOf(custody).Eq(amount))
	assert.True(t, f.ex.Tokens(f.token1.Address(), user1).Eq(amount))
	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).Eq(amount))

	assert.Equal(t, f.token1.Address(), ev.Token)
	assert.Equal(t, user1, ev.User)
	assert.True(t, ev.Amount.Eq(amount))
	assert.True(t, ev.Balance.Eq(amount))

	recs := f.ex.Events().Records()
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Seq)
	assert.Equal(t, KindDeposit, recs[0].Event.Kind())
}

func TestDepositFailsWithoutApproval(t *testing.T) {
	f := newFixture(t)

	_, err := f.ex.DepositToken(user1, f.token1.Address(), tokens("10"))
	require.Error(t, err)
	assert.ErrorIs(t, err, token.ErrInsufficientAllowance)
	assert.Equal(t, KindInsufficientBalance, Kind(err))

	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).IsZero())
	assert.True(t, f.token1.BalanceOf(user1).Eq(tokens("100")))
	assert.Zero(t, f.ex.Events().Len())
	assert.Empty(t, f.store.commits)
}

func TestDepositUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.ex.DepositToken(user1, common.HexToAddress("0x1234"), tokens("1"))
	assert.ErrorIs(t, err, token.ErrUnknownToken)
}

func TestDepositRefundsWhenStoreFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.token1.Approve(user1, custody, tokens("10")))
	f.store.fail = true

	_, err := f.ex.DepositToken(user1, f.token1.Address(), tokens("10"))
	require.Error(t, err)
	assert.True(t, f.token1.BalanceOf(user1).Eq(tokens("100")), "tokens should be returned to user")
	assert.True(t, f.token1.BalanceOf(custody).IsZero())
	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).IsZero())
}

func TestWithdrawRoundTrip(t *testing.T) {
	f := newFixture(t)
	amount := tokens("10")
	f.deposit(t, f.token1, user1, "10")

	ev, err := f.ex.WithdrawToken(user1, f.token1.Address(), f.ex.BalanceOf(f.token1.Address(), user1))
	require.NoError(t, err)

	assert.True(t, f.token1.BalanceOf(custody).IsZero())
	assert.True(t, f.ex.Tokens(f.token1.Address(), user1).IsZero())
	assert.True(t, f.token1.BalanceOf(user1).Eq(tokens("100")))

	assert.Equal(t, KindWithdraw, ev.Kind())
	assert.Equal(t, f.token1.Address(), ev.Token)
	assert.Equal(t, user1, ev.User)
	assert.True(t, ev.Amount.Eq(amount))
	assert.True(t, ev.Balance.IsZero())
}

func TestWithdrawSucceedsWhenEventStoreFails(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.token1, user1, "10")
	// Allow the debit, fail the event commit that follows the transfer.
	f.store.failAfter = len(f.store.commits) + 1

	ev, err := f.ex.WithdrawToken(user1, f.token1.Address(), tokens("10"))
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.True(t, ev.Balance.IsZero())

	assert.True(t, f.token1.BalanceOf(user1).Eq(tokens("100")))
	assert.True(t, f.token1.BalanceOf(custody).IsZero())
	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).IsZero())
}

func TestWithdrawInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	_, err := f.ex.WithdrawToken(user1, f.token1.Address(), tokens("10"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Zero(t, f.ex.Events().Len())
}

func TestBalanceOf(t *testing.T) {
	f := newFixture(t)
	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).IsZero())
	f.deposit(t, f.token1, user1, "1")
	assert.True(t, f.ex.BalanceOf(f.token1.Address(), user1).Eq(tokens("1")))
}

// reentrantToken calls back into the exchange while transferring out of
// custody.
type reentrantToken struct {
	*token.ERC20
	ex      *Exchange
	reenter func() error
	err     error
}

func (r *reentrantToken) Transfer(from, to common.Address, amount *uint256.Int) error {
	if r.reenter != nil {
		r.err = r.reenter()
		r.reenter = nil
	}
	return r.ERC20.Transfer(from, to, amount)
}

func TestWithdrawRejectsReentry(t *testing.T) {
	reg := token.NewRegistry(deployer)
	base := token.NewERC20(common.HexToAddress("0xBAD0"), "Evil", "EVL", tokens("100"), user1)
	evil := &reentrantToken{ERC20: base}
	reg.Register(evil)

	ex := New(Config{Address: custody, FeeAccount: feeAccount, FeePercent: feePercent}, Options{Tokens: reg})
	evil.ex = ex
	evil.reenter = func() error {
		_, err := ex.WithdrawToken(user1, base.Address(), tokens("5"))
		return err
	}

	require.NoError(t, base.Approve(user1, custody, tokens("5")))
	_, err := ex.DepositToken(user1, base.Address(), tokens("5"))
	require.NoError(t, err)

	_, err = ex.WithdrawToken(user1, base.Address(), tokens("5"))
	require.NoError(t, err)
	assert.ErrorIs(t, evil.err, ErrReentrantCall)

	// The ledger was debited before the token call, so only one withdrawal paid out.
	assert.True(t, ex.BalanceOf(base.Address(), user1).IsZero())
	assert.True(t, base.BalanceOf(user1).Eq(tokens("100")))
	assert.True(t, base.BalanceOf(custody).IsZero())
}

// failingToken refuses transfers out of custody.
type failingToken struct{ *token.ERC20 }

func (failingToken) Transfer(common.Address, common.Address, *uint256.Int) error {
	return errors.New("transfer paused")
}

func TestWithdrawRollsBackWhenTransferFails(t *testing.T) {
	reg := token.NewRegistry(deployer)
	base := token.NewERC20(common.HexToAddress("0xF00D"), "Paused", "PSD", tokens("10"), user1)
	reg.Register(failingToken{base})
	ex := New(Config{Address: custody, FeeAccount: feeAccount, FeePercent: feePercent}, Options{Tokens: reg})

	require.NoError(t, base.Approve(user1, custody, tokens("10")))
	_, err := ex.DepositToken(user1, base.Address(), tokens("10"))
	require.NoError(t, err)

	_, err = ex.WithdrawToken(user1, base.Address(), tokens("4"))
	require.Error(t, err)
	assert.True(t, ex.BalanceOf(base.Address(), user1).Eq(tokens("10")))
	assert.Equal(t, 1, ex.Events().Len(), "only the deposit is logged")
}

func TestMakeOrder(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.token1, user1, "1")

	o, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	require.NoError(t, err)

	assert.Equal(t, uint64(1), o.ID)
	assert.Equal(t, uint64(1), f.ex.OrderCount())
	assert.Equal(t, uint64(1_700_000_000), o.Timestamp)

	recs := f.ex.Events().Last(1)
	require.Len(t, recs, 1)
	ev, ok := recs[0].Event.(OrderEvent)
	require.True(t, ok)
	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, user1, ev.User)
	assert.Equal(t, f.token2.Address(), ev.TokenGet)
	assert.True(t, ev.AmountGet.Eq(tokens("1")))
	assert.Equal(t, f.token1.Address(), ev.TokenGive)
	assert.True(t, ev.AmountGive.Eq(tokens("1")))
	assert.NotZero(t, ev.Timestamp)
}

func TestMakeOrderRejectsInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	_, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.Equal(t, uint64(0), f.ex.OrderCount())
}

func TestOrderIDsAreSequential(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.token1, user1, "3")
	f.deposit(t, f.token2, user2, "10")

	for want := uint64(1); want <= 3; want++ {
		o, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
		require.NoError(t, err)
		assert.Equal(t, want, o.ID)
	}
	_, err := f.ex.CancelOrder(user1, 1)
	require.NoError(t, err)
	_, err = f.ex.FillOrder(user2, 2)
	require.NoError(t, err)

	// A failed attempt does not burn an id.
	_, err = f.ex.MakeOrder(user2, f.token1.Address(), tokens("1"), f.token2.Address(), tokens("1000"))
	require.Error(t, err)

	o, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), o.ID)
}

// orderFixture mirrors the order-actions setup: user1 deposits 1 token1 and
// offers it for 1 token2; user2 deposits 2 token2.
func orderFixture(t *testing.T) *fixture {
	f := newFixture(t)
	f.deposit(t, f.token1, user1, "1")
	f.deposit(t, f.token2, user2, "2")
	_, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	require.NoError(t, err)
	return f
}

func TestCancelOrder(t *testing.T) {
	f := orderFixture(t)
	f.clock.Set(time.Unix(1_700_000_100, 0))

	ev, err := f.ex.CancelOrder(user1, 1)
	require.NoError(t, err)
	assert.True(t, f.ex.OrderCancelled(1))
	assert.False(t, f.ex.OrderFilled(1))

	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, user1, ev.User)
	assert.Equal(t, f.token2.Address(), ev.TokenGet)
	assert.True(t, ev.AmountGet.Eq(tokens("1")))
	assert.Equal(t, f.token1.Address(), ev.TokenGive)
	assert.True(t, ev.AmountGive.Eq(tokens("1")))
	assert.Equal(t, uint64(1_700_000_100), ev.Timestamp)

	o, err := f.ex.Order(1)
	require.NoError(t, err)
	assert.Equal(t, OrderCancelled, o.Status())
}

func TestCancelOrderFailures(t *testing.T) {
	f := orderFixture(t)

	_, err := f.ex.CancelOrder(user1, 99999)
	assert.ErrorIs(t, err, ErrOrderNotFound)
	assert.Equal(t, KindNotFound, Kind(err))

	_, err = f.ex.CancelOrder(user2, 1)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.Equal(t, KindUnauthorized, Kind(err))
	assert.False(t, f.ex.OrderCancelled(1))

	_, err = f.ex.CancelOrder(user1, 1)
	require.NoError(t, err)
	_, err = f.ex.CancelOrder(user1, 1)
	assert.ErrorIs(t, err, ErrOrderCancelled)
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestFillOrderSettlesWithFee(t *testing.T) {
	f := orderFixture(t)
	t1, t2 := f.token1.Address(), f.token2.Address()
	f.clock.Set(time.Unix(1_700_000_200, 0))

	ev, err := f.ex.FillOrder(user2, 1)
	require.NoError(t, err)

	assert.True(t, f.ex.BalanceOf(t1, user1).IsZero())
	assert.True(t, f.ex.BalanceOf(t1, user2).Eq(tokens("1")))
	assert.True(t, f.ex.BalanceOf(t1, feeAccount).IsZero())

	assert.True(t, f.ex.BalanceOf(t2, user1).Eq(tokens("1")))
	assert.True(t, f.ex.BalanceOf(t2, user2).Eq(tokens("0.9")))
	assert.True(t, f.ex.BalanceOf(t2, feeAccount).Eq(tokens("0.1")))

	assert.True(t, f.ex.OrderFilled(1))
	assert.False(t, f.ex.OrderCancelled(1))

	assert.Equal(t, uint64(1), ev.ID)
	assert.Equal(t, user2, ev.User)
	assert.Equal(t, t2, ev.TokenGet)
	assert.True(t, ev.AmountGet.Eq(tokens("1")))
	assert.Equal(t, t1, ev.TokenGive)
	assert.True(t, ev.AmountGive.Eq(tokens("1")))
	assert.Equal(t, user1, ev.Creator)
	assert.Equal(t, uint64(1_700_000_200), ev.Timestamp)
}

func TestFillOrderFailures(t *testing.T) {
	f := orderFixture(t)

	_, err := f.ex.FillOrder(user2, 99999)
	assert.ErrorIs(t, err, ErrOrderNotFound)

	_, err = f.ex.FillOrder(user2, 1)
	require.NoError(t, err)
	_, err = f.ex.FillOrder(user2, 1)
	assert.ErrorIs(t, err, ErrOrderFilled)
	assert.Equal(t, KindInvalidState, Kind(err))

	_, err = f.ex.CancelOrder(user1, 1)
	assert.ErrorIs(t, err, ErrOrderFilled)
}

func TestFillCancelledOrder(t *testing.T) {
	f := orderFixture(t)
	_, err := f.ex.CancelOrder(user1, 1)
	require.NoError(t, err)

	_, err = f.ex.FillOrder(user2, 1)
	assert.ErrorIs(t, err, ErrOrderCancelled)
	assert.False(t, f.ex.OrderFilled(1))
}

func TestFillIsAtomic(t *testing.T) {
	t.Run("filler cannot cover amount plus fee", func(t *testing.T) {
		f := newFixture(t)
		f.deposit(t, f.token1, user1, "1")
		f.deposit(t, f.token2, user2, "1") // needs 1.1
		_, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
		require.NoError(t, err)
		before := f.ex.StateRoot()

		_, err = f.ex.FillOrder(user2, 1)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, before, f.ex.StateRoot())
		assert.False(t, f.ex.OrderFilled(1))
	})

	t.Run("creator withdrew the offered balance", func(t *testing.T) {
		f := orderFixture(t)
		_, err := f.ex.WithdrawToken(user1, f.token1.Address(), tokens("1"))
		require.NoError(t, err)
		before := f.ex.StateRoot()
		events := f.ex.Events().Len()

		_, err = f.ex.FillOrder(user2, 1)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, before, f.ex.StateRoot())
		assert.Equal(t, events, f.ex.Events().Len())
		assert.True(t, f.ex.BalanceOf(f.token2.Address(), user2).Eq(tokens("2")))
	})

	t.Run("store failure leaves order open", func(t *testing.T) {
		f := orderFixture(t)
		before := f.ex.StateRoot()
		f.store.fail = true

		_, err := f.ex.FillOrder(user2, 1)
		require.Error(t, err)
		assert.Equal(t, before, f.ex.StateRoot())

		f.store.fail = false
		_, err = f.ex.FillOrder(user2, 1)
		require.NoError(t, err)
	})
}

func TestSettlementPolicies(t *testing.T) {
	t.Run("creator fills own order and pays the fee", func(t *testing.T) {
		f := newFixture(t)
		t1, t2 := f.token1.Address(), f.token2.Address()
		require.NoError(t, f.token2.Transfer(deployer, user1, tokens("2")))
		f.deposit(t, f.token1, user1, "1")
		f.deposit(t, f.token2, user1, "2")
		_, err := f.ex.MakeOrder(user1, t2, tokens("1"), t1, tokens("1"))
		require.NoError(t, err)

		ev, err := f.ex.FillOrder(user1, 1)
		require.NoError(t, err)
		assert.Equal(t, user1, ev.User)
		assert.Equal(t, user1, ev.Creator)
		assert.True(t, f.ex.BalanceOf(t1, user1).Eq(tokens("1")))
		assert.True(t, f.ex.BalanceOf(t2, user1).Eq(tokens("1.9")))
		assert.True(t, f.ex.BalanceOf(t2, feeAccount).Eq(tokens("0.1")))
	})

	t.Run("fee overflow", func(t *testing.T) {
		f := newFixture(t)
		f.deposit(t, f.token1, user1, "1")
		maxAmount := new(uint256.Int).SetAllOne()
		_, err := f.ex.MakeOrder(user1, f.token2.Address(), maxAmount, f.token1.Address(), tokens("1"))
		require.NoError(t, err)
		before := f.ex.StateRoot()

		_, err = f.ex.FillOrder(user2, 1)
		assert.ErrorIs(t, err, ErrInvalidAmount)
		assert.Equal(t, before, f.ex.StateRoot())
		assert.False(t, f.ex.OrderFilled(1))

		_, err = f.ex.FeeFor(maxAmount)
		assert.ErrorIs(t, err, ErrInvalidAmount)
	})

	t.Run("zero amounts are accepted", func(t *testing.T) {
		f := newFixture(t)
		zero := uint256.NewInt(0)
		_, err := f.ex.DepositToken(user1, f.token1.Address(), zero)
		require.NoError(t, err)
		o, err := f.ex.MakeOrder(user1, f.token2.Address(), zero, f.token1.Address(), zero)
		require.NoError(t, err)
		assert.Equal(t, uint64(1), o.ID)
		_, err = f.ex.WithdrawToken(user1, f.token1.Address(), zero)
		require.NoError(t, err)
		assert.Equal(t, 3, f.ex.Events().Len())
	})

	t.Run("overcommitted balance aborts the second fill", func(t *testing.T) {
		f := newFixture(t)
		t1, t2 := f.token1.Address(), f.token2.Address()
		f.deposit(t, f.token1, user1, "1")
		f.deposit(t, f.token2, user2, "5")
		_, err := f.ex.MakeOrder(user1, t2, tokens("1"), t1, tokens("1"))
		require.NoError(t, err)
		_, err = f.ex.MakeOrder(user1, t2, tokens("1"), t1, tokens("1"))
		require.NoError(t, err, "orders do not lock the offered balance")

		_, err = f.ex.FillOrder(user2, 1)
		require.NoError(t, err)
		before := f.ex.StateRoot()
		events := f.ex.Events().Len()

		_, err = f.ex.FillOrder(user2, 2)
		assert.ErrorIs(t, err, ErrInsufficientBalance)
		assert.Equal(t, before, f.ex.StateRoot())
		assert.Equal(t, events, f.ex.Events().Len())
		assert.False(t, f.ex.OrderFilled(2))
		assert.True(t, f.ex.BalanceOf(t2, user2).Eq(tokens("3.9")))
	})
}

func TestNilAmountIsInvalid(t *testing.T) {
	f := newFixture(t)
	t1, t2 := f.token1.Address(), f.token2.Address()
	tests := []struct {
		name string
		run  func() error
	}{
		{"deposit", func() error { _, err := f.ex.DepositToken(user1, t1, nil); return err }},
		{"withdraw", func() error { _, err := f.ex.WithdrawToken(user1, t1, nil); return err }},
		{"order amountGet", func() error { _, err := f.ex.MakeOrder(user1, t2, nil, t1, tokens("1")); return err }},
		{"order amountGive", func() error { _, err := f.ex.MakeOrder(user1, t2, tokens("1"), t1, nil); return err }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run()
			assert.ErrorIs(t, err, ErrInvalidAmount)
			assert.Equal(t, KindUnknown, Kind(err))
		})
	}
	assert.Zero(t, f.ex.Events().Len())
	assert.Zero(t, f.ex.OrderCount())
}

func TestFeeIsTruncated(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		amount uint64
		want   uint64
	}{
		{0, 0},
		{9, 0},
		{10, 1},
		{19, 1},
		{105, 10},
	}
	for _, tt := range tests {
		fee, err := f.ex.FeeFor(uint256.NewInt(tt.amount))
		require.NoError(t, err)
		assert.Equal(t, tt.want, fee.Uint64(), "fee on %d", tt.amount)
	}
}

func TestTimestampsNeverDecrease(t *testing.T) {
	f := newFixture(t)
	f.deposit(t, f.token1, user1, "2")

	o1, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	require.NoError(t, err)

	f.clock.Set(time.Unix(1_600_000_000, 0)) // clock moved backwards
	o2, err := f.ex.MakeOrder(user1, f.token2.Address(), tokens("1"), f.token1.Address(), tokens("1"))
	require.NoError(t, err)
	assert.GreaterOrEqual(t, o2.Timestamp, o1.Timestamp)
}

func TestChangesetsCarryEffects(t *testing.T) {
	f := orderFixture(t)
	_, err := f.ex.FillOrder(user2, 1)
	require.NoError(t, err)

	last := f.store.commits[len(f.store.commits)-1]
	assert.Len(t, last.Balances, 5)
	require.Len(t, last.Orders, 1)
	assert.True(t, last.Orders[0].Filled)
	assert.Equal(t, uint64(1), last.OrderCount)
	require.Len(t, last.Events, 1)
	assert.Equal(t, KindTrade, last.Events[0].Event.Kind())
}

func TestRestoreReproducesState(t *testing.T) {
	f := orderFixture(t)
	_, err := f.ex.FillOrder(user2, 1)
	require.NoError(t, err)

	snap := &Snapshot{Balances: f.ex.Balances(), OrderCount: f.ex.OrderCount(), EventSeq: 4, Timestamp: 1_700_000_000}
	f.ex.Orders(func(o *Order) { snap.Orders = append(snap.Orders, o) })

	fresh := New(Config{Address: custody, FeeAccount: feeAccount, FeePercent: feePercent}, Options{Tokens: f.reg})
	require.NoError(t, fresh.Restore(snap))
	assert.Equal(t, f.ex.StateRoot(), fresh.StateRoot())
	assert.True(t, fresh.OrderFilled(1))

	require.Error(t, fresh.Restore(snap), "restore into a populated exchange")
}

func TestRecordJSON(t *testing.T) {
	rec := Record{Seq: 7, Event: TradeEvent{
		ID: 3, User: user2, TokenGet: custody, AmountGet: tokens("1"),
		TokenGive: feeAccount, AmountGive: tokens("2"), Creator: user1, Timestamp: 42,
	}}
	raw, err := json.Marshal(rec)
	require.NoError(t, err)

	var back Record
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, uint64(7), back.Seq)
	ev, ok := back.Event.(TradeEvent)
	require.True(t, ok)
	assert.Equal(t, user1, ev.Creator)
	assert.True(t, ev.AmountGive.Eq(tokens("2")))

	require.Error(t, json.Unmarshal([]byte(`{"seq":1,"kind":"bogus","data":{}}`), &back))
}

func TestLogLastFiltersBeforeLimit(t *testing.T) {
	log := NewLog(0)
	log.Emit(Record{Seq: 1, Event: DepositEvent{User: user1}})
	log.Emit(Record{Seq: 2, Event: OrderEvent{ID: 1}})
	log.Emit(Record{Seq: 3, Event: CancelEvent{ID: 1}})

	recs := log.Last(1, KindDeposit)
	require.Len(t, recs, 1)
	assert.Equal(t, uint64(1), recs[0].Seq)

	recs = log.Last(0, KindOrder, KindCancel)
	require.Len(t, recs, 2)
	assert.Equal(t, uint64(3), recs[0].Seq)
	assert.Equal(t, uint64(2), recs[1].Seq)

	assert.Empty(t, log.Last(5, KindTrade))
	assert.Len(t, log.Last(2), 2)
}
