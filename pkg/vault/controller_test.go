package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// failingCustody passes balance checks but rejects selected transfer legs,
// the way an external custody backend can.
type failingCustody struct {
	*MemoryCustody
	failOutPrimary   bool
	failOutSecondary bool
	failInSecondary  bool
}

func (f *failingCustody) TransferOut(to Identity, asset Asset, amount *big.Int) error {
	if (f.failOutPrimary && asset == Primary) || (f.failOutSecondary && asset == Secondary) {
		return fmt.Errorf("%w: custody backend rejected transfer", ErrTransferFailed)
	}
	return f.MemoryCustody.TransferOut(to, asset, amount)
}

func (f *failingCustody) TransferIn(from Identity, asset Asset, amount *big.Int) error {
	if f.failInSecondary && asset == Secondary {
		return fmt.Errorf("%w: custody backend rejected transfer", ErrTransferFailed)
	}
	return f.MemoryCustody.TransferIn(from, asset, amount)
}

func testRoles() Roles {
	return Roles{Owner: "owner", Manager: "manager", Treasury: "treasury"}
}

func newTestController(t *testing.T, exchange Exchange) (*VaultController, *MemoryCustody, *StaticRateSource) {
	t.Helper()
	custody := NewMemoryCustody()
	source := NewStaticRateSource(DefaultSecondaryRate)
	level, _ := log.ToLevel("debug")
	c, err := NewVaultController(Config{
		Roles:      testRoles(),
		Custody:    custody,
		Exchange:   exchange,
		RateSource: source,
		Logger:     log.NewTestLogger(level),
	})
	require.NoError(t, err)
	return c, custody, source
}

func TestControllerConfigValidation(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(1)}

	_, err := NewVaultController(Config{Custody: NewMemoryCustody(), Exchange: exchange})
	assert.Error(t, err, "roles are required")

	_, err = NewVaultController(Config{Roles: testRoles(), Exchange: exchange})
	assert.Error(t, err, "custody is required")

	_, err = NewVaultController(Config{Roles: testRoles(), Custody: NewMemoryCustody()})
	assert.Error(t, err, "exchange is required")
}

// The full depositor lifecycle: deposit primary, deposit secondary, withdraw.
func TestControllerDepositWithdrawLifecycle(t *testing.T) {
	c, custody, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})

	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))
	assert.Equal(t, big.NewInt(100), c.UserValue("alice"))
	assert.Equal(t, big.NewInt(100), c.TVL())

	require.NoError(t, c.DepositSecondary("alice", big.NewInt(1)))
	assert.Equal(t, big.NewInt(115), c.UserValue("alice"))
	assert.Equal(t, big.NewInt(115), c.TVL())

	pos := c.ledger.Get("alice")
	assert.Equal(t, big.NewInt(100), pos.EntryValue, "entry value stays at the first deposit")

	receipt, err := c.Withdraw("alice")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), receipt.PrimaryPaid)
	assert.Equal(t, big.NewInt(1), receipt.SecondaryPaid)

	// profit 15, fee 15 * 10 / 1000 = 0.
	assert.Zero(t, receipt.Fee.Sign())
	assert.Zero(t, receipt.FeeDeferred.Sign())

	assert.Equal(t, big.NewInt(0), c.UserValue("alice"))
	assert.Zero(t, c.TVL().Sign())
	assert.Zero(t, custody.BalanceOf(Primary).Sign())
	assert.Zero(t, custody.BalanceOf(Secondary).Sign())

	t.Run("WithdrawEmptyPosition", func(t *testing.T) {
		_, err := c.Withdraw("alice")
		assert.ErrorIs(t, err, ErrEmptyPosition)
		_, err = c.Withdraw("nobody")
		assert.ErrorIs(t, err, ErrEmptyPosition)
	})
}

func TestControllerDepositZeroAmount(t *testing.T) {
	c, custody, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})

	assert.ErrorIs(t, c.DepositPrimary("alice", big.NewInt(0)), ErrZeroAmount)
	assert.ErrorIs(t, c.DepositSecondary("alice", nil), ErrZeroAmount)
	assert.Zero(t, custody.BalanceOf(Primary).Sign())
	assert.Zero(t, c.TVL().Sign())
}

// A withdrawal whose secondary payout leg fails after the primary leg was
// already paid must return the primary and leave the position open, so the
// depositor can retry without being paid twice.
func TestControllerWithdrawAtomicAcrossPayoutLegs(t *testing.T) {
	custody := &failingCustody{MemoryCustody: NewMemoryCustody()}
	level, _ := log.ToLevel("debug")
	c, err := NewVaultController(Config{
		Roles:    testRoles(),
		Custody:  custody,
		Exchange: &stubExchange{out: big.NewInt(1)},
		Logger:   log.NewTestLogger(level),
	})
	require.NoError(t, err)

	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))
	require.NoError(t, c.DepositSecondary("alice", big.NewInt(1)))

	custody.failOutSecondary = true
	_, err = c.Withdraw("alice")
	require.ErrorIs(t, err, ErrTransferFailed)

	// No trace of the failed attempt: custody holds both legs and the
	// position is still open at full value.
	assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
	assert.Equal(t, big.NewInt(1), custody.BalanceOf(Secondary))
	assert.Equal(t, big.NewInt(115), c.UserValue("alice"))
	assert.Equal(t, big.NewInt(115), c.TVL())

	// Once custody recovers, the retry pays each leg exactly once.
	custody.failOutSecondary = false
	receipt, err := c.Withdraw("alice")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(100), receipt.PrimaryPaid)
	assert.Equal(t, big.NewInt(1), receipt.SecondaryPaid)
	assert.Zero(t, custody.BalanceOf(Primary).Sign())
	assert.Zero(t, custody.BalanceOf(Secondary).Sign())
}

// failingRateSource simulates a dead price feed.
type failingRateSource struct{}

func (failingRateSource) SecondaryRate() (decimal.Decimal, error) {
	return decimal.Decimal{}, errors.New("rate feed unavailable")
}

// A deposit the ledger rejects must be returned to the depositor.
func TestControllerDepositUndoneOnLedgerRejection(t *testing.T) {
	custody := NewMemoryCustody()
	level, _ := log.ToLevel("debug")
	c, err := NewVaultController(Config{
		Roles:      testRoles(),
		Custody:    custody,
		Exchange:   &stubExchange{out: big.NewInt(1)},
		RateSource: failingRateSource{},
		Logger:     log.NewTestLogger(level),
	})
	require.NoError(t, err)

	require.Error(t, c.DepositSecondary("alice", big.NewInt(5)))
	assert.Zero(t, custody.BalanceOf(Secondary).Sign(), "rejected deposit stays with the depositor")
	assert.Zero(t, c.TVL().Sign())
	assert.Nil(t, c.ledger.Get("alice"))
}

// A profitable exit pays the 1% performance fee to the treasury from pool
// custody without touching the payout.
func TestControllerFeeOnProfit(t *testing.T) {
	c, custody, source := newTestController(t, &stubExchange{out: big.NewInt(1)})

	// Another depositor's primary keeps the pool solvent for the fee leg
	// after bob's full payout.
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100000)))

	require.NoError(t, c.DepositSecondary("bob", big.NewInt(1000)))
	assert.Equal(t, big.NewInt(15000), c.UserValue("bob"))

	// The secondary appreciates before bob exits.
	source.SetRate(decimal.NewFromInt(20))
	assert.Equal(t, big.NewInt(20000), c.UserValue("bob"))

	receipt, err := c.Withdraw("bob")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(0), receipt.PrimaryPaid)
	assert.Equal(t, big.NewInt(1000), receipt.SecondaryPaid)

	// profit 5000, fee 5000 * 10 / 1000 = 50.
	assert.Equal(t, big.NewInt(50), receipt.Fee)
	assert.Zero(t, receipt.FeeDeferred.Sign())
	assert.Equal(t, big.NewInt(50), c.CollectedFees())
	assert.Equal(t, big.NewInt(99950), custody.BalanceOf(Primary))
}

// When custody cannot cover the fee leg, the withdrawal still completes and
// the fee is deferred until a later operation can pay it.
func TestControllerFeeDeferredThenFlushed(t *testing.T) {
	c, _, source := newTestController(t, &stubExchange{out: big.NewInt(1)})

	require.NoError(t, c.DepositSecondary("bob", big.NewInt(1000)))
	source.SetRate(decimal.NewFromInt(20))

	// The pool holds no primary at all, so the 50-unit fee cannot be paid.
	receipt, err := c.Withdraw("bob")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), receipt.Fee)
	assert.Equal(t, big.NewInt(50), receipt.FeeDeferred)
	assert.Equal(t, big.NewInt(50), c.PendingFees())

	// Fees retry before the deposit credits custody, so this one can't settle
	// its own debt yet.
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(10000)))
	assert.Equal(t, big.NewInt(50), c.PendingFees())

	paid, err := c.FlushFees()
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(50), paid)
	assert.Zero(t, c.PendingFees().Sign())
	assert.Equal(t, big.NewInt(50), c.CollectedFees())

	// And a further mutating operation also finds nothing pending.
	require.NoError(t, c.DepositPrimary("carol", big.NewInt(1)))
	assert.Zero(t, c.PendingFees().Sign())
}

// A sink that calls back into a mutating operation is rejected, and the
// enclosing operation still commits.
func TestControllerReentrancyRejected(t *testing.T) {
	c, _, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))

	var nested error
	sawEvent := false
	c.AddSink(SinkFunc(func(ev Event) {
		if _, ok := ev.(DepositEvent); !ok {
			return
		}
		sawEvent = true
		_, nested = c.Withdraw("alice")
	}))

	require.NoError(t, c.DepositPrimary("bob", big.NewInt(5)))
	require.True(t, sawEvent)
	assert.ErrorIs(t, nested, ErrReentrantCall)

	// The outer deposit committed; the nested withdraw did nothing.
	assert.Equal(t, big.NewInt(5), c.UserValue("bob"))
	assert.Equal(t, big.NewInt(100), c.UserValue("alice"))
	assert.Equal(t, big.NewInt(105), c.TVL())
}

func TestControllerRebalance(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(4)}
	c, custody, _ := newTestController(t, exchange)
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))

	t.Run("UnauthorizedCaller", func(t *testing.T) {
		_, err := c.Rebalance(context.Background(), "alice", big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(1)})
		assert.ErrorIs(t, err, ErrUnauthorized)
		assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
	})

	t.Run("ManagerSwaps", func(t *testing.T) {
		var events []Event
		c.AddSink(SinkFunc(func(ev Event) { events = append(events, ev) }))

		res, err := c.Rebalance(context.Background(), "manager", big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(3)})
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(40), res.PrimaryBalance)
		assert.Equal(t, big.NewInt(4), res.SecondaryBalance)
		assert.Equal(t, big.NewInt(100), res.TotalValueLocked)
		assert.Equal(t, big.NewInt(100), c.TVL())

		require.Len(t, events, 2)
		swap, ok := events[0].(SwapEvent)
		require.True(t, ok)
		assert.Equal(t, big.NewInt(60), swap.AmountIn)
		assert.Equal(t, big.NewInt(4), swap.AmountOut)
		_, ok = events[1].(RebalanceEvent)
		require.True(t, ok)
	})
}

func TestControllerSetManager(t *testing.T) {
	c, _, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})

	assert.ErrorIs(t, c.SetManager("manager", "mallory"), ErrUnauthorized)
	assert.Error(t, c.SetManager("owner", ""))

	require.NoError(t, c.SetManager("owner", "newmanager"))
	assert.Equal(t, Identity("newmanager"), c.Roles().Manager)

	// The old manager lost the rebalance right.
	_, err := c.Rebalance(context.Background(), "manager", big.NewInt(1), RebalanceParams{MinAmountOut: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrUnauthorized)
}

func TestControllerEmergencyWithdraw(t *testing.T) {
	c, custody, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(777)))

	t.Run("OwnerOnly", func(t *testing.T) {
		_, err := c.EmergencyWithdraw("manager", Primary)
		assert.ErrorIs(t, err, ErrUnauthorized)
	})

	t.Run("InvalidAsset", func(t *testing.T) {
		_, err := c.EmergencyWithdraw("owner", Asset(3))
		assert.ErrorIs(t, err, ErrInvalidAsset)
	})

	t.Run("SweepsCustody", func(t *testing.T) {
		swept, err := c.EmergencyWithdraw("owner", Primary)
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(777), swept)
		assert.Zero(t, custody.BalanceOf(Primary).Sign())

		// The ledger is deliberately untouched.
		assert.Equal(t, big.NewInt(777), c.UserValue("alice"))
	})
}

func TestControllerInfo(t *testing.T) {
	c, _, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))
	require.NoError(t, c.DepositSecondary("bob", big.NewInt(2)))

	info := c.Info()
	assert.Equal(t, big.NewInt(130), info.TotalValueLocked)
	assert.Equal(t, 2, info.OpenPositions)
	assert.Equal(t, big.NewInt(100), info.PrimaryCustody)
	assert.Equal(t, big.NewInt(2), info.SecondaryCustody)
	assert.Equal(t, testRoles(), info.Roles)
}

func TestControllerStateSnapshotRestore(t *testing.T) {
	c, _, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})
	require.NoError(t, c.DepositPrimary("alice", big.NewInt(100)))
	require.NoError(t, c.DepositSecondary("bob", big.NewInt(2)))
	require.NoError(t, c.SetManager("owner", "newmanager"))

	state, ok := c.StateSnapshot()
	require.True(t, ok)

	restored, custody, _ := newTestController(t, &stubExchange{out: big.NewInt(1)})
	require.NoError(t, restored.RestoreState(state))

	assert.Equal(t, c.TVL(), restored.TVL())
	assert.Equal(t, big.NewInt(100), restored.UserValue("alice"))
	assert.Equal(t, big.NewInt(30), restored.UserValue("bob"))
	assert.Equal(t, Identity("newmanager"), restored.Roles().Manager)
	assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
	assert.Equal(t, big.NewInt(2), custody.BalanceOf(Secondary))

	// Restored state is live: bob can withdraw from the new engine.
	receipt, err := restored.Withdraw("bob")
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(2), receipt.SecondaryPaid)
}
