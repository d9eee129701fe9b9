package vault

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubExchange returns a fixed fill or error and records the last call.
type stubExchange struct {
	out      *big.Int
	err      error
	lastIn   *big.Int
	lastMin  *big.Int
	deadline time.Time
}

func (s *stubExchange) Swap(ctx context.Context, amountIn *big.Int, assetIn, assetOut Asset, minAmountOut *big.Int) (*big.Int, error) {
	s.lastIn = amountIn
	s.lastMin = minAmountOut
	s.deadline, _ = ctx.Deadline()
	if s.err != nil {
		return nil, s.err
	}
	return new(big.Int).Set(s.out), nil
}

func newTestCoordinator(exchange Exchange) (*RebalanceCoordinator, *MemoryCustody, *PositionLedger) {
	oracle := NewValuationOracle(NewStaticRateSource(DefaultSecondaryRate))
	ledger := NewPositionLedger(oracle)
	custody := NewMemoryCustody()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	return NewRebalanceCoordinator(exchange, custody, oracle, ledger, "exchange", logger), custody, ledger
}

func TestRebalanceSuccessRederivesTVL(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(4)}
	rc, custody, ledger := newTestCoordinator(exchange)

	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(100)))
	require.NoError(t, ledger.DepositPrimary("alice", big.NewInt(100)))

	res, err := rc.Rebalance(context.Background(), big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(3)})
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(60), res.AmountIn)
	assert.Equal(t, big.NewInt(4), res.AmountOut)
	assert.Equal(t, big.NewInt(40), res.PrimaryBalance)
	assert.Equal(t, big.NewInt(4), res.SecondaryBalance)

	// 40 primary + 4 * 15 = 100: TVL comes back from live custody.
	assert.Equal(t, big.NewInt(100), res.TotalValueLocked)
	assert.Equal(t, big.NewInt(100), ledger.TVL())
	assert.Equal(t, big.NewInt(40), custody.BalanceOf(Primary))
	assert.Equal(t, big.NewInt(4), custody.BalanceOf(Secondary))
}

func TestRebalanceFailureLeavesStateUntouched(t *testing.T) {
	exchange := &stubExchange{err: errors.New("venue rejected order")}
	rc, custody, ledger := newTestCoordinator(exchange)

	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(100)))
	require.NoError(t, ledger.DepositPrimary("alice", big.NewInt(100)))

	_, err := rc.Rebalance(context.Background(), big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(1)})
	assert.ErrorIs(t, err, ErrSwapFailed)

	assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
	assert.Equal(t, big.NewInt(0), custody.BalanceOf(Secondary))
	assert.Equal(t, big.NewInt(100), ledger.TVL())
}

func TestRebalanceFillBelowMinimum(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(2)}
	rc, custody, ledger := newTestCoordinator(exchange)

	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(100)))
	require.NoError(t, ledger.DepositPrimary("alice", big.NewInt(100)))

	_, err := rc.Rebalance(context.Background(), big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(3)})
	assert.ErrorIs(t, err, ErrSwapFailed)
	assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
	assert.Equal(t, big.NewInt(100), ledger.TVL())
}

// A custody settlement failure after a confirmed swap surfaces as a transfer
// error and leaves the custody book balanced.
func TestRebalanceSettlementFailure(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(4)}
	oracle := NewValuationOracle(NewStaticRateSource(DefaultSecondaryRate))
	ledger := NewPositionLedger(oracle)
	custody := &failingCustody{MemoryCustody: NewMemoryCustody()}
	level, _ := log.ToLevel("debug")
	rc := NewRebalanceCoordinator(exchange, custody, oracle, ledger, "exchange", log.NewTestLogger(level))

	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(100)))
	require.NoError(t, ledger.DepositPrimary("alice", big.NewInt(100)))

	t.Run("DebitLeg", func(t *testing.T) {
		custody.failOutPrimary = true
		defer func() { custody.failOutPrimary = false }()

		_, err := rc.Rebalance(context.Background(), big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(3)})
		assert.ErrorIs(t, err, ErrTransferFailed)
		assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
		assert.Equal(t, big.NewInt(100), ledger.TVL())
	})

	t.Run("CreditLegReturnsDebit", func(t *testing.T) {
		custody.failInSecondary = true
		defer func() { custody.failInSecondary = false }()

		_, err := rc.Rebalance(context.Background(), big.NewInt(60), RebalanceParams{MinAmountOut: big.NewInt(3)})
		assert.ErrorIs(t, err, ErrTransferFailed)

		// The primary already sent to the venue came back.
		assert.Equal(t, big.NewInt(100), custody.BalanceOf(Primary))
		assert.Zero(t, custody.BalanceOf(Secondary).Sign())
		assert.Equal(t, big.NewInt(100), ledger.TVL())
	})
}

func TestRebalanceValidation(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(10)}
	rc, custody, _ := newTestCoordinator(exchange)
	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(50)))

	t.Run("ZeroAmountIn", func(t *testing.T) {
		_, err := rc.Rebalance(context.Background(), big.NewInt(0), RebalanceParams{MinAmountOut: big.NewInt(1)})
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("MissingMinAmountOut", func(t *testing.T) {
		_, err := rc.Rebalance(context.Background(), big.NewInt(10), RebalanceParams{})
		assert.ErrorIs(t, err, ErrZeroAmount)
	})

	t.Run("InsufficientCustody", func(t *testing.T) {
		_, err := rc.Rebalance(context.Background(), big.NewInt(1000), RebalanceParams{MinAmountOut: big.NewInt(1)})
		assert.ErrorIs(t, err, ErrInsufficientLiquidity)
		assert.Nil(t, exchange.lastIn, "the exchange must never see an uncovered order")
	})
}

func TestRebalanceDeadlinePropagates(t *testing.T) {
	exchange := &stubExchange{out: big.NewInt(5)}
	rc, custody, _ := newTestCoordinator(exchange)
	require.NoError(t, custody.TransferIn("alice", Primary, big.NewInt(100)))

	t.Run("Default", func(t *testing.T) {
		start := time.Now()
		_, err := rc.Rebalance(context.Background(), big.NewInt(10), RebalanceParams{MinAmountOut: big.NewInt(1)})
		require.NoError(t, err)
		require.False(t, exchange.deadline.IsZero())
		assert.WithinDuration(t, start.Add(DefaultSwapDeadline), exchange.deadline, 5*time.Second)
	})

	t.Run("Custom", func(t *testing.T) {
		start := time.Now()
		_, err := rc.Rebalance(context.Background(), big.NewInt(10), RebalanceParams{
			MinAmountOut: big.NewInt(1),
			Deadline:     30 * time.Second,
		})
		require.NoError(t, err)
		assert.WithinDuration(t, start.Add(30*time.Second), exchange.deadline, 5*time.Second)
	})
}
