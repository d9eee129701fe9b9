package vault

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/luxfi/log"
)

// DefaultSwapDeadline bounds how long a venue swap may take before it is
// treated as failed.
const DefaultSwapDeadline = 15 * time.Minute

// RebalanceParams are the manager-supplied venue parameters for one rebalance.
// MinAmountOut is required: the engine refuses unbounded-slippage swaps.
type RebalanceParams struct {
	MinAmountOut *big.Int
	Deadline     time.Duration // 0 means DefaultSwapDeadline
}

// RebalanceResult reports the swap fill and the reconciled pool state.
type RebalanceResult struct {
	AmountIn         *big.Int
	AmountOut        *big.Int
	PrimaryBalance   *big.Int
	SecondaryBalance *big.Int
	TotalValueLocked *big.Int
}

// RebalanceCoordinator shifts pool composition through the external exchange
// and reconciles the ledger's TVL with live custody afterward. It holds no
// strategy: the swap amount and timing are always external (manager) input.
type RebalanceCoordinator struct {
	exchange Exchange
	custody  AssetLedger
	oracle   *ValuationOracle
	ledger   *PositionLedger
	venue    Identity
	logger   log.Logger
}

// NewRebalanceCoordinator wires a coordinator. venue names the exchange's
// settlement identity on the custody ledger.
func NewRebalanceCoordinator(exchange Exchange, custody AssetLedger, oracle *ValuationOracle, ledger *PositionLedger, venue Identity, logger log.Logger) *RebalanceCoordinator {
	return &RebalanceCoordinator{
		exchange: exchange,
		custody:  custody,
		oracle:   oracle,
		ledger:   ledger,
		venue:    venue,
		logger:   logger,
	}
}

// Rebalance swaps amountIn of the primary asset into the secondary asset and
// re-derives TVL from the resulting custody balances. No ledger or custody
// state is touched until the swap has confirmed, so a failed swap leaves
// every balance and the TVL exactly as before the call.
func (rc *RebalanceCoordinator) Rebalance(ctx context.Context, amountIn *big.Int, params RebalanceParams) (*RebalanceResult, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return nil, ErrZeroAmount
	}
	if params.MinAmountOut == nil || params.MinAmountOut.Sign() <= 0 {
		return nil, fmt.Errorf("%w: minimum amount out is required", ErrZeroAmount)
	}
	if live := rc.custody.BalanceOf(Primary); live.Cmp(amountIn) < 0 {
		return nil, fmt.Errorf("%w: custody holds %s primary, need %s", ErrInsufficientLiquidity, live, amountIn)
	}

	deadline := params.Deadline
	if deadline <= 0 {
		deadline = DefaultSwapDeadline
	}
	swapCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	amountOut, err := rc.exchange.Swap(swapCtx, amountIn, Primary, Secondary, params.MinAmountOut)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSwapFailed, err)
	}
	if amountOut == nil || amountOut.Cmp(params.MinAmountOut) < 0 {
		return nil, fmt.Errorf("%w: fill %s below minimum %s", ErrSwapFailed, amountOut, params.MinAmountOut)
	}

	// Swap confirmed; settle custody against the venue. A settlement failure
	// here leaves the venue filled with custody unreconciled, so both legs
	// log loudly and a failed credit returns the already-debited primary.
	if err := rc.custody.TransferOut(rc.venue, Primary, amountIn); err != nil {
		rc.logger.Error("swap filled but primary settlement failed, custody needs reconciliation",
			"venue", rc.venue, "amountIn", amountIn.String(), "error", err)
		return nil, transferErr(err)
	}
	if err := rc.custody.TransferIn(rc.venue, Secondary, amountOut); err != nil {
		if undoErr := rc.custody.TransferIn(rc.venue, Primary, amountIn); undoErr != nil {
			rc.logger.Error("failed to return primary leg of aborted settlement, custody needs reconciliation",
				"venue", rc.venue, "amountIn", amountIn.String(), "error", undoErr)
		}
		rc.logger.Error("swap filled but secondary settlement failed, custody needs reconciliation",
			"venue", rc.venue, "amountOut", amountOut.String(), "error", err)
		return nil, transferErr(err)
	}

	// Full re-derivation, not an incremental update: prices may have drifted
	// since the last deposit/withdrawal, and rebalance is the boundary where
	// accounting resynchronizes with reality.
	primary := rc.custody.BalanceOf(Primary)
	secondary := rc.custody.BalanceOf(Secondary)
	tvl, err := rc.oracle.TotalValue(primary, secondary)
	if err != nil {
		return nil, fmt.Errorf("recomputing TVL: %w", err)
	}
	rc.ledger.SetTVL(tvl)

	rc.logger.Info("rebalance settled",
		"amountIn", amountIn.String(),
		"amountOut", amountOut.String(),
		"primary", primary.String(),
		"secondary", secondary.String(),
		"tvl", tvl.String())

	return &RebalanceResult{
		AmountIn:         new(big.Int).Set(amountIn),
		AmountOut:        amountOut,
		PrimaryBalance:   primary,
		SecondaryBalance: secondary,
		TotalValueLocked: tvl,
	}, nil
}
