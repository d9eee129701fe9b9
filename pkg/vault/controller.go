package vault

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"github.com/luxfi/log"
)

// Config wires a VaultController.
type Config struct {
	Roles      Roles
	Custody    AssetLedger
	Exchange   Exchange
	RateSource RateSource
	FeeRateBps int64    // 0 means DefaultFeeRateBps
	Venue      Identity // exchange settlement identity on the custody ledger
	Logger     log.Logger
}

// VaultController exposes the vault's public operations and enforces role
// checks and the single-writer discipline.
//
// Every mutating operation runs under a non-reentrant guard held for the
// call's full duration; a second mutating call arriving while one is in
// flight, including one issued from inside an event sink, is rejected with
// ErrReentrantCall. Either an operation fully commits, or nothing it did is
// observable. Reads take no guard but always see a consistent ledger
// snapshot.
type VaultController struct {
	guard sync.Mutex

	rolesMu sync.RWMutex
	roles   Roles

	oracle  *ValuationOracle
	ledger  *PositionLedger
	fees    *FeeEngine
	rebal   *RebalanceCoordinator
	custody AssetLedger
	logger  log.Logger

	sinksMu sync.RWMutex
	sinks   []Sink
}

// NewVaultController builds the engine from its collaborators.
func NewVaultController(cfg Config) (*VaultController, error) {
	if err := cfg.Roles.Validate(); err != nil {
		return nil, err
	}
	if cfg.Custody == nil {
		return nil, errors.New("custody ledger is required")
	}
	if cfg.Exchange == nil {
		return nil, errors.New("exchange is required")
	}
	if cfg.RateSource == nil {
		cfg.RateSource = NewStaticRateSource(DefaultSecondaryRate)
	}
	if cfg.Venue == "" {
		cfg.Venue = "exchange"
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Root().New("module", "vault")
	}

	oracle := NewValuationOracle(cfg.RateSource)
	ledger := NewPositionLedger(oracle)

	return &VaultController{
		roles:   cfg.Roles,
		oracle:  oracle,
		ledger:  ledger,
		fees:    NewFeeEngine(cfg.FeeRateBps),
		rebal:   NewRebalanceCoordinator(cfg.Exchange, cfg.Custody, oracle, ledger, cfg.Venue, cfg.Logger),
		custody: cfg.Custody,
		logger:  cfg.Logger,
	}, nil
}

// AddSink registers an event sink. Sinks run synchronously inside mutating
// operations and must not call back into one.
func (c *VaultController) AddSink(s Sink) {
	c.sinksMu.Lock()
	defer c.sinksMu.Unlock()
	c.sinks = append(c.sinks, s)
}

// DepositPrimary credits amount of the primary asset to the depositor.
func (c *VaultController) DepositPrimary(depositor Identity, amount *big.Int) error {
	if !c.guard.TryLock() {
		return ErrReentrantCall
	}
	defer c.guard.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	c.retryPendingFees()

	if err := c.custody.TransferIn(depositor, Primary, amount); err != nil {
		return transferErr(err)
	}
	if err := c.ledger.DepositPrimary(depositor, amount); err != nil {
		// Undo custody so the failed operation leaves no trace.
		if undoErr := c.custody.TransferOut(depositor, Primary, amount); undoErr != nil {
			c.logger.Error("failed to return rejected deposit, custody needs reconciliation",
				"depositor", depositor, "asset", Primary.String(), "amount", amount.String(), "error", undoErr)
		}
		return err
	}

	c.logger.Info("deposit", "depositor", depositor, "asset", Primary.String(), "amount", amount.String())
	c.emit(DepositEvent{
		Depositor:       depositor,
		PrimaryAmount:   new(big.Int).Set(amount),
		SecondaryAmount: big.NewInt(0),
	})
	return nil
}

// DepositSecondary credits amount of the secondary asset to the depositor.
// TVL grows by the oracle conversion of the amount.
func (c *VaultController) DepositSecondary(depositor Identity, amount *big.Int) error {
	if !c.guard.TryLock() {
		return ErrReentrantCall
	}
	defer c.guard.Unlock()

	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	c.retryPendingFees()

	if err := c.custody.TransferIn(depositor, Secondary, amount); err != nil {
		return transferErr(err)
	}
	if err := c.ledger.DepositSecondary(depositor, amount); err != nil {
		if undoErr := c.custody.TransferOut(depositor, Secondary, amount); undoErr != nil {
			c.logger.Error("failed to return rejected deposit, custody needs reconciliation",
				"depositor", depositor, "asset", Secondary.String(), "amount", amount.String(), "error", undoErr)
		}
		return err
	}

	c.logger.Info("deposit", "depositor", depositor, "asset", Secondary.String(), "amount", amount.String())
	c.emit(DepositEvent{
		Depositor:       depositor,
		PrimaryAmount:   big.NewInt(0),
		SecondaryAmount: new(big.Int).Set(amount),
	})
	return nil
}

// WithdrawalReceipt reports a completed withdrawal.
type WithdrawalReceipt struct {
	PrimaryPaid   *big.Int `json:"primary_paid"`
	SecondaryPaid *big.Int `json:"secondary_paid"`
	Fee           *big.Int `json:"fee"`
	FeeDeferred   *big.Int `json:"fee_deferred"`
}

// Withdraw closes the depositor's position, paying out both balances in full.
// The performance fee is charged on realized profit only and is routed to the
// treasury separately; it never reduces the payout. A treasury transfer
// failure defers the fee rather than blocking the withdrawal.
func (c *VaultController) Withdraw(depositor Identity) (*WithdrawalReceipt, error) {
	if !c.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer c.guard.Unlock()

	c.retryPendingFees()

	pos := c.ledger.Get(depositor)
	if !pos.Open() {
		return nil, ErrEmptyPosition
	}

	exitValue, err := c.oracle.TotalValue(pos.PrimaryBalance, pos.SecondaryBalance)
	if err != nil {
		return nil, err
	}
	_, fee := c.fees.ComputeFee(pos.EntryValue, exitValue)

	// The payout must be all-or-nothing. The balance prechecks catch the
	// cheap case early; custody may still fail either leg, so a failed
	// second leg returns the first before surfacing the error.
	if c.custody.BalanceOf(Primary).Cmp(pos.PrimaryBalance) < 0 {
		return nil, fmt.Errorf("%w: primary custody short of position balance", ErrTransferFailed)
	}
	if c.custody.BalanceOf(Secondary).Cmp(pos.SecondaryBalance) < 0 {
		return nil, fmt.Errorf("%w: secondary custody short of position balance", ErrTransferFailed)
	}
	if pos.PrimaryBalance.Sign() > 0 {
		if err := c.custody.TransferOut(depositor, Primary, pos.PrimaryBalance); err != nil {
			return nil, transferErr(err)
		}
	}
	if pos.SecondaryBalance.Sign() > 0 {
		if err := c.custody.TransferOut(depositor, Secondary, pos.SecondaryBalance); err != nil {
			if pos.PrimaryBalance.Sign() > 0 {
				if undoErr := c.custody.TransferIn(depositor, Primary, pos.PrimaryBalance); undoErr != nil {
					c.logger.Error("failed to return primary leg of aborted withdrawal, custody needs reconciliation",
						"depositor", depositor, "amount", pos.PrimaryBalance.String(), "error", undoErr)
				}
			}
			return nil, transferErr(err)
		}
	}

	// Close decrements TVL with the exact balances just paid out.
	if _, err := c.ledger.Close(depositor); err != nil {
		return nil, err
	}

	paid, deferred := c.fees.Collect(c.custody, c.Roles().Treasury, fee)

	c.logger.Info("withdraw",
		"depositor", depositor,
		"primary", pos.PrimaryBalance.String(),
		"secondary", pos.SecondaryBalance.String(),
		"exitValue", exitValue.String(),
		"fee", fee.String(),
		"feeDeferred", deferred.String())

	c.emit(WithdrawEvent{
		Depositor:       depositor,
		PrimaryAmount:   pos.PrimaryBalance,
		SecondaryAmount: pos.SecondaryBalance,
	})
	if paid.Sign() > 0 {
		c.emit(FeeCollectedEvent{Amount: paid})
	}

	return &WithdrawalReceipt{
		PrimaryPaid:   pos.PrimaryBalance,
		SecondaryPaid: pos.SecondaryBalance,
		Fee:           fee,
		FeeDeferred:   deferred,
	}, nil
}

// UserValue returns the total value of the depositor's position in primary
// units; zero when no position exists. Read-only.
func (c *VaultController) UserValue(depositor Identity) *big.Int {
	return c.ledger.UserValue(depositor)
}

// TVL returns totalValueLocked as last recorded. Read-only.
func (c *VaultController) TVL() *big.Int {
	return c.ledger.TVL()
}

// Rebalance is manager-only: swap amountIn primary into secondary through the
// exchange, then re-derive TVL from live custody.
func (c *VaultController) Rebalance(ctx context.Context, caller Identity, amountIn *big.Int, params RebalanceParams) (*RebalanceResult, error) {
	if !c.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer c.guard.Unlock()

	if err := c.Roles().RequireManager(caller); err != nil {
		return nil, err
	}
	c.retryPendingFees()

	res, err := c.rebal.Rebalance(ctx, amountIn, params)
	if err != nil {
		return nil, err
	}

	c.emit(SwapEvent{
		AssetIn:   Primary.String(),
		AssetOut:  Secondary.String(),
		AmountIn:  res.AmountIn,
		AmountOut: res.AmountOut,
	})
	c.emit(RebalanceEvent{
		PrimaryBalance:   res.PrimaryBalance,
		SecondaryBalance: res.SecondaryBalance,
		TotalValueLocked: res.TotalValueLocked,
	})
	return res, nil
}

// SetManager is owner-only.
func (c *VaultController) SetManager(caller, manager Identity) error {
	if !c.guard.TryLock() {
		return ErrReentrantCall
	}
	defer c.guard.Unlock()

	if err := c.Roles().RequireOwner(caller); err != nil {
		return err
	}
	if manager == "" {
		return errors.New("manager identity must be set")
	}
	c.rolesMu.Lock()
	c.roles.Manager = manager
	c.rolesMu.Unlock()
	c.logger.Info("manager reassigned", "manager", manager)
	return nil
}

// EmergencyWithdraw is the owner-only escape hatch: it sweeps the full
// custody balance of asset to the owner, bypassing the ledger entirely.
// Per-depositor accounting is intentionally ignored; this exists to recover
// stuck or mis-custodied assets, not as a normal-path operation.
func (c *VaultController) EmergencyWithdraw(caller Identity, asset Asset) (*big.Int, error) {
	if !c.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer c.guard.Unlock()

	roles := c.Roles()
	if err := roles.RequireOwner(caller); err != nil {
		return nil, err
	}
	if asset != Primary && asset != Secondary {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
	}

	balance := c.custody.BalanceOf(asset)
	if balance.Sign() > 0 {
		if err := c.custody.TransferOut(roles.Owner, asset, balance); err != nil {
			return nil, transferErr(err)
		}
	}
	c.logger.Warn("emergency withdraw", "asset", asset.String(), "amount", balance.String())
	return balance, nil
}

// FlushFees retries the deferred treasury payout and returns the amount paid.
func (c *VaultController) FlushFees() (*big.Int, error) {
	if !c.guard.TryLock() {
		return nil, ErrReentrantCall
	}
	defer c.guard.Unlock()

	paid, _ := c.fees.Collect(c.custody, c.Roles().Treasury, nil)
	if paid.Sign() > 0 {
		c.logger.Info("deferred fees collected", "amount", paid.String())
		c.emit(FeeCollectedEvent{Amount: paid})
	}
	return paid, nil
}

// PendingFees returns the treasury-bound amount not yet transferred.
func (c *VaultController) PendingFees() *big.Int { return c.fees.Pending() }

// CollectedFees returns the lifetime total paid to the treasury.
func (c *VaultController) CollectedFees() *big.Int { return c.fees.Collected() }

// Roles returns the current role assignments.
func (c *VaultController) Roles() Roles {
	c.rolesMu.RLock()
	defer c.rolesMu.RUnlock()
	return c.roles
}

// VaultInfo is a read-only summary of the pool.
type VaultInfo struct {
	TotalValueLocked *big.Int `json:"total_value_locked"`
	OpenPositions    int      `json:"open_positions"`
	PrimaryCustody   *big.Int `json:"primary_custody"`
	SecondaryCustody *big.Int `json:"secondary_custody"`
	PendingFees      *big.Int `json:"pending_fees"`
	CollectedFees    *big.Int `json:"collected_fees"`
	Roles            Roles    `json:"roles"`
}

// Info summarizes the pool for operators and the RPC surface.
func (c *VaultController) Info() VaultInfo {
	return VaultInfo{
		TotalValueLocked: c.ledger.TVL(),
		OpenPositions:    c.ledger.OpenPositions(),
		PrimaryCustody:   c.custody.BalanceOf(Primary),
		SecondaryCustody: c.custody.BalanceOf(Secondary),
		PendingFees:      c.fees.Pending(),
		CollectedFees:    c.fees.Collected(),
		Roles:            c.Roles(),
	}
}

// Positions returns copies of all open positions.
func (c *VaultController) Positions() []*Position { return c.ledger.Positions() }

// State is the durable checkpoint of everything the engine owns.
type State struct {
	Ledger      LedgerSnapshot   `json:"ledger"`
	Custody     *CustodySnapshot `json:"custody,omitempty"`
	PendingFees *big.Int         `json:"pending_fees,omitempty"`
	Manager     Identity         `json:"manager,omitempty"`
}

// StateSnapshot checkpoints the engine. It takes the mutating guard so the
// checkpoint is never torn across an in-flight operation; ok is false when an
// operation is running, and the caller should retry.
func (c *VaultController) StateSnapshot() (State, bool) {
	if !c.guard.TryLock() {
		return State{}, false
	}
	defer c.guard.Unlock()

	state := State{
		Ledger:      c.ledger.Snapshot(),
		PendingFees: c.fees.Pending(),
		Manager:     c.Roles().Manager,
	}
	if snapshotter, ok := c.custody.(CustodySnapshotter); ok {
		snap := snapshotter.CustodySnapshot()
		state.Custody = &snap
	}
	return state, true
}

// RestoreState reloads a checkpoint. Boot-time only.
func (c *VaultController) RestoreState(state State) error {
	if !c.guard.TryLock() {
		return ErrReentrantCall
	}
	defer c.guard.Unlock()

	c.ledger.Restore(state.Ledger)
	c.fees.RestorePending(state.PendingFees)
	if state.Custody != nil {
		if snapshotter, ok := c.custody.(CustodySnapshotter); ok {
			snapshotter.RestoreCustody(*state.Custody)
		}
	}
	if state.Manager != "" {
		c.rolesMu.Lock()
		c.roles.Manager = state.Manager
		c.rolesMu.Unlock()
	}
	return nil
}

// retryPendingFees runs at the start of every mutating operation, under the
// guard. Errors only re-defer; they never fail the enclosing operation.
func (c *VaultController) retryPendingFees() {
	paid, _ := c.fees.Collect(c.custody, c.Roles().Treasury, nil)
	if paid.Sign() > 0 {
		c.logger.Info("deferred fees collected", "amount", paid.String())
		c.emit(FeeCollectedEvent{Amount: paid})
	}
}

func (c *VaultController) emit(ev Event) {
	c.sinksMu.RLock()
	sinks := make([]Sink, len(c.sinks))
	copy(sinks, c.sinks)
	c.sinksMu.RUnlock()
	for _, s := range sinks {
		s.OnEvent(ev)
	}
}

func transferErr(err error) error {
	if errors.Is(err, ErrTransferFailed) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransferFailed, err)
}
