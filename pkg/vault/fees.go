package vault

import (
	"math/big"
	"sync"
)

// Default performance fee: 10/1000 = 1% of realized profit.
const (
	DefaultFeeRateBps = 10
	FeeDenominator    = 1000
)

// FeeEngine computes the performance fee charged on withdrawal profit and
// routes it to the treasury. Fees apply to realized profit only: a flat or
// losing exit pays nothing, and the fee never reduces principal.
//
// A treasury transfer that fails does not block the depositor's payout;
// the amount accrues as pending and is retried on later operations.
type FeeEngine struct {
	mu        sync.Mutex
	rateBps   *big.Int
	pending   *big.Int // accrued, treasury-bound, not yet transferred
	collected *big.Int // lifetime total transferred to the treasury
}

// NewFeeEngine creates a fee engine at rateBps over FeeDenominator.
// A non-positive rate falls back to DefaultFeeRateBps.
func NewFeeEngine(rateBps int64) *FeeEngine {
	if rateBps <= 0 {
		rateBps = DefaultFeeRateBps
	}
	return &FeeEngine{
		rateBps:   big.NewInt(rateBps),
		pending:   big.NewInt(0),
		collected: big.NewInt(0),
	}
}

// ComputeFee returns the realized profit and the fee due on it.
// exit <= entry yields (0, 0): losses are never subsidized and fees are
// never negative. Integer division truncates toward zero.
func (f *FeeEngine) ComputeFee(entryValue, exitValue *big.Int) (profit, fee *big.Int) {
	profit = big.NewInt(0)
	fee = big.NewInt(0)
	if entryValue == nil || exitValue == nil {
		return profit, fee
	}
	if exitValue.Cmp(entryValue) <= 0 {
		return profit, fee
	}
	profit.Sub(exitValue, entryValue)

	f.mu.Lock()
	rate := new(big.Int).Set(f.rateBps)
	f.mu.Unlock()

	fee.Mul(profit, rate)
	fee.Quo(fee, big.NewInt(FeeDenominator))
	return profit, fee
}

// Collect accrues fee and attempts to pay everything pending (this fee plus
// any earlier deferrals) to the treasury in the primary asset. It returns the
// amount actually paid and the amount still deferred.
func (f *FeeEngine) Collect(custody AssetLedger, treasury Identity, fee *big.Int) (paid, deferred *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if fee != nil && fee.Sign() > 0 {
		f.pending.Add(f.pending, fee)
	}
	if f.pending.Sign() == 0 {
		return big.NewInt(0), big.NewInt(0)
	}

	due := new(big.Int).Set(f.pending)
	if err := custody.TransferOut(treasury, Primary, due); err != nil {
		return big.NewInt(0), due
	}
	f.pending.SetInt64(0)
	f.collected.Add(f.collected, due)
	return due, big.NewInt(0)
}

// Pending returns the treasury-bound amount not yet transferred.
func (f *FeeEngine) Pending() *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.pending)
}

// Collected returns the lifetime total paid to the treasury.
func (f *FeeEngine) Collected() *big.Int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.collected)
}

// RestorePending reloads the deferred balance from a snapshot.
func (f *FeeEngine) RestorePending(pending *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pending != nil {
		f.pending = new(big.Int).Set(pending)
	} else {
		f.pending = big.NewInt(0)
	}
}
