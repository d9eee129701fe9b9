package vault

import (
	"fmt"
	"math/big"
	"sort"
	"sync"
)

// PositionLedger owns the depositor→Position mapping and the vault's
// totalValueLocked aggregate. No other component mutates positions.
//
// TVL is maintained incrementally: every deposit increases it by the
// deposited value, every withdrawal decreases it by the closed position's
// exit value. It is re-derived from live custody only at rebalance
// boundaries (see RebalanceCoordinator), never implicitly by readers.
type PositionLedger struct {
	mu        sync.RWMutex
	oracle    *ValuationOracle
	positions map[Identity]*Position
	tvl       *big.Int
}

// NewPositionLedger creates an empty ledger valued through oracle.
func NewPositionLedger(oracle *ValuationOracle) *PositionLedger {
	return &PositionLedger{
		oracle:    oracle,
		positions: make(map[Identity]*Position),
		tvl:       big.NewInt(0),
	}
}

// DepositPrimary credits amount of the primary asset to the depositor's
// position, creating it on first contact. TVL grows by the raw amount.
func (l *PositionLedger) DepositPrimary(depositor Identity, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreate(depositor)
	pos.PrimaryBalance.Add(pos.PrimaryBalance, amount)
	if err := l.sealEntryValue(pos); err != nil {
		pos.PrimaryBalance.Sub(pos.PrimaryBalance, amount)
		return err
	}
	l.tvl.Add(l.tvl, amount)
	return nil
}

// DepositSecondary credits amount of the secondary asset. TVL grows by the
// oracle conversion of the amount, not the raw amount: heterogeneous assets
// are normalized to primary units before aggregation.
func (l *PositionLedger) DepositSecondary(depositor Identity, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrZeroAmount
	}
	converted, err := l.oracle.Convert(Secondary, amount)
	if err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	pos := l.getOrCreate(depositor)
	pos.SecondaryBalance.Add(pos.SecondaryBalance, amount)
	if err := l.sealEntryValue(pos); err != nil {
		pos.SecondaryBalance.Sub(pos.SecondaryBalance, amount)
		return err
	}
	l.tvl.Add(l.tvl, converted)
	return nil
}

// Get returns a copy of the depositor's position, or nil if none is open.
func (l *PositionLedger) Get(depositor Identity) *Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[depositor]
	if !ok {
		return nil
	}
	return pos.clone()
}

// Close removes the depositor's position and decrements TVL by the exit
// value computed from the balances held at this instant, the same balances
// the caller just paid out.
func (l *PositionLedger) Close(depositor Identity) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[depositor]
	if !ok || !pos.Open() {
		return nil, ErrEmptyPosition
	}
	exitValue, err := l.oracle.TotalValue(pos.PrimaryBalance, pos.SecondaryBalance)
	if err != nil {
		return nil, fmt.Errorf("valuing position: %w", err)
	}
	delete(l.positions, depositor)
	l.tvl.Sub(l.tvl, exitValue)
	return exitValue, nil
}

// UserValue returns the total value of the depositor's position in primary
// units, or zero when no position exists.
func (l *PositionLedger) UserValue(depositor Identity) *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[depositor]
	if !ok {
		return big.NewInt(0)
	}
	value, err := l.oracle.TotalValue(pos.PrimaryBalance, pos.SecondaryBalance)
	if err != nil {
		return big.NewInt(0)
	}
	return value
}

// TVL returns a copy of totalValueLocked as last recorded.
func (l *PositionLedger) TVL() *big.Int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return new(big.Int).Set(l.tvl)
}

// SetTVL replaces the aggregate. Only the rebalance path re-derives TVL from
// live custody and writes it back through here.
func (l *PositionLedger) SetTVL(tvl *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tvl = new(big.Int).Set(tvl)
}

// OpenPositions returns the number of open positions.
func (l *PositionLedger) OpenPositions() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Positions returns copies of all open positions, ordered by depositor.
func (l *PositionLedger) Positions() []*Position {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Position, 0, len(l.positions))
	for _, pos := range l.positions {
		out = append(out, pos.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Depositor < out[j].Depositor })
	return out
}

// LedgerSnapshot is a serializable point-in-time copy of the ledger.
type LedgerSnapshot struct {
	TotalValueLocked *big.Int    `json:"total_value_locked"`
	Positions        []*Position `json:"positions"`
}

// Snapshot copies out the full ledger state.
func (l *PositionLedger) Snapshot() LedgerSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := LedgerSnapshot{
		TotalValueLocked: new(big.Int).Set(l.tvl),
		Positions:        make([]*Position, 0, len(l.positions)),
	}
	for _, pos := range l.positions {
		snap.Positions = append(snap.Positions, pos.clone())
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		return snap.Positions[i].Depositor < snap.Positions[j].Depositor
	})
	return snap
}

// Restore replaces the ledger state from a snapshot.
func (l *PositionLedger) Restore(snap LedgerSnapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.positions = make(map[Identity]*Position, len(snap.Positions))
	for _, pos := range snap.Positions {
		if pos == nil || !pos.Open() {
			continue
		}
		l.positions[pos.Depositor] = pos.clone()
	}
	if snap.TotalValueLocked != nil {
		l.tvl = new(big.Int).Set(snap.TotalValueLocked)
	} else {
		l.tvl = big.NewInt(0)
	}
}

// getOrCreate assumes l.mu is held for writing.
func (l *PositionLedger) getOrCreate(depositor Identity) *Position {
	pos, ok := l.positions[depositor]
	if !ok {
		pos = &Position{
			Depositor:        depositor,
			PrimaryBalance:   big.NewInt(0),
			SecondaryBalance: big.NewInt(0),
		}
		l.positions[depositor] = pos
	}
	return pos
}

// sealEntryValue records the profit baseline at the first non-zero deposit.
// Assumes l.mu is held for writing and the deposit is already applied.
func (l *PositionLedger) sealEntryValue(pos *Position) error {
	if pos.EntryValue != nil {
		return nil
	}
	entry, err := l.oracle.TotalValue(pos.PrimaryBalance, pos.SecondaryBalance)
	if err != nil {
		return fmt.Errorf("valuing position: %w", err)
	}
	pos.EntryValue = entry
	return nil
}
