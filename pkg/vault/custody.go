package vault

import (
	"fmt"
	"math/big"
	"sync"
)

// CustodySnapshot is a point-in-time copy of the pool's custody balances.
type CustodySnapshot struct {
	Primary   *big.Int `json:"primary"`
	Secondary *big.Int `json:"secondary"`
}

// CustodySnapshotter is implemented by custody backends that can be
// checkpointed and restored across restarts.
type CustodySnapshotter interface {
	CustodySnapshot() CustodySnapshot
	RestoreCustody(CustodySnapshot)
}

// MemoryCustody is the reference AssetLedger: an in-process balance book for
// the pool's two assets. Transfers are exact-amount or they fail.
type MemoryCustody struct {
	mu       sync.RWMutex
	balances map[Asset]*big.Int
}

// NewMemoryCustody creates an empty custody book.
func NewMemoryCustody() *MemoryCustody {
	return &MemoryCustody{
		balances: map[Asset]*big.Int{
			Primary:   big.NewInt(0),
			Secondary: big.NewInt(0),
		},
	}
}

// TransferIn credits amount of asset to the pool.
func (c *MemoryCustody) TransferIn(from Identity, asset Asset, amount *big.Int) error {
	if err := checkTransfer(asset, amount); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.balances[asset].Add(c.balances[asset], amount)
	return nil
}

// TransferOut debits amount of asset from the pool.
func (c *MemoryCustody) TransferOut(to Identity, asset Asset, amount *big.Int) error {
	if err := checkTransfer(asset, amount); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	bal := c.balances[asset]
	if bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: %s balance %s < %s", ErrTransferFailed, asset, bal, amount)
	}
	bal.Sub(bal, amount)
	return nil
}

// BalanceOf returns the pool's live balance of asset. Unknown assets report
// zero; custody holds nothing it was never given.
func (c *MemoryCustody) BalanceOf(asset Asset) *big.Int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	bal, ok := c.balances[asset]
	if !ok {
		return big.NewInt(0)
	}
	return new(big.Int).Set(bal)
}

// CustodySnapshot copies out both balances.
func (c *MemoryCustody) CustodySnapshot() CustodySnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return CustodySnapshot{
		Primary:   new(big.Int).Set(c.balances[Primary]),
		Secondary: new(big.Int).Set(c.balances[Secondary]),
	}
}

// RestoreCustody replaces both balances from a snapshot.
func (c *MemoryCustody) RestoreCustody(snap CustodySnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if snap.Primary != nil {
		c.balances[Primary] = new(big.Int).Set(snap.Primary)
	}
	if snap.Secondary != nil {
		c.balances[Secondary] = new(big.Int).Set(snap.Secondary)
	}
}

func checkTransfer(asset Asset, amount *big.Int) error {
	if asset != Primary && asset != Secondary {
		return fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
	}
	if amount == nil || amount.Sign() <= 0 {
		return fmt.Errorf("%w: transfer amount must be positive", ErrTransferFailed)
	}
	return nil
}
