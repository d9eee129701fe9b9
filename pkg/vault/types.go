package vault

import (
	"context"
	"errors"
	"math/big"
)

// Asset identifies one of the two pooled assets.
type Asset int

const (
	Primary Asset = iota
	Secondary
)

func (a Asset) String() string {
	switch a {
	case Primary:
		return "primary"
	case Secondary:
		return "secondary"
	default:
		return "unknown"
	}
}

// ParseAsset resolves an asset tag from its string form.
func ParseAsset(s string) (Asset, error) {
	switch s {
	case "primary":
		return Primary, nil
	case "secondary":
		return Secondary, nil
	default:
		return 0, ErrInvalidAsset
	}
}

// Identity names an account known to the external identity provider.
// The engine never authenticates identities, it only checks capabilities
// against the caller identity it is handed.
type Identity string

// Error taxonomy. Every failure surfaces as (a wrap of) one of these,
// and a failed mutating operation leaves all state untouched.
var (
	ErrZeroAmount            = errors.New("amount must be positive")
	ErrEmptyPosition         = errors.New("no open position")
	ErrInsufficientLiquidity = errors.New("insufficient custody liquidity")
	ErrReentrantCall         = errors.New("reentrant call rejected")
	ErrUnauthorized          = errors.New("caller not authorized")
	ErrSwapFailed            = errors.New("swap failed")
	ErrTransferFailed        = errors.New("custody transfer failed")
	ErrInvalidAsset          = errors.New("invalid asset")
)

// Position records a depositor's balances and entry valuation.
// A position with both balances zero is closed and does not exist in the
// ledger; EntryValue is set exactly once, at the first non-zero deposit.
type Position struct {
	Depositor        Identity `json:"depositor"`
	PrimaryBalance   *big.Int `json:"primary_balance"`
	SecondaryBalance *big.Int `json:"secondary_balance"`
	EntryValue       *big.Int `json:"entry_value,omitempty"`
}

// Open reports whether the position holds any balance.
func (p *Position) Open() bool {
	if p == nil {
		return false
	}
	return p.PrimaryBalance.Sign() > 0 || p.SecondaryBalance.Sign() > 0
}

// clone returns an independent copy safe to hand outside the ledger lock.
func (p *Position) clone() *Position {
	c := &Position{
		Depositor:        p.Depositor,
		PrimaryBalance:   new(big.Int).Set(p.PrimaryBalance),
		SecondaryBalance: new(big.Int).Set(p.SecondaryBalance),
	}
	if p.EntryValue != nil {
		c.EntryValue = new(big.Int).Set(p.EntryValue)
	}
	return c
}

// AssetLedger is the custody collaborator holding the pool's actual assets.
// Implementations must guarantee exact-amount transfer or failure, never a
// partial transfer.
type AssetLedger interface {
	TransferIn(from Identity, asset Asset, amount *big.Int) error
	TransferOut(to Identity, asset Asset, amount *big.Int) error
	BalanceOf(asset Asset) *big.Int
}

// Exchange is the external venue that executes asset swaps. Swap must honor
// the context deadline and either fill at least minAmountOut or fail.
type Exchange interface {
	Swap(ctx context.Context, amountIn *big.Int, assetIn, assetOut Asset, minAmountOut *big.Int) (*big.Int, error)
}

// Roles holds the vault's privileged identities. None may be unset after
// construction; the owner may reassign the manager.
type Roles struct {
	Owner    Identity `json:"owner"`
	Manager  Identity `json:"manager"`
	Treasury Identity `json:"treasury"`
}

// Validate checks that every role is assigned.
func (r Roles) Validate() error {
	if r.Owner == "" || r.Manager == "" || r.Treasury == "" {
		return errors.New("owner, manager and treasury must all be set")
	}
	return nil
}

// RequireOwner checks the caller against the owner role.
func (r Roles) RequireOwner(caller Identity) error {
	if caller != r.Owner {
		return ErrUnauthorized
	}
	return nil
}

// RequireManager checks the caller against the manager role.
func (r Roles) RequireManager(caller Identity) error {
	if caller != r.Manager {
		return ErrUnauthorized
	}
	return nil
}
