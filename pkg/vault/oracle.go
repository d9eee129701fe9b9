package vault

import (
	"fmt"
	"math/big"
	"sync"

	"github.com/shopspring/decimal"
)

// RateSource supplies the secondary→primary conversion rate, expressed in
// primary units per smallest secondary unit. Any decimal scale between the
// assets is folded into the rate by whoever configures the source.
type RateSource interface {
	SecondaryRate() (decimal.Decimal, error)
}

// DefaultSecondaryRate values one secondary unit at 15 primary units.
var DefaultSecondaryRate = decimal.NewFromInt(15)

// StaticRateSource serves a fixed rate. The rate may be repointed at runtime
// (e.g. by an operator or a price-feed adapter); a production deployment
// should back this with a live, manipulation-resistant feed.
type StaticRateSource struct {
	mu   sync.RWMutex
	rate decimal.Decimal
}

// NewStaticRateSource creates a source pinned at rate.
func NewStaticRateSource(rate decimal.Decimal) *StaticRateSource {
	return &StaticRateSource{rate: rate}
}

func (s *StaticRateSource) SecondaryRate() (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.rate, nil
}

// SetRate repoints the source at a new rate.
func (s *StaticRateSource) SetRate(rate decimal.Decimal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rate = rate
}

// ValuationOracle converts secondary-asset amounts into primary-asset
// equivalents. Pure: no state is touched beyond reading the rate source.
type ValuationOracle struct {
	source RateSource
}

// NewValuationOracle creates an oracle over the given rate source.
func NewValuationOracle(source RateSource) *ValuationOracle {
	return &ValuationOracle{source: source}
}

// Convert returns the primary-equivalent of amount units of asset.
// Only the secondary asset is convertible; anything else is ErrInvalidAsset.
// The result truncates toward zero.
func (o *ValuationOracle) Convert(asset Asset, amount *big.Int) (*big.Int, error) {
	if asset != Secondary {
		return nil, fmt.Errorf("%w: %s", ErrInvalidAsset, asset)
	}
	if amount == nil {
		return nil, ErrZeroAmount
	}
	rate, err := o.source.SecondaryRate()
	if err != nil {
		return nil, fmt.Errorf("rate source: %w", err)
	}
	return decimal.NewFromBigInt(amount, 0).Mul(rate).BigInt(), nil
}

// TotalValue returns primary + Convert(secondary), the position or pool value
// denominated in primary units.
func (o *ValuationOracle) TotalValue(primary, secondary *big.Int) (*big.Int, error) {
	converted, err := o.Convert(Secondary, secondary)
	if err != nil {
		return nil, err
	}
	return converted.Add(converted, primary), nil
}
