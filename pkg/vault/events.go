package vault

import "math/big"

// EventType tags the engine events observable by external systems.
type EventType string

const (
	EventDeposit      EventType = "deposit"
	EventWithdraw     EventType = "withdraw"
	EventRebalance    EventType = "rebalance"
	EventSwap         EventType = "swap"
	EventFeeCollected EventType = "fee_collected"
)

// Event is implemented by all engine events.
type Event interface {
	Type() EventType
}

// Sink receives engine events. Sinks run synchronously inside the mutating
// operation that produced the event, so they must be fast and must not call
// back into a mutating operation (such a call fails with ErrReentrantCall).
type Sink interface {
	OnEvent(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

func (f SinkFunc) OnEvent(ev Event) { f(ev) }

// DepositEvent records a credited deposit.
type DepositEvent struct {
	Depositor       Identity `json:"depositor"`
	PrimaryAmount   *big.Int `json:"primary_amount"`
	SecondaryAmount *big.Int `json:"secondary_amount"`
}

func (DepositEvent) Type() EventType { return EventDeposit }

// WithdrawEvent records a full position payout.
type WithdrawEvent struct {
	Depositor       Identity `json:"depositor"`
	PrimaryAmount   *big.Int `json:"primary_amount"`
	SecondaryAmount *big.Int `json:"secondary_amount"`
}

func (WithdrawEvent) Type() EventType { return EventWithdraw }

// RebalanceEvent records the custody balances and the re-derived TVL after a
// successful rebalance.
type RebalanceEvent struct {
	PrimaryBalance   *big.Int `json:"primary_balance"`
	SecondaryBalance *big.Int `json:"secondary_balance"`
	TotalValueLocked *big.Int `json:"total_value_locked"`
}

func (RebalanceEvent) Type() EventType { return EventRebalance }

// SwapEvent records an executed venue swap.
type SwapEvent struct {
	AssetIn   string   `json:"asset_in"`
	AssetOut  string   `json:"asset_out"`
	AmountIn  *big.Int `json:"amount_in"`
	AmountOut *big.Int `json:"amount_out"`
}

func (SwapEvent) Type() EventType { return EventSwap }

// FeeCollectedEvent records a performance fee actually paid to the treasury.
type FeeCollectedEvent struct {
	Amount *big.Int `json:"amount"`
}

func (FeeCollectedEvent) Type() EventType { return EventFeeCollected }
