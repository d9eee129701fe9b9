// Package metrics exposes vault activity as Prometheus metrics.
package metrics

import (
	"math/big"
	"net/http"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pairvault/pairvault/pkg/vault"
)

// VaultMetrics tracks engine activity on a private Prometheus registry.
// It implements vault.Sink so the engine drives the counters directly.
type VaultMetrics struct {
	namespace string
	registry  *prometheus.Registry
	logger    log.Logger

	depositsTotal    prometheus.Counter
	withdrawalsTotal prometheus.Counter
	rebalancesTotal  prometheus.Counter
	swapsTotal       prometheus.Counter
	feesCollected    prometheus.Counter

	tvl           prometheus.Gauge
	openPositions prometheus.Gauge
	pendingFees   prometheus.Gauge
}

// New creates the vault metric set on a fresh registry.
func New(namespace string, logger log.Logger) *VaultMetrics {
	registry := prometheus.NewRegistry()

	m := &VaultMetrics{
		namespace: namespace,
		registry:  registry,
		logger:    logger,

		depositsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deposits_total",
			Help:      "Total number of deposits credited",
		}),

		withdrawalsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "withdrawals_total",
			Help:      "Total number of positions withdrawn",
		}),

		rebalancesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rebalances_total",
			Help:      "Total number of rebalances settled",
		}),

		swapsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "swaps_total",
			Help:      "Total number of venue swaps executed",
		}),

		feesCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fees_collected_units_total",
			Help:      "Performance fees paid to the treasury, in primary units",
		}),

		tvl: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "total_value_locked_units",
			Help:      "Total value locked, in primary units",
		}),

		openPositions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_positions",
			Help:      "Number of open depositor positions",
		}),

		pendingFees: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_fees_units",
			Help:      "Deferred treasury fees awaiting payout, in primary units",
		}),
	}

	registry.MustRegister(
		m.depositsTotal,
		m.withdrawalsTotal,
		m.rebalancesTotal,
		m.swapsTotal,
		m.feesCollected,
		m.tvl,
		m.openPositions,
		m.pendingFees,
	)

	return m
}

// OnEvent updates counters from an engine event.
func (m *VaultMetrics) OnEvent(ev vault.Event) {
	switch e := ev.(type) {
	case vault.DepositEvent:
		m.depositsTotal.Inc()
	case vault.WithdrawEvent:
		m.withdrawalsTotal.Inc()
	case vault.RebalanceEvent:
		m.rebalancesTotal.Inc()
		m.tvl.Set(toFloat(e.TotalValueLocked))
	case vault.SwapEvent:
		m.swapsTotal.Inc()
	case vault.FeeCollectedEvent:
		m.feesCollected.Add(toFloat(e.Amount))
	}
}

// UpdateFromInfo refreshes the gauges from a pool summary. Called on a timer
// since gauges track levels, not event counts.
func (m *VaultMetrics) UpdateFromInfo(info vault.VaultInfo) {
	m.tvl.Set(toFloat(info.TotalValueLocked))
	m.openPositions.Set(float64(info.OpenPositions))
	m.pendingFees.Set(toFloat(info.PendingFees))
}

// Handler serves the private registry over HTTP.
func (m *VaultMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// toFloat is lossy above 2^53 but fine for a monitoring gauge.
func toFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(v).Float64()
	return f
}
