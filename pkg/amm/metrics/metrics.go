// Package metrics provides Prometheus metrics for the AMM.
package metrics

import (
	"context"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"github.com/phenomenon0/sportsamm/pkg/domain"
)

// AMMMetrics collects trade, parlay, pool and rejection metrics. It is an events sink
// and the orchestrator's rejection observer.
type AMMMetrics struct {
	registry *prometheus.Registry

	// Trade metrics
	TradesTotal  *prometheus.CounterVec
	TradeVolume  *prometheus.CounterVec
	TradePrice   *prometheus.HistogramVec
	SafeBoxFees  *prometheus.CounterVec
	TradeRejects *prometheus.CounterVec

	// Parlay metrics
	ParlaysTotal    *prometheus.CounterVec
	ParlayStake     *prometheus.CounterVec
	ParlayJointOdds *prometheus.HistogramVec
	ParlayPayouts   *prometheus.CounterVec

	// Pool metrics
	Deposits        *prometheus.CounterVec
	Withdrawals     *prometheus.CounterVec
	RoundPhase      *prometheus.GaugeVec
	RoundStarting   *prometheus.GaugeVec
	RoundEnding     *prometheus.GaugeVec
	RoundPnL        *prometheus.GaugeVec
	CumulativePnL   prometheus.Gauge
	UsersProcessed  *prometheus.GaugeVec
	Claims          *prometheus.CounterVec
	MarketsByStatus *prometheus.CounterVec
	ConfigChanges   *prometheus.CounterVec
}

// New creates a collector on its own registry.
func New() *AMMMetrics {
	registry := prometheus.NewRegistry()

	m := &AMMMetrics{
		registry: registry,

		TradesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_trades_total",
				Help: "Total number of accepted trades",
			},
			[]string{"side", "sport"},
		),
		TradeVolume: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_trade_volume",
				Help: "Collateral paid or received by traders, fees included",
			},
			[]string{"side"},
		),
		TradePrice: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sportsamm_trade_price",
				Help:    "Per-token execution price",
				Buckets: prometheus.LinearBuckets(0.05, 0.05, 19), // 0.05 to 0.95
			},
			[]string{"side"},
		),
		SafeBoxFees: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_safe_box_fees",
				Help: "Fees routed to the safe box",
			},
			[]string{"source"},
		),
		TradeRejects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_rejections_total",
				Help: "Rejected operations by operation and error class",
			},
			[]string{"op", "class"},
		),

		ParlaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_parlays_total",
				Help: "Parlay tickets by status transition",
			},
			[]string{"status"},
		),
		ParlayStake: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_parlay_stake",
				Help: "Stake placed on parlays",
			},
			[]string{},
		),
		ParlayJointOdds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "sportsamm_parlay_joint_odds",
				Help:    "Joint decimal odds of bought parlays",
				Buckets: prometheus.ExponentialBuckets(1.5, 2, 12), // 1.5 to ~3000
			},
			[]string{},
		),
		ParlayPayouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_parlay_payouts",
				Help: "Collateral paid to parlay owners",
			},
			[]string{"status"},
		),

		Deposits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_pool_deposits",
				Help: "Collateral deposited into the liquidity pool",
			},
			[]string{},
		),
		Withdrawals: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_pool_withdrawals",
				Help: "Collateral withdrawn from the liquidity pool",
			},
			[]string{},
		),
		RoundPhase: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sportsamm_round_phase",
				Help: "1 for the phase a round is currently in",
			},
			[]string{"round", "phase"},
		),
		RoundStarting: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sportsamm_round_starting_balance",
				Help: "Starting balance of a round",
			},
			[]string{"round"},
		),
		RoundEnding: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sportsamm_round_ending_balance",
				Help: "Ending balance of a closed round",
			},
			[]string{"round"},
		),
		RoundPnL: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sportsamm_round_pnl",
				Help: "Relative profit and loss of a closed round",
			},
			[]string{"round"},
		),
		CumulativePnL: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "sportsamm_cumulative_pnl",
				Help: "Compounded profit and loss since round 0",
			},
		),
		UsersProcessed: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "sportsamm_round_users_processed",
				Help: "Depositors paid out by the round closing",
			},
			[]string{"round"},
		),
		Claims: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_claims",
				Help: "Collateral paid to token holders on exercise",
			},
			[]string{},
		),
		MarketsByStatus: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_market_transitions_total",
				Help: "Market status transitions",
			},
			[]string{"status"},
		),
		ConfigChanges: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sportsamm_config_changes_total",
				Help: "Applied admin configuration changes",
			},
			[]string{"change"},
		),
	}

	m.registerAll()
	return m
}

func (m *AMMMetrics) registerAll() {
	m.registry.MustRegister(
		m.TradesTotal,
		m.TradeVolume,
		m.TradePrice,
		m.SafeBoxFees,
		m.TradeRejects,
		m.ParlaysTotal,
		m.ParlayStake,
		m.ParlayJointOdds,
		m.ParlayPayouts,
		m.Deposits,
		m.Withdrawals,
		m.RoundPhase,
		m.RoundStarting,
		m.RoundEnding,
		m.RoundPnL,
		m.CumulativePnL,
		m.UsersProcessed,
		m.Claims,
		m.MarketsByStatus,
		m.ConfigChanges,
	)
}

// Registry returns the prometheus registry.
func (m *AMMMetrics) Registry() *prometheus.Registry {
	return m.registry
}

// Publish records ev. It never fails.
func (m *AMMMetrics) Publish(_ context.Context, ev domain.Event) error {
	switch e := ev.(type) {
	case domain.TradeEvent:
		m.RecordTrade(e)
	case domain.ParlayEvent:
		m.RecordParlay(e)
	case domain.DepositEvent:
		if e.Withdraw {
			m.Withdrawals.WithLabelValues().Add(DecimalToFloat64(e.Amount))
		} else {
			m.Deposits.WithLabelValues().Add(DecimalToFloat64(e.Amount))
		}
	case domain.RoundEvent:
		m.RecordRound(e)
	case domain.ClaimEvent:
		if e.ParlayID == "" {
			m.Claims.WithLabelValues().Add(DecimalToFloat64(e.Amount))
		}
	case domain.MarketEvent:
		m.MarketsByStatus.WithLabelValues(e.Status).Inc()
	case domain.ConfigEvent:
		m.ConfigChanges.WithLabelValues(e.Change).Inc()
	}
	return nil
}

// ObserveRejection counts a rejected operation by its error class.
func (m *AMMMetrics) ObserveRejection(op string, err error) {
	m.TradeRejects.WithLabelValues(op, domain.Class(err)).Inc()
}

// RecordTrade records an accepted buy or sell.
func (m *AMMMetrics) RecordTrade(e domain.TradeEvent) {
	side := string(e.Side)
	m.TradesTotal.WithLabelValues(side, sportLabel(e.SportTag)).Inc()
	m.TradeVolume.WithLabelValues(side).Add(DecimalToFloat64(e.Total))
	m.TradePrice.WithLabelValues(side).Observe(DecimalToFloat64(e.Price))
	m.SafeBoxFees.WithLabelValues("trade").Add(DecimalToFloat64(e.SafeBoxFee))
}

// RecordParlay records a parlay purchase or settlement.
func (m *AMMMetrics) RecordParlay(e domain.ParlayEvent) {
	m.ParlaysTotal.WithLabelValues(e.Status).Inc()
	if e.Status == "open" {
		m.ParlayStake.WithLabelValues().Add(DecimalToFloat64(e.Stake))
		m.ParlayJointOdds.WithLabelValues().Observe(DecimalToFloat64(e.JointOdds))
		m.SafeBoxFees.WithLabelValues("parlay").Add(DecimalToFloat64(e.SafeBoxFee))
		return
	}
	m.ParlayPayouts.WithLabelValues(e.Status).Add(DecimalToFloat64(e.Payout))
}

// RecordRound records a round phase transition.
func (m *AMMMetrics) RecordRound(e domain.RoundEvent) {
	round := strconv.Itoa(e.Round)
	m.RoundPhase.DeletePartialMatch(prometheus.Labels{"round": round})
	m.RoundPhase.WithLabelValues(round, e.Phase).Set(1)
	m.RoundStarting.WithLabelValues(round).Set(DecimalToFloat64(e.StartingBalance))
	if e.Phase != "closed" {
		return
	}
	m.RoundEnding.WithLabelValues(round).Set(DecimalToFloat64(e.EndingBalance))
	m.RoundPnL.WithLabelValues(round).Set(DecimalToFloat64(e.PnL))
	m.UsersProcessed.WithLabelValues(round).Set(float64(e.UsersProcessed))
	m.CumulativePnL.Set(DecimalToFloat64(e.CumulativePnL))
}

// DecimalToFloat64 converts decimal.Decimal to float64 for metrics.
func DecimalToFloat64(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func sportLabel(tag int) string {
	if tag == 0 {
		return "none"
	}
	return strconv.Itoa(tag)
}
