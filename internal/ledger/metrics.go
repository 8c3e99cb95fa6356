package ledger

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus metrics for the wallet ledger.
type Metrics struct {
	TransactionsTotal *prometheus.CounterVec
	CreditsMovedTotal *prometheus.CounterVec
	AgentBalance      *prometheus.GaugeVec
	AgentLocked       *prometheus.GaugeVec
}

// NewMetrics creates and registers the ledger metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		TransactionsTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_transactions_total",
				Help: "Total ledger entries recorded, by transaction type",
			},
			[]string{"type"},
		),
		CreditsMovedTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ledger_credits_moved_total",
				Help: "Total credits moved through the ledger, by transaction type",
			},
			[]string{"type"},
		),
		AgentBalance: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_agent_balance",
				Help: "Current spendable balance per agent, in credits",
			},
			[]string{"agent_id"},
		),
		AgentLocked: promauto.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "ledger_agent_locked_balance",
				Help: "Current escrowed balance per agent, in credits",
			},
			[]string{"agent_id"},
		),
	}
}

// RecordTransaction records a ledger entry. Safe on a nil receiver.
func (m *Metrics) RecordTransaction(txType string, amount int64) {
	if m == nil {
		return
	}
	m.TransactionsTotal.WithLabelValues(txType).Inc()
	m.CreditsMovedTotal.WithLabelValues(txType).Add(float64(amount))
}

// RecordWallet updates the per-agent balance gauges. Safe on a nil receiver.
func (m *Metrics) RecordWallet(agentID string, balance, locked int64) {
	if m == nil {
		return
	}
	m.AgentBalance.WithLabelValues(agentID).Set(float64(balance))
	m.AgentLocked.WithLabelValues(agentID).Set(float64(locked))
}
