package server

import "github.com/prometheus/client_golang/prometheus"

// serviceMetrics counts domain outcomes beyond the per-route HTTP metrics.
type serviceMetrics struct {
	ruleChecks *prometheus.CounterVec
	payouts    prometheus.Counter
	payoutSum  prometheus.Counter
}

func newServiceMetrics(registry *prometheus.Registry) *serviceMetrics {
	m := &serviceMetrics{
		ruleChecks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grants",
			Name:      "rule_checks_total",
			Help:      "Payment rule evaluations by contract type and outcome.",
		}, []string{"contract_type", "outcome"}),
		payouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grants",
			Name:      "stage_payouts_total",
			Help:      "Stage payouts forwarded to the payment rail.",
		}),
		payoutSum: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "grants",
			Name:      "stage_payout_amount_total",
			Help:      "Cumulative amount disbursed through stage payouts.",
		}),
	}
	registry.MustRegister(m.ruleChecks, m.payouts, m.payoutSum)
	return m
}

func (m *serviceMetrics) observeRuleCheck(contractType string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	m.ruleChecks.WithLabelValues(contractType, outcome).Inc()
}

func (m *serviceMetrics) observePayout(amount float64) {
	m.payouts.Inc()
	m.payoutSum.Add(amount)
}
