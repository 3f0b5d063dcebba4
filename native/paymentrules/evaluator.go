package paymentrules

import (
	"fmt"
	"time"
)

// Rule names recorded in the audit trail, in evaluation order.
const (
	RuleCardApplicability = "card_applicability"
	RuleBlockedCard       = "blocked_card"
	RuleAllowedCard       = "allowed_card"
	RuleBlockedMerchant   = "blocked_merchant"
	RuleBlockedMCC        = "blocked_mcc"
	RuleAllowedMCC        = "allowed_mcc"
	RuleMaxAmount         = "max_amount"
	RuleRestrictedHours   = "restricted_hours"
)

// Transaction describes a proposed disbursement to be checked against a
// contract's rules.
type Transaction struct {
	Amount     float64 `json:"amount"`
	MCC        string  `json:"mcc"`
	MerchantID string  `json:"merchant_id"`
	CardNumber string  `json:"card_number"`
}

// RuleCheck is the evaluator's decision plus audit trail. RulesChecked lists
// every rule evaluated up to and including the deciding rule, in evaluation
// order; it is empty when no rule was applicable. Reason names the failing
// rule and is set only on denial. A denial is a result, never an error.
type RuleCheck struct {
	Allowed      bool              `json:"allowed"`
	Reason       string            `json:"reason,omitempty"`
	RulesChecked []string          `json:"rules_checked"`
	Details      map[string]string `json:"details,omitempty"`
}

// Evaluator decides whether a proposed transaction may execute under a
// contract's parameters. It holds no mutable state beyond the injected clock
// and is safe for concurrent use.
type Evaluator struct {
	now func() time.Time
}

// NewEvaluator initialises an evaluator using the supplied clock. The clock
// feeds the time-restriction rule only.
func NewEvaluator(now func() time.Time) *Evaluator {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Evaluator{now: now}
}

// Evaluate runs the configured rules against the transaction. Rules run in a
// fixed order with the first failure deciding the outcome: card checks,
// blocked merchant, blocked MCC, allowed MCC (a non-empty allow-list denies
// anything not listed), max amount, restricted hours. Unconfigured rules are
// skipped entirely and never appear in RulesChecked. A contract whose
// applicable-card filter excludes the transaction's card imposes no
// constraints: the check is allowed and stops there.
func (e *Evaluator) Evaluate(params Params, tx Transaction) RuleCheck {
	check := RuleCheck{
		Allowed:      true,
		RulesChecked: make([]string, 0, 6),
		Details:      make(map[string]string),
	}

	if cards := params.ApplicableCards; configuredCardFilter(cards) {
		check.RulesChecked = append(check.RulesChecked, RuleCardApplicability)
		if !containsString(cards, tx.CardNumber) {
			check.Details[RuleCardApplicability] = fmt.Sprintf("card %s not governed by this contract", tx.CardNumber)
			return check
		}
		check.Details[RuleCardApplicability] = fmt.Sprintf("card %s is in the applicable cards list", tx.CardNumber)
	}

	if len(params.BlockedCards) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleBlockedCard)
		if containsString(params.BlockedCards, tx.CardNumber) {
			return deny(check, RuleBlockedCard, fmt.Sprintf("card %s is blocked", tx.CardNumber))
		}
	}

	if len(params.AllowedCards) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleAllowedCard)
		if !containsString(params.AllowedCards, tx.CardNumber) {
			return deny(check, RuleAllowedCard, fmt.Sprintf("card %s not in allowed list", tx.CardNumber))
		}
	}

	if len(params.BlockedMerchants) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleBlockedMerchant)
		if containsString(params.BlockedMerchants, tx.MerchantID) {
			return deny(check, RuleBlockedMerchant, fmt.Sprintf("merchant %s is blocked", tx.MerchantID))
		}
	}

	if len(params.BlockedMCC) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleBlockedMCC)
		if containsString(params.BlockedMCC, tx.MCC) {
			return deny(check, RuleBlockedMCC, fmt.Sprintf("MCC %s is blocked", tx.MCC))
		}
	}

	if len(params.AllowedMCC) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleAllowedMCC)
		if !containsString(params.AllowedMCC, tx.MCC) {
			return deny(check, RuleAllowedMCC, fmt.Sprintf("MCC %s not in allowed list", tx.MCC))
		}
	}

	if params.MaxAmount > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleMaxAmount)
		if tx.Amount > params.MaxAmount {
			return deny(check, RuleMaxAmount, fmt.Sprintf("amount %.2f exceeds limit %.2f", tx.Amount, params.MaxAmount))
		}
	}

	if len(params.RestrictedHours) > 0 {
		check.RulesChecked = append(check.RulesChecked, RuleRestrictedHours)
		hour := e.now().Hour()
		if containsInt(params.RestrictedHours, hour) {
			return deny(check, RuleRestrictedHours, fmt.Sprintf("transactions not allowed at hour %02d:00", hour))
		}
	}

	if len(check.Details) == 0 {
		check.Details = nil
	}
	return check
}

func deny(check RuleCheck, rule, reason string) RuleCheck {
	check.Allowed = false
	check.Reason = fmt.Sprintf("%s: %s", rule, reason)
	check.Details[rule] = reason
	return check
}

// configuredCardFilter reports whether the applicable-card filter actually
// restricts cards. An empty filter or one containing "all" is a no-op.
func configuredCardFilter(cards []string) bool {
	if len(cards) == 0 {
		return false
	}
	for _, card := range cards {
		if card == "all" {
			return false
		}
	}
	return true
}

func containsString(values []string, target string) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}

func containsInt(values []int, target int) bool {
	for _, v := range values {
		if v == target {
			return true
		}
	}
	return false
}
