package paymentrules

import "fmt"

// RuleAmountValidation is the baseline sanity rule applied to every purchase
// before any contract logic runs.
const RuleAmountValidation = "amount_validation"

// baselineMaxAmount is a hard ceiling guarding against malformed amounts on
// purchases that carry no contract at all.
const baselineMaxAmount = 1_000_000

// BaselineCheck applies the contract-independent validations to a proposed
// purchase: the amount must be positive and below the absolute ceiling. The
// result shape matches Evaluate so callers branch the same way.
func BaselineCheck(tx Transaction) RuleCheck {
	check := RuleCheck{
		Allowed:      true,
		RulesChecked: []string{RuleAmountValidation},
		Details:      make(map[string]string),
	}
	if tx.Amount <= 0 {
		return deny(check, RuleAmountValidation, "amount must be positive")
	}
	if tx.Amount > baselineMaxAmount {
		return deny(check, RuleAmountValidation, fmt.Sprintf("amount %.2f exceeds maximum limit", tx.Amount))
	}
	check.Details[RuleAmountValidation] = fmt.Sprintf("amount %.2f is valid", tx.Amount)
	return check
}
