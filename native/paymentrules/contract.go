package paymentrules

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Contract types supported by the rule evaluator.
const (
	TypeMCCLimit        = "mcc_limit"
	TypeMerchantBlock   = "merchant_block"
	TypeAmountLimit     = "amount_limit"
	TypeTimeRestriction = "time_restriction"
	TypeCardRestriction = "card_restriction"
)

// ErrInvalidParams describes contract parameters that do not satisfy the
// contract type's requirements.
var ErrInvalidParams = errors.New("paymentrules: invalid contract parameters")

// Params is the rule parameter bag carried by a payment contract. Unset
// collections mean the corresponding rule is not configured and is skipped
// during evaluation.
type Params struct {
	ApplicableCards  []string `json:"applicable_cards,omitempty" yaml:"applicable_cards"`
	AllowedMCC       []string `json:"allowed_mcc,omitempty" yaml:"allowed_mcc"`
	BlockedMCC       []string `json:"blocked_mcc,omitempty" yaml:"blocked_mcc"`
	BlockedMerchants []string `json:"blocked_merchants,omitempty" yaml:"blocked_merchants"`
	MaxAmount        float64  `json:"max_amount,omitempty" yaml:"max_amount"`
	RestrictedHours  []int    `json:"restricted_hours,omitempty" yaml:"restricted_hours"`
	AllowedCards     []string `json:"allowed_cards,omitempty" yaml:"allowed_cards"`
	BlockedCards     []string `json:"blocked_cards,omitempty" yaml:"blocked_cards"`
}

// Clone returns a deep copy of the parameter bag.
func (p Params) Clone() Params {
	clone := p
	clone.ApplicableCards = append([]string(nil), p.ApplicableCards...)
	clone.AllowedMCC = append([]string(nil), p.AllowedMCC...)
	clone.BlockedMCC = append([]string(nil), p.BlockedMCC...)
	clone.BlockedMerchants = append([]string(nil), p.BlockedMerchants...)
	clone.RestrictedHours = append([]int(nil), p.RestrictedHours...)
	clone.AllowedCards = append([]string(nil), p.AllowedCards...)
	clone.BlockedCards = append([]string(nil), p.BlockedCards...)
	return clone
}

// Contract is a rule set constraining where, how, and how much a bound
// transaction may disburse. Contracts are owned by the payment subsystem and
// referenced by id from contract-gated requirements.
type Contract struct {
	ID          uuid.UUID
	Name        string
	Type        string
	Description string
	Status      string
	Params      Params
	CreatedAt   time.Time
}

// ContractStatusActive marks contracts eligible for evaluation.
const ContractStatusActive = "active"

// ValidateParams checks the parameter bag against the contract type's
// requirements and applies defaulting: an absent applicable-card filter means
// the contract applies to all cards. The returned Params is the normalized
// copy to persist.
func ValidateParams(contractType string, params Params) (Params, error) {
	normalized := params.Clone()
	if len(normalized.ApplicableCards) == 0 {
		normalized.ApplicableCards = []string{"all"}
	}
	switch contractType {
	case TypeMCCLimit:
		if len(normalized.AllowedMCC) == 0 {
			return Params{}, fmt.Errorf("%w: mcc_limit requires allowed_mcc", ErrInvalidParams)
		}
	case TypeMerchantBlock:
		if len(normalized.BlockedMerchants) == 0 {
			return Params{}, fmt.Errorf("%w: merchant_block requires blocked_merchants", ErrInvalidParams)
		}
	case TypeAmountLimit:
		if normalized.MaxAmount <= 0 {
			return Params{}, fmt.Errorf("%w: amount_limit requires a positive max_amount", ErrInvalidParams)
		}
	case TypeTimeRestriction:
		if len(normalized.RestrictedHours) == 0 {
			return Params{}, fmt.Errorf("%w: time_restriction requires restricted_hours", ErrInvalidParams)
		}
		for _, hour := range normalized.RestrictedHours {
			if hour < 0 || hour > 23 {
				return Params{}, fmt.Errorf("%w: restricted hour %d out of range", ErrInvalidParams, hour)
			}
		}
	case TypeCardRestriction:
		if len(normalized.AllowedCards) == 0 && len(normalized.BlockedCards) == 0 {
			return Params{}, fmt.Errorf("%w: card_restriction requires allowed_cards or blocked_cards", ErrInvalidParams)
		}
	default:
		return Params{}, fmt.Errorf("%w: unknown contract type %q", ErrInvalidParams, contractType)
	}
	return normalized, nil
}

// AppliesToCard reports whether the contract governs transactions on the
// supplied card.
func (c *Contract) AppliesToCard(card string) bool {
	if c == nil {
		return false
	}
	cards := c.Params.ApplicableCards
	if len(cards) == 0 {
		return true
	}
	for _, candidate := range cards {
		if candidate == "all" || candidate == card {
			return true
		}
	}
	return false
}
