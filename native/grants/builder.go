package grants

import (
	"fmt"
	"strings"
)

// ErrInvalidPayload describes malformed creation payloads.
var ErrInvalidPayload = fmt.Errorf("grants: invalid creation payload")

// RequirementDraft is a free-form requirement entered while composing a
// stage. Description is optional; the builder normalizes a nil description to
// the empty string exactly once, at the payload boundary.
type RequirementDraft struct {
	Name        string
	Description *string
}

// ContractDraft holds the form-level contract enforcement toggle for a stage
// draft. Only Enabled matters to the builder; the remaining fields are the
// raw rule inputs used to create the payment contract before binding.
type ContractDraft struct {
	Enabled          bool
	Name             string
	ApplicableCards  string
	AllowedMCC       string
	BlockedMCC       string
	BlockedMerchants string
	MaxAmount        float64
	Description      *string
}

// StageDraft is a mutable stage specification. Sequence position in the
// draft list is the authoritative order.
type StageDraft struct {
	Amount       float64
	Requirements []RequirementDraft
	Contract     *ContractDraft
}

// ParticipantSpec names a user/role binding in the creation payload.
type ParticipantSpec struct {
	UserID string `json:"user_id"`
	Role   Role   `json:"role"`
}

// RequirementPayload is the wire shape of a requirement in the creation
// payload. Description is always present, never null.
type RequirementPayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// StagePayload is the wire shape of a stage in the creation payload.
type StagePayload struct {
	Order        int                  `json:"order"`
	Amount       float64              `json:"amount"`
	Requirements []RequirementPayload `json:"requirements"`
}

// CreatePayload is the immutable creation payload consumed by the
// persistence service.
type CreatePayload struct {
	Name              string            `json:"name"`
	BankAccountNumber string            `json:"bank_account_number"`
	Stages            []StagePayload    `json:"stages"`
	Participants      []ParticipantSpec `json:"participants"`
}

// BuildPayload turns ordered stage drafts into a creation payload. Order is
// assigned from list position (index+1). When a draft enables contract
// enforcement and contractBindings carries a contract id for the stage's
// index, the stage's manual requirements are discarded and replaced by the
// single synthetic enforcement requirement bound to that contract.
// Participants pass through unchanged; validating them is the receiving
// service's concern. The function is pure and deterministic.
func BuildPayload(name, bankAccountNumber string, stageDrafts []StageDraft, participants []ParticipantSpec, contractBindings map[int]string) CreatePayload {
	if participants == nil {
		participants = []ParticipantSpec{}
	}
	stages := make([]StagePayload, 0, len(stageDrafts))
	for i, draft := range stageDrafts {
		stage := StagePayload{
			Order:  i + 1,
			Amount: draft.Amount,
		}
		contractID, bound := contractBindings[i]
		if draft.Contract != nil && draft.Contract.Enabled && bound && contractID != "" {
			stage.Requirements = []RequirementPayload{{
				Name:        ContractRequirementName,
				Description: ContractRequirementDescription(contractID),
			}}
		} else {
			stage.Requirements = make([]RequirementPayload, 0, len(draft.Requirements))
			for _, req := range draft.Requirements {
				description := ""
				if req.Description != nil {
					description = *req.Description
				}
				stage.Requirements = append(stage.Requirements, RequirementPayload{
					Name:        req.Name,
					Description: description,
				})
			}
		}
		stages = append(stages, stage)
	}
	return CreatePayload{
		Name:              name,
		BankAccountNumber: bankAccountNumber,
		Stages:            stages,
		Participants:      participants,
	}
}

// ValidatePayload applies the receiving-side rules to a creation payload:
// non-empty identity fields, positive amounts, named requirements, contiguous
// 1-based stage order, and parseable participant roles. Violations surface
// synchronously; nothing is partially applied.
func ValidatePayload(payload CreatePayload) error {
	if strings.TrimSpace(payload.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidPayload)
	}
	if strings.TrimSpace(payload.BankAccountNumber) == "" {
		return fmt.Errorf("%w: bank account number required", ErrInvalidPayload)
	}
	for i, stage := range payload.Stages {
		if stage.Order != i+1 {
			return fmt.Errorf("%w: stages must be sequential and start at 1", ErrInvalidPayload)
		}
		if stage.Amount <= 0 {
			return fmt.Errorf("%w: stage %d amount must be positive", ErrInvalidPayload, stage.Order)
		}
		for _, req := range stage.Requirements {
			if strings.TrimSpace(req.Name) == "" {
				return fmt.Errorf("%w: stage %d requirement name required", ErrInvalidPayload, stage.Order)
			}
		}
	}
	for _, participant := range payload.Participants {
		if strings.TrimSpace(participant.UserID) == "" {
			return fmt.Errorf("%w: participant user id required", ErrInvalidPayload)
		}
		if _, err := ParseRole(string(participant.Role)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidPayload, err)
		}
	}
	return nil
}
