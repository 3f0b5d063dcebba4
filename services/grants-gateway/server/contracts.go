package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantway/native/grants"
	"grantway/native/paymentrules"
	"grantway/services/grants-gateway/models"
)

type contractRequest struct {
	Name        string              `json:"name"`
	Type        string              `json:"type"`
	Description string              `json:"description"`
	Params      paymentrules.Params `json:"params"`
}

// CreateContract validates and stores a payment rule contract.
func (s *Server) CreateContract(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}

	var req contractRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if strings.TrimSpace(req.Name) == "" {
		s.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	params, err := paymentrules.ValidateParams(req.Type, req.Params)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}

	now := s.Now()
	contract := models.PaymentContract{
		ID:          uuid.New(),
		Name:        req.Name,
		Type:        req.Type,
		Description: req.Description,
		Status:      paymentrules.ContractStatusActive,
		Params:      params,
		CreatedByID: claims.Subject,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.DB.Create(&contract).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, contract)
}

// ListContracts returns every stored contract.
func (s *Server) ListContracts(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireClaims(w, r); !ok {
		return
	}
	var contracts []models.PaymentContract
	if err := s.DB.Order("created_at DESC").Find(&contracts).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, contracts)
}

// DeleteContract removes a contract. Only its creator may delete it.
func (s *Server) DeleteContract(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	contractID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid contract id")
		return
	}

	var contract models.PaymentContract
	if err := s.DB.First(&contract, "id = ?", contractID).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	if contract.CreatedByID != claims.Subject {
		s.writeError(w, http.StatusForbidden, "only the creator may delete a contract")
		return
	}
	if err := s.DB.Delete(&contract).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type executeResponse struct {
	Check                paymentrules.RuleCheck `json:"check"`
	RequirementCompleted bool                   `json:"requirement_completed"`
	RequirementID        *uuid.UUID             `json:"requirement_id,omitempty"`
}

// ExecuteContract evaluates a transaction against a contract. When the
// contract is bound to an active contract-gated requirement and the check is
// allowed, the requirement completes in the same call. A denial is a normal
// result carrying the failing rule's reason, not an error.
func (s *Server) ExecuteContract(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	contractID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid contract id")
		return
	}

	var tx paymentrules.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	var contract models.PaymentContract
	if err := s.DB.First(&contract, "id = ?", contractID).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	if contract.Status != paymentrules.ContractStatusActive {
		s.writeError(w, http.StatusConflict, "contract is not active")
		return
	}

	check := s.evaluator.Evaluate(contract.Params, tx)
	s.metrics.observeRuleCheck(contract.Type, check.Allowed)

	resp := executeResponse{Check: check}
	if check.Allowed {
		completedID, err := s.completeBoundRequirement(claims.Subject, contractID, check)
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			s.handleDomainError(w, err)
			return
		}
		if completedID != uuid.Nil {
			resp.RequirementCompleted = true
			resp.RequirementID = &completedID
		}
	}

	s.writeJSON(w, http.StatusOK, resp)
}

// completeBoundRequirement finds the active requirement bound to the contract
// and settles it through the engine. gorm.ErrRecordNotFound means no binding
// exists, which is not a failure.
func (s *Server) completeBoundRequirement(actor uuid.UUID, contractID uuid.UUID, check paymentrules.RuleCheck) (uuid.UUID, error) {
	marker := grants.ContractRequirementDescription(contractID.String())

	var requirement models.Requirement
	if err := s.DB.First(&requirement, "description = ? AND status = ?", marker, string(grants.RequirementActive)).Error; err != nil {
		return uuid.Nil, err
	}
	var stage models.Stage
	if err := s.DB.First(&stage, "id = ?", requirement.StageID).Error; err != nil {
		return uuid.Nil, err
	}

	err := s.transitionProgram(stage.GrantProgramID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		event, completed, err := s.engine.ApplyRuleCheck(domain, requirement.ID, check)
		if err != nil {
			return err
		}
		if !completed {
			return nil
		}
		now := s.Now()
		if err := tx.Model(&models.Requirement{}).Where("id = ?", requirement.ID).
			Updates(map[string]any{
				"status":          string(grants.RequirementCompleted),
				"completed_by_id": actor,
				"completed_at":    now,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, &record.ID, &event.StageID, &requirement.ID, actor, event.Type,
			fmt.Sprintf("contract=%s", contractID))
	})
	if err != nil {
		return uuid.Nil, err
	}
	return requirement.ID, nil
}

// CardContracts lists active contracts that govern the supplied card.
func (s *Server) CardContracts(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireClaims(w, r); !ok {
		return
	}
	card := chi.URLParam(r, "card")

	var contracts []models.PaymentContract
	if err := s.DB.Where("status = ?", paymentrules.ContractStatusActive).Find(&contracts).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	applicable := make([]models.PaymentContract, 0, len(contracts))
	for _, contract := range contracts {
		domain := contract.Domain()
		if domain.AppliesToCard(card) {
			applicable = append(applicable, contract)
		}
	}
	s.writeJSON(w, http.StatusOK, applicable)
}

type purchaseResponse struct {
	Allowed       bool                   `json:"allowed"`
	Check         paymentrules.RuleCheck `json:"check"`
	ContractID    *uuid.UUID             `json:"contract_id,omitempty"`
	TransactionID string                 `json:"transaction_id,omitempty"`
}

// Purchase runs a card transaction through the baseline check, every active
// contract governing the card, and the card's available balance, then
// forwards payment when all allow. The first failing check decides the
// outcome.
func (s *Server) Purchase(w http.ResponseWriter, r *http.Request) {
	if _, ok := s.requireClaims(w, r); !ok {
		return
	}

	var tx paymentrules.Transaction
	if err := json.NewDecoder(r.Body).Decode(&tx); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}

	baseline := paymentrules.BaselineCheck(tx)
	s.metrics.observeRuleCheck("baseline", baseline.Allowed)
	if !baseline.Allowed {
		s.writeJSON(w, http.StatusOK, purchaseResponse{Allowed: false, Check: baseline})
		return
	}

	var contracts []models.PaymentContract
	if err := s.DB.Where("status = ?", paymentrules.ContractStatusActive).Order("created_at").Find(&contracts).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}
	for _, contract := range contracts {
		domain := contract.Domain()
		if !domain.AppliesToCard(tx.CardNumber) {
			continue
		}
		check := s.evaluator.Evaluate(contract.Params, tx)
		s.metrics.observeRuleCheck(contract.Type, check.Allowed)
		if !check.Allowed {
			contractID := contract.ID
			s.writeJSON(w, http.StatusOK, purchaseResponse{Allowed: false, Check: check, ContractID: &contractID})
			return
		}
	}

	balance, err := s.Bank.GetBalance(r.Context(), tx.CardNumber)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("%v: %v", errPayout, err))
		return
	}
	if balance.Balance < tx.Amount {
		check := paymentrules.RuleCheck{
			Reason:       fmt.Sprintf("insufficient funds: balance %.2f, required %.2f", balance.Balance, tx.Amount),
			RulesChecked: []string{"balance"},
		}
		s.metrics.observeRuleCheck("balance", false)
		s.writeJSON(w, http.StatusOK, purchaseResponse{Allowed: false, Check: check})
		return
	}

	status, err := s.Bank.SendPayment(r.Context(), tx.MerchantID, tx.Amount, "Purchase:"+tx.CardNumber)
	if err != nil {
		s.writeError(w, http.StatusBadGateway, fmt.Sprintf("%v: %v", errPayout, err))
		return
	}

	s.writeJSON(w, http.StatusOK, purchaseResponse{Allowed: true, Check: baseline, TransactionID: status.TransactionID})
}
