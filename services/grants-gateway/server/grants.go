package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantway/native/grants"
	"grantway/native/paymentrules"
	"grantway/services/grants-gateway/models"
)

// CreateGrant persists a program from a builder payload. The creator joins the
// roster as grantor unless the payload already lists them.
func (s *Server) CreateGrant(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}

	var payload grants.CreatePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if err := grants.ValidatePayload(payload); err != nil {
		s.handleDomainError(w, err)
		return
	}

	now := s.Now()
	program := models.GrantProgram{
		ID:                uuid.New(),
		Name:              payload.Name,
		BankAccountNumber: payload.BankAccountNumber,
		Status:            string(grants.ProgramDraft),
		CreatedByID:       claims.Subject,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	for _, stagePayload := range payload.Stages {
		stage := models.Stage{
			ID:             uuid.New(),
			GrantProgramID: program.ID,
			Amount:         stagePayload.Amount,
			Order:          stagePayload.Order,
			Status:         string(grants.StagePending),
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, reqPayload := range stagePayload.Requirements {
			requirement := models.Requirement{
				ID:          uuid.New(),
				StageID:     stage.ID,
				Name:        reqPayload.Name,
				Description: reqPayload.Description,
				Status:      string(grants.RequirementPending),
				Gate:        string(grants.GateManual),
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			probe := grants.Requirement{Description: reqPayload.Description}
			if probe.ContractID() != "" {
				requirement.Gate = string(grants.GateContract)
			}
			stage.Requirements = append(stage.Requirements, requirement)
		}
		program.Stages = append(program.Stages, stage)
	}

	creatorListed := false
	for _, spec := range payload.Participants {
		userID, err := uuid.Parse(spec.UserID)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "participant user id must be a uuid")
			return
		}
		if userID == claims.Subject {
			creatorListed = true
		}
		program.Participants = append(program.Participants, models.Participant{
			ID:             uuid.New(),
			GrantProgramID: program.ID,
			UserID:         userID,
			Role:           string(spec.Role),
			Active:         true,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	if !creatorListed {
		program.Participants = append(program.Participants, models.Participant{
			ID:             uuid.New(),
			GrantProgramID: program.ID,
			UserID:         claims.Subject,
			Role:           string(grants.RoleGrantor),
			Active:         true,
			Name:           claims.Name,
			Email:          claims.Email,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}

	if err := program.Domain().Validate(); err != nil {
		s.handleDomainError(w, err)
		return
	}

	if err := s.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&program).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, &program.ID, nil, nil, claims.Subject, "grants.program.created",
			fmt.Sprintf("stages=%d", len(program.Stages)))
	}); err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, program)
}

// ListGrants returns programs where the caller participates or which they
// created.
func (s *Server) ListGrants(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}

	var programIDs []uuid.UUID
	if err := s.DB.Model(&models.Participant{}).
		Where("user_id = ?", claims.Subject).
		Distinct().
		Pluck("grant_program_id", &programIDs).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}

	var programs []models.GrantProgram
	if err := s.DB.Preload("Stages.Requirements").Preload("Participants").
		Where("id IN ? OR created_by_id = ?", programIDs, claims.Subject).
		Order("created_at DESC").
		Find(&programs).Error; err != nil {
		s.handleDomainError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, programs)
}

// GetGrant returns a single program with stages and roster.
func (s *Server) GetGrant(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid program id")
		return
	}

	program, err := s.loadProgram(s.DB, programID, false)
	if err != nil {
		s.handleDomainError(w, err)
		return
	}
	if program.CreatedByID != claims.Subject && len(grants.RolesFor(program.Domain(), claims.Subject)) == 0 {
		s.writeError(w, http.StatusForbidden, "not a participant")
		return
	}

	s.writeJSON(w, http.StatusOK, program)
}

// ActivateStage moves the next pending stage into the active state.
func (s *Server) ActivateStage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, stageID, ok := s.parseStagePath(w, r)
	if !ok {
		return
	}

	err := s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		if !grants.CanManageMilestones(domain, claims.Subject) {
			return errForbidden
		}
		event, err := s.engine.ActivateStage(domain, stageID)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Stage{}).Where("id = ?", stageID).
			Updates(map[string]any{"status": string(grants.StageActive), "updated_at": s.Now()}).Error; err != nil {
			return err
		}
		if record.Status == string(grants.ProgramDraft) {
			if err := tx.Model(record).Updates(map[string]any{"status": string(grants.ProgramActive), "updated_at": s.Now()}).Error; err != nil {
				return err
			}
		}
		return s.appendEvent(tx, &record.ID, &stageID, nil, claims.Subject, event.Type, "")
	})
	if err != nil {
		s.handleWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(grants.StageActive)})
}

// CompleteStage completes an active stage and forwards the tranche payout to
// the payment rail. The If-Match header carries the stage status the caller
// last observed.
func (s *Server) CompleteStage(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, stageID, ok := s.parseStagePath(w, r)
	if !ok {
		return
	}
	expected := grants.StageStatus(expectedStatus(r, string(grants.StageActive)))

	// Phase one validates the transition and records a payout intent under
	// the row lock. The rail is only called once the intent is durable, so a
	// crash mid-payout leaves a reconcilable row instead of silent fund
	// movement.
	var (
		intent      models.Payout
		bankAccount string
	)
	err := s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		if !grants.CanManageMilestones(domain, claims.Subject) {
			return errForbidden
		}
		if _, err := s.engine.CompleteStage(domain, stageID, expected); err != nil {
			return err
		}
		stage := domain.FindStage(stageID)
		baseline := paymentrules.BaselineCheck(paymentrules.Transaction{
			Amount:     stage.Amount,
			CardNumber: s.TreasuryCard,
		})
		if !baseline.Allowed {
			return fmt.Errorf("%w: %s", errPayout, baseline.Reason)
		}
		var inFlight int64
		if err := tx.Model(&models.Payout{}).
			Where("stage_id = ? AND status IN ?", stageID, []string{models.PayoutInitiated, models.PayoutSent}).
			Count(&inFlight).Error; err != nil {
			return err
		}
		if inFlight > 0 {
			return fmt.Errorf("%w: payout already in flight", grants.ErrStateConflict)
		}
		now := s.Now()
		bankAccount = record.BankAccountNumber
		intent = models.Payout{
			ID:             uuid.New(),
			GrantProgramID: record.ID,
			StageID:        stageID,
			Amount:         stage.Amount,
			Reference:      "GrantStage:" + stageID.String(),
			Status:         models.PayoutInitiated,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		return tx.Create(&intent).Error
	})
	if err != nil {
		s.handleWorkflowError(w, err)
		return
	}

	status, err := s.Bank.SendPayment(r.Context(), bankAccount, intent.Amount, intent.Reference)
	if err != nil {
		s.DB.Model(&models.Payout{}).Where("id = ?", intent.ID).
			Updates(map[string]any{"status": models.PayoutFailed, "updated_at": s.Now()})
		s.handleWorkflowError(w, fmt.Errorf("%w: %v", errPayout, err))
		return
	}
	// Funds have moved. Pin the rail transaction onto the intent before any
	// workflow write so a failed settle still points at the money.
	if err := s.DB.Model(&models.Payout{}).Where("id = ?", intent.ID).
		Updates(map[string]any{"status": models.PayoutSent, "transaction_id": status.TransactionID, "updated_at": s.Now()}).Error; err != nil {
		s.Logger.Printf("payout %s sent (transaction %s) but not recorded: %v", intent.ID, status.TransactionID, err)
	}

	err = s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		event, err := s.engine.CompleteStage(domain, stageID, expected)
		if err != nil {
			return err
		}
		stage := domain.FindStage(stageID)
		now := s.Now()
		if err := tx.Model(&models.Stage{}).Where("id = ?", stageID).
			Updates(map[string]any{"status": string(grants.StageCompleted), "paid_out_at": now, "updated_at": now}).Error; err != nil {
			return err
		}
		if err := tx.Model(&models.Payout{}).Where("id = ?", intent.ID).
			Updates(map[string]any{"status": models.PayoutSettled, "updated_at": now}).Error; err != nil {
			return err
		}
		stage.Status = grants.StageCompleted
		if domain.StagesCompleted() {
			if err := tx.Model(record).Updates(map[string]any{"status": string(grants.ProgramCompleted), "updated_at": now}).Error; err != nil {
				return err
			}
		}
		s.metrics.observePayout(stage.Amount)
		return s.appendEvent(tx, &record.ID, &stageID, nil, claims.Subject, event.Type,
			fmt.Sprintf("amount=%.2f transaction=%s", stage.Amount, status.TransactionID))
	})
	if err != nil {
		s.Logger.Printf("payout %s (transaction %s) sent but stage %s did not settle: %v", intent.ID, status.TransactionID, stageID, err)
		s.handleWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{
		"status":         string(grants.StageCompleted),
		"transaction_id": status.TransactionID,
	})
}

// StartRequirement moves a pending requirement into progress.
func (s *Server) StartRequirement(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, requirementID, ok := s.parseRequirementPath(w, r)
	if !ok {
		return
	}

	err := s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		if !grants.CanManageMilestones(domain, claims.Subject) {
			return errForbidden
		}
		event, err := s.engine.StartRequirement(domain, requirementID)
		if err != nil {
			return err
		}
		if err := tx.Model(&models.Requirement{}).Where("id = ?", requirementID).
			Updates(map[string]any{"status": string(grants.RequirementActive), "updated_at": s.Now()}).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, &record.ID, &event.StageID, &requirementID, claims.Subject, event.Type, "")
	})
	if err != nil {
		s.handleWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(grants.RequirementActive)})
}

// SubmitProof attaches proof metadata to an active manual requirement. Any
// active participant may submit; completion still needs a manager.
func (s *Server) SubmitProof(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, requirementID, ok := s.parseRequirementPath(w, r)
	if !ok {
		return
	}

	var req struct {
		Reference string `json:"reference"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.Reference == "" {
		s.writeError(w, http.StatusBadRequest, "reference is required")
		return
	}

	err := s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		if len(grants.RolesFor(domain, claims.Subject)) == 0 {
			return errForbidden
		}
		event, err := s.engine.SubmitProof(domain, requirementID, grants.Proof{
			SubmittedBy: claims.Subject,
			Reference:   req.Reference,
		})
		if err != nil {
			return err
		}
		now := s.Now()
		if err := tx.Model(&models.Requirement{}).Where("id = ?", requirementID).
			Updates(map[string]any{
				"proof_reference":    req.Reference,
				"proof_submitted_by": claims.Subject,
				"proof_submitted_at": now,
				"updated_at":         now,
			}).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, &record.ID, &event.StageID, &requirementID, claims.Subject, event.Type, req.Reference)
	})
	if err != nil {
		s.handleWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(grants.RequirementActive), "proof": "submitted"})
}

// CompleteRequirement confirms a manual requirement. The If-Match header
// carries the requirement status the caller last observed.
func (s *Server) CompleteRequirement(w http.ResponseWriter, r *http.Request) {
	claims, ok := s.requireClaims(w, r)
	if !ok {
		return
	}
	programID, requirementID, ok := s.parseRequirementPath(w, r)
	if !ok {
		return
	}
	expected := grants.RequirementStatus(expectedStatus(r, string(grants.RequirementActive)))

	err := s.transitionProgram(programID, func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error {
		if !grants.CanManageMilestones(domain, claims.Subject) {
			return errForbidden
		}
		event, err := s.engine.CompleteRequirement(domain, requirementID, expected)
		if err != nil {
			return err
		}
		now := s.Now()
		if err := tx.Model(&models.Requirement{}).Where("id = ?", requirementID).
			Updates(map[string]any{
				"status":          string(grants.RequirementCompleted),
				"completed_by_id": claims.Subject,
				"completed_at":    now,
				"updated_at":      now,
			}).Error; err != nil {
			return err
		}
		return s.appendEvent(tx, &record.ID, &event.StageID, &requirementID, claims.Subject, event.Type, "")
	})
	if err != nil {
		s.handleWorkflowError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]string{"status": string(grants.RequirementCompleted)})
}

func (s *Server) parseStagePath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid program id")
		return uuid.Nil, uuid.Nil, false
	}
	stageID, err := uuid.Parse(chi.URLParam(r, "stageID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid stage id")
		return uuid.Nil, uuid.Nil, false
	}
	return programID, stageID, true
}

func (s *Server) parseRequirementPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, uuid.UUID, bool) {
	programID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid program id")
		return uuid.Nil, uuid.Nil, false
	}
	requirementID, err := uuid.Parse(chi.URLParam(r, "requirementID"))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid requirement id")
		return uuid.Nil, uuid.Nil, false
	}
	return programID, requirementID, true
}

// expectedStatus reads the caller's last observed status from If-Match,
// falling back to the given default.
func expectedStatus(r *http.Request, fallback string) string {
	if match := r.Header.Get("If-Match"); match != "" {
		return match
	}
	return fallback
}
