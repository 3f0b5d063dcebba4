package grants

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"grantway/native/paymentrules"
)

// ErrNotFound is returned when a stage or requirement cannot be located on
// the program.
var ErrNotFound = errors.New("grants: not found")

// ErrInvalidTransition marks forward-only status transitions that are not
// permitted from the current state.
var ErrInvalidTransition = errors.New("grants: invalid transition")

// ErrStateConflict reports that a transition's expected prior status no
// longer matches the observed status. The caller holds a stale read and must
// re-fetch before retrying; the engine never retries on its own.
var ErrStateConflict = errors.New("grants: state conflict")

// ErrStageIncomplete is returned when a stage completion is attempted while
// requirements remain open.
var ErrStageIncomplete = errors.New("grants: stage has pending requirements")

// ErrStageOutOfTurn is returned when a stage other than the lowest-order
// unfinished stage attempts to activate.
var ErrStageOutOfTurn = errors.New("grants: stage activation out of order")

// ErrGateMismatch is returned when an operation targets a requirement with
// the wrong gate mode, e.g. proof submitted against a contract-gated
// requirement.
var ErrGateMismatch = errors.New("grants: requirement gate mismatch")

// Engine governs legal transitions of stage and requirement status. It is
// computation-only: no I/O, no retained state beyond the injected clock, and
// safe to call from concurrent request contexts because every operation acts
// solely on the program value passed in. Serializing concurrent transitions
// on the same requirement is the owning persistence layer's job; the engine
// contributes the expected-prior-status check.
type Engine struct {
	now func() time.Time
}

// NewEngine initialises an engine using the supplied clock.
func NewEngine(now func() time.Time) *Engine {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Engine{now: now}
}

// StartRequirement moves a pending requirement into the active state, marking
// that work has begun.
func (e *Engine) StartRequirement(program *GrantProgram, requirementID uuid.UUID) (Event, error) {
	stage, req := program.FindRequirement(requirementID)
	if req == nil {
		return Event{}, fmt.Errorf("%w: requirement %s", ErrNotFound, requirementID)
	}
	if req.Status != RequirementPending {
		return Event{}, fmt.Errorf("%w: requirement %s is %s, not pending", ErrInvalidTransition, requirementID, req.Status)
	}
	req.Status = RequirementActive
	return newRequirementEvent(EventTypeRequirementStarted, program, stage, req, e.now().Unix()), nil
}

// SubmitProof attaches proof-of-completion metadata to an active manual
// requirement. Submission never completes the requirement; a manager must
// confirm the proof through CompleteRequirement.
func (e *Engine) SubmitProof(program *GrantProgram, requirementID uuid.UUID, proof Proof) (Event, error) {
	stage, req := program.FindRequirement(requirementID)
	if req == nil {
		return Event{}, fmt.Errorf("%w: requirement %s", ErrNotFound, requirementID)
	}
	if req.Gate != GateManual {
		return Event{}, fmt.Errorf("%w: requirement %s is contract-gated", ErrGateMismatch, requirementID)
	}
	if req.Status != RequirementActive {
		return Event{}, fmt.Errorf("%w: requirement %s is %s, not active", ErrInvalidTransition, requirementID, req.Status)
	}
	req.Proof = proof.Clone()
	return newRequirementEvent(EventTypeRequirementProof, program, stage, req, e.now().Unix()), nil
}

// CompleteRequirement moves an active manual requirement to completed. The
// caller supplies the status it last observed; a mismatch means another actor
// transitioned the requirement first and yields ErrStateConflict.
func (e *Engine) CompleteRequirement(program *GrantProgram, requirementID uuid.UUID, expected RequirementStatus) (Event, error) {
	stage, req := program.FindRequirement(requirementID)
	if req == nil {
		return Event{}, fmt.Errorf("%w: requirement %s", ErrNotFound, requirementID)
	}
	if req.Gate != GateManual {
		return Event{}, fmt.Errorf("%w: requirement %s completes only through its contract", ErrGateMismatch, requirementID)
	}
	if req.Status != expected {
		return Event{}, fmt.Errorf("%w: requirement %s is %s, expected %s", ErrStateConflict, requirementID, req.Status, expected)
	}
	if req.Status != RequirementActive {
		return Event{}, fmt.Errorf("%w: requirement %s is %s, not active", ErrInvalidTransition, requirementID, req.Status)
	}
	req.Status = RequirementCompleted
	return newRequirementEvent(EventTypeRequirementCompleted, program, stage, req, e.now().Unix()), nil
}

// ApplyRuleCheck settles a contract-gated requirement against an evaluator
// decision. An allowed check completes the requirement; a denial is a normal
// negative result, not an error: the requirement stays active, completed is
// false, and the caller surfaces check.Reason. No retry happens here.
func (e *Engine) ApplyRuleCheck(program *GrantProgram, requirementID uuid.UUID, check paymentrules.RuleCheck) (Event, bool, error) {
	stage, req := program.FindRequirement(requirementID)
	if req == nil {
		return Event{}, false, fmt.Errorf("%w: requirement %s", ErrNotFound, requirementID)
	}
	if req.Gate != GateContract {
		return Event{}, false, fmt.Errorf("%w: requirement %s is proof-gated", ErrGateMismatch, requirementID)
	}
	if req.Status != RequirementActive {
		return Event{}, false, fmt.Errorf("%w: requirement %s is %s, not active", ErrInvalidTransition, requirementID, req.Status)
	}
	if !check.Allowed {
		return Event{}, false, nil
	}
	req.Status = RequirementCompleted
	return newRequirementEvent(EventTypeRequirementCompleted, program, stage, req, e.now().Unix()), true, nil
}

// ActivateStage moves a pending stage to active. Stages activate strictly in
// order: only the lowest-order stage that has not completed may run, and no
// two stages are concurrently active.
func (e *Engine) ActivateStage(program *GrantProgram, stageID uuid.UUID) (Event, error) {
	stage := program.FindStage(stageID)
	if stage == nil {
		return Event{}, fmt.Errorf("%w: stage %s", ErrNotFound, stageID)
	}
	if stage.Status != StagePending {
		return Event{}, fmt.Errorf("%w: stage %d is %s, not pending", ErrInvalidTransition, stage.Order, stage.Status)
	}
	for _, other := range program.Stages {
		if other == nil || other.ID == stage.ID {
			continue
		}
		if other.Status == StageActive {
			return Event{}, fmt.Errorf("%w: stage %d is still active", ErrStageOutOfTurn, other.Order)
		}
		if other.Order < stage.Order && other.Status != StageCompleted {
			return Event{}, fmt.Errorf("%w: stage %d has not completed", ErrStageOutOfTurn, other.Order)
		}
	}
	stage.Status = StageActive
	return newStageEvent(EventTypeStageActivated, program, stage, e.now().Unix()), nil
}

// CompleteStage moves an active stage to completed once every owned
// requirement has completed. The expected prior status guards against
// concurrent completion attempts, as with CompleteRequirement.
func (e *Engine) CompleteStage(program *GrantProgram, stageID uuid.UUID, expected StageStatus) (Event, error) {
	stage := program.FindStage(stageID)
	if stage == nil {
		return Event{}, fmt.Errorf("%w: stage %s", ErrNotFound, stageID)
	}
	if stage.Status != expected {
		return Event{}, fmt.Errorf("%w: stage %d is %s, expected %s", ErrStateConflict, stage.Order, stage.Status, expected)
	}
	if stage.Status != StageActive {
		return Event{}, fmt.Errorf("%w: stage %d is %s, not active", ErrInvalidTransition, stage.Order, stage.Status)
	}
	if !stage.RequirementsCompleted() {
		return Event{}, fmt.Errorf("%w: stage %d", ErrStageIncomplete, stage.Order)
	}
	stage.Status = StageCompleted
	return newStageEvent(EventTypeStageCompleted, program, stage, e.now().Unix()), nil
}
