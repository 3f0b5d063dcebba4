package grants

import "github.com/google/uuid"

const (
	EventTypeRequirementStarted   = "grants.requirement.started"
	EventTypeRequirementProof     = "grants.requirement.proof_submitted"
	EventTypeRequirementCompleted = "grants.requirement.completed"
	EventTypeStageActivated       = "grants.stage.activated"
	EventTypeStageCompleted       = "grants.stage.completed"
)

// Event is the canonical payload emitted for every successful workflow
// transition, consumed by the gateway's audit trail.
type Event struct {
	Type          string
	ProgramID     uuid.UUID
	StageID       uuid.UUID
	RequirementID uuid.UUID
	At            int64
}

func newStageEvent(eventType string, program *GrantProgram, stage *Stage, at int64) Event {
	event := Event{Type: eventType, At: at}
	if program != nil {
		event.ProgramID = program.ID
	}
	if stage != nil {
		event.StageID = stage.ID
	}
	return event
}

func newRequirementEvent(eventType string, program *GrantProgram, stage *Stage, req *Requirement, at int64) Event {
	event := newStageEvent(eventType, program, stage, at)
	if req != nil {
		event.RequirementID = req.ID
	}
	return event
}
