package grants

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ProgramStatus represents the lifecycle of a grant program.
type ProgramStatus string

const (
	// ProgramDraft marks programs that have been created but have no active
	// stage yet.
	ProgramDraft ProgramStatus = "draft"
	// ProgramActive marks programs with at least one stage in flight.
	ProgramActive ProgramStatus = "active"
	// ProgramCompleted marks programs whose stages have all been paid out.
	ProgramCompleted ProgramStatus = "completed"
	// ProgramCancelled marks programs terminated before completion. Cancelled
	// programs keep their historical stages for auditability.
	ProgramCancelled ProgramStatus = "cancelled"
)

// StageStatus represents the completion state of an individual stage.
type StageStatus string

const (
	StagePending   StageStatus = "pending"
	StageActive    StageStatus = "active"
	StageCompleted StageStatus = "completed"
)

// RequirementStatus represents the completion state of a requirement.
type RequirementStatus string

const (
	RequirementPending   RequirementStatus = "pending"
	RequirementActive    RequirementStatus = "active"
	RequirementCompleted RequirementStatus = "completed"
)

// GateMode describes how a requirement is completed. The mode is fixed at
// creation: a requirement is either proof-gated or contract-gated, never both.
type GateMode string

const (
	// GateManual requirements complete through an explicit manager
	// confirmation after proof has been submitted.
	GateManual GateMode = "manual"
	// GateContract requirements complete only through an allowed payment
	// rule check against the bound contract.
	GateContract GateMode = "contract"
)

// contractIDPrefix embeds the bound payment contract identifier in a
// requirement description.
const contractIDPrefix = "payment_contract_id:"

// ContractRequirementName is the synthetic requirement emitted for stages
// configured for automatic contract enforcement.
const ContractRequirementName = "Smart contract enforcement"

// ContractRequirementDescription returns the description that binds a
// requirement to the supplied payment contract.
func ContractRequirementDescription(contractID string) string {
	return contractIDPrefix + contractID
}

// ErrInvalidStage describes malformed stage definitions.
var ErrInvalidStage = errors.New("grants: invalid stage")

// ErrInvalidRequirement describes malformed requirement definitions.
var ErrInvalidRequirement = errors.New("grants: invalid requirement")

// ErrInvalidProgram describes malformed program definitions.
var ErrInvalidProgram = errors.New("grants: invalid program")

// Proof captures the submission metadata attached to a manual requirement.
type Proof struct {
	SubmittedBy uuid.UUID
	Reference   string
}

// Clone returns a copy safe for modification.
func (p *Proof) Clone() *Proof {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// Requirement is a single condition gating a stage's completion.
type Requirement struct {
	ID          uuid.UUID
	StageID     uuid.UUID
	Name        string
	Description string
	Gate        GateMode
	Status      RequirementStatus
	Proof       *Proof
}

// Clone returns a deep copy of the requirement.
func (r *Requirement) Clone() *Requirement {
	if r == nil {
		return nil
	}
	clone := *r
	clone.Proof = r.Proof.Clone()
	return &clone
}

// ContractID extracts the bound payment contract identifier from a
// contract-gated requirement's description. It returns an empty string when
// no binding is present.
func (r *Requirement) ContractID() string {
	if r == nil {
		return ""
	}
	rest, ok := strings.CutPrefix(r.Description, contractIDPrefix)
	if !ok {
		return ""
	}
	return strings.TrimSpace(rest)
}

// Validate ensures the requirement fields are sane prior to persistence.
func (r *Requirement) Validate() error {
	if r == nil {
		return fmt.Errorf("%w: requirement must not be nil", ErrInvalidRequirement)
	}
	if strings.TrimSpace(r.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidRequirement)
	}
	switch r.Gate {
	case GateManual:
	case GateContract:
		if r.ContractID() == "" {
			return fmt.Errorf("%w: contract binding required", ErrInvalidRequirement)
		}
		if r.Proof != nil {
			return fmt.Errorf("%w: contract-gated requirement carries proof", ErrInvalidRequirement)
		}
	default:
		return fmt.Errorf("%w: gate mode required", ErrInvalidRequirement)
	}
	return nil
}

// Stage is a milestone tranche of a grant program, payable upon completion of
// its requirements.
type Stage struct {
	ID           uuid.UUID
	ProgramID    uuid.UUID
	Order        int
	Amount       float64
	Status       StageStatus
	Requirements []*Requirement
}

// Clone returns a deep copy of the stage.
func (s *Stage) Clone() *Stage {
	if s == nil {
		return nil
	}
	clone := *s
	if len(s.Requirements) > 0 {
		clone.Requirements = make([]*Requirement, len(s.Requirements))
		for i, req := range s.Requirements {
			clone.Requirements[i] = req.Clone()
		}
	}
	return &clone
}

// Validate ensures the stage fields are sane prior to persistence.
func (s *Stage) Validate() error {
	if s == nil {
		return fmt.Errorf("%w: stage must not be nil", ErrInvalidStage)
	}
	if s.Order <= 0 {
		return fmt.Errorf("%w: order must be positive", ErrInvalidStage)
	}
	if s.Amount <= 0 {
		return fmt.Errorf("%w: amount must be positive", ErrInvalidStage)
	}
	for _, req := range s.Requirements {
		if err := req.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// RequirementsCompleted reports whether every requirement on the stage has
// been completed.
func (s *Stage) RequirementsCompleted() bool {
	if s == nil {
		return false
	}
	for _, req := range s.Requirements {
		if req == nil || req.Status != RequirementCompleted {
			return false
		}
	}
	return true
}

// FindRequirement returns the requirement with the supplied identifier.
func (s *Stage) FindRequirement(id uuid.UUID) *Requirement {
	if s == nil {
		return nil
	}
	for _, req := range s.Requirements {
		if req != nil && req.ID == id {
			return req
		}
	}
	return nil
}

// Participant binds a user to a grant program under a single role. A user may
// hold several roles on the same program through separate records; revoked
// bindings stay on the roster with Active=false.
type Participant struct {
	ID        uuid.UUID
	UserID    uuid.UUID
	ProgramID uuid.UUID
	Role      Role
	Active    bool
	Name      string
	Email     string
}

// Clone returns a copy safe for modification.
func (p *Participant) Clone() *Participant {
	if p == nil {
		return nil
	}
	clone := *p
	return &clone
}

// GrantProgram aggregates ordered stages and the participant roster under a
// funded initiative.
type GrantProgram struct {
	ID                uuid.UUID
	Name              string
	BankAccountNumber string
	Status            ProgramStatus
	Stages            []*Stage
	Participants      []*Participant
}

// Clone returns a deep copy of the program.
func (g *GrantProgram) Clone() *GrantProgram {
	if g == nil {
		return nil
	}
	clone := *g
	if len(g.Stages) > 0 {
		clone.Stages = make([]*Stage, len(g.Stages))
		for i, stage := range g.Stages {
			clone.Stages[i] = stage.Clone()
		}
	}
	if len(g.Participants) > 0 {
		clone.Participants = make([]*Participant, len(g.Participants))
		for i, participant := range g.Participants {
			clone.Participants[i] = participant.Clone()
		}
	}
	return &clone
}

// Validate ensures the program and its stages are sane. Stage orders must
// form a contiguous 1-based sequence matching list position.
func (g *GrantProgram) Validate() error {
	if g == nil {
		return fmt.Errorf("%w: program must not be nil", ErrInvalidProgram)
	}
	if strings.TrimSpace(g.Name) == "" {
		return fmt.Errorf("%w: name required", ErrInvalidProgram)
	}
	if strings.TrimSpace(g.BankAccountNumber) == "" {
		return fmt.Errorf("%w: bank account number required", ErrInvalidProgram)
	}
	for i, stage := range g.Stages {
		if err := stage.Validate(); err != nil {
			return err
		}
		if stage.Order != i+1 {
			return fmt.Errorf("%w: stage orders must be sequential starting at 1", ErrInvalidProgram)
		}
	}
	return nil
}

// FindStage returns the stage with the supplied identifier.
func (g *GrantProgram) FindStage(id uuid.UUID) *Stage {
	if g == nil {
		return nil
	}
	for _, stage := range g.Stages {
		if stage != nil && stage.ID == id {
			return stage
		}
	}
	return nil
}

// FindRequirement locates a requirement across all stages and returns it with
// its owning stage.
func (g *GrantProgram) FindRequirement(id uuid.UUID) (*Stage, *Requirement) {
	if g == nil {
		return nil, nil
	}
	for _, stage := range g.Stages {
		if req := stage.FindRequirement(id); req != nil {
			return stage, req
		}
	}
	return nil, nil
}

// StagesCompleted reports whether every stage of the program has completed.
// Program status itself is owned by the caller; the engine only observes.
func (g *GrantProgram) StagesCompleted() bool {
	if g == nil || len(g.Stages) == 0 {
		return false
	}
	for _, stage := range g.Stages {
		if stage == nil || stage.Status != StageCompleted {
			return false
		}
	}
	return true
}
