package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"grantway/native/grants"
	"grantway/native/paymentrules"
)

// GrantProgram is the persisted root of a staged disbursement program.
type GrantProgram struct {
	ID                uuid.UUID `gorm:"type:uuid;primaryKey"`
	Name              string    `gorm:"size:255;index"`
	BankAccountNumber string    `gorm:"size:64"`
	Status            string    `gorm:"size:32;index"`
	CreatedByID       uuid.UUID `gorm:"type:uuid;index"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Stages            []Stage       `gorm:"constraint:OnDelete:CASCADE"`
	Participants      []Participant `gorm:"constraint:OnDelete:CASCADE"`
}

// Stage is one ordered tranche of a grant program.
type Stage struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	GrantProgramID uuid.UUID `gorm:"type:uuid;index"`
	Name           string    `gorm:"size:255"`
	Description    string    `gorm:"type:text"`
	Amount         float64   `gorm:"not null"`
	Order          int       `gorm:"column:stage_order;not null"`
	Status         string    `gorm:"size:32;index"`
	PaidOutAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Requirements   []Requirement `gorm:"constraint:OnDelete:CASCADE"`
}

// Requirement is a single gate within a stage.
type Requirement struct {
	ID               uuid.UUID `gorm:"type:uuid;primaryKey"`
	StageID          uuid.UUID `gorm:"type:uuid;index"`
	Name             string    `gorm:"size:255"`
	Description      string    `gorm:"type:text"`
	Status           string    `gorm:"size:32;index"`
	Gate             string    `gorm:"size:16"`
	ProofReference   string    `gorm:"size:512"`
	ProofSubmittedBy *uuid.UUID `gorm:"type:uuid"`
	ProofSubmittedAt *time.Time
	CompletedByID    *uuid.UUID `gorm:"type:uuid"`
	CompletedAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Participant links a user to a program under a role. Revoked bindings stay
// on the roster with Active=false.
type Participant struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	GrantProgramID uuid.UUID `gorm:"type:uuid;index"`
	UserID         uuid.UUID `gorm:"type:uuid;index"`
	Role           string    `gorm:"size:32"`
	Active         bool      `gorm:"index"`
	Name           string    `gorm:"size:255"`
	Email          string    `gorm:"size:255"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// PaymentContract stores a spend-rule contract, optionally bound to a
// requirement through the requirement description marker.
type PaymentContract struct {
	ID          uuid.UUID           `gorm:"type:uuid;primaryKey"`
	Name        string              `gorm:"size:255;index"`
	Type        string              `gorm:"size:32;index"`
	Description string              `gorm:"type:text"`
	Status      string              `gorm:"size:32;index"`
	Params      paymentrules.Params `gorm:"serializer:json"`
	CreatedByID uuid.UUID           `gorm:"type:uuid;index"`
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Domain converts the persisted contract for the rule evaluator.
func (c *PaymentContract) Domain() paymentrules.Contract {
	return paymentrules.Contract{
		ID:          c.ID,
		Name:        c.Name,
		Type:        c.Type,
		Description: c.Description,
		Status:      c.Status,
		Params:      c.Params.Clone(),
		CreatedAt:   c.CreatedAt,
	}
}

// Payout lifecycle states. An intent row is written before the rail is
// called; "sent" means funds moved but the stage has not yet settled.
const (
	PayoutInitiated = "initiated"
	PayoutSent      = "sent"
	PayoutSettled   = "settled"
	PayoutFailed    = "failed"
)

// Payout traces a stage disbursement across the payment rail call so that a
// failure between payment and stage completion leaves a reconcilable record.
type Payout struct {
	ID             uuid.UUID `gorm:"type:uuid;primaryKey"`
	GrantProgramID uuid.UUID `gorm:"type:uuid;index"`
	StageID        uuid.UUID `gorm:"type:uuid;index"`
	Amount         float64   `gorm:"not null"`
	Reference      string    `gorm:"size:128"`
	Status         string    `gorm:"size:16;index"`
	TransactionID  string    `gorm:"size:64"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Event is the audit trail for program, stage, and requirement transitions.
type Event struct {
	ID             uuid.UUID  `gorm:"type:uuid;primaryKey"`
	GrantProgramID *uuid.UUID `gorm:"type:uuid;index"`
	StageID        *uuid.UUID `gorm:"type:uuid;index"`
	RequirementID  *uuid.UUID `gorm:"type:uuid;index"`
	UserID         uuid.UUID  `gorm:"type:uuid;index"`
	Action         string     `gorm:"size:64"`
	Details        string     `gorm:"type:text"`
	CreatedAt      time.Time
}

// IdempotencyKey stores request idempotency metadata.
type IdempotencyKey struct {
	Key       string `gorm:"primaryKey;size:128"`
	RequestID string `gorm:"size:64"`
	Method    string `gorm:"size:8"`
	Path      string `gorm:"size:255"`
	Status    int
	Response  string `gorm:"type:text"`
	CreatedAt time.Time
}

// AutoMigrate performs all schema migrations for the service.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&GrantProgram{},
		&Stage{},
		&Requirement{},
		&Participant{},
		&PaymentContract{},
		&Payout{},
		&Event{},
		&IdempotencyKey{},
	)
}

// Domain converts the persisted program into the in-memory form the
// transition engine operates on. Stages are sorted by their tranche order
// regardless of row order.
func (p *GrantProgram) Domain() *grants.GrantProgram {
	program := &grants.GrantProgram{
		ID:                p.ID,
		Name:              p.Name,
		BankAccountNumber: p.BankAccountNumber,
		Status:            grants.ProgramStatus(p.Status),
		Stages:            make([]*grants.Stage, 0, len(p.Stages)),
		Participants:      make([]*grants.Participant, 0, len(p.Participants)),
	}
	stages := make([]Stage, len(p.Stages))
	copy(stages, p.Stages)
	sort.Slice(stages, func(i, j int) bool { return stages[i].Order < stages[j].Order })
	for i := range stages {
		program.Stages = append(program.Stages, stages[i].Domain())
	}
	for i := range p.Participants {
		participant := p.Participants[i]
		program.Participants = append(program.Participants, &grants.Participant{
			ID:        participant.ID,
			UserID:    participant.UserID,
			ProgramID: p.ID,
			Role:      grants.Role(participant.Role),
			Active:    participant.Active,
			Name:      participant.Name,
			Email:     participant.Email,
		})
	}
	return program
}

// Domain converts the persisted stage for the transition engine.
func (s *Stage) Domain() *grants.Stage {
	stage := &grants.Stage{
		ID:           s.ID,
		ProgramID:    s.GrantProgramID,
		Order:        s.Order,
		Amount:       s.Amount,
		Status:       grants.StageStatus(s.Status),
		Requirements: make([]*grants.Requirement, 0, len(s.Requirements)),
	}
	for i := range s.Requirements {
		stage.Requirements = append(stage.Requirements, s.Requirements[i].Domain())
	}
	return stage
}

// Domain converts the persisted requirement for the transition engine.
func (r *Requirement) Domain() *grants.Requirement {
	req := &grants.Requirement{
		ID:          r.ID,
		StageID:     r.StageID,
		Name:        r.Name,
		Description: r.Description,
		Gate:        grants.GateMode(r.Gate),
		Status:      grants.RequirementStatus(r.Status),
	}
	if r.ProofSubmittedBy != nil {
		req.Proof = &grants.Proof{
			SubmittedBy: *r.ProofSubmittedBy,
			Reference:   r.ProofReference,
		}
	}
	return req
}
