package server

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"grantway/native/grants"
	"grantway/native/paymentrules"
	"grantway/services/grants-gateway/auth"
	"grantway/services/grants-gateway/bank"
	gwmw "grantway/services/grants-gateway/middleware"
	"grantway/services/grants-gateway/models"
)

// Config captures the dependencies required to construct the server.
type Config struct {
	DB            *gorm.DB
	Bank          bank.Gateway
	Verifier      *auth.Verifier
	Observability *gwmw.Observability
	RateLimiter   *gwmw.RateLimiter
	Logger        *log.Logger
	Now           func() time.Time
	TreasuryCard  string
}

// Server exposes the grants workflow over HTTP.
type Server struct {
	DB           *gorm.DB
	Bank         bank.Gateway
	Verifier     *auth.Verifier
	Obs          *gwmw.Observability
	Limiter      *gwmw.RateLimiter
	Logger       *log.Logger
	Now          func() time.Time
	TreasuryCard string

	engine    *grants.Engine
	evaluator *paymentrules.Evaluator
	metrics   *serviceMetrics
	router    http.Handler
}

// New constructs a configured HTTP router with authentication, idempotency,
// rate limiting, and observability.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Bank == nil {
		cfg.Bank = bank.NewStubGateway()
	}
	srv := &Server{
		DB:           cfg.DB,
		Bank:         cfg.Bank,
		Verifier:     cfg.Verifier,
		Obs:          cfg.Observability,
		Limiter:      cfg.RateLimiter,
		Logger:       cfg.Logger,
		Now:          cfg.Now,
		TreasuryCard: cfg.TreasuryCard,
		engine:       grants.NewEngine(cfg.Now),
		evaluator:    paymentrules.NewEvaluator(cfg.Now),
	}
	if srv.Obs == nil {
		srv.Obs = gwmw.NewObservability(gwmw.ObservabilityConfig{Enabled: false}, cfg.Logger)
	}
	srv.metrics = newServiceMetrics(srv.Obs.Registry())
	srv.router = srv.buildRouter()
	return srv
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(gwmw.CORS(gwmw.CORSConfig{}))
	if s.Limiter != nil {
		r.Use(s.Limiter.Middleware)
	}

	r.Get("/healthz", s.Health)
	r.Method(http.MethodGet, "/metrics", s.Obs.MetricsHandler())

	r.Route("/api/v1", func(api chi.Router) {
		api.Use(s.Verifier.Middleware)
		api.Use(func(next http.Handler) http.Handler { return gwmw.WithIdempotency(s.DB, next) })

		api.With(s.Obs.Middleware("grants.create")).Post("/grants", s.CreateGrant)
		api.With(s.Obs.Middleware("grants.list")).Get("/grants", s.ListGrants)
		api.With(s.Obs.Middleware("grants.get")).Get("/grants/{id}", s.GetGrant)
		api.With(s.Obs.Middleware("stages.activate")).Post("/grants/{id}/stages/{stageID}/activate", s.ActivateStage)
		api.With(s.Obs.Middleware("stages.complete")).Post("/grants/{id}/stages/{stageID}/complete", s.CompleteStage)
		api.With(s.Obs.Middleware("requirements.start")).Post("/grants/{id}/requirements/{requirementID}/start", s.StartRequirement)
		api.With(s.Obs.Middleware("requirements.proof")).Post("/grants/{id}/requirements/{requirementID}/proof", s.SubmitProof)
		api.With(s.Obs.Middleware("requirements.complete")).Post("/grants/{id}/requirements/{requirementID}/complete", s.CompleteRequirement)

		api.With(s.Obs.Middleware("contracts.create")).Post("/contracts", s.CreateContract)
		api.With(s.Obs.Middleware("contracts.list")).Get("/contracts", s.ListContracts)
		api.With(s.Obs.Middleware("contracts.delete")).Delete("/contracts/{id}", s.DeleteContract)
		api.With(s.Obs.Middleware("contracts.execute")).Post("/contracts/{id}/execute", s.ExecuteContract)
		api.With(s.Obs.Middleware("cards.contracts")).Get("/cards/{card}/contracts", s.CardContracts)
		api.With(s.Obs.Middleware("purchase")).Post("/purchase", s.Purchase)
	})

	return r
}

// Health reports readiness of the database and the payment rail. A failing
// rail degrades the report without taking the service down.
func (s *Server) Health(w http.ResponseWriter, r *http.Request) {
	sqlDB, err := s.DB.DB()
	if err != nil || sqlDB.PingContext(r.Context()) != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "degraded", "database": "unreachable"})
		return
	}
	if err := s.Bank.Health(r.Context()); err != nil {
		s.writeJSON(w, http.StatusOK, map[string]string{"status": "degraded", "bank": "unreachable"})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "bank": "available"})
}

// loadProgram fetches a program with stages, requirements, and roster.
func (s *Server) loadProgram(db *gorm.DB, id uuid.UUID, lock bool) (*models.GrantProgram, error) {
	query := db.Preload("Stages.Requirements").Preload("Participants")
	if lock {
		query = query.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	var program models.GrantProgram
	if err := query.First(&program, "id = ?", id).Error; err != nil {
		return nil, err
	}
	return &program, nil
}

// transitionProgram loads the program under a row lock, lets the hook apply an
// engine transition to the domain view, and persists whatever the hook reports
// changed. Concurrent transitions on the same program serialize on the lock;
// stale expectations surface as state conflicts.
func (s *Server) transitionProgram(programID uuid.UUID, hook func(tx *gorm.DB, record *models.GrantProgram, domain *grants.GrantProgram) error) error {
	return s.DB.Transaction(func(tx *gorm.DB) error {
		record, err := s.loadProgram(tx, programID, true)
		if err != nil {
			return err
		}
		return hook(tx, record, record.Domain())
	})
}

func (s *Server) appendEvent(tx *gorm.DB, programID, stageID, requirementID *uuid.UUID, actor uuid.UUID, action, details string) error {
	event := models.Event{
		ID:             uuid.New(),
		GrantProgramID: programID,
		StageID:        stageID,
		RequirementID:  requirementID,
		UserID:         actor,
		Action:         action,
		Details:        details,
		CreatedAt:      s.Now(),
	}
	return tx.Create(&event).Error
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.Logger.Printf("write response: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// errForbidden marks roster authorization failures inside transitions.
var errForbidden = errors.New("not authorized to manage milestones")

// errPayout marks payment rail failures during stage completion.
var errPayout = errors.New("payout failed")

// handleWorkflowError extends handleDomainError with transition-local
// authorization and payout failures.
func (s *Server) handleWorkflowError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errForbidden):
		s.writeError(w, http.StatusForbidden, errForbidden.Error())
	case errors.Is(err, errPayout):
		s.writeError(w, http.StatusBadGateway, err.Error())
	default:
		s.handleDomainError(w, err)
	}
}

// handleDomainError maps core transition errors onto HTTP statuses.
func (s *Server) handleDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, grants.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, grants.ErrStateConflict):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, grants.ErrInvalidTransition),
		errors.Is(err, grants.ErrStageOutOfTurn),
		errors.Is(err, grants.ErrStageIncomplete),
		errors.Is(err, grants.ErrGateMismatch):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, grants.ErrInvalidPayload),
		errors.Is(err, grants.ErrInvalidProgram),
		errors.Is(err, grants.ErrInvalidStage),
		errors.Is(err, grants.ErrInvalidRequirement),
		errors.Is(err, paymentrules.ErrInvalidParams):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.Logger.Printf("internal error: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// requireClaims extracts the verified identity or writes a 401.
func (s *Server) requireClaims(w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	claims, err := auth.FromContext(r.Context())
	if err != nil {
		s.writeError(w, http.StatusUnauthorized, "missing identity")
		return nil, false
	}
	return claims, true
}
