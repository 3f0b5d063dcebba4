package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"grantway/native/grants"
	"grantway/native/paymentrules"
	"grantway/services/grants-gateway/auth"
	"grantway/services/grants-gateway/bank"
	"grantway/services/grants-gateway/models"
)

var testAuthOptions = auth.Options{
	Secret:    "server-test-secret",
	Issuer:    "grantway",
	Audience:  "grants-gateway",
	ClockSkew: 30 * time.Second,
}

type testEnv struct {
	server  *Server
	ts      *httptest.Server
	db      *gorm.DB
	stub    *bank.StubGateway
	manager uuid.UUID
	grantee uuid.UUID
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, models.AutoMigrate(db))

	verifier, err := auth.NewVerifier(testAuthOptions)
	require.NoError(t, err)

	stub := bank.NewStubGateway()
	srv := New(Config{
		DB:           db,
		Bank:         stub,
		Verifier:     verifier,
		TreasuryCard: "4000111122223333",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &testEnv{
		server:  srv,
		ts:      ts,
		db:      db,
		stub:    stub,
		manager: uuid.New(),
		grantee: uuid.New(),
	}
}

func (env *testEnv) token(t *testing.T, subject uuid.UUID) string {
	t.Helper()
	raw, err := auth.IssueToken(testAuthOptions, subject, "", "", time.Hour)
	require.NoError(t, err)
	return raw
}

func (env *testEnv) request(t *testing.T, method, path, token string, body any, headers map[string]string) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, env.ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeResponse[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func (env *testEnv) createGrant(t *testing.T, payload grants.CreatePayload) models.GrantProgram {
	t.Helper()
	resp := env.request(t, http.MethodPost, "/api/v1/grants", env.token(t, env.manager), payload, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	return decodeResponse[models.GrantProgram](t, resp)
}

func twoStagePayload(env *testEnv) grants.CreatePayload {
	drafts := []grants.StageDraft{
		{Amount: 1000, Requirements: []grants.RequirementDraft{{Name: "Submit budget"}}},
		{Amount: 2500, Requirements: []grants.RequirementDraft{{Name: "Final report"}}},
	}
	participants := []grants.ParticipantSpec{
		{UserID: env.manager.String(), Role: grants.RoleGrantor},
		{UserID: env.grantee.String(), Role: grants.RoleGrantee},
	}
	return grants.BuildPayload("Community Fund", "ACCT-100", drafts, participants, nil)
}

func TestGrantLifecycle(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)
	granteeToken := env.token(t, env.grantee)

	program := env.createGrant(t, twoStagePayload(env))
	require.Equal(t, string(grants.ProgramDraft), program.Status)
	require.Len(t, program.Stages, 2)

	stage1 := program.Stages[0]
	req1 := stage1.Requirements[0]

	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage1.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Completion before requirements finish is rejected.
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage1.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/start", program.ID, req1.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/proof", program.ID, req1.ID), granteeToken,
		map[string]string{"reference": "s3://proofs/budget.pdf"}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	// Proof submission never completes the requirement.
	var stored models.Requirement
	require.NoError(t, env.db.First(&stored, "id = ?", req1.ID).Error)
	require.Equal(t, string(grants.RequirementActive), stored.Status)
	require.Equal(t, "s3://proofs/budget.pdf", stored.ProofReference)

	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req1.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage1.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completion := decodeResponse[map[string]string](t, resp)
	require.NotEmpty(t, completion["transaction_id"])

	// The tranche amount reached the payment rail.
	require.Equal(t, map[string]float64{completion["transaction_id"]: 1000}, env.stub.Payments())

	var storedStage models.Stage
	require.NoError(t, env.db.First(&storedStage, "id = ?", stage1.ID).Error)
	require.Equal(t, string(grants.StageCompleted), storedStage.Status)
	require.NotNil(t, storedStage.PaidOutAt)

	var payout models.Payout
	require.NoError(t, env.db.First(&payout, "stage_id = ?", stage1.ID).Error)
	require.Equal(t, models.PayoutSettled, payout.Status)
	require.Equal(t, completion["transaction_id"], payout.TransactionID)

	var storedProgram models.GrantProgram
	require.NoError(t, env.db.First(&storedProgram, "id = ?", program.ID).Error)
	require.Equal(t, string(grants.ProgramActive), storedProgram.Status)

	// Drive stage 2 to completion; the program follows.
	stage2 := program.Stages[1]
	req2 := stage2.Requirements[0]
	for _, step := range []string{
		fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage2.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/start", program.ID, req2.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req2.ID),
		fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage2.ID),
	} {
		resp = env.request(t, http.MethodPost, step, managerToken, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, step)
		resp.Body.Close()
	}

	require.NoError(t, env.db.First(&storedProgram, "id = ?", program.ID).Error)
	require.Equal(t, string(grants.ProgramCompleted), storedProgram.Status)

	var events int64
	require.NoError(t, env.db.Model(&models.Event{}).Where("grant_program_id = ?", program.ID).Count(&events).Error)
	require.Greater(t, events, int64(5))
}

func TestGranteeCannotManageMilestones(t *testing.T) {
	env := newTestEnv(t)
	program := env.createGrant(t, twoStagePayload(env))
	stage := program.Stages[0]

	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage.ID), env.token(t, env.grantee), nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// The denial left no transition behind.
	var stored models.Stage
	require.NoError(t, env.db.First(&stored, "id = ?", stage.ID).Error)
	require.Equal(t, string(grants.StagePending), stored.Status)
}

func TestStageActivationOrder(t *testing.T) {
	env := newTestEnv(t)
	program := env.createGrant(t, twoStagePayload(env))
	managerToken := env.token(t, env.manager)

	// Stage 2 cannot start while stage 1 is unfinished.
	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, program.Stages[1].ID), managerToken, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestCompleteRequirementStaleExpectation(t *testing.T) {
	env := newTestEnv(t)
	program := env.createGrant(t, twoStagePayload(env))
	managerToken := env.token(t, env.manager)
	stage := program.Stages[0]
	req := stage.Requirements[0]

	for _, step := range []string{
		fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/start", program.ID, req.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req.ID),
	} {
		resp := env.request(t, http.MethodPost, step, managerToken, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// A second completion observed "active" but the requirement moved on.
	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req.ID), managerToken, nil,
		map[string]string{"If-Match": string(grants.RequirementActive)})
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
}

func TestContractGatedRequirement(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)

	contractResp := env.request(t, http.MethodPost, "/api/v1/contracts", managerToken, contractRequest{
		Name: "groceries only",
		Type: paymentrules.TypeMCCLimit,
		Params: paymentrules.Params{
			AllowedMCC: []string{"5411"},
			MaxAmount:  500,
		},
	}, nil)
	require.Equal(t, http.StatusCreated, contractResp.StatusCode)
	contract := decodeResponse[models.PaymentContract](t, contractResp)

	drafts := []grants.StageDraft{{
		Amount:       750,
		Requirements: []grants.RequirementDraft{{Name: "placeholder"}},
		Contract:     &grants.ContractDraft{Enabled: true},
	}}
	payload := grants.BuildPayload("Food Support", "ACCT-200", drafts,
		[]grants.ParticipantSpec{{UserID: env.manager.String(), Role: grants.RoleGrantor}},
		map[int]string{0: contract.ID.String()})

	program := env.createGrant(t, payload)
	stage := program.Stages[0]
	require.Len(t, stage.Requirements, 1)
	req := stage.Requirements[0]
	require.Equal(t, string(grants.GateContract), req.Gate)

	for _, step := range []string{
		fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/start", program.ID, req.ID),
	} {
		resp := env.request(t, http.MethodPost, step, managerToken, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	// Manual paths are closed on a contract-gated requirement.
	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/proof", program.ID, req.ID), managerToken,
		map[string]string{"reference": "s3://nope"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// A denied execution is a normal result and leaves the requirement active.
	execPath := fmt.Sprintf("/api/v1/contracts/%s/execute", contract.ID)
	resp = env.request(t, http.MethodPost, execPath, managerToken, paymentrules.Transaction{
		Amount: 120, MCC: "5812", MerchantID: "m-1", CardNumber: "4000111122223333",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	denied := decodeResponse[executeResponse](t, resp)
	require.False(t, denied.Check.Allowed)
	require.NotEmpty(t, denied.Check.Reason)
	require.False(t, denied.RequirementCompleted)

	var stored models.Requirement
	require.NoError(t, env.db.First(&stored, "id = ?", req.ID).Error)
	require.Equal(t, string(grants.RequirementActive), stored.Status)

	// An allowed execution completes the bound requirement.
	resp = env.request(t, http.MethodPost, execPath, managerToken, paymentrules.Transaction{
		Amount: 120, MCC: "5411", MerchantID: "m-1", CardNumber: "4000111122223333",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	allowed := decodeResponse[executeResponse](t, resp)
	require.True(t, allowed.Check.Allowed)
	require.Empty(t, allowed.Check.Reason)
	require.True(t, allowed.RequirementCompleted)
	require.NotNil(t, allowed.RequirementID)
	require.Equal(t, req.ID, *allowed.RequirementID)

	require.NoError(t, env.db.First(&stored, "id = ?", req.ID).Error)
	require.Equal(t, string(grants.RequirementCompleted), stored.Status)

	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()
}

func TestPurchaseAgainstContracts(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)
	env.stub.SetBalance("4000111122223333", 10_000)
	env.stub.SetBalance("5100000000000000", 10_000)

	resp := env.request(t, http.MethodPost, "/api/v1/contracts", managerToken, contractRequest{
		Name: "no restaurants",
		Type: paymentrules.TypeMerchantBlock,
		Params: paymentrules.Params{
			ApplicableCards:  []string{"4000111122223333"},
			BlockedMerchants: []string{"bad-diner"},
		},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	// Blocked merchant on a governed card.
	resp = env.request(t, http.MethodPost, "/api/v1/purchase", managerToken, paymentrules.Transaction{
		Amount: 40, MerchantID: "bad-diner", CardNumber: "4000111122223333",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	blocked := decodeResponse[purchaseResponse](t, resp)
	require.False(t, blocked.Allowed)
	require.NotNil(t, blocked.ContractID)

	// A different card is not governed by the contract.
	resp = env.request(t, http.MethodPost, "/api/v1/purchase", managerToken, paymentrules.Transaction{
		Amount: 40, MerchantID: "bad-diner", CardNumber: "5100000000000000",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	allowed := decodeResponse[purchaseResponse](t, resp)
	require.True(t, allowed.Allowed)
	require.NotEmpty(t, allowed.TransactionID)

	// Baseline ceiling applies before any contract.
	resp = env.request(t, http.MethodPost, "/api/v1/purchase", managerToken, paymentrules.Transaction{
		Amount: 2_000_000, MerchantID: "m-1", CardNumber: "5100000000000000",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	overCeiling := decodeResponse[purchaseResponse](t, resp)
	require.False(t, overCeiling.Allowed)
}

func TestPurchaseInsufficientFunds(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)
	env.stub.SetBalance("4000111122223333", 25)

	resp := env.request(t, http.MethodPost, "/api/v1/purchase", managerToken, paymentrules.Transaction{
		Amount: 40, MerchantID: "m-1", CardNumber: "4000111122223333",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	denied := decodeResponse[purchaseResponse](t, resp)
	require.False(t, denied.Allowed)
	require.Contains(t, denied.Check.Reason, "insufficient funds")
	require.Empty(t, denied.TransactionID)

	// Nothing reached the payment rail.
	require.Empty(t, env.stub.Payments())

	// Topping up the card clears the denial.
	env.stub.SetBalance("4000111122223333", 100)
	resp = env.request(t, http.MethodPost, "/api/v1/purchase", managerToken, paymentrules.Transaction{
		Amount: 40, MerchantID: "m-1", CardNumber: "4000111122223333",
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	allowed := decodeResponse[purchaseResponse](t, resp)
	require.True(t, allowed.Allowed)
	require.NotEmpty(t, allowed.TransactionID)
}

func TestCardContracts(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)

	for _, req := range []contractRequest{
		{Name: "all cards cap", Type: paymentrules.TypeAmountLimit, Params: paymentrules.Params{MaxAmount: 100}},
		{Name: "one card only", Type: paymentrules.TypeCardRestriction, Params: paymentrules.Params{AllowedCards: []string{"4000111122223333"}, ApplicableCards: []string{"4000111122223333"}}},
	} {
		resp := env.request(t, http.MethodPost, "/api/v1/contracts", managerToken, req, nil)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		resp.Body.Close()
	}

	resp := env.request(t, http.MethodGet, "/api/v1/cards/5100000000000000/contracts", managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	contracts := decodeResponse[[]models.PaymentContract](t, resp)
	require.Len(t, contracts, 1)
	require.Equal(t, "all cards cap", contracts[0].Name)

	resp = env.request(t, http.MethodGet, "/api/v1/cards/4000111122223333/contracts", managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	contracts = decodeResponse[[]models.PaymentContract](t, resp)
	require.Len(t, contracts, 2)
}

func TestDeleteContractCreatorOnly(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)

	resp := env.request(t, http.MethodPost, "/api/v1/contracts", managerToken, contractRequest{
		Name: "cap", Type: paymentrules.TypeAmountLimit, Params: paymentrules.Params{MaxAmount: 100},
	}, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	contract := decodeResponse[models.PaymentContract](t, resp)

	resp = env.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/contracts/%s", contract.ID), env.token(t, env.grantee), nil, nil)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	resp = env.request(t, http.MethodDelete, fmt.Sprintf("/api/v1/contracts/%s", contract.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp.Body.Close()
}

func TestIdempotentCreate(t *testing.T) {
	env := newTestEnv(t)
	headers := map[string]string{"Idempotency-Key": "create-once"}

	first := env.request(t, http.MethodPost, "/api/v1/grants", env.token(t, env.manager), twoStagePayload(env), headers)
	require.Equal(t, http.StatusCreated, first.StatusCode)
	created := decodeResponse[models.GrantProgram](t, first)

	second := env.request(t, http.MethodPost, "/api/v1/grants", env.token(t, env.manager), twoStagePayload(env), headers)
	require.Equal(t, http.StatusCreated, second.StatusCode)
	replayed := decodeResponse[models.GrantProgram](t, second)
	require.Equal(t, created.ID, replayed.ID)

	var count int64
	require.NoError(t, env.db.Model(&models.GrantProgram{}).Count(&count).Error)
	require.Equal(t, int64(1), count)
}

func TestListGrantsScopedToParticipant(t *testing.T) {
	env := newTestEnv(t)
	env.createGrant(t, twoStagePayload(env))

	outsider := uuid.New()
	resp := env.request(t, http.MethodGet, "/api/v1/grants", env.token(t, outsider), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	programs := decodeResponse[[]models.GrantProgram](t, resp)
	require.Empty(t, programs)

	resp = env.request(t, http.MethodGet, "/api/v1/grants", env.token(t, env.grantee), nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	programs = decodeResponse[[]models.GrantProgram](t, resp)
	require.Len(t, programs, 1)
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)
	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	body := decodeResponse[map[string]string](t, resp)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "available", body["bank"])
}

func TestHealthzDegradedWhenBankUnreachable(t *testing.T) {
	env := newTestEnv(t)
	env.stub.SetHealthErr(fmt.Errorf("connection refused"))

	resp, err := http.Get(env.ts.URL + "/healthz")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeResponse[map[string]string](t, resp)
	require.Equal(t, "degraded", body["status"])
	require.Equal(t, "unreachable", body["bank"])
}

func TestStagePayoutFailureLeavesStageActive(t *testing.T) {
	env := newTestEnv(t)
	managerToken := env.token(t, env.manager)
	program := env.createGrant(t, twoStagePayload(env))
	stage := program.Stages[0]
	req := stage.Requirements[0]

	for _, step := range []string{
		fmt.Sprintf("/api/v1/grants/%s/stages/%s/activate", program.ID, stage.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/start", program.ID, req.ID),
		fmt.Sprintf("/api/v1/grants/%s/requirements/%s/complete", program.ID, req.ID),
	} {
		resp := env.request(t, http.MethodPost, step, managerToken, nil, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()
	}

	env.stub.SetPaymentErr(fmt.Errorf("rail offline"))
	resp := env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)
	resp.Body.Close()

	// The stage stays active and the failed attempt left a traceable record.
	var storedStage models.Stage
	require.NoError(t, env.db.First(&storedStage, "id = ?", stage.ID).Error)
	require.Equal(t, string(grants.StageActive), storedStage.Status)
	var payout models.Payout
	require.NoError(t, env.db.First(&payout, "stage_id = ?", stage.ID).Error)
	require.Equal(t, models.PayoutFailed, payout.Status)
	require.Empty(t, payout.TransactionID)

	// A retry after the rail recovers settles the stage and the payout.
	env.stub.SetPaymentErr(nil)
	resp = env.request(t, http.MethodPost, fmt.Sprintf("/api/v1/grants/%s/stages/%s/complete", program.ID, stage.ID), managerToken, nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	completion := decodeResponse[map[string]string](t, resp)

	require.NoError(t, env.db.First(&storedStage, "id = ?", stage.ID).Error)
	require.Equal(t, string(grants.StageCompleted), storedStage.Status)
	var settled models.Payout
	require.NoError(t, env.db.First(&settled, "stage_id = ? AND status = ?", stage.ID, models.PayoutSettled).Error)
	require.Equal(t, completion["transaction_id"], settled.TransactionID)
}
