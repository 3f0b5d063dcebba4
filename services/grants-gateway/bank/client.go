package bank

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// PaymentStatus is the gateway's view of a disbursement.
type PaymentStatus struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
}

// Participant describes an account holder known to the payment network.
type Participant struct {
	ID   string `json:"participant_id"`
	Name string `json:"name"`
}

// Balance is the network's view of a card's available funds.
type Balance struct {
	CardNumber string  `json:"card_number"`
	Balance    float64 `json:"balance"`
	Currency   string  `json:"currency"`
}

// Gateway sends stage payouts to the payment network.
type Gateway interface {
	SendPayment(ctx context.Context, participantID string, amount float64, reference string) (PaymentStatus, error)
	PollTransaction(ctx context.Context, transactionID string) (PaymentStatus, error)
	IdentifyParticipant(ctx context.Context, participantID string) (Participant, error)
	GetBalance(ctx context.Context, cardNumber string) (Balance, error)
	Health(ctx context.Context) error
}

// Client talks to the payment network over HTTP.
type Client struct {
	baseURL string
	apiKey  string
	httpc   *http.Client
}

// NewClient builds a Client for the supplied base URL. When baseURL is empty
// the caller should use NewStubGateway instead.
func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpc:   &http.Client{Timeout: timeout},
	}
}

// SendPayment submits a disbursement to the network.
func (c *Client) SendPayment(ctx context.Context, participantID string, amount float64, reference string) (PaymentStatus, error) {
	payload := map[string]any{
		"participant_id": participantID,
		"amount":         amount,
		"reference":      reference,
	}
	var status PaymentStatus
	if err := c.do(ctx, http.MethodPost, "/payments", payload, &status); err != nil {
		return PaymentStatus{}, err
	}
	return status, nil
}

// PollTransaction fetches the current status of a submitted payment.
func (c *Client) PollTransaction(ctx context.Context, transactionID string) (PaymentStatus, error) {
	var status PaymentStatus
	if err := c.do(ctx, http.MethodGet, "/payments/"+transactionID, nil, &status); err != nil {
		return PaymentStatus{}, err
	}
	status.TransactionID = transactionID
	return status, nil
}

// IdentifyParticipant resolves an account holder on the network.
func (c *Client) IdentifyParticipant(ctx context.Context, participantID string) (Participant, error) {
	var participant Participant
	if err := c.do(ctx, http.MethodGet, "/participants/"+participantID, nil, &participant); err != nil {
		return Participant{}, err
	}
	return participant, nil
}

// GetBalance fetches the available funds on a card.
func (c *Client) GetBalance(ctx context.Context, cardNumber string) (Balance, error) {
	var balance Balance
	if err := c.do(ctx, http.MethodGet, "/balance/"+cardNumber, nil, &balance); err != nil {
		return Balance{}, err
	}
	return balance, nil
}

// Health probes the network's health endpoint.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body *bytes.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("bank: encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	} else {
		body = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("bank: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("bank: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("bank: %s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("bank: decode response: %w", err)
	}
	return nil
}

// StubGateway records payments against an in-memory ledger. It backs local
// development and tests when no payment network endpoint is configured.
type StubGateway struct {
	mu         sync.Mutex
	payments   map[string]stubPayment
	balances   map[string]float64
	paymentErr error
	healthErr  error
}

type stubPayment struct {
	participantID string
	amount        float64
	reference     string
}

// NewStubGateway builds a gateway seeded with the network's demo cards.
func NewStubGateway() *StubGateway {
	return &StubGateway{
		payments: make(map[string]stubPayment),
		balances: map[string]float64{
			"1234567812345678": 50_000,
			"8765432187654321": 100_000,
			"1111222233334444": 15_000,
		},
	}
}

// SetBalance seeds a card's ledger entry, for tests.
func (s *StubGateway) SetBalance(cardNumber string, amount float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[cardNumber] = amount
}

// SetPaymentErr forces subsequent SendPayment calls to fail, for tests.
func (s *StubGateway) SetPaymentErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paymentErr = err
}

// SetHealthErr forces subsequent Health calls to fail, for tests.
func (s *StubGateway) SetHealthErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.healthErr = err
}

// SendPayment records the payment and reports it settled immediately.
func (s *StubGateway) SendPayment(_ context.Context, participantID string, amount float64, reference string) (PaymentStatus, error) {
	if amount <= 0 {
		return PaymentStatus{}, fmt.Errorf("bank: amount must be positive")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.paymentErr != nil {
		return PaymentStatus{}, s.paymentErr
	}
	id := uuid.NewString()
	s.payments[id] = stubPayment{participantID: participantID, amount: amount, reference: reference}
	return PaymentStatus{TransactionID: id, Status: "completed"}, nil
}

// PollTransaction reports the recorded payment's status.
func (s *StubGateway) PollTransaction(_ context.Context, transactionID string) (PaymentStatus, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.payments[transactionID]; !ok {
		return PaymentStatus{}, fmt.Errorf("bank: unknown transaction %s", transactionID)
	}
	return PaymentStatus{TransactionID: transactionID, Status: "completed"}, nil
}

// IdentifyParticipant accepts any identifier.
func (s *StubGateway) IdentifyParticipant(_ context.Context, participantID string) (Participant, error) {
	return Participant{ID: participantID}, nil
}

// GetBalance reads the ledger. Unknown cards carry a zero balance.
func (s *StubGateway) GetBalance(_ context.Context, cardNumber string) (Balance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Balance{CardNumber: cardNumber, Balance: s.balances[cardNumber], Currency: "RUB"}, nil
}

// Health reports the configured state; the stub is healthy by default.
func (s *StubGateway) Health(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.healthErr
}

// Payments returns the recorded payments keyed by transaction id, for tests.
func (s *StubGateway) Payments() map[string]float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]float64, len(s.payments))
	for id, payment := range s.payments {
		out[id] = payment.amount
	}
	return out
}
