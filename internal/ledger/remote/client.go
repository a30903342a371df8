// Package remote is the client-side binding for the payment functions API.
// The payment orchestrator calls it from the approval and completion
// callbacks of the wallet SDK.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ErrRejected means the server answered but declined the operation.
var ErrRejected = errors.New("remote: rejected")

// Client talks to the approve/complete/cancel/status payment functions.
type Client struct {
	base   string
	token  string
	client *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests point it at httptest servers).
func WithHTTPClient(c *http.Client) Option {
	return func(r *Client) {
		if c != nil {
			r.client = c
		}
	}
}

// New constructs a client for the given API base URL. token is the
// first-party API token obtained from the token exchange.
func New(base, token string, opts ...Option) *Client {
	r := &Client{
		base:   strings.TrimSuffix(base, "/"),
		token:  token,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// ApprovePayload carries everything the approval function persists.
type ApprovePayload struct {
	PaymentID string         `json:"paymentId"`
	UserID    string         `json:"userId"`
	Amount    float64        `json:"amount"`
	Memo      string         `json:"memo,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// CompletePayload is the completion request. It repeats the payment fields
// alongside the signed transaction id so the server can corroborate the
// caller against the stored row.
type CompletePayload struct {
	PaymentID string         `json:"paymentId"`
	TxID      string         `json:"txid"`
	UserID    string         `json:"userId"`
	Amount    float64        `json:"amount"`
	Memo      string         `json:"memo,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

type functionResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PaymentID string `json:"paymentId"`
	TxID      string `json:"txid"`
}

// StatusResult is the decoded payment-status response.
type StatusResult struct {
	PaymentID string `json:"paymentId"`
	TxID      string `json:"txid"`
	Status    struct {
		Approved  bool   `json:"approved"`
		Verified  bool   `json:"verified"`
		Completed bool   `json:"completed"`
		Cancelled bool   `json:"cancelled"`
		Error     string `json:"error"`
	} `json:"status"`
}

// Approve records the payment server-side before any funds move.
func (r *Client) Approve(ctx context.Context, p ApprovePayload) error {
	_, err := r.call(ctx, "/functions/approve-payment", p)
	return err
}

// Complete asks the server to settle the signed transaction.
func (r *Client) Complete(ctx context.Context, p CompletePayload) error {
	_, err := r.call(ctx, "/functions/complete-payment", p)
	return err
}

// Cancel marks the payment cancelled server-side.
func (r *Client) Cancel(ctx context.Context, paymentID string) error {
	_, err := r.call(ctx, "/functions/cancel-payment", map[string]any{
		"paymentId": paymentID,
	})
	return err
}

// Status fetches the current lifecycle state of a payment.
func (r *Client) Status(ctx context.Context, paymentID string) (*StatusResult, error) {
	payload, err := json.Marshal(map[string]any{"paymentId": paymentID})
	if err != nil {
		return nil, err
	}
	resp, err := r.post(ctx, "/functions/payment-status", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out struct {
		Success bool `json:"success"`
		StatusResult
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		return nil, fmt.Errorf("%w: payment-status returned %d", ErrRejected, resp.StatusCode)
	}
	return &out.StatusResult, nil
}

func (r *Client) call(ctx context.Context, path string, body any) (*functionResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	resp, err := r.post(ctx, path, payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out functionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("remote: %s returned %d with unreadable body", path, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK || !out.Success {
		msg := out.Message
		if msg == "" {
			msg = fmt.Sprintf("status %d", resp.StatusCode)
		}
		return nil, fmt.Errorf("%w: %s", ErrRejected, msg)
	}
	return &out, nil
}

func (r *Client) post(ctx context.Context, path string, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.base+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}
	return r.client.Do(req)
}
