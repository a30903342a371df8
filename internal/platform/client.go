// Package platform is the server-side client for the Pi platform REST API.
// It authenticates with the application's server API key, which never leaves
// this process; user access tokens are only ever forwarded for verification.
package platform

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

var (
	// ErrUnauthorized means the platform rejected the presented credential.
	ErrUnauthorized = errors.New("platform: unauthorized")
	// ErrNotFound means the referenced payment does not exist on the platform.
	ErrNotFound = errors.New("platform: not found")
)

// Client talks to the Pi platform with a server-held API key.
type Client struct {
	base   string
	apiKey string
	client *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client (tests point it at httptest servers).
func WithHTTPClient(c *http.Client) Option {
	return func(p *Client) {
		if c != nil {
			p.client = c
		}
	}
}

// NewClient constructs a client for the given API base URL.
func NewClient(base, apiKey string, opts ...Option) *Client {
	p := &Client{
		base:   strings.TrimSuffix(base, "/"),
		apiKey: apiKey,
		client: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// User is the platform's view of an authenticated pioneer.
type User struct {
	UID         string `json:"uid"`
	Username    string `json:"username"`
	Credentials struct {
		Scopes []string `json:"scopes"`
	} `json:"credentials"`
	WalletAddress string `json:"wallet_address"`
}

// Payment is the platform's payment resource, trimmed to the fields the
// ledger consults.
type Payment struct {
	Identifier string  `json:"identifier"`
	UserUID    string  `json:"user_uid"`
	Amount     float64 `json:"amount"`
	Status     struct {
		DeveloperApproved   bool `json:"developer_approved"`
		TransactionVerified bool `json:"transaction_verified"`
		DeveloperCompleted  bool `json:"developer_completed"`
		Cancelled           bool `json:"cancelled"`
	} `json:"status"`
	Transaction *struct {
		TxID     string `json:"txid"`
		Verified bool   `json:"verified"`
	} `json:"transaction"`
}

// Me verifies a user access token and resolves the user behind it. The token
// comes from a client; a forged or expired one yields ErrUnauthorized.
func (p *Client) Me(ctx context.Context, accessToken string) (*User, error) {
	var user User
	if err := p.doJSON(ctx, http.MethodGet, "/v2/me", "Bearer "+accessToken, nil, &user); err != nil {
		return nil, err
	}
	if user.UID == "" {
		return nil, errors.New("platform: me returned no user")
	}
	return &user, nil
}

// Payment fetches a payment resource by its identifier.
func (p *Client) Payment(ctx context.Context, paymentID string) (*Payment, error) {
	var payment Payment
	if err := p.doJSON(ctx, http.MethodGet, "/v2/payments/"+paymentID, p.keyAuth(), nil, &payment); err != nil {
		return nil, err
	}
	return &payment, nil
}

// ApprovePayment tells the platform the server acknowledges the payment.
func (p *Client) ApprovePayment(ctx context.Context, paymentID string) error {
	return p.doJSON(ctx, http.MethodPost, "/v2/payments/"+paymentID+"/approve", p.keyAuth(), nil, nil)
}

// CompletePayment submits the signed transaction id for settlement. This is
// the call that finalizes the payment on the network.
func (p *Client) CompletePayment(ctx context.Context, paymentID, txid string) error {
	body := map[string]string{"txid": txid}
	return p.doJSON(ctx, http.MethodPost, "/v2/payments/"+paymentID+"/complete", p.keyAuth(), body, nil)
}

func (p *Client) keyAuth() string { return "Key " + p.apiKey }

func (p *Client) doJSON(ctx context.Context, method, path, authorization string, body, dst any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, p.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", authorization)

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ErrUnauthorized
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("platform: %s %s returned %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
