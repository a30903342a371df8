package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// PiSDK is an HTTP binding of the SDK interface against the Pi platform REST
// API. It lets the smoke CLI and integration tests drive the payment
// protocol from a Go process. Authenticate needs a pre-issued user access
// token since no interactive wallet prompt exists outside the browser.
type PiSDK struct {
	base      string
	userToken string
	client    *http.Client

	mu    sync.Mutex
	ready bool
	opts  InitOptions

	pollEvery time.Duration
}

// PiSDKOption configures the binding.
type PiSDKOption func(*PiSDK)

// WithHTTPClient overrides the HTTP client (tests point it at httptest servers).
func WithHTTPClient(c *http.Client) PiSDKOption {
	return func(s *PiSDK) {
		if c != nil {
			s.client = c
		}
	}
}

// WithPollInterval overrides the transaction poll cadence.
func WithPollInterval(d time.Duration) PiSDKOption {
	return func(s *PiSDK) {
		if d > 0 {
			s.pollEvery = d
		}
	}
}

// NewPiSDK constructs the binding for the given API base URL and user token.
func NewPiSDK(base, userToken string, opts ...PiSDKOption) *PiSDK {
	s := &PiSDK{
		base:      strings.TrimSuffix(base, "/"),
		userToken: userToken,
		client:    &http.Client{Timeout: 10 * time.Second},
		pollEvery: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Init performs a reachability handshake against the platform. A 401 still
// proves the endpoint is alive; only transport failures and 5xx count as
// init failures.
func (s *PiSDK) Init(ctx context.Context, opts InitOptions) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.base+"/v2/me", nil)
	if err != nil {
		return err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("pi sdk handshake: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return fmt.Errorf("pi sdk handshake: platform returned %d", resp.StatusCode)
	}

	s.mu.Lock()
	s.ready = true
	s.opts = opts
	s.mu.Unlock()
	return nil
}

type meResponse struct {
	UID         string `json:"uid"`
	Username    string `json:"username"`
	Credentials struct {
		Scopes []string `json:"scopes"`
	} `json:"credentials"`
	WalletAddress string `json:"wallet_address"`
}

// Authenticate resolves the user behind the configured access token. The
// scope argument is advisory here: the platform reports the scopes the token
// actually carries, and the negotiator applies its partial-grant rules on top.
func (s *PiSDK) Authenticate(ctx context.Context, scopes []Scope, onIncomplete func(IncompletePayment)) (*AuthResult, error) {
	if err := s.ensureReady(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(s.userToken) == "" {
		return nil, errors.New("pi sdk: no user access token configured")
	}

	var me meResponse
	if err := s.doJSON(ctx, http.MethodGet, "/v2/me", nil, &me); err != nil {
		return nil, err
	}
	if me.UID == "" {
		return nil, errors.New("pi sdk: platform returned no user")
	}
	return &AuthResult{
		AccessToken: s.userToken,
		User: User{
			UID:           me.UID,
			Username:      me.Username,
			Roles:         me.Credentials.Scopes,
			WalletAddress: me.WalletAddress,
		},
	}, nil
}

type createPaymentResponse struct {
	Identifier string `json:"identifier"`
}

type paymentResource struct {
	Identifier string `json:"identifier"`
	Status     struct {
		DeveloperApproved bool `json:"developer_approved"`
		Cancelled         bool `json:"cancelled"`
	} `json:"status"`
	Transaction *struct {
		TxID     string `json:"txid"`
		Verified bool   `json:"verified"`
	} `json:"transaction"`
}

// CreatePayment creates the payment on the network and drives the two-phase
// callback protocol: approval once the payment exists, completion once the
// network reports a signed transaction.
func (s *PiSDK) CreatePayment(ctx context.Context, data PaymentData, cb Callbacks) error {
	if err := s.ensureReady(); err != nil {
		s.fireError(cb, err)
		return err
	}

	var created createPaymentResponse
	if err := s.doJSON(ctx, http.MethodPost, "/v2/payments", map[string]any{"payment": data}, &created); err != nil {
		s.fireError(cb, err)
		return err
	}
	if created.Identifier == "" {
		err := errors.New("pi sdk: payment created without identifier")
		s.fireError(cb, err)
		return err
	}

	if cb.OnReadyForServerApproval != nil {
		if err := cb.OnReadyForServerApproval(ctx, created.Identifier); err != nil {
			s.fireError(cb, err)
			return err
		}
	}

	txid, cancelled, err := s.awaitTransaction(ctx, created.Identifier)
	if err != nil {
		s.fireError(cb, err)
		return err
	}
	if cancelled {
		if cb.OnCancel != nil {
			cb.OnCancel(created.Identifier)
		}
		return nil
	}

	if cb.OnReadyForServerCompletion != nil {
		if err := cb.OnReadyForServerCompletion(ctx, created.Identifier, txid); err != nil {
			s.fireError(cb, err)
			return err
		}
	}
	return nil
}

// awaitTransaction polls the payment until the user has signed it (txid
// present) or cancelled it.
func (s *PiSDK) awaitTransaction(ctx context.Context, paymentID string) (txid string, cancelled bool, err error) {
	lim := rate.NewLimiter(rate.Every(s.pollEvery), 1)
	for {
		if err := lim.Wait(ctx); err != nil {
			return "", false, err
		}
		var res paymentResource
		if err := s.doJSON(ctx, http.MethodGet, "/v2/payments/"+paymentID, nil, &res); err != nil {
			return "", false, err
		}
		if res.Status.Cancelled {
			return "", true, nil
		}
		if res.Transaction != nil && res.Transaction.TxID != "" {
			return res.Transaction.TxID, false, nil
		}
	}
}

func (s *PiSDK) ensureReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ready {
		return ErrSDKUnavailable
	}
	return nil
}

func (s *PiSDK) fireError(cb Callbacks, err error) {
	if cb.OnError != nil {
		cb.OnError(err, nil)
	}
}

func (s *PiSDK) doJSON(ctx context.Context, method, path string, body any, dst any) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, s.base+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+s.userToken)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("pi sdk: %s %s returned %d", method, path, resp.StatusCode)
	}
	if dst == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dst)
}
