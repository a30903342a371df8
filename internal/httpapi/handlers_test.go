package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"avantemaps.app/internal/auth"
	"avantemaps.app/internal/ledger"
	"avantemaps.app/internal/platform"
	"avantemaps.app/internal/stream"
)

type fakeVerifier struct {
	scopes []string
}

func (f *fakeVerifier) Me(ctx context.Context, accessToken string) (*platform.User, error) {
	if accessToken != "pi-token" {
		return nil, platform.ErrUnauthorized
	}
	u := &platform.User{UID: "u1", Username: "pioneer", WalletAddress: "GA7X"}
	u.Credentials.Scopes = f.scopes
	return u, nil
}

type fakeSettler struct {
	calls atomic.Int32
	err   error
}

func (f *fakeSettler) CompletePayment(ctx context.Context, paymentID, txid string) error {
	f.calls.Add(1)
	return f.err
}

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
	settler *fakeSettler
	svc     *ledger.Service
}

func newTestAPI(t *testing.T, scopes ...string) *apiClient {
	t.Helper()

	t.Setenv("AVANTE_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	if scopes == nil {
		scopes = []string{"username", "payments", "wallet_address"}
	}
	settler := &fakeSettler{}
	svc := ledger.NewService(ledger.NewMemoryStore(), settler)
	api := New(ReadyProbe{}, "test", svc, &fakeVerifier{scopes: scopes}, WithStream(stream.New()))

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
		settler: settler,
		svc:     svc,
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken() string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{"accessToken": "pi-token"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) authHeader() map[string]string {
	return map[string]string{"Authorization": "Bearer " + c.obtainToken()}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthAndInfo(t *testing.T) {
	api := newTestAPI(t)

	resp := api.get("/healthz", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["service"] != "avante-api" {
		t.Fatalf("unexpected service name: %v", body["service"])
	}

	resp = api.get("/v1/info", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	info := decode[map[string]any](t, resp)
	if info["version"] != "test" {
		t.Fatalf("unexpected version: %v", info["version"])
	}
}

func TestAPIEnforcesAuth(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/functions/payment-status", map[string]any{"paymentId": "p1"}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	var errBody map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&errBody); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if errBody["error"] == "" {
		t.Fatalf("expected error message")
	}
}

func TestTokenExchange(t *testing.T) {
	api := newTestAPI(t)

	resp := api.post("/v1/auth/token", map[string]any{"accessToken": "pi-token"}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
	payload := decode[tokenResponse](t, resp)
	if payload.UID != "u1" || payload.Username != "pioneer" {
		t.Fatalf("unexpected user: %+v", payload)
	}

	// Forged access token.
	resp = api.post("/v1/auth/token", map[string]any{"accessToken": "forged"}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}

	// Missing token.
	resp = api.post("/v1/auth/token", map[string]any{"accessToken": ""}, nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestFunctionsRequirePaymentsScope(t *testing.T) {
	api := newTestAPI(t, "username")

	resp := api.post("/functions/payment-status", map[string]any{"paymentId": "p1"}, api.authHeader())
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
}
