package wallet

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPiSDKInitToleratesUnauthorized(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "")
	err := sdk.Init(context.Background(), InitOptions{Version: "2.0", Sandbox: true})
	assert.NoError(t, err, "401 still proves the endpoint is reachable")
}

func TestPiSDKInitFailsOnServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "")
	err := sdk.Init(context.Background(), InitOptions{})
	assert.Error(t, err)
}

func TestPiSDKAuthenticate(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/me" {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"uid":      "u1",
			"username": "pioneer",
			"credentials": map[string]any{
				"scopes": []string{"username", "payments", "wallet_address"},
			},
			"wallet_address": "GA7X",
		})
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "user-token")
	require.NoError(t, sdk.Init(context.Background(), InitOptions{}))

	res, err := sdk.Authenticate(context.Background(), CanonicalScopes, nil)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.User.UID)
	assert.Equal(t, "user-token", res.AccessToken)
	assert.Equal(t, "GA7X", res.User.WalletAddress)
}

func TestPiSDKAuthenticateWithoutInit(t *testing.T) {
	sdk := NewPiSDK("http://127.0.0.1:0", "tok")
	_, err := sdk.Authenticate(context.Background(), CanonicalScopes, nil)
	assert.ErrorIs(t, err, ErrSDKUnavailable)
}

func TestPiSDKCreatePaymentDrivesTwoPhases(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"identifier": "p1"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/payments/p1":
			// First poll: not yet signed. Second: transaction available.
			if polls.Add(1) == 1 {
				_ = json.NewEncoder(w).Encode(map[string]any{"identifier": "p1"})
				return
			}
			_ = json.NewEncoder(w).Encode(map[string]any{
				"identifier":  "p1",
				"transaction": map[string]any{"txid": "tx1", "verified": true},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "user-token", WithPollInterval(time.Millisecond))
	require.NoError(t, sdk.Init(context.Background(), InitOptions{}))

	var approvedID, completedID, completedTx string
	err := sdk.CreatePayment(context.Background(), PaymentData{Amount: 5, Memo: "sub"}, Callbacks{
		OnReadyForServerApproval: func(ctx context.Context, paymentID string) error {
			approvedID = paymentID
			return nil
		},
		OnReadyForServerCompletion: func(ctx context.Context, paymentID, txid string) error {
			completedID, completedTx = paymentID, txid
			return nil
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", approvedID)
	assert.Equal(t, "p1", completedID)
	assert.Equal(t, "tx1", completedTx)
}

func TestPiSDKCreatePaymentCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"identifier": "p2"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/payments/p2":
			_ = json.NewEncoder(w).Encode(map[string]any{
				"identifier": "p2",
				"status":     map[string]any{"cancelled": true},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "user-token", WithPollInterval(time.Millisecond))
	require.NoError(t, sdk.Init(context.Background(), InitOptions{}))

	var cancelledID string
	completed := false
	err := sdk.CreatePayment(context.Background(), PaymentData{Amount: 5}, Callbacks{
		OnReadyForServerApproval: func(ctx context.Context, paymentID string) error { return nil },
		OnReadyForServerCompletion: func(ctx context.Context, paymentID, txid string) error {
			completed = true
			return nil
		},
		OnCancel: func(paymentID string) { cancelledID = paymentID },
	})
	require.NoError(t, err)
	assert.Equal(t, "p2", cancelledID)
	assert.False(t, completed)
}

func TestPiSDKCreatePaymentApprovalFailureStopsFlow(t *testing.T) {
	var txPolled atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/v2/payments":
			_ = json.NewEncoder(w).Encode(map[string]any{"identifier": "p3"})
		case r.Method == http.MethodGet && r.URL.Path == "/v2/payments/p3":
			txPolled.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"identifier":  "p3",
				"transaction": map[string]any{"txid": "tx3"},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	sdk := NewPiSDK(srv.URL, "user-token", WithPollInterval(time.Millisecond))
	require.NoError(t, sdk.Init(context.Background(), InitOptions{}))

	var errorSeen error
	completionCalled := false
	err := sdk.CreatePayment(context.Background(), PaymentData{Amount: 5}, Callbacks{
		OnReadyForServerApproval: func(ctx context.Context, paymentID string) error {
			return assert.AnError
		},
		OnReadyForServerCompletion: func(ctx context.Context, paymentID, txid string) error {
			completionCalled = true
			return nil
		},
		OnError: func(err error, payment *IncompletePayment) { errorSeen = err },
	})
	assert.Error(t, err)
	assert.ErrorIs(t, errorSeen, assert.AnError)
	assert.False(t, completionCalled, "completion must never run after a failed approval")
	assert.Equal(t, int32(0), txPolled.Load(), "no transaction polling after failed approval")
}
