package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFunctionServer(t *testing.T, handler func(path string, body map[string]any) (int, map[string]any)) *Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "Bearer api-token", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		code, resp := handler(r.URL.Path, body)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)
	return New(srv.URL, "api-token")
}

func TestApprove(t *testing.T) {
	var gotBody map[string]any
	c := newFunctionServer(t, func(path string, body map[string]any) (int, map[string]any) {
		require.Equal(t, "/functions/approve-payment", path)
		gotBody = body
		return http.StatusOK, map[string]any{"success": true, "message": "payment approved", "paymentId": body["paymentId"]}
	})

	err := c.Approve(context.Background(), ApprovePayload{
		PaymentID: "p1",
		UserID:    "u1",
		Amount:    5,
		Memo:      "subscription",
		Metadata:  map[string]any{"tier": "small-business"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", gotBody["paymentId"])
	assert.Equal(t, 5.0, gotBody["amount"])
}

func TestApproveRejected(t *testing.T) {
	c := newFunctionServer(t, func(path string, body map[string]any) (int, map[string]any) {
		return http.StatusBadRequest, map[string]any{"success": false, "message": "invalid amount"}
	})

	err := c.Approve(context.Background(), ApprovePayload{PaymentID: "p1", UserID: "u1", Amount: -1})
	assert.ErrorIs(t, err, ErrRejected)
	assert.Contains(t, err.Error(), "invalid amount")
}

func TestCompleteSendsFullPayload(t *testing.T) {
	var gotBody map[string]any
	c := newFunctionServer(t, func(path string, body map[string]any) (int, map[string]any) {
		require.Equal(t, "/functions/complete-payment", path)
		gotBody = body
		return http.StatusOK, map[string]any{"success": true, "message": "payment completed", "paymentId": "p1", "txid": "tx1"}
	})

	err := c.Complete(context.Background(), CompletePayload{
		PaymentID: "p1",
		TxID:      "tx1",
		UserID:    "u1",
		Amount:    5,
		Memo:      "subscription",
		Metadata:  map[string]any{"tier": "small-business"},
	})
	require.NoError(t, err)
	assert.Equal(t, "p1", gotBody["paymentId"])
	assert.Equal(t, "tx1", gotBody["txid"])
	assert.Equal(t, "u1", gotBody["userId"])
	assert.Equal(t, 5.0, gotBody["amount"])
	assert.Equal(t, "subscription", gotBody["memo"])
}

func TestDeclinedDespite200(t *testing.T) {
	// A success=false body on a 200 still counts as a rejection.
	c := newFunctionServer(t, func(path string, body map[string]any) (int, map[string]any) {
		return http.StatusOK, map[string]any{"success": false, "message": "declined"}
	})

	err := c.Complete(context.Background(), CompletePayload{PaymentID: "p1", TxID: "tx1", UserID: "u1", Amount: 5})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestStatus(t *testing.T) {
	c := newFunctionServer(t, func(path string, body map[string]any) (int, map[string]any) {
		require.Equal(t, "/functions/payment-status", path)
		return http.StatusOK, map[string]any{
			"success":   true,
			"paymentId": "p1",
			"txid":      "tx1",
			"status": map[string]any{
				"approved": true, "verified": true, "completed": true, "cancelled": false,
			},
		}
	})

	res, err := c.Status(context.Background(), "p1")
	require.NoError(t, err)
	assert.Equal(t, "tx1", res.TxID)
	assert.True(t, res.Status.Completed)
	assert.False(t, res.Status.Cancelled)
}

func TestCancel(t *testing.T) {
	var path string
	c := newFunctionServer(t, func(p string, body map[string]any) (int, map[string]any) {
		path = p
		return http.StatusOK, map[string]any{"success": true, "message": "payment cancelled"}
	})

	require.NoError(t, c.Cancel(context.Background(), "p1"))
	assert.Equal(t, "/functions/cancel-payment", path)
}
