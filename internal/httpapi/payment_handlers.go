package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"avantemaps.app/internal/audit"
	"avantemaps.app/internal/auth"
	"avantemaps.app/internal/ledger"
	"avantemaps.app/internal/stream"
)

type approvePaymentRequest struct {
	PaymentID string         `json:"paymentId"`
	UserID    string         `json:"userId"`
	Amount    float64        `json:"amount"`
	Memo      string         `json:"memo"`
	Metadata  map[string]any `json:"metadata"`
}

type completePaymentRequest struct {
	PaymentID string         `json:"paymentId"`
	TxID      string         `json:"txid"`
	UserID    string         `json:"userId"`
	Amount    float64        `json:"amount"`
	Memo      string         `json:"memo"`
	Metadata  map[string]any `json:"metadata"`
}

type paymentIDRequest struct {
	PaymentID string `json:"paymentId"`
}

type paymentResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	PaymentID string `json:"paymentId,omitempty"`
	TxID      string `json:"txid,omitempty"`
}

type paymentStatusResponse struct {
	Success   bool                `json:"success"`
	Message   string              `json:"message"`
	PaymentID string              `json:"paymentId"`
	TxID      string              `json:"txid,omitempty"`
	Status    ledger.StatusRecord `json:"status"`
}

func (a *API) handleApprovePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req approvePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writePaymentFailure(w, http.StatusBadRequest, req.PaymentID, err.Error())
		return
	}
	if !a.callerMayActFor(r, req.UserID) {
		writePaymentFailure(w, http.StatusForbidden, req.PaymentID, "token does not match payment user")
		return
	}

	row, err := a.ledger.Approve(r.Context(), req.PaymentID, req.UserID, req.Amount, req.Memo, req.Metadata)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventPaymentApproved, map[string]any{
		"payment_id": row.ID,
		"amount":     row.Amount,
	})
	a.publish(stream.NewPaymentEvent(row.ID, row.UserID, row.Amount, "approved", ""))

	writeJSON(w, http.StatusOK, paymentResponse{
		Success:   true,
		Message:   "payment approved",
		PaymentID: row.ID,
	})
}

func (a *API) handleCompletePayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req completePaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writePaymentFailure(w, http.StatusBadRequest, req.PaymentID, err.Error())
		return
	}

	// Ownership is checked against the stored row, not the request body:
	// the body's userId is caller-supplied.
	stored, err := a.ledger.Status(r.Context(), req.PaymentID)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}
	if !a.callerOwns(r, stored.UserID) {
		writePaymentFailure(w, http.StatusForbidden, req.PaymentID, "token does not match payment user")
		return
	}
	if req.UserID != "" && strings.TrimSpace(req.UserID) != stored.UserID {
		writePaymentFailure(w, http.StatusForbidden, req.PaymentID, "userId does not match payment user")
		return
	}

	row, err := a.ledger.Complete(r.Context(), req.PaymentID, req.TxID)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventPaymentCompleted, map[string]any{
		"payment_id": row.ID,
		"txid":       row.TxID,
	})
	a.publish(stream.NewPaymentEvent(row.ID, row.UserID, row.Amount, "completed", row.TxID))

	writeJSON(w, http.StatusOK, paymentResponse{
		Success:   true,
		Message:   "payment completed",
		PaymentID: row.ID,
		TxID:      row.TxID,
	})
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req paymentIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writePaymentFailure(w, http.StatusBadRequest, req.PaymentID, err.Error())
		return
	}

	stored, err := a.ledger.Status(r.Context(), req.PaymentID)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}
	if !a.callerOwns(r, stored.UserID) {
		writePaymentFailure(w, http.StatusForbidden, req.PaymentID, "token does not match payment user")
		return
	}

	row, err := a.ledger.Cancel(r.Context(), req.PaymentID)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}

	_ = audit.LogEvent(r.Context(), audit.EventPaymentCancelled, map[string]any{
		"payment_id": row.ID,
	})
	a.publish(stream.NewPaymentEvent(row.ID, row.UserID, row.Amount, "cancelled", ""))

	writeJSON(w, http.StatusOK, paymentResponse{
		Success:   true,
		Message:   "payment cancelled",
		PaymentID: row.ID,
	})
}

func (a *API) handlePaymentStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req paymentIDRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writePaymentFailure(w, http.StatusBadRequest, req.PaymentID, err.Error())
		return
	}

	row, err := a.ledger.Status(r.Context(), req.PaymentID)
	if err != nil {
		handlePaymentError(w, req.PaymentID, err)
		return
	}

	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Success:   true,
		Message:   "payment status",
		PaymentID: row.ID,
		TxID:      row.TxID,
		Status:    row.Status,
	})
}

// callerMayActFor rejects requests whose bearer token belongs to a different
// user than the payment references. Requests without an authenticated user
// (auth disabled) pass through; an empty userId does not.
func (a *API) callerMayActFor(r *http.Request, userID string) bool {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return true
	}
	return strings.TrimSpace(userID) == uid
}

// callerOwns checks the authenticated user against the owner recorded on the
// stored payment row.
func (a *API) callerOwns(r *http.Request, rowUserID string) bool {
	uid, ok := auth.UserIDFromContext(r.Context())
	if !ok {
		return true
	}
	return rowUserID == uid
}

func (a *API) publish(evt stream.PaymentEvent) {
	if a.stream != nil {
		a.stream.Publish(evt)
	}
}

func handlePaymentError(w http.ResponseWriter, paymentID string, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount), errors.Is(err, ledger.ErrInvalidInput):
		writePaymentFailure(w, http.StatusBadRequest, paymentID, err.Error())
	case errors.Is(err, ledger.ErrNotFound), errors.Is(err, ledger.ErrNotApproved):
		writePaymentFailure(w, http.StatusNotFound, paymentID, err.Error())
	case errors.Is(err, ledger.ErrAlreadyCompleted), errors.Is(err, ledger.ErrAlreadyCancelled):
		writePaymentFailure(w, http.StatusConflict, paymentID, err.Error())
	case errors.Is(err, ledger.ErrNetwork):
		writePaymentFailure(w, http.StatusBadGateway, paymentID, err.Error())
	default:
		writePaymentFailure(w, http.StatusInternalServerError, paymentID, "internal error")
	}
}

func writePaymentFailure(w http.ResponseWriter, code int, paymentID, msg string) {
	writeJSON(w, code, paymentResponse{Success: false, Message: msg, PaymentID: paymentID})
}
