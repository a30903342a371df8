// Package payment drives the two-phase payment protocol against the wallet
// SDK and the server-side payment functions.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"avantemaps.app/internal/config"
	"avantemaps.app/internal/identity"
	"avantemaps.app/internal/ledger/remote"
	"avantemaps.app/internal/obs"
	"avantemaps.app/internal/wallet"
)

// Result is what every payment attempt resolves to. Message is always set
// and suitable for direct display.
type Result struct {
	Success       bool   `json:"success"`
	PaymentID     string `json:"paymentId,omitempty"`
	TransactionID string `json:"transactionId,omitempty"`
	Message       string `json:"message"`
}

var (
	ErrNotAuthenticated = errors.New("payment: not authenticated")
	ErrInvalidAmount    = errors.New("payment: amount must be > 0")
	ErrWalletRequired   = errors.New("payment: wallet address required")
)

// Session exposes the authenticated identity the orchestrator acts for.
type Session interface {
	Current() (*identity.Identity, bool)
}

// Permissions re-requests wallet scopes when the stored grant is partial.
type Permissions interface {
	RequestPermissions(ctx context.Context, scopes []wallet.Scope) (*wallet.Grant, error)
}

// SDKSource provides an initialized wallet SDK.
type SDKSource interface {
	Initialize(ctx context.Context) (bool, error)
	SDK() wallet.SDK
}

// LoaderSource adapts a wallet.Loader to the SDKSource interface.
func LoaderSource(l *wallet.Loader) SDKSource { return loaderSource{l} }

type loaderSource struct{ loader *wallet.Loader }

func (s loaderSource) Initialize(ctx context.Context) (bool, error) {
	return s.loader.Initialize(ctx)
}

func (s loaderSource) SDK() wallet.SDK {
	sdk, _ := s.loader.SDK()
	return sdk
}

// Ledger is the server-side settlement surface.
type Ledger interface {
	Approve(ctx context.Context, p remote.ApprovePayload) error
	Complete(ctx context.Context, p remote.CompletePayload) error
	Cancel(ctx context.Context, paymentID string) error
}

// Orchestrator sequences approval and completion for one payment at a time.
type Orchestrator struct {
	session     Session
	permissions Permissions
	sdk         SDKSource
	ledger      Ledger

	callTimeout time.Duration
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithCallTimeout overrides the per-endpoint server call timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.callTimeout = d
		}
	}
}

// NewOrchestrator wires the orchestrator together.
func NewOrchestrator(session Session, permissions Permissions, sdk SDKSource, ledger Ledger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		session:     session,
		permissions: permissions,
		sdk:         sdk,
		ledger:      ledger,
		callTimeout: config.ServerCallTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Pay runs one subscription payment end to end. User cancellation resolves
// with Success=false and a nil error; every other failure returns an error
// alongside a displayable Result.
func (o *Orchestrator) Pay(ctx context.Context, amount float64, tier identity.Tier, frequency string) (Result, error) {
	id, ok := o.session.Current()
	if !ok || !id.HasScope(wallet.ScopePayments) {
		return Result{Message: "You need to log in before making a payment."}, ErrNotAuthenticated
	}
	if amount <= 0 {
		return Result{Message: "Payment amount must be greater than zero."}, ErrInvalidAmount
	}

	// A missing wallet address is tolerated at login but not here: downstream
	// completion needs it. Re-request just that one scope; some SDK
	// implementations grant scopes independently.
	if id.WalletAddress == "" {
		grant, err := o.permissions.RequestPermissions(ctx, []wallet.Scope{wallet.ScopeWalletAddress})
		if err != nil || grant == nil || grant.WalletAddress == "" {
			if err != nil {
				obs.LogEvent("payment.wallet_request_failed", map[string]any{"error": err.Error()})
			}
			return Result{Message: "A wallet permission is required to make payments. Please grant wallet access and try again."},
				ErrWalletRequired
		}
		id.WalletAddress = grant.WalletAddress
	}

	if ok, err := o.sdk.Initialize(ctx); err != nil || !ok {
		return Result{Message: "The payment service is not available right now. Please try again later."},
			wallet.ErrSDKUnavailable
	}

	data := wallet.PaymentData{
		Amount: amount,
		Memo:   fmt.Sprintf("Avante Maps %s subscription (%s)", tier, frequency),
		Metadata: map[string]any{
			"tier":      tier.String(),
			"frequency": frequency,
		},
	}

	var (
		mu        sync.Mutex
		outcome   *Result
		flowErr   error
		settled   bool
		paymentID string
	)
	resolve := func(res Result, err error) {
		mu.Lock()
		defer mu.Unlock()
		if outcome == nil {
			outcome = &res
			flowErr = err
		}
	}

	cb := wallet.Callbacks{
		OnReadyForServerApproval: func(cbCtx context.Context, pid string) error {
			mu.Lock()
			paymentID = pid
			mu.Unlock()

			callCtx, cancel := context.WithTimeout(cbCtx, o.callTimeout)
			defer cancel()
			err := o.ledger.Approve(callCtx, remote.ApprovePayload{
				PaymentID: pid,
				UserID:    id.UID,
				Amount:    amount,
				Memo:      data.Memo,
				Metadata:  data.Metadata,
			})
			if err != nil {
				resolve(Result{Message: approvalFailureMessage(err)}, err)
			}
			return err
		},
		OnReadyForServerCompletion: func(cbCtx context.Context, pid, txid string) error {
			mu.Lock()
			if settled {
				mu.Unlock()
				return nil
			}
			settled = true
			mu.Unlock()

			callCtx, cancel := context.WithTimeout(cbCtx, o.callTimeout)
			defer cancel()
			err := o.ledger.Complete(callCtx, remote.CompletePayload{
				PaymentID: pid,
				TxID:      txid,
				UserID:    id.UID,
				Amount:    amount,
				Memo:      data.Memo,
				Metadata:  data.Metadata,
			})
			if err != nil {
				resolve(Result{Message: completionFailureMessage(err)}, err)
				return err
			}
			resolve(Result{
				Success:       true,
				TransactionID: txid,
				Message:       "Payment successful. Thank you for subscribing!",
			}, nil)
			return nil
		},
		OnCancel: func(pid string) {
			// Tell the server so the row records the cancellation; the user
			// outcome does not depend on it.
			callCtx, cancel := context.WithTimeout(ctx, o.callTimeout)
			defer cancel()
			if err := o.ledger.Cancel(callCtx, pid); err != nil {
				obs.LogEvent("payment.cancel_notify_failed", map[string]any{
					"payment_id": pid,
					"error":      err.Error(),
				})
			}
			resolve(Result{Message: "Payment cancelled."}, nil)
		},
		OnError: func(err error, incomplete *wallet.IncompletePayment) {
			if incomplete != nil {
				obs.LogEvent("payment.incomplete_reported", map[string]any{"payment_id": incomplete.Identifier})
			}
			resolve(Result{Message: paymentErrorMessage(err)}, err)
		},
	}

	if err := o.sdk.SDK().CreatePayment(ctx, data, cb); err != nil {
		// The error callback normally resolved this already; cover SDK
		// implementations that only return the error.
		resolve(Result{Message: paymentErrorMessage(err)}, err)
	}

	mu.Lock()
	defer mu.Unlock()
	if outcome == nil {
		err := errors.New("payment: flow ended without an outcome")
		return Result{Message: "The payment did not finish. Please check your payment history before retrying."}, err
	}
	outcome.PaymentID = paymentID
	obs.LogEvent("payment.finished", map[string]any{
		"payment_id": paymentID,
		"success":    outcome.Success,
	})
	return *outcome, flowErr
}

func approvalFailureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The payment approval timed out. Please try again."
	}
	return "The payment could not be approved. Please try again."
}

func completionFailureMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "The payment completion timed out. Please check your payment history before retrying."
	}
	return "The payment could not be completed. Please check your payment history before retrying."
}

func paymentErrorMessage(err error) string {
	if err == nil {
		return "The payment failed."
	}
	if strings.Contains(strings.ToLower(err.Error()), "permission") {
		return "Payment permission has not been granted. Please log in again."
	}
	return "The payment failed: " + err.Error()
}
