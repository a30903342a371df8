package wallet

import (
	"context"
	"errors"
)

// Scope is a permission the wallet SDK can grant.
type Scope string

const (
	ScopeUsername      Scope = "username"
	ScopePayments      Scope = "payments"
	ScopeWalletAddress Scope = "wallet_address"
	ScopeEmail         Scope = "email"
)

// CanonicalScopes is the scope set requested by the standard login flow.
var CanonicalScopes = []Scope{ScopeUsername, ScopePayments, ScopeWalletAddress}

// InitOptions configures the SDK handshake.
type InitOptions struct {
	Version string
	Sandbox bool
}

// User is the profile the SDK returns after authentication. WalletAddress is
// populated only when the wallet_address scope was granted.
type User struct {
	UID           string   `json:"uid"`
	Username      string   `json:"username"`
	Roles         []string `json:"roles"`
	WalletAddress string   `json:"wallet_address,omitempty"`
}

// AuthResult is the outcome of a successful authenticate call.
type AuthResult struct {
	AccessToken string `json:"accessToken"`
	User        User   `json:"user"`
}

// IncompletePayment describes a payment the network reports as unfinished
// from a previous session.
type IncompletePayment struct {
	Identifier string  `json:"identifier"`
	Amount     float64 `json:"amount"`
	Memo       string  `json:"memo"`
	TxID       string  `json:"txid,omitempty"`
}

// PaymentData is the payload for a payment creation call.
type PaymentData struct {
	Amount   float64        `json:"amount"`
	Memo     string         `json:"memo"`
	Metadata map[string]any `json:"metadata"`
}

// Callbacks drive the two-phase payment protocol. The SDK invokes
// OnReadyForServerApproval once the payment exists on the network, then
// OnReadyForServerCompletion once the user has signed the transaction.
// Returning an error from either aborts the flow.
type Callbacks struct {
	OnReadyForServerApproval   func(ctx context.Context, paymentID string) error
	OnReadyForServerCompletion func(ctx context.Context, paymentID, txid string) error
	OnCancel                   func(paymentID string)
	OnError                    func(err error, payment *IncompletePayment)
}

// SDK is the wallet SDK surface consumed by the client core. Implementations
// must be safe for concurrent use.
type SDK interface {
	Init(ctx context.Context, opts InitOptions) error
	Authenticate(ctx context.Context, scopes []Scope, onIncomplete func(IncompletePayment)) (*AuthResult, error)
	CreatePayment(ctx context.Context, data PaymentData, cb Callbacks) error
}

var (
	// ErrSDKUnavailable means no SDK instance could be obtained at all.
	ErrSDKUnavailable = errors.New("wallet: sdk unavailable")
	// ErrInitFailed means initialization failed terminally after all attempts.
	ErrInitFailed = errors.New("wallet: sdk initialization failed")
	// ErrOffline means the network was unavailable and the request was deferred.
	ErrOffline = errors.New("wallet: offline")
	// ErrPermissionDenied means the SDK returned no usable grant.
	ErrPermissionDenied = errors.New("wallet: permission denied")
)

// HasScope reports whether the granted role list contains the scope.
func HasScope(roles []string, scope Scope) bool {
	for _, r := range roles {
		if r == string(scope) {
			return true
		}
	}
	return false
}
