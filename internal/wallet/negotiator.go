package wallet

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"avantemaps.app/internal/obs"
)

// Grant is the normalized result of a permission request.
type Grant struct {
	UID         string
	Username    string
	AccessToken string
	Scopes      []string
	// WalletAddress is empty when the wallet_address scope was withheld.
	// That is not an error; the caller decides whether to re-prompt.
	WalletAddress string
}

// Granted reports whether the grant includes the scope.
func (g *Grant) Granted(scope Scope) bool {
	return g != nil && HasScope(g.Scopes, scope)
}

// Negotiator obtains authorization scopes from the SDK and normalizes the
// result, tolerating partial grants. It performs no retries of its own;
// retry policy belongs to the coordinator.
type Negotiator struct {
	loader *Loader
	online func() bool

	mu            sync.Mutex
	pending       bool
	pendingScopes []Scope
}

// NewNegotiator constructs a Negotiator. The online probe may be nil, in
// which case the network is assumed reachable.
func NewNegotiator(loader *Loader, online func() bool) *Negotiator {
	return &Negotiator{loader: loader, online: online}
}

// RequestPermissions asks the SDK for the given scopes. It returns
// ErrOffline without touching the SDK when the network is down (the request
// is remembered for Resume), ErrSDKUnavailable when initialization fails,
// and ErrPermissionDenied when the SDK produced no usable grant.
func (n *Negotiator) RequestPermissions(ctx context.Context, scopes []Scope) (*Grant, error) {
	if n.online != nil && !n.online() {
		n.mu.Lock()
		n.pending = true
		n.pendingScopes = append([]Scope(nil), scopes...)
		n.mu.Unlock()
		obs.LogEvent("permissions.deferred_offline", map[string]any{"scopes": scopeStrings(scopes)})
		return nil, ErrOffline
	}

	ok, err := n.loader.Initialize(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSDKUnavailable, err)
	}
	if !ok {
		return nil, ErrSDKUnavailable
	}
	sdk, _ := n.loader.SDK()

	res, err := sdk.Authenticate(ctx, scopes, func(p IncompletePayment) {
		// Forwarded opaquely; the payment flow resolves these later.
		obs.LogEvent("payment.incomplete_reported", map[string]any{
			"payment_id": p.Identifier,
			"amount":     p.Amount,
		})
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPermissionDenied, err)
	}
	if res == nil || strings.TrimSpace(res.AccessToken) == "" || strings.TrimSpace(res.User.UID) == "" {
		return nil, ErrPermissionDenied
	}

	grant := &Grant{
		UID:         res.User.UID,
		Username:    res.User.Username,
		AccessToken: res.AccessToken,
		Scopes:      append([]string(nil), res.User.Roles...),
	}
	// Only read the wallet address when the role was actually granted.
	if HasScope(res.User.Roles, ScopeWalletAddress) {
		grant.WalletAddress = res.User.WalletAddress
	}
	return grant, nil
}

// Pending reports whether an offline-deferred request is waiting, along with
// the scopes it asked for.
func (n *Negotiator) Pending() ([]Scope, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.pending {
		return nil, false
	}
	return append([]Scope(nil), n.pendingScopes...), true
}

// Resume replays a deferred request once connectivity returns. It is a no-op
// returning (nil, nil) when nothing is pending.
func (n *Negotiator) Resume(ctx context.Context) (*Grant, error) {
	n.mu.Lock()
	if !n.pending {
		n.mu.Unlock()
		return nil, nil
	}
	scopes := n.pendingScopes
	n.pending = false
	n.pendingScopes = nil
	n.mu.Unlock()
	return n.RequestPermissions(ctx, scopes)
}

func scopeStrings(scopes []Scope) []string {
	out := make([]string, 0, len(scopes))
	for _, s := range scopes {
		out = append(out, string(s))
	}
	return out
}
