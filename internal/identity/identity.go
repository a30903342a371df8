package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"avantemaps.app/internal/wallet"
)

// Identity is an authenticated principal. It is created by a successful
// authentication handshake, mutated by refreshes, and cleared on logout or
// session expiry.
type Identity struct {
	UID      string   `json:"uid"`
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	// WalletAddress may be absent when the wallet_address permission was withheld.
	WalletAddress string `json:"wallet_address,omitempty"`
	AccessToken   string `json:"access_token"`
	// LastAuthenticated is epoch milliseconds; monotonically non-decreasing
	// across successful logins and refreshes for the same UID.
	LastAuthenticated int64 `json:"last_authenticated"`
	Tier              Tier  `json:"subscription_tier"`
}

// HasScope reports whether the identity was granted the scope.
func (i *Identity) HasScope(scope wallet.Scope) bool {
	return i != nil && wallet.HasScope(i.Scopes, scope)
}

// LastAuthenticatedTime converts the epoch-ms stamp to a time.Time.
func (i *Identity) LastAuthenticatedTime() time.Time {
	return time.UnixMilli(i.LastAuthenticated)
}

// Clone returns a deep copy so callers cannot mutate coordinator state.
func (i *Identity) Clone() *Identity {
	if i == nil {
		return nil
	}
	out := *i
	out.Scopes = append([]string(nil), i.Scopes...)
	return &out
}

// ErrUserNotFound is returned by Directory lookups for unknown users.
var ErrUserNotFound = errors.New("identity: user not found")

// Directory is the external user-record collaborator: subscription tier
// lookups plus the best-effort mirror of select session fields.
type Directory interface {
	SubscriptionTier(ctx context.Context, uid string) (Tier, error)
	UpsertUser(ctx context.Context, id *Identity) error
}

// MemoryDirectory is an in-process Directory used by tests and the smoke CLI.
type MemoryDirectory struct {
	mu      sync.Mutex
	tiers   map[string]Tier
	users   map[string]*Identity
	lookups int
}

// NewMemoryDirectory constructs an empty directory.
func NewMemoryDirectory() *MemoryDirectory {
	return &MemoryDirectory{
		tiers: make(map[string]Tier),
		users: make(map[string]*Identity),
	}
}

// SetTier seeds a subscription tier.
func (d *MemoryDirectory) SetTier(uid string, tier Tier) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.tiers[uid] = tier
}

// Lookups reports how many tier lookups were served (used by throttling tests).
func (d *MemoryDirectory) Lookups() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lookups
}

func (d *MemoryDirectory) SubscriptionTier(ctx context.Context, uid string) (Tier, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lookups++
	tier, ok := d.tiers[uid]
	if !ok {
		return TierIndividual, nil
	}
	return tier, nil
}

func (d *MemoryDirectory) UpsertUser(ctx context.Context, id *Identity) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.users[id.UID] = id.Clone()
	return nil
}
