package identity

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"avantemaps.app/internal/obs"
	"avantemaps.app/internal/wallet"
)

// State is the coordinator's externally visible auth state.
type State int

const (
	StateAnonymous State = iota
	StateAuthenticating
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	default:
		return "anonymous"
	}
}

const (
	defaultRefreshCooldown = 30 * time.Minute
	defaultTierCacheTTL    = 60 * time.Second
	defaultStartupDelay    = 2 * time.Second
)

// Coordinator orchestrates the loader, negotiator and session store into the
// login/logout/refresh surface the rest of the application uses.
type Coordinator struct {
	loader     *wallet.Loader
	negotiator *wallet.Negotiator
	store      *Store
	dir        Directory

	// Serializes login and refresh flows; concurrent callers join the
	// in-flight one instead of double-submitting the SDK authenticate call.
	group singleflight.Group

	mu          sync.Mutex
	current     *Identity
	state       State
	lastRefresh time.Time
	tierCache   map[string]tierEntry

	now             func() time.Time
	refreshCooldown time.Duration
	tierCacheTTL    time.Duration
	startupDelay    time.Duration
}

type tierEntry struct {
	tier Tier
	at   time.Time
}

// CoordinatorOption configures Coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithCoordinatorClock overrides the time source (useful for tests).
func WithCoordinatorClock(fn func() time.Time) CoordinatorOption {
	return func(c *Coordinator) {
		if fn != nil {
			c.now = fn
		}
	}
}

// WithRefreshCooldown overrides the refresh throttling window.
func WithRefreshCooldown(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.refreshCooldown = d
		}
	}
}

// WithTierCacheTTL overrides the subscription tier memo lifetime.
func WithTierCacheTTL(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.tierCacheTTL = d
		}
	}
}

// WithStartupRefreshDelay overrides the delay before the post-startup refresh.
func WithStartupRefreshDelay(d time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		if d > 0 {
			c.startupDelay = d
		}
	}
}

// NewCoordinator wires the coordinator together.
func NewCoordinator(loader *wallet.Loader, negotiator *wallet.Negotiator, store *Store, dir Directory, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		loader:          loader,
		negotiator:      negotiator,
		store:           store,
		dir:             dir,
		state:           StateAnonymous,
		tierCache:       make(map[string]tierEntry),
		now:             time.Now,
		refreshCooldown: defaultRefreshCooldown,
		tierCacheTTL:    defaultTierCacheTTL,
		startupDelay:    defaultStartupDelay,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Current returns a copy of the authenticated identity, if any.
func (c *Coordinator) Current() (*Identity, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	return c.current.Clone(), true
}

// State returns the current auth state.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Start restores a persisted session before any network work so callers can
// render an optimistic authenticated state immediately. SDK initialization
// happens lazily in the background, and a refresh is scheduled shortly after
// init and restore are both done. Returns whether a session was restored.
func (c *Coordinator) Start(ctx context.Context) bool {
	restored := c.store.Restore()
	if restored != nil {
		c.mu.Lock()
		c.current = restored
		c.state = StateAuthenticated
		c.mu.Unlock()
		obs.LogEvent("session.restored", map[string]any{"uid": restored.UID})
	}

	go func() {
		ok, err := c.loader.Initialize(ctx)
		if err != nil || !ok {
			obs.LogEvent("startup.sdk_init_incomplete", map[string]any{"ok": ok})
			return
		}
		timer := time.NewTimer(c.startupDelay)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		_ = c.RefreshUserData(ctx, false)
	}()

	return restored != nil
}

// Login performs the full authentication flow. Concurrent calls are
// coalesced: only one SDK authenticate call happens and every caller
// receives its outcome.
func (c *Coordinator) Login(ctx context.Context) error {
	_, err, _ := c.group.Do("auth-flow", func() (any, error) {
		return nil, c.login(ctx)
	})
	return err
}

func (c *Coordinator) login(ctx context.Context) error {
	c.mu.Lock()
	c.state = StateAuthenticating
	c.mu.Unlock()

	ok, err := c.loader.Initialize(ctx)
	if err != nil {
		return c.loginFailed(err, "error")
	}
	if !ok {
		return c.loginFailed(wallet.ErrSDKUnavailable, "error")
	}

	// Permission grant is a hard precondition: authentication never
	// proceeds without it.
	grant, err := c.negotiator.RequestPermissions(ctx, wallet.CanonicalScopes)
	if err != nil {
		result := "error"
		if errors.Is(err, wallet.ErrPermissionDenied) {
			result = "denied"
		}
		return c.loginFailed(err, result)
	}

	return c.completeLogin(ctx, grant)
}

// loginFailed reverts to the pre-login state: authenticated when a valid
// identity survives, anonymous otherwise. No partial state is persisted.
func (c *Coordinator) loginFailed(err error, result string) error {
	c.mu.Lock()
	if c.current != nil {
		c.state = StateAuthenticated
	} else {
		c.state = StateAnonymous
	}
	c.mu.Unlock()
	obs.ObserveLogin(result)
	obs.LogEvent("login.failed", map[string]any{"error": err.Error()})
	return err
}

func (c *Coordinator) completeLogin(ctx context.Context, grant *wallet.Grant) error {
	tier := c.resolveTier(ctx, grant.UID, false)

	nowMs := c.now().UnixMilli()
	c.mu.Lock()
	if cur := c.current; cur != nil && cur.UID == grant.UID && cur.LastAuthenticated > nowMs {
		// Never move the stamp backwards.
		nowMs = cur.LastAuthenticated
	}
	c.mu.Unlock()

	id := &Identity{
		UID:               grant.UID,
		Username:          grant.Username,
		Scopes:            append([]string(nil), grant.Scopes...),
		WalletAddress:     grant.WalletAddress,
		AccessToken:       grant.AccessToken,
		LastAuthenticated: nowMs,
		Tier:              tier,
	}

	if err := c.store.Persist(id); err != nil {
		c.store.Clear()
		c.mu.Lock()
		c.current = nil
		c.state = StateAnonymous
		c.mu.Unlock()
		obs.ObserveLogin("error")
		return err
	}

	c.mu.Lock()
	c.current = id
	c.state = StateAuthenticated
	// A fresh login is fresh data; the refresh cooldown starts now.
	c.lastRefresh = c.now()
	c.mu.Unlock()
	obs.ObserveLogin("ok")
	obs.LogEvent("login.ok", map[string]any{"uid": id.UID, "tier": id.Tier.String()})
	return nil
}

// Logout clears the session and transitions to anonymous. It never fails and
// performs no network calls.
func (c *Coordinator) Logout() {
	c.store.Clear()
	c.mu.Lock()
	uid := ""
	if c.current != nil {
		uid = c.current.UID
	}
	c.current = nil
	c.state = StateAnonymous
	c.mu.Unlock()
	obs.LogEvent("logout", map[string]any{"uid": uid})
}

// RefreshUserData re-resolves the subscription tier and re-requests a missing
// wallet address. It is a no-op without a current identity and is throttled
// to one run per cooldown window unless forced. The identity is persisted
// only when something materially changed.
func (c *Coordinator) RefreshUserData(ctx context.Context, force bool) error {
	_, err, _ := c.group.Do("auth-flow", func() (any, error) {
		return nil, c.refresh(ctx, force)
	})
	return err
}

func (c *Coordinator) refresh(ctx context.Context, force bool) error {
	c.mu.Lock()
	if c.current == nil {
		c.mu.Unlock()
		return nil
	}
	if !force && c.now().Sub(c.lastRefresh) < c.refreshCooldown {
		c.mu.Unlock()
		return nil
	}
	c.lastRefresh = c.now()
	cur := c.current.Clone()
	c.mu.Unlock()

	changed := false
	if tier := c.resolveTier(ctx, cur.UID, force); tier != cur.Tier {
		cur.Tier = tier
		changed = true
	}

	if cur.WalletAddress == "" {
		grant, err := c.negotiator.RequestPermissions(ctx, []wallet.Scope{wallet.ScopeWalletAddress})
		switch {
		case err != nil:
			obs.LogEvent("refresh.wallet_request_failed", map[string]any{"error": err.Error()})
		case grant != nil && grant.WalletAddress != "":
			cur.WalletAddress = grant.WalletAddress
			if grant.AccessToken != "" {
				cur.AccessToken = grant.AccessToken
			}
			if ms := c.now().UnixMilli(); ms > cur.LastAuthenticated {
				cur.LastAuthenticated = ms
			}
			changed = true
		}
	}

	if !changed {
		return nil
	}
	if err := c.store.Persist(cur); err != nil {
		return err
	}
	c.mu.Lock()
	if c.current != nil && c.current.UID == cur.UID {
		c.current = cur
	}
	c.mu.Unlock()
	obs.LogEvent("refresh.updated", map[string]any{"uid": cur.UID, "tier": cur.Tier.String()})
	return nil
}

// OnOnline resumes a permission request that was deferred while offline and,
// when it yields a grant, finishes the login it belonged to.
func (c *Coordinator) OnOnline(ctx context.Context) error {
	grant, err := c.negotiator.Resume(ctx)
	if err != nil || grant == nil {
		return err
	}
	return c.completeLogin(ctx, grant)
}

// resolveTier looks up the subscription tier with a short-lived memo cache so
// rapid refreshes don't hammer the directory. force bypasses the cache.
func (c *Coordinator) resolveTier(ctx context.Context, uid string, force bool) Tier {
	if !force {
		c.mu.Lock()
		entry, ok := c.tierCache[uid]
		c.mu.Unlock()
		if ok && c.now().Sub(entry.at) < c.tierCacheTTL {
			return entry.tier
		}
	}

	tier, err := c.dir.SubscriptionTier(ctx, uid)
	if err != nil {
		obs.LogEvent("tier.lookup_failed", map[string]any{"uid": uid, "error": err.Error()})
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.current != nil && c.current.UID == uid {
			return c.current.Tier
		}
		return TierIndividual
	}

	c.mu.Lock()
	c.tierCache[uid] = tierEntry{tier: tier, at: c.now()}
	c.mu.Unlock()
	return tier
}
