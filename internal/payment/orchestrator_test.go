package payment

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"avantemaps.app/internal/identity"
	"avantemaps.app/internal/ledger/remote"
	"avantemaps.app/internal/wallet"
)

type fakeSession struct {
	id *identity.Identity
}

func (f *fakeSession) Current() (*identity.Identity, bool) {
	if f.id == nil {
		return nil, false
	}
	return f.id.Clone(), true
}

type fakePerms struct {
	mu       sync.Mutex
	calls    [][]wallet.Scope
	err      error
	noWallet bool
}

func (f *fakePerms) RequestPermissions(ctx context.Context, scopes []wallet.Scope) (*wallet.Grant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, scopes)
	if f.err != nil {
		return nil, f.err
	}
	g := &wallet.Grant{UID: "u1", WalletAddress: "GA7X"}
	if f.noWallet {
		g.WalletAddress = ""
	}
	return g, nil
}

type fakeSDKSource struct {
	sdk    wallet.SDK
	initOK bool
}

func (f *fakeSDKSource) Initialize(ctx context.Context) (bool, error) { return f.initOK, nil }
func (f *fakeSDKSource) SDK() wallet.SDK                              { return f.sdk }

// paymentSDK drives the callback protocol according to a scripted mode.
type paymentSDK struct {
	mode string // happy | cancel | error | double-complete
	err  error
}

func (s *paymentSDK) Init(ctx context.Context, opts wallet.InitOptions) error { return nil }

func (s *paymentSDK) Authenticate(ctx context.Context, scopes []wallet.Scope, onIncomplete func(wallet.IncompletePayment)) (*wallet.AuthResult, error) {
	return nil, errors.New("not supported")
}

func (s *paymentSDK) CreatePayment(ctx context.Context, data wallet.PaymentData, cb wallet.Callbacks) error {
	if err := cb.OnReadyForServerApproval(ctx, "p1"); err != nil {
		if cb.OnError != nil {
			cb.OnError(err, nil)
		}
		return err
	}
	switch s.mode {
	case "cancel":
		cb.OnCancel("p1")
		return nil
	case "error":
		cb.OnError(s.err, nil)
		return s.err
	case "double-complete":
		_ = cb.OnReadyForServerCompletion(ctx, "p1", "tx1")
		_ = cb.OnReadyForServerCompletion(ctx, "p1", "tx1")
		return nil
	default:
		return cb.OnReadyForServerCompletion(ctx, "p1", "tx1")
	}
}

type recordingLedger struct {
	mu          sync.Mutex
	approves    []remote.ApprovePayload
	completes   []remote.CompletePayload
	cancels     []string
	approveErr  error
	completeErr error
	cancelErr   error
}

func (l *recordingLedger) Approve(ctx context.Context, p remote.ApprovePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.approves = append(l.approves, p)
	return l.approveErr
}

func (l *recordingLedger) Complete(ctx context.Context, p remote.CompletePayload) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.completes = append(l.completes, p)
	return l.completeErr
}

func (l *recordingLedger) Cancel(ctx context.Context, paymentID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cancels = append(l.cancels, paymentID)
	return l.cancelErr
}

func loggedInIdentity() *identity.Identity {
	return &identity.Identity{
		UID:           "u1",
		Username:      "pioneer",
		Scopes:        []string{"username", "payments", "wallet_address"},
		WalletAddress: "GA7X",
	}
}

func newOrchestrator(id *identity.Identity, sdk wallet.SDK, led Ledger, perms Permissions) *Orchestrator {
	return NewOrchestrator(
		&fakeSession{id: id},
		perms,
		&fakeSDKSource{sdk: sdk, initOK: true},
		led,
	)
}

func TestPayHappyPath(t *testing.T) {
	led := &recordingLedger{}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "happy"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "p1", res.PaymentID)
	assert.Equal(t, "tx1", res.TransactionID)
	assert.Contains(t, res.Message, "successful")

	require.Len(t, led.approves, 1)
	assert.Equal(t, "p1", led.approves[0].PaymentID)
	assert.Equal(t, "u1", led.approves[0].UserID)
	assert.Equal(t, "small-business", led.approves[0].Metadata["tier"])
	assert.Equal(t, "monthly", led.approves[0].Metadata["frequency"])
	require.Len(t, led.completes, 1)
	assert.Equal(t, "p1", led.completes[0].PaymentID)
	assert.Equal(t, "tx1", led.completes[0].TxID)
	assert.Equal(t, "u1", led.completes[0].UserID)
	assert.Equal(t, 5.0, led.completes[0].Amount)
}

func TestPayRequiresLogin(t *testing.T) {
	o := newOrchestrator(nil, &paymentSDK{}, &recordingLedger{}, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierIndividual, "monthly")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
	assert.False(t, res.Success)
	assert.NotEmpty(t, res.Message)
}

func TestPayRequiresPaymentsScope(t *testing.T) {
	id := loggedInIdentity()
	id.Scopes = []string{"username"}
	o := newOrchestrator(id, &paymentSDK{}, &recordingLedger{}, &fakePerms{})

	_, err := o.Pay(context.Background(), 5, identity.TierIndividual, "monthly")
	assert.ErrorIs(t, err, ErrNotAuthenticated)
}

func TestPayInvalidAmount(t *testing.T) {
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{}, &recordingLedger{}, &fakePerms{})

	_, err := o.Pay(context.Background(), 0, identity.TierIndividual, "monthly")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestPayRecoversMissingWallet(t *testing.T) {
	id := loggedInIdentity()
	id.WalletAddress = ""
	perms := &fakePerms{}
	led := &recordingLedger{}
	o := newOrchestrator(id, &paymentSDK{mode: "happy"}, led, perms)

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.NoError(t, err)
	assert.True(t, res.Success)

	require.Len(t, perms.calls, 1)
	assert.Equal(t, []wallet.Scope{wallet.ScopeWalletAddress}, perms.calls[0])
}

func TestPayFailsWhenWalletStillWithheld(t *testing.T) {
	id := loggedInIdentity()
	id.WalletAddress = ""
	led := &recordingLedger{}
	o := newOrchestrator(id, &paymentSDK{mode: "happy"}, led, &fakePerms{noWallet: true})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	assert.ErrorIs(t, err, ErrWalletRequired)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "wallet")
	assert.Empty(t, led.approves, "the payment must never start without a wallet address")
}

func TestApprovalFailureHaltsCompletion(t *testing.T) {
	led := &recordingLedger{approveErr: errors.New("approval declined")}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "happy"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "approved")
	assert.Empty(t, led.completes, "completion must never run after a failed approval")
}

func TestCancelResolvesNotRejects(t *testing.T) {
	led := &recordingLedger{}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "cancel"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.NoError(t, err, "user cancellation is not an error")
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "cancel")
	assert.Empty(t, led.completes)
	assert.Equal(t, []string{"p1"}, led.cancels, "the server must learn about the abandoned payment")
}

func TestCancelNotifyFailureStillResolves(t *testing.T) {
	led := &recordingLedger{cancelErr: errors.New("server unreachable")}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "cancel"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "cancel")
}

func TestCompletionRunsExactlyOnce(t *testing.T) {
	led := &recordingLedger{}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "double-complete"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Len(t, led.completes, 1, "settlement must happen exactly once")
}

func TestCompletionFailure(t *testing.T) {
	led := &recordingLedger{completeErr: errors.New("settlement declined")}
	o := newOrchestrator(loggedInIdentity(), &paymentSDK{mode: "happy"}, led, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.Error(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "completed")
}

func TestPermissionErrorMessage(t *testing.T) {
	sdk := &paymentSDK{mode: "error", err: errors.New("payments permission not granted")}
	o := newOrchestrator(loggedInIdentity(), sdk, &recordingLedger{}, &fakePerms{})

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	require.Error(t, err)
	assert.Contains(t, res.Message, "log in again")
}

func TestSDKUnavailable(t *testing.T) {
	o := NewOrchestrator(
		&fakeSession{id: loggedInIdentity()},
		&fakePerms{},
		&fakeSDKSource{sdk: &paymentSDK{}, initOK: false},
		&recordingLedger{},
	)

	res, err := o.Pay(context.Background(), 5, identity.TierSmallBusiness, "monthly")
	assert.ErrorIs(t, err, wallet.ErrSDKUnavailable)
	assert.NotEmpty(t, res.Message)
}
