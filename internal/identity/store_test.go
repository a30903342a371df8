package identity

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionPath(t *testing.T) string {
	t.Helper()
	return filepath.Join(t.TempDir(), "session.json")
}

func testIdentity(lastAuth time.Time) *Identity {
	return &Identity{
		UID:               "u1",
		Username:          "pioneer",
		Scopes:            []string{"username", "payments"},
		AccessToken:       "tok-1",
		LastAuthenticated: lastAuth.UnixMilli(),
		Tier:              TierSmallBusiness,
	}
}

func TestPersistAndRestore(t *testing.T) {
	path := sessionPath(t)
	now := time.Now()
	store := NewStore(path, nil, WithClock(func() time.Time { return now }))

	id := testIdentity(now)
	require.NoError(t, store.Persist(id))

	restored := store.Restore()
	require.NotNil(t, restored)
	assert.Equal(t, "u1", restored.UID)
	assert.Equal(t, TierSmallBusiness, restored.Tier)
	assert.Equal(t, id.LastAuthenticated, restored.LastAuthenticated)
}

func TestRestoreExpiredSessionIsDiscarded(t *testing.T) {
	path := sessionPath(t)
	now := time.Now()
	store := NewStore(path, nil, WithClock(func() time.Time { return now }))

	require.NoError(t, store.Persist(testIdentity(now.Add(-25*time.Hour))))

	assert.Nil(t, store.Restore())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "expired record must be removed")
}

func TestRestoreTTLBoundary(t *testing.T) {
	now := time.Now()

	// Just inside the TTL: restored.
	store := NewStore(sessionPath(t), nil, WithClock(func() time.Time { return now }))
	require.NoError(t, store.Persist(testIdentity(now.Add(-SessionTTL+time.Minute))))
	assert.NotNil(t, store.Restore())

	// Exactly at the TTL: discarded.
	store2 := NewStore(sessionPath(t), nil, WithClock(func() time.Time { return now }))
	require.NoError(t, store2.Persist(testIdentity(now.Add(-SessionTTL))))
	assert.Nil(t, store2.Restore())
}

func TestRestoreCorruptRecordIsDiscarded(t *testing.T) {
	path := sessionPath(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	store := NewStore(path, nil)
	assert.Nil(t, store.Restore())
	_, err := os.Stat(path)
	assert.True(t, errors.Is(err, os.ErrNotExist), "corrupt record must be removed")
}

func TestRestoreMissingFile(t *testing.T) {
	store := NewStore(sessionPath(t), nil)
	assert.Nil(t, store.Restore())
}

type failingDirectory struct{}

func (failingDirectory) SubscriptionTier(ctx context.Context, uid string) (Tier, error) {
	return TierIndividual, errors.New("directory down")
}

func (failingDirectory) UpsertUser(ctx context.Context, id *Identity) error {
	return errors.New("directory down")
}

func TestPersistSurvivesMirrorFailure(t *testing.T) {
	path := sessionPath(t)
	store := NewStore(path, failingDirectory{})

	require.NoError(t, store.Persist(testIdentity(time.Now())),
		"local persistence is the source of truth; mirror failure is logged only")
	assert.NotNil(t, store.Restore())
}

func TestPersistMirrorsToDirectory(t *testing.T) {
	dir := NewMemoryDirectory()
	store := NewStore(sessionPath(t), dir)

	require.NoError(t, store.Persist(testIdentity(time.Now())))

	dir.mu.Lock()
	defer dir.mu.Unlock()
	if _, ok := dir.users["u1"]; !ok {
		t.Fatal("expected mirrored user record")
	}
}

func TestClear(t *testing.T) {
	path := sessionPath(t)
	store := NewStore(path, nil)
	require.NoError(t, store.Persist(testIdentity(time.Now())))

	store.Clear()
	assert.Nil(t, store.Restore())
	// Clearing twice is fine.
	store.Clear()
}
