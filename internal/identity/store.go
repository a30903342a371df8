package identity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"avantemaps.app/internal/obs"
)

// SessionTTL is how long a persisted session stays valid. Enforced at read
// time only; there is no background eviction.
const SessionTTL = 24 * time.Hour

const mirrorTimeout = 10 * time.Second

// Store persists exactly one Identity at a well-known path. The local file is
// the source of truth for restore; select fields are mirrored to the user
// directory best-effort on every persist.
type Store struct {
	path string
	dir  Directory
	ttl  time.Duration
	now  func() time.Time
}

// StoreOption configures Store behavior.
type StoreOption func(*Store)

// WithTTL overrides the session time-to-live.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) StoreOption {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewStore constructs a Store writing to path. dir may be nil to disable
// mirroring.
func NewStore(path string, dir Directory, opts ...StoreOption) *Store {
	s := &Store{
		path: path,
		dir:  dir,
		ttl:  SessionTTL,
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Restore reads the persisted record. A missing, corrupted, or expired
// record yields nil; corrupted and expired records are removed so they can
// never be silently reused.
func (s *Store) Restore() *Identity {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			obs.LogEvent("session.restore.read_failed", map[string]any{"error": err.Error()})
		}
		return nil
	}

	var id Identity
	if err := json.Unmarshal(data, &id); err != nil || id.UID == "" {
		obs.LogEvent("session.restore.corrupt", map[string]any{"path": s.path})
		s.Clear()
		return nil
	}

	age := s.now().Sub(id.LastAuthenticatedTime())
	if age >= s.ttl {
		obs.LogEvent("session.restore.expired", map[string]any{
			"uid":     id.UID,
			"age_sec": int64(age.Seconds()),
		})
		s.Clear()
		return nil
	}
	return &id
}

// Persist serializes and overwrites the single stored record (atomic
// tmp+rename), then mirrors tier and wallet address to the user directory.
// The mirror write is best-effort: its failure is logged, never raised.
func (s *Store) Persist(id *Identity) error {
	if id == nil || id.UID == "" {
		return errors.New("identity: nothing to persist")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return err
	}

	if s.dir != nil {
		ctx, cancel := context.WithTimeout(context.Background(), mirrorTimeout)
		defer cancel()
		if err := s.dir.UpsertUser(ctx, id); err != nil {
			obs.LogEvent("session.mirror.failed", map[string]any{
				"uid":   id.UID,
				"error": err.Error(),
			})
		}
	}
	return nil
}

// Clear removes the stored record unconditionally.
func (s *Store) Clear() {
	_ = os.Remove(s.path)
}
