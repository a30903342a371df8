package ledger

import (
	"context"
	"sync"
	"time"
)

// Store persists payment rows. Implementations must make InsertApproved a
// no-op for an existing id and must apply the Mark* transitions as single
// conditional writes so concurrent settlement attempts cannot both win.
type Store interface {
	// InsertApproved creates an approved row, or does nothing if a row
	// with the same id already exists.
	InsertApproved(ctx context.Context, p *Payment) error
	// Get returns a copy of the row or ErrNotFound.
	Get(ctx context.Context, id string) (*Payment, error)
	// MarkCompleted sets txid, verified and completed, but only on a row
	// that is approved and not yet terminal. Returns whether a row changed.
	MarkCompleted(ctx context.Context, id, txid string, at time.Time) (bool, error)
	// MarkCancelled sets cancelled, but only on a row that is not
	// completed. Returns whether a row changed.
	MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error)
	// RecordError stores the latest settlement error on the row.
	RecordError(ctx context.Context, id, msg string, at time.Time) error
}

// MemoryStore implements Store with in-process concurrency safety.
// Used by tests and by the API when no database is configured.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]*Payment
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Payment)}
}

func (s *MemoryStore) InsertApproved(ctx context.Context, p *Payment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[p.ID]; ok {
		return nil
	}
	s.rows[p.ID] = p.Clone()
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return row.Clone(), nil
}

func (s *MemoryStore) MarkCompleted(ctx context.Context, id, txid string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if !row.Status.Approved || row.Status.Terminal() {
		return false, nil
	}
	row.TxID = txid
	row.Status.Verified = true
	row.Status.Completed = true
	row.Status.Error = ""
	row.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) MarkCancelled(ctx context.Context, id string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return false, nil
	}
	if row.Status.Completed || row.Status.Cancelled {
		return false, nil
	}
	row.Status.Cancelled = true
	row.UpdatedAt = at
	return true, nil
}

func (s *MemoryStore) RecordError(ctx context.Context, id, msg string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	row.Status.Error = msg
	row.UpdatedAt = at
	return nil
}
