package ledger

import (
	"context"
	"fmt"
	"time"

	"avantemaps.app/internal/obs"
)

// PaymentNetwork is the external settlement API the completion phase calls.
// The credential it uses is held server-side and never comes from a client.
type PaymentNetwork interface {
	CompletePayment(ctx context.Context, paymentID, txid string) error
}

// Service records payment lifecycle transitions. Approval is pure
// bookkeeping; completion is the only operation that talks to the payment
// network.
type Service struct {
	store   Store
	network PaymentNetwork
	now     func() time.Time
}

// Option configures Service behavior.
type Option func(*Service)

// WithServiceClock overrides the time source (useful for tests).
func WithServiceClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewService wires the ledger together.
func NewService(store Store, network PaymentNetwork, opts ...Option) *Service {
	s := &Service{store: store, network: network, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Approve inserts-or-no-ops an approved row keyed by paymentID. Calling it
// twice with the same id never creates a second row and never moves a
// settled row back to pending.
func (s *Service) Approve(ctx context.Context, paymentID, userID string, amount float64, memo string, metadata map[string]any) (*Payment, error) {
	if paymentID == "" || userID == "" {
		return nil, ErrInvalidInput
	}
	if amount <= 0 {
		return nil, ErrInvalidAmount
	}

	now := s.now().UTC()
	row := &Payment{
		ID:        paymentID,
		UserID:    userID,
		Amount:    amount,
		Memo:      memo,
		Metadata:  metadata,
		Status:    StatusRecord{Approved: true},
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.InsertApproved(ctx, row); err != nil {
		return nil, err
	}
	obs.ObservePayment("approved")
	obs.LogEvent("payment.approved", map[string]any{"payment_id": paymentID, "user_id": userID})
	return s.store.Get(ctx, paymentID)
}

// Complete settles an approved payment. It calls the payment network first;
// the row is marked completed only after the network confirms. A repeat call
// with the same txid is a no-op success, a repeat with a different txid is
// rejected.
func (s *Service) Complete(ctx context.Context, paymentID, txid string) (*Payment, error) {
	if paymentID == "" || txid == "" {
		return nil, ErrInvalidInput
	}

	row, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, ErrNotApproved
	}
	switch {
	case row.Status.Cancelled:
		return nil, ErrAlreadyCancelled
	case row.Status.Completed:
		if row.TxID == txid {
			return row, nil
		}
		return nil, ErrAlreadyCompleted
	case !row.Status.Approved:
		return nil, ErrNotApproved
	}

	if err := s.network.CompletePayment(ctx, paymentID, txid); err != nil {
		msg := err.Error()
		if recErr := s.store.RecordError(ctx, paymentID, msg, s.now().UTC()); recErr != nil {
			obs.LogEvent("payment.record_error_failed", map[string]any{"payment_id": paymentID, "error": recErr.Error()})
		}
		obs.ObservePayment("error")
		return nil, fmt.Errorf("%w: %s", ErrNetwork, msg)
	}

	changed, err := s.store.MarkCompleted(ctx, paymentID, txid, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		// Lost a race with another settle or a cancel; report what won.
		row, err = s.store.Get(ctx, paymentID)
		if err != nil {
			return nil, err
		}
		if row.Status.Completed && row.TxID == txid {
			return row, nil
		}
		if row.Status.Cancelled {
			return nil, ErrAlreadyCancelled
		}
		return nil, ErrAlreadyCompleted
	}

	obs.ObservePayment("completed")
	obs.LogEvent("payment.completed", map[string]any{"payment_id": paymentID, "txid": txid})
	return s.store.Get(ctx, paymentID)
}

// Cancel marks a payment cancelled unless it already completed. Cancelling
// twice is a no-op success.
func (s *Service) Cancel(ctx context.Context, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, ErrInvalidInput
	}
	row, err := s.store.Get(ctx, paymentID)
	if err != nil {
		return nil, err
	}
	if row.Status.Completed {
		return nil, ErrAlreadyCompleted
	}
	if row.Status.Cancelled {
		return row, nil
	}

	changed, err := s.store.MarkCancelled(ctx, paymentID, s.now().UTC())
	if err != nil {
		return nil, err
	}
	if !changed {
		return nil, ErrAlreadyCompleted
	}
	obs.ObservePayment("cancelled")
	obs.LogEvent("payment.cancelled", map[string]any{"payment_id": paymentID})
	return s.store.Get(ctx, paymentID)
}

// Status is a pure read.
func (s *Service) Status(ctx context.Context, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, ErrInvalidInput
	}
	return s.store.Get(ctx, paymentID)
}
