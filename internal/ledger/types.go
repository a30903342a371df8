package ledger

import (
	"errors"
	"time"
)

// StatusRecord captures where a payment sits in the two-phase settlement
// flow. At most one of Completed/Cancelled may ever be true.
type StatusRecord struct {
	Approved  bool   `json:"approved"`
	Verified  bool   `json:"verified"`
	Completed bool   `json:"completed"`
	Cancelled bool   `json:"cancelled"`
	Error     string `json:"error,omitempty"`
}

// Terminal reports whether the payment reached a final state.
func (s StatusRecord) Terminal() bool { return s.Completed || s.Cancelled }

// Payment is one ledger row. The payment id is issued by the payment
// network, not by us, and the row is never deleted: it doubles as the
// audit trail for the settlement.
type Payment struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Amount    float64        `json:"amount"`
	Memo      string         `json:"memo,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	TxID      string         `json:"txid,omitempty"`
	Status    StatusRecord   `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Clone returns a deep copy safe to hand to callers.
func (p *Payment) Clone() *Payment {
	out := *p
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return &out
}

var (
	ErrNotFound         = errors.New("payment not found")
	ErrInvalidAmount    = errors.New("invalid amount (must be > 0)")
	ErrInvalidInput     = errors.New("invalid payment input")
	ErrNotApproved      = errors.New("payment not approved")
	ErrAlreadyCompleted = errors.New("payment already completed")
	ErrAlreadyCancelled = errors.New("payment already cancelled")
	ErrNetwork          = errors.New("payment network error")
)
