package stream

import (
	"context"
	"sync"
	"time"

	"avantemaps.app/internal/ids"
)

// PaymentEvent describes one payment lifecycle transition for live dashboards.
type PaymentEvent struct {
	ID        string    `json:"id"`
	PaymentID string    `json:"payment_id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Phase     string    `json:"phase"` // approved | completed | cancelled
	TxID      string    `json:"txid,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// NewPaymentEvent stamps an event with a fresh id and timestamp.
func NewPaymentEvent(paymentID, userID string, amount float64, phase, txid string) PaymentEvent {
	return PaymentEvent{
		ID:        ids.New(),
		PaymentID: paymentID,
		UserID:    userID,
		Amount:    amount,
		Phase:     phase,
		TxID:      txid,
		Timestamp: time.Now().UTC(),
	}
}

// Stream fan-outs payment events to all active subscribers (SSE clients).
type Stream struct {
	mu   sync.RWMutex
	subs map[int]chan PaymentEvent
	next int
}

// New initialises an empty stream.
func New() *Stream {
	return &Stream{subs: make(map[int]chan PaymentEvent)}
}

// Subscribe registers a subscriber and returns a channel which will receive
// events. The channel is closed when the provided context ends.
func (s *Stream) Subscribe(ctx context.Context) <-chan PaymentEvent {
	ch := make(chan PaymentEvent, 16)

	s.mu.Lock()
	id := s.next
	s.next++
	s.subs[id] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.subs, id)
		close(ch)
		s.mu.Unlock()
	}()

	return ch
}

// Publish fan-outs the event to all subscribers.
func (s *Stream) Publish(evt PaymentEvent) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, ch := range s.subs {
		select {
		case ch <- evt:
		default:
			// Drop when subscriber is slow to avoid blocking.
		}
	}
}
