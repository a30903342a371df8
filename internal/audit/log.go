// Package audit records payment and auth lifecycle transitions as JSON
// lines on the shared logger. Every entry names one of the known events
// below and carries whatever request and user identity the context holds.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"avantemaps.app/internal/auth"
	"avantemaps.app/internal/obs"
)

// Event names one auditable transition. The set is closed: handlers log
// these constants, never free-form strings.
type Event string

const (
	EventPaymentApproved  Event = "payment.approved"
	EventPaymentCompleted Event = "payment.completed"
	EventPaymentCancelled Event = "payment.cancelled"
	EventTokenIssued      Event = "auth.token.issued"
)

// ErrUnknownEvent is returned when an entry names an event outside the set.
var ErrUnknownEvent = errors.New("audit: unknown event")

var knownEvents = map[Event]struct{}{
	EventPaymentApproved:  {},
	EventPaymentCompleted: {},
	EventPaymentCancelled: {},
	EventTokenIssued:      {},
}

type ctxKey struct{}

// WithRequestID attaches the request identifier used to correlate audit
// entries with access logs.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

type entry struct {
	TS        string         `json:"ts"`
	Type      string         `json:"type"`
	Event     Event          `json:"event"`
	RequestID string         `json:"request_id,omitempty"`
	UserID    string         `json:"user_id,omitempty"`
	Fields    map[string]any `json:"fields"`
}

// LogEvent writes one audit entry. Fields are copied so callers may reuse
// the map.
func LogEvent(ctx context.Context, event Event, fields map[string]any) error {
	if _, ok := knownEvents[event]; !ok {
		return ErrUnknownEvent
	}
	e := entry{
		TS:     time.Now().UTC().Format(time.RFC3339Nano),
		Type:   "audit",
		Event:  event,
		Fields: make(map[string]any, len(fields)),
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	if ctx != nil {
		if rid, ok := ctx.Value(ctxKey{}).(string); ok {
			e.RequestID = rid
		}
		if uid, ok := auth.UserIDFromContext(ctx); ok {
			e.UserID = uid
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	obs.Logger().Println(string(data))
	return nil
}
