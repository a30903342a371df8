package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"avantemaps.app/internal/auth"
	"avantemaps.app/internal/obs"
)

func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	logger := obs.Logger()
	original := logger.Writer()
	logger.SetFlags(0)
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	t.Cleanup(func() { logger.SetOutput(original) })
	return &buf
}

func TestLogEvent(t *testing.T) {
	buf := captureLog(t)

	ctx := context.Background()
	ctx = WithRequestID(ctx, "req-123")
	ctx = auth.ContextWithUser(ctx, "user-42", []string{"payments"})

	if err := LogEvent(ctx, EventPaymentApproved, map[string]any{"payment_id": "p1"}); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var got entry
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if got.Type != "audit" || got.Event != EventPaymentApproved {
		t.Fatalf("unexpected entry: %+v", got)
	}
	if got.RequestID != "req-123" || got.UserID != "user-42" {
		t.Fatalf("context enrichment missing: %+v", got)
	}
	if got.Fields["payment_id"] != "p1" {
		t.Fatalf("fields missing or incorrect: %v", got.Fields)
	}
	if got.TS == "" {
		t.Fatalf("entry has no timestamp")
	}
}

func TestLogEventWithoutContext(t *testing.T) {
	buf := captureLog(t)

	if err := LogEvent(context.Background(), EventTokenIssued, nil); err != nil {
		t.Fatalf("LogEvent failed: %v", err)
	}

	var got entry
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("log not valid JSON: %v", err)
	}
	if got.RequestID != "" || got.UserID != "" {
		t.Fatalf("unexpected enrichment: %+v", got)
	}
	if got.Fields == nil {
		t.Fatalf("fields must marshal as an object, not null")
	}
}

func TestLogEventRejectsUnknownEvent(t *testing.T) {
	if err := LogEvent(context.Background(), Event("made.up"), nil); err != ErrUnknownEvent {
		t.Fatalf("expected ErrUnknownEvent, got %v", err)
	}
}
