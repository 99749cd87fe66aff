package shared

import (
	"context"
	"testing"

	"github.com/google/uuid"
)

func TestTraceID_DefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected '-', got %q", got)
	}
	ctx := WithTraceID(context.Background(), "")
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected '-' for empty trace id, got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	id := NewTraceID()
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("trace id is not a uuid: %v", err)
	}
	ctx := WithTraceID(context.Background(), id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("expected %q, got %q", id, got)
	}
}

func TestSessionAndAttemptID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if SessionID(ctx) != "" || AttemptID(ctx) != "" {
		t.Fatal("expected empty ids on bare context")
	}
	ctx = WithSessionID(ctx, "local-1")
	ctx = WithAttemptID(ctx, "attempt-1")
	if got := SessionID(ctx); got != "local-1" {
		t.Fatalf("session id = %q", got)
	}
	if got := AttemptID(ctx); got != "attempt-1" {
		t.Fatalf("attempt id = %q", got)
	}
	if NewAttemptID() == NewAttemptID() {
		t.Fatal("attempt ids should be unique")
	}
}
