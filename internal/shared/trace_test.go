package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("TraceID(empty) = %q, want -", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("TraceID = %q, want %q", got, id)
	}
}

func TestScopeIDs(t *testing.T) {
	ctx := context.Background()
	ctx = WithProjectID(ctx, "proj-1")
	ctx = WithTurnID(ctx, "turn-1")
	ctx = WithSessionID(ctx, "sess-1")

	if got := ProjectID(ctx); got != "proj-1" {
		t.Fatalf("ProjectID = %q", got)
	}
	if got := TurnID(ctx); got != "turn-1" {
		t.Fatalf("TurnID = %q", got)
	}
	if got := SessionID(ctx); got != "sess-1" {
		t.Fatalf("SessionID = %q", got)
	}
}
