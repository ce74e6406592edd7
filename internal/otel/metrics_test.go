package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.EventsApplied == nil {
		t.Error("EventsApplied is nil")
	}
	if m.FramesDropped == nil {
		t.Error("FramesDropped is nil")
	}
	if m.CorrelationMisses == nil {
		t.Error("CorrelationMisses is nil")
	}
	if m.Reconnects == nil {
		t.Error("Reconnects is nil")
	}
	if m.OpenSessions == nil {
		t.Error("OpenSessions is nil")
	}
	if m.PermissionsPending == nil {
		t.Error("PermissionsPending is nil")
	}
	if m.TokensObserved == nil {
		t.Error("TokensObserved is nil")
	}
	if m.ReconcileDuration == nil {
		t.Error("ReconcileDuration is nil")
	}
	if m.ReconcileReplaces == nil {
		t.Error("ReconcileReplaces is nil")
	}
	if m.HistoryFetchErrors == nil {
		t.Error("HistoryFetchErrors is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
