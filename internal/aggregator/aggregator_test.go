package aggregator

import (
	"io"
	"log/slog"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestAggregator() *Aggregator {
	return New(registry.New(), testLogger(), metrics.NewMetrics(prometheus.NewRegistry()))
}

func hello(id, label string) protocol.Hello {
	return protocol.Hello{Role: protocol.RoleSource, ID: id, DeviceLabel: label}
}

func report(id string, db float64, speaking bool) protocol.Metrics {
	return protocol.Metrics{ID: id, DB: db, Speaking: speaking}
}

func TestHandleHelloCreatesRecord(t *testing.T) {
	a := newTestAggregator()

	if !a.Handle(hello("a", "Desk mic")) {
		t.Fatal("Expected source hello to change the registry")
	}

	rec, ok := a.Registry().Get("a")
	if !ok {
		t.Fatal("Record was not created")
	}
	if rec.Label != "Desk mic" || rec.DB != registry.DefaultDB {
		t.Errorf("Unexpected record: %+v", rec)
	}
}

func TestHandleObserverHelloIsNoop(t *testing.T) {
	a := newTestAggregator()

	if a.Handle(protocol.Hello{Role: protocol.RoleAggregator, ID: "viewer"}) {
		t.Error("Observer hello must not change the registry")
	}
	if a.Registry().Len() != 0 {
		t.Errorf("Expected empty registry, got %d records", a.Registry().Len())
	}
}

func TestHandleMetricsForUnknownID(t *testing.T) {
	a := newTestAggregator()

	a.Handle(report("ghost", -25, true))

	rec, ok := a.Registry().Get("ghost")
	if !ok {
		t.Fatal("Metrics for an unknown id must create a record")
	}
	if !rec.IsClosest {
		t.Error("Only speaking source should be closest")
	}
}

func TestHandleScenarios(t *testing.T) {
	a := newTestAggregator()
	a.Handle(hello("A", ""))
	a.Handle(hello("B", ""))

	// A louder than B, both speaking
	a.Handle(report("A", -30, true))
	a.Handle(report("B", -50, true))
	if got := a.Registry().Closest(); got != "A" {
		t.Fatalf("Scenario A: expected A closest, got %q", got)
	}

	// A falls quiet
	a.Handle(report("A", -60, false))
	if got := a.Registry().Closest(); got != "B" {
		t.Fatalf("Scenario B: expected B closest, got %q", got)
	}

	// Nobody speaking
	a.Handle(report("B", -60, false))
	if got := a.Registry().Closest(); got != "" {
		t.Fatalf("Scenario C: expected nobody closest, got %q", got)
	}
}

func TestHandleOverrideLastWriterWins(t *testing.T) {
	a := newTestAggregator()
	a.Handle(report("A", -30, true))
	a.Handle(report("B", -50, true))

	if !a.Handle(protocol.Ranking{Order: []protocol.RankEntry{{ID: "B", DB: -50}}}) {
		t.Fatal("Expected override to change the registry")
	}
	if got := a.Registry().Closest(); got != "B" {
		t.Fatalf("Expected override to make B closest, got %q", got)
	}

	// Another override for the same id changes nothing
	if a.Handle(protocol.Ranking{Order: []protocol.RankEntry{{ID: "B"}}}) {
		t.Error("Repeated override should be idempotent")
	}

	// The next local metrics re-run the election
	a.Handle(report("A", -30, true))
	if got := a.Registry().Closest(); got != "A" {
		t.Errorf("Expected fresh metrics to restore A, got %q", got)
	}
}

func TestHandleOverrideUnknownID(t *testing.T) {
	a := newTestAggregator()
	a.Handle(report("A", -30, true))

	tests := []struct {
		name  string
		order []protocol.RankEntry
	}{
		{"empty order", nil},
		{"unknown first id", []protocol.RankEntry{{ID: "Z"}, {ID: "A"}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if a.Handle(protocol.Ranking{Order: tt.order}) {
				t.Error("Expected no change")
			}
			if got := a.Registry().Closest(); got != "A" {
				t.Errorf("Expected A to stay closest, got %q", got)
			}
		})
	}
}

func TestHandleTranscriptAndReset(t *testing.T) {
	a := newTestAggregator()
	a.Handle(hello("A", ""))

	if a.Handle(protocol.Transcript{ID: "nobody", Text: "lost"}) {
		t.Error("Transcript for unknown id must be a no-op")
	}
	if !a.Handle(protocol.Transcript{ID: "A", Text: "good morning"}) {
		t.Error("Expected transcript to change the registry")
	}

	rec, _ := a.Registry().Get("A")
	if rec.Transcript != "good morning" {
		t.Errorf("Expected transcript, got %q", rec.Transcript)
	}

	if !a.Handle(protocol.Reset{}) {
		t.Error("Expected reset to change the registry")
	}
	if a.Registry().Len() != 0 {
		t.Errorf("Expected empty registry after reset, got %d", a.Registry().Len())
	}
	if a.Handle(protocol.Reset{}) {
		t.Error("Reset of an empty registry should report no change")
	}
}
