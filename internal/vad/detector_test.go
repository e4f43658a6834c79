package vad

import (
	"math"
	"testing"
	"time"
)

func newTestDetector(t *testing.T) *Detector {
	t.Helper()
	d, err := NewDetector(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}
	return d
}

func TestNewDetectorValidation(t *testing.T) {
	tests := []struct {
		name      string
		config    Config
		expectErr bool
	}{
		{name: "defaults", config: DefaultConfig()},
		{name: "zero hang", config: Config{ThresholdDB: -45, Hang: 0, Frame: 20 * time.Millisecond}},
		{name: "negative hang", config: Config{ThresholdDB: -45, Hang: -time.Millisecond, Frame: 20 * time.Millisecond}, expectErr: true},
		{name: "zero frame", config: Config{ThresholdDB: -45, Hang: 250 * time.Millisecond}, expectErr: true},
		{name: "nan threshold", config: Config{ThresholdDB: math.NaN(), Hang: 250 * time.Millisecond, Frame: 20 * time.Millisecond}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewDetector(tt.config)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Unexpected error: %v", err)
			}
		})
	}
}

func TestDetectorStartsQuiet(t *testing.T) {
	d := newTestDetector(t)

	if d.Speaking() {
		t.Error("New detector should not be speaking")
	}

	if _, ok := d.LastDB(); ok {
		t.Error("New detector should report no reading")
	}
}

func TestDetectorOnsetIsImmediate(t *testing.T) {
	d := newTestDetector(t)

	state := d.Update(-30)
	if !state.Speaking {
		t.Fatal("Expected speaking after a loud reading")
	}
	if state.HangRemaining != 250*time.Millisecond {
		t.Errorf("Expected full hang, got %v", state.HangRemaining)
	}
}

func TestDetectorThresholdIsStrict(t *testing.T) {
	d := newTestDetector(t)

	if d.Update(-45).Speaking {
		t.Error("A reading equal to the threshold must not count as speech")
	}
}

func TestDetectorHangover(t *testing.T) {
	d := newTestDetector(t)
	d.Update(-30)

	// 250ms hang at 20ms frames: 12 quiet readings leave 10ms, the 13th ends speech
	for i := 1; i <= 12; i++ {
		state := d.Update(-80)
		if !state.Speaking {
			t.Fatalf("Speech ended early after %d quiet readings", i)
		}
		want := 250*time.Millisecond - time.Duration(i)*20*time.Millisecond
		if state.HangRemaining != want {
			t.Errorf("Reading %d: expected hang %v, got %v", i, want, state.HangRemaining)
		}
	}

	state := d.Update(-80)
	if state.Speaking {
		t.Error("Expected quiet after the hang elapsed")
	}
	if state.HangRemaining != 0 {
		t.Errorf("Expected hang clamped to 0, got %v", state.HangRemaining)
	}
}

func TestDetectorLoudReadingResetsHang(t *testing.T) {
	d := newTestDetector(t)
	d.Update(-30)

	for i := 0; i < 10; i++ {
		d.Update(-80)
	}

	state := d.Update(-20)
	if state.HangRemaining != 250*time.Millisecond {
		t.Errorf("Expected hang reset to 250ms, got %v", state.HangRemaining)
	}

	stats := d.GetStats()
	if stats.Onsets != 1 {
		t.Errorf("Expected a single onset across the pause, got %d", stats.Onsets)
	}
}

func TestDetectorAdvanceUsesElapsed(t *testing.T) {
	d := newTestDetector(t)
	d.Advance(-30, 20*time.Millisecond)

	state := d.Advance(-80, 200*time.Millisecond)
	if !state.Speaking || state.HangRemaining != 50*time.Millisecond {
		t.Errorf("Expected speaking with 50ms left, got %+v", state)
	}

	state = d.Advance(-80, 100*time.Millisecond)
	if state.Speaking {
		t.Error("Expected quiet once elapsed time exceeds the hang")
	}
}

func TestDetectorIgnoresMissingReading(t *testing.T) {
	d := newTestDetector(t)
	d.Update(-30)

	before := d.State()
	after := d.Update(math.NaN())
	if before != after {
		t.Errorf("NaN reading changed state: %+v -> %+v", before, after)
	}

	if d.GetStats().TotalReadings != 1 {
		t.Errorf("Expected NaN reading to be ignored in stats")
	}
}

func TestDetectorZeroHang(t *testing.T) {
	d, err := NewDetector(Config{ThresholdDB: -45, Frame: 20 * time.Millisecond})
	if err != nil {
		t.Fatalf("Failed to create detector: %v", err)
	}

	if !d.Update(-10).Speaking {
		t.Fatal("Expected speaking")
	}
	if d.Update(-90).Speaking {
		t.Error("Expected quiet on the first quiet reading with no hang")
	}
}

func TestDetectorReset(t *testing.T) {
	d := newTestDetector(t)
	d.Update(-30)
	d.Reset()

	if d.Speaking() {
		t.Error("Expected quiet after reset")
	}

	stats := d.GetStats()
	if stats.TotalReadings != 0 || stats.Onsets != 0 {
		t.Errorf("Expected cleared stats, got %+v", stats)
	}
}
