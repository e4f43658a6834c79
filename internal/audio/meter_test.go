package audio

import (
	"math"
	"testing"
	"time"
)

func TestNewMeter(t *testing.T) {
	tests := []struct {
		name       string
		sampleRate int
		window     time.Duration
		expectSize int
		expectErr  bool
	}{
		{name: "48kHz 20ms", sampleRate: 48000, window: 20 * time.Millisecond, expectSize: 960},
		{name: "16kHz 20ms", sampleRate: 16000, window: 20 * time.Millisecond, expectSize: 320},
		{name: "44.1kHz 20ms rounds", sampleRate: 44100, window: 20 * time.Millisecond, expectSize: 882},
		{name: "zero sample rate", sampleRate: 0, window: 20 * time.Millisecond, expectErr: true},
		{name: "zero window", sampleRate: 48000, window: 0, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := NewMeter(tt.sampleRate, tt.window)
			if tt.expectErr {
				if err == nil {
					t.Error("Expected error but got none")
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if m.WindowSize() != tt.expectSize {
				t.Errorf("Expected window size %d, got %d", tt.expectSize, m.WindowSize())
			}
		})
	}
}

func TestMeterReadingCount(t *testing.T) {
	m, err := NewMeter(48000, DefaultMeterWindow)
	if err != nil {
		t.Fatalf("Failed to create meter: %v", err)
	}

	// Exactly 5 windows fed in odd-sized buffers
	total := 5 * m.WindowSize()
	samples := make([]float32, total)
	for i := range samples {
		samples[i] = float32(0.5 * math.Sin(2*math.Pi*440*float64(i)/48000))
	}

	var readings []Reading
	for start := 0; start < total; start += 700 {
		end := start + 700
		if end > total {
			end = total
		}
		readings = append(readings, m.Process(samples[start:end])...)
	}

	if len(readings) != 5 {
		t.Errorf("Expected 5 readings, got %d", len(readings))
	}

	if m.Pending() != 0 {
		t.Errorf("Expected empty window after exact multiple, got %d pending", m.Pending())
	}
}

func TestMeterPartialWindowEmitsNothing(t *testing.T) {
	m, _ := NewMeter(48000, DefaultMeterWindow)

	readings := m.Process(make([]float32, m.WindowSize()-1))
	if len(readings) != 0 {
		t.Errorf("Expected no readings for partial window, got %d", len(readings))
	}

	// One more sample closes the window mid-buffer; the rest carries over
	readings = m.Process(make([]float32, 10))
	if len(readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(readings))
	}
	if m.Pending() != 9 {
		t.Errorf("Expected 9 carried samples, got %d", m.Pending())
	}
}

func TestMeterDCLevel(t *testing.T) {
	for _, amplitude := range []float32{0.25, -0.5, 1.0} {
		m, _ := NewMeter(16000, DefaultMeterWindow)
		samples := make([]float32, m.WindowSize())
		for i := range samples {
			samples[i] = amplitude
		}

		readings := m.Process(samples)
		if len(readings) != 1 {
			t.Fatalf("Expected 1 reading, got %d", len(readings))
		}

		want := math.Abs(float64(amplitude))
		if math.Abs(readings[0].RMS-want) > 1e-6 {
			t.Errorf("amplitude %v: expected rms %v, got %v", amplitude, want, readings[0].RMS)
		}

		wantDB := 20 * math.Log10(want+1e-12)
		if math.Abs(readings[0].DB-wantDB) > 1e-6 {
			t.Errorf("amplitude %v: expected db %v, got %v", amplitude, wantDB, readings[0].DB)
		}
	}
}

func TestMeterSilence(t *testing.T) {
	m, _ := NewMeter(48000, DefaultMeterWindow)

	readings := m.Process(make([]float32, m.WindowSize()))
	if len(readings) != 1 {
		t.Fatalf("Expected 1 reading, got %d", len(readings))
	}

	if readings[0].RMS != 0 {
		t.Errorf("Expected zero rms, got %v", readings[0].RMS)
	}

	if readings[0].DB != SilenceDB {
		t.Errorf("Expected silence db %v, got %v", SilenceDB, readings[0].DB)
	}

	if math.Abs(SilenceDB-(-240)) > 1e-9 {
		t.Errorf("Expected silence constant -240, got %v", SilenceDB)
	}
}

func TestMeterWindowDuration(t *testing.T) {
	m, _ := NewMeter(48000, DefaultMeterWindow)
	if m.WindowDuration() != 20*time.Millisecond {
		t.Errorf("Expected 20ms, got %v", m.WindowDuration())
	}
}
