package audio

import (
	"fmt"
	"math"
	"time"
)

const (
	// DefaultMeterWindow is the span of audio summarised by one reading
	DefaultMeterWindow = 20 * time.Millisecond

	// dbEpsilon keeps log10 finite on digital silence
	dbEpsilon = 1e-12
)

// SilenceDB is the level reported for a window of all-zero samples
var SilenceDB = 20 * math.Log10(dbEpsilon)

// Reading is one loudness measurement over a full meter window
type Reading struct {
	RMS float64 `json:"rms"`
	DB  float64 `json:"db"` // dBFS
}

// Meter turns a continuous stream of float samples into fixed-window loudness readings.
// A Meter belongs to exactly one source and is not safe for concurrent use.
type Meter struct {
	sampleRate int
	windowSize int // samples per reading (960 for 20ms at 48kHz)

	sumSquares float64
	count      int

	// Statistics
	totalReadings uint64
	totalSamples  uint64
}

// NewMeter creates a meter producing one reading per window of audio
func NewMeter(sampleRate int, window time.Duration) (*Meter, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}

	if window <= 0 {
		return nil, fmt.Errorf("meter window must be positive, got %v", window)
	}

	windowSize := int(math.Round(float64(sampleRate) * window.Seconds()))
	if windowSize < 1 {
		return nil, fmt.Errorf("meter window %v is shorter than one sample at %d Hz", window, sampleRate)
	}

	return &Meter{
		sampleRate: sampleRate,
		windowSize: windowSize,
	}, nil
}

// Process accumulates samples and returns the readings for every window that closed.
// Window boundaries are independent of buffer boundaries: leftover samples carry
// into the next call, and a partially filled window never produces a reading.
func (m *Meter) Process(samples []float32) []Reading {
	var readings []Reading

	for _, s := range samples {
		v := float64(s)
		m.sumSquares += v * v
		m.count++

		if m.count >= m.windowSize {
			rms := math.Sqrt(m.sumSquares / float64(m.count))
			readings = append(readings, Reading{
				RMS: rms,
				DB:  20 * math.Log10(rms+dbEpsilon),
			})
			m.sumSquares = 0
			m.count = 0
			m.totalReadings++
		}
	}

	m.totalSamples += uint64(len(samples))
	return readings
}

// WindowSize returns the number of samples per reading
func (m *Meter) WindowSize() int {
	return m.windowSize
}

// WindowDuration returns the audio time covered by one reading
func (m *Meter) WindowDuration() time.Duration {
	return time.Duration(m.windowSize) * time.Second / time.Duration(m.sampleRate)
}

// Pending returns the number of samples waiting in the open window
func (m *Meter) Pending() int {
	return m.count
}

// TotalReadings returns how many readings have been emitted
func (m *Meter) TotalReadings() uint64 {
	return m.totalReadings
}

// Reset discards the open window
func (m *Meter) Reset() {
	m.sumSquares = 0
	m.count = 0
}
