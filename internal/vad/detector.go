package vad

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Config holds the detector thresholds
type Config struct {
	ThresholdDB float64       `json:"threshold_db"` // readings strictly above this are speech
	Hang        time.Duration `json:"hang"`         // how long speech is held after the last loud reading
	Frame       time.Duration `json:"frame"`        // audio time covered by one reading
}

// DefaultConfig returns the thresholds used when nothing is configured
func DefaultConfig() Config {
	return Config{
		ThresholdDB: -45,
		Hang:        250 * time.Millisecond,
		Frame:       20 * time.Millisecond,
	}
}

// Validate checks the detector configuration
func (c Config) Validate() error {
	if math.IsNaN(c.ThresholdDB) || math.IsInf(c.ThresholdDB, 0) {
		return fmt.Errorf("threshold must be a finite dB value, got %v", c.ThresholdDB)
	}

	if c.Hang < 0 {
		return fmt.Errorf("hang must not be negative, got %v", c.Hang)
	}

	if c.Frame <= 0 {
		return fmt.Errorf("frame duration must be positive, got %v", c.Frame)
	}

	return nil
}

// State is the speaking state of one source
type State struct {
	Speaking      bool          `json:"speaking"`
	HangRemaining time.Duration `json:"hang_remaining"`
}

// DetectorStats represents detector statistics
type DetectorStats struct {
	TotalReadings    uint64  `json:"total_readings"`
	SpeakingReadings uint64  `json:"speaking_readings"`
	SpeakingPercent  float64 `json:"speaking_percentage"`
	Onsets           uint64  `json:"onsets"`
	LastDB           float64 `json:"last_db"`
	ThresholdDB      float64 `json:"threshold_db"`
}

// Detector is a threshold voice activity detector with hangover.
// The pipeline feeds it from the audio path while reporters read State concurrently.
type Detector struct {
	config Config
	state  State

	hasReading bool
	lastDB     float64

	// Statistics
	totalReadings    uint64
	speakingReadings uint64
	onsets           uint64

	mu sync.RWMutex
}

// NewDetector creates a detector in the quiet state
func NewDetector(config Config) (*Detector, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid VAD config: %w", err)
	}

	return &Detector{config: config}, nil
}

// Update applies one reading covering a full frame of audio
func (d *Detector) Update(db float64) State {
	return d.Advance(db, d.config.Frame)
}

// Advance applies one reading that covers elapsed audio time. Callers timing the
// hangover from a monotonic clock pass the measured delta since the previous reading.
// A NaN reading means no measurement and leaves the state untouched.
func (d *Detector) Advance(db float64, elapsed time.Duration) State {
	d.mu.Lock()
	defer d.mu.Unlock()

	if math.IsNaN(db) {
		return d.state
	}

	if elapsed < 0 {
		elapsed = 0
	}

	d.hasReading = true
	d.lastDB = db
	d.totalReadings++

	if db > d.config.ThresholdDB {
		if !d.state.Speaking {
			d.onsets++
		}
		d.state.Speaking = true
		d.state.HangRemaining = d.config.Hang
	} else {
		d.state.HangRemaining -= elapsed
		if d.state.HangRemaining <= 0 {
			d.state.HangRemaining = 0
			d.state.Speaking = false
		}
	}

	if d.state.Speaking {
		d.speakingReadings++
	}

	return d.state
}

// State returns the current speaking state
func (d *Detector) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Speaking reports whether the source is currently speaking
func (d *Detector) Speaking() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state.Speaking
}

// LastDB returns the most recent reading and whether any reading has been seen
func (d *Detector) LastDB() (float64, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastDB, d.hasReading
}

// Config returns the detector configuration
func (d *Detector) Config() Config {
	return d.config
}

// GetStats returns current detector statistics
func (d *Detector) GetStats() DetectorStats {
	d.mu.RLock()
	defer d.mu.RUnlock()

	speakingPercent := float64(0)
	if d.totalReadings > 0 {
		speakingPercent = float64(d.speakingReadings) / float64(d.totalReadings) * 100
	}

	return DetectorStats{
		TotalReadings:    d.totalReadings,
		SpeakingReadings: d.speakingReadings,
		SpeakingPercent:  speakingPercent,
		Onsets:           d.onsets,
		LastDB:           d.lastDB,
		ThresholdDB:      d.config.ThresholdDB,
	}
}

// Reset returns the detector to the quiet state and clears statistics
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.state = State{}
	d.hasReading = false
	d.lastDB = 0
	d.totalReadings = 0
	d.speakingReadings = 0
	d.onsets = 0
}
