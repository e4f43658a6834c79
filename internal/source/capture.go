package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
)

// ErrCaptureUnavailable is returned when no audio input could be opened
var ErrCaptureUnavailable = errors.New("capture unavailable")

// DefaultBufferSize is the number of samples per capture buffer
const DefaultBufferSize = 4096

// Capture is a source of sequential mono float sample buffers
type Capture interface {
	SampleRate() int
	Label() string
	// Stream delivers buffers until ctx is cancelled or the input ends.
	// deliver runs on the capture goroutine and must not block.
	Stream(ctx context.Context, deliver func(samples []float32)) error
}

// CaptureConfig selects and paces an input
type CaptureConfig struct {
	Device         string // path of a mono PCM16 WAV file
	FallbackDevice string // tried when Device cannot be opened
	BufferSize     int
	Realtime       bool // pace buffers at the audio rate
	Loop           bool
}

// SampleCapture plays a fixed set of samples as a capture device
type SampleCapture struct {
	label      string
	samples    []float32
	sampleRate int
	bufferSize int
	realtime   bool
	loop       bool
}

// NewSampleCapture creates a capture over in-memory samples
func NewSampleCapture(label string, samples []float32, sampleRate, bufferSize int, realtime, loop bool) (*SampleCapture, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", sampleRate)
	}
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	if len(samples) == 0 {
		return nil, fmt.Errorf("%w: %s has no audio", ErrCaptureUnavailable, label)
	}

	return &SampleCapture{
		label:      label,
		samples:    samples,
		sampleRate: sampleRate,
		bufferSize: bufferSize,
		realtime:   realtime,
		loop:       loop,
	}, nil
}

// OpenWAV opens a mono PCM16 WAV file as a capture device
func OpenWAV(path string, bufferSize int, realtime, loop bool) (*SampleCapture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCaptureUnavailable, err)
	}

	samples, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrCaptureUnavailable, path, err)
	}

	return NewSampleCapture(filepath.Base(path), audio.Int16ToFloat32(samples), rate, bufferSize, realtime, loop)
}

// OpenCapture opens the configured device. If that fails and a different fallback
// device is configured, it retries once with the fallback.
func OpenCapture(cfg CaptureConfig, logger *slog.Logger) (Capture, error) {
	c, err := OpenWAV(cfg.Device, cfg.BufferSize, cfg.Realtime, cfg.Loop)
	if err == nil {
		return c, nil
	}

	if cfg.FallbackDevice == "" || cfg.FallbackDevice == cfg.Device {
		return nil, err
	}

	logger.Warn("Capture device unavailable, retrying with fallback",
		slog.String("device", cfg.Device),
		slog.String("fallback", cfg.FallbackDevice),
		slog.String("error", err.Error()),
	)

	c, ferr := OpenWAV(cfg.FallbackDevice, cfg.BufferSize, cfg.Realtime, cfg.Loop)
	if ferr != nil {
		return nil, fmt.Errorf("fallback device failed after %v: %w", err, ferr)
	}
	return c, nil
}

// SampleRate returns the capture rate
func (c *SampleCapture) SampleRate() int {
	return c.sampleRate
}

// Label returns the device label
func (c *SampleCapture) Label() string {
	return c.label
}

// BufferDuration returns the audio time covered by one buffer
func (c *SampleCapture) BufferDuration() time.Duration {
	return time.Duration(c.bufferSize) * time.Second / time.Duration(c.sampleRate)
}

// Stream delivers the samples in fixed-size buffers. The last buffer of a
// non-looping capture may be short.
func (c *SampleCapture) Stream(ctx context.Context, deliver func(samples []float32)) error {
	var tick <-chan time.Time
	if c.realtime {
		ticker := time.NewTicker(c.BufferDuration())
		defer ticker.Stop()
		tick = ticker.C
	}

	offset := 0
	for {
		if offset >= len(c.samples) {
			if !c.loop {
				return nil
			}
			offset = 0
		}

		if tick != nil {
			select {
			case <-ctx.Done():
				return nil
			case <-tick:
			}
		} else if ctx.Err() != nil {
			return nil
		}

		end := offset + c.bufferSize
		if end > len(c.samples) {
			end = len(c.samples)
		}

		buf := make([]float32, end-offset)
		copy(buf, c.samples[offset:end])
		deliver(buf)

		offset = end
	}
}
