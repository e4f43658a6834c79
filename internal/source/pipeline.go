package source

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/gate"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/vad"
)

// Sink receives everything a source emits. Both methods must not block.
type Sink interface {
	SendMessage(msg protocol.Message) error
	SendAudio(frame []byte) error
}

// PipelineConfig configures one source's processing chain
type PipelineConfig struct {
	CaptureRate  int
	TransmitRate int
	MeterWindow  time.Duration
	VAD          vad.Config
	Policy       gate.Policy
}

// Pipeline is the capture → meter → VAD → gate → encoder chain of one source.
// Process runs on the capture goroutine; the accessors are safe from any goroutine.
type Pipeline struct {
	meter       *audio.Meter
	detector    *vad.Detector
	gate        *gate.Gate
	downsampler *audio.Downsampler
	sink        Sink
	logger      *slog.Logger
	metrics     *metrics.Metrics

	closest atomic.Bool
	stopped atomic.Bool

	readings   atomic.Uint64
	sendErrors atomic.Uint64
}

// NewPipeline builds the chain. The detector frame is taken from the meter window
// so the hangover advances in audio time.
func NewPipeline(cfg PipelineConfig, sink Sink, logger *slog.Logger, m *metrics.Metrics) (*Pipeline, error) {
	if cfg.TransmitRate <= 0 {
		cfg.TransmitRate = protocol.AudioSampleRate
	}
	if cfg.MeterWindow <= 0 {
		cfg.MeterWindow = audio.DefaultMeterWindow
	}

	meter, err := audio.NewMeter(cfg.CaptureRate, cfg.MeterWindow)
	if err != nil {
		return nil, fmt.Errorf("failed to create meter: %w", err)
	}

	vadConfig := cfg.VAD
	vadConfig.Frame = meter.WindowDuration()
	detector, err := vad.NewDetector(vadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create detector: %w", err)
	}

	policy := cfg.Policy
	if policy == "" {
		policy = gate.PolicySpeaking
	}
	g, err := gate.New(policy)
	if err != nil {
		return nil, err
	}

	downsampler, err := audio.NewDownsampler(cfg.CaptureRate, cfg.TransmitRate)
	if err != nil {
		return nil, fmt.Errorf("failed to create downsampler: %w", err)
	}

	return &Pipeline{
		meter:       meter,
		detector:    detector,
		gate:        g,
		downsampler: downsampler,
		sink:        sink,
		logger:      logger,
		metrics:     m,
	}, nil
}

// Process handles one capture buffer. The gate decision uses the detector state
// after this buffer has been metered and applies to the whole buffer.
func (p *Pipeline) Process(samples []float32) {
	if p.stopped.Load() {
		return
	}

	readings := p.meter.Process(samples)
	for _, r := range readings {
		p.detector.Update(r.DB)
	}
	p.readings.Add(uint64(len(readings)))
	p.metrics.RecordMeterReadings(len(readings))

	// Resample every buffer so the filter state stays continuous across gaps
	down, err := p.downsampler.Process(samples)
	if err != nil {
		p.logger.Debug("Dropping buffer after resample error", slog.String("error", err.Error()))
		return
	}

	status := gate.Status{Speaking: p.detector.Speaking(), Closest: p.closest.Load()}
	frame := p.gate.Process(status, down)
	p.metrics.RecordGateDecision(frame != nil)
	if frame == nil || p.stopped.Load() {
		return
	}

	if err := p.sink.SendAudio(frame); err != nil {
		p.sendErrors.Add(1)
	}
}

// Report returns the metrics message for the current state. The level is rounded
// to 0.1 dB and reads DefaultDB until the first full meter window.
func (p *Pipeline) Report(id string, ts int64) protocol.Metrics {
	db := protocol.DefaultDB
	if last, ok := p.detector.LastDB(); ok && !math.IsInf(last, 0) {
		db = protocol.RoundDB(last)
	}

	return protocol.Metrics{
		ID:       id,
		DB:       db,
		Speaking: p.detector.Speaking(),
		TS:       ts,
	}
}

// SetClosest records whether this source is the elected closest speaker
func (p *Pipeline) SetClosest(closest bool) {
	p.closest.Store(closest)
}

// Closest reports the last closest flag received
func (p *Pipeline) Closest() bool {
	return p.closest.Load()
}

// Speaking reports the detector state
func (p *Pipeline) Speaking() bool {
	return p.detector.Speaking()
}

// Stop makes every later Process call a no-op
func (p *Pipeline) Stop() {
	p.stopped.Store(true)
}

// PipelineStats represents pipeline statistics
type PipelineStats struct {
	Meter      uint64            `json:"meter_readings"`
	VAD        vad.DetectorStats `json:"vad"`
	Gate       gate.Stats        `json:"gate"`
	SendErrors uint64            `json:"send_errors"`
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() PipelineStats {
	return PipelineStats{
		Meter:      p.readings.Load(),
		VAD:        p.detector.GetStats(),
		Gate:       p.gate.GetStats(),
		SendErrors: p.sendErrors.Load(),
	}
}
