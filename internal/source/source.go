package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/gate"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/vad"
)

// DefaultReportInterval is the metrics cadence, deliberately coarser than metering
const DefaultReportInterval = 100 * time.Millisecond

// Config identifies a source and tunes its pipeline
type Config struct {
	ID             string
	Label          string
	ReportInterval time.Duration
	Policy         gate.Policy
	VAD            vad.Config
	MeterWindow    time.Duration
	TransmitRate   int
}

// Source runs one capture device against one sink
type Source struct {
	config   Config
	capture  Capture
	sink     Sink
	pipeline *Pipeline
	logger   *slog.Logger
	metrics  *metrics.Metrics

	state   atomic.Int32
	reports atomic.Uint64
}

// New creates a source. An empty ID gets a random one and an empty label
// falls back to the capture device label.
func New(config Config, capture Capture, sink Sink, logger *slog.Logger, m *metrics.Metrics) (*Source, error) {
	if capture == nil {
		return nil, fmt.Errorf("%w: no capture device", ErrCaptureUnavailable)
	}
	if config.ID == "" {
		config.ID = uuid.New().String()
	}
	if config.Label == "" {
		config.Label = capture.Label()
	}
	if config.ReportInterval <= 0 {
		config.ReportInterval = DefaultReportInterval
	}
	if config.TransmitRate <= 0 {
		config.TransmitRate = protocol.AudioSampleRate
	}

	pipeline, err := NewPipeline(PipelineConfig{
		CaptureRate:  capture.SampleRate(),
		TransmitRate: config.TransmitRate,
		MeterWindow:  config.MeterWindow,
		VAD:          config.VAD,
		Policy:       config.Policy,
	}, sink, logger, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create pipeline for %s: %w", config.ID, err)
	}

	s := &Source{
		config:   config,
		capture:  capture,
		sink:     sink,
		pipeline: pipeline,
		logger:   logger.With(slog.String("source_id", config.ID)),
		metrics:  m,
	}
	s.state.Store(int32(transport.StateConnected))
	return s, nil
}

// ID returns the source id
func (s *Source) ID() string {
	return s.config.ID
}

// Pipeline returns the source's processing chain
func (s *Source) Pipeline() *Pipeline {
	return s.pipeline
}

// State returns connected until the source's sink has failed or the source stopped
func (s *Source) State() transport.State {
	return transport.State(s.state.Load())
}

// Run sends Hello, then streams capture buffers through the pipeline and reports
// metrics until ctx is cancelled or the capture ends. On return nothing more is sent.
func (s *Source) Run(ctx context.Context) error {
	hello := protocol.Hello{
		Role:        protocol.RoleSource,
		ID:          s.config.ID,
		DeviceLabel: s.config.Label,
		SampleRate:  s.config.TransmitRate,
	}
	if err := s.sink.SendMessage(hello); err != nil {
		s.state.Store(int32(transport.StateDisconnected))
		return fmt.Errorf("failed to send hello: %w", err)
	}

	s.logger.Info("Source started",
		slog.String("label", s.config.Label),
		slog.Int("capture_rate", s.capture.SampleRate()),
		slog.String("policy", string(s.pipeline.gate.Policy())),
	)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reportLoop(ctx)
	}()

	err := s.capture.Stream(ctx, s.pipeline.Process)

	s.pipeline.Stop()
	cancel()
	wg.Wait()
	s.state.Store(int32(transport.StateDisconnected))

	s.logger.Info("Source stopped",
		slog.Uint64("reports_sent", s.reports.Load()),
		slog.Uint64("buffers_sent", s.pipeline.gate.GetStats().BuffersAccepted),
	)

	if err != nil {
		return fmt.Errorf("capture stopped: %w", err)
	}
	return nil
}

// RunConn runs the source over an aggregator connection. Rankings received on the
// connection update the closest flag. A transport failure stops the source; there
// is no reconnect. The connection is closed on return.
func (s *Source) RunConn(ctx context.Context, conn *transport.Conn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	readErr := make(chan error, 1)
	go func() {
		readErr <- conn.ReadLoop(transport.HandlerFuncs{
			OnMessage: func(_ *transport.Conn, msg protocol.Message) {
				s.HandleMessage(msg)
			},
		})
	}()

	go func() {
		select {
		case <-conn.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	err := s.Run(ctx)
	conn.Close()

	if rerr := <-readErr; rerr != nil {
		s.logger.Warn("Connection lost", slog.String("error", rerr.Error()))
		if err == nil {
			err = rerr
		}
	}
	return err
}

// HandleMessage applies a message received from the aggregator
func (s *Source) HandleMessage(msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Ranking:
		closest := len(m.Order) > 0 && m.Order[0].ID == s.config.ID
		if s.pipeline.Closest() != closest {
			s.logger.Debug("Closest flag changed", slog.Bool("closest", closest))
		}
		s.pipeline.SetClosest(closest)
	case protocol.Reset:
		s.pipeline.SetClosest(false)
	}
}

// reportLoop sends one metrics message per interval
func (s *Source) reportLoop(ctx context.Context) {
	ticker := time.NewTicker(s.config.ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			report := s.pipeline.Report(s.config.ID, now.UnixMilli())
			err := s.sink.SendMessage(report)
			switch {
			case err == nil:
				s.reports.Add(1)
				s.metrics.RecordMetricsReport()
			case errors.Is(err, transport.ErrClosed):
				return
			}
		}
	}
}

// GetStats returns current source statistics
func (s *Source) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"id":           s.config.ID,
		"label":        s.config.Label,
		"state":        s.State().String(),
		"closest":      s.pipeline.Closest(),
		"speaking":     s.pipeline.Speaking(),
		"reports_sent": s.reports.Load(),
		"pipeline":     s.pipeline.GetStats(),
	}
}
