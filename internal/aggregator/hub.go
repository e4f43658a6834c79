package aggregator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

// Conn is the outbound half of a peer connection
type Conn interface {
	SendMessage(msg protocol.Message) error
	Close() error
}

// HubConfig contains configuration for the hub
type HubConfig struct {
	Chunking             audio.ChunkingConfig
	SilenceCheckInterval time.Duration
	SessionTimeout       time.Duration // idle sources are disconnected; zero disables
	CleanupInterval      time.Duration
	TranscriptionTimeout time.Duration
	Language             string
}

// DefaultHubConfig returns the hub defaults
func DefaultHubConfig() HubConfig {
	return HubConfig{
		Chunking: audio.ChunkingConfig{
			MinDuration:        500 * time.Millisecond,
			MaxDuration:        15 * time.Second,
			MinSilenceDuration: 400 * time.Millisecond,
			SampleRate:         protocol.AudioSampleRate,
			Format:             "wav",
		},
		SilenceCheckInterval: 100 * time.Millisecond,
		CleanupInterval:      30 * time.Second,
		TranscriptionTimeout: 30 * time.Second,
	}
}

// Session is the hub's state for one source id
type Session struct {
	ID           string
	Label        string
	StartTime    time.Time
	LastActivity time.Time

	conn    Conn
	chunker *audio.Chunker

	lastMetrics protocol.Metrics
	hasMetrics  bool

	// Statistics
	framesReceived   uint64
	metricsReceived  uint64
	chunksGenerated  uint64
	chunksDiscarded  uint64
	chunksSent       uint64
	chunksSuccessful uint64
	chunksFailed     uint64

	mu sync.RWMutex
}

// SessionInfo represents session information for monitoring and APIs
type SessionInfo struct {
	SourceID     string        `json:"source_id"`
	Label        string        `json:"label"`
	StartTime    time.Time     `json:"start_time"`
	LastActivity time.Time     `json:"last_activity"`
	Duration     time.Duration `json:"duration"`

	FramesReceived  uint64 `json:"frames_received"`
	MetricsReceived uint64 `json:"metrics_received"`

	// Chunking and transcription statistics
	ChunksGenerated  uint64             `json:"chunks_generated"`
	ChunksDiscarded  uint64             `json:"chunks_discarded"`
	ChunksSent       uint64             `json:"chunks_sent"`
	ChunksSuccessful uint64             `json:"chunks_successful"`
	ChunksFailed     uint64             `json:"chunks_failed"`
	Chunker          audio.ChunkerStats `json:"chunker"`
}

// HubStats represents hub statistics
type HubStats struct {
	Sources     int    `json:"sources"`
	Observers   int    `json:"observers"`
	Records     int    `json:"records"`
	Closest     string `json:"closest"`
	Version     uint64 `json:"version"`
	Transcriber string `json:"transcriber"`
}

// Peer is the hub's view of one connection. Its role is fixed by the first hello.
type Peer struct {
	conn    Conn
	role    protocol.Role
	session *Session
}

// Role returns the role announced by the peer, or "" before its hello
func (p *Peer) Role() protocol.Role {
	return p.role
}

// Hub owns source sessions and observer connections
type Hub struct {
	agg         *Aggregator
	transcriber transcription.Transcriber
	config      HubConfig
	logger      *slog.Logger
	metrics     *metrics.Metrics

	sessions  map[string]*Session
	observers map[Conn]struct{}
	mu        sync.RWMutex

	// rankMu orders ranking computation with its delivery
	rankMu sync.Mutex

	stopped      bool
	transcribeMu sync.Mutex
	stopOnce     sync.Once
	transcribeWG sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
	loop   chan struct{}
}

// NewHub creates a hub and starts its housekeeping goroutine
func NewHub(agg *Aggregator, tr transcription.Transcriber, config HubConfig, logger *slog.Logger, m *metrics.Metrics) *Hub {
	d := DefaultHubConfig()
	if config.Chunking.SampleRate <= 0 {
		config.Chunking = d.Chunking
	}
	if config.SilenceCheckInterval <= 0 {
		config.SilenceCheckInterval = d.SilenceCheckInterval
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = d.CleanupInterval
	}
	if config.TranscriptionTimeout <= 0 {
		config.TranscriptionTimeout = d.TranscriptionTimeout
	}
	if tr == nil {
		tr = transcription.Noop{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		agg:         agg,
		transcriber: tr,
		config:      config,
		logger:      logger,
		metrics:     m,
		sessions:    make(map[string]*Session),
		observers:   make(map[Conn]struct{}),
		ctx:         ctx,
		cancel:      cancel,
		loop:        make(chan struct{}),
	}

	go h.housekeeping()
	return h
}

// Aggregator returns the aggregator behind the hub
func (h *Hub) Aggregator() *Aggregator {
	return h.agg
}

// Transcriber returns the backend chunks are sent to
func (h *Hub) Transcriber() transcription.Transcriber {
	return h.transcriber
}

// ServeConn handles a websocket peer until it disconnects
func (h *Hub) ServeConn(conn *transport.Conn) error {
	p := h.NewPeer(conn)
	defer h.ClosePeer(p)

	return conn.ReadLoop(transport.HandlerFuncs{
		OnMessage: func(_ *transport.Conn, msg protocol.Message) { h.HandleMessage(p, msg) },
		OnAudio:   func(_ *transport.Conn, frame []byte) { h.HandleAudio(p, frame) },
	})
}

// NewPeer registers nothing yet; the peer's hello decides its role
func (h *Hub) NewPeer(conn Conn) *Peer {
	return &Peer{conn: conn}
}

// HandleMessage processes one control message from p
func (h *Hub) HandleMessage(p *Peer, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Hello:
		h.handleHello(p, m)

	case protocol.Metrics:
		if p.session == nil {
			h.logger.Debug("Metrics before source hello, ignoring")
			return
		}
		// A source may only report for the id it announced
		m.ID = p.session.ID
		h.handleMetrics(p.session, m)

	case protocol.Transcript:
		if p.session == nil {
			return
		}
		m.ID = p.session.ID
		h.publishTranscript(m)

	case protocol.Reset:
		if p.role != protocol.RoleAggregator {
			h.logger.Debug("Reset from non-observer, ignoring")
			return
		}
		h.Reset()

	case protocol.Ranking:
		// The hub publishes its own ranking
		h.logger.Debug("Ignoring inbound ranking")
	}
}

// HandleAudio feeds one PCM16 frame from p into its source's chunker
func (h *Hub) HandleAudio(p *Peer, frame []byte) {
	s := p.session
	if s == nil {
		return
	}

	now := time.Now()
	s.mu.Lock()
	s.LastActivity = now
	s.framesReceived++
	s.mu.Unlock()

	chunk, err := s.chunker.AddFrame(s.ID, frame, now)
	if err != nil {
		h.logger.Debug("Dropping audio frame",
			slog.String("source_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if chunk != nil {
		h.transcribe(s, chunk)
	}
}

// ClosePeer releases everything held for p. The source's record stays in the registry.
func (h *Hub) ClosePeer(p *Peer) {
	switch p.role {
	case protocol.RoleAggregator:
		h.mu.Lock()
		delete(h.observers, p.conn)
		h.mu.Unlock()
		h.metrics.RecordConnectionClosed(string(p.role))

	case protocol.RoleSource:
		if p.session != nil {
			h.closeSession(p.session, p.conn)
		}
		h.metrics.RecordConnectionClosed(string(p.role))
	}
}

func (h *Hub) handleHello(p *Peer, m protocol.Hello) {
	// Decode validates network input; local sinks reach here directly
	if err := protocol.ValidateHello(m); err != nil {
		h.logger.Debug("Ignoring invalid hello", slog.String("error", err.Error()))
		return
	}
	if p.role != "" && p.role != m.Role {
		h.logger.Debug("Ignoring hello with a different role",
			slog.String("role", string(p.role)),
			slog.String("new_role", string(m.Role)),
		)
		return
	}
	if l, ok := p.conn.(interface{ SetLegacy(bool) }); ok {
		l.SetLegacy(m.Legacy)
	}

	switch m.Role {
	case protocol.RoleAggregator:
		if p.role == "" {
			p.role = protocol.RoleAggregator
			h.metrics.RecordConnectionOpened(string(p.role))
		}
		h.addObserver(p.conn)

	case protocol.RoleSource:
		if p.session != nil && p.session.ID != m.ID {
			h.logger.Debug("Ignoring hello with a different id",
				slog.String("source_id", p.session.ID),
				slog.String("new_id", m.ID),
			)
			return
		}
		if p.role == "" {
			p.role = protocol.RoleSource
			h.metrics.RecordConnectionOpened(string(p.role))
		}
		p.session = h.openSession(m, p.conn)

		h.agg.Handle(m)
		h.broadcast(protocol.Hello{Role: protocol.RoleSource, ID: m.ID, DeviceLabel: m.DeviceLabel})
		h.broadcastRanking()
	}
}

func (h *Hub) handleMetrics(s *Session, m protocol.Metrics) {
	s.mu.Lock()
	s.LastActivity = time.Now()
	s.lastMetrics = m
	s.hasMetrics = true
	s.metricsReceived++
	s.mu.Unlock()

	h.agg.Handle(m)
	h.broadcast(protocol.Metrics{ID: m.ID, DB: protocol.RoundDB(m.DB), Speaking: m.Speaking, TS: m.TS})
	h.broadcastRanking()
}

// openSession creates the session for a source id or rebinds an existing one
func (h *Hub) openSession(m protocol.Hello, conn Conn) *Session {
	now := time.Now()

	h.mu.Lock()
	defer h.mu.Unlock()

	if existing, ok := h.sessions[m.ID]; ok {
		existing.mu.Lock()
		replaced := existing.conn
		existing.conn = conn
		existing.Label = m.DeviceLabel
		existing.LastActivity = now
		existing.mu.Unlock()

		if replaced != conn {
			h.logger.Warn("Source reconnected, replacing previous connection",
				slog.String("source_id", m.ID),
			)
		}
		return existing
	}

	s := &Session{
		ID:           m.ID,
		Label:        m.DeviceLabel,
		StartTime:    now,
		LastActivity: now,
		conn:         conn,
		chunker:      audio.NewChunker(h.config.Chunking),
	}
	h.sessions[m.ID] = s

	h.logger.Info("Created source session",
		slog.String("source_id", s.ID),
		slog.String("label", s.Label),
		slog.Int("sample_rate", m.SampleRate),
	)
	return s
}

// closeSession flushes and removes s if conn still owns it
func (h *Hub) closeSession(s *Session, conn Conn) {
	h.mu.Lock()
	s.mu.RLock()
	owner := s.conn
	s.mu.RUnlock()
	if owner != conn || h.sessions[s.ID] != s {
		h.mu.Unlock()
		return
	}
	delete(h.sessions, s.ID)
	h.mu.Unlock()

	h.finalizeSession(s)

	// A departed source cannot stay closest
	if h.agg.Disconnect(s.ID) {
		if rec, ok := h.agg.Registry().Get(s.ID); ok {
			h.broadcast(protocol.Metrics{ID: rec.ID, DB: protocol.RoundDB(rec.DB), Speaking: false})
		}
		h.broadcastRanking()
	}

	s.mu.RLock()
	h.logger.Info("Source session closed",
		slog.String("source_id", s.ID),
		slog.Duration("duration", time.Since(s.StartTime)),
		slog.Uint64("frames_received", s.framesReceived),
		slog.Uint64("chunks_generated", s.chunksGenerated),
		slog.Uint64("chunks_successful", s.chunksSuccessful),
	)
	s.mu.RUnlock()
}

// finalizeSession sends any collected audio for transcription
func (h *Hub) finalizeSession(s *Session) {
	chunk, err := s.chunker.ForceFinalize(time.Now())
	if err != nil {
		h.logger.Warn("Failed to finalize chunk",
			slog.String("source_id", s.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if chunk != nil {
		h.transcribe(s, chunk)
	}
}

// addObserver registers conn and sends it the full roster
func (h *Hub) addObserver(conn Conn) {
	h.rankMu.Lock()
	defer h.rankMu.Unlock()
	h.mu.Lock()
	defer h.mu.Unlock()

	h.observers[conn] = struct{}{}

	msgs := []protocol.Message{protocol.Reset{}}
	var transcripts []protocol.Message
	for _, rec := range h.agg.Registry().Snapshot() {
		msgs = append(msgs,
			protocol.Hello{Role: protocol.RoleSource, ID: rec.ID, DeviceLabel: rec.Label},
			protocol.Metrics{ID: rec.ID, DB: protocol.RoundDB(rec.DB), Speaking: rec.Speaking},
		)
		if rec.Transcript != "" {
			transcripts = append(transcripts, protocol.Transcript{ID: rec.ID, Text: rec.Transcript})
		}
	}
	msgs = append(msgs, transcripts...)
	msgs = append(msgs, h.rankingMessage())

	for _, msg := range msgs {
		if err := conn.SendMessage(msg); err != nil {
			h.logger.Debug("Failed to send roster to observer", slog.String("error", err.Error()))
			return
		}
	}

	h.logger.Info("Observer attached", slog.Int("messages", len(msgs)))
}

// Reset clears the registry and tells every observer
func (h *Hub) Reset() {
	h.agg.Handle(protocol.Reset{})
	h.broadcast(protocol.Reset{})
	h.logger.Info("Registry reset")
}

// broadcast sends msg to every observer
func (h *Hub) broadcast(msg protocol.Message) {
	h.sendAll(msg, false)
}

// broadcastRanking publishes the current order to observers and sources.
// Concurrent callers deliver in the order they read the registry.
func (h *Hub) broadcastRanking() {
	h.rankMu.Lock()
	defer h.rankMu.Unlock()

	h.sendAll(h.rankingMessage(), true)
}

func (h *Hub) rankingMessage() protocol.Ranking {
	return protocol.Ranking{Order: toProtocolOrder(h.agg.Registry().RankingOrder())}
}

func (h *Hub) sendAll(msg protocol.Message, includeSources bool) {
	h.mu.RLock()
	targets := make([]Conn, 0, len(h.observers)+len(h.sessions))
	for conn := range h.observers {
		targets = append(targets, conn)
	}
	if includeSources {
		for _, s := range h.sessions {
			s.mu.RLock()
			if s.conn != nil {
				targets = append(targets, s.conn)
			}
			s.mu.RUnlock()
		}
	}
	h.mu.RUnlock()

	var dead []Conn
	for _, conn := range targets {
		err := conn.SendMessage(msg)
		if errors.Is(err, transport.ErrClosed) {
			dead = append(dead, conn)
		}
	}

	if len(dead) > 0 {
		h.mu.Lock()
		for _, conn := range dead {
			delete(h.observers, conn)
		}
		h.mu.Unlock()
	}
}

// transcribe sends a chunk to the transcriber without blocking the caller
func (h *Hub) transcribe(s *Session, chunk *audio.AudioChunk) {
	h.transcribeMu.Lock()
	if h.stopped {
		h.transcribeMu.Unlock()
		return
	}
	h.transcribeWG.Add(1)
	h.transcribeMu.Unlock()

	s.mu.Lock()
	s.chunksGenerated++
	label := s.Label
	s.mu.Unlock()
	h.metrics.RecordChunkGenerated(chunk.Duration.Seconds(), len(chunk.AudioData))

	h.logger.Info("Audio chunk generated",
		slog.String("source_id", s.ID),
		slog.String("chunk_id", chunk.ChunkID),
		slog.Float64("duration", chunk.Duration.Seconds()),
		slog.Int("frames", chunk.Frames),
	)

	go func() {
		defer h.transcribeWG.Done()
		h.processTranscription(s, chunk, label)
	}()
}

// processTranscription runs one request and publishes the result as a transcript
func (h *Hub) processTranscription(s *Session, chunk *audio.AudioChunk, label string) {
	s.mu.Lock()
	s.chunksSent++
	s.mu.Unlock()

	request := &transcription.Request{
		Chunk:     chunk,
		Label:     label,
		Language:  h.config.Language,
		RequestID: fmt.Sprintf("%s_%d", chunk.ChunkID, time.Now().UnixNano()),
		Timestamp: time.Now(),
	}

	ctx, cancel := context.WithTimeout(h.ctx, h.config.TranscriptionTimeout)
	defer cancel()

	h.metrics.RecordTranscriptionRequest()
	startTime := time.Now()
	response, err := h.transcriber.Transcribe(ctx, request)
	duration := time.Since(startTime)

	if err != nil {
		s.mu.Lock()
		s.chunksFailed++
		s.mu.Unlock()
		h.metrics.RecordTranscriptionFailure(duration.Seconds())

		h.logger.Error("Transcription failed",
			slog.String("source_id", s.ID),
			slog.String("chunk_id", chunk.ChunkID),
			slog.String("error", err.Error()),
			slog.Float64("duration", duration.Seconds()),
		)
		h.publishTranscript(protocol.Transcript{
			ID:   s.ID,
			Text: fmt.Sprintf("[transcription error: %v]", err),
		})
		return
	}

	s.mu.Lock()
	s.chunksSuccessful++
	s.mu.Unlock()
	h.metrics.RecordTranscriptionSuccess(duration.Seconds())

	h.logger.Info("Chunk transcription completed",
		slog.String("source_id", s.ID),
		slog.String("chunk_id", chunk.ChunkID),
		slog.String("transcribed_text", response.Text),
		slog.Float64("duration", duration.Seconds()),
	)

	if response.Text == "" {
		return
	}
	h.publishTranscript(protocol.Transcript{ID: s.ID, Text: response.Text, Final: true})
}

func (h *Hub) publishTranscript(t protocol.Transcript) {
	h.agg.Handle(t)
	h.broadcast(t)
}

// housekeeping closes silent chunks and expires idle sources
func (h *Hub) housekeeping() {
	defer close(h.loop)

	silence := time.NewTicker(h.config.SilenceCheckInterval)
	defer silence.Stop()
	cleanup := time.NewTicker(h.config.CleanupInterval)
	defer cleanup.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case now := <-silence.C:
			h.checkSilence(now)
		case now := <-cleanup.C:
			h.expireIdle(now)
		}
	}
}

func (h *Hub) checkSilence(now time.Time) {
	for _, s := range h.sessionList() {
		chunk, err := s.chunker.CheckSilence(now)
		if err != nil {
			h.logger.Warn("Failed to close chunk",
				slog.String("source_id", s.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if chunk != nil {
			h.transcribe(s, chunk)
			continue
		}

		discarded := s.chunker.GetStats().ChunksDiscarded
		s.mu.Lock()
		for s.chunksDiscarded < discarded {
			s.chunksDiscarded++
			h.metrics.RecordChunkDiscarded()
		}
		s.mu.Unlock()
	}
}

func (h *Hub) expireIdle(now time.Time) {
	if h.config.SessionTimeout <= 0 {
		return
	}

	for _, s := range h.sessionList() {
		s.mu.RLock()
		idle := now.Sub(s.LastActivity)
		conn := s.conn
		s.mu.RUnlock()

		if idle > h.config.SessionTimeout && conn != nil {
			h.logger.Info("Disconnecting idle source",
				slog.String("source_id", s.ID),
				slog.Duration("idle", idle),
			)
			conn.Close()
		}
	}
}

func (h *Hub) sessionList() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		out = append(out, s)
	}
	return out
}

// Sessions returns information about every connected source, ordered by id
func (h *Hub) Sessions() []SessionInfo {
	sessions := h.sessionList()
	out := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out
}

// Info returns a snapshot of the session
func (s *Session) Info() SessionInfo {
	chunkerStats := s.chunker.GetStats()

	s.mu.RLock()
	defer s.mu.RUnlock()

	return SessionInfo{
		SourceID:         s.ID,
		Label:            s.Label,
		StartTime:        s.StartTime,
		LastActivity:     s.LastActivity,
		Duration:         time.Since(s.StartTime),
		FramesReceived:   s.framesReceived,
		MetricsReceived:  s.metricsReceived,
		ChunksGenerated:  s.chunksGenerated,
		ChunksDiscarded:  s.chunksDiscarded,
		ChunksSent:       s.chunksSent,
		ChunksSuccessful: s.chunksSuccessful,
		ChunksFailed:     s.chunksFailed,
		Chunker:          chunkerStats,
	}
}

// LastMetrics returns the most recent report of the source
func (s *Session) LastMetrics() (protocol.Metrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastMetrics, s.hasMetrics
}

// GetStats returns current hub statistics
func (h *Hub) GetStats() HubStats {
	h.mu.RLock()
	sources, observers := len(h.sessions), len(h.observers)
	h.mu.RUnlock()

	reg := h.agg.Registry()
	return HubStats{
		Sources:     sources,
		Observers:   observers,
		Records:     reg.Len(),
		Closest:     reg.Closest(),
		Version:     reg.Version(),
		Transcriber: h.transcriber.Name(),
	}
}

// Stop flushes open chunks, waits for pending transcriptions and stops housekeeping
func (h *Hub) Stop() {
	h.stopOnce.Do(h.stop)
}

func (h *Hub) stop() {
	h.logger.Info("Stopping hub...")

	for _, s := range h.sessionList() {
		h.finalizeSession(s)
	}
	h.transcribeMu.Lock()
	h.stopped = true
	h.transcribeMu.Unlock()

	h.transcribeWG.Wait()
	h.cancel()
	<-h.loop

	if err := h.transcriber.Close(); err != nil {
		h.logger.Warn("Error closing transcriber", slog.String("error", err.Error()))
	}

	stats := h.GetStats()
	h.logger.Info("Hub stopped",
		slog.Int("remaining_sources", stats.Sources),
		slog.Int("records", stats.Records),
	)
}
