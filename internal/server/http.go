package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/config"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transcription"
)

// ServiceVersion is reported by the monitoring API
const ServiceVersion = "1.0.0"

// HTTPServer provides HTTP API endpoints for monitoring and management
type HTTPServer struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	config   *config.Config
	hub      *aggregator.Hub
	public   *Server
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	startTime time.Time
}

// NewHTTPServer creates a new monitoring API server. A nil gatherer serves
// the default Prometheus registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	hub *aggregator.Hub, public *Server, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	h := &HTTPServer{
		logger:    logger,
		config:    appConfig,
		hub:       hub,
		public:    public,
		metrics:   m,
		gatherer:  gatherer,
		startTime: time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)
	h.handler = mux

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", withMetrics(h.metrics, "/health", h.handleHealth))

	mux.HandleFunc("/sessions", withMetrics(h.metrics, "/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", withMetrics(h.metrics, "/sessions/{id}", h.handleSessionDetail))

	mux.HandleFunc("/config", withMetrics(h.metrics, "/config", h.handleConfig))
	mux.HandleFunc("/stats", withMetrics(h.metrics, "/stats", h.handleStats))

	// No request metrics on the scrape endpoint itself
	if h.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))
	} else {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/", withMetrics(h.metrics, "/", h.handleRoot))
}

// Handler returns the routed handler
func (h *HTTPServer) Handler() http.Handler {
	return h.handler
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hubStats := h.hub.GetStats()

	components := map[string]interface{}{
		"hub": map[string]interface{}{
			"status":    "running",
			"sources":   hubStats.Sources,
			"observers": hubStats.Observers,
			"records":   hubStats.Records,
			"closest":   hubStats.Closest,
		},
		"transcription": h.transcriptionStatus(hubStats.Transcriber),
	}
	if h.public != nil {
		components["websocket"] = map[string]interface{}{
			"status":      "running",
			"connections": h.public.ActiveConnections(),
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]interface{}{
			"name":    "closest-speaker",
			"version": ServiceVersion,
		},
		"components": components,
	})
}

func (h *HTTPServer) transcriptionStatus(name string) map[string]interface{} {
	status := map[string]interface{}{
		"status":   "running",
		"provider": name,
	}
	if c, ok := h.hub.Transcriber().(interface {
		GetStats() transcription.ClientStats
	}); ok {
		stats := c.GetStats()
		status["total_requests"] = stats.TotalRequests
		status["success_rate"] = stats.SuccessRate
		status["active_requests"] = stats.ActiveRequests
	}
	return status
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessions := h.hub.Sessions()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_sessions": len(sessions),
		"timestamp":      time.Now().UTC(),
		"sessions":       sessions,
	})
}

// handleSessionDetail implements the /sessions/{source_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	id := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if id == "" {
		http.Error(w, "Source ID required", http.StatusBadRequest)
		return
	}

	for _, info := range h.hub.Sessions() {
		if info.SourceID == id {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}

	http.Error(w, "Session not found", http.StatusNotFound)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if h.config == nil {
		http.Error(w, "Configuration unavailable", http.StatusServiceUnavailable)
		return
	}

	c := h.config
	sanitizedConfig := map[string]interface{}{
		"server": map[string]interface{}{
			"address":         c.Server.Address,
			"port":            c.Server.Port,
			"ws_path":         c.Server.WSPath,
			"send_queue_size": c.Server.SendQueueSize,
			"write_timeout":   c.Server.WriteTimeout,
			"ping_interval":   c.Server.PingInterval,
			"session_timeout": c.Server.SessionTimeout,
		},
		"audio": map[string]interface{}{
			"sample_rate":            c.Audio.SampleRate,
			"meter_window_ms":        c.Audio.MeterWindowMs,
			"chunk_min_duration":     c.Audio.ChunkMinDuration,
			"chunk_max_duration":     c.Audio.ChunkMaxDuration,
			"chunk_silence_duration": c.Audio.ChunkSilenceDuration,
		},
		"vad": map[string]interface{}{
			"threshold_db": c.VAD.ThresholdDB,
			"hang_ms":      c.VAD.HangMs,
		},
		"transcription": map[string]interface{}{
			"provider":       c.Transcription.Provider,
			"endpoint":       c.Transcription.Endpoint,
			"model":          c.Transcription.Model,
			"language":       c.Transcription.Language,
			"timeout":        c.Transcription.Timeout,
			"max_retries":    c.Transcription.MaxRetries,
			"max_concurrent": c.Transcription.MaxConcurrent,
			"output_format":  c.Transcription.OutputFormat,
			// api_key is never exposed
		},
		"logging": map[string]interface{}{
			"level":  c.Logging.Level,
			"format": c.Logging.Format,
			"output": c.Logging.Output,
		},
	}

	writeJSON(w, http.StatusOK, sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"hub":       h.hub.GetStats(),
	}

	var chunksGenerated, chunksDiscarded, chunksSucceeded, chunksFailed uint64
	for _, info := range h.hub.Sessions() {
		chunksGenerated += info.ChunksGenerated
		chunksDiscarded += info.ChunksDiscarded
		chunksSucceeded += info.ChunksSuccessful
		chunksFailed += info.ChunksFailed
	}
	stats["chunks"] = map[string]uint64{
		"generated":  chunksGenerated,
		"discarded":  chunksDiscarded,
		"successful": chunksSucceeded,
		"failed":     chunksFailed,
	}

	if c, ok := h.hub.Transcriber().(interface {
		GetStats() transcription.ClientStats
	}); ok {
		stats["transcription"] = c.GetStats()
	}

	if h.public != nil {
		stats["websocket"] = map[string]int{
			"active_connections": h.public.ActiveConnections(),
		}
	}

	writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"service": "Closest Speaker Monitoring API",
		"version": ServiceVersion,
		"endpoints": map[string]string{
			"GET /":                     "API documentation",
			"GET /health":               "Service health check",
			"GET /sessions":             "List connected sources",
			"GET /sessions/{source_id}": "Get detailed source session information",
			"GET /config":               "Get service configuration",
			"GET /stats":                "Get service statistics",
			"GET /metrics":              "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
