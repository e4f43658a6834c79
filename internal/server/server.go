package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/aggregator"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/config"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

// Server is the aggregator's public endpoint: the websocket plus the display routes
type Server struct {
	server   *http.Server
	handler  http.Handler
	logger   *slog.Logger
	hub      *aggregator.Hub
	metrics  *metrics.Metrics
	wsPath   string
	upgrader websocket.Upgrader
	connCfg  transport.Config

	mu    sync.Mutex
	conns map[*transport.Conn]struct{}
	wg    sync.WaitGroup
}

// SpeakersResponse is the body of GET /speakers
type SpeakersResponse struct {
	Speakers []registry.Record `json:"speakers"`
	Closest  string            `json:"closest"`
	Version  uint64            `json:"version"`
}

// NewServer creates the public server for hub
func NewServer(cfg config.ServerConfig, hub *aggregator.Hub, logger *slog.Logger, m *metrics.Metrics) *Server {
	s := &Server{
		logger:  logger,
		hub:     hub,
		metrics: m,
		wsPath:  cfg.WSPath,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Browser clients are served from other origins
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		connCfg: transport.Config{
			SendQueueSize: cfg.SendQueueSize,
			WriteTimeout:  cfg.GetWriteTimeout(),
			PingInterval:  cfg.GetPingInterval(),
			Metrics:       m,
		},
		conns: make(map[*transport.Conn]struct{}),
	}
	if s.wsPath == "" {
		s.wsPath = "/ws"
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = mux

	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc(s.wsPath, s.handleWebSocket)
	mux.HandleFunc("/speakers", withMetrics(s.metrics, "/speakers", s.handleSpeakers))
	mux.HandleFunc("/reset", withMetrics(s.metrics, "/reset", s.handleReset))
	mux.HandleFunc("/", withMetrics(s.metrics, "/", s.handleStatus))
}

// Handler returns the routed handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Addr returns the configured listen address
func (s *Server) Addr() string {
	return s.server.Addr
}

// Start starts serving in the background
func (s *Server) Start() error {
	s.logger.Info("Starting aggregator server",
		slog.String("address", s.server.Addr),
		slog.String("ws_path", s.wsPath),
	)

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Aggregator server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop stops accepting requests and closes every open websocket
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping aggregator server...")

	err := s.server.Shutdown(ctx)

	// Shutdown does not track hijacked connections
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}

	return err
}

// ActiveConnections returns the number of open websockets
func (s *Server) ActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the error response
		s.logger.Debug("Websocket upgrade failed",
			slog.String("remote_addr", r.RemoteAddr),
			slog.String("error", err.Error()),
		)
		return
	}

	conn := transport.New(ws, s.connCfg, s.logger)

	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	s.logger.Debug("Websocket connected",
		slog.String("conn_id", conn.ID()),
		slog.String("remote_addr", conn.RemoteAddr()),
	)

	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.wg.Done()
	}()

	if err := s.hub.ServeConn(conn); err != nil {
		s.logger.Debug("Websocket closed",
			slog.String("conn_id", conn.ID()),
			slog.String("reason", err.Error()),
		)
	}
}

func (s *Server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	reg := s.hub.Aggregator().Registry()
	writeJSON(w, http.StatusOK, SpeakersResponse{
		Speakers: reg.Snapshot(),
		Closest:  reg.Closest(),
		Version:  reg.Version(),
	})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.hub.Reset()
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ok":          true,
		"sample_rate": protocol.AudioSampleRate,
		"endpoints": map[string]string{
			"GET " + s.wsPath: "Websocket for sources and observers",
			"GET /speakers":   "Ordered speaker snapshot",
			"POST /reset":     "Clear the registry and notify observers",
		},
	})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// withMetrics wraps an HTTP handler with metrics collection
func withMetrics(m *metrics.Metrics, endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		m.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			m.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
