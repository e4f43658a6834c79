package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
)

var (
	// ErrClosed is returned when sending on a connection that is closing or closed
	ErrClosed = errors.New("connection closed")
	// ErrQueueFull is returned when a frame is dropped because the send queue is full
	ErrQueueFull = errors.New("send queue full")
)

// State is the connection state visible to callers
type State int32

const (
	StateConnected State = iota
	StateDisconnected
)

func (s State) String() string {
	if s == StateConnected {
		return "connected"
	}
	return "disconnected"
}

// Config holds per-connection settings
type Config struct {
	SendQueueSize    int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
	PingInterval     time.Duration // zero disables keepalive pings
	ReadLimit        int64
	Metrics          *metrics.Metrics
}

// DefaultConfig returns the settings used when a field is left zero
func DefaultConfig() Config {
	return Config{
		SendQueueSize:    64,
		WriteTimeout:     5 * time.Second,
		HandshakeTimeout: 10 * time.Second,
		PingInterval:     30 * time.Second,
		ReadLimit:        protocol.MaxAudioFrameSize + 4096,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = d.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	if c.ReadLimit <= 0 {
		c.ReadLimit = d.ReadLimit
	}
	return c
}

// Handler receives inbound traffic from ReadLoop
type Handler interface {
	HandleMessage(c *Conn, msg protocol.Message)
	HandleAudio(c *Conn, frame []byte)
}

// HandlerFuncs adapts plain functions to Handler. Nil functions ignore the traffic.
type HandlerFuncs struct {
	OnMessage func(c *Conn, msg protocol.Message)
	OnAudio   func(c *Conn, frame []byte)
}

func (h HandlerFuncs) HandleMessage(c *Conn, msg protocol.Message) {
	if h.OnMessage != nil {
		h.OnMessage(c, msg)
	}
}

func (h HandlerFuncs) HandleAudio(c *Conn, frame []byte) {
	if h.OnAudio != nil {
		h.OnAudio(c, frame)
	}
}

// Stats represents connection statistics
type Stats struct {
	ID             string    `json:"id"`
	RemoteAddr     string    `json:"remote_addr"`
	State          string    `json:"state"`
	ConnectedAt    time.Time `json:"connected_at"`
	FramesSent     uint64    `json:"frames_sent"`
	FramesDropped  uint64    `json:"frames_dropped"`
	FramesReceived uint64    `json:"frames_received"`
	Malformed      uint64    `json:"malformed"`
	QueueLength    int       `json:"queue_length"`
}

type outbound struct {
	kind int
	data []byte
}

// Conn is one peer connection
type Conn struct {
	id          string
	ws          *websocket.Conn
	logger      *slog.Logger
	config      Config
	connectedAt time.Time

	send chan outbound
	done chan struct{}

	closed    atomic.Bool
	legacy    atomic.Bool
	closeOnce sync.Once
	closeErr  error
	cause     error
	writeMu   sync.Mutex

	// Statistics
	framesSent     atomic.Uint64
	framesDropped  atomic.Uint64
	framesReceived atomic.Uint64
	malformed      atomic.Uint64
}

// New wraps an established websocket and starts its writer goroutine
func New(ws *websocket.Conn, config Config, logger *slog.Logger) *Conn {
	config = config.withDefaults()
	ws.SetReadLimit(config.ReadLimit)

	c := &Conn{
		id:          uuid.New().String(),
		ws:          ws,
		logger:      logger,
		config:      config,
		connectedAt: time.Now(),
		send:        make(chan outbound, config.SendQueueSize),
		done:        make(chan struct{}),
	}

	if config.PingInterval > 0 {
		wait := 2 * config.PingInterval
		ws.SetReadDeadline(time.Now().Add(wait))
		ws.SetPongHandler(func(string) error {
			return ws.SetReadDeadline(time.Now().Add(wait))
		})
	}

	go c.writeLoop()
	return c
}

// Dial connects to an aggregator websocket endpoint
func Dial(ctx context.Context, url string, config Config, logger *slog.Logger) (*Conn, error) {
	config = config.withDefaults()

	dialer := websocket.Dialer{
		HandshakeTimeout: config.HandshakeTimeout,
	}

	ws, resp, err := dialer.DialContext(ctx, url, http.Header{})
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("failed to connect to %s (status %d): %w", url, resp.StatusCode, err)
		}
		return nil, fmt.Errorf("failed to connect to %s: %w", url, err)
	}

	return New(ws, config, logger), nil
}

// ID returns the connection identifier
func (c *Conn) ID() string {
	return c.id
}

// RemoteAddr returns the peer address
func (c *Conn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

// SetLegacy switches outbound control messages to the legacy field names
func (c *Conn) SetLegacy(legacy bool) {
	c.legacy.Store(legacy)
}

// SendMessage queues a control message without blocking
func (c *Conn) SendMessage(msg protocol.Message) error {
	var (
		data []byte
		err  error
	)
	if c.legacy.Load() {
		data, err = protocol.EncodeLegacy(msg)
	} else {
		data, err = protocol.Encode(msg)
	}
	if err != nil {
		return err
	}

	return c.enqueue(outbound{kind: websocket.TextMessage, data: data})
}

// SendAudio queues a binary PCM16 frame without blocking
func (c *Conn) SendAudio(frame []byte) error {
	return c.enqueue(outbound{kind: websocket.BinaryMessage, data: frame})
}

func (c *Conn) enqueue(f outbound) error {
	if c.closed.Load() {
		return ErrClosed
	}

	select {
	case c.send <- f:
		return nil
	default:
		c.framesDropped.Add(1)
		c.config.Metrics.RecordSendDrop()
		return ErrQueueFull
	}
}

// writeLoop is the only goroutine that writes data frames
func (c *Conn) writeLoop() {
	var ping <-chan time.Time
	if c.config.PingInterval > 0 {
		ticker := time.NewTicker(c.config.PingInterval)
		defer ticker.Stop()
		ping = ticker.C
	}

	for {
		select {
		case <-c.done:
			return

		case f := <-c.send:
			if err := c.write(f.kind, f.data); err != nil {
				if !errors.Is(err, ErrClosed) {
					c.logger.Debug("Write failed",
						slog.String("conn_id", c.id),
						slog.String("error", err.Error()),
					)
					c.closeWithCause(err)
				}
				return
			}
			c.framesSent.Add(1)

		case <-ping:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				if !errors.Is(err, ErrClosed) {
					c.closeWithCause(err)
				}
				return
			}
		}
	}
}

// write sends one frame unless teardown has begun
func (c *Conn) write(kind int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.closed.Load() {
		return ErrClosed
	}

	c.ws.SetWriteDeadline(time.Now().Add(c.config.WriteTimeout))
	return c.ws.WriteMessage(kind, data)
}

// ReadLoop reads frames until the connection fails or is closed, dispatching decoded
// control messages and validated audio frames to h. Malformed frames are dropped.
// It closes the connection before returning; a clean close returns nil.
func (c *Conn) ReadLoop(h Handler) error {
	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if c.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.Close()
				return nil
			}
			c.closeWithCause(err)
			return fmt.Errorf("read failed: %w", err)
		}

		c.framesReceived.Add(1)
		if c.config.PingInterval > 0 {
			c.ws.SetReadDeadline(time.Now().Add(2 * c.config.PingInterval))
		}

		switch kind {
		case websocket.TextMessage:
			msg, err := protocol.Decode(data)
			if err != nil {
				c.dropMalformed(err)
				continue
			}
			c.config.Metrics.RecordMessage(string(msg.MessageType()))
			h.HandleMessage(c, msg)

		case websocket.BinaryMessage:
			if err := protocol.ValidateAudioFrame(data); err != nil {
				c.dropMalformed(err)
				continue
			}
			c.config.Metrics.RecordAudioFrame(len(data))
			h.HandleAudio(c, data)
		}
	}
}

func (c *Conn) dropMalformed(err error) {
	c.malformed.Add(1)
	c.config.Metrics.RecordMalformed()
	c.logger.Debug("Dropping malformed frame",
		slog.String("conn_id", c.id),
		slog.String("error", err.Error()),
	)
}

// Close stops all sending and closes the socket. Frames still queued are discarded.
func (c *Conn) Close() error {
	c.closeWithCause(nil)
	return c.closeErr
}

func (c *Conn) closeWithCause(cause error) {
	c.closeOnce.Do(func() {
		c.cause = cause
		c.closed.Store(true)
		close(c.done)

		// Waits for an in-flight write; no write starts after closed is set
		c.writeMu.Lock()
		if cause == nil {
			c.ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
		}
		c.closeErr = c.ws.Close()
		c.writeMu.Unlock()

		for {
			select {
			case <-c.send:
			default:
				return
			}
		}
	})
}

// Done is closed when the connection starts tearing down
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the transport error that closed the connection, if any
func (c *Conn) Err() error {
	select {
	case <-c.done:
		return c.cause
	default:
		return nil
	}
}

// State returns whether the connection is still usable
func (c *Conn) State() State {
	if c.closed.Load() {
		return StateDisconnected
	}
	return StateConnected
}

// GetStats returns current connection statistics
func (c *Conn) GetStats() Stats {
	return Stats{
		ID:             c.id,
		RemoteAddr:     c.RemoteAddr(),
		State:          c.State().String(),
		ConnectedAt:    c.connectedAt,
		FramesSent:     c.framesSent.Load(),
		FramesDropped:  c.framesDropped.Load(),
		FramesReceived: c.framesReceived.Load(),
		Malformed:      c.malformed.Load(),
		QueueLength:    len(c.send),
	}
}
