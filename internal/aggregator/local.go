package aggregator

import (
	"sync"
	"sync/atomic"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

// LocalSink connects an in-process source to the hub without a network hop.
// Messages the source sends go straight into the hub; messages the hub sends to
// the source (rankings) are delivered to the receiver set with SetReceiver.
type LocalSink struct {
	hub  *Hub
	peer *Peer

	receiver func(msg protocol.Message)
	mu       sync.RWMutex
	closed   atomic.Bool
}

// OpenLocal creates a sink for one in-process source
func (h *Hub) OpenLocal() *LocalSink {
	s := &LocalSink{hub: h}
	s.peer = h.NewPeer(&localConn{sink: s})
	return s
}

// SetReceiver installs the callback for messages addressed to the source
func (s *LocalSink) SetReceiver(fn func(msg protocol.Message)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.receiver = fn
}

// SendMessage hands a control message from the source to the hub
func (s *LocalSink) SendMessage(msg protocol.Message) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}
	s.hub.HandleMessage(s.peer, msg)
	return nil
}

// SendAudio hands an accepted PCM16 frame from the source to the hub
func (s *LocalSink) SendAudio(frame []byte) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}
	if err := protocol.ValidateAudioFrame(frame); err != nil {
		return err
	}
	s.hub.HandleAudio(s.peer, frame)
	return nil
}

// Close detaches the source from the hub. Its record stays in the registry.
func (s *LocalSink) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.hub.ClosePeer(s.peer)
	return nil
}

func (s *LocalSink) deliver(msg protocol.Message) error {
	if s.closed.Load() {
		return transport.ErrClosed
	}

	s.mu.RLock()
	fn := s.receiver
	s.mu.RUnlock()

	if fn != nil {
		fn(msg)
	}
	return nil
}

// localConn is the hub's side of a LocalSink
type localConn struct {
	sink *LocalSink
}

func (c *localConn) SendMessage(msg protocol.Message) error {
	return c.sink.deliver(msg)
}

func (c *localConn) Close() error {
	return c.sink.Close()
}
