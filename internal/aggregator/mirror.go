package aggregator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/transport"
)

// Mirror replicates a hub's roster into a local aggregator. It connects as an
// observer, so the hub replays its roster and then streams every update.
type Mirror struct {
	agg    *Aggregator
	id     string
	logger *slog.Logger
}

// NewMirror creates a mirror that feeds agg
func NewMirror(agg *Aggregator, id string, logger *slog.Logger) *Mirror {
	return &Mirror{agg: agg, id: id, logger: logger}
}

// Run announces the mirror on conn and applies inbound messages until the
// connection closes or ctx is cancelled. The connection is closed on return.
func (m *Mirror) Run(ctx context.Context, conn *transport.Conn) error {
	defer conn.Close()

	if err := conn.SendMessage(protocol.Hello{Role: protocol.RoleAggregator, ID: m.id}); err != nil {
		return fmt.Errorf("failed to send hello: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- conn.ReadLoop(m)
	}()

	select {
	case <-ctx.Done():
		conn.Close()
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

// HandleMessage applies one message from the hub
func (m *Mirror) HandleMessage(_ *transport.Conn, msg protocol.Message) {
	if m.agg.Handle(msg) {
		m.logger.Debug("Roster updated", slog.String("type", string(msg.MessageType())))
	}
}

// HandleAudio ignores audio; hubs do not send any to observers
func (m *Mirror) HandleAudio(_ *transport.Conn, _ []byte) {}
