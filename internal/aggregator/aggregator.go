package aggregator

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/protocol"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/registry"
)

// Aggregator applies inbound control messages to a registry.
//
// Local ranking and ranking overrides are two separate paths into the registry:
// Hello and Metrics re-run the local election, Ranking marks the first id of the
// supplied order. Whichever arrives last decides the closest source.
type Aggregator struct {
	registry *registry.Registry
	logger   *slog.Logger
	metrics  *metrics.Metrics

	lastClosest string
	mu          sync.Mutex
}

// New creates an aggregator over reg
func New(reg *registry.Registry, logger *slog.Logger, m *metrics.Metrics) *Aggregator {
	return &Aggregator{
		registry: reg,
		logger:   logger,
		metrics:  m,
	}
}

// Registry returns the registry the aggregator writes to
func (a *Aggregator) Registry() *registry.Registry {
	return a.registry
}

// Handle applies one message and reports whether the registry changed.
// Messages that do not apply (observer hellos, unknown ids) change nothing.
func (a *Aggregator) Handle(msg protocol.Message) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	var changed bool

	switch m := msg.(type) {
	case protocol.Hello:
		if m.Role != protocol.RoleSource {
			return false
		}
		label := m.DeviceLabel
		changed = a.registry.UpsertAndRank(m.ID, registry.Patch{Label: &label})

	case protocol.Metrics:
		db, speaking := m.DB, m.Speaking
		changed = a.registry.UpsertAndRank(m.ID, registry.Patch{DB: &db, Speaking: &speaking})

	case protocol.Transcript:
		changed = a.registry.SetTranscript(m.ID, m.Text)

	case protocol.Ranking:
		changed = a.registry.ApplyRankingOverride(toRegistryOrder(m.Order))
		if changed {
			a.metrics.RecordRankingOverride()
		}

	case protocol.Reset:
		changed = a.registry.Clear()
		a.metrics.RecordReset()

	default:
		a.logger.Debug("Ignoring unsupported message", slog.String("type", fmt.Sprintf("%T", msg)))
		return false
	}

	a.observeLocked()
	return changed
}

// Disconnect marks id as no longer speaking after its source went away and
// re-runs the election. The record stays for display.
func (a *Aggregator) Disconnect(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	changed := a.registry.Silence(id)
	a.observeLocked()
	return changed
}

// observeLocked tracks elections for metrics and logs
func (a *Aggregator) observeLocked() {
	closest := a.registry.Closest()
	if closest != a.lastClosest {
		a.logger.Debug("Closest source changed",
			slog.String("from", a.lastClosest),
			slog.String("to", closest),
		)
		a.lastClosest = closest
		a.metrics.RecordClosestChange()
	}
	a.metrics.SetKnownSources(a.registry.Len())
}

func toRegistryOrder(order []protocol.RankEntry) []registry.RankEntry {
	out := make([]registry.RankEntry, len(order))
	for i, e := range order {
		out[i] = registry.RankEntry{ID: e.ID, DB: e.DB}
	}
	return out
}

func toProtocolOrder(order []registry.RankEntry) []protocol.RankEntry {
	out := make([]protocol.RankEntry, len(order))
	for i, e := range order {
		out[i] = protocol.RankEntry{ID: e.ID, DB: protocol.RoundDB(e.DB)}
	}
	return out
}
