// Package gate decides, one capture buffer at a time, whether a source transmits audio.
package gate

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
)

// Policy selects which flag makes a source eligible to transmit
type Policy string

const (
	// PolicySpeaking transmits whenever the local detector says the source is speaking
	PolicySpeaking Policy = "speaking"
	// PolicyClosest transmits only while the source is the elected closest speaker
	PolicyClosest Policy = "closest"
)

// ParsePolicy parses a policy name. The empty string selects PolicySpeaking.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(strings.ToLower(strings.TrimSpace(s))) {
	case "", PolicySpeaking:
		return PolicySpeaking, nil
	case PolicyClosest, "is_closest", "isclosest":
		return PolicyClosest, nil
	default:
		return "", fmt.Errorf("unknown gate policy %q (expected %q or %q)", s, PolicySpeaking, PolicyClosest)
	}
}

// Status is the eligibility input for one buffer
type Status struct {
	Speaking bool
	Closest  bool
}

// Stats represents gate statistics
type Stats struct {
	Policy          Policy `json:"policy"`
	BuffersAccepted uint64 `json:"buffers_accepted"`
	BuffersDropped  uint64 `json:"buffers_dropped"`
	BytesEmitted    uint64 `json:"bytes_emitted"`
}

// Gate applies a policy to whole buffers. Buffers are never split or carried over.
type Gate struct {
	policy Policy

	accepted atomic.Uint64
	dropped  atomic.Uint64
	bytes    atomic.Uint64
}

// New creates a gate for the given policy
func New(policy Policy) (*Gate, error) {
	if policy != PolicySpeaking && policy != PolicyClosest {
		return nil, fmt.Errorf("unknown gate policy %q", policy)
	}
	return &Gate{policy: policy}, nil
}

// Eligible reports whether a source in status may transmit under the gate's policy
func (g *Gate) Eligible(status Status) bool {
	if g.policy == PolicyClosest {
		return status.Closest
	}
	return status.Speaking
}

// Process encodes the buffer as one PCM16LE frame if the source is eligible.
// It returns nil when the buffer is dropped.
func (g *Gate) Process(status Status, samples []float32) []byte {
	if !g.Eligible(status) || len(samples) == 0 {
		g.dropped.Add(1)
		return nil
	}

	frame := audio.EncodePCM16(samples)
	g.accepted.Add(1)
	g.bytes.Add(uint64(len(frame)))
	return frame
}

// Policy returns the configured policy
func (g *Gate) Policy() Policy {
	return g.policy
}

// GetStats returns current gate statistics
func (g *Gate) GetStats() Stats {
	return Stats{
		Policy:          g.policy,
		BuffersAccepted: g.accepted.Load(),
		BuffersDropped:  g.dropped.Load(),
		BytesEmitted:    g.bytes.Load(),
	}
}
