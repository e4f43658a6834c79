package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
)

// Protocol constants
const (
	// AudioSampleRate is the rate of every binary audio frame
	AudioSampleRate = 16000

	// MaxAudioFrameSize bounds a single binary frame (about 32s of audio)
	MaxAudioFrameSize = 1 << 20

	// DefaultDB is reported for a source that has no reading yet
	DefaultDB = -120.0
)

var (
	// ErrUnknownType is returned for a well-formed message with an unrecognised type
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed is returned for payloads that are not valid control messages
	ErrMalformed = errors.New("malformed message")
)

// Type is the tag of a control message
type Type string

const (
	TypeHello      Type = "hello"
	TypeMetrics    Type = "metrics"
	TypeTranscript Type = "transcript"
	TypeRanking    Type = "ranking"
	TypeReset      Type = "reset"
)

// Role is the part a peer plays on a connection
type Role string

const (
	RoleSource     Role = "source"
	RoleAggregator Role = "aggregator"
)

// Legacy role names
const (
	legacyRoleSource     = "student"
	legacyRoleAggregator = "admin"
)

// ParseRole maps a wire role, including legacy names, to a Role
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case string(RoleSource), legacyRoleSource:
		return RoleSource, nil
	case string(RoleAggregator), legacyRoleAggregator:
		return RoleAggregator, nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrMalformed, s)
	}
}

// Message is any control message
type Message interface {
	MessageType() Type
}

// Hello opens every connection and declares the peer's role and identity
type Hello struct {
	Role        Role
	ID          string
	DeviceLabel string
	SampleRate  int

	// Legacy is set by Decode when the peer used the original client names
	Legacy bool
}

// Metrics is a source's periodic level report
type Metrics struct {
	ID       string
	DB       float64
	Speaking bool
	TS       int64 // sender clock, unix milliseconds
}

// Transcript carries recognised text for a source
type Transcript struct {
	ID    string
	Text  string
	Final bool
}

// RankEntry is one element of a ranking order
type RankEntry struct {
	ID string
	DB float64
}

// Ranking is an externally computed order; its first entry is the closest source
type Ranking struct {
	Order []RankEntry
}

// Reset clears every registry that receives it
type Reset struct{}

func (Hello) MessageType() Type      { return TypeHello }
func (Metrics) MessageType() Type    { return TypeMetrics }
func (Transcript) MessageType() Type { return TypeTranscript }
func (Ranking) MessageType() Type    { return TypeRanking }
func (Reset) MessageType() Type      { return TypeReset }

// wire forms

type wireEnvelope struct {
	Type Type `json:"type"`
}

type wireHello struct {
	Type        Type   `json:"type"`
	Role        string `json:"role"`
	ID          string `json:"id,omitempty"`
	StudentID   string `json:"studentId,omitempty"`
	DeviceLabel string `json:"deviceLabel,omitempty"`
	SampleRate  int    `json:"sampleRate,omitempty"`
}

type wireMetrics struct {
	Type      Type     `json:"type"`
	ID        string   `json:"id,omitempty"`
	StudentID string   `json:"studentId,omitempty"`
	DB        *float64 `json:"db"`
	Speaking  bool     `json:"speaking"`
	TS        int64    `json:"ts,omitempty"`
}

type wireTranscript struct {
	Type      Type   `json:"type"`
	ID        string `json:"id,omitempty"`
	StudentID string `json:"studentId,omitempty"`
	Text      string `json:"text"`
	Final     bool   `json:"final,omitempty"`
}

type wireRankEntry struct {
	ID        string  `json:"id,omitempty"`
	StudentID string  `json:"studentId,omitempty"`
	DB        float64 `json:"db"`
}

type wireRanking struct {
	Type  Type            `json:"type"`
	Order []wireRankEntry `json:"order"`
}

type wireReset struct {
	Type Type `json:"type"`
}

// Decode parses one JSON control message
func Decode(data []byte) (Message, error) {
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch env.Type {
	case TypeHello:
		var w wireHello
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: hello: %v", ErrMalformed, err)
		}
		role, err := ParseRole(w.Role)
		if err != nil {
			return nil, err
		}
		msg := Hello{
			Role:        role,
			ID:          pickID(w.ID, w.StudentID),
			DeviceLabel: w.DeviceLabel,
			SampleRate:  w.SampleRate,
			Legacy:      isLegacyRole(w.Role) || (w.ID == "" && w.StudentID != ""),
		}
		if err := ValidateHello(msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeMetrics:
		var w wireMetrics
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: metrics: %v", ErrMalformed, err)
		}
		db := DefaultDB
		if w.DB != nil {
			db = *w.DB
		}
		msg := Metrics{
			ID:       pickID(w.ID, w.StudentID),
			DB:       db,
			Speaking: w.Speaking,
			TS:       w.TS,
		}
		if err := ValidateMetrics(msg); err != nil {
			return nil, err
		}
		return msg, nil

	case TypeTranscript:
		var w wireTranscript
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: transcript: %v", ErrMalformed, err)
		}
		return Transcript{ID: pickID(w.ID, w.StudentID), Text: w.Text, Final: w.Final}, nil

	case TypeRanking:
		var w wireRanking
		if err := json.Unmarshal(data, &w); err != nil {
			return nil, fmt.Errorf("%w: ranking: %v", ErrMalformed, err)
		}
		msg := Ranking{Order: make([]RankEntry, 0, len(w.Order))}
		for i, e := range w.Order {
			id := pickID(e.ID, e.StudentID)
			if id == "" {
				return nil, fmt.Errorf("%w: ranking entry %d has no id", ErrMalformed, i)
			}
			msg.Order = append(msg.Order, RankEntry{ID: id, DB: e.DB})
		}
		return msg, nil

	case TypeReset:
		return Reset{}, nil

	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

// Encode serialises a control message using canonical field names
func Encode(msg Message) ([]byte, error) {
	return encode(msg, false)
}

// EncodeLegacy serialises a control message with the field and role names of the
// original browser clients, for peers that announced themselves with a legacy role
func EncodeLegacy(msg Message) ([]byte, error) {
	return encode(msg, true)
}

func encode(msg Message, legacy bool) ([]byte, error) {
	var v any

	switch m := msg.(type) {
	case Hello:
		w := wireHello{Type: TypeHello, Role: string(m.Role), DeviceLabel: m.DeviceLabel, SampleRate: m.SampleRate}
		if legacy {
			w.StudentID = m.ID
			w.Role = legacyRole(m.Role)
		} else {
			w.ID = m.ID
		}
		v = w
	case Metrics:
		db := m.DB
		w := wireMetrics{Type: TypeMetrics, DB: &db, Speaking: m.Speaking, TS: m.TS}
		if legacy {
			w.StudentID = m.ID
		} else {
			w.ID = m.ID
		}
		v = w
	case Transcript:
		w := wireTranscript{Type: TypeTranscript, Text: m.Text, Final: m.Final}
		if legacy {
			w.StudentID = m.ID
		} else {
			w.ID = m.ID
		}
		v = w
	case Ranking:
		w := wireRanking{Type: TypeRanking, Order: make([]wireRankEntry, 0, len(m.Order))}
		for _, e := range m.Order {
			if legacy {
				w.Order = append(w.Order, wireRankEntry{StudentID: e.ID, DB: e.DB})
			} else {
				w.Order = append(w.Order, wireRankEntry{ID: e.ID, DB: e.DB})
			}
		}
		v = w
	case Reset:
		v = wireReset{Type: TypeReset}
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownType, msg)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s message: %w", msg.MessageType(), err)
	}
	return data, nil
}

// ValidateHello checks a hello message
func ValidateHello(m Hello) error {
	if m.Role != RoleSource && m.Role != RoleAggregator {
		return fmt.Errorf("%w: invalid role %q", ErrMalformed, m.Role)
	}

	if m.Role == RoleSource && strings.TrimSpace(m.ID) == "" {
		return fmt.Errorf("%w: source hello without id", ErrMalformed)
	}

	if m.SampleRate < 0 {
		return fmt.Errorf("%w: negative sample rate %d", ErrMalformed, m.SampleRate)
	}

	return nil
}

// ValidateMetrics checks a metrics message
func ValidateMetrics(m Metrics) error {
	if math.IsNaN(m.DB) || math.IsInf(m.DB, 0) {
		return fmt.Errorf("%w: db must be finite", ErrMalformed)
	}
	return nil
}

// ValidateAudioFrame checks a binary frame before it is forwarded
func ValidateAudioFrame(frame []byte) error {
	if len(frame) == 0 {
		return fmt.Errorf("%w: empty audio frame", ErrMalformed)
	}

	if len(frame)%2 != 0 {
		return fmt.Errorf("%w: audio frame length must be even, got %d bytes", ErrMalformed, len(frame))
	}

	if len(frame) > MaxAudioFrameSize {
		return fmt.Errorf("%w: audio frame too large: %d bytes (max %d)", ErrMalformed, len(frame), MaxAudioFrameSize)
	}

	return nil
}

// RoundDB rounds a level to 0.1 dB for reporting
func RoundDB(db float64) float64 {
	return math.Round(db*10) / 10
}

// String returns a human-readable representation of the hello message
func (m Hello) String() string {
	return fmt.Sprintf("Hello{Role:%s, ID:%q, DeviceLabel:%q, SampleRate:%d}", m.Role, m.ID, m.DeviceLabel, m.SampleRate)
}

// String returns a human-readable representation of the metrics message
func (m Metrics) String() string {
	return fmt.Sprintf("Metrics{ID:%q, DB:%.1f, Speaking:%t}", m.ID, m.DB, m.Speaking)
}

func pickID(id, legacy string) string {
	if id != "" {
		return id
	}
	return legacy
}

func isLegacyRole(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case legacyRoleSource, legacyRoleAggregator:
		return true
	}
	return false
}

func legacyRole(r Role) string {
	if r == RoleAggregator {
		return legacyRoleAggregator
	}
	return legacyRoleSource
}
