package transcription

import (
	"context"
	"fmt"
	"time"

	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/audio"
	"github.com/ahmad-alqaisi215/NETIXS-AI/internal/metrics"
)

// Supported providers
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// Transcriber turns one audio chunk into text
type Transcriber interface {
	Transcribe(ctx context.Context, request *Request) (*Response, error)
	Name() string
	Close() error
}

// Config contains transcription backend configuration
type Config struct {
	Provider      string
	Endpoint      string // HTTP endpoint, or base URL override for OpenAI
	APIKey        string
	Model         string
	Language      string
	Timeout       time.Duration
	MaxRetries    int
	MaxConcurrent int
	OutputFormat  string // "json" or "text"
	Metrics       *metrics.Metrics
}

// Request represents a transcription request
type Request struct {
	Chunk *audio.AudioChunk `json:"chunk"`
	Label string            `json:"label,omitempty"`

	// Transcription parameters
	Language string `json:"language,omitempty"`
	Model    string `json:"model,omitempty"`
	Prompt   string `json:"prompt,omitempty"`

	// Request metadata
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Response represents the text recognised for one chunk
type Response struct {
	ChunkID     string    `json:"chunk_id"`
	SourceID    string    `json:"source_id"`
	Text        string    `json:"text"`
	Language    string    `json:"language,omitempty"`
	Segments    []Segment `json:"segments,omitempty"`
	Duration    float64   `json:"duration"`
	ProcessedAt time.Time `json:"processed_at"`
}

// Segment represents a segment of transcribed text
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// New creates the backend selected by config.Provider
func New(config Config) (Transcriber, error) {
	switch config.Provider {
	case ProviderHTTP:
		return NewClient(config)
	case ProviderOpenAI:
		return NewOpenAIClient(config)
	case ProviderNone, "":
		return Noop{}, nil
	default:
		return nil, fmt.Errorf("unknown transcription provider %q", config.Provider)
	}
}

// Noop is a backend that recognises nothing
type Noop struct{}

// Transcribe returns an empty transcript
func (Noop) Transcribe(ctx context.Context, request *Request) (*Response, error) {
	resp := &Response{ProcessedAt: time.Now()}
	if request != nil && request.Chunk != nil {
		resp.ChunkID = request.Chunk.ChunkID
		resp.SourceID = request.Chunk.SourceID
	}
	return resp, nil
}

// Name returns the provider name
func (Noop) Name() string { return ProviderNone }

// Close does nothing
func (Noop) Close() error { return nil }
